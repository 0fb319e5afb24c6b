package schema

import "fmt"

// ValidationSeverity separates blocking problems from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found while checking a policy, a remote
// context or the lock wait-for graph. Path names the offending field.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects issues; only errors make it invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError returns nil for a valid result. Otherwise the error carries the
// code shared by every error issue, or VALIDATION_ERROR when they differ,
// and lists all issues in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]
	code := first.Code
	for _, issue := range r.Errors[1:] {
		if issue.Code != code {
			code = ErrCodeValidation
			break
		}
	}
	if code == "" {
		code = ErrCodeValidation
	}

	err := NewError(code, first.Message).WithTarget(first.Path)
	if n := len(r.Errors); n > 1 {
		err = NewError(code, fmt.Sprintf("validation failed with %d errors", n))
	}
	return err.WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
