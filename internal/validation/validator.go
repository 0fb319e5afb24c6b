package validation

import "encoding/json"

// Validator checks payloads that cross a process or persistence boundary.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateRemoteContext(doc []byte) error
	ValidateInput(input json.RawMessage, inputSchema []byte) error
}
