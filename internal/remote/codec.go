package remote

import (
	"encoding/json"

	"github.com/rendis/replaykit/internal/validation"
	"github.com/rendis/replaykit/pkg/schema"
)

// Codec encodes and decodes Context payloads, validating them against the
// remote context JSON Schema.
type Codec struct {
	validator validation.Validator
}

// NewCodec returns a Codec backed by v.
func NewCodec(v validation.Validator) *Codec {
	return &Codec{validator: v}
}

// Decode validates and parses a payload received from a remote worker.
func (c *Codec) Decode(data []byte) (*Context, error) {
	if err := c.validator.ValidateRemoteContext(data); err != nil {
		return nil, err
	}
	var rc Context
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode remote context").WithCause(err)
	}
	for _, batch := range rc.Actions {
		for i := range batch {
			if err := batch[i].Validate(); err != nil {
				return nil, err
			}
		}
	}
	if rc.IsDone && rc.Error != "" && len(rc.Output) > 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "remote context has both output and error")
	}
	return &rc, nil
}

// Encode serializes rc and checks the result against the schema.
func (c *Codec) Encode(rc *Context) ([]byte, error) {
	if rc.History == nil {
		cp := *rc
		cp.History = []*schema.HistoryEvent{}
		rc = &cp
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode remote context").WithCause(err)
	}
	if err := c.validator.ValidateRemoteContext(data); err != nil {
		return nil, err
	}
	return data, nil
}
