package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrMalformed  = errors.New("jobs: malformed json")
	ErrInvalidJob = errors.New("jobs: invalid job")
)

const submitSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "id": {"type": "string", "maxLength": 256},
    "type": {"type": "string", "minLength": 1, "maxLength": 128},
    "requester_account_id": {"type": "string", "maxLength": 256},
    "node": {
      "type": "object",
      "properties": {"node_id": {"type": "string"}}
    },
    "biometric_verified": {"type": "boolean"},
    "params": {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func submitValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("opshub://job-submit.json", submitSchema)
	})
	return schema, schemaErr
}

// serverOwnedKeys are dropped from submissions before decoding; the hub
// assigns them.
var serverOwnedKeys = []string{"hub", "executor"}

// ParseSubmission validates a client payload and decodes it. Hub and
// executor blocks supplied by the client are discarded unread.
func ParseSubmission(data []byte) (Job, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	s, err := submitValidator()
	if err != nil {
		return Job{}, fmt.Errorf("jobs: compile schema: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return Job{}, fmt.Errorf("%w: payload must be an object", ErrInvalidJob)
	}
	for _, k := range serverOwnedKeys {
		delete(obj, k)
	}
	stripped, err := json.Marshal(obj)
	if err != nil {
		return Job{}, fmt.Errorf("jobs: re-encode submission: %w", err)
	}
	var j Job
	if err := json.Unmarshal(stripped, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return j, nil
}
