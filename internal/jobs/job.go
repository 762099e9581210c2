package jobs

import (
	"encoding/json"
	"maps"
	"time"
)

// State is the mailbox a job currently lives in.
type State string

const (
	StateInbox   State = "inbox"
	StateArchive State = "archive"
)

func (s State) Valid() bool {
	return s == StateInbox || s == StateArchive
}

type Node struct {
	NodeID string `json:"node_id"`
}

// HubState is server-assigned; anything a client sends here is discarded.
type HubState struct {
	ReceivedAt  time.Time  `json:"received_at"`
	Confirmed   bool       `json:"confirmed"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy string     `json:"confirmed_by,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	ArchivedBy  string     `json:"archived_by,omitempty"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	ExecutedOK  *bool      `json:"executed_ok,omitempty"`
}

// ExecutorState records the outcome of one execution attempt. Raw process
// output is never stored, only its length.
type ExecutorState struct {
	StartedAt  *time.Time `json:"started_at,omitempty"`
	ExecutedAt *time.Time `json:"executed_at,omitempty"`
	OK         bool       `json:"ok"`
	ReturnCode int        `json:"returncode"`
	StdoutLen  int        `json:"stdout_len"`
	StderrLen  int        `json:"stderr_len"`
	Error      string     `json:"error,omitempty"`
}

type Job struct {
	ID                 string         `json:"id"`
	Type               Type           `json:"type"`
	RequesterAccountID string         `json:"requester_account_id,omitempty"`
	Node               *Node          `json:"node,omitempty"`
	BiometricVerified  bool           `json:"biometric_verified,omitempty"`
	Params             map[string]any `json:"params,omitempty"`
	Hub                HubState       `json:"hub"`
	Executor           *ExecutorState `json:"executor,omitempty"`

	// Extra holds top-level keys this package does not model so a
	// read-modify-write never drops client data.
	Extra map[string]json.RawMessage `json:"-"`
}

// NodeID returns the requesting automation node, or "".
func (j Job) NodeID() string {
	if j.Node == nil {
		return ""
	}
	return j.Node.NodeID
}

type jobAlias Job

var knownKeys = map[string]struct{}{
	"id": {}, "type": {}, "requester_account_id": {}, "node": {},
	"biometric_verified": {}, "params": {}, "hub": {}, "executor": {},
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var alias jobAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range knownKeys {
		delete(raw, k)
	}
	*j = Job(alias)
	if len(raw) > 0 {
		j.Extra = raw
	}
	return nil
}

func (j Job) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(jobAlias(j))
	if err != nil {
		return nil, err
	}
	if len(j.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range j.Extra {
		if _, known := knownKeys[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Clone returns a deep-enough copy for read-modify-write cycles.
func (j Job) Clone() Job {
	out := j
	if j.Node != nil {
		n := *j.Node
		out.Node = &n
	}
	if j.Params != nil {
		out.Params = maps.Clone(j.Params)
	}
	if j.Extra != nil {
		out.Extra = maps.Clone(j.Extra)
	}
	if j.Executor != nil {
		e := *j.Executor
		out.Executor = &e
	}
	return out
}

// Decode parses a stored job document.
func Decode(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Encode renders a job the way it is persisted.
func Encode(j Job) ([]byte, error) {
	return json.MarshalIndent(j, "", "  ")
}
