// Package audit writes the append-only JSON-lines audit trail.
//
// Every job state transition and every policy decision produces exactly one
// record. Records are never rewritten or removed.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record kinds shared by the hub and the executor.
const (
	KindJobReceived           = "job_received"
	KindJobConfirmed          = "job_confirmed"
	KindJobArchived           = "job_archived"
	KindPassStarted           = "pass_started"
	KindPassFinished          = "pass_finished"
	KindJobParseFailed        = "job_parse_failed"
	KindJobSkippedUnconfirmed = "job_skipped_unconfirmed"
	KindPolicyDecision        = "policy_decision"
	KindJobDenied             = "job_denied"
	KindJobPlan               = "job_plan"
	KindJobUnimplemented      = "job_unimplemented"
	KindJobExecuted           = "job_executed"
	KindJobExecutionFailed    = "job_execution_failed"
	KindJobResultUnrecorded   = "job_result_unrecorded"
)

var ErrClosed = errors.New("audit: log closed")

// Record is one audit line. Fields are flattened next to the fixed keys.
type Record struct {
	Timestamp time.Time
	Kind      string
	JobID     string
	Actor     string
	Fields    map[string]any
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	out["kind"] = r.Kind
	out["job_id"] = r.JobID
	if r.Actor != "" {
		out["actor"] = r.Actor
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, _ := raw["timestamp"].(string)
	if ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("audit: bad timestamp: %w", err)
		}
		r.Timestamp = parsed
	}
	r.Kind, _ = raw["kind"].(string)
	r.JobID, _ = raw["job_id"].(string)
	r.Actor, _ = raw["actor"].(string)
	delete(raw, "timestamp")
	delete(raw, "kind")
	delete(raw, "job_id")
	delete(raw, "actor")
	r.Fields = raw
	return nil
}

// Sink receives audit records. Log is the file-backed implementation.
type Sink interface {
	Append(rec Record) error
}

// Log appends records to a file opened with O_APPEND, one JSON object per
// line, so independent processes can share it.
type Log struct {
	mu   sync.Mutex
	path string
	file *os.File
	now  func() time.Time
}

// Open creates parent directories and opens path for appending.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Log{path: path, file: f, now: time.Now}, nil
}

func (l *Log) Path() string { return l.path }

// Append writes rec as a single line. A zero timestamp is stamped with now.
func (l *Log) Append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ErrClosed
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: encode %s: %w", rec.Kind, err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("audit: write %s: %w", rec.Kind, err)
	}
	return nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadAll parses every record in the file at path. Unparseable lines are
// returned as an error after the readable prefix.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("audit: line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// Discard drops every record.
type Discard struct{}

func (Discard) Append(Record) error { return nil }
