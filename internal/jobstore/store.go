// Package jobstore persists jobs in one of two mailboxes, inbox and archive.
//
// FileStore is the reference layout (<root>/<state>/<id>.json). SQLiteStore
// keeps the same contract in one embedded database keyed by id with a state
// index, so read-modify-write happens inside a transaction.
package jobstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/danmuck/opshub/internal/jobs"
)

var (
	ErrNotFound   = errors.New("jobstore: job not found")
	ErrExists     = errors.New("jobstore: job already exists")
	ErrNotInInbox = errors.New("jobstore: job not in inbox")
	ErrInvalidID  = errors.New("jobstore: invalid job id")
)

// Entry is one scanned job. Err is set when the stored document could not
// be parsed; the entry is then reported rather than dropped.
type Entry struct {
	ID      string
	Job     jobs.Job
	ModTime time.Time
	Err     error
}

// SortKey orders entries by server receive time, falling back to the
// storage timestamp for documents that did not parse.
func (e Entry) SortKey() time.Time {
	if e.Err == nil && !e.Job.Hub.ReceivedAt.IsZero() {
		return e.Job.Hub.ReceivedAt
	}
	return e.ModTime
}

type Store interface {
	// Create places a new job in the inbox. ErrExists if the id is taken
	// in either mailbox.
	Create(ctx context.Context, job jobs.Job) error
	Get(ctx context.Context, id string) (jobs.Job, jobs.State, error)
	// Update rewrites an inbox job with fn applied. The whole document is
	// replaced atomically.
	Update(ctx context.Context, id string, fn func(*jobs.Job) error) (jobs.Job, error)
	// Archive applies fn and moves the job from inbox to archive.
	Archive(ctx context.Context, id string, fn func(*jobs.Job)) (jobs.Job, error)
	// Scan lists every entry in state oldest first, including unparseable ones.
	Scan(ctx context.Context, state jobs.State) ([]Entry, error)
	Close() error
}

// List returns up to limit parsed jobs in state, newest first.
func List(ctx context.Context, s Store, state jobs.State, limit int) ([]jobs.Job, error) {
	entries, err := s.Scan(ctx, state)
	if err != nil {
		return nil, err
	}
	out := make([]jobs.Job, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Err != nil {
			continue
		}
		out = append(out, entries[i].Job)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sortOldestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, k int) bool {
		a, b := entries[i].SortKey(), entries[k].SortKey()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return entries[i].ID < entries[k].ID
	})
}
