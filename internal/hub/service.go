// Package hub is the durable job mailbox.
//
// Jobs move submitted (inbox) -> confirmed (inbox) -> archived. No
// transition deletes a job. Hub state on a job is server-owned: submit
// replaces whatever the client sent.
package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/opshub/internal/audit"
	"github.com/danmuck/opshub/internal/jobs"
	"github.com/danmuck/opshub/internal/jobstore"
	"github.com/danmuck/opshub/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
	DefaultActor     = "unknown"
)

var ErrInvalidState = errors.New("hub: invalid state")

type Service struct {
	store jobstore.Store
	audit audit.Sink
	now   func() time.Time
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store jobstore.Store, sink audit.Sink, opts ...ServiceOption) *Service {
	if sink == nil {
		sink = audit.Discard{}
	}
	s := &Service{store: store, audit: sink, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit stores job in the inbox under a sanitized or freshly assigned id.
func (s *Service) Submit(ctx context.Context, job jobs.Job) (jobs.Job, error) {
	now := s.now().UTC()
	id := jobs.SanitizeID(job.ID)
	if id == "" {
		id = jobs.NewID(now)
	}
	job.ID = id
	job.Hub = jobs.HubState{ReceivedAt: now}
	job.Executor = nil

	if err := s.store.Create(ctx, job); err != nil {
		return jobs.Job{}, err
	}
	s.record(audit.KindJobReceived, job.ID, "", map[string]any{
		"type":                 string(job.Type),
		"requester_account_id": job.RequesterAccountID,
		"node_id":              job.NodeID(),
	})
	return job, nil
}

// Confirm marks an inbox job confirmed. Confirming twice is not an error.
func (s *Service) Confirm(ctx context.Context, id, actor string) (jobs.Job, error) {
	if !jobs.ValidID(id) {
		return jobs.Job{}, jobstore.ErrInvalidID
	}
	actor = normalizeActor(actor)
	job, err := s.store.Update(ctx, id, func(j *jobs.Job) error {
		now := s.now().UTC()
		j.Hub.Confirmed = true
		j.Hub.ConfirmedAt = &now
		j.Hub.ConfirmedBy = actor
		return nil
	})
	if err != nil {
		return jobs.Job{}, err
	}
	s.record(audit.KindJobConfirmed, id, actor, map[string]any{"type": string(job.Type)})
	return job, nil
}

// Archive moves an inbox job to the archive.
func (s *Service) Archive(ctx context.Context, id, actor string) (jobs.Job, error) {
	if !jobs.ValidID(id) {
		return jobs.Job{}, jobstore.ErrInvalidID
	}
	actor = normalizeActor(actor)
	job, err := s.store.Archive(ctx, id, func(j *jobs.Job) {
		now := s.now().UTC()
		j.Hub.ArchivedAt = &now
		j.Hub.ArchivedBy = actor
	})
	if err != nil {
		return jobs.Job{}, err
	}
	s.record(audit.KindJobArchived, id, actor, map[string]any{"type": string(job.Type)})
	return job, nil
}

// List returns jobs in state, newest first. limit <= 0 selects the default.
func (s *Service) List(ctx context.Context, state jobs.State, limit int) ([]jobs.Job, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidState, state)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return jobstore.List(ctx, s.store, state, limit)
}

func (s *Service) Get(ctx context.Context, id string) (jobs.Job, jobs.State, error) {
	if !jobs.ValidID(id) {
		return jobs.Job{}, "", jobstore.ErrInvalidID
	}
	return s.store.Get(ctx, id)
}

func (s *Service) record(kind, jobID, actor string, fields map[string]any) {
	observability.RecordJobTransition(kind)
	err := s.audit.Append(audit.Record{
		Timestamp: s.now().UTC(),
		Kind:      kind,
		JobID:     jobID,
		Actor:     actor,
		Fields:    fields,
	})
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Str("job_id", jobID).Msg("hub audit append failed")
	}
}

func normalizeActor(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return DefaultActor
	}
	return actor
}
