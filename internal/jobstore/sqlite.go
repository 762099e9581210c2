package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danmuck/opshub/internal/jobs"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_state_received ON jobs(state, received_at);
`

// SQLiteStore implements Store on an embedded database. Each mutation is a
// single transaction, so confirm and archive cannot interleave.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("jobstore: create db dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("jobstore: migrate: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, job jobs.Job) error {
	if !jobs.ValidID(job.ID) {
		return ErrInvalidID
	}
	body, err := jobs.Encode(job)
	if err != nil {
		return fmt.Errorf("jobstore: encode %s: %w", job.ID, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, job.ID).Scan(&exists)
	if err == nil {
		return ErrExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("jobstore: lookup %s: %w", job.ID, err)
	}
	now := s.now().UnixNano()
	received := job.Hub.ReceivedAt.UnixNano()
	if job.Hub.ReceivedAt.IsZero() {
		received = now
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, state, received_at, updated_at, body) VALUES (?, ?, ?, ?, ?)`,
		job.ID, string(jobs.StateInbox), received, now, string(body),
	); err != nil {
		return fmt.Errorf("jobstore: insert %s: %w", job.ID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (jobs.Job, jobs.State, error) {
	if !jobs.ValidID(id) {
		return jobs.Job{}, "", ErrInvalidID
	}
	var state, body string
	err := s.db.QueryRowContext(ctx, `SELECT state, body FROM jobs WHERE id = ?`, id).Scan(&state, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, "", ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, "", fmt.Errorf("jobstore: get %s: %w", id, err)
	}
	job, err := decodeRow(id, body)
	if err != nil {
		return jobs.Job{}, "", err
	}
	return job, jobs.State(state), nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*jobs.Job) error) (jobs.Job, error) {
	return s.mutate(ctx, id, jobs.StateInbox, fn)
}

func (s *SQLiteStore) Archive(ctx context.Context, id string, fn func(*jobs.Job)) (jobs.Job, error) {
	return s.mutate(ctx, id, jobs.StateArchive, func(j *jobs.Job) error {
		if fn != nil {
			fn(j)
		}
		return nil
	})
}

func (s *SQLiteStore) mutate(ctx context.Context, id string, next jobs.State, fn func(*jobs.Job) error) (jobs.Job, error) {
	if !jobs.ValidID(id) {
		return jobs.Job{}, ErrInvalidID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return jobs.Job{}, err
	}
	defer tx.Rollback()

	var state, body string
	err = tx.QueryRowContext(ctx, `SELECT state, body FROM jobs WHERE id = ?`, id).Scan(&state, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, ErrNotFound
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("jobstore: load %s: %w", id, err)
	}
	if jobs.State(state) != jobs.StateInbox {
		return jobs.Job{}, ErrNotInInbox
	}
	job, err := decodeRow(id, body)
	if err != nil {
		return jobs.Job{}, err
	}
	if err := fn(&job); err != nil {
		return jobs.Job{}, err
	}
	job.ID = id
	encoded, err := jobs.Encode(job)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("jobstore: encode %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, updated_at = ?, body = ? WHERE id = ?`,
		string(next), s.now().UnixNano(), string(encoded), id,
	); err != nil {
		return jobs.Job{}, fmt.Errorf("jobstore: update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return jobs.Job{}, fmt.Errorf("jobstore: commit %s: %w", id, err)
	}
	return job, nil
}

func (s *SQLiteStore) Scan(ctx context.Context, state jobs.State) ([]Entry, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("jobstore: invalid state %q", state)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, updated_at, body FROM jobs WHERE state = ? ORDER BY received_at, id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("jobstore: scan %s: %w", state, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var id, body string
		var updated int64
		if err := rows.Scan(&id, &updated, &body); err != nil {
			return nil, fmt.Errorf("jobstore: scan row: %w", err)
		}
		entry := Entry{ID: id, ModTime: time.Unix(0, updated)}
		job, err := decodeRow(id, body)
		if err != nil {
			entry.Err = err
		} else {
			entry.Job = job
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeRow(id, body string) (jobs.Job, error) {
	job, err := jobs.Decode([]byte(body))
	if err != nil {
		return jobs.Job{}, fmt.Errorf("jobstore: parse %s: %w", id, err)
	}
	job.ID = id
	return job, nil
}
