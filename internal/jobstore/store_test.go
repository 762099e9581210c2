package jobstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/opshub/internal/config"
	"github.com/danmuck/opshub/internal/jobs"
	"github.com/danmuck/opshub/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func newJob(id string, received time.Time) jobs.Job {
	return jobs.Job{
		ID:                 id,
		Type:               jobs.TypeSyncPush,
		RequesterAccountID: "acc-1",
		Hub:                jobs.HubState{ReceivedAt: received},
	}
}

func TestStoreContract(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			ctx := context.Background()
			s := factory(t)
			base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

			require.NoError(t, s.Create(ctx, newJob("job-b", base.Add(time.Minute))))
			require.NoError(t, s.Create(ctx, newJob("job-a", base)))
			require.ErrorIs(t, s.Create(ctx, newJob("job-a", base)), ErrExists)
			require.ErrorIs(t, s.Create(ctx, newJob("../x", base)), ErrInvalidID)

			got, state, err := s.Get(ctx, "job-a")
			require.NoError(t, err)
			require.Equal(t, jobs.StateInbox, state)
			require.Equal(t, "acc-1", got.RequesterAccountID)

			_, _, err = s.Get(ctx, "job-missing")
			require.ErrorIs(t, err, ErrNotFound)

			updated, err := s.Update(ctx, "job-a", func(j *jobs.Job) error {
				j.Hub.Confirmed = true
				j.Hub.ConfirmedBy = "treasurer"
				return nil
			})
			require.NoError(t, err)
			require.True(t, updated.Hub.Confirmed)

			entries, err := s.Scan(ctx, jobs.StateInbox)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			require.Equal(t, "job-a", entries[0].ID, "scan must be oldest first")
			require.True(t, entries[0].Job.Hub.Confirmed)

			archived, err := s.Archive(ctx, "job-a", func(j *jobs.Job) {
				j.Hub.ArchivedBy = "executor"
			})
			require.NoError(t, err)
			require.Equal(t, "executor", archived.Hub.ArchivedBy)

			_, state, err = s.Get(ctx, "job-a")
			require.NoError(t, err)
			require.Equal(t, jobs.StateArchive, state)

			_, err = s.Archive(ctx, "job-a", nil)
			require.ErrorIs(t, err, ErrNotInInbox)
			_, err = s.Update(ctx, "job-a", func(*jobs.Job) error { return nil })
			require.ErrorIs(t, err, ErrNotInInbox)
			_, err = s.Archive(ctx, "job-missing", nil)
			require.ErrorIs(t, err, ErrNotFound)
			require.ErrorIs(t, s.Create(ctx, newJob("job-a", base)), ErrExists, "archived ids stay taken")

			inbox, err := List(ctx, s, jobs.StateInbox, 10)
			require.NoError(t, err)
			require.Len(t, inbox, 1)
			require.Equal(t, "job-b", inbox[0].ID)

			archive, err := List(ctx, s, jobs.StateArchive, 10)
			require.NoError(t, err)
			require.Len(t, archive, 1)
		})
	}
}

func TestListNewestFirstWithLimit(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			ctx := context.Background()
			s := factory(t)
			base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
			for i, id := range []string{"job-1", "job-2", "job-3"} {
				require.NoError(t, s.Create(ctx, newJob(id, base.Add(time.Duration(i)*time.Second))))
			}
			got, err := List(ctx, s, jobs.StateInbox, 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "job-3", got[0].ID)
			require.Equal(t, "job-2", got[1].ID)
		})
	}
}

func TestUpdateErrorLeavesDocumentUntouched(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Create(ctx, newJob("job-1", time.Now())))

			_, err := s.Update(ctx, "job-1", func(j *jobs.Job) error {
				j.Hub.Confirmed = true
				return os.ErrPermission
			})
			require.ErrorIs(t, err, os.ErrPermission)

			got, _, err := s.Get(ctx, "job-1")
			require.NoError(t, err)
			require.False(t, got.Hub.Confirmed)
		})
	}
}

func TestConcurrentConfirmsAreSerialised(t *testing.T) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			testlog.Start(t)
			ctx := context.Background()
			s := factory(t)
			require.NoError(t, s.Create(ctx, newJob("job-1", time.Now())))

			var wg sync.WaitGroup
			errs := make(chan error, 16)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Update(ctx, "job-1", func(j *jobs.Job) error {
						j.Hub.Confirmed = true
						return nil
					})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			got, state, err := s.Get(ctx, "job-1")
			require.NoError(t, err)
			require.Equal(t, jobs.StateInbox, state)
			require.True(t, got.Hub.Confirmed)
		})
	}
}

func TestFileStoreReportsCorruptDocuments(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newJob("job-ok", time.Now())))

	corrupt := filepath.Join(root, "inbox", "job-bad.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "inbox", ".job-ok.tmp-1"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "inbox", "notes.txt"), []byte("x"), 0o644))

	entries, err := s.Scan(ctx, jobs.StateInbox)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var bad *Entry
	for i := range entries {
		if entries[i].ID == "job-bad" {
			bad = &entries[i]
		}
	}
	require.NotNil(t, bad)
	require.Error(t, bad.Err)

	_, statErr := os.Stat(corrupt)
	require.NoError(t, statErr, "corrupt files are never removed")

	listed, err := List(ctx, s, jobs.StateInbox, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestFileStoreArchiveIsRename(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, newJob("job-1", time.Now())))

	_, err = s.Archive(ctx, "job-1", nil)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "inbox", "job-1.json"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, "archive", "job-1.json"))
	require.NoError(t, err)
}

func TestOpenSelectsBackend(t *testing.T) {
	testlog.Start(t)
	cfg := config.Default()
	cfg.Root = t.TempDir()

	s, err := Open(cfg)
	require.NoError(t, err)
	require.IsType(t, &FileStore{}, s)

	cfg.Backend = config.BackendSQLite
	s, err = Open(cfg)
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())
}
