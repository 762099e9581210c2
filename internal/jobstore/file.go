package jobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/opshub/internal/jobs"
)

const jobExt = ".json"

// FileStore keeps one JSON document per job under <root>/inbox and
// <root>/archive. Writes go through a temp file and rename; archive is a
// rename between the two directories.
type FileStore struct {
	root  string
	locks sync.Map
}

func NewFileStore(root string) (*FileStore, error) {
	resolved := strings.TrimSpace(root)
	if resolved == "" {
		return nil, fmt.Errorf("jobstore: empty root")
	}
	s := &FileStore{root: resolved}
	for _, state := range []jobs.State{jobs.StateInbox, jobs.StateArchive} {
		if err := os.MkdirAll(s.dir(state), 0o755); err != nil {
			return nil, fmt.Errorf("jobstore: create %s: %w", state, err)
		}
	}
	return s, nil
}

func (s *FileStore) dir(state jobs.State) string {
	return filepath.Join(s.root, string(state))
}

func (s *FileStore) path(state jobs.State, id string) string {
	return filepath.Join(s.dir(state), id+jobExt)
}

func (s *FileStore) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *FileStore) Create(_ context.Context, job jobs.Job) error {
	if !jobs.ValidID(job.ID) {
		return ErrInvalidID
	}
	unlock := s.lock(job.ID)
	defer unlock()

	if _, err := s.locate(job.ID); err == nil {
		return ErrExists
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return s.write(jobs.StateInbox, job)
}

func (s *FileStore) Get(_ context.Context, id string) (jobs.Job, jobs.State, error) {
	if !jobs.ValidID(id) {
		return jobs.Job{}, "", ErrInvalidID
	}
	state, err := s.locate(id)
	if err != nil {
		return jobs.Job{}, "", err
	}
	job, err := s.read(state, id)
	if err != nil {
		return jobs.Job{}, "", err
	}
	return job, state, nil
}

func (s *FileStore) Update(_ context.Context, id string, fn func(*jobs.Job) error) (jobs.Job, error) {
	if !jobs.ValidID(id) {
		return jobs.Job{}, ErrInvalidID
	}
	unlock := s.lock(id)
	defer unlock()

	job, err := s.readInbox(id)
	if err != nil {
		return jobs.Job{}, err
	}
	if err := fn(&job); err != nil {
		return jobs.Job{}, err
	}
	job.ID = id
	if err := s.write(jobs.StateInbox, job); err != nil {
		return jobs.Job{}, err
	}
	return job, nil
}

func (s *FileStore) Archive(_ context.Context, id string, fn func(*jobs.Job)) (jobs.Job, error) {
	if !jobs.ValidID(id) {
		return jobs.Job{}, ErrInvalidID
	}
	unlock := s.lock(id)
	defer unlock()

	job, err := s.readInbox(id)
	if err != nil {
		return jobs.Job{}, err
	}
	if fn != nil {
		fn(&job)
		job.ID = id
		if err := s.write(jobs.StateInbox, job); err != nil {
			return jobs.Job{}, err
		}
	}
	if err := os.Rename(s.path(jobs.StateInbox, id), s.path(jobs.StateArchive, id)); err != nil {
		return jobs.Job{}, fmt.Errorf("jobstore: archive %s: %w", id, err)
	}
	return job, nil
}

func (s *FileStore) Scan(_ context.Context, state jobs.State) ([]Entry, error) {
	if !state.Valid() {
		return nil, fmt.Errorf("jobstore: invalid state %q", state)
	}
	dirEntries, err := os.ReadDir(s.dir(state))
	if err != nil {
		return nil, fmt.Errorf("jobstore: list %s: %w", state, err)
	}
	out := make([]Entry, 0, len(dirEntries))
	for _, d := range dirEntries {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, jobExt) {
			continue
		}
		id := strings.TrimSuffix(name, jobExt)
		info, err := d.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		entry := Entry{ID: id, ModTime: info.ModTime()}
		job, err := s.read(state, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			entry.Err = err
		} else {
			entry.Job = job
		}
		out = append(out, entry)
	}
	sortOldestFirst(out)
	return out, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) locate(id string) (jobs.State, error) {
	for _, state := range []jobs.State{jobs.StateInbox, jobs.StateArchive} {
		_, err := os.Stat(s.path(state, id))
		if err == nil {
			return state, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("jobstore: stat %s: %w", id, err)
		}
	}
	return "", ErrNotFound
}

func (s *FileStore) readInbox(id string) (jobs.Job, error) {
	job, err := s.read(jobs.StateInbox, id)
	if errors.Is(err, ErrNotFound) {
		if _, aerr := os.Stat(s.path(jobs.StateArchive, id)); aerr == nil {
			return jobs.Job{}, ErrNotInInbox
		}
	}
	return job, err
}

func (s *FileStore) read(state jobs.State, id string) (jobs.Job, error) {
	data, err := os.ReadFile(s.path(state, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return jobs.Job{}, ErrNotFound
		}
		return jobs.Job{}, fmt.Errorf("jobstore: read %s: %w", id, err)
	}
	job, err := jobs.Decode(data)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("jobstore: parse %s: %w", id, err)
	}
	// the file name is authoritative
	job.ID = id
	return job, nil
}

func (s *FileStore) write(state jobs.State, job jobs.Job) error {
	data, err := jobs.Encode(job)
	if err != nil {
		return fmt.Errorf("jobstore: encode %s: %w", job.ID, err)
	}
	dir := s.dir(state)
	tmp, err := os.CreateTemp(dir, "."+job.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("jobstore: temp %s: %w", job.ID, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("jobstore: write %s: %w", job.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("jobstore: sync %s: %w", job.ID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("jobstore: close %s: %w", job.ID, err)
	}
	if err := os.Rename(tmpName, s.path(state, job.ID)); err != nil {
		cleanup()
		return fmt.Errorf("jobstore: rename %s: %w", job.ID, err)
	}
	return nil
}
