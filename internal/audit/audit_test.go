package audit

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/opshub/internal/testutil/testlog"
)

func TestAppendWritesOneLinePerRecord(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "audit", "hub.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	if err := l.Append(Record{Kind: KindJobReceived, JobID: "job-1", Fields: map[string]any{"type": "sync_push"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(Record{Kind: KindJobConfirmed, JobID: "job-1", Actor: "board"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), data)
	}

	recs, err := ReadAll(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if recs[0].Kind != KindJobReceived || recs[0].Fields["type"] != "sync_push" {
		t.Fatalf("unexpected first record: %+v", recs[0])
	}
	if recs[1].Actor != "board" || recs[1].Timestamp.IsZero() {
		t.Fatalf("unexpected second record: %+v", recs[1])
	}
}

func TestFixedKeysWinOverFields(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "a.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := l.Append(Record{Timestamp: ts, Kind: KindJobArchived, JobID: "job-2", Fields: map[string]any{"kind": "forged"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	recs, err := ReadAll(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if recs[0].Kind != KindJobArchived || !recs[0].Timestamp.Equal(ts) {
		t.Fatalf("fixed keys overwritten: %+v", recs[0])
	}
}

func TestReopenAppends(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "a.jsonl")
	for i := 0; i < 2; i++ {
		l, err := Open(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if err := l.Append(Record{Kind: KindPassStarted}); err != nil {
			t.Fatalf("append: %v", err)
		}
		_ = l.Close()
	}
	recs, err := ReadAll(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected append across reopen, got %d records", len(recs))
	}
}

func TestConcurrentAppendKeepsLinesIntact(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "a.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Append(Record{Kind: KindJobConfirmed, JobID: "job-x"})
		}()
	}
	wg.Wait()

	recs, err := ReadAll(path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(recs) != 32 {
		t.Fatalf("expected 32 records, got %d", len(recs))
	}
}

func TestAppendAfterClose(t *testing.T) {
	testlog.Start(t)
	l, err := Open(filepath.Join(t.TempDir(), "a.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = l.Close()
	if err := l.Append(Record{Kind: KindPassStarted}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
