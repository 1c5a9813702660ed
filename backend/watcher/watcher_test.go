package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andi/reelflow/backend/database"
	"github.com/andi/reelflow/backend/scanner"
	"github.com/rs/zerolog"
)

type startRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *startRecorder) RequestStart(ctx context.Context, projectID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, projectID)
	return true, nil
}

func (r *startRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestWatcherImportsExistingAndNewFiles(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "reelflow.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	inbox := t.TempDir()
	if err := os.WriteFile(filepath.Join(inbox, "early.yaml"), []byte("name: early\n"), 0644); err != nil {
		t.Fatal(err)
	}

	starter := &startRecorder{}
	scan := scanner.New(db, starter, "short-video", zerolog.Nop())
	w, err := New(inbox, scan, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if starter.count() != 1 {
		t.Fatalf("Expected the existing file to be imported at start, got %d", starter.count())
	}

	if err := os.WriteFile(filepath.Join(inbox, "late.yaml"), []byte("name: late\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inbox, "readme.md"), []byte("name: nope\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for starter.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if starter.count() != 2 {
		t.Fatalf("Expected the new file to be imported, got %d imports", starter.count())
	}

	time.Sleep(100 * time.Millisecond)
	if starter.count() != 2 {
		t.Errorf("Expected non-project files to be ignored, got %d imports", starter.count())
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "reelflow.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	w, err := New(filepath.Join(t.TempDir(), "inbox"), scanner.New(db, nil, "p", zerolog.Nop()), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	w.Stop()
	w.Stop()
}
