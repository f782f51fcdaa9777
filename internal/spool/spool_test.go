package spool

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chairworks/fieldsync/internal/model"
)

// fakeEnqueuer records ingested photos and signals on each one.
type fakeEnqueuer struct {
	mu     sync.Mutex
	photos []*model.PendingPhoto
	err    error
	seen   chan struct{}
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{seen: make(chan struct{}, 10)}
}

func (f *fakeEnqueuer) EnqueuePhoto(ctx context.Context, jobID, chairID string, category model.PhotoCategory, localPath string, sizeBytes int64) (*model.PendingPhoto, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	photo := &model.PendingPhoto{
		ID:            "ph-test",
		JobID:         jobID,
		ChairID:       chairID,
		Category:      category,
		LocalPath:     localPath,
		FileSizeBytes: sizeBytes,
	}
	f.photos = append(f.photos, photo)
	f.seen <- struct{}{}
	return photo, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.photos)
}

func writePair(t *testing.T, spoolDir, name string, sc Sidecar) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(spoolDir, sc.Image), []byte("jpegbytes"), 0o644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	raw, err := json.Marshal(sc)
	if err != nil {
		t.Fatalf("failed to marshal sidecar: %v", err)
	}
	if err := os.WriteFile(filepath.Join(spoolDir, name), raw, 0o644); err != nil {
		t.Fatalf("failed to write sidecar: %v", err)
	}
}

func startWatcher(t *testing.T, enq Enqueuer) (*Watcher, string, string) {
	t.Helper()
	spoolDir := t.TempDir()
	blobDir := t.TempDir()

	w, err := NewWatcher(spoolDir, blobDir, enq, nil)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := w.Stop(); err != nil {
			t.Errorf("Stop() failed: %v", err)
		}
	})
	return w, spoolDir, blobDir
}

func TestWatcher_IngestsDroppedPair(t *testing.T) {
	enq := newFakeEnqueuer()
	_, spoolDir, blobDir := startWatcher(t, enq)

	writePair(t, spoolDir, "shot1.json", Sidecar{
		Image:    "shot1.jpg",
		JobID:    "j-9",
		ChairID:  "c-4",
		Category: "before",
	})

	select {
	case <-enq.seen:
	case <-time.After(3 * time.Second):
		t.Fatal("photo not ingested")
	}

	enq.mu.Lock()
	photo := enq.photos[0]
	enq.mu.Unlock()

	if photo.JobID != "j-9" || photo.ChairID != "c-4" || photo.Category != model.PhotoBefore {
		t.Errorf("ingested photo = %+v", photo)
	}
	if photo.LocalPath != filepath.Join(blobDir, "shot1.jpg") {
		t.Errorf("LocalPath = %q, blob not moved into blob dir", photo.LocalPath)
	}
	if photo.FileSizeBytes != int64(len("jpegbytes")) {
		t.Errorf("FileSizeBytes = %d", photo.FileSizeBytes)
	}

	// Blob moved, sidecar removed.
	if _, err := os.Stat(filepath.Join(blobDir, "shot1.jpg")); err != nil {
		t.Errorf("blob not in blob dir: %v", err)
	}
	waitGone(t, filepath.Join(spoolDir, "shot1.json"))
	waitGone(t, filepath.Join(spoolDir, "shot1.jpg"))
}

// TestWatcher_IngestsPreexistingPairs covers sidecars that landed
// before the watcher started.
func TestWatcher_IngestsPreexistingPairs(t *testing.T) {
	enq := newFakeEnqueuer()
	spoolDir := t.TempDir()
	blobDir := t.TempDir()

	writePair(t, spoolDir, "old.json", Sidecar{Image: "old.jpg", JobID: "j-1", Category: "after"})

	w, err := NewWatcher(spoolDir, blobDir, enq, nil)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer w.Stop()

	select {
	case <-enq.seen:
	case <-time.After(3 * time.Second):
		t.Fatal("pre-existing pair not ingested")
	}
}

// TestWatcher_MalformedSidecarIgnored verifies junk does not crash
// ingestion or consume the blob.
func TestWatcher_MalformedSidecarIgnored(t *testing.T) {
	enq := newFakeEnqueuer()
	_, spoolDir, _ := startWatcher(t, enq)

	if err := os.WriteFile(filepath.Join(spoolDir, "junk.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("failed to write junk: %v", err)
	}

	time.Sleep(settleDelay + 200*time.Millisecond)
	if enq.count() != 0 {
		t.Errorf("junk sidecar produced %d enqueues", enq.count())
	}
}

func waitGone(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("%s still present", path)
}
