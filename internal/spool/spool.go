// Package spool ingests captured photos into the upload queue.
//
// The capture application drops two files into the spool directory:
// the image blob and a sidecar {image}.json describing it. The watcher
// reacts to the sidecar appearing, moves the blob into the managed
// blob directory, enqueues it, and deletes the sidecar. Incomplete
// pairs stay in the spool untouched, so a capture interrupted mid-copy
// is picked up once its sidecar lands.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chairworks/fieldsync/internal/logging"
	"github.com/chairworks/fieldsync/internal/model"
)

// settleDelay lets the capture application finish writing the sidecar
// before we read it.
const settleDelay = 500 * time.Millisecond

// Sidecar is the metadata file accompanying a spooled image.
type Sidecar struct {
	Image    string `json:"image"` // blob filename, relative to the spool dir
	JobID    string `json:"job_id"`
	ChairID  string `json:"chair_id,omitempty"`
	Category string `json:"category"`
}

// Enqueuer accepts ingested photos. Satisfied by *engine.Engine.
type Enqueuer interface {
	EnqueuePhoto(ctx context.Context, jobID, chairID string, category model.PhotoCategory, localPath string, sizeBytes int64) (*model.PendingPhoto, error)
}

// Watcher ingests sidecar-described photos from the spool directory.
type Watcher struct {
	spoolDir string
	blobDir  string
	enqueue  Enqueuer
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	running bool
}

// NewWatcher creates a spool watcher. Start must be called before any
// events are processed.
func NewWatcher(spoolDir, blobDir string, enqueue Enqueuer, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Watcher{
		spoolDir: spoolDir,
		blobDir:  blobDir,
		enqueue:  enqueue,
		logger:   logger,
		watcher:  fsw,
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start begins watching the spool directory and ingests any sidecars
// already present from before the watcher came up.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory %s: %w", w.spoolDir, err)
	}

	w.ingestExisting(ctx)

	w.wg.Add(1)
	go w.processEvents(ctx)

	w.logger.Info("spool watcher started", "dir", w.spoolDir)
	return nil
}

// Stop tears down the watcher. It blocks until the event loop exits.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

// ingestExisting sweeps sidecars that landed while no watcher ran.
func (w *Watcher) ingestExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		w.logger.Warn("failed to scan spool directory", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.ingest(ctx, filepath.Join(w.spoolDir, entry.Name()))
	}
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("spool watcher error", "error", err)
		}
	}
}

// schedule arms (or re-arms) the settle timer for a sidecar path, so
// a burst of writes to the same file produces one ingest.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(ctx, path)
	})
}

// ingest reads one sidecar, moves its blob into the blob directory,
// and enqueues the photo. The sidecar is removed only after a
// successful enqueue; on failure the pair stays for the next sweep.
func (w *Watcher) ingest(ctx context.Context, sidecarPath string) {
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		if !os.IsNotExist(err) {
			w.logger.Warn("failed to read sidecar", "path", sidecarPath, "error", err)
		}
		return
	}

	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		w.logger.Warn("malformed sidecar", "path", sidecarPath, "error", err)
		return
	}
	if sc.Image == "" || sc.JobID == "" {
		w.logger.Warn("incomplete sidecar", "path", sidecarPath)
		return
	}

	imagePath := filepath.Join(w.spoolDir, filepath.Base(sc.Image))
	info, err := os.Stat(imagePath)
	if err != nil {
		// Blob not there yet; its own event will retry the pair.
		w.logger.Debug("sidecar blob not present", "path", imagePath)
		return
	}

	blobPath := filepath.Join(w.blobDir, filepath.Base(sc.Image))
	if err := os.Rename(imagePath, blobPath); err != nil {
		w.logger.Warn("failed to move blob", "from", imagePath, "error", err)
		return
	}

	photo, err := w.enqueue.EnqueuePhoto(ctx, sc.JobID, sc.ChairID, model.PhotoCategory(sc.Category), blobPath, info.Size())
	if err != nil {
		// Put the blob back so nothing is silently dropped.
		if rerr := os.Rename(blobPath, imagePath); rerr != nil {
			w.logger.Error("failed to restore blob after enqueue failure", "path", blobPath, "error", rerr)
		}
		w.logger.Warn("failed to enqueue spooled photo", "sidecar", sidecarPath, "error", err)
		return
	}

	if err := os.Remove(sidecarPath); err != nil {
		w.logger.Warn("failed to remove sidecar", "path", sidecarPath, "error", err)
	}

	w.logger.Info("photo ingested from spool",
		"photo_id", photo.ID,
		"job_id", photo.JobID,
		"size_bytes", photo.FileSizeBytes)
}
