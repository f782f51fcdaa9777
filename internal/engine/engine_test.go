package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chairworks/fieldsync/internal/cache"
	"github.com/chairworks/fieldsync/internal/config"
	"github.com/chairworks/fieldsync/internal/metrics"
	"github.com/chairworks/fieldsync/internal/model"
	"github.com/chairworks/fieldsync/internal/netmon"
	"github.com/chairworks/fieldsync/internal/remote"
	"github.com/chairworks/fieldsync/internal/store"
)

// fakeConn is a fixed connectivity view.
type fakeConn struct {
	online bool
	wifi   bool
}

func (c *fakeConn) Online() bool { return c.online }

func (c *fakeConn) Link() netmon.Link {
	link := netmon.Link{Online: c.online, EffectiveType: "offline"}
	if c.online {
		link.EffectiveType = "cellular"
		if c.wifi {
			link.EffectiveType = "wifi"
		}
	}
	return link
}

func (c *fakeConn) Reachable() <-chan struct{} { return nil }

// pushRecord captures one dispatch for order and flag assertions.
type pushRecord struct {
	ID    string
	Force bool
}

// fakeRemote scripts per-item outcomes. Each entry in errs is
// consumed once, in order; an exhausted or absent script means
// success.
type fakeRemote struct {
	mu      sync.Mutex
	pushes  []pushRecord
	uploads []string
	errs    map[string][]error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{errs: make(map[string][]error)}
}

func (f *fakeRemote) fail(id string, errs ...error) {
	f.mu.Lock()
	f.errs[id] = append(f.errs[id], errs...)
	f.mu.Unlock()
}

func (f *fakeRemote) next(id string) error {
	queue := f.errs[id]
	if len(queue) == 0 {
		return nil
	}
	f.errs[id] = queue[1:]
	return queue[0]
}

func (f *fakeRemote) PushChange(ctx context.Context, route string, change *model.PendingChange, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushRecord{ID: change.ID, Force: force})
	return f.next(change.ID)
}

func (f *fakeRemote) UploadPhoto(ctx context.Context, photo *model.PendingPhoto, blob io.Reader, opts remote.UploadOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, photo.ID)
	if err := f.next(photo.ID); err != nil {
		return "", err
	}
	return "https://cdn.example.com/" + photo.ID + ".jpg", nil
}

func (f *fakeRemote) pushOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.pushes))
	for i, p := range f.pushes {
		ids[i] = p.ID
	}
	return ids
}

func defaultSettings() config.Settings {
	return config.Settings{
		AutoSync:            true,
		SyncIntervalMinutes: 15,
		CompressPhotos:      true,
		PhotoQuality:        config.QualityMedium,
		MaxStorageMB:        500,
		MaxRetryAttempts:    3,
		ConflictResolution:  config.PolicyServerWins,
	}
}

func newTestEngine(t *testing.T, api RemoteAPI, conn Connectivity, settings config.Settings) *Engine {
	t.Helper()

	cfg := &config.Config{
		DataDir: t.TempDir(),
		Sync:    settings,
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	eng, err := New(Options{
		Config:  cfg,
		Store:   st,
		Remote:  api,
		Monitor: conn,
		Cache:   cache.New(st, nil),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	return eng
}

// enqueueN inserts n create changes with strictly increasing
// timestamps and returns their IDs in creation order.
func enqueueN(t *testing.T, eng *Engine, n int) []string {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		eng.now = func() time.Time { return at }
		change, err := eng.EnqueueChange(ctx, model.EntityJob, model.ActionCreate,
			[]byte(fmt.Sprintf(`{"title":"job %d"}`, i)))
		if err != nil {
			t.Fatalf("EnqueueChange(%d) failed: %v", i, err)
		}
		ids[i] = change.ID
	}
	eng.now = time.Now
	return ids
}

func TestEnqueueChange_ExtractsEntityID(t *testing.T) {
	eng := newTestEngine(t, newFakeRemote(), &fakeConn{online: true}, defaultSettings())

	change, err := eng.EnqueueChange(context.Background(), model.EntityChair, model.ActionUpdate,
		[]byte(`{"id":"chair-12","status":"repaired"}`))
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}
	if change.EntityID != "chair-12" {
		t.Errorf("EntityID = %q, want chair-12", change.EntityID)
	}
}

func TestEnqueueChange_RejectsInvalid(t *testing.T) {
	eng := newTestEngine(t, newFakeRemote(), &fakeConn{online: true}, defaultSettings())

	if _, err := eng.EnqueueChange(context.Background(), "spaceship", model.ActionCreate, []byte(`{}`)); err == nil {
		t.Error("expected error for unknown entity type")
	}
	if _, err := eng.EnqueueChange(context.Background(), model.EntityJob, model.ActionUpdate, []byte(`{"status":"x"}`)); err == nil {
		t.Error("expected error for update without id in payload")
	}
}

func TestSyncNow_DrainsInOrder(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 5)

	result, err := eng.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if result.Synced != 5 || result.Failed != 0 {
		t.Errorf("result = %+v, want 5 synced", result)
	}

	got := api.pushOrder()
	if len(got) != len(ids) {
		t.Fatalf("pushed %d changes, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("push %d = %s, want %s", i, got[i], ids[i])
		}
	}

	for _, id := range ids {
		change, _ := eng.store.GetChange(ctx, id)
		if change.SyncStatus != model.StatusSynced {
			t.Errorf("change %s status = %q, want synced", id, change.SyncStatus)
		}
		if change.SyncedAt == nil {
			t.Errorf("change %s missing SyncedAt", id)
		}
	}
}

func TestSyncNow_OfflineLeavesQueueUntouched(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: false}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 2)

	result, err := eng.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if !result.Aborted {
		t.Error("offline pass not reported as aborted")
	}
	if len(api.pushOrder()) != 0 {
		t.Error("pushes attempted while offline")
	}

	for _, id := range ids {
		change, _ := eng.store.GetChange(ctx, id)
		if change.SyncStatus != model.StatusPending || change.RetryCount != 0 {
			t.Errorf("offline must not touch queue state: %+v", change)
		}
	}
}

func TestSyncNow_WifiOnlyGate(t *testing.T) {
	settings := defaultSettings()
	settings.SyncOnlyOnWifi = true

	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true, wifi: false}, settings)

	enqueueN(t, eng, 1)

	result, err := eng.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if !result.Aborted || len(api.pushOrder()) != 0 {
		t.Error("cellular link must be skipped under wifi-only policy")
	}
}

func TestSyncNow_Coalesces(t *testing.T) {
	eng := newTestEngine(t, newFakeRemote(), &fakeConn{online: true}, defaultSettings())

	eng.syncing.Store(true)
	result, err := eng.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if result != nil {
		t.Errorf("concurrent SyncNow returned %+v, want nil (coalesced)", result)
	}
}

// TestSyncNow_ServerErrorExhaustsRetries drives a change that always
// gets a 500 through its whole retry budget: with three attempts
// allowed it must end failed after exactly three passes.
func TestSyncNow_ServerErrorExhaustsRetries(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	api.fail(ids[0],
		&remote.RejectionError{StatusCode: 500, Body: "boom"},
		&remote.RejectionError{StatusCode: 500, Body: "boom"},
		&remote.RejectionError{StatusCode: 500, Body: "boom"},
	)

	for pass := 1; pass <= 2; pass++ {
		if _, err := eng.SyncNow(ctx); err != nil {
			t.Fatalf("pass %d failed: %v", pass, err)
		}
		change, _ := eng.store.GetChange(ctx, ids[0])
		if change.SyncStatus != model.StatusPending {
			t.Fatalf("pass %d: status = %q, want pending", pass, change.SyncStatus)
		}
		if change.RetryCount != pass {
			t.Errorf("pass %d: RetryCount = %d, want %d", pass, change.RetryCount, pass)
		}
	}

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("final pass failed: %v", err)
	}
	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusFailed {
		t.Errorf("status after exhausting retries = %q, want failed", change.SyncStatus)
	}
	if change.RetryCount != 3 {
		t.Errorf("final RetryCount = %d, want 3", change.RetryCount)
	}

	// Failed changes are not picked up again.
	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("extra pass failed: %v", err)
	}
	if n := len(api.pushOrder()); n != 3 {
		t.Errorf("total pushes = %d, want 3", n)
	}
}

// TestSyncNow_RejectionFailsImmediately verifies a 4xx skips the
// retry loop entirely.
func TestSyncNow_RejectionFailsImmediately(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	api.fail(ids[0], &remote.RejectionError{StatusCode: 422, Body: "bad payload"})

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusFailed {
		t.Errorf("status = %q, want failed", change.SyncStatus)
	}
	if change.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (rejection is not a retry)", change.RetryCount)
	}
}

// TestSyncNow_NetworkErrorAbortsPass verifies losing the link stops
// the pass: only the item in flight records a failure, the rest stay
// untouched for the next pass.
func TestSyncNow_NetworkErrorAbortsPass(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 3)
	api.fail(ids[0], &remote.NetworkError{Err: fmt.Errorf("connection reset")})

	result, err := eng.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if !result.Aborted {
		t.Error("pass not reported as aborted")
	}
	if n := len(api.pushOrder()); n != 1 {
		t.Errorf("pushed %d items, want 1 (pass should stop at the network error)", n)
	}

	first, _ := eng.store.GetChange(ctx, ids[0])
	if first.SyncStatus != model.StatusPending || first.RetryCount != 1 {
		t.Errorf("in-flight item: status=%q retry=%d, want pending/1", first.SyncStatus, first.RetryCount)
	}
	for _, id := range ids[1:] {
		change, _ := eng.store.GetChange(ctx, id)
		if change.SyncStatus != model.StatusPending || change.RetryCount != 0 {
			t.Errorf("unattempted item %s touched: %+v", id, change)
		}
	}
}

func TestSyncNow_ConflictServerWins(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	api.fail(ids[0], &remote.ConflictError{ServerPayload: json.RawMessage(`{"id":"j-1"}`)})

	result, err := eng.SyncNow(ctx)
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if result.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", result.Conflicts)
	}

	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusSynced {
		t.Errorf("server_wins: status = %q, want synced", change.SyncStatus)
	}
	if n, _ := eng.store.CountUnresolvedConflicts(ctx); n != 0 {
		t.Errorf("server_wins stored %d conflicts, want 0", n)
	}
}

func TestSyncNow_ConflictClientWinsResubmitsForced(t *testing.T) {
	settings := defaultSettings()
	settings.ConflictResolution = config.PolicyClientWins

	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, settings)
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	api.fail(ids[0], &remote.ConflictError{ServerPayload: json.RawMessage(`{}`)})

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	api.mu.Lock()
	pushes := append([]pushRecord(nil), api.pushes...)
	api.mu.Unlock()

	if len(pushes) != 2 {
		t.Fatalf("pushed %d times, want 2 (original + forced resubmit)", len(pushes))
	}
	if pushes[0].Force {
		t.Error("first push should not be forced")
	}
	if !pushes[1].Force {
		t.Error("resubmission must carry the overwrite flag")
	}

	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusSynced {
		t.Errorf("client_wins: status = %q, want synced", change.SyncStatus)
	}
}

func TestSyncNow_ConflictAskUserEscalates(t *testing.T) {
	settings := defaultSettings()
	settings.ConflictResolution = config.PolicyAskUser

	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, settings)
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	api.fail(ids[0], &remote.ConflictError{ServerPayload: json.RawMessage(`{"id":"j-1","v":2}`)})

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusConflict {
		t.Errorf("status = %q, want conflict", change.SyncStatus)
	}

	conflicts, err := eng.Conflicts(ctx, false)
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("stored %d conflicts, want 1", len(conflicts))
	}
	if conflicts[0].ChangeID != ids[0] {
		t.Errorf("conflict ChangeID = %s, want %s", conflicts[0].ChangeID, ids[0])
	}
	if string(conflicts[0].ServerPayload) != `{"id":"j-1","v":2}` {
		t.Errorf("ServerPayload = %s", conflicts[0].ServerPayload)
	}

	// Conflicted changes are never auto-retried.
	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if n := len(api.pushOrder()); n != 1 {
		t.Errorf("total pushes = %d, want 1", n)
	}
}

func TestResolveConflict_KeepServer(t *testing.T) {
	settings := defaultSettings()
	settings.ConflictResolution = config.PolicyAskUser

	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, settings)
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	api.fail(ids[0], &remote.ConflictError{ServerPayload: json.RawMessage(`{}`)})
	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	conflicts, _ := eng.Conflicts(ctx, false)
	if err := eng.ResolveConflict(ctx, conflicts[0].ID, model.ResolutionKeepServer); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusSynced {
		t.Errorf("status = %q, want synced", change.SyncStatus)
	}
	if n, _ := eng.store.CountUnresolvedConflicts(ctx); n != 0 {
		t.Errorf("unresolved conflicts = %d, want 0", n)
	}

	// Resolving twice is an error.
	if err := eng.ResolveConflict(ctx, conflicts[0].ID, model.ResolutionKeepServer); err == nil {
		t.Error("expected error on double resolution")
	}
}

func TestResolveConflict_KeepLocalForcesResubmission(t *testing.T) {
	settings := defaultSettings()
	settings.ConflictResolution = config.PolicyAskUser

	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, settings)
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	api.fail(ids[0], &remote.ConflictError{ServerPayload: json.RawMessage(`{}`)})
	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	conflicts, _ := eng.Conflicts(ctx, false)
	if err := eng.ResolveConflict(ctx, conflicts[0].ID, model.ResolutionKeepLocal); err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}

	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusPending || !change.ForceOverwrite {
		t.Errorf("keep_local: status=%q force=%v, want pending/true", change.SyncStatus, change.ForceOverwrite)
	}

	// Next pass dispatches with the overwrite flag.
	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	api.mu.Lock()
	last := api.pushes[len(api.pushes)-1]
	api.mu.Unlock()
	if !last.Force {
		t.Error("forced resubmission did not carry the overwrite flag")
	}
	change, _ = eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusSynced {
		t.Errorf("status = %q, want synced", change.SyncStatus)
	}
}

func TestPhotoUpload(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	blobPath := filepath.Join(eng.cfg.BlobDir(), "shot.jpg")
	if err := os.WriteFile(blobPath, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}

	photo, err := eng.EnqueuePhoto(ctx, "j-1", "c-2", model.PhotoBefore, blobPath, 4)
	if err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	got, _ := eng.store.GetPhoto(ctx, photo.ID)
	if got.UploadStatus != model.UploadUploaded {
		t.Errorf("status = %q, want uploaded", got.UploadStatus)
	}
	if got.ServerURL == "" {
		t.Error("ServerURL not recorded")
	}
}

// TestSyncNow_QueueDepthCountsPhotos keeps the queue depth gauge
// honest: retryable work left behind by a pass counts both changes
// and photos.
func TestSyncNow_QueueDepthCountsPhotos(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	change, err := eng.EnqueueChange(ctx, model.EntityJob, model.ActionUpdate,
		[]byte(`{"id":"J1","status":"Completed"}`))
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}
	api.fail(change.ID, &remote.RejectionError{StatusCode: 500, Body: "boom"})

	blobPath := filepath.Join(eng.cfg.BlobDir(), "depth.jpg")
	if err := os.WriteFile(blobPath, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}
	photo, err := eng.EnqueuePhoto(ctx, "j-1", "", model.PhotoBefore, blobPath, 4)
	if err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}
	api.fail(photo.ID, &remote.RejectionError{StatusCode: 500, Body: "boom"})

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	if depth := testutil.ToFloat64(metrics.QueueDepth); depth != 2 {
		t.Errorf("queue depth gauge = %v, want 2 (one change, one photo)", depth)
	}
}

func TestPhotoUpload_MissingBlobFailsTerminally(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	photo, err := eng.EnqueuePhoto(ctx, "j-1", "", model.PhotoAfter,
		filepath.Join(eng.cfg.BlobDir(), "gone.jpg"), 10)
	if err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	got, _ := eng.store.GetPhoto(ctx, photo.ID)
	if got.UploadStatus != model.UploadFailed {
		t.Errorf("status = %q, want failed", got.UploadStatus)
	}
	if len(api.uploads) != 0 {
		t.Error("upload attempted for a missing blob")
	}
}

func TestEnqueuePhoto_QuotaExceeded(t *testing.T) {
	settings := defaultSettings()
	settings.MaxStorageMB = 1

	eng := newTestEngine(t, newFakeRemote(), &fakeConn{online: true}, settings)

	_, err := eng.EnqueuePhoto(context.Background(), "j-1", "", model.PhotoBefore,
		"/tmp/huge.jpg", 10*1024*1024)
	if err == nil {
		t.Fatal("expected quota error")
	}
	if !strings.Contains(err.Error(), "storage limit") {
		t.Errorf("error = %v, want storage limit message", err)
	}
}

func TestRetryFailed(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	api.fail(ids[0], &remote.RejectionError{StatusCode: 400, Body: "bad"})
	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	requeued, err := eng.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed() failed: %v", err)
	}
	if requeued != 1 {
		t.Errorf("requeued %d items, want 1", requeued)
	}

	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusPending || change.RetryCount != 0 {
		t.Errorf("requeued item: status=%q retry=%d, want pending/0", change.SyncStatus, change.RetryCount)
	}
}

func TestUpdateSettings(t *testing.T) {
	eng := newTestEngine(t, newFakeRemote(), &fakeConn{online: true}, defaultSettings())

	interval := 5
	updated, err := eng.UpdateSettings(config.SettingsPatch{SyncIntervalMinutes: &interval})
	if err != nil {
		t.Fatalf("UpdateSettings() failed: %v", err)
	}
	if updated.SyncIntervalMinutes != 5 {
		t.Errorf("interval = %d, want 5", updated.SyncIntervalMinutes)
	}
	if eng.Settings().SyncIntervalMinutes != 5 {
		t.Error("settings not visible through Settings()")
	}

	bad := 0
	if _, err := eng.UpdateSettings(config.SettingsPatch{SyncIntervalMinutes: &bad}); err == nil {
		t.Error("expected validation error for zero interval")
	}
	if eng.Settings().SyncIntervalMinutes != 5 {
		t.Error("failed update must not change settings")
	}
}

func TestReport(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true, wifi: true}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 2)
	api.fail(ids[0], &remote.RejectionError{StatusCode: 400, Body: "bad"})

	report, err := eng.Report(ctx)
	if err != nil {
		t.Fatalf("Report() failed: %v", err)
	}
	if report.PendingCount != 2 {
		t.Errorf("PendingCount = %d, want 2", report.PendingCount)
	}
	if !report.IsOnline {
		t.Error("IsOnline = false")
	}
	if report.StorageLimitMB != 500 {
		t.Errorf("StorageLimitMB = %d, want 500", report.StorageLimitMB)
	}
	if report.LastSyncAt != nil {
		t.Error("LastSyncAt set before any pass")
	}

	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	report, _ = eng.Report(ctx)
	if report.PendingCount != 0 {
		t.Errorf("PendingCount after sync = %d, want 0", report.PendingCount)
	}
	if report.FailedCount != 1 {
		t.Errorf("FailedCount = %d, want 1", report.FailedCount)
	}
	if report.LastSyncAt == nil {
		t.Error("LastSyncAt not recorded")
	}
	if len(report.RecentErrors) == 0 {
		t.Error("RecentErrors empty after a rejection")
	}
}

func TestClearAllLocalData(t *testing.T) {
	eng := newTestEngine(t, newFakeRemote(), &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	enqueueN(t, eng, 2)
	blobPath := filepath.Join(eng.cfg.BlobDir(), "x.jpg")
	if err := os.WriteFile(blobPath, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}

	if err := eng.ClearAllLocalData(ctx); err != nil {
		t.Fatalf("ClearAllLocalData() failed: %v", err)
	}

	report, _ := eng.Report(ctx)
	if report.PendingCount != 0 {
		t.Errorf("PendingCount = %d after clear", report.PendingCount)
	}
	if _, err := os.Stat(blobPath); !os.IsNotExist(err) {
		t.Error("blob survived ClearAllLocalData")
	}
}

func TestInitialize_RecoversStuckRows(t *testing.T) {
	eng := newTestEngine(t, newFakeRemote(), &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	ids := enqueueN(t, eng, 1)
	if err := eng.store.MarkChangeSyncing(ctx, ids[0]); err != nil {
		t.Fatalf("MarkChangeSyncing() failed: %v", err)
	}

	// A crash would leave the row in syncing; Initialize returns it.
	if err := eng.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	change, _ := eng.store.GetChange(ctx, ids[0])
	if change.SyncStatus != model.StatusPending {
		t.Errorf("status = %q, want pending", change.SyncStatus)
	}
}

// TestOfflineEnqueueThenReconnect walks the basic field scenario:
// record an update with no network, come back online, sync, and watch
// the pending count drop.
func TestOfflineEnqueueThenReconnect(t *testing.T) {
	api := newFakeRemote()
	conn := &fakeConn{online: false}
	eng := newTestEngine(t, api, conn, defaultSettings())
	ctx := context.Background()

	change, err := eng.EnqueueChange(ctx, model.EntityJob, model.ActionUpdate,
		[]byte(`{"id":"J1","status":"Completed"}`))
	if err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	report, _ := eng.Report(ctx)
	if report.PendingCount != 1 {
		t.Fatalf("PendingCount = %d, want 1", report.PendingCount)
	}

	conn.online = true
	if _, err := eng.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	got, _ := eng.store.GetChange(ctx, change.ID)
	if got.SyncStatus != model.StatusSynced {
		t.Errorf("status = %q, want synced", got.SyncStatus)
	}
	report, _ = eng.Report(ctx)
	if report.PendingCount != 0 {
		t.Errorf("PendingCount after sync = %d, want 0", report.PendingCount)
	}
}

func TestExportQueue(t *testing.T) {
	api := newFakeRemote()
	eng := newTestEngine(t, api, &fakeConn{online: true}, defaultSettings())
	ctx := context.Background()

	enqueueN(t, eng, 2)
	if _, err := eng.EnqueuePhoto(ctx, "j-1", "", model.PhotoBefore, "/tmp/x.jpg", 10); err != nil {
		t.Fatalf("EnqueuePhoto() failed: %v", err)
	}

	var buf bytes.Buffer
	count, err := eng.ExportQueue(ctx, &buf)
	if err != nil {
		t.Fatalf("ExportQueue() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("exported %d records, want 3", count)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("output has %d lines, want 3", len(lines))
	}
	for _, line := range lines {
		var record struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		if record.Kind != "change" && record.Kind != "photo" {
			t.Errorf("unexpected record kind %q", record.Kind)
		}
	}
}
