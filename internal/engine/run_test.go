package engine

import (
	"context"
	"testing"
	"time"

	"github.com/chairworks/fieldsync/internal/config"
	"github.com/chairworks/fieldsync/internal/model"
)

// TestRun_EnablingAutoSyncTriggersPass verifies that turning auto-sync
// on drains work queued while it was off instead of waiting out the
// full scheduled interval.
func TestRun_EnablingAutoSyncTriggersPass(t *testing.T) {
	api := newFakeRemote()
	settings := defaultSettings()
	settings.AutoSync = false
	settings.SyncIntervalMinutes = 60
	eng := newTestEngine(t, api, &fakeConn{online: true}, settings)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := eng.EnqueueChange(ctx, model.EntityJob, model.ActionUpdate,
		[]byte(`{"id":"J1","status":"Completed"}`)); err != nil {
		t.Fatalf("EnqueueChange() failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		eng.Run(ctx)
		close(done)
	}()

	enabled := true
	if _, err := eng.UpdateSettings(config.SettingsPatch{AutoSync: &enabled}); err != nil {
		t.Fatalf("UpdateSettings() failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for len(api.pushOrder()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no sync pass after enabling auto-sync")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
