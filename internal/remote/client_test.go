package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chairworks/fieldsync/internal/model"
)

func testChange(action model.Action) *model.PendingChange {
	return &model.PendingChange{
		ID:         "ch-1",
		EntityType: model.EntityJob,
		EntityID:   "j-7",
		Action:     action,
		Payload:    json.RawMessage(`{"id":"j-7","status":"done"}`),
	}
}

func staticToken(ctx context.Context) (string, error) {
	return "test-token", nil
}

func TestPushChange_Verbs(t *testing.T) {
	cases := []struct {
		action     model.Action
		wantMethod string
		wantPath   string
	}{
		{model.ActionCreate, http.MethodPost, "/jobs"},
		{model.ActionUpdate, http.MethodPut, "/jobs/j-7"},
		{model.ActionDelete, http.MethodDelete, "/jobs/j-7"},
	}

	for _, tc := range cases {
		var gotMethod, gotPath, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}))

		client := New(srv.URL, 5*time.Second, staticToken, nil)
		err := client.PushChange(context.Background(), "/jobs", testChange(tc.action), false)
		srv.Close()

		if err != nil {
			t.Fatalf("PushChange(%s) failed: %v", tc.action, err)
		}
		if gotMethod != tc.wantMethod || gotPath != tc.wantPath {
			t.Errorf("%s: got %s %s, want %s %s", tc.action, gotMethod, gotPath, tc.wantMethod, tc.wantPath)
		}
		if gotAuth != "Bearer test-token" {
			t.Errorf("%s: Authorization = %q", tc.action, gotAuth)
		}
	}
}

func TestPushChange_ForceHeader(t *testing.T) {
	var gotForce string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotForce = r.Header.Get("X-Force-Overwrite")
	}))
	defer srv.Close()

	client := New(srv.URL, 5*time.Second, nil, nil)
	if err := client.PushChange(context.Background(), "/jobs", testChange(model.ActionUpdate), true); err != nil {
		t.Fatalf("PushChange() failed: %v", err)
	}
	if gotForce != "true" {
		t.Errorf("X-Force-Overwrite = %q, want true", gotForce)
	}
}

func TestPushChange_ConflictCarriesServerPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"id":"j-7","status":"retired"}`))
	}))
	defer srv.Close()

	client := New(srv.URL, 5*time.Second, nil, nil)
	err := client.PushChange(context.Background(), "/jobs", testChange(model.ActionUpdate), false)

	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if string(conflictErr.ServerPayload) != `{"id":"j-7","status":"retired"}` {
		t.Errorf("ServerPayload = %s", conflictErr.ServerPayload)
	}
}

func TestPushChange_RejectionClassification(t *testing.T) {
	cases := []struct {
		status        int
		wantRetryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("nope"))
		}))

		client := New(srv.URL, 5*time.Second, nil, nil)
		err := client.PushChange(context.Background(), "/jobs", testChange(model.ActionCreate), false)
		srv.Close()

		var rejection *RejectionError
		if !errors.As(err, &rejection) {
			t.Fatalf("status %d: expected RejectionError, got %v", tc.status, err)
		}
		if rejection.StatusCode != tc.status {
			t.Errorf("StatusCode = %d, want %d", rejection.StatusCode, tc.status)
		}
		if rejection.Retryable() != tc.wantRetryable {
			t.Errorf("status %d: Retryable() = %v, want %v", tc.status, rejection.Retryable(), tc.wantRetryable)
		}
	}
}

func TestPushChange_TransportErrorIsNetworkError(t *testing.T) {
	// Point at a closed server to force a connection failure.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := New(srv.URL, 2*time.Second, nil, nil)
	err := client.PushChange(context.Background(), "/jobs", testChange(model.ActionCreate), false)

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if !IsTransient(err) {
		t.Error("network error should be transient")
	}
}

func TestUploadPhoto(t *testing.T) {
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "ph-1.jpg")
	if err := os.WriteFile(blobPath, []byte("jpegbytes"), 0o644); err != nil {
		t.Fatalf("failed to write blob: %v", err)
	}

	var gotFields map[string]string
	var gotFile []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The body is piped, not buffered, so the client cannot know
		// its length up front.
		if r.ContentLength >= 0 {
			t.Errorf("Content-Length = %d, want streamed body", r.ContentLength)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() failed: %v", err)
		}
		gotFields = map[string]string{}
		for name := range r.MultipartForm.Value {
			gotFields[name] = r.FormValue(name)
		}
		file, _, err := r.FormFile("photo")
		if err != nil {
			t.Errorf("FormFile() failed: %v", err)
		} else {
			gotFile, _ = io.ReadAll(file)
			file.Close()
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.com/ph-1.jpg"})
	}))
	defer srv.Close()

	photo := &model.PendingPhoto{
		ID:       "ph-1",
		JobID:    "j-7",
		ChairID:  "c-3",
		Category: model.PhotoAfter,
	}

	blob, err := os.Open(blobPath)
	if err != nil {
		t.Fatalf("failed to open blob: %v", err)
	}
	defer blob.Close()

	client := New(srv.URL, 5*time.Second, nil, nil)
	url, err := client.UploadPhoto(context.Background(), photo, blob, UploadOptions{Quality: "high", Compress: true})
	if err != nil {
		t.Fatalf("UploadPhoto() failed: %v", err)
	}

	if url != "https://cdn.example.com/ph-1.jpg" {
		t.Errorf("url = %q", url)
	}
	if gotFields["jobId"] != "j-7" || gotFields["chairId"] != "c-3" || gotFields["category"] != "after" {
		t.Errorf("form fields = %v", gotFields)
	}
	if gotFields["quality"] != "high" || gotFields["compress"] != "true" {
		t.Errorf("upload options not forwarded: %v", gotFields)
	}
	if string(gotFile) != "jpegbytes" {
		t.Errorf("file content = %q", gotFile)
	}
}

func TestUploadPhoto_MissingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(srv.URL, 5*time.Second, nil, nil)
	photo := &model.PendingPhoto{ID: "ph-1", JobID: "j-1", Category: model.PhotoBefore}
	if _, err := client.UploadPhoto(context.Background(), photo, strings.NewReader("x"), UploadOptions{}); err == nil {
		t.Error("expected error for response without url")
	}
}
