// Package remote implements the HTTP client for the backend API the
// sync engine delivers to: one endpoint family per entity type plus
// the multipart photo upload endpoint.
//
// The client performs no retries of its own; retry policy belongs to
// the scheduler. Every call is bounded by the configured timeout, and
// failures are classified into the engine's error taxonomy
// (NetworkError, RejectionError, ConflictError).
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chairworks/fieldsync/internal/logging"
	"github.com/chairworks/fieldsync/internal/model"
)

// maxErrorBody bounds how much of an error response is kept for
// reporting.
const maxErrorBody = 2048

// TokenFunc supplies the bearer credential for each request. The
// authentication subsystem owns refresh; the engine just asks.
type TokenFunc func(ctx context.Context) (string, error)

// UploadOptions carries the photo settings forwarded to the backend.
// The engine does not transcode images; quality and compression are
// hints for server-side processing.
type UploadOptions struct {
	Quality  string
	Compress bool
}

// Client talks to the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
	logger  *slog.Logger
}

// New creates a Client. Every request is bounded by timeout; a
// timed-out call surfaces as a NetworkError. If logger is nil, output
// is discarded.
func New(baseURL string, timeout time.Duration, token TokenFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		token:   token,
		logger:  logger,
	}
}

// PushChange delivers a pending change to the remote, selecting the
// HTTP verb and endpoint from the change's action and the registered
// route. When force is set (client_wins resubmission) the overwrite
// header tells the backend to skip its concurrency check.
func (c *Client) PushChange(ctx context.Context, route string, change *model.PendingChange, force bool) error {
	var method, url string
	var body io.Reader

	switch change.Action {
	case model.ActionCreate:
		method = http.MethodPost
		url = c.baseURL + route
		body = bytes.NewReader(change.Payload)
	case model.ActionUpdate:
		method = http.MethodPut
		url = c.baseURL + route + "/" + change.EntityID
		body = bytes.NewReader(change.Payload)
	case model.ActionDelete:
		method = http.MethodDelete
		url = c.baseURL + route + "/" + change.EntityID
	default:
		return fmt.Errorf("unknown action %q", change.Action)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if force {
		req.Header.Set("X-Force-Overwrite", "true")
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

// UploadPhoto streams a photo blob to the upload endpoint as a
// multipart request and returns the server URL of the stored asset.
func (c *Client) UploadPhoto(ctx context.Context, photo *model.PendingPhoto, blob io.Reader, opts UploadOptions) (string, error) {
	// Photos run to several megabytes, so the multipart body is piped
	// into the request instead of being buffered whole.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadBody(mw, photo, blob, opts))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/photos/upload", pr)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := classifyResponse(resp); err != nil {
		return "", err
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse upload response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}

	return result.URL, nil
}

// writeUploadBody assembles the multipart form: the metadata fields
// first, then the blob itself.
func writeUploadBody(mw *multipart.Writer, photo *model.PendingPhoto, blob io.Reader, opts UploadOptions) error {
	fields := map[string]string{
		"jobId":    photo.JobID,
		"category": string(photo.Category),
		"quality":  opts.Quality,
		"compress": strconv.FormatBool(opts.Compress),
	}
	if photo.ChairID != "" {
		fields["chairId"] = photo.ChairID
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	part, err := mw.CreateFormFile("photo", photo.ID)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, blob); err != nil {
		return fmt.Errorf("failed to copy photo blob: %w", err)
	}
	return mw.Close()
}

// do attaches the bearer credential and executes the request,
// wrapping transport failures as NetworkError.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != nil {
		tok, err := c.token(req.Context())
		if err != nil {
			return nil, fmt.Errorf("failed to obtain credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	return resp, nil
}

// classifyResponse maps a response status into the error taxonomy.
// The body is left unread on success so callers can decode it.
func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode == http.StatusConflict {
		return &ConflictError{ServerPayload: json.RawMessage(body)}
	}

	return &RejectionError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
}
