// Package supabase implements the directory-listing storage backend on the
// Supabase Storage REST API.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/metrics"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/vpath"
)

const (
	backendType = "supabase"
	pageSize    = 100
)

// BackendConfig is the JSON config for a Supabase Storage bucket.
type BackendConfig struct {
	URL    string `json:"url"`    // project URL, e.g. https://xyz.supabase.co
	Key    string `json:"key"`    // service role or anon key
	Bucket string `json:"bucket"` // must be a public bucket for public URLs to resolve

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Backend implements storage.Adapter over Supabase Storage. Rename is
// native (object move); folder creation is synthesized with a placeholder.
type Backend struct {
	baseURL string
	key     string
	bucket  string
	client  *http.Client
}

// NewBackend creates a Supabase backend.
func NewBackend(cfg BackendConfig) (*Backend, error) {
	if cfg.URL == "" || cfg.Bucket == "" {
		return nil, errors.New("supabase config: url and bucket are required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("supabase config: parse url: %w", err)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Backend{
		baseURL: strings.TrimSuffix(cfg.URL, "/") + "/storage/v1",
		key:     cfg.Key,
		bucket:  cfg.Bucket,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// NewBackendFromJSON creates a Backend from raw JSON config.
func NewBackendFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse supabase config: %w", err)
	}
	return NewBackend(cfg)
}

type sortBy struct {
	Column string `json:"column"`
	Order  string `json:"order"`
}

type listRequest struct {
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	SortBy sortBy `json:"sortBy"`
}

// listEntry is one row of a listing. Folders come back with a null id.
type listEntry struct {
	Name      string     `json:"name"`
	ID        *string    `json:"id"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	Metadata  *struct {
		Size     *int64 `json:"size"`
		MimeType string `json:"mimetype"`
	} `json:"metadata"`
}

type apiError struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

func escapePath(p string) string {
	segs := vpath.Split(p)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

func (b *Backend) do(ctx context.Context, op, p, method, endpoint string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+b.key)
	req.Header.Set("apikey", b.key)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method == http.MethodPost && op == "upload" {
		req.Header.Set("x-upsert", "true")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return storage.NewOpError(backendType, op, p, storage.ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return storage.NewOpError(backendType, op, p, storage.ErrTransient, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return storage.NewOpError(backendType, op, p, kindForResponse(resp.StatusCode, data),
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return storage.NewOpError(backendType, op, p, storage.ErrTransient, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// kindForResponse prefers the status code embedded in the error body,
// which Supabase sets to 404 on "object not found" and 409 on "Duplicate"
// even when the HTTP status is 400.
func kindForResponse(status int, body []byte) error {
	var ae apiError
	if json.Unmarshal(body, &ae) == nil {
		if code, err := strconv.Atoi(ae.StatusCode); err == nil && code != status {
			status = code
		}
		if ae.Error == "not_found" {
			return storage.ErrNotFound
		}
	}
	return storage.KindForStatus(status)
}

func (b *Backend) listPage(ctx context.Context, p string, limit, offset int) ([]listEntry, error) {
	body, err := json.Marshal(listRequest{
		Prefix: p,
		Limit:  limit,
		Offset: offset,
		SortBy: sortBy{Column: "name", Order: "asc"},
	})
	if err != nil {
		return nil, fmt.Errorf("encode list request: %w", err)
	}
	var entries []listEntry
	err = b.do(ctx, "list", p, http.MethodPost, "/object/list/"+url.PathEscape(b.bucket),
		bytes.NewReader(body), "application/json", &entries)
	return entries, err
}

// List returns the direct children of p. Entries without an id are
// folders; file URLs are derived without another round trip.
func (b *Backend) List(ctx context.Context, p string) ([]storage.Item, error) {
	p = vpath.Normalize(p)
	start := time.Now()

	var items []storage.Item
	for offset := 0; ; offset += pageSize {
		entries, err := b.listPage(ctx, p, pageSize, offset)
		if err != nil {
			metrics.RecordStorageOperation(backendType, "list", time.Since(start), false)
			return nil, err
		}
		for _, e := range entries {
			items = append(items, b.toItem(p, e))
		}
		if len(entries) < pageSize {
			break
		}
	}

	items = storage.Normalize(items)
	metrics.RecordStorageOperation(backendType, "list", time.Since(start), true)
	metrics.RecordListing(backendType, len(items))
	logging.Debug("supabase list", zap.String("path", p), zap.Int("items", len(items)))
	return items, nil
}

func (b *Backend) toItem(dir string, e listEntry) storage.Item {
	full := e.Name
	if dir != "" {
		full = dir + "/" + e.Name
	}
	if e.ID == nil {
		return storage.FolderItem(e.Name, full)
	}
	it := storage.Item{
		Name:      e.Name,
		ID:        *e.ID,
		Kind:      storage.KindFile,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
		PublicURL: b.publicURL(full),
	}
	if e.Metadata != nil {
		it.SizeBytes = e.Metadata.Size
		it.ContentType = e.Metadata.MimeType
	}
	return it
}

// Upload writes body at dir/filename with upsert, overwriting any existing object.
func (b *Backend) Upload(ctx context.Context, dir string, body []byte, filename string) (*storage.Item, error) {
	if err := vpath.ValidName(filename); err != nil {
		return nil, err
	}
	key, err := vpath.Join(dir, filename)
	if err != nil {
		return nil, err
	}

	contentType := storage.DetectContentType(body, filename)
	start := time.Now()
	var out struct {
		ID  string `json:"Id"`
		Key string `json:"Key"`
	}
	err = b.do(ctx, "upload", key, http.MethodPost,
		"/object/"+url.PathEscape(b.bucket)+"/"+escapePath(key),
		bytes.NewReader(body), contentType, &out)
	metrics.RecordStorageOperation(backendType, "upload", time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}
	metrics.RecordUpload(backendType, int64(len(body)))
	logging.Debug("supabase upload", zap.String("key", key), zap.Int("size", len(body)))

	id := out.ID
	if id == "" {
		id = key
	}
	now := time.Now()
	return &storage.Item{
		Name:        filename,
		ID:          id,
		Kind:        storage.KindFile,
		UpdatedAt:   &now,
		PublicURL:   b.publicURL(key),
		SizeBytes:   storage.Int64(int64(len(body))),
		ContentType: contentType,
	}, nil
}

// Delete removes exactly the object at key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	key = vpath.Normalize(key)
	body, err := json.Marshal(map[string][]string{"prefixes": {key}})
	if err != nil {
		return fmt.Errorf("encode delete request: %w", err)
	}

	start := time.Now()
	var deleted []json.RawMessage
	err = b.do(ctx, "delete", key, http.MethodDelete, "/object/"+url.PathEscape(b.bucket),
		bytes.NewReader(body), "application/json", &deleted)
	metrics.RecordStorageOperation(backendType, "delete", time.Since(start), err == nil)
	if err != nil {
		return err
	}

	if len(deleted) == 0 {
		// Nothing matched: either a folder (not an object) or a missing key.
		if entries, lerr := b.listPage(ctx, key, 1, 0); lerr == nil && len(entries) > 0 {
			return storage.NewOpError(backendType, "delete", key, storage.ErrUnsupportedOperation,
				errors.New("folder delete is not supported"))
		}
		return storage.NewOpError(backendType, "delete", key, storage.ErrNotFound, nil)
	}
	logging.Debug("supabase delete", zap.String("key", key))
	return nil
}

// PublicURL derives the public object URL; no round trip is made.
func (b *Backend) PublicURL(_ context.Context, key string) (string, error) {
	return b.publicURL(vpath.Normalize(key)), nil
}

func (b *Backend) publicURL(key string) string {
	return b.baseURL + "/object/public/" + url.PathEscape(b.bucket) + "/" + escapePath(key)
}

// Rename moves the object server-side.
func (b *Backend) Rename(ctx context.Context, oldPath, newPath string) error {
	oldPath, newPath = vpath.Normalize(oldPath), vpath.Normalize(newPath)
	if oldPath == newPath {
		return nil
	}
	if err := storage.ValidName(vpath.Base(newPath)); err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{
		"bucketId":       b.bucket,
		"sourceKey":      oldPath,
		"destinationKey": newPath,
	})
	if err != nil {
		return fmt.Errorf("encode move request: %w", err)
	}

	start := time.Now()
	err = b.do(ctx, "rename", oldPath, http.MethodPost, "/object/move",
		bytes.NewReader(body), "application/json", nil)
	metrics.RecordStorageOperation(backendType, "move", time.Since(start), err == nil)
	if errors.Is(err, storage.ErrNotFound) {
		// Moves apply to single objects; a folder is only a key prefix.
		if entries, lerr := b.listPage(ctx, oldPath, 1, 0); lerr == nil && len(entries) > 0 {
			return storage.NewOpError(backendType, "rename", oldPath, storage.ErrUnsupportedOperation,
				errors.New("folder rename is not supported"))
		}
	}
	if err != nil {
		return err
	}
	logging.Debug("supabase move", zap.String("from", oldPath), zap.String("to", newPath))
	return nil
}

// CreateFolder uploads a placeholder so the folder shows up in listings.
func (b *Backend) CreateFolder(ctx context.Context, dir, name string) error {
	return storage.CreatePlaceholder(ctx, b, dir, name)
}

// Capabilities reports native rename and synthesized folder creation.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		Rename:       storage.Native,
		CreateFolder: storage.Synthesized,
	}
}

// Type returns "supabase".
func (b *Backend) Type() string { return backendType }

// Close releases idle connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}
