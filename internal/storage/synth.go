package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/vpath"
)

// Fetcher retrieves the bytes behind a public URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches public URLs over HTTP.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64 // 0 = unlimited
}

// NewHTTPFetcher returns a fetcher with a bounded timeout.
func NewHTTPFetcher(timeout time.Duration, maxBytes int64) *HTTPFetcher {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

// Fetch GETs url and returns the body.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch returned %d", KindForStatus(resp.StatusCode), resp.StatusCode)
	}

	var body io.Reader = resp.Body
	if f.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, f.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("%w: read fetch body: %v", ErrTransient, err)
	}
	if f.MaxBytes > 0 && int64(len(data)) > f.MaxBytes {
		return nil, fmt.Errorf("%w: object exceeds %d bytes", ErrUnsupportedOperation, f.MaxBytes)
	}
	return data, nil
}

// CreatePlaceholder emulates folder creation by uploading a zero-byte marker
// at path/name/PlaceholderName. Creating an existing folder is a no-op.
func CreatePlaceholder(ctx context.Context, a Adapter, dir, name string) error {
	if err := ValidName(name); err != nil {
		return err
	}
	folder, err := vpath.Join(dir, name)
	if err != nil {
		return err
	}
	if _, err := a.Upload(ctx, folder, nil, PlaceholderName); err != nil {
		return err
	}
	logging.Debug("created folder placeholder",
		zap.String("backend", a.Type()),
		zap.String("folder", folder))
	return nil
}

// RenameByCopy emulates rename as fetch, upload, delete. It is not atomic:
//   - a failure before or during upload leaves only the original and is
//     returned as a plain error;
//   - a failure deleting the original leaves both objects and is returned
//     as *PartialRenameError.
//
// An object already at newPath is overwritten; browser.Controller checks the
// destination before calling. Callers must not cancel between upload and
// delete.
func RenameByCopy(ctx context.Context, a Adapter, f Fetcher, oldPath, newPath string) error {
	oldPath, newPath = vpath.Normalize(oldPath), vpath.Normalize(newPath)
	if oldPath == newPath {
		return nil
	}
	if err := ValidName(vpath.Base(newPath)); err != nil {
		return err
	}

	url, err := a.PublicURL(ctx, oldPath)
	if err != nil {
		return err
	}
	body, err := f.Fetch(ctx, url)
	if err != nil {
		return NewOpError(a.Type(), "rename", oldPath, nil, err)
	}
	if _, err := a.Upload(ctx, vpath.Dir(newPath), body, vpath.Base(newPath)); err != nil {
		return err
	}
	if err := a.Delete(ctx, oldPath); err != nil {
		return &PartialRenameError{OldPath: oldPath, NewPath: newPath, Err: err}
	}

	logging.Debug("renamed by copy",
		zap.String("backend", a.Type()),
		zap.String("from", oldPath),
		zap.String("to", newPath),
		zap.Int("bytes", len(body)))
	return nil
}

// DetectContentType sniffs body, falling back to the filename extension.
func DetectContentType(body []byte, filename string) string {
	if len(body) > 0 {
		if mt := mimetype.Detect(body); mt.String() != "application/octet-stream" {
			return mt.String()
		}
	}
	if ct := mime.TypeByExtension(path.Ext(filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
