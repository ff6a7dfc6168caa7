package storage_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/storage/storagetest"
)

func init() {
	logging.InitNop()
}

func TestCreatePlaceholder(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New()

	require.NoError(t, storage.CreatePlaceholder(ctx, s, "photos", "2024"))
	require.True(t, s.Exists("photos/2024/"+storage.PlaceholderName), "keys: %v", s.Keys())

	items, err := s.List(ctx, "photos")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].IsFolder())
	assert.Equal(t, "2024", items[0].Name)
	assert.Equal(t, "photos/2024", items[0].ID)

	inner, err := s.List(ctx, "photos/2024")
	require.NoError(t, err)
	assert.Empty(t, inner, "placeholder is hidden")
}

func TestCreatePlaceholderRejectsBadName(t *testing.T) {
	s := storagetest.New()
	for _, name := range []string{"", "a/b", "..", ".", storage.PlaceholderName} {
		err := storage.CreatePlaceholder(context.Background(), s, "", name)
		assert.ErrorIs(t, err, storage.ErrInvalidSegment, "name %q", name)
	}
	assert.Empty(t, s.Keys())
}

func TestRenameByCopy(t *testing.T) {
	ctx := context.Background()
	s := storagetest.New()
	s.Put("docs/old.txt", []byte("hello"))

	require.NoError(t, storage.RenameByCopy(ctx, s, s, "docs/old.txt", "docs/new.txt"))
	assert.False(t, s.Exists("docs/old.txt"))
	data, ok := s.Get("docs/new.txt")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestRenameByCopySamePath(t *testing.T) {
	s := storagetest.New()
	s.Put("a.txt", []byte("x"))

	require.NoError(t, storage.RenameByCopy(context.Background(), s, s, "a.txt", "/a.txt/"))
	assert.Empty(t, s.Calls())
}

func TestRenameByCopyRejectsReservedName(t *testing.T) {
	s := storagetest.New()
	s.Put("docs/a.txt", []byte("x"))

	err := storage.RenameByCopy(context.Background(), s, s, "docs/a.txt", "docs/"+storage.PlaceholderName)
	assert.ErrorIs(t, err, storage.ErrInvalidSegment)
	assert.Equal(t, []string{"docs/a.txt"}, s.Keys())
}

func TestRenameByCopyUploadFails(t *testing.T) {
	s := storagetest.New()
	s.Put("old.txt", []byte("x"))
	s.BeforeUpload = func(string) error { return storage.ErrPermissionDenied }

	err := storage.RenameByCopy(context.Background(), s, s, "old.txt", "new.txt")
	require.ErrorIs(t, err, storage.ErrPermissionDenied)
	assert.NotErrorIs(t, err, storage.ErrPartialRename)
	assert.True(t, s.Exists("old.txt"))
	assert.False(t, s.Exists("new.txt"))
}

func TestRenameByCopyFetchFails(t *testing.T) {
	s := storagetest.New()

	err := storage.RenameByCopy(context.Background(), s, s, "missing.txt", "new.txt")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.False(t, s.Exists("new.txt"))
}

func TestRenameByCopyDeleteFails(t *testing.T) {
	s := storagetest.New()
	s.Put("old.txt", []byte("x"))
	s.BeforeDelete = func(string) error { return storage.ErrTransient }

	err := storage.RenameByCopy(context.Background(), s, s, "old.txt", "new.txt")

	var partial *storage.PartialRenameError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "old.txt", partial.OldPath)
	assert.Equal(t, "new.txt", partial.NewPath)
	assert.True(t, s.Exists("old.txt"))
	assert.True(t, s.Exists("new.txt"))
}

func TestHTTPFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("payload"))
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/big":
			w.Write(make([]byte, 64))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := storage.NewHTTPFetcher(5*time.Second, 32)
	ctx := context.Background()

	data, err := f.Fetch(ctx, srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	tests := []struct {
		path string
		want error
	}{
		{"/missing", storage.ErrNotFound},
		{"/forbidden", storage.ErrPermissionDenied},
		{"/big", storage.ErrUnsupportedOperation},
	}
	for _, tt := range tests {
		_, err := f.Fetch(ctx, srv.URL+tt.path)
		assert.ErrorIs(t, err, tt.want, tt.path)
	}
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", storage.DetectContentType(nil, "notes.txt"))
	assert.Equal(t, "application/octet-stream", storage.DetectContentType(nil, storage.PlaceholderName))
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	assert.Equal(t, "image/png", storage.DetectContentType(png, "x.bin"))
}
