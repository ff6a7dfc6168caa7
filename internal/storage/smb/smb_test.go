package smb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/storage"
)

func init() {
	logging.InitNop()
}

func TestNewRequiresExistingMount(t *testing.T) {
	_, err := New(Config{Server: "//nas/share"})
	assert.Error(t, err)

	_, err = New(Config{Server: "//nas/share", MountPath: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err, "an unmounted share must not be created on the host")
}

func TestBackendServesMount(t *testing.T) {
	ctx := context.Background()
	mount := t.TempDir()

	b, err := NewFromJSON([]byte(`{"server":"//nas/share","username":"u","password":"p","mount_path":"` + mount + `"}`))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, "smb", b.Type())
	assert.Equal(t, "//nas/share", b.Server())
	assert.Equal(t, storage.Capabilities{Rename: storage.Native, CreateFolder: storage.Native}, storage.Offered(b))

	_, err = b.Upload(ctx, "/", []byte("hello"), "a.txt")
	require.NoError(t, err)
	require.NoError(t, b.CreateFolder(ctx, "/", "docs"))

	items, err := b.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "docs", items[0].Name)
	assert.Equal(t, "a.txt", items[1].Name)

	_, err = b.List(ctx, "/nope")
	var opErr *storage.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "smb", opErr.Backend)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestNewFromJSONInvalid(t *testing.T) {
	_, err := NewFromJSON([]byte(`{`))
	assert.Error(t, err)
}
