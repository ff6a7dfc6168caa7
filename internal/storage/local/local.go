// Package local provides a local filesystem storage backend with real
// directories, so rename and folder creation are native.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/metrics"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/vpath"
)

const (
	backendType = "local"
	tempPrefix  = ".browser-"
	tempSuffix  = ".tmp"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
	// PublicBaseURL is prefixed to object keys to build public URLs.
	// Without it, file:// URLs are returned.
	PublicBaseURL string `json:"public_base_url,omitempty"`

	// BackendType labels errors and metrics; defaults to "local". Set by
	// backends that serve a mounted share through this one.
	BackendType string `json:"-"`
}

// LocalBackend implements storage.Adapter on a directory tree.
type LocalBackend struct {
	typ        string
	rootPath   string
	createDirs bool
	publicBase string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	typ := cfg.BackendType
	if typ == "" {
		typ = backendType
	}

	return &LocalBackend{
		typ:        typ,
		rootPath:   root,
		createDirs: cfg.CreateDirs,
		publicBase: strings.TrimSuffix(cfg.PublicBaseURL, "/"),
	}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// fullPath maps a virtual path under the root, refusing "." and ".."
// segments so no key can escape it.
func (b *LocalBackend) fullPath(key string) (string, error) {
	segs := vpath.Split(key)
	for _, s := range segs {
		if err := vpath.ValidName(s); err != nil {
			return "", err
		}
	}
	return filepath.Join(append([]string{b.rootPath}, segs...)...), nil
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, tempSuffix)
}

func (b *LocalBackend) opError(op, key string, err error) error {
	return storage.NewOpError(b.typ, op, key, nil, err)
}

func (b *LocalBackend) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(b.typ, op, time.Since(start), err == nil)
}

// List reads one directory level.
func (b *LocalBackend) List(_ context.Context, p string) (items []storage.Item, err error) {
	start := time.Now()
	defer func() { b.record("list", start, err) }()

	p = vpath.Normalize(p)
	dir, err := b.fullPath(p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, b.opError("list", p, err)
	}
	if !info.IsDir() {
		return nil, storage.NewOpError(b.typ, "list", p, storage.ErrNotFound, errors.New("not a directory"))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, b.opError("list", p, err)
	}

	items = make([]storage.Item, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if isTemp(name) {
			continue
		}
		key := name
		if p != "" {
			key = p + "/" + name
		}
		if e.IsDir() {
			items = append(items, storage.FolderItem(name, key))
			continue
		}
		fi, err := e.Info()
		if err != nil {
			// Removed since ReadDir.
			continue
		}
		if !fi.Mode().IsRegular() {
			continue
		}
		items = append(items, b.fileItem(key, fi))
	}

	items = storage.Normalize(items)
	metrics.RecordListing(b.typ, len(items))
	logging.Debug("local list", zap.String("path", p), zap.Int("items", len(items)))
	return items, nil
}

func (b *LocalBackend) fileItem(key string, fi fs.FileInfo) storage.Item {
	return storage.Item{
		Name:        fi.Name(),
		ID:          key,
		Kind:        storage.KindFile,
		UpdatedAt:   storage.Time(fi.ModTime()),
		PublicURL:   b.publicURL(key),
		SizeBytes:   storage.Int64(fi.Size()),
		ContentType: storage.DetectContentType(nil, fi.Name()),
	}
}

// Upload writes body atomically at dir/filename, replacing any existing file.
func (b *LocalBackend) Upload(_ context.Context, dir string, body []byte, filename string) (item *storage.Item, err error) {
	start := time.Now()
	defer func() { b.record("upload", start, err) }()

	if err := vpath.ValidName(filename); err != nil {
		return nil, err
	}
	key, err := vpath.Join(dir, filename)
	if err != nil {
		return nil, err
	}
	path, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}
	parent := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return nil, b.opError("upload", key, fmt.Errorf("create dirs: %w", err))
		}
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(parent, tempPrefix+"*"+tempSuffix)
	if err != nil {
		return nil, b.opError("upload", key, fmt.Errorf("create temp: %w", err))
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, b.opError("upload", key, fmt.Errorf("write: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, b.opError("upload", key, fmt.Errorf("close temp: %w", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, b.opError("upload", key, fmt.Errorf("rename temp: %w", err))
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, b.opError("upload", key, err)
	}
	metrics.RecordUpload(b.typ, int64(len(body)))
	logging.Debug("local upload", zap.String("key", key), zap.Int("size", len(body)))

	it := b.fileItem(key, fi)
	it.ContentType = storage.DetectContentType(body, filename)
	return &it, nil
}

// Delete removes a single file. Directories are refused.
func (b *LocalBackend) Delete(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { b.record("delete", start, err) }()

	key = vpath.Normalize(key)
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	if key == "" {
		return storage.NewOpError(b.typ, "delete", key, storage.ErrUnsupportedOperation, errors.New("cannot delete root"))
	}

	fi, err := os.Lstat(path)
	if err != nil {
		return b.opError("delete", key, err)
	}
	if fi.IsDir() {
		return storage.NewOpError(b.typ, "delete", key, storage.ErrUnsupportedOperation,
			errors.New("folder delete is not supported"))
	}
	if err := os.Remove(path); err != nil {
		return b.opError("delete", key, err)
	}
	logging.Debug("local delete", zap.String("key", key))
	return nil
}

// PublicURL returns PublicBaseURL/key, or a file:// URL.
func (b *LocalBackend) PublicURL(_ context.Context, key string) (string, error) {
	key = vpath.Normalize(key)
	if _, err := b.fullPath(key); err != nil {
		return "", err
	}
	return b.publicURL(key), nil
}

func (b *LocalBackend) publicURL(key string) string {
	segs := vpath.Split(key)
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	escaped := strings.Join(segs, "/")
	if b.publicBase != "" {
		return b.publicBase + "/" + escaped
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(b.rootPath) + "/" + strings.Join(vpath.Split(key), "/")}).String()
}

// Rename moves a file or directory with os.Rename.
func (b *LocalBackend) Rename(_ context.Context, oldPath, newPath string) (err error) {
	start := time.Now()
	defer func() { b.record("rename", start, err) }()

	oldPath, newPath = vpath.Normalize(oldPath), vpath.Normalize(newPath)
	if oldPath == newPath {
		return nil
	}
	src, err := b.fullPath(oldPath)
	if err != nil {
		return err
	}
	dst, err := b.fullPath(newPath)
	if err != nil {
		return err
	}
	if newPath == "" {
		return vpath.ErrInvalidSegment
	}

	if _, err := os.Lstat(src); err != nil {
		return b.opError("rename", oldPath, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return b.opError("rename", oldPath, err)
	}
	logging.Debug("local rename", zap.String("from", oldPath), zap.String("to", newPath))
	return nil
}

// CreateFolder makes a real directory. An existing directory is not an error.
func (b *LocalBackend) CreateFolder(_ context.Context, dir, name string) (err error) {
	start := time.Now()
	defer func() { b.record("create_folder", start, err) }()

	if err := vpath.ValidName(name); err != nil {
		return err
	}
	key, err := vpath.Join(dir, name)
	if err != nil {
		return err
	}
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Mkdir(path, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			if fi, serr := os.Stat(path); serr == nil && fi.IsDir() {
				return nil
			}
		}
		return b.opError("create_folder", key, err)
	}
	return nil
}

// Capabilities reports native rename and folder creation.
func (b *LocalBackend) Capabilities() storage.Capabilities {
	return storage.Capabilities{
		Rename:       storage.Native,
		CreateFolder: storage.Native,
	}
}

// Type returns "local", or the type set in Config.BackendType.
func (b *LocalBackend) Type() string { return b.typ }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }
