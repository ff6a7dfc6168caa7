// Package storagetest provides an in-memory flat object store implementing
// storage.Adapter, with hooks for injecting failures and ordering responses.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/vpath"
)

const urlScheme = "mem://"

type object struct {
	data        []byte
	contentType string
	created     time.Time
	updated     time.Time
}

// Store is a flat key/value object store that lists by prefix, like S3.
// Folder creation and rename are synthesized through the storage package.
type Store struct {
	mu      sync.Mutex
	objects map[string]*object
	caps    storage.Capabilities
	calls   []string

	// Hooks run before the operation touches the store. A non-nil error
	// fails the operation with that error. BeforeList may block to control
	// the order in which concurrent listings complete.
	BeforeList   func(ctx context.Context, path string) error
	BeforeUpload func(path string) error
	BeforeDelete func(path string) error
	BeforeFetch  func(path string) error
}

// New returns an empty store offering synthesized rename and folder creation.
func New() *Store {
	return &Store{
		objects: make(map[string]*object),
		caps: storage.Capabilities{
			Rename:       storage.Synthesized,
			CreateFolder: storage.Synthesized,
		},
	}
}

// SetCapabilities overrides the capability descriptor.
func (s *Store) SetCapabilities(caps storage.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
}

// Put seeds an object at key.
func (s *Store) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.objects[vpath.Normalize(key)] = &object{data: data, created: now, updated: now}
}

// Exists reports whether an object is stored at key.
func (s *Store) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[vpath.Normalize(key)]
	return ok
}

// Get returns the bytes at key.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[vpath.Normalize(key)]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

// Keys returns every stored key, sorted.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns the operations performed so far, e.g. "upload a/b".
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Store) record(op, path string) {
	s.mu.Lock()
	s.calls = append(s.calls, op+" "+path)
	s.mu.Unlock()
}

// List implements storage.Adapter.
func (s *Store) List(ctx context.Context, path string) ([]storage.Item, error) {
	path = vpath.Normalize(path)
	s.record("list", path)
	if s.BeforeList != nil {
		if err := s.BeforeList(ctx, path); err != nil {
			return nil, storage.NewOpError(s.Type(), "list", path, nil, err)
		}
	}

	prefix := ""
	if path != "" {
		prefix = path + "/"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var items []storage.Item
	folders := make(map[string]bool)
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			name := rest[:idx]
			if !folders[name] {
				folders[name] = true
				items = append(items, storage.FolderItem(name, prefix+name))
			}
			continue
		}
		items = append(items, storage.Item{
			Name:        rest,
			ID:          key,
			Kind:        storage.KindFile,
			CreatedAt:   storage.Time(obj.created),
			UpdatedAt:   storage.Time(obj.updated),
			PublicURL:   urlScheme + key,
			SizeBytes:   storage.Int64(int64(len(obj.data))),
			ContentType: obj.contentType,
		})
	}
	return storage.Normalize(items), nil
}

// Upload implements storage.Adapter.
func (s *Store) Upload(_ context.Context, dir string, body []byte, filename string) (*storage.Item, error) {
	if err := vpath.ValidName(filename); err != nil {
		return nil, err
	}
	key, err := vpath.Join(dir, filename)
	if err != nil {
		return nil, err
	}
	s.record("upload", key)
	if s.BeforeUpload != nil {
		if err := s.BeforeUpload(key); err != nil {
			return nil, storage.NewOpError(s.Type(), "upload", key, nil, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	obj, ok := s.objects[key]
	if !ok {
		obj = &object{created: now}
		s.objects[key] = obj
	}
	obj.data = append([]byte(nil), body...)
	obj.contentType = storage.DetectContentType(body, filename)
	obj.updated = now

	return &storage.Item{
		Name:        filename,
		ID:          key,
		Kind:        storage.KindFile,
		CreatedAt:   storage.Time(obj.created),
		UpdatedAt:   storage.Time(now),
		PublicURL:   urlScheme + key,
		SizeBytes:   storage.Int64(int64(len(body))),
		ContentType: obj.contentType,
	}, nil
}

// Delete implements storage.Adapter.
func (s *Store) Delete(_ context.Context, key string) error {
	key = vpath.Normalize(key)
	s.record("delete", key)
	if s.BeforeDelete != nil {
		if err := s.BeforeDelete(key); err != nil {
			return storage.NewOpError(s.Type(), "delete", key, nil, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; !ok {
		for k := range s.objects {
			if strings.HasPrefix(k, key+"/") {
				return storage.NewOpError(s.Type(), "delete", key, storage.ErrUnsupportedOperation,
					fmt.Errorf("%q is a folder", key))
			}
		}
		return storage.NewOpError(s.Type(), "delete", key, storage.ErrNotFound, nil)
	}
	delete(s.objects, key)
	return nil
}

// PublicURL implements storage.Adapter.
func (s *Store) PublicURL(_ context.Context, key string) (string, error) {
	return urlScheme + vpath.Normalize(key), nil
}

// Fetch implements storage.Fetcher for mem:// URLs.
func (s *Store) Fetch(_ context.Context, url string) ([]byte, error) {
	key := strings.TrimPrefix(url, urlScheme)
	s.record("fetch", key)
	if s.BeforeFetch != nil {
		if err := s.BeforeFetch(key); err != nil {
			return nil, err
		}
	}
	data, ok := s.Get(key)
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", key, storage.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Rename implements storage.Renamer by copy.
func (s *Store) Rename(ctx context.Context, oldPath, newPath string) error {
	return storage.RenameByCopy(ctx, s, s, oldPath, newPath)
}

// CreateFolder implements storage.FolderCreator with a placeholder object.
func (s *Store) CreateFolder(ctx context.Context, dir, name string) error {
	return storage.CreatePlaceholder(ctx, s, dir, name)
}

// Capabilities implements storage.Adapter.
func (s *Store) Capabilities() storage.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Type implements storage.Adapter.
func (s *Store) Type() string { return "memory" }

// Close implements storage.Adapter.
func (s *Store) Close() error { return nil }
