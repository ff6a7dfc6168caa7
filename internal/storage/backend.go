// Package storage defines the Adapter interface that presents every blob
// backend as one hierarchical virtual filesystem, plus the item model, the
// error taxonomy, and the operations synthesized for backends that lack
// native folders or rename.
package storage

import (
	"context"
	"fmt"
)

// Support says how an adapter provides an optional capability.
type Support int

const (
	Unsupported Support = iota
	Native
	Synthesized
)

func (s Support) String() string {
	switch s {
	case Native:
		return "native"
	case Synthesized:
		return "synthesized"
	default:
		return "unsupported"
	}
}

// MarshalText renders the support level by name in JSON.
func (s Support) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a support level name.
func (s *Support) UnmarshalText(text []byte) error {
	switch string(text) {
	case "native":
		*s = Native
	case "synthesized":
		*s = Synthesized
	case "unsupported", "":
		*s = Unsupported
	default:
		return fmt.Errorf("unknown support level %q", text)
	}
	return nil
}

// Available reports whether the capability can be offered at all.
func (s Support) Available() bool { return s != Unsupported }

// Capabilities is the fixed, per-adapter descriptor of optional operations.
type Capabilities struct {
	Rename       Support `json:"rename"`
	CreateFolder Support `json:"create_folder"`
}

// Adapter is the contract every storage backend implements.
// Paths are normalized virtual paths (see package vpath).
type Adapter interface {
	// List returns the direct children of path only, already normalized
	// (see Normalize).
	List(ctx context.Context, path string) ([]Item, error)

	// Upload writes body at path/filename, overwriting any existing object.
	Upload(ctx context.Context, path string, body []byte, filename string) (*Item, error)

	// Delete removes exactly the object at path. It never recurses.
	Delete(ctx context.Context, path string) error

	// PublicURL returns a URL the object at path can be fetched from.
	PublicURL(ctx context.Context, path string) (string, error)

	// Capabilities describes which optional operations are offered.
	Capabilities() Capabilities

	// Type returns the backend type identifier ("s3", "supabase", "local", "sftp", "smb").
	Type() string

	// Close releases any resources held by the adapter.
	Close() error
}

// Renamer is implemented by adapters that offer rename, natively or synthesized.
type Renamer interface {
	Rename(ctx context.Context, oldPath, newPath string) error
}

// FolderCreator is implemented by adapters that offer folder creation.
type FolderCreator interface {
	CreateFolder(ctx context.Context, path, name string) error
}

// RenamerOf returns a's Renamer if its descriptor advertises rename.
func RenamerOf(a Adapter) (Renamer, bool) {
	if !a.Capabilities().Rename.Available() {
		return nil, false
	}
	r, ok := a.(Renamer)
	return r, ok
}

// FolderCreatorOf returns a's FolderCreator if its descriptor advertises folder creation.
func FolderCreatorOf(a Adapter) (FolderCreator, bool) {
	if !a.Capabilities().CreateFolder.Available() {
		return nil, false
	}
	fc, ok := a.(FolderCreator)
	return fc, ok
}

// Offered returns the capabilities that can actually be used on a:
// an advertised capability without an implementation is reported unsupported.
func Offered(a Adapter) Capabilities {
	caps := a.Capabilities()
	if _, ok := RenamerOf(a); !ok {
		caps.Rename = Unsupported
	}
	if _, ok := FolderCreatorOf(a); !ok {
		caps.CreateFolder = Unsupported
	}
	return caps
}
