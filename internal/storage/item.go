package storage

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fruitsalade/storage-browser/internal/vpath"
)

// PlaceholderName is the zero-byte marker object that keeps an otherwise
// empty folder visible on backends without real directories. It is never
// returned in a listing.
const PlaceholderName = ".emptyFolderPlaceholder"

// ValidName is vpath.ValidName plus the reserved placeholder name, which a
// user must not create: Normalize would hide the result.
func ValidName(name string) error {
	if err := vpath.ValidName(name); err != nil {
		return err
	}
	if name == PlaceholderName {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidSegment, name)
	}
	return nil
}

// Kind distinguishes files from folders in a listing.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Item is one entry of a listing, independent of the backend it came from.
// Folders have no natural identifier in a flat namespace, so their ID is
// their full virtual path.
type Item struct {
	Name        string     `json:"name"`
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	PublicURL   string     `json:"public_url,omitempty"`
	SizeBytes   *int64     `json:"size_bytes,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
}

// IsFolder reports whether the item is a folder.
func (it Item) IsFolder() bool { return it.Kind == KindFolder }

// FolderItem builds the synthesized entry for a folder at fullPath.
func FolderItem(name, fullPath string) Item {
	return Item{Name: name, ID: fullPath, Kind: KindFolder}
}

// Normalize turns raw backend entries into a listing: placeholder markers
// are dropped, a folder shadows a file of the same name, and the result is
// ordered folders first, then files, each by name.
func Normalize(items []Item) []Item {
	out := make([]Item, 0, len(items))
	seen := make(map[string]int, len(items))
	for _, it := range items {
		if it.Name == PlaceholderName || it.Name == "" {
			continue
		}
		if it.Kind == KindFolder {
			// Folders never carry file-only metadata.
			it.PublicURL = ""
			it.SizeBytes = nil
			it.ContentType = ""
		}
		if idx, dup := seen[it.Name]; dup {
			if it.Kind == KindFolder && out[idx].Kind == KindFile {
				out[idx] = it
			}
			continue
		}
		seen[it.Name] = len(out)
		out = append(out, it)
	}
	SortItems(out)
	return out
}

// SortItems orders items folders first, then files, each byte-wise by name.
func SortItems(items []Item) {
	slices.SortFunc(items, func(a, b Item) int {
		if a.Kind != b.Kind {
			if a.Kind == KindFolder {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
}

// Int64 returns a pointer to v, for optional size fields.
func Int64(v int64) *int64 { return &v }

// Time returns a pointer to t, or nil for the zero time.
func Time(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
