// Package browser holds the storage view controller: the per-session state
// machine over one adapter that a presentation layer drives.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/events"
	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/metrics"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/vpath"
)

// Status is the listing status of a controller.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusError   Status = "error"
	StatusReady   Status = "ready"
)

var (
	// ErrSuperseded is returned by a navigation whose result was discarded
	// because a later navigation was issued before it completed.
	ErrSuperseded = errors.New("navigation superseded")

	// ErrNotFolder is returned by OpenFolder for a file item.
	ErrNotFolder = errors.New("item is not a folder")
)

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Path   string         `json:"path"`
	Status Status         `json:"status"`
	Items  []storage.Item `json:"items"`
	Err    error          `json:"-"`
	Seq    uint64         `json:"seq"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithPublisher sends every state transition and mutation outcome to p.
func WithPublisher(p events.Publisher) Option {
	return func(c *Controller) { c.pub = p }
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

// Controller tracks the current path and its listing for one adapter.
// Listings are never edited locally: every successful mutation re-lists
// the current path. Methods are safe for concurrent use; mutations are not
// serialized against each other.
type Controller struct {
	adapter storage.Adapter
	pub     events.Publisher

	mu     sync.Mutex
	path   string
	status Status
	items  []storage.Item
	err    error
	seq    uint64 // latest navigation issued
}

// New creates an idle controller at the root.
func New(adapter storage.Adapter, opts ...Option) *Controller {
	c := &Controller{
		adapter: adapter,
		pub:     nopPublisher{},
		status:  StatusIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	var items []storage.Item
	if c.items != nil {
		items = append(make([]storage.Item, 0, len(c.items)), c.items...)
	}
	return Snapshot{Path: c.path, Status: c.status, Items: items, Err: c.err, Seq: c.seq}
}

// Path returns the current path.
func (c *Controller) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Capabilities reports the optional operations this controller offers.
func (c *Controller) Capabilities() storage.Capabilities {
	return storage.Offered(c.adapter)
}

// Breadcrumbs returns the crumbs of the current path.
func (c *Controller) Breadcrumbs() []vpath.Crumb {
	return vpath.Breadcrumbs(c.Path())
}

// Adapter returns the adapter the controller drives.
func (c *Controller) Adapter() storage.Adapter { return c.adapter }

// Navigate moves to p and lists it. Moving to a different path drops the
// old listing immediately; re-listing the same path keeps it visible until
// the new one arrives. If another Navigate starts before this one's listing
// returns, the result is discarded and ErrSuperseded is returned.
func (c *Controller) Navigate(ctx context.Context, p string) error {
	p = vpath.Normalize(p)

	c.mu.Lock()
	c.seq++
	seq := c.seq
	if p != c.path {
		c.items = nil
	}
	c.path = p
	c.status = StatusLoading
	c.err = nil
	c.mu.Unlock()

	c.pub.Publish(events.Event{Type: events.EventNavigate, Path: p, Status: string(StatusLoading), Seq: seq})

	items, err := c.adapter.List(ctx, p)

	c.mu.Lock()
	if seq != c.seq || p != c.path {
		c.mu.Unlock()
		metrics.RecordStaleResponse()
		logging.Debug("discarded stale listing", zap.String("path", p), zap.Uint64("seq", seq))
		return ErrSuperseded
	}
	if err != nil {
		c.status = StatusError
		c.err = err
		c.items = nil
	} else {
		if items == nil {
			items = []storage.Item{}
		}
		c.status = StatusReady
		c.items = items
	}
	c.mu.Unlock()

	if err != nil {
		logging.Warn("listing failed",
			zap.String("backend", c.adapter.Type()),
			zap.String("path", p),
			zap.String("kind", storage.KindName(err)),
			zap.Error(err))
		c.pub.Publish(events.Event{Type: events.EventError, Path: p, Status: string(StatusError),
			Error: err.Error(), Seq: seq})
		return err
	}

	logging.Debug("listing ready", zap.String("path", p), zap.Int("items", len(items)))
	c.pub.Publish(events.Event{Type: events.EventListing, Path: p, Status: string(StatusReady),
		Items: len(items), Seq: seq})
	return nil
}

// OpenFolder navigates into a folder item of the current listing.
func (c *Controller) OpenFolder(ctx context.Context, item storage.Item) error {
	if !item.IsFolder() {
		return fmt.Errorf("open %q: %w", item.Name, ErrNotFolder)
	}
	p, err := vpath.Join(c.Path(), item.Name)
	if err != nil {
		return err
	}
	return c.Navigate(ctx, p)
}

// Refresh re-lists the current path.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.Navigate(ctx, c.Path())
}

// refreshAfter re-lists after a mutation. A failed or superseded refresh
// does not fail the mutation; the snapshot carries the listing error.
func (c *Controller) refreshAfter(ctx context.Context, op string) {
	if err := c.Refresh(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		logging.Warn("refresh after mutation failed", zap.String("op", op), zap.Error(err))
	}
}

func (c *Controller) mutationFailed(op, p, name string, err error) {
	logging.Warn("mutation failed",
		zap.String("op", op),
		zap.String("backend", c.adapter.Type()),
		zap.String("path", p),
		zap.String("name", name),
		zap.String("kind", storage.KindName(err)),
		zap.Error(err))
	c.pub.Publish(events.Event{Type: events.EventError, Path: p, Name: name, Error: err.Error()})
}

// Upload writes a file into the current path, overwriting any file of the
// same name, then refreshes.
func (c *Controller) Upload(ctx context.Context, name string, body []byte) (*storage.Item, error) {
	dir := c.Path()
	if err := storage.ValidName(name); err != nil {
		return nil, err
	}

	item, err := c.adapter.Upload(ctx, dir, body, name)
	if err != nil {
		c.mutationFailed("upload", dir, name, err)
		return nil, err
	}

	logging.Info("uploaded file",
		zap.String("backend", c.adapter.Type()),
		zap.String("path", dir),
		zap.String("name", name),
		zap.Int("size", len(body)))
	c.pub.Publish(events.Event{Type: events.EventUpload, Path: dir, Name: name})
	c.refreshAfter(ctx, "upload")
	return item, nil
}

// Delete removes a file of the current listing, then refreshes. Folders
// cannot be deleted.
func (c *Controller) Delete(ctx context.Context, item storage.Item) error {
	dir := c.Path()
	target, err := vpath.Join(dir, item.Name)
	if err != nil {
		return err
	}
	if item.IsFolder() {
		err := storage.NewOpError(c.adapter.Type(), "delete", target, storage.ErrUnsupportedOperation,
			errors.New("folder delete is not supported"))
		c.mutationFailed("delete", dir, item.Name, err)
		return err
	}

	if err := c.adapter.Delete(ctx, target); err != nil {
		c.mutationFailed("delete", dir, item.Name, err)
		return err
	}

	logging.Info("deleted file", zap.String("backend", c.adapter.Type()), zap.String("path", target))
	c.pub.Publish(events.Event{Type: events.EventDelete, Path: dir, Name: item.Name})
	c.refreshAfter(ctx, "delete")
	return nil
}

// Rename renames an item of the current listing within the same folder.
// Once started it runs to completion even if ctx is cancelled, since
// stopping between steps of a synthesized rename leaves duplicate or
// orphaned objects. A partial rename still refreshes so the duplicate
// shows up.
func (c *Controller) Rename(ctx context.Context, item storage.Item, newName string) error {
	dir := c.Path()
	r, ok := storage.RenamerOf(c.adapter)
	if !ok {
		return storage.NewOpError(c.adapter.Type(), "rename", item.Name, storage.ErrUnsupportedOperation,
			errors.New("backend does not offer rename"))
	}
	if item.IsFolder() && c.adapter.Capabilities().Rename != storage.Native {
		return storage.NewOpError(c.adapter.Type(), "rename", item.Name, storage.ErrUnsupportedOperation,
			errors.New("folders can only be renamed natively"))
	}
	if err := storage.ValidName(newName); err != nil {
		return err
	}
	oldPath, err := vpath.Join(dir, item.Name)
	if err != nil {
		return err
	}
	newPath, err := vpath.Join(dir, newName)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if newName != item.Name {
		if err := c.checkFree(ctx, dir, newName, newPath); err != nil {
			c.mutationFailed("rename", dir, item.Name, err)
			return err
		}
	}

	ctx = context.WithoutCancel(ctx)
	if err := r.Rename(ctx, oldPath, newPath); err != nil {
		var partial *storage.PartialRenameError
		if errors.As(err, &partial) {
			metrics.RecordPartialRename(c.adapter.Type())
			logging.Error("partial rename: both objects exist",
				zap.String("backend", c.adapter.Type()),
				zap.String("old_path", partial.OldPath),
				zap.String("new_path", partial.NewPath),
				zap.Error(partial.Err))
			c.pub.Publish(events.Event{Type: events.EventPartialRename, Path: dir, Name: item.Name,
				NewName: newName, Error: err.Error()})
			c.refreshAfter(ctx, "rename")
			return err
		}
		c.mutationFailed("rename", dir, item.Name, err)
		return err
	}

	logging.Info("renamed item",
		zap.String("backend", c.adapter.Type()),
		zap.String("from", oldPath),
		zap.String("to", newPath))
	c.pub.Publish(events.Event{Type: events.EventRename, Path: dir, Name: item.Name, NewName: newName})
	c.refreshAfter(ctx, "rename")
	return nil
}

// checkFree fails with ErrAlreadyExists if dir already holds an entry called
// name. Rename never overwrites.
func (c *Controller) checkFree(ctx context.Context, dir, name, target string) error {
	items, err := c.adapter.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Name == name {
			return storage.NewOpError(c.adapter.Type(), "rename", target, storage.ErrAlreadyExists,
				fmt.Errorf("%s %q exists", it.Kind, name))
		}
	}
	return nil
}

// CreateFolder creates a folder in the current path, then refreshes.
func (c *Controller) CreateFolder(ctx context.Context, name string) error {
	dir := c.Path()
	fc, ok := storage.FolderCreatorOf(c.adapter)
	if !ok {
		return storage.NewOpError(c.adapter.Type(), "create_folder", dir, storage.ErrUnsupportedOperation,
			errors.New("backend does not offer folder creation"))
	}
	if err := storage.ValidName(name); err != nil {
		return err
	}

	if err := fc.CreateFolder(ctx, dir, name); err != nil {
		c.mutationFailed("create_folder", dir, name, err)
		return err
	}

	logging.Info("created folder", zap.String("backend", c.adapter.Type()), zap.String("path", dir), zap.String("name", name))
	c.pub.Publish(events.Event{Type: events.EventCreateFolder, Path: dir, Name: name})
	c.refreshAfter(ctx, "create_folder")
	return nil
}
