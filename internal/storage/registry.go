package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/logging"
)

// Location pairs a LocationRow with its instantiated Adapter.
type Location struct {
	LocationRow
	Adapter Adapter
}

// LocationSource supplies the configured locations. *LocationStore is the
// database-backed source; StaticSource serves a fixed list.
type LocationSource interface {
	List(ctx context.Context) ([]LocationRow, error)
}

// StaticSource is a LocationSource over a fixed set of rows.
type StaticSource []LocationRow

// List returns the rows.
func (s StaticSource) List(context.Context) ([]LocationRow, error) {
	return slices.Clone(s), nil
}

// AdapterFactory builds an adapter from a backend type and its JSON config.
type AdapterFactory func(ctx context.Context, backendType string, config json.RawMessage) (Adapter, error)

// Registry holds one adapter per configured location.
type Registry struct {
	reloadMu   sync.Mutex
	mu         sync.RWMutex
	locations  map[int]*Location
	defaultLoc *Location
	source     LocationSource
	factory    AdapterFactory
}

// NewRegistry creates a Registry and loads all configured locations.
func NewRegistry(ctx context.Context, source LocationSource, factory AdapterFactory) (*Registry, error) {
	r := &Registry{
		locations: make(map[int]*Location),
		source:    source,
		factory:   factory,
	}

	if err := r.Reload(ctx); err != nil {
		return nil, fmt.Errorf("initial load: %w", err)
	}

	return r, nil
}

// Reload re-reads all locations and re-instantiates adapters whose config
// changed. Adapters of removed or replaced locations are closed.
func (r *Registry) Reload(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	rows, err := r.source.List(ctx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	old := r.locations
	r.mu.RUnlock()

	newLocations := make(map[int]*Location, len(rows))
	var newDefault, first *Location

	for _, row := range rows {
		existing := old[row.ID]

		var adapter Adapter
		if existing != nil && string(existing.Config) == string(row.Config) && existing.BackendType == row.BackendType {
			adapter = existing.Adapter
		} else {
			adapter, err = r.factory(ctx, row.BackendType, row.Config)
			if err != nil {
				logging.Error("failed to initialize storage backend",
					zap.Int("location_id", row.ID),
					zap.String("name", row.Name),
					zap.Error(err))
				continue
			}
		}

		loc := &Location{LocationRow: row, Adapter: adapter}
		newLocations[row.ID] = loc
		if first == nil {
			first = loc
		}
		if row.IsDefault && newDefault == nil {
			newDefault = loc
		}
	}
	if newDefault == nil {
		newDefault = first
	}

	var stale []Adapter
	for id, loc := range old {
		if cur, ok := newLocations[id]; !ok || cur.Adapter != loc.Adapter {
			stale = append(stale, loc.Adapter)
		}
	}

	r.mu.Lock()
	r.locations = newLocations
	r.defaultLoc = newDefault
	r.mu.Unlock()

	for _, a := range stale {
		if err := a.Close(); err != nil {
			logging.Warn("close storage backend", zap.String("type", a.Type()), zap.Error(err))
		}
	}

	logging.Info("storage registry reloaded",
		zap.Int("locations", len(newLocations)),
		zap.Bool("has_default", newDefault != nil))

	return nil
}

// Get returns a location by ID, or nil.
func (r *Registry) Get(id int) *Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locations[id]
}

// Default returns the location flagged as default, else the first one
// loaded, or nil when none is configured.
func (r *Registry) Default() *Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultLoc
}

// Resolve returns the location with the given ID; ID 0 selects the default.
func (r *Registry) Resolve(id int) (*Location, error) {
	if id == 0 {
		if loc := r.Default(); loc != nil {
			return loc, nil
		}
		return nil, fmt.Errorf("no default storage location: %w", ErrLocationNotFound)
	}
	if loc := r.Get(id); loc != nil {
		return loc, nil
	}
	return nil, fmt.Errorf("location %d: %w", id, ErrLocationNotFound)
}

// List returns all loaded locations ordered by ID.
func (r *Registry) List() []*Location {
	r.mu.RLock()
	defer r.mu.RUnlock()

	locs := make([]*Location, 0, len(r.locations))
	for _, loc := range r.locations {
		locs = append(locs, loc)
	}
	slices.SortFunc(locs, func(a, b *Location) int { return a.ID - b.ID })
	return locs
}

// Close closes all adapters.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, loc := range r.locations {
		if loc.Adapter != nil {
			loc.Adapter.Close()
		}
	}
	return nil
}
