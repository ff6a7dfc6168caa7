package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/storage/storagetest"
)

type closeTracker struct {
	*storagetest.Store
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

type countingFactory struct {
	built []*closeTracker
}

func (f *countingFactory) build(_ context.Context, backendType string, _ json.RawMessage) (storage.Adapter, error) {
	if backendType != "memory" {
		return nil, errors.New("unknown backend type: " + backendType)
	}
	a := &closeTracker{Store: storagetest.New()}
	f.built = append(f.built, a)
	return a, nil
}

type mutableSource struct{ rows []storage.LocationRow }

func (s *mutableSource) List(context.Context) ([]storage.LocationRow, error) { return s.rows, nil }

func TestRegistryLoadsAndResolves(t *testing.T) {
	ctx := context.Background()
	f := &countingFactory{}
	src := storage.StaticSource{
		{ID: 1, Name: "a", BackendType: "memory", Config: json.RawMessage(`{}`)},
		{ID: 2, Name: "b", BackendType: "memory", Config: json.RawMessage(`{}`), IsDefault: true},
		{ID: 3, Name: "broken", BackendType: "nope", Config: json.RawMessage(`{}`)},
	}

	r, err := storage.NewRegistry(ctx, src, f.build)
	require.NoError(t, err)

	assert.Len(t, r.List(), 2, "broken location should be skipped")
	assert.Equal(t, 2, r.Default().ID)

	loc, err := r.Resolve(0)
	require.NoError(t, err)
	assert.Equal(t, "b", loc.Name)

	loc, err = r.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, "a", loc.Name)

	_, err = r.Resolve(3)
	assert.ErrorIs(t, err, storage.ErrLocationNotFound)
}

func TestRegistryDefaultFallsBackToFirst(t *testing.T) {
	f := &countingFactory{}
	src := storage.StaticSource{
		{ID: 7, Name: "only", BackendType: "memory", Config: json.RawMessage(`{}`)},
	}
	r, err := storage.NewRegistry(context.Background(), src, f.build)
	require.NoError(t, err)
	assert.Equal(t, 7, r.Default().ID)
}

func TestRegistryEmpty(t *testing.T) {
	r, err := storage.NewRegistry(context.Background(), storage.StaticSource{}, (&countingFactory{}).build)
	require.NoError(t, err)
	assert.Nil(t, r.Default())
	_, err = r.Resolve(0)
	assert.ErrorIs(t, err, storage.ErrLocationNotFound)
}

func TestRegistryReloadReusesUnchanged(t *testing.T) {
	ctx := context.Background()
	f := &countingFactory{}
	src := &mutableSource{rows: []storage.LocationRow{
		{ID: 1, Name: "keep", BackendType: "memory", Config: json.RawMessage(`{"v":1}`)},
		{ID: 2, Name: "change", BackendType: "memory", Config: json.RawMessage(`{"v":1}`)},
		{ID: 3, Name: "drop", BackendType: "memory", Config: json.RawMessage(`{"v":1}`)},
	}}

	r, err := storage.NewRegistry(ctx, src, f.build)
	require.NoError(t, err)
	require.Len(t, f.built, 3)
	keep, change, drop := f.built[0], f.built[1], f.built[2]

	src.rows = []storage.LocationRow{
		{ID: 1, Name: "keep", BackendType: "memory", Config: json.RawMessage(`{"v":1}`)},
		{ID: 2, Name: "change", BackendType: "memory", Config: json.RawMessage(`{"v":2}`)},
	}
	require.NoError(t, r.Reload(ctx))

	assert.Len(t, f.built, 4, "only the changed location is rebuilt")
	assert.Same(t, keep, r.Get(1).Adapter)
	assert.NotSame(t, change, r.Get(2).Adapter)
	assert.Nil(t, r.Get(3))

	assert.False(t, keep.closed)
	assert.True(t, change.closed)
	assert.True(t, drop.closed)
}
