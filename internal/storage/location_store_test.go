package storage_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/storage-browser/internal/storage"
)

var locationColumns = []string{"id", "name", "backend_type", "config", "is_default", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*storage.LocationStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewLocationStore(db), mock
}

func TestLocationStoreEnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS storage_locations")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocationStoreList(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM storage_locations ORDER BY is_default DESC, name")).
		WillReturnRows(sqlmock.NewRows(locationColumns).
			AddRow(2, "media", "supabase", []byte(`{"bucket":"media"}`), true, now, now).
			AddRow(1, "archive", "s3", []byte(`{"bucket":"archive"}`), false, now, now))

	rows, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "media", rows[0].Name)
	assert.True(t, rows[0].IsDefault)
	assert.JSONEq(t, `{"bucket":"archive"}`, string(rows[1].Config))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocationStoreGetMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WithArgs(9).
		WillReturnRows(sqlmock.NewRows(locationColumns))

	loc, err := store.Get(context.Background(), 9)
	require.NoError(t, err)
	assert.Nil(t, loc)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocationStoreCreate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO storage_locations")).
		WithArgs("files", "local", []byte(`{"root_path":"/srv"}`), false).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(5, now, now))

	loc, err := store.Create(context.Background(), &storage.LocationRow{
		Name:        "files",
		BackendType: "local",
		Config:      json.RawMessage(`{"root_path":"/srv"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, 5, loc.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocationStoreDelete(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM storage_locations WHERE id = $1")).
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM storage_locations WHERE id = $1")).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(context.Background(), 1))
	assert.ErrorIs(t, store.Delete(context.Background(), 2), storage.ErrLocationNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocationStoreSetDefault(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET is_default = FALSE")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET is_default = TRUE")).
		WithArgs(3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.SetDefault(context.Background(), 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocationRowRedacted(t *testing.T) {
	row := storage.LocationRow{
		Name:   "s3",
		Config: json.RawMessage(`{"bucket":"b","access_key":"AK","secret_key":"SK","password":""}`),
	}
	red := row.Redacted()
	assert.JSONEq(t, `{"bucket":"b","access_key":"AK","secret_key":"********","password":""}`, string(red.Config))
	assert.Contains(t, string(row.Config), "SK", "original must be untouched")
}
