package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/retry"
)

// ErrLocationNotFound is returned when no storage location has the given ID.
var ErrLocationNotFound = errors.New("storage location not found")

// LocationRow maps to the storage_locations table.
type LocationRow struct {
	ID          int             `json:"id"`
	Name        string          `json:"name"`
	BackendType string          `json:"backend_type"`
	Config      json.RawMessage `json:"config"`
	IsDefault   bool            `json:"is_default"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

var secretKeys = map[string]bool{
	"secret_key":  true,
	"key":         true,
	"password":    true,
	"private_key": true,
}

// Redacted returns a copy of the row with credential fields masked.
func (l LocationRow) Redacted() LocationRow {
	var cfg map[string]any
	if err := json.Unmarshal(l.Config, &cfg); err != nil {
		l.Config = json.RawMessage(`{}`)
		return l
	}
	for k, v := range cfg {
		if s, ok := v.(string); ok && secretKeys[k] && s != "" {
			cfg[k] = "********"
		}
	}
	masked, err := json.Marshal(cfg)
	if err != nil {
		l.Config = json.RawMessage(`{}`)
		return l
	}
	l.Config = masked
	return l
}

const schema = `
CREATE TABLE IF NOT EXISTS storage_locations (
    id           SERIAL PRIMARY KEY,
    name         TEXT NOT NULL UNIQUE,
    backend_type TEXT NOT NULL,
    config       JSONB NOT NULL DEFAULT '{}',
    is_default   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// LocationStore provides CRUD operations for storage_locations.
type LocationStore struct {
	db *sql.DB
}

// OpenDB connects to PostgreSQL, retrying the first ping while the
// database comes up.
func OpenDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.InitialWait = 500 * time.Millisecond
	cfg.Retryable = func(error) bool { return true }

	attempt := 0
	err = retry.Do(ctx, cfg, func() error {
		attempt++
		if err := db.PingContext(ctx); err != nil {
			logging.Warn("database not ready", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewLocationStore creates a new LocationStore.
func NewLocationStore(db *sql.DB) *LocationStore {
	return &LocationStore{db: db}
}

// EnsureSchema creates the storage_locations table if it is missing.
func (s *LocationStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create storage_locations: %w", err)
	}
	return nil
}

// List returns all storage locations, default first.
func (s *LocationStore) List(ctx context.Context) ([]LocationRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, backend_type, config, is_default, created_at, updated_at
		 FROM storage_locations ORDER BY is_default DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list storage locations: %w", err)
	}
	defer rows.Close()

	var locs []LocationRow
	for rows.Next() {
		var loc LocationRow
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.BackendType,
			&loc.Config, &loc.IsDefault, &loc.CreatedAt, &loc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan storage location: %w", err)
		}
		locs = append(locs, loc)
	}
	return locs, rows.Err()
}

// Get returns a storage location by ID, or nil if there is none.
func (s *LocationStore) Get(ctx context.Context, id int) (*LocationRow, error) {
	var loc LocationRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, backend_type, config, is_default, created_at, updated_at
		 FROM storage_locations WHERE id = $1`, id).
		Scan(&loc.ID, &loc.Name, &loc.BackendType,
			&loc.Config, &loc.IsDefault, &loc.CreatedAt, &loc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get storage location: %w", err)
	}
	return &loc, nil
}

// Create inserts a new storage location and returns it with the generated ID.
func (s *LocationStore) Create(ctx context.Context, loc *LocationRow) (*LocationRow, error) {
	if len(loc.Config) == 0 {
		loc.Config = json.RawMessage(`{}`)
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO storage_locations (name, backend_type, config, is_default)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		loc.Name, loc.BackendType, []byte(loc.Config), loc.IsDefault).
		Scan(&loc.ID, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create storage location: %w", err)
	}
	return loc, nil
}

// Delete removes a storage location.
func (s *LocationStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM storage_locations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete storage location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete storage location: %w", err)
	}
	if n == 0 {
		return ErrLocationNotFound
	}
	return nil
}

// SetDefault sets a location as the default (clears previous default).
func (s *LocationStore) SetDefault(ctx context.Context, id int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE storage_locations SET is_default = FALSE WHERE is_default = TRUE`)
	if err != nil {
		return fmt.Errorf("clear default: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE storage_locations SET is_default = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("set default: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLocationNotFound
	}

	return tx.Commit()
}
