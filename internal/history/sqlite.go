package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/manash/imgstudio/pkg/models"
)

const historyKey = "history"

// schemaSteps upgrade the database one user_version at a time. Each step
// must keep previously written rows readable.
var schemaSteps = []string{
	`CREATE TABLE IF NOT EXISTS store (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
	`ALTER TABLE store ADD COLUMN updated_at DATETIME`,
}

// SchemaVersion is the user_version the database is upgraded to on open.
var SchemaVersion = len(schemaSteps)

type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLiteStore() (*SQLiteStore, error) {
	dbPath, err := DefaultDBPath()
	if err != nil {
		return nil, err
	}
	return NewSQLiteStoreWithPath(dbPath)
}

func NewSQLiteStoreWithPath(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := upgrade(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func DefaultDBPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".imgstudio", "studio.db"), nil
}

func upgrade(ctx context.Context, db *sqlx.DB) error {
	var version int
	if err := db.GetContext(ctx, &version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for v := version; v < len(schemaSteps); v++ {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin schema upgrade: %w", err)
		}
		if _, err := tx.ExecContext(ctx, schemaSteps[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upgrade schema to version %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit schema version %d: %w", v+1, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Version(ctx context.Context) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version, "PRAGMA user_version")
	return version, err
}

func (s *SQLiteStore) Load(ctx context.Context) ([]models.GeneratedImage, error) {
	var blob string
	err := s.db.GetContext(ctx, &blob, `SELECT value FROM store WHERE key = ?`, historyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.GeneratedImage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	images, _, err := Migrate([]byte(blob), s.now())
	return images, err
}

func (s *SQLiteStore) Save(ctx context.Context, images []models.GeneratedImage) error {
	blob, err := encode(images)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO store (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		historyKey, string(blob), s.now())
	if err != nil {
		return fmt.Errorf("failed to write history: %w", err)
	}
	return nil
}

// SaveRaw stores blob verbatim. It exists for importing blobs written by
// older releases.
func (s *SQLiteStore) SaveRaw(ctx context.Context, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO store (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		historyKey, string(blob), s.now())
	return err
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM store WHERE key = ?`, historyKey); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
