// Package history persists the bounded list of generated images between
// studio sessions.
//
// The whole list is stored as one JSON blob under a fixed key. Blobs written
// by older releases (a flat array of data URLs) are upgraded on load, see
// Migrate.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/manash/imgstudio/pkg/models"
)

var (
	ErrCorrupt     = errors.New("stored history is not readable")
	ErrNewerSchema = errors.New("stored history was written by a newer release")
)

// Store is the raw persistence backend. Implementations return errors; the
// Persister is where those errors stop.
type Store interface {
	Load(ctx context.Context) ([]models.GeneratedImage, error)
	Save(ctx context.Context, images []models.GeneratedImage) error
	Clear(ctx context.Context) error
	Close() error
}

type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendRedis  Backend = "redis"
	BackendMemory Backend = "memory"
)

func encode(images []models.GeneratedImage) ([]byte, error) {
	if images == nil {
		images = []models.GeneratedImage{}
	}
	data, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("failed to encode history: %w", err)
	}
	return data, nil
}
