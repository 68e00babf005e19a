package history

import (
	"context"
	"sync"
	"time"

	"github.com/manash/imgstudio/pkg/models"
)

// MemoryStore keeps the encoded blob in memory. It goes through the same
// encode/Migrate path as the durable stores.
type MemoryStore struct {
	mu   sync.Mutex
	blob []byte
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// SetRaw replaces the stored blob, e.g. with a legacy-format fixture.
func (s *MemoryStore) SetRaw(blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blob = append([]byte(nil), blob...)
}

func (s *MemoryStore) Raw() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.blob...)
}

func (s *MemoryStore) Load(_ context.Context) ([]models.GeneratedImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	images, _, err := Migrate(s.blob, s.now())
	return images, err
}

func (s *MemoryStore) Save(_ context.Context, images []models.GeneratedImage) error {
	blob, err := encode(images)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blob = blob
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.blob = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
