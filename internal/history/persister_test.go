package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/manash/imgstudio/pkg/models"
)

type fakeStore struct {
	mu       sync.Mutex
	loadErr  error
	saveErr  error
	clearErr error
	stored   []models.GeneratedImage
	saves    int
	clears   int
}

func (f *fakeStore) Load(_ context.Context) ([]models.GeneratedImage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.stored, nil
}

func (f *fakeStore) Save(_ context.Context, images []models.GeneratedImage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.stored = images
	return nil
}

func (f *fakeStore) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	if f.clearErr != nil {
		return f.clearErr
	}
	f.stored = nil
	return nil
}

func (f *fakeStore) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPersister_LoadFailsSoft(t *testing.T) {
	store := &fakeStore{loadErr: errors.New("disk on fire")}
	p := NewPersister(store, quietLogger())

	images := p.Load(context.Background())
	if images == nil || len(images) != 0 {
		t.Errorf("Load() = %v, want empty list", images)
	}
	if p.Loaded() {
		t.Error("Loaded() = true before MarkLoaded")
	}
	p.MarkLoaded(0)
	if !p.Loaded() {
		t.Error("Loaded() = false after MarkLoaded")
	}
}

func TestPersister_NoWriteBeforeLoad(t *testing.T) {
	store := &fakeStore{stored: []models.GeneratedImage{image(1)}}
	p := NewPersister(store, quietLogger())
	ctx := context.Background()

	if p.Persist(ctx, 1, nil) {
		t.Error("Persist() before Load wrote")
	}
	if p.Clear(ctx, 2) {
		t.Error("Clear() before Load wrote")
	}
	if store.saves != 0 || store.clears != 0 {
		t.Errorf("store touched before load: saves=%d clears=%d", store.saves, store.clears)
	}

	loaded := p.Load(ctx)
	if len(loaded) != 1 {
		t.Errorf("Load() len = %d, want 1", len(loaded))
	}
	if p.Persist(ctx, 3, nil) {
		t.Error("Persist() between Load and MarkLoaded wrote")
	}
	p.MarkLoaded(0)
	if !p.Persist(ctx, 3, []models.GeneratedImage{image(2), image(1)}) {
		t.Error("Persist() after Load did not write")
	}
	if len(store.stored) != 2 {
		t.Errorf("stored len = %d, want 2", len(store.stored))
	}
}

func TestPersister_DropsStaleWrites(t *testing.T) {
	store := &fakeStore{}
	p := NewPersister(store, quietLogger())
	ctx := context.Background()
	p.Load(ctx)
	p.MarkLoaded(0)

	p.Persist(ctx, 2, []models.GeneratedImage{image(2), image(1)})
	if p.Persist(ctx, 1, []models.GeneratedImage{image(1)}) {
		t.Error("stale Persist() wrote")
	}
	if len(store.stored) != 2 {
		t.Errorf("stored len = %d, want 2", len(store.stored))
	}
	if p.Persist(ctx, 2, nil) {
		t.Error("duplicate seq Persist() wrote")
	}
}

func TestPersister_SaveErrorsAreSwallowed(t *testing.T) {
	store := &fakeStore{saveErr: errors.New("quota exceeded"), clearErr: errors.New("locked")}
	p := NewPersister(store, quietLogger())
	ctx := context.Background()
	p.Load(ctx)
	p.MarkLoaded(0)

	if !p.Persist(ctx, 1, []models.GeneratedImage{image(1)}) {
		t.Error("Persist() reported no attempt")
	}
	if !p.Clear(ctx, 2) {
		t.Error("Clear() reported no attempt")
	}
	if store.saves != 1 || store.clears != 1 {
		t.Errorf("saves=%d clears=%d, want 1 and 1", store.saves, store.clears)
	}
}

func TestPersister_MarkLoadedDropsPreMergeWrites(t *testing.T) {
	store := &fakeStore{stored: []models.GeneratedImage{image(1)}}
	p := NewPersister(store, quietLogger())
	ctx := context.Background()

	p.Load(ctx)
	p.MarkLoaded(4)

	if p.Persist(ctx, 4, []models.GeneratedImage{image(9)}) {
		t.Error("Persist() of a pre-merge snapshot wrote")
	}
	if p.Clear(ctx, 3) {
		t.Error("Clear() of a pre-merge mutation wrote")
	}
	if store.saves != 0 || store.clears != 0 {
		t.Errorf("saves=%d clears=%d, want 0 and 0", store.saves, store.clears)
	}
	if !p.Persist(ctx, 5, []models.GeneratedImage{image(9), image(1)}) {
		t.Error("Persist() after the merge did not write")
	}
}

func TestPersister_WithMemoryStoreMigrates(t *testing.T) {
	store := NewMemoryStore()
	store.SetRaw([]byte(`["data:image/png;base64,AA=="]`))
	p := NewPersister(store, quietLogger())

	images := p.Load(context.Background())
	if len(images) != 1 || images[0].Prompt != LegacyPrompt {
		t.Errorf("Load() = %+v", images)
	}
}
