package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/manash/imgstudio/pkg/models"
)

// Persister is the single place where persistence failures are absorbed.
// History writes are best effort: errors are logged and never reach the
// caller. Nothing is written until MarkLoaded, so a fast first mutation
// cannot overwrite history that has not been merged yet.
type Persister struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	loaded  bool
	lastSeq uint64
}

func NewPersister(store Store, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{store: store, logger: logger}
}

// Load reads the stored history. Any failure yields an empty list. It does
// not open the write gate; see MarkLoaded.
func (p *Persister) Load(ctx context.Context) []models.GeneratedImage {
	images, err := p.store.Load(ctx)
	if err != nil {
		p.logger.Warn("history load failed", "error", err)
		return []models.GeneratedImage{}
	}
	p.logger.Debug("history loaded", "entries", len(images))
	return images
}

// MarkLoaded opens the write gate once the loaded entries are in memory.
// Writes for mutations numbered seq or lower were snapshotted before the
// merge and are dropped.
func (p *Persister) MarkLoaded(seq uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = true
	if seq > p.lastSeq {
		p.lastSeq = seq
	}
}

func (p *Persister) Loaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

// Persist writes images as the state produced by mutation seq. Writes issued
// before MarkLoaded, and writes older than one already issued, are
// skipped. It reports whether a write was attempted.
func (p *Persister) Persist(ctx context.Context, seq uint64, images []models.GeneratedImage) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded {
		p.logger.Debug("history write skipped before load", "seq", seq)
		return false
	}
	if seq <= p.lastSeq {
		p.logger.Debug("stale history write skipped", "seq", seq, "last", p.lastSeq)
		return false
	}
	p.lastSeq = seq

	if err := p.store.Save(ctx, images); err != nil {
		p.logger.Warn("history save failed", "error", err, "entries", len(images))
	}
	return true
}

// Clear removes the stored history as mutation seq.
func (p *Persister) Clear(ctx context.Context, seq uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.loaded || seq <= p.lastSeq {
		return false
	}
	p.lastSeq = seq

	if err := p.store.Clear(ctx); err != nil {
		p.logger.Warn("history clear failed", "error", err)
	}
	return true
}

func (p *Persister) Close() error {
	return p.store.Close()
}
