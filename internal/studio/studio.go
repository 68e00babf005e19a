// Package studio holds the interactive state of an image studio: the
// generation form, the current result, the bounded history, the full-screen
// preview and the edit session. Front ends drive it and render Snapshot.
package studio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/manash/imgstudio/internal/history"
	"github.com/manash/imgstudio/internal/image"
	"github.com/manash/imgstudio/internal/provider"
	"github.com/manash/imgstudio/pkg/models"
)

const (
	MaxStaged            = provider.MaxReferenceImages
	DefaultSlowThreshold = 30 * time.Second

	msgGenerateFailed = "Failed to generate image"
	msgEditFailed     = "Failed to edit image"
	msgStillWorking   = "Still working, high resolution images can take a while..."
)

var (
	ErrBusy          = errors.New("a generation is already in progress")
	ErrTooManyStaged = fmt.Errorf("at most %d reference images can be attached", MaxStaged)
	ErrNotInHistory  = errors.New("image is not in history")
)

type Config struct {
	Provider   provider.Provider
	Persister  *history.Persister
	Compressor *image.Compressor
	Saver      *image.Saver
	Notifier   Notifier
	Confirmer  Confirmer
	Logger     *slog.Logger

	Now           func() time.Time
	NewID         func() string
	SlowThreshold time.Duration
}

type GenerateInput struct {
	Prompt      string
	Images      []string
	Resolution  models.Resolution
	AspectRatio models.AspectRatio
}

// Form is the transient input state of the main generation flow.
type Form struct {
	Prompt      string                `json:"prompt"`
	Resolution  models.Resolution     `json:"resolution"`
	AspectRatio models.AspectRatio    `json:"aspect_ratio"`
	Staged      []image.EncodedUpload `json:"staged"`
}

func defaultForm() Form {
	return Form{
		Resolution:  models.DefaultResolution,
		AspectRatio: models.DefaultAspectRatio,
	}
}

type Snapshot struct {
	Form    Form                    `json:"form"`
	Result  *models.GeneratedImage  `json:"result,omitempty"`
	Loading bool                    `json:"loading"`
	Error   string                  `json:"error,omitempty"`
	History []models.GeneratedImage `json:"history"`
	Preview *models.GeneratedImage  `json:"preview,omitempty"`
	Edit    EditSnapshot            `json:"edit"`
}

type Studio struct {
	provider   provider.Provider
	persister  *history.Persister
	compressor *image.Compressor
	saver      *image.Saver
	notifier   Notifier
	confirmer  Confirmer
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
	slow       time.Duration

	generating *semaphore.Weighted

	mu      sync.Mutex
	form    Form
	result  *models.GeneratedImage
	loading bool
	err     string
	history []models.GeneratedImage
	seq     uint64
	loaded  bool
	// cleared records a confirmed clear made before Load; stored entries
	// are then discarded instead of merged.
	cleared bool
	preview *models.GeneratedImage
	edit    editSession
}

func New(cfg Config) *Studio {
	s := &Studio{
		provider:   cfg.Provider,
		persister:  cfg.Persister,
		compressor: cfg.Compressor,
		saver:      cfg.Saver,
		notifier:   cfg.Notifier,
		confirmer:  cfg.Confirmer,
		logger:     cfg.Logger,
		now:        cfg.Now,
		newID:      cfg.NewID,
		slow:       cfg.SlowThreshold,
		generating: semaphore.NewWeighted(1),
		form:       defaultForm(),
		history:    []models.GeneratedImage{},
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.persister == nil {
		s.persister = history.NewPersister(history.NewMemoryStore(), s.logger)
	}
	if s.compressor == nil {
		s.compressor = image.NewCompressor()
	}
	if s.saver == nil {
		s.saver = image.NewSaver(".")
	}
	if s.notifier == nil {
		s.notifier = discardNotifier{}
	}
	if s.confirmer == nil {
		s.confirmer = AlwaysConfirm
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.slow <= 0 {
		s.slow = DefaultSlowThreshold
	}
	return s
}

func (s *Studio) notify(kind Kind, msg string) {
	s.notifier.Notify(Notification{Kind: kind, Message: msg, Time: s.now()})
}

// Load reads persisted history. Entries produced before the load finished
// are kept ahead of the stored ones and written back. A clear confirmed
// before the load discards the stored entries.
func (s *Studio) Load(ctx context.Context) {
	loaded := s.persister.Load(ctx)

	s.mu.Lock()
	cleared := s.cleared
	if cleared {
		loaded = nil
	}
	pending := s.history
	merged := make([]models.GeneratedImage, 0, len(pending)+len(loaded))
	merged = append(merged, pending...)
	merged = append(merged, loaded...)
	s.history = history.Bound(merged)
	s.loaded = true
	s.cleared = false
	s.persister.MarkLoaded(s.seq)
	if len(pending) == 0 && !cleared {
		s.mu.Unlock()
		return
	}
	seq, snapshot := s.bumpLocked()
	s.mu.Unlock()

	if len(snapshot) == 0 {
		s.persister.Clear(ctx, seq)
		return
	}
	s.persister.Persist(ctx, seq, snapshot)
}

func (s *Studio) bumpLocked() (uint64, []models.GeneratedImage) {
	s.seq++
	return s.seq, append([]models.GeneratedImage(nil), s.history...)
}

// addToHistory prepends img and issues the write for the resulting list.
func (s *Studio) addToHistory(ctx context.Context, img models.GeneratedImage) {
	s.mu.Lock()
	s.history = history.Prepend(s.history, img)
	seq, snapshot := s.bumpLocked()
	s.mu.Unlock()

	s.persister.Persist(ctx, seq, snapshot)
}

func (s *Studio) newImage(url, prompt string) models.GeneratedImage {
	return models.GeneratedImage{
		ID:        s.newID(),
		URL:       url,
		Prompt:    prompt,
		Timestamp: s.now().UnixMilli(),
	}
}

func (s *Studio) SetPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.form.Prompt = prompt
}

func (s *Studio) SetResolution(r models.Resolution) error {
	if !r.IsValid() {
		return models.ErrInvalidResolution
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.form.Resolution = r
	return nil
}

func (s *Studio) SetAspectRatio(a models.AspectRatio) error {
	if !a.IsValid() {
		return models.ErrInvalidAspectRatio
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.form.AspectRatio = a
	return nil
}

// StageImage attaches an already encoded upload to the next generation.
func (s *Studio) StageImage(up image.EncodedUpload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.form.Staged) >= MaxStaged {
		return ErrTooManyStaged
	}
	s.form.Staged = append(s.form.Staged, up)
	return nil
}

func (s *Studio) StageUpload(r io.Reader) (image.EncodedUpload, error) {
	if s.stagedCount() >= MaxStaged {
		return image.EncodedUpload{}, ErrTooManyStaged
	}
	up, err := s.compressor.Compress(r)
	if err != nil {
		return image.EncodedUpload{}, err
	}
	return up, s.StageImage(up)
}

func (s *Studio) StageFile(path string) (image.EncodedUpload, error) {
	if s.stagedCount() >= MaxStaged {
		return image.EncodedUpload{}, ErrTooManyStaged
	}
	up, err := s.compressor.CompressFile(path)
	if err != nil {
		return image.EncodedUpload{}, err
	}
	return up, s.StageImage(up)
}

func (s *Studio) stagedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.form.Staged)
}

// RemoveStagedImage drops the staged upload at index. Out of range is a no-op.
func (s *Studio) RemoveStagedImage(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.form.Staged) {
		return false
	}
	staged := make([]image.EncodedUpload, 0, len(s.form.Staged)-1)
	staged = append(staged, s.form.Staged[:index]...)
	s.form.Staged = append(staged, s.form.Staged[index+1:]...)
	return true
}

func (s *Studio) ResetForm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetFormLocked()
}

func (s *Studio) resetFormLocked() {
	s.form = defaultForm()
	s.result = nil
}

// Submit generates from the current form.
func (s *Studio) Submit(ctx context.Context) (models.GeneratedImage, error) {
	s.mu.Lock()
	in := GenerateInput{
		Prompt:      s.form.Prompt,
		Resolution:  s.form.Resolution,
		AspectRatio: s.form.AspectRatio,
	}
	for _, up := range s.form.Staged {
		in.Images = append(in.Images, up.URL)
	}
	s.mu.Unlock()

	return s.Generate(ctx, in)
}

// Generate runs one generation. Only one may be in flight; a second call
// while loading returns ErrBusy and changes nothing.
func (s *Studio) Generate(ctx context.Context, in GenerateInput) (models.GeneratedImage, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return models.GeneratedImage{}, models.ErrEmptyPrompt
	}
	if !s.generating.TryAcquire(1) {
		return models.GeneratedImage{}, ErrBusy
	}
	defer s.generating.Release(1)

	s.mu.Lock()
	s.loading = true
	s.err = ""
	s.mu.Unlock()

	slow := time.AfterFunc(s.slow, func() { s.notify(KindWarning, msgStillWorking) })
	defer func() {
		slow.Stop()
		s.mu.Lock()
		s.loading = false
		s.mu.Unlock()
	}()

	req := &models.GenerateRequest{
		Prompt:          in.Prompt,
		ReferenceImages: in.Images,
		Resolution:      in.Resolution,
		AspectRatio:     in.AspectRatio,
	}
	url, err := s.provider.GenerateImage(ctx, req)
	if err != nil {
		msg := errorMessage(err, msgGenerateFailed)
		s.logger.Error("generation failed", "error", err)
		s.mu.Lock()
		s.err = msg
		s.mu.Unlock()
		s.notify(KindError, msg)
		return models.GeneratedImage{}, err
	}

	img := s.newImage(url, in.Prompt)
	s.mu.Lock()
	s.result = &img
	s.form.Staged = nil
	s.mu.Unlock()

	s.addToHistory(ctx, img)
	s.notify(KindSuccess, "Image generated successfully!")
	return img, nil
}

func errorMessage(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}

// Download writes the encoded image to w.
func (s *Studio) Download(w io.Writer, url string) error {
	if _, err := s.saver.Write(w, url); err != nil {
		return err
	}
	s.notify(KindSuccess, "Image downloaded")
	return nil
}

// SaveImage writes img to path, or to a generated name when path is empty.
func (s *Studio) SaveImage(img models.GeneratedImage, path string) (string, error) {
	written, err := s.saver.SaveFile(img, path)
	if err != nil {
		return "", err
	}
	s.notify(KindSuccess, "Image saved to "+written)
	return written, nil
}

// DeleteHistoryEntry removes img after the user confirms. It reports whether
// the entry was removed.
func (s *Studio) DeleteHistoryEntry(ctx context.Context, img models.GeneratedImage) (bool, error) {
	s.mu.Lock()
	_, found := s.findLocked(img)
	s.mu.Unlock()
	if !found {
		return false, ErrNotInHistory
	}

	if !s.confirmer.Confirm(ctx, "Delete this image from history?") {
		return false, nil
	}

	s.mu.Lock()
	next, removed := history.Remove(s.history, img)
	if !removed {
		s.mu.Unlock()
		return false, ErrNotInHistory
	}
	s.history = next
	seq, snapshot := s.bumpLocked()
	s.mu.Unlock()

	s.persister.Persist(ctx, seq, snapshot)
	return true, nil
}

func (s *Studio) findLocked(img models.GeneratedImage) (models.GeneratedImage, bool) {
	for _, existing := range s.history {
		if existing.SameAs(img) {
			return existing, true
		}
	}
	return models.GeneratedImage{}, false
}

// ClearHistory empties history and the store after the user confirms.
func (s *Studio) ClearHistory(ctx context.Context) bool {
	if !s.confirmer.Confirm(ctx, "Clear all history? This cannot be undone.") {
		return false
	}

	s.mu.Lock()
	s.history = []models.GeneratedImage{}
	if !s.loaded {
		s.cleared = true
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.persister.Clear(ctx, seq)
	s.notify(KindInfo, "History cleared")
	return true
}

func (s *Studio) History() []models.GeneratedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.GeneratedImage(nil), s.history...)
}

// Lookup finds a history entry by ID.
func (s *Studio) Lookup(id string) (models.GeneratedImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return history.Find(s.history, id)
}

func (s *Studio) Result() (models.GeneratedImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result == nil {
		return models.GeneratedImage{}, false
	}
	return *s.result, true
}

func (s *Studio) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Studio) Err() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Studio) Form() Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.form
	f.Staged = append([]image.EncodedUpload(nil), s.form.Staged...)
	return f
}

func (s *Studio) OpenPreview(img models.GeneratedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preview = &img
}

func (s *Studio) ClosePreview() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preview = nil
}

func (s *Studio) Preview() (models.GeneratedImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preview == nil {
		return models.GeneratedImage{}, false
	}
	return *s.preview, true
}

func (s *Studio) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Form:    s.form,
		Loading: s.loading,
		Error:   s.err,
		History: append([]models.GeneratedImage{}, s.history...),
		Edit:    s.edit.snapshot(),
	}
	snap.Form.Staged = append([]image.EncodedUpload{}, s.form.Staged...)
	if s.result != nil {
		r := *s.result
		snap.Result = &r
	}
	if s.preview != nil {
		p := *s.preview
		snap.Preview = &p
	}
	return snap
}

// Close releases the history store.
func (s *Studio) Close() error {
	return s.persister.Close()
}
