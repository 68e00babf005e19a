package studio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/manash/imgstudio/pkg/models"
)

var (
	ErrEditBusy = errors.New("an edit is already in progress")
	ErrNoTarget = errors.New("no image selected for editing")
)

type EditState int

const (
	EditClosed EditState = iota
	EditIdle
	EditRunning
)

func (e EditState) String() string {
	switch e {
	case EditIdle:
		return "idle"
	case EditRunning:
		return "editing"
	default:
		return "closed"
	}
}

func (e EditState) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *EditState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*e = EditClosed
	case "idle":
		*e = EditIdle
	case "editing":
		*e = EditRunning
	default:
		return fmt.Errorf("unknown edit state %q", text)
	}
	return nil
}

type editSession struct {
	open    bool
	running bool
	target  *models.GeneratedImage
	prompt  string
	err     string
}

func (e *editSession) state() EditState {
	switch {
	case !e.open:
		return EditClosed
	case e.running:
		return EditRunning
	default:
		return EditIdle
	}
}

type EditSnapshot struct {
	State  EditState              `json:"state"`
	Target *models.GeneratedImage `json:"target,omitempty"`
	Prompt string                 `json:"prompt"`
	Error  string                 `json:"error,omitempty"`
}

func (e *editSession) snapshot() EditSnapshot {
	snap := EditSnapshot{State: e.state(), Prompt: e.prompt, Error: e.err}
	if e.target != nil {
		t := *e.target
		snap.Target = &t
	}
	return snap
}

// OpenEdit targets the edit session at img and clears the working prompt.
// Opening an already open session re-targets it.
func (s *Studio) OpenEdit(img models.GeneratedImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edit.running {
		return ErrEditBusy
	}
	s.edit = editSession{open: true, target: &img}
	return nil
}

// RequestCloseEdit closes the session unless an edit is running, in which
// case the user is warned and the session stays open.
func (s *Studio) RequestCloseEdit() bool {
	s.mu.Lock()
	if s.edit.running {
		s.mu.Unlock()
		s.notify(KindWarning, "Please wait for the current edit to finish")
		return false
	}
	s.edit = editSession{}
	s.mu.Unlock()
	return true
}

func (s *Studio) SetEditPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edit.prompt = prompt
}

func (s *Studio) EditState() EditSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edit.snapshot()
}

// RunEdit applies prompt to the session's target. On success the session is
// re-targeted at the result so edits can be chained, and the main form is
// reset since the edited image supersedes it.
func (s *Studio) RunEdit(ctx context.Context, prompt string) (models.GeneratedImage, error) {
	s.mu.Lock()
	if prompt == "" {
		prompt = s.edit.prompt
	}
	switch {
	case strings.TrimSpace(prompt) == "":
		s.mu.Unlock()
		return models.GeneratedImage{}, models.ErrEmptyPrompt
	case !s.edit.open || s.edit.target == nil:
		s.mu.Unlock()
		return models.GeneratedImage{}, ErrNoTarget
	case s.edit.running:
		s.mu.Unlock()
		return models.GeneratedImage{}, ErrEditBusy
	}
	source := *s.edit.target
	s.edit.running = true
	s.edit.err = ""
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.edit.running = false
		s.mu.Unlock()
	}()

	url, err := s.provider.EditImage(ctx, models.NewEditRequest(source.URL, prompt))
	if err != nil {
		msg := errorMessage(err, msgEditFailed)
		s.logger.Error("edit failed", "error", err)
		s.mu.Lock()
		s.edit.err = msg
		s.mu.Unlock()
		s.notify(KindError, msg)
		return models.GeneratedImage{}, err
	}

	img := s.newImage(url, "Edit: "+prompt)

	s.mu.Lock()
	s.edit.target = &img
	s.edit.prompt = ""
	s.resetFormLocked()
	if s.preview != nil && s.preview.SameAs(source) {
		s.preview = &img
	}
	s.mu.Unlock()

	s.addToHistory(ctx, img)
	s.notify(KindSuccess, "Image edited successfully!")
	return img, nil
}
