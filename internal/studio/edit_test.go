package studio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/imgstudio/pkg/models"
)

func seed(t *testing.T, f *fixture, prompt string) models.GeneratedImage {
	t.Helper()
	img, err := f.studio.Generate(context.Background(), GenerateInput{Prompt: prompt})
	require.NoError(t, err)
	return img
}

func TestEdit_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.studio.Load(ctx)
	r := seed(t, f, "a red fox")

	f.studio.SetPrompt("pending prompt")
	require.NoError(t, f.studio.SetAspectRatio(models.Aspect16x9))
	require.NoError(t, f.studio.OpenEdit(r))
	assert.Equal(t, EditIdle, f.studio.EditState().State)

	edited, err := f.studio.RunEdit(ctx, "make it blue")
	require.NoError(t, err)

	assert.Equal(t, "Edit: make it blue", edited.Prompt)
	require.Len(t, f.provider.editReqs, 1)
	assert.Equal(t, r.URL, f.provider.editReqs[0].Source)
	assert.Equal(t, "make it blue", f.provider.editReqs[0].Prompt)

	hist := f.studio.History()
	require.Len(t, hist, 2)
	assert.Equal(t, edited, hist[0])
	assert.Equal(t, r, hist[1])
	assert.Equal(t, hist, f.stored(t))

	state := f.studio.EditState()
	assert.Equal(t, EditIdle, state.State)
	require.NotNil(t, state.Target)
	assert.Equal(t, edited, *state.Target)
	assert.Empty(t, state.Prompt)

	form := f.studio.Form()
	assert.Empty(t, form.Prompt)
	assert.Equal(t, models.DefaultAspectRatio, form.AspectRatio)
	assert.Equal(t, models.DefaultResolution, form.Resolution)
	_, ok := f.studio.Result()
	assert.False(t, ok)
}

func TestEdit_Chained(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := seed(t, f, "base")
	require.NoError(t, f.studio.OpenEdit(r))

	first, err := f.studio.RunEdit(ctx, "step one")
	require.NoError(t, err)
	_, err = f.studio.RunEdit(ctx, "step two")
	require.NoError(t, err)

	require.Len(t, f.provider.editReqs, 2)
	assert.Equal(t, first.URL, f.provider.editReqs[1].Source)
}

func TestEdit_UsesWorkingPrompt(t *testing.T) {
	f := newFixture(t)
	r := seed(t, f, "base")
	require.NoError(t, f.studio.OpenEdit(r))

	f.studio.SetEditPrompt("from the field")
	img, err := f.studio.RunEdit(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "Edit: from the field", img.Prompt)
}

func TestEdit_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.studio.RunEdit(ctx, "no target")
	assert.ErrorIs(t, err, ErrNoTarget)

	r := seed(t, f, "base")
	require.NoError(t, f.studio.OpenEdit(r))
	_, err = f.studio.RunEdit(ctx, "   ")
	assert.ErrorIs(t, err, models.ErrEmptyPrompt)

	assert.Empty(t, f.provider.editReqs)
}

func TestEdit_OpenResetsPrompt(t *testing.T) {
	f := newFixture(t)
	a := seed(t, f, "a")
	b := seed(t, f, "b")

	require.NoError(t, f.studio.OpenEdit(a))
	f.studio.SetEditPrompt("draft")
	require.NoError(t, f.studio.OpenEdit(b))

	state := f.studio.EditState()
	assert.Empty(t, state.Prompt)
	require.NotNil(t, state.Target)
	assert.Equal(t, b, *state.Target)
}

func TestEdit_CloseGuard(t *testing.T) {
	f := newFixture(t)
	r := seed(t, f, "base")
	require.NoError(t, f.studio.OpenEdit(r))

	f.provider.started = make(chan struct{}, 1)
	f.provider.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.studio.RunEdit(context.Background(), "slow edit")
		done <- err
	}()
	<-f.provider.started

	assert.Equal(t, EditRunning, f.studio.EditState().State)
	assert.False(t, f.studio.RequestCloseEdit())
	assert.Equal(t, EditRunning, f.studio.EditState().State)
	assert.Len(t, f.notes.kinds(KindWarning), 1)

	_, err := f.studio.RunEdit(context.Background(), "second")
	assert.ErrorIs(t, err, ErrEditBusy)
	assert.ErrorIs(t, f.studio.OpenEdit(r), ErrEditBusy)

	close(f.provider.gate)
	require.NoError(t, <-done)

	assert.Equal(t, EditIdle, f.studio.EditState().State)
	assert.True(t, f.studio.RequestCloseEdit())
	assert.Equal(t, EditClosed, f.studio.EditState().State)
}

func TestEdit_IndependentOfGenerate(t *testing.T) {
	f := newFixture(t)
	r := seed(t, f, "base")
	require.NoError(t, f.studio.OpenEdit(r))

	f.provider.started = make(chan struct{}, 1)
	f.provider.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.studio.Generate(context.Background(), GenerateInput{Prompt: "main"})
		done <- err
	}()
	<-f.provider.started

	f.provider.started = nil
	editDone := make(chan error, 1)
	go func() {
		_, err := f.studio.RunEdit(context.Background(), "edit")
		editDone <- err
	}()

	close(f.provider.gate)
	require.NoError(t, <-done)
	require.NoError(t, <-editDone)
	assert.Len(t, f.studio.History(), 3)
}

func TestEdit_Failure(t *testing.T) {
	f := newFixture(t)
	r := seed(t, f, "base")
	require.NoError(t, f.studio.OpenEdit(r))
	f.studio.SetPrompt("keep me")

	f.provider.err = errors.New("content rejected")
	_, err := f.studio.RunEdit(context.Background(), "make it blue")
	require.Error(t, err)

	state := f.studio.EditState()
	assert.Equal(t, EditIdle, state.State)
	assert.Equal(t, "content rejected", state.Error)
	require.NotNil(t, state.Target)
	assert.Equal(t, r, *state.Target)
	assert.Equal(t, []string{"content rejected"}, f.notes.kinds(KindError))
	assert.Len(t, f.studio.History(), 1)
	assert.Equal(t, "keep me", f.studio.Form().Prompt)

	f.provider.err = nil
	_, err = f.studio.RunEdit(context.Background(), "make it blue")
	require.NoError(t, err)
	assert.Empty(t, f.studio.EditState().Error)
}

func TestEdit_UpdatesPreview(t *testing.T) {
	f := newFixture(t)
	r := seed(t, f, "base")
	other := seed(t, f, "other")

	f.studio.OpenPreview(r)
	require.NoError(t, f.studio.OpenEdit(r))
	edited, err := f.studio.RunEdit(context.Background(), "tweak")
	require.NoError(t, err)

	preview, ok := f.studio.Preview()
	require.True(t, ok)
	assert.Equal(t, edited, preview)

	f.studio.OpenPreview(other)
	_, err = f.studio.RunEdit(context.Background(), "again")
	require.NoError(t, err)
	preview, _ = f.studio.Preview()
	assert.Equal(t, other, preview)
}

func TestEditState_String(t *testing.T) {
	assert.Equal(t, "closed", EditClosed.String())
	assert.Equal(t, "idle", EditIdle.String())
	assert.Equal(t, "editing", EditRunning.String())
}

func TestEditState_Text(t *testing.T) {
	for _, s := range []EditState{EditClosed, EditIdle, EditRunning} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got EditState
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, s, got)
	}
	var bad EditState
	assert.Error(t, bad.UnmarshalText([]byte("sleeping")))
}
