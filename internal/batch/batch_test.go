package batch

import (
	"bytes"
	"context"
	"errors"
	goimage "image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/manash/imgstudio/internal/image"
	"github.com/manash/imgstudio/internal/studio"
	"github.com/manash/imgstudio/pkg/models"
)

type fakeStudio struct {
	saver   *image.Saver
	inputs  []studio.GenerateInput
	failOn  map[string]error
	counter int
}

func newFakeStudio(dir string) *fakeStudio {
	return &fakeStudio{saver: image.NewSaver(dir), failOn: map[string]error{}}
}

func (f *fakeStudio) Generate(_ context.Context, in studio.GenerateInput) (models.GeneratedImage, error) {
	f.inputs = append(f.inputs, in)
	if err := f.failOn[in.Prompt]; err != nil {
		return models.GeneratedImage{}, err
	}
	f.counter++
	return models.GeneratedImage{
		ID:        "img-" + in.Prompt,
		URL:       models.EncodeDataURL("image/png", []byte(in.Prompt)),
		Prompt:    in.Prompt,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).UnixMilli(),
	}, nil
}

func (f *fakeStudio) SaveImage(img models.GeneratedImage, path string) (string, error) {
	return f.saver.SaveFile(img, path)
}

func TestParseText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "basic prompts", input: "prompt one\nprompt two\nprompt three", want: 3},
		{name: "with empty lines", input: "prompt one\n\nprompt two\n\n", want: 2},
		{name: "with comments", input: "# a comment\nprompt one\n# another\nprompt two", want: 2},
		{name: "empty file", input: "", wantErr: true},
		{name: "only comments", input: "# comment\n# another", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseText(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseText() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(items) != tt.want {
				t.Fatalf("ParseText() got %d items, want %d", len(items), tt.want)
			}
			for i, item := range items {
				if item.Index != i+1 {
					t.Errorf("item %d Index = %d", i, item.Index)
				}
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "prompts only", input: `[{"prompt":"a"},{"prompt":"b"}]`, want: 2},
		{name: "with settings", input: `[{"prompt":"a","resolution":"2k","aspect_ratio":"16:9"}]`, want: 1},
		{name: "invalid resolution", input: `[{"prompt":"a","resolution":"8K"}]`, wantErr: true},
		{name: "invalid aspect ratio", input: `[{"prompt":"a","aspect_ratio":"7:3"}]`, wantErr: true},
		{name: "empty prompt", input: `[{"prompt":"  "}]`, wantErr: true},
		{name: "empty array", input: `[]`, wantErr: true},
		{name: "malformed", input: `{"prompt":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := ParseJSON(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(items) != tt.want {
				t.Fatalf("ParseJSON() got %d items, want %d", len(items), tt.want)
			}
		})
	}
}

func TestParseJSON_Settings(t *testing.T) {
	items, err := ParseJSON(strings.NewReader(`[{"prompt":"a","resolution":"2k","aspect_ratio":"16:9","images":["x.png"]}]`))
	if err != nil {
		t.Fatal(err)
	}
	got := items[0]
	if got.Resolution != models.Resolution2K {
		t.Errorf("Resolution = %q, want 2K", got.Resolution)
	}
	if got.AspectRatio != models.Aspect16x9 {
		t.Errorf("AspectRatio = %q, want 16:9", got.AspectRatio)
	}
	if len(got.Images) != 1 || got.Images[0] != "x.png" {
		t.Errorf("Images = %v", got.Images)
	}
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()

	txt := filepath.Join(dir, "prompts.txt")
	if err := os.WriteFile(txt, []byte("one\ntwo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	items, err := ParseFile(txt)
	if err != nil {
		t.Fatalf("ParseFile(txt) error: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("got %d items, want 2", len(items))
	}

	js := filepath.Join(dir, "prompts.json")
	abs := filepath.Join(dir, "abs.png")
	body := `[{"prompt":"a","images":["refs/cat.png","` + filepath.ToSlash(abs) + `"]}]`
	if err := os.WriteFile(js, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	items, err = ParseFile(js)
	if err != nil {
		t.Fatalf("ParseFile(json) error: %v", err)
	}
	if want := filepath.Join(dir, "refs", "cat.png"); items[0].Images[0] != want {
		t.Errorf("relative image = %q, want %q", items[0].Images[0], want)
	}
	if items[0].Images[1] != filepath.ToSlash(abs) {
		t.Errorf("absolute image = %q, want unchanged", items[0].Images[1])
	}

	yml := filepath.Join(dir, "prompts.yaml")
	if err := os.WriteFile(yml, []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseFile(yml); err == nil {
		t.Error("expected error for unsupported extension")
	}

	if _, err := ParseFile(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestProcess(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeStudio(dir)
	var out, errOut bytes.Buffer
	p := NewProcessor(fake, nil, &out, &errOut)

	items := []Item{
		{Index: 1, Prompt: "red fox"},
		{Index: 2, Prompt: "blue whale", Resolution: models.Resolution4K, AspectRatio: models.Aspect9x16},
	}
	results, err := p.Process(context.Background(), items, &Options{
		OutputDir:          dir,
		DefaultResolution:  models.Resolution2K,
		DefaultAspectRatio: models.Aspect16x9,
	})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	if fake.inputs[0].Resolution != models.Resolution2K || fake.inputs[0].AspectRatio != models.Aspect16x9 {
		t.Errorf("item 1 did not get defaults: %+v", fake.inputs[0])
	}
	if fake.inputs[1].Resolution != models.Resolution4K || fake.inputs[1].AspectRatio != models.Aspect9x16 {
		t.Errorf("item 2 settings overridden: %+v", fake.inputs[1])
	}

	for _, r := range results {
		if r.Error != nil {
			t.Errorf("item %d error: %v", r.Index, r.Error)
			continue
		}
		if !strings.HasPrefix(filepath.Base(r.Path), "00") {
			t.Errorf("path %q is not index-prefixed", r.Path)
		}
		data, err := os.ReadFile(r.Path)
		if err != nil {
			t.Fatalf("read %s: %v", r.Path, err)
		}
		if string(data) != r.Prompt {
			t.Errorf("file content = %q, want %q", data, r.Prompt)
		}
	}
	if !strings.Contains(out.String(), "[2/2] Generating") {
		t.Errorf("progress output missing: %s", out.String())
	}
}

func TestProcess_ContinuesAfterError(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeStudio(dir)
	fake.failOn["bad"] = errors.New("quota exceeded")
	var out, errOut bytes.Buffer
	p := NewProcessor(fake, nil, &out, &errOut)

	items := []Item{{Index: 1, Prompt: "bad"}, {Index: 2, Prompt: "good"}}
	results, err := p.Process(context.Background(), items, &Options{OutputDir: dir})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Error == nil || results[1].Error != nil {
		t.Errorf("unexpected results: %+v", results)
	}
	if !strings.Contains(errOut.String(), "quota exceeded") {
		t.Errorf("error output = %q", errOut.String())
	}
}

func TestProcess_StopOnError(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeStudio(dir)
	fake.failOn["bad"] = errors.New("boom")
	p := NewProcessor(fake, nil, &bytes.Buffer{}, &bytes.Buffer{})

	items := []Item{{Index: 1, Prompt: "bad"}, {Index: 2, Prompt: "good"}}
	results, err := p.Process(context.Background(), items, &Options{OutputDir: dir, StopOnError: true})
	if err == nil || !strings.Contains(err.Error(), "stopped at item 1") {
		t.Fatalf("Process() error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want 1", len(results))
	}
	if len(fake.inputs) != 1 {
		t.Errorf("generated %d items after stop, want 1", len(fake.inputs))
	}
}

func TestProcess_Canceled(t *testing.T) {
	fake := newFakeStudio(t.TempDir())
	p := NewProcessor(fake, nil, &bytes.Buffer{}, &bytes.Buffer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := p.Process(ctx, []Item{{Index: 1, Prompt: "a"}}, &Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Process() error = %v, want context.Canceled", err)
	}
	if len(results) != 0 || len(fake.inputs) != 0 {
		t.Error("nothing should run after cancel")
	}
}

func TestProcess_ReferenceImages(t *testing.T) {
	dir := t.TempDir()
	img := goimage.NewRGBA(goimage.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	ref := filepath.Join(dir, "ref.png")
	if err := os.WriteFile(ref, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	fake := newFakeStudio(dir)
	p := NewProcessor(fake, image.NewCompressor(), &bytes.Buffer{}, &bytes.Buffer{})

	items := []Item{
		{Index: 1, Prompt: "with ref", Images: []string{ref}},
		{Index: 2, Prompt: "missing ref", Images: []string{filepath.Join(dir, "nope.png")}},
	}
	results, err := p.Process(context.Background(), items, &Options{OutputDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Error != nil {
		t.Fatalf("item 1 error: %v", results[0].Error)
	}
	if len(fake.inputs[0].Images) != 1 || !strings.HasPrefix(fake.inputs[0].Images[0], "data:image/jpeg;base64,") {
		t.Errorf("reference not compressed: %v", fake.inputs[0].Images)
	}
	if results[1].Error == nil {
		t.Error("expected error for missing reference image")
	}
	if len(fake.inputs) != 1 {
		t.Errorf("missing reference should skip generation, got %d calls", len(fake.inputs))
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	p := NewProcessor(nil, nil, &out, &bytes.Buffer{})

	p.PrintSummary([]Result{
		{Index: 1, Prompt: "ok", Path: "001.png"},
		{Index: 2, Prompt: "broken", Error: errors.New("boom")},
	})

	got := out.String()
	for _, want := range []string{"Successful: 1/2", "Failed: 1", `[2] "broken": boom`} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}

	out.Reset()
	p.PrintSummary([]Result{{Index: 1, Prompt: "ok"}})
	if strings.Contains(out.String(), "Errors:") {
		t.Errorf("summary without failures should not list errors:\n%s", out.String())
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"this is a long prompt", 10, "this is..."},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
