package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	goimage "image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/manash/imgstudio/internal/config"
	"github.com/manash/imgstudio/internal/history"
	"github.com/manash/imgstudio/internal/provider"
	"github.com/manash/imgstudio/pkg/models"
)

// mockProvider implements provider.Provider for testing.
type mockProvider struct {
	mu      sync.Mutex
	genReqs []*models.GenerateRequest
	err     error
}

func (m *mockProvider) Name() models.ProviderType {
	return models.ProviderGemini
}

func (m *mockProvider) GenerateImage(_ context.Context, req *models.GenerateRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genReqs = append(m.genReqs, req)
	if m.err != nil {
		return "", m.err
	}
	return models.EncodeDataURL("image/png", []byte("test image data")), nil
}

func (m *mockProvider) EditImage(_ context.Context, _ *models.EditRequest) (string, error) {
	return models.EncodeDataURL("image/png", []byte("edited")), nil
}

// resetFlags resets all global flags to their default values.
func resetFlags() {
	flagProvider = ""
	flagModel = ""
	flagAPIKey = ""
	flagDB = ""
	flagHistoryBackend = ""
	flagRedisAddr = ""
	flagLogLevel = ""
	flagResolution = string(models.DefaultResolution)
	flagAspect = string(models.DefaultAspectRatio)
	flagImages = nil
	flagOutput = ""
	flagAddr = ""
	flagYes = false
	flagOutDir = ""
	flagStopOnErr = false
	flagDelay = 0
}

type testApp struct {
	*App
	out      *bytes.Buffer
	provider *mockProvider
	cfg      *provider.Config
	dir      string
}

// newTestApp creates an App configured for testing.
func newTestApp(t *testing.T, input string) *testApp {
	t.Helper()
	for _, v := range []string{"IMGSTUDIO_PROVIDER", "IMGSTUDIO_MODEL", "IMGSTUDIO_HISTORY_BACKEND", "IMGSTUDIO_DB", "GEMINI_API_KEY", "OPENAI_API_KEY"} {
		t.Setenv(v, "")
	}
	resetFlags()

	ta := &testApp{out: &bytes.Buffer{}, provider: &mockProvider{}, dir: t.TempDir()}
	ta.App = &App{
		In:        strings.NewReader(input),
		Out:       ta.out,
		Err:       ta.out,
		ConfigDir: func() (string, error) { return ta.dir, nil },
		NewProvider: func(_ context.Context, _ models.ProviderType, cfg *provider.Config) (provider.Provider, error) {
			ta.cfg = cfg
			return ta.provider, nil
		},
		OpenStore: openStore,
	}
	return ta
}

func (ta *testApp) execute(args ...string) error {
	cmd := newRootCmd(ta.App)
	cmd.SetArgs(args)
	return cmd.Execute()
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	img := goimage.NewRGBA(goimage.Rect(0, 0, 16, 16))
	img.Set(3, 3, color.RGBA{G: 255, A: 255})
	path := filepath.Join(dir, "ref.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return path
}

func TestDefaultApp(t *testing.T) {
	app := DefaultApp()

	if app.In == nil || app.Out == nil || app.Err == nil {
		t.Error("DefaultApp() streams not set")
	}
	if app.ConfigDir == nil {
		t.Error("DefaultApp() ConfigDir is nil")
	}
	if app.NewProvider == nil {
		t.Error("DefaultApp() NewProvider is nil")
	}
	if app.OpenStore == nil {
		t.Error("DefaultApp() OpenStore is nil")
	}
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd(DefaultApp())

	if cmd.Use != "imgstudio" {
		t.Errorf("Use = %q, want imgstudio", cmd.Use)
	}
	for _, name := range []string{"provider", "model", "api-key", "db", "history-backend", "redis-addr", "log-level"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("persistent flag %q not registered", name)
		}
	}
	for _, name := range []string{"generate", "batch", "serve", "history", "keys"} {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestNewFactory(t *testing.T) {
	got := newFactory().ListProviders()
	want := []models.ProviderType{models.ProviderGemini, models.ProviderOpenAI}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ListProviders() = %v, want %v", got, want)
	}
}

func TestNewProvider_RequiresKey(t *testing.T) {
	_, err := newProvider(context.Background(), models.ProviderOpenAI, &provider.Config{})
	if !errors.Is(err, provider.ErrAPIKeyRequired) {
		t.Errorf("newProvider() error = %v, want %v", err, provider.ErrAPIKeyRequired)
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name     string
		settings config.Settings
		want     string
	}{
		{"memory", config.Settings{HistoryBackend: history.BackendMemory}, "*history.MemoryStore"},
		{"sqlite", config.Settings{HistoryBackend: history.BackendSQLite, DBPath: filepath.Join(dir, "h.db")}, "*history.SQLiteStore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(context.Background(), tt.settings)
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer store.Close()
			if got := fmt.Sprintf("%T", store); got != tt.want {
				t.Errorf("openStore() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGenerate_NoAPIKey(t *testing.T) {
	ta := newTestApp(t, "")
	err := ta.execute("generate", "--history-backend", "memory", "a fox")
	if err == nil || !strings.Contains(err.Error(), "API key required") {
		t.Errorf("execute() error = %v, want API key required", err)
	}
	if len(ta.provider.genReqs) != 0 {
		t.Error("provider called without API key")
	}
}

func TestGenerate_APIKeyFromEnv(t *testing.T) {
	ta := newTestApp(t, "")
	t.Setenv("GEMINI_API_KEY", "env-key")
	out := filepath.Join(t.TempDir(), "fox.png")

	if err := ta.execute("generate", "--history-backend", "memory", "-o", out, "a fox"); err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if ta.cfg.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", ta.cfg.APIKey)
	}
}

func TestGenerate_Success(t *testing.T) {
	ta := newTestApp(t, "")
	out := filepath.Join(t.TempDir(), "fox.png")

	err := ta.execute("generate", "--api-key", "k", "--model", "custom-model", "--history-backend", "memory",
		"-r", "2k", "-a", "16:9", "-o", out, "a", "red", "fox")
	if err != nil {
		t.Fatalf("execute() error = %v", err)
	}

	if len(ta.provider.genReqs) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(ta.provider.genReqs))
	}
	req := ta.provider.genReqs[0]
	if req.Prompt != "a red fox" || req.Resolution != models.Resolution2K || req.AspectRatio != models.Aspect16x9 {
		t.Errorf("request = %+v", req)
	}
	if ta.cfg.Model != "custom-model" || ta.cfg.APIKey != "k" {
		t.Errorf("provider config = %+v", ta.cfg)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "test image data" {
		t.Errorf("saved data = %q", data)
	}
	if !strings.Contains(ta.out.String(), "Saved: "+out) {
		t.Errorf("output = %q", ta.out.String())
	}
}

func TestGenerate_WithReferenceImages(t *testing.T) {
	ta := newTestApp(t, "")
	ref := writePNG(t, t.TempDir())
	out := filepath.Join(t.TempDir(), "out.png")

	err := ta.execute("generate", "--api-key", "k", "--history-backend", "memory", "-i", ref, "-i", ref, "-o", out, "combine")
	if err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if n := len(ta.provider.genReqs[0].ReferenceImages); n != 2 {
		t.Errorf("reference images = %d, want 2", n)
	}

	err = ta.execute("generate", "--api-key", "k", "--history-backend", "memory", "-i", ref, "-i", ref, "-i", ref, "too many")
	if err == nil {
		t.Error("execute() with three references succeeded")
	}
}

func TestGenerate_InvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"resolution", []string{"generate", "-r", "8K", "x"}},
		{"aspect", []string{"generate", "-a", "7:3", "x"}},
		{"provider", []string{"generate", "--provider", "stability", "x"}},
		{"backend", []string{"generate", "--history-backend", "mongo", "x"}},
		{"no prompt", []string{"generate"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ta := newTestApp(t, "")
			args := append(tt.args, "--api-key", "k")
			if err := ta.execute(args...); err == nil {
				t.Error("execute() succeeded, want error")
			}
			if len(ta.provider.genReqs) != 0 {
				t.Error("provider called with invalid settings")
			}
		})
	}
}

func TestGenerate_ProviderError(t *testing.T) {
	ta := newTestApp(t, "")
	ta.provider.err = provider.NewGenerationError("generate", errors.New(`{"error":{"message":"quota exceeded"}}`))

	err := ta.execute("generate", "--api-key", "k", "--history-backend", "memory", "fox")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("execute() error = %v", err)
	}
	if !errors.Is(err, provider.ErrGenerationFailed) {
		t.Errorf("error does not wrap ErrGenerationFailed: %v", err)
	}
}

func TestBatch(t *testing.T) {
	ta := newTestApp(t, "")
	dir := t.TempDir()
	ref := writePNG(t, dir)
	file := filepath.Join(dir, "prompts.json")
	body := `[{"prompt":"a red fox"},{"prompt":"a blue whale","resolution":"4K","images":["ref.png"]}]`
	if err := os.WriteFile(file, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	outDir := filepath.Join(dir, "renders")

	err := ta.execute("batch", "--api-key", "k", "--history-backend", "memory", "-a", "16:9", "-d", outDir, file)
	if err != nil {
		t.Fatalf("execute() error = %v", err)
	}

	if len(ta.provider.genReqs) != 2 {
		t.Fatalf("provider calls = %d, want 2", len(ta.provider.genReqs))
	}
	first, second := ta.provider.genReqs[0], ta.provider.genReqs[1]
	if first.Resolution != models.Resolution1K || first.AspectRatio != models.Aspect16x9 {
		t.Errorf("first request = %+v", first)
	}
	if second.Resolution != models.Resolution4K || len(second.ReferenceImages) != 1 {
		t.Errorf("second request = %+v (ref %s)", second, ref)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("saved %d files, want 2", len(entries))
	}
	if !strings.Contains(ta.out.String(), "Successful: 2/2") {
		t.Errorf("output = %q", ta.out.String())
	}
}

func TestBatch_Failures(t *testing.T) {
	ta := newTestApp(t, "")
	ta.provider.err = errors.New("quota exceeded")
	file := filepath.Join(t.TempDir(), "prompts.txt")
	if err := os.WriteFile(file, []byte("one\ntwo\n"), 0644); err != nil {
		t.Fatal(err)
	}

	err := ta.execute("batch", "--api-key", "k", "--history-backend", "memory", "--stop-on-error", file)
	if err == nil || !strings.Contains(err.Error(), "stopped at item 1") {
		t.Errorf("execute() error = %v", err)
	}
	if len(ta.provider.genReqs) != 1 {
		t.Errorf("provider calls = %d, want 1", len(ta.provider.genReqs))
	}

	if err := ta.execute("batch", "--api-key", "k", "--history-backend", "memory", "missing.txt"); err == nil {
		t.Error("execute() with missing file succeeded")
	}
}

func TestInteractive(t *testing.T) {
	ta := newTestApp(t, "generate a red fox\nhistory\nquit\n")

	if err := ta.execute("--api-key", "k", "--history-backend", "memory"); err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	output := ta.out.String()
	for _, want := range []string{"imgstudio interactive mode", "Image generated successfully!", `"a red fox"`, "Goodbye!"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestHistory_ListAndClear(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")
	out := filepath.Join(t.TempDir(), "fox.png")

	ta := newTestApp(t, "")
	if err := ta.execute("generate", "--api-key", "k", "--db", db, "-o", out, "a red fox"); err != nil {
		t.Fatalf("generate error = %v", err)
	}

	ta = newTestApp(t, "")
	if err := ta.execute("history", "list", "--db", db); err != nil {
		t.Fatalf("history list error = %v", err)
	}
	if !strings.Contains(ta.out.String(), `[1]`) || !strings.Contains(ta.out.String(), `"a red fox"`) {
		t.Errorf("history list output = %q", ta.out.String())
	}

	ta = newTestApp(t, "n\n")
	if err := ta.execute("history", "clear", "--db", db); err != nil {
		t.Fatalf("history clear error = %v", err)
	}
	if !strings.Contains(ta.out.String(), "Cancelled") {
		t.Errorf("declined clear output = %q", ta.out.String())
	}

	ta = newTestApp(t, "")
	if err := ta.execute("history", "clear", "--yes", "--db", db); err != nil {
		t.Fatalf("history clear error = %v", err)
	}

	ta = newTestApp(t, "")
	if err := ta.execute("history", "list", "--db", db); err != nil {
		t.Fatalf("history list error = %v", err)
	}
	if !strings.Contains(ta.out.String(), "No history yet") {
		t.Errorf("history list after clear = %q", ta.out.String())
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	ta := newTestApp(t, "")
	cmd := newRootCmd(ta.App)
	cmd.SetArgs([]string{"serve", "--api-key", "k", "--history-backend", "memory", "--addr", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cmd.ExecuteContext(ctx); err != nil {
		t.Fatalf("serve error = %v", err)
	}
	if !strings.Contains(ta.out.String(), "Serving on http://127.0.0.1:0") {
		t.Errorf("output = %q", ta.out.String())
	}
}

func TestKeys(t *testing.T) {
	ta := newTestApp(t, "sk-test-1234567890\n")
	if err := ta.execute("keys", "set", "openai"); err != nil {
		t.Fatalf("keys set error = %v", err)
	}

	key, err := config.NewKeyStore(ta.dir).Get(models.ProviderOpenAI)
	if err != nil || key != "sk-test-1234567890" {
		t.Fatalf("stored key = %q, %v", key, err)
	}

	ta.out.Reset()
	if err := ta.execute("keys", "show", "openai"); err != nil {
		t.Fatalf("keys show error = %v", err)
	}
	if !strings.Contains(ta.out.String(), config.MaskKey("sk-test-1234567890")) {
		t.Errorf("keys show output = %q", ta.out.String())
	}
	if strings.Contains(ta.out.String(), "1234567890") {
		t.Error("keys show printed the full key")
	}

	if err := ta.execute("keys", "delete", "openai"); err != nil {
		t.Fatalf("keys delete error = %v", err)
	}
	if _, err := config.NewKeyStore(ta.dir).Get(models.ProviderOpenAI); !errors.Is(err, config.ErrKeyNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}

	if err := ta.execute("keys", "show", "stability"); !errors.Is(err, models.ErrInvalidProvider) {
		t.Errorf("keys show unknown provider error = %v", err)
	}
}

func TestKeys_StoredKeyUsed(t *testing.T) {
	ta := newTestApp(t, "")
	if err := config.NewKeyStore(ta.dir).Set(models.ProviderGemini, "stored-key"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	out := filepath.Join(t.TempDir(), "x.png")
	if err := ta.execute("generate", "--history-backend", "memory", "-o", out, "x"); err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if ta.cfg.APIKey != "stored-key" {
		t.Errorf("APIKey = %q, want stored-key", ta.cfg.APIKey)
	}
}
