package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manash/imgstudio/internal/config"
	"github.com/manash/imgstudio/internal/display"
	"github.com/manash/imgstudio/internal/history"
	"github.com/manash/imgstudio/internal/image"
	"github.com/manash/imgstudio/internal/logging"
	"github.com/manash/imgstudio/internal/pipeline"
	"github.com/manash/imgstudio/internal/provider"
	"github.com/manash/imgstudio/internal/provider/gemini"
	"github.com/manash/imgstudio/internal/provider/openai"
	"github.com/manash/imgstudio/internal/repl"
	"github.com/manash/imgstudio/internal/studio"
	"github.com/manash/imgstudio/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagProvider       string
	flagModel          string
	flagAPIKey         string
	flagDB             string
	flagHistoryBackend string
	flagRedisAddr      string
	flagLogLevel       string
)

type App struct {
	In          io.Reader
	Out         io.Writer
	Err         io.Writer
	ConfigDir   func() (string, error)
	NewProvider func(ctx context.Context, p models.ProviderType, cfg *provider.Config) (provider.Provider, error)
	OpenStore   func(ctx context.Context, s config.Settings) (history.Store, error)
}

func DefaultApp() *App {
	return &App{
		In:          os.Stdin,
		Out:         os.Stdout,
		Err:         os.Stderr,
		ConfigDir:   config.Dir,
		NewProvider: newProvider,
		OpenStore:   openStore,
	}
}

func newFactory() *provider.Factory {
	f := provider.NewFactory()
	f.Register(models.ProviderGemini, gemini.NewProvider)
	f.Register(models.ProviderOpenAI, openai.NewProvider)
	return f
}

func newProvider(ctx context.Context, p models.ProviderType, cfg *provider.Config) (provider.Provider, error) {
	f := newFactory()
	f.Configure(p, cfg)
	return f.New(ctx, p)
}

func openStore(ctx context.Context, s config.Settings) (history.Store, error) {
	switch s.HistoryBackend {
	case history.BackendRedis:
		return history.NewRedisStore(ctx, s.RedisAddr)
	case history.BackendMemory:
		return history.NewMemoryStore(), nil
	default:
		if s.DBPath != "" {
			return history.NewSQLiteStoreWithPath(s.DBPath)
		}
		return history.NewSQLiteStore()
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imgstudio",
		Short: "Generate and edit images with Gemini or OpenAI",
		Long: `imgstudio is an image generation studio for the terminal.

Without a subcommand it starts interactive mode: generate from prompts and
reference images, browse the last 10 results, refine them with follow-up
edits, and build small generation pipelines.

Examples:
  imgstudio
  imgstudio generate -r 2K -a 16:9 "a lighthouse at dusk"
  imgstudio generate -i sketch.png -o final.png "ink drawing, colored"
  imgstudio batch prompts.json --out-dir renders
  imgstudio serve --addr 127.0.0.1:8088`,
		Args:          cobra.NoArgs,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInteractive(cmd, app)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagProvider, "provider", "", "image provider (gemini, openai)")
	pf.StringVarP(&flagModel, "model", "m", "", "model name (defaults per provider)")
	pf.StringVar(&flagAPIKey, "api-key", "", "API key (defaults to stored key or <PROVIDER>_API_KEY)")
	pf.StringVar(&flagDB, "db", "", "sqlite history database path")
	pf.StringVar(&flagHistoryBackend, "history-backend", "", "history backend (sqlite, redis, memory)")
	pf.StringVar(&flagRedisAddr, "redis-addr", "", "redis address for the redis history backend")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.SetIn(app.In)
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)

	cmd.AddCommand(newGenerateCmd(app))
	cmd.AddCommand(newBatchCmd(app))
	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newHistoryCmd(app))
	cmd.AddCommand(newKeysCmd(app))

	return cmd
}

// settings loads the config file and environment, then applies flags.
func (app *App) settings() (config.Settings, error) {
	dir, err := app.ConfigDir()
	if err != nil {
		return config.Settings{}, err
	}
	s, err := config.Load(dir)
	if err != nil {
		return config.Settings{}, err
	}

	if flagProvider != "" {
		s.Provider = models.ProviderType(flagProvider)
	}
	if flagModel != "" {
		s.Model = flagModel
	}
	if flagDB != "" {
		s.DBPath = flagDB
	}
	if flagHistoryBackend != "" {
		s.HistoryBackend = history.Backend(flagHistoryBackend)
	}
	if flagRedisAddr != "" {
		s.RedisAddr = flagRedisAddr
	}
	if flagLogLevel != "" {
		s.LogLevel = flagLogLevel
	}
	return s, s.Validate()
}

// env holds what every studio-backed command needs.
type env struct {
	settings config.Settings
	logger   *slog.Logger
	store    history.Store
	provider provider.Provider
}

func (app *App) setup(ctx context.Context, withProvider bool) (*env, error) {
	s, err := app.settings()
	if err != nil {
		return nil, err
	}
	e := &env{settings: s, logger: logging.New(s.LogLevel, app.Err)}

	if withProvider {
		dir, err := app.ConfigDir()
		if err != nil {
			return nil, err
		}
		key, source, err := config.ResolveAPIKey(flagAPIKey, s.Provider, config.NewKeyStore(dir))
		if err != nil {
			return nil, err
		}
		e.logger.Debug("using API key", "provider", s.Provider, "source", source)

		e.provider, err = app.NewProvider(ctx, s.Provider, &provider.Config{
			APIKey:     key,
			Model:      s.Model,
			TimeoutSec: s.TimeoutSec,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create provider: %w", err)
		}
	}

	e.store, err = app.OpenStore(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return e, nil
}

func (e *env) newStudio(notifier studio.Notifier, confirmer studio.Confirmer) *studio.Studio {
	outDir := e.settings.OutputDir
	if outDir == "" {
		outDir = "."
	}
	return studio.New(studio.Config{
		Provider:      e.provider,
		Persister:     history.NewPersister(e.store, e.logger),
		Saver:         image.NewSaver(outDir),
		Notifier:      notifier,
		Confirmer:     confirmer,
		Logger:        e.logger,
		SlowThreshold: time.Duration(e.settings.SlowNoticeSec) * time.Second,
	})
}

func runInteractive(cmd *cobra.Command, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := app.setup(ctx, true)
	if err != nil {
		return err
	}

	prompter := repl.NewPrompter(app.In, app.Out)
	s := e.newStudio(repl.Notifier(app.Out), prompter)
	defer s.Close()
	s.Load(ctx)

	r := repl.New(&repl.Config{
		Out:       app.Out,
		Err:       app.Err,
		Prompter:  prompter,
		Studio:    s,
		Evaluator: pipeline.NewEvaluator(pipeline.NewDefaultGraph(), e.provider, e.logger),
		Displayer: display.New(app.Out),
	})
	return r.Run(ctx)
}
