package main

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manash/imgstudio/internal/batch"
	"github.com/manash/imgstudio/internal/config"
	"github.com/manash/imgstudio/internal/pipeline"
	"github.com/manash/imgstudio/internal/repl"
	"github.com/manash/imgstudio/internal/server"
	"github.com/manash/imgstudio/internal/studio"
	"github.com/manash/imgstudio/pkg/models"
)

var (
	flagResolution string
	flagAspect     string
	flagImages     []string
	flagOutput     string
	flagAddr       string
	flagYes        bool
	flagOutDir     string
	flagStopOnErr  bool
	flagDelay      time.Duration
)

func newGenerateCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate <prompt>",
		Short: "Generate one image and save it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerate(cmd, args, app)
		},
	}

	cmd.Flags().StringVarP(&flagResolution, "resolution", "r", string(models.DefaultResolution), "resolution (1K, 2K, 4K)")
	cmd.Flags().StringVarP(&flagAspect, "aspect", "a", string(models.DefaultAspectRatio), "aspect ratio (e.g. 1:1, 16:9)")
	cmd.Flags().StringArrayVarP(&flagImages, "image", "i", nil, "reference image path (repeatable, max 2)")
	cmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output filename")
	return cmd
}

func runGenerate(cmd *cobra.Command, args []string, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := models.ParseResolution(flagResolution)
	if err != nil {
		return err
	}
	ratio, err := models.ParseAspectRatio(flagAspect)
	if err != nil {
		return err
	}

	e, err := app.setup(ctx, true)
	if err != nil {
		return err
	}
	s := e.newStudio(repl.Notifier(app.Err), studio.AlwaysConfirm)
	defer s.Close()
	s.Load(ctx)

	for _, path := range flagImages {
		if _, err := s.StageFile(path); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	s.SetPrompt(strings.Join(args, " "))
	if err := s.SetResolution(res); err != nil {
		return err
	}
	if err := s.SetAspectRatio(ratio); err != nil {
		return err
	}

	fmt.Fprintf(app.Out, "Generating %s %s image with %s...\n", res, ratio, e.settings.Provider)
	img, err := s.Submit(ctx)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	path, err := s.SaveImage(img, flagOutput)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Saved: %s\n", path)
	return nil
}

func newBatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Generate every prompt in a .txt or .json file",
		Long: `Generate images for each prompt in a file, one at a time.

A .txt file holds one prompt per line; lines starting with # are skipped.
A .json file holds an array of objects:

  [{"prompt": "a red fox", "resolution": "2K", "aspect_ratio": "16:9",
    "images": ["refs/fox.png"]}]

Items without resolution or aspect_ratio use the --resolution and --aspect
flags. Every result is added to history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, args[0], app)
		},
	}

	cmd.Flags().StringVarP(&flagResolution, "resolution", "r", string(models.DefaultResolution), "default resolution (1K, 2K, 4K)")
	cmd.Flags().StringVarP(&flagAspect, "aspect", "a", string(models.DefaultAspectRatio), "default aspect ratio")
	cmd.Flags().StringVarP(&flagOutDir, "out-dir", "d", "", "output directory (default from settings)")
	cmd.Flags().BoolVar(&flagStopOnErr, "stop-on-error", false, "stop at the first failed item")
	cmd.Flags().DurationVar(&flagDelay, "delay", 0, "pause between items")
	return cmd
}

func runBatch(cmd *cobra.Command, path string, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	items, err := batch.ParseFile(path)
	if err != nil {
		return err
	}
	res, err := models.ParseResolution(flagResolution)
	if err != nil {
		return err
	}
	ratio, err := models.ParseAspectRatio(flagAspect)
	if err != nil {
		return err
	}

	e, err := app.setup(ctx, true)
	if err != nil {
		return err
	}
	s := e.newStudio(nil, studio.AlwaysConfirm)
	defer s.Close()
	s.Load(ctx)

	outDir := flagOutDir
	if outDir == "" {
		outDir = e.settings.OutputDir
	}

	fmt.Fprintf(app.Out, "Processing %d prompts with %s...\n\n", len(items), e.settings.Provider)
	p := batch.NewProcessor(s, nil, app.Out, app.Err)
	results, err := p.Process(ctx, items, &batch.Options{
		OutputDir:          outDir,
		DefaultResolution:  res,
		DefaultAspectRatio: ratio,
		StopOnError:        flagStopOnErr,
		Delay:              flagDelay,
	})
	p.PrintSummary(results)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != nil {
			return errors.New("some items failed")
		}
	}
	return nil
}

func newServeCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the studio HTTP API on a loopback address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, app)
		},
	}
	cmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default from settings)")
	return cmd
}

func runServe(cmd *cobra.Command, app *App) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := app.setup(ctx, true)
	if err != nil {
		return err
	}

	hub := server.NewHub()
	s := e.newStudio(hub, server.HeaderConfirmer)
	defer s.Close()
	s.Load(ctx)

	srv, err := server.New(server.Config{
		Studio:    s,
		Evaluator: pipeline.NewEvaluator(pipeline.NewDefaultGraph(), e.provider, e.logger),
		Hub:       hub,
		Logger:    e.logger,
	})
	if err != nil {
		return err
	}

	addr := flagAddr
	if addr == "" {
		addr = e.settings.ListenAddr
	}
	fmt.Fprintf(app.Out, "Serving on http://%s\n", addr)
	return srv.Run(ctx, addr)
}

func newHistoryCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List or clear stored history",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored images, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistoryList(cmd, app)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all stored history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHistoryClear(cmd, app)
		},
	}
	clearCmd.Flags().BoolVarP(&flagYes, "yes", "y", false, "do not ask for confirmation")

	cmd.AddCommand(list, clearCmd)
	return cmd
}

func runHistoryList(cmd *cobra.Command, app *App) error {
	e, err := app.setup(cmd.Context(), false)
	if err != nil {
		return err
	}
	s := e.newStudio(nil, nil)
	defer s.Close()
	s.Load(cmd.Context())

	hist := s.History()
	if len(hist) == 0 {
		fmt.Fprintln(app.Out, "No history yet")
		return nil
	}
	for i, img := range hist {
		fmt.Fprintf(app.Out, "[%d] %s  %s  %q\n",
			i+1,
			time.UnixMilli(img.Timestamp).Format("2006-01-02 15:04:05"),
			img.ID,
			img.Prompt)
	}
	return nil
}

func runHistoryClear(cmd *cobra.Command, app *App) error {
	e, err := app.setup(cmd.Context(), false)
	if err != nil {
		return err
	}

	var confirmer studio.Confirmer = studio.AlwaysConfirm
	if !flagYes {
		confirmer = repl.NewPrompter(app.In, app.Out)
	}
	s := e.newStudio(repl.Notifier(app.Out), confirmer)
	defer s.Close()
	s.Load(cmd.Context())

	if !s.ClearHistory(cmd.Context()) {
		fmt.Fprintln(app.Out, "Cancelled")
	}
	return nil
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <provider>",
			Short: "Store an API key (read from stdin)",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return runKeysSet(app, args[0])
			},
		},
		&cobra.Command{
			Use:   "show <provider>",
			Short: "Show the stored key, masked",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return runKeysShow(app, args[0])
			},
		},
		&cobra.Command{
			Use:   "delete <provider>",
			Short: "Delete a stored key",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return runKeysDelete(app, args[0])
			},
		},
	)
	return cmd
}

func (app *App) keyStore(name string) (*config.KeyStore, models.ProviderType, error) {
	p := models.ProviderType(strings.ToLower(name))
	if !p.IsValid() {
		return nil, "", fmt.Errorf("%w: %q (valid: %v)", models.ErrInvalidProvider, name, models.ValidProviders())
	}
	dir, err := app.ConfigDir()
	if err != nil {
		return nil, "", err
	}
	return config.NewKeyStore(dir), p, nil
}

func runKeysSet(app *App, name string) error {
	store, p, err := app.keyStore(name)
	if err != nil {
		return err
	}
	key, err := config.ReadSecret(app.In, app.Err, fmt.Sprintf("Enter %s API key: ", p))
	if err != nil {
		return err
	}
	if key == "" {
		return errors.New("no key entered")
	}
	if err := store.Set(p, key); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Stored %s key in %s\n", p, store.Path())
	return nil
}

func runKeysShow(app *App, name string) error {
	store, p, err := app.keyStore(name)
	if err != nil {
		return err
	}
	key, err := store.Get(p)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "%s: %s\n", p, config.MaskKey(key))
	return nil
}

func runKeysDelete(app *App, name string) error {
	store, p, err := app.keyStore(name)
	if err != nil {
		return err
	}
	if err := store.Delete(p); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "Deleted %s key\n", p)
	return nil
}
