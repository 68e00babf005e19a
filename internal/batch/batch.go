// Package batch runs a file of prompts through the studio one after another.
package batch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/manash/imgstudio/internal/image"
	"github.com/manash/imgstudio/internal/studio"
	"github.com/manash/imgstudio/pkg/models"
)

type Result struct {
	Index    int
	Prompt   string
	Path     string
	Error    error
	Duration time.Duration
}

type Options struct {
	OutputDir          string
	DefaultResolution  models.Resolution
	DefaultAspectRatio models.AspectRatio
	StopOnError        bool
	Delay              time.Duration
}

// Generator is the part of studio.Studio a batch needs.
type Generator interface {
	Generate(ctx context.Context, in studio.GenerateInput) (models.GeneratedImage, error)
	SaveImage(img models.GeneratedImage, path string) (string, error)
}

type Processor struct {
	studio     Generator
	compressor *image.Compressor
	out        io.Writer
	err        io.Writer
}

func NewProcessor(s Generator, compressor *image.Compressor, out, errOut io.Writer) *Processor {
	if compressor == nil {
		compressor = image.NewCompressor()
	}
	return &Processor{studio: s, compressor: compressor, out: out, err: errOut}
}

// Process generates items in order. Generation is single-flight, so items
// never overlap.
func (p *Processor) Process(ctx context.Context, items []Item, opts *Options) ([]Result, error) {
	results := make([]Result, 0, len(items))
	total := len(items)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := p.processItem(ctx, item, opts, i+1, total)
		results = append(results, result)

		if result.Error != nil && opts.StopOnError {
			return results, fmt.Errorf("stopped at item %d: %w", item.Index, result.Error)
		}

		if opts.Delay > 0 && i < len(items)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}

	return results, nil
}

func (p *Processor) processItem(ctx context.Context, item Item, opts *Options, current, total int) Result {
	start := time.Now()
	result := Result{Index: item.Index, Prompt: item.Prompt}
	fail := func(err error) Result {
		result.Error = err
		result.Duration = time.Since(start)
		fmt.Fprintf(p.err, "       Error: %v\n", err)
		return result
	}

	fmt.Fprintf(p.out, "[%d/%d] Generating: %q...\n", current, total, truncate(item.Prompt, 50))

	in := studio.GenerateInput{
		Prompt:      item.Prompt,
		Resolution:  item.Resolution,
		AspectRatio: item.AspectRatio,
	}
	if in.Resolution == "" {
		in.Resolution = opts.DefaultResolution
	}
	if in.AspectRatio == "" {
		in.AspectRatio = opts.DefaultAspectRatio
	}

	for _, path := range item.Images {
		up, err := p.compressor.CompressFile(path)
		if err != nil {
			return fail(fmt.Errorf("reference %s: %w", path, err))
		}
		in.Images = append(in.Images, up.URL)
	}

	img, err := p.studio.Generate(ctx, in)
	if err != nil {
		return fail(fmt.Errorf("generation failed: %w", err))
	}

	name := fmt.Sprintf("%03d-%s", item.Index, image.Filename(img))
	path, err := p.studio.SaveImage(img, filepath.Join(opts.OutputDir, name))
	if err != nil {
		return fail(fmt.Errorf("save failed: %w", err))
	}

	result.Path = path
	result.Duration = time.Since(start)
	fmt.Fprintf(p.out, "       Saved: %s (%s)\n", path, result.Duration.Round(time.Millisecond))
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func (p *Processor) PrintSummary(results []Result) {
	var failed []Result
	for _, r := range results {
		if r.Error != nil {
			failed = append(failed, r)
		}
	}

	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Summary:")
	fmt.Fprintf(p.out, "  Successful: %d/%d images\n", len(results)-len(failed), len(results))
	if len(failed) == 0 {
		return
	}

	fmt.Fprintf(p.out, "  Failed: %d (see errors below)\n", len(failed))
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Errors:")
	for _, e := range failed {
		fmt.Fprintf(p.out, "  [%d] %q: %v\n", e.Index, truncate(e.Prompt, 40), e.Error)
	}
}
