// Package repl is the interactive terminal front end of the studio.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/manash/imgstudio/internal/display"
	"github.com/manash/imgstudio/internal/image"
	"github.com/manash/imgstudio/internal/pipeline"
	"github.com/manash/imgstudio/internal/studio"
)

// Prompter reads lines from the user. It is shared by the command loop and
// confirmation questions so both consume the same input.
type Prompter struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	out     io.Writer
}

func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(in), out: out}
}

func (p *Prompter) ReadLine() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.scanner.Scan() {
		return "", false
	}
	return p.scanner.Text(), true
}

func (p *Prompter) Err() error {
	return p.scanner.Err()
}

// Confirm implements studio.Confirmer. Only y or yes accepts.
func (p *Prompter) Confirm(_ context.Context, question string) bool {
	fmt.Fprintf(p.out, "%s [y/N] ", question)
	line, ok := p.ReadLine()
	if !ok {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// Notifier prints studio notifications as single tagged lines.
func Notifier(w io.Writer) studio.Notifier {
	var mu sync.Mutex
	return studio.NotifierFunc(func(n studio.Notification) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "[%s] %s\n", n.Kind, n.Message)
	})
}

type REPL struct {
	out        io.Writer
	err        io.Writer
	prompter   *Prompter
	studio     *studio.Studio
	evaluator  *pipeline.Evaluator
	compressor *image.Compressor
	displayer  *display.Displayer
	commands   map[string]Command
	ordered    []Command
	running    bool
}

type Config struct {
	Out        io.Writer
	Err        io.Writer
	Prompter   *Prompter
	Studio     *studio.Studio
	Evaluator  *pipeline.Evaluator
	Compressor *image.Compressor
	Displayer  *display.Displayer
}

func New(cfg *Config) *REPL {
	r := &REPL{
		out:        cfg.Out,
		err:        cfg.Err,
		prompter:   cfg.Prompter,
		studio:     cfg.Studio,
		evaluator:  cfg.Evaluator,
		compressor: cfg.Compressor,
		displayer:  cfg.Displayer,
		commands:   make(map[string]Command),
	}
	if r.compressor == nil {
		r.compressor = image.NewCompressor()
	}
	if r.displayer == nil {
		r.displayer = display.New(r.out)
	}
	r.registerCommands()
	return r
}

func (r *REPL) Run(ctx context.Context) error {
	r.running = true
	r.printWelcome()

	for r.running {
		r.printPrompt()
		line, ok := r.prompter.ReadLine()
		if !ok {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := r.execute(ctx, line); err != nil {
			fmt.Fprintf(r.err, "Error: %v\n", err)
		}
	}

	return r.prompter.Err()
}

func (r *REPL) execute(ctx context.Context, line string) error {
	parts := parseCommand(line)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(parts[0])
	cmd, ok := r.commands[name]
	if !ok {
		return fmt.Errorf("unknown command: %s (type 'help' for available commands)", name)
	}
	return cmd.Execute(ctx, r, parts[1:])
}

func (r *REPL) Stop() {
	r.running = false
}

func (r *REPL) printWelcome() {
	fmt.Fprintln(r.out, "imgstudio interactive mode")
	fmt.Fprintln(r.out, "Type 'help' for available commands, 'quit' to exit.")
	fmt.Fprintln(r.out)
}

func (r *REPL) printPrompt() {
	form := r.studio.Form()
	tag := fmt.Sprintf("%s %s", form.Resolution, form.AspectRatio)
	if n := len(form.Staged); n > 0 {
		tag += fmt.Sprintf(" +%d", n)
	}
	if edit := r.studio.EditState(); edit.State != studio.EditClosed {
		tag += " editing"
	}
	fmt.Fprintf(r.out, "imgstudio [%s]> ", tag)
}

func parseCommand(line string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case ch == '"' || ch == '\'':
			if inQuotes && ch == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else if !inQuotes {
				inQuotes = true
				quoteChar = ch
			} else {
				current.WriteRune(ch)
			}
		case ch == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	return parts
}
