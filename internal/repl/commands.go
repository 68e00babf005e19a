package repl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/manash/imgstudio/internal/pipeline"
	"github.com/manash/imgstudio/pkg/models"
)

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(ctx context.Context, r *REPL, args []string) error
}

func (r *REPL) registerCommands() {
	r.ordered = []Command{
		&GenerateCommand{},
		&AttachCommand{},
		&DetachCommand{},
		&SetCommand{},
		&HistoryCommand{},
		&ShowCommand{},
		&SaveCommand{},
		&DeleteCommand{},
		&ClearCommand{},
		&EditCommand{},
		&GraphCommand{},
		&NodeCommand{},
		&ConnectCommand{},
		&RunCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}

	for _, cmd := range r.ordered {
		r.commands[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases() {
			r.commands[alias] = cmd
		}
	}
}

// historyEntry resolves a 1-based history index argument.
func (r *REPL) historyEntry(arg string) (models.GeneratedImage, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return models.GeneratedImage{}, fmt.Errorf("invalid history index: %s", arg)
	}
	hist := r.studio.History()
	if n < 1 || n > len(hist) {
		return models.GeneratedImage{}, fmt.Errorf("history index out of range: %d (have %d)", n, len(hist))
	}
	return hist[n-1], nil
}

func (r *REPL) show(img models.GeneratedImage) {
	if err := r.displayer.Show(img); err != nil {
		fmt.Fprintf(r.err, "Warning: failed to display: %v\n", err)
	}
}

// GenerateCommand generates a new image from the form
type GenerateCommand struct{}

func (c *GenerateCommand) Name() string        { return "generate" }
func (c *GenerateCommand) Aliases() []string   { return []string{"gen", "g"} }
func (c *GenerateCommand) Description() string { return "Generate an image from a prompt" }
func (c *GenerateCommand) Usage() string       { return "generate <prompt>" }

func (c *GenerateCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	r.studio.SetPrompt(strings.Join(args, " "))
	form := r.studio.Form()
	fmt.Fprintf(r.out, "Generating (%s, %s)...\n", form.Resolution, form.AspectRatio)

	img, err := r.studio.Submit(ctx)
	if err != nil {
		return err
	}
	r.show(img)
	return nil
}

// AttachCommand stages a reference image
type AttachCommand struct{}

func (c *AttachCommand) Name() string        { return "attach" }
func (c *AttachCommand) Aliases() []string   { return []string{"a"} }
func (c *AttachCommand) Description() string { return "Attach a reference image (max 2)" }
func (c *AttachCommand) Usage() string       { return "attach <path>" }

func (c *AttachCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	up, err := r.studio.StageFile(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Attached %s (%s)\n", args[0], up.Label)
	return nil
}

// DetachCommand removes a staged reference image
type DetachCommand struct{}

func (c *DetachCommand) Name() string        { return "detach" }
func (c *DetachCommand) Aliases() []string   { return nil }
func (c *DetachCommand) Description() string { return "Remove an attached reference image" }
func (c *DetachCommand) Usage() string       { return "detach <n>" }

func (c *DetachCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid index: %s", args[0])
	}
	if r.studio.RemoveStagedImage(n - 1) {
		fmt.Fprintf(r.out, "Detached %d\n", n)
	}
	return nil
}

// SetCommand changes generation settings
type SetCommand struct{}

func (c *SetCommand) Name() string        { return "set" }
func (c *SetCommand) Aliases() []string   { return nil }
func (c *SetCommand) Description() string { return "Set resolution (1K, 2K, 4K) or aspect ratio" }
func (c *SetCommand) Usage() string       { return "set <resolution|ratio> <value>" }

func (c *SetCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	switch strings.ToLower(args[0]) {
	case "resolution", "res":
		res, err := models.ParseResolution(args[1])
		if err != nil {
			return err
		}
		if err := r.studio.SetResolution(res); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Resolution: %s\n", res)
	case "ratio", "aspect":
		ratio, err := models.ParseAspectRatio(args[1])
		if err != nil {
			return err
		}
		if err := r.studio.SetAspectRatio(ratio); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Aspect ratio: %s\n", ratio)
		if !ratio.IsAccepted() {
			fmt.Fprintf(r.out, "Note: %s is sent as %s\n", ratio, models.AspectSquare)
		}
	default:
		return fmt.Errorf("unknown setting: %s", args[0])
	}
	return nil
}

// HistoryCommand lists the stored history
type HistoryCommand struct{}

func (c *HistoryCommand) Name() string        { return "history" }
func (c *HistoryCommand) Aliases() []string   { return []string{"h", "hist"} }
func (c *HistoryCommand) Description() string { return "List recent images, newest first" }
func (c *HistoryCommand) Usage() string       { return "history" }

func (c *HistoryCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	hist := r.studio.History()
	if len(hist) == 0 {
		fmt.Fprintln(r.out, "No history yet")
		return nil
	}

	current, hasCurrent := r.studio.Result()
	for i, img := range hist {
		marker := "  "
		if hasCurrent && img.SameAs(current) {
			marker = "> "
		}
		fmt.Fprintf(r.out, "%s[%d] %s %q\n",
			marker,
			i+1,
			time.UnixMilli(img.Timestamp).Format("2006-01-02 15:04:05"),
			truncate(img.Prompt, 50))
	}
	return nil
}

// ShowCommand opens the full-screen preview
type ShowCommand struct{}

func (c *ShowCommand) Name() string        { return "show" }
func (c *ShowCommand) Aliases() []string   { return []string{"view"} }
func (c *ShowCommand) Description() string { return "Preview the current result or a history entry" }
func (c *ShowCommand) Usage() string       { return "show [n]" }

func (c *ShowCommand) Execute(_ context.Context, r *REPL, args []string) error {
	var img models.GeneratedImage
	if len(args) > 0 {
		var err error
		if img, err = r.historyEntry(args[0]); err != nil {
			return err
		}
	} else {
		var ok bool
		if img, ok = r.studio.Result(); !ok {
			return errors.New("no current image to display")
		}
	}

	r.studio.OpenPreview(img)
	r.show(img)
	return nil
}

// SaveCommand writes a history entry to disk
type SaveCommand struct{}

func (c *SaveCommand) Name() string        { return "save" }
func (c *SaveCommand) Aliases() []string   { return []string{"download", "s"} }
func (c *SaveCommand) Description() string { return "Save a history entry to a file" }
func (c *SaveCommand) Usage() string       { return "save <n> [path]" }

func (c *SaveCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	img, err := r.historyEntry(args[0])
	if err != nil {
		return err
	}
	path := ""
	if len(args) == 2 {
		path = args[1]
	}
	_, err = r.studio.SaveImage(img, path)
	return err
}

// DeleteCommand removes a history entry
type DeleteCommand struct{}

func (c *DeleteCommand) Name() string        { return "delete" }
func (c *DeleteCommand) Aliases() []string   { return []string{"rm"} }
func (c *DeleteCommand) Description() string { return "Delete a history entry" }
func (c *DeleteCommand) Usage() string       { return "delete <n>" }

func (c *DeleteCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	img, err := r.historyEntry(args[0])
	if err != nil {
		return err
	}
	removed, err := r.studio.DeleteHistoryEntry(ctx, img)
	if err != nil {
		return err
	}
	if removed {
		fmt.Fprintln(r.out, "Deleted")
	}
	return nil
}

// ClearCommand empties the history
type ClearCommand struct{}

func (c *ClearCommand) Name() string        { return "clear" }
func (c *ClearCommand) Aliases() []string   { return nil }
func (c *ClearCommand) Description() string { return "Delete all history" }
func (c *ClearCommand) Usage() string       { return "clear" }

func (c *ClearCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	r.studio.ClearHistory(ctx)
	return nil
}

// EditCommand drives the edit session
type EditCommand struct{}

func (c *EditCommand) Name() string        { return "edit" }
func (c *EditCommand) Aliases() []string   { return []string{"e"} }
func (c *EditCommand) Description() string { return "Edit a history entry with follow-up prompts" }
func (c *EditCommand) Usage() string       { return "edit open <n> | edit <prompt> | edit close" }

func (c *EditCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		state := r.studio.EditState()
		if state.Target == nil {
			fmt.Fprintln(r.out, "Edit session closed")
			return nil
		}
		fmt.Fprintf(r.out, "Editing %q (%s)\n", truncate(state.Target.Prompt, 50), state.State)
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "open":
		if len(args) != 2 {
			return fmt.Errorf("usage: edit open <n>")
		}
		img, err := r.historyEntry(args[1])
		if err != nil {
			return err
		}
		if err := r.studio.OpenEdit(img); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Editing %q\n", truncate(img.Prompt, 50))
		return nil
	case "close":
		if r.studio.RequestCloseEdit() {
			fmt.Fprintln(r.out, "Edit session closed")
		}
		return nil
	}

	fmt.Fprintln(r.out, "Editing...")
	img, err := r.studio.RunEdit(ctx, strings.Join(args, " "))
	if err != nil {
		return err
	}
	r.show(img)
	return nil
}

// GraphCommand prints the pipeline
type GraphCommand struct{}

func (c *GraphCommand) Name() string        { return "graph" }
func (c *GraphCommand) Aliases() []string   { return []string{"pipeline"} }
func (c *GraphCommand) Description() string { return "Show pipeline nodes and connections" }
func (c *GraphCommand) Usage() string       { return "graph" }

func (c *GraphCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	g := r.evaluator.Graph()
	for _, n := range g.Nodes() {
		fmt.Fprintf(r.out, "  %s  %-9s %s\n", shortID(n.ID), n.Kind, describeNode(n))
	}
	for _, e := range g.Edges() {
		fmt.Fprintf(r.out, "  %s -> %s", shortID(e.Source), shortID(e.Target))
		if e.TargetPort != "" {
			fmt.Fprintf(r.out, " (%s)", e.TargetPort)
		}
		fmt.Fprintln(r.out)
	}
	return nil
}

func describeNode(n pipeline.Node) string {
	var parts []string
	switch n.Kind {
	case pipeline.KindPrompt, pipeline.KindRefiner:
		parts = append(parts, fmt.Sprintf("%q", truncate(n.Data.Text, 40)))
	case pipeline.KindImage:
		if n.Data.Image != "" {
			parts = append(parts, "image set")
		}
	case pipeline.KindGenerator:
		parts = append(parts, fmt.Sprintf("%s %s", n.Data.Resolution, n.Data.AspectRatio))
	}
	if n.Data.Output != "" {
		parts = append(parts, "has output")
	}
	if n.Data.Loading {
		parts = append(parts, "running")
	}
	if n.Data.Error != "" {
		parts = append(parts, "error: "+n.Data.Error)
	}
	return strings.Join(parts, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveNode finds a node by ID or unique ID prefix.
func (r *REPL) resolveNode(prefix string) (pipeline.Node, error) {
	var found []pipeline.Node
	for _, n := range r.evaluator.Graph().Nodes() {
		if n.ID == prefix {
			return n, nil
		}
		if strings.HasPrefix(n.ID, prefix) {
			found = append(found, n)
		}
	}
	switch len(found) {
	case 0:
		return pipeline.Node{}, fmt.Errorf("%w: %s", pipeline.ErrNodeNotFound, prefix)
	case 1:
		return found[0], nil
	default:
		return pipeline.Node{}, fmt.Errorf("ambiguous node id: %s", prefix)
	}
}

// NodeCommand edits pipeline nodes
type NodeCommand struct{}

func (c *NodeCommand) Name() string        { return "node" }
func (c *NodeCommand) Aliases() []string   { return nil }
func (c *NodeCommand) Description() string { return "Add, remove or configure pipeline nodes" }
func (c *NodeCommand) Usage() string {
	return "node add <kind> | node rm <id> | node text <id> <text> | node image <id> <path> | node config <id> <res> <ratio>"
}

func (c *NodeCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	g := r.evaluator.Graph()

	if strings.ToLower(args[0]) == "add" {
		n, err := g.AddNode(pipeline.Kind(strings.ToLower(args[1])))
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Added %s %s\n", n.Kind, shortID(n.ID))
		return nil
	}

	n, err := r.resolveNode(args[1])
	if err != nil {
		return err
	}
	rest := args[2:]

	switch strings.ToLower(args[0]) {
	case "rm", "remove":
		return g.RemoveNode(n.ID)
	case "text":
		return g.SetText(n.ID, strings.Join(rest, " "))
	case "image":
		if len(rest) == 0 {
			return g.ClearImage(n.ID)
		}
		up, err := r.compressor.CompressFile(rest[0])
		if err != nil {
			return err
		}
		if err := g.SetImage(n.ID, up.URL); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Image set (%s)\n", up.Label)
		return nil
	case "config":
		if len(rest) != 2 {
			return fmt.Errorf("usage: node config <id> <res> <ratio>")
		}
		res, err := models.ParseResolution(rest[0])
		if err != nil {
			return err
		}
		ratio, err := models.ParseAspectRatio(rest[1])
		if err != nil {
			return err
		}
		return g.SetConfig(n.ID, res, ratio)
	default:
		return fmt.Errorf("usage: %s", c.Usage())
	}
}

// ConnectCommand links two pipeline nodes
type ConnectCommand struct{}

func (c *ConnectCommand) Name() string        { return "connect" }
func (c *ConnectCommand) Aliases() []string   { return []string{"link"} }
func (c *ConnectCommand) Description() string { return "Connect two pipeline nodes" }
func (c *ConnectCommand) Usage() string       { return "connect <source> <target> [port]" }

func (c *ConnectCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	src, err := r.resolveNode(args[0])
	if err != nil {
		return err
	}
	dst, err := r.resolveNode(args[1])
	if err != nil {
		return err
	}

	port := ""
	if len(args) == 3 {
		port = args[2]
	} else if src.Kind == pipeline.KindPrompt {
		port = pipeline.PortPrompt
	} else {
		port = pipeline.PortImage
	}

	srcPort := pipeline.PortOut
	if src.Kind == pipeline.KindOutput && dst.Kind == pipeline.KindRefiner {
		srcPort = pipeline.PortSource
	}

	_, err = r.evaluator.Graph().Connect(src.ID, srcPort, dst.ID, port)
	return err
}

// RunCommand runs a Generator or Refiner node
type RunCommand struct{}

func (c *RunCommand) Name() string        { return "run" }
func (c *RunCommand) Aliases() []string   { return nil }
func (c *RunCommand) Description() string { return "Run a generator or refiner node" }
func (c *RunCommand) Usage() string       { return "run <id>" }

func (c *RunCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	n, err := r.resolveNode(args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Running %s %s...\n", n.Kind, shortID(n.ID))
	url, err := r.evaluator.RunNode(ctx, n.ID)
	if err != nil {
		return err
	}
	r.show(models.GeneratedImage{URL: url, Prompt: string(n.Kind) + " " + shortID(n.ID), Timestamp: time.Now().UnixMilli()})
	return nil
}

// HelpCommand shows available commands
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Aliases() []string   { return []string{"?"} }
func (c *HelpCommand) Description() string { return "Show available commands" }
func (c *HelpCommand) Usage() string       { return "help" }

func (c *HelpCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out)

	for _, cmd := range r.ordered {
		aliases := ""
		if len(cmd.Aliases()) > 0 {
			aliases = fmt.Sprintf(" (%s)", strings.Join(cmd.Aliases(), ", "))
		}
		fmt.Fprintf(r.out, "  %-20s%s\n", cmd.Name()+aliases, cmd.Description())
		fmt.Fprintf(r.out, "                      Usage: %s\n", cmd.Usage())
	}
	return nil
}

// QuitCommand exits the REPL
type QuitCommand struct{}

func (c *QuitCommand) Name() string        { return "quit" }
func (c *QuitCommand) Aliases() []string   { return []string{"exit", "q"} }
func (c *QuitCommand) Description() string { return "Exit interactive mode" }
func (c *QuitCommand) Usage() string       { return "quit" }

func (c *QuitCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	if !r.studio.RequestCloseEdit() {
		return errors.New("an edit is still running")
	}
	fmt.Fprintln(r.out, "Goodbye!")
	r.Stop()
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
