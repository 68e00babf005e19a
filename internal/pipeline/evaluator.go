package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/manash/imgstudio/internal/provider"
	"github.com/manash/imgstudio/pkg/models"
)

var (
	ErrNodeBusy = errors.New("node is already running")
	ErrNoPrompt = errors.New("no prompt connected")
	ErrNoSource = errors.New("no source image connected")
)

// maxInputImages is the number of reference images a Generator forwards.
const maxInputImages = 1

type Evaluator struct {
	graph    *Graph
	provider provider.Provider
	logger   *slog.Logger
}

func NewEvaluator(g *Graph, p provider.Provider, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{graph: g, provider: p, logger: logger.With("component", "pipeline")}
}

func (e *Evaluator) Graph() *Graph {
	return e.graph
}

// RunNode runs a Generator or Refiner node.
func (e *Evaluator) RunNode(ctx context.Context, id string) (string, error) {
	n, ok := e.graph.Node(id)
	if !ok {
		return "", ErrNodeNotFound
	}
	switch n.Kind {
	case KindGenerator:
		return e.Run(ctx, id)
	case KindRefiner:
		return e.RunRefine(ctx, id)
	default:
		return "", ErrWrongKind
	}
}

type generatorInputs struct {
	prompt string
	images []string
	res    models.Resolution
	ratio  models.AspectRatio
}

// Run resolves a Generator's inputs from its incoming edges, generates, and
// pushes the result to every Output node it feeds.
func (e *Evaluator) Run(ctx context.Context, id string) (string, error) {
	in, err := e.beginGenerator(id)
	if err != nil {
		return "", err
	}

	e.logger.Debug("running generator", "node", id, "images", len(in.images))
	url, err := e.provider.GenerateImage(ctx, &models.GenerateRequest{
		Prompt:          in.prompt,
		ReferenceImages: in.images,
		Resolution:      in.res,
		AspectRatio:     in.ratio,
	})
	if err != nil {
		e.fail(id, err)
		return "", err
	}

	e.graph.mu.Lock()
	if n, ok := e.graph.nodes[id]; ok {
		n.Data.Loading = false
		n.Data.Output = url
		for _, edge := range e.graph.outgoingLocked(id) {
			if out, ok := e.graph.nodes[edge.Target]; ok && out.Kind == KindOutput {
				out.Data.Output = url
				out.Data.Resolution = in.res
				out.Data.AspectRatio = in.ratio
			}
		}
	}
	e.graph.mu.Unlock()

	e.ensureRefiner()
	return url, nil
}

func (e *Evaluator) beginGenerator(id string) (generatorInputs, error) {
	g := e.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.beginLocked(id, KindGenerator)
	if err != nil {
		return generatorInputs{}, err
	}

	in := generatorInputs{res: n.Data.Resolution, ratio: n.Data.AspectRatio}
	for _, edge := range g.incomingLocked(id) {
		src, ok := g.nodes[edge.Source]
		if !ok {
			continue
		}
		switch src.Kind {
		case KindPrompt:
			in.prompt = src.Data.Text
		case KindImage:
			if src.Data.Image != "" {
				in.images = append(in.images, src.Data.Image)
			}
		}
	}

	if strings.TrimSpace(in.prompt) == "" {
		n.Data.Loading = false
		n.Data.Error = ErrNoPrompt.Error()
		return generatorInputs{}, ErrNoPrompt
	}
	if len(in.images) > maxInputImages {
		in.images = in.images[:maxInputImages]
	}
	return in, nil
}

// beginLocked marks the node as running after checking its kind, that it is
// idle, and that the graph is acyclic. It clears the node's previous error.
func (g *Graph) beginLocked(id string, kind Kind) (*Node, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if n.Kind != kind {
		return nil, ErrWrongKind
	}
	if n.Data.Loading {
		return nil, ErrNodeBusy
	}
	if _, err := g.orderLocked(); err != nil {
		n.Data.Error = err.Error()
		return nil, err
	}
	n.Data.Loading = true
	n.Data.Error = ""
	return n, nil
}

func (e *Evaluator) fail(id string, err error) {
	e.logger.Warn("node run failed", "node", id, "error", err)
	e.graph.mu.Lock()
	defer e.graph.mu.Unlock()
	if n, ok := e.graph.nodes[id]; ok {
		n.Data.Loading = false
		n.Data.Error = err.Error()
	}
}

// ensureRefiner creates the Refiner the first time a generation succeeds and
// wires it from the first Output node. It is a no-op when one exists.
func (e *Evaluator) ensureRefiner() {
	g := e.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.firstOfKindLocked(KindRefiner) != nil {
		return
	}
	out := g.firstOfKindLocked(KindOutput)
	if out == nil {
		return
	}
	refiner := g.addLocked(KindRefiner)
	g.connectLocked(out.ID, PortSource, refiner.ID, PortImage)
	e.logger.Debug("refiner added", "node", refiner.ID, "source", out.ID)
}

// RunRefine regenerates the image held by the Output node connected to the
// Refiner, using the Refiner's prompt and the Output's framing.
func (e *Evaluator) RunRefine(ctx context.Context, id string) (string, error) {
	req, err := e.beginRefiner(id)
	if err != nil {
		return "", err
	}

	e.logger.Debug("running refiner", "node", id)
	url, err := e.provider.GenerateImage(ctx, req)
	if err != nil {
		e.fail(id, err)
		return "", err
	}

	e.graph.mu.Lock()
	if n, ok := e.graph.nodes[id]; ok {
		n.Data.Loading = false
		n.Data.Output = url
	}
	e.graph.mu.Unlock()
	return url, nil
}

func (e *Evaluator) beginRefiner(id string) (*models.GenerateRequest, error) {
	g := e.graph
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.beginLocked(id, KindRefiner)
	if err != nil {
		return nil, err
	}

	var source *Node
	for _, edge := range g.incomingLocked(id) {
		if src, ok := g.nodes[edge.Source]; ok && src.Kind == KindOutput {
			source = src
			break
		}
	}

	var reason error
	switch {
	case strings.TrimSpace(n.Data.Text) == "":
		reason = ErrNoPrompt
	case source == nil || source.Data.Output == "":
		reason = ErrNoSource
	}
	if reason != nil {
		n.Data.Loading = false
		n.Data.Error = reason.Error()
		return nil, reason
	}

	return &models.GenerateRequest{
		Prompt:          n.Data.Text,
		ReferenceImages: []string{source.Data.Output},
		Resolution:      source.Data.Resolution,
		AspectRatio:     source.Data.AspectRatio,
	}, nil
}
