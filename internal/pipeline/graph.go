// Package pipeline models image generation as a small graph of typed nodes
// and evaluates it by resolving each run's inputs through incoming edges.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/manash/imgstudio/pkg/models"
)

var (
	ErrNodeNotFound = errors.New("node not found")
	ErrEdgeNotFound = errors.New("edge not found")
	ErrUnknownKind  = errors.New("unknown node kind")
	ErrWrongKind    = errors.New("operation not supported for this node kind")
	ErrCycle        = errors.New("pipeline contains a cycle")
)

type Kind string

const (
	KindPrompt    Kind = "prompt"
	KindImage     Kind = "image"
	KindGenerator Kind = "generator"
	KindRefiner   Kind = "refiner"
	KindOutput    Kind = "output"
)

func (k Kind) IsValid() bool {
	switch k {
	case KindPrompt, KindImage, KindGenerator, KindRefiner, KindOutput:
		return true
	}
	return false
}

const (
	PortPrompt = "prompt"
	PortImage  = "image"
	PortOut    = "out"
	PortSource = "source"
)

// Data is the per-node payload. Which fields apply depends on the kind:
// Text for Prompt and Refiner, Image for Image, Resolution and AspectRatio
// for Generator and Output, and the run state for Generator and Refiner.
type Data struct {
	Text        string             `json:"text,omitempty"`
	Image       string             `json:"image,omitempty"`
	Resolution  models.Resolution  `json:"resolution,omitempty"`
	AspectRatio models.AspectRatio `json:"aspect_ratio,omitempty"`
	Output      string             `json:"output,omitempty"`
	Loading     bool               `json:"loading"`
	Error       string             `json:"error,omitempty"`
}

type Node struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
	Data Data   `json:"data"`
}

type Edge struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	SourcePort string `json:"source_port,omitempty"`
	Target     string `json:"target"`
	TargetPort string `json:"target_port,omitempty"`
}

type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Graph is a set of nodes and directed edges. Connections are not checked
// for cycles when added; Order reports them.
type Graph struct {
	mu    sync.Mutex
	nodes map[string]*Node
	ids   []string
	edges []Edge
	newID func() string
}

func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]*Node),
		newID: uuid.NewString,
	}
}

// NewDefaultGraph wires Prompt and Image into a Generator feeding an Output.
func NewDefaultGraph() *Graph {
	g := NewGraph()
	prompt, _ := g.AddNode(KindPrompt)
	img, _ := g.AddNode(KindImage)
	gen, _ := g.AddNode(KindGenerator)
	out, _ := g.AddNode(KindOutput)

	g.Connect(prompt.ID, PortOut, gen.ID, PortPrompt)
	g.Connect(img.ID, PortOut, gen.ID, PortImage)
	g.Connect(gen.ID, PortOut, out.ID, PortImage)
	return g
}

func (g *Graph) AddNode(kind Kind) (Node, error) {
	if !kind.IsValid() {
		return Node{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.addLocked(kind), nil
}

func (g *Graph) addLocked(kind Kind) *Node {
	n := &Node{ID: g.newID(), Kind: kind}
	if kind == KindGenerator {
		n.Data.Resolution = models.DefaultResolution
		n.Data.AspectRatio = models.DefaultAspectRatio
	}
	g.nodes[n.ID] = n
	g.ids = append(g.ids, n.ID)
	return n
}

// RemoveNode deletes the node and every edge touching it.
func (g *Graph) RemoveNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(g.nodes, id)
	for i, existing := range g.ids {
		if existing == id {
			g.ids = append(g.ids[:i:i], g.ids[i+1:]...)
			break
		}
	}
	edges := g.edges[:0:0]
	for _, e := range g.edges {
		if e.Source != id && e.Target != id {
			edges = append(edges, e)
		}
	}
	g.edges = edges
	return nil
}

func (g *Graph) Connect(source, sourcePort, target, targetPort string) (Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.nodes[source]; !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrNodeNotFound, source)
	}
	if _, ok := g.nodes[target]; !ok {
		return Edge{}, fmt.Errorf("%w: %s", ErrNodeNotFound, target)
	}
	return g.connectLocked(source, sourcePort, target, targetPort), nil
}

func (g *Graph) connectLocked(source, sourcePort, target, targetPort string) Edge {
	e := Edge{
		ID:         g.newID(),
		Source:     source,
		SourcePort: sourcePort,
		Target:     target,
		TargetPort: targetPort,
	}
	g.edges = append(g.edges, e)
	return e
}

func (g *Graph) Disconnect(edgeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, e := range g.edges {
		if e.ID == edgeID {
			g.edges = append(g.edges[:i:i], g.edges[i+1:]...)
			return nil
		}
	}
	return ErrEdgeNotFound
}

func (g *Graph) Node(id string) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns the nodes in creation order.
func (g *Graph) Nodes() []Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Node, 0, len(g.ids))
	for _, id := range g.ids {
		out = append(out, *g.nodes[id])
	}
	return out
}

func (g *Graph) Edges() []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Edge(nil), g.edges...)
}

func (g *Graph) Snapshot() Snapshot {
	return Snapshot{Nodes: g.Nodes(), Edges: g.Edges()}
}

func (g *Graph) Incoming(id string) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.incomingLocked(id)
}

func (g *Graph) incomingLocked(id string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Target == id {
			out = append(out, e)
		}
	}
	return out
}

func (g *Graph) Outgoing(id string) []Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outgoingLocked(id)
}

func (g *Graph) outgoingLocked(id string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// update applies fn to the node if it exists and has one of kinds.
func (g *Graph) update(id string, fn func(*Data), kinds ...Kind) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	if !hasKind(n.Kind, kinds) {
		return fmt.Errorf("%w: %s", ErrWrongKind, n.Kind)
	}
	fn(&n.Data)
	return nil
}

func hasKind(k Kind, kinds []Kind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// SetText sets a Prompt node's text or a Refiner's prompt.
func (g *Graph) SetText(id, text string) error {
	return g.update(id, func(d *Data) { d.Text = text }, KindPrompt, KindRefiner)
}

// SetImage replaces the image held by an Image node.
func (g *Graph) SetImage(id, url string) error {
	return g.update(id, func(d *Data) { d.Image = url }, KindImage)
}

func (g *Graph) ClearImage(id string) error {
	return g.SetImage(id, "")
}

func (g *Graph) SetConfig(id string, res models.Resolution, ratio models.AspectRatio) error {
	if !res.IsValid() {
		return models.ErrInvalidResolution
	}
	if !ratio.IsValid() {
		return models.ErrInvalidAspectRatio
	}
	return g.update(id, func(d *Data) {
		d.Resolution = res
		d.AspectRatio = ratio
	}, KindGenerator)
}

// Order returns node IDs in topological order, or ErrCycle.
func (g *Graph) Order() ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.orderLocked()
}

func (g *Graph) orderLocked() ([]string, error) {
	indegree := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		indegree[id] = 0
	}
	for _, e := range g.edges {
		indegree[e.Target]++
	}

	queue := make([]string, 0, len(g.ids))
	for _, id := range g.ids {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, e := range g.outgoingLocked(id) {
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}

	if len(order) != len(g.ids) {
		return nil, ErrCycle
	}
	return order, nil
}

// firstOfKindLocked returns the earliest created node of kind.
func (g *Graph) firstOfKindLocked(kind Kind) *Node {
	for _, id := range g.ids {
		if n := g.nodes[id]; n.Kind == kind {
			return n
		}
	}
	return nil
}
