package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tarungka/reflow/internal/types"
)

// Sentinel errors for build-time failures.
var (
	ErrInvalidTopology   = errors.New("dag: invalid topology")
	ErrPortNotFound      = errors.New("dag: port not found")
	ErrMissingInput      = errors.New("dag: missing input")
	ErrNodeAlreadyExists = errors.New("dag: node already exists")
	ErrNodeNotFound      = errors.New("dag: node not found")
	ErrSchemaMismatch    = errors.New("dag: schema mismatch")
)

// Node is one vertex of the graph. Exactly one factory field is set,
// matching Kind.
type Node struct {
	ID   string
	Kind NodeKind

	Source    SourceFactory
	Processor ProcessorFactory
	Sink      SinkFactory
}

// Edge is a typed, directed connection between two node ports. Schema is
// populated by Build.
type Edge struct {
	From     string
	FromPort Port
	To       string
	ToPort   Port
	Schema   types.Schema
}

// Dag is a validated, schema-typed graph ready for execution. Immutable.
type Dag struct {
	nodes map[string]*Node
	edges []*Edge
	order []string // topological
}

func (d *Dag) Node(id string) (*Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// Nodes returns node ids in topological order.
func (d *Dag) Nodes() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// InEdges returns the edges entering a node, sorted by input port.
func (d *Dag) InEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range d.edges {
		if e.To == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToPort < out[j].ToPort })
	return out
}

// OutEdges returns the edges leaving a node, sorted by output port.
func (d *Dag) OutEdges(id string) []*Edge {
	var out []*Edge
	for _, e := range d.edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromPort < out[j].FromPort })
	return out
}

// Sources returns source node ids in topological order.
func (d *Dag) Sources() []string {
	var out []string
	for _, id := range d.order {
		if d.nodes[id].Kind == KindSource {
			out = append(out, id)
		}
	}
	return out
}

// Sinks returns sink node ids in topological order.
func (d *Dag) Sinks() []string {
	var out []string
	for _, id := range d.order {
		if d.nodes[id].Kind == KindSink {
			out = append(out, id)
		}
	}
	return out
}

// Builder accumulates nodes and connections, then validates and types the
// graph. Not safe for concurrent use; the built Dag is immutable and safe to
// share.
type Builder struct {
	nodes map[string]*Node
	edges []*Edge
	err   error
}

func NewBuilder() *Builder {
	return &Builder{nodes: make(map[string]*Node)}
}

func (b *Builder) addNode(n *Node) {
	if b.err != nil {
		return
	}
	if _, exists := b.nodes[n.ID]; exists {
		b.err = fmt.Errorf("%w: %q", ErrNodeAlreadyExists, n.ID)
		return
	}
	b.nodes[n.ID] = n
}

func (b *Builder) AddSource(id string, f SourceFactory) *Builder {
	b.addNode(&Node{ID: id, Kind: KindSource, Source: f})
	return b
}

func (b *Builder) AddProcessor(id string, f ProcessorFactory) *Builder {
	b.addNode(&Node{ID: id, Kind: KindProcessor, Processor: f})
	return b
}

func (b *Builder) AddSink(id string, f SinkFactory) *Builder {
	b.addNode(&Node{ID: id, Kind: KindSink, Sink: f})
	return b
}

// Connect wires an output port of one node to an input port of another.
func (b *Builder) Connect(from string, fromPort Port, to string, toPort Port) *Builder {
	if b.err != nil {
		return b
	}
	b.edges = append(b.edges, &Edge{From: from, FromPort: fromPort, To: to, ToPort: toPort})
	return b
}

// Build validates the topology, runs schema propagation in topological order
// and returns the typed graph.
func (b *Builder) Build() (*Dag, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, fmt.Errorf("%w: empty graph", ErrInvalidTopology)
	}

	for _, e := range b.edges {
		from, ok := b.nodes[e.From]
		if !ok {
			return nil, fmt.Errorf("%w: edge from %q", ErrNodeNotFound, e.From)
		}
		to, ok := b.nodes[e.To]
		if !ok {
			return nil, fmt.Errorf("%w: edge to %q", ErrNodeNotFound, e.To)
		}
		if from.Kind == KindSink {
			return nil, fmt.Errorf("%w: sink %q has an output edge", ErrInvalidTopology, e.From)
		}
		if to.Kind == KindSource {
			return nil, fmt.Errorf("%w: source %q has an input edge", ErrInvalidTopology, e.To)
		}
	}

	// No two edges may share a consumer port: channels are single-producer.
	seenIn := make(map[string]struct{})
	for _, e := range b.edges {
		key := fmt.Sprintf("%s/%d", e.To, e.ToPort)
		if _, dup := seenIn[key]; dup {
			return nil, fmt.Errorf("%w: input port %d of %q wired twice", ErrInvalidTopology, e.ToPort, e.To)
		}
		seenIn[key] = struct{}{}
	}

	order, err := b.topoSort()
	if err != nil {
		return nil, err
	}

	d := &Dag{nodes: b.nodes, edges: b.edges, order: order}
	if err := d.propagateSchemas(); err != nil {
		return nil, err
	}
	return d, nil
}

// topoSort is Kahn's algorithm; leftovers mean a cycle.
func (b *Builder) topoSort() ([]string, error) {
	indeg := make(map[string]int, len(b.nodes))
	for id := range b.nodes {
		indeg[id] = 0
	}
	for _, e := range b.edges {
		indeg[e.To]++
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready) // deterministic order

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var next []string
		for _, e := range b.edges {
			if e.From != id {
				continue
			}
			indeg[e.To]--
			if indeg[e.To] == 0 {
				next = append(next, e.To)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
	}

	if len(order) != len(b.nodes) {
		var stuck []string
		for id, d := range indeg {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: cycle through %v", ErrInvalidTopology, stuck)
	}
	return order, nil
}

func (d *Dag) propagateSchemas() error {
	for _, id := range d.order {
		n := d.nodes[id]
		switch n.Kind {
		case KindSource:
			if len(d.InEdges(id)) != 0 {
				return fmt.Errorf("%w: source %q has inputs", ErrInvalidTopology, id)
			}
			outs, err := n.Source.OutputSchemas()
			if err != nil {
				return fmt.Errorf("source %q: %w", id, err)
			}
			if err := d.assignOutputs(id, outs); err != nil {
				return err
			}

		case KindProcessor:
			ins := d.InEdges(id)
			if len(ins) == 0 {
				return fmt.Errorf("%w: processor %q has no inputs", ErrMissingInput, id)
			}
			inputs := make(map[Port]types.Schema, len(ins))
			for _, e := range ins {
				inputs[e.ToPort] = e.Schema
			}
			outs, err := n.Processor.OutputSchemas(inputs)
			if err != nil {
				return fmt.Errorf("processor %q: %w", id, err)
			}
			if err := d.assignOutputs(id, outs); err != nil {
				return err
			}

		case KindSink:
			ins := d.InEdges(id)
			if len(ins) != 1 {
				return fmt.Errorf("%w: sink %q has %d inputs, exactly one required", ErrInvalidTopology, id, len(ins))
			}
			if len(d.OutEdges(id)) != 0 {
				return fmt.Errorf("%w: sink %q has outputs", ErrInvalidTopology, id)
			}
		}
	}
	return nil
}

// assignOutputs stamps produced schemas onto outgoing edges and checks that
// every wired port exists and carries a valid schema. Declared ports without
// an outgoing edge are not reported.
func (d *Dag) assignOutputs(id string, outs map[Port]types.Schema) error {
	for _, e := range d.OutEdges(id) {
		schema, ok := outs[e.FromPort]
		if !ok {
			return fmt.Errorf("%w: node %q has no output port %d", ErrPortNotFound, id, e.FromPort)
		}
		if err := schema.Validate(); err != nil {
			return fmt.Errorf("%w: node %q port %d: %v", ErrSchemaMismatch, id, e.FromPort, err)
		}
		e.Schema = schema
	}
	return nil
}
