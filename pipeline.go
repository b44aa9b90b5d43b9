package pipeline

// Pipeline is the static directed graph of nodes built by Builder, held
// source-first (DataLoader ... Writer).
type Pipeline struct {
	order []Node
}

// Builder accumulates nodes in the order they are added, which callers keep
// source-first (the reverse of Go construction order, since a node can only
// be constructed after the sinks it sends to). It does not check that order
// against how the nodes are wired: a node added out of topological order is
// recorded as given.
type Builder struct {
	nodes []Node
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends a node to the pipeline, source-first. The caller is
// responsible for having already wired the node's sink to a
// previously-added node (or a terminal Sink); Add only records topological
// order for lifecycle purposes.
func (b *Builder) Add(n Node) *Builder {
	b.nodes = append(b.nodes, n)
	return b
}

// Build produces the immutable Pipeline.
func (b *Builder) Build() *Pipeline {
	order := make([]Node, len(b.nodes))
	copy(order, b.nodes)
	return &Pipeline{order: order}
}

// Terminate stops nodes leaf-last, source-first: it terminates the
// DataLoader first (no more new input, drain what's queued, join its
// workers, which flushes everything into the Scaler), then the Scaler,
// and so on down to the Writer last. Each node's Terminate call is
// synchronous and only returns once that node has fully drained into its
// sink, so by construction every downstream queue is still accepting input
// while an upstream node is draining into it — terminating leaf-last is
// what prevents the deadlock that terminating sink-first would cause.
func (p *Pipeline) Terminate(flush FlushOptions) error {
	var errs execErrors
	for _, n := range p.order {
		if err := n.Terminate(flush); err != nil {
			errs = append(errs, err)
		}
	}
	return errs.ret()
}

// Restart restarts every node source-first, the same order as Terminate; only
// legal once Terminate has returned for all nodes.
func (p *Pipeline) Restart() {
	for _, n := range p.order {
		n.Restart()
	}
}

// Stats samples every node's counters into one flat map keyed by node
// name.
func (p *Pipeline) Stats() Stats {
	out := Stats{}
	for _, n := range p.order {
		out = out.Merge(n.GetName(), n.SampleStats())
	}
	return out
}

// Nodes returns the pipeline's nodes in source-first order, primarily for
// tests.
func (p *Pipeline) Nodes() []Node {
	out := make([]Node, len(p.order))
	copy(out, p.order)
	return out
}
