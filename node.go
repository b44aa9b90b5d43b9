package pipeline

// FlushOptions controls how Node.Terminate and Pipeline.Terminate drain
// in-flight work.
type FlushOptions struct {
	// WaitForIdle is accepted by every Terminate in this module but does
	// not change what it does: a node's Terminate returns once its own
	// input is drained and its workers have joined, whatever the flag, and
	// does not wait for downstream sinks. Pipeline.Terminate drains the
	// whole graph by terminating the nodes one by one, source-first.
	WaitForIdle bool
}

// Node is the common contract every pipeline stage implements: an inbound
// bounded work queue, a worker pool, and the start/terminate/restart
// lifecycle. Concrete nodes (Scaler, Basecaller, ModBaseCaller, ReadFilter,
// ReadToBamType, Aligner, Writer, BarcodeClassifier, DataLoader) implement
// this interface (node/scaler by embedding node/base.Base) so the Pipeline
// descriptor can drive them uniformly.
type Node interface {
	// GetName returns the node's identifying name, used in logs and
	// stats keys.
	GetName() string

	// SampleStats returns a snapshot of this node's counters.
	SampleStats() Stats

	// Send delivers a message to this node's inbound queue, blocking
	// under back-pressure. Returns ErrQueueTerminated if the node has
	// been terminated.
	Send(Message) error

	// Terminate idempotently stops accepting new input, drains whatever
	// is already queued, and joins every worker goroutine this node
	// owns. It never forcibly cancels in-flight work.
	Terminate(FlushOptions) error

	// Restart re-opens the node's queue and respawns its worker pool.
	// Only legal after Terminate has returned.
	Restart()
}

// Sink is something a node can forward completed messages to: either
// another Node's inbound queue, or a terminal consumer such as the test
// harness's collector. Defined separately from Node so that a terminal
// consumer need not implement the full Node lifecycle.
type Sink interface {
	Send(Message) error
}

// NopSink discards every message sent to it; a Sink for a node wired as the
// pipeline's terminus in tests. Writer does not use it: it has no sink at
// all.
type NopSink struct{}

// Send implements Sink.
func (NopSink) Send(Message) error { return nil }
