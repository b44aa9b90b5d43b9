// Package base provides the common node scaffolding (inbound queue, worker
// pool, terminate/restart lifecycle) that a concrete pipeline stage can
// embed (node/scaler does; the other stages host their own queue and
// workers), mirroring the teacher's pattern of a small shared runner core
// (pipelined-pipe's runner.go/state.go) wrapped by each stage-specific
// node.
package base

import (
	"sync"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/queue"
)

// Base is embedded by node/scaler. It owns the inbound queue and
// the worker pool, and implements the Node lifecycle methods that are
// identical across stages: GetName, Send, Terminate, Restart. Concrete
// nodes provide the worker body via WorkerFunc and their own SampleStats.
type Base struct {
	Name     string
	Queue    *queue.Queue[pipeline.Message]
	NumWorkers int

	// WorkerFunc is the per-worker loop body: drain the queue and
	// process until it reports ok=false. Set by the concrete node
	// before the first Restart/construction-time start.
	WorkerFunc func()

	wg      sync.WaitGroup
	started bool
}

// New constructs a Base with the given queue capacity and worker count,
// and immediately starts the worker pool (nodes are live from
// construction, matching the teacher's start_threads()-in-constructor
// convention carried over from original_source/dorado's *Node classes).
func New(name string, queueCapacity, numWorkers int, workerFunc func()) *Base {
	b := &Base{
		Name:       name,
		Queue:      queue.New[pipeline.Message](queueCapacity),
		NumWorkers: numWorkers,
		WorkerFunc: workerFunc,
	}
	b.startThreads()
	return b
}

func (b *Base) startThreads() {
	if b.started {
		return
	}
	b.started = true
	for i := 0; i < b.NumWorkers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.WorkerFunc()
		}()
	}
}

// GetName implements pipeline.Node.
func (b *Base) GetName() string { return b.Name }

// Send implements pipeline.Node / pipeline.Sink.
func (b *Base) Send(msg pipeline.Message) error {
	return b.Queue.Push(msg)
}

// Terminate implements pipeline.Node. It is idempotent: terminating an
// already-terminated node is a no-op.
func (b *Base) Terminate(pipeline.FlushOptions) error {
	if !b.started {
		return nil
	}
	b.Queue.TerminateInput()
	b.wg.Wait()
	b.started = false
	return nil
}

// Restart implements pipeline.Node.
func (b *Base) Restart() {
	b.Queue.RestartInput()
	b.startThreads()
}
