// Package readfilter implements the ReadFilter stage (§4.5): a
// single-worker node that drops reads below a minimum mean quality score,
// or reads with an empty sequence.
//
// Grounded on node/scaler's single-purpose worker-pool shape, specialized
// to one worker per §5's "Single-worker node" requirement.
package readfilter

import (
	"sync"
	"sync/atomic"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/queue"
)

// ReadFilter is the ReadFilter node.
type ReadFilter struct {
	name string
	sink pipeline.Sink

	inbound   *queue.Queue[pipeline.Message]
	minQScore float64

	wg      sync.WaitGroup
	started bool

	numReadsIn   int64
	numFiltered  int64
	numReadsOut  int64
}

// New constructs and starts a ReadFilter with a single worker.
func New(name string, sink pipeline.Sink, minQScore float64, inboundCapacity int) *ReadFilter {
	rf := &ReadFilter{
		name:      name,
		sink:      sink,
		inbound:   queue.New[pipeline.Message](inboundCapacity),
		minQScore: minQScore,
	}
	rf.startThreads()
	return rf
}

func (rf *ReadFilter) startThreads() {
	if rf.started {
		return
	}
	rf.started = true
	rf.wg.Add(1)
	go func() {
		defer rf.wg.Done()
		rf.worker()
	}()
}

// GetName implements pipeline.Node.
func (rf *ReadFilter) GetName() string { return rf.name }

// Send implements pipeline.Node.
func (rf *ReadFilter) Send(msg pipeline.Message) error { return rf.inbound.Push(msg) }

// Terminate implements pipeline.Node.
func (rf *ReadFilter) Terminate(pipeline.FlushOptions) error {
	if !rf.started {
		return nil
	}
	rf.inbound.TerminateInput()
	rf.wg.Wait()
	rf.started = false
	return nil
}

// Restart implements pipeline.Node.
func (rf *ReadFilter) Restart() {
	rf.inbound.RestartInput()
	rf.startThreads()
}

// SampleStats implements pipeline.Node.
func (rf *ReadFilter) SampleStats() pipeline.Stats {
	return pipeline.Stats{
		"num_reads_in":  atomic.LoadInt64(&rf.numReadsIn),
		"num_filtered":  atomic.LoadInt64(&rf.numFiltered),
		"num_reads_out": atomic.LoadInt64(&rf.numReadsOut),
	}
}

func (rf *ReadFilter) worker() {
	log := logging.NameWorker(rf.name)
	for {
		msg, ok := rf.inbound.Pop()
		if !ok {
			return
		}
		r := readOf(msg)
		if r == nil {
			if err := rf.sink.Send(msg); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
			continue
		}

		atomic.AddInt64(&rf.numReadsIn, 1)

		// Signal buffers are no longer needed by anything downstream
		// of this point (§4.4's ModBaseCaller, if present, has
		// already run); free them here regardless of outcome.
		r.RawSignal = nil
		r.ScaledSignal = nil

		if len(r.Seq) == 0 || meanQScore(r.Qual) < rf.minQScore {
			atomic.AddInt64(&rf.numFiltered, 1)
			continue
		}

		atomic.AddInt64(&rf.numReadsOut, 1)
		if err := rf.sink.Send(msg); err != nil {
			log.WithError(err).Debug("send after terminate")
		}
	}
}

// meanQScore computes the arithmetic mean of phred-scaled quality values
// (§9 Open Question 2: "use arithmetic mean of phred-scaled values unless
// otherwise specified").
func meanQScore(qual []byte) float64 {
	if len(qual) == 0 {
		return 0
	}
	var sum int
	for _, q := range qual {
		sum += int(q) - 33 // Phred+33 ASCII offset
	}
	return float64(sum) / float64(len(qual))
}

func readOf(msg pipeline.Message) *pipeline.Read {
	switch r := msg.(type) {
	case *pipeline.SimplexRead:
		return &r.Read
	case *pipeline.DuplexRead:
		return &r.Read
	default:
		return nil
	}
}
