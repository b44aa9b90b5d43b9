// Package correction implements the error-correction routing sink
// (SUPPLEMENTED FEATURES): a terminal node that writes CorrectionAlignments
// batches as PAF-like records, independent of the main Basecaller→Writer
// path, exercising the pipeline's heterogeneous-message dispatch contract.
//
// Grounded on original_source/dorado/read_pipeline/CorrectionNode.h and
// ErrorCorrectionPafWriterNode.cpp, which route per-window alignments to a
// dedicated writer rather than through the BAM output path.
package correction

import (
	"bufio"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/queue"
)

// Sink is the correction-alignment writer node. Like node/writer, it has
// no downstream Sink of its own; it is a pipeline terminus.
type Sink struct {
	name string
	out  *bufio.Writer
	mu   sync.Mutex

	inbound *queue.Queue[pipeline.Message]

	numWorkers int
	wg         sync.WaitGroup
	started    bool

	numWindowsWritten int64
	numBatchesIn      int64
}

// New constructs and starts a correction Sink over dst.
func New(name string, dst io.Writer, numWorkers, inboundCapacity int) *Sink {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	s := &Sink{
		name:       name,
		out:        bufio.NewWriter(dst),
		inbound:    queue.New[pipeline.Message](inboundCapacity),
		numWorkers: numWorkers,
	}
	s.startThreads()
	return s
}

func (s *Sink) startThreads() {
	if s.started {
		return
	}
	s.started = true
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker()
		}()
	}
}

// GetName implements pipeline.Node.
func (s *Sink) GetName() string { return s.name }

// Send implements pipeline.Node.
func (s *Sink) Send(msg pipeline.Message) error { return s.inbound.Push(msg) }

// Terminate implements pipeline.Node.
func (s *Sink) Terminate(pipeline.FlushOptions) error {
	if !s.started {
		return nil
	}
	s.inbound.TerminateInput()
	s.wg.Wait()
	s.started = false

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Flush()
}

// Restart implements pipeline.Node.
func (s *Sink) Restart() {
	s.inbound.RestartInput()
	s.startThreads()
}

// SampleStats implements pipeline.Node.
func (s *Sink) SampleStats() pipeline.Stats {
	return pipeline.Stats{
		"num_correction_batches_in": atomic.LoadInt64(&s.numBatchesIn),
		"num_correction_windows_written": atomic.LoadInt64(&s.numWindowsWritten),
	}
}

func (s *Sink) worker() {
	log := logging.NameWorker(s.name)
	for {
		msg, ok := s.inbound.Pop()
		if !ok {
			return
		}
		batch, isBatch := msg.(*pipeline.CorrectionAlignments)
		if !isBatch {
			// Not ours; this stage is the final consumer of
			// CorrectionAlignments, so anything else is dropped.
			continue
		}
		atomic.AddInt64(&s.numBatchesIn, 1)
		n, err := s.writeBatch(batch)
		if err != nil {
			log.WithError(err).WithField("read_id", batch.ReadID).Warn("correction write failed")
			continue
		}
		atomic.AddInt64(&s.numWindowsWritten, int64(n))
	}
}

// writeBatch renders each window as one PAF-like line:
// query_id query_start query_end strand target_id target_start target_end cigar
func (s *Sink) writeBatch(batch *pipeline.CorrectionAlignments) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range batch.Windows {
		if _, err := fmt.Fprintf(s.out, "%s\t%d\t%d\t%c\t%s\t%d\t%d\t%s\n",
			batch.ReadID, w.QueryStart, w.QueryEnd, w.Strand, w.TargetID, w.TargetStart, w.TargetEnd, w.CIGAR); err != nil {
			return 0, err
		}
	}
	return len(batch.Windows), nil
}
