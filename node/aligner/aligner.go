// Package aligner implements the optional Aligner stage (§4.7): wraps a
// minimizer index and, for each input record, produces zero or more
// aligned records through a worker pool. Supplementary alignments for the
// same record are ordered deterministically by target, then position, then
// CIGAR lexical order.
//
// Grounded on node/scaler's worker-pool shape; the minimizer index itself
// is an injected dependency (Index) since no in-pack library implements
// one — recorded in DESIGN.md as a deliberate interface seam rather than a
// dropped dependency.
package aligner

import (
	"sort"
	"sync"
	"sync/atomic"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/queue"
)

// Alignment is one hit an Index returns for a query sequence.
type Alignment struct {
	TargetID        string
	TargetStart     int
	TargetEnd       int
	Strand          byte
	CIGAR           string
	MapQ            uint8
	Supplementary   bool
}

// Index is the minimizer index capability (§4.7's "k, w" parameters are
// the index's construction-time concern, not the Aligner's).
type Index interface {
	Align(querySeq []byte) ([]Alignment, error)
}

// Aligner is the Aligner node.
type Aligner struct {
	name  string
	sink  pipeline.Sink
	index Index

	inbound    *queue.Queue[pipeline.Message]
	numWorkers int

	wg      sync.WaitGroup
	started bool

	numRecordsIn   int64
	numRecordsOut  int64
	numUnmapped    int64
}

// New constructs and starts an Aligner with the given worker count.
func New(name string, sink pipeline.Sink, index Index, numWorkers, inboundCapacity int) *Aligner {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	a := &Aligner{
		name:       name,
		sink:       sink,
		index:      index,
		inbound:    queue.New[pipeline.Message](inboundCapacity),
		numWorkers: numWorkers,
	}
	a.startThreads()
	return a
}

func (a *Aligner) startThreads() {
	if a.started {
		return
	}
	a.started = true
	for i := 0; i < a.numWorkers; i++ {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.worker()
		}()
	}
}

// GetName implements pipeline.Node.
func (a *Aligner) GetName() string { return a.name }

// Send implements pipeline.Node.
func (a *Aligner) Send(msg pipeline.Message) error { return a.inbound.Push(msg) }

// Terminate implements pipeline.Node.
func (a *Aligner) Terminate(pipeline.FlushOptions) error {
	if !a.started {
		return nil
	}
	a.inbound.TerminateInput()
	a.wg.Wait()
	a.started = false
	return nil
}

// Restart implements pipeline.Node.
func (a *Aligner) Restart() {
	a.inbound.RestartInput()
	a.startThreads()
}

// SampleStats implements pipeline.Node.
func (a *Aligner) SampleStats() pipeline.Stats {
	return pipeline.Stats{
		"num_records_in":  atomic.LoadInt64(&a.numRecordsIn),
		"num_records_out": atomic.LoadInt64(&a.numRecordsOut),
		"num_unmapped":    atomic.LoadInt64(&a.numUnmapped),
	}
}

func (a *Aligner) worker() {
	log := logging.NameWorker(a.name)
	for {
		msg, ok := a.inbound.Pop()
		if !ok {
			return
		}
		rec, isRec := msg.(*pipeline.BamRecord)
		if !isRec {
			if err := a.sink.Send(msg); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
			continue
		}
		atomic.AddInt64(&a.numRecordsIn, 1)

		hits, err := a.index.Align(rec.Seq)
		if err != nil || len(hits) == 0 {
			atomic.AddInt64(&a.numUnmapped, 1)
			if err := a.sink.Send(rec); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
			continue
		}

		sortDeterministic(hits)
		for i, h := range hits {
			out := *rec
			out.RefName = h.TargetID
			out.RefPos = h.TargetStart
			out.Cigar = h.CIGAR
			out.MapQ = h.MapQ
			out.Supplementary = i > 0
			if h.Strand == '-' {
				out.Flags |= 0x10
			}
			if out.Supplementary {
				out.Flags |= 0x800
			}
			if err := a.sink.Send(&out); err != nil {
				log.WithError(err).Debug("send after terminate")
				continue
			}
			atomic.AddInt64(&a.numRecordsOut, 1)
		}
	}
}

// sortDeterministic orders hits by target, then position, then CIGAR
// lexical order, per §4.7's reproducibility requirement. The first hit in
// the resulting order becomes the primary alignment; the rest are emitted
// as supplementary.
func sortDeterministic(hits []Alignment) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].TargetID != hits[j].TargetID {
			return hits[i].TargetID < hits[j].TargetID
		}
		if hits[i].TargetStart != hits[j].TargetStart {
			return hits[i].TargetStart < hits[j].TargetStart
		}
		return hits[i].CIGAR < hits[j].CIGAR
	})
}
