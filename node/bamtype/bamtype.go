// Package bamtype implements the ReadToBamType stage (§4.6): a pure,
// unbatched transformation from the internal Read representation to one or
// more output BamRecord messages, attaching the move table, trim offset,
// modification, and barcode auxiliary tags.
//
// Grounded on node/scaler's worker-pool shape; the transformation itself
// has no teacher analogue and is built directly from the spec's tag list.
package bamtype

import (
	"fmt"
	"sync"
	"sync/atomic"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/queue"
)

// BamType is the ReadToBamType node.
type BamType struct {
	name string
	sink pipeline.Sink

	inbound    *queue.Queue[pipeline.Message]
	emitMoves  bool
	numWorkers int

	wg      sync.WaitGroup
	started bool

	numReadsIn   int64
	numRecordsOut int64
}

// New constructs and starts a BamType node with the given worker count.
func New(name string, sink pipeline.Sink, emitMoves bool, numWorkers, inboundCapacity int) *BamType {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	bt := &BamType{
		name:       name,
		sink:       sink,
		inbound:    queue.New[pipeline.Message](inboundCapacity),
		emitMoves:  emitMoves,
		numWorkers: numWorkers,
	}
	bt.startThreads()
	return bt
}

func (bt *BamType) startThreads() {
	if bt.started {
		return
	}
	bt.started = true
	for i := 0; i < bt.numWorkers; i++ {
		bt.wg.Add(1)
		go func() {
			defer bt.wg.Done()
			bt.worker()
		}()
	}
}

// GetName implements pipeline.Node.
func (bt *BamType) GetName() string { return bt.name }

// Send implements pipeline.Node.
func (bt *BamType) Send(msg pipeline.Message) error { return bt.inbound.Push(msg) }

// Terminate implements pipeline.Node.
func (bt *BamType) Terminate(pipeline.FlushOptions) error {
	if !bt.started {
		return nil
	}
	bt.inbound.TerminateInput()
	bt.wg.Wait()
	bt.started = false
	return nil
}

// Restart implements pipeline.Node.
func (bt *BamType) Restart() {
	bt.inbound.RestartInput()
	bt.startThreads()
}

// SampleStats implements pipeline.Node.
func (bt *BamType) SampleStats() pipeline.Stats {
	return pipeline.Stats{
		"num_reads_in":     atomic.LoadInt64(&bt.numReadsIn),
		"num_records_out":  atomic.LoadInt64(&bt.numRecordsOut),
	}
}

func (bt *BamType) worker() {
	log := logging.NameWorker(bt.name)
	for {
		msg, ok := bt.inbound.Pop()
		if !ok {
			return
		}
		records := bt.toRecords(msg)
		if records == nil {
			if err := bt.sink.Send(msg); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
			continue
		}
		atomic.AddInt64(&bt.numReadsIn, 1)
		for _, rec := range records {
			rec := rec
			if err := bt.sink.Send(&rec); err != nil {
				log.WithError(err).Debug("send after terminate")
				continue
			}
			atomic.AddInt64(&bt.numRecordsOut, 1)
		}
	}
}

// toRecords converts a Read-bearing message into one primary record plus,
// for a DuplexRead, one supplementary record carrying both strands'
// read ids (tp and tc), per §4.6. Returns nil for pass-through variants.
func (bt *BamType) toRecords(msg pipeline.Message) []pipeline.BamRecord {
	switch m := msg.(type) {
	case *pipeline.SimplexRead:
		return []pipeline.BamRecord{bt.primaryRecord(&m.Read, m.ReadGroup)}
	case *pipeline.DuplexRead:
		primary := bt.primaryRecord(&m.Read, m.ReadGroup)
		primary.Tags["st"] = "duplex"
		supp := primary
		supp.Supplementary = true
		supp.Tags = map[string]interface{}{
			"tp": m.TemplateReadID,
			"tc": m.ComplementReadID,
		}
		return []pipeline.BamRecord{primary, supp}
	default:
		return nil
	}
}

func (bt *BamType) primaryRecord(r *pipeline.Read, readGroup string) pipeline.BamRecord {
	rec := pipeline.BamRecord{
		ReadID:    r.ReadID,
		ReadGroup: readGroup,
		Seq:       r.Seq,
		Qual:      r.Qual,
		Tags:      map[string]interface{}{},
	}
	if r.FailedReason != "" {
		rec.Tags["ZF"] = r.FailedReason
		return rec
	}
	if bt.emitMoves {
		rec.Tags["mv"] = moveTableTag(r.ModelStride, r.Moves)
	}
	rec.Tags["ts"] = r.NumTrimmedSamples
	if r.ModBaseInfo != nil {
		mm, ml := modTags(r)
		rec.Tags["MM"] = mm
		rec.Tags["ML"] = ml
	}
	if r.Barcode != "" {
		rec.Tags["BC"] = r.Barcode
	}
	return rec
}

// moveTableTag formats the mv tag as "[stride, move_0, move_1, ...]" per
// §6's external-interface description.
func moveTableTag(stride int, moves []bool) []byte {
	out := make([]byte, 0, len(moves)+1)
	out = append(out, byte(stride))
	for _, m := range moves {
		if m {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	}
	return out
}

// modTags renders base_mod_probs into SAM-style MM/ML auxiliary tags. MM
// records, per-channel, the skip-distance between consecutive modified
// positions; ML carries the raw probability bytes in call order.
func modTags(r *pipeline.Read) (string, []byte) {
	info := r.ModBaseInfo
	mm := ""
	var ml []byte
	for ch, base := range info.Alphabet {
		lastPos := -1
		skips := ""
		for pos := range r.Seq {
			prob := r.BaseModProbs[pos*info.ChannelCount+ch]
			if prob == 0 {
				continue
			}
			gap := pos - lastPos - 1
			if lastPos == -1 {
				gap = pos
			}
			skips += fmt.Sprintf("%d,", gap)
			ml = append(ml, prob)
			lastPos = pos
		}
		if skips != "" {
			mm += fmt.Sprintf("%s+?,%s;", base, skips[:len(skips)-1])
		}
	}
	return mm, ml
}
