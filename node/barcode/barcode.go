// Package barcode implements the BarcodeClassifier stage (§4.9), the
// spec's chosen exemplar downstream node. For each read it runs a
// Barcoder against one or more kits, derives the barcode string, computes
// the trim interval, and trims seq/qstring/moves/base_mod_probs.
//
// The trim algorithm is carried over exactly from
// original_source/dorado/read_pipeline/BarcodeClassifierNode.cpp's
// determine_trim_interval: the double-ended/single-ended branches, the
// use_top degenerate-interval fallback, and the positions_trimmed*stride
// accounting for num_trimmed_samples.
package barcode

import (
	"sync"
	"sync/atomic"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/queue"
)

// Unclassified is the barcode string for a read no kit could classify,
// per §4.9.
const Unclassified = "unclassified"

const flankScoreThreshold = 0.6

// Span is a half-open-at-the-caller's-discretion [Start, End] pair
// mirroring the original's std::pair<int,int> barcode-position
// convention, where End is the position's own index (not one past it) —
// distinct from pipeline.Interval, which is conventionally half-open.
type Span struct {
	Start, End int
}

// ScoreResult is what a Barcoder returns for one read against one kit.
type ScoreResult struct {
	Kit             string
	BarcodeName     string
	TopFlankScore   float64
	BottomFlankScore float64
	TopBarcodePos   Span
	BottomBarcodePos Span
	UseTop          bool
}

// KitInfo describes a named barcode kit's geometry.
type KitInfo struct {
	DoubleEnds bool
	Prefix     string // kit_prefix used to build the output barcode string
}

// Barcoder classifies a read's sequence against the kits it was
// constructed for, returning Unclassified-kind results when nothing
// matches confidently.
type Barcoder interface {
	Classify(seq []byte) (ScoreResult, error)
}

// Classifier is the BarcodeClassifier node.
type Classifier struct {
	name string
	sink pipeline.Sink

	inbound  *queue.Queue[pipeline.Message]
	barcoder Barcoder
	kits     map[string]KitInfo
	trim     bool

	numWorkers int
	wg         sync.WaitGroup
	started    bool

	numRecords int64
}

// New constructs and starts a Classifier with the given worker count.
func New(name string, sink pipeline.Sink, barcoder Barcoder, kits map[string]KitInfo, trim bool, numWorkers, inboundCapacity int) *Classifier {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	c := &Classifier{
		name:       name,
		sink:       sink,
		inbound:    queue.New[pipeline.Message](inboundCapacity),
		barcoder:   barcoder,
		kits:       kits,
		trim:       trim,
		numWorkers: numWorkers,
	}
	c.startThreads()
	return c
}

func (c *Classifier) startThreads() {
	if c.started {
		return
	}
	c.started = true
	for i := 0; i < c.numWorkers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.worker()
		}()
	}
}

// GetName implements pipeline.Node.
func (c *Classifier) GetName() string { return c.name }

// Send implements pipeline.Node.
func (c *Classifier) Send(msg pipeline.Message) error { return c.inbound.Push(msg) }

// Terminate implements pipeline.Node.
func (c *Classifier) Terminate(pipeline.FlushOptions) error {
	if !c.started {
		return nil
	}
	c.inbound.TerminateInput()
	c.wg.Wait()
	c.started = false
	return nil
}

// Restart implements pipeline.Node.
func (c *Classifier) Restart() {
	c.inbound.RestartInput()
	c.startThreads()
}

// SampleStats implements pipeline.Node.
func (c *Classifier) SampleStats() pipeline.Stats {
	return pipeline.Stats{"num_barcodes_demuxed": atomic.LoadInt64(&c.numRecords)}
}

func (c *Classifier) worker() {
	log := logging.NameWorker(c.name)
	for {
		msg, ok := c.inbound.Pop()
		if !ok {
			return
		}
		r := readOf(msg)
		if r == nil {
			if err := c.sink.Send(msg); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
			continue
		}

		res, err := c.barcoder.Classify(r.Seq)
		if err != nil {
			if err := c.sink.Send(msg); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
			continue
		}

		r.Barcode = barcodeString(res, c.kits)
		r.PreTrimSeqLength = len(r.Seq)
		if c.trim {
			interval := determineTrimInterval(res, c.kits[res.Kit], len(r.Seq))
			r.BarcodeTrimInterval = interval
			applyTrim(r, interval)
		}

		atomic.AddInt64(&c.numRecords, 1)
		if err := c.sink.Send(msg); err != nil {
			log.WithError(err).Debug("send after terminate")
		}
	}
}

// barcodeString renders "unclassified" or "{kit_prefix}{barcode_name}"
// per §4.9.
func barcodeString(res ScoreResult, kits map[string]KitInfo) string {
	if res.Kit == "" || res.Kit == Unclassified {
		return Unclassified
	}
	return kits[res.Kit].Prefix + res.BarcodeName
}

// determineTrimInterval mirrors determine_trim_interval exactly: start
// with the whole read, advance the start past a confident top flank,
// retract the end before a confident bottom flank (double-ended kits
// only), and fall back to whichever flank was actually used if that
// leaves a degenerate interval; a still-degenerate result means "trim
// nothing".
func determineTrimInterval(res ScoreResult, kit KitInfo, seqlen int) pipeline.Interval {
	interval := pipeline.Interval{Start: 0, End: seqlen}
	if res.Kit == "" || res.Kit == Unclassified {
		return interval
	}

	if kit.DoubleEnds {
		if res.TopFlankScore > flankScoreThreshold {
			interval.Start = res.TopBarcodePos.End + 1
		}
		if res.BottomFlankScore > flankScoreThreshold {
			interval.End = res.BottomBarcodePos.Start
		}
		if interval.End <= interval.Start {
			if res.UseTop {
				return pipeline.Interval{Start: res.TopBarcodePos.Start, End: res.TopBarcodePos.End + 1}
			}
			return pipeline.Interval{Start: res.BottomBarcodePos.Start, End: res.BottomBarcodePos.End + 1}
		}
	} else if res.TopFlankScore > flankScoreThreshold {
		interval.Start = res.TopBarcodePos.End + 1
	}

	if interval.End <= interval.Start {
		return pipeline.Interval{Start: 0, End: seqlen}
	}
	return interval
}

// applyTrim trims seq/qstring/moves/base_mod_probs to interval and updates
// num_trimmed_samples, per §4.9's "Apply the trim" step. A no-op when the
// interval already spans the whole read.
func applyTrim(r *pipeline.Read, interval pipeline.Interval) {
	if interval.Start == 0 && interval.End == len(r.Seq) {
		return
	}

	frontStride, backStride, positionsTrimmed := trimMoves(r.Moves, interval.Start, interval.End)
	r.Moves = append([]bool(nil), r.Moves[frontStride:backStride]...)
	r.Seq = append([]byte(nil), r.Seq[interval.Start:interval.End]...)
	if len(r.Qual) >= interval.End {
		r.Qual = append([]byte(nil), r.Qual[interval.Start:interval.End]...)
	}
	if r.ModBaseInfo != nil && len(r.BaseModProbs) > 0 {
		ch := r.ModBaseInfo.ChannelCount
		r.BaseModProbs = append([]byte(nil), r.BaseModProbs[interval.Start*ch:interval.End*ch]...)
	}
	r.NumTrimmedSamples += positionsTrimmed * r.ModelStride
}

// trimMoves locates the stride-step boundaries [frontStride, backStride)
// that correspond to base-coordinate interval [start, end), by counting
// emitted bases (popcount of moves) as it walks.
func trimMoves(moves []bool, start, end int) (frontStride, backStride, positionsTrimmed int) {
	seen := 0
	frontStride = len(moves)
	backStride = len(moves)
	for i, m := range moves {
		if !m {
			continue
		}
		if seen == start {
			frontStride = i
		}
		if seen == end {
			backStride = i
			break
		}
		seen++
	}
	if end >= seen && backStride == len(moves) {
		backStride = len(moves)
	}
	return frontStride, backStride, frontStride
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
