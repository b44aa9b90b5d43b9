// Package scaler implements the Scaler stage (§4.3): per-read signal
// normalization and head trimming. It never suspends beyond the queue
// boundaries shared by every node.
package scaler

import (
	"sort"
	"sync/atomic"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/node/base"
)

// Method selects how shift/scale are derived from the raw signal.
type Method int

const (
	// MedianMAD computes shift=median(raw), scale=MAD(raw)/0.6745, the
	// standard robust estimator dorado uses when no model-specific
	// affine is given.
	MedianMAD Method = iota
	// Affine uses a fixed, model-specified shift/scale pair.
	Affine
)

// Scaler is the Scaler node.
type Scaler struct {
	*base.Base
	sink pipeline.Sink

	method       Method
	fixedShift   float32
	fixedScale   float32
	trimSamples  int

	numReadsIn  int64
	numReadsOut int64
}

// New constructs and starts a Scaler with numWorkers goroutines draining
// its inbound queue, typically 4 * num_devices per §5.
func New(name string, queueCapacity, numWorkers int, sink pipeline.Sink, method Method, fixedShift, fixedScale float32, trimSamples int) *Scaler {
	s := &Scaler{
		sink:        sink,
		method:      method,
		fixedShift:  fixedShift,
		fixedScale:  fixedScale,
		trimSamples: trimSamples,
	}
	s.Base = base.New(name, queueCapacity, numWorkers, s.worker)
	return s
}

func (s *Scaler) worker() {
	log := logging.NameWorker(s.GetName())
	for {
		msg, ok := s.Queue.Pop()
		if !ok {
			return
		}
		switch read := msg.(type) {
		case *pipeline.SimplexRead:
			atomic.AddInt64(&s.numReadsIn, 1)
			s.scale(&read.Read)
			atomic.AddInt64(&s.numReadsOut, 1)
			if err := s.sink.Send(read); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
		case *pipeline.DuplexRead:
			atomic.AddInt64(&s.numReadsIn, 1)
			s.scale(&read.Read)
			atomic.AddInt64(&s.numReadsOut, 1)
			if err := s.sink.Send(read); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
		default:
			// Unknown/pass-through variant: forward unchanged.
			_ = s.sink.Send(msg)
		}
	}
}

// scale normalizes r.RawSignal into r.ScaledSignal and trims the
// configured number of leading samples, recording NumTrimmedSamples.
func (s *Scaler) scale(r *pipeline.Read) {
	trim := s.trimSamples
	if trim > len(r.RawSignal) {
		trim = len(r.RawSignal)
	}
	r.NumTrimmedSamples = trim
	trimmed := r.RawSignal[trim:]

	var shift, scale float32
	switch s.method {
	case Affine:
		shift, scale = s.fixedShift, s.fixedScale
	default:
		shift, scale = medianMAD(trimmed)
	}
	if scale == 0 {
		scale = 1
	}

	out := make([]float32, len(trimmed))
	for i, v := range trimmed {
		out[i] = (float32(v) - shift) / scale
	}
	r.ScaledSignal = out
}

// medianMAD returns the median and the scaled median absolute deviation
// (MAD/0.6745) of raw, the standard robust shift/scale estimator.
func medianMAD(raw []int16) (shift, scale float32) {
	if len(raw) == 0 {
		return 0, 1
	}
	sorted := append([]int16(nil), raw...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	med := median(sorted)

	devs := make([]int16, len(sorted))
	for i, v := range raw {
		d := v - med
		if d < 0 {
			d = -d
		}
		devs[i] = d
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i] < devs[j] })
	mad := median(devs)

	return float32(med), float32(mad) / 0.6745
}

func median(sorted []int16) int16 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return int16((int32(sorted[n/2-1]) + int32(sorted[n/2])) / 2)
}

// SampleStats implements pipeline.Node.
func (s *Scaler) SampleStats() pipeline.Stats {
	return pipeline.Stats{
		"num_reads_in":  atomic.LoadInt64(&s.numReadsIn),
		"num_reads_out": atomic.LoadInt64(&s.numReadsOut),
		"queue_depth":   int64(s.Queue.Len()),
	}
}
