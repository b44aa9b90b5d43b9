// Package modbase implements the ModBaseCaller stage (§4.4): structurally
// identical to the Basecaller but operating on already-basecalled reads.
// It locates per-base windows of scaled signal around canonical base
// positions of interest, batches them per modification model, runs
// per-device RemoraCaller instances, and fills base_mod_probs.
//
// Grounded on node/basecaller's runner-lane/device-lock pattern, simplified
// because there is no chunk splitting or reassembly: one read contributes
// at most one batch slot per call, and a read is complete the moment its
// single call returns.
package modbase

import (
	"context"
	"sync"
	"sync/atomic"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/memory"
	"basecall.dev/pipeline/queue"
	"basecall.dev/pipeline/runner"
)

// CallFunc scores a batch of per-base signal windows and returns, for each
// window, a ChannelCount-length probability vector. It is the Remora
// analogue of runner.CallChunksFunc.
type CallFunc func(ctx context.Context, windows [][]float32) ([][]byte, error)

// RemoraCaller is one device-bound modification-calling model instance,
// modelled as a value-level dispatch table for the same reason Runner is
// in package runner (§9 Design Notes: "do not use inheritance").
type RemoraCaller struct {
	ModelName     string
	Device        runner.Device
	CanonicalBase byte // e.g. 'C' for a 5mC model
	WindowRadius  int  // samples on each side of the base's stride position
	ChannelCount  int
	Call          CallFunc
}

// NewCPU builds a CPU RemoraCaller around a pure-Go scoring function.
func NewCPU(modelName string, canonicalBase byte, windowRadius, channelCount int, score func(windows [][]float32) ([][]byte, error)) *RemoraCaller {
	return &RemoraCaller{
		ModelName:     modelName,
		Device:        runner.CPU,
		CanonicalBase: canonicalBase,
		WindowRadius:  windowRadius,
		ChannelCount:  channelCount,
		Call: func(ctx context.Context, windows [][]float32) ([][]byte, error) {
			return score(windows)
		},
	}
}

// Config bundles ModBase's construction-time parameters (§4.4, §6).
type Config struct {
	Callers        []*RemoraCaller
	DeviceOrdinals []int // parallel to Callers

	BatchSize      int // remora_batch_size
	NumThreads     int // num_remora_threads
	InboundCapacity int

	Alphabet []string // combined channel alphabet across all Callers, in order
}

// ModBase is the ModBaseCaller node.
type ModBase struct {
	name string
	sink pipeline.Sink

	inbound *queue.Queue[pipeline.Message]

	callers        []*RemoraCaller
	deviceOrdinals []int
	deviceLocks    runner.DeviceLocks
	pool           *memory.Pool
	batchSize      int
	numThreads     int
	alphabet       []string
	channelCount   int

	wg      sync.WaitGroup
	started bool

	numReadsIn       int64
	numReadsOut      int64
	numBatchesCalled int64
	sumBatchFill     int64
	numFailedReads   int64
}

// New constructs and starts a ModBase node. The MemoryManager pool (§5) is
// sized numThreads slabs of batchSize*channelCount bytes, one per
// concurrently in-flight batch.
func New(name string, sink pipeline.Sink, cfg Config) *ModBase {
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	channelCount := 0
	for _, c := range cfg.Callers {
		if c.ChannelCount > channelCount {
			channelCount = c.ChannelCount
		}
	}
	ordinals := cfg.DeviceOrdinals
	if len(ordinals) != len(cfg.Callers) {
		ordinals = make([]int, len(cfg.Callers))
	}

	mb := &ModBase{
		name:           name,
		sink:           sink,
		inbound:        queue.New[pipeline.Message](cfg.InboundCapacity),
		callers:        cfg.Callers,
		deviceOrdinals: ordinals,
		pool:           memory.New(cfg.NumThreads, cfg.BatchSize*channelCount),
		batchSize:      cfg.BatchSize,
		numThreads:     cfg.NumThreads,
		alphabet:       cfg.Alphabet,
		channelCount:   channelCount,
	}
	mb.startThreads()
	return mb
}

func (mb *ModBase) startThreads() {
	if mb.started {
		return
	}
	mb.started = true
	for i := 0; i < mb.numThreads; i++ {
		mb.wg.Add(1)
		go func(idx int) {
			defer mb.wg.Done()
			mb.workerLoop(idx)
		}(i)
	}
}

// GetName implements pipeline.Node.
func (mb *ModBase) GetName() string { return mb.name }

// Send implements pipeline.Node.
func (mb *ModBase) Send(msg pipeline.Message) error { return mb.inbound.Push(msg) }

// Terminate implements pipeline.Node.
func (mb *ModBase) Terminate(pipeline.FlushOptions) error {
	if !mb.started {
		return nil
	}
	mb.inbound.TerminateInput()
	mb.wg.Wait()
	mb.started = false
	return nil
}

// Restart implements pipeline.Node.
func (mb *ModBase) Restart() {
	mb.inbound.RestartInput()
	mb.startThreads()
}

// SampleStats implements pipeline.Node.
func (mb *ModBase) SampleStats() pipeline.Stats {
	numBatches := atomic.LoadInt64(&mb.numBatchesCalled)
	var meanFill float64
	if numBatches > 0 {
		meanFill = float64(atomic.LoadInt64(&mb.sumBatchFill)) / float64(numBatches)
	}
	return pipeline.Stats{
		"num_reads_in":        atomic.LoadInt64(&mb.numReadsIn),
		"num_reads_out":       atomic.LoadInt64(&mb.numReadsOut),
		"num_batches_called":  numBatches,
		"mean_batch_fill":     int64(meanFill * 1000),
		"num_failed_reads":    atomic.LoadInt64(&mb.numFailedReads),
	}
}

// workerLoop accumulates up to batchSize reads, scores them against this
// worker's assigned caller (round-robin over Callers, serialized per
// device through deviceLocks like the Basecaller's runner lanes), and
// forwards every read downstream regardless of outcome.
func (mb *ModBase) workerLoop(idx int) {
	log := logging.NameWorker(mb.name)
	caller := mb.callers[idx%len(mb.callers)]
	ordinal := mb.deviceOrdinals[idx%len(mb.deviceOrdinals)]

	for {
		batch := make([]batchItem, 0, mb.batchSize)
		drained := false
		for len(batch) < mb.batchSize {
			msg, ok := mb.inbound.Pop()
			if !ok {
				drained = true
				break
			}
			r := readOf(msg)
			if r == nil {
				if err := mb.sink.Send(msg); err != nil {
					log.WithError(err).Debug("send after terminate")
				}
				continue
			}
			batch = append(batch, batchItem{msg: msg, r: r})
		}
		if len(batch) == 0 {
			if drained {
				return
			}
			continue
		}
		atomic.AddInt64(&mb.numReadsIn, int64(len(batch)))

		slab, release := mb.pool.Acquire()
		mb.callBatch(caller, ordinal, batch, slab)
		release()

		for _, it := range batch {
			if err := mb.sink.Send(it.msg); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
		}
		atomic.AddInt64(&mb.numReadsOut, int64(len(batch)))
		atomic.AddInt64(&mb.numBatchesCalled, 1)
		atomic.AddInt64(&mb.sumBatchFill, int64(len(batch)))

		if drained {
			return
		}
	}
}

type batchItem struct {
	msg pipeline.Message
	r   *pipeline.Read
}

// callBatch extracts every canonical-base window across the batch's reads,
// runs one inference call, and fans the resulting probabilities back into
// each read's BaseModProbs. slab is the acquired MemoryManager slab used
// as scratch space for the per-window probability bytes before they are
// copied into each read's own BaseModProbs slice (§5: slabs are
// pre-allocated fixed-shape scratch, not the reads' final storage).
func (mb *ModBase) callBatch(caller *RemoraCaller, ordinal int, batch []batchItem, slab memory.Slab) {
	type siteRef struct {
		readIdx int
		baseIdx int
	}
	var windows [][]float32
	var sites []siteRef

	for bi, it := range batch {
		ensureModBaseInfo(it.r, mb.alphabet, mb.channelCount)
		for base := range it.r.Seq {
			if it.r.Seq[base] != caller.CanonicalBase {
				continue
			}
			pos := strideSamplePosition(it.r.Moves, base, modelStrideOf(it.r))
			windows = append(windows, extractWindow(it.r.ScaledSignal, pos, caller.WindowRadius))
			sites = append(sites, siteRef{readIdx: bi, baseIdx: base})
		}
	}
	if len(windows) == 0 {
		return
	}

	mb.deviceLocks.Lock(ordinal)
	probs, err := caller.Call(context.Background(), windows)
	mb.deviceLocks.Unlock(ordinal)

	if err != nil {
		for _, it := range batch {
			it.r.FailedReason = "decode_failure"
		}
		atomic.AddInt64(&mb.numFailedReads, int64(len(batch)))
		return
	}

	// Stage each site's probability bytes through the acquired slab before
	// the final copy into the read's own BaseModProbs, so the slab is the
	// thing actually bounding this batch's scratch memory. A batch can in
	// principle carry more canonical-base sites than the slab's
	// batchSize*channelCount capacity (one read can hold many sites); once
	// the slab is full, remaining sites copy straight from probs.
	for i, site := range sites {
		r := batch[site.readIdx].r
		dst := r.BaseModProbs[site.baseIdx*mb.channelCount : (site.baseIdx+1)*mb.channelCount]
		off := i * mb.channelCount
		if off+mb.channelCount <= len(slab) {
			n := copy(slab[off:off+mb.channelCount], probs[i])
			copy(dst, slab[off:off+n])
			continue
		}
		copy(dst, probs[i])
	}
}

func ensureModBaseInfo(r *pipeline.Read, alphabet []string, channelCount int) {
	if r.ModBaseInfo == nil {
		r.ModBaseInfo = &pipeline.ModBaseInfo{Alphabet: alphabet, ChannelCount: channelCount}
	}
	if len(r.BaseModProbs) != len(r.Seq)*channelCount {
		r.BaseModProbs = make([]byte, len(r.Seq)*channelCount)
	}
}

// strideSamplePosition locates base b's stride-step within the read's
// signal by counting emitted bases (popcount of Moves) up to and including
// b, then multiplying by model_stride.
func strideSamplePosition(moves []bool, baseIdx, stride int) int {
	seen := 0
	for i, m := range moves {
		if !m {
			continue
		}
		if seen == baseIdx {
			return i * maxInt(1, stride)
		}
		seen++
	}
	return 0
}

func modelStrideOf(r *pipeline.Read) int {
	if r.ModelStride > 0 {
		return r.ModelStride
	}
	return 1
}

func extractWindow(signal []float32, center, radius int) []float32 {
	out := make([]float32, 2*radius+1)
	for i := -radius; i <= radius; i++ {
		p := center + i
		if p >= 0 && p < len(signal) {
			out[i+radius] = signal[p]
		}
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
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
