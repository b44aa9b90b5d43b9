package basecaller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"basecall.dev/pipeline"
	"basecall.dev/pipeline/arena"
	"basecall.dev/pipeline/logging"
	"basecall.dev/pipeline/queue"
	"basecall.dev/pipeline/runner"
)

// DefaultBatchTimeout is the batch_timeout_ms default from §4.2.
const DefaultBatchTimeout = 100 * time.Millisecond

// Basecaller is the Basecaller node. Unlike the simpler stages, it does
// not embed node/base.Base: it owns three internal queues/lanes (chunker,
// one runner lane per Runner, reassembly) rather than a single inbound
// queue drained by a uniform worker pool, per §4.2.
type Basecaller struct {
	name string
	sink pipeline.Sink

	inbound     *queue.Queue[pipeline.Message]
	chunkQueue  *queue.Queue[*chunk]
	resultQueue *queue.Queue[*chunkResult]

	arena *arena.Arena[*pendingRead]

	runners        []*runner.Runner
	deviceOrdinals []int
	deviceLocks    runner.DeviceLocks

	numChunkerWorkers int
	batchSize         int
	chunkSize         int // stride-adjusted
	overlap           int // stride-adjusted
	batchTimeout      time.Duration
	stride            int
	tensorStrides     int

	chunkerWG    sync.WaitGroup
	runnerWG     sync.WaitGroup
	reassemblyWG sync.WaitGroup
	started      bool

	numReadsIn        int64
	numChunksIn       int64
	numBatchesCalled  int64
	sumBatchFill      int64
	numTimeouts       int64
	numReadsOut       int64
	numFailedReads    int64
}

// Config bundles the Basecaller's construction-time parameters (§4.2).
type Config struct {
	BatchSize         int
	ChunkSize         int
	Overlap           int
	BatchTimeout      time.Duration
	NumChunkerWorkers int // default 1

	ChunkQueueCapacity  int
	ResultQueueCapacity int
	InboundCapacity     int

	Runners        []*runner.Runner
	DeviceOrdinals []int // parallel to Runners; defaults to all-zero (single device)
}

// New constructs and starts a Basecaller. Per §3, "the first Runner's
// adjusted value is authoritative for the pipeline": ChunkSize/Overlap are
// adjusted to that Runner's model stride and every chunk is planned
// against that adjusted value.
func New(name string, sink pipeline.Sink, cfg Config) *Basecaller {
	if cfg.NumChunkerWorkers <= 0 {
		cfg.NumChunkerWorkers = 1
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	stride := cfg.Runners[0].ModelStride()
	chunkSize := runner.AdjustToStride(cfg.ChunkSize, stride)
	overlap := 0
	if cfg.Overlap > 0 {
		overlap = runner.AdjustToStride(cfg.Overlap, stride)
	}
	if overlap >= chunkSize {
		overlap = chunkSize - stride
	}

	ordinals := cfg.DeviceOrdinals
	if len(ordinals) != len(cfg.Runners) {
		ordinals = make([]int, len(cfg.Runners))
	}

	bc := &Basecaller{
		name:              name,
		sink:              sink,
		inbound:           queue.New[pipeline.Message](cfg.InboundCapacity),
		chunkQueue:        queue.New[*chunk](cfg.ChunkQueueCapacity),
		resultQueue:       queue.New[*chunkResult](cfg.ResultQueueCapacity),
		arena:             arena.New[*pendingRead](),
		runners:           cfg.Runners,
		deviceOrdinals:    ordinals,
		numChunkerWorkers: cfg.NumChunkerWorkers,
		batchSize:         cfg.BatchSize,
		chunkSize:         chunkSize,
		overlap:           overlap,
		batchTimeout:      cfg.BatchTimeout,
		stride:            stride,
		tensorStrides:     chunkSize / stride,
	}
	bc.startThreads()
	return bc
}

func (b *Basecaller) startThreads() {
	if b.started {
		return
	}
	b.started = true
	for i := 0; i < b.numChunkerWorkers; i++ {
		b.chunkerWG.Add(1)
		go func() {
			defer b.chunkerWG.Done()
			b.chunkerLoop()
		}()
	}
	for i := range b.runners {
		b.runnerWG.Add(1)
		go func(idx int) {
			defer b.runnerWG.Done()
			b.runnerLoop(idx)
		}(i)
	}
	b.reassemblyWG.Add(1)
	go func() {
		defer b.reassemblyWG.Done()
		b.reassemblyLoop()
	}()
}

// GetName implements pipeline.Node.
func (b *Basecaller) GetName() string { return b.name }

// Send implements pipeline.Node.
func (b *Basecaller) Send(msg pipeline.Message) error {
	return b.inbound.Push(msg)
}

// Terminate implements pipeline.Node. It joins the three lanes in their
// data-dependency order — chunker, then runner, then reassembly — so each
// lane keeps draining into the next queue while that queue is still open,
// exactly mirroring Pipeline.Terminate's leaf-last rule inside the stage.
func (b *Basecaller) Terminate(pipeline.FlushOptions) error {
	if !b.started {
		return nil
	}
	b.inbound.TerminateInput()
	b.chunkerWG.Wait()

	b.chunkQueue.TerminateInput()
	b.runnerWG.Wait()

	b.resultQueue.TerminateInput()
	b.reassemblyWG.Wait()

	b.started = false
	return nil
}

// Restart implements pipeline.Node.
func (b *Basecaller) Restart() {
	b.inbound.RestartInput()
	b.chunkQueue.RestartInput()
	b.resultQueue.RestartInput()
	b.startThreads()
}

// SampleStats implements pipeline.Node, per §4.2's statistics list.
func (b *Basecaller) SampleStats() pipeline.Stats {
	numBatches := atomic.LoadInt64(&b.numBatchesCalled)
	var meanFill float64
	if numBatches > 0 {
		meanFill = float64(atomic.LoadInt64(&b.sumBatchFill)) / float64(numBatches)
	}
	return pipeline.Stats{
		statReadsIn:       atomic.LoadInt64(&b.numReadsIn),
		statChunksIn:      atomic.LoadInt64(&b.numChunksIn),
		statBatchesCalled: numBatches,
		statMeanBatchFill: int64(meanFill * 1000), // fixed-point, 3 decimals
		statTimeouts:      atomic.LoadInt64(&b.numTimeouts),
		statReadsOut:      atomic.LoadInt64(&b.numReadsOut),
		statFailedReads:   atomic.LoadInt64(&b.numFailedReads),
		"chunk_queue_depth":  int64(b.chunkQueue.Len()),
		"result_queue_depth": int64(b.resultQueue.Len()),
	}
}

func (b *Basecaller) chunkerLoop() {
	log := logging.NameWorker(b.name + ".chunker")
	for {
		msg, ok := b.inbound.Pop()
		if !ok {
			return
		}
		r := readOf(msg)
		if r == nil {
			// Unknown/pass-through variant: forward unchanged.
			if err := b.sink.Send(msg); err != nil {
				log.WithError(err).Debug("send after terminate")
			}
			continue
		}
		chunks := planChunks(len(r.ScaledSignal), b.chunkSize, b.overlap)
		pr := &pendingRead{
			msg:         msg,
			read:        r,
			numChunks:   len(chunks),
			outstanding: len(chunks),
			partials:    make([]runner.Decoded, len(chunks)),
			geoms:       make([]chunkGeometry, len(chunks)),
		}
		ord := b.arena.Put(pr)

		atomic.AddInt64(&b.numReadsIn, 1)
		atomic.AddInt64(&b.numChunksIn, int64(len(chunks)))

		for i := range chunks {
			chunks[i].readOrdinal = ord
			chunks[i].signal = windowSignal(r.ScaledSignal, chunks[i])
			pr.geoms[i] = planGeometry(chunks[i], b.stride, b.overlap, b.tensorStrides)
			if err := b.chunkQueue.Push(&chunks[i]); err != nil {
				// Queue terminated mid-flush: drop silently per §7.
				return
			}
		}
	}
}

// windowSignal copies out chunk c's signal window, left-padding with
// zeros when c.padLeft > 0 (only possible, per §4.2, for a read whose
// entire signal is shorter than one chunk).
func windowSignal(full []float32, c chunk) []float32 {
	out := make([]float32, c.padLeft+(c.absEnd-c.absStart))
	copy(out[c.padLeft:], full[c.absStart:c.absEnd])
	return out
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

func (b *Basecaller) runnerLoop(idx int) {
	rn := b.runners[idx]
	ordinal := b.deviceOrdinals[idx]
	log := logging.NameWorker(b.name + ".runner")

	var batch []*chunk
	var batchStart time.Time

	fire := func(timedOut bool) {
		if len(batch) == 0 {
			return
		}
		b.deviceLocks.Lock(ordinal)
		scores, err := rn.CallChunks(context.Background(), len(batch))
		b.deviceLocks.Unlock(ordinal)

		if err != nil {
			log.WithError(err).Warn("runner failure, failing batch")
			for _, c := range batch {
				_ = b.resultQueue.Push(&chunkResult{readOrdinal: c.readOrdinal, index: c.index, err: err})
			}
		} else {
			for i, c := range batch {
				decoded, derr := rn.Decode(scores.Slots[i])
				_ = b.resultQueue.Push(&chunkResult{readOrdinal: c.readOrdinal, index: c.index, decoded: decoded, err: derr})
			}
		}

		atomic.AddInt64(&b.numBatchesCalled, 1)
		atomic.AddInt64(&b.sumBatchFill, int64(len(batch)))
		if timedOut {
			atomic.AddInt64(&b.numTimeouts, 1)
		}
		batch = batch[:0]
	}

	for {
		var ctx context.Context
		var cancel context.CancelFunc
		if len(batch) == 0 {
			ctx, cancel = context.WithCancel(context.Background())
		} else {
			ctx, cancel = context.WithDeadline(context.Background(), batchStart.Add(b.batchTimeout))
		}

		c, ok := b.chunkQueue.PopContext(ctx)
		timedOut := ctx.Err() != nil
		cancel()

		if !ok {
			if timedOut {
				fire(true)
				continue
			}
			// Queue terminated and drained: flush any in-flight
			// partial batch before exiting — no forced
			// cancellation of inference, per §5.
			fire(false)
			return
		}

		rn.AcceptChunk(len(batch), c.signal)
		if len(batch) == 0 {
			batchStart = time.Now()
		}
		batch = append(batch, c)
		if len(batch) == b.batchSize {
			fire(false)
		}
	}
}

func (b *Basecaller) reassemblyLoop() {
	log := logging.NameWorker(b.name + ".reassembly")
	for {
		res, ok := b.resultQueue.Pop()
		if !ok {
			return
		}
		pr, found := b.arena.Get(res.readOrdinal)
		if !found {
			continue
		}
		if res.err != nil {
			pr.failed = true
		} else {
			pr.partials[res.index] = res.decoded
		}
		pr.outstanding--
		if pr.outstanding > 0 {
			continue
		}

		b.arena.Free(res.readOrdinal)
		b.finalize(pr)
		if err := b.sink.Send(pr.msg); err != nil {
			log.WithError(err).Debug("send after terminate")
		}
	}
}

func (b *Basecaller) finalize(pr *pendingRead) {
	if pr.failed {
		pr.read.FailedReason = "runner_failure"
		pr.read.Seq, pr.read.Qual, pr.read.Moves = nil, nil, nil
		atomic.AddInt64(&b.numFailedReads, 1)
	} else {
		pr.read.Seq, pr.read.Qual, pr.read.Moves = stitch(pr.partials, pr.geoms, len(pr.read.ScaledSignal), b.stride)
	}
	// ScaledSignal is kept alive: ModBaseCaller (§4.4) needs it to locate
	// per-base windows. ReadFilter frees it once basecalling/modbase are
	// both done.
	atomic.AddInt64(&b.numReadsOut, 1)
}
