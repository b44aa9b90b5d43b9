// Package memory implements MemoryManager, the pre-allocated fixed-shape
// tensor slab pool used by the ModBase stage (§5 Shared-resource policy).
// Grounded on the teacher's internal/pool package, which keyed a cache of
// *pool.Pool by (bufferSize, numChannels) behind one mutex; this version
// generalizes the cached value from a DSP sample buffer to a fixed-shape
// byte slab and adds the blocking acquire/release semantics the spec
// requires.
package memory

import (
	"basecall.dev/pipeline/errkinds"
)

// Slab is one pre-allocated batch's worth of bases or qualities.
type Slab []byte

// Pool holds PoolSize pre-allocated slabs of SlabSize bytes each.
// acquire() blocks until a slab is free; release() returns one. Pool size
// equals num_devices * threads_per_device, per §5.
type Pool struct {
	slabSize int
	slots    chan Slab
}

// New pre-allocates size slabs of slabSize bytes and returns a Pool ready
// for use.
func New(size, slabSize int) *Pool {
	p := &Pool{
		slabSize: slabSize,
		slots:    make(chan Slab, size),
	}
	for i := 0; i < size; i++ {
		p.slots <- make(Slab, slabSize)
	}
	return p
}

// Acquire blocks until a slab is available and returns it along with a
// release function. Scoped acquisition (the caller invoking release via
// defer) guarantees slabs are returned even on abnormal exits, matching
// §5's "scoped acquisition" requirement.
func (p *Pool) Acquire() (Slab, func()) {
	s := <-p.slots
	for i := range s {
		s[i] = 0
	}
	return s, func() { p.slots <- s }
}

// TryAcquire returns ErrPoolExhausted instead of blocking if no slab is
// immediately free. PoolExhausted is documented as a configuration error
// (more concurrent callers than slabs than were provisioned); callers that
// legitimately want to wait should use Acquire.
func (p *Pool) TryAcquire() (Slab, func(), error) {
	select {
	case s := <-p.slots:
		for i := range s {
			s[i] = 0
		}
		return s, func() { p.slots <- s }, nil
	default:
		return nil, nil, &ExhaustedError{PoolSize: cap(p.slots)}
	}
}

// ExhaustedError wraps errkinds.ErrPoolExhausted with the pool's configured
// size.
type ExhaustedError struct {
	PoolSize int
}

func (e *ExhaustedError) Error() string {
	return "memory pool exhausted"
}

func (e *ExhaustedError) Unwrap() error { return errkinds.ErrPoolExhausted }

// SlabSize returns the fixed slab size this pool was constructed with.
func (p *Pool) SlabSize() int { return p.slabSize }

// Size returns the total number of slabs in the pool.
func (p *Pool) Size() int { return cap(p.slots) }
