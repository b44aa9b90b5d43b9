// Package runner implements the Runner capability (§3): an abstraction
// over one inference engine instance bound to one device. The three
// variants named in the spec — CPU, CUDA, Metal — differ only in how they
// stage a chunk and execute inference; per §9 Design Notes they are
// modelled as a single capability type holding a value-level dispatch
// table of functions rather than as an interface hierarchy, avoiding the
// vtable lifetime hazards the spec calls out when Runners are moved across
// threads at startup. Grounded on the teacher's runner.go/internal
// runner.Runner, which takes the same "one struct, swap the function
// fields" shape for its Source/Processor/Sink realizations.
package runner

import (
	"context"
	"errors"
	"sync"
)

// Device identifies which of the three realizations a Runner was built
// for.
type Device int

const (
	CPU Device = iota
	CUDA
	Metal
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case Metal:
		return "metal"
	}
	return "unknown"
}

// Scores holds per-stride scores for a batch of chunks, indexed by batch
// slot.
type Scores struct {
	Slots [][]float32
}

// Decoded is the partial (seq, qstring, moves) triple a Runner's decode
// step produces for one chunk.
type Decoded struct {
	Seq   []byte
	Qual  []byte
	Moves []bool
}

// AcceptChunkFunc stages a chunk's signal view into the Runner's pending
// batch tensor at batchSlot.
type AcceptChunkFunc func(batchSlot int, signal []float32)

// CallChunksFunc executes inference over slotCount staged slots and
// returns their scores. It may block and is the Runner's only suspension
// point besides construction.
type CallChunksFunc func(ctx context.Context, slotCount int) (Scores, error)

// DecodeFunc turns one slot's scores into seq/qstring/moves.
type DecodeFunc func(scores []float32) (Decoded, error)

// Runner is the dispatch table described above: a value holding the three
// device-specific functions plus the model parameters every device agrees
// on. Runners are not safe for concurrent accept_chunk/call_chunks calls
// on the same instance from multiple goroutines — §5 serializes access to
// a device's Runners through a per-device mutex, which callers obtain via
// DeviceLocks.
type Runner struct {
	Name        string
	Device      Device
	Stride      int
	AdjustedChunkSize int

	AcceptChunk AcceptChunkFunc
	CallChunks  CallChunksFunc
	Decode      DecodeFunc
}

// ModelStride returns the fixed ratio between input samples and output
// bases for this Runner's model.
func (r *Runner) ModelStride() int { return r.Stride }

// ChunkSize returns the Runner's stride-adjusted chunk size.
func (r *Runner) ChunkSize() int { return r.AdjustedChunkSize }

// AdjustToStride rounds requested down to the nearest positive multiple of
// stride, matching "the Runner may adjust the requested chunk size to a
// stride multiple" (§3).
func AdjustToStride(requested, stride int) int {
	if stride <= 0 {
		return requested
	}
	adjusted := (requested / stride) * stride
	if adjusted <= 0 {
		adjusted = stride
	}
	return adjusted
}

// NewCPU builds a CPU Runner around a pure-Go scoring/decoding function
// pair; accept_chunk simply copies the signal view into a per-slot buffer
// that call_chunks later passes to score.
func NewCPU(name string, stride, chunkSize int, score func(batch [][]float32) ([][]float32, error), decode DecodeFunc) *Runner {
	adjusted := AdjustToStride(chunkSize, stride)
	var mu sync.Mutex
	batch := make([][]float32, 0)

	return &Runner{
		Name:              name,
		Device:            CPU,
		Stride:            stride,
		AdjustedChunkSize: adjusted,
		AcceptChunk: func(batchSlot int, signal []float32) {
			mu.Lock()
			defer mu.Unlock()
			for len(batch) <= batchSlot {
				batch = append(batch, nil)
			}
			batch[batchSlot] = append([]float32(nil), signal...)
		},
		CallChunks: func(ctx context.Context, slotCount int) (Scores, error) {
			mu.Lock()
			input := batch[:slotCount]
			mu.Unlock()
			out, err := score(input)
			if err != nil {
				return Scores{}, err
			}
			mu.Lock()
			batch = batch[:0]
			mu.Unlock()
			return Scores{Slots: out}, nil
		},
		Decode: decode,
	}
}

// NewCUDA builds a CUDA Runner. callChunks/acceptChunk are supplied by the
// (out-of-scope) device binding; this constructor only wires the dispatch
// table and the stride/chunk-size bookkeeping every device shares.
func NewCUDA(name string, stride, chunkSize int, accept AcceptChunkFunc, call CallChunksFunc, decode DecodeFunc) *Runner {
	return &Runner{
		Name:              name,
		Device:            CUDA,
		Stride:            stride,
		AdjustedChunkSize: AdjustToStride(chunkSize, stride),
		AcceptChunk:       accept,
		CallChunks:        call,
		Decode:            decode,
	}
}

// NewMetal builds a Metal Runner; same shape as NewCUDA.
func NewMetal(name string, stride, chunkSize int, accept AcceptChunkFunc, call CallChunksFunc, decode DecodeFunc) *Runner {
	return &Runner{
		Name:              name,
		Device:            Metal,
		Stride:            stride,
		AdjustedChunkSize: AdjustToStride(chunkSize, stride),
		AcceptChunk:       accept,
		CallChunks:        call,
		Decode:            decode,
	}
}

// ErrUnsupportedDevice is returned by ParseDevice for any spec that isn't
// "cpu", "metal", or "cuda:<spec>".
var ErrUnsupportedDevice = errors.New("unsupported device")

// ParseDevice interprets the configuration surface's device string (§6):
// "cpu", "metal", or "cuda:<spec>" where <spec> is a comma list of
// ordinals or "all". It returns the Device kind and the parsed ordinals
// (empty for cpu/metal).
func ParseDevice(spec string) (Device, []string, error) {
	switch {
	case spec == "cpu":
		return CPU, nil, nil
	case spec == "metal":
		return Metal, nil, nil
	case len(spec) >= 5 && spec[:5] == "cuda:":
		rest := spec[5:]
		if rest == "all" {
			return CUDA, []string{"all"}, nil
		}
		ordinals := splitNonEmpty(rest, ',')
		if len(ordinals) == 0 {
			return CUDA, nil, ErrUnsupportedDevice
		}
		return CUDA, ordinals, nil
	default:
		return CPU, nil, ErrUnsupportedDevice
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// DeviceLocks is the fixed array of per-device mutexes described in §5:
// "an array of mutexes indexed by device ordinal is used; 32 is an
// adequate fixed upper bound." Runner lanes for the same device ordinal
// serialize through DeviceLocks[ordinal] before calling CallChunks.
type DeviceLocks struct {
	mus [32]sync.Mutex
}

// Lock locks the mutex for the given device ordinal, mapped into range
// (negative ordinals to 0, others modulo 32).
func (d *DeviceLocks) Lock(ordinal int) {
	d.mus[d.index(ordinal)].Lock()
}

// Unlock unlocks the mutex for the given device ordinal.
func (d *DeviceLocks) Unlock(ordinal int) {
	d.mus[d.index(ordinal)].Unlock()
}

func (d *DeviceLocks) index(ordinal int) int {
	if ordinal < 0 {
		return 0
	}
	return ordinal % len(d.mus)
}
