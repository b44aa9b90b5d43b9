package basecaller

import "math"

// chunkGeometry is the stride-space bookkeeping the reassembly lane needs
// to stitch a chunk's decode output back into its read, without having to
// re-derive it from absStart/absEnd.
type chunkGeometry struct {
	keepStrideStart int // first stride-step of this chunk's Moves to keep
	keepStrideEnd   int // one past the last stride-step to keep
}

// planChunks computes the chunk list for a read's scaled signal, per
// §4.2's chunker lane formula: n = max(1, ceil((L-overlap)/(chunkSize-overlap))),
// chunk i spans [i*step, i*step+chunkSize) except the last chunk, which is
// right-aligned against the signal end (left zero-padded if the whole
// signal is shorter than one chunk).
func planChunks(signalLen, chunkSize, overlap int) []chunk {
	step := chunkSize - overlap
	if step <= 0 {
		step = chunkSize
	}
	n := 1
	if signalLen > overlap {
		n = int(math.Ceil(float64(signalLen-overlap) / float64(step)))
		if n < 1 {
			n = 1
		}
	}

	chunks := make([]chunk, n)
	for i := 0; i < n; i++ {
		start := i * step
		end := start + chunkSize
		padLeft := 0
		if i == n-1 && end > signalLen {
			start = signalLen - chunkSize
			if start < 0 {
				padLeft = -start
				start = 0
			}
			end = signalLen
		}
		chunks[i] = chunk{
			index:     i,
			numChunks: n,
			absStart:  start,
			absEnd:    end,
			padLeft:   padLeft,
		}
	}
	return chunks
}

// planGeometry computes the midpoint-split keep range, in stride-step
// space, for chunk i of n, per §4.2's stitch policy (Open Question 1:
// this module resolves the unspecified exact split by taking the
// overlap's midpoint, as the spec mandates for determinism). Chunk i's
// Moves/Seq/Qual have tensorStrides = chunkSize/stride entries; padStrides
// of those at the front are padding-only and never kept.
func planGeometry(c chunk, stride, overlap int, tensorStrides int) chunkGeometry {
	overlapStrides := overlap / stride
	overlapHalf := overlapStrides / 2
	padStrides := c.padLeft / stride

	keepStart := 0
	if c.index > 0 {
		keepStart = overlapHalf
	}
	if padStrides > keepStart {
		keepStart = padStrides
	}

	keepEnd := tensorStrides
	if c.index < c.numChunks-1 {
		keepEnd = tensorStrides - (overlapStrides - overlapHalf)
	}
	if keepEnd < keepStart {
		keepEnd = keepStart
	}
	return chunkGeometry{keepStrideStart: keepStart, keepStrideEnd: keepEnd}
}
