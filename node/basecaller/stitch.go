package basecaller

import "basecall.dev/pipeline/runner"

// stitch assembles the final seq/qstring/moves for a read from its
// per-chunk decoded partials and geometries, then clamps the result to
// exactly len(scaledSignalLen)/stride moves (floor division) so that
// invariant 2 (len(moves) == len(scaled_signal)/model_stride) holds even
// when the midpoint split's rounding leaves the concatenated length a
// stride-step or two short or long of the target — the practical
// resolution of Open Question 1's otherwise-unspecified rounding behavior,
// recorded in DESIGN.md.
func stitch(partials []runner.Decoded, geoms []chunkGeometry, scaledSignalLen, stride int) (seq, qual []byte, moves []bool) {
	for i, d := range partials {
		g := geoms[i]
		start := clamp(g.keepStrideStart, 0, len(d.Moves))
		end := clamp(g.keepStrideEnd, start, len(d.Moves))

		seqStart := popcount(d.Moves[:start])
		seqEnd := popcount(d.Moves[:end])

		moves = append(moves, d.Moves[start:end]...)
		seq = append(seq, d.Seq[clampInt(seqStart, len(d.Seq)):clampInt(seqEnd, len(d.Seq))]...)
		if len(d.Qual) > 0 {
			qual = append(qual, d.Qual[clampInt(seqStart, len(d.Qual)):clampInt(seqEnd, len(d.Qual))]...)
		}
	}

	target := scaledSignalLen / stride
	if len(moves) > target {
		extra := len(moves) - target
		// Trim from the tail: it is always the last chunk's territory,
		// so dropping there never desyncs an interior overlap split.
		trimmedBases := popcount(moves[len(moves)-extra:])
		moves = moves[:target]
		seq = seq[:clampInt(len(seq)-trimmedBases, len(seq))]
		if len(qual) > 0 {
			qual = qual[:clampInt(len(qual)-trimmedBases, len(qual))]
		}
	} else if len(moves) < target {
		moves = append(moves, make([]bool, target-len(moves))...)
	}
	return seq, qual, moves
}

func popcount(moves []bool) int {
	n := 0
	for _, m := range moves {
		if m {
			n++
		}
	}
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
