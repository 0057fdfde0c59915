package quant

import "sort"

// codebook maps between 4-bit codes and reconstruction levels. Levels are
// indexed by code; order and bounds are derived at init so encoding is a
// four-step binary search instead of a 16-way scan per weight.
type codebook struct {
	levels [16]float32
	order  [16]uint8   // codes sorted by level value
	bounds [15]float32 // midpoints between consecutive sorted levels
}

// nf4Levels are the NormalFloat4 quantiles of a standard normal,
// normalized to [-1, 1].
var nf4Book = newCodebook([16]float32{
	-1.0,
	-0.6961928009986877,
	-0.5250730514526367,
	-0.39491748809814453,
	-0.28444138169288635,
	-0.18477343022823334,
	-0.09105003625154495,
	0.0,
	0.07958029955625534,
	0.16093020141124725,
	0.24611230194568634,
	0.33791524171829224,
	0.44070982933044434,
	0.5626170039176941,
	0.7229568362236023,
	1.0,
})

// fp4Levels are the e2m1 4-bit float values normalized by 12, in code
// order (sign bit high, so the negative half sits in codes 8-15).
var fp4Book = newCodebook([16]float32{
	0.0,
	0.0052083335,
	0.6666667,
	1.0,
	0.33333334,
	0.5,
	0.16666667,
	0.25,
	-0.0,
	-0.0052083335,
	-0.6666667,
	-1.0,
	-0.33333334,
	-0.5,
	-0.16666667,
	-0.25,
})

func newCodebook(levels [16]float32) codebook {
	cb := codebook{levels: levels}
	for i := range cb.order {
		cb.order[i] = uint8(i)
	}
	sort.Slice(cb.order[:], func(a, b int) bool {
		return levels[cb.order[a]] < levels[cb.order[b]]
	})
	for i := 0; i < 15; i++ {
		lo := levels[cb.order[i]]
		hi := levels[cb.order[i+1]]
		cb.bounds[i] = (lo + hi) / 2
	}
	return cb
}

// encode returns the code whose level is nearest to x. x is expected in
// [-1, 1]; values outside clamp to the extreme levels.
func (cb *codebook) encode(x float32) byte {
	lo, hi := 0, 15
	for lo < hi {
		mid := (lo + hi) / 2
		if x > cb.bounds[mid] {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return cb.order[lo]
}
