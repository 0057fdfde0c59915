package quant

// Int8Vec is a blockwise absmax int8 encoding of a float vector. The 8-bit
// optimizer keeps its moment vectors in this form between steps, cutting
// state memory 4x against f32.
type Int8Vec struct {
	BlockSize int
	N         int
	Codes     []int8
	Scales    []float32
}

// QuantiseInt8 encodes src with the given block size (0 means BlockSize).
func QuantiseInt8(src []float32, blockSize int) *Int8Vec {
	if blockSize <= 0 {
		blockSize = BlockSize
	}
	n := len(src)
	blocks := (n + blockSize - 1) / blockSize
	v := &Int8Vec{
		BlockSize: blockSize,
		N:         n,
		Codes:     make([]int8, n),
		Scales:    make([]float32, blocks),
	}
	v.Encode(src)
	return v
}

// Encode requantizes src in place of the previous contents. len(src) must
// equal N.
func (v *Int8Vec) Encode(src []float32) {
	if len(src) != v.N {
		panic("quant: int8 encode length mismatch")
	}
	for b := range v.Scales {
		start := b * v.BlockSize
		end := min(start+v.BlockSize, v.N)

		var absmax float32
		for _, x := range src[start:end] {
			a := x
			if a < 0 {
				a = -a
			}
			if a > absmax {
				absmax = a
			}
		}
		step := absmax / 127
		v.Scales[b] = step
		if step == 0 {
			for i := start; i < end; i++ {
				v.Codes[i] = 0
			}
			continue
		}
		for i := start; i < end; i++ {
			v.Codes[i] = clampInt8(src[i] / step)
		}
	}
}

// DequantTo decodes the vector into dst. len(dst) must equal N.
func (v *Int8Vec) DequantTo(dst []float32) {
	if len(dst) != v.N {
		panic("quant: int8 dequant length mismatch")
	}
	for b, step := range v.Scales {
		start := b * v.BlockSize
		end := min(start+v.BlockSize, v.N)
		for i := start; i < end; i++ {
			dst[i] = float32(v.Codes[i]) * step
		}
	}
}

// Bytes reports the encoded footprint.
func (v *Int8Vec) Bytes() int {
	return len(v.Codes) + 4*len(v.Scales)
}
