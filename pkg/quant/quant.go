// Package quant implements the blockwise quantization formats frozen base
// weights and optimizer state are stored in: 4-bit NormalFloat (nf4) and
// 4-bit float (fp4) with per-block absmax scales and optional double
// quantization of the scales, plus a blockwise int8 codec.
package quant

// BlockSize is the number of weights sharing one absmax scale. Blocks run
// over the flattened row-major data, so shapes need not be block-aligned.
const BlockSize = 64

// ScaleBlockSize is the number of first-level scales sharing one secondary
// scale under double quantization.
const ScaleBlockSize = 256

// Scheme is a block quantizer for f32 weight data.
type Scheme interface {
	Name() string
	Quantise(rows, cols int, src []float32) (*Tensor, error)
}

// Tensor holds a block-quantized [rows, cols] matrix. Packed stores two
// 4-bit codes per byte, the earlier element in the high nibble. It is
// decoded one row at a time through RowTo and never expanded in full.
type Tensor struct {
	Scheme    string
	BlockSize int
	Rows      int
	Cols      int
	Packed    []byte

	// Scales holds the per-block absmax when double quantization is off;
	// QScales replaces it otherwise. Exactly one of the two is set.
	Scales  []float32
	QScales *QuantizedScales

	book *codebook
}

// QuantizedScales is the second-level encoding of the per-block scales:
// int8 codes around a shared mean offset with per-group f32 scales.
type QuantizedScales struct {
	BlockSize int
	Offset    float32
	Codes     []int8
	Scales    []float32
}

// NF4 quantizes to the 16 NormalFloat4 levels.
type NF4 struct {
	DoubleQuant bool
}

func (NF4) Name() string { return "nf4" }

func (s NF4) Quantise(rows, cols int, src []float32) (*Tensor, error) {
	return quantise4bit("nf4", &nf4Book, s.DoubleQuant, rows, cols, src)
}

// FP4 quantizes to the 16 4-bit float (e2m1) levels.
type FP4 struct {
	DoubleQuant bool
}

func (FP4) Name() string { return "fp4" }

func (s FP4) Quantise(rows, cols int, src []float32) (*Tensor, error) {
	return quantise4bit("fp4", &fp4Book, s.DoubleQuant, rows, cols, src)
}

// ForName returns the scheme registered under name.
func ForName(name string, doubleQuant bool) (Scheme, error) {
	switch name {
	case "nf4":
		return NF4{DoubleQuant: doubleQuant}, nil
	case "fp4":
		return FP4{DoubleQuant: doubleQuant}, nil
	default:
		return nil, errUnknownScheme
	}
}

func quantise4bit(name string, book *codebook, doubleQuant bool, rows, cols int, src []float32) (*Tensor, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errEmptyInput
	}
	n := rows * cols
	if len(src) != n {
		return nil, errSizeMismatch
	}

	blocks := (n + BlockSize - 1) / BlockSize
	scales := make([]float32, blocks)
	packed := make([]byte, (n+1)/2)

	for b := 0; b < blocks; b++ {
		start := b * BlockSize
		end := min(start+BlockSize, n)

		var absmax float32
		for _, v := range src[start:end] {
			a := v
			if a < 0 {
				a = -a
			}
			if a > absmax {
				absmax = a
			}
		}
		scales[b] = absmax

		inv := float32(0)
		if absmax > 0 {
			inv = 1 / absmax
		}
		for i := start; i < end; i++ {
			code := book.encode(src[i] * inv)
			if i&1 == 0 {
				packed[i>>1] |= code << 4
			} else {
				packed[i>>1] |= code
			}
		}
	}

	t := &Tensor{
		Scheme:    name,
		BlockSize: BlockSize,
		Rows:      rows,
		Cols:      cols,
		Packed:    packed,
		book:      book,
	}
	if doubleQuant {
		t.QScales = quantiseScales(scales)
	} else {
		t.Scales = scales
	}
	return t, nil
}

// Dims returns the logical matrix shape.
func (t *Tensor) Dims() (int, int) { return t.Rows, t.Cols }

// RowTo dequantizes row i into dst. dst must have length >= Cols.
func (t *Tensor) RowTo(dst []float32, i int) {
	if i < 0 || i >= t.Rows {
		panic("quant: row index out of range")
	}
	if len(dst) < t.Cols {
		panic("quant: row buffer too small")
	}
	levels := &t.book.levels
	g := i * t.Cols
	for j := 0; j < t.Cols; {
		block := g / t.BlockSize
		scale := t.scale(block)
		// run to the end of this block or this row, whichever is sooner
		runEnd := min((block+1)*t.BlockSize-g, t.Cols-j)
		for k := 0; k < runEnd; k++ {
			p := t.Packed[g>>1]
			var code byte
			if g&1 == 0 {
				code = p >> 4
			} else {
				code = p & 0x0f
			}
			dst[j] = scale * levels[code]
			g++
			j++
		}
	}
}

// scale returns the absmax for the given block, decoding through the
// secondary quantization when present.
func (t *Tensor) scale(block int) float32 {
	if t.QScales == nil {
		return t.Scales[block]
	}
	q := t.QScales
	return q.Offset + float32(q.Codes[block])*q.Scales[block/q.BlockSize]
}

// Bytes reports the packed footprint: codes plus scale metadata.
func (t *Tensor) Bytes() int {
	n := len(t.Packed)
	if t.QScales != nil {
		n += len(t.QScales.Codes) + 4*len(t.QScales.Scales) + 4
	} else {
		n += 4 * len(t.Scales)
	}
	return n
}

func quantiseScales(scales []float32) *QuantizedScales {
	var mean float64
	for _, s := range scales {
		mean += float64(s)
	}
	offset := float32(mean / float64(len(scales)))

	groups := (len(scales) + ScaleBlockSize - 1) / ScaleBlockSize
	q := &QuantizedScales{
		BlockSize: ScaleBlockSize,
		Offset:    offset,
		Codes:     make([]int8, len(scales)),
		Scales:    make([]float32, groups),
	}
	for g := 0; g < groups; g++ {
		start := g * ScaleBlockSize
		end := min(start+ScaleBlockSize, len(scales))

		var absmax float32
		for _, s := range scales[start:end] {
			d := s - offset
			if d < 0 {
				d = -d
			}
			if d > absmax {
				absmax = d
			}
		}
		step := absmax / 127
		q.Scales[g] = step
		if step == 0 {
			continue
		}
		for i := start; i < end; i++ {
			v := (scales[i] - offset) / step
			q.Codes[i] = clampInt8(v)
		}
	}
	return q
}

func clampInt8(v float32) int8 {
	r := int(roundf(v))
	if r > 127 {
		r = 127
	}
	if r < -127 {
		r = -127
	}
	return int8(r)
}

func roundf(v float32) float32 {
	if v >= 0 {
		return float32(int(v + 0.5))
	}
	return float32(int(v - 0.5))
}

var (
	errEmptyInput    = quantError("empty input")
	errSizeMismatch  = quantError("data length does not match shape")
	errUnknownScheme = quantError("unknown quantization scheme")
)

type quantError string

func (e quantError) Error() string { return string(e) }
