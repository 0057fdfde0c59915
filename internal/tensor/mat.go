package tensor

// Mat represents a dense row-major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows (for row-major
// matrices this is equal to C). Data holds the flattened matrix values.
//
// Training keeps every live activation and adapter weight in f32; half and
// 4-bit encodings exist only at the load/store boundary, so Mat carries no
// dtype machinery. Mat does not perform any memory safety beyond the checks
// performed by Go's slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// RowSource is a read-only matrix whose rows are decoded on demand. Mat
// implements it directly; quantized weight tensors implement it by
// dequantizing one row at a time, which is how frozen base weights are
// streamed through the compute kernels without a full f32 copy.
type RowSource interface {
	Dims() (r, c int)
	RowTo(dst []float32, i int)
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised. The stride is set to the
// number of columns.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Dims returns the row and column counts.
func (m *Mat) Dims() (int, int) { return m.R, m.C }

// Row returns a view of the i-th row of the matrix as a slice. The slice
// has length equal to the number of columns. Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// RowTo copies the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	copy(dst[:m.C], m.Row(i))
}

// RowsView returns a view over rows [start, start+rows) sharing the
// underlying data.
func (m *Mat) RowsView(start, rows int) *Mat {
	if start < 0 || rows < 0 || start+rows > m.R {
		panic("row range out of bounds")
	}
	end := (start + rows) * m.Stride
	if rows > 0 {
		end = (start+rows-1)*m.Stride + m.C
	}
	return &Mat{R: rows, C: m.C, Stride: m.Stride, Data: m.Data[start*m.Stride : end]}
}

// At returns the element at row i, column j.
func (m *Mat) At(i, j int) float32 {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("index out of range")
	}
	return m.Data[i*m.Stride+j]
}

// Set assigns the element at row i, column j.
func (m *Mat) Set(i, j int, v float32) {
	if i < 0 || i >= m.R || j < 0 || j >= m.C {
		panic("index out of range")
	}
	m.Data[i*m.Stride+j] = v
}

// Clone returns a deep copy with a compact stride.
func (m *Mat) Clone() *Mat {
	out := NewMat(m.R, m.C)
	for i := 0; i < m.R; i++ {
		copy(out.Row(i), m.Row(i))
	}
	return out
}

// Zero resets every element to zero.
func (m *Mat) Zero() {
	if m.Stride == m.C {
		clear(m.Data[:m.R*m.C])
		return
	}
	for i := 0; i < m.R; i++ {
		clear(m.Row(i))
	}
}

// CopyFrom copies src into m. Dimensions must match exactly.
func (m *Mat) CopyFrom(src *Mat) {
	if m.R != src.R || m.C != src.C {
		panic("copy dimension mismatch")
	}
	for i := 0; i < m.R; i++ {
		copy(m.Row(i), src.Row(i))
	}
}

