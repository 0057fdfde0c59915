package tensor

import (
	"math"
	"testing"
)

func gemmNaive(C, A, B *Mat, alpha, beta float32) {
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float32
			for kk := 0; kk < A.C; kk++ {
				sum += A.Row(i)[kk] * B.Row(kk)[j]
			}
			C.Row(i)[j] = beta*C.Row(i)[j] + alpha*sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func TestGemmMatchesNaive(t *testing.T) {
	A := NewMat(50, 70)
	B := NewMat(70, 45)
	C0 := NewMat(50, 45)
	C1 := NewMat(50, 45)

	FillRand(A, 1)
	FillRand(B, 2)

	gemmNaive(C0, A, B, 1, 0)
	Gemm(C1, A, B, 1, 0, 4)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-4 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmAlphaBeta(t *testing.T) {
	A := NewMat(13, 21)
	B := NewMat(21, 17)
	C0 := NewMat(13, 17)
	C1 := NewMat(13, 17)

	FillRand(A, 5)
	FillRand(B, 6)
	FillRand(C0, 7)
	C1.CopyFrom(C0)

	gemmNaive(C0, A, B, 0.5, 2.0)
	Gemm(C1, A, B, 0.5, 2.0, 3)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-4 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmNTMatchesNaive(t *testing.T) {
	A := NewMat(20, 33)
	Bt := NewMat(27, 33) // stored transposed: result C is [20,27]
	C0 := NewMat(20, 27)
	C1 := NewMat(20, 27)

	FillRand(A, 8)
	FillRand(Bt, 9)

	for i := 0; i < A.R; i++ {
		for j := 0; j < Bt.R; j++ {
			C0.Set(i, j, Dot(A.Row(i), Bt.Row(j)))
		}
	}
	GemmNT(C1, A, Bt, 1, 0, 4)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-4 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmTNMatchesNaive(t *testing.T) {
	A := NewMat(31, 14) // Aᵀ is [14,31]
	B := NewMat(31, 19)
	C0 := NewMat(14, 19)
	C1 := NewMat(14, 19)

	FillRand(A, 10)
	FillRand(B, 11)

	for i := 0; i < 14; i++ {
		for j := 0; j < 19; j++ {
			var sum float32
			for s := 0; s < 31; s++ {
				sum += A.At(s, i) * B.At(s, j)
			}
			C0.Set(i, j, sum)
		}
	}
	GemmTN(C1, A, B, 1, 0, 4)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-4 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmTNAccumulates(t *testing.T) {
	A := NewMat(9, 6)
	B := NewMat(9, 8)
	C := NewMat(6, 8)
	want := NewMat(6, 8)

	FillRand(A, 12)
	FillRand(B, 13)
	FillRand(C, 14)
	want.CopyFrom(C)

	for i := 0; i < 6; i++ {
		for j := 0; j < 8; j++ {
			var sum float32
			for s := 0; s < 9; s++ {
				sum += A.At(s, i) * B.At(s, j)
			}
			want.Set(i, j, want.At(i, j)+sum)
		}
	}
	GemmTN(C, A, B, 1, 1, 2)

	if maxAbs := maxAbsDiff(want.Data, C.Data); maxAbs > 1e-4 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmRowSourceVariants(t *testing.T) {
	X := NewMat(12, 40)
	W := NewMat(24, 40) // weight stored [out,in]
	FillRand(X, 15)
	FillRand(W, 16)

	// Forward: Y = X·Wᵀ through the RowSource path must match GemmNT on
	// the dense matrix.
	Y0 := NewMat(12, 24)
	Y1 := NewMat(12, 24)
	GemmNT(Y0, X, W, 1, 0, 4)
	GemmNTRows(Y1, X, W, 1, 0, 4)
	if maxAbs := maxAbsDiff(Y0.Data, Y1.Data); maxAbs > 1e-5 {
		t.Fatalf("GemmNTRows diverged: %g", maxAbs)
	}

	// Input gradient: dX = dY·W through the streaming path must match the
	// blocked NN product.
	dY := NewMat(12, 24)
	FillRand(dY, 17)
	dX0 := NewMat(12, 40)
	dX1 := NewMat(12, 40)
	Gemm(dX0, dY, W, 1, 0, 4)
	GemmRows(dX1, dY, W, 1, 0, 4)
	if maxAbs := maxAbsDiff(dX0.Data, dX1.Data); maxAbs > 1e-4 {
		t.Fatalf("GemmRows diverged: %g", maxAbs)
	}
}

func TestGemmDeterministicAcrossWorkerCounts(t *testing.T) {
	A := NewMat(37, 64)
	B := NewMat(64, 53)
	FillRand(A, 18)
	FillRand(B, 19)

	ref := NewMat(37, 53)
	Gemm(ref, A, B, 1, 0, 1)
	for _, workers := range []int{2, 3, 8} {
		C := NewMat(37, 53)
		Gemm(C, A, B, 1, 0, workers)
		for i := range C.Data {
			if C.Data[i] != ref.Data[i] {
				t.Fatalf("workers=%d: element %d differs bitwise", workers, i)
			}
		}
	}
}
