package tensor

import (
	"runtime"
	"sync"
)

// Blocked kernel tile sizes. Chosen for L1 residency of an A tile and a
// packed B tile at the hidden sizes small causal LMs use.
const (
	tileM = 32
	tileN = 64
	tileK = 16

	// rowBlock is how many source rows a streaming (RowSource) product
	// decodes into scratch at a time.
	rowBlock = 64
)

type gemmTask struct {
	run    func(rs, re int)
	rs, re int
	done   chan struct{}
}

type gemmPool struct {
	size  int
	tasks chan gemmTask
	slots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &gemmPool{
		size:  size,
		tasks: make(chan gemmTask, size*2),
		slots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.slots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				task.run(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var gemmWorkPool = newGemmPool()

// scratchPool recycles the row-decode buffers the streaming products burn
// through; a training step issues thousands of them.
var scratchPool sync.Pool

func getScratch(n int) []float32 {
	if v := scratchPool.Get(); v != nil {
		buf := v.([]float32)
		if cap(buf) >= n {
			return buf[:n]
		}
	}
	return make([]float32, n)
}

func putScratch(buf []float32) {
	scratchPool.Put(buf)
}

// parallelRows splits [0, rows) into contiguous chunks and runs fn on the
// pool. Each chunk is owned by exactly one worker, so results are bitwise
// deterministic regardless of scheduling order.
func parallelRows(rows, workers int, fn func(rs, re int)) {
	if rows <= 0 {
		return
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > rows {
		workers = rows
	}
	if workers > gemmWorkPool.size {
		workers = gemmWorkPool.size
	}
	if workers <= 1 {
		fn(0, rows)
		return
	}

	chunk := (rows + workers - 1) / workers
	done := <-gemmWorkPool.slots
	issued := 0
	for w := 0; w < workers; w++ {
		rs := w * chunk
		if rs >= rows {
			break
		}
		re := min(rs+chunk, rows)
		gemmWorkPool.tasks <- gemmTask{run: fn, rs: rs, re: re, done: done}
		issued++
	}
	for i := 0; i < issued; i++ {
		<-done
	}
	gemmWorkPool.slots <- done
}

// Gemm computes C = alpha*A*B + beta*C for A[m,k], B[k,n], parallelising
// across ranges of output rows with a blocked update.
func Gemm(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.C != B.R || C.R != A.R || C.C != B.C {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	parallelRows(C.R, workers, func(rs, re int) {
		scaleRows(C, beta, rs, re)
		gemmNNRange(C, A, B, alpha, rs, re)
	})
}

// GemmNT computes C = alpha*A*Bᵀ + beta*C for A[m,k], B[n,k]. Both operands
// are walked along rows, which keeps the inner loop a plain dot product.
func GemmNT(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.C != B.C || C.R != A.R || C.C != B.R {
		panic("gemmNT: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	parallelRows(C.R, workers, func(rs, re int) {
		for i := rs; i < re; i++ {
			aRow := A.Row(i)
			cRow := C.Row(i)
			for j := 0; j < B.R; j++ {
				v := alpha * Dot(aRow, B.Row(j))
				if beta == 0 {
					cRow[j] = v
				} else {
					cRow[j] = beta*cRow[j] + v
				}
			}
		}
	})
}

// GemmTN computes C = alpha*Aᵀ*B + beta*C for A[k,m], B[k,n], the product
// gradient accumulation uses (dW += dYᵀ·X). Parallelises over rows of C,
// which are columns of A, so no two workers touch the same output row.
func GemmTN(C, A, B *Mat, alpha, beta float32, workers int) {
	if A.R != B.R || C.R != A.C || C.C != B.C {
		panic("gemmTN: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	parallelRows(C.R, workers, func(rs, re int) {
		scaleRows(C, beta, rs, re)
		n := C.C
		for s := 0; s < A.R; s++ {
			aRow := A.Row(s)
			bRow := B.Row(s)
			for i := rs; i < re; i++ {
				asi := alpha * aRow[i]
				if asi == 0 {
					continue
				}
				Axpy(C.Row(i)[:n], asi, bRow)
			}
		}
	})
}

// GemmNTRows computes C = alpha*A*Wᵀ + beta*C where W is a RowSource with
// rows of length k. This is the linear-layer forward against a quantized
// weight: each worker owns a range of W rows (output features) and decodes
// each row exactly once into a scratch buffer.
func GemmNTRows(C, A *Mat, W RowSource, alpha, beta float32, workers int) {
	wr, wc := W.Dims()
	if A.C != wc || C.R != A.R || C.C != wr {
		panic("gemmNTRows: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	parallelRows(wr, workers, func(os, oe int) {
		row := getScratch(wc)
		defer putScratch(row)
		for o := os; o < oe; o++ {
			W.RowTo(row, o)
			for i := 0; i < A.R; i++ {
				v := alpha * Dot(A.Row(i), row)
				if beta == 0 {
					C.Data[i*C.Stride+o] = v
				} else {
					C.Data[i*C.Stride+o] = beta*C.Data[i*C.Stride+o] + v
				}
			}
		}
	})
}

// GemmRows computes C = alpha*A*W + beta*C where W is a RowSource shaped
// [k,n]. Rows of W are decoded in blocks shared by all workers, then the
// update runs as a plain blocked NN product against the scratch block. This
// is the linear-layer input gradient against a quantized weight (dX = dY·W).
func GemmRows(C, A *Mat, W RowSource, alpha, beta float32, workers int) {
	wr, wc := W.Dims()
	if A.C != wr || C.R != A.R || C.C != wc {
		panic("gemmRows: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	parallelRows(C.R, workers, func(rs, re int) {
		scaleRows(C, beta, rs, re)
	})

	scratch := getScratch(rowBlock * wc)
	defer putScratch(scratch)
	block := NewMatFromData(rowBlock, wc, scratch)
	for k0 := 0; k0 < wr; k0 += rowBlock {
		kMax := min(k0+rowBlock, wr)
		for k := k0; k < kMax; k++ {
			W.RowTo(block.Row(k-k0), k)
		}
		parallelRows(C.R, workers, func(rs, re int) {
			for i := rs; i < re; i++ {
				aRow := A.Row(i)
				cRow := C.Row(i)
				for k := k0; k < kMax; k++ {
					aik := alpha * aRow[k]
					if aik == 0 {
						continue
					}
					Axpy(cRow, aik, block.Row(k-k0))
				}
			}
		})
	}
}

func scaleRows(C *Mat, beta float32, rs, re int) {
	switch beta {
	case 1:
	case 0:
		for i := rs; i < re; i++ {
			clear(C.Row(i))
		}
	default:
		for i := rs; i < re; i++ {
			row := C.Row(i)
			for j := range row {
				row[j] *= beta
			}
		}
	}
}

// gemmNNRange performs a blocked NN update on a contiguous range of rows of C.
func gemmNNRange(C, A, B *Mat, alpha float32, rs, re int) {
	k := A.C
	n := C.C
	for i0 := rs; i0 < re; i0 += tileM {
		iMax := min(i0+tileM, re)
		for k0 := 0; k0 < k; k0 += tileK {
			kMax := min(k0+tileK, k)
			for j0 := 0; j0 < n; j0 += tileN {
				jMax := min(j0+tileN, n)
				blockUpdate(C, A, B, alpha, i0, iMax, j0, jMax, k0, kMax)
			}
		}
	}
}

func blockUpdate(C, A, B *Mat, alpha float32, i0, iMax, j0, jMax, k0, kMax int) {
	width := jMax - j0
	for i := i0; i < iMax; i++ {
		aRow := A.Row(i)
		cOff := i*C.Stride + j0
		cRow := C.Data[cOff : cOff+width]

		for kk := k0; kk < kMax; kk++ {
			aik := aRow[kk] * alpha
			if aik == 0 {
				continue
			}
			bOff := kk*B.Stride + j0
			bRow := B.Data[bOff : bOff+width]

			j := 0
			for ; j+3 < width; j += 4 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}
