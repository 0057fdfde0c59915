package autograd

import (
	"math"
	"runtime"
	"sync"

	"github.com/samcharles93/loam/internal/tensor"
)

// CausalSelfAttention computes masked scaled-dot-product attention over a
// whole sequence in one fused op with a hand-derived backward pass. q is
// [S, nHeads·headDim]; k and v are [S, nKVHeads·headDim]. When nKVHeads <
// nHeads, consecutive groups of query heads share one kv head.
//
// The attention probabilities are retained per head while recording; masked
// positions hold exact zeros, so they contribute nothing to any gradient.
func (t *Tape) CausalSelfAttention(q, k, v *Var, nHeads, nKVHeads, headDim int) *Var {
	if nKVHeads <= 0 || nHeads%nKVHeads != 0 {
		panic("attention: head counts must divide evenly")
	}
	seq := q.W.R
	group := nHeads / nKVHeads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))

	out := t.newOut(seq, nHeads*headDim)
	var probs []*tensor.Mat
	if t.recording {
		probs = make([]*tensor.Mat, nHeads)
	}

	forEachKVHead(nKVHeads, t.Workers, func(kvh int) {
		kvOff := kvh * headDim
		for g := 0; g < group; g++ {
			h := kvh*group + g
			hOff := h * headDim
			p := tensor.NewMat(seq, seq)
			for i := 0; i < seq; i++ {
				qi := q.W.Row(i)[hOff : hOff+headDim]
				prow := p.Row(i)
				for j := 0; j <= i; j++ {
					kj := k.W.Row(j)[kvOff : kvOff+headDim]
					prow[j] = scale * tensor.Dot(qi, kj)
				}
				tensor.Softmax(prow[:i+1])

				oi := out.W.Row(i)[hOff : hOff+headDim]
				for j := 0; j <= i; j++ {
					if prow[j] == 0 {
						continue
					}
					vj := v.W.Row(j)[kvOff : kvOff+headDim]
					tensor.Axpy(oi, prow[j], vj)
				}
			}
			if t.recording {
				probs[h] = p
			}
		}
	})

	t.Record(func() {
		forEachKVHead(nKVHeads, t.Workers, func(kvh int) {
			kvOff := kvh * headDim
			dp := make([]float32, seq)
			for g := 0; g < group; g++ {
				h := kvh*group + g
				hOff := h * headDim
				p := probs[h]
				for i := 0; i < seq; i++ {
					dOi := out.Grad.Row(i)[hOff : hOff+headDim]
					prow := p.Row(i)

					// dV_j += P_ij·dO_i and dP_ij = dO_i·V_j
					for j := 0; j <= i; j++ {
						vj := v.W.Row(j)[kvOff : kvOff+headDim]
						if v.Grad != nil && prow[j] != 0 {
							tensor.Axpy(v.Grad.Row(j)[kvOff:kvOff+headDim], prow[j], dOi)
						}
						dp[j] = tensor.Dot(dOi, vj)
					}

					// softmax backward: dS = P ∘ (dP − Σ_j dP_j·P_j)
					var rowSum float32
					for j := 0; j <= i; j++ {
						rowSum += dp[j] * prow[j]
					}

					qi := q.W.Row(i)[hOff : hOff+headDim]
					var dQi []float32
					if q.Grad != nil {
						dQi = q.Grad.Row(i)[hOff : hOff+headDim]
					}
					for j := 0; j <= i; j++ {
						ds := prow[j] * (dp[j] - rowSum) * scale
						if ds == 0 {
							continue
						}
						kj := k.W.Row(j)[kvOff : kvOff+headDim]
						if dQi != nil {
							tensor.Axpy(dQi, ds, kj)
						}
						if k.Grad != nil {
							tensor.Axpy(k.Grad.Row(j)[kvOff:kvOff+headDim], ds, qi)
						}
					}
				}
			}
		})
	})
	return out
}

// forEachKVHead runs fn once per kv head. Heads write disjoint column
// ranges of every output, so the split is race-free and deterministic.
func forEachKVHead(nKVHeads, workers int, fn func(kvh int)) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > nKVHeads {
		workers = nKVHeads
	}
	if workers <= 1 {
		for kvh := 0; kvh < nKVHeads; kvh++ {
			fn(kvh)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(start int) {
			defer wg.Done()
			for kvh := start; kvh < nKVHeads; kvh += workers {
				fn(kvh)
			}
		}(w)
	}
	wg.Wait()
}
