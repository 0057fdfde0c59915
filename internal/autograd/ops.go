package autograd

import (
	"math"
	"math/rand"

	"github.com/samcharles93/loam/internal/tensor"
)

// Embed gathers rows of table for each id. Gradients scatter back into the
// table when it is trainable.
func (t *Tape) Embed(table *Var, ids []int) *Var {
	_, dim := table.W.Dims()
	out := t.newOut(len(ids), dim)
	for s, id := range ids {
		table.W.RowTo(out.W.Row(s), id)
	}
	t.Record(func() {
		if table.Grad == nil {
			return
		}
		for s, id := range ids {
			tensor.Add(table.Grad.Row(id), out.Grad.Row(s))
		}
	})
	return out
}

// Linear computes y = x·wᵀ for a weight stored [out, in]. Gradients flow to
// x always and to w when it is trainable.
func (t *Tape) Linear(x *Var, w *Var) *Var {
	out := t.newOut(x.W.R, w.W.R)
	tensor.GemmNT(out.W, x.W, w.W, 1, 0, t.Workers)
	t.Record(func() {
		if x.Grad != nil {
			tensor.Gemm(x.Grad, out.Grad, w.W, 1, 1, t.Workers)
		}
		if w.Grad != nil {
			tensor.GemmTN(w.Grad, out.Grad, x.W, 1, 1, t.Workers)
		}
	})
	return out
}

// LinearRows computes y = x·wᵀ against a row-streamed weight (the frozen
// quantized base). The weight never receives a gradient; rows are decoded
// on the fly in both passes.
func (t *Tape) LinearRows(x *Var, w tensor.RowSource) *Var {
	rows, _ := w.Dims()
	out := t.newOut(x.W.R, rows)
	tensor.GemmNTRows(out.W, x.W, w, 1, 0, t.Workers)
	t.Record(func() {
		if x.Grad != nil {
			tensor.GemmRows(x.Grad, out.Grad, w, 1, 1, t.Workers)
		}
	})
	return out
}

// Add computes y = a + b elementwise.
func (t *Tape) Add(a, b *Var) *Var {
	out := t.newOut(a.W.R, a.W.C)
	out.W.CopyFrom(a.W)
	for i := 0; i < b.W.R; i++ {
		tensor.Add(out.W.Row(i), b.W.Row(i))
	}
	t.Record(func() {
		for i := 0; i < out.W.R; i++ {
			g := out.Grad.Row(i)
			if a.Grad != nil {
				tensor.Add(a.Grad.Row(i), g)
			}
			if b.Grad != nil {
				tensor.Add(b.Grad.Row(i), g)
			}
		}
	})
	return out
}

// AddScaled computes y = a + s·b, the residual form adapter deltas join on.
func (t *Tape) AddScaled(a, b *Var, s float32) *Var {
	out := t.newOut(a.W.R, a.W.C)
	out.W.CopyFrom(a.W)
	for i := 0; i < b.W.R; i++ {
		tensor.Axpy(out.W.Row(i), s, b.W.Row(i))
	}
	t.Record(func() {
		for i := 0; i < out.W.R; i++ {
			g := out.Grad.Row(i)
			if a.Grad != nil {
				tensor.Add(a.Grad.Row(i), g)
			}
			if b.Grad != nil {
				tensor.Axpy(b.Grad.Row(i), s, g)
			}
		}
	})
	return out
}

// Mul computes y = a ∘ b elementwise.
func (t *Tape) Mul(a, b *Var) *Var {
	out := t.newOut(a.W.R, a.W.C)
	for i := range out.W.Data {
		out.W.Data[i] = a.W.Data[i] * b.W.Data[i]
	}
	t.Record(func() {
		for i := range out.Grad.Data {
			g := out.Grad.Data[i]
			if a.Grad != nil {
				a.Grad.Data[i] += g * b.W.Data[i]
			}
			if b.Grad != nil {
				b.Grad.Data[i] += g * a.W.Data[i]
			}
		}
	})
	return out
}

// SiLU computes y = x·σ(x) elementwise.
func (t *Tape) SiLU(x *Var) *Var {
	out := t.newOut(x.W.R, x.W.C)
	for i, v := range x.W.Data {
		out.W.Data[i] = v * tensor.Sigmoid(v)
	}
	t.Record(func() {
		if x.Grad == nil {
			return
		}
		for i, v := range x.W.Data {
			sig := tensor.Sigmoid(v)
			x.Grad.Data[i] += out.Grad.Data[i] * sig * (1 + v*(1-sig))
		}
	})
	return out
}

// RMSNorm normalizes each row by its root mean square and scales by the
// gain vector g (stored as a 1×dim matrix).
func (t *Tape) RMSNorm(x *Var, g *Var, eps float32) *Var {
	dim := x.W.C
	out := t.newOut(x.W.R, dim)
	inv := make([]float32, x.W.R)
	gain := g.W.Row(0)
	for i := 0; i < x.W.R; i++ {
		row := x.W.Row(i)
		var sum float32
		for _, v := range row {
			sum += v * v
		}
		r := float32(1.0 / math.Sqrt(float64(sum/float32(dim)+eps)))
		inv[i] = r
		dst := out.W.Row(i)
		for j, v := range row {
			dst[j] = v * r * gain[j]
		}
	}
	t.Record(func() {
		n := float32(dim)
		for i := 0; i < x.W.R; i++ {
			row := x.W.Row(i)
			dy := out.Grad.Row(i)
			r := inv[i]

			if g.Grad != nil {
				gg := g.Grad.Row(0)
				for j := range dy {
					gg[j] += dy[j] * row[j] * r
				}
			}
			if x.Grad == nil {
				continue
			}
			// dx_j = r·g_j·dy_j − x_j·r³/n·Σᵢ dy_i·g_i·x_i
			var s float32
			for j := range dy {
				s += dy[j] * gain[j] * row[j]
			}
			coef := r * r * r * s / n
			dx := x.Grad.Row(i)
			for j := range dy {
				dx[j] += r*gain[j]*dy[j] - row[j]*coef
			}
		}
	})
	return out
}

// RoPE applies rotary position embeddings to each head of x using the
// half-split layout: element i pairs with element i+headDim/2. cos and sin
// are position tables with one row per sequence position and headDim/2
// columns; row s of x uses table row pos0+s.
func (t *Tape) RoPE(x *Var, heads, headDim, pos0 int, cos, sin *tensor.Mat) *Var {
	half := headDim / 2
	out := t.newOut(x.W.R, x.W.C)
	rotate := func(dst, src *tensor.Mat, invert bool) {
		for s := 0; s < src.R; s++ {
			c := cos.Row(pos0 + s)
			sn := sin.Row(pos0 + s)
			in := src.Row(s)
			o := dst.Row(s)
			for h := 0; h < heads; h++ {
				base := h * headDim
				for i := 0; i < half; i++ {
					a := in[base+i]
					b := in[base+half+i]
					if invert {
						o[base+i] += a*c[i] + b*sn[i]
						o[base+half+i] += -a*sn[i] + b*c[i]
					} else {
						o[base+i] = a*c[i] - b*sn[i]
						o[base+half+i] = a*sn[i] + b*c[i]
					}
				}
			}
		}
	}
	rotate(out.W, x.W, false)
	t.Record(func() {
		if x.Grad == nil {
			return
		}
		// the inverse rotation of the output gradient
		rotate(x.Grad, out.Grad, true)
	})
	return out
}

// Dropout zeroes elements with probability p and scales survivors by
// 1/(1-p). Identity when not training or p == 0. Masks are drawn from the
// tape's dropout stream so a checkpoint replay reproduces them exactly.
func (t *Tape) Dropout(x *Var, p float64) *Var {
	if !t.training || p <= 0 {
		return x
	}
	seed := t.nextDropSeed()
	rng := rand.New(rand.NewSource(seed))
	out := t.newOut(x.W.R, x.W.C)
	keep := float32(1 / (1 - p))
	mask := make([]bool, len(x.W.Data))
	for i, v := range x.W.Data {
		if rng.Float64() >= p {
			mask[i] = true
			out.W.Data[i] = v * keep
		}
	}
	t.Record(func() {
		if x.Grad == nil {
			return
		}
		for i, kept := range mask {
			if kept {
				x.Grad.Data[i] += out.Grad.Data[i] * keep
			}
		}
	})
	return out
}
