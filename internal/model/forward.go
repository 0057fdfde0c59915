package model

import (
	"fmt"

	"github.com/samcharles93/loam/internal/autograd"
)

// Forward runs token ids through the decoder stack and returns the
// logits, one row per input position. With checkpointing enabled each
// block's activations are recomputed during backward instead of held.
func (m *Model) Forward(t *autograd.Tape, ids []int) (*autograd.Var, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("empty input")
	}
	if len(ids) > m.ropeCos.R {
		return nil, fmt.Errorf("sequence length %d exceeds context %d", len(ids), m.ropeCos.R)
	}
	for _, id := range ids {
		if id < 0 || id >= m.Embed.W.R {
			return nil, fmt.Errorf("token id %d outside embedding range %d", id, m.Embed.W.R)
		}
	}

	h := t.Embed(m.Embed, ids)
	for i := range m.Layers {
		l := &m.Layers[i]
		if m.checkpointing {
			h = t.Checkpoint(h, func(sub *autograd.Tape, x *autograd.Var) *autograd.Var {
				return m.block(sub, l, x)
			})
		} else {
			h = m.block(t, l, h)
		}
	}
	h = t.RMSNorm(h, m.OutNorm, float32(m.Config.RMSNormEps))

	if m.LMHead != nil {
		return t.LinearRows(h, m.LMHead), nil
	}
	return t.LinearRows(h, m.Embed.W), nil
}

func (m *Model) block(t *autograd.Tape, l *Layer, x *autograd.Var) *autograd.Var {
	cfg := m.Config
	eps := float32(cfg.RMSNormEps)
	heads := cfg.NumAttentionHeads
	kvHeads := cfg.NumKeyValueHeads
	headDim := cfg.HeadDim()

	h := t.RMSNorm(x, l.AttnNorm, eps)
	q := t.RoPE(l.Q.forward(t, h), heads, headDim, 0, m.ropeCos, m.ropeSin)
	k := t.RoPE(l.K.forward(t, h), kvHeads, headDim, 0, m.ropeCos, m.ropeSin)
	v := l.V.forward(t, h)
	attn := t.CausalSelfAttention(q, k, v, heads, kvHeads, headDim)
	x = t.Add(x, l.O.forward(t, attn))

	h = t.RMSNorm(x, l.FFNNorm, eps)
	gate := t.SiLU(l.Gate.forward(t, h))
	up := l.Up.forward(t, h)
	return t.Add(x, l.Down.forward(t, t.Mul(gate, up)))
}

// Loss scores each position's logits against the next token: row i
// predicts labels[i+1]. Label -1 masks a position out. scale multiplies
// the seeded gradient, and the returned count is the number of scored
// positions.
func (m *Model) Loss(t *autograd.Tape, logits *autograd.Var, labels []int, scale float32) (float32, int) {
	n := logits.W.R
	if n != len(labels) {
		panic("loss: label count mismatch")
	}
	if n < 2 {
		return 0, 0
	}
	shifted := &autograd.Var{W: logits.W.RowsView(0, n-1)}
	if logits.Grad != nil {
		shifted.Grad = logits.Grad.RowsView(0, n-1)
	}
	return t.CrossEntropy(shifted, labels[1:], scale)
}
