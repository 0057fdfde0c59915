// Package model loads llama-family checkpoints with the linear
// projections quantised to 4-bit blocks and runs the forward pass on
// the autograd tape. The base weights stay frozen; trainable behaviour
// is injected through per-projection adapters.
package model

import (
	"fmt"
	"sort"

	"github.com/samcharles93/loam/internal/autograd"
	"github.com/samcharles93/loam/internal/tensor"
	"github.com/samcharles93/loam/pkg/quant"
)

// Projection kinds, matching the transformers module names so adapter
// target lists read the same as PEFT configs.
const (
	KindQProj    = "q_proj"
	KindKProj    = "k_proj"
	KindVProj    = "v_proj"
	KindOProj    = "o_proj"
	KindGateProj = "gate_proj"
	KindUpProj   = "up_proj"
	KindDownProj = "down_proj"
)

// AllProjectionKinds lists every linear projection in forward order.
func AllProjectionKinds() []string {
	return []string{KindQProj, KindKProj, KindVProj, KindOProj, KindGateProj, KindUpProj, KindDownProj}
}

// Adapter augments a frozen projection's output, typically with a
// trainable low-rank delta. base is the projection output for x.
type Adapter interface {
	Apply(t *autograd.Tape, x, base *autograd.Var) *autograd.Var
}

// Projection is one frozen quantised linear layer plus an optional
// adapter hook.
type Projection struct {
	Name    string // module path without the .weight suffix
	Kind    string
	Layer   int
	In, Out int
	W       *quant.Tensor
	Adapter Adapter
}

func (p *Projection) forward(t *autograd.Tape, x *autograd.Var) *autograd.Var {
	y := t.LinearRows(x, p.W)
	if p.Adapter != nil {
		y = p.Adapter.Apply(t, x, y)
	}
	return y
}

// Layer holds one decoder block.
type Layer struct {
	AttnNorm *autograd.Var
	Q, K, V  *Projection
	O        *Projection
	FFNNorm  *autograd.Var
	Gate, Up *Projection
	Down     *Projection
}

// Model is a frozen quantised causal LM ready for adapter training.
type Model struct {
	Config *Config

	Embed   *autograd.Var // f32 [vocab, hidden]
	Layers  []Layer
	OutNorm *autograd.Var

	// LMHead is nil when the output head is tied to Embed.
	LMHead *quant.Tensor

	ropeCos *tensor.Mat
	ropeSin *tensor.Mat

	checkpointing bool
}

// PrepareForTraining enables activation checkpointing, trading one
// extra forward per block for not keeping block activations alive
// across the whole backward pass.
func (m *Model) PrepareForTraining(checkpointing bool) {
	m.checkpointing = checkpointing
}

// MaxContext is the longest sequence the rope tables cover.
func (m *Model) MaxContext() int { return m.ropeCos.R }

// Projections returns the projections whose kind is in kinds, in
// deterministic layer-then-kind order. Empty kinds selects all.
func (m *Model) Projections(kinds ...string) []*Projection {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []*Projection
	for i := range m.Layers {
		l := &m.Layers[i]
		for _, p := range []*Projection{l.Q, l.K, l.V, l.O, l.Gate, l.Up, l.Down} {
			if len(want) == 0 || want[p.Kind] {
				out = append(out, p)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Layer != out[j].Layer {
			return out[i].Layer < out[j].Layer
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ProjectionByName finds a projection by its module path.
func (m *Model) ProjectionByName(name string) (*Projection, error) {
	for _, p := range m.Projections() {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no projection named %s", name)
}

// NumParams counts the base model parameters (as stored, before
// quantisation).
func (m *Model) NumParams() int64 {
	var n int64
	n += int64(m.Embed.W.R) * int64(m.Embed.W.C)
	n += int64(m.OutNorm.W.C)
	for i := range m.Layers {
		l := &m.Layers[i]
		n += int64(l.AttnNorm.W.C) + int64(l.FFNNorm.W.C)
		for _, p := range []*Projection{l.Q, l.K, l.V, l.O, l.Gate, l.Up, l.Down} {
			n += int64(p.In) * int64(p.Out)
		}
	}
	if m.LMHead != nil {
		n += int64(m.LMHead.Rows) * int64(m.LMHead.Cols)
	}
	return n
}

// MemoryFootprint reports the resident bytes of the loaded weights.
func (m *Model) MemoryFootprint() int64 {
	var n int64
	n += int64(len(m.Embed.W.Data)) * 4
	n += int64(len(m.OutNorm.W.Data)) * 4
	for i := range m.Layers {
		l := &m.Layers[i]
		n += int64(len(l.AttnNorm.W.Data))*4 + int64(len(l.FFNNorm.W.Data))*4
		for _, p := range []*Projection{l.Q, l.K, l.V, l.O, l.Gate, l.Up, l.Down} {
			n += int64(p.W.Bytes())
		}
	}
	if m.LMHead != nil {
		n += int64(m.LMHead.Bytes())
	}
	return n
}
