package model

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/loam/internal/autograd"
	"github.com/samcharles93/loam/internal/safetensors"
	"github.com/samcharles93/loam/internal/tensor"
)

// writeTinyCheckpoint lays down a 2-layer llama checkpoint small enough
// to train in a test: hidden 8, heads 2, kv heads 1, vocab 32.
func writeTinyCheckpoint(t *testing.T, dir string, tied bool) {
	t.Helper()

	config := fmt.Sprintf(`{
		"model_type": "llama",
		"architectures": ["LlamaForCausalLM"],
		"hidden_size": 8,
		"intermediate_size": 16,
		"num_hidden_layers": 2,
		"num_attention_heads": 2,
		"num_key_value_heads": 1,
		"vocab_size": 32,
		"max_position_embeddings": 16,
		"rms_norm_eps": 1e-5,
		"rope_theta": 10000.0,
		"tie_word_embeddings": %v
	}`, tied)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(42))
	randTensor := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(rng.NormFloat64() * 0.1)
		}
		return out
	}
	ones := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = 1
		}
		return out
	}

	b := safetensors.NewBuilder()
	add := func(name string, shape []int, data []float32) {
		t.Helper()
		if err := b.AddF32(name, shape, data); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	add("model.embed_tokens.weight", []int{32, 8}, randTensor(32*8))
	add("model.norm.weight", []int{8}, ones(8))
	for layer := 0; layer < 2; layer++ {
		p := fmt.Sprintf("model.layers.%d.", layer)
		add(p+"input_layernorm.weight", []int{8}, ones(8))
		add(p+"post_attention_layernorm.weight", []int{8}, ones(8))
		add(p+"self_attn.q_proj.weight", []int{8, 8}, randTensor(64))
		add(p+"self_attn.k_proj.weight", []int{4, 8}, randTensor(32))
		add(p+"self_attn.v_proj.weight", []int{4, 8}, randTensor(32))
		add(p+"self_attn.o_proj.weight", []int{8, 8}, randTensor(64))
		add(p+"mlp.gate_proj.weight", []int{16, 8}, randTensor(128))
		add(p+"mlp.up_proj.weight", []int{16, 8}, randTensor(128))
		add(p+"mlp.down_proj.weight", []int{8, 16}, randTensor(128))
	}
	if !tied {
		add("lm_head.weight", []int{32, 8}, randTensor(32*8))
	}
	if err := b.WriteFile(filepath.Join(dir, safetensors.SingleFile)); err != nil {
		t.Fatalf("write checkpoint: %v", err)
	}
}

func TestLoadQuantisesProjections(t *testing.T) {
	dir := t.TempDir()
	writeTinyCheckpoint(t, dir, false)

	m, err := Load(dir, LoadOptions{Scheme: "nf4"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m.Layers) != 2 {
		t.Fatalf("layers = %d", len(m.Layers))
	}
	if m.LMHead == nil {
		t.Fatal("untied checkpoint should have an output head")
	}
	if got := m.NumParams(); got != 1704 {
		t.Fatalf("NumParams = %d, want 1704", got)
	}
	if fp := m.MemoryFootprint(); fp <= 0 || fp >= m.NumParams()*4 {
		t.Fatalf("footprint %d should be positive and below f32 size %d", fp, m.NumParams()*4)
	}
	if m.MaxContext() != 16 {
		t.Fatalf("MaxContext = %d", m.MaxContext())
	}

	projs := m.Projections(KindQProj, KindVProj)
	if len(projs) != 4 {
		t.Fatalf("q+v projections = %d, want 4", len(projs))
	}
	for _, p := range projs {
		if p.Kind != KindQProj && p.Kind != KindVProj {
			t.Fatalf("unexpected kind %s", p.Kind)
		}
	}
	if _, err := m.ProjectionByName("model.layers.1.self_attn.q_proj"); err != nil {
		t.Fatalf("ProjectionByName: %v", err)
	}
}

func TestForwardShapesAndCausality(t *testing.T) {
	dir := t.TempDir()
	writeTinyCheckpoint(t, dir, false)
	m, err := Load(dir, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	et := autograd.EvalTape(1)
	ids := []int{1, 5, 9, 2}
	logits, err := m.Forward(et, ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if logits.W.R != 4 || logits.W.C != 32 {
		t.Fatalf("logits %dx%d, want 4x32", logits.W.R, logits.W.C)
	}

	// changing the last token must not move earlier rows
	ids2 := []int{1, 5, 9, 30}
	logits2, err := m.Forward(et, ids2)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for s := 0; s < 3; s++ {
		for j := 0; j < 32; j++ {
			if logits.W.At(s, j) != logits2.W.At(s, j) {
				t.Fatalf("row %d changed when a future token changed", s)
			}
		}
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	writeTinyCheckpoint(t, dir, false)
	m, err := Load(dir, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	et := autograd.EvalTape(1)

	if _, err := m.Forward(et, nil); err == nil {
		t.Fatal("empty input should error")
	}
	if _, err := m.Forward(et, make([]int, 17)); err == nil {
		t.Fatal("overlong input should error")
	}
	if _, err := m.Forward(et, []int{99}); err == nil {
		t.Fatal("out of range token should error")
	}
}

func TestTiedHeadReusesEmbedding(t *testing.T) {
	dir := t.TempDir()
	writeTinyCheckpoint(t, dir, true)
	m, err := Load(dir, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.LMHead != nil {
		t.Fatal("tied checkpoint must not load a separate head")
	}
	et := autograd.EvalTape(1)
	logits, err := m.Forward(et, []int{0, 1, 2})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if logits.W.C != 32 {
		t.Fatalf("tied logits width %d, want 32", logits.W.C)
	}
}

func TestLossShiftsAndMasks(t *testing.T) {
	dir := t.TempDir()
	writeTinyCheckpoint(t, dir, false)
	m, err := Load(dir, LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	tape := autograd.NewTape(1)
	ids := []int{1, 2, 3, 4}
	logits, err := m.Forward(tape, ids)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	// first label is never scored; -1 masks position 2's target
	loss, count := m.Loss(tape, logits, []int{1, 2, -1, 4}, 1)
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if loss <= 0 || math.IsNaN(float64(loss)) {
		t.Fatalf("loss = %g", loss)
	}
}

// deltaAdapter adds a trainable dense delta, standing in for the
// low-rank adapters the training stack attaches.
type deltaAdapter struct {
	w *autograd.Var
}

func (a *deltaAdapter) Apply(t *autograd.Tape, x, base *autograd.Var) *autograd.Var {
	return t.Add(base, t.Linear(x, a.w))
}

func TestCheckpointedBackwardMatchesPlain(t *testing.T) {
	dir := t.TempDir()
	writeTinyCheckpoint(t, dir, false)

	ids := []int{3, 1, 4, 1, 5}
	labels := []int{3, 1, 4, 1, 5}

	run := func(checkpointing bool) (float32, []float32, []float32) {
		m, err := Load(dir, LoadOptions{})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		m.PrepareForTraining(checkpointing)

		rng := rand.New(rand.NewSource(7))
		mk := func(out, in int) *deltaAdapter {
			w := tensor.NewMat(out, in)
			tensor.FillRandn(w, rng, 0.05)
			return &deltaAdapter{w: autograd.NewVar(w)}
		}
		aq := mk(8, 8)
		ad := mk(8, 16)
		m.Layers[0].Q.Adapter = aq
		m.Layers[1].Down.Adapter = ad

		tape := autograd.NewTape(2)
		logits, err := m.Forward(tape, ids)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		loss, _ := m.Loss(tape, logits, labels, 1)
		tape.Backward()

		gq := append([]float32(nil), aq.w.Grad.Data...)
		gd := append([]float32(nil), ad.w.Grad.Data...)
		return loss, gq, gd
	}

	loss1, gq1, gd1 := run(false)
	loss2, gq2, gd2 := run(true)

	if loss1 != loss2 {
		t.Fatalf("loss diverged: %g vs %g", loss1, loss2)
	}
	for i := range gq1 {
		if gq1[i] != gq2[i] {
			t.Fatalf("q adapter grad %d diverged: %g vs %g", i, gq1[i], gq2[i])
		}
	}
	for i := range gd1 {
		if gd1[i] != gd2[i] {
			t.Fatalf("down adapter grad %d diverged: %g vs %g", i, gd1[i], gd2[i])
		}
	}

	var nonzero bool
	for _, g := range gq1 {
		if g != 0 {
			nonzero = true
			break
		}
	}
	if !nonzero {
		t.Fatal("adapter received no gradient")
	}
}
