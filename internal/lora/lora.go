// Package lora attaches trainable low-rank adapters to the frozen
// projections of a quantised model. Each targeted linear gains a delta
// (alpha/r)·B(A(x)); only A and B ever receive gradients, so optimizer
// state stays proportional to the adapter size rather than the model.
package lora

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/samcharles93/loam/internal/autograd"
	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/tensor"
)

// Config mirrors the PEFT adapter_config.json fields this trainer
// honours. Field names follow the on-disk JSON so saved adapters load
// back into the reference tooling.
type Config struct {
	R             int      `json:"r"`
	Alpha         int      `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
	Bias          string   `json:"bias"`
	TaskType      string   `json:"task_type"`
	PeftType      string   `json:"peft_type"`
	InitWeights   bool     `json:"init_lora_weights"`
	BaseModel     string   `json:"base_model_name_or_path,omitempty"`
}

// DefaultConfig matches the attention-only adapter setup most QLoRA
// recipes start from.
func DefaultConfig() Config {
	return Config{
		R:       16,
		Alpha:   32,
		Dropout: 0.05,
		TargetModules: []string{
			model.KindQProj, model.KindKProj, model.KindVProj, model.KindOProj,
		},
		Bias:        "none",
		TaskType:    "CAUSAL_LM",
		PeftType:    "LORA",
		InitWeights: true,
	}
}

func (c *Config) Validate() error {
	if c.R <= 0 {
		return fmt.Errorf("lora rank must be positive, got %d", c.R)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("lora alpha must be positive, got %d", c.Alpha)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora dropout must be in [0,1), got %g", c.Dropout)
	}
	if len(c.TargetModules) == 0 {
		return fmt.Errorf("no target modules")
	}
	known := make(map[string]bool)
	for _, k := range model.AllProjectionKinds() {
		known[k] = true
	}
	for _, tgt := range c.TargetModules {
		if !known[tgt] {
			return fmt.Errorf("unknown target module %q", tgt)
		}
	}
	if c.Bias != "" && c.Bias != "none" {
		return fmt.Errorf("bias mode %q not supported", c.Bias)
	}
	if c.PeftType != "" && c.PeftType != "LORA" {
		return fmt.Errorf("peft_type %q not supported", c.PeftType)
	}
	return nil
}

// Scale is the delta multiplier alpha/r.
func (c *Config) Scale() float32 {
	return float32(c.Alpha) / float32(c.R)
}

// Adapter is one low-rank pair on a single projection. A is [r, in],
// B is [out, r]; B starts at zero so a fresh adapter is an identity
// around the base output.
type Adapter struct {
	A, B    *autograd.Var
	scale   float32
	dropout float64
}

func newAdapter(cfg Config, in, out int, rng *rand.Rand) *Adapter {
	a := tensor.NewMat(cfg.R, in)
	if cfg.InitWeights {
		tensor.FillKaiming(a, rng, in)
	}
	return &Adapter{
		A:       autograd.NewVar(a),
		B:       autograd.NewVar(tensor.NewMat(out, cfg.R)),
		scale:   cfg.Scale(),
		dropout: cfg.Dropout,
	}
}

// Apply computes base + (alpha/r)·B(A(drop(x))). Dropout only fires on
// training tapes.
func (a *Adapter) Apply(t *autograd.Tape, x, base *autograd.Var) *autograd.Var {
	h := t.Dropout(x, a.dropout)
	h = t.Linear(h, a.A)
	h = t.Linear(h, a.B)
	return t.AddScaled(base, h, a.scale)
}

// Set holds every adapter attached to one model, keyed by the module
// path of the projection it wraps.
type Set struct {
	Config   Config
	adapters map[string]*Adapter
	names    []string
}

// Attach wraps each targeted projection with a fresh adapter. The model
// must not already carry adapters on those projections.
func Attach(m *model.Model, cfg Config, rng *rand.Rand) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	projs := m.Projections(cfg.TargetModules...)
	if len(projs) == 0 {
		return nil, fmt.Errorf("no projections match targets %v", cfg.TargetModules)
	}
	s := &Set{Config: cfg, adapters: make(map[string]*Adapter, len(projs))}
	for _, p := range projs {
		if p.Adapter != nil {
			return nil, fmt.Errorf("projection %s already adapted", p.Name)
		}
		ad := newAdapter(cfg, p.In, p.Out, rng)
		p.Adapter = ad
		s.adapters[p.Name] = ad
		s.names = append(s.names, p.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// Param is one trainable tensor under its PEFT checkpoint name.
type Param struct {
	Name string
	Var  *autograd.Var
}

// Params returns the trainable variables in stable name order, matching
// the tensor names used in adapter_model.safetensors.
func (s *Set) Params() []Param {
	out := make([]Param, 0, 2*len(s.names))
	for _, name := range s.names {
		ad := s.adapters[name]
		out = append(out,
			Param{Name: peftName(name, "lora_A"), Var: ad.A},
			Param{Name: peftName(name, "lora_B"), Var: ad.B},
		)
	}
	return out
}

// peftName builds the tensor name PEFT uses: the projection module path
// wrapped in base_model.model with the pair suffix.
func peftName(module, pair string) string {
	return "base_model.model." + module + "." + pair + ".weight"
}

// NumTrainable counts adapter parameters.
func (s *Set) NumTrainable() int64 {
	var n int64
	for _, p := range s.Params() {
		n += int64(p.Var.W.R) * int64(p.Var.W.C)
	}
	return n
}

// ZeroGrad clears every adapter gradient, between optimizer steps.
func (s *Set) ZeroGrad() {
	for _, p := range s.Params() {
		p.Var.ZeroGrad()
	}
}
