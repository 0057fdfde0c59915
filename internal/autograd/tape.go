// Package autograd provides a define-by-run reverse-mode tape over f32
// matrices. Every op computes its forward result immediately and, when the
// tape is recording, pushes one closure that propagates gradients; Backward
// runs the closures in reverse order.
package autograd

import (
	"sync"

	"github.com/samcharles93/loam/internal/tensor"
)

// Tape accumulates the backward pass for one forward computation.
//
// training distinguishes a fine-tuning forward from an evaluation forward
// (dropout applies only when training); recording controls whether closures
// are pushed. Activation checkpointing runs with training on and recording
// off, then replays with both on.
type Tape struct {
	training  bool
	recording bool

	// Workers caps kernel parallelism for ops on this tape.
	Workers int

	dropSeed  int64
	dropCount int64

	mu       sync.Mutex
	backward []func()
}

// NewTape returns a recording tape for a training forward pass.
func NewTape(workers int) *Tape {
	return &Tape{training: true, recording: true, Workers: workers}
}

// EvalTape returns a non-recording tape: ops compute forward values only
// and allocate no gradient buffers.
func EvalTape(workers int) *Tape {
	return &Tape{Workers: workers}
}

// Recording reports whether ops on this tape push backward closures.
func (t *Tape) Recording() bool { return t.recording }

// Training reports whether stochastic regularisation (dropout) is live.
func (t *Tape) Training() bool { return t.training }

// SeedDropout fixes the dropout stream for the next forward pass. The same
// seed replays identical masks, which checkpoint re-execution depends on.
func (t *Tape) SeedDropout(seed int64) {
	t.dropSeed = seed
	t.dropCount = 0
}

// nextDropSeed hands out a distinct, reproducible seed per dropout call
// site in execution order.
func (t *Tape) nextDropSeed() int64 {
	s := t.dropSeed + t.dropCount*0x9e3779b9
	t.dropCount++
	return s
}

// Record pushes a backward closure. No-op when not recording.
func (t *Tape) Record(fn func()) {
	if t == nil || !t.recording {
		return
	}
	t.mu.Lock()
	t.backward = append(t.backward, fn)
	t.mu.Unlock()
}

// Backward runs the recorded closures most-recent first and clears the
// tape. Gradients of the loss root must be seeded before calling.
func (t *Tape) Backward() {
	t.mu.Lock()
	steps := t.backward
	t.backward = nil
	t.mu.Unlock()
	for i := len(steps) - 1; i >= 0; i-- {
		steps[i]()
	}
}

// Len reports the number of recorded closures, for tests.
func (t *Tape) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.backward)
}

// Var couples a value matrix with its gradient buffer. Frozen tensors carry
// a nil Grad and backward closures skip them.
type Var struct {
	W    *tensor.Mat
	Grad *tensor.Mat
}

// NewVar wraps w with a zeroed gradient buffer.
func NewVar(w *tensor.Mat) *Var {
	return &Var{W: w, Grad: tensor.NewMat(w.R, w.C)}
}

// Frozen wraps w without a gradient buffer; no gradient ever reaches it.
func Frozen(w *tensor.Mat) *Var {
	return &Var{W: w}
}

// newOut allocates an op result: gradients are only carried while recording.
func (t *Tape) newOut(r, c int) *Var {
	m := tensor.NewMat(r, c)
	if t.recording {
		return &Var{W: m, Grad: tensor.NewMat(r, c)}
	}
	return &Var{W: m}
}

// ZeroGrad clears the gradient buffer if present.
func (v *Var) ZeroGrad() {
	if v.Grad != nil {
		v.Grad.Zero()
	}
}
