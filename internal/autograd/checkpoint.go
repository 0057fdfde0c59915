package autograd

import "github.com/samcharles93/loam/internal/tensor"

// Checkpoint trades compute for memory: fn runs forward without recording,
// so none of its intermediate activations are retained. The recorded
// closure re-executes fn on a fresh recording tape, seeds the replayed
// output with the incoming gradient, and backpropagates through the replay.
// Trainable weights captured inside fn accumulate their gradients during
// the replay exactly as they would have on the outer tape.
//
// Dropout inside fn replays identically: the sub-tape continues the outer
// tape's dropout stream from the same offset in both executions.
func (t *Tape) Checkpoint(x *Var, fn func(t *Tape, x *Var) *Var) *Var {
	if !t.recording {
		return fn(t, x)
	}

	dropStart := t.dropCount
	forward := &Tape{
		training:  t.training,
		Workers:   t.Workers,
		dropSeed:  t.dropSeed,
		dropCount: dropStart,
	}
	inner := fn(forward, &Var{W: x.W})
	t.dropCount = forward.dropCount

	out := &Var{W: inner.W, Grad: tensor.NewMat(inner.W.R, inner.W.C)}

	t.Record(func() {
		replay := &Tape{
			training:  t.training,
			recording: true,
			Workers:   t.Workers,
			dropSeed:  t.dropSeed,
			dropCount: dropStart,
		}
		xin := &Var{W: x.W, Grad: tensor.NewMat(x.W.R, x.W.C)}
		rebuilt := fn(replay, xin)
		rebuilt.Grad.CopyFrom(out.Grad)
		replay.Backward()
		if x.Grad != nil {
			for i := 0; i < x.W.R; i++ {
				tensor.Add(x.Grad.Row(i), xin.Grad.Row(i))
			}
		}
	})
	return out
}
