package autograd

import (
	"testing"

	"github.com/samcharles93/loam/internal/tensor"
)

func TestEvalTapeRecordsNothing(t *testing.T) {
	et := EvalTape(2)
	x := NewVar(randomMat(2, 3, 1))
	w := NewVar(randomMat(3, 3, 2))
	out := et.Linear(et.SiLU(x), w)
	if et.Len() != 0 {
		t.Fatalf("eval tape recorded %d ops", et.Len())
	}
	if out.Grad != nil {
		t.Fatal("eval tape must not allocate gradients")
	}
}

func TestTapeLenGrowsPerOp(t *testing.T) {
	tape := NewTape(1)
	x := NewVar(randomMat(2, 3, 3))
	w := NewVar(randomMat(3, 3, 4))
	_ = tape.Linear(tape.SiLU(x), w)
	if tape.Len() != 2 {
		t.Fatalf("tape length = %d, want 2", tape.Len())
	}
	tape.Backward()
	if tape.Len() != 0 {
		t.Fatal("backward must drain the tape")
	}
}

func TestZeroGrad(t *testing.T) {
	v := NewVar(randomMat(2, 2, 5))
	for i := range v.Grad.Data {
		v.Grad.Data[i] = float32(i)
	}
	v.ZeroGrad()
	for _, g := range v.Grad.Data {
		if g != 0 {
			t.Fatal("ZeroGrad left residue")
		}
	}
	Frozen(v.W).ZeroGrad() // must not panic on nil grad
}

func TestTokenAccuracy(t *testing.T) {
	logits := tensor.NewMat(3, 4)
	logits.Set(0, 2, 5) // argmax 2
	logits.Set(1, 0, 3) // argmax 0
	logits.Set(2, 1, 7) // argmax 1

	correct, total := TokenAccuracy(logits, []int{2, 1, -1})
	if total != 2 {
		t.Fatalf("total = %d, want 2 (ignored label must not count)", total)
	}
	if correct != 1 {
		t.Fatalf("correct = %d, want 1", correct)
	}
}

func TestAttentionDeterministicAcrossWorkers(t *testing.T) {
	const seq, nHeads, nKV, headDim = 6, 4, 2, 8
	qm := randomMat(seq, nHeads*headDim, 6)
	km := randomMat(seq, nKV*headDim, 7)
	vm := randomMat(seq, nKV*headDim, 8)
	c := randomVec(seq*nHeads*headDim, 9)

	run := func(workers int) (*tensor.Mat, *tensor.Mat, *tensor.Mat, *tensor.Mat) {
		tape := NewTape(workers)
		q := NewVar(qm.Clone())
		k := NewVar(km.Clone())
		v := NewVar(vm.Clone())
		out := tape.CausalSelfAttention(q, k, v, nHeads, nKV, headDim)
		copy(out.Grad.Data, c)
		tape.Backward()
		return out.W, q.Grad, k.Grad, v.Grad
	}

	o1, qg1, kg1, vg1 := run(1)
	for _, workers := range []int{2, 4} {
		o2, qg2, kg2, vg2 := run(workers)
		for name, pair := range map[string][2]*tensor.Mat{
			"out": {o1, o2}, "dq": {qg1, qg2}, "dk": {kg1, kg2}, "dv": {vg1, vg2},
		} {
			for i := range pair[0].Data {
				if pair[0].Data[i] != pair[1].Data[i] {
					t.Fatalf("%s differs at %d with %d workers", name, i, workers)
				}
			}
		}
	}
}

func TestGroupedQueryHeadsShareKV(t *testing.T) {
	const seq, headDim = 3, 4
	qm := randomMat(seq, 2*headDim, 10)
	km := randomMat(seq, headDim, 11)
	vm := randomMat(seq, headDim, 12)

	// With one kv head shared by two query heads, duplicating the kv
	// data into two heads and running MHA must give the same output.
	et := EvalTape(1)
	gqa := et.CausalSelfAttention(&Var{W: qm}, &Var{W: km}, &Var{W: vm}, 2, 1, headDim)

	k2 := tensor.NewMat(seq, 2*headDim)
	v2 := tensor.NewMat(seq, 2*headDim)
	for s := 0; s < seq; s++ {
		copy(k2.Row(s)[:headDim], km.Row(s))
		copy(k2.Row(s)[headDim:], km.Row(s))
		copy(v2.Row(s)[:headDim], vm.Row(s))
		copy(v2.Row(s)[headDim:], vm.Row(s))
	}
	mha := et.CausalSelfAttention(&Var{W: qm}, &Var{W: k2}, &Var{W: v2}, 2, 2, headDim)

	for i := range gqa.W.Data {
		if gqa.W.Data[i] != mha.W.Data[i] {
			t.Fatalf("grouped attention diverged from duplicated-kv attention at %d", i)
		}
	}
}
