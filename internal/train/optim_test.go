package train

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/samcharles93/loam/internal/autograd"
	"github.com/samcharles93/loam/internal/lora"
	"github.com/samcharles93/loam/internal/safetensors"
	"github.com/samcharles93/loam/internal/tensor"
)

func testParam(t *testing.T, name string, rows, cols int, weight, grad func(i int) float32) lora.Param {
	t.Helper()
	v := autograd.NewVar(tensor.NewMat(rows, cols))
	for i := range v.W.Data {
		v.W.Data[i] = weight(i)
		v.Grad.Data[i] = grad(i)
	}
	return lora.Param{Name: name, Var: v}
}

// With a constant gradient the bias-corrected moments collapse to
// m̂ = g and v̂ = g², so the update is g/(|g|+eps) + wd·w at every
// step. That makes the trajectory easy to verify by hand.
func TestAdamWStepMatchesReference(t *testing.T) {
	t.Parallel()

	args := DefaultArguments("out")
	args.Optim = OptimAdamW
	args.WeightDecay = 0.1

	p := testParam(t, "w", 1, 1,
		func(int) float32 { return 1.0 },
		func(int) float32 { return 0.5 })
	o := NewAdamW([]lora.Param{p}, args)

	const lr = 0.01
	if !o.Step(lr) {
		t.Fatal("Step returned false")
	}
	// update1 = 0.5/(0.5+1e-8) + 0.1*1.0, w1 = 1 - 0.01*update1
	w1 := float64(p.Var.W.Data[0])
	if math.Abs(w1-0.989) > 1e-5 {
		t.Errorf("after step 1: w = %g, want ~0.989", w1)
	}

	if !o.Step(lr) {
		t.Fatal("Step returned false")
	}
	// update2 = 1 + 0.1*w1, w2 = w1 - 0.01*update2 = 0.978011
	w2 := float64(p.Var.W.Data[0])
	if math.Abs(w2-0.978011) > 1e-5 {
		t.Errorf("after step 2: w = %g, want ~0.978011", w2)
	}
}

func TestAdamW8bitTracksFloatOptimizer(t *testing.T) {
	t.Parallel()

	args := DefaultArguments("out")
	args.WeightDecay = 0.01

	// gradients bounded away from zero so blockwise int8 moments stay
	// within about a percent of the f32 ones
	weight := func(i int) float32 { return 0.5 * float32(math.Sin(float64(i))) }
	grad := func(i int) float32 { return 0.1 + 0.05*float32(math.Cos(float64(i))) }

	// 300 elements spans more than one quantization block
	pf := testParam(t, "w", 1, 300, weight, grad)
	pq := testParam(t, "w", 1, 300, weight, grad)

	of := NewAdamW([]lora.Param{pf}, args)
	oq := NewAdamW8bit([]lora.Param{pq}, args)

	for step := 0; step < 5; step++ {
		of.Step(0.01)
		oq.Step(0.01)
	}
	for i := range pf.Var.W.Data {
		diff := math.Abs(float64(pf.Var.W.Data[i]) - float64(pq.Var.W.Data[i]))
		if diff > 1e-2 {
			t.Fatalf("element %d: f32 %g vs 8bit %g, diff %g",
				i, pf.Var.W.Data[i], pq.Var.W.Data[i], diff)
		}
	}
}

func TestStepSkipsNonFiniteGradients(t *testing.T) {
	t.Parallel()

	for _, optim := range []string{OptimAdamW, OptimAdamW8bit} {
		t.Run(optim, func(t *testing.T) {
			t.Parallel()
			args := DefaultArguments("out")
			args.Optim = optim
			p := testParam(t, "w", 1, 4,
				func(i int) float32 { return float32(i) },
				func(int) float32 { return 0.1 })
			p.Var.Grad.Data[2] = float32(math.NaN())

			o, err := NewOptimizer([]lora.Param{p}, args)
			if err != nil {
				t.Fatalf("NewOptimizer = %v", err)
			}
			if o.Step(0.01) {
				t.Error("Step accepted NaN gradient")
			}
			for i, w := range p.Var.W.Data {
				if w != float32(i) {
					t.Errorf("weight %d changed to %g on skipped step", i, w)
				}
			}
		})
	}
}

// A restored optimizer must continue the trajectory bitwise: moments
// are stored as f32 and the int8 re-encode of a dequantized block is
// exact.
func TestOptimizerStateRoundTrip(t *testing.T) {
	t.Parallel()

	for _, optim := range []string{OptimAdamW, OptimAdamW8bit} {
		t.Run(optim, func(t *testing.T) {
			t.Parallel()
			args := DefaultArguments("out")
			args.Optim = optim
			args.WeightDecay = 0.05

			weight := func(i int) float32 { return 1 + float32(i)*0.25 }
			grad := func(i int) float32 { return 0.2 + 0.01*float32(i) }
			pa := testParam(t, "a", 2, 3, weight, grad)
			pb := testParam(t, "b", 1, 5, weight, grad)

			oa, err := NewOptimizer([]lora.Param{pa, pb}, args)
			if err != nil {
				t.Fatalf("NewOptimizer = %v", err)
			}
			for step := 0; step < 3; step++ {
				oa.Step(0.01)
			}

			path := filepath.Join(t.TempDir(), OptimizerFile)
			b := safetensors.NewBuilder()
			if err := oa.Save(b); err != nil {
				t.Fatalf("Save = %v", err)
			}
			if err := b.WriteFile(path); err != nil {
				t.Fatalf("WriteFile = %v", err)
			}

			// fresh params carrying the weights the first run reached
			qa := testParam(t, "a", 2, 3, weight, grad)
			qb := testParam(t, "b", 1, 5, weight, grad)
			copy(qa.Var.W.Data, pa.Var.W.Data)
			copy(qb.Var.W.Data, pb.Var.W.Data)

			ob, err := NewOptimizer([]lora.Param{qa, qb}, args)
			if err != nil {
				t.Fatalf("NewOptimizer = %v", err)
			}
			f, err := safetensors.Open(path)
			if err != nil {
				t.Fatalf("Open = %v", err)
			}
			if err := ob.Load(f, 0); err != nil {
				t.Fatalf("Load = %v", err)
			}

			oa.Step(0.01)
			ob.Step(0.01)
			for i := range pa.Var.W.Data {
				if pa.Var.W.Data[i] != qa.Var.W.Data[i] {
					t.Fatalf("param a element %d diverged: %g vs %g",
						i, pa.Var.W.Data[i], qa.Var.W.Data[i])
				}
			}
			for i := range pb.Var.W.Data {
				if pb.Var.W.Data[i] != qb.Var.W.Data[i] {
					t.Fatalf("param b element %d diverged: %g vs %g",
						i, pb.Var.W.Data[i], qb.Var.W.Data[i])
				}
			}
		})
	}
}

func TestClipGradNorm(t *testing.T) {
	t.Parallel()

	mkParams := func() []lora.Param {
		p := testParam(t, "w", 1, 2,
			func(int) float32 { return 0 },
			func(i int) float32 { return []float32{3, 4}[i] })
		return []lora.Param{p}
	}

	t.Run("below max unchanged", func(t *testing.T) {
		t.Parallel()
		params := mkParams()
		norm := ClipGradNorm(params, 10)
		if math.Abs(norm-5) > 1e-6 {
			t.Errorf("norm = %g, want 5", norm)
		}
		if g := params[0].Var.Grad.Data[0]; g != 3 {
			t.Errorf("gradient rescaled below max: %g", g)
		}
	})

	t.Run("above max rescaled", func(t *testing.T) {
		t.Parallel()
		params := mkParams()
		norm := ClipGradNorm(params, 1)
		if math.Abs(norm-5) > 1e-6 {
			t.Errorf("pre-clip norm = %g, want 5", norm)
		}
		g := params[0].Var.Grad.Data
		var sum float64
		for _, x := range g {
			sum += float64(x) * float64(x)
		}
		if after := math.Sqrt(sum); math.Abs(after-1) > 1e-6 {
			t.Errorf("post-clip norm = %g, want 1", after)
		}
	})

	t.Run("zero disables", func(t *testing.T) {
		t.Parallel()
		params := mkParams()
		if norm := ClipGradNorm(params, 0); math.Abs(norm-5) > 1e-6 {
			t.Errorf("norm = %g, want 5", norm)
		}
		if g := params[0].Var.Grad.Data[1]; g != 4 {
			t.Errorf("gradient rescaled with clipping disabled: %g", g)
		}
	})
}
