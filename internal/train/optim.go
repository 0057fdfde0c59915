package train

import (
	"fmt"
	"math"
	"strconv"

	"github.com/samcharles93/loam/internal/lora"
	"github.com/samcharles93/loam/internal/safetensors"
	"github.com/samcharles93/loam/pkg/quant"
)

// momentBlockSize is the int8 quantization block for 8-bit moments.
const momentBlockSize = 256

// Optimizer updates the adapter parameters in place from their
// accumulated gradients.
type Optimizer interface {
	// Step applies one update at lr. Returns false when the update was
	// skipped because a gradient was not finite.
	Step(lr float64) bool
	// Save appends the optimizer moments to b.
	Save(b *safetensors.Builder) error
	// Load restores moments written by Save and the step counter.
	Load(f *safetensors.File, step int) error
}

// NewOptimizer builds the optimizer named by args.Optim over params.
func NewOptimizer(params []lora.Param, args Arguments) (Optimizer, error) {
	switch args.Optim {
	case OptimAdamW:
		return NewAdamW(params, args), nil
	case OptimAdamW8bit:
		return NewAdamW8bit(params, args), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", args.Optim)
	}
}

// AdamW is bias-corrected Adam with decoupled weight decay, moments in
// f32.
type AdamW struct {
	beta1, beta2, eps, weightDecay float64

	params []lora.Param
	step   int
	m, v   [][]float32
}

func NewAdamW(params []lora.Param, args Arguments) *AdamW {
	o := &AdamW{
		beta1:       args.AdamBeta1,
		beta2:       args.AdamBeta2,
		eps:         args.AdamEpsilon,
		weightDecay: args.WeightDecay,
		params:      params,
		m:           make([][]float32, len(params)),
		v:           make([][]float32, len(params)),
	}
	for i, p := range params {
		n := len(p.Var.W.Data)
		o.m[i] = make([]float32, n)
		o.v[i] = make([]float32, n)
	}
	return o
}

func (o *AdamW) Step(lr float64) bool {
	if !gradsFinite(o.params) {
		return false
	}
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))
	for i, p := range o.params {
		adamUpdate(p.Var.W.Data, p.Var.Grad.Data, o.m[i], o.v[i],
			lr, o.beta1, o.beta2, o.eps, o.weightDecay, bc1, bc2)
	}
	return true
}

func (o *AdamW) Save(b *safetensors.Builder) error {
	b.SetMetadata("step", strconv.Itoa(o.step))
	for i, p := range o.params {
		shape := []int{p.Var.W.R, p.Var.W.C}
		if err := b.AddF32("exp_avg."+p.Name, shape, o.m[i]); err != nil {
			return err
		}
		if err := b.AddF32("exp_avg_sq."+p.Name, shape, o.v[i]); err != nil {
			return err
		}
	}
	return nil
}

func (o *AdamW) Load(f *safetensors.File, step int) error {
	o.step = savedStep(f, step)
	for i, p := range o.params {
		if err := readMoment(f, "exp_avg."+p.Name, o.m[i]); err != nil {
			return err
		}
		if err := readMoment(f, "exp_avg_sq."+p.Name, o.v[i]); err != nil {
			return err
		}
	}
	return nil
}

// AdamW8bit keeps both moments int8-blockwise quantized, cutting the
// optimizer state to a quarter. Moments are dequantized into scratch
// buffers per step and re-encoded after the update.
type AdamW8bit struct {
	beta1, beta2, eps, weightDecay float64

	params  []lora.Param
	step    int
	m, v    []*quant.Int8Vec
	scratch [2][]float32
}

func NewAdamW8bit(params []lora.Param, args Arguments) *AdamW8bit {
	o := &AdamW8bit{
		beta1:       args.AdamBeta1,
		beta2:       args.AdamBeta2,
		eps:         args.AdamEpsilon,
		weightDecay: args.WeightDecay,
		params:      params,
		m:           make([]*quant.Int8Vec, len(params)),
		v:           make([]*quant.Int8Vec, len(params)),
	}
	largest := 0
	for i, p := range params {
		n := len(p.Var.W.Data)
		if n > largest {
			largest = n
		}
		zero := make([]float32, n)
		o.m[i] = quant.QuantiseInt8(zero, momentBlockSize)
		o.v[i] = quant.QuantiseInt8(zero, momentBlockSize)
	}
	o.scratch[0] = make([]float32, largest)
	o.scratch[1] = make([]float32, largest)
	return o
}

func (o *AdamW8bit) Step(lr float64) bool {
	if !gradsFinite(o.params) {
		return false
	}
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))
	for i, p := range o.params {
		n := len(p.Var.W.Data)
		m := o.scratch[0][:n]
		v := o.scratch[1][:n]
		o.m[i].DequantTo(m)
		o.v[i].DequantTo(v)
		adamUpdate(p.Var.W.Data, p.Var.Grad.Data, m, v,
			lr, o.beta1, o.beta2, o.eps, o.weightDecay, bc1, bc2)
		o.m[i].Encode(m)
		o.v[i].Encode(v)
	}
	return true
}

func (o *AdamW8bit) Save(b *safetensors.Builder) error {
	b.SetMetadata("step", strconv.Itoa(o.step))
	for i, p := range o.params {
		n := len(p.Var.W.Data)
		shape := []int{p.Var.W.R, p.Var.W.C}
		buf := make([]float32, n)
		o.m[i].DequantTo(buf)
		if err := b.AddF32("exp_avg."+p.Name, shape, buf); err != nil {
			return err
		}
		buf = make([]float32, n)
		o.v[i].DequantTo(buf)
		if err := b.AddF32("exp_avg_sq."+p.Name, shape, buf); err != nil {
			return err
		}
	}
	return nil
}

func (o *AdamW8bit) Load(f *safetensors.File, step int) error {
	o.step = savedStep(f, step)
	buf := make([]float32, 0)
	for i, p := range o.params {
		n := len(p.Var.W.Data)
		if cap(buf) < n {
			buf = make([]float32, n)
		}
		buf = buf[:n]
		if err := readMoment(f, "exp_avg."+p.Name, buf); err != nil {
			return err
		}
		o.m[i].Encode(buf)
		if err := readMoment(f, "exp_avg_sq."+p.Name, buf); err != nil {
			return err
		}
		o.v[i].Encode(buf)
	}
	return nil
}

// adamUpdate applies one AdamW element update over a parameter slice.
func adamUpdate(w, g, m, v []float32, lr, beta1, beta2, eps, weightDecay, bc1, bc2 float64) {
	for j := range w {
		gj := float64(g[j])
		mj := beta1*float64(m[j]) + (1-beta1)*gj
		vj := beta2*float64(v[j]) + (1-beta2)*gj*gj
		m[j] = float32(mj)
		v[j] = float32(vj)
		update := (mj / bc1) / (math.Sqrt(vj/bc2) + eps)
		if weightDecay > 0 {
			update += weightDecay * float64(w[j])
		}
		w[j] -= float32(lr * update)
	}
}

func gradsFinite(params []lora.Param) bool {
	for _, p := range params {
		for _, g := range p.Var.Grad.Data {
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				return false
			}
		}
	}
	return true
}

// ClipGradNorm rescales all gradients so their global L2 norm is at
// most maxNorm and returns the pre-clip norm. maxNorm <= 0 disables
// clipping.
func ClipGradNorm(params []lora.Param, maxNorm float64) float64 {
	var sum float64
	for _, p := range params {
		for _, g := range p.Var.Grad.Data {
			sum += float64(g) * float64(g)
		}
	}
	norm := math.Sqrt(sum)
	if maxNorm <= 0 || norm <= maxNorm || norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return norm
	}
	scale := float32(maxNorm / norm)
	for _, p := range params {
		data := p.Var.Grad.Data
		for j := range data {
			data[j] *= scale
		}
	}
	return norm
}

func savedStep(f *safetensors.File, fallback int) int {
	if s, ok := f.Metadata["step"]; ok {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

func readMoment(f *safetensors.File, name string, dst []float32) error {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return err
	}
	n, err := info.NumElements()
	if err != nil {
		return err
	}
	if n != len(dst) {
		return fmt.Errorf("moment %s: %d elements, want %d", name, n, len(dst))
	}
	copy(dst, data)
	return nil
}
