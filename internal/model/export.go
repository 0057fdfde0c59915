package model

import (
	"fmt"

	"github.com/samcharles93/loam/internal/safetensors"
	"github.com/samcharles93/loam/internal/tensor"
	"github.com/samcharles93/loam/pkg/quant"
)

// ExportedTensor is one f32 tensor ready to be written back to a
// checkpoint. Shape is the on-disk shape: norm gains are 1-D there but
// 1×dim matrices in memory.
type ExportedTensor struct {
	Shape []int
	Mat   *tensor.Mat
}

// ExportTensors dequantises the model back to f32 tensors keyed by
// checkpoint tensor names. A tied output head is not duplicated.
func (m *Model) ExportTensors() map[string]ExportedTensor {
	out := make(map[string]ExportedTensor)
	mat := func(w *tensor.Mat) ExportedTensor {
		return ExportedTensor{Shape: []int{w.R, w.C}, Mat: w}
	}
	vec := func(w *tensor.Mat) ExportedTensor {
		return ExportedTensor{Shape: []int{w.C}, Mat: w}
	}
	out[embeddingName()] = mat(m.Embed.W.Clone())
	out[outputNormName()] = vec(m.OutNorm.W.Clone())
	for i := range m.Layers {
		l := &m.Layers[i]
		out[attnNormName(i)] = vec(l.AttnNorm.W.Clone())
		out[ffnNormName(i)] = vec(l.FFNNorm.W.Clone())
		for _, p := range []*Projection{l.Q, l.K, l.V, l.O, l.Gate, l.Up, l.Down} {
			out[p.Name+".weight"] = mat(dequantise(p.W))
		}
	}
	if m.LMHead != nil {
		out["lm_head.weight"] = mat(dequantise(m.LMHead))
	}
	return out
}

func dequantise(w *quant.Tensor) *tensor.Mat {
	m := tensor.NewMat(w.Rows, w.Cols)
	for i := 0; i < w.Rows; i++ {
		w.RowTo(m.Row(i), i)
	}
	return m
}

// WriteTensors writes exported tensors to path as a single f32
// safetensors file loadable without adapter support.
func WriteTensors(path string, tensors map[string]ExportedTensor) error {
	b := safetensors.NewBuilder()
	b.SetMetadata("format", "pt")
	for name, et := range tensors {
		data := et.Mat.Data
		if et.Mat.Stride != et.Mat.C {
			flat := tensor.NewMat(et.Mat.R, et.Mat.C)
			for i := 0; i < et.Mat.R; i++ {
				et.Mat.RowTo(flat.Row(i), i)
			}
			data = flat.Data
		}
		if err := b.AddF32(name, et.Shape, data); err != nil {
			return fmt.Errorf("export %s: %w", name, err)
		}
	}
	return b.WriteFile(path)
}
