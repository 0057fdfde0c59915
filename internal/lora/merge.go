package lora

import (
	"fmt"

	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/tensor"
)

// Merge folds every adapter delta into a dequantised f32 copy of the
// model: W' = W + (alpha/r)·B·A. The result carries checkpoint tensor
// names and can be written as a plain model.safetensors that needs no
// adapter support to run.
func Merge(m *model.Model, s *Set, workers int) (map[string]model.ExportedTensor, error) {
	tensors := m.ExportTensors()
	for _, name := range s.names {
		ad := s.adapters[name]
		et, ok := tensors[name+".weight"]
		if !ok {
			return nil, fmt.Errorf("adapted projection %s not in export", name)
		}
		w := et.Mat
		if ad.B.W.R != w.R || ad.A.W.C != w.C {
			return nil, fmt.Errorf("adapter %s: delta %dx%d against weight %dx%d",
				name, ad.B.W.R, ad.A.W.C, w.R, w.C)
		}
		tensor.Gemm(w, ad.B.W, ad.A.W, ad.scale, 1, workers)
	}
	return tensors, nil
}
