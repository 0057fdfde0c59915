package model

import (
	"fmt"
	"strings"

	"github.com/samcharles93/loam/internal/autograd"
	"github.com/samcharles93/loam/internal/safetensors"
	"github.com/samcharles93/loam/internal/tensor"
	"github.com/samcharles93/loam/pkg/quant"
)

// LoadOptions controls quantisation and table sizes at load time.
type LoadOptions struct {
	// Scheme names the 4-bit codebook, nf4 or fp4.
	Scheme string
	// DoubleQuant additionally quantises the block scales to int8.
	DoubleQuant bool
	// MaxContext bounds the rope tables. Zero or anything beyond the
	// checkpoint's max_position_embeddings clamps to the checkpoint.
	MaxContext int
}

// Load reads a llama-family safetensors checkpoint from dir and returns
// a frozen model with all linear projections quantised.
func Load(dir string, opts LoadOptions) (*Model, error) {
	cfg, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	st, err := safetensors.OpenModel(dir)
	if err != nil {
		return nil, err
	}
	return loadFromSource(cfg, st, opts)
}

func loadFromSource(cfg *Config, src *safetensors.Model, opts LoadOptions) (*Model, error) {
	if opts.Scheme == "" {
		opts.Scheme = "nf4"
	}
	scheme, err := quant.ForName(opts.Scheme, opts.DoubleQuant)
	if err != nil {
		return nil, err
	}

	maxCtx := opts.MaxContext
	if maxCtx <= 0 || maxCtx > cfg.MaxPosition {
		maxCtx = cfg.MaxPosition
	}
	if maxCtx <= 0 {
		return nil, fmt.Errorf("checkpoint declares no max_position_embeddings")
	}

	emb, err := loadMat(src, embeddingName(), cfg.HiddenSize)
	if err != nil {
		return nil, err
	}
	if emb.R < cfg.VocabSize {
		return nil, fmt.Errorf("embedding rows %d < vocab_size %d", emb.R, cfg.VocabSize)
	}
	outNorm, err := loadVec(src, outputNormName(), cfg.HiddenSize)
	if err != nil {
		return nil, err
	}

	m := &Model{
		Config:  cfg,
		Embed:   autograd.Frozen(emb),
		OutNorm: autograd.Frozen(outNorm),
		Layers:  make([]Layer, cfg.NumHiddenLayers),
	}
	m.ropeCos, m.ropeSin = buildRopeTables(cfg, maxCtx)

	kvDim := cfg.KVDim()
	qDim := cfg.NumAttentionHeads * cfg.HeadDim()
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		l := &m.Layers[i]
		if l.AttnNorm, err = loadFrozenVec(src, attnNormName(i), cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.FFNNorm, err = loadFrozenVec(src, ffnNormName(i), cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.Q, err = loadProjection(src, scheme, i, KindQProj, cfg.HiddenSize, qDim); err != nil {
			return nil, err
		}
		if l.K, err = loadProjection(src, scheme, i, KindKProj, cfg.HiddenSize, kvDim); err != nil {
			return nil, err
		}
		if l.V, err = loadProjection(src, scheme, i, KindVProj, cfg.HiddenSize, kvDim); err != nil {
			return nil, err
		}
		if l.O, err = loadProjection(src, scheme, i, KindOProj, qDim, cfg.HiddenSize); err != nil {
			return nil, err
		}
		if l.Gate, err = loadProjection(src, scheme, i, KindGateProj, cfg.HiddenSize, cfg.IntermediateSize); err != nil {
			return nil, err
		}
		if l.Up, err = loadProjection(src, scheme, i, KindUpProj, cfg.HiddenSize, cfg.IntermediateSize); err != nil {
			return nil, err
		}
		if l.Down, err = loadProjection(src, scheme, i, KindDownProj, cfg.IntermediateSize, cfg.HiddenSize); err != nil {
			return nil, err
		}
	}

	if err := loadOutputHead(m, src, scheme); err != nil {
		return nil, err
	}
	return m, nil
}

// loadOutputHead resolves the lm_head through the usual candidates. A
// head that is absent or aliases the embedding leaves LMHead nil and the
// forward pass reuses the embedding matrix.
func loadOutputHead(m *Model, src *safetensors.Model, scheme quant.Scheme) error {
	if m.Config.TieWordEmbeddings {
		return nil
	}
	for _, name := range outputCandidates() {
		if name == embeddingName() {
			return nil
		}
		info, ok := src.Tensor(name)
		if !ok {
			continue
		}
		if len(info.Shape) != 2 || info.Shape[1] != m.Config.HiddenSize {
			return fmt.Errorf("tensor %s: unexpected shape %v", name, info.Shape)
		}
		data, _, err := src.ReadTensorF32(name)
		if err != nil {
			return err
		}
		head, err := scheme.Quantise(info.Shape[0], info.Shape[1], data)
		if err != nil {
			return fmt.Errorf("quantise %s: %w", name, err)
		}
		m.LMHead = head
		return nil
	}
	return nil
}

func loadProjection(src *safetensors.Model, scheme quant.Scheme, layer int, kind string, in, out int) (*Projection, error) {
	name := projName(layer, kind)
	data, info, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 || info.Shape[0] != out || info.Shape[1] != in {
		return nil, fmt.Errorf("tensor %s: shape %v, want [%d %d]", name, info.Shape, out, in)
	}
	w, err := scheme.Quantise(out, in, data)
	if err != nil {
		return nil, fmt.Errorf("quantise %s: %w", name, err)
	}
	return &Projection{
		Name:  strings.TrimSuffix(name, ".weight"),
		Kind:  kind,
		Layer: layer,
		In:    in,
		Out:   out,
		W:     w,
	}, nil
}

func loadMat(src *safetensors.Model, name string, cols int) (*tensor.Mat, error) {
	data, info, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 || info.Shape[1] != cols {
		return nil, fmt.Errorf("tensor %s: shape %v, want [_ %d]", name, info.Shape, cols)
	}
	return tensor.NewMatFromData(info.Shape[0], info.Shape[1], data), nil
}

func loadVec(src *safetensors.Model, name string, dim int) (*tensor.Mat, error) {
	data, info, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 || info.Shape[0] != dim {
		return nil, fmt.Errorf("tensor %s: shape %v, want [%d]", name, info.Shape, dim)
	}
	return tensor.NewMatFromData(1, dim, data), nil
}

func loadFrozenVec(src *safetensors.Model, name string, dim int) (*autograd.Var, error) {
	v, err := loadVec(src, name, dim)
	if err != nil {
		return nil, err
	}
	return autograd.Frozen(v), nil
}
