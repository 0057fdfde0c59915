package lora

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/safetensors"
)

const (
	// ConfigFile and WeightsFile are the PEFT adapter artifact names.
	ConfigFile  = "adapter_config.json"
	WeightsFile = "adapter_model.safetensors"
)

// Save writes the adapter directory: adapter_config.json plus the f32
// adapter weights. baseModel records where the frozen base came from so
// the adapter can be re-applied later.
func (s *Set) Save(dir, baseModel string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	cfg := s.Config
	cfg.PeftType = "LORA"
	if baseModel != "" {
		cfg.BaseModel = baseModel
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), raw, 0o644); err != nil {
		return err
	}

	b := safetensors.NewBuilder()
	b.SetMetadata("format", "pt")
	for _, p := range s.Params() {
		if err := b.AddF32(p.Name, []int{p.Var.W.R, p.Var.W.C}, p.Var.W.Data); err != nil {
			return fmt.Errorf("adapter tensor %s: %w", p.Name, err)
		}
	}
	return b.WriteFile(filepath.Join(dir, WeightsFile))
}

// Load restores a saved adapter onto a freshly loaded base model. Every
// tensor in the file must match the shape the target projection implies.
func Load(dir string, m *model.Model) (*Set, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", ConfigFile, err)
	}

	// attach zero-initialised pairs, then overwrite from the file
	init := cfg
	init.InitWeights = false
	s, err := Attach(m, init, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	s.Config = cfg

	f, err := safetensors.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, err
	}
	for _, p := range s.Params() {
		data, info, err := f.ReadTensorF32(p.Name)
		if err != nil {
			return nil, err
		}
		if len(info.Shape) != 2 || info.Shape[0] != p.Var.W.R || info.Shape[1] != p.Var.W.C {
			return nil, fmt.Errorf("tensor %s: shape %v, want [%d %d]",
				p.Name, info.Shape, p.Var.W.R, p.Var.W.C)
		}
		copy(p.Var.W.Data, data)
	}
	return s, nil
}
