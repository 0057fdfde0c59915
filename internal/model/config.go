package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
)

// Config mirrors the fields of a Hugging Face config.json that this
// trainer consumes. Llama-family decoder models (llama, mistral,
// tinyllama and friends) share these.
type Config struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`

	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDimOverride   int     `json:"head_dim"`
	VocabSize         int     `json:"vocab_size"`
	MaxPosition       int     `json:"max_position_embeddings"`
	RMSNormEps        float64 `json:"rms_norm_eps"`
	RopeTheta         float64 `json:"rope_theta"`
	TieWordEmbeddings bool    `json:"tie_word_embeddings"`
	AttentionBias     bool    `json:"attention_bias"`
	TorchDType        string  `json:"torch_dtype"`

	RopeScaling *RopeScaling `json:"rope_scaling"`

	// MoE markers, parsed only to reject such checkpoints early.
	NumLocalExperts  int `json:"num_local_experts"`
	NumExperts       int `json:"num_experts"`
	NumExpertsPerTok int `json:"num_experts_per_tok"`
}

type RopeScaling struct {
	Type       string  `json:"type"`
	RopeType   string  `json:"rope_type"`
	Factor     float64 `json:"factor"`
	OrigMaxCtx int     `json:"original_max_position_embeddings"`
	LowFactor  float64 `json:"low_freq_factor"`
	HighFactor float64 `json:"high_freq_factor"`
}

// LoadConfig reads and validates config.json from a model directory.
func LoadConfig(dir string) (*Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, err
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	if cfg.NumKeyValueHeads == 0 {
		cfg.NumKeyValueHeads = cfg.NumAttentionHeads
	}
	if cfg.RMSNormEps == 0 {
		cfg.RMSNormEps = 1e-5
	}
	if cfg.RopeTheta == 0 {
		cfg.RopeTheta = 10_000
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !c.isSupportedArch() {
		return fmt.Errorf("unsupported model_type %q (architectures=%v)", c.ModelType, c.Architectures)
	}
	if c.NumLocalExperts > 0 || c.NumExperts > 0 || c.NumExpertsPerTok > 0 {
		return fmt.Errorf("moe checkpoints are not supported")
	}
	if c.AttentionBias {
		return fmt.Errorf("attention projection biases are not supported")
	}
	if c.HiddenSize <= 0 || c.IntermediateSize <= 0 || c.NumHiddenLayers <= 0 {
		return fmt.Errorf("invalid dimensions: hidden=%d intermediate=%d layers=%d",
			c.HiddenSize, c.IntermediateSize, c.NumHiddenLayers)
	}
	if c.NumAttentionHeads <= 0 || c.VocabSize <= 0 {
		return fmt.Errorf("invalid dimensions: heads=%d vocab=%d", c.NumAttentionHeads, c.VocabSize)
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("attention heads (%d) not divisible by kv heads (%d)",
			c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.HeadDimOverride == 0 && c.HiddenSize%c.NumAttentionHeads != 0 {
		return fmt.Errorf("hidden size %d not divisible by %d heads", c.HiddenSize, c.NumAttentionHeads)
	}
	if rs := c.RopeScaling; rs != nil {
		switch t := rs.kind(); t {
		case "", "default", "linear", "llama3":
		default:
			return fmt.Errorf("unsupported rope scaling type %q", t)
		}
	}
	return nil
}

func (c *Config) isSupportedArch() bool {
	has := func(substr string) bool {
		if strings.Contains(strings.ToLower(c.ModelType), substr) {
			return true
		}
		for _, arch := range c.Architectures {
			if strings.Contains(strings.ToLower(arch), substr) {
				return true
			}
		}
		return false
	}
	return has("llama") || has("mistral")
}

// HeadDim is the per-head dimension, honouring an explicit head_dim.
func (c *Config) HeadDim() int {
	if c.HeadDimOverride > 0 {
		return c.HeadDimOverride
	}
	return c.HiddenSize / c.NumAttentionHeads
}

// KVDim is the width of the key and value projections.
func (c *Config) KVDim() int {
	return c.NumKeyValueHeads * c.HeadDim()
}

func (rs *RopeScaling) kind() string {
	t := strings.TrimSpace(rs.RopeType)
	if t == "" {
		t = strings.TrimSpace(rs.Type)
	}
	return strings.ToLower(t)
}

// Checkpoint tensor names. The supported architectures all follow the
// transformers llama layout; the output head falls back through the
// usual candidates and finally the tied embedding.

func embeddingName() string  { return "model.embed_tokens.weight" }
func outputNormName() string { return "model.norm.weight" }

func outputCandidates() []string {
	return []string{
		"lm_head.weight",
		"model.lm_head.weight",
		"output.weight",
		"model.output.weight",
		"model.embed_tokens.weight",
	}
}

func attnNormName(layer int) string {
	return fmt.Sprintf("model.layers.%d.input_layernorm.weight", layer)
}

func ffnNormName(layer int) string {
	return fmt.Sprintf("model.layers.%d.post_attention_layernorm.weight", layer)
}

func projName(layer int, kind string) string {
	switch kind {
	case KindQProj, KindKProj, KindVProj, KindOProj:
		return fmt.Sprintf("model.layers.%d.self_attn.%s.weight", layer, kind)
	default:
		return fmt.Sprintf("model.layers.%d.mlp.%s.weight", layer, kind)
	}
}
