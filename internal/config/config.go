// Package config reads the YAML run file and converts it into the
// option types the pipeline packages consume. Defaults are filled
// before decoding, so a partial file only overrides what it names.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/loam/internal/dataset"
	"github.com/samcharles93/loam/internal/lora"
	"github.com/samcharles93/loam/internal/memory"
	"github.com/samcharles93/loam/internal/model"
	"github.com/samcharles93/loam/internal/train"
)

type Config struct {
	Model        Model     `yaml:"model"`
	Quantization Quant     `yaml:"quantization"`
	LoRA         LoRA      `yaml:"lora"`
	Tokenizer    Tokenizer `yaml:"tokenizer"`
	Dataset      Dataset   `yaml:"dataset"`
	Training     Training  `yaml:"training"`
	Runtime      Runtime   `yaml:"runtime"`
}

type Model struct {
	NameOrPath string `yaml:"name_or_path"`
	Revision   string `yaml:"revision"`
}

type Quant struct {
	LoadIn4Bit   bool   `yaml:"load_in_4bit"`
	QuantType    string `yaml:"quant_type"`
	DoubleQuant  bool   `yaml:"double_quant"`
	ComputeDtype string `yaml:"compute_dtype"`
}

type LoRA struct {
	R             int      `yaml:"r"`
	Alpha         int      `yaml:"lora_alpha"`
	Dropout       float64  `yaml:"lora_dropout"`
	TargetModules []string `yaml:"target_modules"`
}

type Tokenizer struct {
	MaxLength int `yaml:"max_length"`
}

type Dataset struct {
	Path           string  `yaml:"path"`
	ContextColumn  string  `yaml:"context_column"`
	ResponseColumn string  `yaml:"response_column"`
	TrainSplit     float64 `yaml:"train_split"`
	Shuffle        bool    `yaml:"shuffle"`
	ShuffleSeed    uint64  `yaml:"shuffle_seed"`
	MaskPrompt     bool    `yaml:"mask_prompt"`
}

// Training mirrors train.Arguments with the file's key names.
type Training struct {
	OutputDir                 string  `yaml:"output_dir"`
	PerDeviceTrainBatchSize   int     `yaml:"per_device_train_batch_size"`
	GradientAccumulationSteps int     `yaml:"gradient_accumulation_steps"`
	LearningRate              float64 `yaml:"learning_rate"`
	WeightDecay               float64 `yaml:"weight_decay"`
	AdamBeta1                 float64 `yaml:"adam_beta1"`
	AdamBeta2                 float64 `yaml:"adam_beta2"`
	AdamEpsilon               float64 `yaml:"adam_epsilon"`
	MaxGradNorm               float64 `yaml:"max_grad_norm"`
	NumTrainEpochs            float64 `yaml:"num_train_epochs"`
	MaxSteps                  int     `yaml:"max_steps"`
	LRSchedulerType           string  `yaml:"lr_scheduler_type"`
	WarmupRatio               float64 `yaml:"warmup_ratio"`
	WarmupSteps               int     `yaml:"warmup_steps"`
	LoggingSteps              int     `yaml:"logging_steps"`
	EvalSteps                 int     `yaml:"eval_steps"`
	SaveSteps                 int     `yaml:"save_steps"`
	SaveTotalLimit            int     `yaml:"save_total_limit"`
	Seed                      int64   `yaml:"seed"`
	Optim                     string  `yaml:"optim"`
	GradientCheckpointing     bool    `yaml:"gradient_checkpointing"`
	ResumeFromCheckpoint      string  `yaml:"resume_from_checkpoint"`
}

type Runtime struct {
	GCPercent    int    `yaml:"gc_percent"`
	SoftMemLimit string `yaml:"soft_mem_limit"`
	MaxProcs     int    `yaml:"max_procs"`
	Workers      int    `yaml:"workers"`
}

// Default returns the configuration the pipeline was tuned with.
func Default() Config {
	lc := lora.DefaultConfig()
	ds := dataset.DefaultOptions()
	return Config{
		Model: Model{Revision: "main"},
		Quantization: Quant{
			LoadIn4Bit:   true,
			QuantType:    "nf4",
			DoubleQuant:  true,
			ComputeDtype: "float32",
		},
		LoRA: LoRA{
			R:             lc.R,
			Alpha:         lc.Alpha,
			Dropout:       lc.Dropout,
			TargetModules: lc.TargetModules,
		},
		Tokenizer: Tokenizer{MaxLength: ds.MaxLength},
		Dataset: Dataset{
			ContextColumn:  ds.ContextColumn,
			ResponseColumn: ds.ResponseColumn,
			TrainSplit:     ds.TrainSplit,
			Shuffle:        ds.Shuffle,
			ShuffleSeed:    ds.ShuffleSeed,
			MaskPrompt:     ds.MaskPrompt,
		},
		Training: trainingFrom(train.DefaultArguments("runs/latest")),
		Runtime:  Runtime{GCPercent: 50},
	}
}

// Load reads and decodes path over the defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML over the defaults. Unknown keys are errors so
// typos fail loudly instead of silently training with defaults.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Model.NameOrPath == "" {
		errs = append(errs, fmt.Errorf("model.name_or_path not set"))
	}
	if !c.Quantization.LoadIn4Bit {
		errs = append(errs, fmt.Errorf("load_in_4bit false: only 4-bit base weights are supported"))
	}
	switch c.Quantization.QuantType {
	case "nf4", "fp4":
	default:
		errs = append(errs, fmt.Errorf("quant_type %q, want nf4 or fp4", c.Quantization.QuantType))
	}
	switch c.Quantization.ComputeDtype {
	case "", "float32":
	default:
		errs = append(errs, fmt.Errorf("compute_dtype %q not supported (float32 only)", c.Quantization.ComputeDtype))
	}
	if c.LoRA.R < 1 {
		errs = append(errs, fmt.Errorf("lora r %d, want >= 1", c.LoRA.R))
	}
	if c.LoRA.Alpha <= 0 {
		errs = append(errs, fmt.Errorf("lora_alpha %d, want > 0", c.LoRA.Alpha))
	}
	if c.LoRA.Dropout < 0 || c.LoRA.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("lora_dropout %g, want in [0,1)", c.LoRA.Dropout))
	}
	if len(c.LoRA.TargetModules) == 0 {
		errs = append(errs, fmt.Errorf("target_modules empty"))
	}
	if c.Tokenizer.MaxLength < 2 {
		errs = append(errs, fmt.Errorf("tokenizer max_length %d, want >= 2", c.Tokenizer.MaxLength))
	}
	if c.Dataset.Path == "" {
		errs = append(errs, fmt.Errorf("dataset.path not set"))
	}
	if c.Dataset.TrainSplit <= 0 || c.Dataset.TrainSplit > 1 {
		errs = append(errs, fmt.Errorf("train_split %g, want in (0,1]", c.Dataset.TrainSplit))
	}
	trainArgs := c.Training.Arguments()
	if err := trainArgs.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("training: %w", err))
	}
	if _, err := c.Runtime.Tuning(); err != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", err))
	}
	return errors.Join(errs...)
}

// DatasetOptions merges the dataset and tokenizer sections.
func (c *Config) DatasetOptions() dataset.Options {
	return dataset.Options{
		ContextColumn:  c.Dataset.ContextColumn,
		ResponseColumn: c.Dataset.ResponseColumn,
		MaxLength:      c.Tokenizer.MaxLength,
		TrainSplit:     c.Dataset.TrainSplit,
		Shuffle:        c.Dataset.Shuffle,
		ShuffleSeed:    c.Dataset.ShuffleSeed,
		MaskPrompt:     c.Dataset.MaskPrompt,
	}
}

// LoadOptions sizes the rope tables to the training length so the
// model never allocates context it cannot see.
func (c *Config) LoadOptions() model.LoadOptions {
	return model.LoadOptions{
		Scheme:      c.Quantization.QuantType,
		DoubleQuant: c.Quantization.DoubleQuant,
		MaxContext:  c.Tokenizer.MaxLength,
	}
}

// Config converts the lora section into the adapter configuration,
// keeping the PEFT bookkeeping fields at their defaults.
func (l LoRA) Config() lora.Config {
	cfg := lora.DefaultConfig()
	cfg.R = l.R
	cfg.Alpha = l.Alpha
	cfg.Dropout = l.Dropout
	cfg.TargetModules = l.TargetModules
	return cfg
}

func (t Training) Arguments() train.Arguments {
	return train.Arguments{
		OutputDir:                 t.OutputDir,
		PerDeviceTrainBatchSize:   t.PerDeviceTrainBatchSize,
		GradientAccumulationSteps: t.GradientAccumulationSteps,
		LearningRate:              t.LearningRate,
		WeightDecay:               t.WeightDecay,
		AdamBeta1:                 t.AdamBeta1,
		AdamBeta2:                 t.AdamBeta2,
		AdamEpsilon:               t.AdamEpsilon,
		MaxGradNorm:               t.MaxGradNorm,
		NumTrainEpochs:            t.NumTrainEpochs,
		MaxSteps:                  t.MaxSteps,
		LRSchedulerType:           t.LRSchedulerType,
		WarmupRatio:               t.WarmupRatio,
		WarmupSteps:               t.WarmupSteps,
		LoggingSteps:              t.LoggingSteps,
		EvalSteps:                 t.EvalSteps,
		SaveSteps:                 t.SaveSteps,
		SaveTotalLimit:            t.SaveTotalLimit,
		Seed:                      t.Seed,
		Optim:                     t.Optim,
		GradientCheckpointing:     t.GradientCheckpointing,
		ResumeFromCheckpoint:      t.ResumeFromCheckpoint,
	}
}

func trainingFrom(a train.Arguments) Training {
	return Training{
		OutputDir:                 a.OutputDir,
		PerDeviceTrainBatchSize:   a.PerDeviceTrainBatchSize,
		GradientAccumulationSteps: a.GradientAccumulationSteps,
		LearningRate:              a.LearningRate,
		WeightDecay:               a.WeightDecay,
		AdamBeta1:                 a.AdamBeta1,
		AdamBeta2:                 a.AdamBeta2,
		AdamEpsilon:               a.AdamEpsilon,
		MaxGradNorm:               a.MaxGradNorm,
		NumTrainEpochs:            a.NumTrainEpochs,
		MaxSteps:                  a.MaxSteps,
		LRSchedulerType:           a.LRSchedulerType,
		WarmupRatio:               a.WarmupRatio,
		WarmupSteps:               a.WarmupSteps,
		LoggingSteps:              a.LoggingSteps,
		EvalSteps:                 a.EvalSteps,
		SaveSteps:                 a.SaveSteps,
		SaveTotalLimit:            a.SaveTotalLimit,
		Seed:                      a.Seed,
		Optim:                     a.Optim,
		GradientCheckpointing:     a.GradientCheckpointing,
		ResumeFromCheckpoint:      a.ResumeFromCheckpoint,
	}
}

// Tuning parses the human-readable memory limit into allocator knobs.
func (r Runtime) Tuning() (memory.Tuning, error) {
	t := memory.Tuning{GCPercent: r.GCPercent, MaxProcs: r.MaxProcs}
	if r.SoftMemLimit != "" {
		n, err := memory.ParseBytes(r.SoftMemLimit)
		if err != nil {
			return t, fmt.Errorf("soft_mem_limit: %w", err)
		}
		t.SoftMemLimit = n
	}
	return t, nil
}
