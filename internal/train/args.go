// Package train runs the fine-tuning loop: gradient accumulation over
// micro-batches, AdamW updates on the adapter parameters, LR schedules,
// periodic eval and checkpointing.
package train

import (
	"errors"
	"fmt"
)

// Optimizer and scheduler names accepted by Arguments.
const (
	OptimAdamW     = "adamw"
	OptimAdamW8bit = "adamw8bit"

	SchedulerLinear   = "linear"
	SchedulerCosine   = "cosine"
	SchedulerConstant = "constant"
)

// Arguments mirrors the training-argument surface the run config and
// CLI expose. Field meanings follow the conventional trainer semantics:
// steps count optimizer steps, not micro-batches.
type Arguments struct {
	OutputDir                 string
	PerDeviceTrainBatchSize   int
	GradientAccumulationSteps int
	LearningRate              float64
	WeightDecay               float64
	AdamBeta1                 float64
	AdamBeta2                 float64
	AdamEpsilon               float64
	MaxGradNorm               float64
	NumTrainEpochs            float64
	// MaxSteps, when positive, overrides the epoch count.
	MaxSteps        int
	LRSchedulerType string
	WarmupRatio     float64
	// WarmupSteps, when positive, overrides WarmupRatio.
	WarmupSteps           int
	LoggingSteps          int
	EvalSteps             int
	SaveSteps             int
	SaveTotalLimit        int
	Seed                  int64
	Optim                 string
	GradientCheckpointing bool
	ResumeFromCheckpoint  string
}

// DefaultArguments carries the defaults the pipeline was tuned with.
func DefaultArguments(outputDir string) Arguments {
	return Arguments{
		OutputDir:                 outputDir,
		PerDeviceTrainBatchSize:   1,
		GradientAccumulationSteps: 4,
		LearningRate:              2e-4,
		WeightDecay:               0.0,
		AdamBeta1:                 0.9,
		AdamBeta2:                 0.999,
		AdamEpsilon:               1e-8,
		MaxGradNorm:               0.3,
		NumTrainEpochs:            1,
		MaxSteps:                  -1,
		LRSchedulerType:           SchedulerLinear,
		WarmupRatio:               0.03,
		LoggingSteps:              10,
		SaveSteps:                 200,
		SaveTotalLimit:            2,
		Seed:                      42,
		Optim:                     OptimAdamW8bit,
		GradientCheckpointing:     true,
	}
}

func (a *Arguments) Validate() error {
	var errs []error
	if a.OutputDir == "" {
		errs = append(errs, fmt.Errorf("output dir not set"))
	}
	if a.PerDeviceTrainBatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size %d, want >= 1", a.PerDeviceTrainBatchSize))
	}
	if a.GradientAccumulationSteps < 1 {
		errs = append(errs, fmt.Errorf("accumulation steps %d, want >= 1", a.GradientAccumulationSteps))
	}
	if a.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("learning rate %g, want > 0", a.LearningRate))
	}
	if a.WeightDecay < 0 {
		errs = append(errs, fmt.Errorf("weight decay %g, want >= 0", a.WeightDecay))
	}
	if a.AdamBeta1 < 0 || a.AdamBeta1 >= 1 {
		errs = append(errs, fmt.Errorf("adam beta1 %g, want in [0,1)", a.AdamBeta1))
	}
	if a.AdamBeta2 < 0 || a.AdamBeta2 >= 1 {
		errs = append(errs, fmt.Errorf("adam beta2 %g, want in [0,1)", a.AdamBeta2))
	}
	if a.AdamEpsilon <= 0 {
		errs = append(errs, fmt.Errorf("adam epsilon %g, want > 0", a.AdamEpsilon))
	}
	if a.MaxGradNorm < 0 {
		errs = append(errs, fmt.Errorf("max grad norm %g, want >= 0", a.MaxGradNorm))
	}
	if a.MaxSteps <= 0 && a.NumTrainEpochs <= 0 {
		errs = append(errs, fmt.Errorf("neither max steps nor epochs set"))
	}
	switch a.LRSchedulerType {
	case SchedulerLinear, SchedulerCosine, SchedulerConstant:
	default:
		errs = append(errs, fmt.Errorf("unknown lr scheduler %q", a.LRSchedulerType))
	}
	if a.WarmupRatio < 0 || a.WarmupRatio > 1 {
		errs = append(errs, fmt.Errorf("warmup ratio %g, want in [0,1]", a.WarmupRatio))
	}
	if a.WarmupSteps < 0 {
		errs = append(errs, fmt.Errorf("warmup steps %d, want >= 0", a.WarmupSteps))
	}
	switch a.Optim {
	case OptimAdamW, OptimAdamW8bit:
	default:
		errs = append(errs, fmt.Errorf("unknown optimizer %q", a.Optim))
	}
	return errors.Join(errs...)
}

// warmup resolves the warmup step count against the total.
func (a *Arguments) warmup(totalSteps int) int {
	if a.WarmupSteps > 0 {
		return a.WarmupSteps
	}
	return int(a.WarmupRatio * float64(totalSteps))
}
