package train

import (
	"fmt"
	"math"
)

// Scheduler maps an optimizer step to a learning rate. Step 0 is the
// first step taken; warmup ramps linearly so LR(s) = s/w·base for s<w.
type Scheduler struct {
	kind   string
	base   float64
	warmup int
	total  int
}

func NewScheduler(kind string, base float64, warmupSteps, totalSteps int) (*Scheduler, error) {
	switch kind {
	case SchedulerLinear, SchedulerCosine, SchedulerConstant:
	default:
		return nil, fmt.Errorf("unknown lr scheduler %q", kind)
	}
	if totalSteps <= 0 {
		return nil, fmt.Errorf("total steps %d, want > 0", totalSteps)
	}
	if warmupSteps < 0 {
		warmupSteps = 0
	}
	if warmupSteps > totalSteps {
		warmupSteps = totalSteps
	}
	return &Scheduler{kind: kind, base: base, warmup: warmupSteps, total: totalSteps}, nil
}

// LR returns the rate for the given optimizer step.
func (s *Scheduler) LR(step int) float64 {
	if step < 0 {
		step = 0
	}
	if s.warmup > 0 && step < s.warmup {
		return s.base * float64(step) / float64(s.warmup)
	}
	switch s.kind {
	case SchedulerConstant:
		return s.base
	case SchedulerCosine:
		progress := s.progress(step)
		return s.base * 0.5 * (1 + math.Cos(math.Pi*progress))
	default: // linear
		progress := s.progress(step)
		return s.base * (1 - progress)
	}
}

// progress is the fraction of the post-warmup schedule consumed.
func (s *Scheduler) progress(step int) float64 {
	span := s.total - s.warmup
	if span <= 0 {
		return 1
	}
	p := float64(step-s.warmup) / float64(span)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
