package model

import (
	"math"

	"github.com/samcharles93/loam/internal/tensor"
)

// buildRopeTables precomputes cos/sin tables of shape [maxSeq, headDim/2]
// using the half-split rotary convention: element i pairs with i+headDim/2.
func buildRopeTables(cfg *Config, maxSeq int) (cos, sin *tensor.Mat) {
	headDim := cfg.HeadDim()
	half := headDim / 2

	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(cfg.RopeTheta, float64(2*i)/float64(headDim))
	}
	applyRopeScaling(invFreq, cfg)

	cos = tensor.NewMat(maxSeq, half)
	sin = tensor.NewMat(maxSeq, half)
	for p := 0; p < maxSeq; p++ {
		crow := cos.Row(p)
		srow := sin.Row(p)
		for i, f := range invFreq {
			angle := float64(p) * f
			crow[i] = float32(math.Cos(angle))
			srow[i] = float32(math.Sin(angle))
		}
	}
	return cos, sin
}

func applyRopeScaling(invFreq []float64, cfg *Config) {
	rs := cfg.RopeScaling
	if rs == nil || len(invFreq) == 0 {
		return
	}
	factor := rs.Factor
	if factor <= 0 {
		factor = 1
	}
	switch rs.kind() {
	case "llama3":
		origCtx := float64(rs.OrigMaxCtx)
		if origCtx <= 0 {
			origCtx = float64(cfg.MaxPosition)
		}
		applyLlama3Scaling(invFreq, factor, origCtx, rs.LowFactor, rs.HighFactor)
	default:
		if factor != 1 {
			for i, f := range invFreq {
				invFreq[i] = f / factor
			}
		}
	}
}

// applyLlama3Scaling interpolates low frequencies by factor, keeps high
// frequencies intact, and smoothly blends in between, as the llama 3.x
// releases do.
func applyLlama3Scaling(invFreq []float64, factor, origCtx, lowFactor, highFactor float64) {
	if factor == 0 || factor == 1 || origCtx <= 0 {
		return
	}
	if lowFactor <= 0 {
		lowFactor = 1
	}
	if highFactor <= 0 {
		highFactor = lowFactor
	}
	if highFactor <= lowFactor {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor

	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		waveLen := (2 * math.Pi) / f
		if waveLen > lowFreqWavelen {
			invFreq[i] = f / factor
			continue
		}
		if waveLen < highFreqWavelen {
			continue
		}
		smooth := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
		invFreq[i] = (1-smooth)*(f/factor) + smooth*f
	}
}
