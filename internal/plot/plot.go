// Package plot renders loss-curve artifacts from a trainer state: a
// self-contained SVG for reports and an ASCII chart for terminals.
package plot

import (
	"math"

	"github.com/samcharles93/loam/internal/train"
)

type point struct {
	x, y float64
}

// series splits the log history into train-loss and eval-loss points,
// keyed by optimizer step.
func series(state *train.TrainerState) (trainPts, evalPts []point) {
	if state == nil {
		return nil, nil
	}
	for _, e := range state.LogHistory {
		if e.Loss > 0 {
			trainPts = append(trainPts, point{x: float64(e.Step), y: e.Loss})
		}
		if e.EvalLoss > 0 {
			evalPts = append(evalPts, point{x: float64(e.Step), y: e.EvalLoss})
		}
	}
	return trainPts, evalPts
}

type bounds struct {
	xmin, xmax, ymin, ymax float64
}

func boundsOf(sets ...[]point) (bounds, bool) {
	b := bounds{
		xmin: math.Inf(1), xmax: math.Inf(-1),
		ymin: math.Inf(1), ymax: math.Inf(-1),
	}
	any := false
	for _, pts := range sets {
		for _, p := range pts {
			any = true
			b.xmin = math.Min(b.xmin, p.x)
			b.xmax = math.Max(b.xmax, p.x)
			b.ymin = math.Min(b.ymin, p.y)
			b.ymax = math.Max(b.ymax, p.y)
		}
	}
	if !any {
		return bounds{}, false
	}
	// degenerate spans still need a drawable box
	if b.xmax == b.xmin {
		b.xmin -= 1
		b.xmax += 1
	}
	if b.ymax == b.ymin {
		pad := math.Abs(b.ymin) * 0.1
		if pad == 0 {
			pad = 1
		}
		b.ymin -= pad
		b.ymax += pad
	} else {
		pad := (b.ymax - b.ymin) * 0.05
		b.ymin -= pad
		b.ymax += pad
	}
	return b, true
}

// tickStep picks a 1/2/5-scaled interval that yields about four ticks
// across span.
func tickStep(span float64) float64 {
	if span <= 0 {
		return 1
	}
	raw := span / 4
	mag := math.Pow(10, math.Floor(math.Log10(raw)))
	for _, m := range []float64{1, 2, 5, 10} {
		if raw <= m*mag {
			return m * mag
		}
	}
	return 10 * mag
}

// ticks returns tick positions covering [lo, hi] at tickStep spacing.
func ticks(lo, hi float64) []float64 {
	step := tickStep(hi - lo)
	first := math.Ceil(lo/step) * step
	var out []float64
	for v := first; v <= hi+step*1e-9; v += step {
		out = append(out, v)
	}
	return out
}
