package autograd

import (
	"math"

	"github.com/samcharles93/loam/internal/tensor"
)

// CrossEntropy computes the mean negative log-likelihood of labels under
// the row-wise softmax of logits. Positions with label < 0 are ignored.
// The loss is the root of the graph, so its gradient is written into
// logits immediately rather than through a closure; scale multiplies the
// seeded gradient (gradient accumulation passes 1/accumSteps).
// Returns the mean loss over counted positions and the count.
func (t *Tape) CrossEntropy(logits *Var, labels []int, scale float32) (float32, int) {
	if logits.W.R != len(labels) {
		panic("cross entropy: label count mismatch")
	}
	count := 0
	for _, l := range labels {
		if l >= 0 {
			count++
		}
	}
	if count == 0 {
		return 0, 0
	}

	vocab := logits.W.C
	probs := make([]float32, vocab)
	gradScale := scale / float32(count)
	var total float64

	for s, label := range labels {
		if label < 0 {
			continue
		}
		if label >= vocab {
			panic("cross entropy: label outside vocabulary")
		}
		copy(probs, logits.W.Row(s))
		tensor.Softmax(probs)

		p := probs[label]
		if p < 1e-12 {
			p = 1e-12
		}
		total -= math.Log(float64(p))

		if logits.Grad != nil {
			g := logits.Grad.Row(s)
			for j, pj := range probs {
				g[j] += pj * gradScale
			}
			g[label] -= gradScale
		}
	}
	return float32(total / float64(count)), count
}

// TokenAccuracy counts greedy-argmax hits against labels, skipping ignored
// positions. Used by evaluation only; no gradients are involved.
func TokenAccuracy(logits *tensor.Mat, labels []int) (correct, total int) {
	for s, label := range labels {
		if label < 0 {
			continue
		}
		total++
		row := logits.Row(s)
		best := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if best == label {
			correct++
		}
	}
	return correct, total
}
