// Package logits turns a row of model outputs into the next token id.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig sets the sampling knobs. Zero values pick the defaults
// applied by NewSampler.
type SamplerConfig struct {
	Seed              int64
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	RepeatLastN       int
}

// Sampler draws token ids from logits vectors. Temperature <= 0 at
// construction selects greedy decoding.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
}

func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepetitionPenalty <= 0 {
		cfg.RepetitionPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample picks the next token id. recent is the decoded context so
// far; ids in its trailing RepeatLastN window get the repetition
// penalty. logits is modified in place when a penalty applies.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	s.penalize(logits, recent)

	if s.greedy {
		return argmax(logits)
	}

	k := min(s.cfg.TopK, len(logits))
	idx, val := topK(logits, k, 1/s.cfg.Temperature)
	if len(idx) == 0 {
		return 0
	}

	// Softmax over the shortlist. val is sorted descending, so the
	// first entry is the stability constant.
	probs := make([]float64, len(val))
	var sum float64
	for i, v := range val {
		e := math.Exp(float64(v - val[0]))
		probs[i] = e
		sum += e
	}
	if sum == 0 {
		return idx[0]
	}
	for i := range probs {
		probs[i] /= sum
	}

	cut := len(probs)
	if s.cfg.TopP < 1 {
		var c float64
		for i, p := range probs {
			c += p
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += probs[i]
		if r <= c {
			return idx[i]
		}
	}
	return idx[cut-1]
}

func (s *Sampler) penalize(logits []float32, recent []int) {
	if s.cfg.RepetitionPenalty <= 1 || len(recent) == 0 {
		return
	}
	start := max(len(recent)-s.cfg.RepeatLastN, 0)
	seen := make(map[int]struct{}, len(recent)-start)
	for _, id := range recent[start:] {
		if id < 0 || id >= len(logits) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if logits[id] > 0 {
			logits[id] /= s.cfg.RepetitionPenalty
		} else {
			logits[id] *= s.cfg.RepetitionPenalty
		}
	}
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}

// topK returns indices and temperature-scaled values of the k largest
// logits, ordered descending. Insertion into a short sorted prefix is
// O(V*k), fine for the shortlist sizes this package sees.
func topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	idx := make([]int, 0, k+1)
	val := make([]float32, 0, k+1)
	for i, l := range logits {
		v := l * invTemp
		pos := len(val)
		for pos > 0 && val[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		val = append(val, 0)
		copy(idx[pos+1:], idx[pos:])
		copy(val[pos+1:], val[pos:])
		idx[pos] = i
		val[pos] = v
		if len(val) > k {
			idx = idx[:k]
			val = val[:k]
		}
	}
	return idx, val
}
