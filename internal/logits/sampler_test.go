package logits

import "testing"

func TestSamplerGreedyPicksArgmax(t *testing.T) {
	t.Parallel()

	s := NewSampler(SamplerConfig{Seed: 1})
	if got := s.Sample([]float32{-1, 5, 3, 7, 2}, nil); got != 3 {
		t.Fatalf("greedy sample: got %d, want 3", got)
	}
}

func TestSamplerDeterministicForSeed(t *testing.T) {
	t.Parallel()

	logits := []float32{0, 1, 2, 3, 4, 5}
	a := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	b := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 8; i++ {
		x := a.Sample(logits, nil)
		y := b.Sample(logits, nil)
		if x != y {
			t.Fatalf("draw %d: samplers diverged, %d vs %d", i, x, y)
		}
	}
}

func TestSamplerTopPCutsTail(t *testing.T) {
	t.Parallel()

	// Index 0 holds nearly all probability mass, so a 0.5 cut leaves
	// only that candidate.
	logits := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1, TopK: 5, TopP: 0.5})
	for i := 0; i < 20; i++ {
		if got := s.Sample(logits, nil); got != 0 {
			t.Fatalf("draw %d: got %d, want 0", i, got)
		}
	}
}

func TestSamplerTopKRestrictsCandidates(t *testing.T) {
	t.Parallel()

	// With TopK 2 only ids 5 and 3 survive the shortlist.
	logits := []float32{0, 1, 2, 7, 1, 9}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1.5, TopK: 2})
	for i := 0; i < 50; i++ {
		got := s.Sample(logits, nil)
		if got != 5 && got != 3 {
			t.Fatalf("draw %d: got %d, want 5 or 3", i, got)
		}
	}
}

func TestSamplerRepetitionPenalty(t *testing.T) {
	t.Parallel()

	// Ids 0 and 1 start close; penalizing the recently emitted 0 flips
	// the greedy choice to 1.
	s := NewSampler(SamplerConfig{Seed: 1, RepetitionPenalty: 1.5})
	logits := []float32{1.0, 0.9}
	if got := s.Sample(logits, []int{0}); got != 1 {
		t.Fatalf("penalized sample: got %d, want 1", got)
	}
	if logits[0] != 1.0/1.5 {
		t.Fatalf("positive logit not divided in place: %v", logits[0])
	}

	// Negative logits are multiplied instead so the penalty always
	// pushes the id away from selection.
	neg := []float32{-0.5, -2}
	if got := s.Sample(neg, []int{0}); got != 0 {
		t.Fatalf("negative-logit sample: got %d, want 0", got)
	}
	if neg[0] != -0.75 {
		t.Fatalf("negative logit not multiplied in place: %v", neg[0])
	}
}

func TestSamplerPenaltyWindow(t *testing.T) {
	t.Parallel()

	// Id 0 was emitted outside the RepeatLastN window, so it keeps its
	// raw logit and stays the greedy pick.
	s := NewSampler(SamplerConfig{Seed: 1, RepetitionPenalty: 2, RepeatLastN: 2})
	logits := []float32{1.0, 0.9}
	if got := s.Sample(logits, []int{0, 1, 1}); got != 0 {
		t.Fatalf("windowed sample: got %d, want 0", got)
	}
}
