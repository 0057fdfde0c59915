package model

import (
	"math"
	"testing"
)

func TestRopeTableDims(t *testing.T) {
	cfg := &Config{
		NumAttentionHeads: 2,
		HiddenSize:        16,
		RopeTheta:         10_000,
		MaxPosition:       32,
	}
	cos, sin := buildRopeTables(cfg, 32)
	if cos.R != 32 || cos.C != 4 || sin.R != 32 || sin.C != 4 {
		t.Fatalf("table dims: cos %dx%d sin %dx%d", cos.R, cos.C, sin.R, sin.C)
	}
	// position 0 rotates by nothing
	for j := 0; j < cos.C; j++ {
		if cos.At(0, j) != 1 || sin.At(0, j) != 0 {
			t.Fatalf("position 0 should be identity, got cos=%g sin=%g", cos.At(0, j), sin.At(0, j))
		}
	}
	// first frequency is 1, so angle at position p is p
	want := float32(math.Cos(3))
	if diff := cos.At(3, 0) - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("cos(3*1) = %g, want %g", cos.At(3, 0), want)
	}
}

func TestLinearRopeScalingDividesFrequencies(t *testing.T) {
	cfg := &Config{
		NumAttentionHeads: 1,
		HiddenSize:        8,
		RopeTheta:         10_000,
		MaxPosition:       64,
		RopeScaling:       &RopeScaling{Type: "linear", Factor: 2},
	}
	cos, _ := buildRopeTables(cfg, 64)

	plain := &Config{NumAttentionHeads: 1, HiddenSize: 8, RopeTheta: 10_000, MaxPosition: 64}
	cosPlain, _ := buildRopeTables(plain, 64)

	// position 2 with factor 2 matches position 1 unscaled
	for j := 0; j < cos.C; j++ {
		if diff := cos.At(2, j) - cosPlain.At(1, j); diff > 1e-5 || diff < -1e-5 {
			t.Fatalf("scaled table mismatch at freq %d: %g vs %g", j, cos.At(2, j), cosPlain.At(1, j))
		}
	}
}

func TestLlama3ScalingBlendsBands(t *testing.T) {
	headDim := 64
	half := headDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(500_000, float64(2*i)/float64(headDim))
	}
	orig := append([]float64(nil), invFreq...)

	applyLlama3Scaling(invFreq, 8, 8192, 1, 4)

	// highest frequency (shortest wavelength) stays intact
	if invFreq[0] != orig[0] {
		t.Fatalf("high frequency changed: %g vs %g", invFreq[0], orig[0])
	}
	// lowest frequency (longest wavelength) is fully interpolated
	last := half - 1
	if diff := invFreq[last] - orig[last]/8; math.Abs(diff) > 1e-12 {
		t.Fatalf("low frequency not divided by factor: %g vs %g", invFreq[last], orig[last]/8)
	}
	// everything in between stays within the two extremes
	for i := range invFreq {
		if invFreq[i] > orig[i]+1e-12 || invFreq[i] < orig[i]/8-1e-12 {
			t.Fatalf("frequency %d outside blend range: %g (orig %g)", i, invFreq[i], orig[i])
		}
	}
}
