package tensor

import (
	"math"
	"math/rand"
)

// FillRand fills the matrix with reproducible pseudo-random values in a
// small range around zero. The seed controls the random sequence; multiple
// calls with the same seed produce identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

// FillRandn fills the matrix with N(0, std²) values from rng.
func FillRandn(m *Mat, rng *rand.Rand, std float64) {
	for i := range m.Data {
		m.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// FillKaiming fills the matrix with Kaiming-uniform values scaled by the
// fan-in, the initialisation low-rank A matrices start from.
func FillKaiming(m *Mat, rng *rand.Rand, fanIn int) {
	if fanIn <= 0 {
		fanIn = 1
	}
	bound := float32(1.0 / math.Sqrt(float64(fanIn)))
	for i := range m.Data {
		m.Data[i] = (rng.Float32()*2 - 1) * bound
	}
}
