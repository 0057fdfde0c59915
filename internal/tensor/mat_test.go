package tensor

import (
	"testing"
)

func TestNewMatZeroInitialised(t *testing.T) {
	m := NewMat(3, 4)
	if m.R != 3 || m.C != 4 || m.Stride != 4 {
		t.Fatalf("unexpected dims: %+v", m)
	}
	for i, v := range m.Data {
		if v != 0 {
			t.Fatalf("element %d not zero: %g", i, v)
		}
	}
}

func TestRowIsView(t *testing.T) {
	m := NewMat(2, 3)
	row := m.Row(1)
	row[2] = 42
	if m.At(1, 2) != 42 {
		t.Fatal("Row should return a mutable view")
	}
}

func TestNewMatFromDataLengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on length mismatch")
		}
	}()
	NewMatFromData(2, 3, make([]float32, 5))
}

func TestCloneIsDeep(t *testing.T) {
	m := NewMat(2, 2)
	m.Set(0, 0, 1)
	c := m.Clone()
	c.Set(0, 0, 9)
	if m.At(0, 0) != 1 {
		t.Fatal("Clone must not share storage")
	}
}

func TestZero(t *testing.T) {
	m := NewMat(4, 5)
	FillRand(m, 1)
	m.Zero()
	for _, v := range m.Data {
		if v != 0 {
			t.Fatal("Zero left nonzero data")
		}
	}
}

func TestFillRandReproducible(t *testing.T) {
	a := NewMat(8, 8)
	b := NewMat(8, 8)
	FillRand(a, 99)
	FillRand(b, 99)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatal("same seed must produce identical matrices")
		}
	}
	FillRand(b, 100)
	same := true
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("different seeds produced identical matrices")
	}
}

func TestRowToMatchesRow(t *testing.T) {
	m := NewMat(3, 7)
	FillRand(m, 3)
	dst := make([]float32, 7)
	m.RowTo(dst, 2)
	row := m.Row(2)
	for i := range dst {
		if dst[i] != row[i] {
			t.Fatal("RowTo must copy the row exactly")
		}
	}
}
