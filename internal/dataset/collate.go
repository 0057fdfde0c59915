package dataset

// Collator assembles micro-batches. Fixed-length examples already share
// a width; Batch still re-pads to the longest row so trimmed eval
// slices collate too.
type Collator struct {
	PadID int
}

// Batch is one padded micro-batch with per-example real token counts.
type Batch struct {
	Inputs  [][]int
	Labels  [][]int
	Lengths []int
}

// Tokens counts the real (non-pad) tokens in the batch.
func (b Batch) Tokens() int {
	var n int
	for _, l := range b.Lengths {
		n += l
	}
	return n
}

func (c Collator) Collate(examples []Example) Batch {
	width := 0
	for _, ex := range examples {
		if len(ex.Input) > width {
			width = len(ex.Input)
		}
	}
	b := Batch{
		Inputs:  make([][]int, len(examples)),
		Labels:  make([][]int, len(examples)),
		Lengths: make([]int, len(examples)),
	}
	for i, ex := range examples {
		in := make([]int, width)
		lab := make([]int, width)
		copy(in, ex.Input)
		copy(lab, ex.Labels)
		for j := len(ex.Input); j < width; j++ {
			in[j] = c.PadID
			lab[j] = IgnoreIndex
		}
		b.Inputs[i] = in
		b.Labels[i] = lab
		b.Lengths[i] = ex.Length
	}
	return b
}
