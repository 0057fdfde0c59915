package plot

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/samcharles93/loam/internal/train"
)

// RenderASCII draws the loss curve as a width x height character grid:
// '*' for train loss, '+' for eval loss. Sizes at or below zero fall
// back to 64x12.
func RenderASCII(w io.Writer, state *train.TrainerState, width, height int) error {
	if width <= 0 {
		width = 64
	}
	if height <= 0 {
		height = 12
	}

	trainPts, evalPts := series(state)
	bb, ok := boundsOf(trainPts, evalPts)
	if !ok {
		_, err := io.WriteString(w, "no loss history\n")
		return err
	}

	grid := make([][]byte, height)
	for i := range grid {
		grid[i] = []byte(strings.Repeat(" ", width))
	}
	place := func(pts []point, mark byte) {
		for _, p := range pts {
			col := int((p.x - bb.xmin) / (bb.xmax - bb.xmin) * float64(width-1))
			row := int(math.Round((bb.ymax - p.y) / (bb.ymax - bb.ymin) * float64(height-1)))
			if col < 0 || col >= width || row < 0 || row >= height {
				continue
			}
			grid[row][col] = mark
		}
	}
	place(trainPts, '*')
	place(evalPts, '+')

	var b strings.Builder
	for i, row := range grid {
		switch i {
		case 0:
			fmt.Fprintf(&b, "%8.4f |%s\n", bb.ymax, row)
		case height - 1:
			fmt.Fprintf(&b, "%8.4f |%s\n", bb.ymin, row)
		default:
			fmt.Fprintf(&b, "%8s |%s\n", "", row)
		}
	}
	fmt.Fprintf(&b, "%8s +%s\n", "", strings.Repeat("-", width))
	fmt.Fprintf(&b, "%8s  %-*.0f%*.0f\n", "", width/2, bb.xmin, width-width/2, bb.xmax)
	if len(evalPts) > 0 {
		b.WriteString("          * train  + eval\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
