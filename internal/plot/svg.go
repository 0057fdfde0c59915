package plot

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samcharles93/loam/internal/train"
)

// Options controls the SVG canvas.
type Options struct {
	Width  int
	Height int
	Title  string
}

const (
	defaultWidth  = 800
	defaultHeight = 480

	marginLeft   = 64
	marginRight  = 24
	marginTop    = 40
	marginBottom = 48

	trainColor = "#1f77b4"
	evalColor  = "#d62728"
)

// RenderSVG writes a self-contained loss chart. Empty and single-point
// histories render a frame with a notice instead of failing.
func RenderSVG(w io.Writer, state *train.TrainerState, opts Options) error {
	width := opts.Width
	if width <= 0 {
		width = defaultWidth
	}
	height := opts.Height
	if height <= 0 {
		height = defaultHeight
	}
	title := opts.Title
	if title == "" {
		title = "training loss"
	}

	trainPts, evalPts := series(state)

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n",
		width, height, width, height)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="white"/>`+"\n", width, height)
	fmt.Fprintf(&b, `<text x="%d" y="24" font-family="monospace" font-size="15" text-anchor="middle">%s</text>`+"\n",
		width/2, xmlEscape(title))

	bb, ok := boundsOf(trainPts, evalPts)
	if !ok {
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="monospace" font-size="13" text-anchor="middle" fill="#666">no loss history</text>`+"\n",
			width/2, height/2)
		b.WriteString("</svg>\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	plotW := float64(width - marginLeft - marginRight)
	plotH := float64(height - marginTop - marginBottom)
	sx := func(x float64) float64 {
		return float64(marginLeft) + (x-bb.xmin)/(bb.xmax-bb.xmin)*plotW
	}
	sy := func(y float64) float64 {
		return float64(marginTop) + plotH - (y-bb.ymin)/(bb.ymax-bb.ymin)*plotH
	}

	// grid and tick labels
	for _, tv := range ticks(bb.ymin, bb.ymax) {
		y := sy(tv)
		fmt.Fprintf(&b, `<line x1="%d" y1="%.1f" x2="%d" y2="%.1f" stroke="#ddd"/>`+"\n",
			marginLeft, y, width-marginRight, y)
		fmt.Fprintf(&b, `<text x="%d" y="%.1f" font-family="monospace" font-size="11" text-anchor="end">%.4g</text>`+"\n",
			marginLeft-8, y+4, tv)
	}
	for _, tv := range ticks(bb.xmin, bb.xmax) {
		x := sx(tv)
		fmt.Fprintf(&b, `<line x1="%.1f" y1="%d" x2="%.1f" y2="%d" stroke="#eee"/>`+"\n",
			x, marginTop, x, height-marginBottom)
		fmt.Fprintf(&b, `<text x="%.1f" y="%d" font-family="monospace" font-size="11" text-anchor="middle">%.0f</text>`+"\n",
			x, height-marginBottom+18, tv)
	}

	// axes
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="#333"/>`+"\n",
		marginLeft, marginTop, marginLeft, height-marginBottom)
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="#333"/>`+"\n",
		marginLeft, height-marginBottom, width-marginRight, height-marginBottom)
	fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="monospace" font-size="12" text-anchor="middle">step</text>`+"\n",
		marginLeft+int(plotW/2), height-10)

	drawSeries(&b, trainPts, trainColor, sx, sy)
	drawSeries(&b, evalPts, evalColor, sx, sy)

	// legend
	lx := width - marginRight - 120
	if len(trainPts) > 0 {
		fmt.Fprintf(&b, `<rect x="%d" y="%d" width="12" height="3" fill="%s"/>`+"\n", lx, marginTop+4, trainColor)
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="monospace" font-size="11">train</text>`+"\n", lx+18, marginTop+9)
	}
	if len(evalPts) > 0 {
		fmt.Fprintf(&b, `<rect x="%d" y="%d" width="12" height="3" fill="%s"/>`+"\n", lx, marginTop+18, evalColor)
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="monospace" font-size="11">eval</text>`+"\n", lx+18, marginTop+23)
	}

	b.WriteString("</svg>\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// SVGFile renders the chart into path.
func SVGFile(path string, state *train.TrainerState, opts Options) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := RenderSVG(f, state, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func drawSeries(b *strings.Builder, pts []point, color string, sx, sy func(float64) float64) {
	if len(pts) == 0 {
		return
	}
	if len(pts) == 1 {
		fmt.Fprintf(b, `<circle cx="%.1f" cy="%.1f" r="3" fill="%s"/>`+"\n",
			sx(pts[0].x), sy(pts[0].y), color)
		return
	}
	b.WriteString(`<polyline fill="none" stroke="` + color + `" stroke-width="1.5" points="`)
	for i, p := range pts {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(b, "%.1f,%.1f", sx(p.x), sy(p.y))
	}
	b.WriteString(`"/>` + "\n")
}

func xmlEscape(s string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	).Replace(s)
}
