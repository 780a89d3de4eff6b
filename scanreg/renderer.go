package scanreg

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// gradeColors colors pair edges by grade; manual pairs are drawn thicker.
var gradeColors = map[Grade]color.RGBA{
	GradeUnknown: {R: 128, G: 128, B: 128, A: 255},
	GradePoor:    {R: 220, G: 50, B: 47, A: 255},
	GradeFair:    {R: 230, G: 160, B: 20, A: 255},
	GradeGood:    {R: 40, G: 160, B: 60, A: 255},
}

var (
	footprintFill   = color.RGBA{R: 6, G: 22, B: 33, A: 40} // premultiplied
	footprintStroke = color.RGBA{R: 38, G: 139, B: 210, A: 255}
	dirtyStroke     = color.RGBA{R: 211, G: 54, B: 130, A: 255}
)

// OverviewRenderer draws a plan view of the store: scan footprints and pair edges.
type OverviewRenderer struct {
	Store      *Store
	Size       float64           // canvas size of the longest world extent, in mm
	Padding    float64           // in mm
	Resolution canvas.Resolution // PNG output resolution
	Labels     bool              // draw scan names on PNG output
}

// NewOverviewRenderer creates a renderer with default settings
func NewOverviewRenderer(st *Store) *OverviewRenderer {
	return &OverviewRenderer{
		Store:      st,
		Size:       200,
		Padding:    10,
		Resolution: canvas.DPI(150),
		Labels:     true,
	}
}

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// layout maps world XY to canvas mm.
type layout struct {
	minX, minY    float64
	scale         float64
	padding       float64
	width, height float64
}

func (l layout) toCanvas(x, y float64) (float64, float64) {
	return (x-l.minX)*l.scale + l.padding, (y-l.minY)*l.scale + l.padding
}

func (r *OverviewRenderer) layout() (layout, error) {
	scans := r.Store.Scans()
	if len(scans) == 0 {
		return layout{}, fmt.Errorf("nothing to render: store has no scans")
	}
	boxes := make([]Box, len(scans))
	for i, s := range scans {
		boxes[i] = WorldBounds(s)
	}
	b := UnionBoxes(boxes...)
	extent := math.Max(b.Max.X-b.Min.X, b.Max.Y-b.Min.Y)
	scale := 1.0
	if extent > 0 {
		scale = r.Size / extent
	}
	return layout{
		minX:    b.Min.X,
		minY:    b.Min.Y,
		scale:   scale,
		padding: r.Padding,
		width:   (b.Max.X-b.Min.X)*scale + 2*r.Padding,
		height:  (b.Max.Y-b.Min.Y)*scale + 2*r.Padding,
	}, nil
}

// RenderToSVG writes the overview as an SVG to the provided writer
func (r *OverviewRenderer) RenderToSVG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, l)
	return svgRenderer.Close()
}

// RenderToPNG writes the overview as a PNG to the provided writer
func (r *OverviewRenderer) RenderToPNG(w io.Writer) error {
	l, err := r.layout()
	if err != nil {
		return err
	}
	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, l)
	if r.Labels {
		r.drawLabels(rast, l)
	}
	return png.Encode(w, rast)
}

func (r *OverviewRenderer) renderToCanvas(renderer canvasRenderer, l layout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	for _, s := range r.Store.Scans() {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: footprintFill}
		style.Stroke = canvas.Paint{Color: footprintStroke}
		if r.Store.IsDirty(s) {
			style.Stroke = canvas.Paint{Color: dirtyStroke}
		}
		style.StrokeWidth = 0.4

		cp := &canvas.Path{}
		for i, p := range scanFootprint(s)[0] {
			cx, cy := l.toCanvas(p[0], p[1])
			if i == 0 {
				cp.MoveTo(cx, cy)
			} else {
				cp.LineTo(cx, cy)
			}
		}
		cp.Close()
		renderer.RenderPath(cp, style, canvas.Identity)
	}

	for _, rec := range r.Store.Pairs() {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: gradeColors[rec.Grade]}
		style.StrokeWidth = 0.5
		if rec.Manual {
			style.StrokeWidth = 1.0
		}

		a, b := footprintCenter(rec.A), footprintCenter(rec.B)
		ax, ay := l.toCanvas(a[0], a[1])
		bx, by := l.toCanvas(b[0], b[1])
		cp := &canvas.Path{}
		cp.MoveTo(ax, ay)
		cp.LineTo(bx, by)
		renderer.RenderPath(cp, style, canvas.Identity)

		dot := canvas.DefaultStyle
		dot.Fill = canvas.Paint{Color: gradeColors[rec.Grade]}
		for _, p := range [][2]float64{{ax, ay}, {bx, by}} {
			renderer.RenderPath(canvas.Circle(0.8).Translate(p[0], p[1]), dot, canvas.Identity)
		}
	}
}

// drawLabels writes scan names at their footprint centers in pixel space.
func (r *OverviewRenderer) drawLabels(img draw.Image, l layout) {
	dpmm := r.Resolution.DPMM()
	heightPx := img.Bounds().Dy()
	for _, s := range r.Store.Scans() {
		c := footprintCenter(s)
		cx, cy := l.toCanvas(c[0], c[1])
		x := int(cx*dpmm) + 4
		y := heightPx - int(cy*dpmm) - 4
		drawText(img, x, y, s.Name(), color.RGBA{0, 0, 0, 255})
	}
}

// drawText renders text onto an image at the specified position
func drawText(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
