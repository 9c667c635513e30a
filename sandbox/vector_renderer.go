package sandbox

import (
	"fmt"
	"image/color"
	"image/png"
	"io"
	"math"

	"github.com/golang/geo/r2"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// Canvas units are millimeters with Y pointing up. One projector or sensor
// pixel is drawn as one millimeter, so rasterizing at 1 dot per mm yields
// an image of the original size.
var pixelResolution = canvas.DPMM(1)

var (
	roiOutlineColor = color.RGBA{255, 200, 0, 255}
	arrowColor      = color.RGBA{220, 40, 40, 255}
)

// flipY converts an image-space point (Y down) to canvas space.
func flipY(p r2.Point, height float64) (float64, float64) {
	return p.X, height - p.Y
}

// RenderProjectorSVG writes the projector frame described by v as SVG.
func RenderProjectorSVG(w io.Writer, v ProjectorView) error {
	width, height := float64(v.Width), float64(v.Height)
	if width <= 0 || height <= 0 {
		return fmt.Errorf("projector view has no size")
	}
	svgRenderer := svg.New(w, width, height, nil)
	drawProjectorView(svgRenderer, v)
	return svgRenderer.Close()
}

// RenderProjectorPNG writes the projector frame described by v as a PNG of
// v.Width x v.Height pixels.
func RenderProjectorPNG(w io.Writer, v ProjectorView) error {
	width, height := float64(v.Width), float64(v.Height)
	if width <= 0 || height <= 0 {
		return fmt.Errorf("projector view has no size")
	}
	rast := rasterizer.New(width, height, pixelResolution, canvas.DefaultColorSpace)
	drawProjectorView(rast, v)
	return png.Encode(w, rast)
}

func drawProjectorView(renderer canvasRenderer, v ProjectorView) {
	width, height := float64(v.Width), float64(v.Height)

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.Black}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	switch v.Mode {
	case ProjectorChessboard:
		drawChessboard(renderer, v, height)
	case ProjectorROI:
		drawOutline(renderer, v.Outline, height)
	}
}

// drawChessboard draws a white board with one square of margin and black
// squares wherever (i+j) is even, so the inner corners land where
// ChessboardCorners expects them.
func drawChessboard(renderer canvasRenderer, v ProjectorView, height float64) {
	if v.SquareX < 2 || v.SquareY < 2 || v.Size <= 0 {
		return
	}
	sq := v.Size / float64(v.SquareX)
	x0 := v.Center.X - v.Size/2
	y0 := v.Center.Y - sq*float64(v.SquareY)/2

	white := canvas.DefaultStyle
	white.Fill = canvas.Paint{Color: canvas.White}
	white.Stroke = canvas.Paint{Color: canvas.Transparent}
	black := white
	black.Fill = canvas.Paint{Color: canvas.Black}

	boardW := v.Size + 2*sq
	boardH := sq*float64(v.SquareY) + 2*sq
	bx, by := flipY(r2.Point{X: x0 - sq, Y: y0 - sq + boardH}, height)
	renderer.RenderPath(canvas.Rectangle(boardW, boardH).Translate(bx, by), white, canvas.Identity)

	for j := 0; j < v.SquareY; j++ {
		for i := 0; i < v.SquareX; i++ {
			if (i+j)%2 != 0 {
				continue
			}
			// Rectangle grows up and right from its origin, which is the
			// square's bottom-left corner in image space.
			cx, cy := flipY(r2.Point{X: x0 + float64(i)*sq, Y: y0 + float64(j+1)*sq}, height)
			renderer.RenderPath(canvas.Rectangle(sq, sq).Translate(cx, cy), black, canvas.Identity)
		}
	}
}

func drawOutline(renderer canvasRenderer, outline []r2.Point, height float64) {
	if len(outline) < 2 {
		return
	}
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: canvas.Transparent}
	style.Stroke = canvas.Paint{Color: roiOutlineColor}
	style.StrokeWidth = 3.0

	p := &canvas.Path{}
	for i, pt := range outline {
		x, y := flipY(pt, height)
		if i == 0 {
			p.MoveTo(x, y)
		} else {
			p.LineTo(x, y)
		}
	}
	p.Close()
	renderer.RenderPath(p, style, canvas.Identity)
}

// RenderGradientSVG draws one arrow per gradient cell, scaled so the
// largest vector spans one cell.
func RenderGradientSVG(w io.Writer, g *GradientField) error {
	if g == nil || g.Cols == 0 || g.Rows == 0 {
		return fmt.Errorf("empty gradient field")
	}
	res := float64(g.Resolution)
	width, height := float64(g.Cols)*res, float64(g.Rows)*res

	svgRenderer := svg.New(w, width, height, nil)

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	bgStyle.Stroke = canvas.Paint{Color: canvas.Transparent}
	svgRenderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	maxLen := 0.0
	for _, v := range g.Vectors {
		maxLen = math.Max(maxLen, v.Norm())
	}
	if maxLen > 0 {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: canvas.Transparent}
		style.Stroke = canvas.Paint{Color: arrowColor}
		style.StrokeWidth = math.Max(res/10, 0.5)

		scale := 0.9 * res / maxLen
		for j := 0; j < g.Rows; j++ {
			for i := 0; i < g.Cols; i++ {
				v := g.At(i, j)
				if v.Norm() == 0 {
					continue
				}
				center := r2.Point{X: (float64(i) + 0.5) * res, Y: (float64(j) + 0.5) * res}
				svgRenderer.RenderPath(arrowPath(center, v.Mul(scale), height), style, canvas.Identity)
			}
		}
	}
	return svgRenderer.Close()
}

// arrowPath is a line centered on center along d with a two-stroke head.
func arrowPath(center, d r2.Point, height float64) *canvas.Path {
	tail := center.Sub(d.Mul(0.5))
	tip := center.Add(d.Mul(0.5))
	head := d.Mul(0.3)
	left := tip.Sub(head).Add(head.Ortho().Mul(0.5))
	right := tip.Sub(head).Sub(head.Ortho().Mul(0.5))

	p := &canvas.Path{}
	p.MoveTo(flipY(tail, height))
	p.LineTo(flipY(tip, height))
	p.MoveTo(flipY(left, height))
	p.LineTo(flipY(tip, height))
	p.LineTo(flipY(right, height))
	return p
}
