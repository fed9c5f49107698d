package fix

import (
	"image/color"
	"image/png"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// nrgbaToRGBA converts color.NRGBA to color.RGBA by premultiplying alpha
// This is needed for the canvas library which expects premultiplied RGBA
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	// Premultiply: multiply RGB by alpha
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// SceneRenderer renders the floor plan, sources and fixes as vector graphics
type SceneRenderer struct {
	Plan        *FloorPlan
	Sources     []*RadioSource
	Fixes       map[string]*FixRecord
	Scale       float64           // Canvas units per meter
	Padding     float64           // Padding in canvas units
	Resolution  canvas.Resolution // Resolution for PNG output (default: 300 DPI)
	GridSpacing float64           // Grid line spacing in meters
}

// NewSceneRenderer creates a vector renderer with default settings
func NewSceneRenderer(plan *FloorPlan, sources []*RadioSource, fixes map[string]*FixRecord) *SceneRenderer {
	return &SceneRenderer{
		Plan:        plan,
		Sources:     sources,
		Fixes:       fixes,
		Scale:       10.0, // 1 m becomes 10 canvas units
		Padding:     10.0,
		Resolution:  canvas.DPI(300), // 300 DPI default for PNG output
		GridSpacing: 1.0,             // 1 m grid spacing
	}
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the scene as an SVG to the provided writer
func (r *SceneRenderer) RenderToSVG(w io.Writer) error {
	minX, minY, maxX, maxY := r.worldBounds()

	width := (maxX-minX)*r.Scale + 2*r.Padding
	height := (maxY-minY)*r.Scale + 2*r.Padding

	svgRenderer := svg.New(w, width, height, nil)
	r.renderToCanvas(svgRenderer, minX, minY, maxX, maxY, width, height)
	return svgRenderer.Close()
}

// RenderToPNG writes the scene as a PNG to the provided writer
func (r *SceneRenderer) RenderToPNG(w io.Writer) error {
	minX, minY, maxX, maxY := r.worldBounds()

	width := (maxX-minX)*r.Scale + 2*r.Padding
	height := (maxY-minY)*r.Scale + 2*r.Padding

	rast := rasterizer.New(width, height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, minX, minY, maxX, maxY, width, height)

	// Rasterizer implements draw.Image interface, which embeds image.Image
	return png.Encode(w, rast)
}

// renderToCanvas renders the scene to a canvas renderer (shared logic for SVG and PNG)
func (r *SceneRenderer) renderToCanvas(renderer canvasRenderer, minX, minY, maxX, maxY, width, height float64) {
	// Draw white background
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	// Helper to transform world meters to canvas points
	toCanvas := func(x, y float64) (float64, float64) {
		tx := (x-minX)*r.Scale + r.Padding
		ty := (y-minY)*r.Scale + r.Padding
		return tx, ty
	}

	// Render rooms (filled) and their outlines
	if r.Plan != nil {
		floorStyle := canvas.DefaultStyle
		floorStyle.Fill = canvas.Paint{Color: color.RGBA{220, 226, 235, 255}}
		floorStyle.Stroke = canvas.Paint{Color: color.RGBA{90, 90, 90, 255}}
		floorStyle.StrokeWidth = 0.3

		for _, room := range r.Plan.Rooms {
			cp := &canvas.Path{}
			for _, ring := range room.Outline {
				appendRing(cp, ring, toCanvas)
			}
			renderer.RenderPath(cp, floorStyle, canvas.Identity)
		}

		// Render walls (stroked)
		wallStyle := canvas.DefaultStyle
		wallStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		wallStyle.Stroke = canvas.Paint{Color: color.RGBA{40, 40, 40, 255}}
		wallStyle.StrokeWidth = 0.8

		for _, wall := range r.Plan.Walls {
			cp := &canvas.Path{}
			for i, pt := range wall {
				cx, cy := toCanvas(pt[0], pt[1])
				if i == 0 {
					cp.MoveTo(cx, cy)
				} else {
					cp.LineTo(cx, cy)
				}
			}
			renderer.RenderPath(cp, wallStyle, canvas.Identity)
		}
	}

	// Render grid lines
	if r.GridSpacing > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		gridStyle.StrokeWidth = 0.15
		gridStyle.Dashes = []float64{1.0, 1.0}

		// Vertical grid lines
		for x := math.Floor(minX/r.GridSpacing) * r.GridSpacing; x <= maxX; x += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(x, minY)
			x2, y2 := toCanvas(x, maxY)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}

		// Horizontal grid lines
		for y := math.Floor(minY/r.GridSpacing) * r.GridSpacing; y <= maxY; y += r.GridSpacing {
			gridPath := &canvas.Path{}
			x1, y1 := toCanvas(minX, y)
			x2, y2 := toCanvas(maxX, y)
			gridPath.MoveTo(x1, y1)
			gridPath.LineTo(x2, y2)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// Render sources as gold circles
	for _, src := range r.Sources {
		if src == nil || !src.IsLocated() {
			continue
		}
		cx, cy := toCanvas(src.Position[0], src.Position[1])

		srcStyle := canvas.DefaultStyle
		srcStyle.Fill = canvas.Paint{Color: color.RGBA{255, 215, 0, 255}}
		srcStyle.Stroke = canvas.Paint{Color: canvas.Black}
		srcStyle.StrokeWidth = 0.3

		srcPath := canvas.Circle(1.2)
		srcPath = srcPath.Translate(cx, cy)
		renderer.RenderPath(srcPath, srcStyle, canvas.Identity)
	}

	// Render fixes, each with its uncertainty ellipse and per-pass rings
	colors := DefaultTagColors()
	tags := make([]string, 0, len(r.Fixes))
	for tag := range r.Fixes {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for i, tag := range tags {
		fix := r.Fixes[tag]
		if fix == nil || len(fix.Position) < 2 {
			continue
		}
		c := colors[i%len(colors)]
		cx, cy := toCanvas(fix.Position[0], fix.Position[1])

		// 95% covariance ellipse, translucent fill
		if cov := fix.CovarianceMatrix(); cov != nil && cov.SymmetricDim() >= 2 {
			if ring, err := CovarianceEllipse(Position(fix.Position), cov, Ellipse95Scale, 48); err == nil {
				ellipseStyle := canvas.DefaultStyle
				ellipseStyle.Fill = canvas.Paint{Color: nrgbaToRGBA(color.NRGBA{c.R, c.G, c.B, 50})}
				ellipseStyle.Stroke = canvas.Paint{Color: c}
				ellipseStyle.StrokeWidth = 0.2
				ellipseStyle.Dashes = []float64{0.8, 0.8}

				cp := &canvas.Path{}
				appendRing(cp, ring, toCanvas)
				renderer.RenderPath(cp, ellipseStyle, canvas.Identity)
			}
		}

		// Fix marker
		fixStyle := canvas.DefaultStyle
		fixStyle.Fill = canvas.Paint{Color: c}
		fixStyle.Stroke = canvas.Paint{Color: canvas.Black}
		fixStyle.StrokeWidth = 0.2

		fixPath := canvas.Circle(1.0)
		fixPath = fixPath.Translate(cx, cy)
		renderer.RenderPath(fixPath, fixStyle, canvas.Identity)

		// One ring per pass that contributed, ranging solid, RSSI dashed
		if fix.RangingInliers > 0 {
			ringStyle := canvas.DefaultStyle
			ringStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			ringStyle.Stroke = canvas.Paint{Color: c}
			ringStyle.StrokeWidth = 0.25

			ringPath := canvas.Circle(1.8)
			ringPath = ringPath.Translate(cx, cy)
			renderer.RenderPath(ringPath, ringStyle, canvas.Identity)
		}
		if fix.RssiInliers > 0 {
			ringStyle := canvas.DefaultStyle
			ringStyle.Fill = canvas.Paint{Color: canvas.Transparent}
			ringStyle.Stroke = canvas.Paint{Color: c}
			ringStyle.StrokeWidth = 0.25
			ringStyle.Dashes = []float64{0.5, 0.5}

			ringPath := canvas.Circle(2.4)
			ringPath = ringPath.Translate(cx, cy)
			renderer.RenderPath(ringPath, ringStyle, canvas.Identity)
		}
	}
}

// appendRing appends a closed ring to the path as one subpath
func appendRing(cp *canvas.Path, ring orb.Ring, toCanvas func(x, y float64) (float64, float64)) {
	for i, pt := range ring {
		cx, cy := toCanvas(pt[0], pt[1])
		if i == 0 {
			cp.MoveTo(cx, cy)
		} else {
			cp.LineTo(cx, cy)
		}
	}
	cp.Close()
}

// worldBounds returns the meter-space bounding box of everything drawn
func (r *SceneRenderer) worldBounds() (minX, minY, maxX, maxY float64) {
	cr := CoverageRenderer{Plan: r.Plan, Sources: r.Sources, Fixes: r.Fixes}
	return cr.CalculateBounds()
}
