package fix

import (
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// DefaultTagColors returns distinct marker colors for up to 6 tags
func DefaultTagColors() []color.RGBA {
	return []color.RGBA{
		{0, 0, 255, 255},    // Blue
		{255, 0, 0, 255},    // Red
		{0, 160, 0, 255},    // Green
		{255, 140, 0, 255},  // Dark orange
		{148, 0, 211, 255},  // Violet
		{0, 140, 140, 255},  // Teal
	}
}

// CoverageRenderer renders the floor plan, sources, predicted RSSI coverage
// and the latest fixes into a single image
type CoverageRenderer struct {
	Plan         *FloorPlan
	Sources      []*RadioSource
	Fixes        map[string]*FixRecord
	Scale        float64 // Pixels per meter
	Padding      int     // Padding around the image
	ShowCoverage bool    // Shade each pixel by the strongest predicted RSSI
}

// NewCoverageRenderer creates a renderer with default settings
func NewCoverageRenderer(plan *FloorPlan, sources []*RadioSource, fixes map[string]*FixRecord) *CoverageRenderer {
	return &CoverageRenderer{
		Plan:         plan,
		Sources:      sources,
		Fixes:        fixes,
		Scale:        20.0, // 20 px per meter
		Padding:      30,
		ShowCoverage: true,
	}
}

// CalculateBounds computes the world bounding box of everything drawn
func (r *CoverageRenderer) CalculateBounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.MaxFloat64, math.MaxFloat64
	maxX, maxY = -math.MaxFloat64, -math.MaxFloat64

	grow := func(x, y float64) {
		if x < minX {
			minX = x
		}
		if y < minY {
			minY = y
		}
		if x > maxX {
			maxX = x
		}
		if y > maxY {
			maxY = y
		}
	}

	if r.Plan != nil && (len(r.Plan.Rooms) > 0 || len(r.Plan.Walls) > 0) {
		b := r.Plan.Bound()
		grow(b.Min[0], b.Min[1])
		grow(b.Max[0], b.Max[1])
	}
	for _, src := range r.Sources {
		if src != nil && src.IsLocated() {
			grow(src.Position[0], src.Position[1])
		}
	}
	for _, fix := range r.Fixes {
		if fix != nil && len(fix.Position) >= 2 {
			grow(fix.Position[0], fix.Position[1])
		}
	}

	if minX > maxX {
		// Nothing to draw
		return 0, 0, 0, 0
	}

	// Breathing room so markers at the edge stay visible
	minX, minY = minX-1, minY-1
	maxX, maxY = maxX+1, maxY+1
	return
}

// Render creates the composite image
func (r *CoverageRenderer) Render() *image.RGBA {
	minX, minY, maxX, maxY := r.CalculateBounds()

	width := int((maxX-minX)*r.Scale) + 2*r.Padding
	height := int((maxY-minY)*r.Scale) + 2*r.Padding

	// Limit size
	if width > 4000 {
		r.Scale *= float64(4000) / float64(width)
		width = 4000
		height = int((maxY-minY)*r.Scale) + 2*r.Padding
	}
	if height > 4000 {
		r.Scale *= float64(4000) / float64(height)
		height = 4000
		width = int((maxX-minX)*r.Scale) + 2*r.Padding
	}
	if width <= 0 || height <= 0 {
		minSize := 2*r.Padding + 1
		if minSize < 1 {
			minSize = 1
		}
		if width <= 0 {
			width = minSize
		}
		if height <= 0 {
			height = minSize
		}
	}

	// Create image with background
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{240, 240, 240, 255})
		}
	}

	// World coords have Y up, image coords Y down
	toImage := func(x, y float64) (int, int) {
		ix := int((x-minX)*r.Scale) + r.Padding
		iy := int((maxY-y)*r.Scale) + r.Padding
		return ix, iy
	}
	toWorld := func(ix, iy int) (float64, float64) {
		x := float64(ix-r.Padding)/r.Scale + minX
		y := maxY - float64(iy-r.Padding)/r.Scale
		return x, y
	}

	// First pass: predicted coverage (semi-transparent)
	if r.ShowCoverage && r.hasPoweredSource() {
		for iy := 0; iy < height; iy++ {
			for ix := 0; ix < width; ix++ {
				wx, wy := toWorld(ix, iy)
				rssi, ok := r.strongestRssi(wx, wy)
				if !ok {
					continue
				}
				existing := img.RGBAAt(ix, iy)
				img.Set(ix, iy, blendColors(existing, rssiColor(rssi)))
			}
		}
	}

	// Second pass: room outlines and walls
	if r.Plan != nil {
		for _, room := range r.Plan.Rooms {
			for _, ring := range room.Outline {
				r.drawRing(img, ring, toImage, color.RGBA{90, 90, 90, 255}, 1)
			}
		}
		for _, wall := range r.Plan.Walls {
			for i := 0; i < len(wall)-1; i++ {
				x0, y0 := toImage(wall[i][0], wall[i][1])
				x1, y1 := toImage(wall[i+1][0], wall[i+1][1])
				drawLine(img, x0, y0, x1, y1, color.RGBA{40, 40, 40, 255}, 2)
			}
		}
	}

	// Third pass: sources as gold squares with short labels
	for _, src := range r.Sources {
		if src == nil || !src.IsLocated() {
			continue
		}
		ix, iy := toImage(src.Position[0], src.Position[1])
		drawSquare(img, ix, iy, 8, color.RGBA{255, 215, 0, 255})
		drawText(img, ix+8, iy-6, shortBssid(src.Bssid), color.RGBA{0, 0, 0, 255})
	}

	// Fourth pass: fixes as colored circles with uncertainty rings
	colors := DefaultTagColors()
	tags := r.sortedTags()
	for i, tag := range tags {
		fix := r.Fixes[tag]
		if fix == nil || len(fix.Position) < 2 {
			continue
		}
		c := colors[i%len(colors)]
		ix, iy := toImage(fix.Position[0], fix.Position[1])
		drawCircle(img, ix, iy, 6, c)

		if cov := fix.CovarianceMatrix(); cov != nil && cov.SymmetricDim() >= 2 {
			if ring, err := CovarianceEllipse(Position(fix.Position), cov, Ellipse95Scale, 48); err == nil {
				r.drawRing(img, ring, toImage, c, 1)
			}
		}
	}

	// Origin marker
	ox, oy := toImage(0, 0)
	drawTriangle(img, ox, oy, 12, color.RGBA{128, 0, 128, 255}) // Purple

	r.drawLegend(img, tags, colors)
	return img
}

// SavePNG saves the rendered image to a file
func (r *CoverageRenderer) SavePNG(path string) error {
	img := r.Render()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return png.Encode(f, img)
}

func (r *CoverageRenderer) hasPoweredSource() bool {
	for _, src := range r.Sources {
		if src != nil && src.IsLocated() && src.HasPowerModel() {
			return true
		}
	}
	return false
}

// strongestRssi predicts the strongest received power at a world point over
// all powered sources
func (r *CoverageRenderer) strongestRssi(x, y float64) (float64, bool) {
	best := math.Inf(-1)
	found := false
	for _, src := range r.Sources {
		if src == nil || !src.IsLocated() || !src.HasPowerModel() {
			continue
		}
		d := math.Hypot(src.Position[0]-x, src.Position[1]-y)
		if d < 0.25 {
			d = 0.25 // clamp near-field
		}
		rssi, err := DistanceToRssi(src, d)
		if err != nil {
			continue
		}
		if rssi > best {
			best = rssi
			found = true
		}
	}
	return best, found
}

// rssiColor maps a received power in dBm onto a cold-to-warm ramp
func rssiColor(rssi float64) color.NRGBA {
	t := (rssi + 90.0) / 60.0 // -90 dBm .. -30 dBm
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return color.NRGBA{
		R: uint8(255 * t),
		G: 80,
		B: uint8(255 * (1 - t)),
		A: 90,
	}
}

func (r *CoverageRenderer) sortedTags() []string {
	tags := make([]string, 0, len(r.Fixes))
	for tag := range r.Fixes {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// drawRing draws the edges of a closed ring in image space
func (r *CoverageRenderer) drawRing(img *image.RGBA, ring orb.Ring, toImage func(x, y float64) (int, int), c color.RGBA, thickness int) {
	for i := 0; i < len(ring)-1; i++ {
		x0, y0 := toImage(ring[i][0], ring[i][1])
		x1, y1 := toImage(ring[i+1][0], ring[i+1][1])
		drawLine(img, x0, y0, x1, y1, c, thickness)
	}
}

// drawLegend adds tag color swatches to the top-left corner
func (r *CoverageRenderer) drawLegend(img *image.RGBA, tags []string, colors []color.RGBA) {
	y := 15
	for i, tag := range tags {
		c := colors[i%len(colors)]

		// Draw color swatch (12x12 square)
		for dy := 0; dy < 12; dy++ {
			for dx := 0; dx < 12; dx++ {
				img.Set(10+dx, y+dy-6, c)
			}
		}

		drawText(img, 28, y, tag, color.RGBA{0, 0, 0, 255})

		y += 18
	}
}

// shortBssid returns the last two octets of a BSSID for compact labels
func shortBssid(bssid string) string {
	if len(bssid) <= 5 {
		return bssid
	}
	return bssid[len(bssid)-5:]
}

// blendColors performs alpha blending of two colors
func blendColors(bg color.RGBA, fg color.NRGBA) color.NRGBA {
	// Convert RGBA background to NRGBA for proper blending
	// RGBA is premultiplied, so we need to un-premultiply it first
	var bgNRGBA color.NRGBA
	switch bg.A {
	case 0:
		bgNRGBA = color.NRGBA{0, 0, 0, 0}
	case 255:
		bgNRGBA = color.NRGBA{bg.R, bg.G, bg.B, 255}
	default:
		// Un-premultiply: divide RGB by alpha
		alpha32 := uint32(bg.A)
		bgNRGBA = color.NRGBA{
			R: uint8((uint32(bg.R) * 255) / alpha32),
			G: uint8((uint32(bg.G) * 255) / alpha32),
			B: uint8((uint32(bg.B) * 255) / alpha32),
			A: bg.A,
		}
	}

	// Standard alpha blending with non-premultiplied colors
	alpha := float64(fg.A) / 255.0
	invAlpha := 1.0 - alpha

	return color.NRGBA{
		R: uint8(float64(fg.R)*alpha + float64(bgNRGBA.R)*invAlpha),
		G: uint8(float64(fg.G)*alpha + float64(bgNRGBA.G)*invAlpha),
		B: uint8(float64(fg.B)*alpha + float64(bgNRGBA.B)*invAlpha),
		A: 255,
	}
}

// drawCircle draws a filled circle
func drawCircle(img *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				x, y := cx+dx, cy+dy
				if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
					img.Set(x, y, c)
				}
			}
		}
	}
}

// drawSquare draws a filled square
func drawSquare(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		for dx := -half; dx <= half; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawTriangle draws a filled triangle pointing up
func drawTriangle(img *image.RGBA, cx, cy, size int, c color.RGBA) {
	half := size / 2
	for dy := -half; dy <= half; dy++ {
		// Width of triangle at this row
		progress := float64(dy+half) / float64(size)
		width := int(progress * float64(half))
		for dx := -width; dx <= width; dx++ {
			x, y := cx+dx, cy+dy
			if x >= 0 && x < img.Bounds().Max.X && y >= 0 && y < img.Bounds().Max.Y {
				img.Set(x, y, c)
			}
		}
	}
}

// drawLine draws a straight segment with the given thickness
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA, thickness int) {
	if thickness < 1 {
		thickness = 1
	}
	steps := int(math.Hypot(float64(x1-x0), float64(y1-y0)))
	if steps == 0 {
		steps = 1
	}
	half := thickness / 2
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(math.Round(float64(x0) + t*float64(x1-x0)))
		y := int(math.Round(float64(y0) + t*float64(y1-y0)))
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				px, py := x+dx, y+dy
				if px >= 0 && px < img.Bounds().Max.X && py >= 0 && py < img.Bounds().Max.Y {
					img.Set(px, py, c)
				}
			}
		}
	}
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
