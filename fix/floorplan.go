package fix

import (
	"fmt"
	"math"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
	"gonum.org/v1/gonum/mat"
)

// FloorPlan is the building geometry in the estimation frame. Coordinates
// are meters in the same frame as source positions.
type FloorPlan struct {
	Rooms []Room
	Walls []orb.LineString
}

// Room is one named floor polygon.
type Room struct {
	Name    string
	Outline orb.Polygon
}

// ParseFloorPlan parses a GeoJSON feature collection into a floor plan.
// Polygon features become rooms (labelled by their "name" property),
// LineString features become walls.
func ParseFloorPlan(data []byte) (*FloorPlan, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("parsing floor plan GeoJSON: %w", err)
	}

	plan := &FloorPlan{}
	for _, f := range fc.Features {
		name, _ := f.Properties["name"].(string)
		switch geom := f.Geometry.(type) {
		case orb.Polygon:
			plan.Rooms = append(plan.Rooms, Room{Name: name, Outline: geom})
		case orb.MultiPolygon:
			for _, poly := range geom {
				plan.Rooms = append(plan.Rooms, Room{Name: name, Outline: poly})
			}
		case orb.LineString:
			plan.Walls = append(plan.Walls, geom)
		case orb.MultiLineString:
			plan.Walls = append(plan.Walls, geom...)
		}
	}
	if len(plan.Rooms) == 0 && len(plan.Walls) == 0 {
		return nil, fmt.Errorf("floor plan has no polygon or line features")
	}
	return plan, nil
}

// LoadFloorPlan reads and parses a GeoJSON floor plan file.
func LoadFloorPlan(path string) (*FloorPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading floor plan file: %w", err)
	}
	return ParseFloorPlan(data)
}

// Bound returns the bounding box of all plan geometry.
func (fp *FloorPlan) Bound() orb.Bound {
	var b orb.Bound
	first := true
	grow := func(other orb.Bound) {
		if first {
			b = other
			first = false
		} else {
			b = b.Union(other)
		}
	}
	for _, r := range fp.Rooms {
		grow(r.Outline.Bound())
	}
	for _, w := range fp.Walls {
		grow(w.Bound())
	}
	return b
}

// Contains reports whether the point lies inside any room. Only the first
// two coordinates are considered.
func (fp *FloorPlan) Contains(p Position) bool {
	_, ok := fp.RoomAt(p)
	return ok
}

// RoomAt returns the name of the room containing the point.
func (fp *FloorPlan) RoomAt(p Position) (string, bool) {
	if p.Dim() < 2 {
		return "", false
	}
	pt := orb.Point{p[0], p[1]}
	for _, r := range fp.Rooms {
		if planar.PolygonContains(r.Outline, pt) {
			return r.Name, true
		}
	}
	return "", false
}

// Simplify reduces the plan geometry in place using the Douglas-Peucker
// algorithm. tolerance is in meters.
func (fp *FloorPlan) Simplify(tolerance float64) {
	if tolerance <= 0 {
		return
	}
	dp := simplify.DouglasPeucker(tolerance)
	for i, r := range fp.Rooms {
		if s, ok := dp.Simplify(r.Outline.Clone()).(orb.Polygon); ok {
			fp.Rooms[i].Outline = s
		}
	}
	for i, w := range fp.Walls {
		if s, ok := dp.Simplify(w.Clone()).(orb.LineString); ok {
			fp.Walls[i] = s
		}
	}
}

// CovarianceEllipse samples the confidence ellipse of a position covariance
// as a closed ring. scale is the Mahalanobis radius, e.g. 2.45 for 95% in
// two dimensions. Only the horizontal 2x2 block of the covariance is used.
func CovarianceEllipse(center Position, cov *mat.SymDense, scale float64, segments int) (orb.Ring, error) {
	if center.Dim() < 2 {
		return nil, fmt.Errorf("%w: center must be at least 2D", ErrInvalidArgument)
	}
	if cov == nil || cov.SymmetricDim() < 2 {
		return nil, fmt.Errorf("%w: covariance must be at least 2x2", ErrInvalidArgument)
	}
	if scale <= 0 {
		return nil, fmt.Errorf("%w: scale must be > 0, got %g", ErrInvalidArgument, scale)
	}
	if segments < 8 {
		segments = 64
	}

	sub := mat.NewSymDense(2, []float64{
		cov.At(0, 0), cov.At(0, 1),
		cov.At(1, 0), cov.At(1, 1),
	})
	var eig mat.EigenSym
	if !eig.Factorize(sub, true) {
		return nil, fmt.Errorf("%w: covariance eigendecomposition failed", ErrNumericalInstability)
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues come back ascending; clamp tiny negatives from roundoff.
	a := scale * math.Sqrt(math.Max(vals[1], 0)) // semi-major, meters
	b := scale * math.Sqrt(math.Max(vals[0], 0)) // semi-minor, meters
	ux, uy := vecs.At(0, 1), vecs.At(1, 1)       // major axis direction

	ring := make(orb.Ring, 0, segments+1)
	for i := 0; i < segments; i++ {
		t := 2 * math.Pi * float64(i) / float64(segments)
		ca := a * math.Cos(t)
		sb := b * math.Sin(t)
		ring = append(ring, orb.Point{
			center[0] + ca*ux - sb*uy,
			center[1] + ca*uy + sb*ux,
		})
	}
	ring = append(ring, ring[0])
	return ring, nil
}
