package fix

import (
	"fmt"
	"math"
)

// Position is a point in the floor coordinate frame, in meters.
// Its length is the spatial dimension: 2 for floor-plane estimation,
// 3 when height is resolved as well.
type Position []float64

// NewPosition2D returns a 2D position.
func NewPosition2D(x, y float64) Position {
	return Position{x, y}
}

// NewPosition3D returns a 3D position.
func NewPosition3D(x, y, z float64) Position {
	return Position{x, y, z}
}

// Dim returns the spatial dimension.
func (p Position) Dim() int {
	return len(p)
}

// X returns the first coordinate.
func (p Position) X() float64 {
	return p[0]
}

// Y returns the second coordinate.
func (p Position) Y() float64 {
	return p[1]
}

// Z returns the third coordinate, or 0 for 2D positions.
func (p Position) Z() float64 {
	if len(p) > 2 {
		return p[2]
	}
	return 0
}

// Clone returns an independent copy.
func (p Position) Clone() Position {
	if p == nil {
		return nil
	}
	out := make(Position, len(p))
	copy(out, p)
	return out
}

// DistanceTo returns the Euclidean distance to q.
// Positions of mismatched dimension yield NaN.
func (p Position) DistanceTo(q Position) float64 {
	if len(p) != len(q) {
		return math.NaN()
	}
	sum := 0.0
	for i := range p {
		d := p[i] - q[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Equals reports whether every coordinate of p and q agrees within tolerance.
func (p Position) Equals(q Position, tolerance float64) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if math.Abs(p[i]-q[i]) > tolerance {
			return false
		}
	}
	return true
}

// String formats the position for logs, e.g. "(1.50, -2.30)".
func (p Position) String() string {
	switch len(p) {
	case 2:
		return fmt.Sprintf("(%.2f, %.2f)", p[0], p[1])
	case 3:
		return fmt.Sprintf("(%.2f, %.2f, %.2f)", p[0], p[1], p[2])
	default:
		return fmt.Sprintf("%v", []float64(p))
	}
}

// squaredNorm returns the squared Euclidean norm of p.
func (p Position) squaredNorm() float64 {
	sum := 0.0
	for _, v := range p {
		sum += v * v
	}
	return sum
}
