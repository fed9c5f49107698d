package fix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ReadingKind discriminates which quantities a reading carries.
type ReadingKind string

const (
	// KindRanging is a directly measured distance, e.g. from round-trip-time.
	KindRanging ReadingKind = "ranging"
	// KindRssi is a received-signal-strength measurement in dBm.
	KindRssi ReadingKind = "rssi"
	// KindRangingAndRssi carries both quantities from one observation.
	KindRangingAndRssi ReadingKind = "ranging+rssi"
)

// Reading is one measurement of one radio source. Values are immutable after
// construction; the constructors validate everything up front.
type Reading struct {
	Source *RadioSource
	Kind   ReadingKind

	Distance       float64  // meters, valid when HasRanging
	DistanceStdDev *float64 // meters, > 0 when set

	Rssi       float64  // dBm, valid when HasRssi
	RssiStdDev *float64 // dBm, > 0 when set
}

// NewRangingReading returns a ranging reading.
func NewRangingReading(source *RadioSource, distance float64) (*Reading, error) {
	if err := validateReadingSource(source); err != nil {
		return nil, err
	}
	if distance < 0 {
		return nil, fmt.Errorf("%w: distance must be >= 0, got %g", ErrInvalidArgument, distance)
	}
	return &Reading{Source: source, Kind: KindRanging, Distance: distance}, nil
}

// NewRangingReadingWithStdDev returns a ranging reading with a per-reading
// distance standard deviation in meters.
func NewRangingReadingWithStdDev(source *RadioSource, distance, stdDev float64) (*Reading, error) {
	r, err := NewRangingReading(source, distance)
	if err != nil {
		return nil, err
	}
	if stdDev <= 0 {
		return nil, fmt.Errorf("%w: distance std-dev must be > 0, got %g", ErrInvalidArgument, stdDev)
	}
	r.DistanceStdDev = &stdDev
	return r, nil
}

// NewRssiReading returns an RSSI reading.
func NewRssiReading(source *RadioSource, rssi float64) (*Reading, error) {
	if err := validateReadingSource(source); err != nil {
		return nil, err
	}
	return &Reading{Source: source, Kind: KindRssi, Rssi: rssi}, nil
}

// NewRssiReadingWithStdDev returns an RSSI reading with a per-reading RSSI
// standard deviation in dBm.
func NewRssiReadingWithStdDev(source *RadioSource, rssi, stdDev float64) (*Reading, error) {
	r, err := NewRssiReading(source, rssi)
	if err != nil {
		return nil, err
	}
	if stdDev <= 0 {
		return nil, fmt.Errorf("%w: rssi std-dev must be > 0, got %g", ErrInvalidArgument, stdDev)
	}
	r.RssiStdDev = &stdDev
	return r, nil
}

// NewRangingAndRssiReading returns a reading carrying both a measured distance
// and a received power level from the same observation.
func NewRangingAndRssiReading(source *RadioSource, distance, rssi float64) (*Reading, error) {
	if err := validateReadingSource(source); err != nil {
		return nil, err
	}
	if distance < 0 {
		return nil, fmt.Errorf("%w: distance must be >= 0, got %g", ErrInvalidArgument, distance)
	}
	return &Reading{Source: source, Kind: KindRangingAndRssi, Distance: distance, Rssi: rssi}, nil
}

// NewRangingAndRssiReadingWithStdDevs returns a combined reading with both
// standard deviations.
func NewRangingAndRssiReadingWithStdDevs(source *RadioSource, distance, distanceStdDev, rssi, rssiStdDev float64) (*Reading, error) {
	r, err := NewRangingAndRssiReading(source, distance, rssi)
	if err != nil {
		return nil, err
	}
	if distanceStdDev <= 0 {
		return nil, fmt.Errorf("%w: distance std-dev must be > 0, got %g", ErrInvalidArgument, distanceStdDev)
	}
	if rssiStdDev <= 0 {
		return nil, fmt.Errorf("%w: rssi std-dev must be > 0, got %g", ErrInvalidArgument, rssiStdDev)
	}
	r.DistanceStdDev = &distanceStdDev
	r.RssiStdDev = &rssiStdDev
	return r, nil
}

// HasRanging reports whether the reading carries a measured distance.
func (r *Reading) HasRanging() bool {
	return r.Kind == KindRanging || r.Kind == KindRangingAndRssi
}

// HasRssi reports whether the reading carries a received power level.
func (r *Reading) HasRssi() bool {
	return r.Kind == KindRssi || r.Kind == KindRangingAndRssi
}

func validateReadingSource(source *RadioSource) error {
	if source == nil {
		return fmt.Errorf("%w: nil source", ErrInvalidArgument)
	}
	return nil
}

// LocatedReading anchors a reading at a known sample position. Located
// readings are collected while surveying and feed calibration, not live
// estimation.
type LocatedReading struct {
	Reading
	Position           Position
	PositionCovariance *mat.SymDense // optional, dim x dim
}

// NewLocatedReading anchors reading at position.
func NewLocatedReading(reading *Reading, position Position) (*LocatedReading, error) {
	if reading == nil {
		return nil, fmt.Errorf("%w: nil reading", ErrInvalidArgument)
	}
	if d := position.Dim(); d != 2 && d != 3 {
		return nil, fmt.Errorf("%w: position must be 2D or 3D, got %dD", ErrInvalidArgument, d)
	}
	return &LocatedReading{Reading: *reading, Position: position.Clone()}, nil
}

// SetPositionCovariance attaches the sample-position covariance.
func (lr *LocatedReading) SetPositionCovariance(cov *mat.SymDense) error {
	if cov != nil && cov.SymmetricDim() != lr.Position.Dim() {
		return fmt.Errorf("%w: covariance dimension %d does not match position dimension %d",
			ErrInvalidArgument, cov.SymmetricDim(), lr.Position.Dim())
	}
	lr.PositionCovariance = cov
	return nil
}
