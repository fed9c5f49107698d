package fix

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// RadioSource describes one transmitter known to the system, typically a WiFi
// access point identified by BSSID. A source may carry a power model (for
// RSSI-to-distance conversion) and a known location (required for position
// estimation); both are optional at this level so calibration and estimation
// can share the type.
type RadioSource struct {
	Bssid     string
	Frequency float64 // Hz

	// Power model. TransmittedPower is the equivalent transmitted power in
	// dBm; nil means the source cannot serve RSSI readings.
	TransmittedPower       *float64
	TransmittedPowerStdDev *float64 // dBm, > 0 when set
	PathLossExponent       float64  // ~2.0 in free space
	PathLossExponentStdDev *float64 // > 0 when set

	// Known location. Position is nil for unlocated sources.
	Position           Position
	PositionCovariance *mat.SymDense // dim x dim, optional
}

// NewRadioSource returns a source with identity and frequency only.
func NewRadioSource(bssid string, frequency float64) (*RadioSource, error) {
	if bssid == "" {
		return nil, fmt.Errorf("%w: empty bssid", ErrInvalidArgument)
	}
	if frequency <= 0 {
		return nil, fmt.Errorf("%w: frequency must be > 0, got %g", ErrInvalidArgument, frequency)
	}
	return &RadioSource{
		Bssid:            bssid,
		Frequency:        frequency,
		PathLossExponent: DefaultPathLossExponent,
	}, nil
}

// NewRadioSourceWithPower returns a source carrying a power model with the
// free-space path-loss exponent.
func NewRadioSourceWithPower(bssid string, frequency, transmittedPower float64) (*RadioSource, error) {
	s, err := NewRadioSource(bssid, frequency)
	if err != nil {
		return nil, err
	}
	s.TransmittedPower = &transmittedPower
	return s, nil
}

// NewLocatedRadioSource returns a source at a known position.
func NewLocatedRadioSource(bssid string, frequency float64, position Position) (*RadioSource, error) {
	s, err := NewRadioSource(bssid, frequency)
	if err != nil {
		return nil, err
	}
	if err := s.SetPosition(position); err != nil {
		return nil, err
	}
	return s, nil
}

// NewLocatedRadioSourceWithPower returns a source at a known position carrying
// a power model. This is the usual shape for registry-declared access points.
func NewLocatedRadioSourceWithPower(bssid string, frequency, transmittedPower float64, position Position) (*RadioSource, error) {
	s, err := NewLocatedRadioSource(bssid, frequency, position)
	if err != nil {
		return nil, err
	}
	s.TransmittedPower = &transmittedPower
	return s, nil
}

// SetPosition sets the known position. The dimension must be 2 or 3 and an
// already-set covariance must match it.
func (s *RadioSource) SetPosition(position Position) error {
	if d := position.Dim(); d != 2 && d != 3 {
		return fmt.Errorf("%w: position must be 2D or 3D, got %dD", ErrInvalidArgument, d)
	}
	if s.PositionCovariance != nil && s.PositionCovariance.SymmetricDim() != position.Dim() {
		return fmt.Errorf("%w: position dimension %d does not match covariance dimension %d",
			ErrInvalidArgument, position.Dim(), s.PositionCovariance.SymmetricDim())
	}
	s.Position = position.Clone()
	return nil
}

// SetPositionCovariance attaches a position covariance. The matrix dimension
// must match the position's. Positive definiteness is checked where the
// covariance is consumed, during refinement.
func (s *RadioSource) SetPositionCovariance(cov *mat.SymDense) error {
	if cov == nil {
		s.PositionCovariance = cov
		return nil
	}
	if s.Position == nil {
		return fmt.Errorf("%w: covariance set on unlocated source %s", ErrInvalidArgument, s.Bssid)
	}
	if cov.SymmetricDim() != s.Position.Dim() {
		return fmt.Errorf("%w: covariance dimension %d does not match position dimension %d",
			ErrInvalidArgument, cov.SymmetricDim(), s.Position.Dim())
	}
	s.PositionCovariance = cov
	return nil
}

// SetTransmittedPowerStdDev attaches the transmitted-power uncertainty in dBm.
func (s *RadioSource) SetTransmittedPowerStdDev(std float64) error {
	if std <= 0 {
		return fmt.Errorf("%w: transmitted power std-dev must be > 0, got %g", ErrInvalidArgument, std)
	}
	if s.TransmittedPower == nil {
		return fmt.Errorf("%w: std-dev set on source %s without a power model", ErrInvalidArgument, s.Bssid)
	}
	s.TransmittedPowerStdDev = &std
	return nil
}

// SetPathLossExponent overrides the free-space exponent.
func (s *RadioSource) SetPathLossExponent(exponent float64) error {
	if exponent <= 0 {
		return fmt.Errorf("%w: path-loss exponent must be > 0, got %g", ErrInvalidArgument, exponent)
	}
	s.PathLossExponent = exponent
	return nil
}

// SetPathLossExponentStdDev attaches the path-loss-exponent uncertainty.
func (s *RadioSource) SetPathLossExponentStdDev(std float64) error {
	if std <= 0 {
		return fmt.Errorf("%w: path-loss exponent std-dev must be > 0, got %g", ErrInvalidArgument, std)
	}
	s.PathLossExponentStdDev = &std
	return nil
}

// HasPowerModel reports whether the source can convert RSSI to distance.
func (s *RadioSource) HasPowerModel() bool {
	return s != nil && s.TransmittedPower != nil && s.PathLossExponent > 0
}

// IsLocated reports whether the source has a known position.
func (s *RadioSource) IsLocated() bool {
	return s != nil && s.Position != nil
}

// Dim returns the position dimension, or 0 for unlocated sources.
func (s *RadioSource) Dim() int {
	if !s.IsLocated() {
		return 0
	}
	return s.Position.Dim()
}

// String formats the source for logs.
func (s *RadioSource) String() string {
	if s.IsLocated() {
		return fmt.Sprintf("%s@%s", s.Bssid, s.Position)
	}
	return s.Bssid
}
