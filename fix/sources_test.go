package fix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func TestNewRadioSource_Validation(t *testing.T) {
	_, err := NewRadioSource("", 2.4e9)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewRadioSource("aa:bb:cc:dd:ee:ff", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	src, err := NewRadioSource("aa:bb:cc:dd:ee:ff", 2.4e9)
	assert.NoError(t, err)
	assert.Equal(t, DefaultPathLossExponent, src.PathLossExponent)
	assert.False(t, src.HasPowerModel())
	assert.False(t, src.IsLocated())
	assert.Equal(t, 0, src.Dim())
}

func TestNewLocatedRadioSourceWithPower(t *testing.T) {
	src, err := NewLocatedRadioSourceWithPower("aa:bb:cc:dd:ee:ff", 5.2e9, -40, NewPosition2D(3, 4))
	assert.NoError(t, err)
	assert.True(t, src.HasPowerModel())
	assert.True(t, src.IsLocated())
	assert.Equal(t, 2, src.Dim())
	assert.Equal(t, -40.0, *src.TransmittedPower)
}

func TestRadioSource_SetPosition(t *testing.T) {
	src, err := NewRadioSource("aa:bb:cc:dd:ee:ff", 2.4e9)
	assert.NoError(t, err)

	assert.ErrorIs(t, src.SetPosition(Position{1}), ErrInvalidArgument)
	assert.ErrorIs(t, src.SetPosition(Position{1, 2, 3, 4}), ErrInvalidArgument)

	p := NewPosition2D(1, 2)
	assert.NoError(t, src.SetPosition(p))
	p[0] = 99
	assert.Equal(t, 1.0, src.Position.X(), "source must hold its own copy of the position")
}

func TestRadioSource_SetPositionCovariance(t *testing.T) {
	src, err := NewRadioSource("aa:bb:cc:dd:ee:ff", 2.4e9)
	assert.NoError(t, err)

	cov2 := mat.NewSymDense(2, []float64{0.5, 0, 0, 0.5})
	assert.ErrorIs(t, src.SetPositionCovariance(cov2), ErrInvalidArgument,
		"covariance on an unlocated source must be rejected")

	assert.NoError(t, src.SetPosition(NewPosition3D(0, 0, 0)))
	assert.ErrorIs(t, src.SetPositionCovariance(cov2), ErrInvalidArgument,
		"2x2 covariance on a 3D position must be rejected")

	cov3 := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		cov3.SetSym(i, i, 0.25)
	}
	assert.NoError(t, src.SetPositionCovariance(cov3))
	assert.NoError(t, src.SetPositionCovariance(nil), "clearing the covariance is allowed")

	// A later position change must keep agreeing with a set covariance.
	assert.NoError(t, src.SetPositionCovariance(cov3))
	assert.ErrorIs(t, src.SetPosition(NewPosition2D(1, 1)), ErrInvalidArgument)
}

func TestRadioSource_PowerModelSetters(t *testing.T) {
	src, err := NewRadioSource("aa:bb:cc:dd:ee:ff", 2.4e9)
	assert.NoError(t, err)

	assert.ErrorIs(t, src.SetTransmittedPowerStdDev(1), ErrInvalidArgument,
		"power std-dev without a power model must be rejected")
	assert.ErrorIs(t, src.SetPathLossExponent(0), ErrInvalidArgument)
	assert.ErrorIs(t, src.SetPathLossExponentStdDev(-1), ErrInvalidArgument)

	withPower, err := NewRadioSourceWithPower("aa:bb:cc:dd:ee:ff", 2.4e9, -38)
	assert.NoError(t, err)
	assert.NoError(t, withPower.SetTransmittedPowerStdDev(1.5))
	assert.NoError(t, withPower.SetPathLossExponent(2.4))
	assert.NoError(t, withPower.SetPathLossExponentStdDev(0.2))
	assert.Equal(t, 1.5, *withPower.TransmittedPowerStdDev)
	assert.ErrorIs(t, withPower.SetTransmittedPowerStdDev(0), ErrInvalidArgument)
}

func TestRadioSource_String(t *testing.T) {
	src, err := NewLocatedRadioSource("aa:bb", 2.4e9, NewPosition2D(1, 2))
	assert.NoError(t, err)
	assert.Equal(t, "aa:bb@(1.00, 2.00)", src.String())

	bare, err := NewRadioSource("cc:dd", 2.4e9)
	assert.NoError(t, err)
	assert.Equal(t, "cc:dd", bare.String())
}
