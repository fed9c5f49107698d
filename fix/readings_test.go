package fix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

func testSource(t *testing.T) *RadioSource {
	t.Helper()
	src, err := NewRadioSource("aa:bb:cc:dd:ee:ff", 2.4e9)
	assert.NoError(t, err)
	return src
}

func TestNewRangingReading(t *testing.T) {
	src := testSource(t)

	r, err := NewRangingReading(src, 4.2)
	assert.NoError(t, err)
	assert.Equal(t, KindRanging, r.Kind)
	assert.True(t, r.HasRanging())
	assert.False(t, r.HasRssi())
	assert.Nil(t, r.DistanceStdDev)

	_, err = NewRangingReading(nil, 4.2)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewRangingReading(src, -0.1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewRangingReadingWithStdDev(src, 4.2, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	withStd, err := NewRangingReadingWithStdDev(src, 4.2, 0.3)
	assert.NoError(t, err)
	assert.Equal(t, 0.3, *withStd.DistanceStdDev)
}

func TestNewRssiReading(t *testing.T) {
	src := testSource(t)

	r, err := NewRssiReading(src, -63)
	assert.NoError(t, err)
	assert.Equal(t, KindRssi, r.Kind)
	assert.False(t, r.HasRanging())
	assert.True(t, r.HasRssi())

	_, err = NewRssiReading(nil, -63)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewRssiReadingWithStdDev(src, -63, -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewRangingAndRssiReading(t *testing.T) {
	src := testSource(t)

	r, err := NewRangingAndRssiReading(src, 3.0, -58)
	assert.NoError(t, err)
	assert.Equal(t, KindRangingAndRssi, r.Kind)
	assert.True(t, r.HasRanging())
	assert.True(t, r.HasRssi())

	_, err = NewRangingAndRssiReading(src, -1, -58)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	full, err := NewRangingAndRssiReadingWithStdDevs(src, 3.0, 0.2, -58, 2.5)
	assert.NoError(t, err)
	assert.Equal(t, 0.2, *full.DistanceStdDev)
	assert.Equal(t, 2.5, *full.RssiStdDev)

	_, err = NewRangingAndRssiReadingWithStdDevs(src, 3.0, 0, -58, 2.5)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewRangingAndRssiReadingWithStdDevs(src, 3.0, 0.2, -58, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewLocatedReading(t *testing.T) {
	src := testSource(t)
	r, err := NewRangingReading(src, 2.0)
	assert.NoError(t, err)

	_, err = NewLocatedReading(nil, NewPosition2D(0, 0))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = NewLocatedReading(r, Position{1})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	p := NewPosition2D(5, 6)
	lr, err := NewLocatedReading(r, p)
	assert.NoError(t, err)
	p[0] = 99
	assert.Equal(t, 5.0, lr.Position.X(), "located reading must hold its own copy of the position")

	cov3 := mat.NewSymDense(3, nil)
	assert.ErrorIs(t, lr.SetPositionCovariance(cov3), ErrInvalidArgument)
	cov2 := mat.NewSymDense(2, []float64{0.1, 0, 0, 0.1})
	assert.NoError(t, lr.SetPositionCovariance(cov2))
}
