package fix

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
)

// minCalibrationSamples is the smallest number of located readings accepted
// for a joint power/exponent fit.
const minCalibrationSamples = 3

// CalibrationResult is the fitted path-loss model of one source, with the
// per-parameter uncertainty of the fit.
type CalibrationResult struct {
	Bssid                  string  `json:"bssid"`
	TransmittedPower       float64 `json:"transmittedPower"` // dBm
	TransmittedPowerStdDev float64 `json:"transmittedPowerStdDev"`
	PathLossExponent       float64 `json:"pathLossExponent"`
	PathLossExponentStdDev float64 `json:"pathLossExponentStdDev"`
	ResidualStdDev         float64 `json:"residualStdDev"` // dB
	Samples                int     `json:"samples"`
}

// CalibrateSource fits transmitted power and path-loss exponent for one
// located source from readings taken at known positions. Under the model
//
//	rssi_j = Pt + 10*log10(k) - 10*n*log10(d_j), k = c/(4*pi*f)
//
// the known 10*log10(k) term moves to the left-hand side and both unknowns
// are linear in the adjusted rssi, so the fit is an ordinary least squares
// over rows [1, -10*log10(d_j)]. Readings of other sources, without an RSSI
// component, or at the source's own position are skipped.
func CalibrateSource(source *RadioSource, readings []*LocatedReading) (*CalibrationResult, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidArgument)
	}
	if !source.IsLocated() {
		return nil, fmt.Errorf("%w: source %s has no position", ErrInvalidArgument, source.Bssid)
	}
	slopes, ys := calibrationRows(source, readings)
	n := len(ys)
	if n < minCalibrationSamples {
		return nil, fmt.Errorf("%w: %d usable readings for %s, need %d", ErrNotReady, n, source.Bssid, minCalibrationSamples)
	}

	a := mat.NewDense(n, 2, nil)
	b := mat.NewVecDense(n, nil)
	for j := 0; j < n; j++ {
		a.Set(j, 0, 1)
		a.Set(j, 1, slopes[j])
		b.SetVec(j, ys[j])
	}
	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		return nil, fmt.Errorf("%w: calibration solve for %s: %v", ErrNumericalInstability, source.Bssid, err)
	}
	power := x.AtVec(0)
	exponent := x.AtVec(1)
	if exponent <= 0 || math.IsNaN(exponent) || math.IsInf(exponent, 0) {
		return nil, fmt.Errorf("%w: fit for %s yields path-loss exponent %g", ErrNumericalInstability, source.Bssid, exponent)
	}

	// Residual variance and the closed-form inverse of the 2x2 normal matrix
	// give the parameter std-devs.
	rss := 0.0
	s1, s2 := 0.0, 0.0
	for j := 0; j < n; j++ {
		r := ys[j] - power - slopes[j]*exponent
		rss += r * r
		s1 += slopes[j]
		s2 += slopes[j] * slopes[j]
	}
	variance := rss / float64(n-2)
	det := float64(n)*s2 - s1*s1
	if det <= 0 {
		return nil, fmt.Errorf("%w: readings for %s span indistinguishable distances", ErrNumericalInstability, source.Bssid)
	}

	return &CalibrationResult{
		Bssid:                  source.Bssid,
		TransmittedPower:       power,
		TransmittedPowerStdDev: math.Sqrt(variance * s2 / det),
		PathLossExponent:       exponent,
		PathLossExponentStdDev: math.Sqrt(variance * float64(n) / det),
		ResidualStdDev:         math.Sqrt(variance),
		Samples:                n,
	}, nil
}

// CalibratePathLossExponent fits only the exponent of a source whose
// transmitted power is already known, from as few as two located readings.
func CalibratePathLossExponent(source *RadioSource, readings []*LocatedReading) (*CalibrationResult, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidArgument)
	}
	if !source.IsLocated() {
		return nil, fmt.Errorf("%w: source %s has no position", ErrInvalidArgument, source.Bssid)
	}
	if source.TransmittedPower == nil {
		return nil, fmt.Errorf("%w: source %s has no transmitted power", ErrInvalidArgument, source.Bssid)
	}
	slopes, ys := calibrationRows(source, readings)
	n := len(ys)
	if n < 2 {
		return nil, fmt.Errorf("%w: %d usable readings for %s, need 2", ErrNotReady, n, source.Bssid)
	}

	// y_j - Pt = slope_j * n is a single-unknown least squares.
	power := *source.TransmittedPower
	num, den := 0.0, 0.0
	for j := 0; j < n; j++ {
		num += slopes[j] * (ys[j] - power)
		den += slopes[j] * slopes[j]
	}
	if den <= 0 {
		return nil, fmt.Errorf("%w: readings for %s span indistinguishable distances", ErrNumericalInstability, source.Bssid)
	}
	exponent := num / den
	if exponent <= 0 || math.IsNaN(exponent) {
		return nil, fmt.Errorf("%w: fit for %s yields path-loss exponent %g", ErrNumericalInstability, source.Bssid, exponent)
	}
	rss := 0.0
	for j := 0; j < n; j++ {
		r := ys[j] - power - slopes[j]*exponent
		rss += r * r
	}
	variance := rss / float64(n-1)

	return &CalibrationResult{
		Bssid:                  source.Bssid,
		TransmittedPower:       power,
		PathLossExponent:       exponent,
		PathLossExponentStdDev: math.Sqrt(variance / den),
		ResidualStdDev:         math.Sqrt(variance),
		Samples:                n,
	}, nil
}

// calibrationRows extracts the usable [slope, adjusted-rssi] pairs of one
// source from located readings: slope_j = -10*log10(d_j) and
// y_j = rssi_j - 10*log10(k), the measurement with the known frequency term
// removed.
func calibrationRows(source *RadioSource, readings []*LocatedReading) (slopes, ys []float64) {
	k := SpeedOfLight / (4.0 * math.Pi * source.Frequency)
	offset := 10.0 * math.Log10(k)
	for _, r := range readings {
		if r == nil || r.Position == nil || !r.HasRssi() {
			continue
		}
		if r.Source == nil || r.Source.Bssid != source.Bssid {
			continue
		}
		d := r.Position.DistanceTo(source.Position)
		if math.IsNaN(d) || d <= 0 {
			continue
		}
		slopes = append(slopes, -10.0*math.Log10(d))
		ys = append(ys, r.Rssi-offset)
	}
	return slopes, ys
}

// Apply writes the fitted model into the source.
func (r *CalibrationResult) Apply(source *RadioSource) error {
	if source == nil {
		return fmt.Errorf("%w: nil source", ErrInvalidArgument)
	}
	if source.Bssid != r.Bssid {
		return fmt.Errorf("%w: result for %s applied to %s", ErrInvalidArgument, r.Bssid, source.Bssid)
	}
	power := r.TransmittedPower
	source.TransmittedPower = &power
	if err := source.SetPathLossExponent(r.PathLossExponent); err != nil {
		return err
	}
	if r.TransmittedPowerStdDev > 0 {
		if err := source.SetTransmittedPowerStdDev(r.TransmittedPowerStdDev); err != nil {
			return err
		}
	}
	if r.PathLossExponentStdDev > 0 {
		if err := source.SetPathLossExponentStdDev(r.PathLossExponentStdDev); err != nil {
			return err
		}
	}
	return nil
}

// CalibrateSources fits every source that has enough located readings and
// returns the results by BSSID. Sources that cannot be fitted are logged and
// skipped; sources with a known transmitted power fall back to the
// exponent-only fit when the joint fit lacks samples.
func CalibrateSources(sources []*RadioSource, readings []*LocatedReading) map[string]*CalibrationResult {
	out := make(map[string]*CalibrationResult)
	for _, src := range sources {
		res, err := CalibrateSource(src, readings)
		if err != nil && src != nil && src.TransmittedPower != nil {
			res, err = CalibratePathLossExponent(src, readings)
		}
		if err != nil {
			log.Printf("[CAL] skipping %s: %v", bssidOf(src), err)
			continue
		}
		log.Printf("[CAL] %s: power %.1f dBm, exponent %.2f (%d samples, residual %.2f dB)",
			res.Bssid, res.TransmittedPower, res.PathLossExponent, res.Samples, res.ResidualStdDev)
		out[res.Bssid] = res
	}
	return out
}

// ApplyCalibrations applies each result to its matching source and returns
// the number of sources updated.
func ApplyCalibrations(sources []*RadioSource, results map[string]*CalibrationResult) int {
	applied := 0
	for _, src := range sources {
		if src == nil {
			continue
		}
		res, ok := results[src.Bssid]
		if !ok {
			continue
		}
		if err := res.Apply(src); err != nil {
			log.Printf("[CAL] apply %s: %v", src.Bssid, err)
			continue
		}
		applied++
	}
	return applied
}

func bssidOf(src *RadioSource) string {
	if src == nil {
		return "<nil>"
	}
	return src.Bssid
}
