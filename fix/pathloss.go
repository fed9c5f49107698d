package fix

import (
	"fmt"
	"math"
)

// SpeedOfLight is the propagation speed used by the path-loss model, in m/s.
const SpeedOfLight = 299792458.0

// DefaultPathLossExponent is the free-space path-loss exponent. Indoor
// environments with walls and multipath typically sit between 1.6 and 3.5.
const DefaultPathLossExponent = 2.0

// DbmToMilliwatts converts a power level in dBm to linear milliwatts.
// P_mW = 10^(P_dBm / 10)
func DbmToMilliwatts(dbm float64) float64 {
	return math.Pow(10.0, dbm/10.0)
}

// MilliwattsToDbm converts a linear power in milliwatts to dBm.
// P_dBm = 10 * log10(P_mW)
func MilliwattsToDbm(mw float64) float64 {
	return 10.0 * math.Log10(mw)
}

// RssiToDistance converts a received power level (dBm) into the implied
// distance to the source under the log-distance path-loss model:
//
//	d = (c / (4*pi*f))^(1/n) * (Pt/Pr)^(1/n)
//
// where f is the source frequency, n its path-loss exponent, Pt its
// transmitted power and Pr the received power (both linear). The source must
// carry a power model.
func RssiToDistance(source *RadioSource, rssi float64) (float64, error) {
	if source == nil {
		return 0, fmt.Errorf("%w: nil source", ErrInvalidArgument)
	}
	if !source.HasPowerModel() {
		return 0, fmt.Errorf("%w: source %s has no power model", ErrInvalidArgument, source.Bssid)
	}
	k := SpeedOfLight / (4.0 * math.Pi * source.Frequency)
	n := source.PathLossExponent
	// Pt/Pr in linear terms is 10^((Pt_dBm - Pr_dBm)/10).
	ratio := math.Pow(10.0, (*source.TransmittedPower-rssi)/10.0)
	return math.Pow(k*ratio, 1.0/n), nil
}

// RssiToDistanceWithStdDev converts a received power level into a distance
// and propagates the available uncertainty (transmitted-power std-dev,
// path-loss-exponent std-dev and the reading's own RSSI std-dev) into a
// first-order distance standard deviation.
//
// With L = ln(k) + ln(10)/10 * (Pt - Pr) and ln(d) = L/n:
//
//	dd/dPt =  d * ln(10) / (10*n)
//	dd/dPr = -d * ln(10) / (10*n)
//	dd/dn  = -d * ln(d) / n
//
// The returned std-dev is nil when no uncertainty information is present at
// all; callers then apply their configured fallback.
func RssiToDistanceWithStdDev(source *RadioSource, rssi float64, rssiStdDev *float64) (float64, *float64, error) {
	d, err := RssiToDistance(source, rssi)
	if err != nil {
		return 0, nil, err
	}
	n := source.PathLossExponent

	variance := 0.0
	any := false
	slope := d * math.Ln10 / (10.0 * n)
	if source.TransmittedPowerStdDev != nil {
		variance += slope * slope * (*source.TransmittedPowerStdDev) * (*source.TransmittedPowerStdDev)
		any = true
	}
	if rssiStdDev != nil {
		variance += slope * slope * (*rssiStdDev) * (*rssiStdDev)
		any = true
	}
	if source.PathLossExponentStdDev != nil && d > 0 {
		dn := -d * math.Log(d) / n
		variance += dn * dn * (*source.PathLossExponentStdDev) * (*source.PathLossExponentStdDev)
		any = true
	}
	if !any {
		return d, nil, nil
	}
	std := math.Sqrt(variance)
	return d, &std, nil
}

// DistanceToRssi predicts the received power level (dBm) at the given
// distance from the source, the exact inverse of RssiToDistance:
//
//	Pr = Pt - 10*log10(d^n / k), k = c / (4*pi*f)
//
// Used by the coverage renderer and by synthetic test data generation.
func DistanceToRssi(source *RadioSource, distance float64) (float64, error) {
	if source == nil {
		return 0, fmt.Errorf("%w: nil source", ErrInvalidArgument)
	}
	if !source.HasPowerModel() {
		return 0, fmt.Errorf("%w: source %s has no power model", ErrInvalidArgument, source.Bssid)
	}
	if distance <= 0 {
		return 0, fmt.Errorf("%w: distance must be > 0, got %g", ErrInvalidArgument, distance)
	}
	k := SpeedOfLight / (4.0 * math.Pi * source.Frequency)
	n := source.PathLossExponent
	return *source.TransmittedPower - 10.0*math.Log10(math.Pow(distance, n)/k), nil
}
