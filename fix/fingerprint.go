package fix

import "fmt"

// Fingerprint is the ordered set of readings collected at one unknown
// location, the input to a single estimation call. Multiple readings may
// reference the same source (repeated measurements). A fingerprint is built
// once and read-only afterwards.
type Fingerprint struct {
	readings []*Reading
}

// NewFingerprint builds a fingerprint from readings. The slice must be
// non-empty and hold no nil entries; it is copied.
func NewFingerprint(readings []*Reading) (*Fingerprint, error) {
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: fingerprint needs at least one reading", ErrInvalidArgument)
	}
	out := make([]*Reading, len(readings))
	for i, r := range readings {
		if r == nil {
			return nil, fmt.Errorf("%w: nil reading at index %d", ErrInvalidArgument, i)
		}
		out[i] = r
	}
	return &Fingerprint{readings: out}, nil
}

// Len returns the number of readings.
func (f *Fingerprint) Len() int {
	return len(f.readings)
}

// Readings returns a copy of the reading slice in collection order.
func (f *Fingerprint) Readings() []*Reading {
	out := make([]*Reading, len(f.readings))
	copy(out, f.readings)
	return out
}

// Reading returns the i-th reading.
func (f *Fingerprint) Reading(i int) *Reading {
	return f.readings[i]
}

// Sources returns the distinct sources referenced by the fingerprint, in
// order of first appearance.
func (f *Fingerprint) Sources() []*RadioSource {
	seen := make(map[*RadioSource]bool, len(f.readings))
	var out []*RadioSource
	for _, r := range f.readings {
		if !seen[r.Source] {
			seen[r.Source] = true
			out = append(out, r.Source)
		}
	}
	return out
}

// CountRanging returns how many readings carry a ranging component.
func (f *Fingerprint) CountRanging() int {
	n := 0
	for _, r := range f.readings {
		if r.HasRanging() {
			n++
		}
	}
	return n
}

// CountRssi returns how many readings carry an RSSI component.
func (f *Fingerprint) CountRssi() int {
	n := 0
	for _, r := range f.readings {
		if r.HasRssi() {
			n++
		}
	}
	return n
}
