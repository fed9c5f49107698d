package fix

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// maxScanBytes caps the inflated size of a compressed scan payload.
const maxScanBytes = 10 << 20 // 10 MB

// scanObservation is one access point sighting inside a scan payload.
// Distance is a direct ranging measurement in meters (e.g. from FTM
// round-trip-time), Rssi a received power in dBm; either or both may be
// present.
type scanObservation struct {
	Bssid          string   `json:"bssid"`
	Rssi           *float64 `json:"rssi,omitempty"`
	RssiStdDev     *float64 `json:"rssiStdDev,omitempty"`
	Distance       *float64 `json:"distance,omitempty"`
	DistanceStdDev *float64 `json:"distanceStdDev,omitempty"`
}

// scanEnvelope is the wire format of one scan message.
type scanEnvelope struct {
	Tag          string            `json:"tag,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"` // unix milliseconds
	Observations []scanObservation `json:"observations"`
}

// Scan is a decoded batch of readings reported by one tag.
type Scan struct {
	Tag       string
	Timestamp time.Time
	Readings  []*Reading
	Unknown   []string // observed BSSIDs with no registry entry
}

// DecodeScan decodes a scan payload, either raw JSON or zlib-compressed
// JSON, and resolves its observations against the registry. Observations for
// unregistered BSSIDs are collected in Unknown rather than failing the scan.
func DecodeScan(payload []byte, registry *Registry) (*Scan, error) {
	if registry == nil {
		return nil, fmt.Errorf("%w: nil registry", ErrInvalidArgument)
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty scan payload")
	}

	// Raw JSON starts with '{'; anything else is assumed zlib-compressed.
	data := trimmed
	if trimmed[0] != '{' {
		inflated, err := inflateZlib(payload)
		if err != nil {
			return nil, fmt.Errorf("inflating scan payload: %w", err)
		}
		data = inflated
	}

	var env scanEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing scan JSON: %w", err)
	}
	if env.Observations == nil {
		return nil, fmt.Errorf("scan has no observations list")
	}

	scan := &Scan{Tag: env.Tag}
	if env.Timestamp > 0 {
		scan.Timestamp = time.UnixMilli(env.Timestamp)
	} else {
		scan.Timestamp = time.Now()
	}

	for i, obs := range env.Observations {
		if obs.Bssid == "" {
			return nil, fmt.Errorf("observations[%d]: bssid is required", i)
		}
		source, ok := registry.Lookup(obs.Bssid)
		if !ok {
			scan.Unknown = append(scan.Unknown, obs.Bssid)
			continue
		}
		reading, err := buildReading(source, obs)
		if err != nil {
			return nil, fmt.Errorf("observations[%d] (%s): %w", i, obs.Bssid, err)
		}
		scan.Readings = append(scan.Readings, reading)
	}
	return scan, nil
}

// buildReading constructs the reading matching the fields present in the
// observation.
func buildReading(source *RadioSource, obs scanObservation) (*Reading, error) {
	hasDistance := obs.Distance != nil
	hasRssi := obs.Rssi != nil

	var r *Reading
	var err error
	switch {
	case hasDistance && hasRssi:
		r, err = NewRangingAndRssiReading(source, *obs.Distance, *obs.Rssi)
	case hasDistance:
		r, err = NewRangingReading(source, *obs.Distance)
	case hasRssi:
		r, err = NewRssiReading(source, *obs.Rssi)
	default:
		return nil, fmt.Errorf("observation carries neither distance nor rssi")
	}
	if err != nil {
		return nil, err
	}

	if obs.DistanceStdDev != nil {
		if !hasDistance {
			return nil, fmt.Errorf("distanceStdDev set without distance")
		}
		if *obs.DistanceStdDev <= 0 {
			return nil, fmt.Errorf("distanceStdDev must be > 0, got %g", *obs.DistanceStdDev)
		}
		std := *obs.DistanceStdDev
		r.DistanceStdDev = &std
	}
	if obs.RssiStdDev != nil {
		if !hasRssi {
			return nil, fmt.Errorf("rssiStdDev set without rssi")
		}
		if *obs.RssiStdDev <= 0 {
			return nil, fmt.Errorf("rssiStdDev must be > 0, got %g", *obs.RssiStdDev)
		}
		std := *obs.RssiStdDev
		r.RssiStdDev = &std
	}
	return r, nil
}

// inflateZlib decompresses a zlib stream with a size cap.
func inflateZlib(payload []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, maxScanBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxScanBytes {
		return nil, fmt.Errorf("inflated payload exceeds %d bytes", maxScanBytes)
	}
	return data, nil
}
