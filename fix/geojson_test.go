package fix

import (
	"testing"
	"time"

	"github.com/paulmach/orb/geojson"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func featuresOfKind(fc *geojson.FeatureCollection, kind string) []*geojson.Feature {
	var out []*geojson.Feature
	for _, f := range fc.Features {
		if f.Properties["kind"] == kind {
			out = append(out, f)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// BuildGeoJSON
// ---------------------------------------------------------------------------

func TestBuildGeoJSON(t *testing.T) {
	plan, err := ParseFloorPlan([]byte(roomAndWallJSON))
	if err != nil {
		t.Fatalf("ParseFloorPlan: %v", err)
	}
	sources := circleSources(t, 3, 5, 4, 3)
	ts := time.Date(2024, 7, 15, 9, 30, 0, 0, time.UTC)
	fixes := map[string]*FixRecord{
		"badge-1": {
			ID:         "fix-a",
			Tag:        "badge-1",
			Position:   []float64{5, 4},
			Covariance: [][]float64{{0.25, 0}, {0, 0.25}},
			Readings:   9,
			Timestamp:  ts,
		},
	}

	fc := BuildGeoJSON(plan, sources, fixes)

	rooms := featuresOfKind(fc, "room")
	if len(rooms) != 1 {
		t.Fatalf("room features = %d, want 1", len(rooms))
	}
	if rooms[0].Properties["name"] != "lab" {
		t.Errorf("room name = %v, want lab", rooms[0].Properties["name"])
	}

	if walls := featuresOfKind(fc, "wall"); len(walls) != 1 {
		t.Errorf("wall features = %d, want 1", len(walls))
	}

	srcFeatures := featuresOfKind(fc, "source")
	if len(srcFeatures) != 3 {
		t.Fatalf("source features = %d, want 3", len(srcFeatures))
	}
	first := srcFeatures[0]
	if first.Properties["bssid"] != "aa:bb:cc:dd:ee:00" {
		t.Errorf("source bssid = %v, want aa:bb:cc:dd:ee:00", first.Properties["bssid"])
	}
	if first.Properties["transmittedPower"] != -40.0 {
		t.Errorf("source transmittedPower = %v, want -40", first.Properties["transmittedPower"])
	}

	fixFeatures := featuresOfKind(fc, "fix")
	if len(fixFeatures) != 1 {
		t.Fatalf("fix features = %d, want 1", len(fixFeatures))
	}
	ff := fixFeatures[0]
	if ff.Properties["tag"] != "badge-1" {
		t.Errorf("fix tag = %v, want badge-1", ff.Properties["tag"])
	}
	if ff.Properties["id"] != "fix-a" {
		t.Errorf("fix id = %v, want fix-a", ff.Properties["id"])
	}
	if ff.Properties["readings"] != 9 {
		t.Errorf("fix readings = %v, want 9", ff.Properties["readings"])
	}
	if ff.Properties["timestamp"] != ts.Format(time.RFC3339) {
		t.Errorf("fix timestamp = %v, want %s", ff.Properties["timestamp"], ts.Format(time.RFC3339))
	}

	unc := featuresOfKind(fc, "uncertainty")
	if len(unc) != 1 {
		t.Fatalf("uncertainty features = %d, want 1", len(unc))
	}
	if unc[0].Properties["tag"] != "badge-1" {
		t.Errorf("uncertainty tag = %v, want badge-1", unc[0].Properties["tag"])
	}
}

func TestBuildGeoJSON_NilPlan(t *testing.T) {
	sources := circleSources(t, 2, 0, 0, 5)
	fc := BuildGeoJSON(nil, sources, nil)

	if len(featuresOfKind(fc, "room")) != 0 {
		t.Error("nil plan should produce no room features")
	}
	if len(featuresOfKind(fc, "source")) != 2 {
		t.Error("sources should still be exported without a plan")
	}
}

func TestBuildGeoJSON_Empty(t *testing.T) {
	fc := BuildGeoJSON(nil, nil, nil)
	if fc == nil {
		t.Fatal("BuildGeoJSON should never return nil")
	}
	if len(fc.Features) != 0 {
		t.Errorf("empty inputs produced %d features", len(fc.Features))
	}

	// Empty collections still marshal to valid GeoJSON
	data, err := fc.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if _, err := geojson.UnmarshalFeatureCollection(data); err != nil {
		t.Errorf("round-trip failed: %v", err)
	}
}

func TestBuildGeoJSON_FixesSortedByTag(t *testing.T) {
	fixes := map[string]*FixRecord{
		"zulu":  {Tag: "zulu", Position: []float64{0, 0}},
		"alpha": {Tag: "alpha", Position: []float64{1, 1}},
		"mike":  {Tag: "mike", Position: []float64{2, 2}},
	}

	fc := BuildGeoJSON(nil, nil, fixes)
	fixFeatures := featuresOfKind(fc, "fix")
	if len(fixFeatures) != 3 {
		t.Fatalf("fix features = %d, want 3", len(fixFeatures))
	}
	want := []string{"alpha", "mike", "zulu"}
	for i, f := range fixFeatures {
		if f.Properties["tag"] != want[i] {
			t.Errorf("fixFeatures[%d].tag = %v, want %s (sorted)", i, f.Properties["tag"], want[i])
		}
	}
}

func TestBuildGeoJSON_SkipsDegenerateRecords(t *testing.T) {
	unlocated, err := NewRadioSourceWithPower("ff:ff:ff:ff:ff:01", 2.4e9, -40)
	if err != nil {
		t.Fatalf("NewRadioSourceWithPower: %v", err)
	}
	sources := append(circleSources(t, 1, 0, 0, 5), unlocated, nil)

	// A 1D record and a nil record are skipped; a record without covariance
	// gets no uncertainty ellipse.
	fixes := map[string]*FixRecord{
		"short": {Tag: "short", Position: []float64{1}},
		"ok":    {Tag: "ok", Position: []float64{1, 2}},
		"none":  nil,
	}

	fc := BuildGeoJSON(nil, sources, fixes)

	if got := len(featuresOfKind(fc, "source")); got != 1 {
		t.Errorf("source features = %d, want 1 (unlocated and nil skipped)", got)
	}
	if got := len(featuresOfKind(fc, "fix")); got != 1 {
		t.Errorf("fix features = %d, want 1", got)
	}
	if got := len(featuresOfKind(fc, "uncertainty")); got != 0 {
		t.Errorf("uncertainty features = %d, want 0 without covariance", got)
	}
}

func TestBuildGeoJSON_RoundTrip(t *testing.T) {
	plan, err := ParseFloorPlan([]byte(roomAndWallJSON))
	if err != nil {
		t.Fatalf("ParseFloorPlan: %v", err)
	}
	fixes := map[string]*FixRecord{
		"badge-1": {
			Tag:        "badge-1",
			Position:   []float64{5, 4},
			Covariance: [][]float64{{1, 0}, {0, 1}},
		},
	}

	fc := BuildGeoJSON(plan, circleSources(t, 4, 5, 4, 3), fixes)
	data, err := fc.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	parsed, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		t.Fatalf("UnmarshalFeatureCollection: %v", err)
	}
	if len(parsed.Features) != len(fc.Features) {
		t.Errorf("round-trip features = %d, want %d", len(parsed.Features), len(fc.Features))
	}
}
