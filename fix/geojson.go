package fix

import (
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Ellipse95Scale is the Mahalanobis radius covering 95% of a 2D Gaussian.
const Ellipse95Scale = 2.4477

// BuildGeoJSON exports the floor plan, the registered sources and the latest
// fixes as one feature collection. plan may be nil.
func BuildGeoJSON(plan *FloorPlan, sources []*RadioSource, fixes map[string]*FixRecord) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if plan != nil {
		for _, r := range plan.Rooms {
			f := geojson.NewFeature(r.Outline)
			f.Properties["kind"] = "room"
			if r.Name != "" {
				f.Properties["name"] = r.Name
			}
			fc.Append(f)
		}
		for _, w := range plan.Walls {
			f := geojson.NewFeature(w)
			f.Properties["kind"] = "wall"
			fc.Append(f)
		}
	}

	for _, src := range sources {
		if src == nil || !src.IsLocated() {
			continue
		}
		f := geojson.NewFeature(orb.Point{src.Position[0], src.Position[1]})
		f.Properties["kind"] = "source"
		f.Properties["bssid"] = src.Bssid
		f.Properties["frequency"] = src.Frequency
		if src.TransmittedPower != nil {
			f.Properties["transmittedPower"] = *src.TransmittedPower
		}
		fc.Append(f)
	}

	// Deterministic feature order
	tags := make([]string, 0, len(fixes))
	for tag := range fixes {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		fix := fixes[tag]
		if fix == nil || len(fix.Position) < 2 {
			continue
		}
		f := geojson.NewFeature(orb.Point{fix.Position[0], fix.Position[1]})
		f.Properties["kind"] = "fix"
		f.Properties["tag"] = tag
		f.Properties["id"] = fix.ID
		f.Properties["timestamp"] = fix.Timestamp.Format(time.RFC3339)
		f.Properties["readings"] = fix.Readings
		fc.Append(f)

		if cov := fix.CovarianceMatrix(); cov != nil && cov.SymmetricDim() >= 2 {
			ring, err := CovarianceEllipse(Position(fix.Position), cov, Ellipse95Scale, 48)
			if err != nil {
				continue
			}
			ef := geojson.NewFeature(orb.Polygon{ring})
			ef.Properties["kind"] = "uncertainty"
			ef.Properties["tag"] = tag
			fc.Append(ef)
		}
	}
	return fc
}
