package scanreg

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// Feature kinds set in the "kind" property of exported features.
const (
	FeatureScan = "scan"
	FeaturePair = "pair"
)

// scanFootprint is the XY extent of a scan's world bounds.
func scanFootprint(s Scan) orb.Polygon {
	b := WorldBounds(s)
	return orb.Bound{
		Min: orb.Point{b.Min.X, b.Min.Y},
		Max: orb.Point{b.Max.X, b.Max.Y},
	}.ToPolygon()
}

// footprintCenter is the area centroid of the footprint, or the world position of the
// scan origin when the footprint is degenerate.
func footprintCenter(s Scan) orb.Point {
	c, area := planar.CentroidArea(scanFootprint(s))
	if area == 0 {
		t := s.Pose().TranslationPart()
		return orb.Point{t.X, t.Y}
	}
	return c
}

// BuildGeoJSON describes the store in plan view: one polygon per scan (its world
// footprint) and one line per pair joining the footprint centers.
func BuildGeoJSON(st *Store) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	groupOf := make(map[Scan]int)
	for i, g := range st.Groups() {
		for _, s := range g {
			groupOf[s] = i
		}
	}

	for _, s := range st.Scans() {
		f := geojson.NewFeature(scanFootprint(s))
		f.ID = s.Name()
		f.Properties["kind"] = FeatureScan
		f.Properties["name"] = s.Name()
		f.Properties["group"] = groupOf[s]
		f.Properties["dirty"] = st.IsDirty(s)
		f.Properties["pairs"] = len(st.PairsFor(s))
		fc.Append(f)
	}

	for _, rec := range st.Pairs() {
		computeGlobalErrors(rec)
		a, b := canonicalNames(rec)
		line := orb.LineString{footprintCenter(rec.A), footprintCenter(rec.B)}
		f := geojson.NewFeature(line)
		f.ID = a + pairSeparator + b
		f.Properties["kind"] = FeaturePair
		f.Properties["a"] = a
		f.Properties["b"] = b
		f.Properties["manual"] = rec.Manual
		f.Properties["grade"] = rec.Grade.String()
		f.Properties["points"] = rec.Len()
		f.Properties["globalRms"] = rec.Errors.GlobalRMS
		f.Properties["length"] = planar.Length(line)
		if rec.Errors.HasPlaneRMS() {
			f.Properties["planeRms"] = rec.Errors.PlaneRMS
		}
		fc.Append(f)
	}
	return fc
}

// WriteGeoJSON writes BuildGeoJSON(st) as indented JSON.
func WriteGeoJSON(w io.Writer, st *Store) error {
	data, err := json.MarshalIndent(BuildGeoJSON(st), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling geojson: %w", err)
	}
	_, err = w.Write(data)
	return err
}
