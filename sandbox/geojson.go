package sandbox

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Feature layers of the calibration GeoJSON export.
const (
	LayerROI          = "roi"
	LayerProjectorROI = "projectorRoi"
	LayerPointPair    = "pointPair"
	LayerTargets      = "targets"
)

// RectToRing converts r to a closed counter-clockwise ring in pixel space.
func RectToRing(r image.Rectangle) orb.Ring {
	minX, minY := float64(r.Min.X), float64(r.Min.Y)
	maxX, maxY := float64(r.Max.X), float64(r.Max.Y)
	return orb.Ring{
		{minX, minY},
		{maxX, minY},
		{maxX, maxY},
		{minX, maxY},
		{minX, minY},
	}
}

func pointsToRing(points []r2.Point) orb.Ring {
	ring := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		ring = append(ring, orb.Point{p.X, p.Y})
	}
	if len(ring) > 0 && !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return ring
}

// CalibrationGeoJSON exports the ROI, the projector outline of the ROI,
// every point pair and the pattern targets of s. ROI coordinates are sensor
// pixels; everything else is in projector pixels.
func CalibrationGeoJSON(s EngineSnapshot) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()

	if !s.ROI.Empty() {
		f := geojson.NewFeature(orb.Polygon{RectToRing(s.ROI)})
		f.Properties["layer"] = LayerROI
		f.Properties["space"] = "sensor"
		f.Properties["width"] = s.ROI.Dx()
		f.Properties["height"] = s.ROI.Dy()
		fc.Append(f)
	}

	if len(s.Projector.Outline) >= 3 {
		f := geojson.NewFeature(orb.Polygon{pointsToRing(s.Projector.Outline)})
		f.Properties["layer"] = LayerProjectorROI
		f.Properties["space"] = "projector"
		fc.Append(f)
	}

	m := s.Transformer.Projection
	for i, p := range s.PointPairs {
		f := geojson.NewFeature(orb.Point{p.Projector.X, p.Projector.Y})
		f.ID = i
		f.Properties["layer"] = LayerPointPair
		f.Properties["space"] = "projector"
		f.Properties["world"] = []float64{p.World.X, p.World.Y, p.World.Z}
		if !m.IsZero() {
			if q, ok := m.Project(p.World); ok {
				f.Properties["projected"] = []float64{q.X, q.Y}
				f.Properties["error"] = q.Sub(p.Projector).Norm()
			}
		}
		fc.Append(f)
	}

	if len(s.Targets) > 0 {
		center := r2.Point{X: float64(s.Projector.Width) / 2, Y: float64(s.Projector.Height) / 2}
		mp := make(orb.MultiPoint, len(s.Targets))
		for i, t := range s.Targets {
			c := center.Add(t)
			mp[i] = orb.Point{c.X, c.Y}
		}
		f := geojson.NewFeature(mp)
		f.Properties["layer"] = LayerTargets
		f.Properties["space"] = "projector"
		f.Properties["current"] = s.CurrentTarget
		fc.Append(f)
	}
	return fc
}
