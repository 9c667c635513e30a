package sandbox

import (
	"encoding/json"
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func featuresByLayer(fc *geojson.FeatureCollection) map[string][]*geojson.Feature {
	out := make(map[string][]*geojson.Feature)
	for _, f := range fc.Features {
		layer, _ := f.Properties["layer"].(string)
		out[layer] = append(out[layer], f)
	}
	return out
}

func TestRectToRing(t *testing.T) {
	ring := RectToRing(image.Rect(10, 20, 110, 70))
	require.Len(t, ring, 5)
	assert.True(t, ring.Closed())
	assert.Equal(t, orb.Point{10, 20}, ring[0])
	assert.Equal(t, orb.Point{110, 70}, ring[2])
	assert.InDelta(t, 100*50, math.Abs(planar.Area(ring)), 1e-9)
}

func TestPointsToRing(t *testing.T) {
	ring := pointsToRing([]r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 3}})
	require.Len(t, ring, 4)
	assert.True(t, ring.Closed())

	closed := pointsToRing([]r2.Point{{X: 0, Y: 0}, {X: 4, Y: 0}, {X: 4, Y: 3}, {X: 0, Y: 0}})
	assert.Len(t, closed, 4)

	assert.Empty(t, pointsToRing(nil))
}

func TestCalibrationGeoJSON_Empty(t *testing.T) {
	fc := CalibrationGeoJSON(EngineSnapshot{})
	assert.Empty(t, fc.Features)
}

func TestCalibrationGeoJSON(t *testing.T) {
	world := r3.Vector{X: 10, Y: -20, Z: 800}
	proj, ok := knownProjection.Project(world)
	require.True(t, ok)

	s := EngineSnapshot{
		ROI: image.Rect(40, 30, 280, 210),
		Transformer: NewCoordinateTransformer(320, 240, DefaultIntrinsics(320, 240)).
			WithProjection(knownProjection),
		PointPairs: []PointPair{
			{World: world, Projector: proj},
			{World: world, Projector: proj.Add(r2.Point{X: 3, Y: 4})},
		},
		Targets:       []r2.Point{{X: 0, Y: 0}, {X: -40, Y: 20}},
		CurrentTarget: 1,
		Projector: ProjectorView{
			Width:   160,
			Height:  120,
			Outline: []r2.Point{{X: 20, Y: 15}, {X: 140, Y: 15}, {X: 140, Y: 105}, {X: 20, Y: 105}},
		},
	}

	layers := featuresByLayer(CalibrationGeoJSON(s))

	require.Len(t, layers[LayerROI], 1)
	roi := layers[LayerROI][0]
	assert.Equal(t, "sensor", roi.Properties["space"])
	assert.Equal(t, 240, roi.Properties["width"])
	assert.Equal(t, 180, roi.Properties["height"])
	_, isPolygon := roi.Geometry.(orb.Polygon)
	assert.True(t, isPolygon)

	require.Len(t, layers[LayerProjectorROI], 1)
	outline := layers[LayerProjectorROI][0].Geometry.(orb.Polygon)
	assert.Len(t, outline[0], 5)

	pairs := layers[LayerPointPair]
	require.Len(t, pairs, 2)
	assert.Equal(t, 0, pairs[0].ID)
	assert.Equal(t, 1, pairs[1].ID)
	assert.Equal(t, []float64{10, -20, 800}, pairs[0].Properties["world"])
	assert.InDelta(t, 0, pairs[0].Properties["error"].(float64), 1e-9)
	assert.InDelta(t, 5, pairs[1].Properties["error"].(float64), 1e-9)

	require.Len(t, layers[LayerTargets], 1)
	targets := layers[LayerTargets][0]
	assert.Equal(t, 1, targets.Properties["current"])
	mp, ok := targets.Geometry.(orb.MultiPoint)
	require.True(t, ok)
	assert.Equal(t, orb.MultiPoint{{80, 60}, {40, 80}}, mp)
}

func TestCalibrationGeoJSON_NoProjection(t *testing.T) {
	s := EngineSnapshot{
		PointPairs: []PointPair{{World: r3.Vector{Z: 800}, Projector: r2.Point{X: 5, Y: 6}}},
	}
	pairs := featuresByLayer(CalibrationGeoJSON(s))[LayerPointPair]
	require.Len(t, pairs, 1)
	_, hasError := pairs[0].Properties["error"]
	assert.False(t, hasError)
	assert.Equal(t, orb.Point{5, 6}, pairs[0].Geometry)
}

func TestCalibrationGeoJSON_Marshal(t *testing.T) {
	s := EngineSnapshot{ROI: image.Rect(0, 0, 10, 10)}
	data, err := json.Marshal(CalibrationGeoJSON(s))
	require.NoError(t, err)

	fc, err := geojson.UnmarshalFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, LayerROI, fc.Features[0].Properties["layer"])
	assert.Equal(t, "Polygon", fc.Features[0].Geometry.GeoJSONType())
}
