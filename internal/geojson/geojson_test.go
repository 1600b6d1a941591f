package geojson

import (
	"encoding/json"
	"testing"

	gj "github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidelab/slideannot/internal/types"
)

func fp(v float64) *float64 { return &v }

func bp(v bool) *bool { return &v }

func roundTrip(t *testing.T, elements []*types.Element) []*types.Element {
	t.Helper()
	fc, err := ToFeatureCollection(elements, true)
	require.NoError(t, err)

	// Through real JSON bytes, the way the HTTP surface moves it.
	raw, err := fc.MarshalJSON()
	require.NoError(t, err)
	decoded, err := gj.UnmarshalFeatureCollection(raw)
	require.NoError(t, err)

	back, err := FromFeatureCollection(decoded)
	require.NoError(t, err)
	return back
}

func TestPointRoundTrip(t *testing.T) {
	tumor := "tumor"
	back := roundTrip(t, []*types.Element{{
		Type:   types.ElementPoint,
		Center: []float64{12.5, 7.25, 0},
		Group:  &tumor,
	}})
	require.Len(t, back, 1)
	assert.Equal(t, types.ElementPoint, back[0].Type)
	assert.InDelta(t, 12.5, back[0].Center[0], 1e-9)
	assert.InDelta(t, 7.25, back[0].Center[1], 1e-9)
	require.NotNil(t, back[0].Group)
	assert.Equal(t, "tumor", *back[0].Group)
}

func TestOpenPolylineRoundTrip(t *testing.T) {
	back := roundTrip(t, []*types.Element{{
		Type:      types.ElementPolyline,
		Points:    [][]float64{{0, 0, 0}, {10, 0, 0}, {10, 10, 0}},
		Closed:    bp(false),
		LineColor: "#ff0000",
	}})
	require.Len(t, back, 1)
	assert.Equal(t, types.ElementPolyline, back[0].Type)
	assert.False(t, *back[0].Closed)
	assert.Len(t, back[0].Points, 3)
	assert.Equal(t, "#ff0000", back[0].LineColor)
}

func TestClosedPolylineWithHoleRoundTrip(t *testing.T) {
	back := roundTrip(t, []*types.Element{{
		Type:   types.ElementPolyline,
		Points: [][]float64{{0, 0, 0}, {100, 0, 0}, {100, 100, 0}, {0, 100, 0}},
		Holes:  [][][]float64{{{40, 40, 0}, {60, 40, 0}, {60, 60, 0}}},
		Closed: bp(true),
	}})
	require.Len(t, back, 1)
	assert.True(t, *back[0].Closed)
	assert.Len(t, back[0].Points, 4)
	require.Len(t, back[0].Holes, 1)
	assert.Len(t, back[0].Holes[0], 3)
}

func TestRectangleRoundTrip(t *testing.T) {
	back := roundTrip(t, []*types.Element{{
		Type:     types.ElementRectangle,
		Center:   []float64{20, 25, 0},
		Width:    fp(14),
		Height:   fp(15),
		Rotation: fp(0.3),
	}})
	require.Len(t, back, 1)
	assert.Equal(t, types.ElementRectangle, back[0].Type)
	assert.InDelta(t, 20, back[0].Center[0], 1e-6)
	assert.InDelta(t, 25, back[0].Center[1], 1e-6)
	assert.InDelta(t, 14, *back[0].Width, 1e-9)
	assert.InDelta(t, 15, *back[0].Height, 1e-9)
	assert.InDelta(t, 0.3, *back[0].Rotation, 1e-9)
}

func TestEllipseAndCircleRoundTrip(t *testing.T) {
	back := roundTrip(t, []*types.Element{
		{
			Type:   types.ElementEllipse,
			Center: []float64{5, 6, 0},
			Width:  fp(8),
			Height: fp(4),
		},
		{
			Type:   types.ElementCircle,
			Center: []float64{50, 60, 0},
			Radius: fp(9),
		},
	})
	require.Len(t, back, 2)
	assert.Equal(t, types.ElementEllipse, back[0].Type)
	assert.InDelta(t, 8, *back[0].Width, 1e-9)
	assert.Equal(t, types.ElementCircle, back[1].Type)
	assert.InDelta(t, 50, back[1].Center[0], 1e-6)
	assert.InDelta(t, 9, *back[1].Radius, 1e-9)
	assert.Nil(t, back[1].Width)
}

func TestUnrepresentableElements(t *testing.T) {
	heatmap := &types.Element{
		Type:   types.ElementHeatmap,
		Radius: fp(5),
		Points: [][]float64{{1, 2, 0, 0.5}},
	}
	point := &types.Element{Type: types.ElementPoint, Center: []float64{1, 2, 0}}

	fc, err := ToFeatureCollection([]*types.Element{heatmap, point}, false)
	require.NoError(t, err)
	assert.Len(t, fc.Features, 1, "unrepresentable elements are skipped")

	_, err = ToFeatureCollection([]*types.Element{heatmap}, true)
	require.Error(t, err, "mustConvert rejects unrepresentable elements")
}

func TestForeignPolygonBecomesClosedPolyline(t *testing.T) {
	// A polygon from another tool carries no annotationType hint.
	raw := []byte(`{
		"type": "FeatureCollection",
		"features": [{
			"type": "Feature",
			"geometry": {
				"type": "Polygon",
				"coordinates": [[[0,0],[10,0],[10,10],[0,0]]]
			},
			"properties": {}
		}]
	}`)
	fc, err := gj.UnmarshalFeatureCollection(raw)
	require.NoError(t, err)

	elements, err := FromFeatureCollection(fc)
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, types.ElementPolyline, elements[0].Type)
	assert.True(t, *elements[0].Closed)
	assert.Len(t, elements[0].Points, 3, "closing vertex is dropped")
}

func TestExportedFeatureShape(t *testing.T) {
	fc, err := ToFeatureCollection([]*types.Element{{
		Type:   types.ElementRectangle,
		Center: []float64{0, 0, 0},
		Width:  fp(2),
		Height: fp(2),
	}}, true)
	require.NoError(t, err)

	raw, err := fc.MarshalJSON()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	features := doc["features"].([]any)
	feature := features[0].(map[string]any)
	geom := feature["geometry"].(map[string]any)
	assert.Equal(t, "Polygon", geom["type"])
	ring := geom["coordinates"].([]any)[0].([]any)
	assert.Len(t, ring, 5, "ring closes on its first corner")
}
