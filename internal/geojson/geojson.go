// Package geojson converts annotation elements to and from GeoJSON feature
// collections. Pixel coordinates are carried as-is; there is no geographic
// projection involved.
package geojson

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/slidelab/slideannot/internal/types"
)

// annotationTypeProperty keys the element variant on an exported feature so
// a rectangle or ellipse survives the round trip as itself rather than as a
// generic polygon.
const annotationTypeProperty = "annotationType"

// styleProperties are the element fields passed through unchanged.
func styleProperties(e *types.Element) geojson.Properties {
	props := geojson.Properties{}
	if e.ID != "" {
		props["id"] = e.ID
	}
	if e.Label != nil {
		props["label"] = e.Label
	}
	if e.Group != nil {
		props["group"] = *e.Group
	}
	if e.User != nil {
		props["user"] = e.User
	}
	if e.LineColor != "" {
		props["lineColor"] = e.LineColor
	}
	if e.LineWidth != nil {
		props["lineWidth"] = *e.LineWidth
	}
	if e.FillColor != "" {
		props["fillColor"] = e.FillColor
	}
	if e.Radius != nil {
		props["radius"] = *e.Radius
	}
	if e.Width != nil {
		props["width"] = *e.Width
	}
	if e.Height != nil {
		props["height"] = *e.Height
	}
	if e.Rotation != nil {
		props["rotation"] = *e.Rotation
	}
	if e.Normal != nil {
		props["normal"] = e.Normal
	}
	return props
}

// ToFeatureCollection maps elements onto GeoJSON features. Variants with no
// GeoJSON representation (heatmap, griddata, arrow, rectanglegrid) are
// skipped, or rejected when mustConvert is set.
func ToFeatureCollection(elements []*types.Element, mustConvert bool) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	for _, e := range elements {
		geom, err := geometryOf(e)
		if err != nil {
			if mustConvert {
				return nil, err
			}
			continue
		}
		f := geojson.NewFeature(geom)
		f.Properties = styleProperties(e)
		f.Properties[annotationTypeProperty] = string(e.Type)
		fc.Append(f)
	}
	return fc, nil
}

func geometryOf(e *types.Element) (orb.Geometry, error) {
	switch e.Type {
	case types.ElementPoint:
		return orb.Point{e.Center[0], e.Center[1]}, nil
	case types.ElementPolyline:
		if e.Closed != nil && *e.Closed {
			return polygonOf(e), nil
		}
		ls := make(orb.LineString, 0, len(e.Points))
		for _, p := range e.Points {
			ls = append(ls, orb.Point{p[0], p[1]})
		}
		return ls, nil
	case types.ElementRectangle, types.ElementEllipse:
		return cornerPolygon(e.Center, *e.Width, *e.Height, rotationOf(e)), nil
	case types.ElementCircle:
		d := 2 * *e.Radius
		return cornerPolygon(e.Center, d, d, 0), nil
	default:
		return nil, fmt.Errorf("element type %q has no GeoJSON representation", e.Type)
	}
}

func rotationOf(e *types.Element) float64 {
	if e.Rotation != nil {
		return *e.Rotation
	}
	return 0
}

func polygonOf(e *types.Element) orb.Polygon {
	outer := closedRing(e.Points)
	poly := orb.Polygon{outer}
	for _, hole := range e.Holes {
		poly = append(poly, closedRing(hole))
	}
	return poly
}

func closedRing(points [][]float64) orb.Ring {
	ring := make(orb.Ring, 0, len(points)+1)
	for _, p := range points {
		ring = append(ring, orb.Point{p[0], p[1]})
	}
	if len(ring) > 0 && ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring
}

// cornerPolygon traces the four corners of a (possibly rotated) box,
// counter-clockwise from the lower-left, closing the ring.
func cornerPolygon(center []float64, width, height, rotation float64) orb.Polygon {
	cx, cy := center[0], center[1]
	hw, hh := width/2, height/2
	cosR, sinR := math.Cos(rotation), math.Sin(rotation)
	corner := func(dx, dy float64) orb.Point {
		return orb.Point{
			cx + dx*cosR - dy*sinR,
			cy + dx*sinR + dy*cosR,
		}
	}
	ring := orb.Ring{
		corner(-hw, -hh), corner(hw, -hh), corner(hw, hh), corner(-hw, hh),
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// FromFeatureCollection maps GeoJSON features back onto elements. Features
// exported by ToFeatureCollection reconstruct their original variant; plain
// GeoJSON from other tools maps Point to point, LineString to an open
// polyline and Polygon to a closed one.
func FromFeatureCollection(fc *geojson.FeatureCollection) ([]*types.Element, error) {
	var elements []*types.Element
	for i, f := range fc.Features {
		e, err := elementOf(f)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		elements = append(elements, e)
	}
	return elements, nil
}

func elementOf(f *geojson.Feature) (*types.Element, error) {
	e := &types.Element{}
	applyProperties(e, f.Properties)

	hinted, _ := f.Properties[annotationTypeProperty].(string)
	switch geom := f.Geometry.(type) {
	case orb.Point:
		e.Type = types.ElementPoint
		e.Center = []float64{geom[0], geom[1], 0}
	case orb.LineString:
		e.Type = types.ElementPolyline
		closed := false
		e.Closed = &closed
		for _, p := range geom {
			e.Points = append(e.Points, []float64{p[0], p[1], 0})
		}
	case orb.Polygon:
		if err := polygonElement(e, geom, types.ElementType(hinted)); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported geometry type %q", f.Geometry.GeoJSONType())
	}
	return e, nil
}

// polygonElement rebuilds the hinted variant from a polygon: rectangles,
// ellipses and circles recover their parameters from the pass-through
// properties, anything else becomes a closed polyline.
func polygonElement(e *types.Element, poly orb.Polygon, hinted types.ElementType) error {
	switch hinted {
	case types.ElementRectangle, types.ElementEllipse:
		if e.Width == nil || e.Height == nil {
			return fmt.Errorf("%s feature missing width/height properties", hinted)
		}
		e.Type = hinted
		e.Center = ringCenter(poly[0])
		return nil
	case types.ElementCircle:
		if e.Radius == nil {
			return fmt.Errorf("circle feature missing radius property")
		}
		e.Type = types.ElementCircle
		e.Center = ringCenter(poly[0])
		e.Width, e.Height, e.Rotation = nil, nil, nil
		return nil
	default:
		e.Type = types.ElementPolyline
		closed := true
		e.Closed = &closed
		e.Points = openRing(poly[0])
		for _, hole := range poly[1:] {
			e.Holes = append(e.Holes, openRing(hole))
		}
		return nil
	}
}

// ringCenter averages the distinct corners of a closed ring.
func ringCenter(ring orb.Ring) []float64 {
	pts := ring
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	var cx, cy float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
	}
	n := float64(len(pts))
	return []float64{cx / n, cy / n, 0}
}

func openRing(ring orb.Ring) [][]float64 {
	pts := ring
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	out := make([][]float64, 0, len(pts))
	for _, p := range pts {
		out = append(out, []float64{p[0], p[1], 0})
	}
	return out
}

func applyProperties(e *types.Element, props geojson.Properties) {
	if v, ok := props["id"].(string); ok {
		e.ID = v
	}
	if v, ok := props["group"].(string); ok {
		e.Group = &v
	}
	if v, ok := props["user"].(map[string]any); ok {
		e.User = v
	}
	if v, ok := props["lineColor"].(string); ok {
		e.LineColor = v
	}
	if v, ok := asFloat(props["lineWidth"]); ok {
		e.LineWidth = &v
	}
	if v, ok := props["fillColor"].(string); ok {
		e.FillColor = v
	}
	if v, ok := asFloat(props["radius"]); ok {
		e.Radius = &v
	}
	if v, ok := asFloat(props["width"]); ok {
		e.Width = &v
	}
	if v, ok := asFloat(props["height"]); ok {
		e.Height = &v
	}
	if v, ok := asFloat(props["rotation"]); ok {
		e.Rotation = &v
	}
	if lbl, ok := props["label"].(*types.Label); ok {
		e.Label = lbl
	} else if v, ok := props["label"].(map[string]any); ok {
		label := &types.Label{}
		if s, ok := v["value"].(string); ok {
			label.Value = s
		}
		if s, ok := v["visibility"].(string); ok {
			label.Visibility = s
		}
		if s, ok := v["color"].(string); ok {
			label.Color = s
		}
		if fs, ok := asFloat(v["fontSize"]); ok {
			label.FontSize = &fs
		}
		e.Label = label
	}
	switch v := props["normal"].(type) {
	case []float64:
		e.Normal = v
	case []any:
		for _, nv := range v {
			if f, ok := asFloat(nv); ok {
				e.Normal = append(e.Normal, f)
			}
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
