package validate

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

const (
	idPattern    = `^[0-9a-f]{24}$`
	colorPattern = `^(#[0-9a-fA-F]{3}|#[0-9a-fA-F]{6}|rgb\(\d+,\s*\d+,\s*\d+\)|rgba\(\d+,\s*\d+,\s*\d+,\s*(\d+(\.\d+)?|\.\d+)\))$`
)

func num() *jsonschema.Schema    { return &jsonschema.Schema{Type: "number"} }
func str() *jsonschema.Schema    { return &jsonschema.Schema{Type: "string"} }
func boolean() *jsonschema.Schema { return &jsonschema.Schema{Type: "boolean"} }

func color() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Pattern: colorPattern}
}

func coordinate() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "array",
		Items:    num(),
		MinItems: jsonschema.Ptr(3),
		MaxItems: jsonschema.Ptr(3),
	}
}

func coordinateList(minItems int) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "array",
		Items:    coordinate(),
		MinItems: jsonschema.Ptr(minItems),
	}
}

func enum(values ...any) *jsonschema.Schema {
	return &jsonschema.Schema{Enum: values}
}

func labelSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"value":      str(),
			"visibility": enum("hidden", "always", "onhover"),
			"fontSize":   {Type: "number", ExclusiveMinimum: jsonschema.Ptr(0.0)},
			"color":      color(),
		},
		Required:             []string{"value"},
		AdditionalProperties: falseSchema(),
	}
}

func falseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Not: &jsonschema.Schema{}}
}

// baseProperties are allowed on every element variant.
func baseProperties() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"id":        {Type: "string", Pattern: idPattern},
		"label":     labelSchema(),
		"lineColor": color(),
		"lineWidth": {Type: "number", Minimum: jsonschema.Ptr(0.0)},
		"fillColor": color(),
		"group":     str(),
		"user":      {Type: "object"},
	}
}

func variant(typeName string, props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	all := baseProperties()
	all["type"] = enum(typeName)
	for k, v := range props {
		all[k] = v
	}
	return &jsonschema.Schema{
		Type:                 "object",
		Properties:           all,
		Required:             append([]string{"type"}, required...),
		AdditionalProperties: falseSchema(),
	}
}

func rectangularProps() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"center":   coordinate(),
		"width":    {Type: "number", Minimum: jsonschema.Ptr(0.0)},
		"height":   {Type: "number", Minimum: jsonschema.Ptr(0.0)},
		"rotation": num(),
		"normal":   coordinate(),
	}
}

// elementSchema admits any one of the supported element variants.
func elementSchema() *jsonschema.Schema {
	rectGrid := rectangularProps()
	rectGrid["widthSubdivisions"] = &jsonschema.Schema{Type: "integer", Minimum: jsonschema.Ptr(1.0)}
	rectGrid["heightSubdivisions"] = &jsonschema.Schema{Type: "integer", Minimum: jsonschema.Ptr(1.0)}

	heatmapPoint := &jsonschema.Schema{
		Type:     "array",
		Items:    num(),
		MinItems: jsonschema.Ptr(4),
		MaxItems: jsonschema.Ptr(4),
	}

	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			variant("point", map[string]*jsonschema.Schema{
				"center": coordinate(),
			}, "center"),
			variant("arrow", map[string]*jsonschema.Schema{
				"points": &jsonschema.Schema{
					Type:     "array",
					Items:    coordinate(),
					MinItems: jsonschema.Ptr(2),
					MaxItems: jsonschema.Ptr(2),
				},
			}, "points"),
			variant("circle", map[string]*jsonschema.Schema{
				"center": coordinate(),
				"radius": {Type: "number", Minimum: jsonschema.Ptr(0.0)},
			}, "center", "radius"),
			variant("polyline", map[string]*jsonschema.Schema{
				"points": coordinateList(2),
				"closed": boolean(),
				"holes": &jsonschema.Schema{
					Type:  "array",
					Items: coordinateList(3),
				},
			}, "points"),
			variant("rectangle", rectangularProps(), "center", "width", "height"),
			variant("ellipse", rectangularProps(), "center", "width", "height"),
			variant("rectanglegrid", rectGrid,
				"center", "width", "height", "widthSubdivisions", "heightSubdivisions"),
			variant("heatmap", map[string]*jsonschema.Schema{
				"points":         &jsonschema.Schema{Type: "array", Items: heatmapPoint},
				"radius":         {Type: "number", ExclusiveMinimum: jsonschema.Ptr(0.0)},
				"colorRange":     &jsonschema.Schema{Type: "array", Items: color()},
				"rangeValues":    &jsonschema.Schema{Type: "array", Items: num()},
				"normalizeRange": boolean(),
			}, "points", "radius"),
			variant("griddata", map[string]*jsonschema.Schema{
				"origin":         coordinate(),
				"dx":             num(),
				"dy":             num(),
				"gridWidth":      &jsonschema.Schema{Type: "integer", Minimum: jsonschema.Ptr(1.0)},
				"values":         &jsonschema.Schema{Type: "array", Items: num(), MinItems: jsonschema.Ptr(1)},
				"interpretation": enum("heatmap", "contour", "choropleth"),
				"colorRange":     &jsonschema.Schema{Type: "array", Items: color()},
				"rangeValues":    &jsonschema.Schema{Type: "array", Items: num()},
				"normalizeRange": boolean(),
			}, "origin", "dx", "dy", "gridWidth", "values"),
		},
	}
}

// headerSchema validates the annotation container with elements removed.
func headerSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"name":        {Type: "string", MinLength: jsonschema.Ptr(1)},
			"description": str(),
			"attributes":  {Type: "object"},
			"display":     {Type: "object"},
		},
		Required:             []string{"name"},
		AdditionalProperties: falseSchema(),
	}
}

// annotationSchema is the full document schema served by /annotation/schema.
func annotationSchema() *jsonschema.Schema {
	h := headerSchema()
	h.Properties["elements"] = &jsonschema.Schema{
		Type:  "array",
		Items: elementSchema(),
	}
	h.Schema = "https://json-schema.org/draft/2020-12/schema"
	h.Title = "Whole-slide image annotation"
	return h
}

func resolve(s *jsonschema.Schema) *jsonschema.Resolved {
	r, err := s.Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("validate: schema does not resolve: %v", err))
	}
	return r
}

// SchemaJSON returns the annotation schema document for the schema endpoint.
func SchemaJSON() (json.RawMessage, error) {
	return json.Marshal(annotationSchema())
}
