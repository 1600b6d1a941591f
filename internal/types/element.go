package types

import (
	"fmt"
	"regexp"
)

// ElementType tags the geometric variant carried by an Element.
type ElementType string

// Supported element variants.
const (
	ElementPoint         ElementType = "point"
	ElementArrow         ElementType = "arrow"
	ElementCircle        ElementType = "circle"
	ElementPolyline      ElementType = "polyline"
	ElementRectangle     ElementType = "rectangle"
	ElementRectangleGrid ElementType = "rectanglegrid"
	ElementEllipse       ElementType = "ellipse"
	ElementHeatmap       ElementType = "heatmap"
	ElementGridData      ElementType = "griddata"
)

// Element is one geometric primitive with style and optional group/label.
// Go has no sum types; the variant is the Type tag plus the subset of fields
// that variant uses. Validate enforces per-variant requirements.
type Element struct {
	ID   string      `json:"id,omitempty"`
	Type ElementType `json:"type"`

	// Geometry. Center is [x,y,z]. Points entries are [x,y,z] for most
	// variants and [x,y,z,value] for heatmaps.
	Center []float64   `json:"center,omitempty"`
	Points [][]float64 `json:"points,omitempty"`
	Holes  [][][]float64 `json:"holes,omitempty"`
	Closed *bool       `json:"closed,omitempty"`

	Radius   *float64  `json:"radius,omitempty"`
	Width    *float64  `json:"width,omitempty"`
	Height   *float64  `json:"height,omitempty"`
	Rotation *float64  `json:"rotation,omitempty"`
	Normal   []float64 `json:"normal,omitempty"`

	WidthSubdivisions  *int `json:"widthSubdivisions,omitempty"`
	HeightSubdivisions *int `json:"heightSubdivisions,omitempty"`

	// Grid-data fields.
	Origin         []float64 `json:"origin,omitempty"`
	DX             *float64  `json:"dx,omitempty"`
	DY             *float64  `json:"dy,omitempty"`
	GridWidth      *int      `json:"gridWidth,omitempty"`
	Values         []float64 `json:"values,omitempty"`
	Interpretation string    `json:"interpretation,omitempty"`

	// Heatmap fields.
	ColorRange     []string  `json:"colorRange,omitempty"`
	RangeValues    []float64 `json:"rangeValues,omitempty"`
	NormalizeRange *bool     `json:"normalizeRange,omitempty"`

	// Style common to every variant.
	Label     *Label   `json:"label,omitempty"`
	LineColor string   `json:"lineColor,omitempty"`
	LineWidth *float64 `json:"lineWidth,omitempty"`
	FillColor string   `json:"fillColor,omitempty"`
	Group     *string  `json:"group,omitempty"`

	// User is free-form caller data, never interpreted by the store.
	User map[string]any `json:"user,omitempty"`
}

// Label annotates an element with on-canvas text.
type Label struct {
	Value      string   `json:"value"`
	Visibility string   `json:"visibility,omitempty"` // hidden, always, onhover
	FontSize   *float64 `json:"fontSize,omitempty"`
	Color      string   `json:"color,omitempty"`
}

// Grid-data interpretations.
var gridInterpretations = map[string]bool{
	"heatmap":    true,
	"contour":    true,
	"choropleth": true,
}

var colorPattern = regexp.MustCompile(
	`^(#[0-9a-fA-F]{3}|#[0-9a-fA-F]{6}|` +
		`rgb\(\d+,\s*\d+,\s*\d+\)|` +
		`rgba\(\d+,\s*\d+,\s*\d+,\s*(\d+(\.\d+)?|\.\d+)\))$`)

// IsColor reports whether s is an accepted color literal:
// #rgb, #rrggbb, rgb(r,g,b) or rgba(r,g,b,a).
func IsColor(s string) bool {
	return colorPattern.MatchString(s)
}

func requirePoint3(name string, p []float64) error {
	if len(p) != 3 {
		return fmt.Errorf("%s must be a 3-tuple, got %d values", name, len(p))
	}
	return nil
}

// Validate checks the per-variant geometric constraints plus the common
// style fields.
func (e *Element) Validate() error {
	if e.ID != "" && !IsID(e.ID) {
		return fmt.Errorf("invalid element id %q", e.ID)
	}
	if err := e.validateStyle(); err != nil {
		return err
	}

	switch e.Type {
	case ElementPoint:
		return requirePoint3("center", e.Center)
	case ElementArrow:
		if len(e.Points) != 2 {
			return fmt.Errorf("arrow requires exactly 2 points, got %d", len(e.Points))
		}
		return e.validatePointList(3)
	case ElementCircle:
		if err := requirePoint3("center", e.Center); err != nil {
			return err
		}
		if e.Radius == nil || *e.Radius < 0 {
			return fmt.Errorf("circle requires a non-negative radius")
		}
		return nil
	case ElementPolyline:
		if len(e.Points) < 2 {
			return fmt.Errorf("polyline requires at least 2 points, got %d", len(e.Points))
		}
		if err := e.validatePointList(3); err != nil {
			return err
		}
		for hi, hole := range e.Holes {
			for pi, p := range hole {
				if len(p) != 3 {
					return fmt.Errorf("holes[%d][%d] must be a 3-tuple", hi, pi)
				}
			}
		}
		return nil
	case ElementRectangle, ElementEllipse:
		return e.validateRectangular()
	case ElementRectangleGrid:
		if err := e.validateRectangular(); err != nil {
			return err
		}
		if e.WidthSubdivisions == nil || *e.WidthSubdivisions < 1 {
			return fmt.Errorf("rectanglegrid requires widthSubdivisions >= 1")
		}
		if e.HeightSubdivisions == nil || *e.HeightSubdivisions < 1 {
			return fmt.Errorf("rectanglegrid requires heightSubdivisions >= 1")
		}
		return nil
	case ElementHeatmap:
		if e.Radius == nil || *e.Radius <= 0 {
			return fmt.Errorf("heatmap requires a positive radius")
		}
		for i, p := range e.Points {
			if len(p) != 4 {
				return fmt.Errorf("heatmap points[%d] must be [x,y,z,value]", i)
			}
		}
		for _, c := range e.ColorRange {
			if !IsColor(c) {
				return fmt.Errorf("invalid color %q in colorRange", c)
			}
		}
		return nil
	case ElementGridData:
		if err := requirePoint3("origin", e.Origin); err != nil {
			return err
		}
		if e.DX == nil || e.DY == nil {
			return fmt.Errorf("griddata requires dx and dy")
		}
		if e.GridWidth == nil || *e.GridWidth < 1 {
			return fmt.Errorf("griddata requires gridWidth >= 1")
		}
		if len(e.Values) == 0 {
			return fmt.Errorf("griddata requires values")
		}
		if e.Interpretation != "" && !gridInterpretations[e.Interpretation] {
			return fmt.Errorf("invalid griddata interpretation %q", e.Interpretation)
		}
		return nil
	default:
		return fmt.Errorf("unknown element type %q", e.Type)
	}
}

func (e *Element) validatePointList(width int) error {
	for i, p := range e.Points {
		if len(p) != width {
			return fmt.Errorf("points[%d] must be a %d-tuple, got %d values", i, width, len(p))
		}
	}
	return nil
}

func (e *Element) validateRectangular() error {
	if err := requirePoint3("center", e.Center); err != nil {
		return err
	}
	if e.Width == nil || *e.Width < 0 {
		return fmt.Errorf("%s requires a non-negative width", e.Type)
	}
	if e.Height == nil || *e.Height < 0 {
		return fmt.Errorf("%s requires a non-negative height", e.Type)
	}
	if e.Normal != nil {
		if err := requirePoint3("normal", e.Normal); err != nil {
			return err
		}
	}
	return nil
}

func (e *Element) validateStyle() error {
	if e.LineColor != "" && !IsColor(e.LineColor) {
		return fmt.Errorf("invalid lineColor %q", e.LineColor)
	}
	if e.FillColor != "" && !IsColor(e.FillColor) {
		return fmt.Errorf("invalid fillColor %q", e.FillColor)
	}
	if e.LineWidth != nil && *e.LineWidth < 0 {
		return fmt.Errorf("lineWidth must be non-negative")
	}
	if e.Label != nil {
		switch e.Label.Visibility {
		case "", "hidden", "always", "onhover":
		default:
			return fmt.Errorf("invalid label visibility %q", e.Label.Visibility)
		}
		if e.Label.FontSize != nil && *e.Label.FontSize <= 0 {
			return fmt.Errorf("label fontSize must be positive")
		}
		if e.Label.Color != "" && !IsColor(e.Label.Color) {
			return fmt.Errorf("invalid label color %q", e.Label.Color)
		}
	}
	return nil
}

// BBox is the precomputed axis-aligned bounding box of an element plus its
// complexity (details) and diagonal (size).
type BBox struct {
	LowX    float64 `json:"lowx"`
	LowY    float64 `json:"lowy"`
	LowZ    float64 `json:"lowz"`
	HighX   float64 `json:"highx"`
	HighY   float64 `json:"highy"`
	HighZ   float64 `json:"highz"`
	Size    float64 `json:"size"`
	Details int64   `json:"details"`
}
