// Package query translates region descriptors into element cursor plans.
package query

import (
	"fmt"
	"net/url"
	"strconv"
)

// Region describes a spatial / level-of-detail element query. Nil pointer
// fields mean the constraint is absent.
type Region struct {
	Left   *float64
	Right  *float64
	Top    *float64
	Bottom *float64
	Low    *float64
	High   *float64

	MinimumSize *float64

	Sort    string
	SortDir int // +1 or -1; default +1

	Limit      int64
	Offset     int64
	MaxDetails int64

	Centroids bool
}

// Plan is a store-ready cursor description: SQL fragments over the element
// bbox columns plus the pagination and detail budget.
type Plan struct {
	Where   []string
	Args    []any
	OrderBy string

	// Limit is the effective row cap: min(limit, maxDetails) when both are
	// set, since every element contributes at least one detail.
	Limit      int64
	Offset     int64
	MaxDetails int64
	Centroids  bool
}

// sortColumns maps recognized sort keys to element columns. Unknown keys
// fall back to id.
var sortColumns = map[string]string{
	"size":    "size",
	"details": "details",
	"id":      "id",
	"created": "created",
	"version": "version",
}

// Plan builds the cursor plan for the region. A nil region plans an
// unfiltered cursor in insertion order.
func (r *Region) Plan() Plan {
	var p Plan
	if r == nil {
		p.OrderBy = "id ASC"
		return p
	}

	add := func(clause string, v *float64) {
		if v != nil {
			p.Where = append(p.Where, clause)
			p.Args = append(p.Args, *v)
		}
	}
	add("highx >= ?", r.Left)
	add("lowx < ?", r.Right)
	add("highy >= ?", r.Top)
	add("lowy < ?", r.Bottom)
	add("highz >= ?", r.Low)
	add("lowz < ?", r.High)

	// size is never negative, so a zero or negative threshold is vacuous.
	if r.MinimumSize != nil && *r.MinimumSize > 0 {
		p.Where = append(p.Where, "size >= ?")
		p.Args = append(p.Args, *r.MinimumSize)
	}

	col, ok := sortColumns[r.Sort]
	if !ok {
		col = "id"
	}
	dir := "ASC"
	if r.SortDir < 0 {
		dir = "DESC"
	}
	if col == "id" {
		p.OrderBy = fmt.Sprintf("id %s", dir)
	} else {
		// Secondary id keeps the order stable under ties on the sort key.
		p.OrderBy = fmt.Sprintf("%s %s, id ASC", col, dir)
	}

	p.Limit = r.Limit
	p.Offset = r.Offset
	p.MaxDetails = r.MaxDetails
	if r.MaxDetails > 0 && (p.Limit == 0 || r.MaxDetails < p.Limit) {
		p.Limit = r.MaxDetails
	}
	p.Centroids = r.Centroids
	return p
}

// Info is the side channel reported alongside an element cursor, serialized
// as the _elementQuery object of a response.
type Info struct {
	Count      int64    `json:"count"`
	Offset     int64    `json:"offset"`
	Returned   int64    `json:"returned"`
	Details    int64    `json:"details"`
	Filter     string   `json:"filter"`
	Sort       string   `json:"sort"`
	SortDir    int      `json:"sortdir,omitempty"`
	Limit      int64    `json:"limit,omitempty"`
	MaxDetails int64    `json:"maxDetails,omitempty"`
	Centroids  bool     `json:"centroids,omitempty"`
	Props      []Prop   `json:"props,omitempty"`
	PropsKeys  []string `json:"propskeys,omitempty"`
}

// Prop is one deduplicated style tuple referenced by centroid records.
type Prop struct {
	Type      string   `json:"type"`
	FillColor string   `json:"fillColor,omitempty"`
	LineColor string   `json:"lineColor,omitempty"`
	LineWidth *float64 `json:"lineWidth,omitempty"`
	Closed    *bool    `json:"closed,omitempty"`
}

// PropKeys names the columns of a Prop tuple, in order.
var PropKeys = []string{"type", "fillColor", "lineColor", "lineWidth", "closed"}

// NewInfo seeds the side channel from the region that produced the plan.
func NewInfo(r *Region) *Info {
	info := &Info{Sort: "id"}
	if r == nil {
		return info
	}
	if r.Sort != "" {
		info.Sort = r.Sort
	}
	if r.SortDir < 0 {
		info.SortDir = -1
	}
	info.Offset = r.Offset
	info.Limit = r.Limit
	info.MaxDetails = r.MaxDetails
	info.Centroids = r.Centroids
	info.Filter = r.describe()
	return info
}

func (r *Region) describe() string {
	s := ""
	appendf := func(name string, v *float64) {
		if v != nil {
			if s != "" {
				s += ","
			}
			s += fmt.Sprintf("%s=%g", name, *v)
		}
	}
	appendf("left", r.Left)
	appendf("right", r.Right)
	appendf("top", r.Top)
	appendf("bottom", r.Bottom)
	appendf("low", r.Low)
	appendf("high", r.High)
	appendf("minimumSize", r.MinimumSize)
	return s
}

// ParseRegion reads the recognized region keys out of URL query parameters.
// Unknown keys are ignored; malformed values are errors.
func ParseRegion(values url.Values) (*Region, error) {
	r := &Region{SortDir: 1}
	seen := false

	float := func(key string) (*float64, error) {
		s := values.Get(key)
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q", key, s)
		}
		seen = true
		return &v, nil
	}
	integer := func(key string) (int64, error) {
		s := values.Get(key)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid %s value %q", key, s)
		}
		seen = true
		return v, nil
	}

	var err error
	if r.Left, err = float("left"); err != nil {
		return nil, err
	}
	if r.Right, err = float("right"); err != nil {
		return nil, err
	}
	if r.Top, err = float("top"); err != nil {
		return nil, err
	}
	if r.Bottom, err = float("bottom"); err != nil {
		return nil, err
	}
	if r.Low, err = float("low"); err != nil {
		return nil, err
	}
	if r.High, err = float("high"); err != nil {
		return nil, err
	}
	if r.MinimumSize, err = float("minimumSize"); err != nil {
		return nil, err
	}
	if r.Limit, err = integer("limit"); err != nil {
		return nil, err
	}
	if r.Offset, err = integer("offset"); err != nil {
		return nil, err
	}
	if r.MaxDetails, err = integer("maxDetails"); err != nil {
		return nil, err
	}
	if s := values.Get("sort"); s != "" {
		r.Sort = s
		seen = true
	}
	if s := values.Get("sortdir"); s != "" {
		switch s {
		case "1", "+1":
			r.SortDir = 1
		case "-1":
			r.SortDir = -1
		default:
			return nil, fmt.Errorf("invalid sortdir value %q", s)
		}
		seen = true
	}
	if s := values.Get("centroids"); s != "" && s != "0" && s != "false" {
		r.Centroids = true
		seen = true
	}
	if !seen {
		return nil, nil
	}
	return r, nil
}
