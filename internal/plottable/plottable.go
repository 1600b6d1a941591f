// Package plottable discovers numeric and categorical columns across the
// folder, item, annotation and element scopes of an image item, then
// materializes them as a dense row-major table for charting.
package plottable

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slidelab/slideannot/internal/query"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// Aggregation limits. The scan deliberately over-collects and reduces,
// because column presence across heterogeneous items is only known after one
// sweep.
const (
	MaxItems              = 1000
	MaxAnnotationElements = 10000
	MaxDistinct           = 20
)

// AllAnnotations and AllItems are the wildcard selectors of the scan input.
const (
	AllAnnotations = "__all__"
	AllItems       = "__all__"
)

// Source is the slice of the store the aggregator reads.
type Source interface {
	GetItem(ctx context.Context, id string) (*types.Item, error)
	GetFolder(ctx context.Context, id string) (*types.Folder, error)
	SiblingItems(ctx context.Context, itemID string) ([]*types.Item, error)
	FindByItem(ctx context.Context, itemID string, opts storage.ListOptions) ([]*types.Annotation, error)
	LoadAll(ctx context.Context, id string, region *query.Region) (*types.Annotation, *query.Info, error)
}

// ScanInput selects what one scan covers.
type ScanInput struct {
	ItemID string
	// Annotations is a list of annotation ids, or ["__all__"] for every live
	// annotation of the covered items. Empty means no annotation columns.
	Annotations []string
	// AdjacentItems widens the scan to the item's folder siblings: "" for
	// none, "true" or "__all__" to include them.
	AdjacentItems string
}

// Ref records one place a column's values came from.
type Ref struct {
	Root   string `json:"root"`
	Field  string `json:"field"`
	Source string `json:"source"`
}

// Column is one discovered plottable column.
type Column struct {
	Key           string    `json:"key"`
	Type          string    `json:"type"` // number or string
	Title         string    `json:"title"`
	Count         int       `json:"count"`
	Distinct      []any     `json:"distinct,omitempty"`
	DistinctCount int       `json:"distinctcount,omitempty"`
	Min           *float64  `json:"min,omitempty"`
	Max           *float64  `json:"max,omitempty"`
	Where         []Ref     `json:"-"`
}

// rowKey orders table rows: adjacent item first, then annotation, then the
// per-annotation element row.
type rowKey struct {
	item  int
	annot int
	row   int
}

// cell is one collected value before typing is settled.
type cell struct {
	num   float64
	str   string
	isNum bool
}

// Scan holds the discovery result plus the sparse values that back
// materialization.
type Scan struct {
	columns []*Column
	byKey   map[string]*Column
	values  map[string]map[rowKey]cell
}

// Aggregator runs plottable scans against a store.
type Aggregator struct {
	src Source
	log *zap.Logger
}

// New builds an aggregator. A nil logger disables logging.
func New(src Source, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{src: src, log: log}
}

// aliasKeys canonicalizes the common spellings of the element bbox columns.
var aliasKeys = map[string]string{
	"min_x": "_bbox.x0", "low_x": "_bbox.x0", "minx": "_bbox.x0", "lowx": "_bbox.x0", "x0": "_bbox.x0",
	"min_y": "_bbox.y0", "low_y": "_bbox.y0", "miny": "_bbox.y0", "lowy": "_bbox.y0", "y0": "_bbox.y0",
	"max_x": "_bbox.x1", "high_x": "_bbox.x1", "maxx": "_bbox.x1", "highx": "_bbox.x1", "x1": "_bbox.x1",
	"max_y": "_bbox.y1", "high_y": "_bbox.y1", "maxy": "_bbox.y1", "highy": "_bbox.y1", "y1": "_bbox.y1",
}

// columnKey builds the canonical key for a (root, field, source) triple.
func columnKey(root, field, source string) string {
	lower := strings.ToLower(field)
	if canonical, ok := aliasKeys[lower]; ok {
		return canonical
	}
	return strings.ToLower(fmt.Sprintf("%s.%s.%s", root, field, source))
}

// Scan runs phase 1: walk the covered scopes, discover columns and collect
// their sparse values.
func (a *Aggregator) Scan(ctx context.Context, in ScanInput) (*Scan, error) {
	item, err := a.src.GetItem(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}
	folder, err := a.src.GetFolder(ctx, item.FolderID)
	if err != nil {
		return nil, err
	}

	items := []*types.Item{item}
	if in.AdjacentItems == "true" || in.AdjacentItems == AllItems {
		siblings, err := a.src.SiblingItems(ctx, in.ItemID)
		if err != nil {
			return nil, err
		}
		items = append(items, siblings...)
		if len(items) > MaxItems {
			items = items[:MaxItems]
		}
	}

	s := &Scan{
		byKey:  map[string]*Column{},
		values: map[string]map[rowKey]cell{},
	}

	for fk, fv := range folder.Meta {
		s.add("folder", fk, "meta", rowKey{}, fv)
	}
	for ii, it := range items {
		base := rowKey{item: ii}
		s.add("item", "name", "base", base, it.Name)
		s.add("item", "id", "base", base, it.ID)
		for mk, mv := range it.Meta {
			s.add("item", mk, "meta", base, mv)
		}
	}

	if len(in.Annotations) > 0 {
		if err := a.scanAnnotations(ctx, s, items, in.Annotations); err != nil {
			return nil, err
		}
	}
	s.finalize()
	return s, nil
}

// scanAnnotations collects annotation attributes and the element bbox
// columns of every selected annotation across the covered items. Items are
// scanned concurrently; collection into the scan stays single-threaded.
func (a *Aggregator) scanAnnotations(ctx context.Context, s *Scan, items []*types.Item, selected []string) error {
	all := len(selected) == 1 && selected[0] == AllAnnotations
	wanted := map[string]bool{}
	for _, id := range selected {
		wanted[id] = true
	}

	loaded := make([][]*types.Annotation, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for ii, it := range items {
		g.Go(func() error {
			headers, err := a.src.FindByItem(gctx, it.ID, storage.ListOptions{})
			if err != nil {
				return err
			}
			var docs []*types.Annotation
			for _, h := range headers {
				if !all && !wanted[h.ID] {
					continue
				}
				full, _, err := a.src.LoadAll(gctx, h.ID, &query.Region{Limit: MaxAnnotationElements})
				if err != nil {
					a.log.Warn("skipping unreadable annotation",
						zap.String("annotation", h.ID), zap.Error(err))
					continue
				}
				docs = append(docs, full)
			}
			loaded[ii] = docs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	annotIdx := 0
	for ii, docs := range loaded {
		for _, full := range docs {
			annotIdx++
			base := rowKey{item: ii, annot: annotIdx}
			s.add("annotation", "name", "base", base, full.Annotation.Name)
			for ak, av := range full.Annotation.Attributes {
				s.add("annotation", ak, "attributes", base, av)
			}
			for ri, el := range full.Annotation.Elements {
				if ri >= MaxAnnotationElements {
					break
				}
				key := rowKey{item: ii, annot: annotIdx, row: ri + 1}
				bb := elementBounds(el)
				s.add("annotation", "low_x", "bbox", key, bb[0])
				s.add("annotation", "low_y", "bbox", key, bb[1])
				s.add("annotation", "high_x", "bbox", key, bb[2])
				s.add("annotation", "high_y", "bbox", key, bb[3])
			}
		}
	}
	return nil
}

// elementBounds approximates the four bbox columns from element geometry.
func elementBounds(el *types.Element) [4]float64 {
	var minX, minY, maxX, maxY float64
	switch {
	case len(el.Points) > 0:
		minX, minY = el.Points[0][0], el.Points[0][1]
		maxX, maxY = minX, minY
		for _, p := range el.Points {
			if p[0] < minX {
				minX = p[0]
			}
			if p[0] > maxX {
				maxX = p[0]
			}
			if p[1] < minY {
				minY = p[1]
			}
			if p[1] > maxY {
				maxY = p[1]
			}
		}
	case len(el.Center) == 3:
		hx, hy := 0.5, 0.5
		if el.Width != nil && el.Height != nil {
			hx, hy = *el.Width/2, *el.Height/2
		} else if el.Radius != nil {
			hx, hy = *el.Radius, *el.Radius
		}
		minX, maxX = el.Center[0]-hx, el.Center[0]+hx
		minY, maxY = el.Center[1]-hy, el.Center[1]+hy
	}
	return [4]float64{minX, minY, maxX, maxY}
}

// add records one value under its canonical column, creating the column on
// first sight. Non-scalar values are ignored.
func (s *Scan) add(root, field, source string, key rowKey, value any) {
	c, ok := coerce(value)
	if !ok {
		return
	}
	ck := columnKey(root, field, source)
	col := s.byKey[ck]
	if col == nil {
		col = &Column{Key: ck, Type: "number", Title: titleOf(ck, field)}
		s.byKey[ck] = col
		s.columns = append(s.columns, col)
		s.values[ck] = map[rowKey]cell{}
	}
	ref := Ref{Root: root, Field: field, Source: source}
	if !hasRef(col.Where, ref) {
		col.Where = append(col.Where, ref)
	}
	if !c.isNum {
		col.Type = "string"
	}
	s.values[ck][key] = c
}

func hasRef(refs []Ref, r Ref) bool {
	for _, have := range refs {
		if have == r {
			return true
		}
	}
	return false
}

func titleOf(key, field string) string {
	if strings.HasPrefix(key, "_bbox.") {
		return "Bounding Box " + strings.ToUpper(strings.TrimPrefix(key, "_bbox."))
	}
	return field
}

// coerce maps a scalar to a cell. Numeric strings stay numbers; booleans
// become 0/1 numerically but keep their string form.
func coerce(v any) (cell, bool) {
	switch t := v.(type) {
	case float64:
		return cell{num: t, isNum: true}, true
	case float32:
		return cell{num: float64(t), isNum: true}, true
	case int:
		return cell{num: float64(t), isNum: true}, true
	case int64:
		return cell{num: float64(t), isNum: true}, true
	case bool:
		n := 0.0
		if t {
			n = 1
		}
		return cell{num: n, str: strconv.FormatBool(t), isNum: true}, true
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return cell{num: f, str: t, isNum: true}, true
		}
		return cell{str: t}, true
	default:
		return cell{}, false
	}
}

// finalize settles column types and summary statistics after collection.
// A single non-coercible string downgrades the whole column.
func (s *Scan) finalize() {
	sort.Slice(s.columns, func(i, j int) bool { return s.columns[i].Key < s.columns[j].Key })
	for _, col := range s.columns {
		s.summarize(col)
	}
}

func (s *Scan) summarize(col *Column) {
	vals := s.values[col.Key]
	col.Count = len(vals)
	col.Min, col.Max = nil, nil
	distinct := map[string]any{}
	for _, c := range vals {
		var rendered any
		if col.Type == "number" && c.isNum {
			rendered = c.num
			if col.Min == nil || c.num < *col.Min {
				v := c.num
				col.Min = &v
			}
			if col.Max == nil || c.num > *col.Max {
				v := c.num
				col.Max = &v
			}
		} else {
			rendered = stringOf(c)
		}
		if len(distinct) <= MaxDistinct {
			distinct[fmt.Sprint(rendered)] = rendered
		}
	}
	col.DistinctCount = len(distinct)
	col.Distinct = nil
	if len(distinct) <= MaxDistinct {
		keys := make([]string, 0, len(distinct))
		for k := range distinct {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			col.Distinct = append(col.Distinct, distinct[k])
		}
	}
}

func stringOf(c cell) string {
	if c.str != "" || !c.isNum {
		return c.str
	}
	return strconv.FormatFloat(c.num, 'g', -1, 64)
}

// Columns lists the discovered columns in key order.
func (s *Scan) Columns() []*Column {
	return s.columns
}

// Table is the dense materialization of selected columns.
type Table struct {
	Columns []*Column `json:"columns"`
	Data    [][]any   `json:"data"`
}

// Data runs phase 2: union the populated row keys of the requested columns,
// emit a dense row-major table, drop rows missing any required column, and
// recompute the per-column summaries from the final table.
func (s *Scan) Data(columns, requiredColumns []string) *Table {
	var selected []*Column
	for _, key := range columns {
		if col, ok := s.byKey[strings.ToLower(key)]; ok {
			selected = append(selected, col)
		}
	}

	keySet := map[rowKey]struct{}{}
	for _, col := range selected {
		for k := range s.values[col.Key] {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]rowKey, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.item != b.item {
			return a.item < b.item
		}
		if a.annot != b.annot {
			return a.annot < b.annot
		}
		return a.row < b.row
	})

	required := map[string]bool{}
	for _, key := range requiredColumns {
		required[strings.ToLower(key)] = true
	}

	out := &Table{}
	for _, col := range selected {
		copied := *col
		out.Columns = append(out.Columns, &copied)
	}

	// Scope fallback: a folder or item level value fills every row beneath
	// that scope.
	lookup := func(col *Column, k rowKey) (cell, bool) {
		vals := s.values[col.Key]
		for _, probe := range []rowKey{k, {item: k.item, annot: k.annot}, {item: k.item}, {}} {
			if c, ok := vals[probe]; ok {
				return c, true
			}
		}
		return cell{}, false
	}

rows:
	for _, k := range keys {
		row := make([]any, len(selected))
		for ci, col := range selected {
			c, ok := lookup(col, k)
			if !ok {
				if required[col.Key] {
					continue rows
				}
				row[ci] = nil
				continue
			}
			if col.Type == "number" && c.isNum {
				row[ci] = c.num
			} else {
				row[ci] = stringOf(c)
			}
		}
		out.Data = append(out.Data, row)
	}

	// Recompute summaries over the final table.
	for ci, col := range out.Columns {
		recount(col, out.Data, ci)
	}
	return out
}

func recount(col *Column, data [][]any, ci int) {
	col.Count = 0
	col.Min, col.Max = nil, nil
	distinct := map[string]any{}
	for _, row := range data {
		v := row[ci]
		if v == nil {
			continue
		}
		col.Count++
		if n, ok := v.(float64); ok {
			if col.Min == nil || n < *col.Min {
				m := n
				col.Min = &m
			}
			if col.Max == nil || n > *col.Max {
				m := n
				col.Max = &m
			}
		}
		if len(distinct) <= MaxDistinct {
			distinct[fmt.Sprint(v)] = v
		}
	}
	col.DistinctCount = len(distinct)
	col.Distinct = nil
	if len(distinct) <= MaxDistinct {
		keys := make([]string, 0, len(distinct))
		for k := range distinct {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			col.Distinct = append(col.Distinct, distinct[k])
		}
	}
}
