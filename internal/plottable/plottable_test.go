package plottable

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidelab/slideannot/internal/query"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

type fakeSource struct {
	folders     map[string]*types.Folder
	items       map[string]*types.Item
	annotations map[string][]*types.Annotation // by item id
}

func (f *fakeSource) GetItem(_ context.Context, id string) (*types.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return item, nil
}

func (f *fakeSource) GetFolder(_ context.Context, id string) (*types.Folder, error) {
	folder, ok := f.folders[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return folder, nil
}

func (f *fakeSource) SiblingItems(_ context.Context, itemID string) ([]*types.Item, error) {
	self := f.items[itemID]
	var out []*types.Item
	for _, it := range f.items {
		if it.ID != itemID && it.FolderID == self.FolderID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeSource) FindByItem(_ context.Context, itemID string, _ storage.ListOptions) ([]*types.Annotation, error) {
	return f.annotations[itemID], nil
}

func (f *fakeSource) LoadAll(_ context.Context, id string, _ *query.Region) (*types.Annotation, *query.Info, error) {
	for _, list := range f.annotations {
		for _, a := range list {
			if a.ID == id {
				return a, &query.Info{}, nil
			}
		}
	}
	return nil, nil, storage.ErrNotFound
}

func fp(v float64) *float64 { return &v }

func fixture() (*fakeSource, string) {
	folder := &types.Folder{
		ID:   types.NewID(),
		Name: "cohort",
		Meta: map[string]any{"cohort": "TCGA", "caseCount": 12.0},
	}
	item := &types.Item{
		ID:       types.NewID(),
		Name:     "slide1.svs",
		FolderID: folder.ID,
		Meta:     map[string]any{"stain": "H&E", "magnification": 40.0},
	}
	sibling := &types.Item{
		ID:       types.NewID(),
		Name:     "slide2.svs",
		FolderID: folder.ID,
		Meta:     map[string]any{"magnification": 20.0},
	}
	annotation := &types.Annotation{
		ID:     types.NewID(),
		ItemID: item.ID,
		Annotation: types.AnnotationBody{
			Name:       "nuclei",
			Attributes: map[string]any{"score": 0.93},
			Elements: []*types.Element{
				{
					Type:   types.ElementRectangle,
					Center: []float64{20, 25, 0},
					Width:  fp(14), Height: fp(15),
				},
				{
					Type:   types.ElementRectangle,
					Center: []float64{100, 120, 0},
					Width:  fp(10), Height: fp(10),
				},
			},
		},
	}
	src := &fakeSource{
		folders:     map[string]*types.Folder{folder.ID: folder},
		items:       map[string]*types.Item{item.ID: item, sibling.ID: sibling},
		annotations: map[string][]*types.Annotation{item.ID: {annotation}},
	}
	return src, item.ID
}

func TestScanDiscoversColumns(t *testing.T) {
	src, itemID := fixture()
	agg := New(src, nil)

	scan, err := agg.Scan(context.Background(), ScanInput{
		ItemID:      itemID,
		Annotations: []string{AllAnnotations},
	})
	require.NoError(t, err)

	byKey := map[string]*Column{}
	for _, col := range scan.Columns() {
		byKey[col.Key] = col
	}

	require.Contains(t, byKey, "item.name.base")
	require.Contains(t, byKey, "folder.cohort.meta")
	require.Contains(t, byKey, "item.magnification.meta")
	require.Contains(t, byKey, "annotation.score.attributes")
	require.Contains(t, byKey, "_bbox.x0", "bbox aliases canonicalize")
	require.Contains(t, byKey, "_bbox.y1")

	assert.Equal(t, "string", byKey["item.name.base"].Type)
	assert.Equal(t, "number", byKey["item.magnification.meta"].Type)
	assert.Equal(t, "number", byKey["_bbox.x0"].Type)
	assert.Equal(t, 2, byKey["_bbox.x0"].Count, "one value per element")
	require.NotNil(t, byKey["_bbox.x0"].Min)
	assert.InDelta(t, 13, *byKey["_bbox.x0"].Min, 1e-9)
	assert.InDelta(t, 95, *byKey["_bbox.x0"].Max, 1e-9)
}

func TestStringValueDowngradesColumn(t *testing.T) {
	src, itemID := fixture()
	src.items[itemID].Meta["grade"] = "high"
	agg := New(src, nil)

	scan, err := agg.Scan(context.Background(), ScanInput{ItemID: itemID})
	require.NoError(t, err)

	var grade *Column
	for _, col := range scan.Columns() {
		if col.Key == "item.grade.meta" {
			grade = col
		}
	}
	require.NotNil(t, grade)
	assert.Equal(t, "string", grade.Type)
	assert.Equal(t, []any{"high"}, grade.Distinct)
}

func TestAdjacentItemsWidenTheScan(t *testing.T) {
	src, itemID := fixture()
	agg := New(src, nil)

	solo, err := agg.Scan(context.Background(), ScanInput{ItemID: itemID})
	require.NoError(t, err)
	widened, err := agg.Scan(context.Background(), ScanInput{
		ItemID: itemID, AdjacentItems: "true",
	})
	require.NoError(t, err)

	count := func(s *Scan, key string) int {
		for _, col := range s.Columns() {
			if col.Key == key {
				return col.Count
			}
		}
		return 0
	}
	assert.Equal(t, 1, count(solo, "item.magnification.meta"))
	assert.Equal(t, 2, count(widened, "item.magnification.meta"))
}

func TestDataMaterialization(t *testing.T) {
	src, itemID := fixture()
	agg := New(src, nil)

	scan, err := agg.Scan(context.Background(), ScanInput{
		ItemID:      itemID,
		Annotations: []string{AllAnnotations},
	})
	require.NoError(t, err)

	table := scan.Data([]string{"item.name.base", "_bbox.x0", "_bbox.x1"}, nil)
	require.Len(t, table.Columns, 3)
	// One row per element plus the item-level row.
	require.Len(t, table.Data, 3)

	// Item-scope values fill every row beneath the item.
	for _, row := range table.Data {
		assert.Equal(t, "slide1.svs", row[0])
	}
	// The pure item row has no bbox values.
	assert.Nil(t, table.Data[0][1])
	assert.InDelta(t, 13, table.Data[1][1].(float64), 1e-9)

	// Required columns drop the sparse rows.
	strict := scan.Data([]string{"item.name.base", "_bbox.x0"}, []string{"_bbox.x0"})
	require.Len(t, strict.Data, 2)
	assert.Equal(t, 2, strict.Columns[1].Count)
}

func TestDistinctCapping(t *testing.T) {
	src, itemID := fixture()
	ann := src.annotations[itemID][0]
	ann.Annotation.Elements = nil
	for i := 0; i < MaxDistinct+5; i++ {
		ann.Annotation.Elements = append(ann.Annotation.Elements, &types.Element{
			Type:   types.ElementRectangle,
			Center: []float64{float64(i * 10), 0, 0},
			Width:  fp(2), Height: fp(2),
		})
	}
	agg := New(src, nil)
	scan, err := agg.Scan(context.Background(), ScanInput{
		ItemID: itemID, Annotations: []string{AllAnnotations},
	})
	require.NoError(t, err)

	for _, col := range scan.Columns() {
		if col.Key == "_bbox.x0" {
			assert.Nil(t, col.Distinct, "over the cap the distinct list is withheld")
			assert.Greater(t, col.DistinctCount, MaxDistinct)
			return
		}
	}
	t.Fatalf("missing _bbox.x0 column: %v", fmt.Sprint(scan.Columns()))
}
