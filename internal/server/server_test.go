package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/slidelab/slideannot/internal/storage/sqlite"
	"github.com/slidelab/slideannot/internal/types"
)

type testEnv struct {
	srv      *Server
	mux      http.Handler
	store    *sqlite.Store
	itemID   string
	folderID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", sqlite.Options{
		History: true,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	folder, err := store.CreateFolder(context.Background(), &types.Folder{
		Name: "cohort",
		Access: &types.ACL{Users: []types.AccessEntry{
			{ID: "alice", Level: types.AccessAdmin},
			{ID: "bob", Level: types.AccessRead},
		}},
	})
	require.NoError(t, err)
	item, err := store.CreateItem(context.Background(), &types.Item{
		Name: "slide.svs", FolderID: folder.ID,
	})
	require.NoError(t, err)

	srv := New(store, Options{Log: zaptest.NewLogger(t)})
	return &testEnv{
		srv: srv, mux: srv.Routes(), store: store,
		itemID: item.ID, folderID: folder.ID,
	}
}

// do runs one request as the given user and returns the recorder.
func (e *testEnv) do(t *testing.T, method, target, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if user != "" {
		if user == "admin" {
			req.Header.Set("X-User-Admin", "true")
		}
		req.Header.Set("X-User-Id", user)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func annotationBody(elements ...map[string]any) map[string]any {
	if elements == nil {
		elements = []map[string]any{}
	}
	return map[string]any{
		"name":     "nuclei",
		"elements": elements,
	}
}

func rectElement(cx, cy float64) map[string]any {
	return map[string]any{
		"type":   "rectangle",
		"center": []float64{cx, cy, 0},
		"width":  14.0,
		"height": 15.0,
	}
}

func (e *testEnv) createAnnotation(t *testing.T, elements ...map[string]any) string {
	t.Helper()
	rec := e.do(t, "POST", "/annotation?itemId="+e.itemID, "alice", annotationBody(elements...))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var a types.Annotation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	return a.ID
}

func TestCreateAndGetAnnotation(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(20, 25), rectElement(100, 120))

	rec := e.do(t, "GET", "/annotation/"+id, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	body := doc["annotation"].(map[string]any)
	assert.Equal(t, "nuclei", body["name"])
	assert.Len(t, body["elements"], 2)
	eq := doc["_elementQuery"].(map[string]any)
	assert.EqualValues(t, 2, eq["returned"])
}

func TestCreateRejectsInvalidPayload(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, "POST", "/annotation?itemId="+e.itemID, "alice", map[string]any{
		"name":     "bad",
		"elements": []map[string]any{{"type": "rectangle"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = e.do(t, "POST", "/annotation", "alice", annotationBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccessEnforcement(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(0, 0))

	// bob holds folder read, inherited into the annotation's record.
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/annotation/"+id, "bob", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		e.do(t, "DELETE", "/annotation/"+id, "bob", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		e.do(t, "GET", "/annotation/"+id, "mallory", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		e.do(t, "POST", "/annotation?itemId="+e.itemID, "bob", annotationBody()).Code)

	// Site admins pass everything.
	assert.Equal(t, http.StatusNoContent, e.do(t, "DELETE", "/annotation/"+id, "admin", nil).Code)
}

func TestRegionQueryParameters(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(20, 25), rectElement(500, 500))

	rec := e.do(t, "GET",
		"/annotation/"+id+"?left=0&right=100&top=0&bottom=100", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Len(t, doc["annotation"].(map[string]any)["elements"], 1)

	rec = e.do(t, "GET", "/annotation/"+id+"?left=abc", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCentroidResponse(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(20, 25))

	rec := e.do(t, "GET", "/annotation/"+id+"?centroids=true", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"props":`)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte{0}),
		"binary payload is framed by null bytes")
}

func TestUpdatePreservesElementsWithoutKey(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(20, 25))

	rec := e.do(t, "PUT", "/annotation/"+id, "alice", map[string]any{"name": "renamed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "GET", "/annotation/"+id, "alice", nil)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	body := doc["annotation"].(map[string]any)
	assert.Equal(t, "renamed", body["name"])
	assert.Len(t, body["elements"], 1, "elements survive a metadata-only update")
}

func TestUpdateWithElementsWritesNewVersion(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(20, 25))

	rec := e.do(t, "PUT", "/annotation/"+id, "alice",
		annotationBody(rectElement(1, 1), rectElement(2, 2), rectElement(3, 3)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "GET", "/annotation/"+id+"/history", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Len(t, versions, 2)
}

func TestHistoryFetchAndRevert(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(20, 25))
	rec := e.do(t, "PUT", "/annotation/"+id, "alice", annotationBody(rectElement(1, 1), rectElement(2, 2)))
	require.Equal(t, http.StatusOK, rec.Code)

	var versions []types.Annotation
	rec = e.do(t, "GET", "/annotation/"+id+"/history", "alice", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	first := versions[len(versions)-1].Version

	rec = e.do(t, "GET", fmt.Sprintf("/annotation/%s/history/%d", id, first), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Len(t, doc["annotation"].(map[string]any)["elements"], 1)

	rec = e.do(t, "PUT", "/annotation/"+id+"/history/revert", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = e.do(t, "GET", "/annotation/"+id, "alice", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Len(t, doc["annotation"].(map[string]any)["elements"], 1, "reverted to the one-element version")
}

func TestAccessSubresource(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(0, 0))

	rec := e.do(t, "GET", "/annotation/"+id+"/access", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc accessDocument
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.NotNil(t, doc.Access)

	doc.Public = true
	rec = e.do(t, "PUT", "/annotation/"+id+"/access", "alice", doc)
	require.Equal(t, http.StatusOK, rec.Code)

	// Public read now works for strangers.
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/annotation/"+id, "mallory", nil).Code)
	// But the access subresource stays admin-only.
	assert.Equal(t, http.StatusForbidden, e.do(t, "GET", "/annotation/"+id+"/access", "bob", nil).Code)
}

func TestCopyAnnotation(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(20, 25))

	rec := e.do(t, "POST", "/annotation/"+id+"/copy", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var clone types.Annotation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clone))
	assert.NotEqual(t, id, clone.ID)
	assert.Equal(t, e.itemID, clone.ItemID)

	rec = e.do(t, "GET", "/annotation?itemId="+e.itemID, "alice", nil)
	var headers []types.Annotation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &headers))
	assert.Len(t, headers, 2)
}

func TestItemEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(20, 25))

	// Bulk upload of two more documents.
	rec := e.do(t, "POST", "/annotation/item/"+e.itemID, "alice",
		[]map[string]any{annotationBody(rectElement(1, 1)), annotationBody(rectElement(2, 2))})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "GET", "/annotation/item/"+e.itemID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	assert.Len(t, docs, 3)

	rec = e.do(t, "DELETE", "/annotation/item/"+e.itemID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":3}`, rec.Body.String())

	rec = e.do(t, "GET", "/annotation?itemId="+e.itemID, "alice", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestItemGeoJSONRoundTrip(t *testing.T) {
	e := newTestEnv(t)

	fc := map[string]any{
		"type": "FeatureCollection",
		"features": []map[string]any{{
			"type": "Feature",
			"geometry": map[string]any{
				"type":        "Point",
				"coordinates": []float64{12.5, 7.25},
			},
			"properties": map[string]any{},
		}},
	}
	rec := e.do(t, "POST", "/annotation/item/"+e.itemID+"?name=imported", "alice", fc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var a types.Annotation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &a))
	assert.Equal(t, "imported", a.Annotation.Name)

	rec = e.do(t, "GET", "/annotation/item/"+e.itemID+"?format=geojson", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "FeatureCollection", out["type"])
	assert.Len(t, out["features"], 1)
}

func TestSchemaEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, "GET", "/annotation/schema", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rectangle")
}

func TestAnnotationActionRouting(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAnnotation(t, rectElement(0, 0))

	// The /annotation/{id}/{action} dispatcher and the literal
	// /annotation/item/... family must both resolve.
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/annotation/"+id+"/access", "alice", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/annotation/"+id+"/history", "alice", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, "GET", "/annotation/item/"+e.itemID, "alice", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", "/annotation/"+id+"/frob", "alice", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, "POST", "/annotation/"+id+"/frob", "alice", nil).Code)
}

func TestListFilters(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(0, 0))

	rec := e.do(t, "POST", "/annotation?itemId="+e.itemID, "alice", map[string]any{
		"name":        "stroma",
		"description": "fibrous region",
		"elements":    []map[string]any{rectElement(5, 5)},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	list := func(target, user string) []types.Annotation {
		rec := e.do(t, "GET", target, user, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out []types.Annotation
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	assert.Len(t, list("/annotation", "alice"), 2)

	byName := list("/annotation?name=stroma", "alice")
	require.Len(t, byName, 1)
	assert.Equal(t, "stroma", byName[0].Annotation.Name)

	byText := list("/annotation?text=fibrous", "alice")
	require.Len(t, byText, 1)
	assert.Equal(t, "stroma", byText[0].Annotation.Name)

	assert.Len(t, list("/annotation?userId=alice", "alice"), 2)
	assert.Empty(t, list("/annotation?userId=dave", "alice"))

	// Unscoped listings hide annotations the caller cannot read.
	assert.Empty(t, list("/annotation", "mallory"))
	assert.Len(t, list("/annotation?itemId="+e.itemID, "bob"), 2)

	assert.Len(t, list("/annotation?limit=1&offset=1", "alice"), 1)
}

func TestItemCopyEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(0, 0))

	rec := e.do(t, "POST", "/annotation/item/"+e.itemID+"/copy", "alice", map[string]any{
		"name":            "slide-copy.svs",
		"copyAnnotations": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Item              types.Item `json:"item"`
		CopiedAnnotations int        `json:"copiedAnnotations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "slide-copy.svs", result.Item.Name)
	assert.Equal(t, e.folderID, result.Item.FolderID)
	assert.Equal(t, 1, result.CopiedAnnotations)

	rec = e.do(t, "GET", "/annotation?itemId="+result.Item.ID, "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var headers []types.Annotation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &headers))
	require.Len(t, headers, 1)
	assert.Equal(t, "nuclei", headers[0].Annotation.Name)

	// Without copyAnnotations the copy starts clean.
	rec = e.do(t, "POST", "/annotation/item/"+e.itemID+"/copy", "alice",
		map[string]any{"name": "bare.svs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Zero(t, result.CopiedAnnotations)

	// bob holds only read on the folder.
	assert.Equal(t, http.StatusForbidden,
		e.do(t, "POST", "/annotation/item/"+e.itemID+"/copy", "bob", nil).Code)
}

func TestImagesEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(0, 0))

	rec := e.do(t, "GET", "/annotation/images", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []types.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "slide.svs", items[0].Name)

	rec = e.do(t, "GET", "/annotation/images?imageName=slide", "alice", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)

	rec = e.do(t, "GET", "/annotation/images?imageName=nomatch", "alice", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestImagesSkipInaccessibleItems(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(0, 0))

	hidden, err := e.store.CreateFolder(context.Background(), &types.Folder{Name: "private"})
	require.NoError(t, err)
	hiddenItem, err := e.store.CreateItem(context.Background(), &types.Item{
		Name: "classified.svs", FolderID: hidden.ID,
	})
	require.NoError(t, err)
	rec := e.do(t, "POST", "/annotation?itemId="+hiddenItem.ID, "admin", annotationBody(rectElement(1, 1)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, "GET", "/annotation/images", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var items []types.Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 2)

	rec = e.do(t, "GET", "/annotation/images", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1, "unreadable items stay out of the listing")
	assert.Equal(t, "slide.svs", items[0].Name)

	rec = e.do(t, "GET", "/annotation/images", "mallory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCountsRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(0, 0))

	assert.Equal(t, http.StatusForbidden, e.do(t, "GET", "/annotation/counts", "alice", nil).Code)

	rec := e.do(t, "GET", "/annotation/counts", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var counts map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.EqualValues(t, 1, counts["annotations"])
	assert.EqualValues(t, 1, counts["items"])
}

func TestCountsPerItem(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(0, 0))
	e.createAnnotation(t, rectElement(50, 50))

	ctx := context.Background()
	bare, err := e.store.CreateItem(ctx, &types.Item{
		Name: "empty.svs", FolderID: e.folderID,
	})
	require.NoError(t, err)

	hidden, err := e.store.CreateFolder(ctx, &types.Folder{Name: "private"})
	require.NoError(t, err)
	hiddenItem, err := e.store.CreateItem(ctx, &types.Item{
		Name: "hidden.svs", FolderID: hidden.ID,
	})
	require.NoError(t, err)

	target := fmt.Sprintf("/annotation/counts?items=%s,%s,%s,%s",
		e.itemID, bare.ID, hiddenItem.ID, strings.Repeat("ab", 12))
	rec := e.do(t, "GET", target, "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var counts map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.EqualValues(t, 2, counts[e.itemID])
	assert.EqualValues(t, 0, counts[bare.ID])
	_, hiddenListed := counts[hiddenItem.ID]
	assert.False(t, hiddenListed, "unreadable items are left out")
	assert.Len(t, counts, 2, "unknown ids are left out")
}

func TestPlotEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(20, 25), rectElement(100, 120))

	listTarget := "/annotation/item/" + e.itemID + "/plot/list"
	rec := e.do(t, "POST", listTarget, "bob", map[string]any{
		"annotations": []string{"__all__"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var columns []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &columns))
	keys := map[string]bool{}
	for _, col := range columns {
		keys[col["key"].(string)] = true
	}
	assert.True(t, keys["item.name.base"])
	assert.True(t, keys["_bbox.x0"])

	dataTarget := "/annotation/item/" + e.itemID + "/plot/data"
	rec = e.do(t, "POST", dataTarget, "bob", map[string]any{
		"annotations":  []string{"__all__"},
		"keys":         []string{"item.name.base", "_bbox.x0"},
		"requiredKeys": []string{"_bbox.x0"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var table struct {
		Columns []map[string]any `json:"columns"`
		Data    [][]any          `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &table))
	require.Len(t, table.Columns, 2)
	require.Len(t, table.Data, 2, "one row per element")
	assert.Equal(t, "slide.svs", table.Data[0][0])

	// Missing keys are rejected, unknown callers are denied.
	rec = e.do(t, "POST", dataTarget, "bob", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, "POST", listTarget, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOldAnnotationEndpoints(t *testing.T) {
	e := newTestEnv(t)
	e.createAnnotation(t, rectElement(0, 0))

	assert.Equal(t, http.StatusForbidden, e.do(t, "GET", "/annotation/old", "alice", nil).Code)

	rec := e.do(t, "GET", "/annotation/old?age=0", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "removedVersions")

	// Removal refuses ages below the safety floor.
	rec = e.do(t, "DELETE", "/annotation/old?age=3", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, "DELETE", "/annotation/old?age=30", "admin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFoundMapping(t *testing.T) {
	e := newTestEnv(t)
	missing := strings.Repeat("ab", 12)
	assert.Equal(t, http.StatusNotFound, e.do(t, "GET", "/annotation/"+missing, "alice", nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, "DELETE", "/annotation/"+missing, "alice", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		e.do(t, "GET", "/annotation?itemId="+missing, "alice", nil).Code)
}
