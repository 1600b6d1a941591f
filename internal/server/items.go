package server

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"

	gj "github.com/paulmach/orb/geojson"

	"github.com/slidelab/slideannot/internal/geojson"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
	"github.com/slidelab/slideannot/internal/validate"
)

// handleItemGet serves GET /annotation/item/{itemId}: every live annotation
// of the item with elements materialized. With format=geojson the elements of
// all annotations merge into one FeatureCollection.
func (s *Server) handleItemGet(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemId")
	p := principalFrom(r)
	if err := s.access.RequireItem(r.Context(), p, itemID, types.AccessRead); err != nil {
		s.writeError(w, err)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	headers, err := s.store.FindByItem(r.Context(), itemID, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	docs := make([]*types.Annotation, 0, len(headers))
	for _, h := range headers {
		full, _, err := s.store.LoadAll(r.Context(), h.ID, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		docs = append(docs, full)
	}

	if r.URL.Query().Get("format") == "geojson" {
		var elements []*types.Element
		for _, doc := range docs {
			elements = append(elements, doc.Annotation.Elements...)
		}
		fc, err := geojson.ToFeatureCollection(elements, false)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fc)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// handleItemPost serves POST /annotation/item/{itemId}. The body may be one
// annotation document, a list of documents, or a GeoJSON FeatureCollection
// (auto-detected by its type field).
func (s *Server) handleItemPost(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemId")
	p := principalFrom(r)
	if err := s.access.RequireItem(r.Context(), p, itemID, types.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &probe)
	if probe.Type == "FeatureCollection" {
		s.createFromGeoJSON(w, r, itemID, p, raw)
		return
	}

	var docs []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &docs); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
			return
		}
	} else {
		docs = []json.RawMessage{raw}
	}

	v := validate.New()
	saved := make([]*types.Annotation, 0, len(docs))
	for i, rawDoc := range docs {
		var generic map[string]any
		if err := json.Unmarshal(rawDoc, &generic); err != nil {
			s.writeError(w, fmt.Errorf("%w: document %d: %v", validate.ErrInvalid, i, err))
			return
		}
		if err := v.Annotation(generic); err != nil {
			s.writeError(w, fmt.Errorf("document %d: %w", i, err))
			return
		}
		var body types.AnnotationBody
		if err := json.Unmarshal(rawDoc, &body); err != nil {
			s.writeError(w, fmt.Errorf("%w: document %d: %v", validate.ErrInvalid, i, err))
			return
		}
		a, err := s.store.Create(r.Context(), &types.Annotation{ItemID: itemID, Annotation: body}, p)
		if err != nil {
			s.writeError(w, err)
			return
		}
		saved = append(saved, a)
	}
	writeJSON(w, http.StatusOK, saved)
}

// createFromGeoJSON converts an uploaded FeatureCollection into one new
// annotation. The name parameter overrides the default.
func (s *Server) createFromGeoJSON(w http.ResponseWriter, r *http.Request, itemID string, p types.Principal, raw []byte) {
	fc, err := gj.UnmarshalFeatureCollection(raw)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
		return
	}
	elements, err := geojson.FromFeatureCollection(fc)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "GeoJSON"
	}
	a, err := s.store.Create(r.Context(), &types.Annotation{
		ItemID:     itemID,
		Annotation: types.AnnotationBody{Name: name, Elements: elements},
	}, p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleItemCopy serves POST /annotation/item/{itemId}/copy: a new item in
// the target folder (the source's folder by default), with the source's live
// annotations cloned onto it when copyAnnotations is true. The clone runs
// through the lifecycle hooks, mirroring how an item copy lands when the
// item catalog lives elsewhere.
func (s *Server) handleItemCopy(w http.ResponseWriter, r *http.Request) {
	srcID := r.PathValue("itemId")
	p := principalFrom(r)
	if err := s.access.RequireItem(r.Context(), p, srcID, types.AccessRead); err != nil {
		s.writeError(w, err)
		return
	}
	src, err := s.store.GetItem(r.Context(), srcID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		FolderID        string `json:"folderId"`
		Name            string `json:"name"`
		CopyAnnotations bool   `json:"copyAnnotations"`
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
		return
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
			return
		}
	}
	if req.FolderID == "" {
		req.FolderID = src.FolderID
	}
	if req.Name == "" {
		req.Name = src.Name
	}
	if err := s.access.RequireFolder(r.Context(), p, req.FolderID, types.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}

	dst, err := s.store.CreateItem(r.Context(), &types.Item{
		Name:     req.Name,
		FolderID: req.FolderID,
		Meta:     maps.Clone(src.Meta),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.lifecycle.CopyPrepared(srcID, dst.ID, req.CopyAnnotations)
	copied, err := s.lifecycle.CopyCompleted(r.Context(), dst.ID, p.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"item":              dst,
		"copiedAnnotations": copied,
	})
}

// handleItemDelete serves DELETE /annotation/item/{itemId}: every live
// annotation of the item is removed.
func (s *Server) handleItemDelete(w http.ResponseWriter, r *http.Request) {
	itemID := r.PathValue("itemId")
	p := principalFrom(r)
	if err := s.access.RequireItem(r.Context(), p, itemID, types.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}
	headers, err := s.store.FindByItem(r.Context(), itemID, storage.ListOptions{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.lifecycle.ItemRemoved(r.Context(), itemID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": len(headers)})
}
