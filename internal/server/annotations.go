package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/query"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/stream"
	"github.com/slidelab/slideannot/internal/types"
	"github.com/slidelab/slideannot/internal/validate"
)

// readDocument reads and decodes a JSON request body, returning both the raw
// bytes and the generic map used for schema validation.
func readDocument(w http.ResponseWriter, r *http.Request) ([]byte, map[string]any, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: body is not a JSON object: %v", validate.ErrInvalid, err)
	}
	return raw, doc, nil
}

// handleList serves GET /annotation: live headers filtered by itemId,
// userId, name and text, all optional. Scoped to an item the permission
// check runs once against the item; unscoped it runs per annotation, with
// pagination applied after the access filter.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	filter := storage.AnnotationFilter{
		ItemID:    q.Get("itemId"),
		CreatorID: q.Get("userId"),
		Name:      q.Get("name"),
		Text:      q.Get("text"),
	}
	p := principalFrom(r)

	if filter.ItemID != "" {
		if err := s.access.RequireItem(r.Context(), p, filter.ItemID, types.AccessRead); err != nil {
			s.writeError(w, err)
			return
		}
		headers, err := s.store.FindAnnotations(r.Context(), filter, opts)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if headers == nil {
			headers = []*types.Annotation{}
		}
		writeJSON(w, http.StatusOK, headers)
		return
	}

	unpaged := opts
	unpaged.Limit, unpaged.Offset = 0, 0
	matched, err := s.store.FindAnnotations(r.Context(), filter, unpaged)
	if err != nil {
		s.writeError(w, err)
		return
	}
	headers := []*types.Annotation{}
	for _, h := range matched {
		if s.access.RequireAnnotation(r.Context(), p, h, types.AccessRead) == nil {
			headers = append(headers, h)
		}
	}
	if opts.Offset > 0 {
		if opts.Offset >= int64(len(headers)) {
			headers = headers[:0]
		} else {
			headers = headers[opts.Offset:]
		}
	}
	if opts.Limit > 0 && int64(len(headers)) > opts.Limit {
		headers = headers[:opts.Limit]
	}
	writeJSON(w, http.StatusOK, headers)
}

// handleCreate serves POST /annotation?itemId=...: a new annotation from a
// submitted annotation body.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	itemID := r.URL.Query().Get("itemId")
	if itemID == "" {
		s.badRequest(w, "itemId parameter is required")
		return
	}
	p := principalFrom(r)
	if err := s.access.RequireItem(r.Context(), p, itemID, types.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}
	raw, doc, err := readDocument(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := validate.New().Annotation(doc); err != nil {
		s.writeError(w, err)
		return
	}
	var body types.AnnotationBody
	if err := json.Unmarshal(raw, &body); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
		return
	}
	saved, err := s.store.Create(r.Context(), &types.Annotation{ItemID: itemID, Annotation: body}, p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleGet serves GET /annotation/{id}: the annotation document with its
// elements streamed, filtered by region parameters. With centroids=true the
// elements arrive as packed binary centroid records.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	region, err := query.ParseRegion(r.URL.Query())
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	header, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := principalFrom(r)
	if err := s.access.RequireAnnotation(r.Context(), p, header, types.AccessRead); err != nil {
		s.writeError(w, err)
		return
	}

	a, cur, info, err := s.store.Load(r.Context(), id, region)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() { _ = cur.Close() }()

	// From here on the response is committed; failures can only abort the
	// connection.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Now().Add(streamTimeout))

	centroids := region != nil && region.Centroids
	if centroids {
		w.Header().Set("Content-Type", "application/octet-stream")
		err = stream.WriteCentroids(w, a, cur, info)
	} else {
		w.Header().Set("Content-Type", "application/json")
		err = stream.WriteJSON(w, a, cur, info)
	}
	if err != nil {
		s.log.Warn("aborted element stream",
			zap.String("annotation", id), zap.Bool("centroids", centroids), zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.LoadObserved(r.Context(), cur.Returned())
	}
}

// handleUpdate serves PUT /annotation/{id}. A body without an elements key
// updates metadata in place; with one, a new element version is written.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := principalFrom(r)
	if err := s.access.RequireAnnotation(r.Context(), p, existing, types.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}
	raw, doc, err := readDocument(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := validate.New().Annotation(doc); err != nil {
		s.writeError(w, err)
		return
	}
	var body types.AnnotationBody
	if err := json.Unmarshal(raw, &body); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
		return
	}

	_, withElements := doc["elements"]
	if !withElements {
		existing.Annotation.Name = body.Name
		existing.Annotation.Description = body.Description
		existing.Annotation.Attributes = body.Attributes
		existing.UpdatedID = p.ID
		if err := s.store.UpdateMetadata(r.Context(), existing); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, existing)
		return
	}

	existing.Annotation = body
	existing.UpdatedID = p.ID
	saved, err := s.store.Save(r.Context(), existing)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleDelete serves DELETE /annotation/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	header, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := principalFrom(r)
	if err := s.access.RequireAnnotation(r.Context(), p, header, types.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.Remove(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCopy serves POST /annotation/{id}/copy?itemId=...: a fresh clone on
// the target item (the source item when omitted).
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	header, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := principalFrom(r)
	if err := s.access.RequireAnnotation(r.Context(), p, header, types.AccessRead); err != nil {
		s.writeError(w, err)
		return
	}
	dstItemID := r.URL.Query().Get("itemId")
	if dstItemID == "" {
		dstItemID = header.ItemID
	}
	if err := s.access.RequireItem(r.Context(), p, dstItemID, types.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}

	full, _, err := s.store.LoadAll(r.Context(), id, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	clone := &types.Annotation{ItemID: dstItemID, Annotation: full.Annotation}
	for _, el := range clone.Annotation.Elements {
		el.ID = ""
	}
	saved, err := s.store.Create(r.Context(), clone, p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// accessDocument is the wire shape of the access sub-resource.
type accessDocument struct {
	Access      *types.ACL `json:"access"`
	Public      bool       `json:"public"`
	PublicFlags []string   `json:"publicFlags,omitempty"`
}

// handleGetAccess serves GET /annotation/{id}/access.
func (s *Server) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	header, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := principalFrom(r)
	if err := s.access.RequireAnnotation(r.Context(), p, header, types.AccessAdmin); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accessDocument{
		Access:      header.Access,
		Public:      header.Public,
		PublicFlags: header.PublicFlags,
	})
}

// handleSetAccess serves PUT /annotation/{id}/access.
func (s *Server) handleSetAccess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	header, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := principalFrom(r)
	if err := s.access.RequireAnnotation(r.Context(), p, header, types.AccessAdmin); err != nil {
		s.writeError(w, err)
		return
	}
	var doc accessDocument
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&doc); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
		return
	}
	if err := s.store.SetAccessList(r.Context(), id, doc.Access, doc.Public, doc.PublicFlags); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleHistory serves GET /annotation/{id}/history: retained version
// headers, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p := principalFrom(r)
	opts, err := listOptions(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	if err := s.requireHistoryAccess(r, p, id, types.AccessRead); err != nil {
		s.writeError(w, err)
		return
	}
	versions, err := s.store.VersionList(r.Context(), id, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

// handleHistoryVersion serves GET /annotation/{id}/history/{version}.
func (s *Server) handleHistoryVersion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version, err := strconv.ParseInt(r.PathValue("version"), 10, 64)
	if err != nil || version <= 0 {
		s.badRequest(w, "invalid version")
		return
	}
	p := principalFrom(r)
	if err := s.requireHistoryAccess(r, p, id, types.AccessRead); err != nil {
		s.writeError(w, err)
		return
	}
	doc, err := s.store.GetVersionDocument(r.Context(), id, version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleRevert serves PUT /annotation/{id}/history/revert?version=N. Without
// a version the previous one is restored; reverting a deleted annotation
// restores its last version.
func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var version int64
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			s.badRequest(w, "invalid version")
			return
		}
		version = v
	}
	p := principalFrom(r)
	if err := s.requireHistoryAccess(r, p, id, types.AccessWrite); err != nil {
		s.writeError(w, err)
		return
	}
	restored, err := s.store.RevertVersion(r.Context(), id, version, p.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, restored)
}

// requireHistoryAccess checks permission against the newest retained header,
// so history of a deleted annotation stays reachable by those who could
// touch it while it lived.
func (s *Server) requireHistoryAccess(r *http.Request, p types.Principal, id string, level int) error {
	header, err := s.store.Get(r.Context(), id)
	if err != nil {
		versions, verr := s.store.VersionList(r.Context(), id, storage.ListOptions{Limit: 1})
		if verr != nil {
			return err
		}
		header = versions[0]
	}
	return s.access.RequireAnnotation(r.Context(), p, header, level)
}
