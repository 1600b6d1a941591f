package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/slidelab/slideannot/internal/access"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
	"github.com/slidelab/slideannot/internal/validate"
)

// handleSchema serves GET /annotation/schema: the JSON schema annotation
// documents are validated against.
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	raw, err := validate.SchemaJSON()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// handleImages serves GET /annotation/images: items carrying annotations,
// most recently annotated first, optionally filtered by annotation creator
// and token-prefix matches on the image name. Items the caller cannot read
// are dropped before pagination.
func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptions(r)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	q := r.URL.Query()
	p := principalFrom(r)
	visible := func(item *types.Item) bool {
		return s.access.RequireItem(r.Context(), p, item.ID, types.AccessRead) == nil
	}
	items, err := s.store.FindAnnotatedImages(r.Context(), q.Get("imageName"), q.Get("creatorId"), visible, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if items == nil {
		items = []*types.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleCounts serves GET /annotation/counts. With an items parameter the
// response maps each readable item id to its live annotation count; items the
// caller cannot read, and unknown ids, are left out. Without the parameter the
// endpoint reports table totals to site admins.
func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	raw := r.URL.Query().Get("items")
	if raw == "" {
		if !p.Admin {
			s.writeError(w, fmt.Errorf("annotation counts: %w", access.ErrDenied))
			return
		}
		counts, err := s.store.Count(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, counts)
		return
	}

	var readable []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if err := s.access.RequireItem(r.Context(), p, id, types.AccessRead); err != nil {
			if errors.Is(err, access.ErrDenied) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			s.writeError(w, err)
			return
		}
		readable = append(readable, id)
	}
	counts, err := s.store.CountByItems(r.Context(), readable)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// gcOptions reads the age/versions parameters of the old-annotation
// endpoints, falling back to the configured defaults.
func (s *Server) gcOptions(r *http.Request, dryRun bool) (storage.GCOptions, error) {
	opts := storage.GCOptions{
		DryRun:               dryRun,
		MinAgeDays:           s.gcDefaults.MinAgeDays,
		KeepInactiveVersions: s.gcDefaults.KeepInactiveVersions,
	}
	q := r.URL.Query()
	if raw := q.Get("age"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("invalid age value %q", raw)
		}
		opts.MinAgeDays = v
	}
	if raw := q.Get("versions"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return opts, fmt.Errorf("invalid versions value %q", raw)
		}
		opts.KeepInactiveVersions = v
	}
	return opts, nil
}

// handleOldDryRun serves GET /annotation/old: a report of what a sweep with
// these parameters would remove.
func (s *Server) handleOldDryRun(w http.ResponseWriter, r *http.Request) {
	s.runGC(w, r, true)
}

// handleOldRemove serves DELETE /annotation/old: the destructive sweep. The
// store refuses an age below its safety floor.
func (s *Server) handleOldRemove(w http.ResponseWriter, r *http.Request) {
	s.runGC(w, r, false)
}

func (s *Server) runGC(w http.ResponseWriter, r *http.Request, dryRun bool) {
	if !principalFrom(r).Admin {
		s.writeError(w, fmt.Errorf("old annotation sweep: %w", access.ErrDenied))
		return
	}
	opts, err := s.gcOptions(r, dryRun)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	report, err := s.store.RemoveOldAnnotations(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !dryRun && s.metrics != nil {
		s.metrics.GCObserved(r.Context(), *report)
	}
	writeJSON(w, http.StatusOK, report)
}
