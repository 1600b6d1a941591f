package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/access"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
	"github.com/slidelab/slideannot/internal/validate"
)

// principalFrom reads the proxy-resolved identity headers.
func principalFrom(r *http.Request) types.Principal {
	p := types.Principal{
		ID:    r.Header.Get("X-User-Id"),
		Admin: r.Header.Get("X-User-Admin") == "true",
	}
	if raw := r.Header.Get("X-User-Groups"); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				p.Groups = append(p.Groups, g)
			}
		}
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Unknown errors are
// 500s and logged; the client sees only a generic message for those.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": err.Error()})
	case errors.Is(err, access.ErrDenied):
		writeJSON(w, http.StatusForbidden, map[string]string{"message": err.Error()})
	case errors.Is(err, storage.ErrValidation),
		errors.Is(err, storage.ErrEmptyQuery),
		errors.Is(err, validate.ErrInvalid):
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": err.Error()})
	default:
		s.log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"message": msg})
}

// listOptions reads limit/offset/sort/sortdir pagination parameters.
func listOptions(r *http.Request) (storage.ListOptions, error) {
	var opts storage.ListOptions
	q := r.URL.Query()
	for _, p := range []struct {
		key string
		dst *int64
	}{{"limit", &opts.Limit}, {"offset", &opts.Offset}} {
		if s := q.Get(p.key); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				return opts, errors.New("invalid " + p.key + " value")
			}
			*p.dst = v
		}
	}
	opts.Sort = q.Get("sort")
	switch q.Get("sortdir") {
	case "", "1", "+1":
		opts.SortDir = 1
	case "-1":
		opts.SortDir = -1
	default:
		return opts, errors.New("invalid sortdir value")
	}
	return opts, nil
}
