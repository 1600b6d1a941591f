package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/slidelab/slideannot/internal/plottable"
	"github.com/slidelab/slideannot/internal/types"
	"github.com/slidelab/slideannot/internal/validate"
)

// plotRequest is the body of the plot endpoints. The list form uses only the
// selection fields; the data form adds the column keys to materialize.
type plotRequest struct {
	// Annotations selects annotation ids, or ["__all__"] for every live
	// annotation of the covered items.
	Annotations []string `json:"annotations"`
	// AdjacentItems widens the scan to the item's folder siblings.
	AdjacentItems string `json:"adjacentItems"`

	Keys         []string `json:"keys"`
	RequiredKeys []string `json:"requiredKeys"`
}

func (s *Server) plotScan(w http.ResponseWriter, r *http.Request) (*plottable.Scan, *plotRequest, bool) {
	itemID := r.PathValue("itemId")
	p := principalFrom(r)
	if err := s.access.RequireItem(r.Context(), p, itemID, types.AccessRead); err != nil {
		s.writeError(w, err)
		return nil, nil, false
	}

	var req plotRequest
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
		return nil, nil, false
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", validate.ErrInvalid, err))
			return nil, nil, false
		}
	}

	scan, err := s.plots.Scan(r.Context(), plottable.ScanInput{
		ItemID:        itemID,
		Annotations:   req.Annotations,
		AdjacentItems: req.AdjacentItems,
	})
	if err != nil {
		s.writeError(w, err)
		return nil, nil, false
	}
	return scan, &req, true
}

// handlePlotList serves POST /annotation/item/{itemId}/plot/list: the
// plottable columns discovered across the item, its annotations and,
// optionally, its folder siblings.
func (s *Server) handlePlotList(w http.ResponseWriter, r *http.Request) {
	scan, _, ok := s.plotScan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, scan.Columns())
}

// handlePlotData serves POST /annotation/item/{itemId}/plot/data: the dense
// row-major table for the requested column keys. Rows missing a required
// key are dropped.
func (s *Server) handlePlotData(w http.ResponseWriter, r *http.Request) {
	scan, req, ok := s.plotScan(w, r)
	if !ok {
		return
	}
	if len(req.Keys) == 0 {
		s.badRequest(w, "keys is required")
		return
	}
	writeJSON(w, http.StatusOK, scan.Data(req.Keys, req.RequiredKeys))
}
