// Package storage provides shared types for annotation storage.
//
// The concrete store lives in the sqlite sub-package. This package holds
// the error sentinels, record types and option structs referenced by both
// the sqlite implementation and its consumers (server, hooks, plottable).
package storage

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/slidelab/slideannot/internal/types"
)

// ErrNotFound is returned when a requested annotation, version, item or
// folder does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation is returned for invalid parameters such as an element id
// collision or a minimum-age below the safety floor.
var ErrValidation = errors.New("validation failed")

// ErrEmptyQuery rejects bulk deletes with no constraining filter.
var ErrEmptyQuery = errors.New("bulk delete requires a non-empty query")

// VersionSentinelKey is the reserved annotation id under which the version
// sequence row is stored. No real annotation may use it.
const VersionSentinelKey = "version_sequence"

// ElementRecord is one persisted element row: the caller-supplied element
// plus the precomputed bbox and the (annotationId, version) link to the
// header that owns it.
type ElementRecord struct {
	ID           string          `json:"id"`
	AnnotationID string          `json:"annotationId"`
	Version      int64           `json:"version"`
	Created      time.Time       `json:"created"`
	BBox         types.BBox      `json:"bbox"`
	Group        *string         `json:"-"`
	Element      json.RawMessage `json:"element"`
}

// ElementQuery filters bulk element deletes. At least one field must be set.
type ElementQuery struct {
	AnnotationID string
	Version      *int64
	// VersionBelow deletes rows with version < the given value.
	VersionBelow *int64
	// VersionAtOrBelow deletes rows with version <= the given value.
	VersionAtOrBelow *int64
}

// Empty reports whether the query constrains nothing.
func (q ElementQuery) Empty() bool {
	return q.AnnotationID == "" && q.Version == nil &&
		q.VersionBelow == nil && q.VersionAtOrBelow == nil
}

// ListOptions pages and sorts header listings.
type ListOptions struct {
	Limit  int64
	Offset int64
	// Sort is a header column; SortDir is +1 or -1.
	Sort    string
	SortDir int
}

// AnnotationFilter narrows a header listing. Zero-value fields are absent
// constraints.
type AnnotationFilter struct {
	ItemID    string
	CreatorID string
	// Name matches the annotation name exactly.
	Name string
	// Text matches a substring of the name or description,
	// case-insensitively.
	Text string
}

// GCOptions tunes the old-annotation sweep.
type GCOptions struct {
	DryRun bool
	// MinAgeDays must be >= 7 when DryRun is false, and >= 0 otherwise.
	MinAgeDays int
	// KeepInactiveVersions inactive snapshots are always retained per live id.
	KeepInactiveVersions int
}

// GCReport summarizes one old-annotation sweep.
type GCReport struct {
	FromDeletedItems  int64 `json:"fromDeletedItems"`
	OldVersions       int64 `json:"oldVersions"`
	Active            int64 `json:"active"`
	RecentVersions    int64 `json:"recentVersions"`
	AbandonedVersions int64 `json:"abandonedVersions"`
	RemovedVersions   int64 `json:"removedVersions"`
}

// SaveEvent is emitted asynchronously after each successful save when
// history is enabled.
type SaveEvent struct {
	AnnotationID string
	Version      int64
}
