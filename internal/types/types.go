// Package types defines core data structures for the slideannot annotation store.
package types

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"sync/atomic"
	"time"
)

// Annotation is a named collection of geometric elements attached to an
// image item. One live header row exists per logical annotation id; when
// history is enabled, prior versions are kept as archived headers whose
// AnnotationID points back at the live id.
type Annotation struct {
	ID        string `json:"id,omitempty"`
	ItemID    string `json:"itemId"`
	CreatorID string `json:"creatorId,omitempty"`
	UpdatedID string `json:"updatedId,omitempty"`

	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`

	// Version comes from the store-wide version sequence and matches the
	// version of the element rows that belong to this header.
	Version int64 `json:"_version"`

	// Active is false on archived and deleted headers.
	Active bool `json:"active"`

	// AnnotationID is set only on archived headers and points at the live
	// header's id.
	AnnotationID string `json:"annotationId,omitempty"`

	// VersionID carries the physical header id when a historical version is
	// fetched; the live id is reported in ID.
	VersionID string `json:"_versionId,omitempty"`

	Access      *ACL     `json:"access,omitempty"`
	Public      bool     `json:"public"`
	PublicFlags []string `json:"publicFlags,omitempty"`

	Annotation AnnotationBody `json:"annotation"`

	// Groups is the sorted list of distinct element group values of the
	// current version, with a trailing null when any element is ungrouped.
	Groups []*string `json:"groups"`
}

// AnnotationBody is the caller-supplied part of an annotation.
type AnnotationBody struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	Elements    []*Element     `json:"elements"`
}

// Validate checks header-level constraints. Element payloads are validated
// separately by the structural validator.
func (a *Annotation) Validate() error {
	if a.Annotation.Name == "" {
		return fmt.Errorf("annotation name is required")
	}
	if a.ItemID == "" {
		return fmt.Errorf("annotation itemId is required")
	}
	if a.ID != "" && !IsID(a.ID) {
		return fmt.Errorf("invalid annotation id %q", a.ID)
	}
	return nil
}

// ACL is an access-control record. It is opaque to the persistence core:
// copied from the parent folder on creation and interpreted only by the
// access facade.
type ACL struct {
	Users  []AccessEntry `json:"users"`
	Groups []AccessEntry `json:"groups,omitempty"`
}

// AccessEntry grants one principal a permission level.
type AccessEntry struct {
	ID    string `json:"id"`
	Level int    `json:"level"`
}

// Permission levels, lowest to highest.
const (
	AccessRead  = 0
	AccessWrite = 1
	AccessAdmin = 2
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// Generated ids embed a timestamp and an incrementing counter so that ids
// taken in sequence sort in generation order. Element listings default to
// ordering by id, which makes that order the insertion order.
var (
	idProcess [5]byte
	idCounter atomic.Uint32
)

func init() {
	var seed [9]byte
	if _, err := rand.Read(seed[:]); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		panic(fmt.Sprintf("types: id seed: %v", err))
	}
	copy(idProcess[:], seed[:5])
	idCounter.Store(uint32(seed[5])<<16 | uint32(seed[6])<<8 | uint32(seed[7]))
}

// NewID returns a fresh 24-hex identifier: 4 bytes of unix seconds, 5 random
// per-process bytes and a 3-byte counter.
func NewID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(time.Now().Unix()))
	copy(b[4:9], idProcess[:])
	n := idCounter.Add(1)
	b[9] = byte(n >> 16)
	b[10] = byte(n >> 8)
	b[11] = byte(n)
	return hex.EncodeToString(b[:])
}

// IsID reports whether s is a well-formed 24-hex identifier.
func IsID(s string) bool {
	return idPattern.MatchString(s)
}

// Item is an image item annotations attach to.
type Item struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	FolderID string         `json:"folderId"`
	Meta     map[string]any `json:"meta,omitempty"`
	Created  time.Time      `json:"created"`
}

// Folder groups items and carries the access record annotations inherit.
type Folder struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	ParentID string         `json:"parentId,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
	Public   bool           `json:"public"`
	Access   *ACL           `json:"access,omitempty"`
	Created  time.Time      `json:"created"`
}

// Principal is the acting user, already resolved by the caller.
type Principal struct {
	ID     string
	Groups []string
	Admin  bool
}

// InGroup reports whether the principal belongs to the named group.
func (p Principal) InGroup(id string) bool {
	for _, g := range p.Groups {
		if g == id {
			return true
		}
	}
	return false
}

// SortGroups sorts distinct group values and appends the null sentinel when
// ungrouped elements exist.
func SortGroups(groups []string, hasUngrouped bool) []*string {
	sorted := append([]string(nil), groups...)
	sort.Strings(sorted)
	out := make([]*string, 0, len(sorted)+1)
	for i := range sorted {
		out = append(out, &sorted[i])
	}
	if hasUngrouped {
		out = append(out, nil)
	}
	return out
}
