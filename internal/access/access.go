// Package access decides whether a principal may read, write or administer
// an annotation. Permission records live on the annotation itself, seeded
// from the parent folder at creation time; annotations without a record fall
// back to the folder's current one.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// ErrDenied reports a permission failure. Callers map it to HTTP 403.
var ErrDenied = errors.New("access denied")

// Facade answers permission questions. Implementations do not resolve
// principals; the caller hands in an already-authenticated one.
type Facade interface {
	// RequireAnnotation fails with ErrDenied unless the principal holds at
	// least the given level on the annotation.
	RequireAnnotation(ctx context.Context, p types.Principal, a *types.Annotation, level int) error
	// RequireItem fails with ErrDenied unless the principal holds at least
	// the given level on the item's folder.
	RequireItem(ctx context.Context, p types.Principal, itemID string, level int) error
	// RequireFolder fails with ErrDenied unless the principal holds at
	// least the given level on the folder itself.
	RequireFolder(ctx context.Context, p types.Principal, folderID string, level int) error
}

// FolderSource is the slice of the store the default facade reads.
type FolderSource interface {
	GetItem(ctx context.Context, id string) (*types.Item, error)
	GetFolder(ctx context.Context, id string) (*types.Folder, error)
}

// Checker is the default folder-inheriting facade.
type Checker struct {
	src FolderSource
}

// New builds a Checker over the given store.
func New(src FolderSource) *Checker {
	return &Checker{src: src}
}

func levelName(level int) string {
	switch level {
	case types.AccessRead:
		return "read"
	case types.AccessWrite:
		return "write"
	case types.AccessAdmin:
		return "admin"
	default:
		return fmt.Sprintf("level %d", level)
	}
}

// RequireAnnotation implements Facade. Site admins pass every check. Public
// annotations grant read to anyone, including anonymous principals. Beyond
// that the annotation's own record decides; an annotation without one
// inherits from its item's folder.
func (c *Checker) RequireAnnotation(ctx context.Context, p types.Principal, a *types.Annotation, level int) error {
	if p.Admin {
		return nil
	}
	if level <= types.AccessRead && a.Public {
		return nil
	}
	if a.Access != nil {
		if aclGrants(a.Access, p, level) {
			return nil
		}
		return fmt.Errorf("%s on annotation %s: %w", levelName(level), a.ID, ErrDenied)
	}
	if err := c.RequireItem(ctx, p, a.ItemID, level); err != nil {
		return fmt.Errorf("annotation %s: %w", a.ID, err)
	}
	return nil
}

// RequireItem implements Facade against the item's folder record.
func (c *Checker) RequireItem(ctx context.Context, p types.Principal, itemID string, level int) error {
	if p.Admin {
		return nil
	}
	item, err := c.src.GetItem(ctx, itemID)
	if err != nil {
		return fmt.Errorf("resolve item %s: %w", itemID, err)
	}
	folder, err := c.src.GetFolder(ctx, item.FolderID)
	if err != nil {
		// An orphaned item grants nothing.
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s on item %s: %w", levelName(level), itemID, ErrDenied)
		}
		return fmt.Errorf("resolve folder %s: %w", item.FolderID, err)
	}
	if level <= types.AccessRead && folder.Public {
		return nil
	}
	if aclGrants(folder.Access, p, level) {
		return nil
	}
	return fmt.Errorf("%s on item %s: %w", levelName(level), itemID, ErrDenied)
}

// RequireFolder implements Facade against the folder's own record.
func (c *Checker) RequireFolder(ctx context.Context, p types.Principal, folderID string, level int) error {
	if p.Admin {
		return nil
	}
	folder, err := c.src.GetFolder(ctx, folderID)
	if err != nil {
		return fmt.Errorf("resolve folder %s: %w", folderID, err)
	}
	if level <= types.AccessRead && folder.Public {
		return nil
	}
	if aclGrants(folder.Access, p, level) {
		return nil
	}
	return fmt.Errorf("%s on folder %s: %w", levelName(level), folderID, ErrDenied)
}

func aclGrants(acl *types.ACL, p types.Principal, level int) bool {
	if acl == nil || p.ID == "" {
		return false
	}
	for _, e := range acl.Users {
		if e.ID == p.ID && e.Level >= level {
			return true
		}
	}
	for _, e := range acl.Groups {
		if e.Level >= level && p.InGroup(e.ID) {
			return true
		}
	}
	return false
}
