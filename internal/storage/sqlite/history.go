package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slidelab/slideannot/internal/query"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// VersionList returns the headers of every retained version of a logical
// annotation id, newest first. The live header is included; archived rows
// report the live id in AnnotationID.
func (s *Store) VersionList(ctx context.Context, id string, opts storage.ListOptions) ([]*types.Annotation, error) {
	stmt := fmt.Sprintf(`
		SELECT %s FROM annotations
		WHERE id = ? OR annotation_id = ?
		ORDER BY version DESC
	`, annotationColumns)
	if opts.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			stmt += " LIMIT -1"
		}
		stmt += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, id, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate versions: %w", err)
	}
	if len(out) == 0 {
		return nil, storage.ErrNotFound
	}
	return out, nil
}

// GetVersion fetches one retained version of an annotation. The returned
// header reports the live id in ID and the physical row id in VersionID, so
// callers can address the logical annotation while seeing which snapshot
// they hold.
func (s *Store) GetVersion(ctx context.Context, id string, version int64) (*types.Annotation, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM annotations
		WHERE (id = ? OR annotation_id = ?) AND version = ?
	`, annotationColumns), id, id, version)
	a, err := scanAnnotation(row)
	if err != nil {
		return nil, err
	}
	a.VersionID = a.ID
	if a.AnnotationID != "" {
		a.ID = a.AnnotationID
	}
	return a, nil
}

// versionElements materializes the element payloads of one retained version.
func (s *Store) versionElements(ctx context.Context, id string, version int64) ([]*types.Element, error) {
	cur, err := s.Yield(ctx, id, version, query.Plan{OrderBy: "id ASC"})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close() }()

	var elements []*types.Element
	for {
		rec, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if rec == nil {
			break
		}
		var el types.Element
		if err := json.Unmarshal(rec.Element, &el); err != nil {
			return nil, fmt.Errorf("failed to decode element: %w", err)
		}
		elements = append(elements, &el)
	}
	return elements, nil
}

// GetVersionDocument fetches a retained version with its elements.
func (s *Store) GetVersionDocument(ctx context.Context, id string, version int64) (*types.Annotation, error) {
	a, err := s.GetVersion(ctx, id, version)
	if err != nil {
		return nil, err
	}
	elements, err := s.versionElements(ctx, a.ID, version)
	if err != nil {
		return nil, err
	}
	a.Annotation.Elements = elements
	return a, nil
}

// RevertVersion restores a prior version by saving its content as a fresh
// version. When version is 0 the target defaults to the most recent retained
// version for a deleted annotation, or the version before the current one
// otherwise. Reverting a deleted annotation reactivates it.
func (s *Store) RevertVersion(ctx context.Context, id string, version int64, updatedBy string) (*types.Annotation, error) {
	if !s.history {
		return nil, fmt.Errorf("%w: version history is disabled", storage.ErrValidation)
	}
	live, err := s.headerByPhysicalID(ctx, id)
	if err != nil {
		return nil, err
	}
	if live.AnnotationID != "" {
		return nil, storage.ErrNotFound
	}

	if version == 0 {
		versions, err := s.VersionList(ctx, id, storage.ListOptions{})
		if err != nil {
			return nil, err
		}
		if live.Active {
			// Skip the current version; revert to the one before it.
			for _, v := range versions {
				if v.Version < live.Version {
					version = v.Version
					break
				}
			}
			if version == 0 {
				return nil, fmt.Errorf("%w: no prior version to revert to", storage.ErrValidation)
			}
		} else {
			version = versions[0].Version
		}
	}

	target, err := s.GetVersionDocument(ctx, id, version)
	if err != nil {
		return nil, err
	}

	restored := &types.Annotation{
		ID:          id,
		ItemID:      target.ItemID,
		UpdatedID:   updatedBy,
		Access:      live.Access,
		Public:      live.Public,
		PublicFlags: live.PublicFlags,
		Annotation:  target.Annotation,
	}
	// Restored elements get fresh ids so the new version never collides with
	// the retained rows it was copied from.
	for _, el := range restored.Annotation.Elements {
		el.ID = ""
	}
	return s.Save(ctx, restored)
}
