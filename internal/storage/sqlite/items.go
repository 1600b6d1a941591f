package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// CreateFolder persists a folder, assigning an id when absent.
func (s *Store) CreateFolder(ctx context.Context, f *types.Folder) (*types.Folder, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("%w: folder name is required", storage.ErrValidation)
	}
	if f.ID == "" {
		f.ID = types.NewID()
	}
	f.Created = time.Now().UTC()

	var access any
	if f.Access != nil {
		b, err := json.Marshal(f.Access)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal folder access: %w", err)
		}
		access = string(b)
	}
	meta := f.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal folder meta: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO folders (id, name, parent_id, meta, public, access, created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Name, f.ParentID, string(mb), boolInt(f.Public), access, f.Created)
	if err != nil {
		return nil, fmt.Errorf("failed to insert folder: %w", err)
	}
	return f, nil
}

// GetFolder fetches a folder by id.
func (s *Store) GetFolder(ctx context.Context, id string) (*types.Folder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, parent_id, meta, public, access, created
		FROM folders WHERE id = ?
	`, id)

	var (
		f      types.Folder
		meta   string
		public int
		access sql.NullString
	)
	err := row.Scan(&f.ID, &f.Name, &f.ParentID, &meta, &public, &access, &f.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}
	f.Public = public != 0
	if err := json.Unmarshal([]byte(meta), &f.Meta); err != nil {
		return nil, fmt.Errorf("failed to decode folder meta: %w", err)
	}
	if access.Valid {
		f.Access = &types.ACL{}
		if err := json.Unmarshal([]byte(access.String), f.Access); err != nil {
			return nil, fmt.Errorf("failed to decode folder access: %w", err)
		}
	}
	return &f, nil
}

// CreateItem persists an image item, assigning an id when absent. The parent
// folder must exist.
func (s *Store) CreateItem(ctx context.Context, item *types.Item) (*types.Item, error) {
	if item.Name == "" {
		return nil, fmt.Errorf("%w: item name is required", storage.ErrValidation)
	}
	if _, err := s.GetFolder(ctx, item.FolderID); err != nil {
		return nil, err
	}
	if item.ID == "" {
		item.ID = types.NewID()
	}
	item.Created = time.Now().UTC()

	meta := item.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO items (id, name, folder_id, meta, created)
		VALUES (?, ?, ?, ?, ?)
	`, item.ID, item.Name, item.FolderID, string(mb), item.Created)
	if err != nil {
		return nil, fmt.Errorf("failed to insert item: %w", err)
	}
	return item, nil
}

// GetItem fetches an image item by id.
func (s *Store) GetItem(ctx context.Context, id string) (*types.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, folder_id, meta, created FROM items WHERE id = ?
	`, id)
	item, err := scanItem(row)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return item, err
}

func scanItem(row rowScanner) (*types.Item, error) {
	var (
		item types.Item
		meta string
	)
	err := row.Scan(&item.ID, &item.Name, &item.FolderID, &meta, &item.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan item: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &item.Meta); err != nil {
		return nil, fmt.Errorf("failed to decode item meta: %w", err)
	}
	return &item, nil
}

// SiblingItems lists the other items of an item's folder.
func (s *Store) SiblingItems(ctx context.Context, itemID string) ([]*types.Item, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, folder_id, meta, created FROM items
		WHERE folder_id = ? AND id != ?
		ORDER BY name ASC, id ASC
	`, item.FolderID, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sibling items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Item
	for rows.Next() {
		sibling, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sibling)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sibling items: %w", err)
	}
	return out, nil
}

// RemoveItem deletes an image item and cascades to its annotations.
func (s *Store) RemoveItem(ctx context.Context, id string) error {
	if _, err := s.GetItem(ctx, id); err != nil {
		return err
	}
	annotations, err := s.FindByItem(ctx, id, storage.ListOptions{})
	if err != nil {
		return err
	}
	for _, a := range annotations {
		if err := s.Remove(ctx, a.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	s.log.Debug("removed item", zap.String("item", id), zap.Int("annotations", len(annotations)))
	return nil
}

// CopyItemAnnotations clones the live annotations of one item onto another,
// as used when an image item is copied. Each clone is a fresh annotation
// with its own id, version and element ids; access is not carried over but
// rebuilt from the destination item's parent folder.
func (s *Store) CopyItemAnnotations(ctx context.Context, srcItemID, dstItemID, creatorID string) (int, error) {
	if _, err := s.GetItem(ctx, dstItemID); err != nil {
		return 0, err
	}
	acl, public, err := s.accessFromFolder(ctx, dstItemID, creatorID)
	if err != nil {
		return 0, err
	}
	annotations, err := s.FindByItem(ctx, srcItemID, storage.ListOptions{})
	if err != nil {
		return 0, err
	}
	copied := 0
	for _, src := range annotations {
		full, _, err := s.LoadAll(ctx, src.ID, nil)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return copied, err
		}
		clone := &types.Annotation{
			ItemID:     dstItemID,
			CreatorID:  creatorID,
			UpdatedID:  creatorID,
			Access:     acl,
			Public:     public,
			Annotation: full.Annotation,
		}
		for _, el := range clone.Annotation.Elements {
			el.ID = ""
		}
		if _, err := s.Save(ctx, clone); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}
