package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// Migrate backfills live headers created before the access and groups
// columns were maintained: a missing access list is rebuilt from the item's
// parent folder, and the groups summary is recomputed from the element rows
// of the current version. Per-annotation failures are logged and skipped so
// one broken row never blocks startup.
func (s *Store) Migrate(ctx context.Context) error {
	migrated, err := s.migrateAccess(ctx)
	if err != nil {
		return err
	}
	regrouped, err := s.migrateGroups(ctx)
	if err != nil {
		return err
	}
	if migrated > 0 || regrouped > 0 {
		s.log.Info("migrated annotation headers",
			zap.Int("access", migrated), zap.Int("groups", regrouped))
	}
	return nil
}

func (s *Store) migrateAccess(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, creator_id FROM annotations
		WHERE active = 1 AND access IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to find headers without access: %w", err)
	}
	type pending struct {
		id, itemID, creatorID string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.itemID, &p.creatorID); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan header: %w", err)
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("failed to iterate headers: %w", err)
	}
	_ = rows.Close()

	migrated := 0
	for _, p := range todo {
		acl, public, err := s.accessFromFolder(ctx, p.itemID, p.creatorID)
		if err != nil {
			s.log.Warn("skipping access backfill",
				zap.String("annotation", p.id), zap.Error(err))
			continue
		}
		b, err := json.Marshal(acl)
		if err != nil {
			s.log.Warn("skipping access backfill",
				zap.String("annotation", p.id), zap.Error(err))
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE annotations SET access = ?, public = ? WHERE id = ?
		`, string(b), boolInt(public), p.id); err != nil {
			s.log.Warn("skipping access backfill",
				zap.String("annotation", p.id), zap.Error(err))
			continue
		}
		migrated++
	}
	return migrated, nil
}

func (s *Store) accessFromFolder(ctx context.Context, itemID, creatorID string) (*types.ACL, bool, error) {
	item, err := s.GetItem(ctx, itemID)
	if err != nil {
		return nil, false, err
	}
	folder, err := s.GetFolder(ctx, item.FolderID)
	if err != nil {
		return nil, false, err
	}
	acl := &types.ACL{}
	if folder.Access != nil {
		acl.Users = append([]types.AccessEntry(nil), folder.Access.Users...)
		acl.Groups = append([]types.AccessEntry(nil), folder.Access.Groups...)
	}
	if creatorID != "" {
		found := false
		for i, e := range acl.Users {
			if e.ID == creatorID {
				if e.Level < types.AccessAdmin {
					acl.Users[i].Level = types.AccessAdmin
				}
				found = true
				break
			}
		}
		if !found {
			acl.Users = append(acl.Users, types.AccessEntry{ID: creatorID, Level: types.AccessAdmin})
		}
	}
	return acl, folder.Public, nil
}

func (s *Store) migrateGroups(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, groups FROM annotations WHERE active = 1
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to list headers: %w", err)
	}
	type pending struct {
		id      string
		version int64
		groups  string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.version, &p.groups); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan header: %w", err)
		}
		todo = append(todo, p)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("failed to iterate headers: %w", err)
	}
	_ = rows.Close()

	regrouped := 0
	for _, p := range todo {
		groups, err := s.DistinctGroups(ctx, p.id, p.version)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("skipping groups backfill",
				zap.String("annotation", p.id), zap.Error(err))
			continue
		}
		if groups == nil {
			groups = []*string{}
		}
		b, err := json.Marshal(groups)
		if err != nil {
			s.log.Warn("skipping groups backfill",
				zap.String("annotation", p.id), zap.Error(err))
			continue
		}
		if string(b) == p.groups {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE annotations SET groups = ? WHERE id = ?
		`, string(b), p.id); err != nil {
			s.log.Warn("skipping groups backfill",
				zap.String("annotation", p.id), zap.Error(err))
			continue
		}
		regrouped++
	}
	return regrouped, nil
}
