package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/slidelab/slideannot/internal/storage"
)

// NextVersion atomically advances the store-wide version sequence and
// returns the post-increment value. Versions are shared by every annotation
// and are never reused.
//
// Bootstrap: when the sentinel row is missing, the sequence is seeded from
// max(version) over the existing element and header rows (or 0 when there
// are none) so a database created before the sentinel existed keeps its
// monotonic ordering.
func (s *Store) NextVersion(ctx context.Context) (int64, error) {
	if !s.versionReady.Load() {
		if err := s.bootstrapVersionSequence(ctx); err != nil {
			return 0, err
		}
		s.versionReady.Store(true)
	}

	var v int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE version_sequence SET version = version + 1
		WHERE annotation_id = ?
		RETURNING version
	`, storage.VersionSentinelKey).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("failed to advance version sequence: %w", err)
	}
	return v, nil
}

func (s *Store) bootstrapVersionSequence(ctx context.Context) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM version_sequence WHERE annotation_id = ?
	`, storage.VersionSentinelKey).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to probe version sequence: %w", err)
	}
	if exists > 0 {
		return nil
	}

	var maxElement, maxHeader sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM elements`).Scan(&maxElement); err != nil {
		return fmt.Errorf("failed to scan element versions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM annotations`).Scan(&maxHeader); err != nil {
		return fmt.Errorf("failed to scan header versions: %w", err)
	}
	seed := maxElement.Int64
	if maxHeader.Int64 > seed {
		seed = maxHeader.Int64
	}

	// A concurrent bootstrap may win the insert; that is fine.
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO version_sequence (annotation_id, version) VALUES (?, ?)
	`, storage.VersionSentinelKey, seed)
	if err != nil {
		return fmt.Errorf("failed to seed version sequence: %w", err)
	}
	return nil
}
