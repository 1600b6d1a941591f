package sqlite

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/storage"
)

// minRemovalAgeDays is the safety floor for destructive sweeps. Anything
// younger is never deleted, so an in-flight save can not lose its rows.
const minRemovalAgeDays = 7

const gcProgressInterval = 10 * time.Second

// RemoveOldAnnotations sweeps retained data that no longer serves history:
// annotations whose image item is gone, archived versions beyond the
// retention count, and element versions abandoned by interrupted saves.
// With DryRun everything is counted and nothing is deleted.
func (s *Store) RemoveOldAnnotations(ctx context.Context, opts storage.GCOptions) (*storage.GCReport, error) {
	if opts.DryRun && opts.MinAgeDays < 0 {
		return nil, fmt.Errorf("%w: minimum age must not be negative", storage.ErrValidation)
	}
	if !opts.DryRun && opts.MinAgeDays < minRemovalAgeDays {
		return nil, fmt.Errorf("%w: minimum age must be at least %d days when removing",
			storage.ErrValidation, minRemovalAgeDays)
	}
	if opts.KeepInactiveVersions < 0 {
		return nil, fmt.Errorf("%w: keep count must not be negative", storage.ErrValidation)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -opts.MinAgeDays)
	report := &storage.GCReport{}
	progress := newProgressLogger(s.log)

	if err := s.sweepDeletedItems(ctx, opts, cutoff, report, progress); err != nil {
		return report, err
	}
	if err := s.sweepOldVersions(ctx, opts, cutoff, report, progress); err != nil {
		return report, err
	}
	if err := s.sweepAbandonedVersions(ctx, opts, cutoff, report, progress); err != nil {
		return report, err
	}

	s.log.Info("annotation sweep finished",
		zap.Bool("dryRun", opts.DryRun),
		zap.Int64("fromDeletedItems", report.FromDeletedItems),
		zap.Int64("oldVersions", report.OldVersions),
		zap.Int64("abandonedVersions", report.AbandonedVersions),
		zap.Int64("removedVersions", report.RemovedVersions))
	return report, nil
}

// sweepDeletedItems removes every retained version of annotations whose
// image item no longer exists.
func (s *Store) sweepDeletedItems(ctx context.Context, opts storage.GCOptions, cutoff time.Time, report *storage.GCReport, progress *progressLogger) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM annotations
		WHERE annotation_id IS NULL
		  AND updated < ?
		  AND item_id NOT IN (SELECT id FROM items)
	`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find orphaned annotations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan annotation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to iterate orphaned annotations: %w", err)
	}
	_ = rows.Close()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		var versions int64
		if err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM annotations WHERE id = ? OR annotation_id = ?
		`, id, id).Scan(&versions); err != nil {
			return fmt.Errorf("failed to count versions: %w", err)
		}
		report.FromDeletedItems += versions
		if !opts.DryRun {
			if _, err := s.db.ExecContext(ctx, `
				DELETE FROM annotations WHERE id = ? OR annotation_id = ?
			`, id, id); err != nil {
				return fmt.Errorf("failed to delete orphaned headers: %w", err)
			}
			if err := s.RemoveForAnnotation(ctx, id); err != nil {
				return err
			}
			report.RemovedVersions += versions
		}
		progress.maybe("sweeping orphaned annotations", report)
	}
	return nil
}

// sweepOldVersions removes archived versions past the per-annotation keep
// count, oldest first, when they are older than the cutoff.
func (s *Store) sweepOldVersions(ctx context.Context, opts storage.GCOptions, cutoff time.Time, report *storage.GCReport, progress *progressLogger) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, annotation_id, version, updated, active FROM annotations
		ORDER BY COALESCE(annotation_id, id), version DESC
	`)
	if err != nil {
		return fmt.Errorf("failed to list retained versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type retained struct {
		physicalID string
		logicalID  string
		version    int64
	}
	var toRemove []retained

	currentLogical := ""
	inactiveSeen := 0
	for rows.Next() {
		var (
			physicalID string
			archivedOf *string
			version    int64
			updated    time.Time
			active     int
		)
		if err := rows.Scan(&physicalID, &archivedOf, &version, &updated, &active); err != nil {
			return fmt.Errorf("failed to scan retained version: %w", err)
		}
		logical := physicalID
		if archivedOf != nil {
			logical = *archivedOf
		}
		if logical != currentLogical {
			currentLogical = logical
			inactiveSeen = 0
		}
		if active != 0 {
			report.Active++
			continue
		}
		inactiveSeen++
		if inactiveSeen <= opts.KeepInactiveVersions || !updated.Before(cutoff) {
			report.RecentVersions++
			continue
		}
		report.OldVersions++
		toRemove = append(toRemove, retained{physicalID, logical, version})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate retained versions: %w", err)
	}

	if opts.DryRun {
		return nil
	}
	for _, r := range toRemove {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM annotations WHERE id = ?`, r.physicalID); err != nil {
			return fmt.Errorf("failed to delete archived header: %w", err)
		}
		v := r.version
		if err := s.RemoveByQuery(ctx, storage.ElementQuery{AnnotationID: r.logicalID, Version: &v}); err != nil {
			return err
		}
		report.RemovedVersions++
		progress.maybe("sweeping archived versions", report)
	}
	return nil
}

// sweepAbandonedVersions removes element versions with no header row, the
// residue of saves that crashed between the element insert and the header
// flip.
func (s *Store) sweepAbandonedVersions(ctx context.Context, opts storage.GCOptions, cutoff time.Time, report *storage.GCReport, progress *progressLogger) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.annotation_id, e.version
		FROM elements e
		GROUP BY e.annotation_id, e.version
		HAVING MAX(e.created) < ?
		   AND NOT EXISTS (
		       SELECT 1 FROM annotations a
		       WHERE a.version = e.version
		         AND (a.id = e.annotation_id OR a.annotation_id = e.annotation_id)
		   )
	`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to find abandoned element versions: %w", err)
	}
	type orphan struct {
		annotationID string
		version      int64
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.annotationID, &o.version); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan abandoned version: %w", err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to iterate abandoned versions: %w", err)
	}
	_ = rows.Close()

	report.AbandonedVersions = int64(len(orphans))
	if opts.DryRun {
		return nil
	}
	for _, o := range orphans {
		if err := ctx.Err(); err != nil {
			return err
		}
		v := o.version
		if err := s.RemoveByQuery(ctx, storage.ElementQuery{AnnotationID: o.annotationID, Version: &v}); err != nil {
			return err
		}
		report.RemovedVersions++
		progress.maybe("sweeping abandoned element versions", report)
	}
	return nil
}

// progressLogger emits a log line at most every few seconds during a long
// sweep.
type progressLogger struct {
	log  *zap.Logger
	last time.Time
}

func newProgressLogger(log *zap.Logger) *progressLogger {
	return &progressLogger{log: log, last: time.Now()}
}

func (p *progressLogger) maybe(msg string, report *storage.GCReport) {
	if time.Since(p.last) < gcProgressInterval {
		return
	}
	p.last = time.Now()
	p.log.Info(msg,
		zap.Int64("fromDeletedItems", report.FromDeletedItems),
		zap.Int64("oldVersions", report.OldVersions),
		zap.Int64("abandonedVersions", report.AbandonedVersions),
		zap.Int64("removedVersions", report.RemovedVersions))
}
