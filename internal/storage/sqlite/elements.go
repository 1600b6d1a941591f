package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slidelab/slideannot/internal/query"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// insertBatchSize bounds the number of rows per INSERT statement; SQLite
// caps bound parameters per statement.
const insertBatchSize = 50

// InsertMany bulk-inserts element rows, assigning ids where absent and
// writing them back into the element payloads. A primary-key collision on
// an auto-assigned id is retried once with a fresh id.
func (s *Store) InsertMany(ctx context.Context, records []*storage.ElementRecord) error {
	for _, rec := range records {
		if rec.ID == "" {
			rec.ID = types.NewID()
			var err error
			if rec.Element, err = patchElementID(rec.Element, rec.ID); err != nil {
				return fmt.Errorf("failed to assign element id: %w", err)
			}
		}
	}
	for start := 0; start < len(records); start += insertBatchSize {
		end := start + insertBatchSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.insertBatch(ctx, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertBatch(ctx context.Context, batch []*storage.ElementRecord) error {
	placeholders := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*14)
	for _, r := range batch {
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			r.ID, r.AnnotationID, r.Version, r.Created,
			r.BBox.LowX, r.BBox.LowY, r.BBox.LowZ,
			r.BBox.HighX, r.BBox.HighY, r.BBox.HighZ,
			r.BBox.Size, r.BBox.Details,
			nullableString(r.Group), string(r.Element))
	}
	// #nosec G201 - placeholders are generated, not user input
	stmt := fmt.Sprintf(`
		INSERT INTO elements
		    (id, annotation_id, version, created,
		     lowx, lowy, lowz, highx, highy, highz, size, details, grp, element)
		VALUES %s
	`, strings.Join(placeholders, ", "))

	_, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") && len(batch) > 1 {
		// Fall back to row-at-a-time so only the colliding row is retried.
		for _, r := range batch {
			if err := s.insertBatch(ctx, []*storage.ElementRecord{r}); err != nil {
				return err
			}
		}
		return nil
	}
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		// Auto-assigned id collision: regenerate once and retry.
		r := batch[0]
		r.ID = types.NewID()
		var perr error
		if r.Element, perr = patchElementID(r.Element, r.ID); perr != nil {
			return fmt.Errorf("failed to reassign element id: %w", perr)
		}
		_, err = s.db.ExecContext(ctx, stmt,
			r.ID, r.AnnotationID, r.Version, r.Created,
			r.BBox.LowX, r.BBox.LowY, r.BBox.LowZ,
			r.BBox.HighX, r.BBox.HighY, r.BBox.HighZ,
			r.BBox.Size, r.BBox.Details,
			nullableString(r.Group), string(r.Element))
	}
	if err != nil {
		return fmt.Errorf("failed to insert elements: %w", err)
	}
	return nil
}

func patchElementID(element json.RawMessage, id string) (json.RawMessage, error) {
	var m map[string]any
	if err := json.Unmarshal(element, &m); err != nil {
		return nil, err
	}
	m["id"] = id
	return json.Marshal(m)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// ElementCursor iterates element rows for one (annotationId, version) under
// a plan's filters, order and budgets. Close it when done.
type ElementCursor struct {
	rows       *sql.Rows
	maxDetails int64
	details    int64
	returned   int64
	exhausted  bool
	err        error
}

// Yield opens an ordered, filterable element cursor for one annotation
// version.
func (s *Store) Yield(ctx context.Context, annotationID string, version int64, plan query.Plan) (*ElementCursor, error) {
	where := append([]string{"annotation_id = ?", "version = ?"}, plan.Where...)
	args := append([]any{annotationID, version}, plan.Args...)

	stmt := fmt.Sprintf(`
		SELECT id, annotation_id, version, created,
		       lowx, lowy, lowz, highx, highy, highz, size, details, grp, element
		FROM elements
		WHERE %s
		ORDER BY %s
	`, strings.Join(where, " AND "), plan.OrderBy) // #nosec G201 - controlled fragments
	if plan.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", plan.Limit)
	}
	if plan.Offset > 0 {
		if plan.Limit <= 0 {
			stmt += " LIMIT -1"
		}
		stmt += fmt.Sprintf(" OFFSET %d", plan.Offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query elements: %w", err)
	}
	return &ElementCursor{rows: rows, maxDetails: plan.MaxDetails}, nil
}

// Next returns the next element row, or nil when the cursor is exhausted or
// the detail budget is spent. Check Err after a nil return.
func (c *ElementCursor) Next() (*storage.ElementRecord, error) {
	if c.exhausted || c.err != nil {
		return nil, c.err
	}
	if c.maxDetails > 0 && c.details >= c.maxDetails {
		c.exhausted = true
		return nil, nil
	}
	if !c.rows.Next() {
		c.exhausted = true
		c.err = c.rows.Err()
		return nil, c.err
	}
	var (
		rec     storage.ElementRecord
		grp     sql.NullString
		element string
	)
	if err := c.rows.Scan(
		&rec.ID, &rec.AnnotationID, &rec.Version, &rec.Created,
		&rec.BBox.LowX, &rec.BBox.LowY, &rec.BBox.LowZ,
		&rec.BBox.HighX, &rec.BBox.HighY, &rec.BBox.HighZ,
		&rec.BBox.Size, &rec.BBox.Details, &grp, &element,
	); err != nil {
		c.err = fmt.Errorf("failed to scan element: %w", err)
		return nil, c.err
	}
	if grp.Valid {
		g := grp.String
		rec.Group = &g
	}
	rec.Element = json.RawMessage(element)
	c.details += rec.BBox.Details
	c.returned++
	return &rec, nil
}

// Returned reports how many rows the cursor has produced.
func (c *ElementCursor) Returned() int64 { return c.returned }

// Details reports the cumulative bbox details of the produced rows.
func (c *ElementCursor) Details() int64 { return c.details }

// Err returns the first iteration error, if any.
func (c *ElementCursor) Err() error { return c.err }

// Close releases the underlying rows.
func (c *ElementCursor) Close() error { return c.rows.Close() }

// CountElements counts the rows a plan's filter matches, ignoring limit and
// offset, for the cursor's info side channel.
func (s *Store) CountElements(ctx context.Context, annotationID string, version int64, plan query.Plan) (int64, error) {
	where := append([]string{"annotation_id = ?", "version = ?"}, plan.Where...)
	args := append([]any{annotationID, version}, plan.Args...)
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM elements WHERE %s`,
		strings.Join(where, " AND ")) // #nosec G201 - controlled fragments
	var n int64
	if err := s.db.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count elements: %w", err)
	}
	return n, nil
}

// RemoveByQuery bulk-deletes element rows. The query must constrain at
// least one field.
func (s *Store) RemoveByQuery(ctx context.Context, q storage.ElementQuery) error {
	if q.Empty() {
		return storage.ErrEmptyQuery
	}
	var where []string
	var args []any
	if q.AnnotationID != "" {
		where = append(where, "annotation_id = ?")
		args = append(args, q.AnnotationID)
	}
	if q.Version != nil {
		where = append(where, "version = ?")
		args = append(args, *q.Version)
	}
	if q.VersionBelow != nil {
		where = append(where, "version < ?")
		args = append(args, *q.VersionBelow)
	}
	if q.VersionAtOrBelow != nil {
		where = append(where, "version <= ?")
		args = append(args, *q.VersionAtOrBelow)
	}
	stmt := fmt.Sprintf(`DELETE FROM elements WHERE %s`,
		strings.Join(where, " AND ")) // #nosec G201 - controlled fragments
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("failed to remove elements: %w", err)
	}
	return nil
}

// RemoveForAnnotation deletes every element version of an annotation.
func (s *Store) RemoveForAnnotation(ctx context.Context, annotationID string) error {
	return s.RemoveByQuery(ctx, storage.ElementQuery{AnnotationID: annotationID})
}

// RemoveOlderThan deletes element rows below the header's current version,
// or at-or-below oldVersion when it is explicitly provided.
func (s *Store) RemoveOlderThan(ctx context.Context, annotationID string, currentVersion int64, oldVersion *int64) error {
	q := storage.ElementQuery{AnnotationID: annotationID}
	if oldVersion != nil {
		q.VersionAtOrBelow = oldVersion
	} else {
		q.VersionBelow = &currentVersion
	}
	return s.RemoveByQuery(ctx, q)
}

// DistinctGroups returns the sorted distinct element groups of one
// annotation version, with a trailing null when ungrouped elements exist.
func (s *Store) DistinctGroups(ctx context.Context, annotationID string, version int64) ([]*string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT grp FROM elements
		WHERE annotation_id = ? AND version = ?
		ORDER BY grp IS NULL, grp ASC
	`, annotationID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []string
	hasUngrouped := false
	for rows.Next() {
		var g sql.NullString
		if err := rows.Scan(&g); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		if g.Valid {
			groups = append(groups, g.String)
		} else {
			hasUngrouped = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate groups: %w", err)
	}
	return types.SortGroups(groups, hasUngrouped), nil
}
