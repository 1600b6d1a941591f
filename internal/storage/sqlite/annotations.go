package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/geometry"
	"github.com/slidelab/slideannot/internal/query"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// loadRetries bounds how often a reader re-reads the header when the element
// rows of its version have already been swept by a concurrent save.
const loadRetries = 3

// Create saves a new annotation for one image item. The annotation inherits
// the access list and public flag of the item's parent folder, and the
// creator is granted admin permission on it.
func (s *Store) Create(ctx context.Context, a *types.Annotation, creator types.Principal) (*types.Annotation, error) {
	if a.ID != "" {
		return nil, fmt.Errorf("%w: new annotations must not carry an id", storage.ErrValidation)
	}
	item, err := s.GetItem(ctx, a.ItemID)
	if err != nil {
		return nil, err
	}
	folder, err := s.GetFolder(ctx, item.FolderID)
	if err != nil {
		return nil, err
	}

	acl := &types.ACL{}
	if folder.Access != nil {
		acl.Users = append([]types.AccessEntry(nil), folder.Access.Users...)
		acl.Groups = append([]types.AccessEntry(nil), folder.Access.Groups...)
	}
	granted := false
	for i, e := range acl.Users {
		if e.ID == creator.ID {
			if e.Level < types.AccessAdmin {
				acl.Users[i].Level = types.AccessAdmin
			}
			granted = true
			break
		}
	}
	if !granted && creator.ID != "" {
		acl.Users = append(acl.Users, types.AccessEntry{ID: creator.ID, Level: types.AccessAdmin})
	}

	a.Access = acl
	a.Public = folder.Public
	a.CreatorID = creator.ID
	a.UpdatedID = creator.ID
	return s.Save(ctx, a)
}

const annotationColumns = `id, annotation_id, item_id, creator_id, updated_id,
	created, updated, version, active, public, public_flags, access,
	name, description, attributes, groups`

// Save persists an annotation and its elements as a new version. When the
// logical id already exists the live header is replaced; with history
// enabled the prior header is archived instead of discarded. Element rows
// for the new version are fully inserted before the header flips, so readers
// either see the old complete version or the new complete version.
func (s *Store) Save(ctx context.Context, a *types.Annotation) (*types.Annotation, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrValidation, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	var existing *types.Annotation
	if a.ID != "" {
		var err error
		existing, err = s.headerByPhysicalID(ctx, a.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.AnnotationID != "" {
			// The caller addressed an archived snapshot; the write lands on
			// the live annotation it belongs to.
			a.ID = existing.AnnotationID
			existing, err = s.headerByPhysicalID(ctx, a.ID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
		}
	}
	if existing != nil {
		a.Created = existing.Created
		a.CreatorID = existing.CreatorID
		if a.Access == nil {
			a.Access = existing.Access
		}
	} else {
		if a.ID == "" {
			a.ID = types.NewID()
		}
		if a.ID == storage.VersionSentinelKey {
			return nil, fmt.Errorf("%w: reserved annotation id", storage.ErrValidation)
		}
		a.Created = now
	}
	a.Updated = now
	a.Active = true

	version, err := s.NextVersion(ctx)
	if err != nil {
		return nil, err
	}
	a.Version = version

	records, groups, err := buildElementRecords(a, now)
	if err != nil {
		return nil, err
	}
	a.Groups = groups

	// Elements first. A crash here leaves an abandoned element version that
	// the garbage collector reclaims later.
	if err := s.InsertMany(ctx, records); err != nil {
		return nil, err
	}

	err = s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		if existing != nil && s.history {
			if err := archiveHeader(ctx, conn, existing); err != nil {
				return err
			}
		}
		return upsertHeader(ctx, conn, a)
	})
	if err != nil {
		return nil, err
	}

	if existing != nil && !s.history {
		if err := s.RemoveOlderThan(ctx, a.ID, version, nil); err != nil {
			s.log.Warn("failed to sweep replaced element version",
				zap.String("annotation", a.ID), zap.Error(err))
		}
	}

	s.emitSave(storage.SaveEvent{AnnotationID: a.ID, Version: version})
	s.log.Debug("saved annotation",
		zap.String("annotation", a.ID),
		zap.Int64("version", version),
		zap.Int("elements", len(records)))
	return a, nil
}

// buildElementRecords assigns element ids, computes bboxes and marshals the
// element payloads for one new version. Returns the records plus the sorted
// distinct groups of the version.
func buildElementRecords(a *types.Annotation, now time.Time) ([]*storage.ElementRecord, []*string, error) {
	records := make([]*storage.ElementRecord, 0, len(a.Annotation.Elements))
	seen := make(map[string]struct{}, len(a.Annotation.Elements))
	groupSet := make(map[string]struct{})
	hasUngrouped := false

	for _, el := range a.Annotation.Elements {
		if el.ID == "" {
			el.ID = types.NewID()
		} else if !types.IsID(el.ID) {
			return nil, nil, fmt.Errorf("%w: invalid element id %q", storage.ErrValidation, el.ID)
		}
		if _, dup := seen[el.ID]; dup {
			return nil, nil, fmt.Errorf("%w: duplicate element id %q", storage.ErrValidation, el.ID)
		}
		seen[el.ID] = struct{}{}

		if el.Group != nil {
			groupSet[*el.Group] = struct{}{}
		} else {
			hasUngrouped = true
		}

		raw, err := json.Marshal(el)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal element: %w", err)
		}
		records = append(records, &storage.ElementRecord{
			ID:           el.ID,
			AnnotationID: a.ID,
			Version:      a.Version,
			Created:      now,
			BBox:         geometry.BBox(el),
			Group:        el.Group,
			Element:      raw,
		})
	}

	groups := make([]string, 0, len(groupSet))
	for g := range groupSet {
		groups = append(groups, g)
	}
	if len(records) == 0 {
		hasUngrouped = false
	}
	return records, types.SortGroups(groups, hasUngrouped), nil
}

func archiveHeader(ctx context.Context, conn *sql.Conn, old *types.Annotation) error {
	archived := *old
	archived.AnnotationID = old.ID
	archived.ID = types.NewID()
	archived.Active = false
	return insertHeader(ctx, conn, &archived)
}

func upsertHeader(ctx context.Context, conn *sql.Conn, a *types.Annotation) error {
	access, publicFlags, attributes, groups, err := headerJSON(a)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO annotations
		    (id, annotation_id, item_id, creator_id, updated_id,
		     created, updated, version, active, public, public_flags, access,
		     name, description, attributes, groups)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    item_id = excluded.item_id,
		    updated_id = excluded.updated_id,
		    updated = excluded.updated,
		    version = excluded.version,
		    active = excluded.active,
		    public = excluded.public,
		    public_flags = excluded.public_flags,
		    access = excluded.access,
		    name = excluded.name,
		    description = excluded.description,
		    attributes = excluded.attributes,
		    groups = excluded.groups
	`, a.ID, nullIfEmpty(a.AnnotationID), a.ItemID, a.CreatorID, a.UpdatedID,
		a.Created, a.Updated, a.Version, boolInt(a.Active), boolInt(a.Public),
		publicFlags, access, a.Annotation.Name, a.Annotation.Description,
		attributes, groups)
	if err != nil {
		return fmt.Errorf("failed to upsert annotation header: %w", err)
	}
	return nil
}

func insertHeader(ctx context.Context, conn *sql.Conn, a *types.Annotation) error {
	access, publicFlags, attributes, groups, err := headerJSON(a)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO annotations
		    (id, annotation_id, item_id, creator_id, updated_id,
		     created, updated, version, active, public, public_flags, access,
		     name, description, attributes, groups)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, nullIfEmpty(a.AnnotationID), a.ItemID, a.CreatorID, a.UpdatedID,
		a.Created, a.Updated, a.Version, boolInt(a.Active), boolInt(a.Public),
		publicFlags, access, a.Annotation.Name, a.Annotation.Description,
		attributes, groups)
	if err != nil {
		return fmt.Errorf("failed to insert annotation header: %w", err)
	}
	return nil
}

func headerJSON(a *types.Annotation) (access any, publicFlags, attributes, groups string, err error) {
	access = nil
	if a.Access != nil {
		b, merr := json.Marshal(a.Access)
		if merr != nil {
			return nil, "", "", "", fmt.Errorf("failed to marshal access: %w", merr)
		}
		access = string(b)
	}
	pf := a.PublicFlags
	if pf == nil {
		pf = []string{}
	}
	b, merr := json.Marshal(pf)
	if merr != nil {
		return nil, "", "", "", fmt.Errorf("failed to marshal public flags: %w", merr)
	}
	publicFlags = string(b)

	attrs := a.Annotation.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	if b, merr = json.Marshal(attrs); merr != nil {
		return nil, "", "", "", fmt.Errorf("failed to marshal attributes: %w", merr)
	}
	attributes = string(b)

	g := a.Groups
	if g == nil {
		g = []*string{}
	}
	if b, merr = json.Marshal(g); merr != nil {
		return nil, "", "", "", fmt.Errorf("failed to marshal groups: %w", merr)
	}
	groups = string(b)
	return access, publicFlags, attributes, groups, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// liveHeader fetches the active header for a logical id.
func (s *Store) liveHeader(ctx context.Context, id string) (*types.Annotation, error) {
	if id == "" {
		return nil, storage.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM annotations WHERE id = ? AND active = 1
	`, annotationColumns), id)
	return scanAnnotation(row)
}

// headerByPhysicalID fetches any header row, archived ones included.
func (s *Store) headerByPhysicalID(ctx context.Context, id string) (*types.Annotation, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM annotations WHERE id = ?
	`, annotationColumns), id)
	return scanAnnotation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (*types.Annotation, error) {
	var (
		a                      types.Annotation
		annotationID, access   sql.NullString
		active, public         int
		publicFlags, attrs, gs string
	)
	err := row.Scan(&a.ID, &annotationID, &a.ItemID, &a.CreatorID, &a.UpdatedID,
		&a.Created, &a.Updated, &a.Version, &active, &public,
		&publicFlags, &access, &a.Annotation.Name, &a.Annotation.Description,
		&attrs, &gs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan annotation: %w", err)
	}
	a.AnnotationID = annotationID.String
	a.Active = active != 0
	a.Public = public != 0
	if err := json.Unmarshal([]byte(publicFlags), &a.PublicFlags); err != nil {
		return nil, fmt.Errorf("failed to decode public flags: %w", err)
	}
	if access.Valid {
		a.Access = &types.ACL{}
		if err := json.Unmarshal([]byte(access.String), a.Access); err != nil {
			return nil, fmt.Errorf("failed to decode access: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(attrs), &a.Annotation.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes: %w", err)
	}
	if err := json.Unmarshal([]byte(gs), &a.Groups); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}
	return &a, nil
}

// Get returns the live header without elements.
func (s *Store) Get(ctx context.Context, id string) (*types.Annotation, error) {
	return s.liveHeader(ctx, id)
}

// Load returns the live header plus an element cursor for its version,
// honoring the region's filters and budgets. The cursor must be closed.
//
// A save replaces the element rows of the prior version after flipping the
// header, so a reader can catch a header whose elements are already gone.
// When the header claims elements but none exist at its version, the header
// is re-read a bounded number of times.
func (s *Store) Load(ctx context.Context, id string, region *query.Region) (*types.Annotation, *ElementCursor, *query.Info, error) {
	plan := region.Plan()
	info := query.NewInfo(region)

	a, err := s.liveHeader(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	for attempt := 0; attempt < loadRetries; attempt++ {
		total, err := s.CountElements(ctx, id, a.Version, query.Plan{})
		if err != nil {
			return nil, nil, nil, err
		}
		if total > 0 || len(a.Groups) == 0 {
			break
		}
		fresh, err := s.liveHeader(ctx, id)
		if err != nil {
			return nil, nil, nil, err
		}
		if fresh.Version == a.Version {
			// Nothing moved underneath us; the version is genuinely empty.
			break
		}
		s.log.Debug("element version swept, following header",
			zap.String("annotation", id),
			zap.Int64("stale", a.Version),
			zap.Int64("version", fresh.Version))
		a = fresh
	}

	count, err := s.CountElements(ctx, id, a.Version, plan)
	if err != nil {
		return nil, nil, nil, err
	}
	info.Count = count

	cur, err := s.Yield(ctx, id, a.Version, plan)
	if err != nil {
		return nil, nil, nil, err
	}
	return a, cur, info, nil
}

// LoadAll returns the header with every element of its current version
// materialized, for callers that need the whole document.
func (s *Store) LoadAll(ctx context.Context, id string, region *query.Region) (*types.Annotation, *query.Info, error) {
	a, cur, info, err := s.Load(ctx, id, region)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = cur.Close() }()

	var elements []*types.Element
	for {
		rec, err := cur.Next()
		if err != nil {
			return nil, nil, err
		}
		if rec == nil {
			break
		}
		var el types.Element
		if err := json.Unmarshal(rec.Element, &el); err != nil {
			return nil, nil, fmt.Errorf("failed to decode element: %w", err)
		}
		elements = append(elements, &el)
	}
	a.Annotation.Elements = elements
	info.Returned = cur.Returned()
	info.Details = cur.Details()
	return a, info, nil
}

// Remove deletes an annotation. With history enabled the live header is
// deactivated and its versions retained; otherwise header and element rows
// are physically removed.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.liveHeader(ctx, id); err != nil {
		return err
	}
	if s.history {
		_, err := s.db.ExecContext(ctx, `
			UPDATE annotations SET active = 0, updated = ? WHERE id = ?
		`, time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to deactivate annotation: %w", err)
		}
		return nil
	}
	err := s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			DELETE FROM annotations WHERE id = ? OR annotation_id = ?
		`, id, id)
		if err != nil {
			return fmt.Errorf("failed to delete annotation headers: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.RemoveForAnnotation(ctx, id)
}

// UpdateMetadata rewrites the live header's mutable fields without creating
// a new element version.
func (s *Store) UpdateMetadata(ctx context.Context, a *types.Annotation) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %s", storage.ErrValidation, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.liveHeader(ctx, a.ID)
	if err != nil {
		return err
	}
	a.Created = existing.Created
	a.CreatorID = existing.CreatorID
	a.Version = existing.Version
	a.Groups = existing.Groups
	a.Active = true
	a.Updated = time.Now().UTC()

	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		return upsertHeader(ctx, conn, a)
	})
}

// SetAccessList patches the access columns of the live header directly.
func (s *Store) SetAccessList(ctx context.Context, id string, acl *types.ACL, public bool, publicFlags []string) error {
	var access any
	if acl != nil {
		b, err := json.Marshal(acl)
		if err != nil {
			return fmt.Errorf("failed to marshal access: %w", err)
		}
		access = string(b)
	}
	if publicFlags == nil {
		publicFlags = []string{}
	}
	pf, err := json.Marshal(publicFlags)
	if err != nil {
		return fmt.Errorf("failed to marshal public flags: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE annotations
		SET access = ?, public = ?, public_flags = ?, updated = ?
		WHERE id = ? AND active = 1
	`, access, boolInt(public), string(pf), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update access: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check access update: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// FindByItem lists the live annotation headers of one image item.
func (s *Store) FindByItem(ctx context.Context, itemID string, opts storage.ListOptions) ([]*types.Annotation, error) {
	return s.FindAnnotations(ctx, storage.AnnotationFilter{ItemID: itemID}, opts)
}

// FindAnnotations lists live annotation headers matching the filter.
func (s *Store) FindAnnotations(ctx context.Context, f storage.AnnotationFilter, opts storage.ListOptions) ([]*types.Annotation, error) {
	where := []string{"active = 1"}
	var args []any
	if f.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, f.ItemID)
	}
	if f.CreatorID != "" {
		where = append(where, "creator_id = ?")
		args = append(args, f.CreatorID)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Text != "" {
		where = append(where, "(name LIKE '%' || ? || '%' OR description LIKE '%' || ? || '%')")
		args = append(args, f.Text, f.Text)
	}

	col, ok := map[string]string{
		"created": "created", "updated": "updated", "name": "name",
	}[opts.Sort]
	if !ok {
		col = "created"
	}
	dir := "ASC"
	if opts.SortDir < 0 {
		dir = "DESC"
	}
	stmt := fmt.Sprintf(`
		SELECT %s FROM annotations
		WHERE %s
		ORDER BY %s %s, id ASC
	`, annotationColumns, strings.Join(where, " AND "), col, dir) // #nosec G201 - controlled fragments
	if opts.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			stmt += " LIMIT -1"
		}
		stmt += fmt.Sprintf(" OFFSET %d", opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
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
		return nil, fmt.Errorf("failed to iterate annotations: %w", err)
	}
	return out, nil
}

// Counts summarizes the table sizes for the admin counts endpoint.
type Counts struct {
	Annotations         int64 `json:"annotations"`
	ArchivedAnnotations int64 `json:"archivedAnnotations"`
	Elements            int64 `json:"elements"`
	Items               int64 `json:"items"`
	Folders             int64 `json:"folders"`
}

// Count reports live and archived header counts plus element, item and
// folder totals.
func (s *Store) Count(ctx context.Context) (*Counts, error) {
	var c Counts
	queries := []struct {
		stmt string
		dst  *int64
	}{
		{`SELECT COUNT(*) FROM annotations WHERE active = 1`, &c.Annotations},
		{`SELECT COUNT(*) FROM annotations WHERE active = 0`, &c.ArchivedAnnotations},
		{`SELECT COUNT(*) FROM elements`, &c.Elements},
		{`SELECT COUNT(*) FROM items`, &c.Items},
		{`SELECT COUNT(*) FROM folders`, &c.Folders},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.stmt).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}
	return &c, nil
}

// CountByItems reports the number of live annotations per item. Every
// requested id appears in the result, with 0 for items without annotations.
func (s *Store) CountByItems(ctx context.Context, itemIDs []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(itemIDs))
	if len(itemIDs) == 0 {
		return counts, nil
	}
	args := make([]any, len(itemIDs))
	marks := make([]string, len(itemIDs))
	for i, id := range itemIDs {
		counts[id] = 0
		args[i] = id
		marks[i] = "?"
	}
	stmt := fmt.Sprintf(`
		SELECT item_id, COUNT(*) FROM annotations
		WHERE active = 1 AND item_id IN (%s)
		GROUP BY item_id
	`, strings.Join(marks, ", ")) // #nosec G201 - placeholders are generated, not user input

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count annotations by item: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var itemID string
		var n int64
		if err := rows.Scan(&itemID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan item count: %w", err)
		}
		counts[itemID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate item counts: %w", err)
	}
	return counts, nil
}
