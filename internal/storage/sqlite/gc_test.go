package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidelab/slideannot/internal/geometry"
	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

func TestGCRejectsUnsafeMinimumAge(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	_, err := s.RemoveOldAnnotations(ctx, storage.GCOptions{MinAgeDays: 3})
	require.ErrorIs(t, err, storage.ErrValidation)

	_, err = s.RemoveOldAnnotations(ctx, storage.GCOptions{DryRun: true, MinAgeDays: -1})
	require.ErrorIs(t, err, storage.ErrValidation)

	_, err = s.RemoveOldAnnotations(ctx, storage.GCOptions{DryRun: true, MinAgeDays: 0})
	require.NoError(t, err)
}

func TestGCSweepsAbandonedElementVersions(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	// An interrupted save leaves element rows with no header.
	el := rect(1, 1, 2, 2)
	el.ID = types.NewID()
	raw := mustMarshal(t, el)
	stale := time.Now().UTC().AddDate(0, 0, -30)
	require.NoError(t, s.InsertMany(ctx, []*storage.ElementRecord{{
		ID:           el.ID,
		AnnotationID: types.NewID(),
		Version:      999999,
		Created:      stale,
		BBox:         geometry.BBox(el),
		Element:      raw,
	}}))

	report, err := s.RemoveOldAnnotations(ctx, storage.GCOptions{DryRun: true, MinAgeDays: 0})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.AbandonedVersions)
	assert.Zero(t, report.RemovedVersions, "dry run must not delete")

	report, err = s.RemoveOldAnnotations(ctx, storage.GCOptions{MinAgeDays: 7})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.AbandonedVersions)
	assert.EqualValues(t, 1, report.RemovedVersions)

	var n int64
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM elements WHERE version = 999999`).Scan(&n))
	assert.Zero(t, n)
}

func TestGCSweepsOrphanedAnnotations(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	item := seedItem(t, s)

	a, err := s.Save(ctx, &types.Annotation{
		ItemID:     item.ID,
		Annotation: types.AnnotationBody{Name: "orphan", Elements: []*types.Element{rect(1, 1, 2, 2)}},
	})
	require.NoError(t, err)

	// Drop the item out from under the annotation and age the header.
	_, err = s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, item.ID)
	require.NoError(t, err)
	stale := time.Now().UTC().AddDate(0, 0, -30)
	_, err = s.db.ExecContext(ctx,
		`UPDATE annotations SET updated = ? WHERE id = ?`, stale, a.ID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`UPDATE elements SET created = ? WHERE annotation_id = ?`, stale, a.ID)
	require.NoError(t, err)

	report, err := s.RemoveOldAnnotations(ctx, storage.GCOptions{MinAgeDays: 7})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.FromDeletedItems)

	_, err = s.Get(ctx, a.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGCKeepsRecentInactiveVersions(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()
	item := seedItem(t, s)

	a, err := s.Save(ctx, &types.Annotation{
		ItemID:     item.ID,
		Annotation: types.AnnotationBody{Name: "kept", Elements: []*types.Element{rect(1, 1, 2, 2)}},
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		a.Annotation.Elements = []*types.Element{rect(float64(i), 0, 2, 2)}
		a.Annotation.Elements[0].ID = ""
		a, err = s.Save(ctx, a)
		require.NoError(t, err)
	}

	// Three archived versions; the keep count protects the newest one.
	report, err := s.RemoveOldAnnotations(ctx, storage.GCOptions{
		DryRun: true, MinAgeDays: 0, KeepInactiveVersions: 1,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.Active)
	assert.EqualValues(t, 1, report.RecentVersions)
	assert.EqualValues(t, 2, report.OldVersions)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
