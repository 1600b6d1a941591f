package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

type fakeStore struct {
	byItem    map[string][]*types.Annotation
	removed   []string
	removeErr map[string]error
	copies    []string
}

func (f *fakeStore) FindByItem(_ context.Context, itemID string, _ storage.ListOptions) ([]*types.Annotation, error) {
	return f.byItem[itemID], nil
}

func (f *fakeStore) Remove(_ context.Context, id string) error {
	if err := f.removeErr[id]; err != nil {
		return err
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeStore) CopyItemAnnotations(_ context.Context, srcItemID, dstItemID, creatorID string) (int, error) {
	f.copies = append(f.copies, srcItemID+"->"+dstItemID+":"+creatorID)
	return len(f.byItem[srcItemID]), nil
}

func TestItemRemovedDeletesAnnotations(t *testing.T) {
	item := types.NewID()
	store := &fakeStore{byItem: map[string][]*types.Annotation{
		item: {{ID: "a1"}, {ID: "a2"}},
	}}
	l := New(store, nil)

	require.NoError(t, l.ItemRemoved(context.Background(), item))
	assert.Equal(t, []string{"a1", "a2"}, store.removed)
}

func TestItemRemovedCollectsFailures(t *testing.T) {
	item := types.NewID()
	boom := errors.New("boom")
	store := &fakeStore{
		byItem:    map[string][]*types.Annotation{item: {{ID: "a1"}, {ID: "a2"}, {ID: "a3"}}},
		removeErr: map[string]error{"a2": boom},
	}
	l := New(store, nil)

	err := l.ItemRemoved(context.Background(), item)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a1", "a3"}, store.removed, "the failure does not strand the rest")
}

func TestItemRemovedIgnoresAlreadyGone(t *testing.T) {
	item := types.NewID()
	store := &fakeStore{
		byItem:    map[string][]*types.Annotation{item: {{ID: "a1"}}},
		removeErr: map[string]error{"a1": storage.ErrNotFound},
	}
	require.NoError(t, New(store, nil).ItemRemoved(context.Background(), item))
}

func TestCopyFlow(t *testing.T) {
	src, dst := types.NewID(), types.NewID()
	store := &fakeStore{byItem: map[string][]*types.Annotation{
		src: {{ID: "a1"}, {ID: "a2"}},
	}}
	l := New(store, nil)

	l.CopyPrepared(src, dst, true)
	n, err := l.CopyCompleted(context.Background(), dst, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{src + "->" + dst + ":carol"}, store.copies)

	// The reference is consumed; a second completion is a no-op.
	n, err = l.CopyCompleted(context.Background(), dst, "carol")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, store.copies, 1)
}

func TestCopyWithoutAnnotations(t *testing.T) {
	src, dst := types.NewID(), types.NewID()
	store := &fakeStore{byItem: map[string][]*types.Annotation{src: {{ID: "a1"}}}}
	l := New(store, nil)

	l.CopyPrepared(src, dst, false)
	n, err := l.CopyCompleted(context.Background(), dst, "carol")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.copies)
}

func TestCopyWithoutAnnotationsCancelsEarlierPrepare(t *testing.T) {
	src, dst := types.NewID(), types.NewID()
	store := &fakeStore{byItem: map[string][]*types.Annotation{src: {{ID: "a1"}}}}
	l := New(store, nil)

	l.CopyPrepared(src, dst, true)
	l.CopyPrepared(src, dst, false)
	n, err := l.CopyCompleted(context.Background(), dst, "carol")
	require.NoError(t, err)
	assert.Zero(t, n)
}
