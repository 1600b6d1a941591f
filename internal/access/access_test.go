package access

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

type fakeStore struct {
	items   map[string]*types.Item
	folders map[string]*types.Folder
}

func (f *fakeStore) GetItem(_ context.Context, id string) (*types.Item, error) {
	if it, ok := f.items[id]; ok {
		return it, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) GetFolder(_ context.Context, id string) (*types.Folder, error) {
	if fo, ok := f.folders[id]; ok {
		return fo, nil
	}
	return nil, storage.ErrNotFound
}

func scaffold() (*Checker, *types.Annotation) {
	folder := &types.Folder{
		ID: types.NewID(),
		Access: &types.ACL{
			Users: []types.AccessEntry{
				{ID: "owner", Level: types.AccessAdmin},
				{ID: "viewer", Level: types.AccessRead},
			},
			Groups: []types.AccessEntry{{ID: "lab", Level: types.AccessWrite}},
		},
	}
	item := &types.Item{ID: types.NewID(), FolderID: folder.ID}
	a := &types.Annotation{
		ID:     types.NewID(),
		ItemID: item.ID,
		Access: &types.ACL{
			Users: []types.AccessEntry{
				{ID: "alice", Level: types.AccessAdmin},
				{ID: "bob", Level: types.AccessRead},
			},
			Groups: []types.AccessEntry{{ID: "reviewers", Level: types.AccessWrite}},
		},
	}
	c := New(&fakeStore{
		items:   map[string]*types.Item{item.ID: item},
		folders: map[string]*types.Folder{folder.ID: folder},
	})
	return c, a
}

func TestAnnotationACL(t *testing.T) {
	c, a := scaffold()
	ctx := context.Background()

	assert.NoError(t, c.RequireAnnotation(ctx, types.Principal{ID: "alice"}, a, types.AccessAdmin))
	assert.NoError(t, c.RequireAnnotation(ctx, types.Principal{ID: "bob"}, a, types.AccessRead))

	err := c.RequireAnnotation(ctx, types.Principal{ID: "bob"}, a, types.AccessWrite)
	require.ErrorIs(t, err, ErrDenied)

	// Group grants apply through principal membership.
	carol := types.Principal{ID: "carol", Groups: []string{"reviewers"}}
	assert.NoError(t, c.RequireAnnotation(ctx, carol, a, types.AccessWrite))
	require.ErrorIs(t, c.RequireAnnotation(ctx, carol, a, types.AccessAdmin), ErrDenied)

	// Strangers get nothing.
	require.ErrorIs(t, c.RequireAnnotation(ctx, types.Principal{ID: "mallory"}, a, types.AccessRead), ErrDenied)
}

func TestPublicAndAdminOverrides(t *testing.T) {
	c, a := scaffold()
	ctx := context.Background()

	a.Public = true
	assert.NoError(t, c.RequireAnnotation(ctx, types.Principal{}, a, types.AccessRead),
		"public grants anonymous read")
	require.ErrorIs(t, c.RequireAnnotation(ctx, types.Principal{}, a, types.AccessWrite), ErrDenied)

	root := types.Principal{ID: "root", Admin: true}
	assert.NoError(t, c.RequireAnnotation(ctx, root, a, types.AccessAdmin))
	assert.NoError(t, c.RequireItem(ctx, root, "missing-item", types.AccessAdmin),
		"site admins skip the folder lookup entirely")
}

func TestFolderFallback(t *testing.T) {
	c, a := scaffold()
	ctx := context.Background()
	a.Access = nil

	assert.NoError(t, c.RequireAnnotation(ctx, types.Principal{ID: "owner"}, a, types.AccessAdmin))
	assert.NoError(t, c.RequireAnnotation(ctx, types.Principal{ID: "viewer"}, a, types.AccessRead))
	require.ErrorIs(t, c.RequireAnnotation(ctx, types.Principal{ID: "viewer"}, a, types.AccessWrite), ErrDenied)

	tech := types.Principal{ID: "tech", Groups: []string{"lab"}}
	assert.NoError(t, c.RequireAnnotation(ctx, tech, a, types.AccessWrite))
}

func TestRequireItem(t *testing.T) {
	c, a := scaffold()
	ctx := context.Background()

	assert.NoError(t, c.RequireItem(ctx, types.Principal{ID: "owner"}, a.ItemID, types.AccessAdmin))
	require.ErrorIs(t, c.RequireItem(ctx, types.Principal{ID: "viewer"}, a.ItemID, types.AccessWrite), ErrDenied)

	_, err := c.src.GetItem(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
	err = c.RequireItem(ctx, types.Principal{ID: "owner"}, "nope", types.AccessRead)
	require.ErrorIs(t, err, storage.ErrNotFound, "unknown items surface the lookup error")
}

func TestPublicFolderGrantsRead(t *testing.T) {
	folder := &types.Folder{ID: types.NewID(), Public: true}
	item := &types.Item{ID: types.NewID(), FolderID: folder.ID}
	c := New(&fakeStore{
		items:   map[string]*types.Item{item.ID: item},
		folders: map[string]*types.Folder{folder.ID: folder},
	})
	assert.NoError(t, c.RequireItem(context.Background(), types.Principal{}, item.ID, types.AccessRead))
	require.ErrorIs(t,
		c.RequireItem(context.Background(), types.Principal{}, item.ID, types.AccessWrite),
		ErrDenied)
}
