// Package hooks ties annotation persistence to the lifecycle of image items.
// When an item is removed its annotations go with it; when an item is copied
// the copy's annotations are cloned once the new item exists.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/slidelab/slideannot/internal/storage"
	"github.com/slidelab/slideannot/internal/types"
)

// The pending-copy cache bridges the gap between copy preparation and copy
// completion. Entries expire after a day so an abandoned copy cannot pin a
// stale source reference forever.
const (
	referenceCacheSize = 100
	referenceTTL       = 86400 * time.Second
)

// Store is the slice of the annotation store the hooks drive.
type Store interface {
	FindByItem(ctx context.Context, itemID string, opts storage.ListOptions) ([]*types.Annotation, error)
	Remove(ctx context.Context, id string) error
	CopyItemAnnotations(ctx context.Context, srcItemID, dstItemID, creatorID string) (int, error)
}

// Lifecycle reacts to item events. One instance serves the whole process.
type Lifecycle struct {
	store   Store
	log     *zap.Logger
	pending *expirable.LRU[string, string]
}

// New builds the lifecycle hooks. A nil logger disables logging.
func New(store Store, log *zap.Logger) *Lifecycle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lifecycle{
		store:   store,
		log:     log,
		pending: expirable.NewLRU[string, string](referenceCacheSize, nil, referenceTTL),
	}
}

// ItemRemoved deletes every live annotation of the removed item. The item
// document itself belongs to the caller; only annotation state is cleaned up
// here. Individual failures are collected so one bad annotation does not
// strand the rest.
func (l *Lifecycle) ItemRemoved(ctx context.Context, itemID string) error {
	annotations, err := l.store.FindByItem(ctx, itemID, storage.ListOptions{})
	if err != nil {
		return fmt.Errorf("list annotations of removed item %s: %w", itemID, err)
	}
	var errs []error
	for _, a := range annotations {
		if err := l.store.Remove(ctx, a.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("remove annotation %s: %w", a.ID, err))
		}
	}
	l.pending.Remove(itemID)
	l.log.Info("removed annotations with item",
		zap.String("item", itemID),
		zap.Int("annotations", len(annotations)-len(errs)),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// CopyPrepared records that dstItemID is being copied from srcItemID. With
// copyAnnotations false nothing is recorded and the later CopyCompleted is a
// no-op for this item.
func (l *Lifecycle) CopyPrepared(srcItemID, dstItemID string, copyAnnotations bool) {
	if !copyAnnotations {
		l.pending.Remove(dstItemID)
		return
	}
	l.pending.Add(dstItemID, srcItemID)
}

// CopyCompleted clones the source item's annotations onto the finished copy,
// if a copy was prepared for it. Returns the number of cloned annotations.
func (l *Lifecycle) CopyCompleted(ctx context.Context, dstItemID, creatorID string) (int, error) {
	srcItemID, ok := l.pending.Get(dstItemID)
	if !ok {
		return 0, nil
	}
	l.pending.Remove(dstItemID)
	copied, err := l.store.CopyItemAnnotations(ctx, srcItemID, dstItemID, creatorID)
	if err != nil {
		return copied, fmt.Errorf("copy annotations from item %s to %s: %w", srcItemID, dstItemID, err)
	}
	l.log.Info("copied annotations with item",
		zap.String("source", srcItemID),
		zap.String("destination", dstItemID),
		zap.Int("annotations", copied))
	return copied, nil
}
