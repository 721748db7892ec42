package store

import (
	"context"
)

// Items is the typed repository for cache metadata records. It holds no state
// and performs no caching; every call goes through the manager's serialized
// executor.
type Items struct {
	mgr *Manager
}

// NewItems creates a repository over the given manager.
func NewItems(mgr *Manager) *Items {
	return &Items{mgr: mgr}
}

// List returns all records. No ordering guarantee; ordering is the caller's
// concern.
func (r *Items) List(ctx context.Context) ([]Item, error) {
	var items []Item
	err := r.mgr.Execute(ctx, "list_items", func(opCtx context.Context, b Backend) error {
		var listErr error
		items, listErr = b.ListItems(opCtx)
		return listErr
	})
	return items, err
}

// Get returns the record for key, or ErrNotFound.
func (r *Items) Get(ctx context.Context, key string) (*Item, error) {
	var item *Item
	err := r.mgr.Execute(ctx, "get_item", func(opCtx context.Context, b Backend) error {
		var getErr error
		item, getErr = b.GetItem(opCtx, key)
		return getErr
	})
	return item, err
}

// Upsert writes one record with replace-by-key semantics.
func (r *Items) Upsert(ctx context.Context, item Item) error {
	return r.mgr.Execute(ctx, "upsert_item", func(opCtx context.Context, b Backend) error {
		return b.PutItems(opCtx, []Item{item})
	})
}

// UpsertMany writes records in one serialized operation.
func (r *Items) UpsertMany(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	return r.mgr.Execute(ctx, "upsert_items", func(opCtx context.Context, b Backend) error {
		return b.PutItems(opCtx, items)
	})
}

// Delete hard-deletes the record for key.
func (r *Items) Delete(ctx context.Context, key string) error {
	return r.mgr.Execute(ctx, "delete_item", func(opCtx context.Context, b Backend) error {
		return b.DeleteItem(opCtx, key)
	})
}

// Clear removes all records.
func (r *Items) Clear(ctx context.Context) error {
	return r.mgr.Execute(ctx, "clear_items", func(opCtx context.Context, b Backend) error {
		return b.ClearItems(opCtx)
	})
}
