package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"media-cache/internal/logging"
	"media-cache/internal/mediakind"
	"media-cache/internal/scheduler"
	"media-cache/internal/store"
)

// ErrNotCached is returned when an operation requires a cached item that does
// not exist.
var ErrNotCached = errors.New("media is not cached")

// Config tunes the engine.
type Config struct {
	// CacheRoot is the shared directory holding per-kind media directories.
	// The database file must live outside it; ClearCacheComplete wipes it.
	CacheRoot string
	// MaxThumbDimension bounds the long edge of generated thumbnails.
	MaxThumbDimension int
	// Scheduler tunes the task queue.
	Scheduler scheduler.Config
}

// Engine is the media cache facade: the single entry point the rest of the
// app uses. It owns the store manager, the metadata repository and the task
// scheduler, and publishes a full metadata snapshot to subscribers on every
// mutation. Construct one per process and pass it by reference.
type Engine struct {
	cfg   Config
	mgr   *store.Manager
	items *store.Items
	sched *scheduler.Scheduler
	tn    scheduler.Thumbnailer

	stream *stream
}

// New creates an engine over the given backend and media primitives. Call
// Open before use.
func New(cfg Config, backend store.Backend, storeCfg store.Config, dl scheduler.Downloader, tn scheduler.Thumbnailer) *Engine {
	if cfg.MaxThumbDimension <= 0 {
		cfg.MaxThumbDimension = 320
	}
	cfg.Scheduler.MaxThumbDimension = cfg.MaxThumbDimension

	mgr := store.NewManager(backend, storeCfg)
	items := store.NewItems(mgr)
	sched := scheduler.New(cfg.CacheRoot, items, dl, tn, cfg.Scheduler)

	e := &Engine{
		cfg:    cfg,
		mgr:    mgr,
		items:  items,
		sched:  sched,
		tn:     tn,
		stream: newStream(),
	}
	sched.SetNotify(e.refresh)
	return e
}

// Open prepares the directory layout, opens the store and starts the task
// queue. A corrupted store surfaces as store.ErrStoreCorrupted: visible to
// the caller, but recoverable by deleting the database file.
func (e *Engine) Open(ctx context.Context) error {
	if err := mediakind.EnsureLayout(e.cfg.CacheRoot); err != nil {
		return err
	}
	if err := e.mgr.Open(ctx); err != nil {
		return err
	}

	items, err := e.items.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load cache metadata: %w", err)
	}
	e.stream.replace(items)
	logging.Info("Media cache open with %d records under %s", len(items), e.cfg.CacheRoot)

	e.sched.Start()
	return nil
}

// Close stops the scheduler, drains the store and releases all resources.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.sched.Stop(ctx); err != nil {
		logging.Warn("Scheduler did not drain cleanly: %v", err)
	}
	err := e.mgr.Close(ctx)
	e.stream.shutdown()
	return err
}

// Subscribe registers a change-stream subscriber. Every mutation re-publishes
// the full metadata snapshot; slow subscribers only ever miss intermediate
// snapshots, never the latest one. The returned cancel func must be called to
// release the subscription.
func (e *Engine) Subscribe() (<-chan []store.Item, func()) {
	return e.stream.subscribe()
}

// Items returns the current metadata snapshot, newest first.
func (e *Engine) Items() []store.Item {
	return e.stream.snapshot()
}

// QueueSnapshot returns the scheduler's observable state for diagnostics.
func (e *Engine) QueueSnapshot() scheduler.Snapshot {
	return e.sched.Snapshot()
}

// refresh reloads the read model from the store and re-publishes it. It is
// the scheduler's notify hook and runs after every persisted mutation.
func (e *Engine) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	items, err := e.items.List(ctx)
	if err != nil {
		logging.Error("failed to refresh cache snapshot: %v", err)
		return
	}
	e.stream.replace(items)
}

// GetCachedItem returns the record for (url, kind), or ErrNotCached. If no
// record exists but a file from a prior session sits at the deterministic
// local path, the record is reconstructed and persisted rather than forcing a
// re-download.
func (e *Engine) GetCachedItem(ctx context.Context, url string, kind mediakind.Kind) (*store.Item, error) {
	key := mediakind.CacheKey(url, kind)

	if item, ok := e.stream.get(key); ok {
		return &item, nil
	}

	item, err := e.items.Get(ctx, key)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return e.reconstructFromDisk(ctx, url, kind)
}

// reconstructFromDisk lazily re-creates a metadata record for media another
// process (or a prior session) already materialized at the deterministic
// path.
func (e *Engine) reconstructFromDisk(ctx context.Context, url string, kind mediakind.Kind) (*store.Item, error) {
	localPath := mediakind.LocalPath(e.cfg.CacheRoot, url, kind)
	info, statErr := os.Stat(localPath)
	if statErr != nil {
		return nil, ErrNotCached
	}

	item := store.NewItem(url, kind)
	item.MarkAvailable(localPath, info.Size(), time.Now())
	item.DownloadedAt = info.ModTime()

	thumbPath := mediakind.ThumbPath(e.cfg.CacheRoot, url, kind)
	if _, err := os.Stat(thumbPath); err == nil {
		item.LocalThumbPath = thumbPath
	}

	if err := e.items.Upsert(ctx, item); err != nil {
		return nil, err
	}
	logging.Debug("Reconstructed cache record for %s from %s", item.Key, localPath)
	e.refresh()
	return &item, nil
}

// DownloadMedia requests that (url, kind) be cached. A no-op when a usable
// record already exists and force is false; otherwise a placeholder record is
// seeded (IsDownloading set synchronously) and the work deferred to the
// queue.
func (e *Engine) DownloadMedia(ctx context.Context, url string, kind mediakind.Kind, force bool, notificationDate *time.Time) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid media kind %q", kind)
	}

	if !force {
		item, err := e.GetCachedItem(ctx, url, kind)
		if err == nil && item.State() == store.StateAvailable {
			return nil
		}
		if err != nil && !errors.Is(err, ErrNotCached) {
			return err
		}
	}

	_, err := e.sched.EnqueueDownload(ctx, url, kind, notificationDate, force)
	return err
}

// RequestThumbnail queues thumbnail generation for an already-downloaded
// item. A no-op for kinds without thumbnail support.
func (e *Engine) RequestThumbnail(ctx context.Context, url string, kind mediakind.Kind, force bool) error {
	_, err := e.sched.EnqueueThumbnail(ctx, url, kind, force)
	return err
}

// GetOrCreateThumbnail returns the thumbnail path for (url, kind), producing
// it on demand when absent. If a queued thumbnail task for the same key is
// already in flight, the call joins it instead of duplicating the work;
// otherwise generation runs synchronously, bypassing the queue.
func (e *Engine) GetOrCreateThumbnail(ctx context.Context, url string, kind mediakind.Kind, maxDimension int) (string, error) {
	if !kind.SupportsThumbnail() {
		return "", fmt.Errorf("media kind %s does not support thumbnails", kind)
	}
	if maxDimension <= 0 {
		maxDimension = e.cfg.MaxThumbDimension
	}

	item, err := e.GetCachedItem(ctx, url, kind)
	if err != nil {
		return "", err
	}
	if item.LocalThumbPath != "" {
		if _, statErr := os.Stat(item.LocalThumbPath); statErr == nil {
			return item.LocalThumbPath, nil
		}
	}
	if item.LocalPath == "" {
		return "", fmt.Errorf("media for %s has not been downloaded yet", item.Key)
	}

	taskID := scheduler.TaskID{Key: item.Key, Op: scheduler.OpThumbnail}
	if e.sched.IsInFlight(taskID) {
		select {
		case <-e.sched.Wait(taskID):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		joined, err := e.items.Get(ctx, item.Key)
		if err != nil {
			return "", err
		}
		if joined.LocalThumbPath == "" {
			return "", fmt.Errorf("queued thumbnail generation failed for %s: %s", item.Key, joined.ErrorCode)
		}
		return joined.LocalThumbPath, nil
	}

	item.GeneratingThumbnail = true
	item.Timestamp = time.Now()
	if err := e.items.Upsert(ctx, *item); err != nil {
		return "", err
	}
	e.refresh()

	thumbPath, genErr := e.tn.Generate(ctx, item.LocalPath, url, kind, maxDimension)
	if genErr != nil {
		item.MarkFailed(genErr.Error(), time.Now())
		if err := e.items.Upsert(ctx, *item); err != nil {
			logging.Error("failed to persist thumbnail failure for %s: %v", item.Key, err)
		}
		e.refresh()
		return "", fmt.Errorf("thumbnail generation failed: %w", genErr)
	}

	item.LocalThumbPath = thumbPath
	item.GeneratingThumbnail = false
	item.Timestamp = time.Now()
	if err := e.items.Upsert(ctx, *item); err != nil {
		return "", err
	}
	e.refresh()
	return thumbPath, nil
}

// MarkAsPermanentFailure records an externally-determined failure (for
// example the caller learned the resource is gone) independent of the
// scheduler's own failure path.
func (e *Engine) MarkAsPermanentFailure(ctx context.Context, url string, kind mediakind.Kind, errorCode string) error {
	key := mediakind.CacheKey(url, kind)

	item, err := e.items.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		fresh := store.NewItem(url, kind)
		item = &fresh
	} else if err != nil {
		return err
	}

	item.MarkFailed(errorCode, time.Now())
	if err := e.items.Upsert(ctx, *item); err != nil {
		return err
	}
	e.refresh()
	return nil
}

// DeleteCachedMedia removes the on-disk media and thumbnail for (url, kind).
// With permanent set the metadata row is hard-deleted; otherwise the record
// becomes a tombstone so stale external sync cannot re-materialize it.
func (e *Engine) DeleteCachedMedia(ctx context.Context, url string, kind mediakind.Kind, permanent bool) error {
	key := mediakind.CacheKey(url, kind)

	fsErr := errors.Join(
		removeIfExists(mediakind.LocalPath(e.cfg.CacheRoot, url, kind)),
		removeIfExists(mediakind.ThumbPath(e.cfg.CacheRoot, url, kind)),
	)

	var storeErr error
	if permanent {
		storeErr = e.items.Delete(ctx, key)
	} else {
		item, err := e.items.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			fresh := store.NewItem(url, kind)
			item = &fresh
		} else if err != nil {
			return errors.Join(fsErr, err)
		}
		item.MarkDeleted(time.Now())
		storeErr = e.items.Upsert(ctx, *item)
	}

	if storeErr != nil {
		return errors.Join(fsErr, storeErr)
	}
	e.refresh()
	return fsErr
}

// ClearCache soft-deletes every record: files are removed but tombstone rows
// remain.
func (e *Engine) ClearCache(ctx context.Context) error {
	items, err := e.items.List(ctx)
	if err != nil {
		return err
	}

	var fsErr error
	now := time.Now()
	tombstones := make([]store.Item, 0, len(items))
	for _, item := range items {
		fsErr = errors.Join(fsErr,
			removeIfExists(mediakind.LocalPath(e.cfg.CacheRoot, item.URL, item.Kind)),
			removeIfExists(mediakind.ThumbPath(e.cfg.CacheRoot, item.URL, item.Kind)),
		)
		item.MarkDeleted(now)
		tombstones = append(tombstones, item)
	}

	if err := e.items.UpsertMany(ctx, tombstones); err != nil {
		return errors.Join(fsErr, err)
	}
	logging.Info("Cache cleared: %d records tombstoned", len(tombstones))
	e.refresh()
	return fsErr
}

// ClearCacheComplete additionally wipes every metadata row and the per-kind
// directory trees, then recreates the expected layout.
func (e *Engine) ClearCacheComplete(ctx context.Context) error {
	if err := e.items.Clear(ctx); err != nil {
		return err
	}

	var fsErr error
	for _, k := range mediakind.Kinds() {
		fsErr = errors.Join(fsErr, os.RemoveAll(mediakind.Dir(e.cfg.CacheRoot, k)))
	}
	if err := mediakind.EnsureLayout(e.cfg.CacheRoot); err != nil {
		return errors.Join(fsErr, err)
	}

	logging.Info("Cache cleared completely")
	e.refresh()
	return fsErr
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// sortNewestFirst orders a snapshot by last-mutation watermark, newest first.
func sortNewestFirst(items []store.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
}
