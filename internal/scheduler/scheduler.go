package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"media-cache/internal/logging"
	"media-cache/internal/mediakind"
	"media-cache/internal/metrics"
	"media-cache/internal/store"
)

// Op is the kind of work a task performs.
type Op string

const (
	// OpDownload fetches media bytes to the deterministic local path.
	OpDownload Op = "download"
	// OpThumbnail derives a thumbnail from already-downloaded media.
	OpThumbnail Op = "thumbnail"
)

// TaskID identifies a task. A task already queued or running for an identity
// is never duplicated.
type TaskID struct {
	Key string
	Op  Op
}

// Task is one unit of queued work.
type Task struct {
	ID               TaskID
	URL              string
	Kind             mediakind.Kind
	NotificationDate *time.Time
	Force            bool
}

// Snapshot is the observable queue state for diagnostics. It is never used
// as a synchronization primitive.
type Snapshot struct {
	Pending    []TaskID `json:"pending"`
	Processing bool     `json:"processing"`
}

// Downloader is the "download bytes from URL to local file" primitive.
type Downloader interface {
	Fetch(ctx context.Context, url, dest string) (int64, error)
}

// Thumbnailer is the "derive a thumbnail from a local media file" primitive.
type Thumbnailer interface {
	Generate(ctx context.Context, localPath, url string, kind mediakind.Kind, maxDimension int) (string, error)
}

// ErrStopped is returned for enqueue requests after Stop.
var ErrStopped = errors.New("scheduler is stopped")

// ErrQueueFull is returned when the bounded task queue cannot accept more
// work. Callers may retry later; nothing has been enqueued.
var ErrQueueFull = errors.New("task queue is full")

// Config tunes the scheduler. Zero values get defaults.
type Config struct {
	// QueueCapacity bounds the number of queued tasks.
	QueueCapacity int
	// MaxThumbDimension bounds the long edge of generated thumbnails.
	MaxThumbDimension int
	// TaskTimeout is the hard per-task timeout for the download or transform.
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.MaxThumbDimension <= 0 {
		c.MaxThumbDimension = 320
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	return c
}

// Scheduler coordinates downloads and thumbnail generation through a single
// consumer: one network download or one media transform at a time, in strict
// FIFO order. Serializing the lane avoids concurrent writers to the shared
// cache directory without per-file locking.
type Scheduler struct {
	cacheRoot string
	items     *store.Items
	dl        Downloader
	tn        Thumbnailer
	cfg       Config

	tasks chan Task
	done  chan struct{}

	mu         sync.Mutex
	started    bool
	stopped    bool
	inflight   map[TaskID]struct{}
	pending    []TaskID
	processing bool
	waiters    map[TaskID][]chan struct{}

	// notify is invoked after every persisted mutation so the facade can
	// re-publish its snapshot. Set before Start.
	notify func()
}

// New creates a scheduler. Call Start to begin draining tasks.
func New(cacheRoot string, items *store.Items, dl Downloader, tn Thumbnailer, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cacheRoot: cacheRoot,
		items:     items,
		dl:        dl,
		tn:        tn,
		cfg:       cfg,
		tasks:     make(chan Task, cfg.QueueCapacity),
		done:      make(chan struct{}),
		inflight:  make(map[TaskID]struct{}),
		waiters:   make(map[TaskID][]chan struct{}),
		notify:    func() {},
	}
}

// SetNotify registers the change callback invoked after each persisted
// mutation. Must be called before Start.
func (s *Scheduler) SetNotify(fn func()) {
	if fn != nil {
		s.notify = fn
	}
}

// Start launches the single consumer loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Stop rejects new tasks and waits for queued work to drain, bounded by ctx.
// The in-flight task always runs to completion; there is no mid-flight
// cancellation.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	// Closed under the same lock enqueuers hold while sending, so a late
	// enqueue can never hit a closed channel.
	close(s.tasks)
	s.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		logging.Warn("Scheduler stop timed out with tasks still queued")
		return ctx.Err()
	}
}

// EnqueueDownload queues a download for (url, kind). The metadata record is
// marked downloading synchronously, before the task runs, so concurrent
// readers see the in-flight state immediately. Returns true if a task was
// actually enqueued.
func (s *Scheduler) EnqueueDownload(ctx context.Context, rawURL string, kind mediakind.Kind, notificationDate *time.Time, force bool) (bool, error) {
	id := TaskID{Key: mediakind.CacheKey(rawURL, kind), Op: OpDownload}

	item, err := s.loadOrCreate(ctx, rawURL, kind)
	if err != nil {
		return false, err
	}

	if !force {
		switch item.State() {
		case store.StateDownloading, store.StateFailed, store.StateDeleted:
			logging.Debug("Skipping download enqueue for %s (state %s)", id.Key, item.State())
			return false, nil
		}
	}

	now := time.Now()
	item.MarkDownloading(now)
	if notificationDate != nil {
		item.NotificationDate = notificationDate
	}
	if item.OriginalFileName == "" {
		item.OriginalFileName = originalFileName(rawURL)
	}

	return s.commitAndEnqueue(ctx, *item, Task{
		ID:               id,
		URL:              rawURL,
		Kind:             kind,
		NotificationDate: notificationDate,
		Force:            force,
	})
}

// EnqueueThumbnail queues thumbnail generation for (url, kind). A no-op for
// kinds without thumbnail support and, unless forced, for items that have no
// media on disk yet: thumbnails are the second pipeline stage, not a
// substitute for the download.
func (s *Scheduler) EnqueueThumbnail(ctx context.Context, rawURL string, kind mediakind.Kind, force bool) (bool, error) {
	if !kind.SupportsThumbnail() {
		return false, nil
	}

	id := TaskID{Key: mediakind.CacheKey(rawURL, kind), Op: OpThumbnail}

	item, err := s.items.Get(ctx, id.Key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !force {
		if item.LocalPath == "" {
			return false, nil
		}
		switch item.State() {
		case store.StateFailed, store.StateDeleted:
			return false, nil
		}
		if item.LocalThumbPath != "" {
			return false, nil
		}
	}

	item.GeneratingThumbnail = true
	item.Timestamp = time.Now()

	return s.commitAndEnqueue(ctx, *item, Task{
		ID:    id,
		URL:   rawURL,
		Kind:  kind,
		Force: force,
	})
}

// commitAndEnqueue persists the in-flight flags and appends the task, unless
// an identical task is already queued or running.
func (s *Scheduler) commitAndEnqueue(ctx context.Context, item store.Item, task Task) (bool, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false, ErrStopped
	}
	if _, dup := s.inflight[task.ID]; dup {
		s.mu.Unlock()
		metrics.TasksDeduplicated.Inc()
		logging.Debug("Task %s/%s already queued or running", task.ID.Op, task.ID.Key)
		return false, nil
	}
	s.inflight[task.ID] = struct{}{}
	s.pending = append(s.pending, task.ID)
	s.mu.Unlock()

	if err := s.items.Upsert(ctx, item); err != nil {
		s.remove(task.ID)
		return false, err
	}
	s.notify()

	// The send is non-blocking, so holding the lock here is cheap; it is what
	// makes the Stop-side channel close safe.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.removeLocked(task.ID)
		return false, ErrStopped
	}
	select {
	case s.tasks <- task:
		metrics.TaskQueueLength.Inc()
		return true, nil
	default:
		s.removeLocked(task.ID)
		return false, ErrQueueFull
	}
}

// Wait returns a channel closed when the task for id resolves. If no such
// task is queued or running, the channel is already closed.
func (s *Scheduler) Wait(id TaskID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{})
	if _, ok := s.inflight[id]; !ok {
		close(ch)
		return ch
	}
	s.waiters[id] = append(s.waiters[id], ch)
	return ch
}

// IsInFlight reports whether a task for id is queued or running.
func (s *Scheduler) IsInFlight(id TaskID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// Snapshot returns the current queue state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]TaskID, len(s.pending))
	copy(pending, s.pending)
	return Snapshot{Pending: pending, Processing: s.processing}
}

func (s *Scheduler) run() {
	defer close(s.done)

	for task := range s.tasks {
		metrics.TaskQueueLength.Dec()
		s.begin(task.ID)

		start := time.Now()
		status := s.process(task)

		metrics.TasksTotal.WithLabelValues(string(task.ID.Op), status).Inc()
		metrics.TaskDuration.WithLabelValues(string(task.ID.Op)).Observe(time.Since(start).Seconds())

		s.remove(task.ID)
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}
}

func (s *Scheduler) begin(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.processing = true
}

// remove clears the task from the dedup set and releases its waiters.
func (s *Scheduler) remove(id TaskID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

func (s *Scheduler) removeLocked(id TaskID) {
	delete(s.inflight, id)
	for i, p := range s.pending {
		if p == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	for _, ch := range s.waiters[id] {
		close(ch)
	}
	delete(s.waiters, id)
}

// process runs one task to completion. Failures degrade to recorded state;
// nothing here may panic the process.
func (s *Scheduler) process(task Task) (status string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TaskTimeout)
	defer cancel()

	switch task.ID.Op {
	case OpDownload:
		return s.processDownload(ctx, task)
	case OpThumbnail:
		return s.processThumbnail(ctx, task)
	default:
		logging.Error("Unknown task op %q for %s", task.ID.Op, task.ID.Key)
		return "failed"
	}
}

func (s *Scheduler) processDownload(ctx context.Context, task Task) string {
	dest := mediakind.LocalPath(s.cacheRoot, task.URL, task.Kind)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.recordFailure(task, fmt.Errorf("failed to create media directory: %w", err))
		return "failed"
	}

	size, err := s.dl.Fetch(ctx, task.URL, dest)
	if err != nil {
		logging.Warn("Download failed for %s: %v", task.ID.Key, err)
		s.recordFailure(task, err)
		return "failed"
	}

	item, loadErr := s.loadOrCreate(ctx, task.URL, task.Kind)
	if loadErr != nil {
		logging.Error("failed to load record after download of %s: %v", task.ID.Key, loadErr)
		return "failed"
	}
	item.MarkAvailable(dest, size, time.Now())
	if task.NotificationDate != nil {
		item.NotificationDate = task.NotificationDate
	}
	if err := s.items.Upsert(ctx, *item); err != nil {
		logging.Error("failed to persist download result for %s: %v", task.ID.Key, err)
		return "failed"
	}
	s.notify()
	logging.Debug("Downloaded %s (%d bytes)", task.ID.Key, size)

	// Download and thumbnail form a pipeline: each successful download
	// enqueues its thumbnail stage automatically.
	if task.Kind.SupportsThumbnail() {
		if _, err := s.EnqueueThumbnail(ctx, task.URL, task.Kind, false); err != nil && !errors.Is(err, ErrStopped) {
			logging.Warn("failed to enqueue follow-up thumbnail for %s: %v", task.ID.Key, err)
		}
	}
	return "succeeded"
}

func (s *Scheduler) processThumbnail(ctx context.Context, task Task) string {
	item, err := s.items.Get(ctx, task.ID.Key)
	if errors.Is(err, store.ErrNotFound) {
		// Record deleted while the task was queued; nothing to do.
		return "skipped"
	}
	if err != nil {
		logging.Error("failed to load record for thumbnail of %s: %v", task.ID.Key, err)
		return "failed"
	}

	thumbPath := mediakind.ThumbPath(s.cacheRoot, task.URL, task.Kind)
	if !task.Force {
		if _, statErr := os.Stat(thumbPath); statErr == nil {
			item.LocalThumbPath = thumbPath
			item.GeneratingThumbnail = false
			item.Timestamp = time.Now()
			if err := s.items.Upsert(ctx, *item); err != nil {
				logging.Error("failed to persist existing thumbnail for %s: %v", task.ID.Key, err)
				return "failed"
			}
			s.notify()
			return "skipped"
		}
	}

	generated, err := s.tn.Generate(ctx, item.LocalPath, task.URL, task.Kind, s.cfg.MaxThumbDimension)
	if err != nil {
		// The media file stays on disk; only the record is marked unusable
		// for display.
		logging.Warn("Thumbnail generation failed for %s: %v", task.ID.Key, err)
		s.recordFailure(task, err)
		return "failed"
	}

	item.LocalThumbPath = generated
	item.GeneratingThumbnail = false
	item.Timestamp = time.Now()
	if err := s.items.Upsert(ctx, *item); err != nil {
		logging.Error("failed to persist thumbnail for %s: %v", task.ID.Key, err)
		return "failed"
	}
	s.notify()
	return "succeeded"
}

// recordFailure persists the permanent-failure state for a task. Failures are
// not retried automatically; a later forced request is required.
func (s *Scheduler) recordFailure(task Task, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	item, err := s.loadOrCreate(ctx, task.URL, task.Kind)
	if err != nil {
		logging.Error("failed to load record while recording failure for %s: %v", task.ID.Key, err)
		return
	}
	item.MarkFailed(cause.Error(), time.Now())
	if task.NotificationDate != nil {
		item.NotificationDate = task.NotificationDate
	}
	if err := s.items.Upsert(ctx, *item); err != nil {
		logging.Error("failed to persist failure for %s: %v", task.ID.Key, err)
		return
	}
	s.notify()
}

func (s *Scheduler) loadOrCreate(ctx context.Context, rawURL string, kind mediakind.Kind) (*store.Item, error) {
	item, err := s.items.Get(ctx, mediakind.CacheKey(rawURL, kind))
	if errors.Is(err, store.ErrNotFound) {
		fresh := store.NewItem(rawURL, kind)
		return &fresh, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// originalFileName extracts the file name component of a media URL for
// bookkeeping. Best effort; empty when the URL has no path.
func originalFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return path.Base(rawURL)
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
