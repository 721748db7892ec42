package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"media-cache/internal/mediakind"
	"media-cache/internal/store"
)

// fakeDownloader writes canned bytes to the destination, or fails.
type fakeDownloader struct {
	mu      sync.Mutex
	calls   int
	failErr error
	block   chan struct{} // when set, Fetch waits for it before returning
	body    []byte
}

func (d *fakeDownloader) Fetch(ctx context.Context, url, dest string) (int64, error) {
	d.mu.Lock()
	d.calls++
	block := d.block
	failErr := d.failErr
	body := d.body
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if failErr != nil {
		return 0, failErr
	}
	if body == nil {
		body = []byte("media")
	}
	if err := os.WriteFile(dest, body, 0o644); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

func (d *fakeDownloader) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakeThumbnailer writes a marker file at the deterministic thumbnail path.
type fakeThumbnailer struct {
	mu      sync.Mutex
	calls   int
	failErr error
	root    string
}

func (tn *fakeThumbnailer) Generate(ctx context.Context, localPath, url string, kind mediakind.Kind, maxDimension int) (string, error) {
	tn.mu.Lock()
	tn.calls++
	failErr := tn.failErr
	tn.mu.Unlock()

	if failErr != nil {
		return "", failErr
	}
	thumbPath := mediakind.ThumbPath(tn.root, url, kind)
	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(thumbPath, []byte("thumb"), 0o644); err != nil {
		return "", err
	}
	return thumbPath, nil
}

func (tn *fakeThumbnailer) callCount() int {
	tn.mu.Lock()
	defer tn.mu.Unlock()
	return tn.calls
}

type fixture struct {
	root  string
	items *store.Items
	dl    *fakeDownloader
	tn    *fakeThumbnailer
	sched *Scheduler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	root := t.TempDir()
	if err := mediakind.EnsureLayout(root); err != nil {
		t.Fatalf("EnsureLayout() error: %v", err)
	}

	mgr := store.NewManager(store.NewMemory(), store.Config{})
	if err := mgr.Open(context.Background()); err != nil {
		t.Fatalf("manager Open() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(ctx)
	})

	items := store.NewItems(mgr)
	dl := &fakeDownloader{}
	tn := &fakeThumbnailer{root: root}
	sched := New(root, items, dl, tn, cfg)

	return &fixture{root: root, items: items, dl: dl, tn: tn, sched: sched}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.sched.Stop(ctx)
	})
}

// waitSettled blocks until both pipeline stages for the URL have resolved.
func (f *fixture) waitSettled(t *testing.T, url string, kind mediakind.Kind) {
	t.Helper()
	key := mediakind.CacheKey(url, kind)

	deadline := time.After(5 * time.Second)
	for {
		<-f.sched.Wait(TaskID{Key: key, Op: OpDownload})
		<-f.sched.Wait(TaskID{Key: key, Op: OpThumbnail})
		if !f.sched.IsInFlight(TaskID{Key: key, Op: OpDownload}) &&
			!f.sched.IsInFlight(TaskID{Key: key, Op: OpThumbnail}) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("tasks did not settle in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fixture) getItem(t *testing.T, url string, kind mediakind.Kind) *store.Item {
	t.Helper()
	item, err := f.items.Get(context.Background(), mediakind.CacheKey(url, kind))
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	return item
}

// TestDownloadPipeline covers the happy path: enqueue marks the record
// downloading, the download lands at the deterministic path, and the
// thumbnail stage runs automatically.
func TestDownloadPipeline(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.start(t)
	ctx := context.Background()

	url := "https://example.com/photo.jpg"
	queued, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindImage, nil, false)
	if err != nil {
		t.Fatalf("EnqueueDownload() error: %v", err)
	}
	if !queued {
		t.Fatal("EnqueueDownload() did not queue a task")
	}

	f.waitSettled(t, url, mediakind.KindImage)

	item := f.getItem(t, url, mediakind.KindImage)
	if item.State() != store.StateAvailable {
		t.Fatalf("item state = %q, want %q", item.State(), store.StateAvailable)
	}
	if want := mediakind.LocalPath(f.root, url, mediakind.KindImage); item.LocalPath != want {
		t.Errorf("LocalPath = %q, want deterministic %q", item.LocalPath, want)
	}
	if _, err := os.Stat(item.LocalPath); err != nil {
		t.Errorf("media file missing: %v", err)
	}
	if item.LocalThumbPath == "" {
		t.Error("thumbnail stage did not run after the download")
	}
	if _, err := os.Stat(item.LocalThumbPath); err != nil {
		t.Errorf("thumbnail file missing: %v", err)
	}
	if item.OriginalFileName != "photo.jpg" {
		t.Errorf("OriginalFileName = %q, want %q", item.OriginalFileName, "photo.jpg")
	}
	if item.Size == 0 || item.DownloadedAt.IsZero() {
		t.Error("download bookkeeping fields not set")
	}
}

// TestNoThumbnailStageForAudio: kinds without thumbnail support end the
// pipeline after the download.
func TestNoThumbnailStageForAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.start(t)
	ctx := context.Background()

	url := "https://example.com/song.mp3"
	if _, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindAudio, nil, false); err != nil {
		t.Fatalf("EnqueueDownload() error: %v", err)
	}
	f.waitSettled(t, url, mediakind.KindAudio)

	item := f.getItem(t, url, mediakind.KindAudio)
	if item.State() != store.StateAvailable {
		t.Fatalf("item state = %q, want %q", item.State(), store.StateAvailable)
	}
	if item.LocalThumbPath != "" {
		t.Error("audio item should have no thumbnail")
	}
	if got := f.tn.callCount(); got != 0 {
		t.Errorf("thumbnailer ran %d times for audio, want 0", got)
	}
}

// TestEnqueueMarksDownloadingSynchronously: the in-flight state is visible in
// the store before the task body runs.
func TestEnqueueMarksDownloadingSynchronously(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.dl.block = make(chan struct{})
	f.start(t)
	ctx := context.Background()

	url := "https://example.com/slow.jpg"
	if _, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindImage, nil, false); err != nil {
		t.Fatalf("EnqueueDownload() error: %v", err)
	}

	item := f.getItem(t, url, mediakind.KindImage)
	if item.State() != store.StateDownloading {
		t.Errorf("item state = %q before task ran, want %q", item.State(), store.StateDownloading)
	}

	close(f.dl.block)
	f.waitSettled(t, url, mediakind.KindImage)
}

// TestDedupIdenticalTasks: a second enqueue for the same (key, op) while the
// first is queued or running is a no-op.
func TestDedupIdenticalTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.dl.block = make(chan struct{})
	f.start(t)
	ctx := context.Background()

	url := "https://example.com/dup.jpg"
	first, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindImage, nil, false)
	if err != nil || !first {
		t.Fatalf("first EnqueueDownload() = %t, %v", first, err)
	}

	// The record is now downloading, so dedup applies both via state guard
	// and via the in-flight set; force bypasses the state guard but must
	// still hit the in-flight dedup.
	second, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindImage, nil, true)
	if err != nil {
		t.Fatalf("second EnqueueDownload() error: %v", err)
	}
	if second {
		t.Error("duplicate task was enqueued")
	}

	close(f.dl.block)
	f.waitSettled(t, url, mediakind.KindImage)

	if got := f.dl.callCount(); got != 1 {
		t.Errorf("downloader ran %d times, want 1", got)
	}
}

// TestFailureIsPermanent: a failed download records permanent failure and is
// not retried by a plain re-request; force retries it.
func TestFailureIsPermanent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.dl.failErr = errors.New("connection refused")
	f.start(t)
	ctx := context.Background()

	url := "https://example.com/bad.jpg"
	if _, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindImage, nil, false); err != nil {
		t.Fatalf("EnqueueDownload() error: %v", err)
	}
	f.waitSettled(t, url, mediakind.KindImage)

	item := f.getItem(t, url, mediakind.KindImage)
	if item.State() != store.StateFailed {
		t.Fatalf("item state = %q, want %q", item.State(), store.StateFailed)
	}
	if item.ErrorCode == "" {
		t.Error("failure should record an error code")
	}

	// Plain re-request is a no-op on a failed record.
	queued, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindImage, nil, false)
	if err != nil {
		t.Fatalf("re-enqueue error: %v", err)
	}
	if queued {
		t.Error("failed item was re-enqueued without force")
	}

	// Force clears the failure and retries.
	f.dl.mu.Lock()
	f.dl.failErr = nil
	f.dl.mu.Unlock()

	queued, err = f.sched.EnqueueDownload(ctx, url, mediakind.KindImage, nil, true)
	if err != nil {
		t.Fatalf("forced enqueue error: %v", err)
	}
	if !queued {
		t.Fatal("forced enqueue did not queue a task")
	}
	f.waitSettled(t, url, mediakind.KindImage)

	item = f.getItem(t, url, mediakind.KindImage)
	if item.State() != store.StateAvailable {
		t.Errorf("item state after forced retry = %q, want %q", item.State(), store.StateAvailable)
	}
}

// TestThumbnailFailureKeepsMediaFile: thumbnail failure marks the record
// failed but does not delete the downloaded media from disk.
func TestThumbnailFailureKeepsMediaFile(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.tn.failErr = errors.New("decode error")
	f.start(t)
	ctx := context.Background()

	url := "https://example.com/odd.jpg"
	if _, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindImage, nil, false); err != nil {
		t.Fatalf("EnqueueDownload() error: %v", err)
	}
	f.waitSettled(t, url, mediakind.KindImage)

	item := f.getItem(t, url, mediakind.KindImage)
	if item.State() != store.StateFailed {
		t.Fatalf("item state = %q, want %q", item.State(), store.StateFailed)
	}

	// The record presents no paths, but the downloaded bytes survive on disk
	// for a later forced retry.
	if item.LocalPath != "" {
		t.Error("failed record should present no local path")
	}
	mediaPath := mediakind.LocalPath(f.root, url, mediakind.KindImage)
	if _, err := os.Stat(mediaPath); err != nil {
		t.Errorf("media file should survive a thumbnail failure: %v", err)
	}
}

// TestThumbnailEnqueueGates covers the no-op conditions for plain thumbnail
// requests.
func TestThumbnailEnqueueGates(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.start(t)
	ctx := context.Background()

	// Unsupported kind.
	queued, err := f.sched.EnqueueThumbnail(ctx, "https://example.com/song.mp3", mediakind.KindAudio, false)
	if err != nil || queued {
		t.Errorf("EnqueueThumbnail(audio) = %t, %v; want no-op", queued, err)
	}

	// Unknown record.
	queued, err = f.sched.EnqueueThumbnail(ctx, "https://example.com/unknown.jpg", mediakind.KindImage, false)
	if err != nil || queued {
		t.Errorf("EnqueueThumbnail(unknown) = %t, %v; want no-op", queued, err)
	}

	// Known record without media on disk.
	fresh := store.NewItem("https://example.com/fresh.jpg", mediakind.KindImage)
	if err := f.items.Upsert(ctx, fresh); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	queued, err = f.sched.EnqueueThumbnail(ctx, fresh.URL, mediakind.KindImage, false)
	if err != nil || queued {
		t.Errorf("EnqueueThumbnail(no media) = %t, %v; want no-op", queued, err)
	}

	// Record that already has a thumbnail.
	done := store.NewItem("https://example.com/done.jpg", mediakind.KindImage)
	done.MarkAvailable("/somewhere/media.jpg", 10, time.Now())
	done.LocalThumbPath = "/somewhere/thumb.jpg"
	if err := f.items.Upsert(ctx, done); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	queued, err = f.sched.EnqueueThumbnail(ctx, done.URL, mediakind.KindImage, false)
	if err != nil || queued {
		t.Errorf("EnqueueThumbnail(has thumb) = %t, %v; want no-op", queued, err)
	}
}

// TestThumbnailShortCircuitOnDisk: a queued thumbnail task finds the file
// already at the deterministic path and adopts it without regenerating.
func TestThumbnailShortCircuitOnDisk(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ctx := context.Background()

	url := "https://example.com/precomputed.jpg"
	mediaPath := mediakind.LocalPath(f.root, url, mediakind.KindImage)
	if err := os.WriteFile(mediaPath, []byte("media"), 0o644); err != nil {
		t.Fatalf("seeding media file: %v", err)
	}
	thumbPath := mediakind.ThumbPath(f.root, url, mediakind.KindImage)
	if err := os.WriteFile(thumbPath, []byte("thumb"), 0o644); err != nil {
		t.Fatalf("seeding thumbnail file: %v", err)
	}

	item := store.NewItem(url, mediakind.KindImage)
	item.MarkAvailable(mediaPath, 5, time.Now())
	if err := f.items.Upsert(ctx, item); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	f.start(t)
	queued, err := f.sched.EnqueueThumbnail(ctx, url, mediakind.KindImage, false)
	if err != nil {
		t.Fatalf("EnqueueThumbnail() error: %v", err)
	}
	if !queued {
		t.Fatal("EnqueueThumbnail() did not queue a task")
	}
	<-f.sched.Wait(TaskID{Key: item.Key, Op: OpThumbnail})

	got := f.getItem(t, url, mediakind.KindImage)
	if got.LocalThumbPath != thumbPath {
		t.Errorf("LocalThumbPath = %q, want adopted %q", got.LocalThumbPath, thumbPath)
	}
	if f.tn.callCount() != 0 {
		t.Error("generator ran despite an existing thumbnail on disk")
	}
}

// TestFIFOOrder: tasks complete in enqueue order, one at a time.
func TestFIFOOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.start(t)
	ctx := context.Background()

	var urls []string
	for i := 0; i < 5; i++ {
		urls = append(urls, fmt.Sprintf("https://example.com/audio-%d.mp3", i))
	}
	// Audio kinds keep the pipeline single-stage, making order observable via
	// DownloadedAt timestamps.
	for _, u := range urls {
		if _, err := f.sched.EnqueueDownload(ctx, u, mediakind.KindAudio, nil, false); err != nil {
			t.Fatalf("EnqueueDownload(%s) error: %v", u, err)
		}
	}
	for _, u := range urls {
		f.waitSettled(t, u, mediakind.KindAudio)
	}

	var last time.Time
	for _, u := range urls {
		item := f.getItem(t, u, mediakind.KindAudio)
		if item.Timestamp.Before(last) {
			t.Fatalf("task for %s completed out of order", u)
		}
		last = item.Timestamp
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{QueueCapacity: 1})
	f.dl.block = make(chan struct{})
	f.start(t)
	ctx := context.Background()

	// First task occupies the consumer, second fills the buffer of one.
	for i := 0; i < 2; i++ {
		url := fmt.Sprintf("https://example.com/fill-%d.mp3", i)
		if _, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindAudio, nil, false); err != nil {
			t.Fatalf("EnqueueDownload() error: %v", err)
		}
		// Give the consumer time to pick up the first task.
		if i == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}

	_, err := f.sched.EnqueueDownload(ctx, "https://example.com/overflow.mp3", mediakind.KindAudio, nil, false)
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("EnqueueDownload() on full queue error = %v, want ErrQueueFull", err)
	}

	// The rejected task left no dedup residue: once there is room it can be
	// enqueued again.
	if f.sched.IsInFlight(TaskID{Key: mediakind.CacheKey("https://example.com/overflow.mp3", mediakind.KindAudio), Op: OpDownload}) {
		t.Error("rejected task still registered as in flight")
	}

	close(f.dl.block)
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.sched.Stop(ctx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	_, err := f.sched.EnqueueDownload(ctx, "https://example.com/late.jpg", mediakind.KindImage, nil, false)
	if !errors.Is(err, ErrStopped) {
		t.Errorf("EnqueueDownload() after stop error = %v, want ErrStopped", err)
	}

	// Stop is idempotent.
	if err := f.sched.Stop(ctx); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.start(t)
	ctx := context.Background()

	urls := []string{
		"https://example.com/drain-0.mp3",
		"https://example.com/drain-1.mp3",
		"https://example.com/drain-2.mp3",
	}
	for _, u := range urls {
		if _, err := f.sched.EnqueueDownload(ctx, u, mediakind.KindAudio, nil, false); err != nil {
			t.Fatalf("EnqueueDownload() error: %v", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.sched.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	for _, u := range urls {
		item := f.getItem(t, u, mediakind.KindAudio)
		if item.State() != store.StateAvailable {
			t.Errorf("item %s state after drain = %q, want %q", u, item.State(), store.StateAvailable)
		}
	}
}

func TestWaitResolvedImmediatelyForUnknownTask(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	ch := f.sched.Wait(TaskID{Key: "IMAGE_unknown", Op: OpDownload})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Error("Wait() for an unknown task should return a closed channel")
	}
}

func TestNotificationDateCarried(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.start(t)
	ctx := context.Background()

	notif := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	url := "https://example.com/notified.mp3"
	if _, err := f.sched.EnqueueDownload(ctx, url, mediakind.KindAudio, &notif, false); err != nil {
		t.Fatalf("EnqueueDownload() error: %v", err)
	}
	f.waitSettled(t, url, mediakind.KindAudio)

	item := f.getItem(t, url, mediakind.KindAudio)
	if item.NotificationDate == nil || !item.NotificationDate.Equal(notif) {
		t.Errorf("NotificationDate = %v, want %v", item.NotificationDate, notif)
	}
}

func TestOriginalFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "simple", url: "https://example.com/media/photo.jpg", want: "photo.jpg"},
		{name: "query string ignored", url: "https://example.com/photo.jpg?size=large", want: "photo.jpg"},
		{name: "no path", url: "https://example.com", want: ""},
		{name: "trailing slash", url: "https://example.com/dir/", want: "dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := originalFileName(tt.url); got != tt.want {
				t.Errorf("originalFileName(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
