package store

import (
	"fmt"
	"time"

	"media-cache/internal/mediakind"
)

// State is the closed set of lifecycle variants for a cache item. The stored
// row keeps the individual flags for compatibility with other processes that
// read the same database, but in-process code should branch on State so that
// illegal flag combinations cannot be observed.
type State string

const (
	// StateFresh means the item has been referenced but never downloaded.
	StateFresh State = "fresh"
	// StateDownloading means a download or thumbnail task is in flight.
	StateDownloading State = "downloading"
	// StateAvailable means the media file exists on disk.
	StateAvailable State = "available"
	// StateFailed means the last attempt failed permanently.
	StateFailed State = "failed"
	// StateDeleted means the item was soft-deleted and kept as a tombstone.
	StateDeleted State = "deleted"
)

// Item is one metadata record per distinct (media kind, source URL) pair.
type Item struct {
	Key                 string          `json:"key"`
	URL                 string          `json:"url"`
	Kind                mediakind.Kind  `json:"mediaKind"`
	LocalPath           string          `json:"localPath,omitempty"`
	LocalThumbPath      string          `json:"localThumbPath,omitempty"`
	GeneratingThumbnail bool            `json:"generatingThumbnail,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
	Size                int64           `json:"size"`
	OriginalFileName    string          `json:"originalFileName,omitempty"`
	DownloadedAt        time.Time       `json:"downloadedAt,omitzero"`
	NotificationDate    *time.Time      `json:"notificationDate,omitempty"`
	NotificationID      string          `json:"notificationId,omitempty"`
	IsDownloading       bool            `json:"isDownloading,omitempty"`
	IsPermanentFailure  bool            `json:"isPermanentFailure,omitempty"`
	IsUserDeleted       bool            `json:"isUserDeleted,omitempty"`
	ErrorCode           string          `json:"errorCode,omitempty"`
}

// NewItem creates a fresh record for a (url, kind) pair.
func NewItem(url string, kind mediakind.Kind) Item {
	return Item{
		Key:       mediakind.CacheKey(url, kind),
		URL:       url,
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

// State derives the lifecycle variant from the stored flags. Terminal flags
// are resolved in a fixed precedence order so readers never see two terminal
// states at once, even if a row was written mid-transition by another process.
func (it *Item) State() State {
	switch {
	case it.IsUserDeleted:
		return StateDeleted
	case it.IsPermanentFailure:
		return StateFailed
	case it.IsDownloading || it.GeneratingThumbnail:
		return StateDownloading
	case it.LocalPath != "":
		return StateAvailable
	default:
		return StateFresh
	}
}

// MarkDownloading transitions the item into the in-flight state. A forced
// re-download clears a previous terminal state.
func (it *Item) MarkDownloading(now time.Time) {
	it.IsDownloading = true
	it.IsPermanentFailure = false
	it.IsUserDeleted = false
	it.ErrorCode = ""
	it.Timestamp = now
}

// MarkAvailable records a completed download.
func (it *Item) MarkAvailable(localPath string, size int64, now time.Time) {
	it.LocalPath = localPath
	it.Size = size
	it.DownloadedAt = now
	it.Timestamp = now
	it.IsDownloading = false
	it.IsPermanentFailure = false
	it.IsUserDeleted = false
	it.ErrorCode = ""
}

// MarkFailed records a permanent failure. The record presents no local path
// afterwards; any file left on disk is not referenced until a forced retry.
func (it *Item) MarkFailed(errorCode string, now time.Time) {
	if errorCode == "" {
		errorCode = "unknown"
	}
	it.IsPermanentFailure = true
	it.ErrorCode = errorCode
	it.IsDownloading = false
	it.GeneratingThumbnail = false
	it.LocalPath = ""
	it.LocalThumbPath = ""
	it.Size = 0
	it.Timestamp = now
}

// MarkDeleted turns the record into a soft-delete tombstone.
func (it *Item) MarkDeleted(now time.Time) {
	it.IsUserDeleted = true
	it.IsDownloading = false
	it.GeneratingThumbnail = false
	it.IsPermanentFailure = false
	it.ErrorCode = ""
	it.LocalPath = ""
	it.LocalThumbPath = ""
	it.Size = 0
	it.DownloadedAt = time.Time{}
	it.Timestamp = now
}

// Validate performs the structural checks applied to every row read from the
// store. A row that fails is treated as unrecoverable and deleted.
func (it *Item) Validate() error {
	if it.Key == "" {
		return fmt.Errorf("cache item has empty key")
	}
	if it.URL == "" {
		return fmt.Errorf("cache item %s has empty url", it.Key)
	}
	if !it.Kind.Valid() {
		return fmt.Errorf("cache item %s has unknown media kind %q", it.Key, it.Kind)
	}
	return nil
}
