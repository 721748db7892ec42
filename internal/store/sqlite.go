package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"media-cache/internal/logging"
	"media-cache/internal/mediakind"
)

// SQLite is the Backend used on platforms where the cache database lives on a
// shared filesystem. The main app and the notification/share extensions may
// open the same file concurrently, so the engine is configured for
// multi-process access: WAL journaling, NORMAL synchronous durability,
// foreign keys on and a busy-wait timeout for cross-process lock contention.
type SQLite struct {
	path string
	db   *sql.DB
}

// NewSQLite creates a backend for the database file at path. The parent
// directory must already exist and be writable.
func NewSQLite(path string) *SQLite {
	return &SQLite{path: path}
}

// Open opens the database file and creates the schema. Idempotent.
func (s *SQLite) Open(ctx context.Context) error {
	if s.db != nil {
		return nil
	}

	logging.Info("Cache database path: %s", s.path)

	if err := diagnosePermissions(s.path); err != nil {
		logging.Warn("Cache database permission diagnostics: %v", err)
	}

	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000&_cache_size=10000&_temp_store=MEMORY", s.path)

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after ping failure: %v", closeErr)
		}
		return fmt.Errorf("failed to connect to cache database: %w", err)
	}

	// A single connection: the manager serializes all operations anyway, and
	// one connection keeps statement lifecycle trivially single-threaded.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := initializeSchema(ctx, db); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Error("failed to close database after schema failure: %v", closeErr)
		}
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}

	s.db = db
	logging.Info("Cache database opened at %s", s.path)
	return nil
}

func initializeSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_item (
		key TEXT PRIMARY KEY,
		url TEXT NOT NULL,
		media_kind TEXT NOT NULL,
		local_path TEXT NOT NULL DEFAULT '',
		local_thumb_path TEXT NOT NULL DEFAULT '',
		generating_thumbnail INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		size INTEGER NOT NULL DEFAULT 0,
		original_file_name TEXT NOT NULL DEFAULT '',
		downloaded_at INTEGER NOT NULL DEFAULT 0,
		notification_date INTEGER,
		notification_id TEXT NOT NULL DEFAULT '',
		is_downloading INTEGER NOT NULL DEFAULT 0,
		is_permanent_failure INTEGER NOT NULL DEFAULT 0,
		is_user_deleted INTEGER NOT NULL DEFAULT 0,
		error_code TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_cache_item_downloaded_at ON cache_item(downloaded_at);
	CREATE INDEX IF NOT EXISTS idx_cache_item_notification_date ON cache_item(notification_date);
	CREATE INDEX IF NOT EXISTS idx_cache_item_media_kind ON cache_item(media_kind);
	CREATE INDEX IF NOT EXISTS idx_cache_item_timestamp ON cache_item(timestamp);
	CREATE INDEX IF NOT EXISTS idx_cache_item_is_downloading ON cache_item(is_downloading);
	CREATE INDEX IF NOT EXISTS idx_cache_item_generating_thumbnail ON cache_item(generating_thumbnail);
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// CheckIntegrity runs PRAGMA quick_check, the lightweight variant of SQLite's
// integrity check. Anything but a single "ok" row is corruption.
func (s *SQLite) CheckIntegrity(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		return fmt.Errorf("quick_check failed to run: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Error("failed to close quick_check rows: %v", closeErr)
		}
	}()

	var findings []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return fmt.Errorf("quick_check scan failed: %w", err)
		}
		if line != "ok" {
			findings = append(findings, line)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("quick_check iteration failed: %w", err)
	}
	if len(findings) > 0 {
		return fmt.Errorf("quick_check reported %d problems, first: %s", len(findings), findings[0])
	}
	return nil
}

// Checkpoint flushes the write-ahead log into the main database file to bound
// its growth and keep reopening cheap for the extension processes.
func (s *SQLite) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// IsBusy reports whether err is SQLite lock contention (SQLITE_BUSY or
// SQLITE_LOCKED). Expected under multi-process access and retried with a
// longer backoff than ordinary transient errors.
func (s *SQLite) IsBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

const itemColumns = `key, url, media_kind, local_path, local_thumb_path, generating_thumbnail,
	timestamp, size, original_file_name, downloaded_at, notification_date, notification_id,
	is_downloading, is_permanent_failure, is_user_deleted, error_code`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (Item, error) {
	var it Item
	var timestamp, downloadedAt int64
	var notificationDate sql.NullInt64
	var kind string

	err := row.Scan(
		&it.Key, &it.URL, &kind, &it.LocalPath, &it.LocalThumbPath, &it.GeneratingThumbnail,
		&timestamp, &it.Size, &it.OriginalFileName, &downloadedAt, &notificationDate, &it.NotificationID,
		&it.IsDownloading, &it.IsPermanentFailure, &it.IsUserDeleted, &it.ErrorCode,
	)
	if err != nil {
		return Item{}, err
	}

	it.Kind = mediakind.Kind(kind)
	it.Timestamp = time.Unix(timestamp, 0)
	if downloadedAt > 0 {
		it.DownloadedAt = time.Unix(downloadedAt, 0)
	}
	if notificationDate.Valid {
		t := time.Unix(notificationDate.Int64, 0)
		it.NotificationDate = &t
	}
	return it, nil
}

// ListItems returns all structurally valid records. Rows that fail validation
// are deleted as unrecoverable rather than failing the whole read.
func (s *SQLite) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+itemColumns+" FROM cache_item")
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Error("failed to close cache_item rows: %v", closeErr)
		}
	}()

	var items []Item
	var corrupt []string
	for rows.Next() {
		it, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		if validErr := it.Validate(); validErr != nil {
			logging.Warn("Dropping corrupted cache record: %v", validErr)
			corrupt = append(corrupt, it.Key)
			continue
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, key := range corrupt {
		if delErr := s.DeleteItem(ctx, key); delErr != nil {
			logging.Error("failed to delete corrupted cache record %q: %v", key, delErr)
		}
	}
	return items, nil
}

// GetItem returns the record for key, or ErrNotFound. A structurally invalid
// row is deleted and reported as absent.
func (s *SQLite) GetItem(ctx context.Context, key string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM cache_item WHERE key = ?", key)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if validErr := it.Validate(); validErr != nil {
		logging.Warn("Dropping corrupted cache record: %v", validErr)
		if delErr := s.DeleteItem(ctx, key); delErr != nil {
			logging.Error("failed to delete corrupted cache record %q: %v", key, delErr)
		}
		return nil, ErrNotFound
	}
	return &it, nil
}

const upsertItemQuery = `
	INSERT INTO cache_item (` + itemColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		url = excluded.url,
		media_kind = excluded.media_kind,
		local_path = excluded.local_path,
		local_thumb_path = excluded.local_thumb_path,
		generating_thumbnail = excluded.generating_thumbnail,
		timestamp = excluded.timestamp,
		size = excluded.size,
		original_file_name = excluded.original_file_name,
		downloaded_at = excluded.downloaded_at,
		notification_date = excluded.notification_date,
		notification_id = excluded.notification_id,
		is_downloading = excluded.is_downloading,
		is_permanent_failure = excluded.is_permanent_failure,
		is_user_deleted = excluded.is_user_deleted,
		error_code = excluded.error_code
`

func itemArgs(it Item) []interface{} {
	var downloadedAt int64
	if !it.DownloadedAt.IsZero() {
		downloadedAt = it.DownloadedAt.Unix()
	}
	var notificationDate sql.NullInt64
	if it.NotificationDate != nil {
		notificationDate = sql.NullInt64{Int64: it.NotificationDate.Unix(), Valid: true}
	}
	return []interface{}{
		it.Key, it.URL, string(it.Kind), it.LocalPath, it.LocalThumbPath, it.GeneratingThumbnail,
		it.Timestamp.Unix(), it.Size, it.OriginalFileName, downloadedAt, notificationDate, it.NotificationID,
		it.IsDownloading, it.IsPermanentFailure, it.IsUserDeleted, it.ErrorCode,
	}
}

// PutItems writes records with replace-by-key semantics. Multiple records go
// through one transaction so a crash cannot leave a partial batch.
func (s *SQLite) PutItems(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	if len(items) == 1 {
		_, err := s.db.ExecContext(ctx, upsertItemQuery, itemArgs(items[0])...)
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch upsert: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertItemQuery)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare batch upsert: %w", err)
	}

	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, itemArgs(it)...); err != nil {
			_ = stmt.Close()
			_ = tx.Rollback()
			return fmt.Errorf("failed to upsert %q: %w", it.Key, err)
		}
	}

	if err := stmt.Close(); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// DeleteItem removes the record for key. Deleting an absent key is a no-op.
func (s *SQLite) DeleteItem(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_item WHERE key = ?", key)
	return err
}

// ClearItems removes all records.
func (s *SQLite) ClearItems(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_item")
	return err
}

// diagnosePermissions checks database directory and file permissions. The WAL
// and SHM sidecar files are created by whichever process writes first, so a
// permissions mismatch between app and extension shows up here.
func diagnosePermissions(dbPath string) error {
	dir := filepath.Dir(dbPath)

	dirInfo, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("cannot stat database directory: %w", err)
	}
	logging.Debug("Database directory: %s (mode: %v)", dir, dirInfo.Mode())

	testFile := filepath.Join(dir, ".perm-test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return fmt.Errorf("database directory not writable: %w", err)
	}
	_ = os.Remove(testFile)

	for _, sidecar := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		info, statErr := os.Stat(sidecar)
		if statErr != nil {
			continue
		}
		logging.Debug("Database file %s (mode: %v, size: %d bytes)", sidecar, info.Mode(), info.Size())
		if info.Mode().Perm()&0o200 == 0 {
			logging.Warn("Database file %s is read-only (mode %v), writes will fail", sidecar, info.Mode())
			if chmodErr := os.Chmod(sidecar, 0o600); chmodErr != nil {
				logging.Error("Failed to fix permissions on %s: %v", sidecar, chmodErr)
			} else {
				logging.Info("Fixed permissions on %s", sidecar)
			}
		}
	}

	return nil
}
