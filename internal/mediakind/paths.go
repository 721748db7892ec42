package mediakind

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
)

// ThumbDirName is the per-kind subdirectory that holds derived thumbnails.
const ThumbDirName = "thumbnails"

// hashName returns the deterministic base file name for a (kind, url) pair.
// Two processes computing the name independently must land on the same path,
// so it is a pure function of the cache key.
func hashName(url string, k Kind) string {
	sum := md5.Sum([]byte(CacheKey(url, k)))
	return fmt.Sprintf("%x", sum)
}

// Dir returns the directory that holds cached files of the given kind.
func Dir(root string, k Kind) string {
	return filepath.Join(root, string(k))
}

// ThumbDir returns the directory that holds thumbnails for the given kind.
func ThumbDir(root string, k Kind) string {
	return filepath.Join(root, string(k), ThumbDirName)
}

// LocalPath returns the deterministic on-disk path for a cached media file.
func LocalPath(root, url string, k Kind) string {
	return filepath.Join(Dir(root, k), hashName(url, k)+k.Ext())
}

// ThumbPath returns the deterministic on-disk path for a derived thumbnail.
// Thumbnails are always JPEG regardless of the source kind.
func ThumbPath(root, url string, k Kind) string {
	return filepath.Join(ThumbDir(root, k), hashName(url, k)+".jpg")
}

// EnsureLayout creates the per-kind directory tree under the cache root.
func EnsureLayout(root string) error {
	for _, k := range Kinds() {
		if err := os.MkdirAll(ThumbDir(root, k), 0o755); err != nil {
			return fmt.Errorf("failed to create cache layout for %s: %w", k, err)
		}
	}
	return nil
}
