package mediakind

import (
	"fmt"
	"strings"
)

// Kind identifies the category of a cached media resource.
type Kind string

const (
	// KindImage represents a still image.
	KindImage Kind = "image"
	// KindVideo represents a video clip.
	KindVideo Kind = "video"
	// KindGif represents an animated GIF.
	KindGif Kind = "gif"
	// KindAudio represents an audio clip.
	KindAudio Kind = "audio"
	// KindIcon represents a small notification icon.
	KindIcon Kind = "icon"
)

// Kinds returns all valid media kinds.
func Kinds() []Kind {
	return []Kind{KindImage, KindVideo, KindGif, KindAudio, KindIcon}
}

// Valid reports whether k is a known media kind.
func (k Kind) Valid() bool {
	switch k {
	case KindImage, KindVideo, KindGif, KindAudio, KindIcon:
		return true
	}
	return false
}

// Parse returns the Kind for a string, case-insensitively.
func Parse(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown media kind %q", s)
	}
	return k, nil
}

// SupportsThumbnail reports whether thumbnails can be derived for this kind.
// Audio has no visual representation and icons are already thumbnail-sized.
func (k Kind) SupportsThumbnail() bool {
	switch k {
	case KindImage, KindGif, KindVideo:
		return true
	}
	return false
}

// Ext returns the file extension used for cached files of this kind.
func (k Kind) Ext() string {
	switch k {
	case KindImage:
		return ".jpg"
	case KindVideo:
		return ".mp4"
	case KindGif:
		return ".gif"
	case KindAudio:
		return ".mp3"
	case KindIcon:
		return ".png"
	default:
		return ".bin"
	}
}

// CacheKey derives the canonical identifier for a (kind, url) pair.
// The key is the primary lookup handle everywhere: metadata rows, task
// identities and file names all derive from it.
func CacheKey(url string, k Kind) string {
	return strings.ToUpper(string(k)) + "_" + url
}
