// Package thumbs generates bounded-dimension JPEG thumbnails from cached
// media files: libvips when available, pure-Go decoding otherwise, and ffmpeg
// frame extraction for video.
package thumbs
