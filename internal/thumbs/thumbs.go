package thumbs

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"

	"media-cache/internal/logging"
	"media-cache/internal/mediakind"

	_ "image/gif"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// DefaultMaxDimension bounds the long edge of generated thumbnails.
const DefaultMaxDimension = 320

const jpegQuality = 80

// Generator derives bounded-size JPEG previews from cached media files. It
// never mutates the source file and always writes to the deterministic
// thumbnail path for the item's cache key.
type Generator struct {
	cacheRoot string
}

// NewGenerator creates a generator writing under the given cache root.
func NewGenerator(cacheRoot string) *Generator {
	return &Generator{cacheRoot: cacheRoot}
}

// Generate produces the thumbnail for the media file at localPath and returns
// the path it was written to. maxDimension bounds the long edge; 0 uses the
// default. Kinds without thumbnail support are an error; callers gate on
// Kind.SupportsThumbnail before enqueueing.
func (g *Generator) Generate(ctx context.Context, localPath, url string, kind mediakind.Kind, maxDimension int) (string, error) {
	if !kind.SupportsThumbnail() {
		return "", fmt.Errorf("media kind %s does not support thumbnails", kind)
	}
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("media file not accessible: %w", err)
	}

	var img image.Image
	var err error
	switch kind {
	case mediakind.KindImage, mediakind.KindGif:
		img, err = g.decodeImage(localPath, maxDimension)
	case mediakind.KindVideo:
		img, err = g.extractVideoFrame(ctx, localPath)
	}
	if err != nil {
		return "", fmt.Errorf("thumbnail generation failed: %w", err)
	}
	if img == nil {
		return "", fmt.Errorf("thumbnail generation returned nil image")
	}

	thumb := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	thumbPath := mediakind.ThumbPath(g.cacheRoot, url, kind)
	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create thumbnail directory: %w", err)
	}

	tmp := thumbPath + ".part"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write thumbnail: %w", err)
	}
	if err := os.Rename(tmp, thumbPath); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize thumbnail: %w", err)
	}

	logging.Debug("Thumbnail written: %s (%d bytes)", thumbPath, buf.Len())
	return thumbPath, nil
}

// decodeImage loads an image, preferring vips decode-time shrinking, then the
// imaging library with auto-orientation, then the stdlib decoders.
func (g *Generator) decodeImage(localPath string, maxDimension int) (image.Image, error) {
	if img, err := loadWithVips(localPath, maxDimension); err == nil {
		return img, nil
	} else if IsVipsAvailable() {
		logging.Debug("vips decode failed for %s: %v, falling back", localPath, err)
	}

	img, err := imaging.Open(localPath, imaging.AutoOrientation(true))
	if err == nil {
		return img, nil
	}
	logging.Debug("imaging.Open failed for %s: %v, trying stdlib decode", localPath, err)

	f, err := os.Open(localPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("all image decode methods failed: %w", err)
	}
	logging.Debug("Decoded image format: %s for %s", format, localPath)
	return img, nil
}

// extractVideoFrame pulls a representative frame near the start of the clip
// with ffmpeg. Very short clips have no frame at the 1s mark, so a second
// attempt reads from the beginning.
func (g *Generator) extractVideoFrame(ctx context.Context, localPath string) (image.Image, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	out, err := runFFmpeg(ctx, "-ss", "00:00:01", "-i", localPath, "-vframes", "1", "-f", "image2pipe", "-vcodec", "png", "-")
	if err != nil {
		logging.Debug("ffmpeg seek attempt failed for %s: %v, retrying from start", localPath, err)
		out, err = runFFmpeg(ctx, "-i", localPath, "-vframes", "1", "-f", "image2pipe", "-vcodec", "png", "-")
		if err != nil {
			return nil, err
		}
	}

	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output for %s", localPath)
	}

	img, _, err := image.Decode(out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ffmpeg output: %w", err)
	}
	return img, nil
}

func runFFmpeg(ctx context.Context, args ...string) (*bytes.Buffer, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %v, stderr: %s", err, stderr.String())
	}
	return &stdout, nil
}
