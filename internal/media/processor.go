// Package media provides video thumbnail extraction.
package media

import "context"

// Thumbnailer extracts a still image from a video.
// Implementations should use ffmpeg or similar tools for media manipulation.
type Thumbnailer interface {
	// ExtractThumbnail grabs one frame from the video at videoPath and returns
	// it as JPEG bytes, scaled to the configured width.
	ExtractThumbnail(ctx context.Context, videoPath string) ([]byte, error)
}
