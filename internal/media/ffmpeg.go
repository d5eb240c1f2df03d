package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// Static errors for media operations.
var (
	// ErrInvalidWidth is returned when the thumbnail width is not positive.
	ErrInvalidWidth = errors.New("invalid width: must be positive")
	// ErrEmptyThumbnail is returned when ffmpeg produced no image data.
	ErrEmptyThumbnail = errors.New("ffmpeg produced an empty thumbnail")
)

// DefaultThumbnailWidth is the width thumbnails are scaled to.
const DefaultThumbnailWidth = 480

// FFmpegThumbnailer implements Thumbnailer using the ffmpeg CLI.
type FFmpegThumbnailer struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	width      int
	// tempDir holds the extracted frame until it is read back. Empty means os.TempDir.
	tempDir string
	// offset is the seek position of the captured frame, in ffmpeg time syntax.
	offset string
}

// NewFFmpegThumbnailer creates a new FFmpegThumbnailer.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegThumbnailer(ffmpegPath string) *FFmpegThumbnailer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegThumbnailer{
		ffmpegPath: ffmpegPath,
		width:      DefaultThumbnailWidth,
		offset:     "00:00:01",
	}
}

// WithWidth returns a copy of t scaling thumbnails to width pixels.
func (t *FFmpegThumbnailer) WithWidth(width int) (*FFmpegThumbnailer, error) {
	if width <= 0 {
		return nil, fmt.Errorf("%w: width=%d", ErrInvalidWidth, width)
	}
	c := *t
	c.width = width
	return &c, nil
}

// WithTempDir returns a copy of t writing intermediate frames under dir.
func (t *FFmpegThumbnailer) WithTempDir(dir string) *FFmpegThumbnailer {
	c := *t
	c.tempDir = dir
	return &c
}

// ExtractThumbnail grabs a frame one second into the video, falling back to
// the first frame for clips shorter than that, and returns it as JPEG bytes.
func (t *FFmpegThumbnailer) ExtractThumbnail(ctx context.Context, videoPath string) ([]byte, error) {
	out, err := os.CreateTemp(t.tempDir, "thumbnail-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	defer func() { _ = os.Remove(outPath) }()

	err = t.runFFmpeg(ctx, t.frameArgs(videoPath, outPath, t.offset))
	if err == nil {
		var data []byte
		data, err = readThumbnail(outPath)
		if err == nil {
			return data, nil
		}
	}
	if ctx.Err() != nil {
		return nil, err
	}

	// Seeking past the end yields no frame, so retry from the start.
	if err := t.runFFmpeg(ctx, t.frameArgs(videoPath, outPath, "0")); err != nil {
		return nil, err
	}
	return readThumbnail(outPath)
}

func (t *FFmpegThumbnailer) frameArgs(videoPath, outPath, offset string) []string {
	return []string{
		"-y",          // Overwrite output file without asking
		"-ss", offset, // Seek before decoding
		"-i", videoPath, // Input file
		"-frames:v", "1", // Output single frame (image)
		"-vf", fmt.Sprintf("scale=%d:-2", t.width), // Keep aspect ratio, even height
		"-q:v", "3", // JPEG quality
		outPath,
	}
}

func readThumbnail(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is a temp file created by this package
	if err != nil {
		return nil, fmt.Errorf("read thumbnail: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyThumbnail
	}
	return data, nil
}

// runFFmpeg executes ffmpeg with the given arguments and returns an error
// containing stderr output if the command fails.
func (t *FFmpegThumbnailer) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		// Check if context was cancelled
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}

	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}
