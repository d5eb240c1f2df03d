package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maauso/video-relay/internal/storage"
)

// RawUpload describes phase one of a two-phase raw upload.
type RawUpload struct {
	OwnerID   string
	VideoID   string
	Sensitive bool
	// TTL is how long the pending object lives. Zero uses the service default.
	TTL time.Duration
}

// StageResult is returned by StageRaw.
type StageResult struct {
	Outcome *Outcome
	TTL     time.Duration
}

// StageRaw writes body as a pending object that expires unless finalized.
// The object carries only the pending marker and upload time as metadata.
func (s *Service) StageRaw(ctx context.Context, up RawUpload, body io.Reader) (result *StageResult, err error) {
	done := s.metrics.RelayStarted("stage_raw")
	defer func() { done(err) }()

	req := Request{OwnerID: up.OwnerID, VideoID: up.VideoID, Sensitive: up.Sensitive}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ttl := up.TTL
	if ttl <= 0 {
		ttl = s.rawUploadTTL
	}

	opts := storage.WriteOptions{
		Metadata: map[string]string{
			PendingKey:    "true",
			UploadedAtKey: s.now().UTC().Format(time.RFC3339),
		},
		TTL: ttl,
	}

	outcome, err := s.relay(ctx, VideoKey(up.OwnerID, up.VideoID), up.Sensitive, body, opts)
	if err != nil {
		return nil, err
	}
	return &StageResult{Outcome: outcome, TTL: ttl}, nil
}

// FinalizeRaw turns a pending object into a permanent one.
// The object is read back from the partition's primary sink into a temp file
// and rewritten to every target with exactly req.Metadata and no expiry.
// Returns an error wrapping storage.ErrNotFound if nothing is pending.
func (s *Service) FinalizeRaw(ctx context.Context, req Request) (outcome *Outcome, err error) {
	done := s.metrics.RelayStarted("finalize_raw")
	defer func() { done(err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := VideoKey(req.OwnerID, req.VideoID)

	tmpPath, err := s.download(ctx, s.primary(req.Sensitive), key)
	if err != nil {
		return nil, fmt.Errorf("finalize %s: %w", key, err)
	}
	defer func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove temp file", "path", tmpPath, "error", rmErr)
		}
	}()

	f, err := os.Open(tmpPath) // #nosec G304 - path is a temp file created by download
	if err != nil {
		return nil, fmt.Errorf("finalize %s: open temp file: %w", key, err)
	}
	defer func() { _ = f.Close() }()

	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	outcome, err = s.relay(ctx, key, req.Sensitive, f, storage.WriteOptions{Metadata: metadata})
	if err != nil {
		return outcome, err
	}

	if s.thumbnailer != nil {
		s.writeThumbnail(ctx, req, tmpPath)
	}
	return outcome, nil
}

// download copies the object under key into a new temp file and returns its path.
func (s *Service) download(ctx context.Context, sink storage.Sink, key string) (string, error) {
	obj, err := sink.Read(ctx, key)
	if err != nil {
		return "", err
	}
	defer func() { _ = obj.Body.Close() }()

	f, err := os.CreateTemp(s.tempDir, "finalize-*.mp4")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	if _, err := io.Copy(f, obj.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("download: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}

// writeThumbnail extracts and stores a thumbnail. Failures are logged only.
func (s *Service) writeThumbnail(ctx context.Context, req Request, videoPath string) {
	logger := s.logger.With("owner_id", req.OwnerID, "video_id", req.VideoID)

	data, err := s.thumbnailer.ExtractThumbnail(ctx, videoPath)
	if err != nil {
		logger.Warn("thumbnail extraction failed", "error", err)
		return
	}

	_, err = s.relay(ctx, ThumbnailKey(req.OwnerID, req.VideoID), req.Sensitive, bytes.NewReader(data), storage.WriteOptions{})
	if err != nil {
		logger.Warn("thumbnail upload failed", "error", err)
	}
}
