package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/maauso/video-relay/internal/storage"
)

// Move stages.
const (
	StageRead  = "read"
	StageWrite = "write"
)

// MoveError is returned when a move fails. Stage tells whether the source
// could not be read or the destination could not be written; in both cases
// the source object is untouched.
type MoveError struct {
	Key   string
	Stage string
	Err   error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %s: %s failed: %v", e.Key, e.Stage, e.Err)
}

func (e *MoveError) Unwrap() error {
	return e.Err
}

// Move reads the object under key from one sink, writes it with its metadata
// to the other and then deletes the source. Only the read is retried.
// A failed delete is logged and the move still succeeds.
func (s *Service) Move(ctx context.Context, from, to storage.Sink, key string) error {
	data, metadata, err := s.readWithRetry(ctx, from, key)
	if err != nil {
		return &MoveError{Key: key, Stage: StageRead, Err: err}
	}

	err = to.Write(ctx, key, bytes.NewReader(data), storage.WriteOptions{Metadata: metadata})
	if err != nil {
		return &MoveError{Key: key, Stage: StageWrite, Err: err}
	}

	if err := from.Delete(ctx, key); err != nil {
		s.logger.Warn("moved object left at source",
			"key", key, "source", from.Descriptor().String(), "error", err)
	}

	s.logger.Info("object moved", "key", key,
		"from", from.Descriptor().String(), "to", to.Descriptor().String())
	return nil
}

// readWithRetry reads the whole object, retrying transient failures with a
// fixed delay. A missing object is not retried.
func (s *Service) readWithRetry(ctx context.Context, sink storage.Sink, key string) ([]byte, map[string]string, error) {
	var lastErr error

	for attempt := 1; attempt <= s.moveAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, nil, fmt.Errorf("context cancelled: %w", ctx.Err())
			case <-time.After(s.moveDelay):
			}
		}

		data, metadata, err := readAll(ctx, sink, key)
		if err == nil {
			return data, metadata, nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, err
		}

		lastErr = err
		s.logger.Warn("move read failed", "key", key, "attempt", attempt, "error", err)
	}

	return nil, nil, fmt.Errorf("after %d attempts: %w", s.moveAttempts, lastErr)
}

func readAll(ctx context.Context, sink storage.Sink, key string) ([]byte, map[string]string, error) {
	obj, err := sink.Read(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = obj.Body.Close() }()

	data, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	return data, obj.Metadata, nil
}

// MoveToRestricted moves <owner>/<video>.mp4 from the general to the restricted
// sink and then removes the mirror copy, best effort.
func (s *Service) MoveToRestricted(ctx context.Context, ownerID, videoID string) (key string, err error) {
	defer func() { s.metrics.MoveFinished(err) }()

	req := Request{OwnerID: ownerID, VideoID: videoID}
	if err := req.Validate(); err != nil {
		return "", err
	}
	key = VideoKey(ownerID, videoID)

	if err := s.Move(ctx, s.sinks.General, s.sinks.Restricted, key); err != nil {
		return key, err
	}

	if s.sinks.Mirror != nil {
		if err := s.sinks.Mirror.Delete(ctx, key); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Debug("no mirror copy to remove", "key", key)
			} else {
				s.logger.Warn("mirror copy not removed", "key", key, "error", err)
			}
		}
	}
	return key, nil
}
