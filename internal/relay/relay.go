// Package relay copies videos into the configured sinks and moves them
// between partitions.
//
// Routing policy: sensitive content goes to the restricted sink only; general
// content goes to the general sink and, when configured, to the mirror. When
// more than one sink is targeted the source is read once and fanned out with
// stream.Tee. A failure of any sink fails the whole request, but writes that
// already succeeded are left in place and reported in the Outcome.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/maauso/video-relay/internal/media"
	"github.com/maauso/video-relay/internal/metrics"
	"github.com/maauso/video-relay/internal/origin"
	"github.com/maauso/video-relay/internal/storage"
	"github.com/maauso/video-relay/internal/stream"
)

// Static errors for relay operations.
var (
	// ErrGeneralSinkRequired is returned when no general sink is configured.
	ErrGeneralSinkRequired = errors.New("relay: general sink is required")
	// ErrRestrictedSinkRequired is returned when no restricted sink is configured.
	ErrRestrictedSinkRequired = errors.New("relay: restricted sink is required")
	// ErrOriginRequired is returned when no origin fetcher is configured.
	ErrOriginRequired = errors.New("relay: origin is required")
	// ErrInvalidID is returned when an owner or video ID is not a single path element.
	ErrInvalidID = errors.New("relay: invalid id")
	// ErrInvalidFileName is returned when an HLS file name is not a single path element.
	ErrInvalidFileName = errors.New("relay: invalid HLS file name")
)

// Metadata keys marking a staged raw upload.
const (
	PendingKey    = "_pending"
	UploadedAtKey = "_uploaded_at"
)

// Defaults used when no option overrides them.
const (
	DefaultRawUploadTTL = time.Hour
	DefaultMoveAttempts = 3
	DefaultMoveDelay    = 500 * time.Millisecond
)

// Fetcher downloads source videos from the content origin.
type Fetcher interface {
	FetchVideo(ctx context.Context, videoID string) (*origin.Video, error)
}

// Sinks groups the sinks selected at startup.
type Sinks struct {
	General    storage.Sink
	Restricted storage.Sink
	// Mirror receives a copy of general content. Optional.
	Mirror storage.Sink
}

// Request identifies a video and where it is filed.
type Request struct {
	OwnerID   string
	VideoID   string
	Sensitive bool
	Metadata  map[string]string
}

// Validate checks that the IDs can be used as key elements.
func (r Request) Validate() error {
	if err := validateID("owner", r.OwnerID); err != nil {
		return err
	}
	return validateID("video", r.VideoID)
}

// Outcome reports which sinks a relay reached. It is never mutated after return.
type Outcome struct {
	Key       string
	Succeeded []storage.Descriptor
	Failed    map[storage.Descriptor]error
}

// OK reports whether every targeted sink succeeded.
func (o *Outcome) OK() bool {
	return len(o.Failed) == 0
}

// RelayError is returned when at least one targeted sink failed.
// Outcome lists the sinks that were written anyway.
type RelayError struct {
	Outcome *Outcome
	Err     error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s: %d of %d sinks failed: %v",
		e.Outcome.Key, len(e.Outcome.Failed), len(e.Outcome.Failed)+len(e.Outcome.Succeeded), e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Service implements the relay, raw upload, HLS and move operations.
type Service struct {
	sinks       Sinks
	origin      Fetcher
	thumbnailer media.Thumbnailer
	metrics     *metrics.Metrics
	logger      *slog.Logger

	tee          stream.Options
	rawUploadTTL time.Duration
	moveAttempts int
	moveDelay    time.Duration
	tempDir      string
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records relay and move results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithThumbnailer enables thumbnail extraction on raw upload finalize.
func WithThumbnailer(t media.Thumbnailer) Option {
	return func(s *Service) {
		s.thumbnailer = t
	}
}

// WithTeeOptions tunes the fan-out chunk size and queue depth.
func WithTeeOptions(opts stream.Options) Option {
	return func(s *Service) {
		s.tee = opts
	}
}

// WithRawUploadTTL sets the default expiry of staged raw uploads.
func WithRawUploadTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.rawUploadTTL = ttl
		}
	}
}

// WithMoveRetry sets how many times a move reads its source and the fixed delay between reads.
func WithMoveRetry(attempts int, delay time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.moveAttempts = attempts
		}
		if delay >= 0 {
			s.moveDelay = delay
		}
	}
}

// WithTempDir sets where finalize stages downloaded objects.
func WithTempDir(dir string) Option {
	return func(s *Service) {
		s.tempDir = dir
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a relay service. General and restricted sinks are required.
func NewService(sinks Sinks, fetcher Fetcher, opts ...Option) (*Service, error) {
	if sinks.General == nil {
		return nil, ErrGeneralSinkRequired
	}
	if sinks.Restricted == nil {
		return nil, ErrRestrictedSinkRequired
	}
	if fetcher == nil {
		return nil, ErrOriginRequired
	}

	s := &Service{
		sinks:        sinks,
		origin:       fetcher,
		logger:       slog.Default(),
		rawUploadTTL: DefaultRawUploadTTL,
		moveAttempts: DefaultMoveAttempts,
		moveDelay:    DefaultMoveDelay,
		tempDir:      os.TempDir(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Targets returns the sinks content with the given sensitivity is written to.
func (s *Service) Targets(sensitive bool) []storage.Sink {
	if sensitive {
		return []storage.Sink{s.sinks.Restricted}
	}
	if s.sinks.Mirror == nil {
		return []storage.Sink{s.sinks.General}
	}
	return []storage.Sink{s.sinks.General, s.sinks.Mirror}
}

// primary returns the authoritative sink of a partition.
func (s *Service) primary(sensitive bool) storage.Sink {
	if sensitive {
		return s.sinks.Restricted
	}
	return s.sinks.General
}

// Relay writes src to every sink selected for req under <owner>/<video>.mp4.
func (s *Service) Relay(ctx context.Context, req Request, src io.Reader) (*Outcome, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.relay(ctx, VideoKey(req.OwnerID, req.VideoID), req.Sensitive, src, storage.WriteOptions{Metadata: req.Metadata})
}

// relay fans src out to the targets of sensitive and aggregates their results.
// It returns only after every write has settled.
func (s *Service) relay(ctx context.Context, key string, sensitive bool, src io.Reader, opts storage.WriteOptions) (*Outcome, error) {
	targets := s.Targets(sensitive)
	errs := make([]error, len(targets))

	consumers := make([]stream.Consumer, len(targets))
	for i, sink := range targets {
		consumers[i] = func(r io.Reader) error {
			errs[i] = sink.Write(ctx, key, r, opts)
			return errs[i]
		}
	}

	teeErr := stream.Tee(ctx, src, s.tee, consumers...)

	outcome := &Outcome{Key: key, Failed: make(map[storage.Descriptor]error)}
	var firstErr error
	for i, sink := range targets {
		desc := sink.Descriptor()
		if errs[i] != nil {
			outcome.Failed[desc] = errs[i]
			if firstErr == nil {
				firstErr = errs[i]
			}
			s.logger.Error("sink write failed", "sink", desc.String(), "key", key, "error", errs[i])
			continue
		}
		outcome.Succeeded = append(outcome.Succeeded, desc)
	}

	if teeErr != nil || firstErr != nil {
		err := teeErr
		if err == nil {
			err = firstErr
		}
		if len(outcome.Succeeded) > 0 {
			s.logger.Warn("partial relay, successful writes kept",
				"key", key, "succeeded", descriptorNames(outcome.Succeeded))
		}
		return outcome, &RelayError{Outcome: outcome, Err: err}
	}

	s.logger.Info("relay completed", "key", key, "sinks", descriptorNames(outcome.Succeeded))
	return outcome, nil
}

// Duplicate fetches req's video from the origin and relays it.
// An origin failure is returned before any sink is touched.
func (s *Service) Duplicate(ctx context.Context, req Request) (outcome *Outcome, err error) {
	done := s.metrics.RelayStarted("duplicate")
	defer func() { done(err) }()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	video, err := s.origin.FetchVideo(ctx, req.VideoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = video.Body.Close() }()

	return s.Relay(ctx, req, video.Body)
}

// VideoKey returns the object key of a video.
func VideoKey(ownerID, videoID string) string {
	return ownerID + "/" + videoID + ".mp4"
}

// ThumbnailKey returns the object key of a video thumbnail.
func ThumbnailKey(ownerID, videoID string) string {
	return ownerID + "/" + videoID + ".jpg"
}

// HLSKey returns the object key of an HLS manifest or segment.
func HLSKey(videoID, fileName string) string {
	return videoID + "/hls/" + fileName
}

func validateID(kind, id string) error {
	if !isPathElement(id) {
		return fmt.Errorf("%w: %s id %q", ErrInvalidID, kind, id)
	}
	return nil
}

// isPathElement reports whether name can be used as one key segment.
func isPathElement(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, "/\\")
}

func descriptorNames(descs []storage.Descriptor) []string {
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.String()
	}
	return names
}
