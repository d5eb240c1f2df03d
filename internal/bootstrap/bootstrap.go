// Package bootstrap provides dependency initialization for the video relay.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/maauso/video-relay/internal/config"
	"github.com/maauso/video-relay/internal/media"
	"github.com/maauso/video-relay/internal/metrics"
	"github.com/maauso/video-relay/internal/origin"
	"github.com/maauso/video-relay/internal/relay"
	"github.com/maauso/video-relay/internal/server"
	"github.com/maauso/video-relay/internal/storage"
	"github.com/maauso/video-relay/internal/stream"
	"github.com/maauso/video-relay/internal/token"
)

// bucketCheckTimeout bounds the startup bucket check against renterd.
const bucketCheckTimeout = 10 * time.Second

// Dependencies holds all initialized dependencies for the HTTP server.
type Dependencies struct {
	RelayService *relay.Service
	Metrics      *metrics.Metrics
	Sinks        relay.Sinks
	// Handler is the fully wired HTTP router.
	Handler http.Handler
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Finalize and thumbnail extraction stage files here.
	if err := os.MkdirAll(cfg.TempDir, 0750); err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	sinks, err := initSinks(cfg, m, logger)
	if err != nil {
		return nil, err
	}

	originClient, err := origin.NewClient(cfg.OriginBaseURL)
	if err != nil {
		return nil, fmt.Errorf("create origin client: %w", err)
	}

	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithMetrics(m),
		relay.WithTeeOptions(stream.Options{ChunkSize: cfg.TeeChunkSize, QueueDepth: cfg.TeeQueueDepth}),
		relay.WithRawUploadTTL(time.Duration(cfg.RawUploadTTLHours) * time.Hour),
		relay.WithMoveRetry(cfg.MoveFetchAttempts, cfg.MoveFetchDelay),
		relay.WithTempDir(cfg.TempDir),
	}
	if cfg.GenerateThumbnails {
		thumbnailer, err := media.NewFFmpegThumbnailer(cfg.FFmpegPath).WithWidth(cfg.ThumbnailWidth)
		if err != nil {
			return nil, fmt.Errorf("create thumbnailer: %w", err)
		}
		opts = append(opts, relay.WithThumbnailer(thumbnailer.WithTempDir(cfg.TempDir)))
		logger.Info("thumbnail generation enabled",
			slog.String("ffmpeg_path", cfg.FFmpegPath),
			slog.Int("width", cfg.ThumbnailWidth),
		)
	}

	svc, err := relay.NewService(sinks, originClient, opts...)
	if err != nil {
		return nil, fmt.Errorf("create relay service: %w", err)
	}

	handlers := server.NewHandlers(svc, logger, server.WithMaxBodyBytes(cfg.MaxUploadBytes))
	router := server.NewRouter(handlers, logger, server.Config{
		SecretToken: cfg.ServiceSecretToken,
		Metrics:     m.Handler(),
	})

	return &Dependencies{
		RelayService: svc,
		Metrics:      m,
		Sinks:        sinks,
		Handler:      router,
	}, nil
}

// initSinks creates the primary sinks and the optional mirror, each
// instrumented with m.
func initSinks(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (relay.Sinks, error) {
	general, restricted, err := initPrimary(cfg, m, logger)
	if err != nil {
		return relay.Sinks{}, err
	}

	sinks := relay.Sinks{
		General:    metrics.Instrument(general, m),
		Restricted: metrics.Instrument(restricted, m),
	}

	if cfg.MirrorEnabled() {
		mirror, err := storage.NewS3Sink(storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		}, storage.PartitionMirror)
		if err != nil {
			return relay.Sinks{}, fmt.Errorf("create S3 mirror: %w", err)
		}
		sinks.Mirror = metrics.Instrument(mirror, m)
		logger.Info("S3 mirror configured",
			slog.String("endpoint", cfg.S3Endpoint),
			slog.String("bucket", cfg.S3Bucket),
		)
	}

	return sinks, nil
}

func initPrimary(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (general, restricted storage.Sink, err error) {
	switch cfg.PrimaryBackend {
	case config.BackendStorj:
		general = storage.NewUplinkSink(cfg.UplinkPath, cfg.SFWBucket, cfg.AccessGrantSFW, storage.PartitionGeneral)
		restricted = storage.NewUplinkSink(cfg.UplinkPath, cfg.NSFWBucket, cfg.AccessGrantNSFW, storage.PartitionRestricted)

	case config.BackendSia:
		auth := storage.NewRenterdAuthenticator(cfg.RenterdAPIPassword, cfg.RenterdTokenValidity, map[storage.Partition]string{
			storage.PartitionGeneral:    cfg.RenterdSFWURL,
			storage.PartitionRestricted: cfg.RenterdNSFWURL,
		})
		tokens := token.NewCache(auth,
			token.WithTTL(cfg.RenterdTokenCacheTTL),
			token.WithRefreshHook(m.TokenRefreshed),
			token.WithLogger(logger),
		)
		sfw := storage.NewRenterdSink(cfg.RenterdSFWURL, cfg.SFWBucket, storage.PartitionGeneral, tokens)
		nsfw := storage.NewRenterdSink(cfg.RenterdNSFWURL, cfg.NSFWBucket, storage.PartitionRestricted, tokens)
		for _, sink := range []*storage.RenterdSink{sfw, nsfw} {
			ensureBucket(sink, logger)
		}
		general, restricted = sfw, nsfw

	case config.BackendLocal:
		sfw, err := storage.NewLocalSink(filepath.Join(cfg.LocalStorageDir, cfg.SFWBucket), storage.PartitionGeneral)
		if err != nil {
			return nil, nil, fmt.Errorf("create local storage: %w", err)
		}
		nsfw, err := storage.NewLocalSink(filepath.Join(cfg.LocalStorageDir, cfg.NSFWBucket), storage.PartitionRestricted)
		if err != nil {
			return nil, nil, fmt.Errorf("create local storage: %w", err)
		}
		general, restricted = sfw, nsfw

	default:
		return nil, nil, fmt.Errorf("%w: PRIMARY_BACKEND=%q", config.ErrUnknownBackend, cfg.PrimaryBackend)
	}

	logger.Info("primary storage configured",
		slog.String("backend", cfg.PrimaryBackend),
		slog.String("general", general.Descriptor().String()),
		slog.String("restricted", restricted.Descriptor().String()),
	)
	return general, restricted, nil
}

// ensureBucket creates the bucket if missing. Failures are logged only; the
// node may still be syncing and writes will surface any real problem.
func ensureBucket(sink *storage.RenterdSink, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), bucketCheckTimeout)
	defer cancel()

	if err := sink.EnsureBucket(ctx); err != nil {
		logger.Warn("renterd bucket check failed",
			slog.String("sink", sink.Descriptor().String()),
			slog.String("error", err.Error()),
		)
	}
}
