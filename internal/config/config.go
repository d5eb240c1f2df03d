// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrServiceTokenRequired is returned when SERVICE_SECRET_TOKEN is not set.
	ErrServiceTokenRequired = errors.New("config: SERVICE_SECRET_TOKEN is required")
	// ErrAccessGrantRequired is returned when a storj access grant is missing.
	ErrAccessGrantRequired = errors.New("config: ACCESS_GRANT_SFW and ACCESS_GRANT_NSFW are required for the storj backend")
	// ErrRenterdPasswordRequired is returned when RENTERD_API_PASSWORD is missing for the sia backend.
	ErrRenterdPasswordRequired = errors.New("config: RENTERD_API_PASSWORD is required for the sia backend")
	// ErrS3CredentialsRequired is returned when the s3 mirror is enabled without endpoint or keys.
	ErrS3CredentialsRequired = errors.New("config: S3_ENDPOINT, S3_ACCESS_KEY and S3_SECRET_KEY are required for the s3 mirror")
	// ErrUnknownBackend is returned for an unsupported PRIMARY_BACKEND or MIRROR_BACKEND value.
	ErrUnknownBackend = errors.New("config: unknown backend")
	// ErrTokenCacheTTLTooLong is returned when cached renterd tokens would outlive their session.
	ErrTokenCacheTTLTooLong = errors.New("config: RENTERD_TOKEN_CACHE_TTL must be shorter than RENTERD_TOKEN_VALIDITY")
	// ErrInvalidLimit is returned for a non-positive size or width setting.
	ErrInvalidLimit = errors.New("config: invalid limit")
)

// Primary backends.
const (
	BackendStorj = "storj"
	BackendSia   = "sia"
	BackendLocal = "local"
)

// Mirror backends.
const (
	MirrorS3   = "s3"
	MirrorNone = "none"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port               int    `env:"PORT, default=3000" json:"port"`
	ServiceSecretToken string `env:"SERVICE_SECRET_TOKEN, required" json:"-"` // Masked in JSON

	// Backend selection
	PrimaryBackend string `env:"PRIMARY_BACKEND, default=storj" json:"primary_backend"` // "storj", "sia" or "local"
	MirrorBackend  string `env:"MIRROR_BACKEND, default=s3" json:"mirror_backend"`      // "s3" or "none"

	// Partition buckets, shared by every primary backend
	SFWBucket  string `env:"SFW_BUCKET, default=yral-videos" json:"sfw_bucket"`
	NSFWBucket string `env:"NSFW_BUCKET, default=yral-nsfw-videos" json:"nsfw_bucket"`

	// Content origin
	OriginBaseURL string `env:"ORIGIN_BASE_URL, default=https://customer-2p3jflss4r4hmpnz.cloudflarestream.com" json:"origin_base_url"`

	// Storj settings
	UplinkPath      string `env:"UPLINK_PATH, default=uplink" json:"uplink_path"`
	AccessGrantSFW  string `env:"ACCESS_GRANT_SFW" json:"-"`  // Masked in JSON
	AccessGrantNSFW string `env:"ACCESS_GRANT_NSFW" json:"-"` // Masked in JSON

	// Sia settings
	RenterdSFWURL        string        `env:"RENTERD_SFW_URL, default=http://localhost:9980" json:"renterd_sfw_url"`
	RenterdNSFWURL       string        `env:"RENTERD_NSFW_URL, default=http://localhost:9981" json:"renterd_nsfw_url"`
	RenterdAPIPassword   string        `env:"RENTERD_API_PASSWORD" json:"-"` // Masked in JSON
	RenterdTokenValidity time.Duration `env:"RENTERD_TOKEN_VALIDITY, default=1h" json:"renterd_token_validity"`
	RenterdTokenCacheTTL time.Duration `env:"RENTERD_TOKEN_CACHE_TTL, default=50m" json:"renterd_token_cache_ttl"`

	// Local backend settings
	LocalStorageDir string `env:"LOCAL_STORAGE_DIR, default=/tmp/video-relay/objects" json:"local_storage_dir"`

	// S3 mirror settings
	S3Endpoint  string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3Region    string `env:"S3_REGION, default=eu-central" json:"s3_region"`
	S3Bucket    string `env:"S3_BUCKET, default=yral-videos" json:"s3_bucket"`
	S3AccessKey string `env:"S3_ACCESS_KEY" json:"-"` // Masked in JSON
	S3SecretKey string `env:"S3_SECRET_KEY" json:"-"` // Masked in JSON

	// Relay settings
	TempDir           string        `env:"TEMP_DIR, default=/tmp/video-relay" json:"temp_dir"`
	RawUploadTTLHours int           `env:"RAW_UPLOAD_TTL_HOURS, default=1" json:"raw_upload_ttl_hours"`
	MoveFetchAttempts int           `env:"MOVE_FETCH_ATTEMPTS, default=3" json:"move_fetch_attempts"`
	MoveFetchDelay    time.Duration `env:"MOVE_FETCH_DELAY, default=500ms" json:"move_fetch_delay"`
	TeeChunkSize      int           `env:"TEE_CHUNK_SIZE, default=262144" json:"tee_chunk_size"`
	TeeQueueDepth     int           `env:"TEE_QUEUE_DEPTH, default=8" json:"tee_queue_depth"`
	MaxUploadBytes    int64         `env:"MAX_UPLOAD_BYTES, default=2147483648" json:"max_upload_bytes"` // raw and HLS request bodies

	// Thumbnail settings
	GenerateThumbnails bool   `env:"GENERATE_THUMBNAILS, default=false" json:"generate_thumbnails"`
	FFmpegPath         string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	ThumbnailWidth     int    `env:"THUMBNAIL_WIDTH, default=480" json:"thumbnail_width"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// MirrorEnabled returns true if non-sensitive content is also written to the S3 mirror.
func (c *Config) MirrorEnabled() bool {
	return c.MirrorBackend == MirrorS3
}

// Load reads configuration from an optional .env file and the environment.
// It returns an error if required variables are not set.
func Load() (*Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "SERVICE_SECRET_TOKEN") {
			return nil, ErrServiceTokenRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the credentials required by the selected backends are present.
func (c *Config) Validate() error {
	if c.ServiceSecretToken == "" {
		return ErrServiceTokenRequired
	}

	switch c.PrimaryBackend {
	case BackendStorj:
		if c.AccessGrantSFW == "" || c.AccessGrantNSFW == "" {
			return ErrAccessGrantRequired
		}
	case BackendSia:
		if c.RenterdAPIPassword == "" {
			return ErrRenterdPasswordRequired
		}
		if c.RenterdTokenCacheTTL >= c.RenterdTokenValidity {
			return fmt.Errorf("%w: cache ttl %s, validity %s", ErrTokenCacheTTLTooLong, c.RenterdTokenCacheTTL, c.RenterdTokenValidity)
		}
	case BackendLocal:
	default:
		return fmt.Errorf("%w: PRIMARY_BACKEND=%q", ErrUnknownBackend, c.PrimaryBackend)
	}

	switch c.MirrorBackend {
	case MirrorS3:
		if c.S3Endpoint == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			return ErrS3CredentialsRequired
		}
	case MirrorNone:
	default:
		return fmt.Errorf("%w: MIRROR_BACKEND=%q", ErrUnknownBackend, c.MirrorBackend)
	}

	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("%w: MAX_UPLOAD_BYTES=%d", ErrInvalidLimit, c.MaxUploadBytes)
	}
	if c.GenerateThumbnails && c.ThumbnailWidth <= 0 {
		return fmt.Errorf("%w: THUMBNAIL_WIDTH=%d", ErrInvalidLimit, c.ThumbnailWidth)
	}

	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, PrimaryBackend: %s, MirrorBackend: %s, SFWBucket: %s, NSFWBucket: %s, OriginBaseURL: %s, S3Endpoint: %s, S3Bucket: %s, TempDir: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.PrimaryBackend,
		c.MirrorBackend,
		c.SFWBucket,
		c.NSFWBucket,
		c.OriginBaseURL,
		c.S3Endpoint,
		c.S3Bucket,
		c.TempDir,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
