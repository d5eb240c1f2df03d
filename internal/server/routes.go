package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// SecretToken authenticates every route except /health and /metrics.
	SecretToken string
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()
	auth := AuthMiddleware(cfg.SecretToken)

	mux.HandleFunc("GET /health", h.Health)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.Handle("POST /duplicate", auth(http.HandlerFunc(h.Duplicate)))
	mux.Handle("POST /duplicate_raw/upload", auth(http.HandlerFunc(h.UploadRaw)))
	mux.Handle("POST /duplicate_raw/finalize", auth(http.HandlerFunc(h.FinalizeRaw)))
	mux.Handle("POST /hls/duplicate", auth(http.HandlerFunc(h.DuplicateHLS)))
	mux.Handle("POST /move-to-nsfw", auth(http.HandlerFunc(h.MoveToNSFW)))

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		RequestIDMiddleware(),
		LoggingMiddleware(logger),
	)

	return chain(mux)
}
