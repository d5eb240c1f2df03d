package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/video-relay/internal/origin"
	"github.com/maauso/video-relay/internal/relay"
	"github.com/maauso/video-relay/internal/storage"
	"github.com/maauso/video-relay/internal/token"
)

// RelayService is the subset of relay.Service used by the handlers.
type RelayService interface {
	Duplicate(ctx context.Context, req relay.Request) (*relay.Outcome, error)
	StageRaw(ctx context.Context, up relay.RawUpload, body io.Reader) (*relay.StageResult, error)
	FinalizeRaw(ctx context.Context, req relay.Request) (*relay.Outcome, error)
	DuplicateHLS(ctx context.Context, req relay.HLSRequest, body io.Reader) (*relay.Outcome, error)
	MoveToRestricted(ctx context.Context, ownerID, videoID string) (string, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   RelayService
	validator *validator.Validate
	logger    *slog.Logger
	// maxBodyBytes caps raw and HLS uploads. Zero means unlimited.
	maxBodyBytes int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithMaxBodyBytes limits the size of uploaded request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		h.maxBodyBytes = n
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service RelayService, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:   service,
		validator: validator.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive"})
}

// Duplicate handles POST /duplicate requests.
func (h *Handlers) Duplicate(w http.ResponseWriter, r *http.Request) {
	var req DuplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if !h.validate(w, req) {
		return
	}

	// Sink writes must finish even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())
	outcome, err := h.service.Duplicate(ctx, relay.Request{
		OwnerID:   req.PublisherUserID,
		VideoID:   req.VideoID,
		Sensitive: req.IsNSFW,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, "duplicate", err)
		return
	}

	writeJSON(w, http.StatusOK, RelayResponse{
		Status: "ok",
		Key:    outcome.Key,
		Sinks:  sinkNames(outcome.Succeeded),
	})
}

// UploadRaw handles POST /duplicate_raw/upload requests.
// The request body is the raw video.
func (h *Handlers) UploadRaw(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sensitive, err := parseBool(q, "is_nsfw")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	ttlHours, err := parseInt(q, "ttl_hours")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	query := RawUploadQuery{
		PublisherUserID: q.Get("publisher_user_id"),
		VideoID:         q.Get("video_id"),
		IsNSFW:          sensitive,
		TTLHours:        ttlHours,
	}
	if !h.validate(w, query) {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	result, err := h.service.StageRaw(ctx, relay.RawUpload{
		OwnerID:   query.PublisherUserID,
		VideoID:   query.VideoID,
		Sensitive: query.IsNSFW,
		TTL:       time.Duration(query.TTLHours) * time.Hour,
	}, h.body(w, r))
	if err != nil {
		h.writeServiceError(w, r, "upload raw", err)
		return
	}

	hours := int(result.TTL / time.Hour)
	writeJSON(w, http.StatusOK, RawUploadResponse{
		Status:         "pending",
		ExpiresInHours: hours,
		Message:        fmt.Sprintf("video uploaded, finalize within %d hours", hours),
		Sinks:          sinkNames(result.Outcome.Succeeded),
	})
}

// FinalizeRaw handles POST /duplicate_raw/finalize requests.
func (h *Handlers) FinalizeRaw(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sensitive, err := parseBool(q, "is_nsfw")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	query := RawFinalizeQuery{
		PublisherUserID: q.Get("publisher_user_id"),
		VideoID:         q.Get("video_id"),
		IsNSFW:          sensitive,
	}
	if !h.validate(w, query) {
		return
	}

	var body RawFinalizeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	outcome, err := h.service.FinalizeRaw(ctx, relay.Request{
		OwnerID:   query.PublisherUserID,
		VideoID:   query.VideoID,
		Sensitive: query.IsNSFW,
		Metadata:  body.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, "finalize raw", err)
		return
	}

	writeJSON(w, http.StatusOK, RawFinalizeResponse{
		Status:  "completed",
		Message: "video finalized",
		Sinks:   sinkNames(outcome.Succeeded),
	})
}

// DuplicateHLS handles POST /hls/duplicate requests.
// The request body is one manifest or segment file.
func (h *Handlers) DuplicateHLS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sensitive, err := parseBool(q, "is_nsfw")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}
	query := HLSQuery{
		VideoID:     q.Get("video_id"),
		IsNSFW:      sensitive,
		HLSFileName: q.Get("hls_file_name"),
	}
	if raw := q.Get("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &query.Metadata); err != nil {
			writeError(w, http.StatusBadRequest, "metadata must be a JSON object of strings", "VALIDATION_ERROR")
			return
		}
	}
	if !h.validate(w, query) {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	outcome, err := h.service.DuplicateHLS(ctx, relay.HLSRequest{
		VideoID:   query.VideoID,
		FileName:  query.HLSFileName,
		Sensitive: query.IsNSFW,
		Metadata:  query.Metadata,
	}, h.body(w, r))
	if err != nil {
		h.writeServiceError(w, r, "duplicate hls", err)
		return
	}

	writeJSON(w, http.StatusOK, RelayResponse{
		Status: "ok",
		Key:    outcome.Key,
		Sinks:  sinkNames(outcome.Succeeded),
	})
}

// MoveToNSFW handles POST /move-to-nsfw requests.
func (h *Handlers) MoveToNSFW(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if !h.validate(w, req) {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	key, err := h.service.MoveToRestricted(ctx, req.PublisherUserID, req.VideoID)
	if err != nil {
		h.writeServiceError(w, r, "move to nsfw", err)
		return
	}

	writeJSON(w, http.StatusOK, MoveResponse{
		Message: "video moved to the restricted partition",
		Key:     key,
	})
}

func (h *Handlers) validate(w http.ResponseWriter, v any) bool {
	if err := h.validator.Struct(v); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return false
	}
	return true
}

func (h *Handlers) body(w http.ResponseWriter, r *http.Request) io.Reader {
	if h.maxBodyBytes > 0 {
		return http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	return r.Body
}

// writeServiceError maps relay errors to HTTP statuses. The detailed error is
// logged; the caller only gets a short message.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger := h.logger.With(
		slog.String("operation", op),
		slog.String("request_id", RequestIDFrom(r.Context())),
		slog.String("error", err.Error()),
	)

	var (
		fetchErr *origin.FetchError
		relayErr *relay.RelayError
		moveErr  *relay.MoveError
		authErr  *token.AuthError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.Is(err, relay.ErrInvalidID), errors.Is(err, relay.ErrInvalidFileName):
		logger.Warn("invalid request")
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.As(err, &fetchErr) && fetchErr.NotFound():
		logger.Warn("video not found on origin")
		writeError(w, http.StatusNotFound, "video not found on origin", "VIDEO_NOT_FOUND")
	case errors.As(err, &fetchErr):
		logger.Warn("origin fetch failed")
		writeError(w, http.StatusBadRequest, "failed to fetch video from origin", "ORIGIN_FETCH_FAILED")
	case errors.As(err, &tooLarge):
		logger.Warn("request body too large")
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
	case errors.As(err, &relayErr):
		// Checked before ErrNotFound: a sink write can report a missing bucket as not found.
		logger.Error("relay failed", slog.Any("succeeded", sinkNames(relayErr.Outcome.Succeeded)))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:          "failed to write to storage",
			Code:           "SINK_WRITE_FAILED",
			SucceededSinks: sinkNames(relayErr.Outcome.Succeeded),
		})
	case errors.As(err, &moveErr) && moveErr.Stage == relay.StageWrite:
		logger.Error("move failed writing the destination")
		writeError(w, http.StatusInternalServerError, "failed to write to storage", "MOVE_FAILED")
	case errors.Is(err, storage.ErrNotFound):
		logger.Warn("object not found")
		writeError(w, http.StatusNotFound, "object not found", "NOT_FOUND")
	case errors.As(err, &authErr):
		logger.Error("storage authentication failed")
		writeError(w, http.StatusInternalServerError, "storage authentication failed", "STORAGE_AUTH_FAILED")
	default:
		logger.Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal server error", "INTERNAL_ERROR")
	}
}

func sinkNames(descs []storage.Descriptor) []string {
	names := make([]string, len(descs))
	for i, d := range descs {
		names[i] = d.String()
	}
	return names
}

func parseBool(q url.Values, name string) (bool, error) {
	raw := q.Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", name, raw)
	}
	return v, nil
}

func parseInt(q url.Values, name string) (int, error) {
	raw := q.Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, raw)
	}
	return v, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
