// Package server provides the HTTP surface of the video relay.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

// DuplicateRequest is the HTTP request body of POST /duplicate.
type DuplicateRequest struct {
	// PublisherUserID owns the video; it is the first key segment.
	PublisherUserID string `json:"publisher_user_id" validate:"required,max=256,excludesall=/\\"`
	// VideoID is the origin video identifier.
	VideoID string `json:"video_id" validate:"required,max=256,excludesall=/\\"`
	// IsNSFW routes the video to the restricted partition only.
	IsNSFW bool `json:"is_nsfw"`
	// Metadata is stored alongside the object.
	Metadata map[string]string `json:"metadata"`
}

// MoveRequest is the HTTP request body of POST /move-to-nsfw.
type MoveRequest struct {
	PublisherUserID string `json:"publisher_user_id" validate:"required,max=256,excludesall=/\\"`
	VideoID         string `json:"video_id" validate:"required,max=256,excludesall=/\\"`
}

// RawUploadQuery holds the query parameters of POST /duplicate_raw/upload.
type RawUploadQuery struct {
	PublisherUserID string `validate:"required,max=256,excludesall=/\\"`
	VideoID         string `validate:"required,max=256,excludesall=/\\"`
	IsNSFW          bool
	// TTLHours is how long the pending upload lives. Zero uses the server default.
	TTLHours int `validate:"min=0,max=720"`
}

// RawFinalizeQuery holds the query parameters of POST /duplicate_raw/finalize.
type RawFinalizeQuery struct {
	PublisherUserID string `validate:"required,max=256,excludesall=/\\"`
	VideoID         string `validate:"required,max=256,excludesall=/\\"`
	IsNSFW          bool
}

// RawFinalizeBody is the HTTP request body of POST /duplicate_raw/finalize.
type RawFinalizeBody struct {
	// Metadata replaces the pending marker on the finalized object.
	Metadata map[string]string `json:"metadata"`
}

// HLSQuery holds the query parameters of POST /hls/duplicate.
type HLSQuery struct {
	VideoID     string `validate:"required,max=256,excludesall=/\\"`
	IsNSFW      bool
	HLSFileName string `validate:"required,max=256,excludesall=/\\"`
	Metadata    map[string]string
}

// RelayResponse is returned by successful relay operations.
type RelayResponse struct {
	Status string `json:"status"`
	// Key is the object key that was written.
	Key string `json:"key"`
	// Sinks lists the sinks the object was written to.
	Sinks []string `json:"sinks"`
}

// RawUploadResponse is returned by POST /duplicate_raw/upload.
type RawUploadResponse struct {
	Status         string   `json:"status"`
	ExpiresInHours int      `json:"expires_in_hours"`
	Message        string   `json:"message"`
	Sinks          []string `json:"sinks"`
}

// RawFinalizeResponse is returned by POST /duplicate_raw/finalize.
type RawFinalizeResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Sinks   []string `json:"sinks"`
}

// MoveResponse is returned by POST /move-to-nsfw.
type MoveResponse struct {
	Message string `json:"message"`
	Key     string `json:"key"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// SucceededSinks lists sinks that kept their copy when a relay failed part way.
	SucceededSinks []string `json:"succeeded_sinks,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
