// Package origin fetches source videos from the Cloudflare Stream origin.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Static errors for origin client operations.
var (
	// ErrBaseURLRequired is returned when no origin base URL is configured.
	ErrBaseURLRequired = errors.New("origin: base URL is required")
	// ErrVideoIDRequired is returned when the video ID is empty.
	ErrVideoIDRequired = errors.New("origin: video ID is required")
)

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 1024

// FetchError is returned when the origin answers with a non-200 status.
type FetchError struct {
	VideoID string
	Status  int
	Body    string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("origin: fetch %s: status %d", e.VideoID, e.Status)
}

// NotFound reports whether the origin does not know the video.
func (e *FetchError) NotFound() bool {
	return e.Status == http.StatusNotFound
}

// Video is a downloadable source video. The caller must close Body.
type Video struct {
	Body          io.ReadCloser
	ContentLength int64
	ContentType   string
}

// Client downloads videos from the origin.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(oc *Client) {
		oc.httpClient = c
	}
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(oc *Client) {
		oc.maxRetries = n
	}
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(oc *Client) {
		oc.baseBackoff = d
	}
}

// NewClient creates a new origin client rooted at baseURL,
// e.g. https://customer-xxxx.cloudflarestream.com.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		maxRetries:  2,
		baseBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// VideoURL returns the download URL of videoID.
func (c *Client) VideoURL(videoID string) string {
	return fmt.Sprintf("%s/%s/downloads/default.mp4", c.baseURL, url.PathEscape(videoID))
}

// FetchVideo opens the default MP4 download of videoID.
// A non-200 answer is returned as *FetchError before any body is handed out.
// Transport failures and 5xx/429 answers are retried with exponential backoff.
func (c *Client) FetchVideo(ctx context.Context, videoID string) (*Video, error) {
	if videoID == "" {
		return nil, ErrVideoIDRequired
	}

	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("origin: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		video, err := c.fetch(ctx, videoID)
		if err == nil {
			return video, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("origin: max retries exceeded: %w", lastErr)
}

// fetch performs a single GET.
func (c *Client) fetch(ctx context.Context, videoID string) (*Video, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.VideoURL(videoID), nil)
	if err != nil {
		return nil, fmt.Errorf("origin: create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{err: fmt.Errorf("origin: request failed: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		fetchErr := &FetchError{VideoID: videoID, Status: resp.StatusCode, Body: string(body)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, &retryableError{err: fetchErr}
		}
		return nil, fetchErr
	}

	return &Video{
		Body:          resp.Body,
		ContentLength: resp.ContentLength,
		ContentType:   resp.Header.Get("Content-Type"),
	}, nil
}

// retryableError wraps errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
