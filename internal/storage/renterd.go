package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Compile-time check that RenterdSink implements Sink.
var _ Sink = (*RenterdSink)(nil)

// ErrNoRenterdURL is returned when a partition has no renterd base URL configured.
var ErrNoRenterdURL = errors.New("renterd: no base URL for partition")

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 4096

// TokenSource hands out session tokens for a partition.
type TokenSource interface {
	Get(ctx context.Context, partition string) (string, error)
}

// RenterdOption is a function that configures renterd clients.
type RenterdOption func(*http.Client) *http.Client

// WithRenterdHTTPClient sets a custom HTTP client.
func WithRenterdHTTPClient(c *http.Client) RenterdOption {
	return func(*http.Client) *http.Client {
		return c
	}
}

func applyRenterdOptions(opts []RenterdOption) *http.Client {
	c := &http.Client{Timeout: 10 * time.Minute}
	for _, opt := range opts {
		c = opt(c)
	}
	return c
}

// RenterdSink implements Sink against the renterd worker object API.
// Requests carry the session cookie obtained from the token source.
type RenterdSink struct {
	baseURL    string
	bucket     string
	partition  Partition
	tokens     TokenSource
	httpClient *http.Client
}

// NewRenterdSink creates a sink writing into bucket on the renterd instance at baseURL.
func NewRenterdSink(baseURL, bucket string, partition Partition, tokens TokenSource, opts ...RenterdOption) *RenterdSink {
	return &RenterdSink{
		baseURL:    baseURL,
		bucket:     bucket,
		partition:  partition,
		tokens:     tokens,
		httpClient: applyRenterdOptions(opts),
	}
}

// Descriptor returns the sink description.
func (s *RenterdSink) Descriptor() Descriptor {
	return Descriptor{Kind: KindHTTP, Partition: s.partition, Root: s.bucket}
}

// Write streams body with a PUT to the worker object endpoint.
// Metadata travels as a JSON document in the X-Metadata header; TTL is ignored.
func (s *RenterdSink) Write(ctx context.Context, key string, body io.Reader, opts WriteOptions) error {
	req, err := s.newRequest(ctx, http.MethodPut, key, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType(key, opts))
	if len(opts.Metadata) > 0 {
		metadataJSON, err := json.Marshal(opts.Metadata)
		if err != nil {
			return fmt.Errorf("renterd: marshal metadata: %w", err)
		}
		req.Header.Set("X-Metadata", string(metadataJSON))
	}

	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Read opens the object with a GET to the worker object endpoint.
func (s *RenterdSink) Read(ctx context.Context, key string) (*Object, error) {
	req, err := s.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.do(req)
	if err != nil {
		return nil, err
	}

	obj := &Object{Body: resp.Body}
	if raw := resp.Header.Get("X-Metadata"); raw != "" {
		var metadata map[string]string
		if err := json.Unmarshal([]byte(raw), &metadata); err == nil {
			obj.Metadata = metadata
		}
	}
	return obj, nil
}

// Delete removes the object with a DELETE to the worker object endpoint.
func (s *RenterdSink) Delete(ctx context.Context, key string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}

	resp, err := s.do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// EnsureBucket creates the sink's bucket if renterd does not know it yet.
func (s *RenterdSink) EnsureBucket(ctx context.Context) error {
	token, err := s.tokens.Get(ctx, string(s.partition))
	if err != nil {
		return err
	}

	checkURL := fmt.Sprintf("%s/api/bus/bucket/%s", s.baseURL, url.PathEscape(s.bucket))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return fmt.Errorf("renterd: create request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: "renterd_auth", Value: token})

	resp, err := s.do(req)
	if err == nil {
		_ = resp.Body.Close()
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	payload, err := json.Marshal(createBucketRequest{
		Name:   s.bucket,
		Policy: bucketPolicy{PublicReadAccess: false},
	})
	if err != nil {
		return fmt.Errorf("renterd: marshal bucket request: %w", err)
	}

	req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/bus/buckets", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("renterd: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(&http.Cookie{Name: "renterd_auth", Value: token})

	resp, err = s.do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

type createBucketRequest struct {
	Name   string       `json:"name"`
	Policy bucketPolicy `json:"policy"`
}

type bucketPolicy struct {
	PublicReadAccess bool `json:"publicReadAccess"`
}

func (s *RenterdSink) newRequest(ctx context.Context, method, key string, body io.Reader) (*http.Request, error) {
	token, err := s.tokens.Get(ctx, string(s.partition))
	if err != nil {
		return nil, err
	}

	objectURL := fmt.Sprintf("%s/api/worker/object/%s?%s",
		s.baseURL,
		url.PathEscape(key),
		url.Values{"bucket": {s.bucket}}.Encode(),
	)

	req, err := http.NewRequestWithContext(ctx, method, objectURL, body)
	if err != nil {
		return nil, fmt.Errorf("renterd: create request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: "renterd_auth", Value: token})
	return req, nil
}

// do performs a single request and maps 404 and non-2xx answers to errors.
// On success the caller owns the response body.
func (s *RenterdSink) do(req *http.Request) (*http.Response, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("renterd: request failed: %w", err)
	}
	if err := checkResponse("renterd", resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkResponse closes resp and returns an error if it is not a 2xx answer.
func checkResponse(backend string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", backend, ErrNotFound)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{Backend: backend, Status: resp.StatusCode, Body: string(body)}
}

// RenterdAuthenticator obtains renterd session tokens with the API password.
type RenterdAuthenticator struct {
	baseURLs   map[string]string
	password   string
	validity   time.Duration
	httpClient *http.Client
}

// NewRenterdAuthenticator creates an authenticator for the renterd instances in baseURLs,
// keyed by partition. Tokens are requested with the given validity.
func NewRenterdAuthenticator(password string, validity time.Duration, baseURLs map[Partition]string, opts ...RenterdOption) *RenterdAuthenticator {
	urls := make(map[string]string, len(baseURLs))
	for p, u := range baseURLs {
		urls[string(p)] = u
	}
	return &RenterdAuthenticator{
		baseURLs:   urls,
		password:   password,
		validity:   validity,
		httpClient: applyRenterdOptions(opts),
	}
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate requests a fresh session token for partition.
func (a *RenterdAuthenticator) Authenticate(ctx context.Context, partition string) (string, error) {
	baseURL, ok := a.baseURLs[partition]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoRenterdURL, partition)
	}

	authURL := fmt.Sprintf("%s/api/auth?validity=%s", baseURL, strconv.FormatInt(a.validity.Milliseconds(), 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, nil)
	if err != nil {
		return "", fmt.Errorf("renterd: create request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+a.password)))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("renterd auth: request failed: %w", err)
	}
	if err := checkResponse("renterd auth", resp); err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("renterd auth: decode response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("renterd auth: empty token in response")
	}
	return out.Token, nil
}
