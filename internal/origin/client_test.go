package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewClient_MissingBaseURL(t *testing.T) {
	_, err := NewClient("")
	if !errors.Is(err, ErrBaseURLRequired) {
		t.Errorf("expected ErrBaseURLRequired, got %v", err)
	}
}

func TestClient_VideoURL(t *testing.T) {
	c, err := NewClient("https://customer-abc.cloudflarestream.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "https://customer-abc.cloudflarestream.com/v1/downloads/default.mp4"
	if got := c.VideoURL("v1"); got != want {
		t.Errorf("VideoURL() = %q, want %q", got, want)
	}
}

func TestClient_FetchVideo_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/downloads/default.mp4" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	c, _ := NewClient(server.URL)
	video, err := c.FetchVideo(context.Background(), "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = video.Body.Close() }()

	data, err := io.ReadAll(video.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(data) != "0123456789" {
		t.Errorf("body = %q, want %q", data, "0123456789")
	}
	if video.ContentType != "video/mp4" {
		t.Errorf("ContentType = %q, want video/mp4", video.ContentType)
	}
}

func TestClient_FetchVideo_NotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer server.Close()

	c, _ := NewClient(server.URL, WithBaseBackoff(time.Millisecond))
	_, err := c.FetchVideo(context.Background(), "missing")

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if !fetchErr.NotFound() {
		t.Errorf("expected NotFound, status = %d", fetchErr.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", calls.Load())
	}
}

func TestClient_FetchVideo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	c, _ := NewClient(server.URL, WithMaxRetries(3), WithBaseBackoff(time.Millisecond))
	video, err := c.FetchVideo(context.Background(), "v1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = video.Body.Close()

	if calls.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", calls.Load())
	}
}

func TestClient_FetchVideo_MaxRetriesExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c, _ := NewClient(server.URL, WithMaxRetries(1), WithBaseBackoff(time.Millisecond))
	_, err := c.FetchVideo(context.Background(), "v1")

	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fetchErr.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", fetchErr.Status)
	}
}

func TestClient_FetchVideo_EmptyID(t *testing.T) {
	c, _ := NewClient("http://localhost")
	_, err := c.FetchVideo(context.Background(), "")
	if !errors.Is(err, ErrVideoIDRequired) {
		t.Errorf("expected ErrVideoIDRequired, got %v", err)
	}
}

func TestClient_FetchVideo_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c, _ := NewClient(server.URL, WithMaxRetries(5), WithBaseBackoff(time.Hour))

	done := make(chan error, 1)
	go func() {
		_, err := c.FetchVideo(ctx, "v1")
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("FetchVideo did not return after cancellation")
	}
}
