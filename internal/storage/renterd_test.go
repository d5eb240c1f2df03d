package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTokens struct {
	token string
	err   error
	calls []string
}

func (s *staticTokens) Get(_ context.Context, partition string) (string, error) {
	s.calls = append(s.calls, partition)
	return s.token, s.err
}

// fakeRenterd stores objects per bucket and checks the session cookie.
type fakeRenterd struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]string
	buckets map[string]bool
	token   string
}

func newFakeRenterd(t *testing.T, token string) (*fakeRenterd, *httptest.Server) {
	t.Helper()
	f := &fakeRenterd{
		objects: map[string][]byte{},
		meta:    map[string]string{},
		buckets: map[string]bool{},
		token:   token,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/worker/object/{key...}", f.handleObject)
	mux.HandleFunc("GET /api/bus/bucket/{name}", f.handleGetBucket)
	mux.HandleFunc("POST /api/bus/buckets", f.handleCreateBucket)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func (f *fakeRenterd) authorized(r *http.Request) bool {
	c, err := r.Cookie("renterd_auth")
	return err == nil && c.Value == f.token
}

func (f *fakeRenterd) handleObject(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	id := r.URL.Query().Get("bucket") + "/" + r.PathValue("key")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[id] = body
		f.meta[id] = r.Header.Get("X-Metadata")
	case http.MethodGet:
		body, ok := f.objects[id]
		if !ok {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		if m := f.meta[id]; m != "" {
			w.Header().Set("X-Metadata", m)
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		if _, ok := f.objects[id]; !ok {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		delete(f.objects, id)
	}
}

func (f *fakeRenterd) handleGetBucket(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.buckets[r.PathValue("name")] {
		http.Error(w, "bucket not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeRenterd) handleCreateBucket(w http.ResponseWriter, r *http.Request) {
	var req createBucketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buckets[req.Name] = true
	w.WriteHeader(http.StatusOK)
}

func TestRenterdSink_WriteReadDelete(t *testing.T) {
	fake, server := newFakeRenterd(t, "tok")
	tokens := &staticTokens{token: "tok"}
	sink := NewRenterdSink(server.URL, "yral-videos", PartitionGeneral, tokens)
	ctx := context.Background()

	err := sink.Write(ctx, "u1/v1.mp4", strings.NewReader("video"), WriteOptions{
		Metadata: map[string]string{"lang": "en"},
	})
	require.NoError(t, err)

	fake.mu.Lock()
	assert.Equal(t, "video", string(fake.objects["yral-videos/u1/v1.mp4"]))
	fake.mu.Unlock()

	obj, err := sink.Read(ctx, "u1/v1.mp4")
	require.NoError(t, err)
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	require.NoError(t, obj.Body.Close())
	assert.Equal(t, "video", string(data))
	assert.Equal(t, map[string]string{"lang": "en"}, obj.Metadata)

	require.NoError(t, sink.Delete(ctx, "u1/v1.mp4"))

	_, err = sink.Read(ctx, "u1/v1.mp4")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, sink.Delete(ctx, "u1/v1.mp4"), ErrNotFound)

	for _, p := range tokens.calls {
		assert.Equal(t, "general", p)
	}
}

func TestRenterdSink_Unauthorized(t *testing.T) {
	_, server := newFakeRenterd(t, "tok")
	sink := NewRenterdSink(server.URL, "yral-videos", PartitionGeneral, &staticTokens{token: "stale"})

	err := sink.Write(context.Background(), "u1/v1.mp4", strings.NewReader("video"), WriteOptions{})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Contains(t, apiErr.Body, "unauthorized")
}

func TestRenterdSink_TokenError(t *testing.T) {
	tokenErr := errors.New("auth down")
	sink := NewRenterdSink("http://127.0.0.1:1", "yral-videos", PartitionGeneral, &staticTokens{err: tokenErr})

	err := sink.Write(context.Background(), "k", strings.NewReader("x"), WriteOptions{})
	assert.ErrorIs(t, err, tokenErr)
}

func TestRenterdSink_EnsureBucket(t *testing.T) {
	fake, server := newFakeRenterd(t, "tok")
	sink := NewRenterdSink(server.URL, "yral-nsfw-videos", PartitionRestricted, &staticTokens{token: "tok"})
	ctx := context.Background()

	require.NoError(t, sink.EnsureBucket(ctx))
	fake.mu.Lock()
	assert.True(t, fake.buckets["yral-nsfw-videos"])
	fake.mu.Unlock()

	// Second call finds the bucket and does nothing.
	require.NoError(t, sink.EnsureBucket(ctx))
}

func TestRenterdSink_KeyEscaping(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewRenterdSink(server.URL, "b", PartitionGeneral, &staticTokens{token: "tok"})
	require.NoError(t, sink.Write(context.Background(), "u1/v 1.mp4", strings.NewReader("x"), WriteOptions{}))
	assert.Equal(t, "/api/worker/object/u1%2Fv%201.mp4", gotPath)
}

func TestRenterdAuthenticator_Authenticate(t *testing.T) {
	var gotAuth, gotValidity string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/auth" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotValidity = r.URL.Query().Get("validity")
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "session-token"})
	}))
	defer server.Close()

	auth := NewRenterdAuthenticator("pw", time.Hour, map[Partition]string{PartitionGeneral: server.URL})

	token, err := auth.Authenticate(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, "session-token", token)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte(":pw")), gotAuth)
	assert.Equal(t, "3600000", gotValidity)
}

func TestRenterdAuthenticator_Errors(t *testing.T) {
	t.Run("unknown partition", func(t *testing.T) {
		auth := NewRenterdAuthenticator("pw", time.Hour, map[Partition]string{})
		_, err := auth.Authenticate(context.Background(), "restricted")
		assert.ErrorIs(t, err, ErrNoRenterdURL)
	})

	t.Run("wrong password", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "invalid password", http.StatusUnauthorized)
		}))
		defer server.Close()

		auth := NewRenterdAuthenticator("bad", time.Hour, map[Partition]string{PartitionGeneral: server.URL})
		_, err := auth.Authenticate(context.Background(), "general")

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	})

	t.Run("empty token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, `{"token":""}`)
		}))
		defer server.Close()

		auth := NewRenterdAuthenticator("pw", time.Hour, map[Partition]string{PartitionGeneral: server.URL})
		_, err := auth.Authenticate(context.Background(), "general")
		assert.Error(t, err)
	})
}
