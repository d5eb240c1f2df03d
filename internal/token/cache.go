// Package token caches backend session tokens per storage partition.
package token

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long a token is served from cache.
// It is kept shorter than the backend's token lifetime so a cached token
// never expires in the middle of a request.
const DefaultTTL = 50 * time.Minute

// Authenticator obtains a fresh token for a partition.
type Authenticator interface {
	Authenticate(ctx context.Context, partition string) (string, error)
}

// AuthError is returned when the authenticator fails.
type AuthError struct {
	Partition string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s: %v", e.Partition, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// cachedToken is replaced wholesale on refresh, never mutated.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// entry holds the token of one partition.
type entry struct {
	mu     sync.RWMutex
	cached *cachedToken
}

// Cache amortizes authentication round-trips per partition.
// Readers share a lock; a refresh is exclusive. Two callers racing on an
// expired token may both authenticate and the last one wins.
type Cache struct {
	auth      Authenticator
	ttl       time.Duration
	now       func() time.Time
	onRefresh func(partition string)
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long tokens are served from cache.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithRefreshHook registers a callback run after every successful authentication.
func WithRefreshHook(fn func(partition string)) Option {
	return func(c *Cache) {
		c.onRefresh = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCache creates a token cache backed by auth.
func NewCache(auth Authenticator, opts ...Option) *Cache {
	c := &Cache{
		auth:    auth,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a valid token for partition, authenticating when the cached
// one is missing or expired.
func (c *Cache) Get(ctx context.Context, partition string) (string, error) {
	e := c.entry(partition)

	e.mu.RLock()
	if e.cached != nil && c.now().Before(e.cached.expiresAt) {
		token := e.cached.token
		e.mu.RUnlock()
		return token, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	token, err := c.auth.Authenticate(ctx, partition)
	if err != nil {
		return "", &AuthError{Partition: partition, Err: err}
	}

	e.cached = &cachedToken{token: token, expiresAt: c.now().Add(c.ttl)}
	c.logger.Debug("token refreshed", "partition", partition)
	if c.onRefresh != nil {
		c.onRefresh(partition)
	}
	return token, nil
}

func (c *Cache) entry(partition string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[partition]
	if !ok {
		e = &entry{}
		c.entries[partition] = e
	}
	return e
}
