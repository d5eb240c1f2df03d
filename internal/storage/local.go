package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Compile-time check that LocalSink implements Sink.
var _ Sink = (*LocalSink)(nil)

// ErrInvalidKey is returned when a key would escape the sink root.
var ErrInvalidKey = errors.New("storage: invalid object key")

// LocalSink implements Sink using local disk.
// Each object is a file under the root directory with a JSON sidecar
// holding its metadata and optional expiry. Intended for development.
type LocalSink struct {
	root      string
	partition Partition
	now       func() time.Time
}

// localMeta is the sidecar document stored next to each object.
type localMeta struct {
	Metadata  map[string]string `json:"metadata,omitempty"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// NewLocalSink creates a new LocalSink instance.
// The directory is created if it doesn't exist.
func NewLocalSink(root string, partition Partition) (*LocalSink, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "video-relay", string(partition))
	}

	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	return &LocalSink{root: root, partition: partition, now: time.Now}, nil
}

// Descriptor returns the sink description.
func (s *LocalSink) Descriptor() Descriptor {
	return Descriptor{Kind: KindLocal, Partition: s.partition, Root: s.root}
}

// Write stores body under key through a temporary file renamed into place.
func (s *LocalSink) Write(ctx context.Context, key string, body io.Reader, opts WriteOptions) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	path, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".upload_*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := f.Name()
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write object: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close object: %w", err)
	}

	meta := localMeta{Metadata: opts.Metadata}
	if opts.TTL > 0 {
		expires := s.now().Add(opts.TTL)
		meta.ExpiresAt = &expires
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta.json", metaJSON, 0600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename object: %w", err)
	}
	return nil
}

// Read opens the object file. Expired objects are reported as ErrNotFound.
func (s *LocalSink) Read(ctx context.Context, key string) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	path, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}

	var meta localMeta
	if raw, err := os.ReadFile(path + ".meta.json"); err == nil { // #nosec G304 - path is confined to the sink root
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if meta.ExpiresAt != nil && !s.now().Before(*meta.ExpiresAt) {
		return nil, fmt.Errorf("local %s: %w", key, ErrNotFound)
	}

	f, err := os.Open(path) // #nosec G304 - path is confined to the sink root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("local %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}

	return &Object{Body: f, Metadata: meta.Metadata}, nil
}

// Delete removes the object and its sidecar.
func (s *LocalSink) Delete(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	path, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("local %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("remove object: %w", err)
	}
	if err := os.Remove(path + ".meta.json"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove metadata: %w", err)
	}
	return nil
}

// objectPath maps key to a file path under the root.
func (s *LocalSink) objectPath(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path, nil
}
