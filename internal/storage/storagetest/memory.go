// Package storagetest provides an in-memory storage.Sink for tests.
package storagetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/maauso/video-relay/internal/storage"
)

// Compile-time check that MemorySink implements storage.Sink.
var _ storage.Sink = (*MemorySink)(nil)

// StoredObject is a snapshot of one object.
type StoredObject struct {
	Data     []byte
	Metadata map[string]string
	TTL      time.Duration
}

// MemorySink keeps objects in a map and records every call.
// Failures can be injected per operation.
type MemorySink struct {
	desc storage.Descriptor

	mu      sync.Mutex
	objects map[string]StoredObject
	calls   []string

	// WriteErr is returned by Write after the body has been consumed.
	WriteErr error
	// ReadErr is returned by the first FailReads calls to Read.
	ReadErr   error
	FailReads int
	// DeleteErr is returned by Delete.
	DeleteErr error
}

// NewMemorySink creates an empty sink for partition.
func NewMemorySink(partition storage.Partition, root string) *MemorySink {
	return &MemorySink{
		desc:    storage.Descriptor{Kind: storage.KindLocal, Partition: partition, Root: root},
		objects: make(map[string]StoredObject),
	}
}

// Descriptor returns the sink description.
func (s *MemorySink) Descriptor() storage.Descriptor {
	return s.desc
}

// Write stores a copy of body.
func (s *MemorySink) Write(_ context.Context, key string, body io.Reader, opts storage.WriteOptions) error {
	data, err := io.ReadAll(body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "write "+key)

	if err != nil {
		return fmt.Errorf("memory: read body: %w", err)
	}
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.objects[key] = StoredObject{Data: data, Metadata: maps.Clone(opts.Metadata), TTL: opts.TTL}
	return nil
}

// Read returns the stored object or storage.ErrNotFound.
func (s *MemorySink) Read(_ context.Context, key string) (*storage.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "read "+key)

	if s.FailReads > 0 {
		s.FailReads--
		return nil, s.ReadErr
	}
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("memory %s: %w", key, storage.ErrNotFound)
	}
	return &storage.Object{
		Body:     io.NopCloser(bytes.NewReader(obj.Data)),
		Metadata: maps.Clone(obj.Metadata),
	}, nil
}

// Delete removes the object.
func (s *MemorySink) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "delete "+key)

	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	if _, ok := s.objects[key]; !ok {
		return fmt.Errorf("memory %s: %w", key, storage.ErrNotFound)
	}
	delete(s.objects, key)
	return nil
}

// Put seeds an object without recording a call.
func (s *MemorySink) Put(key string, data []byte, metadata map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = StoredObject{Data: data, Metadata: metadata}
}

// Get returns a snapshot of the object stored under key.
func (s *MemorySink) Get(key string) (StoredObject, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Keys returns the stored keys in sorted order.
func (s *MemorySink) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Calls returns the recorded operations, e.g. "write u1/v1.mp4".
func (s *MemorySink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}
