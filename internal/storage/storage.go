// Package storage provides the remote object sinks videos are relayed into.
// It defines the Sink interface (port) and implementations backed by the
// uplink CLI, an S3-compatible SDK client, the renterd HTTP API and local disk.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested object does not exist in the sink.
var ErrNotFound = errors.New("storage: object not found")

// Kind identifies how a sink talks to its backend.
type Kind string

// Sink kinds.
const (
	KindProcess Kind = "process"
	KindSDK     Kind = "sdk"
	KindHTTP    Kind = "http"
	KindLocal   Kind = "local"
)

// Partition is a content-sensitivity class.
type Partition string

// Partitions.
const (
	PartitionGeneral    Partition = "general"
	PartitionRestricted Partition = "restricted"
	PartitionMirror     Partition = "mirror"
)

// Descriptor describes a configured sink. It is resolved once at startup.
type Descriptor struct {
	Kind      Kind      `json:"kind"`
	Partition Partition `json:"partition"`
	// Root is the bucket or directory objects are written under.
	Root string `json:"root"`
}

// String returns a short human-readable name, e.g. "general(process:yral-videos)".
func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s:%s)", d.Partition, d.Kind, d.Root)
}

// WriteOptions carries per-write parameters.
type WriteOptions struct {
	// Metadata is stored alongside the object.
	Metadata map[string]string
	// ContentType overrides the type inferred from the key.
	ContentType string
	// TTL asks the backend to expire the object. Zero means no expiry.
	// Backends without expiry support ignore it.
	TTL time.Duration
}

// Object is an object read back from a sink.
// The caller is responsible for closing Body.
type Object struct {
	Body io.ReadCloser
	// Metadata is nil when the backend cannot report it.
	Metadata map[string]string
}

// Sink defines a destination object store.
// No implementation retries internally; every call is at most once.
type Sink interface {
	// Descriptor returns the immutable description of the sink.
	Descriptor() Descriptor

	// Write stores body under key, replacing any existing object.
	Write(ctx context.Context, key string, body io.Reader, opts WriteOptions) error

	// Read opens the object stored under key.
	// Returns ErrNotFound if the object does not exist.
	Read(ctx context.Context, key string) (*Object, error)

	// Delete removes the object stored under key.
	Delete(ctx context.Context, key string) error
}

// APIError is returned when an object-store API answers with a non-success status.
type APIError struct {
	Backend string
	Status  int
	Body    string
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: status %d: %v", e.Backend, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Backend, e.Status, e.Body)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// TransferError is returned when the external transfer tool fails.
// Args never contain credentials.
type TransferError struct {
	Tool   string
	Args   []string
	Stderr string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s error: %v\nargs: %v\nstderr: %s", e.Tool, e.Err, e.Args, e.Stderr)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ContentTypeFor infers the content type of an object from its key.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4":
		return "video/mp4"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func contentType(key string, opts WriteOptions) string {
	if opts.ContentType != "" {
		return opts.ContentType
	}
	return ContentTypeFor(key)
}
