package metrics

import (
	"context"
	"io"
	"time"

	"github.com/maauso/video-relay/internal/storage"
)

// Compile-time check that InstrumentedSink implements storage.Sink.
var _ storage.Sink = (*InstrumentedSink)(nil)

// InstrumentedSink decorates a storage.Sink with operation counters and timings.
type InstrumentedSink struct {
	next    storage.Sink
	metrics *Metrics
	label   string
}

// Instrument wraps sink. A nil m returns sink unchanged.
func Instrument(sink storage.Sink, m *Metrics) storage.Sink {
	if m == nil || sink == nil {
		return sink
	}
	return &InstrumentedSink{next: sink, metrics: m, label: sink.Descriptor().String()}
}

// Descriptor returns the wrapped sink's descriptor.
func (s *InstrumentedSink) Descriptor() storage.Descriptor {
	return s.next.Descriptor()
}

// Write records the duration and result of the wrapped write.
func (s *InstrumentedSink) Write(ctx context.Context, key string, body io.Reader, opts storage.WriteOptions) error {
	start := time.Now()
	err := s.next.Write(ctx, key, body, opts)
	s.metrics.ObserveSink(s.label, "write", time.Since(start), err)
	return err
}

// Read records the time to open the object, not to consume it.
func (s *InstrumentedSink) Read(ctx context.Context, key string) (*storage.Object, error) {
	start := time.Now()
	obj, err := s.next.Read(ctx, key)
	s.metrics.ObserveSink(s.label, "read", time.Since(start), err)
	return obj, err
}

// Delete records the duration and result of the wrapped delete.
func (s *InstrumentedSink) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.next.Delete(ctx, key)
	s.metrics.ObserveSink(s.label, "delete", time.Since(start), err)
	return err
}
