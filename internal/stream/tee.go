// Package stream duplicates one byte stream to several concurrent consumers.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

// Defaults used when Options fields are zero.
const (
	DefaultChunkSize  = 256 * 1024
	DefaultQueueDepth = 8
)

// Options tunes the fan-out.
type Options struct {
	// ChunkSize is the size of each read from the source.
	ChunkSize int
	// QueueDepth is the number of chunks buffered per consumer.
	// A slow consumer blocks the source once its queue is full.
	QueueDepth int
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	return o
}

// Consumer reads its copy of the stream. It must not retain r after returning.
type Consumer func(r io.Reader) error

// Tee reads src exactly once and hands every chunk to each consumer through
// its own bounded queue. Consumers run concurrently and Tee waits for all of
// them to settle; in-flight consumers are never cancelled because another
// one failed. A consumer that returns early is skipped from then on.
//
// A source read error is delivered to every consumer still reading and is
// returned. Otherwise the first consumer error is returned.
func Tee(ctx context.Context, src io.Reader, opts Options, consumers ...Consumer) error {
	switch len(consumers) {
	case 0:
		return nil
	case 1:
		return consumers[0](src)
	}

	opts = opts.withDefaults()

	queues := make([]*queue, len(consumers))
	for i := range queues {
		queues[i] = &queue{
			ch:   make(chan []byte, opts.QueueDepth),
			done: make(chan struct{}),
		}
	}

	var srcErr error
	var g errgroup.Group

	for i, consume := range consumers {
		q := queues[i]
		g.Go(func() error {
			defer close(q.done)
			return consume(&queueReader{q: q})
		})
	}

	g.Go(func() error {
		srcErr = pump(ctx, src, opts.ChunkSize, queues)
		return nil
	})

	consumerErr := g.Wait()
	if srcErr != nil {
		return srcErr
	}
	return consumerErr
}

// pump copies src into every live queue and closes them all when done.
func pump(ctx context.Context, src io.Reader, chunkSize int, queues []*queue) (err error) {
	defer func() {
		for _, q := range queues {
			q.err = err
			close(q.ch)
		}
	}()

	live := len(queues)
	dead := make([]bool, len(queues))

	for live > 0 {
		buf := make([]byte, chunkSize)
		n, readErr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			for i, q := range queues {
				if dead[i] {
					continue
				}
				select {
				case q.ch <- chunk:
				case <-q.done:
					dead[i] = true
					live--
				case <-ctx.Done():
					return fmt.Errorf("tee: %w", ctx.Err())
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("tee: read source: %w", readErr)
		}
	}
	return nil
}

// queue is the bounded channel feeding one consumer.
// err is written before ch is closed and read only after.
type queue struct {
	ch   chan []byte
	done chan struct{}
	err  error
}

// queueReader adapts a queue to io.Reader.
type queueReader struct {
	q   *queue
	cur []byte
}

func (r *queueReader) Read(p []byte) (int, error) {
	for len(r.cur) == 0 {
		chunk, ok := <-r.q.ch
		if !ok {
			if r.q.err != nil {
				return 0, r.q.err
			}
			return 0, io.EOF
		}
		r.cur = chunk
	}
	n := copy(p, r.cur)
	r.cur = r.cur[n:]
	return n, nil
}
