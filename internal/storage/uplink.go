package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Compile-time check that UplinkSink implements Sink.
var _ Sink = (*UplinkSink)(nil)

// UplinkSink implements Sink by running the storj uplink CLI.
// Each call spawns one uplink process; the body is piped through its stdin
// and reads are streamed from its stdout.
type UplinkSink struct {
	// uplinkPath is the path to the uplink binary. Defaults to "uplink".
	uplinkPath string
	bucket     string
	access     string
	partition  Partition
}

// NewUplinkSink creates a new UplinkSink writing into bucket with the given access grant.
// If uplinkPath is empty, it defaults to "uplink" (found via PATH).
func NewUplinkSink(uplinkPath, bucket, access string, partition Partition) *UplinkSink {
	if uplinkPath == "" {
		uplinkPath = "uplink"
	}
	return &UplinkSink{
		uplinkPath: uplinkPath,
		bucket:     bucket,
		access:     access,
		partition:  partition,
	}
}

// Descriptor returns the sink description.
func (s *UplinkSink) Descriptor() Descriptor {
	return Descriptor{Kind: KindProcess, Partition: s.partition, Root: s.bucket}
}

// Write uploads body to sj://<bucket>/<key>.
// When opts.TTL is set the object is created with an expiry.
func (s *UplinkSink) Write(ctx context.Context, key string, body io.Reader, opts WriteOptions) error {
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("uplink: marshal metadata: %w", err)
	}

	args := []string{
		"cp",
		"--interactive=false",
		"--analytics=false",
		"--progress=false",
		"--metadata=" + string(metadataJSON),
	}
	if opts.TTL > 0 {
		args = append(args, "--expires", formatExpiry(opts.TTL))
	}
	args = append(args, "--access", s.access, "-", s.objectURL(key))

	// A failed copy kills the process so a truncated body is never committed.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// #nosec G204 - uplinkPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, s.uplinkPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("uplink: open stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return s.transferError(args, &stderr, err)
	}

	_, copyErr := io.Copy(stdin, body)
	if copyErr != nil {
		cancel()
	}
	_ = stdin.Close()

	waitErr := cmd.Wait()
	if copyErr != nil {
		return s.transferError(args, &stderr, fmt.Errorf("pipe body: %w", copyErr))
	}
	if waitErr != nil {
		return s.transferError(args, &stderr, waitErr)
	}

	return nil
}

// Read streams sj://<bucket>/<key> from the uplink stdout.
// It waits for the first byte (or exit) so a missing object is reported as ErrNotFound.
func (s *UplinkSink) Read(ctx context.Context, key string) (*Object, error) {
	args := []string{
		"cp",
		"--interactive=false",
		"--analytics=false",
		"--progress=false",
		"--access", s.access,
		s.objectURL(key),
		"-",
	}

	ctx, cancel := context.WithCancel(ctx)

	// #nosec G204 - uplinkPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, s.uplinkPath, args...)

	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("uplink: open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, s.transferError(args, stderr, err)
	}

	r := &processReader{
		br:     bufio.NewReader(stdout),
		cmd:    cmd,
		cancel: cancel,
		onExit: func(err error) error { return s.transferError(args, stderr, err) },
	}

	if _, err := r.br.Peek(1); err != nil {
		// Reads are complete: either EOF or a broken pipe.
		if werr := r.wait(); werr != nil {
			return nil, werr
		}
	}

	return &Object{Body: r}, nil
}

// Delete removes sj://<bucket>/<key>.
func (s *UplinkSink) Delete(ctx context.Context, key string) error {
	args := []string{
		"rm",
		"--interactive=false",
		"--analytics=false",
		"--access", s.access,
		s.objectURL(key),
	}

	// #nosec G204 - uplinkPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, s.uplinkPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return s.transferError(args, &stderr, err)
	}
	return nil
}

func (s *UplinkSink) objectURL(key string) string {
	return fmt.Sprintf("sj://%s/%s", s.bucket, key)
}

// transferError builds a TransferError with the access grant redacted.
// A "not found" diagnostic is mapped to ErrNotFound.
func (s *UplinkSink) transferError(args []string, stderr *bytes.Buffer, err error) error {
	diag := stderr.String()
	if strings.Contains(strings.ToLower(diag), "not found") {
		err = fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return &TransferError{
		Tool:   "uplink",
		Args:   redactAccess(args),
		Stderr: diag,
		Err:    err,
	}
}

// redactAccess returns a copy of args with the value following --access masked.
func redactAccess(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] == "--access" {
			out[i+1] = "[redacted]"
		}
	}
	return out
}

// formatExpiry renders a TTL in the relative form uplink expects, e.g. "+2h" or "+30m".
func formatExpiry(ttl time.Duration) string {
	if ttl%time.Hour == 0 {
		return fmt.Sprintf("+%dh", int64(ttl/time.Hour))
	}
	minutes := (ttl + time.Minute - 1) / time.Minute
	return fmt.Sprintf("+%dm", int64(minutes))
}

// processReader streams a child process's stdout and reports its exit status at EOF.
type processReader struct {
	br     *bufio.Reader
	cmd    *exec.Cmd
	cancel context.CancelFunc
	onExit func(error) error

	once    sync.Once
	waitErr error
}

func (r *processReader) Read(p []byte) (int, error) {
	n, err := r.br.Read(p)
	if err == io.EOF {
		if werr := r.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Close stops the process if it is still running.
func (r *processReader) Close() error {
	r.cancel()
	_ = r.wait()
	return nil
}

func (r *processReader) wait() error {
	r.once.Do(func() {
		if err := r.cmd.Wait(); err != nil {
			r.waitErr = r.onExit(err)
		}
		r.cancel()
	})
	return r.waitErr
}
