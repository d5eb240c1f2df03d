package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/video-relay/internal/origin"
	"github.com/maauso/video-relay/internal/storage"
	"github.com/maauso/video-relay/internal/storage/storagetest"
	"github.com/maauso/video-relay/internal/stream"
)

// mockFetcher is a mock implementation of Fetcher.
type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchVideo(ctx context.Context, videoID string) (*origin.Video, error) {
	args := m.Called(ctx, videoID)
	if v := args.Get(0); v != nil {
		return v.(*origin.Video), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockThumbnailer is a mock implementation of media.Thumbnailer.
type mockThumbnailer struct {
	mock.Mock
}

func (m *mockThumbnailer) ExtractThumbnail(ctx context.Context, videoPath string) ([]byte, error) {
	args := m.Called(ctx, videoPath)
	if b := args.Get(0); b != nil {
		return b.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

type fixture struct {
	general    *storagetest.MemorySink
	restricted *storagetest.MemorySink
	mirror     *storagetest.MemorySink
	fetcher    *mockFetcher
	svc        *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		general:    storagetest.NewMemorySink(storage.PartitionGeneral, "yral-videos"),
		restricted: storagetest.NewMemorySink(storage.PartitionRestricted, "yral-nsfw-videos"),
		mirror:     storagetest.NewMemorySink(storage.PartitionMirror, "yral-videos"),
		fetcher:    &mockFetcher{},
	}
	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithTeeOptions(stream.Options{ChunkSize: 4, QueueDepth: 2}),
		WithMoveRetry(3, time.Millisecond),
		WithTempDir(t.TempDir()),
	}
	svc, err := NewService(Sinks{General: f.general, Restricted: f.restricted, Mirror: f.mirror}, f.fetcher, append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func video(body string) *origin.Video {
	return &origin.Video{Body: io.NopCloser(strings.NewReader(body)), ContentLength: int64(len(body))}
}

func TestNewService_RequiresSinks(t *testing.T) {
	mem := storagetest.NewMemorySink(storage.PartitionGeneral, "b")

	_, err := NewService(Sinks{Restricted: mem}, &mockFetcher{})
	assert.ErrorIs(t, err, ErrGeneralSinkRequired)

	_, err = NewService(Sinks{General: mem}, &mockFetcher{})
	assert.ErrorIs(t, err, ErrRestrictedSinkRequired)

	_, err = NewService(Sinks{General: mem, Restricted: mem}, nil)
	assert.ErrorIs(t, err, ErrOriginRequired)
}

func TestService_Targets(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, []storage.Sink{f.restricted}, f.svc.Targets(true))
	assert.Equal(t, []storage.Sink{f.general, f.mirror}, f.svc.Targets(false))

	noMirror, err := NewService(Sinks{General: f.general, Restricted: f.restricted}, f.fetcher)
	require.NoError(t, err)
	assert.Equal(t, []storage.Sink{f.general}, noMirror.Targets(false))
}

func TestService_Duplicate_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.fetcher.On("FetchVideo", mock.Anything, "v1").Return(video("0123456789"), nil)

	outcome, err := f.svc.Duplicate(context.Background(), Request{
		OwnerID:  "u1",
		VideoID:  "v1",
		Metadata: map[string]string{"lang": "en"},
	})
	require.NoError(t, err)
	assert.True(t, outcome.OK())
	assert.Len(t, outcome.Succeeded, 2)

	for _, sink := range []*storagetest.MemorySink{f.general, f.mirror} {
		obj, ok := sink.Get("u1/v1.mp4")
		require.True(t, ok)
		assert.Equal(t, "0123456789", string(obj.Data))
		assert.Equal(t, map[string]string{"lang": "en"}, obj.Metadata)
	}
	assert.Empty(t, f.restricted.Calls())
	f.fetcher.AssertExpectations(t)
}

func TestService_Duplicate_SensitiveOnlyTouchesRestricted(t *testing.T) {
	f := newFixture(t)
	f.fetcher.On("FetchVideo", mock.Anything, "v2").Return(video("nsfw bytes"), nil)

	outcome, err := f.svc.Duplicate(context.Background(), Request{OwnerID: "u1", VideoID: "v2", Sensitive: true})
	require.NoError(t, err)

	assert.Equal(t, []storage.Descriptor{f.restricted.Descriptor()}, outcome.Succeeded)
	obj, ok := f.restricted.Get("u1/v2.mp4")
	require.True(t, ok)
	assert.Equal(t, "nsfw bytes", string(obj.Data))

	assert.Empty(t, f.general.Calls(), "general sink must never see sensitive content")
	assert.Empty(t, f.mirror.Calls(), "mirror must never see sensitive content")
}

func TestService_Duplicate_OriginFailureTouchesNoSink(t *testing.T) {
	f := newFixture(t)
	fetchErr := &origin.FetchError{VideoID: "v1", Status: http.StatusNotFound}
	f.fetcher.On("FetchVideo", mock.Anything, "v1").Return(nil, fetchErr)

	_, err := f.svc.Duplicate(context.Background(), Request{OwnerID: "u1", VideoID: "v1"})

	var got *origin.FetchError
	require.ErrorAs(t, err, &got)
	assert.True(t, got.NotFound())
	assert.Empty(t, f.general.Calls())
	assert.Empty(t, f.mirror.Calls())
	assert.Empty(t, f.restricted.Calls())
}

func TestService_Relay_PartialSuccessIsSurfaced(t *testing.T) {
	f := newFixture(t)
	mirrorErr := errors.New("s3 unavailable")
	f.mirror.WriteErr = mirrorErr

	outcome, err := f.svc.Relay(context.Background(), Request{OwnerID: "u1", VideoID: "v1"}, strings.NewReader("content"))
	require.Error(t, err)

	var relayErr *RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.ErrorIs(t, err, mirrorErr)
	assert.Same(t, outcome, relayErr.Outcome)
	assert.False(t, outcome.OK())
	assert.Equal(t, []storage.Descriptor{f.general.Descriptor()}, outcome.Succeeded)
	assert.Equal(t, mirrorErr, outcome.Failed[f.mirror.Descriptor()])

	// No compensating delete: the successful copy stays.
	obj, ok := f.general.Get("u1/v1.mp4")
	require.True(t, ok)
	assert.Equal(t, "content", string(obj.Data))
	assert.NotContains(t, f.general.Calls(), "delete u1/v1.mp4")
}

func TestService_Relay_BothSinksFail(t *testing.T) {
	f := newFixture(t)
	f.general.WriteErr = errors.New("uplink down")
	f.mirror.WriteErr = errors.New("s3 down")

	outcome, err := f.svc.Relay(context.Background(), Request{OwnerID: "u1", VideoID: "v1"}, strings.NewReader("content"))
	require.Error(t, err)
	assert.Empty(t, outcome.Succeeded)
	assert.Len(t, outcome.Failed, 2)
}

type brokenReader struct {
	data []byte
	err  error
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestService_Relay_SourceFailure(t *testing.T) {
	f := newFixture(t)
	srcErr := errors.New("origin connection reset")

	outcome, err := f.svc.Relay(context.Background(), Request{OwnerID: "u1", VideoID: "v1"},
		&brokenReader{data: []byte("partial"), err: srcErr})
	require.Error(t, err)
	assert.ErrorIs(t, err, srcErr)
	assert.Empty(t, outcome.Succeeded)

	_, ok := f.general.Get("u1/v1.mp4")
	assert.False(t, ok)
	_, ok = f.mirror.Get("u1/v1.mp4")
	assert.False(t, ok)
}

func TestService_Relay_InvalidIDs(t *testing.T) {
	f := newFixture(t)

	tests := []Request{
		{OwnerID: "", VideoID: "v1"},
		{OwnerID: "u1", VideoID: ""},
		{OwnerID: "u1/../x", VideoID: "v1"},
		{OwnerID: "u1", VideoID: ".."},
	}
	for _, req := range tests {
		_, err := f.svc.Relay(context.Background(), req, strings.NewReader("x"))
		assert.ErrorIs(t, err, ErrInvalidID, "request %+v", req)
	}
	assert.Empty(t, f.general.Calls())
}

func TestService_DuplicateHLS(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.svc.DuplicateHLS(context.Background(), HLSRequest{
		VideoID:  "v1",
		FileName: "segment_000.ts",
		Metadata: map[string]string{"quality": "720p"},
	}, strings.NewReader("ts data"))
	require.NoError(t, err)
	assert.Equal(t, "v1/hls/segment_000.ts", outcome.Key)

	obj, ok := f.general.Get("v1/hls/segment_000.ts")
	require.True(t, ok)
	assert.Equal(t, "ts data", string(obj.Data))
	assert.Equal(t, "720p", obj.Metadata["quality"])
	_, ok = f.mirror.Get("v1/hls/segment_000.ts")
	assert.True(t, ok)

	_, err = f.svc.DuplicateHLS(context.Background(), HLSRequest{VideoID: "v1", FileName: "../master.m3u8"}, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidFileName)
}

func TestService_TwoPhaseRawUpload(t *testing.T) {
	now := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return now }), WithRawUploadTTL(time.Hour))
	ctx := context.Background()

	staged, err := f.svc.StageRaw(ctx, RawUpload{OwnerID: "u1", VideoID: "v1", TTL: 2 * time.Hour}, strings.NewReader("raw video"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, staged.TTL)

	pending, ok := f.general.Get("u1/v1.mp4")
	require.True(t, ok, "pending object must be retrievable before finalize")
	assert.Equal(t, map[string]string{PendingKey: "true", UploadedAtKey: "2024-03-01T08:30:00Z"}, pending.Metadata)
	assert.Equal(t, 2*time.Hour, pending.TTL)
	mirrored, ok := f.mirror.Get("u1/v1.mp4")
	require.True(t, ok)
	assert.Equal(t, "true", mirrored.Metadata[PendingKey])

	outcome, err := f.svc.FinalizeRaw(ctx, Request{OwnerID: "u1", VideoID: "v1", Metadata: map[string]string{"title": "hello"}})
	require.NoError(t, err)
	assert.True(t, outcome.OK())

	for _, sink := range []*storagetest.MemorySink{f.general, f.mirror} {
		final, ok := sink.Get("u1/v1.mp4")
		require.True(t, ok)
		assert.Equal(t, "raw video", string(final.Data))
		assert.Equal(t, map[string]string{"title": "hello"}, final.Metadata)
		assert.Zero(t, final.TTL)
	}

	entries, err := os.ReadDir(f.svc.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed")
}

func TestService_StageRaw_DefaultTTL(t *testing.T) {
	f := newFixture(t, WithRawUploadTTL(3*time.Hour))

	staged, err := f.svc.StageRaw(context.Background(), RawUpload{OwnerID: "u1", VideoID: "v1", Sensitive: true}, strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Hour, staged.TTL)

	obj, ok := f.restricted.Get("u1/v1.mp4")
	require.True(t, ok)
	assert.Equal(t, 3*time.Hour, obj.TTL)
	assert.Empty(t, f.general.Calls())
}

func TestService_FinalizeRaw_NothingPending(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.FinalizeRaw(context.Background(), Request{OwnerID: "u1", VideoID: "missing"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, f.mirror.Calls())
}

func TestService_FinalizeRaw_EmptyMetadata(t *testing.T) {
	f := newFixture(t)
	f.restricted.Put("u1/v1.mp4", []byte("raw"), map[string]string{PendingKey: "true"})

	_, err := f.svc.FinalizeRaw(context.Background(), Request{OwnerID: "u1", VideoID: "v1", Sensitive: true})
	require.NoError(t, err)

	obj, _ := f.restricted.Get("u1/v1.mp4")
	assert.Empty(t, obj.Metadata)
}

func TestService_FinalizeRaw_Thumbnail(t *testing.T) {
	thumbs := &mockThumbnailer{}
	f := newFixture(t, WithThumbnailer(thumbs))
	f.general.Put("u1/v1.mp4", []byte("raw"), map[string]string{PendingKey: "true"})

	var seenPath string
	thumbs.On("ExtractThumbnail", mock.Anything, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) {
			seenPath = args.String(1)
			data, err := os.ReadFile(seenPath)
			assert.NoError(t, err)
			assert.Equal(t, "raw", string(data))
		}).
		Return([]byte{0xFF, 0xD8, 0xFF}, nil)

	_, err := f.svc.FinalizeRaw(context.Background(), Request{OwnerID: "u1", VideoID: "v1"})
	require.NoError(t, err)

	thumb, ok := f.general.Get("u1/v1.jpg")
	require.True(t, ok)
	assert.True(t, bytes.Equal([]byte{0xFF, 0xD8, 0xFF}, thumb.Data))
	assert.Equal(t, f.svc.tempDir, filepath.Dir(seenPath))
	thumbs.AssertExpectations(t)
}

func TestService_FinalizeRaw_ThumbnailFailureIsNotFatal(t *testing.T) {
	thumbs := &mockThumbnailer{}
	thumbs.On("ExtractThumbnail", mock.Anything, mock.Anything).Return(nil, errors.New("ffmpeg missing"))
	f := newFixture(t, WithThumbnailer(thumbs))
	f.general.Put("u1/v1.mp4", []byte("raw"), nil)

	_, err := f.svc.FinalizeRaw(context.Background(), Request{OwnerID: "u1", VideoID: "v1"})
	require.NoError(t, err)

	_, ok := f.general.Get("u1/v1.jpg")
	assert.False(t, ok)
}

func TestRelayError(t *testing.T) {
	inner := errors.New("boom")
	err := &RelayError{
		Outcome: &Outcome{
			Key:       "u1/v1.mp4",
			Succeeded: []storage.Descriptor{{Partition: storage.PartitionGeneral}},
			Failed:    map[storage.Descriptor]error{{Partition: storage.PartitionMirror}: inner},
		},
		Err: inner,
	}

	assert.Contains(t, err.Error(), "1 of 2 sinks failed")
	assert.ErrorIs(t, err, inner)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "u1/v1.mp4", VideoKey("u1", "v1"))
	assert.Equal(t, "u1/v1.jpg", ThumbnailKey("u1", "v1"))
	assert.Equal(t, "v1/hls/master.m3u8", HLSKey("v1", "master.m3u8"))
}
