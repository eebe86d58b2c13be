package sampleio

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savid/dvr-buffer/internal/buffer"
	"github.com/savid/dvr-buffer/internal/chunk"
	"github.com/savid/dvr-buffer/internal/condvar"
	"github.com/savid/dvr-buffer/internal/pool"
	"github.com/savid/dvr-buffer/internal/storage"
	"github.com/savid/dvr-buffer/internal/types"
)

const waitFor = 5 * time.Second

type recordingCallback struct {
	mu          sync.Mutex
	eos         int
	errs        []error
	startTimeMs []int64
}

func (c *recordingCallback) OnIoReachedEos() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eos++
}

func (c *recordingCallback) OnIoError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *recordingCallback) OnBufferStartTimeChanged(startTimeMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTimeMs = append(c.startTimeMs, startTimeMs)
}

func (c *recordingCallback) snapshot() (int, []error, []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eos, append([]error(nil), c.errs...), append([]int64(nil), c.startTimeMs...)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func plentyOfSpace() storage.Option {
	return storage.WithDiskUsage(func(string) (int64, int64, error) {
		return 1 << 40, 1 << 41, nil
	})
}

func keySample(timeUs int64, size int) *types.Sample {
	s := &types.Sample{TimeUs: timeUs, Flags: types.SampleFlagSync, Size: size, Data: make([]byte, size)}
	for i := range s.Data {
		s.Data[i] = byte(i)
	}
	return s
}

type session struct {
	helper   *IoHelper
	manager  *buffer.BufferManager
	pool     *pool.SamplePool
	callback *recordingCallback
}

func newSession(t *testing.T, st buffer.StorageManager, reason types.BufferReason, opts Options, ids ...string) *session {
	t.Helper()
	formats := make([]types.MediaFormat, len(ids))
	for i := range ids {
		formats[i] = types.NewMediaFormat("video/avc")
	}

	s := &session{
		manager:  buffer.NewBufferManager(st, quietLogger()),
		pool:     pool.New(),
		callback: &recordingCallback{},
	}
	h, err := New(ids, formats, reason, s.manager, s.pool, s.callback, quietLogger(), opts)
	require.NoError(t, err)
	require.NoError(t, h.Init())
	s.helper = h
	return s
}

func (s *session) write(t *testing.T, index int, sample *types.Sample) {
	t.Helper()
	done := condvar.New()
	require.NoError(t, s.helper.WriteSample(index, sample, done))
	require.True(t, done.BlockTimeout(waitFor), "write was not acknowledged")
}

func (s *session) readAll(t *testing.T, index, n int) []int64 {
	t.Helper()
	var got []int64
	require.Eventually(t, func() bool {
		for {
			sample := s.helper.ReadSample(index)
			if sample == nil {
				return len(got) >= n
			}
			got = append(got, sample.TimeUs)
			s.pool.ReleaseSample(sample)
		}
	}, waitFor, time.Millisecond)
	return got
}

func TestChunkBoundariesFollowKeyFrames(t *testing.T) {
	st, err := storage.NewDvrStorageManager(t.TempDir(), true, quietLogger(), plentyOfSpace())
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.RecordingChunkDuration = time.Second
	s := newSession(t, st, types.BufferReasonRecording, opts, "video")

	const step = 100_000
	for i := int64(0); i < 25; i++ {
		s.write(t, 0, keySample(i*step, 64))
	}

	chunks := s.manager.Chunks("video")
	require.Len(t, chunks, 3)
	for i, want := range []int64{0, 10 * step, 20 * step} {
		assert.Equal(t, want, chunks[i].StartPositionUs())
	}
	assert.Same(t, chunks[1], chunks[0].Next())
	assert.Same(t, chunks[2], chunks[1].Next())
	assert.False(t, chunks[2].WriteFinished())

	var positions []int64
	for _, e := range s.manager.Entries("video") {
		positions = append(positions, e.PositionUs)
	}
	assert.Equal(t, []int64{0, 500_000, 1_000_000, 1_500_000, 2_000_000}, positions)

	require.NoError(t, s.helper.CloseWrite())
	require.NoError(t, s.helper.Release())
	eos, _, _ := s.callback.snapshot()
	assert.Equal(t, 1, eos)
}

func TestDeltaFramesDoNotStartChunks(t *testing.T) {
	st, err := storage.NewDvrStorageManager(t.TempDir(), true, quietLogger(), plentyOfSpace())
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.RecordingChunkDuration = time.Second
	s := newSession(t, st, types.BufferReasonRecording, opts, "video")

	// A key frame every 15 samples of 100ms.
	for i := int64(0); i < 40; i++ {
		sample := keySample(i*100_000, 32)
		if i%15 != 0 {
			sample.Flags = 0
		}
		s.write(t, 0, sample)
	}

	chunks := s.manager.Chunks("video")
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(1_500_000), chunks[1].StartPositionUs())
	assert.Equal(t, int64(3_000_000), chunks[2].StartPositionUs())
	require.NoError(t, s.helper.Release())
}

func TestBoundariesAlignToDurationGrid(t *testing.T) {
	st, err := storage.NewDvrStorageManager(t.TempDir(), true, quietLogger(), plentyOfSpace())
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.RecordingChunkDuration = time.Second
	s := newSession(t, st, types.BufferReasonRecording, opts, "video")

	// Key frames every 400ms starting off the grid.
	for pos := int64(300_000); pos < 3_000_000; pos += 400_000 {
		s.write(t, 0, keySample(pos, 32))
	}

	var starts []int64
	for _, c := range s.manager.Chunks("video") {
		starts = append(starts, c.StartPositionUs())
	}
	assert.Equal(t, []int64{300_000, 1_100_000, 2_300_000}, starts)

	var positions []int64
	for _, e := range s.manager.Entries("video") {
		positions = append(positions, e.PositionUs)
	}
	assert.Equal(t, []int64{300_000, 700_000, 1_100_000, 1_500_000, 2_300_000, 2_700_000}, positions)
	require.NoError(t, s.helper.Release())
}

func TestNewRejectsZeroInterval(t *testing.T) {
	st, err := storage.NewDvrStorageManager(t.TempDir(), false, quietLogger())
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.IndexInterval = 0
	_, err = New([]string{"video"}, []types.MediaFormat{types.NewMediaFormat("video/avc")}, types.BufferReasonRecording,
		buffer.NewBufferManager(st, quietLogger()), pool.New(), &recordingCallback{}, quietLogger(), opts)
	assert.ErrorIs(t, err, ErrInvalidInterval)
}

func TestWriteWaitsForWorker(t *testing.T) {
	st, err := storage.NewDvrStorageManager(t.TempDir(), false, quietLogger())
	require.NoError(t, err)
	s := newSession(t, st, types.BufferReasonRecording, DefaultOptions(), "video")

	gate := make(chan struct{})
	require.NoError(t, s.helper.post(message{
		name:   "stall",
		handle: func() error { <-gate; return nil },
	}))

	done := condvar.New()
	require.NoError(t, s.helper.WriteSample(0, keySample(0, 16), done))
	assert.False(t, done.BlockTimeout(50*time.Millisecond), "write acknowledged while the worker was stalled")

	close(gate)
	assert.True(t, done.BlockTimeout(waitFor))
	require.NoError(t, s.helper.Release())
}

func TestReadAheadIsBounded(t *testing.T) {
	st, err := storage.NewTrickplayStorageManager(t.TempDir(), 1<<30, quietLogger(), plentyOfSpace())
	require.NoError(t, err)
	st.Wait()
	s := newSession(t, st, types.BufferReasonLivePlayback, DefaultOptions(), "video")

	require.NoError(t, s.helper.OpenRead(0, 0))
	for i := int64(0); i < 20; i++ {
		s.write(t, 0, keySample(i*33_000, 128))
		assert.LessOrEqual(t, s.helper.Queued(0), 3)
	}
	require.Eventually(t, func() bool { return s.helper.Queued(0) == 3 }, waitFor, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, s.helper.Queued(0))

	got := s.readAll(t, 0, 20)
	require.Len(t, got, 20)
	for i, pts := range got {
		assert.Equal(t, int64(i)*33_000, pts)
	}

	require.NoError(t, s.helper.Release())
	assert.Zero(t, s.pool.Outstanding())
}

func TestOpenReadRepositions(t *testing.T) {
	st, err := storage.NewTrickplayStorageManager(t.TempDir(), 1<<30, quietLogger(), plentyOfSpace())
	require.NoError(t, err)
	st.Wait()

	opts := DefaultOptions()
	opts.LiveChunkDuration = time.Minute
	s := newSession(t, st, types.BufferReasonLivePlayback, opts, "video")

	for i := int64(0); i < 10; i++ {
		s.write(t, 0, keySample(i*100_000, 64))
	}

	require.NoError(t, s.helper.OpenRead(0, 0))
	require.Eventually(t, func() bool { return s.helper.Queued(0) == 3 }, waitFor, time.Millisecond)

	// Seeking drops the queued samples and restarts at the key-frame entry.
	require.NoError(t, s.helper.OpenRead(0, 600_000))
	got := s.readAll(t, 0, 5)
	assert.Equal(t, []int64{500_000, 600_000, 700_000, 800_000, 900_000}, got)

	require.NoError(t, s.helper.CloseRead(0))
	require.NoError(t, s.helper.Release())
	assert.Zero(t, s.pool.Outstanding())
}

func TestRecordThenPlayBack(t *testing.T) {
	dir := t.TempDir()
	st, err := storage.NewDvrStorageManager(dir, true, quietLogger(), plentyOfSpace())
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.RecordingChunkDuration = 300 * time.Millisecond
	rec := newSession(t, st, types.BufferReasonRecording, opts, "video", "audio")
	for i := int64(0); i < 10; i++ {
		rec.write(t, 0, keySample(i*100_000, 256))
		rec.write(t, 1, keySample(i*100_000+20_000, 32))
	}
	require.NoError(t, rec.helper.CloseWrite())
	require.NoError(t, rec.helper.Release())

	duration, ok, err := storage.RecordingDuration(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(900_000), duration)

	play := newSession(t, st, types.BufferReasonRecordedPlayback, opts, "video", "audio")
	require.NoError(t, play.helper.OpenRead(0, 0))
	require.NoError(t, play.helper.OpenRead(1, 0))

	video := play.readAll(t, 0, 10)
	audio := play.readAll(t, 1, 10)
	assert.Len(t, video, 10)
	assert.Len(t, audio, 10)
	assert.Equal(t, int64(920_000), audio[9])

	require.Eventually(t, play.helper.ReachedEos, waitFor, time.Millisecond)
	eos, errs, _ := play.callback.snapshot()
	assert.Equal(t, 1, eos)
	assert.Empty(t, errs)

	require.NoError(t, play.helper.Release())
	assert.Zero(t, play.pool.Outstanding())
}

func TestIoErrorStopsWorker(t *testing.T) {
	st, err := storage.NewDvrStorageManager(t.TempDir(), true, quietLogger(), storage.WithDiskUsage(func(string) (int64, int64, error) {
		return 0, 1 << 40, nil
	}))
	require.NoError(t, err)
	s := newSession(t, st, types.BufferReasonRecording, DefaultOptions(), "video")

	s.write(t, 0, keySample(0, 16))
	assert.ErrorIs(t, s.helper.Err(), buffer.ErrInsufficientStorage)

	_, errs, _ := s.callback.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], buffer.ErrInsufficientStorage)

	done := condvar.New()
	err = s.helper.WriteSample(0, keySample(1000, 16), done)
	assert.ErrorIs(t, err, ErrReleased)
	assert.True(t, done.IsOpen())

	require.NoError(t, s.helper.Release())
	assert.NoError(t, s.helper.Release())
}

func TestFailureDropsQueuedOpenRead(t *testing.T) {
	st, err := storage.NewTrickplayStorageManager(t.TempDir(), 1<<30, quietLogger(), plentyOfSpace())
	require.NoError(t, err)
	st.Wait()
	s := newSession(t, st, types.BufferReasonLivePlayback, DefaultOptions(), "video")

	errDisk := errors.New("disk gone")
	started := make(chan struct{})
	unblock := make(chan struct{})
	require.NoError(t, s.helper.post(message{
		name: "stall",
		handle: func() error {
			close(started)
			<-unblock
			return errDisk
		},
	}))
	<-started

	require.NoError(t, s.helper.OpenRead(0, 0))
	assert.Equal(t, int32(1), s.helper.pendingOpens.Load())
	close(unblock)

	require.Eventually(t, func() bool {
		return s.helper.pendingOpens.Load() == 0
	}, waitFor, time.Millisecond)
	assert.ErrorIs(t, s.helper.Err(), errDisk)
	assert.False(t, s.helper.ReachedEos())

	require.NoError(t, s.helper.Release())
}

func TestWriteAfterCloseWriteFails(t *testing.T) {
	st, err := storage.NewDvrStorageManager(t.TempDir(), false, quietLogger())
	require.NoError(t, err)
	s := newSession(t, st, types.BufferReasonRecording, DefaultOptions(), "video")

	require.NoError(t, s.helper.CloseWrite())
	s.write(t, 0, keySample(0, 16))
	assert.ErrorIs(t, s.helper.Err(), chunk.ErrIllegalState)
	require.NoError(t, s.helper.Release())
}

func TestLiveEvictionWaitsForReader(t *testing.T) {
	const record = chunk.SampleHeaderSize + 1000
	st, err := storage.NewTrickplayStorageManager(t.TempDir(), 3*record, quietLogger(), plentyOfSpace())
	require.NoError(t, err)
	st.Wait()
	s := newSession(t, st, types.BufferReasonLivePlayback, DefaultOptions(), "video")

	for i := int64(0); i < 10; i++ {
		s.write(t, 0, keySample(i*500_000, 1000))
	}

	stats := s.manager.Stats()
	assert.Equal(t, 3, stats.PendingChunks)
	assert.Equal(t, 2, stats.ActiveChunks)
	_, _, starts := s.callback.snapshot()
	assert.Len(t, starts, 3)

	// Nobody reads yet, so evicted chunks stay on disk.
	assert.Equal(t, int64(10*record), s.manager.BufferSize())

	require.NoError(t, s.helper.OpenRead(0, 0))
	require.Eventually(t, func() bool {
		return s.manager.Stats().PendingChunks == 0
	}, waitFor, time.Millisecond)
	assert.Equal(t, int64(4*record), s.manager.BufferSize())

	got := s.readAll(t, 0, 4)
	assert.Equal(t, []int64{3_000_000, 3_500_000, 4_000_000, 4_500_000}, got)

	require.NoError(t, s.helper.Release())
	assert.Zero(t, s.manager.BufferSize())
}

func TestUnknownTrack(t *testing.T) {
	st, err := storage.NewDvrStorageManager(t.TempDir(), false, quietLogger())
	require.NoError(t, err)
	s := newSession(t, st, types.BufferReasonRecording, DefaultOptions(), "video")

	done := condvar.New()
	assert.ErrorIs(t, s.helper.WriteSample(3, keySample(0, 1), done), buffer.ErrUnknownTrack)
	assert.True(t, done.IsOpen())
	assert.ErrorIs(t, s.helper.OpenRead(-1, 0), buffer.ErrUnknownTrack)
	assert.Nil(t, s.helper.ReadSample(7))
	require.NoError(t, s.helper.Release())
}
