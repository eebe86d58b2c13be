package dvr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savid/dvr-buffer/internal/testchannels"
)

func plentyOfSpace() Option {
	return WithDiskUsage(func(string) (int64, int64, error) {
		return 1 << 40, 1 << 41, nil
	})
}

type startTimes struct {
	mu    sync.Mutex
	times []int64
}

func (s *startTimes) OnBufferStartTimeChanged(ms int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times = append(s.times, ms)
}

func (s *startTimes) OnBufferStateChanged(bool) {}

func (s *startTimes) OnDiskTooSlow() {}

func (s *startTimes) snapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.times...)
}

func record(t *testing.T, dir, profile string, durationUs int64) (*testchannels.Generator, []int) {
	t.Helper()
	p, ok := testchannels.GetTestProfile(profile)
	require.True(t, ok)
	g, err := testchannels.NewGenerator(p, 0)
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.IO.RecordingChunkDuration = time.Second
	b, err := NewRecordingBuffer(dir, WithOptions(opts), plentyOfSpace())
	require.NoError(t, err)

	ids, formats := g.Tracks()
	require.NoError(t, b.Init(ids, formats))

	counts := make([]int, len(ids))
	err = g.Run(context.Background(), durationUs, false, func(index int, s *Sample) error {
		counts[index]++
		return b.WriteSample(index, s)
	})
	require.NoError(t, err)
	require.NoError(t, b.CloseWrite())
	require.NoError(t, b.Release())
	return g, counts
}

func TestRecordAndPlayBack(t *testing.T) {
	dir := t.TempDir()
	_, counts := record(t, dir, "720p 30fps", 3_000_000)

	ids, formats, err := ReadTrackFormats(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{testchannels.VideoTrackID, testchannels.AudioTrackID}, ids)
	assert.True(t, formats[0].IsVideo())
	assert.True(t, formats[1].IsAudio())

	duration, ok, err := RecordingDuration(dir)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(counts[0]-1)*(1_000_000/30), duration)

	index, err := ReadIndex(dir, testchannels.VideoTrackID)
	require.NoError(t, err)
	require.NotEmpty(t, index)
	assert.Equal(t, int64(0), index[0].PositionUs)
	for i := 1; i < len(index); i++ {
		assert.Greater(t, index[i].PositionUs, index[i-1].PositionUs)
	}

	b, ids, _, err := NewPlaybackBuffer(dir, plentyOfSpace())
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Release()) }()
	require.Len(t, ids, 2)

	for index := range ids {
		require.NoError(t, b.SelectTrack(index))
	}

	// End of stream is reported once every selected track is drained, so
	// the tracks are read round robin.
	out := &Sample{}
	frames := make([]int64, len(ids))
	done := make([]bool, len(ids))
	require.Eventually(t, func() bool {
		finished := true
		for index := range ids {
			if done[index] {
				continue
			}
			res, err := b.ReadSample(index, out)
			if !assert.NoError(t, err) {
				return true
			}
			switch res {
			case SampleRead:
				assert.True(t, testchannels.Verify(index, frames[index], out.Payload()), "track %d frame %d", index, frames[index])
				frames[index]++
				b.ContinueBuffering(out.TimeUs)
			case EndOfStream:
				done[index] = true
				continue
			}
			finished = false
		}
		return finished
	}, 5*time.Second, time.Millisecond)

	for index := range ids {
		assert.Equal(t, int64(counts[index]), frames[index], "track %d", index)
	}
}

func TestReadTrackFormatsWithoutRecording(t *testing.T) {
	_, _, err := ReadTrackFormats(t.TempDir())
	assert.ErrorIs(t, err, ErrNoRecording)

	_, _, _, err = NewPlaybackBuffer(t.TempDir())
	assert.ErrorIs(t, err, ErrNoRecording)

	_, ok, err := RecordingDuration(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTrickplayEvictsOldestData(t *testing.T) {
	listener := &startTimes{}
	b, err := NewTrickplayBuffer(t.TempDir(), 1<<20, WithListener(listener), plentyOfSpace())
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Release()) }()

	p, _ := testchannels.GetTestProfile("SD MPEG-2")
	g, err := testchannels.NewGenerator(p, 0)
	require.NoError(t, err)
	ids, formats := g.Tracks()
	require.NoError(t, b.Init(ids, formats))

	var written int64
	err = g.Run(context.Background(), 10_000_000, false, func(index int, s *Sample) error {
		written += int64(s.Size)
		return b.WriteSample(index, s)
	})
	require.NoError(t, err)

	stats := b.Stats()
	assert.Positive(t, stats.PendingChunks)
	assert.Less(t, stats.BufferSize-stats.PendingDelete, written/2)

	times := listener.snapshot()
	require.NotEmpty(t, times)
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i], times[i-1])
	}
}
