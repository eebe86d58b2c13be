package chunk

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savid/dvr-buffer/internal/pool"
	"github.com/savid/dvr-buffer/internal/types"
)

type recordingCallback struct {
	written int64
	deleted []*SampleChunk
}

func (r *recordingCallback) OnChunkWrite(_ *SampleChunk, n int64) { r.written += n }
func (r *recordingCallback) OnChunkDelete(c *SampleChunk)        { r.deleted = append(r.deleted, c) }

func newSample(timeUs int64, key bool, payload string) *types.Sample {
	s := &types.Sample{TimeUs: timeUs, Size: len(payload), Data: []byte(payload)}
	if key {
		s.Flags = types.SampleFlagSync
	}
	return s
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "video_00000000000003e8.chunk", FileName("video", 1000))
}

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallback{}
	c, err := Create(filepath.Join(dir, FileName("v", 0)), 0, cb)
	require.NoError(t, err)

	var w Cursor
	require.NoError(t, w.OpenWrite(c))
	require.NoError(t, w.Write(newSample(0, true, "key"), nil))
	require.NoError(t, w.Write(newSample(33, false, "delta"), nil))
	assert.Equal(t, int64(2*SampleHeaderSize+len("key")+len("delta")), c.Size())
	assert.Equal(t, c.Size(), cb.written)

	p := pool.New()
	var r Cursor
	require.NoError(t, r.OpenRead(c, 0))

	s, err := r.Read(p)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(0), s.TimeUs)
	assert.True(t, s.IsKeyFrame())
	assert.Equal(t, "key", string(s.Payload()))
	p.ReleaseSample(s)

	s, err = r.Read(p)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, int64(33), s.TimeUs)
	assert.False(t, s.IsKeyFrame())
	assert.Equal(t, "delta", string(s.Payload()))
	p.ReleaseSample(s)

	// The writer has not sealed the chunk: no sample yet, not an error.
	s, err = r.Read(p)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.False(t, r.ReadFinished())

	require.NoError(t, w.Write(newSample(66, false, "late"), nil))
	s, err = r.Read(p)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "late", string(s.Payload()))
	p.ReleaseSample(s)

	require.NoError(t, w.CloseWrite())
	assert.True(t, c.WriteFinished())
	assert.True(t, r.ReadFinished())

	s, err = r.Read(p)
	require.NoError(t, err)
	assert.Nil(t, s)
	require.NoError(t, r.CloseRead())
	assert.Equal(t, int64(0), p.Outstanding())
}

func TestOnDiskLayoutIsBigEndian(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName("a", 5))
	c, err := Create(path, 5, nil)
	require.NoError(t, err)

	var w Cursor
	require.NoError(t, w.OpenWrite(c))
	require.NoError(t, w.Write(newSample(0x0102030405060708, true, "xy"), nil))
	require.NoError(t, w.CloseWrite())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0, 0, 0, 2,
		0, 0, 0, 1,
		1, 2, 3, 4, 5, 6, 7, 8,
		'x', 'y',
	}, raw)
}

func TestWriteRejectsWrongCursor(t *testing.T) {
	dir := t.TempDir()
	c, err := Create(filepath.Join(dir, FileName("v", 0)), 0, nil)
	require.NoError(t, err)

	var w Cursor
	require.NoError(t, w.OpenWrite(c))
	require.NoError(t, w.Write(newSample(0, true, "a"), nil))

	// A second cursor at a stale offset violates the single-writer rule.
	stale := Cursor{chunk: c, offset: 0}
	err = c.write(newSample(1, false, "b"), &stale)
	assert.ErrorIs(t, err, ErrIllegalState)

	// A second writer cannot open the chunk.
	var other Cursor
	assert.ErrorIs(t, other.OpenWrite(c), ErrIllegalState)
	require.NoError(t, c.Release(true))
}

func TestWriteRejectsSealedChunk(t *testing.T) {
	dir := t.TempDir()
	first, err := Create(filepath.Join(dir, FileName("v", 0)), 0, nil)
	require.NoError(t, err)
	second, err := Create(filepath.Join(dir, FileName("v", 10)), 10, nil)
	require.NoError(t, err)

	var w Cursor
	require.NoError(t, w.OpenWrite(first))
	require.NoError(t, w.Write(newSample(0, true, "a"), nil))
	require.NoError(t, w.Write(newSample(10, true, "b"), second))
	assert.Same(t, second, first.Next())
	assert.True(t, first.WriteFinished())

	sealed := Cursor{chunk: first, offset: first.Size()}
	assert.ErrorIs(t, first.write(newSample(11, false, "c"), &sealed), ErrIllegalState)
}

func TestReadFollowsChain(t *testing.T) {
	dir := t.TempDir()
	p := pool.New()

	var chunks []*SampleChunk
	var w Cursor
	for i := int64(0); i < 9; i++ {
		var next *SampleChunk
		if i%3 == 0 {
			c, err := Create(filepath.Join(dir, FileName("v", i)), i, nil)
			require.NoError(t, err)
			chunks = append(chunks, c)
			if i == 0 {
				require.NoError(t, w.OpenWrite(c))
			} else {
				next = c
			}
		}
		require.NoError(t, w.Write(newSample(i, i%3 == 0, "s"), next))
	}
	require.NoError(t, w.CloseWrite())

	for _, c := range chunks[:2] {
		assert.NotNil(t, c.Next())
	}
	assert.Nil(t, chunks[2].Next())

	var r Cursor
	require.NoError(t, r.OpenRead(chunks[0], 0))
	var got []int64
	for {
		s, err := r.Read(p)
		require.NoError(t, err)
		if s == nil {
			break
		}
		got = append(got, s.TimeUs)
		p.ReleaseSample(s)
	}
	assert.Equal(t, []int64{0, 1, 2, 3, 4, 5, 6, 7, 8}, got)
	assert.True(t, r.ReadFinished())
	assert.Equal(t, int64(6), r.StartPositionUs())
	require.NoError(t, r.CloseRead())
}

func TestReadPastSealedEndFails(t *testing.T) {
	dir := t.TempDir()
	c, err := Create(filepath.Join(dir, FileName("v", 0)), 0, nil)
	require.NoError(t, err)
	var w Cursor
	require.NoError(t, w.OpenWrite(c))
	require.NoError(t, w.Write(newSample(0, true, "a"), nil))
	require.NoError(t, w.CloseWrite())

	var r Cursor
	require.NoError(t, r.OpenRead(c, c.Size()))
	_, err = c.read(pool.New(), &r)
	assert.ErrorIs(t, err, ErrIllegalState)
}

func TestLoadLinksPrevious(t *testing.T) {
	dir := t.TempDir()
	p := pool.New()
	var w Cursor
	first, err := Create(filepath.Join(dir, FileName("v", 0)), 0, nil)
	require.NoError(t, err)
	second, err := Create(filepath.Join(dir, FileName("v", 100)), 100, nil)
	require.NoError(t, err)
	require.NoError(t, w.OpenWrite(first))
	require.NoError(t, w.Write(newSample(0, true, "a"), nil))
	require.NoError(t, w.Write(newSample(100, true, "b"), second))
	require.NoError(t, w.CloseWrite())
	require.NoError(t, first.Release(false))
	require.NoError(t, second.Release(false))

	l1, err := Load(first.Path(), 0, nil, nil)
	require.NoError(t, err)
	l2, err := Load(second.Path(), 100, nil, l1)
	require.NoError(t, err)
	assert.Same(t, l2, l1.Next())
	assert.True(t, l1.WriteFinished())

	var r Cursor
	require.NoError(t, r.OpenRead(l1, 0))
	var got []string
	for {
		s, err := r.Read(p)
		require.NoError(t, err)
		if s == nil {
			break
		}
		got = append(got, string(s.Payload()))
		p.ReleaseSample(s)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	require.NoError(t, r.CloseRead())
}

func TestReleaseDeletes(t *testing.T) {
	dir := t.TempDir()
	cb := &recordingCallback{}
	c, err := Create(filepath.Join(dir, FileName("v", 0)), 0, cb)
	require.NoError(t, err)
	var w Cursor
	require.NoError(t, w.OpenWrite(c))
	require.NoError(t, w.Write(newSample(0, true, "a"), nil))

	require.NoError(t, c.Release(true))
	_, err = os.Stat(c.Path())
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Len(t, cb.deleted, 1)

	// Second release is a no-op.
	require.NoError(t, c.Release(true))
	assert.Len(t, cb.deleted, 1)
}
