// Package chunk implements the append-only sample chunk file.
//
// A chunk file holds a time-ordered run of samples of one track as a sequence
// of records:
//
//	int32 size | int32 flags | int64 ptsUs | size bytes of payload
//
// All integers are big-endian. A chunk is open for write while it is the tail
// of its track; once the writer moves on it is sealed, its forward link to the
// next chunk is set and it never changes again.
//
// SampleChunk and Cursor are not safe for concurrent use. They are owned by the
// single I/O worker of a buffer session.
package chunk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/savid/dvr-buffer/internal/types"
)

// SampleHeaderSize is the size of the record header preceding each payload.
const SampleHeaderSize = 16

// FileSuffix is the file name suffix of chunk files.
const FileSuffix = ".chunk"

const filePermissions = 0644

var enc = binary.BigEndian

var (
	// ErrIllegalState is returned when a chunk is read or written out of
	// sequence: the wrong cursor, a sealed chunk, or a handle that is not open.
	ErrIllegalState = errors.New("chunk: illegal state")
	// ErrCorrupt is returned when a record header does not fit in the file.
	ErrCorrupt = errors.New("chunk: corrupt record")
)

// Callback receives size bookkeeping events of chunks.
type Callback interface {
	// OnChunkWrite is called after n bytes were appended to the chunk.
	OnChunkWrite(c *SampleChunk, n int64)
	// OnChunkDelete is called after the chunk file was deleted.
	OnChunkDelete(c *SampleChunk)
}

// Allocator provides sample buffers for reads.
type Allocator interface {
	AcquireSample(size int) *types.Sample
	ReleaseSample(sample *types.Sample)
}

// SampleChunk is one chunk file of a track.
type SampleChunk struct {
	path            string
	startPositionUs int64
	createdTimeMs   int64
	callback        Callback

	file    *os.File
	mapping mmap.MMap
	header  [SampleHeaderSize]byte
	scratch []byte

	writeOffset   atomic.Int64
	writeFinished bool
	next          *SampleChunk

	reading  bool
	writing  bool
	released bool
}

// FileName returns the chunk file name for a track and start position.
func FileName(trackID string, positionUs int64) string {
	return fmt.Sprintf("%s_%016x%s", trackID, positionUs, FileSuffix)
}

// Create returns a new, empty chunk at path. The file is created when the
// chunk is opened for write. A stale file at path is removed.
func Create(path string, startPositionUs int64, callback Callback) (*SampleChunk, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale chunk %s: %w", path, err)
	}
	return &SampleChunk{
		path:            path,
		startPositionUs: startPositionUs,
		createdTimeMs:   time.Now().UnixMilli(),
		callback:        callback,
	}, nil
}

// Load returns a sealed chunk backed by an existing file. If prev is not nil,
// the new chunk becomes its forward link.
func Load(path string, startPositionUs int64, callback Callback, prev *SampleChunk) (*SampleChunk, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat chunk: %w", err)
	}
	c := &SampleChunk{
		path:            path,
		startPositionUs: startPositionUs,
		createdTimeMs:   info.ModTime().UnixMilli(),
		callback:        callback,
		writeFinished:   true,
	}
	c.writeOffset.Store(info.Size())
	if prev != nil {
		prev.next = c
	}
	return c, nil
}

// Path returns the file path of the chunk.
func (c *SampleChunk) Path() string { return c.path }

// Name returns the base file name of the chunk.
func (c *SampleChunk) Name() string { return filepath.Base(c.path) }

// StartPositionUs returns the presentation time of the first sample.
func (c *SampleChunk) StartPositionUs() int64 { return c.startPositionUs }

// CreatedTimeMs returns the wall-clock creation time in milliseconds.
func (c *SampleChunk) CreatedTimeMs() int64 { return c.createdTimeMs }

// Size returns the number of bytes written to the chunk.
func (c *SampleChunk) Size() int64 { return c.writeOffset.Load() }

// Next returns the forward link, which is nil until the chunk is sealed with a
// successor.
func (c *SampleChunk) Next() *SampleChunk { return c.next }

// WriteFinished reports whether the chunk is sealed.
func (c *SampleChunk) WriteFinished() bool { return c.writeFinished }

// Released reports whether Release was called.
func (c *SampleChunk) Released() bool { return c.released }

func (c *SampleChunk) openRead() error {
	if c.released {
		return fmt.Errorf("%w: read on released chunk %s", ErrIllegalState, c.Name())
	}
	if err := c.openFile(); err != nil {
		return err
	}
	c.reading = true
	return nil
}

func (c *SampleChunk) openWrite() error {
	if c.released || c.writeFinished || c.writing {
		return fmt.Errorf("%w: cannot open %s for write", ErrIllegalState, c.Name())
	}
	if err := c.openFile(); err != nil {
		return err
	}
	c.writing = true
	return nil
}

func (c *SampleChunk) openFile() error {
	if c.file != nil {
		return nil
	}
	flag := os.O_RDONLY
	if !c.writeFinished {
		flag = os.O_RDWR | os.O_CREATE
	}
	file, err := os.OpenFile(c.path, flag, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to open chunk: %w", err)
	}
	c.file = file
	return nil
}

func (c *SampleChunk) closeRead() error {
	c.reading = false
	return c.closeFileIfIdle()
}

// seal finishes writing. next may be nil for the final chunk of a track.
func (c *SampleChunk) seal(next *SampleChunk) error {
	c.writing = false
	c.writeFinished = true
	c.next = next
	return c.closeFileIfIdle()
}

func (c *SampleChunk) closeFileIfIdle() error {
	if c.reading || c.writing {
		return nil
	}
	return c.closeFile()
}

func (c *SampleChunk) closeFile() error {
	var errs []error
	if c.mapping != nil {
		if err := c.mapping.Unmap(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unmap chunk: %w", err))
		}
		c.mapping = nil
	}
	if c.file != nil {
		if err := c.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close chunk: %w", err))
		}
		c.file = nil
	}
	return errors.Join(errs...)
}

// write appends one sample record at the cursor, which must sit at the write
// offset of this chunk.
func (c *SampleChunk) write(sample *types.Sample, cursor *Cursor) error {
	if c.file == nil || !c.writing || c.writeFinished || c.next != nil ||
		cursor.chunk != c || cursor.offset != c.writeOffset.Load() {
		return fmt.Errorf("%w: write requested for wrong chunk %s", ErrIllegalState, c.Name())
	}

	n := SampleHeaderSize + sample.Size
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	buf := c.scratch[:n]
	enc.PutUint32(buf[0:4], uint32(int32(sample.Size)))
	enc.PutUint32(buf[4:8], uint32(sample.Flags))
	enc.PutUint64(buf[8:16], uint64(sample.TimeUs))
	copy(buf[SampleHeaderSize:], sample.Payload())

	if _, err := c.file.WriteAt(buf, c.writeOffset.Load()); err != nil {
		return fmt.Errorf("failed to write sample to %s: %w", c.Name(), err)
	}
	cursor.offset = c.writeOffset.Add(int64(n))
	if c.callback != nil {
		c.callback.OnChunkWrite(c, int64(n))
	}
	return nil
}

// read returns the sample at the cursor, or nil if the writer has not produced
// it yet.
func (c *SampleChunk) read(alloc Allocator, cursor *Cursor) (*types.Sample, error) {
	if c.file == nil || !c.reading || cursor.chunk != c {
		return nil, fmt.Errorf("%w: read requested for wrong chunk %s", ErrIllegalState, c.Name())
	}
	if cursor.offset >= c.writeOffset.Load() {
		if c.writeFinished {
			return nil, fmt.Errorf("%w: read past end of sealed chunk %s", ErrIllegalState, c.Name())
		}
		return nil, nil
	}

	if c.writeFinished && c.mapping == nil && c.writeOffset.Load() > 0 {
		m, err := mmap.MapRegion(c.file, int(c.writeOffset.Load()), mmap.RDONLY, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to map chunk %s: %w", c.Name(), err)
		}
		c.mapping = m
	}

	header, err := c.readAt(c.header[:], cursor.offset)
	if err != nil {
		return nil, err
	}
	size := int(int32(enc.Uint32(header[0:4])))
	flags := types.SampleFlag(int32(enc.Uint32(header[4:8])))
	timeUs := int64(enc.Uint64(header[8:16]))
	if size < 0 || cursor.offset+int64(SampleHeaderSize+size) > c.writeOffset.Load() {
		return nil, fmt.Errorf("%w: size %d at offset %d of %s", ErrCorrupt, size, cursor.offset, c.Name())
	}

	sample := alloc.AcquireSample(size)
	if _, err := c.readAt(sample.Data[:size], cursor.offset+SampleHeaderSize); err != nil {
		alloc.ReleaseSample(sample)
		return nil, err
	}
	sample.Flags = flags
	sample.TimeUs = timeUs
	cursor.offset += int64(SampleHeaderSize + size)
	return sample, nil
}

// readAt fills p from the mapping when the chunk is sealed and from the file
// otherwise.
func (c *SampleChunk) readAt(p []byte, off int64) ([]byte, error) {
	if c.mapping != nil {
		end := off + int64(len(p))
		if end > int64(len(c.mapping)) {
			return nil, fmt.Errorf("%w: offset %d beyond mapping of %s", ErrCorrupt, off, c.Name())
		}
		copy(p, c.mapping[off:end])
		return p, nil
	}
	if _, err := c.file.ReadAt(p, off); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: short read at offset %d of %s", ErrCorrupt, off, c.Name())
		}
		return nil, fmt.Errorf("failed to read %s: %w", c.Name(), err)
	}
	return p, nil
}

// Release seals the chunk, closes its handle and, if remove is set, deletes
// the file and reports the deletion to the callback. Releasing a chunk twice
// is a no-op.
func (c *SampleChunk) Release(remove bool) error {
	if c.released {
		return nil
	}
	c.released = true
	c.writeFinished = true
	c.reading = false
	c.writing = false

	err := c.closeFile()
	if remove {
		if rmErr := os.Remove(c.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("failed to delete chunk: %w", rmErr))
		}
		if c.callback != nil {
			c.callback.OnChunkDelete(c)
		}
	}
	return err
}
