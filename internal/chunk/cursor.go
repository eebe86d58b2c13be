package chunk

import (
	"fmt"

	"github.com/savid/dvr-buffer/internal/types"
)

// Cursor is a read or write position inside a chain of chunks. A read cursor
// follows forward links across sealed chunks; a write cursor moves to a new
// chunk only when Write is given one.
type Cursor struct {
	chunk  *SampleChunk
	offset int64
}

// Chunk returns the chunk the cursor is positioned in, or nil.
func (s *Cursor) Chunk() *SampleChunk { return s.chunk }

// Offset returns the byte offset inside the current chunk.
func (s *Cursor) Offset() int64 { return s.offset }

// StartPositionUs returns the start position of the current chunk, or
// types.UnknownTimeUs if the cursor is not positioned.
func (s *Cursor) StartPositionUs() int64 {
	if s.chunk == nil {
		return types.UnknownTimeUs
	}
	return s.chunk.startPositionUs
}

// OpenRead positions the cursor at offset inside c, closing the read side of
// any previous chunk.
func (s *Cursor) OpenRead(c *SampleChunk, offset int64) error {
	if s.chunk != nil {
		if err := s.chunk.closeRead(); err != nil {
			return err
		}
		s.chunk = nil
	}
	if err := c.openRead(); err != nil {
		return err
	}
	s.chunk = c
	s.offset = offset
	return nil
}

// OpenWrite positions the cursor at the start of an empty chunk.
func (s *Cursor) OpenWrite(c *SampleChunk) error {
	if s.chunk != nil {
		return fmt.Errorf("%w: write cursor already open on %s", ErrIllegalState, s.chunk.Name())
	}
	if err := c.openWrite(); err != nil {
		return err
	}
	s.chunk = c
	s.offset = c.writeOffset.Load()
	return nil
}

// ReadFinished reports whether every sample of a sealed chain has been read.
func (s *Cursor) ReadFinished() bool {
	if s.chunk == nil {
		return true
	}
	return s.chunk.next == nil && s.chunk.writeFinished && s.offset >= s.chunk.writeOffset.Load()
}

// Read returns the next sample, crossing into the next chunk when the current
// one is exhausted. It returns nil without error when the writer has not
// caught up yet or when the chain is fully read; ReadFinished tells the two
// apart.
func (s *Cursor) Read(alloc Allocator) (*types.Sample, error) {
	for s.chunk != nil && s.chunk.writeFinished && s.offset >= s.chunk.writeOffset.Load() {
		next := s.chunk.next
		if next == nil {
			return nil, nil
		}
		if err := s.chunk.closeRead(); err != nil {
			return nil, err
		}
		s.chunk = nil
		if err := next.openRead(); err != nil {
			return nil, err
		}
		s.chunk = next
		s.offset = 0
	}
	if s.chunk == nil {
		return nil, nil
	}
	return s.chunk.read(alloc, s)
}

// Write appends sample. If next is not nil the current chunk is sealed with
// next as its forward link and the sample is written at the start of next.
func (s *Cursor) Write(sample *types.Sample, next *SampleChunk) error {
	if next != nil {
		if s.chunk == nil || s.chunk.next != nil {
			return fmt.Errorf("%w: cannot seal chunk for %s", ErrIllegalState, next.Name())
		}
		if err := s.chunk.seal(next); err != nil {
			return err
		}
		if err := next.openWrite(); err != nil {
			return err
		}
		s.chunk = next
		s.offset = 0
	}
	if s.chunk == nil {
		return fmt.Errorf("%w: write cursor is not open", ErrIllegalState)
	}
	return s.chunk.write(sample, s)
}

// CloseRead releases the read side of the current chunk.
func (s *Cursor) CloseRead() error {
	if s.chunk == nil {
		return nil
	}
	c := s.chunk
	s.chunk = nil
	s.offset = 0
	return c.closeRead()
}

// CloseWrite seals the current chunk as the last chunk of its track.
func (s *Cursor) CloseWrite() error {
	if s.chunk == nil {
		return nil
	}
	c := s.chunk
	s.chunk = nil
	if c.released {
		return nil
	}
	return c.seal(nil)
}
