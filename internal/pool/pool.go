// Package pool provides a reusable buffer allocator for elementary-stream samples.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/ncw/directio"
	"github.com/valyala/bytebufferpool"

	"github.com/savid/dvr-buffer/internal/types"
)

// maxFreeBlocks bounds the number of idle aligned blocks kept for reuse.
const maxFreeBlocks = 256

// SamplePool hands out sample buffers and takes them back, so the steady state
// of a buffering session does not allocate per sample. Payloads that fit in a
// single direct-I/O block come from a free list of aligned blocks; larger
// payloads come from a bytebufferpool.Pool, which calibrates its buffer sizes
// to the observed sample sizes.
type SamplePool struct {
	mu     sync.Mutex
	blocks [][]byte

	large bytebufferpool.Pool

	outstanding atomic.Int64
}

// New creates an empty sample pool.
func New() *SamplePool {
	return &SamplePool{}
}

// BlockSize returns the payload size served from the aligned block list.
func BlockSize() int {
	return directio.BlockSize
}

// AcquireSample returns a sample whose Data has room for size bytes and whose
// Size is set to size. The caller must hand it back with ReleaseSample.
func (p *SamplePool) AcquireSample(size int) *types.Sample {
	if size < 0 {
		size = 0
	}
	sample := &types.Sample{Size: size}
	p.outstanding.Add(1)

	if size <= directio.BlockSize {
		block := p.takeBlock()
		sample.Data = block[:size]
		sample.SetReleaser(func() { p.putBlock(block) })
		return sample
	}

	bb := p.large.Get()
	if cap(bb.B) < size {
		bb.B = make([]byte, size)
	}
	bb.B = bb.B[:size]
	sample.Data = bb.B
	sample.SetReleaser(func() {
		bb.Reset()
		p.large.Put(bb)
	})
	return sample
}

// ReleaseSample returns the sample's buffer to the pool. Releasing a sample
// twice, or one the pool did not allocate, is a no-op.
func (p *SamplePool) ReleaseSample(sample *types.Sample) {
	if sample == nil {
		return
	}
	release := sample.Releaser()
	if release == nil {
		return
	}
	sample.SetReleaser(nil)
	sample.Data = nil
	release()
	p.outstanding.Add(-1)
}

// Outstanding returns the number of samples acquired and not yet released.
func (p *SamplePool) Outstanding() int64 {
	return p.outstanding.Load()
}

func (p *SamplePool) takeBlock() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.blocks); n > 0 {
		block := p.blocks[n-1]
		p.blocks = p.blocks[:n-1]
		return block
	}
	return directio.AlignedBlock(directio.BlockSize)
}

func (p *SamplePool) putBlock(block []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.blocks) < maxFreeBlocks {
		p.blocks = append(p.blocks, block[:cap(block)])
	}
}
