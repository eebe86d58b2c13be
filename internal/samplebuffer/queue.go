package samplebuffer

import (
	"github.com/savid/dvr-buffer/internal/pool"
	"github.com/savid/dvr-buffer/internal/types"
)

// sampleQueue holds the samples of one selected track that were pulled from
// the I/O worker but not yet handed to the player.
type sampleQueue struct {
	pool    *pool.SamplePool
	samples []*types.Sample
	lastUs  int64
}

func newSampleQueue(p *pool.SamplePool) *sampleQueue {
	return &sampleQueue{pool: p, lastUs: types.UnknownTimeUs}
}

func (q *sampleQueue) push(s *types.Sample) {
	q.samples = append(q.samples, s)
	q.lastUs = s.TimeUs
}

// pop copies the oldest sample into out and recycles it.
func (q *sampleQueue) pop(out *types.Sample) bool {
	if len(q.samples) == 0 {
		return false
	}
	s := q.samples[0]
	q.samples[0] = nil
	q.samples = q.samples[1:]
	out.CopyFrom(s)
	q.pool.ReleaseSample(s)
	return true
}

// lastQueuedUs returns the time of the most recently queued sample. It is kept
// after the sample is consumed, so the player can tell how far buffering got.
func (q *sampleQueue) lastQueuedUs() (int64, bool) {
	return q.lastUs, q.lastUs != types.UnknownTimeUs
}

// spansMoreThan reports whether the queued samples cover more than durationUs.
func (q *sampleQueue) spansMoreThan(durationUs int64) bool {
	if len(q.samples) < 2 {
		return false
	}
	return q.samples[len(q.samples)-1].TimeUs-q.samples[0].TimeUs > durationUs
}

func (q *sampleQueue) clear() {
	for i, s := range q.samples {
		q.pool.ReleaseSample(s)
		q.samples[i] = nil
	}
	q.samples = q.samples[:0]
	q.lastUs = types.UnknownTimeUs
}
