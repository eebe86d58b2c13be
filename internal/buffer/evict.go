package buffer

import (
	"errors"

	"github.com/savid/dvr-buffer/internal/chunk"
)

// evictQueueMap holds, per track, the chunks removed from the index but not
// yet deleted, oldest first.
type evictQueueMap struct {
	queues map[string][]*chunk.SampleChunk
}

func newEvictQueueMap() *evictQueueMap {
	return &evictQueueMap{queues: make(map[string][]*chunk.SampleChunk)}
}

func (e *evictQueueMap) init(trackID string) {
	if _, ok := e.queues[trackID]; !ok {
		e.queues[trackID] = nil
	}
}

func (e *evictQueueMap) add(trackID string, c *chunk.SampleChunk) {
	e.queues[trackID] = append(e.queues[trackID], c)
}

// size returns the bytes of the queued chunks. A live chunk may still grow
// after it was evicted, so the total is summed on demand.
func (e *evictQueueMap) size() int64 {
	var n int64
	for _, q := range e.queues {
		for _, c := range q {
			n += c.Size()
		}
	}
	return n
}

func (e *evictQueueMap) count() int {
	n := 0
	for _, q := range e.queues {
		n += len(q)
	}
	return n
}

// release pops and releases chunks whose start position is before
// earlierThanUs.
func (e *evictQueueMap) release(trackID string, earlierThanUs int64, remove bool) error {
	q := e.queues[trackID]
	var errs []error
	i := 0
	for ; i < len(q) && q[i].StartPositionUs() < earlierThanUs; i++ {
		if err := q[i].Release(remove); err != nil {
			errs = append(errs, err)
		}
		q[i] = nil
	}
	if i > 0 {
		e.queues[trackID] = q[i:]
	}
	return errors.Join(errs...)
}

func (e *evictQueueMap) releaseAll(remove bool) error {
	var errs []error
	for id, q := range e.queues {
		for _, c := range q {
			if err := c.Release(remove); err != nil {
				errs = append(errs, err)
			}
		}
		delete(e.queues, id)
	}
	return errors.Join(errs...)
}
