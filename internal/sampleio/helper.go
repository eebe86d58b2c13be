// Package sampleio funnels every chunk open, read, write and close of a buffer
// session through one worker goroutine.
//
// Producers and consumers talk to the worker with ordered messages. Writes are
// acknowledged through a condition variable once the sample is on disk. Reads
// are non-blocking: the worker keeps a short read-ahead queue per track that
// the consumer drains.
package sampleio

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/dvr-buffer/internal/buffer"
	"github.com/savid/dvr-buffer/internal/chunk"
	"github.com/savid/dvr-buffer/internal/condvar"
	"github.com/savid/dvr-buffer/internal/pool"
	"github.com/savid/dvr-buffer/internal/types"
)

// ErrReleased is returned for requests made after Release or after the worker
// stopped on an I/O error.
var ErrReleased = errors.New("sampleio: helper released")

// ErrInvalidInterval is returned for a chunk duration or index interval that
// is not positive.
var ErrInvalidInterval = errors.New("sampleio: chunk duration and index interval must be positive")

// Callback receives worker events. Methods are called on the worker goroutine
// and must not call back into the helper synchronously.
type Callback interface {
	// OnIoReachedEos is called once writing has ended and every open reader
	// has consumed its track.
	OnIoReachedEos()
	// OnIoError is called once, with the error that stopped the worker.
	OnIoError(err error)
	// OnBufferStartTimeChanged reports the new earliest playable wall-clock
	// time in milliseconds after a live chunk was evicted.
	OnBufferStartTimeChanged(startTimeMs int64)
}

// Options tunes chunking and read-ahead.
type Options struct {
	// RecordingChunkDuration is the chunk length of recordings.
	RecordingChunkDuration time.Duration
	// LiveChunkDuration is the chunk length of live playback buffers. It is
	// the granularity of eviction.
	LiveChunkDuration time.Duration
	// IndexInterval is the minimum distance between key-frame index entries
	// inside a chunk.
	IndexInterval time.Duration
	// ReadAheadSamples bounds the samples queued per track.
	ReadAheadSamples int
	// ReadRetryDelay is the delay before polling a track again when its queue
	// is full or the writer has not caught up.
	ReadRetryDelay time.Duration
}

// DefaultOptions returns the default chunking and read-ahead settings.
func DefaultOptions() Options {
	return Options{
		RecordingChunkDuration: 10 * time.Minute,
		LiveChunkDuration:      time.Second,
		IndexInterval:          500 * time.Millisecond,
		ReadAheadSamples:       3,
		ReadRetryDelay:         10 * time.Millisecond,
	}
}

// track is the worker-side state of one track.
type track struct {
	id     string
	format types.MediaFormat

	write      chunk.Cursor
	chunkEndUs int64
	indexEndUs int64
	firstPtsUs int64
	lastPtsUs  int64

	read          chunk.Cursor
	readOpened    bool
	readPosUs     int64
	readSeq       uint64
	readEos       bool
}

type message struct {
	name    string
	handle  func() error
	dropped func()
	done    *condvar.ConditionVariable
	release bool
}

// drop completes a message that will not be handled.
func (m message) drop() {
	if m.dropped != nil {
		m.dropped()
	}
	if m.done != nil {
		m.done.Open()
	}
}

// IoHelper is the I/O actor of one buffer session.
type IoHelper struct {
	ids      []string
	reason   types.BufferReason
	manager  *buffer.BufferManager
	pool     *pool.SamplePool
	callback Callback
	logger   *logrus.Logger
	opts     Options

	chunkDurationUs int64
	indexIntervalUs int64

	// Worker-owned after Init.
	tracks     []*track
	writeEnded bool
	failed     bool

	mu      sync.Mutex
	pending []message
	queues  [][]*types.Sample
	seqs    []uint64
	closed  bool
	stopped bool
	started bool
	wake    chan struct{}
	done    chan struct{}

	err          atomic.Pointer[error]
	eos          atomic.Bool
	pendingOpens atomic.Int32
}

// New creates the I/O helper of a session. Init must be called before use.
func New(ids []string, formats []types.MediaFormat, reason types.BufferReason, manager *buffer.BufferManager,
	samplePool *pool.SamplePool, callback Callback, logger *logrus.Logger, opts Options) (*IoHelper, error) {
	if len(ids) != len(formats) {
		return nil, fmt.Errorf("sampleio: %d track ids for %d formats", len(ids), len(formats))
	}

	chunkDuration := opts.LiveChunkDuration
	if reason == types.BufferReasonRecording {
		chunkDuration = opts.RecordingChunkDuration
	}
	if chunkDuration.Microseconds() <= 0 || opts.IndexInterval.Microseconds() <= 0 {
		return nil, fmt.Errorf("%w: chunk %s, index %s", ErrInvalidInterval, chunkDuration, opts.IndexInterval)
	}

	h := &IoHelper{
		ids:             append([]string(nil), ids...),
		reason:          reason,
		manager:         manager,
		pool:            samplePool,
		callback:        callback,
		logger:          logger,
		opts:            opts,
		chunkDurationUs: chunkDuration.Microseconds(),
		indexIntervalUs: opts.IndexInterval.Microseconds(),
		queues:          make([][]*types.Sample, len(ids)),
		seqs:            make([]uint64, len(ids)),
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	for i, id := range ids {
		h.tracks = append(h.tracks, &track{
			id:         id,
			format:     formats[i],
			firstPtsUs: types.UnknownTimeUs,
			lastPtsUs:  types.UnknownTimeUs,
		})
	}
	return h, nil
}

func (h *IoHelper) log() *logrus.Entry {
	return h.logger.WithFields(logrus.Fields{
		"session": h.manager.Session(),
		"reason":  h.reason.String(),
	})
}

// Init prepares the tracks and starts the worker. Recorded playback loads
// every track from storage and starts with writing already ended. Live
// playback forwards chunk evictions to the callback.
func (h *IoHelper) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started || h.closed {
		return fmt.Errorf("%w: init called twice", chunk.ErrIllegalState)
	}

	switch h.reason {
	case types.BufferReasonRecordedPlayback:
		for _, id := range h.ids {
			if err := h.manager.LoadTrackFromStorage(id); err != nil {
				return err
			}
		}
		h.writeEnded = true
	case types.BufferReasonLivePlayback:
		for _, id := range h.ids {
			h.manager.RegisterChunkEvictedListener(id, h.onChunkEvicted)
		}
	}

	h.started = true
	go h.run()
	h.log().WithField("tracks", len(h.ids)).Debug("I/O worker started")
	return nil
}

func (h *IoHelper) onChunkEvicted(_ string, createdTimeMs int64) {
	if h.callback != nil {
		h.callback.OnBufferStartTimeChanged(createdTimeMs + h.chunkDurationUs/1000)
	}
}

// Err returns the error that stopped the worker, or nil.
func (h *IoHelper) Err() error {
	if p := h.err.Load(); p != nil {
		return *p
	}
	return nil
}

// ReachedEos reports whether writing has ended and every open reader has
// consumed its track. It is false while a reposition is in flight.
func (h *IoHelper) ReachedEos() bool {
	return h.pendingOpens.Load() == 0 && h.eos.Load()
}

func (h *IoHelper) checkIndex(index int) error {
	if index < 0 || index >= len(h.ids) {
		return fmt.Errorf("%w: index %d", buffer.ErrUnknownTrack, index)
	}
	return nil
}

// WriteSample queues sample for writing to track index and opens done once it
// is on disk or the write failed. The caller keeps ownership of sample and
// must not modify it before done is open.
func (h *IoHelper) WriteSample(index int, sample *types.Sample, done *condvar.ConditionVariable) error {
	if err := h.checkIndex(index); err != nil {
		done.Open()
		return err
	}
	err := h.post(message{
		name:   "write",
		handle: func() error { return h.handleWrite(index, sample) },
		done:   done,
	})
	if err != nil {
		done.Open()
	}
	return err
}

// ReadSample returns the next queued sample of track index, or nil if none is
// ready. The caller must hand the sample back to the pool.
func (h *IoHelper) ReadSample(index int) *types.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.queues) || len(h.queues[index]) == 0 {
		return nil
	}
	s := h.queues[index][0]
	h.queues[index][0] = nil
	h.queues[index] = h.queues[index][1:]
	return s
}

// Queued returns the number of samples queued for track index.
func (h *IoHelper) Queued(index int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if index < 0 || index >= len(h.queues) {
		return 0
	}
	return len(h.queues[index])
}

// OpenRead repositions the reader of track index to positionUs. Samples
// already queued for the track are dropped.
func (h *IoHelper) OpenRead(index int, positionUs int64) error {
	if err := h.checkIndex(index); err != nil {
		return err
	}

	h.mu.Lock()
	h.seqs[index]++
	seq := h.seqs[index]
	h.clearQueueLocked(index)
	h.mu.Unlock()

	h.pendingOpens.Add(1)
	err := h.post(message{
		name: "open-read",
		handle: func() error {
			defer h.pendingOpens.Add(-1)
			return h.handleOpenRead(index, positionUs, seq)
		},
		dropped: func() { h.pendingOpens.Add(-1) },
	})
	if err != nil {
		h.pendingOpens.Add(-1)
	}
	return err
}

// CloseRead stops reading track index and drops its queued samples.
func (h *IoHelper) CloseRead(index int) error {
	if err := h.checkIndex(index); err != nil {
		return err
	}

	h.mu.Lock()
	h.seqs[index]++
	h.clearQueueLocked(index)
	h.mu.Unlock()

	return h.post(message{
		name:   "close-read",
		handle: func() error { return h.handleCloseRead(index) },
	})
}

// CloseWrite seals the last chunk of every track. Readers reach end of stream
// once they consume what was written.
func (h *IoHelper) CloseWrite() error {
	return h.post(message{name: "close-write", handle: h.handleCloseWrite})
}

// Release drains the queue, closes every cursor, persists recording metadata
// and releases the buffer. It blocks until the worker has finished. Calling
// it again is a no-op.
func (h *IoHelper) Release() error {
	h.mu.Lock()
	if !h.started {
		if h.closed {
			h.mu.Unlock()
			return nil
		}
		h.closed = true
		h.mu.Unlock()
		return h.handleRelease()
	}
	h.mu.Unlock()

	result := make(chan error, 1)
	err := h.post(message{
		name:    "release",
		release: true,
		handle: func() error {
			result <- h.handleRelease()
			return nil
		},
	})
	if errors.Is(err, ErrReleased) {
		<-h.done
		return nil
	}
	err = <-result
	<-h.done
	return err
}

func (h *IoHelper) post(m message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrReleased
	}
	if h.stopped && !m.release {
		if err := h.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrReleased, err)
		}
		return ErrReleased
	}
	if m.release {
		h.closed = true
	}
	h.pending = append(h.pending, m)
	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

func (h *IoHelper) postDelayed(delay time.Duration, m message) {
	time.AfterFunc(delay, func() {
		_ = h.post(m)
	})
}

func (h *IoHelper) next() (message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.pending) == 0 {
		return message{}, false
	}
	m := h.pending[0]
	h.pending[0] = message{}
	h.pending = h.pending[1:]
	return m, true
}

func (h *IoHelper) run() {
	defer close(h.done)
	for range h.wake {
		for {
			m, ok := h.next()
			if !ok {
				break
			}
			if h.dispatch(m) {
				return
			}
		}
	}
}

// dispatch handles one message and reports whether the worker should exit.
// After a failure only release is processed; other messages are dropped.
func (h *IoHelper) dispatch(m message) bool {
	if h.failed && !m.release {
		m.drop()
		return false
	}

	err := m.handle()
	if err == nil && !m.release {
		err = h.releaseEvictedChunks()
	}
	if err != nil {
		h.fail(m.name, err)
	}
	if m.done != nil {
		m.done.Open()
	}
	return m.release
}

func (h *IoHelper) fail(name string, err error) {
	h.failed = true
	h.err.Store(&err)

	h.mu.Lock()
	h.stopped = true
	for i := range h.queues {
		h.clearQueueLocked(i)
	}
	// Keep release requests that raced with the failure.
	kept := h.pending[:0]
	for _, m := range h.pending {
		if m.release {
			kept = append(kept, m)
			continue
		}
		m.drop()
	}
	h.pending = kept
	h.mu.Unlock()

	h.log().WithError(err).WithField("message", name).Error("I/O worker stopped")
	if h.callback != nil {
		h.callback.OnIoError(err)
	}
}

func (h *IoHelper) clearQueueLocked(index int) {
	for i, s := range h.queues[index] {
		h.pool.ReleaseSample(s)
		h.queues[index][i] = nil
	}
	h.queues[index] = h.queues[index][:0]
}

// enqueue adds s to the queue of track index unless the reader was
// repositioned since seq.
func (h *IoHelper) enqueue(index int, seq uint64, s *types.Sample) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.seqs[index] != seq {
		h.pool.ReleaseSample(s)
		return false
	}
	h.queues[index] = append(h.queues[index], s)
	return true
}

func (h *IoHelper) handleWrite(index int, sample *types.Sample) error {
	if h.writeEnded {
		return fmt.Errorf("%w: write after close", chunk.ErrIllegalState)
	}

	t := h.tracks[index]
	pos := sample.TimeUs
	var next *chunk.SampleChunk

	switch {
	case t.write.Chunk() == nil:
		c, err := h.manager.CreateNewWriteFileIfNeeded(t.id, pos, nil, 0)
		if err != nil {
			return err
		}
		if err := t.write.OpenWrite(c); err != nil {
			return err
		}
		t.chunkEndUs = nextBoundary(pos, h.chunkDurationUs)
		t.indexEndUs = nextBoundary(pos, h.indexIntervalUs)
		t.firstPtsUs = pos
	case sample.IsKeyFrame() && pos >= t.chunkEndUs:
		c, err := h.manager.CreateNewWriteFileIfNeeded(t.id, pos, nil, 0)
		if err != nil {
			return err
		}
		next = c
		t.chunkEndUs = nextBoundary(pos, h.chunkDurationUs)
		t.indexEndUs = nextBoundary(pos, h.indexIntervalUs)
	case sample.IsKeyFrame() && pos >= t.indexEndUs:
		if _, err := h.manager.CreateNewWriteFileIfNeeded(t.id, pos, t.write.Chunk(), t.write.Offset()); err != nil {
			return err
		}
		t.indexEndUs = nextBoundary(pos, h.indexIntervalUs)
	}

	if err := t.write.Write(sample, next); err != nil {
		return err
	}
	t.lastPtsUs = pos
	return nil
}

// nextBoundary returns the first multiple of interval after positionUs.
func nextBoundary(positionUs, interval int64) int64 {
	return (positionUs/interval + 1) * interval
}

func (h *IoHelper) handleOpenRead(index int, positionUs int64, seq uint64) error {
	t := h.tracks[index]

	h.mu.Lock()
	h.clearQueueLocked(index)
	h.mu.Unlock()

	if err := t.read.CloseRead(); err != nil {
		return err
	}
	t.readOpened = true
	t.readPosUs = positionUs
	t.readSeq = seq
	t.readEos = false
	h.eos.Store(false)

	if _, err := h.openReadCursor(t); err != nil {
		return err
	}
	return h.handleRead(index, seq)
}

// openReadCursor positions the read cursor at the index entry for the
// requested position. It reports false if the track has no data yet.
func (h *IoHelper) openReadCursor(t *track) (bool, error) {
	entry, ok := h.manager.GetReadFile(t.id, t.readPosUs)
	if !ok {
		return false, nil
	}
	if err := t.read.OpenRead(entry.Chunk, entry.Offset); err != nil {
		return false, err
	}
	return true, nil
}

func (h *IoHelper) handleRead(index int, seq uint64) error {
	t := h.tracks[index]
	if !t.readOpened || t.readSeq != seq {
		return nil
	}

	for h.Queued(index) < h.opts.ReadAheadSamples {
		if t.read.Chunk() == nil {
			ok, err := h.openReadCursor(t)
			if err != nil {
				return err
			}
			if !ok {
				if h.writeEnded {
					h.markReadEos(t)
					return nil
				}
				break
			}
		}

		s, err := t.read.Read(h.pool)
		if err != nil {
			return err
		}
		if s == nil {
			if t.read.ReadFinished() && h.writeEnded {
				h.markReadEos(t)
				return nil
			}
			break
		}
		if !h.enqueue(index, seq, s) {
			return nil
		}
	}

	h.postDelayed(h.opts.ReadRetryDelay, message{
		name:   "read",
		handle: func() error { return h.handleRead(index, seq) },
	})
	return nil
}

func (h *IoHelper) markReadEos(t *track) {
	t.readEos = true
	h.checkEos()
}

func (h *IoHelper) checkEos() {
	if !h.writeEnded || h.eos.Load() {
		return
	}
	for _, t := range h.tracks {
		if t.readOpened && !t.readEos {
			return
		}
	}
	h.eos.Store(true)
	h.log().Debug("Reached end of stream")
	if h.callback != nil {
		h.callback.OnIoReachedEos()
	}
}

func (h *IoHelper) handleCloseRead(index int) error {
	t := h.tracks[index]
	t.readOpened = false
	t.readEos = false
	t.readSeq = 0

	h.mu.Lock()
	h.clearQueueLocked(index)
	h.mu.Unlock()

	if err := t.read.CloseRead(); err != nil {
		return err
	}
	h.checkEos()
	return nil
}

func (h *IoHelper) handleCloseWrite() error {
	var errs []error
	for _, t := range h.tracks {
		if err := t.write.CloseWrite(); err != nil {
			errs = append(errs, err)
		}
	}
	h.writeEnded = true
	if err := errors.Join(errs...); err != nil {
		return err
	}

	// Readers waiting on the live tail pick up the end on their next poll;
	// this covers sessions without readers.
	h.checkEos()
	return nil
}

// releaseEvictedChunks deletes live chunks that every open reader has moved
// past.
func (h *IoHelper) releaseEvictedChunks() error {
	if h.reason != types.BufferReasonLivePlayback {
		return nil
	}

	earliest := int64(math.MaxInt64)
	selected := false
	for _, t := range h.tracks {
		if !t.readOpened {
			continue
		}
		selected = true
		earliest = min(earliest, t.read.StartPositionUs())
	}
	if !selected {
		return nil
	}

	var errs []error
	for _, id := range h.ids {
		if err := h.manager.EvictChunks(id, earliest); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *IoHelper) handleRelease() error {
	var errs []error
	for i, t := range h.tracks {
		if err := t.write.CloseWrite(); err != nil {
			errs = append(errs, err)
		}
		if err := t.read.CloseRead(); err != nil {
			errs = append(errs, err)
		}
		t.readOpened = false

		h.mu.Lock()
		h.clearQueueLocked(i)
		h.mu.Unlock()
	}
	h.writeEnded = true

	switch h.reason {
	case types.BufferReasonLivePlayback:
		for _, id := range h.ids {
			h.manager.UnregisterChunkEvictedListener(id)
		}
	case types.BufferReasonRecording:
		formats := make([]types.MediaFormat, len(h.tracks))
		for i, t := range h.tracks {
			formats[i] = t.format
			if t.firstPtsUs != types.UnknownTimeUs {
				formats[i].DurationUs = t.lastPtsUs - t.firstPtsUs
			}
		}
		if err := h.manager.WriteMetaFiles(h.ids, formats); err != nil {
			errs = append(errs, fmt.Errorf("failed to write recording metadata: %w", err))
		}
	}

	if err := h.manager.Release(); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		h.log().WithError(err).Warn("I/O worker released with errors")
	} else {
		h.log().Debug("I/O worker released")
	}
	return err
}
