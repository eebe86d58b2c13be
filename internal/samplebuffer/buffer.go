// Package samplebuffer is the player-facing side of a buffer session. It
// blocks producers until their samples are on disk, paces reads against the
// playback position and applies the slow-disk policy.
package samplebuffer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/dvr-buffer/internal/buffer"
	"github.com/savid/dvr-buffer/internal/condvar"
	"github.com/savid/dvr-buffer/internal/pool"
	"github.com/savid/dvr-buffer/internal/sampleio"
	"github.com/savid/dvr-buffer/internal/types"
)

var (
	// ErrNoTracks is returned by Init when there is nothing to buffer.
	ErrNoTracks = errors.New("samplebuffer: no tracks to initialize")
	// ErrTrackNotSelected is returned when reading a track that is not selected.
	ErrTrackNotSelected = errors.New("samplebuffer: track not selected")
	// ErrBufferingDisabled is returned for writes after a slow disk turned
	// live buffering off.
	ErrBufferingDisabled = errors.New("samplebuffer: buffering disabled")
	// ErrNotInitialized is returned when the buffer is used before Init.
	ErrNotInitialized = errors.New("samplebuffer: not initialized")
)

// ReadResult tells a reader what ReadSample produced.
type ReadResult int

const (
	// NothingRead means no sample is ready yet.
	NothingRead ReadResult = iota
	// SampleRead means the output sample was filled.
	SampleRead
	// EndOfStream means every sample of the track was read.
	EndOfStream
)

func (r ReadResult) String() string {
	switch r {
	case NothingRead:
		return "nothing-read"
	case SampleRead:
		return "sample-read"
	case EndOfStream:
		return "end-of-stream"
	default:
		return "unknown"
	}
}

// BufferListener is told about buffer state changes. Methods may be called
// from the I/O worker and from the producer.
type BufferListener interface {
	// OnBufferStartTimeChanged reports the earliest wall-clock time, in
	// milliseconds, that can still be played back.
	OnBufferStartTimeChanged(startTimeMs int64)
	// OnBufferStateChanged reports whether buffering is available.
	OnBufferStateChanged(available bool)
	// OnDiskTooSlow reports that the disk cannot keep up with live buffering.
	OnDiskTooSlow()
}

// SampleBuffer is the buffer interface consumed by a player or extractor.
type SampleBuffer interface {
	Init(ids []string, formats []types.MediaFormat) error
	SelectTrack(index int) error
	DeselectTrack(index int) error
	WriteSample(index int, sample *types.Sample) error
	ReadSample(index int, out *types.Sample) (ReadResult, error)
	SeekTo(positionUs int64) error
	BufferedPositionUs() int64
	ContinueBuffering(positionUs int64) bool
	Release() error
}

// Options configures a RecordingSampleBuffer.
type Options struct {
	IO sampleio.Options
	// WriteTimeout is how long a producer waits for a write before the delay
	// is logged. The producer keeps waiting afterwards.
	WriteTimeout time.Duration
	// BufferNeeded is the lead over the playback position after which no more
	// samples are pulled.
	BufferNeeded time.Duration
	// MinQueueDuration is the span a track queue must cover before the lead
	// limit applies.
	MinQueueDuration time.Duration
	// MinSampleSizeForSpeedCheck is the smallest write counted by the write
	// speed check.
	MinSampleSizeForSpeedCheck int64
}

// DefaultOptions returns the default buffer options.
func DefaultOptions() Options {
	return Options{
		IO:                         sampleio.DefaultOptions(),
		WriteTimeout:               10 * time.Second,
		BufferNeeded:               1500 * time.Millisecond,
		MinQueueDuration:           time.Second,
		MinSampleSizeForSpeedCheck: buffer.DefaultMinSampleSizeForSpeedCheck,
	}
}

// RecordingSampleBuffer writes samples of every track to chunk files and reads
// them back for the selected tracks.
type RecordingSampleBuffer struct {
	manager  *buffer.BufferManager
	listener BufferListener
	reason   types.BufferReason
	logger   *logrus.Logger
	opts     Options
	pool     *pool.SamplePool

	worker *sampleio.IoHelper

	mu                 sync.Mutex
	selected           []bool
	queues             []*sampleQueue
	playbackPositionUs int64
	released           bool

	bufferingDisabled atomic.Bool
}

var _ SampleBuffer = (*RecordingSampleBuffer)(nil)

// New creates a sample buffer on top of a buffer manager. listener may be nil.
func New(manager *buffer.BufferManager, listener BufferListener, reason types.BufferReason, logger *logrus.Logger, opts Options) *RecordingSampleBuffer {
	manager.SetMinSampleSizeForSpeedCheck(opts.MinSampleSizeForSpeedCheck)
	return &RecordingSampleBuffer{
		manager:  manager,
		listener: listener,
		reason:   reason,
		logger:   logger,
		opts:     opts,
		pool:     pool.New(),
	}
}

func (b *RecordingSampleBuffer) log() *logrus.Entry {
	return b.logger.WithFields(logrus.Fields{
		"session": b.manager.Session(),
		"reason":  b.reason.String(),
	})
}

// Pool returns the sample pool of the buffer.
func (b *RecordingSampleBuffer) Pool() *pool.SamplePool { return b.pool }

// Init starts the I/O worker for the given tracks.
func (b *RecordingSampleBuffer) Init(ids []string, formats []types.MediaFormat) error {
	if len(ids) == 0 {
		return ErrNoTracks
	}

	h, err := sampleio.New(ids, formats, b.reason, b.manager, b.pool, ioCallback{b}, b.logger, b.opts.IO)
	if err != nil {
		return err
	}
	if err := h.Init(); err != nil {
		_ = h.Release()
		return fmt.Errorf("failed to initialize buffer: %w", err)
	}

	b.mu.Lock()
	b.worker = h
	b.selected = make([]bool, len(ids))
	b.queues = make([]*sampleQueue, len(ids))
	b.mu.Unlock()

	b.log().WithField("tracks", ids).Info("Sample buffer initialized")
	if b.listener != nil && b.reason == types.BufferReasonLivePlayback {
		b.listener.OnBufferStateChanged(true)
	}
	return nil
}

func (b *RecordingSampleBuffer) helper() (*sampleio.IoHelper, error) {
	if b.worker == nil {
		return nil, ErrNotInitialized
	}
	return b.worker, nil
}

func (b *RecordingSampleBuffer) checkIndex(index int) error {
	if index < 0 || index >= len(b.selected) {
		return fmt.Errorf("%w: index %d", buffer.ErrUnknownTrack, index)
	}
	return nil
}

// SelectTrack starts reading track index at the current playback position.
func (b *RecordingSampleBuffer) SelectTrack(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, err := b.helper()
	if err != nil {
		return err
	}
	if err := b.checkIndex(index); err != nil {
		return err
	}
	if b.selected[index] {
		return nil
	}
	b.queues[index] = newSampleQueue(b.pool)
	if err := h.OpenRead(index, b.playbackPositionUs); err != nil {
		return err
	}
	b.selected[index] = true
	return nil
}

// DeselectTrack stops reading track index and drops its queued samples.
func (b *RecordingSampleBuffer) DeselectTrack(index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, err := b.helper()
	if err != nil {
		return err
	}
	if err := b.checkIndex(index); err != nil {
		return err
	}
	if !b.selected[index] {
		return nil
	}
	b.selected[index] = false
	b.queues[index].clear()
	b.queues[index] = nil
	return h.CloseRead(index)
}

// WriteSample writes sample to track index and returns once it is on disk.
// The producer waits up to WriteTimeout, logs the delay and then waits
// without a bound; a sample is never dropped. The caller keeps ownership of
// sample.
func (b *RecordingSampleBuffer) WriteSample(index int, sample *types.Sample) error {
	h, err := b.helper()
	if err != nil {
		return err
	}
	if err := h.Err(); err != nil {
		return err
	}
	if b.bufferingDisabled.Load() {
		return ErrBufferingDisabled
	}

	done := condvar.New()
	start := time.Now()
	if err := h.WriteSample(index, sample, done); err != nil {
		return err
	}
	if !done.BlockTimeout(b.opts.WriteTimeout) {
		b.log().WithFields(logrus.Fields{
			"track":   index,
			"timeout": b.opts.WriteTimeout,
		}).Error("Serious delay on writing buffer")
		done.Block()
	}
	if err := h.Err(); err != nil {
		return err
	}

	if b.manager.IsWriteSlow(sample.Size, time.Since(start)) {
		b.handleWriteSpeedSlow()
	}
	return nil
}

// handleWriteSpeedSlow logs a slow disk during recording, which keeps going.
// Live buffering is turned off instead and the listener is told to degrade
// to unbuffered viewing.
func (b *RecordingSampleBuffer) handleWriteSpeedSlow() {
	entry := b.log().WithField("mbps", b.manager.WriteBandwidth())
	if b.reason == types.BufferReasonRecording {
		entry.Warn("Disk is too slow for recording")
		return
	}
	if !b.bufferingDisabled.CompareAndSwap(false, true) {
		return
	}
	entry.Warn("Disk is too slow for trickplay, disabling buffering")
	if b.listener != nil {
		b.listener.OnDiskTooSlow()
		b.listener.OnBufferStateChanged(false)
	}
}

// BufferingDisabled reports whether a slow disk turned buffering off.
func (b *RecordingSampleBuffer) BufferingDisabled() bool {
	return b.bufferingDisabled.Load()
}

// CloseWrite ends writing. Readers get EndOfStream after the last sample.
func (b *RecordingSampleBuffer) CloseWrite() error {
	h, err := b.helper()
	if err != nil {
		return err
	}
	return h.CloseWrite()
}

// ReadSample fills out with the next sample of track index.
func (b *RecordingSampleBuffer) ReadSample(index int, out *types.Sample) (ReadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, err := b.helper()
	if err != nil {
		return NothingRead, err
	}
	if err := b.checkIndex(index); err != nil {
		return NothingRead, err
	}
	if !b.selected[index] {
		return NothingRead, fmt.Errorf("%w: index %d", ErrTrackNotSelected, index)
	}
	if err := h.Err(); err != nil {
		return NothingRead, err
	}

	q := b.queues[index]
	b.maybeReadSampleLocked(h, index, q)
	if q.pop(out) {
		return SampleRead, nil
	}
	if h.ReachedEos() && h.Queued(index) == 0 {
		return EndOfStream, nil
	}
	return NothingRead, nil
}

// maybeReadSampleLocked pulls one sample from the worker unless the track is
// far enough ahead of playback.
func (b *RecordingSampleBuffer) maybeReadSampleLocked(h *sampleio.IoHelper, index int, q *sampleQueue) {
	if last, ok := q.lastQueuedUs(); ok &&
		q.spansMoreThan(b.opts.MinQueueDuration.Microseconds()) &&
		last > b.playbackPositionUs+b.opts.BufferNeeded.Microseconds() {
		return
	}
	if s := h.ReadSample(index); s != nil {
		q.push(s)
	}
}

// SeekTo moves every selected track to positionUs.
func (b *RecordingSampleBuffer) SeekTo(positionUs int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, err := b.helper()
	if err != nil {
		return err
	}

	var errs []error
	for i, selected := range b.selected {
		if !selected {
			continue
		}
		b.queues[i].clear()
		if err := h.OpenRead(i, positionUs); err != nil {
			errs = append(errs, err)
		}
	}
	b.playbackPositionUs = positionUs
	return errors.Join(errs...)
}

// BufferedPositionUs returns the earliest of the last queued sample times of
// the selected tracks, or the last playback position if nothing is queued.
func (b *RecordingSampleBuffer) BufferedPositionUs() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := types.UnknownTimeUs
	for i, selected := range b.selected {
		if !selected {
			continue
		}
		last, ok := b.queues[i].lastQueuedUs()
		if !ok {
			continue
		}
		if result == types.UnknownTimeUs || last < result {
			result = last
		}
	}
	if result == types.UnknownTimeUs {
		return b.playbackPositionUs
	}
	return result
}

// ContinueBuffering records the playback position and reports whether every
// selected track has data queued at or beyond it.
func (b *RecordingSampleBuffer) ContinueBuffering(positionUs int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.playbackPositionUs = positionUs
	if b.worker == nil {
		return false
	}
	for i, selected := range b.selected {
		if !selected {
			continue
		}
		q := b.queues[i]
		b.maybeReadSampleLocked(b.worker, i, q)
		last, ok := q.lastQueuedUs()
		if !ok || positionUs > last {
			return false
		}
	}
	return true
}

// Stats returns a snapshot of the underlying buffer.
func (b *RecordingSampleBuffer) Stats() types.BufferStats {
	return b.manager.Stats()
}

// Release stops the I/O worker, which flushes pending writes, and frees every
// queued sample. It is safe to call more than once.
func (b *RecordingSampleBuffer) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return nil
	}
	b.released = true
	h := b.worker
	for i, q := range b.queues {
		if q != nil {
			q.clear()
		}
		b.queues[i] = nil
		b.selected[i] = false
	}
	b.mu.Unlock()

	if h == nil {
		return b.manager.Release()
	}
	err := h.Release()
	if err != nil {
		return fmt.Errorf("failed to release sample buffer: %w", err)
	}
	b.log().Info("Sample buffer released")
	return nil
}

// ioCallback adapts worker events to the buffer listener.
type ioCallback struct {
	b *RecordingSampleBuffer
}

func (c ioCallback) OnIoReachedEos() {
	c.b.log().Debug("I/O reached end of stream")
}

func (c ioCallback) OnIoError(err error) {
	c.b.log().WithError(err).Error("Buffer I/O failed")
}

func (c ioCallback) OnBufferStartTimeChanged(startTimeMs int64) {
	if c.b.listener != nil {
		c.b.listener.OnBufferStartTimeChanged(startTimeMs)
	}
}
