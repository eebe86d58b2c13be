// Package dvr is the public entry point to the sample buffer. It wires the
// storage policy, the buffer manager and the sample buffer for each of the
// three buffering modes.
package dvr

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/savid/dvr-buffer/internal/buffer"
	"github.com/savid/dvr-buffer/internal/samplebuffer"
	"github.com/savid/dvr-buffer/internal/storage"
	"github.com/savid/dvr-buffer/internal/types"
)

var (
	// ErrNoRecording is returned when a directory holds no track metadata.
	ErrNoRecording = errors.New("dvr: no recorded tracks")

	// Errors returned by buffer sessions.
	ErrNoTracks            = samplebuffer.ErrNoTracks
	ErrTrackNotSelected    = samplebuffer.ErrTrackNotSelected
	ErrBufferingDisabled   = samplebuffer.ErrBufferingDisabled
	ErrInsufficientStorage = buffer.ErrInsufficientStorage
	ErrUnknownTrack        = buffer.ErrUnknownTrack
)

type (
	// Buffer is a buffer session.
	Buffer = samplebuffer.RecordingSampleBuffer
	// Listener receives buffer state changes.
	Listener = samplebuffer.BufferListener
	// Options tunes a buffer session.
	Options = samplebuffer.Options
	// ReadResult is the outcome of Buffer.ReadSample.
	ReadResult = samplebuffer.ReadResult
	// Sample is one elementary-stream sample.
	Sample = types.Sample
	// MediaFormat is the codec metadata of a track.
	MediaFormat = types.MediaFormat
	// Stats is a snapshot of a buffer's storage state.
	Stats = types.BufferStats
	// IndexEntry is one persisted key-frame position of a track.
	IndexEntry = types.PositionHolder
)

// Read results.
const (
	NothingRead = samplebuffer.NothingRead
	SampleRead  = samplebuffer.SampleRead
	EndOfStream = samplebuffer.EndOfStream
)

// DefaultOptions returns the default session options.
func DefaultOptions() Options { return samplebuffer.DefaultOptions() }

// Option customizes a buffer constructor.
type Option func(*settings)

type settings struct {
	logger   *logrus.Logger
	listener Listener
	opts     Options
	storage  []storage.Option
}

// WithLogger sets the logger. The default discards output.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithListener sets the listener told about buffer state changes.
func WithListener(l Listener) Option {
	return func(s *settings) { s.listener = l }
}

// WithOptions replaces the default session options.
func WithOptions(opts Options) Option {
	return func(s *settings) { s.opts = opts }
}

// WithDiskUsage replaces the free space query used by the storage policy.
func WithDiskUsage(fn storage.UsageFunc) Option {
	return func(s *settings) { s.storage = append(s.storage, storage.WithDiskUsage(fn)) }
}

func newSettings(opts []Option) settings {
	s := settings{opts: samplebuffer.DefaultOptions()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetOutput(io.Discard)
	}
	return s
}

// NewRecordingBuffer returns a buffer that records into dir. Call Init with
// the tracks to record; Release persists the track metadata.
func NewRecordingBuffer(dir string, opts ...Option) (*Buffer, error) {
	s := newSettings(opts)
	st, err := storage.NewDvrStorageManager(dir, true, s.logger, s.storage...)
	if err != nil {
		return nil, err
	}
	return newBuffer(st, types.BufferReasonRecording, s), nil
}

// NewTrickplayBuffer returns a live-playback buffer in dir capped at maxBytes.
// The oldest data is evicted once the cap or the free space threshold is hit.
func NewTrickplayBuffer(dir string, maxBytes int64, opts ...Option) (*Buffer, error) {
	s := newSettings(opts)
	st, err := storage.NewTrickplayStorageManager(dir, maxBytes, s.logger, s.storage...)
	if err != nil {
		return nil, err
	}
	return newBuffer(st, types.BufferReasonLivePlayback, s), nil
}

// NewPlaybackBuffer opens the recording in dir for playback. The returned
// buffer is initialized with the recorded tracks, whose ids and formats are
// returned in track index order.
func NewPlaybackBuffer(dir string, opts ...Option) (*Buffer, []string, []MediaFormat, error) {
	s := newSettings(opts)
	ids, formats, err := readTrackFormats(dir, s.logger)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := storage.NewDvrStorageManager(dir, false, s.logger, s.storage...)
	if err != nil {
		return nil, nil, nil, err
	}
	b := newBuffer(st, types.BufferReasonRecordedPlayback, s)
	if err := b.Init(ids, formats); err != nil {
		_ = b.Release()
		return nil, nil, nil, fmt.Errorf("failed to open recording %s: %w", dir, err)
	}
	return b, ids, formats, nil
}

func newBuffer(st buffer.StorageManager, reason types.BufferReason, s settings) *Buffer {
	manager := buffer.NewBufferManager(st, s.logger)
	return samplebuffer.New(manager, s.listener, reason, s.logger, s.opts)
}

// RecordingDuration returns the duration of the recording in dir. It returns
// false when the recording carries no duration.
func RecordingDuration(dir string) (int64, bool, error) {
	return storage.RecordingDuration(dir)
}

// ReadTrackFormats returns the track ids and formats of the recording in dir,
// video tracks first.
func ReadTrackFormats(dir string) ([]string, []MediaFormat, error) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return readTrackFormats(dir, logger)
}

func readTrackFormats(dir string, logger *logrus.Logger) ([]string, []MediaFormat, error) {
	st, err := storage.NewDvrStorageManager(dir, false, logger)
	if err != nil {
		return nil, nil, err
	}

	var ids []string
	var formats []MediaFormat
	for _, audio := range []bool{false, true} {
		tracks, err := st.ReadTrackInfoFiles(audio)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read track formats: %w", err)
		}
		for _, tf := range tracks {
			ids = append(ids, tf.TrackID)
			formats = append(formats, tf.Format)
		}
	}
	if len(ids) == 0 {
		return nil, nil, fmt.Errorf("%w in %s", ErrNoRecording, dir)
	}
	return ids, formats, nil
}

// ReadIndex returns the persisted key-frame index of a recorded track.
func ReadIndex(dir, trackID string) ([]IndexEntry, error) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	st, err := storage.NewDvrStorageManager(dir, false, logger)
	if err != nil {
		return nil, err
	}
	return st.ReadIndexFile(trackID)
}
