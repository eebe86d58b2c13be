package storage

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/savid/dvr-buffer/internal/types"
)

// MinRecordingFreeBytes is the free space a recording needs before each new chunk.
const MinRecordingFreeBytes int64 = 256 << 20

// DvrStorageManager stores a DVR recording in its own directory. Recordings
// are persistent: chunks are never evicted and every chunk must fit.
type DvrStorageManager struct {
	dir         string
	isRecording bool
	opts        options
	logger      *logrus.Logger
}

// NewDvrStorageManager returns a manager for the recording in dir. When
// isRecording is set the directory is created and free space is enforced.
func NewDvrStorageManager(dir string, isRecording bool, logger *logrus.Logger, opts ...Option) (*DvrStorageManager, error) {
	if isRecording {
		if err := os.MkdirAll(dir, directoryPermissions); err != nil {
			return nil, fmt.Errorf("failed to create recording directory: %w", err)
		}
	}
	return &DvrStorageManager{
		dir:         dir,
		isRecording: isRecording,
		opts:        newOptions(opts),
		logger:      logger,
	}, nil
}

// BufferDir returns the recording directory.
func (m *DvrStorageManager) BufferDir() string { return m.dir }

// IsPersistent always returns true.
func (m *DvrStorageManager) IsPersistent() bool { return true }

// ReachedStorageMax always returns false: a recording has no size cap, only
// the free space requirement of HasEnoughBuffer.
func (m *DvrStorageManager) ReachedStorageMax(_, _ int64) bool { return false }

// HasEnoughBuffer reports whether a recording still has the minimum free space.
// Playback never writes and always has enough.
func (m *DvrStorageManager) HasEnoughBuffer(_ int64) bool {
	if !m.isRecording {
		return true
	}
	usable, _, err := m.opts.usage(m.dir)
	if err != nil {
		m.logger.WithError(err).WithField("dir", m.dir).Warn("Failed to query free space for recording")
		return false
	}
	return usable >= MinRecordingFreeBytes
}

// ReadTrackInfoFiles reads the audio or video track formats of the recording.
func (m *DvrStorageManager) ReadTrackInfoFiles(audio bool) ([]types.TrackFormat, error) {
	return readTrackInfoFiles(m.dir, audio)
}

// ReadIndexFile reads the index of a track, falling back to the legacy layout.
func (m *DvrStorageManager) ReadIndexFile(trackID string) ([]types.PositionHolder, error) {
	return readIndexFile(m.dir, trackID)
}

// WriteTrackInfoFiles writes the audio or video track formats of the recording.
func (m *DvrStorageManager) WriteTrackInfoFiles(formats []types.TrackFormat, audio bool) error {
	return writeTrackInfoFiles(m.dir, formats, audio)
}

// WriteIndexFile writes the v2 index of a track.
func (m *DvrStorageManager) WriteIndexFile(trackID string, entries []types.PositionHolder) error {
	return writeIndexFile(m.dir, trackID, entries)
}

// RecordingDuration returns the duration of the recording in dir, taken from
// the first video track or, failing that, the first audio track. It returns
// false if no track metadata carries a duration.
func RecordingDuration(dir string) (int64, bool, error) {
	for _, audio := range []bool{false, true} {
		formats, err := readTrackInfoFiles(dir, audio)
		if err != nil {
			return 0, false, err
		}
		if len(formats) > 0 {
			d := formats[0].Format.DurationUs
			return d, d != types.NoValue, nil
		}
	}
	return 0, false, nil
}
