package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/savid/dvr-buffer/internal/types"
)

const (
	// thresholdPercentage and thresholdMaxBytes define the free space kept
	// for the rest of the system: 10% of the volume, at most 500 MiB.
	thresholdPercentage       = 10
	thresholdMaxBytes   int64 = 500 << 20

	chunkFileSuffix = ".chunk"
)

// TrickplayStorageManager stores the live-playback buffer. Its data is
// ephemeral: the buffer is capped at maxBufferSize and the oldest chunks are
// evicted when the cap or the free space threshold is hit.
type TrickplayStorageManager struct {
	dir            string
	maxBufferSize  int64
	thresholdBytes int64
	opts           options
	logger         *logrus.Logger
	cleaned        chan struct{}
}

// NewTrickplayStorageManager prepares dir for a live-playback buffer of at
// most maxBufferSize bytes. Chunk files left in dir by an earlier session are
// deleted in the background; files created after this call are not touched.
func NewTrickplayStorageManager(dir string, maxBufferSize int64, logger *logrus.Logger, opts ...Option) (*TrickplayStorageManager, error) {
	if err := os.MkdirAll(dir, directoryPermissions); err != nil {
		return nil, fmt.Errorf("failed to create trickplay directory: %w", err)
	}

	o := newOptions(opts)
	_, total, err := o.usage(dir)
	if err != nil {
		return nil, err
	}
	threshold := total * thresholdPercentage / 100
	if threshold > thresholdMaxBytes {
		threshold = thresholdMaxBytes
	}

	m := &TrickplayStorageManager{
		dir:            dir,
		maxBufferSize:  maxBufferSize,
		thresholdBytes: threshold,
		opts:           o,
		logger:         logger,
		cleaned:        make(chan struct{}),
	}

	stale, err := m.staleFiles()
	if err != nil {
		logger.WithError(err).WithField("dir", dir).Warn("Failed to list stale trickplay files")
	}
	go m.cleanup(stale)

	return m, nil
}

func (m *TrickplayStorageManager) staleFiles() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var stale []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), chunkFileSuffix) {
			stale = append(stale, filepath.Join(m.dir, e.Name()))
		}
	}
	return stale, nil
}

func (m *TrickplayStorageManager) cleanup(stale []string) {
	defer close(m.cleaned)

	removed := 0
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			m.logger.WithError(err).WithField("file", path).Debug("Failed to remove stale trickplay file")
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.WithField("files", removed).Info("Removed stale trickplay files")
	}
}

// Wait blocks until the startup cleanup has finished.
func (m *TrickplayStorageManager) Wait() {
	<-m.cleaned
}

// BufferDir returns the buffer directory.
func (m *TrickplayStorageManager) BufferDir() string { return m.dir }

// IsPersistent always returns false.
func (m *TrickplayStorageManager) IsPersistent() bool { return false }

// ReachedStorageMax reports whether the live bytes exceed the buffer cap.
func (m *TrickplayStorageManager) ReachedStorageMax(bufferSize, pendingDelete int64) bool {
	return bufferSize-pendingDelete > m.maxBufferSize
}

// HasEnoughBuffer reports whether the free space, counting bytes that are
// evicted but not yet deleted, stays above the system threshold.
func (m *TrickplayStorageManager) HasEnoughBuffer(pendingDelete int64) bool {
	usable, _, err := m.opts.usage(m.dir)
	if err != nil {
		m.logger.WithError(err).WithField("dir", m.dir).Warn("Failed to query free space for trickplay")
		return false
	}
	return usable+pendingDelete >= m.thresholdBytes
}

// ReadTrackInfoFiles is not supported on ephemeral storage.
func (m *TrickplayStorageManager) ReadTrackInfoFiles(_ bool) ([]types.TrackFormat, error) {
	return nil, ErrNotPersistent
}

// ReadIndexFile is not supported on ephemeral storage.
func (m *TrickplayStorageManager) ReadIndexFile(_ string) ([]types.PositionHolder, error) {
	return nil, ErrNotPersistent
}

// WriteTrackInfoFiles is not supported on ephemeral storage.
func (m *TrickplayStorageManager) WriteTrackInfoFiles(_ []types.TrackFormat, _ bool) error {
	return ErrNotPersistent
}

// WriteIndexFile is not supported on ephemeral storage.
func (m *TrickplayStorageManager) WriteIndexFile(_ string, _ []types.PositionHolder) error {
	return ErrNotPersistent
}
