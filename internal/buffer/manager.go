// Package buffer owns the on-disk sample buffer of a session: the per-track
// chunk indexes, chunk creation, eviction under storage pressure and the
// disk write speed check.
package buffer

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/savid/dvr-buffer/internal/chunk"
	"github.com/savid/dvr-buffer/internal/types"
)

var (
	// ErrInsufficientStorage is returned when a new chunk cannot be created
	// because eviction could not free enough space.
	ErrInsufficientStorage = errors.New("buffer: not enough storage space")
	// ErrUnknownTrack is returned for operations on a track without an index.
	ErrUnknownTrack = errors.New("buffer: unknown track")
	// ErrOffsetOverflow is returned when an index entry offset does not fit
	// the 32-bit offset of the persisted index.
	ErrOffsetOverflow = errors.New("buffer: index offset exceeds 32 bits")
)

// DefaultMinSampleSizeForSpeedCheck is the default smallest write counted by
// the write speed check.
const DefaultMinSampleSizeForSpeedCheck int64 = 32 << 10

// StorageManager decides where chunks live, how much may be buffered and how
// recording metadata is persisted.
type StorageManager interface {
	BufferDir() string
	IsPersistent() bool
	// ReachedStorageMax reports whether live bytes exceed the storage cap.
	ReachedStorageMax(bufferSize, pendingDelete int64) bool
	// HasEnoughBuffer reports whether free space, counting pendingDelete
	// bytes as reclaimable, is sufficient for another chunk.
	HasEnoughBuffer(pendingDelete int64) bool
	ReadTrackInfoFiles(audio bool) ([]types.TrackFormat, error)
	ReadIndexFile(trackID string) ([]types.PositionHolder, error)
	WriteTrackInfoFiles(formats []types.TrackFormat, audio bool) error
	WriteIndexFile(trackID string, entries []types.PositionHolder) error
}

// EvictListener is told when the earliest chunk of a track was evicted.
// createdTimeMs is the creation time of the evicted chunk.
type EvictListener func(trackID string, createdTimeMs int64)

// BufferManager maps tracks to their time-ordered chunks.
type BufferManager struct {
	storage StorageManager
	logger  *logrus.Logger
	session string

	mu            sync.Mutex
	tracks        map[string]*trackIndex
	trackOrder    []string
	pendingDelete *evictQueueMap
	listeners     map[string]EvictListener

	bufferSize atomic.Int64
	speed      *speedMonitor
}

// NewBufferManager creates a buffer manager on top of a storage manager.
func NewBufferManager(storage StorageManager, logger *logrus.Logger) *BufferManager {
	return &BufferManager{
		storage:       storage,
		logger:        logger,
		session:       uuid.New().String(),
		tracks:        make(map[string]*trackIndex),
		pendingDelete: newEvictQueueMap(),
		listeners:     make(map[string]EvictListener),
		speed:         newSpeedMonitor(DefaultMinSampleSizeForSpeedCheck),
	}
}

// Session returns the identifier used in this manager's log entries.
func (m *BufferManager) Session() string { return m.session }

// Storage returns the storage manager.
func (m *BufferManager) Storage() StorageManager { return m.storage }

// IsPersistent reports whether the storage keeps chunks after release.
func (m *BufferManager) IsPersistent() bool { return m.storage.IsPersistent() }

// BufferSize returns the bytes of chunks that are not yet deleted.
func (m *BufferManager) BufferSize() int64 { return m.bufferSize.Load() }

func (m *BufferManager) log() *logrus.Entry {
	return m.logger.WithField("session", m.session)
}

// chunkCallback keeps the aggregate buffer size in step with chunk writes and
// deletions.
type chunkCallback struct {
	m *BufferManager
}

func (c chunkCallback) OnChunkWrite(_ *chunk.SampleChunk, n int64) {
	c.m.bufferSize.Add(n)
}

func (c chunkCallback) OnChunkDelete(sc *chunk.SampleChunk) {
	c.m.bufferSize.Add(-sc.Size())
}

// trackLocked returns the index of trackID, creating it if needed.
func (m *BufferManager) trackLocked(trackID string) *trackIndex {
	idx, ok := m.tracks[trackID]
	if !ok {
		idx = &trackIndex{}
		m.tracks[trackID] = idx
		m.trackOrder = append(m.trackOrder, trackID)
		m.pendingDelete.init(trackID)
	}
	return idx
}

// CreateNewWriteFileIfNeeded records an index entry for trackID at positionUs.
// With a nil currentChunk it creates a new chunk file starting at positionUs
// and returns it. With a non-nil currentChunk it records positionUs at
// currentOffset inside that chunk and returns nil. Either way the eviction
// policy runs first and ErrInsufficientStorage is returned if it fails.
func (m *BufferManager) CreateNewWriteFileIfNeeded(trackID string, positionUs int64, currentChunk *chunk.SampleChunk, currentOffset int64) (*chunk.SampleChunk, error) {
	m.mu.Lock()
	ok, evicted := m.maybeEvictChunkLocked(trackID, currentChunk == nil)
	if !ok {
		m.mu.Unlock()
		m.notifyEvicted(evicted)
		return nil, fmt.Errorf("%w: track %s at %dus", ErrInsufficientStorage, trackID, positionUs)
	}

	idx := m.trackLocked(trackID)
	if currentChunk != nil {
		idx.put(IndexEntry{PositionUs: positionUs, Chunk: currentChunk, Offset: currentOffset})
		m.mu.Unlock()
		m.notifyEvicted(evicted)
		return nil, nil
	}

	path := filepath.Join(m.storage.BufferDir(), chunk.FileName(trackID, positionUs))
	c, err := chunk.Create(path, positionUs, chunkCallback{m})
	if err != nil {
		m.mu.Unlock()
		m.notifyEvicted(evicted)
		return nil, err
	}
	idx.put(IndexEntry{PositionUs: positionUs, Chunk: c})
	m.mu.Unlock()

	m.notifyEvicted(evicted)
	m.log().WithFields(logrus.Fields{
		"track":       trackID,
		"position_us": positionUs,
		"chunk":       c.Name(),
	}).Debug("Created chunk")
	return c, nil
}

type evictedChunk struct {
	trackID       string
	createdTimeMs int64
	listener      EvictListener
}

// maybeEvictChunkLocked moves the globally oldest head chunks to the pending
// delete queues until the storage is within its limits. Persistent storage
// never evicts. It returns false if the limits cannot be met.
//
// A chunk that is still being written is never evicted, with one exception:
// when trackID is about to start a new chunk, its current tail is sealed next
// and may go. If only such tails are left, eviction waits for the next chunk
// boundary.
func (m *BufferManager) maybeEvictChunkLocked(trackID string, newChunk bool) (bool, []evictedChunk) {
	var evicted []evictedChunk
	pending := m.pendingDelete.size()
	for m.storage.ReachedStorageMax(m.bufferSize.Load(), pending) || !m.storage.HasEnoughBuffer(pending) {
		if m.storage.IsPersistent() {
			return false, evicted
		}

		var earliestID string
		var earliest *chunk.SampleChunk
		indexed := false
		for _, id := range m.trackOrder {
			idx := m.tracks[id]
			if idx == nil || idx.empty() {
				continue
			}
			indexed = true
			c := idx.first().Chunk
			sealing := newChunk && id == trackID && c == idx.last().Chunk
			if !c.WriteFinished() && !sealing {
				continue
			}
			if earliest == nil || c.CreatedTimeMs() < earliest.CreatedTimeMs() {
				earliest = c
				earliestID = id
			}
		}
		if earliest == nil {
			return indexed, evicted
		}

		idx := m.tracks[earliestID]
		idx.removeChunk(earliest)
		m.pendingDelete.add(earliestID, earliest)
		evicted = append(evicted, evictedChunk{
			trackID:       earliestID,
			createdTimeMs: earliest.CreatedTimeMs(),
			listener:      m.listeners[earliestID],
		})
		pending = m.pendingDelete.size()
	}
	return true, evicted
}

func (m *BufferManager) notifyEvicted(evicted []evictedChunk) {
	for _, e := range evicted {
		m.log().WithFields(logrus.Fields{
			"track":      e.trackID,
			"created_ms": e.createdTimeMs,
		}).Debug("Evicted chunk")
		if e.listener != nil {
			e.listener(e.trackID, e.createdTimeMs)
		}
	}
}

// GetReadFile returns the index entry to start reading positionUs from: the
// entry with the greatest position <= positionUs, or the earliest entry if
// positionUs precedes all of them.
func (m *BufferManager) GetReadFile(trackID string, positionUs int64) (IndexEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.tracks[trackID]
	if !ok {
		return IndexEntry{}, false
	}
	return idx.floor(positionUs)
}

// EvictChunks releases the pending-delete chunks of trackID that start before
// earlierThanUs. Files are deleted unless the storage is persistent.
func (m *BufferManager) EvictChunks(trackID string, earlierThanUs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingDelete.release(trackID, earlierThanUs, !m.storage.IsPersistent())
}

// StartPositionUs returns the earliest indexed position of a track.
func (m *BufferManager) StartPositionUs(trackID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.tracks[trackID]
	if !ok || idx.empty() {
		return types.UnknownTimeUs, false
	}
	return idx.first().PositionUs, true
}

// Entries returns a copy of a track's index.
func (m *BufferManager) Entries(trackID string) []IndexEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.tracks[trackID]
	if !ok {
		return nil
	}
	return append([]IndexEntry(nil), idx.entries...)
}

// Chunks returns the distinct chunks of a track's index in position order.
func (m *BufferManager) Chunks(trackID string) []*chunk.SampleChunk {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.tracks[trackID]
	if !ok {
		return nil
	}
	return idx.chunks()
}

// RegisterChunkEvictedListener sets the eviction listener of a track.
func (m *BufferManager) RegisterChunkEvictedListener(trackID string, l EvictListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[trackID] = l
}

// UnregisterChunkEvictedListener removes the eviction listener of a track.
func (m *BufferManager) UnregisterChunkEvictedListener(trackID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, trackID)
}

// SetMinSampleSizeForSpeedCheck sets the smallest write counted by the speed check.
func (m *BufferManager) SetMinSampleSizeForSpeedCheck(size int64) {
	m.speed.setMinSampleSize(size)
}

// IsWriteSlow records a sample write that took elapsed and reports whether the
// measured disk bandwidth is below the minimum. It only measures after enough
// data was tracked and at most a fixed number of times per session.
func (m *BufferManager) IsWriteSlow(size int, elapsed time.Duration) bool {
	m.speed.add(int64(size), elapsed)
	return m.speed.slow()
}

// WriteBandwidth returns the last measured write speed in MB/s.
func (m *BufferManager) WriteBandwidth() float64 {
	mbps, _ := m.speed.bandwidth()
	return mbps
}

// LoadTrackFromStorage rebuilds the index of a persisted track from its index
// file. Consecutive entries with the same base position share one chunk, and
// chunks are linked in index order.
func (m *BufferManager) LoadTrackFromStorage(trackID string) error {
	positions, err := m.storage.ReadIndexFile(trackID)
	if err != nil {
		return fmt.Errorf("failed to load track %s: %w", trackID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.trackLocked(trackID)

	var current *chunk.SampleChunk
	base := types.UnknownTimeUs
	for i, p := range positions {
		if current == nil || p.BasePositionUs != base {
			path := filepath.Join(m.storage.BufferDir(), chunk.FileName(trackID, p.BasePositionUs))
			c, err := chunk.Load(path, p.BasePositionUs, chunkCallback{m}, current)
			if err != nil {
				return fmt.Errorf("failed to load chunk %d of track %s: %w", i, trackID, err)
			}
			current = c
			base = p.BasePositionUs
		}
		idx.put(IndexEntry{PositionUs: p.PositionUs, Chunk: current, Offset: int64(p.Offset)})
	}

	m.log().WithFields(logrus.Fields{
		"track":   trackID,
		"entries": len(positions),
	}).Debug("Loaded track from storage")
	return nil
}

// WriteMetaFiles persists the index and format of every track. It does
// nothing on ephemeral storage.
func (m *BufferManager) WriteMetaFiles(trackIDs []string, formats []types.MediaFormat) error {
	if !m.storage.IsPersistent() {
		return nil
	}
	if len(trackIDs) != len(formats) {
		return fmt.Errorf("buffer: %d track ids for %d formats", len(trackIDs), len(formats))
	}

	var audio, video []types.TrackFormat
	for i, id := range trackIDs {
		tf := types.TrackFormat{TrackID: id, Format: formats[i]}
		if formats[i].IsAudio() {
			audio = append(audio, tf)
		} else {
			video = append(video, tf)
		}

		entries := m.Entries(id)
		holders := make([]types.PositionHolder, 0, len(entries))
		for _, e := range entries {
			if e.Offset < 0 || e.Offset > math.MaxInt32 {
				return fmt.Errorf("%w: track %s offset %d at %dus", ErrOffsetOverflow, id, e.Offset, e.PositionUs)
			}
			holders = append(holders, types.PositionHolder{
				PositionUs:     e.PositionUs,
				BasePositionUs: e.Chunk.StartPositionUs(),
				Offset:         int32(e.Offset),
			})
		}
		if err := m.storage.WriteIndexFile(id, holders); err != nil {
			return err
		}
	}

	if len(audio) > 0 {
		if err := m.storage.WriteTrackInfoFiles(audio, true); err != nil {
			return err
		}
	}
	if len(video) > 0 {
		if err := m.storage.WriteTrackInfoFiles(video, false); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of the buffer state.
func (m *BufferManager) Stats() types.BufferStats {
	m.mu.Lock()
	active := 0
	for _, idx := range m.tracks {
		active += len(idx.chunks())
	}
	stats := types.BufferStats{
		BufferSize:    m.bufferSize.Load(),
		PendingDelete: m.pendingDelete.size(),
		ActiveChunks:  active,
		PendingChunks: m.pendingDelete.count(),
		Tracks:        len(m.tracks),
	}
	m.mu.Unlock()

	stats.WriteBandwidth, stats.SpeedCheckCount = m.speed.bandwidth()
	return stats
}

// Release closes every chunk of every track. Chunk files are deleted unless
// the storage is persistent. The manager is empty afterwards and may be
// released again.
func (m *BufferManager) Release() error {
	m.mu.Lock()
	tracks := m.tracks
	m.tracks = make(map[string]*trackIndex)
	m.trackOrder = nil
	pending := m.pendingDelete
	m.pendingDelete = newEvictQueueMap()
	m.listeners = make(map[string]EvictListener)
	m.mu.Unlock()

	remove := !m.storage.IsPersistent()
	var errs []error
	released := make(map[*chunk.SampleChunk]struct{})
	for _, idx := range tracks {
		for _, e := range idx.entries {
			if _, ok := released[e.Chunk]; ok {
				continue
			}
			released[e.Chunk] = struct{}{}
			if err := e.Chunk.Release(remove); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := pending.releaseAll(remove); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		err := fmt.Errorf("failed to release buffer: %w", errors.Join(errs...))
		m.log().WithError(err).Warn("Buffer release finished with errors")
		return err
	}
	m.log().WithField("chunks", len(released)).Debug("Buffer released")
	return nil
}
