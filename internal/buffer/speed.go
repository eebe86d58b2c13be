package buffer

import (
	"sync"
	"time"
)

const (
	// minimumWriteSizeForSpeedCheck is the tracked volume needed before a check.
	minimumWriteSizeForSpeedCheck int64 = 10 << 20
	// maximumSpeedCheckCount bounds checks per session so a transient stall
	// late in a session does not disable buffering.
	maximumSpeedCheckCount = 5
	// minimumDiskWriteSpeedMbps is the speed below which the disk is too slow.
	minimumDiskWriteSpeedMbps = 3.0
)

// speedMonitor accumulates sample write timings and decides whether the disk
// is too slow to keep up with the stream.
type speedMonitor struct {
	mu            sync.Mutex
	minSampleSize int64
	totalSize     int64
	totalTime     time.Duration
	checks        int
	lastMbps      float64
}

func newSpeedMonitor(minSampleSize int64) *speedMonitor {
	return &speedMonitor{minSampleSize: minSampleSize}
}

// add records one write. Writes smaller than the minimum sample size are
// dominated by fixed overhead and are ignored.
func (s *speedMonitor) add(size int64, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if size < s.minSampleSize {
		return
	}
	s.totalSize += size
	s.totalTime += elapsed
}

// slow measures the accumulated bandwidth once enough data was tracked and
// resets the accumulator. It reports true if the bandwidth is below the minimum.
func (s *speedMonitor) slow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalSize < minimumWriteSizeForSpeedCheck || s.checks >= maximumSpeedCheckCount {
		return false
	}
	s.checks++

	var mbps float64
	if s.totalTime > 0 {
		// bytes per nanosecond * 1000 = MB per second
		mbps = float64(s.totalSize) / float64(s.totalTime.Nanoseconds()) * 1000
	} else {
		mbps = minimumDiskWriteSpeedMbps * 1000
	}
	s.lastMbps = mbps
	s.totalSize = 0
	s.totalTime = 0
	return mbps < minimumDiskWriteSpeedMbps
}

func (s *speedMonitor) bandwidth() (float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMbps, s.checks
}

func (s *speedMonitor) setMinSampleSize(size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minSampleSize = size
}
