// Package monitor reports buffer statistics in the background.
package monitor

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/savid/dvr-buffer/internal/types"
)

// StatsSource provides buffer statistics.
type StatsSource interface {
	Stats() types.BufferStats
}

// Reporter logs buffer statistics on a fixed interval.
type Reporter struct {
	source   StatsSource
	interval time.Duration
	logger   *logrus.Logger
	last     types.BufferStats
}

// NewReporter creates a new stats reporter.
func NewReporter(source StatsSource, interval time.Duration, logger *logrus.Logger) *Reporter {
	return &Reporter{
		source:   source,
		interval: interval,
		logger:   logger,
	}
}

// Start reports stats until the context is cancelled, then logs a final report.
func (r *Reporter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.report()
			r.logger.Debug("Stats reporter shutting down")
			return
		case <-ticker.C:
			r.report()
		}
	}
}

// report logs the current stats, with the growth since the previous report.
func (r *Reporter) report() types.BufferStats {
	stats := r.source.Stats()
	fields := logrus.Fields{
		"buffer_bytes":   stats.BufferSize,
		"pending_bytes":  stats.PendingDelete,
		"active_chunks":  stats.ActiveChunks,
		"pending_chunks": stats.PendingChunks,
		"tracks":         stats.Tracks,
		"growth_bytes":   stats.BufferSize - r.last.BufferSize,
	}
	if stats.SpeedCheckCount > 0 {
		fields["mbps"] = stats.WriteBandwidth
	}
	r.logger.WithFields(fields).Info("Buffer stats")
	r.last = stats
	return stats
}
