// Package main implements the DVR buffer tool. It records synthetic streams,
// plays recordings back, runs a live trickplay buffer and inspects recordings.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/savid/dvr-buffer/config"
	"github.com/savid/dvr-buffer/internal/monitor"
	"github.com/savid/dvr-buffer/internal/testchannels"
	"github.com/savid/dvr-buffer/pkg/dvr"
)

func main() {
	// Configure logrus
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	cfg, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level based on config
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to parse log level")
	}
	logrus.SetLevel(level)

	logger := logrus.StandardLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"mode": cfg.Mode,
		"dir":  cfg.Dir,
		"run":  uuid.NewString(),
	}).Info("Starting DVR buffer")

	switch cfg.Mode {
	case config.ModeRecord:
		err = runRecord(ctx, cfg, logger)
	case config.ModePlay:
		err = runPlay(ctx, cfg, logger)
	case config.ModeTrickplay:
		err = runTrickplay(ctx, cfg, logger)
	case config.ModeInspect:
		err = runInspect(cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("DVR buffer failed")
	}
	logger.Info("DVR buffer stopped")
}

func bufferOptions(cfg *config.Config) dvr.Options {
	opts := dvr.DefaultOptions()
	opts.IO.RecordingChunkDuration = cfg.RecordingChunkDuration
	opts.IO.LiveChunkDuration = cfg.LiveChunkDuration
	opts.IO.IndexInterval = cfg.IndexInterval
	opts.WriteTimeout = cfg.WriteTimeout
	opts.MinSampleSizeForSpeedCheck = cfg.MinSpeedCheckSize
	return opts
}

func newGenerator(cfg *config.Config) (*testchannels.Generator, error) {
	profile, _ := testchannels.GetTestProfile(cfg.Profile)
	return testchannels.NewGenerator(profile, 0)
}

// runRecord writes a synthetic stream into a persistent recording.
func runRecord(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	gen, err := newGenerator(cfg)
	if err != nil {
		return err
	}

	b, err := dvr.NewRecordingBuffer(cfg.Dir, dvr.WithLogger(logger), dvr.WithOptions(bufferOptions(cfg)))
	if err != nil {
		return err
	}
	ids, formats := gen.Tracks()
	if err := b.Init(ids, formats); err != nil {
		return errors.Join(err, b.Release())
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	go monitor.NewReporter(b, cfg.StatsInterval, logger).Start(statsCtx)

	written := 0
	runErr := gen.Run(ctx, cfg.Duration.Microseconds(), cfg.Realtime, func(index int, s *dvr.Sample) error {
		written++
		return b.WriteSample(index, s)
	})
	stopStats()

	// A cancelled recording is still closed and its metadata persisted.
	if err := b.CloseWrite(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	if err := b.Release(); err != nil {
		return errors.Join(runErr, err)
	}

	duration, ok, err := dvr.RecordingDuration(cfg.Dir)
	if err != nil {
		return errors.Join(runErr, err)
	}
	logger.WithFields(logrus.Fields{
		"samples":      written,
		"has_duration": ok,
		"duration":     time.Duration(duration) * time.Microsecond,
	}).Info("Recording finished")
	return runErr
}

// runPlay reads a recording back until every track reached end of stream.
func runPlay(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	b, ids, _, err := dvr.NewPlaybackBuffer(cfg.Dir, dvr.WithLogger(logger), dvr.WithOptions(bufferOptions(cfg)))
	if err != nil {
		return err
	}

	for index := range ids {
		if err := b.SelectTrack(index); err != nil {
			return errors.Join(err, b.Release())
		}
	}

	counts, err := drain(ctx, b, len(ids), nil)
	for index, id := range ids {
		logger.WithFields(logrus.Fields{
			"track":   id,
			"samples": counts[index],
		}).Info("Track played back")
	}
	return errors.Join(err, b.Release())
}

// drain reads every track round robin until all of them ended or ctx is done.
// With a non-nil stop it also returns when stop is closed.
func drain(ctx context.Context, b *dvr.Buffer, tracks int, stop <-chan struct{}) ([]int, error) {
	counts := make([]int, tracks)
	done := make([]bool, tracks)
	ended := 0
	out := &dvr.Sample{}
	positionUs := int64(0)

	for ended < tracks {
		progress := false
		for index := 0; index < tracks; index++ {
			if done[index] {
				continue
			}
			res, err := b.ReadSample(index, out)
			if err != nil {
				return counts, err
			}
			switch res {
			case dvr.SampleRead:
				counts[index]++
				positionUs = max(positionUs, out.TimeUs)
				progress = true
			case dvr.EndOfStream:
				done[index] = true
				ended++
			}
		}
		b.ContinueBuffering(positionUs)

		if progress {
			continue
		}
		select {
		case <-ctx.Done():
			return counts, ctx.Err()
		case <-stop:
			return counts, nil
		case <-time.After(5 * time.Millisecond):
		}
	}
	return counts, nil
}

type trickplayListener struct {
	logger *logrus.Logger
}

func (l trickplayListener) OnBufferStartTimeChanged(startTimeMs int64) {
	l.logger.WithField("start", time.UnixMilli(startTimeMs).Format(time.RFC3339Nano)).Debug("Buffer start moved")
}

func (l trickplayListener) OnBufferStateChanged(available bool) {
	l.logger.WithField("available", available).Info("Buffer state changed")
}

func (l trickplayListener) OnDiskTooSlow() {
	l.logger.Warn("Disk too slow for live buffering")
}

// runTrickplay feeds a live stream into an evicting buffer while a reader
// follows it.
func runTrickplay(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	gen, err := newGenerator(cfg)
	if err != nil {
		return err
	}

	b, err := dvr.NewTrickplayBuffer(cfg.Dir, cfg.MaxTrickplayMB<<20,
		dvr.WithLogger(logger),
		dvr.WithListener(trickplayListener{logger}),
		dvr.WithOptions(bufferOptions(cfg)))
	if err != nil {
		return err
	}
	ids, formats := gen.Tracks()
	if err := b.Init(ids, formats); err != nil {
		return errors.Join(err, b.Release())
	}
	for index := range ids {
		if err := b.SelectTrack(index); err != nil {
			return errors.Join(err, b.Release())
		}
	}

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go monitor.NewReporter(b, cfg.StatsInterval, logger).Start(statsCtx)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var readErr error
	var read []int
	wg.Add(1)
	go func() {
		defer wg.Done()
		read, readErr = drain(ctx, b, len(ids), stop)
	}()

	writeErr := gen.Run(ctx, cfg.Duration.Microseconds(), cfg.Realtime, func(index int, s *dvr.Sample) error {
		err := b.WriteSample(index, s)
		if errors.Is(err, dvr.ErrBufferingDisabled) {
			return nil
		}
		return err
	})
	close(stop)
	wg.Wait()

	total := 0
	for _, n := range read {
		total += n
	}
	logger.WithField("samples_read", total).Info("Trickplay finished")
	return errors.Join(writeErr, readErr, b.Release())
}

// runInspect prints the tracks and index of a recording.
func runInspect(cfg *config.Config, logger *logrus.Logger) error {
	ids, formats, err := dvr.ReadTrackFormats(cfg.Dir)
	if err != nil {
		return err
	}

	duration, ok, err := dvr.RecordingDuration(cfg.Dir)
	if err != nil {
		return err
	}
	if ok {
		logger.WithField("duration", time.Duration(duration)*time.Microsecond).Info("Recording")
	}

	for i, id := range ids {
		f := formats[i]
		entries, err := dvr.ReadIndex(cfg.Dir, id)
		if err != nil {
			return err
		}
		fields := logrus.Fields{
			"track":         id,
			"mime":          f.MIME,
			"index_entries": len(entries),
		}
		if f.IsVideo() {
			fields["width"] = f.Width
			fields["height"] = f.Height
		}
		if f.IsAudio() {
			fields["sample_rate"] = f.SampleRate
			fields["channels"] = f.ChannelCount
			fields["language"] = f.Language
		}
		logger.WithFields(fields).Info("Track")

		for _, e := range entries {
			logger.WithFields(logrus.Fields{
				"track":    id,
				"position": time.Duration(e.PositionUs) * time.Microsecond,
				"chunk":    time.Duration(e.BasePositionUs) * time.Microsecond,
				"offset":   e.Offset,
			}).Debug("Index entry")
		}
	}
	return nil
}
