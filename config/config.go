// Package config provides configuration management for the DVR buffer tool.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/savid/dvr-buffer/internal/testchannels"
)

// Modes supported by the tool.
const (
	ModeRecord    = "record"
	ModePlay      = "play"
	ModeTrickplay = "trickplay"
	ModeInspect   = "inspect"
)

var (
	// ErrInvalidMode is returned when the mode is not one of the supported modes.
	ErrInvalidMode = errors.New("invalid mode")
	// ErrDirRequired is returned when the buffer directory is not provided.
	ErrDirRequired = errors.New("buffer directory is required")
	// ErrUnknownProfile is returned when the stream profile does not exist.
	ErrUnknownProfile = errors.New("unknown stream profile")
	// ErrDurationPositive is returned when a duration setting is not positive.
	ErrDurationPositive = errors.New("duration must be positive")
	// ErrMaxTrickplayPositive is returned when the trickplay cap is not positive.
	ErrMaxTrickplayPositive = errors.New("max trickplay size must be positive")
	// ErrInvalidSpeedCheckSize is returned when the speed check size is negative.
	ErrInvalidSpeedCheckSize = errors.New("min speed check size must not be negative")
	// ErrInvalidLogLevel is returned when log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// Config holds the application configuration.
type Config struct {
	Mode                   string
	Dir                    string
	Profile                string
	Duration               time.Duration
	Realtime               bool
	MaxTrickplayMB         int64
	RecordingChunkDuration time.Duration
	LiveChunkDuration      time.Duration
	IndexInterval          time.Duration
	WriteTimeout           time.Duration
	StatsInterval          time.Duration
	MinSpeedCheckSize      int64
	LogLevel               string
}

// New creates a new configuration instance by parsing command-line flags.
func New() (*Config, error) {
	return Parse(flag.CommandLine, os.Args[1:])
}

// Parse registers the flags on fs, parses args and validates the result.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Mode, "mode", ModeRecord, "Mode to run (record, play, trickplay, inspect)")
	fs.StringVar(&cfg.Dir, "dir", "", "Buffer or recording directory (required)")
	fs.StringVar(&cfg.Profile, "profile", "1080p 30fps", "Synthetic stream profile for record and trickplay")
	fs.DurationVar(&cfg.Duration, "duration", 30*time.Second, "Stream time to generate")
	fs.BoolVar(&cfg.Realtime, "realtime", false, "Pace the synthetic stream to the wall clock")
	fs.Int64Var(&cfg.MaxTrickplayMB, "max-mb", 512, "Maximum trickplay buffer size in MiB")
	fs.DurationVar(&cfg.RecordingChunkDuration, "recording-chunk", 10*time.Minute, "Chunk duration of recordings")
	fs.DurationVar(&cfg.LiveChunkDuration, "live-chunk", time.Second, "Chunk duration of the trickplay buffer")
	fs.DurationVar(&cfg.IndexInterval, "index-interval", 500*time.Millisecond, "Minimum distance between key-frame index entries")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", 10*time.Second, "Producer wait before a slow write is logged")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", 5*time.Second, "Interval between buffer stats reports")
	fs.Int64Var(&cfg.MinSpeedCheckSize, "min-speed-check-size", 32<<10, "Smallest sample size counted by the write speed check")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRecord, ModePlay, ModeTrickplay, ModeInspect:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidMode, c.Mode)
	}

	if c.Dir == "" {
		return ErrDirRequired
	}

	if c.Mode == ModeRecord || c.Mode == ModeTrickplay {
		if _, ok := testchannels.GetTestProfile(c.Profile); !ok {
			return fmt.Errorf("%w: %q (available: %v)", ErrUnknownProfile, c.Profile, testchannels.ProfileNames())
		}
		if c.Duration <= 0 {
			return fmt.Errorf("%w: duration", ErrDurationPositive)
		}
	}

	if c.Mode == ModeTrickplay && c.MaxTrickplayMB <= 0 {
		return ErrMaxTrickplayPositive
	}

	durations := map[string]time.Duration{
		"recording-chunk": c.RecordingChunkDuration,
		"live-chunk":      c.LiveChunkDuration,
		"index-interval":  c.IndexInterval,
		"write-timeout":   c.WriteTimeout,
		"stats-interval":  c.StatsInterval,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%w: %s", ErrDurationPositive, name)
		}
	}

	if c.MinSpeedCheckSize < 0 {
		return ErrInvalidSpeedCheckSize
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("%w: %s (must be debug, info, warn, or error)", ErrInvalidLogLevel, c.LogLevel)
	}

	return nil
}
