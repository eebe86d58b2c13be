// Package storage places buffer files on disk and persists recording metadata.
//
// Two managers are provided. DvrStorageManager backs DVR recordings: it is
// persistent, never allows eviction and writes track formats and indexes so
// a recording can be played back later. TrickplayStorageManager backs the
// live-playback buffer: it is ephemeral, capped in size and cleans up files
// left over by a previous session.
package storage

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrNotPersistent is returned by metadata operations on ephemeral storage.
	ErrNotPersistent = errors.New("storage: not persistent")
	// ErrNoIndex is returned when a track has neither a v2 nor a v1 index file.
	ErrNoIndex = errors.New("storage: index file not found")
	// ErrCorruptMeta is returned when a track metadata file cannot be parsed.
	ErrCorruptMeta = errors.New("storage: corrupt track metadata")
)

const (
	directoryPermissions = 0755
	filePermissions      = 0644
)

// UsageFunc reports the usable and total bytes of the file system holding dir.
type UsageFunc func(dir string) (usable, total int64, err error)

// DiskUsage queries the file system holding dir with statfs(2).
func DiskUsage(dir string) (usable, total int64, err error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, 0, fmt.Errorf("failed to stat file system of %s: %w", dir, err)
	}
	bsize := int64(st.Bsize)
	return int64(st.Bavail) * bsize, int64(st.Blocks) * bsize, nil
}

// Option configures a storage manager.
type Option func(*options)

type options struct {
	usage UsageFunc
}

// WithDiskUsage replaces the statfs-based free space query.
func WithDiskUsage(fn UsageFunc) Option {
	return func(o *options) {
		o.usage = fn
	}
}

func newOptions(opts []Option) options {
	o := options{usage: DiskUsage}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
