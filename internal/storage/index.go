package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/savid/dvr-buffer/internal/types"
)

const (
	// IndexFileSuffix is the suffix of legacy index files holding positions only.
	IndexFileSuffix = ".idx"
	// IndexFileSuffixV2 is the suffix of index files holding chunk grouping and offsets.
	IndexFileSuffixV2 = IndexFileSuffix + "2"

	indexEntrySizeV1 = 8
	indexEntrySizeV2 = 8 + 8 + 4
)

// IndexVersion identifies the layout of an index file.
type IndexVersion int

const (
	// IndexV1 is the legacy layout: int64 count, count × int64 positionUs.
	IndexV1 IndexVersion = 1
	// IndexV2 is the current layout: int64 count, count × {int64 positionUs,
	// int64 chunkStartPositionUs, int32 offset}.
	IndexV2 IndexVersion = 2
)

// IndexFileName returns the index file name of a track for a layout version.
func IndexFileName(trackID string, version IndexVersion) string {
	if version == IndexV1 {
		return trackID + IndexFileSuffix
	}
	return trackID + IndexFileSuffixV2
}

// ProbeIndex finds the index file of a track, preferring the v2 layout.
func ProbeIndex(dir, trackID string) (string, IndexVersion, error) {
	for _, version := range []IndexVersion{IndexV2, IndexV1} {
		path := filepath.Join(dir, IndexFileName(trackID, version))
		_, err := os.Stat(path)
		if err == nil {
			return path, version, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("failed to probe index %s: %w", path, err)
		}
	}
	return "", 0, fmt.Errorf("%w: %s", ErrNoIndex, trackID)
}

// EncodeIndex writes entries in the v2 layout.
func EncodeIndex(w io.Writer, entries []types.PositionHolder) error {
	ew := &errWriter{w: w}
	ew.int64(int64(len(entries)))
	for _, e := range entries {
		ew.int64(e.PositionUs)
		ew.int64(e.BasePositionUs)
		ew.int32(e.Offset)
	}
	return ew.err
}

// EncodeIndexV1 writes positions in the legacy layout.
func EncodeIndexV1(w io.Writer, positions []int64) error {
	ew := &errWriter{w: w}
	ew.int64(int64(len(positions)))
	for _, p := range positions {
		ew.int64(p)
	}
	return ew.err
}

// DecodeIndex reads an index in the given layout. Legacy entries decode with a
// zero offset and a base position equal to their position, so each one maps
// to its own chunk.
func DecodeIndex(r io.Reader, version IndexVersion) ([]types.PositionHolder, error) {
	er := &errReader{r: r}
	count := er.int64()
	if er.err != nil {
		return nil, fmt.Errorf("failed to read index count: %w", er.err)
	}

	entrySize := int64(indexEntrySizeV2)
	if version == IndexV1 {
		entrySize = indexEntrySizeV1
	}
	if count < 0 || count > maxFieldLength/entrySize {
		return nil, fmt.Errorf("invalid index count %d", count)
	}

	entries := make([]types.PositionHolder, 0, count)
	for i := int64(0); i < count; i++ {
		var e types.PositionHolder
		e.PositionUs = er.int64()
		if version == IndexV1 {
			e.BasePositionUs = e.PositionUs
		} else {
			e.BasePositionUs = er.int64()
			e.Offset = er.int32()
		}
		if er.err != nil {
			return nil, fmt.Errorf("failed to read index entry %d: %w", i, er.err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func writeIndexFile(dir, trackID string, entries []types.PositionHolder) error {
	path := filepath.Join(dir, IndexFileName(trackID, IndexV2))
	err := writeFileAtomic(path, func(w io.Writer) error {
		return EncodeIndex(w, entries)
	})
	if err != nil {
		return fmt.Errorf("failed to write index %s: %w", trackID, err)
	}
	return nil
}

// WriteLegacyIndexFile writes a v1 index file for a track.
func WriteLegacyIndexFile(dir, trackID string, positions []int64) error {
	path := filepath.Join(dir, IndexFileName(trackID, IndexV1))
	return writeFileAtomic(path, func(w io.Writer) error {
		return EncodeIndexV1(w, positions)
	})
}

func readIndexFile(dir, trackID string) ([]types.PositionHolder, error) {
	path, version, err := ProbeIndex(dir, trackID)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	defer file.Close()
	return DecodeIndex(bufio.NewReader(file), version)
}
