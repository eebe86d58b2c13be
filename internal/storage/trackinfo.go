package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/savid/dvr-buffer/internal/types"
)

// MetaFileSuffix is the file name suffix of track metadata files.
const MetaFileSuffix = ".meta"

const (
	metaFileTypeAudio = "audio"
	metaFileTypeVideo = "video"

	// maxFieldLength bounds length prefixes so a corrupt file cannot trigger a
	// huge allocation.
	maxFieldLength = 16 << 20
)

var enc = binary.BigEndian

// MetaFileName returns the name of the n-th audio or video metadata file.
func MetaFileName(audio bool, n int) string {
	kind := metaFileTypeVideo
	if audio {
		kind = metaFileTypeAudio
	}
	return fmt.Sprintf("%s%d%s", kind, n, MetaFileSuffix)
}

// EncodeTrackFormat writes a track metadata record. Field order is fixed:
// name, mime, max-input-size, width, height, channel-count, sample-rate,
// pixel-aspect-ratio, csd-0..csd-2, duration, language.
func EncodeTrackFormat(w io.Writer, tf types.TrackFormat) error {
	ew := &errWriter{w: w}
	f := tf.Format
	ew.bytes([]byte(tf.TrackID))
	ew.bytes([]byte(f.MIME))
	ew.int32(f.MaxInputSize)
	ew.int32(f.Width)
	ew.int32(f.Height)
	ew.int32(f.ChannelCount)
	ew.int32(f.SampleRate)
	ew.int32(int32(math.Float32bits(f.PixelAspectRatio)))
	for _, csd := range f.CSD {
		ew.bytes(csd)
	}
	ew.int64(f.DurationUs)
	ew.bytes([]byte(f.Language))
	return ew.err
}

// DecodeTrackFormat reads a record written by EncodeTrackFormat. Files written
// before the language field existed end after the duration and decode with an
// empty language.
func DecodeTrackFormat(r io.Reader) (types.TrackFormat, error) {
	er := &errReader{r: r}
	var tf types.TrackFormat
	f := &tf.Format

	tf.TrackID = string(er.bytes())
	f.MIME = string(er.bytes())
	f.MaxInputSize = er.int32()
	f.Width = er.int32()
	f.Height = er.int32()
	f.ChannelCount = er.int32()
	f.SampleRate = er.int32()
	f.PixelAspectRatio = math.Float32frombits(uint32(er.int32()))
	for i := range f.CSD {
		f.CSD[i] = er.bytes()
	}
	f.DurationUs = er.int64()
	if er.err != nil {
		return types.TrackFormat{}, fmt.Errorf("%w: %w", ErrCorruptMeta, er.err)
	}

	language := er.bytes()
	switch {
	case er.err == nil:
		f.Language = string(language)
	case errors.Is(er.err, io.EOF):
	default:
		return types.TrackFormat{}, fmt.Errorf("%w: %w", ErrCorruptMeta, er.err)
	}
	return tf, nil
}

func writeTrackInfoFiles(dir string, formats []types.TrackFormat, audio bool) error {
	for i, tf := range formats {
		path := filepath.Join(dir, MetaFileName(audio, i))
		err := writeFileAtomic(path, func(w io.Writer) error {
			return EncodeTrackFormat(w, tf)
		})
		if err != nil {
			return fmt.Errorf("failed to write track info %s: %w", tf.TrackID, err)
		}
	}
	return nil
}

func readTrackInfoFiles(dir string, audio bool) ([]types.TrackFormat, error) {
	var formats []types.TrackFormat
	for i := 0; ; i++ {
		file, err := os.Open(filepath.Join(dir, MetaFileName(audio, i)))
		if errors.Is(err, os.ErrNotExist) {
			return formats, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to open track info: %w", err)
		}
		tf, err := DecodeTrackFormat(bufio.NewReader(file))
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", MetaFileName(audio, i), err)
		}
		formats = append(formats, tf)
	}
}

// writeFileAtomic writes path through a temporary file renamed into place.
func writeFileAtomic(path string, fill func(io.Writer) error) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePermissions)
	if err != nil {
		return err
	}
	buf := bufio.NewWriter(file)
	if err := fill(buf); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := buf.Flush(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

type errWriter struct {
	w       io.Writer
	err     error
	scratch [8]byte
}

func (ew *errWriter) write(p []byte) {
	if ew.err != nil {
		return
	}
	_, ew.err = ew.w.Write(p)
}

func (ew *errWriter) int32(v int32) {
	enc.PutUint32(ew.scratch[:4], uint32(v))
	ew.write(ew.scratch[:4])
}

func (ew *errWriter) int64(v int64) {
	enc.PutUint64(ew.scratch[:8], uint64(v))
	ew.write(ew.scratch[:8])
}

// bytes writes a length-prefixed field. A nil or empty field is written as a
// zero length and reads back as absent.
func (ew *errWriter) bytes(p []byte) {
	ew.int32(int32(len(p)))
	ew.write(p)
}

type errReader struct {
	r       io.Reader
	err     error
	scratch [8]byte
}

func (er *errReader) read(p []byte) {
	if er.err != nil {
		return
	}
	_, er.err = io.ReadFull(er.r, p)
}

func (er *errReader) int32() int32 {
	er.read(er.scratch[:4])
	if er.err != nil {
		return 0
	}
	return int32(enc.Uint32(er.scratch[:4]))
}

func (er *errReader) int64() int64 {
	er.read(er.scratch[:8])
	if er.err != nil {
		return 0
	}
	return int64(enc.Uint64(er.scratch[:8]))
}

func (er *errReader) bytes() []byte {
	n := er.int32()
	if er.err != nil || n == 0 {
		return nil
	}
	if n < 0 || n > maxFieldLength {
		er.err = fmt.Errorf("invalid field length %d", n)
		return nil
	}
	p := make([]byte, n)
	er.read(p)
	if er.err != nil {
		if errors.Is(er.err, io.EOF) {
			er.err = io.ErrUnexpectedEOF
		}
		return nil
	}
	return p
}
