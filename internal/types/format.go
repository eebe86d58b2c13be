package types

import "strings"

// NoValue is the sentinel used for absent integer fields of a MediaFormat.
const NoValue = -1

// NoValueFloat is the sentinel used for absent float fields of a MediaFormat.
const NoValueFloat float32 = -1

// MaxCSDCount is the number of codec-specific-data slots persisted per track.
const MaxCSDCount = 3

// MediaFormat is the codec metadata of a track. Integer fields hold NoValue and
// PixelAspectRatio holds NoValueFloat when unknown. Empty strings and nil
// blobs are absent.
type MediaFormat struct {
	MIME             string
	MaxInputSize     int32
	Width            int32
	Height           int32
	ChannelCount     int32
	SampleRate       int32
	PixelAspectRatio float32
	CSD              [MaxCSDCount][]byte
	DurationUs       int64
	Language         string
}

// NewMediaFormat returns a format with every optional field unset.
func NewMediaFormat(mime string) MediaFormat {
	return MediaFormat{
		MIME:             mime,
		MaxInputSize:     NoValue,
		Width:            NoValue,
		Height:           NoValue,
		ChannelCount:     NoValue,
		SampleRate:       NoValue,
		PixelAspectRatio: NoValueFloat,
		DurationUs:       NoValue,
	}
}

// IsAudio reports whether the MIME type is an audio type.
func (f MediaFormat) IsAudio() bool {
	return strings.HasPrefix(f.MIME, "audio/")
}

// IsVideo reports whether the MIME type is a video type.
func (f MediaFormat) IsVideo() bool {
	return strings.HasPrefix(f.MIME, "video/")
}

// TrackFormat pairs a track id with its format. It is persisted once per track
// when a recording ends.
type TrackFormat struct {
	TrackID string
	Format  MediaFormat
}

// PositionHolder is one entry of a track index file. BasePositionUs is the
// start position of the chunk the entry belongs to and Offset is the byte
// offset of the entry inside that chunk.
type PositionHolder struct {
	PositionUs     int64
	BasePositionUs int64
	Offset         int32
}
