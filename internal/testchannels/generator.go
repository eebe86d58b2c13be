package testchannels

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/savid/dvr-buffer/internal/types"
)

// ErrNoTracks is returned for profiles without audio and video.
var ErrNoTracks = errors.New("testchannels: profile has no tracks")

// Track identifiers used by the generator.
const (
	VideoTrackID = "video"
	AudioTrackID = "audio"
)

// keyFrameScale is how much larger a key frame is than a delta frame.
const keyFrameScale = 4

// SampleFunc receives one generated sample. The sample is reused after the
// call returns.
type SampleFunc func(index int, sample *types.Sample) error

type trackState struct {
	id        string
	format    types.MediaFormat
	video     bool
	frame     int64
	nextUs    int64
	durationU int64
	sizeKey   int
	sizeDelta int
}

// Generator produces an interleaved synthetic stream for a profile. Samples
// come out in presentation order across tracks.
type Generator struct {
	profile TestChannelProfile
	tracks  []*trackState
	sample  types.Sample
}

// NewGenerator returns a generator whose first sample is at startUs.
func NewGenerator(profile TestChannelProfile, startUs int64) (*Generator, error) {
	g := &Generator{profile: profile}

	if profile.HasVideo() {
		f := types.NewMediaFormat(profile.VideoMIME)
		f.Width = profile.Width
		f.Height = profile.Height
		f.PixelAspectRatio = 1
		f.CSD[0] = []byte{0, 0, 0, 1, 0x67, byte(profile.Height >> 4)}
		f.CSD[1] = []byte{0, 0, 0, 1, 0x68, 0xce}

		gop := max(profile.GOP, 1)
		perFrame := profile.Bitrate / 8 / int64(profile.Framerate)
		// Key frames are keyFrameScale times larger; keep the GOP average at perFrame.
		delta := int(perFrame * int64(gop) / int64(gop-1+keyFrameScale))
		t := &trackState{
			id:        VideoTrackID,
			format:    f,
			video:     true,
			nextUs:    startUs,
			durationU: int64(time.Second/time.Microsecond) / int64(profile.Framerate),
			sizeDelta: max(delta, 16),
			sizeKey:   max(delta*keyFrameScale, 16),
		}
		f.MaxInputSize = int32(t.sizeKey)
		t.format = f
		g.tracks = append(g.tracks, t)
	}

	if profile.HasAudio() {
		f := types.NewMediaFormat(profile.AudioMIME)
		f.SampleRate = profile.AudioRate
		f.ChannelCount = profile.AudioChannels
		f.Language = profile.Language
		f.CSD[0] = []byte{0x11, byte(profile.AudioChannels << 3)}

		durationUs := int64(profile.AudioFrame) * 1_000_000 / int64(profile.AudioRate)
		size := max(int(profile.AudioBitrate/8*durationUs/1_000_000), 16)
		f.MaxInputSize = int32(size)
		g.tracks = append(g.tracks, &trackState{
			id:        AudioTrackID,
			format:    f,
			nextUs:    startUs,
			durationU: durationUs,
			sizeKey:   size,
			sizeDelta: size,
		})
	}

	if len(g.tracks) == 0 {
		return nil, ErrNoTracks
	}
	return g, nil
}

// Profile returns the profile of the generator.
func (g *Generator) Profile() TestChannelProfile { return g.profile }

// Tracks returns the track identifiers and formats, in track index order.
func (g *Generator) Tracks() ([]string, []types.MediaFormat) {
	ids := make([]string, len(g.tracks))
	formats := make([]types.MediaFormat, len(g.tracks))
	for i, t := range g.tracks {
		ids[i] = t.id
		formats[i] = t.format
	}
	return ids, formats
}

// Next returns the track index and sample with the smallest presentation
// time. The returned sample is overwritten by the following call.
func (g *Generator) Next() (int, *types.Sample) {
	index := 0
	for i, t := range g.tracks {
		if t.nextUs < g.tracks[index].nextUs {
			index = i
		}
	}
	t := g.tracks[index]

	key := !t.video || t.frame%int64(max(g.profile.GOP, 1)) == 0
	size := t.sizeDelta
	s := &g.sample
	s.Flags = 0
	if key {
		size = t.sizeKey
		s.Flags = types.SampleFlagSync
	}
	if cap(s.Data) < size {
		s.Data = make([]byte, size)
	}
	s.Data = s.Data[:size]
	s.Size = size
	s.TimeUs = t.nextUs
	fill(s.Data, uint64(index)<<56|uint64(t.frame))

	t.frame++
	t.nextUs += t.durationU
	return index, s
}

// Run generates samples until durationUs of stream time has been produced, fn
// fails or ctx is done. With realtime set, samples are paced to the wall clock.
func (g *Generator) Run(ctx context.Context, durationUs int64, realtime bool, fn SampleFunc) error {
	var firstUs int64 = -1
	start := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		index, s := g.Next()
		if firstUs < 0 {
			firstUs = s.TimeUs
		}
		elapsedUs := s.TimeUs - firstUs
		if durationUs > 0 && elapsedUs >= durationUs {
			return nil
		}

		if realtime {
			if wait := time.Until(start.Add(time.Duration(elapsedUs) * time.Microsecond)); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case <-timer.C:
				}
			}
		}

		if err := fn(index, s); err != nil {
			return err
		}
	}
}

// fill writes a recognizable pattern derived from seed.
func fill(p []byte, seed uint64) {
	var word [8]byte
	binary.BigEndian.PutUint64(word[:], seed)
	for i := 0; i < len(p); i += len(word) {
		copy(p[i:], word[:])
		seed = seed*6364136223846793005 + 1442695040888963407
		binary.BigEndian.PutUint64(word[:], seed)
	}
}

// Verify reports whether payload carries the pattern written for the sample
// at frame of track index.
func Verify(index int, frame int64, payload []byte) bool {
	want := make([]byte, len(payload))
	fill(want, uint64(index)<<56|uint64(frame))
	return string(want) == string(payload)
}
