// Package testchannels generates synthetic elementary streams for exercising
// the sample buffer without a tuner.
package testchannels

// TestChannelProfile defines the shape of a synthetic stream.
type TestChannelProfile struct {
	Name          string
	Width         int32
	Height        int32
	Framerate     int
	GOP           int   // frames per key frame
	Bitrate       int64 // video bits per second
	VideoMIME     string
	AudioMIME     string
	AudioRate     int32
	AudioChannels int32
	AudioBitrate  int64 // audio bits per second
	AudioFrame    int   // PCM samples per audio frame
	Language      string
}

// TestProfiles contains predefined test channel profiles.
//
//nolint:gochecknoglobals // Test profiles are immutable configuration data
var TestProfiles = []TestChannelProfile{
	// Video focused tests
	{
		Name:          "4K 30fps",
		Width:         3840,
		Height:        2160,
		Framerate:     30,
		GOP:           30,
		Bitrate:       15_000_000,
		VideoMIME:     "video/hevc",
		AudioMIME:     "audio/mp4a-latm",
		AudioChannels: 2,
		AudioRate:     48000,
		AudioBitrate:  192_000,
		AudioFrame:    1024,
		Language:      "eng",
	},
	{
		Name:          "1080p 60fps",
		Width:         1920,
		Height:        1080,
		Framerate:     60,
		GOP:           60,
		Bitrate:       8_000_000,
		VideoMIME:     "video/avc",
		AudioMIME:     "audio/mp4a-latm",
		AudioChannels: 2,
		AudioRate:     48000,
		AudioBitrate:  192_000,
		AudioFrame:    1024,
		Language:      "eng",
	},
	{
		Name:          "1080p 30fps",
		Width:         1920,
		Height:        1080,
		Framerate:     30,
		GOP:           30,
		Bitrate:       5_000_000,
		VideoMIME:     "video/avc",
		AudioMIME:     "audio/mp4a-latm",
		AudioChannels: 2,
		AudioRate:     48000,
		AudioBitrate:  128_000,
		AudioFrame:    1024,
		Language:      "eng",
	},
	{
		Name:          "720p 30fps",
		Width:         1280,
		Height:        720,
		Framerate:     30,
		GOP:           15,
		Bitrate:       2_500_000,
		VideoMIME:     "video/avc",
		AudioMIME:     "audio/mp4a-latm",
		AudioChannels: 2,
		AudioRate:     48000,
		AudioBitrate:  128_000,
		AudioFrame:    1024,
		Language:      "eng",
	},
	{
		Name:          "SD MPEG-2",
		Width:         720,
		Height:        480,
		Framerate:     30,
		GOP:           15,
		Bitrate:       3_000_000,
		VideoMIME:     "video/mpeg2",
		AudioMIME:     "audio/ac3",
		AudioChannels: 2,
		AudioRate:     48000,
		AudioBitrate:  192_000,
		AudioFrame:    1536,
		Language:      "spa",
	},
	// Audio focused tests
	{
		Name:          "Audio 5.1 Surround",
		Width:         1920,
		Height:        1080,
		Framerate:     30,
		GOP:           30,
		Bitrate:       5_000_000,
		VideoMIME:     "video/avc",
		AudioMIME:     "audio/ac3",
		AudioChannels: 6,
		AudioRate:     48000,
		AudioBitrate:  448_000,
		AudioFrame:    1536,
		Language:      "eng",
	},
	{
		Name:          "Audio Only",
		AudioMIME:     "audio/mp4a-latm",
		AudioChannels: 2,
		AudioRate:     44100,
		AudioBitrate:  96_000,
		AudioFrame:    1024,
		Language:      "eng",
	},
}

// HasVideo reports whether the profile carries a video track.
func (p TestChannelProfile) HasVideo() bool {
	return p.VideoMIME != "" && p.Framerate > 0
}

// HasAudio reports whether the profile carries an audio track.
func (p TestChannelProfile) HasAudio() bool {
	return p.AudioMIME != "" && p.AudioRate > 0 && p.AudioFrame > 0
}

// GetTestProfile returns a test profile by name.
func GetTestProfile(name string) (TestChannelProfile, bool) {
	for _, profile := range TestProfiles {
		if profile.Name == name {
			return profile, true
		}
	}
	return TestChannelProfile{}, false
}

// GetTestProfileByIndex returns a test profile by index.
func GetTestProfileByIndex(index int) (TestChannelProfile, bool) {
	if index < 0 || index >= len(TestProfiles) {
		return TestChannelProfile{}, false
	}
	return TestProfiles[index], true
}

// ProfileNames returns the names of all predefined profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(TestProfiles))
	for _, profile := range TestProfiles {
		names = append(names, profile.Name)
	}
	return names
}
