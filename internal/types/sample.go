// Package types contains shared type definitions for the DVR sample buffer.
package types

// SampleFlag is a bit set describing an elementary-stream sample.
type SampleFlag int32

const (
	// SampleFlagSync marks a key-frame, a sample that is independently decodable.
	SampleFlagSync SampleFlag = 0x1
	// SampleFlagEncrypted marks a sample whose payload is encrypted.
	SampleFlagEncrypted SampleFlag = 0x2
	// SampleFlagDecodeOnly marks a sample that is decoded but not rendered.
	SampleFlagDecodeOnly SampleFlag = 0x8000000
)

// UnknownTimeUs is returned for positions that are not known yet.
const UnknownTimeUs int64 = -1

// Sample is a single elementary-stream sample. Data always has len(Data) == Size
// once the sample has been filled.
type Sample struct {
	TimeUs int64
	Flags  SampleFlag
	Size   int
	Data   []byte

	// Release hands the backing buffer back to its pool. It is set by the
	// pool that allocated the sample and is nil for caller-owned samples.
	release func()
}

// IsKeyFrame reports whether the sample carries the sync flag.
func (s *Sample) IsKeyFrame() bool {
	return s.Flags&SampleFlagSync != 0
}

// Payload returns the valid bytes of the sample.
func (s *Sample) Payload() []byte {
	return s.Data[:s.Size]
}

// SetReleaser attaches the function that returns the sample's buffer to its pool.
func (s *Sample) SetReleaser(fn func()) {
	s.release = fn
}

// Releaser returns the function set by SetReleaser, or nil.
func (s *Sample) Releaser() func() {
	return s.release
}

// CopyFrom copies the header and payload of src into s, growing s.Data if needed.
func (s *Sample) CopyFrom(src *Sample) {
	s.TimeUs = src.TimeUs
	s.Flags = src.Flags
	s.Size = src.Size
	if cap(s.Data) < src.Size {
		s.Data = make([]byte, src.Size)
	}
	s.Data = s.Data[:src.Size]
	copy(s.Data, src.Payload())
}

// BufferReason describes why a sample buffer session exists. It selects the
// chunk duration, the eviction coupling and the slow-disk policy.
type BufferReason int

const (
	// BufferReasonLivePlayback buffers a live stream for trickplay. Data is
	// ephemeral and evicted under pressure.
	BufferReasonLivePlayback BufferReason = iota
	// BufferReasonRecordedPlayback plays back a finished recording.
	BufferReasonRecordedPlayback
	// BufferReasonRecording persists a stream as a DVR recording.
	BufferReasonRecording
)

func (r BufferReason) String() string {
	switch r {
	case BufferReasonLivePlayback:
		return "live-playback"
	case BufferReasonRecordedPlayback:
		return "recorded-playback"
	case BufferReasonRecording:
		return "recording"
	default:
		return "unknown"
	}
}
