// Package audio holds the audio primitives of the call bridge: the G.711
// mu-law codec, the inbound telephony frame buffer, and linear PCM format
// conversion for synthesised speech.
//
// Telephony audio is 8 kHz, 8-bit mu-law, one byte per sample. Synthesised
// speech arrives as little-endian signed 16-bit PCM and is converted with
// [FormatConverter] and [EncodePCM16LE] before it is sent back into a call.
package audio

// Telephony constants shared by the frame buffer and the codec.
const (
	// SampleRate is the telephony sample rate in Hz.
	SampleRate = 8000

	// BytesPerMs is the number of mu-law bytes carrying one millisecond of audio.
	BytesPerMs = SampleRate / 1000

	// FrameMs is the nominal duration of one inbound telephony frame.
	FrameMs = 20

	// FrameBytes is the nominal payload size of one inbound telephony frame.
	FrameBytes = FrameMs * BytesPerMs

	// FramesPerFlush is the number of nominal frames accumulated before the
	// buffer is handed to the speech recogniser (400 ms).
	FramesPerFlush = 20

	// FlushBytes is the minimum buffered size that triggers a flush.
	FlushBytes = FramesPerFlush * FrameBytes

	// Silence is the mu-law encoding of a zero sample.
	Silence byte = 0xFF
)

// InboundTrack is the track name carrying the caller's voice.
const InboundTrack = "inbound"

// Frame is one mu-law media chunk received from the telephony leg.
type Frame struct {
	// Payload holds raw mu-law samples.
	Payload []byte

	// Timestamp is the frame's position in milliseconds since the call started.
	Timestamp uint32

	// Track names the logical stream the frame belongs to ("inbound", "outbound").
	Track string
}

// PCMFrame is a chunk of little-endian signed 16-bit linear PCM.
type PCMFrame struct {
	Data []byte

	// SampleRate in Hz (e.g., 22050 for a Coqui model, 8000 for telephony).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int
}
