// Package stt defines the Provider interface for streaming Speech-to-Text
// backends.
//
// A provider wraps a real-time transcription service (Deepgram in production)
// behind a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts encoded audio chunks and emits
// one Result per message received from the recogniser. A Result carries both
// the raw message, which is relayed verbatim to a bound game client, and the
// transcript alternatives that are scanned for spoken access codes.
package stt

import "context"

// StreamConfig describes the audio format and recognition hints for a new
// session. Zero values fall back to provider defaults.
type StreamConfig struct {
	// Encoding names the audio encoding sent over the stream (e.g., "mulaw",
	// "linear16").
	Encoding string

	// SampleRate is the audio sample rate in Hz. Telephony audio is 8000.
	SampleRate int

	// Channels is the number of audio channels. Telephony audio is mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider pick its default.
	Language string
}

// Result is one recognition message emitted by the provider.
type Result struct {
	// Raw is the provider's message exactly as received.
	Raw []byte

	// Transcripts holds the text of every recognition alternative in the
	// message, most likely first. It is empty for messages that carry no
	// recognition (metadata, keep-alives).
	Transcripts []string

	// IsFinal reports whether the provider has committed to this result.
	IsFinal bool
}

// SessionHandle represents an open streaming session. It is an interface so
// that test code can provide mock implementations without a live connection.
//
// SendAudio must be called from a single goroutine, the one that owns the
// outbound side of the session. Close may be called from that same goroutine
// once it has stopped sending.
type SessionHandle interface {
	// SendAudio writes one chunk of encoded audio to the provider. It blocks
	// until the chunk is written or ctx is done. An error means the session
	// can no longer accept audio.
	SendAudio(ctx context.Context, chunk []byte) error

	// Results returns the channel of recognition messages. It is closed when
	// the provider ends the stream, the connection fails, or Close is called.
	Results() <-chan Result

	// Close asks the provider to finalise the stream and releases the
	// connection. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
//
// Implementations must be safe for concurrent use; one session is opened per
// phone call.
type Provider interface {
	// StartStream opens a new streaming session. The returned SessionHandle is
	// ready to accept audio immediately. The caller owns it and must call
	// Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
