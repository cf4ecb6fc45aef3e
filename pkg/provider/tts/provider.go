// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, a local Coqui
// server) and presents a uniform request/response interface. Every game
// message relayed into a phone call is synthesised in one Synthesize call;
// the result is raw linear PCM already in telephony format, ready to be
// companded to mu-law.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// OutputSampleRate is the sample rate, in Hz, of the PCM returned by every
// Provider. Output is always mono, little-endian, signed 16-bit.
const OutputSampleRate = 8000

// VoiceProfile identifies a voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Each phone call
// synthesises independently, so requests from several calls may run in
// parallel.
type Provider interface {
	// Synthesize renders text with the given voice and returns the complete
	// utterance as mono PCM16LE at OutputSampleRate. Providers whose backend
	// produces another format convert before returning.
	//
	// Returns an error if the backend cannot be reached, rejects the request,
	// or returns audio that cannot be decoded.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) ([]byte, error)

	// ListVoices returns all voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
