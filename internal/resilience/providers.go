package resilience

import (
	"context"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

var (
	_ stt.Provider = (*STTFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
)

// STTFallback is an [stt.Provider] that opens streams on the first backend
// whose breaker admits the attempt. Only stream setup is guarded; an open
// session belongs to the call from then on.
type STTFallback struct {
	*FallbackGroup[stt.Provider]
}

// NewSTTFallback wraps primary. Further backends are added with AddFallback.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{NewFallbackGroup(primary, name, cfg)}
}

func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// BreakerStates maps backend name to breaker state.
func (f *STTFallback) BreakerStates() map[string]State { return f.States() }

// TTSFallback is a [tts.Provider] that tries each backend at most once per
// request, skipping those whose breaker is open.
type TTSFallback struct {
	*FallbackGroup[tts.Provider]
}

// NewTTSFallback wraps primary. Further backends are added with AddFallback.
func NewTTSFallback(primary tts.Provider, name string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{NewFallbackGroup(primary, name, cfg)}
}

func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p tts.Provider) ([]byte, error) {
		return p.Synthesize(ctx, text, voice)
	})
}

func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.FallbackGroup, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// BreakerStates maps backend name to breaker state.
func (f *TTSFallback) BreakerStates() map[string]State { return f.States() }
