// Package mock provides an in-memory stand-in for [tts.Provider].
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeCall is one recorded Synthesize invocation.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider answers Synthesize with SynthesizeFunc when set, otherwise with
// SynthesizeResult or SynthesizeErr. ListVoices answers with the ListVoices
// fields.
type Provider struct {
	SynthesizeResult []byte
	SynthesizeErr    error
	SynthesizeFunc   func(ctx context.Context, text string) ([]byte, error)

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	mu              sync.Mutex
	SynthesizeCalls []SynthesizeCall
}

func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	p.mu.Unlock()

	switch {
	case p.SynthesizeFunc != nil:
		return p.SynthesizeFunc(ctx, text)
	case p.SynthesizeErr != nil:
		return nil, p.SynthesizeErr
	default:
		return slices.Clone(p.SynthesizeResult), nil
	}
}

func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return p.ListVoicesResult, p.ListVoicesErr
}

// SynthesizeCallCount is the number of Synthesize calls so far.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Texts returns the text of each Synthesize call, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.SynthesizeCalls))
	for _, c := range p.SynthesizeCalls {
		out = append(out, c.Text)
	}
	return out
}
