// Package deepgram streams call audio to Deepgram's live transcription
// WebSocket and relays every message it sends back.
package deepgram

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/coder/websocket"
)

var _ stt.Provider = (*Provider)(nil)

// DefaultURL declares 8 kHz mu-law input and has Deepgram write spoken
// numbers as digits, which is what access-code matching expects.
const DefaultURL = "wss://api.deepgram.com/v1/listen?encoding=mulaw&sample_rate=8000&numerals=true"

// Option configures a [Provider].
type Option func(*Provider)

// WithBaseURL replaces [DefaultURL]. Its query parameters are kept and take
// precedence over the stream config.
func WithBaseURL(rawURL string) Option {
	return func(p *Provider) { p.baseURL = rawURL }
}

// WithModel selects a Deepgram model, e.g. "nova-2-phonecall".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the recognition language used when the stream config
// names none.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// Provider opens Deepgram streaming sessions.
type Provider struct {
	apiKey   string
	baseURL  string
	model    string
	language string
}

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: API key must not be empty")
	}
	p := &Provider{apiKey: apiKey, baseURL: DefaultURL}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// StartStream dials Deepgram. ctx bounds the handshake only; the session
// runs until it is closed by either side.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	target, err := p.streamURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: stream URL: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Token " + p.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	return newSession(context.WithoutCancel(ctx), conn), nil
}

// streamURL fills the stream config into the query of the base URL. Keys the
// base URL already sets are left alone.
func (p *Provider) streamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("scheme %q is not a WebSocket scheme", u.Scheme)
	}

	q := u.Query()
	fill := func(key, val string) {
		if val != "" && !q.Has(key) {
			q.Set(key, val)
		}
	}
	fill("encoding", cfg.Encoding)
	if cfg.SampleRate > 0 {
		fill("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		fill("channels", strconv.Itoa(cfg.Channels))
	}
	fill("model", p.model)
	fill("language", cmp.Or(cfg.Language, p.language))

	u.RawQuery = q.Encode()
	return u.String(), nil
}
