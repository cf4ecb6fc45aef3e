// Package elevenlabs synthesises speech with the ElevenLabs REST API.
//
// Audio is requested as raw PCM in the configured pcm_<rate> output format
// and resampled to [tts.OutputSampleRate] when that rate differs. The default
// format, pcm_8000, needs no conversion at all.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_8000"
	defaultTimeout   = 30 * time.Second

	voicesPath = "/v1/voices"

	// maxErrorBody caps how much of an error reply is quoted in an APIError.
	maxErrorBody = 512
)

// APIError is returned when ElevenLabs answers with a non-200 status.
type APIError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("elevenlabs: %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("elevenlabs: %s: status %d: %s", e.Op, e.StatusCode, e.Detail)
}

// Option configures a [Provider].
type Option func(*Provider)

// WithModel sets the model ID. Default: eleven_flash_v2_5.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the requested output format. Only pcm_<rate>
// formats are accepted. Default: pcm_8000.
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.format = format }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) { p.base = strings.TrimRight(baseURL, "/") }
}

// WithTimeout bounds each HTTP request. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// Provider is a [tts.Provider] backed by ElevenLabs. It is safe for
// concurrent use.
type Provider struct {
	apiKey string
	base   string
	model  string
	format string
	rate   int

	client    *http.Client
	converter *audio.FormatConverter
}

// New returns a provider authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: API key must not be empty")
	}
	p := &Provider{
		apiKey:    apiKey,
		base:      defaultBaseURL,
		model:     defaultModel,
		format:    defaultOutputFmt,
		client:    &http.Client{Timeout: defaultTimeout},
		converter: audio.NewTelephonyConverter(),
	}
	for _, opt := range opts {
		opt(p)
	}

	rate, err := pcmRate(p.format)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %w", err)
	}
	p.rate = rate
	return p, nil
}

// pcmRate parses the sample rate out of a pcm_<rate> format name.
func pcmRate(format string) (int, error) {
	s, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0, fmt.Errorf("output format %q is not raw PCM", format)
	}
	rate, err := strconv.Atoi(s)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("output format %q has no valid sample rate", format)
	}
	return rate, nil
}

type speechRequest struct {
	Text          string         `json:"text"`
	ModelID       string         `json:"model_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize renders text with voice and returns 8 kHz mono PCM16LE.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: synthesize: voice ID must not be empty")
	}
	body := speechRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	}
	pcm, err := p.send(ctx, "synthesize", http.MethodPost, p.speechPath(voice.ID), body, "audio/pcm")
	if err != nil {
		return nil, err
	}
	return p.converter.Convert(audio.PCMFrame{Data: pcm, SampleRate: p.rate, Channels: 1}).Data, nil
}

// speechPath is the synthesis endpoint for voiceID, query included.
func (p *Provider) speechPath(voiceID string) string {
	return "/v1/text-to-speech/" + url.PathEscape(voiceID) + "?" + url.Values{"output_format": {p.format}}.Encode()
}

type voicesResponse struct {
	Voices []struct {
		VoiceID  string            `json:"voice_id"`
		Name     string            `json:"name"`
		Category string            `json:"category"`
		Labels   map[string]string `json:"labels"`
	} `json:"voices"`
}

// ListVoices returns the voices available to the API key.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	data, err := p.send(ctx, "list voices", http.MethodGet, voicesPath, nil, "application/json")
	if err != nil {
		return nil, err
	}
	voices, err := parseVoicesResponse(data)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: decode: %w", err)
	}
	return voices, nil
}

// parseVoicesResponse maps a /v1/voices reply to voice profiles. Labels
// become metadata, and the category is added under "category" when set.
func parseVoicesResponse(data []byte) ([]tts.VoiceProfile, error) {
	var vr voicesResponse
	if err := json.Unmarshal(data, &vr); err != nil {
		return nil, err
	}
	out := make([]tts.VoiceProfile, 0, len(vr.Voices))
	for _, v := range vr.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = make(map[string]string, 1)
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out = append(out, tts.VoiceProfile{ID: v.VoiceID, Name: v.Name, Provider: "elevenlabs", Metadata: meta})
	}
	return out, nil
}

// send performs one authenticated request and returns the body of a 200
// reply. A non-nil body is sent as JSON.
func (p *Provider) send(ctx context.Context, op, method, path string, body any, accept string) ([]byte, error) {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("elevenlabs: %s: encode request: %w", op, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.base+path, payload)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %s: %w", op, err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Detail: string(bytes.TrimSpace(detail))}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: %s: read reply: %w", op, err)
	}
	return data, nil
}
