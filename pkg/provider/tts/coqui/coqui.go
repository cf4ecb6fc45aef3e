// Package coqui synthesises speech on a self-hosted Coqui TTS server.
//
// Two server flavours are supported. [APIModeStandard], the default, talks to
// the stock Coqui TTS server image: GET /api/tts with query parameters, and
// GET /details for the voice catalogue. [APIModeXTTS] talks to the XTTS v2
// API server: POST /tts_to_audio/ with a JSON body, and GET /studio_speakers.
//
// Either server replies with a WAV file at the model's native rate, usually
// 22050 or 24000 Hz. Synthesize decodes it and returns telephony-ready PCM.
//
//	p, err := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	pcm, err := p.Synthesize(ctx, "Hello caller.", tts.VoiceProfile{ID: "p225"})
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	pathSynthStandard = "/api/tts"
	pathDetails       = "/details"
	pathSynthXTTS     = "/tts_to_audio/"
	pathSpeakers      = "/studio_speakers"
)

// APIMode selects the Coqui server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with every synthesis request.
// Default: "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.lang = lang }
}

// WithTimeout bounds each HTTP request. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode selects the server flavour. Default: [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// Provider is a [tts.Provider] backed by a Coqui server. It is safe for
// concurrent use.
type Provider struct {
	base      string
	lang      string
	mode      APIMode
	client    *http.Client
	converter *audio.FormatConverter
}

// New returns a provider for the server at baseURL, such as
// "http://localhost:5002".
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: server URL must not be empty")
	}
	p := &Provider{
		base:      strings.TrimRight(baseURL, "/"),
		lang:      defaultLanguage,
		mode:      APIModeStandard,
		client:    &http.Client{Timeout: defaultTimeout},
		converter: audio.NewTelephonyConverter(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.mode != APIModeStandard && p.mode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.mode)
	}
	return p, nil
}

// xttsBody is the request body of POST /tts_to_audio/.
type xttsBody struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// details is the reply of GET /details. Speakers is empty for
// single-speaker models.
type details struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// Synthesize renders text and returns 8 kHz mono PCM16LE. The XTTS server
// needs a voice ID, the reference speaker; the standard server accepts none
// for single-speaker models.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) ([]byte, error) {
	var (
		wavData []byte
		err     error
	)
	switch p.mode {
	case APIModeXTTS:
		if voice.ID == "" {
			return nil, errors.New("coqui: XTTS mode needs a voice ID")
		}
		wavData, err = p.call(ctx, http.MethodPost, pathSynthXTTS, nil,
			xttsBody{Text: text, SpeakerWav: voice.ID, Language: p.lang}, "audio/wav")
	default:
		q := url.Values{"text": {text}}
		if voice.ID != "" {
			q.Set("speaker_id", voice.ID)
		}
		if p.lang != "" {
			q.Set("language_id", p.lang)
		}
		wavData, err = p.call(ctx, http.MethodGet, pathSynthStandard, q, nil, "audio/wav")
	}
	if err != nil {
		return nil, err
	}

	frame, err := decodeWAV(wavData)
	if err != nil {
		return nil, err
	}
	return p.converter.Convert(frame).Data, nil
}

// ListVoices returns the server's voices sorted by ID. A single-speaker model
// on the standard server is reported as one voice named after the model.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.mode == APIModeXTTS {
		var speakers map[string]json.RawMessage
		if err := p.getJSON(ctx, pathSpeakers, &speakers); err != nil {
			return nil, err
		}
		var out []tts.VoiceProfile
		for _, name := range slices.Sorted(maps.Keys(speakers)) {
			out = append(out, profile(name, map[string]string{"type": "studio"}))
		}
		return out, nil
	}

	var d details
	if err := p.getJSON(ctx, pathDetails, &d); err != nil {
		return nil, err
	}
	if len(d.Speakers) == 0 {
		model := cmp.Or(d.ModelName, "default")
		return []tts.VoiceProfile{profile(model, map[string]string{"type": "single-speaker", "model_name": model})}, nil
	}
	out := make([]tts.VoiceProfile, 0, len(d.Speakers))
	for _, spk := range slices.Sorted(slices.Values(d.Speakers)) {
		out = append(out, profile(spk, map[string]string{"type": "speaker", "model_name": d.ModelName}))
	}
	return out, nil
}

func profile(id string, meta map[string]string) tts.VoiceProfile {
	return tts.VoiceProfile{ID: id, Name: id, Provider: "coqui", Metadata: meta}
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	data, err := p.call(ctx, http.MethodGet, path, nil, nil, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

// call sends one request and returns the body of a 200 reply. A non-nil body
// is sent as JSON.
func (p *Provider) call(ctx context.Context, method, path string, query url.Values, body any, accept string) ([]byte, error) {
	target := p.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("coqui: encode %s body: %w", path, err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, fmt.Errorf("coqui: build %s request: %w", path, err)
	}
	req.Header.Set("Accept", accept)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: %s %s: status %d", method, path, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: read %s reply: %w", path, err)
	}
	return data, nil
}

// decodeWAV returns the samples of an integer PCM WAV file as PCM16LE at the
// file's own rate and channel count.
func decodeWAV(data []byte) (audio.PCMFrame, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return audio.PCMFrame{}, errors.New("coqui: reply is not a WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.PCMFrame{}, fmt.Errorf("coqui: decode WAV: %w", err)
	}
	pcm, err := toPCM16(buf.Data, int(dec.BitDepth))
	if err != nil {
		return audio.PCMFrame{}, err
	}
	return audio.PCMFrame{Data: pcm, SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}, nil
}

// toPCM16 keeps the 16 most significant bits of each sample.
func toPCM16(samples []int, bitDepth int) ([]byte, error) {
	if bitDepth != 16 && bitDepth != 24 && bitDepth != 32 {
		return nil, fmt.Errorf("coqui: unsupported WAV bit depth %d", bitDepth)
	}
	shift := bitDepth - 16
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s>>shift)))
	}
	return out, nil
}
