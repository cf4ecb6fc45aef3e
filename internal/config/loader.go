package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment variables that override the file when set.
const (
	EnvListenAddr  = "PROXY_URL"
	EnvDeepgramURL = "DEEPGRAM_URL"
	EnvDeepgramKey = "DEEPGRAM_API_KEY"
	EnvPhoneNumber = "TWILIO_PHONE_NUMBER"
	EnvCertFile    = "CERT_PEM"
	EnvKeyFile     = "KEY_PEM"

	EnvElevenLabsKey = "ELEVENLABS_API_KEY"
	EnvVoiceID       = "TTS_VOICE_ID"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"deepgram"},
	"tts": {"elevenlabs", "coqui"},
}

// LookupFunc reports the value of an environment variable and whether it is
// set. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment, and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return finish(cfg, os.LookupEnv)
}

// LoadFromEnv builds a [Config] from environment variables alone, the way the
// bridge was deployed before it had a config file.
func LoadFromEnv() (*Config, error) {
	return finish(&Config{}, os.LookupEnv)
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, nil)
}

// decode parses YAML from r, rejecting unknown fields. An empty document
// yields a zero Config.
func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, lookup LookupFunc) (*Config, error) {
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with every environment variable lookup reports as
// set. Setting DEEPGRAM_URL or DEEPGRAM_API_KEY selects the deepgram STT
// provider when none is configured; ELEVENLABS_API_KEY does the same for TTS.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	if v, ok := lookup(EnvListenAddr); ok {
		cfg.Server.ListenAddr = v
	}
	if v, ok := lookup(EnvPhoneNumber); ok {
		cfg.Bridge.PhoneNumber = v
	}

	dgURL, urlSet := lookup(EnvDeepgramURL)
	dgKey, keySet := lookup(EnvDeepgramKey)
	if (urlSet || keySet) && cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = "deepgram"
	}
	if urlSet {
		cfg.Providers.STT.BaseURL = dgURL
	}
	if keySet {
		cfg.Providers.STT.APIKey = dgKey
	}

	if v, ok := lookup(EnvElevenLabsKey); ok {
		if cfg.Providers.TTS.Name == "" {
			cfg.Providers.TTS.Name = "elevenlabs"
		}
		cfg.Providers.TTS.APIKey = v
	}
	if v, ok := lookup(EnvVoiceID); ok {
		if cfg.Providers.TTS.Options == nil {
			cfg.Providers.TTS.Options = make(map[string]any)
		}
		cfg.Providers.TTS.Options["voice_id"] = v
	}

	cert, certSet := lookup(EnvCertFile)
	key, keySetTLS := lookup(EnvKeyFile)
	if certSet || keySetTLS {
		if cfg.Server.TLS == nil {
			cfg.Server.TLS = &TLSConfig{}
		}
		if certSet {
			cfg.Server.TLS.CertFile = cert
		}
		if keySetTLS {
			cfg.Server.TLS.KeyFile = key
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if (tls.CertFile == "") != (tls.KeyFile == "") {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file, or neither"))
		}
	}

	// Bridge
	if cfg.Bridge.PhoneNumber == "" {
		errs = append(errs, fmt.Errorf("bridge.phone_number is required (or set %s)", EnvPhoneNumber))
	}
	if cfg.Bridge.CodeSpace < 1 {
		errs = append(errs, fmt.Errorf("bridge.code_space %d must be at least 1", cfg.Bridge.CodeSpace))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	} else if cfg.Providers.STT.APIKey == "" {
		errs = append(errs, fmt.Errorf("providers.stt.api_key is required (or set %s)", EnvDeepgramKey))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, fmt.Errorf("providers.tts is required (or set %s)", EnvElevenLabsKey))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("tts", cfg.Providers.TTSFallback.Name)

	if fb := cfg.Providers.TTSFallback; fb.Name != "" && fb.Name == cfg.Providers.TTS.Name && fb.BaseURL == cfg.Providers.TTS.BaseURL {
		slog.Warn("providers.tts_fallback points at the same backend as providers.tts", "name", fb.Name)
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
