package main

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/phonebridge/internal/bridge"
	"github.com/MrWong99/phonebridge/internal/config"
	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	sttmock "github.com/MrWong99/phonebridge/pkg/provider/stt/mock"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
	ttsmock "github.com/MrWong99/phonebridge/pkg/provider/tts/mock"
)

const minimalYAML = `
bridge:
  phone_number: "+15550100"
providers:
  stt: { name: deepgram, api_key: k }
  tts: { name: coqui, base_url: "http://localhost:5002" }
`

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, watch, err := loadConfig(path, true)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if watch != path {
		t.Errorf("watch path = %q, want %q", watch, path)
	}
	if cfg.Bridge.PhoneNumber != "+15550100" && os.Getenv(config.EnvPhoneNumber) == "" {
		t.Errorf("phone number = %q", cfg.Bridge.PhoneNumber)
	}
}

func TestLoadConfig_ExplicitMissingFileFails(t *testing.T) {
	t.Parallel()
	_, _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestLoadConfig_DefaultMissingFallsBackToEnv(t *testing.T) {
	t.Setenv(config.EnvPhoneNumber, "+15550123")
	t.Setenv(config.EnvDeepgramKey, "dg")
	t.Setenv(config.EnvElevenLabsKey, "el")

	cfg, watch, err := loadConfig(filepath.Join(t.TempDir(), "config.yaml"), false)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if watch != "" {
		t.Errorf("watch path = %q, want none", watch)
	}
	if cfg.Providers.TTS.Name != "elevenlabs" {
		t.Errorf("tts = %q, want elevenlabs", cfg.Providers.TTS.Name)
	}
}

func TestApplyReload(t *testing.T) {
	t.Parallel()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	server := bridge.NewServer(bridge.NewRegistry(bridge.WithRegistryMetrics(m)),
		&sttmock.Provider{}, &ttsmock.Provider{}, "+1", bridge.WithMetrics(m))
	level := new(slog.LevelVar)

	applyReload(config.ConfigDiff{
		LogLevelChanged:    true,
		NewLogLevel:        config.LogDebug,
		PhoneNumberChanged: true,
		NewPhoneNumber:     "+2",
		RestartRequired:    []string{"providers"},
	}, level, server)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if server.PhoneNumber() != "+2" {
		t.Errorf("phone number = %q, want +2", server.PhoneNumber())
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	reg := config.NewRegistry()
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("coqui", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })

	cfg := &config.Config{Providers: config.ProvidersConfig{
		STT:         config.ProviderEntry{Name: "deepgram"},
		TTS:         config.ProviderEntry{Name: "coqui"},
		TTSFallback: config.ProviderEntry{Name: "coqui", BaseURL: "http://backup:5002"},
	}}
	recogniser, synth, err := buildProviders(cfg, reg, m)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := recogniser.BreakerStates()["deepgram"]; !ok {
		t.Errorf("stt breakers = %v", recogniser.BreakerStates())
	}
	states := synth.BreakerStates()
	if _, ok := states["coqui"]; !ok {
		t.Errorf("tts breakers = %v, missing primary", states)
	}
	if _, ok := states["coqui-fallback"]; !ok {
		t.Errorf("tts breakers = %v, missing fallback", states)
	}
}

func TestBuildProviders_UnknownName(t *testing.T) {
	t.Parallel()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{Providers: config.ProvidersConfig{
		STT: config.ProviderEntry{Name: "nope"},
		TTS: config.ProviderEntry{Name: "coqui"},
	}}
	_, _, err = buildProviders(cfg, config.NewRegistry(), m)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestVoiceFor(t *testing.T) {
	t.Parallel()
	v := voiceFor(config.ProviderEntry{Name: "elevenlabs", Options: map[string]any{"voice_id": "Joanna"}})
	if v.ID != "Joanna" || v.Provider != "elevenlabs" {
		t.Errorf("voice = %+v", v)
	}
}

func TestPrintVoices(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	p := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "21m00", Name: "Rachel"}, {ID: "p225", Name: "p225"}}}
	if code := printVoices(context.Background(), &out, p); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if want := "21m00\tRachel\np225\tp225\n"; out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}

	out.Reset()
	if code := printVoices(context.Background(), &out, &ttsmock.Provider{ListVoicesErr: errors.New("401")}); code != 1 || out.Len() != 0 {
		t.Errorf("failing provider: code %d, output %q", code, out.String())
	}
}
