package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/phonebridge/internal/config"
)

const bridgeYAML = `
server:
  log_level: info
bridge:
  phone_number: "+15550100"
providers:
  stt:
    name: deepgram
    api_key: dg-test
  tts:
    name: elevenlabs
`

const pollEvery = 20 * time.Millisecond

// watch writes content to a fresh file and watches it with a fast poll and
// no environment.
func watch(t *testing.T, content string, onChange func(config.ConfigDiff)) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phonebridge.yaml")
	rewrite(t, path, content)

	w, err := config.NewWatcher(path, onChange, config.WithInterval(pollEvery), config.WithLookup(nil))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, path
}

// rewrite replaces the file and pushes its mtime forward, so the edit is
// visible even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	bump(t, path)
}

var mtimeStep atomic.Int64

func bump(t *testing.T, path string) {
	t.Helper()
	ts := time.Now().Add(time.Duration(mtimeStep.Add(1)) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestWatcher_Current(t *testing.T) {
	t.Parallel()
	w, _ := watch(t, bridgeYAML, nil)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Bridge.PhoneNumber != "+15550100" {
		t.Errorf("Current = %+v / %+v", cfg.Server, cfg.Bridge)
	}
}

func TestWatcher_ReportsLiveChanges(t *testing.T) {
	t.Parallel()
	diffs := make(chan config.ConfigDiff, 4)
	w, path := watch(t, bridgeYAML, func(d config.ConfigDiff) { diffs <- d })

	edited := strings.NewReplacer("info", "debug", "+15550100", "+15550199").Replace(bridgeYAML)
	rewrite(t, path, edited)

	var d config.ConfigDiff
	select {
	case d = <-diffs:
	case <-time.After(2 * time.Second):
		t.Fatal("no diff reported")
	}
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level: %+v", d)
	}
	if !d.PhoneNumberChanged || d.NewPhoneNumber != "+15550199" {
		t.Errorf("phone number: %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Current log level = %q after reload", got)
	}
}

func TestWatcher_SilentEdits(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		edit func(t *testing.T, path string)
	}{
		{"comment only", func(t *testing.T, path string) { rewrite(t, path, "# staging bridge\n"+bridgeYAML) }},
		{"touch", bump},
		{"invalid log level", func(t *testing.T, path string) { rewrite(t, path, "server:\n  log_level: bananas\n") }},
		{"unparseable", func(t *testing.T, path string) { rewrite(t, path, "server: [\n") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			w, path := watch(t, bridgeYAML, func(config.ConfigDiff) { calls.Add(1) })

			tt.edit(t, path)
			time.Sleep(10 * pollEvery)

			if n := calls.Load(); n != 0 {
				t.Errorf("onChange fired %d times", n)
			}
			if got := w.Current().Server.LogLevel; got != config.LogInfo {
				t.Errorf("Current log level = %q, want the original", got)
			}
		})
	}
}

func TestWatcher_RecoversAfterInvalidEdit(t *testing.T) {
	t.Parallel()
	diffs := make(chan config.ConfigDiff, 4)
	_, path := watch(t, bridgeYAML, func(d config.ConfigDiff) { diffs <- d })

	rewrite(t, path, "server: [\n")
	time.Sleep(5 * pollEvery)
	rewrite(t, path, strings.Replace(bridgeYAML, "info", "warn", 1))

	select {
	case d := <-diffs:
		if d.NewLogLevel != config.LogWarn {
			t.Errorf("NewLogLevel = %q, want warn", d.NewLogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fixed file was never picked up")
	}
}

func TestNewWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil, config.WithLookup(nil)); err == nil {
		t.Fatal("NewWatcher succeeded without a file")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	w, _ := watch(t, bridgeYAML, nil)
	w.Stop()
	w.Stop()
}

func TestWatcher_EnvironmentOverridesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "phonebridge.yaml")
	rewrite(t, path, bridgeYAML)

	lookup := func(k string) (string, bool) {
		if k == config.EnvPhoneNumber {
			return "+15550123", true
		}
		return "", false
	}
	w, err := config.NewWatcher(path, nil, config.WithInterval(time.Hour), config.WithLookup(lookup))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Bridge.PhoneNumber; got != "+15550123" {
		t.Errorf("phone number = %q, want the environment's", got)
	}
}
