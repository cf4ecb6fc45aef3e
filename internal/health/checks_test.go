package health

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/phonebridge/internal/resilience"
)

func TestRegistryChecker(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		capacity int
		wantErr  string
	}{
		{name: "empty", size: 0, capacity: 100},
		{name: "nearly full", size: 99, capacity: 100},
		{name: "full", size: 100, capacity: 100, wantErr: "code space exhausted (100/100)"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Registry(func() int { return tc.size }, tc.capacity)
			if c.Name != "registry" {
				t.Errorf("Name = %q, want %q", c.Name, "registry")
			}
			err := c.Check(context.Background())
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Check: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Fatalf("Check error = %v, want %q", err, tc.wantErr)
			}
		})
	}
}

func TestRegistryChecker_Unresponsive(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	c := Registry(func() int { <-release; return 0 }, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Check(ctx)
	if err == nil || !strings.Contains(err.Error(), "registry unresponsive") {
		t.Fatalf("Check error = %v, want unresponsive", err)
	}
}

func TestBreakersChecker(t *testing.T) {
	tests := []struct {
		name    string
		states  map[string]resilience.State
		wantErr string
	}{
		{name: "none", states: nil, wantErr: "no providers configured"},
		{name: "closed", states: map[string]resilience.State{"elevenlabs": resilience.StateClosed}},
		{name: "half-open", states: map[string]resilience.State{"elevenlabs": resilience.StateHalfOpen}},
		{
			name: "one of two open",
			states: map[string]resilience.State{
				"elevenlabs": resilience.StateOpen,
				"coqui":      resilience.StateClosed,
			},
		},
		{
			name: "all open",
			states: map[string]resilience.State{
				"elevenlabs": resilience.StateOpen,
				"coqui":      resilience.StateOpen,
			},
			wantErr: "circuit open: coqui, elevenlabs",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Breakers("tts", func() map[string]resilience.State { return tc.states })
			if c.Name != "tts" {
				t.Errorf("Name = %q, want %q", c.Name, "tts")
			}
			err := c.Check(context.Background())
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Check: %v", err)
				}
				return
			}
			if err == nil || err.Error() != tc.wantErr {
				t.Fatalf("Check error = %v, want %q", err, tc.wantErr)
			}
		})
	}
}
