package health

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"net/http/httptest"
	"testing"
)

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

// probe serves path through a mux built by Register and decodes the reply.
func probe(t *testing.T, h *Handler, path string) (int, report) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want JSON", ct)
	}
	var rep report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestHealthz(t *testing.T) {
	h := New(Checker{Name: "registry", Check: failWith("code space exhausted")})

	code, rep := probe(t, h, "/healthz")
	if code != http.StatusOK || rep.Status != "ok" {
		t.Errorf("got %d %q, want 200 ok even with a failing checker", code, rep.Status)
	}
	if rep.Checks != nil {
		t.Errorf("checks = %v, want none on liveness", rep.Checks)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{},
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "registry", Check: pass},
				{Name: "tts", Check: pass},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"registry": "ok", "tts": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "registry", Check: failWith("code space exhausted (100/100)")},
				{Name: "tts", Check: pass},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"registry": "fail: code space exhausted (100/100)", "tts": "ok"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "stt", Check: failWith("circuit open: deepgram")},
				{Name: "tts", Check: failWith("no providers configured")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"stt": "fail: circuit open: deepgram", "tts": "fail: no providers configured"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, rep := probe(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			if rep.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", rep.Status, tt.wantStatus)
			}
			if rep.Checks == nil {
				rep.Checks = map[string]string{}
			}
			if !maps.Equal(rep.Checks, tt.wantChecks) {
				t.Errorf("checks = %v, want %v", rep.Checks, tt.wantChecks)
			}
		})
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestNew_CopiesCheckers(t *testing.T) {
	checkers := []Checker{{Name: "registry", Check: pass}}
	h := New(checkers...)
	checkers[0].Check = failWith("mutated")

	if code, _ := probe(t, h, "/readyz"); code != http.StatusOK {
		t.Errorf("status = %d; handler saw a later change to the caller's slice", code)
	}
}
