package observe

import (
	"bufio"
	"cmp"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// codeWriter remembers the status a handler answered with.
type codeWriter struct {
	http.ResponseWriter
	code int
}

func (w *codeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades take over the connection and records the
// exchange as 101.
func (w *codeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", w.ResponseWriter)
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		w.code = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (w *codeWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware traces every request as a server span, honouring an incoming
// traceparent, and answers with the trace ID in X-Correlation-ID. Each
// request ends with one log line.
//
// Only plain requests feed [Metrics.HTTPRequestDuration]. An upgraded
// WebSocket lives as long as its call, so its duration is logged but not
// recorded as request latency.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return &traced{next: next, m: m}
	}
}

type traced struct {
	next http.Handler
	m    *Metrics
	prop propagation.TraceContext
}

func (t *traced) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	began := time.Now()

	ctx := t.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method), semconv.URLPath(r.URL.Path)),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set("X-Correlation-ID", cid)
	}
	t.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
	r = r.WithContext(ctx)
	t.next.ServeHTTP(cw, r)

	took := time.Since(began)
	span.SetAttributes(semconv.HTTPResponseStatusCode(cw.code))

	msg := "request completed"
	if cw.code == http.StatusSwitchingProtocols {
		msg = "connection closed"
	} else {
		// The mux fills in r.Pattern, which keeps the label set bounded.
		t.m.HTTPRequestDuration.Record(ctx, took.Seconds(), metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", cmp.Or(r.Pattern, r.URL.Path)),
		))
	}
	slog.LogAttrs(ctx, slog.LevelInfo, msg,
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", cw.code),
		slog.Duration("duration", took),
	)
}
