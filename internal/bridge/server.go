// Package bridge connects phone calls to game clients.
//
// A game client connects to /game, receives the dial-in number and a fresh
// access code, and waits. A caller connects through the telephony media
// stream on /twilio; their audio is buffered and streamed to speech
// recognition, and the first transcript containing a live code binds the call
// to that game. From then on recognition results flow to the game and game
// text is synthesised and played back into the call.
//
// The [Registry] is the only state shared between connections. Everything
// else is per connection and communicates through [Mailbox] and [Handoff].
package bridge

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

// DefaultStreamConfig describes telephony audio as sent to recognition.
var DefaultStreamConfig = stt.StreamConfig{
	Encoding:   "mulaw",
	SampleRate: audio.SampleRate,
	Channels:   1,
}

// Server serves the telephony and game WebSocket endpoints.
type Server struct {
	reg     *Registry
	stt     stt.Provider
	tts     tts.Provider
	voice   tts.VoiceProfile
	stream  stt.StreamConfig
	metrics *observe.Metrics
	origins []string
	baseCtx context.Context

	phone atomic.Pointer[string]
}

// Option configures a [Server].
type Option func(*Server)

// WithVoice sets the fixed voice used for every synthesised reply.
func WithVoice(v tts.VoiceProfile) Option {
	return func(s *Server) { s.voice = v }
}

// WithStreamConfig overrides [DefaultStreamConfig].
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(s *Server) { s.stream = cfg }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns allows browser game clients from the given origins.
// Clients that send no Origin header are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithBaseContext sets a context whose cancellation ends every live
// connection. Used for graceful shutdown, since hijacked connections outlive
// [http.Server.Shutdown].
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// NewServer returns a server that binds calls through reg, transcribes with
// sttProvider, and speaks with ttsProvider. phoneNumber is announced to every
// game client.
func NewServer(reg *Registry, sttProvider stt.Provider, ttsProvider tts.Provider, phoneNumber string, opts ...Option) *Server {
	s := &Server{
		reg:     reg,
		stt:     sttProvider,
		tts:     ttsProvider,
		stream:  DefaultStreamConfig,
		baseCtx: context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.SetPhoneNumber(phoneNumber)
	return s
}

// PhoneNumber returns the dial-in number announced to new game clients.
func (s *Server) PhoneNumber() string { return *s.phone.Load() }

// SetPhoneNumber changes the number announced to game clients that connect
// from now on.
func (s *Server) SetPhoneNumber(n string) { s.phone.Store(&n) }

// Register adds the /twilio and /game routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /twilio", s.HandleTwilio)
	mux.HandleFunc("GET /game", s.HandleGame)
}

// HandleTwilio upgrades a telephony media stream and runs the call until
// either side hangs up.
func (s *Server) HandleTwilio(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		observe.Logger(r.Context()).Warn("telephony upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := s.connContext(r)
	defer cancel()

	id := uuid.NewString()
	log := observe.Logger(ctx).With("call_id", id)

	s.metrics.ActiveCalls.Add(ctx, 1)
	defer s.metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)

	asr, err := s.stt.StartStream(ctx, s.stream)
	if err != nil {
		log.Error("starting speech recognition", "err", err)
		conn.Close(websocket.StatusInternalError, "speech recognition unavailable")
		return
	}
	log.Info("call connected")

	push, pop := s.metrics.MailboxGauge("dispatch")
	c := &call{
		id:        id,
		reg:       s.reg,
		asr:       asr,
		tts:       s.tts,
		voice:     s.voice,
		metrics:   s.metrics,
		log:       log,
		read:      conn.Read,
		write:     func(ctx context.Context, msg []byte) error { return conn.Write(ctx, websocket.MessageText, msg) },
		dispatch:  NewMailbox[string](WithDepthHooks(push, pop)),
		streamSid: NewHandoff[string](),
	}
	if err := c.run(ctx); err != nil {
		log.Warn("call ended with error", "err", err)
	} else {
		log.Info("call ended")
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.origins}
}

// connContext derives a connection context from the request that is also
// cancelled by the server's base context.
func (s *Server) connContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
