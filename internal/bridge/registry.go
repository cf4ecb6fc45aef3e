package bridge

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/phonebridge/internal/observe"
)

// SessionState is the lifecycle stage of a [GameSession].
type SessionState int

const (
	// SessionPending means the code is live and no call has spoken it yet.
	SessionPending SessionState = iota

	// SessionBound means a call is attached and game text reaches it.
	SessionBound

	// SessionClosed means the session left the registry. Any forward to it is
	// a no-op.
	SessionClosed
)

// String returns the lowercase name of the state.
func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionBound:
		return "bound"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// fullWarnRatio is the occupancy above which Allocate logs a warning; the
	// allocation retry loop slows down sharply as the code space fills.
	fullWarnRatio = 0.9

	// fullRetryInterval is how often Allocate looks for a released code
	// while every code is live.
	fullRetryInterval = 20 * time.Millisecond
)

// GameSession is one connected game client waiting for, or bound to, a call.
// Its mutable fields are guarded by the owning [Registry]'s lock.
type GameSession struct {
	code   string
	toGame *Mailbox[string]

	toCall *Mailbox[string]
	state  SessionState
}

// Code returns the access code the session is registered under.
func (g *GameSession) Code() string { return g.code }

// Registry maps live access codes to game sessions. All methods are safe for
// concurrent use. The lock is held only for a single lookup or mutation and
// never across network I/O; mailbox pushes under the lock never block.
type Registry struct {
	codeSpace int
	draw      func(n int) int
	log       *slog.Logger
	metrics   *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*GameSession
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithCodeSpace sets the exclusive upper bound for drawn codes. Values below
// 1 are ignored. Default: 100.
func WithCodeSpace(n int) RegistryOption {
	return func(r *Registry) {
		if n >= 1 {
			r.codeSpace = n
		}
	}
}

// WithDraw replaces the random source used to pick codes. draw(n) must return
// a value in [0, n).
func WithDraw(draw func(n int) int) RegistryOption {
	return func(r *Registry) { r.draw = draw }
}

// WithRegistryLogger sets the logger. Default: [slog.Default].
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithRegistryMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		codeSpace: 100,
		draw:      rand.IntN,
		sessions:  make(map[string]*GameSession),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// CodeSpace returns the exclusive upper bound of drawn codes.
func (r *Registry) CodeSpace() int { return r.codeSpace }

// Allocate is [Registry.AllocateContext] without cancellation. With every
// code live it does not return until one is released.
func (r *Registry) Allocate(toGame *Mailbox[string]) *GameSession {
	s, _ := r.AllocateContext(context.Background(), toGame)
	return s
}

// AllocateContext draws an unused code, registers a pending session that
// delivers to toGame, and returns it. Draws are retried until a free code
// comes up. While every code is live it polls every [fullRetryInterval]
// until a code is released or ctx is done.
func (r *Registry) AllocateContext(ctx context.Context, toGame *Mailbox[string]) (*GameSession, error) {
	warned := false
	for {
		s, full := r.tryAllocate(toGame)
		if s != nil {
			return s, nil
		}
		if !full {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}

		if !warned {
			r.log.Warn("access code space exhausted; waiting for a release", "code_space", r.codeSpace)
			warned = true
		}
		t := time.NewTimer(fullRetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// tryAllocate makes one draw under the lock. It returns the new session, or
// nil with full set when no code is free.
func (r *Registry) tryAllocate(toGame *Mailbox[string]) (s *GameSession, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := len(r.sessions)
	if live >= r.codeSpace {
		return nil, true
	}
	code := strconv.Itoa(r.draw(r.codeSpace))
	if _, taken := r.sessions[code]; taken {
		return nil, false
	}

	if float64(live) >= fullWarnRatio*float64(r.codeSpace) {
		r.log.Warn("access code space nearly exhausted",
			"live", live,
			"code_space", r.codeSpace)
	}
	s = &GameSession{code: code, toGame: toGame, state: SessionPending}
	r.sessions[code] = s
	r.metrics.CodesAllocated.Add(context.Background(), 1)
	return s, false
}

// Bind attaches toCall to the live session for code, marks it bound, and
// tells the game client with a "connected" message. A call that binds an
// already bound session replaces the previous call. Bind returns the session,
// or false when code is not live.
func (r *Registry) Bind(code string, toCall *Mailbox[string]) (*GameSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		return nil, false
	}
	if s.state == SessionBound {
		r.log.Warn("access code spoken by a second call; replacing the first", "code", code)
	}
	s.toCall = toCall
	s.state = SessionBound
	s.toGame.Put(ConnectedMessage)
	r.metrics.CodesBound.Add(context.Background(), 1)
	return s, true
}

// Forward pushes msg to the game client registered under code. It reports
// false, doing nothing, when code is not live.
func (r *Registry) Forward(code, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[code]
	if !ok {
		return false
	}
	return s.toGame.Put(msg)
}

// Remove deletes code unconditionally.
func (r *Registry) Remove(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[code]; ok {
		s.state = SessionClosed
		delete(r.sessions, code)
	}
}

// Release deletes s only while it is still the live entry for its code, so a
// late disconnect cannot remove a session that reused the code. It reports
// whether s was removed.
func (r *Registry) Release(s *GameSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.code] != s {
		return false
	}
	s.state = SessionClosed
	delete(r.sessions, s.code)
	return true
}

// Deliver pushes msg to the game client of s while s is live.
func (r *Registry) Deliver(s *GameSession, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.code] != s {
		return false
	}
	return s.toGame.Put(msg)
}

// SendToCall pushes text to the call bound to s. It reports false when s is
// not live or not bound.
func (r *Registry) SendToCall(s *GameSession, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[s.code] != s || s.toCall == nil {
		return false
	}
	return s.toCall.Put(text)
}

// Match returns a live code contained in transcript. With several matches the
// winner depends on map iteration order.
func (r *Registry) Match(transcript string) (string, bool) {
	if transcript == "" {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for code := range r.sessions {
		if strings.Contains(transcript, code) {
			return code, true
		}
	}
	return "", false
}

// State reports the lifecycle state of s.
func (r *Registry) State(s *GameSession) SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.state
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
