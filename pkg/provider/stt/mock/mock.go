// Package mock provides in-memory stand-ins for the stt interfaces.
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... start a call with p, then:
//	sess.Emit(stt.Result{Transcripts: []string{"the code is 42"}})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
)

var (
	_ stt.Provider      = (*Provider)(nil)
	_ stt.SessionHandle = (*Session)(nil)
)

// StartStreamCall is one recorded StartStream invocation.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider hands out Session, or a fresh session per call when Session is
// nil. Set StartStreamErr to make every call fail.
type Provider struct {
	Session        stt.SessionHandle
	StartStreamErr error

	mu               sync.Mutex
	StartStreamCalls []StartStreamCall
}

func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	switch {
	case p.StartStreamErr != nil:
		return nil, p.StartStreamErr
	case p.Session != nil:
		return p.Session, nil
	default:
		return NewSession(), nil
	}
}

// Session records the audio it is sent and yields whatever the test emits.
// Closing it, or calling End, closes the Results channel the way a remote
// hang-up would.
type Session struct {
	// AudioCh receives a copy of every chunk when set, so tests can block
	// on delivery instead of polling Chunks.
	AudioCh chan []byte
	// SendAudioErr fails every SendAudio call when set.
	SendAudioErr error

	mu      sync.Mutex
	results chan stt.Result
	ended   bool
	chunks  [][]byte
	closes  int
}

// NewSession returns a session whose Results channel buffers 64 messages.
func NewSession() *Session {
	return &Session{results: make(chan stt.Result, 64)}
}

func (s *Session) SendAudio(ctx context.Context, chunk []byte) error {
	chunk = slices.Clone(chunk)

	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	err, sink := s.SendAudioErr, s.AudioCh
	s.mu.Unlock()

	if err != nil || sink == nil {
		return err
	}
	select {
	case sink <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Results() <-chan stt.Result { return s.results }

// Emit queues r on Results. It returns false once the stream has ended.
func (s *Session) Emit(r stt.Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.results <- r
	return true
}

// End closes Results without counting as a Close.
func (s *Session) End() {
	s.mu.Lock()
	s.endLocked()
	s.mu.Unlock()
}

func (s *Session) endLocked() {
	if !s.ended {
		s.ended = true
		close(s.results)
	}
}

// Chunks returns every chunk sent so far, in order.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chunks)
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes > 0
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.endLocked()
	return nil
}
