package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/coder/websocket"
)

var _ stt.SessionHandle = (*session)(nil)

const (
	// drainTimeout bounds the wait for final results after CloseStream.
	drainTimeout = 5 * time.Second
	resultsBuf   = 64
)

var closeStream = []byte(`{"type":"CloseStream"}`)

// message is the part of a Deepgram reply the bridge looks into. Only
// "Results" messages carry a channel.
type message struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type session struct {
	conn    *websocket.Conn
	results chan stt.Result
	done    chan struct{}
	stop    context.CancelFunc

	closeOnce sync.Once
}

func newSession(ctx context.Context, conn *websocket.Conn) *session {
	ctx, stop := context.WithCancel(ctx)
	s := &session{
		conn:    conn,
		results: make(chan stt.Result, resultsBuf),
		done:    make(chan struct{}),
		stop:    stop,
	}
	go s.read(ctx)
	return s
}

func (s *session) SendAudio(ctx context.Context, chunk []byte) error {
	if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
		return fmt.Errorf("deepgram: send audio: %w", err)
	}
	return nil
}

func (s *session) Results() <-chan stt.Result { return s.results }

// Close asks Deepgram to flush with CloseStream and waits up to drainTimeout
// for it to hang up before dropping the connection. Results is closed by the
// time Close returns.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if s.conn.Write(ctx, websocket.MessageText, closeStream) == nil {
			select {
			case <-s.done:
			case <-ctx.Done():
			}
		}
		s.stop()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.done
	})
	return nil
}

// read forwards text messages until the connection ends for any reason.
func (s *session) read(ctx context.Context) {
	defer close(s.done)
	defer close(s.results)

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		r, ok := decodeMessage(data)
		if !ok {
			continue
		}
		select {
		case s.results <- r:
		case <-ctx.Done():
			return
		}
	}
}

// decodeMessage wraps a Deepgram message in a Result that owns a copy of the
// bytes. Invalid JSON is rejected. JSON of any other shape is kept, with no
// transcripts, so it is still relayed verbatim.
func decodeMessage(data []byte) (stt.Result, bool) {
	if !json.Valid(data) {
		return stt.Result{}, false
	}
	r := stt.Result{Raw: bytes.Clone(data)}

	var m message
	if json.Unmarshal(data, &m) == nil {
		r.IsFinal = m.IsFinal
		for _, alt := range m.Channel.Alternatives {
			r.Transcripts = append(r.Transcripts, alt.Transcript)
		}
	}
	return r, true
}
