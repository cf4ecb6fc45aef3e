package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/pkg/audio"
	"github.com/MrWong99/phonebridge/pkg/provider/stt"
	"github.com/MrWong99/phonebridge/pkg/provider/tts"
)

// call is the per-connection state of one telephony leg. Three tasks share
// it: ingress owns the frame buffer and the ASR send side, route owns the
// ASR results and the binding, and speak is the only writer to the
// telephony connection.
type call struct {
	id      string
	reg     *Registry
	asr     stt.SessionHandle
	tts     tts.Provider
	voice   tts.VoiceProfile
	metrics *observe.Metrics
	log     *slog.Logger

	read  func(ctx context.Context) (websocket.MessageType, []byte, error)
	write func(ctx context.Context, msg []byte) error

	dispatch  *Mailbox[string]
	streamSid *Handoff[string]
}

// run starts the three tasks and waits for all of them. They stop in a
// chain: the telephony read ends, ingress closes the ASR session, route sees
// the results end and closes the dispatch mailbox, and speak drains it.
func (c *call) run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return c.ingress(ctx) })
	g.Go(c.route)
	g.Go(func() error { return c.speak(ctx) })
	return g.Wait()
}

// ingress reads telephony events, buffers inbound audio, and sends each
// flush unit to speech recognition.
func (c *call) ingress(ctx context.Context) error {
	defer func() {
		c.streamSid.Abandon()
		if err := c.asr.Close(); err != nil {
			c.log.Debug("closing speech recognition stream", "err", err)
		}
	}()

	buf := audio.NewFrameBuffer()
	for {
		typ, data, err := c.read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: read telephony: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.metrics.RecordFrameDropped(ctx, observe.DropReasonBadJSON)
			continue
		}

		switch ev.Event {
		case eventStart:
			if ev.Start != nil && c.streamSid.Deliver(ev.Start.StreamSid) {
				c.log.Info("media stream started", "stream_sid", ev.Start.StreamSid)
			}

		case eventMedia:
			if ev.Media == nil {
				continue
			}
			frame, err := ev.Media.toFrame()
			if err != nil {
				var fe *frameError
				if errors.As(err, &fe) {
					c.metrics.RecordFrameDropped(ctx, fe.reason)
				}
				c.log.Debug("skipping media frame", "err", err)
				continue
			}
			if frame.Track != audio.InboundTrack {
				c.metrics.RecordFrameDropped(ctx, observe.DropReasonOtherTrack)
				continue
			}
			unit, err := buf.Push(frame)
			if err != nil {
				c.metrics.RecordFrameDropped(ctx, observe.DropReasonBadTimestamp)
				c.log.Debug("skipping media frame", "err", err)
				continue
			}
			if unit == nil {
				continue
			}
			if err := c.asr.SendAudio(ctx, unit); err != nil {
				return fmt.Errorf("bridge: send audio: %w", err)
			}
			c.metrics.FlushUnits.Add(ctx, 1)
		}
	}
}

// route watches recognition results for a spoken access code. Once bound,
// every result is forwarded verbatim to the game client.
func (c *call) route() error {
	var bound *GameSession
	for res := range c.asr.Results() {
		if bound == nil {
			bound = c.bind(res)
			continue
		}
		if !c.reg.Deliver(bound, string(res.Raw)) {
			c.metrics.RecordFrameDropped(context.Background(), observe.DropReasonUnbound)
		}
	}

	if bound != nil && c.reg.Release(bound) {
		c.log.Info("call ended; access code released", "code", bound.Code())
	}
	c.dispatch.Close()
	return nil
}

// bind scans every alternative of res against the live codes and binds the
// call to the first one found.
func (c *call) bind(res stt.Result) *GameSession {
	for _, transcript := range res.Transcripts {
		code, ok := c.reg.Match(transcript)
		if !ok {
			continue
		}
		s, ok := c.reg.Bind(code, c.dispatch)
		if !ok {
			continue
		}
		c.log.Info("call bound to game", "code", code, "transcript", transcript)
		return s
	}
	return nil
}

// speak turns game text into speech and plays it into the call. It waits for
// the stream identifier first; synthesis failures are logged and skipped.
func (c *call) speak(ctx context.Context) error {
	defer c.dispatch.Discard()

	sid, err := c.streamSid.Wait(ctx)
	if err != nil {
		c.log.Debug("no media stream; not speaking", "err", err)
		return nil
	}

	for {
		text, ok := c.dispatch.Get(ctx)
		if !ok {
			return nil
		}

		start := time.Now()
		sctx, span := observe.StartSpan(ctx, "tts.synthesize")
		pcm, err := c.tts.Synthesize(sctx, text, c.voice)
		observe.EndSpan(span, err)
		c.metrics.RecordTTS(ctx, time.Since(start), err)
		if err != nil {
			c.log.Warn("speech synthesis failed; message dropped", "err", err)
			continue
		}

		msg, err := encodeMedia(sid, audio.EncodePCM16LE(pcm))
		if err != nil {
			c.log.Warn("encoding media message", "err", err)
			continue
		}
		if err := c.write(ctx, msg); err != nil {
			return fmt.Errorf("bridge: write telephony: %w", err)
		}
	}
}
