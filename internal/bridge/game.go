package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/phonebridge/internal/observe"
)

// HandleGame upgrades a game client connection, allocates an access code for
// it, and relays messages until the client disconnects. The code is released
// when the connection ends.
func (s *Server) HandleGame(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		observe.Logger(r.Context()).Warn("game upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := s.connContext(r)
	defer cancel()

	push, pop := s.metrics.MailboxGauge("game")
	toGame := NewMailbox[string](WithDepthHooks(push, pop))
	sess, err := s.reg.AllocateContext(ctx, toGame)
	if err != nil {
		observe.Logger(ctx).Info("game left before an access code was free", "err", err)
		return
	}
	log := observe.Logger(ctx).With("code", sess.Code())
	log.Info("game connected")

	s.metrics.ActiveGames.Add(ctx, 1)
	defer s.metrics.ActiveGames.Add(context.WithoutCancel(ctx), -1)

	var g errgroup.Group
	g.Go(func() error {
		err := s.relayToGame(ctx, conn, sess, toGame)
		if err != nil {
			conn.CloseNow()
		}
		return err
	})
	g.Go(func() error {
		defer func() {
			s.reg.Release(sess)
			toGame.Discard()
		}()
		return s.relayFromGame(ctx, conn, sess, log)
	})
	if err := g.Wait(); err != nil {
		log.Warn("game connection ended with error", "err", err)
	} else {
		log.Info("game disconnected")
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// relayToGame sends the dial-in number and the access code, then everything
// queued for the game client. It is the only writer to conn.
func (s *Server) relayToGame(ctx context.Context, conn *websocket.Conn, sess *GameSession, toGame *Mailbox[string]) error {
	for _, greeting := range []string{s.PhoneNumber(), sess.Code()} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(greeting)); err != nil {
			return fmt.Errorf("bridge: write greeting: %w", err)
		}
	}
	for {
		msg, ok := toGame.Get(ctx)
		if !ok {
			return nil
		}
		if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
			return fmt.Errorf("bridge: write game: %w", err)
		}
	}
}

// relayFromGame hands every text frame from the client to the bound call.
// Frames that arrive while no call is bound are dropped.
func (s *Server) relayFromGame(ctx context.Context, conn *websocket.Conn, sess *GameSession, log *slog.Logger) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bridge: read game: %w", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		if !s.reg.SendToCall(sess, string(data)) {
			s.metrics.RecordFrameDropped(ctx, observe.DropReasonUnbound)
			log.Debug("no call bound; game message dropped")
		}
	}
}
