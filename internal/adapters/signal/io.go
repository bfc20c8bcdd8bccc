package signal

import (
	"context"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/digitalstage/routerdist/internal/app"
	"github.com/digitalstage/routerdist/internal/core"
)

func (ctl *SignalWSController) writePump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump ctx done")
			ctl.writeClose(c, websocket.CloseGoingAway)
			return
		case data, ok := <-c.send:
			if !ok {
				ctl.writeClose(c, websocket.CloseNormalClosure)
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) writeClose(c *WsSignalConn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.opts.WriteWait))
}

// readPump owns the session: every inbound frame is handled to completion
// before the next is read, and the session is closed once reading stops.
func (ctl *SignalWSController) readPump(ctx context.Context, sess *app.Session, c *WsSignalConn, query url.Values) {
	sid := sess.ID()
	defer func() {
		log.Info().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("readPump closing")
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		sess.Close(cleanupCtx)
		cancel()
		c.Close()
		ctl.wg.Done()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	if req, ok := handshakeRequest(query); ok {
		if !ctl.handleRegister(ctx, sess, c, req) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "adapters.signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			if !ctl.handleSignal(ctx, sess, c, data) {
				return
			}
		}
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, event string, payload any) {
	if err := ctl.Coord.Send(c, event, payload); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("event", event).Msg("sendJSON")
	}
}
