package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/digitalstage/routerdist/internal/app"
	"github.com/digitalstage/routerdist/internal/domain"
)

// inbound is the envelope of every client frame. Register requests carry
// token and router at the top level, everything else uses payload.
type inbound struct {
	Type    string          `json:"type"`
	Token   string          `json:"token,omitempty"`
	Router  json.RawMessage `json:"router,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type registerRequest struct {
	Token  string
	Router json.RawMessage
}

func (r registerRequest) descriptor() (domain.RouterDescriptor, error) {
	var d domain.RouterDescriptor
	if len(r.Router) == 0 {
		return d, fmt.Errorf("%w: missing router", domain.ErrInvalidRequest)
	}
	if err := json.Unmarshal(r.Router, &d); err != nil {
		return d, fmt.Errorf("%w: router: %v", domain.ErrInvalidRequest, err)
	}
	return d, nil
}

// handshakeRequest reads a register request from the upgrade query
// (?token=...&router={json}). ok is false when the client will send it as a frame.
func handshakeRequest(q url.Values) (registerRequest, bool) {
	if !q.Has("token") && !q.Has("router") {
		return registerRequest{}, false
	}
	req := registerRequest{Token: q.Get("token")}
	if raw := q.Get("router"); raw != "" {
		req.Router = json.RawMessage(raw)
	}
	return req, true
}

// handleSignal dispatches one frame. It returns false when the connection must end.
func (ctl *SignalWSController) handleSignal(ctx context.Context, sess *app.Session, c *WsSignalConn, data []byte) bool {
	var env inbound
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sess.ID())).Msg("bad json")
		return true
	}

	switch env.Type {
	case app.EventRegister:
		return ctl.handleRegister(ctx, sess, c, registerRequest{Token: env.Token, Router: env.Router})
	case app.EventUpdateRouter:
		return ctl.handleUpdate(ctx, sess, c, env.Payload)
	case app.EventPing:
		ctl.sendJSON(c, app.EventPong, nil)
	default:
		log.Warn().Str("module", "adapters.signal").Str("sid", string(sess.ID())).Str("type", env.Type).Msg("unknown signal")
	}
	return true
}

func (ctl *SignalWSController) handleRegister(ctx context.Context, sess *app.Session, c *WsSignalConn, req registerRequest) bool {
	// A missing or unparseable router is reported by Register once the token
	// resolved, through validation of the empty descriptor.
	desc, err := req.descriptor()
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sess.ID())).Msg("bad router descriptor")
		desc = domain.RouterDescriptor{}
	}
	if err := sess.Register(ctx, req.Token, desc); err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sess.ID())).Msg("register rejected")
		ctl.sendError(c, err)
		return false
	}
	return true
}

func (ctl *SignalWSController) handleUpdate(ctx context.Context, sess *app.Session, c *WsSignalConn, payload json.RawMessage) bool {
	u, err := domain.DecodeRouterUpdate(payload)
	if err != nil {
		log.Warn().Err(err).Str("module", "adapters.signal").Str("sid", string(sess.ID())).Msg("bad update payload")
		return true
	}
	if err := sess.Update(ctx, u); err != nil {
		log.Error().Err(err).Str("module", "adapters.signal").Str("sid", string(sess.ID())).Msg("update failed")
		ctl.sendError(c, err)
		return false
	}
	return true
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, err error) {
	ctl.sendJSON(c, app.EventError, app.ErrorPayload{Error: domain.ErrorKind(err)})
}
