package app

import (
	"encoding/json"

	"github.com/digitalstage/routerdist/internal/core"
)

// Server → client events.
const (
	EventRouterReady   = "router-ready"
	EventRouterAdded   = "router-added"
	EventRouterUpdated = "router-updated"
	EventRouterRemoved = "router-removed"
	EventError         = "error"
	EventPong          = "pong"
)

// Client → server events.
const (
	EventRegister     = "register"
	EventUpdateRouter = "update-router"
	EventPing         = "ping"
)

// Envelope is the wire shape of every frame.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

// EncodeEvent marshals one envelope into a frame.
func EncodeEvent(event string, payload any) (core.Frame, error) {
	b, err := json.Marshal(Envelope{Type: event, Payload: payload})
	if err != nil {
		return nil, err
	}
	return core.Frame(b), nil
}
