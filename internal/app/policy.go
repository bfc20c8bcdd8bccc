package app

import "github.com/digitalstage/routerdist/internal/core"

type BackpressureAction int

const (
	DropFrame BackpressureAction = iota
	KickSession
)

// Policy decides what happens to a receiver whose send queue is full.
type Policy interface {
	OnBackPressure(sid core.SessionID, event string) BackpressureAction
}

// DropPolicy skips the frame for the slow receiver and keeps it connected.
type DropPolicy struct{}

func (DropPolicy) OnBackPressure(core.SessionID, string) BackpressureAction { return DropFrame }

// KickPolicy disconnects slow receivers so they reconnect with a fresh view.
type KickPolicy struct{}

func (KickPolicy) OnBackPressure(core.SessionID, string) BackpressureAction { return KickSession }
