package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/digitalstage/routerdist/internal/core"
	"github.com/digitalstage/routerdist/internal/domain"
	"github.com/digitalstage/routerdist/internal/metrics"
)

// State is a session's position in its connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateRegistering
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrSessionClosed = errors.New("session closed")

// Session binds one live connection to at most one router record.
// Calls are serialized; a Close that races an in-flight Register waits for it
// to settle, so a committed router is always cleaned up.
type Session struct {
	id       core.SessionID
	conn     core.SignalConnection
	cancel   context.CancelFunc
	coord    *Coordinator
	identity core.IdentityResolver

	mu     sync.Mutex
	state  State
	user   domain.Identity
	router *domain.Router
}

// NewSession starts in StateConnecting. cancel terminates the underlying
// connection and is what the coordinator calls on shutdown or kick.
func NewSession(id core.SessionID, conn core.SignalConnection, cancel context.CancelFunc, coord *Coordinator, identity core.IdentityResolver) *Session {
	return &Session{
		id:       id,
		conn:     conn,
		cancel:   cancel,
		coord:    coord,
		identity: identity,
		state:    StateConnecting,
	}
}

func (s *Session) ID() core.SessionID { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Router returns the owned router, if the session reached StateActive.
func (s *Session) Router() (domain.Router, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.router == nil {
		return domain.Router{}, false
	}
	return *s.router, true
}

// Register authenticates token and creates or refreshes the router described by desc.
// Any error leaves the session closed and the caller must drop the connection.
// If ctx ends while the store call is running, the committed record is removed
// before Register returns.
func (s *Session) Register(ctx context.Context, token string, desc domain.RouterDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateConnecting:
	case StateClosed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("%w: session already registered", domain.ErrInvalidRequest)
	}

	user, err := s.identity.Resolve(ctx, token)
	if err != nil {
		s.closeLocked(ctx)
		return err
	}
	s.user = user
	s.state = StateAuthenticated
	s.coord.Attach(s.id, s.conn, s.cancel)
	log.Info().Str("module", "app.session").Str("sid", string(s.id)).Str("user_id", string(user.ID)).Msg("authenticated")

	if err := desc.Validate(); err != nil {
		s.coord.metrics.Registration(metrics.OutcomeFailed)
		s.closeLocked(ctx)
		return err
	}
	s.state = StateRegistering

	// Store calls ignore connection cancellation so a committed record is never lost track of.
	storeCtx := context.WithoutCancel(ctx)
	r, _, err := s.coord.RegisterOrUpdate(storeCtx, desc, user.ID)
	if err != nil {
		s.closeLocked(storeCtx)
		return err
	}
	s.router = &r
	if err := ctx.Err(); err != nil {
		log.Info().Str("module", "app.session").Str("sid", string(s.id)).Str("router_id", string(r.ID)).Msg("connection gone during registration")
		s.closeLocked(storeCtx)
		return err
	}
	s.state = StateActive

	if err := s.coord.Send(s.conn, EventRouterReady, r); err != nil {
		log.Warn().Err(err).Str("module", "app.session").Str("sid", string(s.id)).Msg("router-ready not queued")
	}
	s.coord.Broadcast(EventRouterAdded, r)
	return nil
}

// Update applies a partial update to the owned router. Updates addressed to
// another router, or arriving outside StateActive, are ignored without error.
// A returned error means the store failed and the connection must be dropped.
func (s *Session) Update(ctx context.Context, u domain.RouterUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive || s.router == nil {
		s.coord.metrics.Update(metrics.UpdateIgnored)
		return nil
	}
	if !u.Targets(s.router.ID) {
		s.coord.metrics.Update(metrics.UpdateIgnored)
		log.Debug().Str("module", "app.session").Str("sid", string(s.id)).Str("router_id", string(*u.ID)).Msg("ignored update for foreign router")
		return nil
	}

	r, err := s.coord.ApplyUpdate(ctx, s.router.ID, u.Pin(*s.router))
	if err != nil {
		return err
	}
	s.router = &r
	s.coord.Broadcast(EventRouterUpdated, r)
	return nil
}

// Close ends the session. If it owned a router, the record is deleted and
// router-removed is broadcast to the remaining sessions. Safe to call twice.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ctx)
}

func (s *Session) closeLocked(ctx context.Context) {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.coord.Detach(s.id)

	if s.router == nil {
		log.Info().Str("module", "app.session").Str("sid", string(s.id)).Msg("closed without router")
		return
	}
	last := *s.router
	if err := s.coord.Remove(ctx, last.ID); err != nil {
		if errors.Is(err, domain.ErrRouterNotFound) {
			log.Info().Str("module", "app.session").Str("sid", string(s.id)).Str("router_id", string(last.ID)).Msg("router already removed")
			return
		}
		log.Error().Err(err).Str("module", "app.session").Str("sid", string(s.id)).Str("router_id", string(last.ID)).Msg("remove router")
		return
	}
	log.Info().Str("module", "app.session").Str("sid", string(s.id)).Str("router_id", string(last.ID)).Msg("disconnected, removed router")
	s.coord.Broadcast(EventRouterRemoved, last)
}
