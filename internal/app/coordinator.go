package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"

	"github.com/digitalstage/routerdist/internal/core"
	"github.com/digitalstage/routerdist/internal/domain"
	"github.com/digitalstage/routerdist/internal/metrics"
)

// Coordinator mediates all router store access and fans events out to live sessions.
// Create-or-update decisions for the same url never run concurrently.
type Coordinator struct {
	store    core.RouterStore
	sessions *Registry
	urls     *urlLocks
	policy   Policy
	metrics  *metrics.Metrics
}

type CoordinatorOption func(*Coordinator)

func WithPolicy(p Policy) CoordinatorOption {
	return func(c *Coordinator) { c.policy = p }
}

func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func NewCoordinator(store core.RouterStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		urls:   newURLLocks(),
		policy: DropPolicy{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sessions = NewRegistry(c.metrics)
	return c
}

// Start drops routers left behind by a previous run; only routers connected
// during this run are trusted.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear router store: %w", err)
	}
	c.metrics.ResetRouters()
	log.Info().Str("module", "app.coordinator").Msg("router store cleared")
	return nil
}

// Stop cancels every live session. Their disconnect cleanup still runs.
func (c *Coordinator) Stop() {
	n := c.sessions.CancelAll()
	log.Info().Str("module", "app.coordinator").Int("sessions", n).Msg("stopping sessions")
}

func (c *Coordinator) Attach(sid core.SessionID, conn core.SignalConnection, cancel context.CancelFunc) {
	c.sessions.BindSignal(sid, conn, cancel)
}

func (c *Coordinator) Detach(sid core.SessionID) {
	c.sessions.Unbind(sid)
}

// Sessions reports how many sessions currently receive broadcasts.
func (c *Coordinator) Sessions() int { return c.sessions.Count() }

// RegisterOrUpdate creates the router for a never-seen url or refreshes the
// caller's own router. The bool reports whether a new record was created.
func (c *Coordinator) RegisterOrUpdate(ctx context.Context, desc domain.RouterDescriptor, owner domain.UserID) (domain.Router, bool, error) {
	if err := desc.Validate(); err != nil {
		return domain.Router{}, false, err
	}

	unlock := c.urls.Lock(desc.URL)
	defer unlock()

	existing, err := c.store.FindByURL(ctx, desc.URL)
	switch {
	case errors.Is(err, domain.ErrRouterNotFound):
		r, err := c.store.Insert(ctx, domain.NewRouter(desc, owner))
		if errors.Is(err, domain.ErrURLTaken) {
			// Lost the insert race to a writer outside this process.
			c.metrics.Registration(metrics.OutcomeForbidden)
			return domain.Router{}, false, fmt.Errorf("%w: url %s already registered", domain.ErrForbidden, desc.URL)
		}
		if err != nil {
			c.metrics.Registration(metrics.OutcomeFailed)
			return domain.Router{}, false, err
		}
		c.metrics.Registration(metrics.OutcomeCreated)
		c.metrics.RouterAdded()
		log.Info().Str("module", "app.coordinator").Str("router_id", string(r.ID)).Str("url", r.URL).Str("user_id", string(owner)).Msg("created new router")
		return r, true, nil

	case err != nil:
		c.metrics.Registration(metrics.OutcomeFailed)
		return domain.Router{}, false, err

	case existing.OwnerID != owner:
		c.metrics.Registration(metrics.OutcomeForbidden)
		log.Warn().Str("module", "app.coordinator").Str("url", desc.URL).Str("user_id", string(owner)).Str("owner_id", string(existing.OwnerID)).Msg("url owned by another user")
		return domain.Router{}, false, fmt.Errorf("%w: url %s owned by another user", domain.ErrForbidden, desc.URL)
	}

	r, err := c.store.UpdateByID(ctx, existing.ID, desc.AsUpdate())
	if err != nil {
		c.metrics.Registration(metrics.OutcomeFailed)
		return domain.Router{}, false, err
	}
	c.metrics.Registration(metrics.OutcomeRefreshed)
	log.Info().Str("module", "app.coordinator").Str("router_id", string(r.ID)).Str("url", r.URL).Msg("updated existing router")
	return r, false, nil
}

// ApplyUpdate writes a partial update for router id and returns the full record.
func (c *Coordinator) ApplyUpdate(ctx context.Context, id domain.RouterID, u domain.RouterUpdate) (domain.Router, error) {
	r, err := c.store.UpdateByID(ctx, id, u)
	if err != nil {
		c.metrics.Update(metrics.UpdateFailed)
		return domain.Router{}, err
	}
	c.metrics.Update(metrics.UpdateApplied)
	return r, nil
}

// Remove deletes router id. domain.ErrRouterNotFound means another session
// already removed it.
func (c *Coordinator) Remove(ctx context.Context, id domain.RouterID) error {
	if err := c.store.DeleteByID(ctx, id); err != nil {
		return err
	}
	c.metrics.RouterRemoved()
	log.Info().Str("module", "app.coordinator").Str("router_id", string(id)).Msg("removed router")
	return nil
}

func (c *Coordinator) Routers(ctx context.Context) ([]domain.Router, error) {
	return c.store.ListAll(ctx)
}

// Broadcast queues event to every attached session except the excluded ones.
// It never blocks on a receiver; full queues are handled by the policy.
func (c *Coordinator) Broadcast(event string, payload any, exclude ...core.SessionID) core.PublishResult {
	res := core.PublishResult{}
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Str("event", event).Msg("broadcast marshal")
		return res
	}

	for _, snap := range c.sessions.Snapshot() {
		if slices.Contains(exclude, snap.SID) {
			continue
		}
		if err := snap.Signal.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, snap.SID)
			continue
		}
		res.SendTo++
	}
	c.metrics.Broadcast(event, res.SendTo, len(res.Dropped))

	for _, sid := range res.Dropped {
		log.Warn().Str("module", "app.coordinator").Str("sid", string(sid)).Str("event", event).Msg("broadcast dropped")
		if c.policy.OnBackPressure(sid, event) == KickSession {
			c.sessions.Cancel(sid)
		}
	}
	return res
}

// Send queues event for one connection only.
func (c *Coordinator) Send(conn core.SignalConnection, event string, payload any) error {
	frame, err := EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	return conn.TrySend(frame)
}
