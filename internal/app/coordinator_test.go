package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitalstage/routerdist/internal/core"
	"github.com/digitalstage/routerdist/internal/domain"
	"github.com/digitalstage/routerdist/internal/metrics"
)

func TestCoordinator_Scenarios(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A: first registration creates the router.
	u1, err := h.register("U1", domain.RouterDescriptor{URL: "r1", Port: 1000})
	require.NoError(t, err)
	x, _ := u1.sess.Router()
	assert.Equal(t, domain.Router{ID: x.ID, URL: "r1", Port: 1000, OwnerID: "U1"}, x)
	assert.Equal(t, []string{EventRouterReady, EventRouterAdded}, u1.conn.events())

	// B: the same owner re-registers and refreshes the record in place.
	again, err := h.register("U1", domain.RouterDescriptor{URL: "r1", Port: 2000})
	require.NoError(t, err)
	refreshed, _ := again.sess.Router()
	assert.Equal(t, x.ID, refreshed.ID)
	assert.Equal(t, 2000, refreshed.Port)
	assert.Equal(t, domain.UserID("U1"), refreshed.OwnerID)
	assert.Equal(t, []string{"r1"}, h.store.URLs())
	assert.Equal(t, 2, u1.conn.count(EventRouterAdded))

	// C: another identity is refused and nothing changes.
	before := u1.conn.events()
	u2, err := h.register("U2", domain.RouterDescriptor{URL: "r1", Port: 3000})
	require.ErrorIs(t, err, domain.ErrForbidden)
	assert.Equal(t, StateClosed, u2.sess.State())
	stored, err := h.store.FindByURL(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, refreshed, stored)
	assert.Equal(t, before, u1.conn.events())

	// D: slots update without an id.
	require.NoError(t, again.sess.Update(ctx, domain.RouterUpdate{AvailableSlots: intPtr(3)}))
	stored, err = h.store.FindByURL(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.AvailableSlots)
	updated, ok := u1.conn.last(EventRouterUpdated)
	require.True(t, ok)
	assert.Equal(t, stored, updated)

	// E: disconnect removes the record and tells the others.
	again.sess.Close(ctx)
	_, err = h.store.FindByURL(ctx, "r1")
	require.ErrorIs(t, err, domain.ErrRouterNotFound)
	removed, ok := u1.conn.last(EventRouterRemoved)
	require.True(t, ok)
	assert.Equal(t, stored, removed)
}

func TestCoordinator_ConcurrentRegistrationsSameURL(t *testing.T) {
	h := newHarness(t)
	const n = 32

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		forbidden int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := h.coord.RegisterOrUpdate(context.Background(),
				domain.RouterDescriptor{URL: "shared", Port: 1000 + i}, domain.UserID(fmt.Sprintf("U%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrForbidden):
				forbidden++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, n-1, forbidden)
	assert.Equal(t, []string{"shared"}, h.store.URLs())
	assert.Zero(t, h.coord.urls.size())
}

func TestCoordinator_ConcurrentRefreshSameOwner(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	ids := make([]domain.RouterID, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, _, err := h.coord.RegisterOrUpdate(context.Background(),
				domain.RouterDescriptor{URL: "r1", Port: 1000 + i}, "U1")
			assert.NoError(t, err)
			ids[i] = r.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, []string{"r1"}, h.store.URLs())
}

func TestCoordinator_RefreshOverwritesMutableFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, created, err := h.coord.RegisterOrUpdate(ctx,
		domain.RouterDescriptor{URL: "r1", Port: 1000, IPv4: "10.0.0.1", AvailableSlots: 8}, "U1")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := h.coord.RegisterOrUpdate(ctx, domain.RouterDescriptor{URL: "r1", Port: 1001}, "U1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, domain.UserID("U1"), second.OwnerID)
	assert.Empty(t, second.IPv4)
	assert.Zero(t, second.AvailableSlots)
	assert.Equal(t, 1001, second.Port)
}

func TestCoordinator_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.store.failFind = true

	p, err := h.register("U1", domain.RouterDescriptor{URL: "r1", Port: 1000})
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, StateClosed, p.sess.State())
	assert.Zero(t, p.conn.count(EventRouterAdded))

	h.store.failFind = false
	h.store.failInsert = true
	_, _, err = h.coord.RegisterOrUpdate(context.Background(), domain.RouterDescriptor{URL: "r1", Port: 1000}, "U1")
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Empty(t, h.store.URLs())
}

func TestCoordinator_InsertConflictIsForbidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.MemoryStore.Insert(ctx, domain.Router{URL: "r1", Port: 1, OwnerID: "U1"})
	require.NoError(t, err)

	// Simulate a writer that inserted between lookup and insert.
	h.coord.store = &hiddenURLStore{countingStore: h.store}
	_, _, err = h.coord.RegisterOrUpdate(ctx, domain.RouterDescriptor{URL: "r1", Port: 2}, "U1")
	require.ErrorIs(t, err, domain.ErrForbidden)
}

type hiddenURLStore struct {
	*countingStore
}

func (s *hiddenURLStore) FindByURL(context.Context, string) (domain.Router, error) {
	return domain.Router{}, domain.ErrRouterNotFound
}

func TestCoordinator_StartClearsStore(t *testing.T) {
	st := newCountingStore()
	_, err := st.Insert(context.Background(), domain.Router{URL: "stale", Port: 1, OwnerID: "old"})
	require.NoError(t, err)

	coord := NewCoordinator(st)
	require.NoError(t, coord.Start(context.Background()))

	routers, err := coord.Routers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, routers)
}

func TestCoordinator_BroadcastExcludeAndBackpressure(t *testing.T) {
	h := newHarness(t)
	a, b, slow := &recordingConn{}, &recordingConn{}, &recordingConn{full: true}
	h.coord.Attach("a", a, nil)
	h.coord.Attach("b", b, nil)
	h.coord.Attach("slow", slow, nil)

	res := h.coord.Broadcast(EventRouterAdded, domain.Router{ID: "x"}, "a")
	assert.Equal(t, 1, res.SendTo)
	assert.Equal(t, []core.SessionID{"slow"}, res.Dropped)
	assert.Empty(t, a.events())
	assert.Equal(t, []string{EventRouterAdded}, b.events())
}

func TestCoordinator_KickPolicyCancelsSlowReceiver(t *testing.T) {
	h := newHarness(t, WithPolicy(KickPolicy{}))
	var kicked, kept bool
	h.coord.Attach("slow", &recordingConn{full: true}, func() { kicked = true })
	h.coord.Attach("fast", &recordingConn{}, func() { kept = true })

	h.coord.Broadcast(EventRouterUpdated, domain.Router{ID: "x"})
	assert.True(t, kicked)
	assert.False(t, kept)
}

func TestCoordinator_StopCancelsSessions(t *testing.T) {
	h := newHarness(t)
	p, err := h.register("U1", domain.RouterDescriptor{URL: "r1", Port: 1000})
	require.NoError(t, err)

	h.coord.Stop()
	assert.True(t, p.canceled)
}

func TestCoordinator_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newHarness(t, WithMetrics(m))

	p, err := h.register("U1", domain.RouterDescriptor{URL: "r1", Port: 1000})
	require.NoError(t, err)
	_, err = h.register("U2", domain.RouterDescriptor{URL: "r1", Port: 1000})
	require.ErrorIs(t, err, domain.ErrForbidden)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistrationsCounter.WithLabelValues(metrics.OutcomeCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistrationsCounter.WithLabelValues(metrics.OutcomeForbidden)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutersGauge))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsGauge))

	p.sess.Close(context.Background())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RoutersGauge))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsGauge))
}

func TestURLLocks_SerializesSameURL(t *testing.T) {
	l := newURLLocks()
	unlock := l.Lock("a")

	acquired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		u := l.Lock("a")
		close(acquired)
		u()
		close(done)
	}()

	// A different url is never blocked by "a".
	l.Lock("b")()

	select {
	case <-acquired:
		t.Fatal("second lock on the same url acquired while held")
	default:
	}
	unlock()
	<-acquired
	<-done
	assert.Zero(t, l.size())
}
