package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digitalstage/routerdist/internal/adapters/store"
	"github.com/digitalstage/routerdist/internal/core"
	"github.com/digitalstage/routerdist/internal/domain"
)

var errQueueFull = errors.New("queue full")

// recordingConn captures every frame queued for one connection.
type recordingConn struct {
	mu     sync.Mutex
	frames []Envelope
	full   bool
	closed bool
}

func (c *recordingConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errQueueFull
	}
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	var r domain.Router
	_ = json.Unmarshal(env.Payload, &r)
	c.frames = append(c.frames, Envelope{Type: env.Type, Payload: r})
	return nil
}

func (c *recordingConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *recordingConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *recordingConn) last(event string) (domain.Router, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Type == event {
			return c.frames[i].Payload.(domain.Router), true
		}
	}
	return domain.Router{}, false
}

func (c *recordingConn) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

// tokenResolver maps token "tok-<user>" to identity <user>.
type tokenResolver struct{}

func (tokenResolver) Resolve(_ context.Context, token string) (domain.Identity, error) {
	var user string
	if _, err := fmt.Sscanf(token, "tok-%s", &user); err != nil || user == "" {
		return domain.Identity{}, fmt.Errorf("%w: bad token", domain.ErrUnauthorized)
	}
	return domain.Identity{ID: domain.UserID(user), Name: user}, nil
}

// countingStore wraps the memory store, counting deletes and optionally failing calls.
type countingStore struct {
	*store.MemoryStore

	mu         sync.Mutex
	deletes    map[domain.RouterID]int
	failInsert bool
	failUpdate bool
	failFind   bool

	// afterInsert runs once the record is committed; a non-nil error is
	// returned in place of the record, the way a driver reports a late cancel.
	afterInsert func(ctx context.Context) error
}

func newCountingStore() *countingStore {
	return &countingStore{
		MemoryStore: store.NewMemoryStore(),
		deletes:     make(map[domain.RouterID]int),
	}
}

func (s *countingStore) FindByURL(ctx context.Context, url string) (domain.Router, error) {
	if s.failFind {
		return domain.Router{}, fmt.Errorf("find: %w", domain.ErrStoreUnavailable)
	}
	return s.MemoryStore.FindByURL(ctx, url)
}

func (s *countingStore) Insert(ctx context.Context, r domain.Router) (domain.Router, error) {
	if s.failInsert {
		return domain.Router{}, fmt.Errorf("insert: %w", domain.ErrStoreUnavailable)
	}
	r, err := s.MemoryStore.Insert(ctx, r)
	if err == nil && s.afterInsert != nil {
		if hookErr := s.afterInsert(ctx); hookErr != nil {
			return domain.Router{}, hookErr
		}
	}
	return r, err
}

func (s *countingStore) UpdateByID(ctx context.Context, id domain.RouterID, u domain.RouterUpdate) (domain.Router, error) {
	if s.failUpdate {
		return domain.Router{}, fmt.Errorf("update: %w", domain.ErrStoreUnavailable)
	}
	return s.MemoryStore.UpdateByID(ctx, id, u)
}

func (s *countingStore) DeleteByID(ctx context.Context, id domain.RouterID) error {
	s.mu.Lock()
	s.deletes[id]++
	s.mu.Unlock()
	return s.MemoryStore.DeleteByID(ctx, id)
}

func (s *countingStore) deleteTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.deletes {
		n += c
	}
	return n
}

func (s *countingStore) deleteCalls(id domain.RouterID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes[id]
}

type harness struct {
	t     *testing.T
	store *countingStore
	coord *Coordinator
	n     int
}

func newHarness(t *testing.T, opts ...CoordinatorOption) *harness {
	t.Helper()
	st := newCountingStore()
	coord := NewCoordinator(st, opts...)
	require.NoError(t, coord.Start(context.Background()))
	return &harness{t: t, store: st, coord: coord}
}

type testPeer struct {
	sess     *Session
	conn     *recordingConn
	canceled bool
}

func (h *harness) connect() *testPeer {
	h.n++
	p := &testPeer{conn: &recordingConn{}}
	sid := core.SessionID(fmt.Sprintf("s%d", h.n))
	p.sess = NewSession(sid, p.conn, func() { p.canceled = true }, h.coord, tokenResolver{})
	return p
}

func (h *harness) register(user string, desc domain.RouterDescriptor) (*testPeer, error) {
	p := h.connect()
	err := p.sess.Register(context.Background(), "tok-"+user, desc)
	return p, err
}

func intPtr(v int) *int { return &v }
