package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/digitalstage/routerdist/internal/domain"
)

// MemoryStore is a process-local RouterStore. It enforces url uniqueness the
// same way the Postgres table does.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[domain.RouterID]domain.Router
	byURL map[string]domain.RouterID
	order []domain.RouterID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[domain.RouterID]domain.Router),
		byURL: make(map[string]domain.RouterID),
	}
}

func (s *MemoryStore) FindByURL(_ context.Context, url string) (domain.Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byURL[url]
	if !ok {
		return domain.Router{}, domain.ErrRouterNotFound
	}
	return s.byID[id], nil
}

func (s *MemoryStore) Insert(_ context.Context, r domain.Router) (domain.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byURL[r.URL]; ok {
		return domain.Router{}, domain.ErrURLTaken
	}
	r.ID = domain.RouterID(uuid.NewString())
	s.byID[r.ID] = r
	s.byURL[r.URL] = r.ID
	s.order = append(s.order, r.ID)
	return r, nil
}

// UpdateByID never changes url or owner; those are immutable once stored.
func (s *MemoryStore) UpdateByID(_ context.Context, id domain.RouterID, u domain.RouterUpdate) (domain.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return domain.Router{}, domain.ErrRouterNotFound
	}
	r = u.Apply(r)
	s.byID[id] = r
	return r, nil
}

func (s *MemoryStore) DeleteByID(_ context.Context, id domain.RouterID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return domain.ErrRouterNotFound
	}
	delete(s.byID, id)
	delete(s.byURL, r.URL)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ListAll returns routers in insertion order.
func (s *MemoryStore) ListAll(_ context.Context) ([]domain.Router, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Router, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[domain.RouterID]domain.Router)
	s.byURL = make(map[string]domain.RouterID)
	s.order = nil
	return nil
}

func (s *MemoryStore) Close() {}

// URLs lists the stored urls, sorted. Used by tests to check uniqueness.
func (s *MemoryStore) URLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r.URL)
	}
	sort.Strings(out)
	return out
}
