package warden

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store is the persistence contract for approval requests. Implementations
// must make Transition atomic per request id: exactly one caller wins the
// Pending → terminal move, every later caller gets ErrAlreadyResolved.
type Store interface {
	Create(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	// Transition compare-and-swaps the request from Pending into a terminal
	// state and returns the updated request.
	Transition(ctx context.Context, id string, to State, by, reason string, at time.Time) (*Request, error)
	// ExpirePending moves every Pending request with ExpiresAt <= now to
	// Expired and returns the ones it moved.
	ExpirePending(ctx context.Context, now time.Time) ([]*Request, error)
	List(ctx context.Context, state State) ([]*Request, error)
}

// entry pairs a request with its own lock so transitions on different
// requests never serialize against each other.
type entry struct {
	mu  sync.Mutex
	req *Request
}

// MemStore is the in-memory Store. The map lock covers only index
// operations; state transitions take the per-request lock.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]*entry)}
}

func (s *MemStore) Create(_ context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[req.ID]; ok {
		return fmt.Errorf("duplicate request id %s", req.ID)
	}
	cp := *req
	s.entries[req.ID] = &entry{req: &cp}
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *e.req
	return &cp, nil
}

func (s *MemStore) Transition(_ context.Context, id string, to State, by, reason string, at time.Time) (*Request, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.req.State != StatePending {
		return nil, fmt.Errorf("%w: request %s is %s", ErrAlreadyResolved, id, e.req.State)
	}
	e.req.State = to
	e.req.ResolvedBy = by
	e.req.ResolvedAt = at
	e.req.Reason = reason
	cp := *e.req
	return &cp, nil
}

func (s *MemStore) ExpirePending(_ context.Context, now time.Time) ([]*Request, error) {
	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}
	s.mu.RUnlock()

	var expired []*Request
	for _, e := range candidates {
		e.mu.Lock()
		if e.req.State == StatePending && !e.req.ExpiresAt.After(now) {
			e.req.State = StateExpired
			e.req.ResolvedAt = now
			cp := *e.req
			expired = append(expired, &cp)
		}
		e.mu.Unlock()
	}
	return expired, nil
}

func (s *MemStore) List(_ context.Context, state State) ([]*Request, error) {
	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		candidates = append(candidates, e)
	}
	s.mu.RUnlock()

	var out []*Request
	for _, e := range candidates {
		e.mu.Lock()
		if e.req.State == state {
			cp := *e.req
			out = append(out, &cp)
		}
		e.mu.Unlock()
	}
	return out, nil
}
