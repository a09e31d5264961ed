package repository

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/example/dispatchlite/internal/dispatch/domain"
)

// MemoryStore keeps assignments in a map, suitable for tests and local
// demos. The compare-and-swap on Version mirrors what the Redis store
// does, so races behave the same against either backend.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[uuid.UUID]domain.Assignment
}

// NewMemoryStore constructs an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{assignments: make(map[uuid.UUID]domain.Assignment)}
}

// Create stores a new assignment keyed by request id.
func (m *MemoryStore) Create(_ context.Context, a *domain.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.assignments[a.RequestID]; exists {
		return domain.ErrAlreadyExists
	}
	m.assignments[a.RequestID] = clone(a)
	return nil
}

// GetByRequestID retrieves the assignment for a request.
func (m *MemoryStore) GetByRequestID(_ context.Context, requestID uuid.UUID) (*domain.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := clone(&a)
	return &out, nil
}

// GetByRequestIDAndStatus retrieves the assignment only when its status matches.
func (m *MemoryStore) GetByRequestIDAndStatus(ctx context.Context, requestID uuid.UUID, status domain.AssignmentStatus) (*domain.Assignment, error) {
	a, err := m.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if a.Status != status {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

// Update replaces the stored assignment when the caller's version matches
// the stored one, bumping the version on success.
func (m *MemoryStore) Update(_ context.Context, a *domain.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.assignments[a.RequestID]
	if !ok {
		return domain.ErrNotFound
	}
	if existing.Version != a.Version {
		return domain.ErrConcurrentModification
	}
	a.Version++
	m.assignments[a.RequestID] = clone(a)
	return nil
}

func clone(a *domain.Assignment) domain.Assignment {
	out := *a
	out.ProposedDrivers = append([]uuid.UUID(nil), a.ProposedDrivers...)
	out.RejectedDrivers = append([]uuid.UUID(nil), a.RejectedDrivers...)
	if a.AssignedDriver != nil {
		id := *a.AssignedDriver
		out.AssignedDriver = &id
	}
	return out
}
