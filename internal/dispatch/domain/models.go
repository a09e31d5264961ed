package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type AssignmentStatus string

const (
	StatusSearching AssignmentStatus = "SEARCHING"
	StatusAssigned  AssignmentStatus = "ASSIGNED"
	StatusCancelled AssignmentStatus = "CANCELLED"
	StatusFailed    AssignmentStatus = "FAILED"
)

// PublishTimeout is how long a request stays matchable after publication.
const PublishTimeout = 300 * time.Second

var (
	ErrNotFound               = errors.New("assignment not found")
	ErrAlreadyExists          = errors.New("assignment already exists for request")
	ErrAlreadyAssigned        = errors.New("request already assigned to a driver")
	ErrDriverNotEligible      = errors.New("driver not eligible for this request")
	ErrInvalidTransition      = errors.New("invalid assignment state transition")
	ErrConcurrentModification = errors.New("assignment modified concurrently")
)

// Terminal reports whether the status admits no further transitions.
func (s AssignmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusFailed
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type CarClass string

// Assignment is the per-request dispatch aggregate. It is always loaded,
// mutated and saved as a unit; Version backs the store's compare-and-swap.
type Assignment struct {
	ID                uuid.UUID
	RequestID         uuid.UUID
	PublishedAt       time.Time
	Status            AssignmentStatus
	AssignedDriver    *uuid.UUID
	ProposedDrivers   []uuid.UUID
	RejectedDrivers   []uuid.UUID
	AwaitingResponses int
	Version           int64
}

// NewAssignment creates a fresh aggregate in the searching state.
func NewAssignment(requestID uuid.UUID, publishedAt time.Time) *Assignment {
	return &Assignment{
		ID:          uuid.New(),
		RequestID:   requestID,
		PublishedAt: publishedAt,
		Status:      StatusSearching,
		Version:     1,
	}
}

// ProposeTo offers the request to a driver. Proposing a driver who is
// already in the proposed set and has not rejected is idempotent: the set
// and the awaiting counter are both left untouched.
func (a *Assignment) ProposeTo(driverID uuid.UUID) error {
	if a.Status != StatusSearching {
		return ErrInvalidTransition
	}
	if a.hasRejected(driverID) {
		return ErrDriverNotEligible
	}
	if a.hasProposed(driverID) {
		return nil
	}
	a.ProposedDrivers = append(a.ProposedDrivers, driverID)
	a.AwaitingResponses++
	return nil
}

// AcceptBy commits the request to the driver. Exactly one driver can win;
// the store's version check turns racing accepts into retries upstream.
func (a *Assignment) AcceptBy(driverID uuid.UUID) error {
	if !a.hasProposed(driverID) || a.hasRejected(driverID) {
		return ErrDriverNotEligible
	}
	switch a.Status {
	case StatusSearching:
	case StatusAssigned:
		return ErrAlreadyAssigned
	default:
		return ErrInvalidTransition
	}
	if a.AssignedDriver != nil {
		return ErrAlreadyAssigned
	}
	a.Status = StatusAssigned
	a.AssignedDriver = &driverID
	a.AwaitingResponses = 0
	return nil
}

// RejectBy records the driver's refusal. A repeated rejection is a no-op,
// which keeps AwaitingResponses from going negative on duplicate calls.
func (a *Assignment) RejectBy(driverID uuid.UUID) error {
	if a.Status != StatusSearching {
		return ErrInvalidTransition
	}
	if !a.hasProposed(driverID) {
		return ErrDriverNotEligible
	}
	if a.hasRejected(driverID) {
		return nil
	}
	a.RejectedDrivers = append(a.RejectedDrivers, driverID)
	if a.AwaitingResponses > 0 {
		a.AwaitingResponses--
	}
	return nil
}

// Cancel stops the assignment from searching or assigned state.
func (a *Assignment) Cancel() error {
	if a.Status != StatusSearching && a.Status != StatusAssigned {
		return ErrInvalidTransition
	}
	a.Status = StatusCancelled
	a.AssignedDriver = nil
	a.AwaitingResponses = 0
	return nil
}

// Fail marks the search as exhausted.
func (a *Assignment) Fail() error {
	if a.Status != StatusSearching {
		return ErrInvalidTransition
	}
	a.Status = StatusFailed
	a.AssignedDriver = nil
	a.AwaitingResponses = 0
	return nil
}

// Expired reports whether the request can no longer be matched. It does
// not transition state; callers decide whether to Fail.
func (a *Assignment) Expired(now time.Time) bool {
	if a.Status == StatusCancelled {
		return true
	}
	return now.After(a.PublishedAt.Add(PublishTimeout))
}

func (a *Assignment) hasProposed(driverID uuid.UUID) bool {
	for _, id := range a.ProposedDrivers {
		if id == driverID {
			return true
		}
	}
	return false
}

func (a *Assignment) hasRejected(driverID uuid.UUID) bool {
	for _, id := range a.RejectedDrivers {
		if id == driverID {
			return true
		}
	}
	return false
}

// InvolvedDrivers is a read-only snapshot of the driver-related fields,
// handed to callers outside the dispatch component.
type InvolvedDrivers struct {
	RequestID       uuid.UUID        `json:"request_id"`
	ProposedDrivers []uuid.UUID      `json:"proposed_drivers"`
	RejectedDrivers []uuid.UUID      `json:"rejected_drivers"`
	AssignedDriver  *uuid.UUID       `json:"assigned_driver,omitempty"`
	Status          AssignmentStatus `json:"status"`
}

// Involved builds the projection as a copy, never a live view.
func (a *Assignment) Involved() InvolvedDrivers {
	out := InvolvedDrivers{
		RequestID:       a.RequestID,
		ProposedDrivers: append([]uuid.UUID(nil), a.ProposedDrivers...),
		RejectedDrivers: append([]uuid.UUID(nil), a.RejectedDrivers...),
		Status:          a.Status,
	}
	if a.AssignedDriver != nil {
		id := *a.AssignedDriver
		out.AssignedDriver = &id
	}
	return out
}

// Store is the persistence boundary for assignments. Update performs a
// compare-and-swap on Version and returns ErrConcurrentModification when
// the stored version no longer matches the one the caller read.
type Store interface {
	Create(ctx context.Context, a *Assignment) error
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*Assignment, error)
	GetByRequestIDAndStatus(ctx context.Context, requestID uuid.UUID, status AssignmentStatus) (*Assignment, error)
	Update(ctx context.Context, a *Assignment) error
}

// DriverPosition is a nearby-driver query result.
type DriverPosition struct {
	DriverID uuid.UUID
	Point    GeoPoint
	LastSeen time.Time
}

// DriverLocator answers which drivers of the given classes were active
// near a point within the freshness window.
type DriverLocator interface {
	NearbyActive(ctx context.Context, point GeoPoint, radiusKM float64, classes []CarClass, freshness time.Duration) ([]DriverPosition, error)
}

// CarClassSource returns the currently activatable fleet classes.
type CarClassSource interface {
	ActiveClasses(ctx context.Context) ([]CarClass, error)
}

// Notifier pushes dispatch messages to drivers. Delivery is best effort;
// implementations log failures instead of returning them.
type Notifier interface {
	PossibleTransit(ctx context.Context, driverID, requestID uuid.UUID)
	ChangedAddress(ctx context.Context, driverID, requestID uuid.UUID)
	Cancelled(ctx context.Context, driverID, requestID uuid.UUID)
}

type DispatchEventType string

const (
	EventAssignmentStarted   DispatchEventType = "AssignmentStarted"
	EventDriverProposed      DispatchEventType = "DriverProposed"
	EventDriverAssigned      DispatchEventType = "DriverAssigned"
	EventAssignmentCancelled DispatchEventType = "AssignmentCancelled"
	EventAssignmentFailed    DispatchEventType = "AssignmentFailed"
)

type DispatchEvent struct {
	RequestID uuid.UUID         `json:"request_id"`
	Type      DispatchEventType `json:"type"`
	Payload   map[string]any    `json:"payload,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, event DispatchEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
