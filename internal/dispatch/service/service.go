package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatchlite/internal/dispatch/domain"
)

const (
	// maxSearchRadiusKM bounds radius growth; reaching it fails the search.
	maxSearchRadiusKM = 20
	// maxAwaitingResponses caps outstanding offers per request before a
	// search call is turned away.
	maxAwaitingResponses = 4
	// driverFreshness is how recently a driver must have reported a
	// position to count as active.
	driverFreshness = 5 * time.Minute
)

// Service is the dispatch orchestrator: it owns the assignment aggregate
// and runs the propose/accept/reject protocol against it.
type Service struct {
	store    domain.Store
	fleet    domain.CarClassSource
	drivers  domain.DriverLocator
	notifier domain.Notifier
	events   domain.EventPublisher
	clock    domain.Clock
}

// New constructs a Service with the required collaborators.
func New(store domain.Store, fleet domain.CarClassSource, drivers domain.DriverLocator, notifier domain.Notifier, events domain.EventPublisher, clock domain.Clock) *Service {
	return &Service{store: store, fleet: fleet, drivers: drivers, notifier: notifier, events: events, clock: clock}
}

// Start creates the assignment for a newly published request and runs the
// first search pass. Fails with ErrAlreadyExists when the request already
// has an assignment.
func (s *Service) Start(ctx context.Context, requestID uuid.UUID, pickup domain.GeoPoint, carClass *domain.CarClass, now time.Time) (domain.InvolvedDrivers, error) {
	a := domain.NewAssignment(requestID, now)
	if err := s.store.Create(ctx, a); err != nil {
		return domain.InvolvedDrivers{}, fmt.Errorf("create assignment: %w", err)
	}
	s.publish(ctx, requestID, domain.EventAssignmentStarted, nil)
	return s.Search(ctx, requestID, pickup, carClass)
}

// Search runs the expanding-radius loop. Exhausting the radius or the
// publish window is a normal outcome reported through the projection's
// FAILED status, not an error.
func (s *Service) Search(ctx context.Context, requestID uuid.UUID, pickup domain.GeoPoint, carClass *domain.CarClass) (domain.InvolvedDrivers, error) {
	started := s.clock.Now()
	a, err := s.store.GetByRequestID(ctx, requestID)
	if err != nil {
		return domain.InvolvedDrivers{}, fmt.Errorf("load assignment: %w", err)
	}

	if a.AwaitingResponses > maxAwaitingResponses {
		searchOutcomes.WithLabelValues("awaiting_capped").Inc()
		return a.Involved(), nil
	}

	for radiusKM := 1; ; radiusKM++ {
		if a.Expired(s.clock.Now()) || radiusKM >= maxSearchRadiusKM {
			return s.failSearch(ctx, a, started)
		}

		classes, err := s.candidateClasses(ctx, carClass)
		if err != nil {
			return domain.InvolvedDrivers{}, err
		}
		if len(classes) == 0 {
			searchOutcomes.WithLabelValues("no_active_classes").Inc()
			return a.Involved(), nil
		}

		positions, err := s.drivers.NearbyActive(ctx, pickup, float64(radiusKM), classes, driverFreshness)
		if err != nil {
			return domain.InvolvedDrivers{}, fmt.Errorf("nearby drivers: %w", err)
		}
		if len(positions) == 0 {
			continue
		}

		proposed := make([]uuid.UUID, 0, len(positions))
		for _, pos := range positions {
			if err := a.ProposeTo(pos.DriverID); err != nil {
				if errors.Is(err, domain.ErrDriverNotEligible) {
					continue
				}
				return domain.InvolvedDrivers{}, err
			}
			proposed = append(proposed, pos.DriverID)
		}
		if err := s.store.Update(ctx, a); err != nil {
			return domain.InvolvedDrivers{}, fmt.Errorf("save assignment: %w", err)
		}
		for _, driverID := range proposed {
			s.notifier.PossibleTransit(ctx, driverID, requestID)
			s.publish(ctx, requestID, domain.EventDriverProposed, map[string]any{"driver_id": driverID.String()})
		}
		searchOutcomes.WithLabelValues("proposed").Inc()
		searchRadiusKM.Observe(float64(radiusKM))
		searchDuration.Observe(s.clock.Now().Sub(started).Seconds())
		return a.Involved(), nil
	}
}

// Accept commits the request to the calling driver. Losing a race surfaces
// as ErrAlreadyAssigned; an offer that was never made as ErrDriverNotEligible.
func (s *Service) Accept(ctx context.Context, requestID, driverID uuid.UUID) (domain.InvolvedDrivers, error) {
	a, err := s.store.GetByRequestID(ctx, requestID)
	if err != nil {
		return domain.InvolvedDrivers{}, fmt.Errorf("load assignment: %w", err)
	}
	if err := a.AcceptBy(driverID); err != nil {
		acceptTotal.WithLabelValues("rejected").Inc()
		return domain.InvolvedDrivers{}, err
	}
	if err := s.store.Update(ctx, a); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			acceptTotal.WithLabelValues("conflict").Inc()
		}
		return domain.InvolvedDrivers{}, fmt.Errorf("save assignment: %w", err)
	}
	acceptTotal.WithLabelValues("won").Inc()
	s.publish(ctx, requestID, domain.EventDriverAssigned, map[string]any{"driver_id": driverID.String()})
	return a.Involved(), nil
}

// Reject records the driver's refusal.
func (s *Service) Reject(ctx context.Context, requestID, driverID uuid.UUID) (domain.InvolvedDrivers, error) {
	a, err := s.store.GetByRequestID(ctx, requestID)
	if err != nil {
		return domain.InvolvedDrivers{}, fmt.Errorf("load assignment: %w", err)
	}
	if err := a.RejectBy(driverID); err != nil {
		return domain.InvolvedDrivers{}, err
	}
	if err := s.store.Update(ctx, a); err != nil {
		return domain.InvolvedDrivers{}, fmt.Errorf("save assignment: %w", err)
	}
	return a.Involved(), nil
}

// Cancel stops the assignment. Cancellation is best effort: a missing
// record yields an empty projection instead of an error.
func (s *Service) Cancel(ctx context.Context, requestID uuid.UUID) (domain.InvolvedDrivers, error) {
	a, err := s.store.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.InvolvedDrivers{RequestID: requestID}, nil
		}
		return domain.InvolvedDrivers{}, fmt.Errorf("load assignment: %w", err)
	}
	var assigned *uuid.UUID
	if a.AssignedDriver != nil {
		id := *a.AssignedDriver
		assigned = &id
	}
	if err := a.Cancel(); err != nil {
		return domain.InvolvedDrivers{}, err
	}
	if err := s.store.Update(ctx, a); err != nil {
		return domain.InvolvedDrivers{}, fmt.Errorf("save assignment: %w", err)
	}
	if assigned != nil {
		s.notifier.Cancelled(ctx, *assigned, requestID)
	}
	s.publish(ctx, requestID, domain.EventAssignmentCancelled, nil)
	return a.Involved(), nil
}

// IsAssigned reports whether the request has a committed driver.
func (s *Service) IsAssigned(ctx context.Context, requestID uuid.UUID) (bool, error) {
	_, err := s.store.GetByRequestIDAndStatus(ctx, requestID, domain.StatusAssigned)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// candidateClasses resolves which fleet classes to search: the requested
// class when it is currently active, all active classes when none was
// requested, nothing otherwise.
func (s *Service) candidateClasses(ctx context.Context, requested *domain.CarClass) ([]domain.CarClass, error) {
	active, err := s.fleet.ActiveClasses(ctx)
	if err != nil {
		return nil, fmt.Errorf("active car classes: %w", err)
	}
	if requested == nil {
		return active, nil
	}
	for _, class := range active {
		if class == *requested {
			return []domain.CarClass{*requested}, nil
		}
	}
	return nil, nil
}

// failSearch marks the assignment exhausted. A record that is already
// terminal (a cancel raced the search) is left untouched.
func (s *Service) failSearch(ctx context.Context, a *domain.Assignment, started time.Time) (domain.InvolvedDrivers, error) {
	if a.Status == domain.StatusSearching {
		if err := a.Fail(); err != nil {
			return domain.InvolvedDrivers{}, err
		}
		if err := s.store.Update(ctx, a); err != nil {
			return domain.InvolvedDrivers{}, fmt.Errorf("save assignment: %w", err)
		}
		s.publish(ctx, a.RequestID, domain.EventAssignmentFailed, nil)
	}
	searchOutcomes.WithLabelValues("exhausted").Inc()
	searchDuration.Observe(s.clock.Now().Sub(started).Seconds())
	return a.Involved(), nil
}

func (s *Service) publish(ctx context.Context, requestID uuid.UUID, eventType domain.DispatchEventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, domain.DispatchEvent{
		RequestID: requestID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	})
}
