package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatchlite/internal/dispatch/domain"
	"github.com/example/dispatchlite/internal/dispatch/repository"
	"github.com/example/dispatchlite/internal/dispatch/service"
	"github.com/example/dispatchlite/internal/fleet"
	"github.com/example/dispatchlite/internal/notify"
)

type stubClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubLocator struct {
	mu      sync.Mutex
	radii   []float64
	respond func(radiusKM float64) []domain.DriverPosition
}

func (l *stubLocator) NearbyActive(_ context.Context, _ domain.GeoPoint, radiusKM float64, _ []domain.CarClass, _ time.Duration) ([]domain.DriverPosition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.radii = append(l.radii, radiusKM)
	if l.respond == nil {
		return nil, nil
	}
	return l.respond(radiusKM), nil
}

func (l *stubLocator) calls() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]float64(nil), l.radii...)
}

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.DispatchEvent
}

func (s *stubPublisher) Publish(_ context.Context, event domain.DispatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) types() []domain.DispatchEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DispatchEventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc      *service.Service
	store    *repository.MemoryStore
	locator  *stubLocator
	notifier *notify.MemoryNotifier
	events   *stubPublisher
	clock    *stubClock
	registry *fleet.MemoryRegistry
}

func newFixture(respond func(radiusKM float64) []domain.DriverPosition) *fixture {
	f := &fixture{
		store:    repository.NewMemoryStore(),
		locator:  &stubLocator{respond: respond},
		notifier: notify.NewMemoryNotifier(),
		events:   &stubPublisher{},
		clock:    &stubClock{t: time.Unix(1700000000, 0).UTC()},
		registry: fleet.NewMemoryRegistry("economy", "comfort"),
	}
	f.svc = service.New(f.store, f.registry, f.locator, f.notifier, f.events, f.clock)
	return f
}

func positions(ids ...uuid.UUID) []domain.DriverPosition {
	out := make([]domain.DriverPosition, len(ids))
	for i, id := range ids {
		out[i] = domain.DriverPosition{DriverID: id, Point: domain.GeoPoint{Lat: 35.7, Lng: 51.4}}
	}
	return out
}

func TestStartProposesAndNotifiesNearbyDrivers(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()
	f := newFixture(func(float64) []domain.DriverPosition { return positions(d1, d2) })
	requestID := uuid.New()

	involved, err := f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSearching, involved.Status)
	require.ElementsMatch(t, []uuid.UUID{d1, d2}, involved.ProposedDrivers)

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.Equal(t, notify.KindPossibleTransit, msg.Kind)
		require.Equal(t, requestID, msg.RequestID)
	}
	require.Equal(t, []domain.DispatchEventType{
		domain.EventAssignmentStarted,
		domain.EventDriverProposed,
		domain.EventDriverProposed,
	}, f.events.types())
}

func TestStartDuplicateRequest(t *testing.T) {
	f := newFixture(nil)
	requestID := uuid.New()

	_, err := f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)

	_, err = f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSearchGrowsRadiusUntilDriversFound(t *testing.T) {
	driver := uuid.New()
	f := newFixture(func(radiusKM float64) []domain.DriverPosition {
		if radiusKM < 3 {
			return nil
		}
		return positions(driver)
	})
	requestID := uuid.New()

	involved, err := f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, f.locator.calls())
	require.Equal(t, []uuid.UUID{driver}, involved.ProposedDrivers)
}

func TestSearchExhaustsRadius(t *testing.T) {
	f := newFixture(nil)
	requestID := uuid.New()

	involved, err := f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, involved.Status)
	require.Empty(t, involved.ProposedDrivers)

	calls := f.locator.calls()
	require.Len(t, calls, 19, "queries run for radii 1..19, then the 20km bound fails the search")
	require.Contains(t, f.events.types(), domain.EventAssignmentFailed)
}

func TestSearchFailsAfterPublishWindow(t *testing.T) {
	driver := uuid.New()
	f := newFixture(func(float64) []domain.DriverPosition { return positions(driver) })
	requestID := uuid.New()

	_, err := f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	callsBefore := len(f.locator.calls())

	f.clock.Advance(301 * time.Second)
	involved, err := f.svc.Search(context.Background(), requestID, domain.GeoPoint{}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, involved.Status)
	require.Len(t, f.locator.calls(), callsBefore, "expired searches never query for drivers")
}

func TestSearchTurnsAwayWhenTooManyOffersOutstanding(t *testing.T) {
	drivers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	f := newFixture(func(float64) []domain.DriverPosition { return positions(drivers...) })
	requestID := uuid.New()

	involved, err := f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, involved.ProposedDrivers, 5)
	callsBefore := len(f.locator.calls())

	involved, err = f.svc.Search(context.Background(), requestID, domain.GeoPoint{}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSearching, involved.Status)
	require.Len(t, f.locator.calls(), callsBefore, "capped searches must not grow the radius")
}

func TestSearchRequestedClassInactive(t *testing.T) {
	f := newFixture(func(float64) []domain.DriverPosition { return positions(uuid.New()) })
	requestID := uuid.New()
	limo := domain.CarClass("limousine")

	involved, err := f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, &limo, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSearching, involved.Status)
	require.Empty(t, involved.ProposedDrivers)
	require.Empty(t, f.locator.calls())
}

func TestSearchNoActiveClasses(t *testing.T) {
	f := newFixture(func(float64) []domain.DriverPosition { return positions(uuid.New()) })
	f.registry.SetActive()
	requestID := uuid.New()

	involved, err := f.svc.Start(context.Background(), requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	require.Equal(t, domain.StatusSearching, involved.Status)
	require.Empty(t, f.locator.calls())
}

func TestSearchSkipsRejectedDrivers(t *testing.T) {
	d1, d2 := uuid.New(), uuid.New()
	round := 0
	f := newFixture(func(float64) []domain.DriverPosition {
		if round == 0 {
			return positions(d1)
		}
		return positions(d1, d2)
	})
	requestID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.Start(ctx, requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, requestID, d1)
	require.NoError(t, err)

	round = 1
	involved, err := f.svc.Search(ctx, requestID, domain.GeoPoint{}, nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []uuid.UUID{d1, d2}, involved.ProposedDrivers)
	require.Equal(t, []uuid.UUID{d1}, involved.RejectedDrivers)

	// only d2 got a fresh offer in the second pass
	var transits []uuid.UUID
	for _, msg := range f.notifier.Messages() {
		if msg.Kind == notify.KindPossibleTransit {
			transits = append(transits, msg.DriverID)
		}
	}
	require.Equal(t, []uuid.UUID{d1, d2}, transits)
}

func TestAcceptRace(t *testing.T) {
	d1, d3 := uuid.New(), uuid.New()
	f := newFixture(func(float64) []domain.DriverPosition { return positions(d1, d3) })
	requestID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.Start(ctx, requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)

	involved, err := f.svc.Accept(ctx, requestID, d1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusAssigned, involved.Status)
	require.Equal(t, d1, *involved.AssignedDriver)

	// a driver who was never offered the ride
	_, err = f.svc.Accept(ctx, requestID, uuid.New())
	require.ErrorIs(t, err, domain.ErrDriverNotEligible)

	// a proposed driver who lost the race
	_, err = f.svc.Accept(ctx, requestID, d3)
	require.ErrorIs(t, err, domain.ErrAlreadyAssigned)

	assigned, err := f.svc.IsAssigned(ctx, requestID)
	require.NoError(t, err)
	require.True(t, assigned)
}

func TestRejectThenAcceptFails(t *testing.T) {
	d1 := uuid.New()
	f := newFixture(func(float64) []domain.DriverPosition { return positions(d1) })
	requestID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.Start(ctx, requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)

	involved, err := f.svc.Reject(ctx, requestID, d1)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{d1}, involved.RejectedDrivers)

	_, err = f.svc.Accept(ctx, requestID, d1)
	require.ErrorIs(t, err, domain.ErrDriverNotEligible)
}

func TestAcceptUnknownRequest(t *testing.T) {
	f := newFixture(nil)
	_, err := f.svc.Accept(context.Background(), uuid.New(), uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelNotifiesAssignedDriver(t *testing.T) {
	d1 := uuid.New()
	f := newFixture(func(float64) []domain.DriverPosition { return positions(d1) })
	requestID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.Start(ctx, requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, requestID, d1)
	require.NoError(t, err)

	involved, err := f.svc.Cancel(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, involved.Status)
	require.Nil(t, involved.AssignedDriver)

	msgs := f.notifier.Messages()
	last := msgs[len(msgs)-1]
	require.Equal(t, notify.KindCancelled, last.Kind)
	require.Equal(t, d1, last.DriverID)
}

func TestCancelMissingRecordIsBestEffort(t *testing.T) {
	f := newFixture(nil)
	requestID := uuid.New()

	involved, err := f.svc.Cancel(context.Background(), requestID)
	require.NoError(t, err)
	require.Equal(t, requestID, involved.RequestID)
	require.Empty(t, involved.Status)
}

func TestCancelTerminalRecordFails(t *testing.T) {
	f := newFixture(nil)
	requestID := uuid.New()
	ctx := context.Background()

	// start exhausts the radius immediately, leaving the record FAILED
	_, err := f.svc.Start(ctx, requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, requestID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSearchAfterCancelLeavesRecordCancelled(t *testing.T) {
	d1 := uuid.New()
	f := newFixture(func(float64) []domain.DriverPosition { return positions(d1) })
	requestID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.Start(ctx, requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, requestID)
	require.NoError(t, err)

	involved, err := f.svc.Search(ctx, requestID, domain.GeoPoint{}, nil)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, involved.Status)
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	const drivers = 8
	ids := make([]uuid.UUID, drivers)
	for i := range ids {
		ids[i] = uuid.New()
	}
	f := newFixture(func(float64) []domain.DriverPosition { return positions(ids...) })
	requestID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.Start(ctx, requestID, domain.GeoPoint{}, nil, f.clock.Now())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, drivers)
	for _, driverID := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, requestID, id)
			errs <- err
		}(driverID)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		ok := errors.Is(err, domain.ErrAlreadyAssigned) || errors.Is(err, domain.ErrConcurrentModification)
		require.True(t, ok, "unexpected error: %v", err)
	}
	require.Equal(t, 1, wins, "exactly one driver must win the race")

	assigned, err := f.svc.IsAssigned(ctx, requestID)
	require.NoError(t, err)
	require.True(t, assigned)
}
