package tracking

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatchlite/internal/dispatch/domain"
)

// PositionSink ingests driver position reports.
type PositionSink interface {
	UpsertPosition(ctx context.Context, driverID uuid.UUID, class domain.CarClass, point domain.GeoPoint, at time.Time) error
}

type positionRecord struct {
	class    domain.CarClass
	point    domain.GeoPoint
	lastSeen time.Time
}

// MemoryIndex keeps the latest position per driver and answers nearby
// queries with a haversine scan. It doubles as the snapshot source for
// the tracking service's REST surface.
type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[uuid.UUID]positionRecord
	clock     domain.Clock
}

// NewMemoryIndex constructs an empty index.
func NewMemoryIndex(clock domain.Clock) *MemoryIndex {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryIndex{positions: make(map[uuid.UUID]positionRecord), clock: clock}
}

// UpsertPosition stores the driver's latest report.
func (m *MemoryIndex) UpsertPosition(_ context.Context, driverID uuid.UUID, class domain.CarClass, point domain.GeoPoint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[driverID] = positionRecord{class: class, point: point, lastSeen: at}
	return nil
}

// NearbyActive returns drivers of the given classes within radiusKM whose
// last report falls inside the freshness window, closest first.
func (m *MemoryIndex) NearbyActive(_ context.Context, point domain.GeoPoint, radiusKM float64, classes []domain.CarClass, freshness time.Duration) ([]domain.DriverPosition, error) {
	wanted := make(map[domain.CarClass]struct{}, len(classes))
	for _, class := range classes {
		wanted[class] = struct{}{}
	}
	cutoff := m.clock.Now().Add(-freshness)

	m.mu.RLock()
	defer m.mu.RUnlock()
	type scored struct {
		pos  domain.DriverPosition
		dist float64
	}
	var results []scored
	for driverID, rec := range m.positions {
		if _, ok := wanted[rec.class]; !ok {
			continue
		}
		if rec.lastSeen.Before(cutoff) {
			continue
		}
		dist := haversineKM(rec.point, point)
		if dist > radiusKM {
			continue
		}
		results = append(results, scored{
			pos:  domain.DriverPosition{DriverID: driverID, Point: rec.point, LastSeen: rec.lastSeen},
			dist: dist,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].dist < results[j].dist })
	out := make([]domain.DriverPosition, len(results))
	for i, r := range results {
		out[i] = r.pos
	}
	return out, nil
}

// All returns every stored position snapshot.
func (m *MemoryIndex) All() []domain.DriverPosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.DriverPosition, 0, len(m.positions))
	for driverID, rec := range m.positions {
		out = append(out, domain.DriverPosition{DriverID: driverID, Point: rec.point, LastSeen: rec.lastSeen})
	}
	return out
}

func haversineKM(a, b domain.GeoPoint) float64 {
	const earthRadiusKM = 6371.0
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
