package tracking

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/dispatchlite/internal/dispatch/domain"
)

const (
	defaultGeoKeyPrefix = "tracking:drivers:"
	defaultLastSeenKey  = "tracking:last_seen"
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisIndex stores driver positions in one GEO set per car class plus a
// last-seen hash used to enforce the freshness window.
type RedisIndex struct {
	client      *redis.Client
	geoPrefix   string
	lastSeenKey string
}

// NewRedisIndex constructs a Redis-backed position index.
func NewRedisIndex(client *redis.Client, geoPrefix, lastSeenKey string) *RedisIndex {
	if geoPrefix == "" {
		geoPrefix = defaultGeoKeyPrefix
	}
	if lastSeenKey == "" {
		lastSeenKey = defaultLastSeenKey
	}
	return &RedisIndex{client: client, geoPrefix: geoPrefix, lastSeenKey: lastSeenKey}
}

// UpsertPosition writes the driver's coordinate and last-seen timestamp.
func (r *RedisIndex) UpsertPosition(ctx context.Context, driverID uuid.UUID, class domain.CarClass, point domain.GeoPoint, at time.Time) error {
	pipe := r.client.Pipeline()
	pipe.GeoAdd(ctx, r.geoKey(class), &redis.GeoLocation{
		Name:      driverID.String(),
		Longitude: point.Lng,
		Latitude:  point.Lat,
	})
	pipe.HSet(ctx, r.lastSeenKey, driverID.String(), strconv.FormatInt(at.Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert position: %w", err)
	}
	return nil
}

// NearbyActive queries each class's GEO set and filters out drivers whose
// last report is older than the freshness window.
func (r *RedisIndex) NearbyActive(ctx context.Context, point domain.GeoPoint, radiusKM float64, classes []domain.CarClass, freshness time.Duration) ([]domain.DriverPosition, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis index not configured")
	}
	cutoff := time.Now().UTC().Add(-freshness)

	var out []domain.DriverPosition
	for _, class := range classes {
		query := &redis.GeoSearchLocationQuery{
			GeoSearchQuery: redis.GeoSearchQuery{
				Longitude:  point.Lng,
				Latitude:   point.Lat,
				Radius:     radiusKM,
				RadiusUnit: "km",
				Sort:       "ASC",
			},
			WithCoord: true,
		}
		results, err := r.client.GeoSearchLocation(ctx, r.geoKey(class), query).Result()
		if err != nil {
			return nil, fmt.Errorf("redis geosearch: %w", err)
		}
		for _, res := range results {
			driverID, err := uuid.Parse(res.Name)
			if err != nil {
				return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
			}
			lastSeen, err := r.lastSeen(ctx, driverID)
			if err != nil {
				return nil, err
			}
			if lastSeen.Before(cutoff) {
				continue
			}
			out = append(out, domain.DriverPosition{
				DriverID: driverID,
				Point:    domain.GeoPoint{Lat: res.Latitude, Lng: res.Longitude},
				LastSeen: lastSeen,
			})
		}
	}
	return out, nil
}

func (r *RedisIndex) lastSeen(ctx context.Context, driverID uuid.UUID) (time.Time, error) {
	raw, err := r.client.HGet(ctx, r.lastSeenKey, driverID.String()).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis last seen: %w", err)
	}
	unix, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last seen: %w", err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (r *RedisIndex) geoKey(class domain.CarClass) string {
	return r.geoPrefix + string(class)
}
