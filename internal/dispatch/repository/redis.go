package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/dispatchlite/internal/dispatch/domain"
)

const defaultAssignmentPrefix = "dispatch:assignment:"

// RedisStore persists each assignment as a hash keyed by request id. The
// driver sets travel as comma-delimited id lists; that encoding is a
// storage concern only and never leaks past this package. Version checks
// run inside Lua so the compare-and-swap is atomic on the server.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
	createLua *redis.Script
	updateLua *redis.Script
}

// NewRedisStore constructs the store.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultAssignmentPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix,
		createLua: redis.NewScript(createAssignmentLua),
		updateLua: redis.NewScript(updateAssignmentLua),
	}
}

// Create writes the assignment unless one already exists for the request.
func (r *RedisStore) Create(ctx context.Context, a *domain.Assignment) error {
	created, err := r.createLua.Run(ctx, r.client, []string{r.key(a.RequestID)}, fieldArgs(a)...).Int()
	if err != nil {
		return fmt.Errorf("redis create assignment: %w", err)
	}
	if created == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// GetByRequestID loads and decodes the assignment hash.
func (r *RedisStore) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.Assignment, error) {
	fields, err := r.client.HGetAll(ctx, r.key(requestID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load assignment: %w", err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeAssignment(fields)
}

// GetByRequestIDAndStatus loads the assignment only when its status matches.
func (r *RedisStore) GetByRequestIDAndStatus(ctx context.Context, requestID uuid.UUID, status domain.AssignmentStatus) (*domain.Assignment, error) {
	a, err := r.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if a.Status != status {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

// Update replaces the hash if the stored version still matches the one the
// caller read, bumping the version on success.
func (r *RedisStore) Update(ctx context.Context, a *domain.Assignment) error {
	args := append([]any{strconv.FormatInt(a.Version, 10)}, fieldArgs(a)...)
	result, err := r.updateLua.Run(ctx, r.client, []string{r.key(a.RequestID)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis update assignment: %w", err)
	}
	switch result {
	case -1:
		return domain.ErrNotFound
	case 0:
		return domain.ErrConcurrentModification
	default:
		a.Version = result
		return nil
	}
}

func (r *RedisStore) key(requestID uuid.UUID) string {
	return r.keyPrefix + requestID.String()
}

func fieldArgs(a *domain.Assignment) []any {
	assigned := ""
	if a.AssignedDriver != nil {
		assigned = a.AssignedDriver.String()
	}
	return []any{
		a.ID.String(),
		a.RequestID.String(),
		a.PublishedAt.UTC().Format(time.RFC3339Nano),
		string(a.Status),
		assigned,
		joinIDs(a.ProposedDrivers),
		joinIDs(a.RejectedDrivers),
		strconv.Itoa(a.AwaitingResponses),
	}
}

func decodeAssignment(fields map[string]string) (*domain.Assignment, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("decode assignment id: %w", err)
	}
	requestID, err := uuid.Parse(fields["request_id"])
	if err != nil {
		return nil, fmt.Errorf("decode request id: %w", err)
	}
	publishedAt, err := time.Parse(time.RFC3339Nano, fields["published_at"])
	if err != nil {
		return nil, fmt.Errorf("decode published_at: %w", err)
	}
	awaiting, err := strconv.Atoi(fields["awaiting_responses"])
	if err != nil {
		return nil, fmt.Errorf("decode awaiting_responses: %w", err)
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	proposed, err := splitIDs(fields["proposed_drivers"])
	if err != nil {
		return nil, fmt.Errorf("decode proposed_drivers: %w", err)
	}
	rejected, err := splitIDs(fields["rejected_drivers"])
	if err != nil {
		return nil, fmt.Errorf("decode rejected_drivers: %w", err)
	}

	a := &domain.Assignment{
		ID:                id,
		RequestID:         requestID,
		PublishedAt:       publishedAt,
		Status:            domain.AssignmentStatus(fields["status"]),
		ProposedDrivers:   proposed,
		RejectedDrivers:   rejected,
		AwaitingResponses: awaiting,
		Version:           version,
	}
	if raw := fields["assigned_driver"]; raw != "" {
		driverID, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode assigned_driver: %w", err)
		}
		a.AssignedDriver = &driverID
	}
	return a, nil
}

func joinIDs(ids []uuid.UUID) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func splitIDs(raw string) ([]uuid.UUID, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

const createAssignmentLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1],
  'request_id', ARGV[2],
  'published_at', ARGV[3],
  'status', ARGV[4],
  'assigned_driver', ARGV[5],
  'proposed_drivers', ARGV[6],
  'rejected_drivers', ARGV[7],
  'awaiting_responses', ARGV[8],
  'version', '1')
return 1
`

const updateAssignmentLua = `
local stored = redis.call('HGET', KEYS[1], 'version')
if not stored then
  return -1
end
if stored ~= ARGV[1] then
  return 0
end
local next = tonumber(stored) + 1
redis.call('HSET', KEYS[1],
  'id', ARGV[2],
  'request_id', ARGV[3],
  'published_at', ARGV[4],
  'status', ARGV[5],
  'assigned_driver', ARGV[6],
  'proposed_drivers', ARGV[7],
  'rejected_drivers', ARGV[8],
  'awaiting_responses', ARGV[9],
  'version', tostring(next))
return next
`
