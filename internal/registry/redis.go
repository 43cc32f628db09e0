package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
)

const (
	// KeyPrefixService is the prefix for service record keys
	KeyPrefixService = "fleetmesh:service:"
	// KeyAllServices is the key for the set of all registered IDs
	KeyAllServices = "fleetmesh:services:all"

	// DefaultRecordTTL applies when a record carries no check windows.
	DefaultRecordTTL = time.Minute
)

// ServiceKey returns the Redis key for a service by ID
func ServiceKey(id string) string {
	return KeyPrefixService + id
}

// ExtractServiceID extracts the service ID from a Redis key
func ExtractServiceID(key string) (string, error) {
	if len(key) <= len(KeyPrefixService) || key[:len(KeyPrefixService)] != KeyPrefixService {
		return "", fmt.Errorf("invalid service key: %s", key)
	}
	return key[len(KeyPrefixService):], nil
}

// RecordTTL is how long a record survives without a heartbeat.
func RecordTTL(rec Record) time.Duration {
	ttl := rec.Check.Interval + rec.Check.DeregisterAfter
	if ttl <= 0 {
		return DefaultRecordTTL
	}
	return ttl
}

// RedisRegistry stores records as JSON values that expire unless the owning
// process re-registers, plus one set indexing every ID.
type RedisRegistry struct {
	client *redis.Client
	logger logger.Logger
	now    func() time.Time
}

func NewRedisRegistry(client *redis.Client, log logger.Logger) *RedisRegistry {
	return &RedisRegistry{
		client: client,
		logger: log,
		now:    time.Now,
	}
}

func (r *RedisRegistry) Register(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("register: empty service id")
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = r.now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, ServiceKey(rec.ID), data, RecordTTL(rec))
	pipe.SAdd(ctx, KeyAllServices, rec.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register %s: %w", rec.ID, err)
	}
	return nil
}

func (r *RedisRegistry) Deregister(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, ServiceKey(id))
	pipe.SRem(ctx, KeyAllServices, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister %s: %w", id, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (Record, error) {
	data, err := r.client.Get(ctx, ServiceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, fmt.Errorf("failed to get service: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return rec, nil
}

// Services lists every live record. IDs whose record expired are removed
// from the index set on the way.
func (r *RedisRegistry) Services(ctx context.Context) ([]Record, error) {
	ids, err := r.client.SMembers(ctx, KeyAllServices).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get service IDs: %w", err)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, ServiceKey(id))
	}
	// redis.Nil on individual GETs is expected for expired records
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}

	recs := make([]Record, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				stale = append(stale, ids[i])
			}
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("skipping unreadable registry record",
				logger.String("service_id", ids[i]),
				logger.Error(err))
			continue
		}
		recs = append(recs, rec)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, KeyAllServices, stale...).Err(); err != nil {
			r.logger.Warn("failed to prune expired registry ids", logger.Error(err))
		}
	}

	sortRecords(recs)
	return recs, nil
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
