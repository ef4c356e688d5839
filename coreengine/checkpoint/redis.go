package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jeeves-cluster-organization/stagegraph/coreengine/record"
)

const backendRedis = "redis"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires checkpoints; 0 keeps them forever.
	TTL time.Duration
}

// RedisStore keeps one JSON value per run plus a sorted set indexing runs
// by start time.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisStoreFromClient(client, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "stagegraph:checkpoint:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) runKey(runID string) string {
	return s.keyPrefix + "run:" + runID
}

func (s *RedisStore) indexKey() string {
	return s.keyPrefix + "runs"
}

// Save writes the record and indexes it.
func (s *RedisStore) Save(ctx context.Context, rec *record.Record) error {
	data, err := encode(backendRedis, rec)
	if err != nil {
		return err
	}
	runID := rec.RunID()

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.runKey(runID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.StartedAt().UnixNano()), Member: runID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		err = fmt.Errorf("failed to save checkpoint %s: %w", runID, err)
	}
	return recordWrite(backendRedis, err)
}

// Load reads a record. Unknown runs return ErrNotFound.
func (s *RedisStore) Load(ctx context.Context, runID string) (*record.Record, error) {
	data, err := s.client.Get(ctx, s.runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", runID, err)
	}
	return decode(runID, data)
}

// List returns indexed run IDs, newest first. Expired runs are pruned from
// the index as they are found.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.runKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list checkpoints: %w", err)
		}
		if n == 0 {
			s.client.ZRem(ctx, s.indexKey(), id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Delete removes a record. Deleting an unknown run is not an error.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.runKey(runID))
	pipe.ZRem(ctx, s.indexKey(), runID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete checkpoint %s: %w", runID, err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
