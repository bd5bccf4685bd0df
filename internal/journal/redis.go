package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisStore keeps records as JSON strings with a ZSET index scored by
// command id.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*RedisStore)

// WithTTL sets the expiration for records.
func WithTTL(ttl time.Duration) Option {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for records.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(address, password string, db int, opts ...Option) *RedisStore {
	return NewRedisStoreFromClient(backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

// NewRedisStoreFromClient creates a store from an existing client.
func NewRedisStoreFromClient(client *backend.Client, opts ...Option) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "rbc:journal:",
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) key(id int) string {
	return s.prefix + strconv.Itoa(id)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Save writes the record and indexes it.
func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(rec.ID), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  float64(rec.ID),
		Member: strconv.Itoa(rec.ID),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Load retrieves one record.
func (s *RedisStore) Load(ctx context.Context, id int) (Record, error) {
	val, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("failed to get from redis: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// List returns the indexed records in id order. Index entries whose
// record expired are pruned.
func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.prefix + id
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	out := make([]Record, 0, len(values))
	var expired []interface{}
	for i, value := range values {
		str, ok := value.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}

	if len(expired) > 0 {
		if err := s.client.ZRem(ctx, s.indexKey(), expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune expired records: %w", err)
		}
	}
	return out, nil
}

// Truncate removes records with ids of at least from.
func (s *RedisStore) Truncate(ctx context.Context, from int) error {
	lower := strconv.Itoa(from)
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(), &backend.ZRangeBy{Min: lower, Max: "+inf"}).Result()
	if err != nil {
		return fmt.Errorf("failed to find records: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.prefix+id)
	}
	pipe.ZRemRangeByScore(ctx, s.indexKey(), lower, "+inf")
	_, err = pipe.Exec(ctx)
	return err
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
