package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// patchAttempts bounds optimistic-lock retries before Patch gives up with
// ErrConflict.
const patchAttempts = 25

// RedisStore implements Store on a shared Redis instance. Records are JSON
// strings keyed "<kind>/<tenant>/<id>"; Patch uses WATCH/MULTI so concurrent
// read-modify-writes against the same key serialize.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to the given URL and verifies the server responds.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", ErrUnavailable)
	}

	return &RedisStore{rdb: client}, nil
}

// Close closes the client connection
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func redisKey(kind Kind, key string) string {
	return string(kind) + "/" + key
}

func (s *RedisStore) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, redisKey(kind, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %v: %w", kind, key, err, ErrUnavailable)
	}
	return data, nil
}

func (s *RedisStore) GetMulti(ctx context.Context, kind Kind, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = redisKey(kind, k)
	}
	vals, err := s.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget %s: %v: %w", kind, err, ErrUnavailable)
	}

	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[keys[i]] = []byte(str)
		}
	}
	return out, nil
}

func (s *RedisStore) Put(ctx context.Context, kind Kind, key string, value []byte) error {
	if err := s.rdb.Set(ctx, redisKey(kind, key), value, 0).Err(); err != nil {
		return fmt.Errorf("put %s/%s: %v: %w", kind, key, err, ErrUnavailable)
	}
	return nil
}

// Patch runs the mutator inside a WATCH/MULTI transaction. When another
// writer touches the key between the read and the EXEC, redis aborts the
// transaction and the patch retries with a fresh read.
func (s *RedisStore) Patch(ctx context.Context, kind Kind, key string, mutate Mutator) error {
	rkey := redisKey(kind, key)

	txn := func(tx *redis.Tx) error {
		before, err := tx.Get(ctx, rkey).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
		}
		if err != nil {
			return err
		}

		after, err := mutate(before)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rkey, after, 0)
			return nil
		})
		return err
	}

	for i := 0; i < patchAttempts; i++ {
		err := s.rdb.Watch(ctx, txn, rkey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			patchConflicts.Add(1)
			continue
		}
		return err
	}
	return fmt.Errorf("patch %s/%s: %w", kind, key, ErrConflict)
}

func (s *RedisStore) Delete(ctx context.Context, kind Kind, key string) error {
	if err := s.rdb.Del(ctx, redisKey(kind, key)).Err(); err != nil {
		return fmt.Errorf("delete %s/%s: %v: %w", kind, key, err, ErrUnavailable)
	}
	return nil
}

func (s *RedisStore) ListKeys(ctx context.Context, kind Kind, prefix string) ([]string, error) {
	var keys []string
	match := redisKey(kind, prefix) + "*"
	iter := s.rdb.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(kind)+1:])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %v: %w", kind, err, ErrUnavailable)
	}
	return keys, nil
}

func (s *RedisStore) Scan(ctx context.Context, kind Kind, prefix string, pageSize int, visit VisitFunc) error {
	if pageSize <= 0 {
		pageSize = 500
	}

	keys, err := s.ListKeys(ctx, kind, prefix)
	if err != nil {
		return err
	}

	for start := 0; start < len(keys); start += pageSize {
		end := min(start+pageSize, len(keys))
		page, err := s.GetMulti(ctx, kind, keys[start:end])
		if err != nil {
			return err
		}
		// Iterate the key slice so ordering stays deterministic; keys deleted
		// since the listing are simply skipped.
		for _, k := range keys[start:end] {
			val, ok := page[k]
			if !ok {
				continue
			}
			if err := visit(k, val); err != nil {
				return err
			}
		}
	}
	return nil
}
