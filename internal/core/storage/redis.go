package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"

	"github.com/zeusync/serialstate/internal/core/storage/interfaces"
)

const (
	fieldData    = "data"
	fieldFormat  = "format"
	fieldUpdated = "updated"

	DefaultRedisPrefix = "serialstate:snapshot:"
)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires snapshots after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// RedisStore keeps each snapshot in a hash with data, format and updated fields.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("storage: redis client is nil")
	}
	s := &RedisStore{client: client, prefix: DefaultRedisPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewRedisStoreWithOptions dials a new client from go-redis options.
func NewRedisStoreWithOptions(options *redis.Options, opts ...RedisOption) (*RedisStore, error) {
	if options == nil {
		return nil, errors.New("storage: redis options are required")
	}
	return NewRedisStore(redis.NewClient(options), opts...)
}

func (s *RedisStore) Put(ctx context.Context, key string, blob interfaces.Blob) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.put(ctx, pipe, key, blob)
		return nil
	})
	return errors.Wrapf(err, "failed to store %q", key)
}

func (s *RedisStore) put(ctx context.Context, pipe redis.Pipeliner, key string, blob interfaces.Blob) {
	updated := blob.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	k := s.prefix + key
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, map[string]any{
		fieldData:    blob.Data,
		fieldFormat:  blob.Format,
		fieldUpdated: strconv.FormatInt(updated.UnixNano(), 10),
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
}

func (s *RedisStore) Get(ctx context.Context, key string) (interfaces.Blob, error) {
	if err := ValidateKey(key); err != nil {
		return interfaces.Blob{}, err
	}
	result, err := s.client.HGetAll(ctx, s.prefix+key).Result()
	if err != nil {
		return interfaces.Blob{}, errors.Wrapf(err, "failed to load %q", key)
	}
	if len(result) == 0 {
		return interfaces.Blob{}, errors.Wrapf(interfaces.ErrNotFound, "%q", key)
	}
	return blobFromHash(result), nil
}

func blobFromHash(result map[string]string) interfaces.Blob {
	var blob interfaces.Blob
	if data, ok := result[fieldData]; ok {
		blob.Data = []byte(data)
	}
	blob.Format = result[fieldFormat]
	if ns, err := strconv.ParseInt(result[fieldUpdated], 10, 64); err == nil {
		blob.Updated = time.Unix(0, ns)
	}
	return blob
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	n, err := s.client.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return errors.Wrapf(err, "failed to delete %q", key)
	}
	if n == 0 {
		return errors.Wrapf(interfaces.ErrNotFound, "%q", key)
	}
	return nil
}

// List scans the key namespace and returns the keys in sorted order.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan snapshots")
	}
	sort.Strings(keys)
	return keys, nil
}

// BatchPut writes every blob in one transaction.
func (s *RedisStore) BatchPut(ctx context.Context, blobs map[string]interfaces.Blob) error {
	for key := range blobs {
		if err := ValidateKey(key); err != nil {
			return err
		}
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, blob := range blobs {
			s.put(ctx, pipe, key, blob)
		}
		return nil
	})
	return errors.Wrap(err, "failed to store batch")
}

// BatchGet loads the given keys in one round trip. Missing keys are absent
// from the result.
func (s *RedisStore) BatchGet(ctx context.Context, keys []string) (map[string]interfaces.Blob, error) {
	cmds := make(map[string]*redis.MapStringStringCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			if err := ValidateKey(key); err != nil {
				return err
			}
			cmds[key] = pipe.HGetAll(ctx, s.prefix+key)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}

	out := make(map[string]interfaces.Blob, len(keys))
	for key, cmd := range cmds {
		result, err := cmd.Result()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load %q", key)
		}
		if len(result) == 0 {
			continue
		}
		out[key] = blobFromHash(result)
	}
	return out, nil
}
