package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/petrijr/flough/pkg/api"
)

// RedisFlowStore is a FlowStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>flow:<uuid>        => JSON flow document
//	<prefix>idx:all            => SET of all flow uuids
//	<prefix>idx:type:<type>    => SET of flow uuids for a given type
//
// Update runs an optimistic WATCH/MULTI transaction on the document key and
// retries on conflict, so concurrent path updates never overwrite each other.
type RedisFlowStore struct {
	client     *redis.Client
	prefix     string
	maxRetries uint64
}

var _ FlowStore = (*RedisFlowStore)(nil)

// NewRedisFlowStore creates a RedisFlowStore.
// prefix is optional but recommended (e.g. "flough:").
func NewRedisFlowStore(client *redis.Client, prefix string) *RedisFlowStore {
	if prefix == "" {
		prefix = "flough:"
	}
	return &RedisFlowStore{
		client:     client,
		prefix:     prefix,
		maxRetries: 50,
	}
}

func (s *RedisFlowStore) keyFlow(uuid string) string {
	return s.prefix + "flow:" + uuid
}

func (s *RedisFlowStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisFlowStore) keyType(flowType string) string {
	return s.prefix + "idx:type:" + flowType
}

func (s *RedisFlowStore) Create(ctx context.Context, rec *api.FlowRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.keyFlow(rec.UUID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrFlowExists
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.keyAll(), rec.UUID)
	pipe.SAdd(ctx, s.keyType(rec.Type), rec.UUID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisFlowStore) FindByID(ctx context.Context, uuid string) (*api.FlowRecord, error) {
	data, err := s.client.Get(ctx, s.keyFlow(uuid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrFlowNotFound
		}
		return nil, err
	}
	return DecodeRecord(data)
}

func (s *RedisFlowStore) Update(ctx context.Context, uuid string, u *Update) error {
	key := s.keyFlow(uuid)
	backoff := retry.WithMaxRetries(s.maxRetries, retry.NewConstant(2*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrFlowNotFound
				}
				return err
			}
			patched, err := ApplyUpdate(data, u)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, patched, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *RedisFlowStore) Find(ctx context.Context, f Filter) ([]*api.FlowRecord, error) {
	var ids []string
	var err error

	switch {
	case f.UUID != "":
		ids = []string{f.UUID}
	case f.Type != "":
		ids, err = s.client.SMembers(ctx, s.keyType(f.Type)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*api.FlowRecord{}, nil
		}
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.FlowRecord{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyFlow(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var records []*api.FlowRecord
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		rec, err := DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		if Matches(rec, f) {
			records = append(records, rec)
		}
	}

	return records, nil
}

func (s *RedisFlowStore) Delete(ctx context.Context, uuid string) error {
	rec, err := s.FindByID(ctx, uuid)
	if err != nil {
		if errors.Is(err, ErrFlowNotFound) {
			return nil
		}
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyFlow(uuid))
	pipe.SRem(ctx, s.keyAll(), uuid)
	pipe.SRem(ctx, s.keyType(rec.Type), uuid)
	_, err = pipe.Exec(ctx)
	return err
}
