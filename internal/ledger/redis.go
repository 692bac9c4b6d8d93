package ledger

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/conquiguias/conquiguias/internal/attendance"
)

// RedisStore keeps each ledger under ledger:<form>. The token is the SHA-1 of the
// stored bytes and writes are guarded with WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "ledger:"}
}

func digest(data []byte) string {
	return fmt.Sprintf("%x", sha1.Sum(data))
}

func (s *RedisStore) Load(ctx context.Context, formID string) (attendance.Snapshot, error) {
	data, err := s.client.Get(ctx, s.prefix+formID).Bytes()
	if errors.Is(err, redis.Nil) {
		return attendance.Snapshot{}, nil
	}
	if err != nil {
		return attendance.Snapshot{}, err
	}
	records, err := attendance.DecodeRecords(data)
	if err != nil {
		return attendance.Snapshot{}, err
	}
	return attendance.Snapshot{Records: records, Token: digest(data)}, nil
}

func (s *RedisStore) Save(ctx context.Context, formID string, snap attendance.Snapshot, _ string) error {
	data, err := attendance.EncodeRecords(snap.Records)
	if err != nil {
		return err
	}
	key := s.prefix + formID

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current := ""
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			current = digest(cur)
		case !errors.Is(err, redis.Nil):
			return err
		}
		if current != snap.Token {
			return attendance.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s changed during write", attendance.ErrConflict, key)
	}
	return err
}
