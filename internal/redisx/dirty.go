package redisx

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/micro-oms/internal/inventory"
	"github.com/ariefcatur/micro-oms/internal/logging"
)

// DirtySet is the shared inventory.DirtySet: a Redis SET of product ids, so
// every process marking or draining sees the same backlog.
type DirtySet struct {
	rdb    redis.Cmdable
	key    string
	logger *zap.Logger
}

func NewDirtySet(rdb redis.Cmdable, key string, logger *zap.Logger) *DirtySet {
	if key == "" {
		key = KeyInventoryDirty
	}
	return &DirtySet{rdb: rdb, key: key, logger: logging.OrNop(logger).Named("dirty-set")}
}

func (s *DirtySet) Add(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, 0, len(ids))
	for _, id := range ids {
		members = append(members, member(id))
	}
	return s.rdb.SAdd(ctx, s.key, members...).Err()
}

// Pop removes up to n ids. Members that are not ids are dropped with a warning.
func (s *DirtySet) Pop(ctx context.Context, n int) ([]int64, error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := s.rdb.SPopN(ctx, s.key, int64(n)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, m := range raw {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			s.logger.Warn("dropping malformed dirty member", zap.String("member", m))
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *DirtySet) Len(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, s.key).Result()
}

var _ inventory.DirtySet = (*DirtySet)(nil)
