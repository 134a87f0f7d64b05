package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// RedisWindow is a sliding-window log kept in a Redis sorted set per
// credential, so several processes sharing credentials share one budget.
type RedisWindow struct {
	rdb    *r.Client
	prefix string
	limit  int
	period time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewRedisWindow creates a shared window. Keys are prefix + credential id.
func NewRedisWindow(rdb *r.Client, prefix string, limit int, period time.Duration) *RedisWindow {
	if prefix == "" {
		prefix = "acronym:ratelimit:"
	}
	if limit <= 0 {
		limit = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	return &RedisWindow{rdb: rdb, prefix: prefix, limit: limit, period: period, nowFunc: time.Now}
}

const maxTxRetries = 10

// Allow admits and records a request under an optimistic transaction so
// concurrent callers cannot both take the last slot.
func (w *RedisWindow) Allow(ctx context.Context, id string) (bool, error) {
	key := w.prefix + id
	var allowed bool

	txf := func(tx *r.Tx) error {
		now := w.nowFunc()
		cutoff := now.Add(-w.period)
		if err := tx.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.UnixMicro(), 10)).Err(); err != nil {
			return err
		}
		n, err := tx.ZCard(ctx, key).Result()
		if err != nil {
			return err
		}
		if n >= int64(w.limit) {
			allowed = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.ZAdd(ctx, key, r.Z{Score: float64(now.UnixMicro()), Member: uuid.NewString()})
			pipe.PExpire(ctx, key, w.period)
			return nil
		})
		if err != nil {
			return err
		}
		allowed = true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := w.rdb.Watch(ctx, txf, key)
		if err == nil {
			return allowed, nil
		}
		if errors.Is(err, r.TxFailedErr) {
			continue
		}
		return false, eris.Wrap(err, "ratelimit: redis allow")
	}
	return false, nil
}

// TimeUntilNextSlot returns the time until the oldest entry leaves the window.
func (w *RedisWindow) TimeUntilNextSlot(ctx context.Context, id string) (time.Duration, error) {
	key := w.prefix + id
	now := w.nowFunc()
	cutoff := now.Add(-w.period)

	pipe := w.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.UnixMicro(), 10))
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrap(err, "ratelimit: redis next slot")
	}

	if card.Val() < int64(w.limit) || len(oldest.Val()) == 0 {
		return 0, nil
	}
	first := time.UnixMicro(int64(oldest.Val()[0].Score))
	wait := first.Add(w.period).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// Ping verifies the Redis connection.
func (w *RedisWindow) Ping(ctx context.Context) error {
	return eris.Wrap(w.rdb.Ping(ctx).Err(), "ratelimit: redis ping")
}

// String identifies the backend in logs.
func (w *RedisWindow) String() string {
	return "redis(" + w.rdb.Options().Addr + ", limit=" + strconv.Itoa(w.limit) + ")"
}
