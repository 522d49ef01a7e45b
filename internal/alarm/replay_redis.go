package alarm

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/24AWP-FAVICON/alarm-server/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisReplayPrefix = "alarm:replay:"

// RedisReplayCache shares the replay window between service instances. Each
// recipient owns a sorted set scored by sequence and a counter that hands out
// the sequences.
type RedisReplayCache struct {
	client   redis.Cmdable
	capacity int
	window   time.Duration
	now      func() time.Time
}

func NewRedisReplayCache(client redis.Cmdable, capacity int, window time.Duration) *RedisReplayCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &RedisReplayCache{
		client:   client,
		capacity: capacity,
		window:   window,
		now:      time.Now,
	}
}

func replaySetKey(recipientID string) string {
	return redisReplayPrefix + recipientID
}

// The counter never expires: a reset would hand out keys lower than tokens
// clients already hold.
func replaySeqKey(recipientID string) string {
	return redisReplayPrefix + "seq:" + recipientID
}

func (c *RedisReplayCache) Append(ctx context.Context, event models.AlarmEvent) (models.AlarmEvent, error) {
	seq, err := c.client.Incr(ctx, replaySeqKey(event.ReceiveUserID)).Result()
	if err != nil {
		return models.AlarmEvent{}, errors.Wrap(err, "allocate replay sequence")
	}
	keyed := event.WithReplayKey(FormatReplayKey(event.ReceiveUserID, uint64(seq)))

	payload, err := json.Marshal(keyed)
	if err != nil {
		return models.AlarmEvent{}, errors.Wrap(err, "marshal replay entry")
	}

	setKey := replaySetKey(event.ReceiveUserID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(seq), Member: payload})
		pipe.ZRemRangeByRank(ctx, setKey, 0, int64(-c.capacity-1))
		pipe.Expire(ctx, setKey, c.window)
		return nil
	})
	if err != nil {
		return models.AlarmEvent{}, errors.Wrap(err, "store replay entry")
	}
	return keyed, nil
}

func (c *RedisReplayCache) Since(ctx context.Context, recipientID string, afterSeq uint64) ([]models.AlarmEvent, error) {
	members, err := c.client.ZRangeByScore(ctx, replaySetKey(recipientID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(afterSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read replay entries")
	}

	cutoff := c.now().Add(-c.window)
	events := make([]models.AlarmEvent, 0, len(members))
	for _, member := range members {
		var event models.AlarmEvent
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			return nil, errors.Wrap(err, "decode replay entry")
		}
		if event.CreatedAt.Before(cutoff) {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Prune is a no-op: sets are trimmed to capacity on every append, expire as a
// whole after a window of inactivity, and stale members are filtered on read.
func (c *RedisReplayCache) Prune(context.Context, time.Time) error {
	return nil
}
