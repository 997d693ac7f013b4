package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quartermile/ledgerflow/pkg/api"
)

// RedisStore is the Redis-backed Store used in production deployments
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// leaseScript atomically claims the earliest visible queue member by
// bumping its score to the lease deadline
var leaseScript = redis.NewScript(`
local member = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #member == 0 then
	return false
end
redis.call('ZADD', KEYS[1], ARGV[2], member[1])
return member[1]
`)

const updateRetries = 16

var ErrUpdateContention = errors.New("update retries exhausted")

// NewRedisStore creates a Store backed by the given Redis endpoint
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreWithClient wraps an existing client, used by tests
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func (s *RedisStore) AppendEvent(ctx context.Context, ev *api.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	visibleAt := ev.ScheduledFor
	if visibleAt.IsZero() {
		visibleAt = time.Unix(0, 0)
	}

	score, err := s.queueScore(ctx, visibleAt)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("event", string(ev.ID)), data, 0)
		pipe.ZAdd(ctx, s.key("queue"), redis.Z{
			Score:  score,
			Member: string(ev.ID),
		})
		return nil
	})
	return err
}

// queueScore orders queue members by visibility time, breaking ties in
// arrival order through a sub-millisecond sequence fraction
func (s *RedisStore) queueScore(
	ctx context.Context, visibleAt time.Time,
) (float64, error) {
	seq, err := s.client.Incr(ctx, s.key("queue-seq")).Result()
	if err != nil {
		return 0, err
	}
	return float64(visibleAt.UnixMilli()) +
		float64(seq%1000)/1000.0, nil
}

func (s *RedisStore) LeaseNext(
	ctx context.Context, now, leaseUntil time.Time,
) (*api.Event, error) {
	res, err := leaseScript.Run(ctx, s.client,
		[]string{s.key("queue")},
		now.UnixMilli(), leaseUntil.UnixMilli(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	id, ok := res.(string)
	if !ok || id == "" {
		return nil, nil
	}

	data, err := s.client.Get(ctx, s.key("event", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// orphaned queue member; drop it
		s.client.ZRem(ctx, s.key("queue"), id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ev api.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *RedisStore) Ack(ctx context.Context, id api.EventID) error {
	removed, err := s.client.ZRem(ctx, s.key("queue"), string(id)).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return ErrEventNotLeased
	}
	return s.client.Del(ctx, s.key("event", string(id))).Err()
}

func (s *RedisStore) Nack(
	ctx context.Context, id api.EventID, visibleAfter time.Time, attempt int,
) error {
	eventKey := s.key("event", string(id))
	data, err := s.client.Get(ctx, eventKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrEventNotLeased
	}
	if err != nil {
		return err
	}

	var ev api.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	ev.Attempt = attempt

	updated, err := json.Marshal(&ev)
	if err != nil {
		return err
	}

	score, err := s.queueScore(ctx, visibleAfter)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, eventKey, updated, 0)
		pipe.ZAdd(ctx, s.key("queue"), redis.Z{
			Score:  score,
			Member: string(id),
		})
		return nil
	})
	return err
}

func (s *RedisStore) QueueDepth(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.key("queue")).Result()
}

func (s *RedisStore) IdempotencyGet(
	ctx context.Context, key string,
) (api.EventID, bool, error) {
	id, err := s.client.Get(ctx, s.key("idem", key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return api.EventID(id), true, nil
}

func (s *RedisStore) IdempotencySet(
	ctx context.Context, key string, id api.EventID, window time.Duration,
) error {
	return s.client.Set(
		ctx, s.key("idem", key), string(id), window,
	).Err()
}

func (s *RedisStore) GetRun(
	ctx context.Context, id api.RunID,
) (*api.Run, error) {
	var run api.Run
	if err := s.getJSON(ctx, s.key("run", string(id)), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *RedisStore) PutRun(ctx context.Context, run *api.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}

	prev, err := s.GetRun(ctx, run.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("run", string(run.ID)), data, 0)
		if prev != nil && prev.Status != run.Status {
			pipe.SRem(ctx, s.key("runs", string(prev.Status)), string(run.ID))
		}
		pipe.SAdd(ctx, s.key("runs", string(run.Status)), string(run.ID))
		return nil
	})
	return err
}

func (s *RedisStore) UpdateRun(
	ctx context.Context, id api.RunID, update func(*api.Run) error,
) error {
	runKey := s.key("run", string(id))

	for range updateRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, runKey).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var run api.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return err
			}
			prevStatus := run.Status

			if err := update(&run); err != nil {
				return err
			}

			updated, err := json.Marshal(&run)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, runKey, updated, 0)
				if prevStatus != run.Status {
					pipe.SRem(ctx,
						s.key("runs", string(prevStatus)), string(id))
					pipe.SAdd(ctx,
						s.key("runs", string(run.Status)), string(id))
				}
				return nil
			})
			return err
		}, runKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrUpdateContention
}

func (s *RedisStore) ListRunsByStatus(
	ctx context.Context, status api.RunStatus, limit int,
) ([]*api.Run, error) {
	ids, err := s.client.SMembers(
		ctx, s.key("runs", string(status)),
	).Result()
	if err != nil {
		return nil, err
	}

	var res []*api.Run
	for _, id := range ids {
		run, err := s.GetRun(ctx, api.RunID(id))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, run)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *RedisStore) GetMemo(
	ctx context.Context, run api.RunID, step api.StepName,
) (*api.StepMemo, error) {
	var memo api.StepMemo
	key := s.key("memo", string(run), string(step))
	if err := s.getJSON(ctx, key, &memo); err != nil {
		return nil, err
	}
	return &memo, nil
}

func (s *RedisStore) PutMemo(ctx context.Context, memo *api.StepMemo) error {
	data, err := json.Marshal(memo)
	if err != nil {
		return err
	}

	key := s.key("memo", string(memo.RunID), string(memo.StepName))
	set, err := s.client.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !set {
		return nil
	}
	return s.client.SAdd(
		ctx, s.key("memos", string(memo.RunID)), string(memo.StepName),
	).Err()
}

func (s *RedisStore) ListMemos(
	ctx context.Context, run api.RunID,
) ([]*api.StepMemo, error) {
	steps, err := s.client.SMembers(
		ctx, s.key("memos", string(run)),
	).Result()
	if err != nil {
		return nil, err
	}

	var res []*api.StepMemo
	for _, step := range steps {
		memo, err := s.GetMemo(ctx, run, api.StepName(step))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res = append(res, memo)
	}
	return res, nil
}

func (s *RedisStore) PutDLQ(ctx context.Context, rec *api.DLQRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key("dlq", rec.ID), data, 0)
		pipe.ZAdd(ctx, s.key("dlq-index"), redis.Z{
			Score:  float64(rec.FailedAt.UnixMilli()),
			Member: rec.ID,
		})
		return nil
	})
	return err
}

func (s *RedisStore) GetDLQ(
	ctx context.Context, id string,
) (*api.DLQRecord, error) {
	var rec api.DLQRecord
	if err := s.getJSON(ctx, s.key("dlq", id), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) UpdateDLQ(
	ctx context.Context, id string, update func(*api.DLQRecord) error,
) error {
	dlqKey := s.key("dlq", id)

	for range updateRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, dlqKey).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var rec api.DLQRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if err := update(&rec); err != nil {
				return err
			}

			updated, err := json.Marshal(&rec)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, dlqKey, updated, 0)
				return nil
			})
			return err
		}, dlqKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrUpdateContention
}

func (s *RedisStore) ListDLQ(
	ctx context.Context, status api.DLQStatus, limit int,
) ([]*api.DLQRecord, error) {
	ids, err := s.client.ZRange(ctx, s.key("dlq-index"), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	var res []*api.DLQRecord
	for _, id := range ids {
		rec, err := s.GetDLQ(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && rec.Status != status {
			continue
		}
		res = append(res, rec)
		if limit > 0 && len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (s *RedisStore) PutFxRates(
	ctx context.Context, rates []*api.FxRateRecord,
) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rate := range rates {
			data, err := json.Marshal(rate)
			if err != nil {
				return err
			}
			pipe.RPush(ctx, s.key("fx", "rates"), data)

			ts := strconv.FormatInt(rate.Timestamp.UnixMilli(), 10)
			pipe.Set(ctx, s.key("fx", "latest"), ts, 0)
		}
		return nil
	})
	return err
}

func (s *RedisStore) ListFxRates(
	ctx context.Context, from string,
) ([]*api.FxRateRecord, error) {
	entries, err := s.client.LRange(
		ctx, s.key("fx", "rates"), 0, -1,
	).Result()
	if err != nil {
		return nil, err
	}

	var res []*api.FxRateRecord
	for _, entry := range entries {
		var rate api.FxRateRecord
		if err := json.Unmarshal([]byte(entry), &rate); err != nil {
			return nil, err
		}
		if from != "" && rate.FromCurrency != from {
			continue
		}
		res = append(res, &rate)
	}
	return res, nil
}

func (s *RedisStore) LatestFxTimestamp(
	ctx context.Context,
) (time.Time, error) {
	val, err := s.client.Get(ctx, s.key("fx", "latest")).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisStore) GetAttachment(
	ctx context.Context, id string,
) (*api.Attachment, error) {
	var att api.Attachment
	if err := s.getJSON(ctx, s.key("att", id), &att); err != nil {
		return nil, err
	}
	return &att, nil
}

func (s *RedisStore) PutAttachment(
	ctx context.Context, att *api.Attachment,
) error {
	data, err := json.Marshal(att)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key("att", att.ID), data, 0).Err()
}

func (s *RedisStore) UpdateAttachment(
	ctx context.Context, id string, update func(*api.Attachment) error,
) error {
	attKey := s.key("att", id)

	for range updateRetries {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, attKey).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var att api.Attachment
			if err := json.Unmarshal(data, &att); err != nil {
				return err
			}
			if err := update(&att); err != nil {
				return err
			}

			updated, err := json.Marshal(&att)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, attKey, updated, 0)
				return nil
			})
			return err
		}, attKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrUpdateContention
}

func (s *RedisStore) GetCronMark(
	ctx context.Context, fn api.FunctionID,
) (time.Time, error) {
	val, err := s.client.Get(ctx, s.key("cron", string(fn))).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisStore) SetCronMark(
	ctx context.Context, fn api.FunctionID, at time.Time,
) error {
	return s.client.Set(
		ctx, s.key("cron", string(fn)),
		strconv.FormatInt(at.UnixMilli(), 10), 0,
	).Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) getJSON(
	ctx context.Context, key string, dst any,
) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}
