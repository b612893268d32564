package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey   = "queue:builds"
	startedKey = "jobs:started"
	maxRetries = 16
)

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

// Redis keeps each job as JSON under job:<id>, queued ids in a list and
// started ids in a sorted set scored by deadline.
type Redis struct {
	redis *redis.Client
}

func NewRedis(redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{redis: client}, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client) *Redis {
	return &Redis{redis: client}
}

func decode(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func getJob(ctx context.Context, c redis.Cmdable, id string) (*Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(data)
}

// watch runs fn under optimistic locking on the job key, retrying when a
// concurrent writer touched it.
func (q *Redis) watch(ctx context.Context, id string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxRetries; i++ {
		err := q.redis.Watch(ctx, fn, jobKey(id))
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too much contention", id)
}

func (q *Redis) Enqueue(ctx context.Context, job *Job) (*Job, bool, error) {
	var (
		stored  *Job
		created bool
	)
	err := q.watch(ctx, job.ID, func(tx *redis.Tx) error {
		existing, err := getJob(ctx, tx, job.ID)
		if err == nil {
			stored, created = existing, false
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		fresh := *job
		fresh.Status = StatusQueued
		fresh.EnqueuedAt = time.Now().Unix()
		data, err := json.Marshal(fresh)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(fresh.ID), data, 0)
			pipe.RPush(ctx, queueKey, fresh.ID)
			return nil
		})
		if err != nil {
			return err
		}
		stored, created = &fresh, true
		return nil
	})
	return stored, created, err
}

func (q *Redis) Dequeue(ctx context.Context, workerID string, timeout, wait time.Duration) (*Job, error) {
	result, err := q.redis.BLPop(ctx, wait, queueKey).Result()
	if err == redis.Nil {
		return nil, nil // No jobs available
	}
	if err != nil {
		return nil, err
	}

	id := result[1]
	var job *Job
	err = q.watch(ctx, id, func(tx *redis.Tx) error {
		current, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusQueued {
			job = nil
			return nil
		}
		now := time.Now()
		current.Status = StatusStarted
		current.WorkerID = workerID
		current.StartedAt = now.Unix()
		current.Deadline = now.Add(timeout).Unix()
		data, err := json.Marshal(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), data, 0)
			pipe.ZAdd(ctx, startedKey, redis.Z{Score: float64(current.Deadline), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		job = current
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (q *Redis) Get(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, q.redis, id)
}

func (q *Redis) UpdateMeta(ctx context.Context, id string, meta Meta) error {
	return q.watch(ctx, id, func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrTerminal
		}
		job.Meta = meta
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), data, redis.KeepTTL)
			return nil
		})
		return err
	})
}

func (q *Redis) finish(ctx context.Context, id string, ttl time.Duration, apply func(*Job)) error {
	return q.watch(ctx, id, func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status.Terminal() {
			return ErrTerminal
		}
		apply(job)
		job.EndedAt = time.Now().Unix()
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), data, ttl)
			pipe.ZRem(ctx, startedKey, id)
			pipe.LRem(ctx, queueKey, 0, id)
			return nil
		})
		return err
	})
}

func (q *Redis) Complete(ctx context.Context, id string, result json.RawMessage, ttl time.Duration) error {
	return q.finish(ctx, id, ttl, func(job *Job) {
		job.Status = StatusFinished
		job.Result = result
	})
}

func (q *Redis) Fail(ctx context.Context, id string, msg string, ttl time.Duration) error {
	return q.finish(ctx, id, ttl, func(job *Job) {
		job.Status = StatusFailed
		job.Error = msg
		job.Meta.Detail = msg
	})
}

func (q *Redis) Position(ctx context.Context, id string) (int64, error) {
	pos, err := q.redis.LPos(ctx, queueKey, id, redis.LPosArgs{}).Result()
	if err == redis.Nil {
		return -1, nil
	}
	return pos, err
}

func (q *Redis) Pending(ctx context.Context) (int64, error) {
	return q.redis.LLen(ctx, queueKey).Result()
}

func (q *Redis) List(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	iter := q.redis.Scan(ctx, 0, "job:*", 256).Iterator()
	for iter.Next(ctx) {
		data, err := q.redis.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		job, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", iter.Val(), err)
		}
		jobs = append(jobs, job)
	}
	return jobs, iter.Err()
}

func (q *Redis) ReapExpired(ctx context.Context, now time.Time, msg string, ttl time.Duration) ([]string, error) {
	ids, err := q.redis.ZRangeByScore(ctx, startedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	var reaped []string
	for _, id := range ids {
		err := q.Fail(ctx, id, msg, ttl)
		switch {
		case err == nil:
			reaped = append(reaped, id)
		case errors.Is(err, ErrTerminal), errors.Is(err, ErrNotFound):
			q.redis.ZRem(ctx, startedKey, id)
		default:
			return reaped, err
		}
	}
	return reaped, nil
}

func (q *Redis) Delete(ctx context.Context, id string) error {
	return q.watch(ctx, id, func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !job.Status.Terminal() {
			return ErrActive
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, jobKey(id))
			return nil
		})
		return err
	})
}

func (q *Redis) Close() error {
	return q.redis.Close()
}
