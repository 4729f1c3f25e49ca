package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
)

// RedisRetryQueue реализует очередь повторных доставок на базе Redis lists.
type RedisRetryQueue struct {
	client *redis.Client
	key    string
}

var _ domain.RetryQueue = (*RedisRetryQueue)(nil)

// NewRedisRetryQueue создаёт очередь по указанному ключу.
func NewRedisRetryQueue(client *redis.Client, key string) *RedisRetryQueue {
	return &RedisRetryQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisRetryQueue) Enqueue(ctx context.Context, job domain.RetryJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("кодирование задачи: %w", err)
	}
	start := time.Now()
	err = q.client.LPush(ctx, q.key, payload).Err()
	metrics.ObserveNetworkRequest("redis", "lpush", q.key, start, err)
	if err != nil {
		return fmt.Errorf("публикация задачи: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу. Отказ в AckFunc возвращает задачу в очередь.
func (q *RedisRetryQueue) Receive(ctx context.Context) (domain.RetryJob, domain.AckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.RetryJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if ctx.Err() != nil {
				return domain.RetryJob{}, nil, ctx.Err()
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.RetryJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.RetryJob{}, nil, errors.New("redis queue: неожиданный ответ")
		}
		var job domain.RetryJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.RetryJob{}, nil, fmt.Errorf("декодирование задачи: %w", err)
		}
		raw := res[1]
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, raw).Err()
		}
		return job, ack, nil
	}
}
