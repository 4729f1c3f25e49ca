package queue

import (
	"context"
	"sync"

	"github.com/egv/ezra/internal/domain"
)

// MemoryRetryQueue хранит задачи в памяти процесса.
type MemoryRetryQueue struct {
	mu     sync.Mutex
	jobs   []domain.RetryJob
	notify chan struct{}
}

var _ domain.RetryQueue = (*MemoryRetryQueue)(nil)

// NewMemoryRetryQueue создаёт пустую очередь.
func NewMemoryRetryQueue() *MemoryRetryQueue {
	return &MemoryRetryQueue{notify: make(chan struct{}, 1)}
}

// Enqueue добавляет задачу в конец очереди.
func (q *MemoryRetryQueue) Enqueue(_ context.Context, job domain.RetryJob) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Len возвращает число ожидающих задач.
func (q *MemoryRetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Receive ждёт задачу до отмены контекста.
func (q *MemoryRetryQueue) Receive(ctx context.Context) (domain.RetryJob, domain.AckFunc, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			remaining := len(q.jobs)
			q.mu.Unlock()
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			ack := func(success bool) error {
				if success {
					return nil
				}
				return q.Enqueue(context.Background(), job)
			}
			return job, ack, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.RetryJob{}, nil, ctx.Err()
		case <-q.notify:
		}
	}
}
