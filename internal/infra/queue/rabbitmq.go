package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
)

// RabbitRetryQueue реализует очередь повторных доставок через AMQP.
// Задачи публикуются persistent-сообщениями в durable-очередь и подтверждаются вручную.
type RabbitRetryQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu         sync.Mutex
	deliveries <-chan amqp.Delivery
}

var _ domain.RetryQueue = (*RabbitRetryQueue)(nil)

// NewRabbitRetryQueue подключается к брокеру и объявляет очередь.
func NewRabbitRetryQueue(amqpURL, queue string) (*RabbitRetryQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url пуст")
	}
	if queue == "" {
		return nil, errors.New("имя очереди пустое")
	}
	start := time.Now()
	conn, err := amqp.Dial(amqpURL)
	metrics.ObserveNetworkRequest("rabbitmq", "dial", queue, start, err)
	if err != nil {
		return nil, fmt.Errorf("подключение к rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("открытие канала: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("объявление очереди: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("настройка qos: %w", err)
	}
	return &RabbitRetryQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitRetryQueue) Enqueue(ctx context.Context, job domain.RetryJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("кодирование задачи: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    job.ID,
		Body:         body,
		Timestamp:    time.Now(),
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("публикация задачи: %w", err)
	}
	return nil
}

func (q *RabbitRetryQueue) consume() (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("подписка на очередь: %w", err)
	}
	q.deliveries = deliveries
	return deliveries, nil
}

// Receive ждёт следующую задачу. AckFunc(true) подтверждает сообщение,
// AckFunc(false) возвращает его брокеру.
func (q *RabbitRetryQueue) Receive(ctx context.Context) (domain.RetryJob, domain.AckFunc, error) {
	deliveries, err := q.consume()
	if err != nil {
		return domain.RetryJob{}, nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return domain.RetryJob{}, nil, ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return domain.RetryJob{}, nil, errors.New("rabbitmq: канал доставки закрыт")
			}
			var job domain.RetryJob
			if err := json.Unmarshal(d.Body, &job); err != nil {
				_ = d.Nack(false, false)
				continue
			}
			ack := func(success bool) error {
				if success {
					return d.Ack(false)
				}
				return d.Nack(false, true)
			}
			return job, ack, nil
		}
	}
}

// Close закрывает канал и соединение.
func (q *RabbitRetryQueue) Close() error {
	if q.ch != nil {
		q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
