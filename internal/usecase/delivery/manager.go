package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
)

// Registry отдаёт получателей рассылки.
type Registry interface {
	ListActive(ctx context.Context) ([]int64, error)
	Get(ctx context.Context, recipientID int64) (domain.Subscriber, error)
}

// Options настраивает рассылку.
type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.Backoff <= 0 {
		o.Backoff = 30 * time.Second
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = 30 * time.Minute
	}
	return o
}

type outcome string

const (
	outcomeSent     outcome = "sent"
	outcomeRetrying outcome = "retrying"
	outcomeFailed   outcome = "failed"
	outcomeSkipped  outcome = "skipped"
)

// Manager рассылает собранный дайджест активным подписчикам.
type Manager struct {
	registry   Registry
	deliveries domain.DeliveryRepo
	sender     domain.Sender
	queue      domain.RetryQueue
	opts       Options
	log        zerolog.Logger
	now        func() time.Time
}

// NewManager создаёт менеджер рассылки.
func NewManager(registry Registry, deliveries domain.DeliveryRepo, sender domain.Sender, queue domain.RetryQueue, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		registry:   registry,
		deliveries: deliveries,
		sender:     sender,
		queue:      queue,
		opts:       opts.withDefaults(),
		log:        logger,
		now:        time.Now,
	}
}

// Deliver отправляет текст всем активным подписчикам ограниченным пулом воркеров.
// Получатель, уже закреплённый за этим поколением, повторно не получает текст.
// Временные сбои уходят в очередь повторов, постоянные фиксируются как failed.
// Ошибка возвращается только если рассылку не удалось начать или контекст отменён.
func (m *Manager) Deliver(ctx context.Context, date time.Time, generation int, text string) (domain.DeliveryReport, error) {
	report := domain.DeliveryReport{Date: date, Generation: generation}
	recipients, err := m.registry.ListActive(ctx)
	if err != nil {
		return report, fmt.Errorf("список подписчиков: %w", err)
	}
	report.Total = len(recipients)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, recipient := range recipients {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := m.deliverOne(gctx, date, generation, recipient, text)
			mu.Lock()
			switch res {
			case outcomeSent:
				report.Sent++
			case outcomeRetrying:
				report.Queued++
			case outcomeFailed:
				report.Failed++
			case outcomeSkipped:
				report.Skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	m.log.Info().
		Str("date", domain.FormatDate(date)).
		Int("generation", generation).
		Int("total", report.Total).
		Int("sent", report.Sent).
		Int("queued", report.Queued).
		Int("failed", report.Failed).
		Int("skipped", report.Skipped).
		Msg("delivery: рассылка завершена")
	return report, nil
}

func (m *Manager) deliverOne(ctx context.Context, date time.Time, generation int, recipient int64, text string) outcome {
	claimed, err := m.deliveries.ClaimDelivery(ctx, date, generation, recipient)
	if err != nil {
		m.log.Error().Err(err).Int64("recipient", recipient).Msg("delivery: не удалось закрепить получателя")
		metrics.ObserveDelivery(string(outcomeFailed))
		return outcomeFailed
	}
	if !claimed {
		metrics.ObserveDelivery(string(outcomeSkipped))
		return outcomeSkipped
	}
	sendErr := m.sender.SendText(ctx, recipient, text)
	return m.settle(ctx, date, generation, recipient, 1, sendErr)
}

// settle фиксирует результат попытки номер attempt и при временной ошибке
// ставит следующую попытку в очередь.
func (m *Manager) settle(ctx context.Context, date time.Time, generation int, recipient int64, attempt int, sendErr error) outcome {
	rec := domain.DeliveryRecord{
		Date:        date,
		Generation:  generation,
		RecipientID: recipient,
		Attempts:    attempt,
	}
	res := outcomeSent
	rec.Status = domain.DeliverySent

	if sendErr != nil {
		rec.LastError = sendErr.Error()
		transient, retryAfter := domain.IsTransientDelivery(sendErr)
		if errors.Is(sendErr, context.Canceled) || errors.Is(sendErr, context.DeadlineExceeded) {
			transient = true
		}
		switch {
		case transient && attempt < m.opts.MaxAttempts:
			if err := m.enqueueRetry(ctx, date, generation, recipient, attempt, retryAfter); err != nil {
				m.log.Error().Err(err).Int64("recipient", recipient).Msg("delivery: не удалось поставить повтор")
				rec.LastError = err.Error()
				rec.Status = domain.DeliveryFailed
				res = outcomeFailed
			} else {
				rec.Status = domain.DeliveryRetrying
				res = outcomeRetrying
			}
		default:
			rec.Status = domain.DeliveryFailed
			res = outcomeFailed
		}
		m.log.Warn().
			Err(sendErr).
			Int64("recipient", recipient).
			Int("attempt", attempt).
			Str("status", string(rec.Status)).
			Msg("delivery: не удалось отправить дайджест")
	}

	// отмена контекста рассылки не должна терять итог попытки
	if err := m.deliveries.UpdateDelivery(context.WithoutCancel(ctx), rec); err != nil {
		m.log.Error().Err(err).Int64("recipient", recipient).Msg("delivery: не удалось сохранить статус")
	}
	metrics.ObserveDelivery(string(res))
	return res
}

func (m *Manager) enqueueRetry(ctx context.Context, date time.Time, generation int, recipient int64, attempts int, retryAfter time.Duration) error {
	now := m.now().UTC()
	job := domain.RetryJob{
		ID:          uuid.NewString(),
		Date:        date,
		Generation:  generation,
		RecipientID: recipient,
		Attempt:     attempts,
		NotBefore:   now.Add(m.backoff(attempts, retryAfter)),
		EnqueuedAt:  now,
	}
	if err := m.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		return fmt.Errorf("очередь повторов: %w", err)
	}
	metrics.DeliveryRetryEnqueued.Inc()
	return nil
}

// backoff возвращает паузу после n неудачных попыток: base * 2^(n-1), не больше
// MaxBackoff. Пауза, запрошенная Telegram, соблюдается всегда.
func (m *Manager) backoff(n int, retryAfter time.Duration) time.Duration {
	delay := m.opts.Backoff
	for i := 1; i < n && delay < m.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > m.opts.MaxBackoff {
		delay = m.opts.MaxBackoff
	}
	if retryAfter > delay {
		delay = retryAfter
	}
	return delay
}
