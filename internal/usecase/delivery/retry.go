package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/domain"
)

// DigestReader читает сохранённый дайджест.
type DigestReader interface {
	GetDigest(ctx context.Context, date time.Time) (domain.Digest, error)
}

// RetryWorker повторяет доставку получателям из очереди.
type RetryWorker struct {
	manager *Manager
	digests DigestReader
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRetryWorker создаёт обработчик очереди повторов.
func NewRetryWorker(manager *Manager, digests DigestReader, logger zerolog.Logger) *RetryWorker {
	return &RetryWorker{manager: manager, digests: digests, log: logger, sleep: sleepCtx}
}

// Run обрабатывает задачи по одной до отмены контекста.
func (w *RetryWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("delivery: обработчик повторов запущен")
	for {
		job, ack, err := w.manager.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error().Err(err).Msg("delivery: ошибка чтения очереди повторов")
			if err := w.sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		if err := w.Process(ctx, job); err != nil {
			if ctx.Err() != nil {
				_ = ack(false)
				return nil
			}
			w.log.Error().Err(err).Str("job", job.ID).Msg("delivery: задача повтора возвращена в очередь")
			_ = ack(false)
			if err := w.sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}
		if err := ack(true); err != nil {
			w.log.Warn().Err(err).Str("job", job.ID).Msg("delivery: не удалось подтвердить задачу")
		}
	}
}

// Process выполняет одну задачу повтора. Ошибка означает, что задачу нужно вернуть в очередь.
func (w *RetryWorker) Process(ctx context.Context, job domain.RetryJob) error {
	m := w.manager
	logger := w.log.With().
		Str("job", job.ID).
		Str("date", domain.FormatDate(job.Date)).
		Int64("recipient", job.RecipientID).
		Logger()

	if wait := job.NotBefore.Sub(m.now()); wait > 0 {
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
	}

	digest, err := w.digests.GetDigest(ctx, job.Date)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("delivery: дайджест для повтора не найден")
		return nil
	}
	if err != nil {
		return fmt.Errorf("получение дайджеста: %w", err)
	}
	if digest.Generation != job.Generation || digest.Text == "" {
		logger.Debug().Int("generation", job.Generation).Int("current", digest.Generation).Msg("delivery: повтор устарел")
		return nil
	}

	rec, err := m.deliveries.GetDelivery(ctx, job.Date, job.Generation, job.RecipientID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("получение статуса доставки: %w", err)
	}
	if err == nil && (rec.Status == domain.DeliverySent || rec.Status == domain.DeliveryFailed) {
		logger.Debug().Str("status", string(rec.Status)).Msg("delivery: доставка уже завершена")
		return nil
	}

	sub, err := m.registry.Get(ctx, job.RecipientID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("получение подписчика: %w", err)
	}
	attempt := job.Attempt + 1
	if err != nil || !sub.Active {
		m.settle(ctx, job.Date, job.Generation, job.RecipientID, job.Attempt, domain.PermanentDelivery(errors.New("получатель отписался")))
		return nil
	}

	sendErr := m.sender.SendText(ctx, job.RecipientID, digest.Text)
	if sendErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	res := m.settle(ctx, job.Date, job.Generation, job.RecipientID, attempt, sendErr)
	logger.Info().Int("attempt", attempt).Str("outcome", string(res)).Msg("delivery: повтор обработан")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
