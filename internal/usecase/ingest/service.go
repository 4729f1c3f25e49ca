package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
	"github.com/egv/ezra/internal/usecase/dedup"
)

const defaultPageSize = 200

// Outcome описывает итог приёма сообщения.
type Outcome string

const (
	OutcomeStored              Outcome = "stored"
	OutcomeDuplicateExternalID Outcome = "duplicate_external_id"
	OutcomeDuplicateContent    Outcome = "duplicate_content"
)

// InsertResult описывает результат ingest.
type InsertResult struct {
	Outcome     Outcome
	MessageID   int64
	DuplicateOf int64
	Window      time.Time
}

// Reason возвращает доменную причину отказа или nil, если сообщение попадёт в дайджест.
func (r InsertResult) Reason() error {
	switch r.Outcome {
	case OutcomeDuplicateExternalID:
		return domain.ErrDuplicateExternalID
	case OutcomeDuplicateContent:
		return domain.ErrDuplicateContent
	}
	return nil
}

// Service принимает входящие сообщения и отдаёт выборку окна.
type Service struct {
	channels domain.ChannelRepo
	messages domain.MessageRepo
	dedup    *dedup.Deduplicator
	loc      *time.Location
	log      zerolog.Logger
	now      func() time.Time
	pageSize int
	locks    windowLocks
}

// NewService создаёт сервис приёма сообщений.
func NewService(channels domain.ChannelRepo, messages domain.MessageRepo, deduplicator *dedup.Deduplicator, loc *time.Location, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		channels: channels,
		messages: messages,
		dedup:    deduplicator,
		loc:      loc,
		log:      logger,
		now:      time.Now,
		pageSize: defaultPageSize,
	}
}

// Deliver принимает сообщение от транспорта. Повторы не считаются ошибкой:
// они отражаются в InsertResult.
func (s *Service) Deliver(ctx context.Context, in domain.InboundMessage) (InsertResult, error) {
	source := string(in.Source)
	text := NormalizeText(in.Text)
	if text == "" {
		return InsertResult{}, domain.ErrEmptyText
	}
	channel, err := s.channels.GetChannel(ctx, in.ChannelID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return InsertResult{}, domain.ErrChannelNotFound
		}
		return InsertResult{}, fmt.Errorf("получение канала: %w", err)
	}
	if !channel.Active {
		return InsertResult{}, domain.ErrChannelNotFound
	}

	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.now()
	}
	receivedAt = receivedAt.UTC()
	window := dedup.WindowFor(receivedAt, s.loc)
	fingerprint := dedup.Fingerprint(text)

	unlock := s.locks.lock(window.Key())
	defer unlock()

	stored, err := s.messages.InsertMessage(ctx, domain.Message{
		ChannelID:   in.ChannelID,
		ExternalID:  in.ExternalID,
		Text:        text,
		Link:        in.Link,
		Source:      in.Source,
		ReceivedAt:  receivedAt,
		WindowDate:  window.Date,
		Fingerprint: fingerprint,
	})
	if errors.Is(err, domain.ErrDuplicateExternalID) {
		metrics.ObserveIngest(source, string(OutcomeDuplicateExternalID))
		s.log.Debug().Int64("channel", in.ChannelID).Int64("external_id", in.ExternalID).Msg("ingest: сообщение уже сохранено")
		return InsertResult{Outcome: OutcomeDuplicateExternalID, Window: window.Date}, nil
	}
	if err != nil {
		metrics.ObserveIngest(source, "error")
		return InsertResult{}, fmt.Errorf("сохранение сообщения: %w", err)
	}

	verdict, firstID, err := s.dedup.CheckAndRegister(ctx, window, fingerprint, stored.ID)
	if err != nil {
		metrics.ObserveIngest(source, "error")
		return InsertResult{}, s.rollback(ctx, stored.ID, err)
	}
	if verdict == dedup.VerdictDuplicate {
		if err := s.messages.MarkDuplicate(ctx, stored.ID, firstID); err != nil {
			metrics.ObserveIngest(source, "error")
			return InsertResult{}, s.rollback(ctx, stored.ID, fmt.Errorf("отметка повтора: %w", err))
		}
		metrics.ObserveIngest(source, string(OutcomeDuplicateContent))
		s.log.Debug().
			Int64("channel", in.ChannelID).
			Int64("message", stored.ID).
			Int64("duplicate_of", firstID).
			Msg("ingest: повтор содержимого")
		return InsertResult{Outcome: OutcomeDuplicateContent, MessageID: stored.ID, DuplicateOf: firstID, Window: window.Date}, nil
	}

	metrics.ObserveIngest(source, string(OutcomeStored))
	return InsertResult{Outcome: OutcomeStored, MessageID: stored.ID, Window: window.Date}, nil
}

// rollback удаляет сообщение, для которого не завершилась дедупликация, чтобы
// повторная доставка от транспорта прошла весь путь заново. Вызывается под
// блокировкой окна.
func (s *Service) rollback(ctx context.Context, messageID int64, cause error) error {
	if err := s.messages.DeleteMessage(context.WithoutCancel(ctx), messageID); err != nil {
		s.log.Error().Err(err).Int64("message", messageID).Msg("ingest: не удалось откатить сообщение")
		return errors.Join(cause, fmt.Errorf("откат сообщения: %w", err))
	}
	return cause
}

// SelectWindow лениво отдаёт неповторяющиеся сообщения каналов за [since, until)
// по возрастанию received_at. Каждый проход заново читает хранилище.
func (s *Service) SelectWindow(ctx context.Context, channelIDs []int64, since, until time.Time) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		if len(channelIDs) == 0 {
			return
		}
		q := domain.WindowQuery{
			ChannelIDs: channelIDs,
			Since:      since.UTC(),
			Until:      until.UTC(),
			Limit:      s.pageSize,
		}
		for {
			page, err := s.messages.ListWindowPage(ctx, q)
			if err != nil {
				yield(domain.Message{}, fmt.Errorf("выборка окна: %w", err))
				return
			}
			for _, msg := range page {
				if !yield(msg, nil) {
					return
				}
			}
			if len(page) < q.Limit {
				return
			}
			last := page[len(page)-1]
			q.AfterReceivedAt = last.ReceivedAt
			q.AfterID = last.ID
		}
	}
}

// Prune удаляет сообщения и отпечатки раньше before.
func (s *Service) Prune(ctx context.Context, before time.Time) (int64, error) {
	removed, err := s.messages.PruneMessages(ctx, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("очистка сообщений: %w", err)
	}
	return removed, nil
}

// windowLocks сериализует запись внутри окна дедупликации.
type windowLocks struct {
	mu    sync.Mutex
	locks map[string]*windowLock
}

type windowLock struct {
	mu   sync.Mutex
	refs int
}

func (l *windowLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*windowLock)
	}
	wl, ok := l.locks[key]
	if !ok {
		wl = &windowLock{}
		l.locks[key] = wl
	}
	wl.refs++
	l.mu.Unlock()

	wl.mu.Lock()
	return func() {
		wl.mu.Unlock()
		l.mu.Lock()
		wl.refs--
		if wl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
