package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/domain"
)

// Service ведёт реестр подписчиков ежедневного дайджеста.
type Service struct {
	repo domain.SubscriberRepo
	log  zerolog.Logger
}

// NewService создаёт реестр подписчиков.
func NewService(repo domain.SubscriberRepo, logger zerolog.Logger) *Service {
	return &Service{repo: repo, log: logger}
}

// Subscribe включает получателя в рассылку. Повторная подписка ничего не ломает.
func (s *Service) Subscribe(ctx context.Context, recipientID int64, username string) (domain.Subscriber, error) {
	sub, err := s.repo.UpsertSubscriber(ctx, recipientID, strings.TrimPrefix(strings.TrimSpace(username), "@"))
	if err != nil {
		return domain.Subscriber{}, fmt.Errorf("подписка: %w", err)
	}
	s.log.Info().Int64("recipient", recipientID).Msg("subscriptions: получатель подписан")
	return sub, nil
}

// Unsubscribe исключает получателя из рассылки, сохраняя запись.
// false означает, что получатель не был подписан.
func (s *Service) Unsubscribe(ctx context.Context, recipientID int64) (bool, error) {
	changed, err := s.repo.DeactivateSubscriber(ctx, recipientID)
	if err != nil {
		return false, fmt.Errorf("отписка: %w", err)
	}
	if changed {
		s.log.Info().Int64("recipient", recipientID).Msg("subscriptions: получатель отписан")
	}
	return changed, nil
}

// ListActive возвращает id активных подписчиков.
func (s *Service) ListActive(ctx context.Context) ([]int64, error) {
	ids, err := s.repo.ListActiveSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("список подписчиков: %w", err)
	}
	return ids, nil
}

// List возвращает всех подписчиков, включая отписавшихся.
func (s *Service) List(ctx context.Context) ([]domain.Subscriber, error) {
	subs, err := s.repo.ListSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("список подписчиков: %w", err)
	}
	return subs, nil
}

// Get возвращает подписчика или domain.ErrNotFound.
func (s *Service) Get(ctx context.Context, recipientID int64) (domain.Subscriber, error) {
	sub, err := s.repo.GetSubscriber(ctx, recipientID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Subscriber{}, err
		}
		return domain.Subscriber{}, fmt.Errorf("получение подписчика: %w", err)
	}
	return sub, nil
}
