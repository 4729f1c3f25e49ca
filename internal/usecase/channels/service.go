package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/domain"
)

var (
	ErrAliasInvalid   = errors.New("некорректный алиас или id канала")
	ErrNoResolver     = errors.New("поиск каналов по алиасу недоступен")
	ErrPrivateChannel = errors.New("канал приватный или недоступен")
)

var aliasRegex = regexp.MustCompile(`(?i)^(?:@|https?://t\.me/|t\.me/)?([a-z0-9_]{5,})$`)

// Service управляет списком отслеживаемых каналов.
type Service struct {
	repo     domain.ChannelRepo
	resolver domain.ChannelResolver
	log      zerolog.Logger
}

// NewService создаёт сервис каналов. resolver может быть nil.
func NewService(repo domain.ChannelRepo, resolver domain.ChannelResolver, logger zerolog.Logger) *Service {
	return &Service{repo: repo, resolver: resolver, log: logger}
}

// ParseAlias приводит ввод пользователя к каноничному алиасу.
func ParseAlias(input string) (string, error) {
	trim := strings.TrimSpace(input)
	matches := aliasRegex.FindStringSubmatch(trim)
	if len(matches) < 2 {
		return "", ErrAliasInvalid
	}
	return strings.ToLower(matches[1]), nil
}

// ParseID разбирает числовой id канала.
func ParseID(input string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(input), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// Add начинает отслеживать канал или снова включает удалённый.
// created=true, если канал раньше не отслеживался.
func (s *Service) Add(ctx context.Context, channelID int64, title, username string, addedBy int64) (domain.Channel, bool, error) {
	if channelID == 0 {
		return domain.Channel{}, false, ErrAliasInvalid
	}
	ch, created, err := s.repo.UpsertChannel(ctx, domain.Channel{
		ID:       channelID,
		Title:    strings.TrimSpace(title),
		Username: strings.TrimPrefix(strings.TrimSpace(username), "@"),
		AddedBy:  addedBy,
		Active:   true,
	})
	if err != nil {
		return domain.Channel{}, false, fmt.Errorf("сохранение канала: %w", err)
	}
	if created {
		s.log.Info().Int64("channel", ch.ID).Str("title", ch.DisplayName()).Int64("added_by", addedBy).Msg("channels: канал добавлен")
	}
	return ch, created, nil
}

// AddByRef добавляет канал по числовому id или @алиасу.
func (s *Service) AddByRef(ctx context.Context, ref string, addedBy int64) (domain.Channel, bool, error) {
	if id, ok := ParseID(ref); ok {
		var meta domain.Channel
		if s.resolver != nil {
			resolved, err := s.resolver.ResolveChannel(ctx, ref)
			if err == nil {
				meta = resolved
			} else {
				s.log.Debug().Err(err).Int64("channel", id).Msg("channels: метаданные канала не получены")
			}
		}
		return s.Add(ctx, id, meta.Title, meta.Username, addedBy)
	}

	alias, err := ParseAlias(ref)
	if err != nil {
		return domain.Channel{}, false, err
	}
	if s.resolver == nil {
		return domain.Channel{}, false, ErrNoResolver
	}
	meta, err := s.resolver.ResolveChannel(ctx, "@"+alias)
	if err != nil {
		return domain.Channel{}, false, fmt.Errorf("%w: %w", ErrPrivateChannel, err)
	}
	if meta.Username == "" {
		meta.Username = alias
	}
	return s.Add(ctx, meta.ID, meta.Title, meta.Username, addedBy)
}

// Remove прекращает отслеживание канала. Сообщения канала остаются в хранилище.
func (s *Service) Remove(ctx context.Context, channelID int64) (bool, error) {
	removed, err := s.repo.DeactivateChannel(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("удаление канала: %w", err)
	}
	if removed {
		s.log.Info().Int64("channel", channelID).Msg("channels: канал удалён")
	}
	return removed, nil
}

// List возвращает активные каналы.
func (s *Service) List(ctx context.Context) ([]domain.Channel, error) {
	channels, err := s.repo.ListChannels(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("получение каналов: %w", err)
	}
	return channels, nil
}

// ActiveIDs возвращает id активных каналов.
func (s *Service) ActiveIDs(ctx context.Context) ([]int64, error) {
	channels, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	return ids, nil
}

// Get возвращает канал по id.
func (s *Service) Get(ctx context.Context, channelID int64) (domain.Channel, error) {
	ch, err := s.repo.GetChannel(ctx, channelID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	if err != nil {
		return domain.Channel{}, fmt.Errorf("получение канала: %w", err)
	}
	return ch, nil
}
