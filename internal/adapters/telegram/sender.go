package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
)

// BotAPI описывает часть клиента Bot API, которой пользуются адаптеры.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
}

// Sender отправляет тексты через Bot API с общим ограничением частоты.
type Sender struct {
	bot     BotAPI
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ domain.Sender = (*Sender)(nil)

// NewSender создаёт отправителя. rps <= 0 отключает ограничение.
func NewSender(bot BotAPI, rps float64, logger zerolog.Logger) *Sender {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Sender{bot: bot, limiter: rate.NewLimiter(limit, burst), log: logger}
}

// SendText отправляет текст в Markdown, длинный текст частями. Если Telegram
// не принял разметку, часть уходит простым текстом. Ошибка — *domain.DeliveryError.
func (s *Sender) SendText(ctx context.Context, recipientID int64, text string) error {
	parts := SplitMessage(text)
	if len(parts) == 0 {
		return domain.PermanentDelivery(errors.New("пустой текст"))
	}
	for _, part := range parts {
		if err := s.sendPart(ctx, recipientID, part); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendPart(ctx context.Context, recipientID int64, text string) error {
	err := s.send(ctx, recipientID, text, tgbotapi.ModeMarkdown)
	if err != nil && isEntityError(err) {
		s.log.Debug().Int64("recipient", recipientID).Msg("telegram: разметка отклонена, отправляем простым текстом")
		err = s.send(ctx, recipientID, text, "")
	}
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Sender) send(ctx context.Context, recipientID int64, text, parseMode string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(recipientID, text)
	msg.ParseMode = parseMode
	msg.DisableWebPagePreview = true

	start := time.Now()
	_, err := s.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(recipientID, 10), start, err)
	if err != nil {
		metrics.BotSendErrors.Inc()
	}
	return err
}

func isEntityError(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "can't find end of")
}

// classify переводит ошибку Bot API в доменную: 429, 5xx и сетевые сбои временные,
// остальное (бот заблокирован, чат не найден) постоянное.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return domain.TransientDelivery(err, 0)
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return domain.TransientDelivery(fmt.Errorf("telegram: %w", err), 0)
	}
	switch {
	case apiErr.Code == 429:
		return domain.TransientDelivery(err, time.Duration(apiErr.RetryAfter)*time.Second)
	case apiErr.Code >= 500:
		return domain.TransientDelivery(err, 0)
	default:
		return domain.PermanentDelivery(err)
	}
}
