package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
)

// channelIDOffset соответствует префиксу -100 в id каналов Bot API.
const channelIDOffset = 1_000_000_000_000

// Resolver получает метаданные канала через getChat.
type Resolver struct {
	bot BotAPI
}

var _ domain.ChannelResolver = (*Resolver)(nil)

// NewResolver создаёт резолвер каналов.
func NewResolver(bot BotAPI) *Resolver {
	return &Resolver{bot: bot}
}

// ResolveChannel принимает числовой id или @алиас.
func (r *Resolver) ResolveChannel(ctx context.Context, ref string) (domain.Channel, error) {
	if err := ctx.Err(); err != nil {
		return domain.Channel{}, err
	}
	ref = strings.TrimSpace(ref)
	cfg := tgbotapi.ChatInfoConfig{}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		cfg.ChatID = id
	} else {
		cfg.SuperGroupUsername = "@" + strings.TrimPrefix(ref, "@")
	}

	start := time.Now()
	chat, err := r.bot.GetChat(cfg)
	metrics.ObserveNetworkRequest("telegram_bot", "get_chat", ref, start, err)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("getChat %s: %w", ref, err)
	}
	if !chat.IsChannel() {
		return domain.Channel{}, fmt.Errorf("%s не является каналом", ref)
	}
	return domain.Channel{ID: chat.ID, Title: chat.Title, Username: chat.UserName, Active: true}, nil
}

// PostLink строит ссылку на пост: публичную по алиасу или внутреннюю t.me/c.
func PostLink(channelID int64, username string, messageID int) string {
	if messageID == 0 {
		return ""
	}
	if username = strings.TrimPrefix(username, "@"); username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", username, messageID)
	}
	internal := -channelID
	if internal > channelIDOffset {
		internal -= channelIDOffset
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", internal, messageID)
}

// Notifier отправляет служебные сообщения в чат администраторов.
type Notifier struct {
	sender domain.Sender
	chatID int64
}

var _ domain.Notifier = (*Notifier)(nil)

// NewNotifier создаёт уведомитель. chatID 0 отключает уведомления.
func NewNotifier(sender domain.Sender, chatID int64) *Notifier {
	return &Notifier{sender: sender, chatID: chatID}
}

// NotifyAdmins реализует domain.Notifier.
func (n *Notifier) NotifyAdmins(ctx context.Context, text string) error {
	if n.chatID == 0 {
		return nil
	}
	return n.sender.SendText(ctx, n.chatID, text)
}
