package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/adapters/telegram"
	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
	"github.com/egv/ezra/internal/usecase/channels"
	"github.com/egv/ezra/internal/usecase/ingest"
	"github.com/egv/ezra/internal/usecase/schedule"
)

// Subscriptions управляет подпиской собеседника.
type Subscriptions interface {
	Subscribe(ctx context.Context, recipientID int64, username string) (domain.Subscriber, error)
	Unsubscribe(ctx context.Context, recipientID int64) (bool, error)
}

// Channels управляет источниками.
type Channels interface {
	Add(ctx context.Context, channelID int64, title, username string, addedBy int64) (domain.Channel, bool, error)
	AddByRef(ctx context.Context, ref string, addedBy int64) (domain.Channel, bool, error)
	Remove(ctx context.Context, channelID int64) (bool, error)
	List(ctx context.Context) ([]domain.Channel, error)
}

// Digests даёт доступ к дайджестам и ручной перегенерации.
type Digests interface {
	Latest(ctx context.Context) (domain.Digest, error)
	Regenerate(ctx context.Context, date time.Time) (schedule.Outcome, error)
	CurrentDate(now time.Time) time.Time
}

// Inbound принимает сообщения каналов.
type Inbound interface {
	Deliver(ctx context.Context, in domain.InboundMessage) (ingest.InsertResult, error)
}

// Options настраивает тексты бота.
type Options struct {
	DigestTime string
}

// Handler обрабатывает апдейты бота: команды, пересланные посты и посты каналов.
type Handler struct {
	bot      telegram.BotAPI
	log      zerolog.Logger
	subs     Subscriptions
	channels Channels
	digests  Digests
	inbound  Inbound
	admins   domain.AdminPolicy
	opts     Options
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewHandler создаёт обработчик.
func NewHandler(bot telegram.BotAPI, log zerolog.Logger, subs Subscriptions, channelUC Channels, digests Digests, inbound Inbound, admins domain.AdminPolicy, opts Options) *Handler {
	return &Handler{
		bot:      bot,
		log:      log,
		subs:     subs,
		channels: channelUC,
		digests:  digests,
		inbound:  inbound,
		admins:   admins,
		opts:     opts,
		now:      time.Now,
	}
}

// Wait дожидается фоновых перегенераций.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.ChannelPost != nil:
		h.handleChannelPost(ctx, upd.ChannelPost)
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	case upd.CallbackQuery != nil:
		h.handleCallback(ctx, upd.CallbackQuery)
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil {
		return
	}
	if msg.ForwardFromChat != nil {
		h.handleForward(ctx, msg)
		return
	}
	if !msg.IsCommand() {
		h.reply(msg.Chat.ID, "Я понимаю команды. Используйте /help", nil)
		return
	}

	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start":
		h.handleStart(ctx, msg)
	case "stop":
		h.handleStop(ctx, msg)
	case "help":
		h.reply(msg.Chat.ID, h.buildHelpMessage(h.isAdmin(msg.From)), h.mainKeyboard())
	case "digest":
		h.handleDigest(ctx, msg.Chat.ID)
	case "list_channels":
		if h.requireAdmin(msg) {
			h.handleList(ctx, msg.Chat.ID)
		}
	case "add_channel":
		if h.requireAdmin(msg) {
			h.handleAdd(ctx, msg.Chat.ID, msg.From.ID, args)
		}
	case "remove_channel":
		if h.requireAdmin(msg) {
			h.handleRemove(ctx, msg.Chat.ID, args)
		}
	case "regenerate":
		if h.requireAdmin(msg) {
			h.handleRegenerate(ctx, msg.Chat.ID, args)
		}
	default:
		h.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help", nil)
	}
}

func (h *Handler) isAdmin(user *tgbotapi.User) bool {
	return user != nil && h.admins.IsAdmin(user.ID, user.UserName)
}

func (h *Handler) requireAdmin(msg *tgbotapi.Message) bool {
	if h.isAdmin(msg.From) {
		return true
	}
	h.reply(msg.Chat.ID, "⛔ Команда доступна только администратору.", nil)
	return false
}

func (h *Handler) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	if _, err := h.subs.Subscribe(ctx, msg.Chat.ID, msg.From.UserName); err != nil {
		h.log.Error().Err(err).Int64("recipient", msg.Chat.ID).Msg("bot: не удалось подписать")
		h.reply(msg.Chat.ID, "Не удалось оформить подписку, попробуйте позже.", nil)
		return
	}
	h.reply(msg.Chat.ID, h.buildStartMessage(), h.mainKeyboard())
}

func (h *Handler) handleStop(ctx context.Context, msg *tgbotapi.Message) {
	changed, err := h.subs.Unsubscribe(ctx, msg.Chat.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("recipient", msg.Chat.ID).Msg("bot: не удалось отписать")
		h.reply(msg.Chat.ID, "Не удалось отменить подписку, попробуйте позже.", nil)
		return
	}
	if !changed {
		h.reply(msg.Chat.ID, "Вы и так не подписаны. Чтобы подписаться, отправьте /start", nil)
		return
	}
	h.reply(msg.Chat.ID, "Подписка отменена. Вернуться можно командой /start", nil)
}

func (h *Handler) handleDigest(ctx context.Context, chatID int64) {
	d, err := h.digests.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		h.reply(chatID, fmt.Sprintf("Дайджестов пока нет. Первый придёт в %s.", h.opts.DigestTime), nil)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("bot: не удалось получить дайджест")
		h.reply(chatID, "Не удалось получить дайджест, попробуйте позже.", nil)
		return
	}
	h.replyDigest(chatID, d.Text)
}

func (h *Handler) handleList(ctx context.Context, chatID int64) {
	list, err := h.channels.List(ctx)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Ошибка: %v", err), nil)
		return
	}
	if len(list) == 0 {
		h.reply(chatID, "Каналов пока нет. Добавьте: /add_channel @alias или перешлите пост из канала.", nil)
		return
	}
	var b strings.Builder
	b.WriteString("📚 Отслеживаемые каналы:\n")
	for i, ch := range list {
		line := fmt.Sprintf("%d. %s", i+1, ch.DisplayName())
		if ch.Username != "" && ch.Title != "" {
			line += " (@" + ch.Username + ")"
		}
		line += fmt.Sprintf(" — id %d", ch.ID)
		b.WriteString(line + "\n")
	}
	h.reply(chatID, b.String(), nil)
}

func (h *Handler) handleAdd(ctx context.Context, chatID, userID int64, ref string) {
	if ref == "" {
		h.reply(chatID, "Отправьте /add_channel @alias или /add_channel -100123…, либо перешлите пост из канала.", nil)
		return
	}
	ch, created, err := h.channels.AddByRef(ctx, ref, userID)
	if err != nil {
		switch {
		case errors.Is(err, channels.ErrAliasInvalid):
			h.reply(chatID, "Некорректный канал. Пример: /add_channel @example", nil)
		case errors.Is(err, channels.ErrPrivateChannel), errors.Is(err, channels.ErrNoResolver):
			h.reply(chatID, "Канал не найден. Добавьте бота в канал или перешлите пост оттуда.", nil)
		default:
			h.reply(chatID, fmt.Sprintf("Ошибка добавления: %v", err), nil)
		}
		return
	}
	if !created {
		h.reply(chatID, fmt.Sprintf("Канал %s уже отслеживается.", ch.DisplayName()), nil)
		return
	}
	h.reply(chatID, fmt.Sprintf("Готово: %s", ch.DisplayName()), nil)
}

func (h *Handler) handleRemove(ctx context.Context, chatID int64, arg string) {
	id, ok := channels.ParseID(arg)
	if !ok {
		h.reply(chatID, "Отправьте /remove_channel <id>. Id есть в /list_channels.", nil)
		return
	}
	removed, err := h.channels.Remove(ctx, id)
	if err != nil {
		h.reply(chatID, fmt.Sprintf("Ошибка удаления: %v", err), nil)
		return
	}
	if !removed {
		h.reply(chatID, "Такой канал не отслеживается.", nil)
		return
	}
	h.reply(chatID, "Канал удалён. Собранные сообщения останутся до очистки.", nil)
}

func (h *Handler) handleRegenerate(ctx context.Context, chatID int64, arg string) {
	date := h.digests.CurrentDate(h.now())
	if arg != "" {
		parsed, err := domain.ParseDate(arg)
		if err != nil {
			h.reply(chatID, "Дата в формате ГГГГ-ММ-ДД, например /regenerate 2024-03-10", nil)
			return
		}
		date = parsed
	}
	day := domain.FormatDate(date)
	h.reply(chatID, fmt.Sprintf("⏳ Пересобираю дайджест за %s…", day), nil)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		out, err := h.digests.Regenerate(context.WithoutCancel(ctx), date)
		h.reply(chatID, regenerateReport(day, out, err), nil)
	}()
}

func regenerateReport(day string, out schedule.Outcome, err error) string {
	switch {
	case errors.Is(err, domain.ErrStaleGeneration):
		return fmt.Sprintf("Дайджест за %s уже пересобирается другим запросом.", day)
	case err != nil && out.Status == domain.DigestFailed:
		return fmt.Sprintf("❌ Дайджест за %s не собран: %v\nПовторите командой /regenerate %s", day, err, day)
	case err != nil:
		return fmt.Sprintf("❌ Перегенерация за %s прервана: %v", day, err)
	}
	r := out.Report
	text := fmt.Sprintf("✅ Дайджест за %s разослан: доставлено %d из %d", day, r.Sent, r.Total)
	if r.Queued > 0 {
		text += fmt.Sprintf(", повторим %d", r.Queued)
	}
	if r.Failed > 0 {
		text += fmt.Sprintf(", не доставлено %d", r.Failed)
	}
	if out.Empty {
		text += ". Новых сообщений за день не было"
	}
	return text + "."
}

// handleForward регистрирует канал пересланного поста и сохраняет сам пост.
func (h *Handler) handleForward(ctx context.Context, msg *tgbotapi.Message) {
	if !h.isAdmin(msg.From) {
		h.reply(msg.Chat.ID, "Пересылать посты для дайджеста может только администратор.", nil)
		return
	}
	origin := msg.ForwardFromChat
	if !origin.IsChannel() {
		h.reply(msg.Chat.ID, "Перешлите пост из канала.", nil)
		return
	}
	ch, created, err := h.channels.Add(ctx, origin.ID, origin.Title, origin.UserName, msg.From.ID)
	if err != nil {
		h.log.Error().Err(err).Int64("channel", origin.ID).Msg("bot: не удалось добавить канал")
		h.reply(msg.Chat.ID, "Не удалось добавить канал, попробуйте позже.", nil)
		return
	}

	at := time.Unix(int64(msg.ForwardDate), 0).UTC()
	res, err := h.ingest(ctx, origin.ID, origin.UserName, msg.ForwardFromMessageID, postText(msg), at)
	var status string
	switch {
	case errors.Is(err, domain.ErrEmptyText):
		status = "в посте нет текста"
	case err != nil:
		h.log.Error().Err(err).Int64("channel", origin.ID).Msg("bot: не удалось сохранить пост")
		status = "пост не сохранён"
	case res.Outcome == ingest.OutcomeStored:
		status = "пост сохранён"
	default:
		status = "пост уже есть в дайджесте"
	}
	prefix := "Канал"
	if created {
		prefix = "Добавлен канал"
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("%s %s: %s.", prefix, ch.DisplayName(), status), nil)
}

// handleChannelPost сохраняет пост канала, где бот состоит участником.
func (h *Handler) handleChannelPost(ctx context.Context, post *tgbotapi.Message) {
	if post.Chat == nil {
		return
	}
	at := time.Unix(int64(post.Date), 0).UTC()
	_, err := h.ingest(ctx, post.Chat.ID, post.Chat.UserName, post.MessageID, postText(post), at)
	switch {
	case errors.Is(err, domain.ErrChannelNotFound), errors.Is(err, domain.ErrEmptyText):
		h.log.Debug().Err(err).Int64("channel", post.Chat.ID).Msg("bot: пост канала пропущен")
	case err != nil:
		h.log.Error().Err(err).Int64("channel", post.Chat.ID).Msg("bot: не удалось сохранить пост канала")
	}
}

func (h *Handler) ingest(ctx context.Context, channelID int64, username string, messageID int, text string, at time.Time) (ingest.InsertResult, error) {
	return h.inbound.Deliver(ctx, domain.InboundMessage{
		ChannelID:  channelID,
		ExternalID: int64(messageID),
		Text:       text,
		ReceivedAt: at,
		Link:       telegram.PostLink(channelID, username, messageID),
		Source:     domain.SourceBot,
	})
}

func postText(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func (h *Handler) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.Message != nil {
		switch cb.Data {
		case "digest":
			h.handleDigest(ctx, cb.Message.Chat.ID)
		case "help_menu":
			h.reply(cb.Message.Chat.ID, h.buildHelpMessage(h.isAdmin(cb.From)), h.mainKeyboard())
		}
	}
	start := time.Now()
	_, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, ""))
	target := ""
	if cb.From != nil {
		target = strconv.FormatInt(cb.From.ID, 10)
	}
	metrics.ObserveNetworkRequest("telegram_bot", "answer_callback", target, start, err)
	if err != nil {
		h.log.Error().Err(err).Msg("bot: не удалось ответить на callback")
	}
}

func (h *Handler) reply(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	h.send(chatID, text, "", keyboard)
}

// replyDigest отправляет дайджест в Markdown; при ошибке разметки повторяет простым текстом.
func (h *Handler) replyDigest(chatID int64, text string) {
	if !h.send(chatID, text, tgbotapi.ModeMarkdown, nil) {
		h.send(chatID, text, "", nil)
	}
}

func (h *Handler) send(chatID int64, text, parseMode string, keyboard *tgbotapi.InlineKeyboardMarkup) bool {
	parts := telegram.SplitMessage(text)
	for i, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = parseMode
		msg.DisableWebPagePreview = true
		if i == 0 && keyboard != nil {
			msg.ReplyMarkup = keyboard
		}
		start := time.Now()
		_, err := h.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
		if err != nil {
			metrics.BotSendErrors.Inc()
			h.log.Error().Err(err).Int64("chat", chatID).Msg("bot: не удалось отправить сообщение")
			return false
		}
	}
	return true
}

func (h *Handler) mainKeyboard() *tgbotapi.InlineKeyboardMarkup {
	buttons := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📰 Последний дайджест", "digest"),
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ Помощь", "help_menu"),
		),
	)
	return &buttons
}

func (h *Handler) buildStartMessage() string {
	lines := []string{
		"👋 Вы подписаны на ежедневный дайджест!",
		"",
		fmt.Sprintf("Каждый день в %s я присылаю сводку новостей из отслеживаемых каналов.", h.opts.DigestTime),
		"• /digest — последний дайджест.",
		"• /stop — отписаться.",
		"",
		"Под кнопкой \"ℹ️ Помощь\" полный список команд.",
	}
	return strings.Join(lines, "\n")
}

func (h *Handler) buildHelpMessage(admin bool) string {
	sections := []string{
		"📖 Команды:",
		"• /start — подписаться на дайджест.",
		"• /stop — отписаться.",
		"• /digest — показать последний дайджест.",
		"• /help — эта справка.",
	}
	if admin {
		sections = append(sections,
			"",
			"Администрирование:",
			"• /list_channels — отслеживаемые каналы.",
			"• /add_channel @alias или id — добавить канал.",
			"• /remove_channel <id> — перестать отслеживать канал.",
			"• /regenerate [ГГГГ-ММ-ДД] — пересобрать и разослать дайджест.",
			"• Перешлите пост из канала — канал добавится, пост попадёт в дайджест.",
		)
	}
	return strings.Join(sections, "\n")
}
