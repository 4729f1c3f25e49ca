package mtproto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/egv/ezra/internal/adapters/telegram"
	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
	"github.com/egv/ezra/internal/usecase/ingest"
)

// ErrFolderNotFound возвращается, если папки с заданным названием нет.
var ErrFolderNotFound = errors.New("папка чатов не найдена")

// channelIDOffset переводит MTProto id канала в id Bot API (-100…).
const channelIDOffset = 1_000_000_000_000

// API описывает часть MTProto API, нужную сборщику. Реализуется *tg.Client.
type API interface {
	MessagesGetDialogFilters(ctx context.Context) (*tg.MessagesDialogFilters, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
}

// Channels регистрирует каналы, найденные в папке.
type Channels interface {
	Get(ctx context.Context, channelID int64) (domain.Channel, error)
	Add(ctx context.Context, channelID int64, title, username string, addedBy int64) (domain.Channel, bool, error)
}

// Inbound принимает сообщения.
type Inbound interface {
	Deliver(ctx context.Context, in domain.InboundMessage) (ingest.InsertResult, error)
}

// Options настраивает сбор.
type Options struct {
	FolderName   string
	FetchLimit   int
	PollInterval time.Duration
	ChatDelay    time.Duration
}

func (o Options) withDefaults() Options {
	if o.FolderName == "" {
		o.FolderName = "AI"
	}
	if o.FetchLimit <= 0 {
		o.FetchLimit = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Minute
	}
	return o
}

// Stats содержит итог одного прохода по папке.
type Stats struct {
	Chats      int
	Fetched    int
	Stored     int
	Duplicates int
	Skipped    int
	Failed     int
}

// Collector читает последние сообщения каналов из папки пользовательской сессии.
type Collector struct {
	channels Channels
	inbound  Inbound
	opts     Options
	limiter  *rate.Limiter
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCollector создаёт сборщик.
func NewCollector(channels Channels, inbound Inbound, opts Options, logger zerolog.Logger) *Collector {
	opts = opts.withDefaults()
	limit := rate.Inf
	if opts.ChatDelay > 0 {
		limit = rate.Every(opts.ChatDelay)
	}
	return &Collector{
		channels: channels,
		inbound:  inbound,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		log:      logger,
		sleep:    sleepCtx,
	}
}

// Run повторяет Collect каждые PollInterval до отмены контекста.
func (c *Collector) Run(ctx context.Context, api API) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		stats, err := c.Collect(ctx, api)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			c.log.Error().Err(err).Msg("collector: проход по папке не удался")
		default:
			c.log.Info().
				Int("chats", stats.Chats).
				Int("fetched", stats.Fetched).
				Int("stored", stats.Stored).
				Int("duplicates", stats.Duplicates).
				Int("failed", stats.Failed).
				Msg("collector: проход завершён")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Collect делает один проход: находит папку и забирает последние сообщения каждого канала.
// Ошибка отдельного канала не прерывает проход.
func (c *Collector) Collect(ctx context.Context, api API) (Stats, error) {
	var stats Stats
	peers, err := c.folderPeers(ctx, api)
	if err != nil {
		return stats, err
	}
	stats.Chats = len(peers)
	for _, peer := range peers {
		if err := c.limiter.Wait(ctx); err != nil {
			return stats, err
		}
		if err := c.collectChannel(ctx, api, peer, &stats); err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Failed++
			metrics.CollectorErrors.Inc()
			c.log.Error().Err(err).Int64("channel", botAPIChannelID(peer.ChannelID)).Msg("collector: канал пропущен")
		}
	}
	return stats, nil
}

func (c *Collector) folderPeers(ctx context.Context, api API) ([]*tg.InputPeerChannel, error) {
	var res *tg.MessagesDialogFilters
	err := c.call(ctx, "get_dialog_filters", func(ctx context.Context) error {
		var err error
		res, err = api.MessagesGetDialogFilters(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("список папок: %w", err)
	}

	var include []tg.InputPeerClass
	found := false
	for _, class := range res.Filters {
		var title string
		var peers []tg.InputPeerClass
		switch f := class.(type) {
		case *tg.DialogFilter:
			title, peers = f.Title.Text, f.IncludePeers
		case *tg.DialogFilterChatlist:
			title, peers = f.Title.Text, f.IncludePeers
		default:
			continue
		}
		if strings.EqualFold(strings.TrimSpace(title), c.opts.FolderName) {
			include, found = peers, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrFolderNotFound, c.opts.FolderName)
	}

	out := make([]*tg.InputPeerChannel, 0, len(include))
	for _, peer := range include {
		channel, ok := peer.(*tg.InputPeerChannel)
		if !ok {
			c.log.Debug().Str("peer", peer.TypeName()).Msg("collector: в папке не канал, пропускаем")
			continue
		}
		out = append(out, channel)
	}
	return out, nil
}

func (c *Collector) collectChannel(ctx context.Context, api API, peer *tg.InputPeerChannel, stats *Stats) error {
	var res tg.MessagesMessagesClass
	err := c.call(ctx, "get_history", func(ctx context.Context) error {
		var err error
		res, err = api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{Peer: peer, Limit: c.opts.FetchLimit})
		return err
	})
	if err != nil {
		return fmt.Errorf("история канала: %w", err)
	}

	var messages []tg.MessageClass
	var chats []tg.ChatClass
	switch r := res.(type) {
	case *tg.MessagesChannelMessages:
		messages, chats = r.Messages, r.Chats
	case *tg.MessagesMessages:
		messages, chats = r.Messages, r.Chats
	case *tg.MessagesMessagesSlice:
		messages, chats = r.Messages, r.Chats
	default:
		return fmt.Errorf("неожиданный ответ истории: %s", res.TypeName())
	}

	channelID := botAPIChannelID(peer.ChannelID)
	title, username := channelMeta(chats, peer.ChannelID)
	active, err := c.ensureChannel(ctx, channelID, title, username)
	if err != nil {
		return err
	}
	if !active {
		c.log.Debug().Int64("channel", channelID).Msg("collector: канал удалён администратором, пропускаем")
		return nil
	}

	for _, class := range messages {
		msg, ok := class.(*tg.Message)
		if !ok || strings.TrimSpace(msg.Message) == "" {
			continue
		}
		stats.Fetched++
		res, err := c.inbound.Deliver(ctx, domain.InboundMessage{
			ChannelID:  channelID,
			ExternalID: int64(msg.ID),
			Text:       msg.Message,
			ReceivedAt: time.Unix(int64(msg.Date), 0).UTC(),
			Link:       telegram.PostLink(channelID, username, msg.ID),
			Source:     domain.SourceUserbot,
		})
		switch {
		case errors.Is(err, domain.ErrEmptyText), errors.Is(err, domain.ErrChannelNotFound):
			stats.Skipped++
		case err != nil:
			return fmt.Errorf("сохранение сообщения %d: %w", msg.ID, err)
		case res.Outcome == ingest.OutcomeStored:
			stats.Stored++
		default:
			stats.Duplicates++
		}
	}
	return nil
}

// ensureChannel регистрирует новый канал. Удалённые администратором каналы не возвращаются.
func (c *Collector) ensureChannel(ctx context.Context, channelID int64, title, username string) (bool, error) {
	ch, err := c.channels.Get(ctx, channelID)
	if err == nil {
		return ch.Active, nil
	}
	if !errors.Is(err, domain.ErrChannelNotFound) {
		return false, fmt.Errorf("получение канала: %w", err)
	}
	if _, _, err := c.channels.Add(ctx, channelID, title, username, 0); err != nil {
		return false, fmt.Errorf("регистрация канала: %w", err)
	}
	c.log.Info().Int64("channel", channelID).Str("title", title).Msg("collector: канал из папки зарегистрирован")
	return true, nil
}

// call выполняет запрос, один раз дожидаясь FLOOD_WAIT.
func (c *Collector) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	if wait, ok := tgerr.AsFloodWait(err); ok {
		c.log.Warn().Dur("wait", wait).Str("op", op).Msg("collector: FLOOD_WAIT, ждём")
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
		err = fn(ctx)
	}
	metrics.ObserveNetworkRequest("mtproto", op, c.opts.FolderName, start, err)
	return err
}

func channelMeta(chats []tg.ChatClass, id int64) (string, string) {
	for _, class := range chats {
		if ch, ok := class.(*tg.Channel); ok && ch.ID == id {
			return ch.Title, ch.Username
		}
	}
	return "", ""
}

func botAPIChannelID(id int64) int64 {
	return -(channelIDOffset + id)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
