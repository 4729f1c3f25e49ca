package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/egv/ezra/internal/adapters/bot"
	"github.com/egv/ezra/internal/adapters/httpapi"
	"github.com/egv/ezra/internal/adapters/summarizer"
	"github.com/egv/ezra/internal/adapters/telegram"
	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/cache"
	"github.com/egv/ezra/internal/infra/config"
	"github.com/egv/ezra/internal/infra/db"
	httpinfra "github.com/egv/ezra/internal/infra/http"
	applog "github.com/egv/ezra/internal/infra/log"
	"github.com/egv/ezra/internal/infra/metrics"
	"github.com/egv/ezra/internal/infra/openai"
	"github.com/egv/ezra/internal/infra/queue"
	"github.com/egv/ezra/internal/usecase/channels"
	"github.com/egv/ezra/internal/usecase/dedup"
	"github.com/egv/ezra/internal/usecase/delivery"
	"github.com/egv/ezra/internal/usecase/digest"
	"github.com/egv/ezra/internal/usecase/ingest"
	"github.com/egv/ezra/internal/usecase/schedule"
	"github.com/egv/ezra/internal/usecase/subscriptions"
)

const webhookPath = "/telegram/webhook"

var allowedUpdates = []string{"message", "channel_post", "callback_query"}

func main() {
	cfg, err := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)
	if err != nil {
		logger.Fatal().Err(err).Msg("ezra: конфигурация не загружена")
	}
	if err := cfg.Validate(config.RoleService); err != nil {
		logger.Fatal().Err(err).Msg("ezra: некорректная конфигурация")
	}
	loc, _ := cfg.Location()
	hour, minute, _ := cfg.DigestClock()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	store, err := db.OpenStore(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, cfg.Storage.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("ezra: хранилище недоступно")
	}
	defer store.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}
	onceCache := newCache(redisClient)
	retryQueue, closeQueue, err := newRetryQueue(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("ezra: очередь повторов недоступна")
	}
	defer closeQueue()

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("ezra: не удалось создать бота")
	}
	sender := telegram.NewSender(botAPI, cfg.Telegram.SendRPS, applog.Component(logger, "telegram"))

	channelService := channels.NewService(store, telegram.NewResolver(botAPI), applog.Component(logger, "channels"))
	subscriptionService := subscriptions.NewService(store, applog.Component(logger, "subscriptions"))
	ingestService := ingest.NewService(store, store, dedup.New(store), loc, applog.Component(logger, "ingest"))
	compiler := digest.NewCompiler(store, ingestService, newSummarizer(cfg, logger), loc, digest.Options{
		ChunkChars: cfg.Digest.ChunkChars,
		Style:      cfg.Digest.Style,
	}, applog.Component(logger, "digest"))
	deliveryManager := delivery.NewManager(subscriptionService, store, sender, retryQueue, delivery.Options{
		Workers:     cfg.Delivery.Workers,
		MaxAttempts: cfg.Delivery.MaxAttempts,
		Backoff:     cfg.Delivery.Backoff,
		MaxBackoff:  cfg.Delivery.MaxBackoff,
	}, applog.Component(logger, "delivery"))
	retryWorker := delivery.NewRetryWorker(deliveryManager, store, applog.Component(logger, "delivery_retry"))
	scheduler := schedule.NewService(store, compiler, deliveryManager, ingestService, onceCache,
		telegram.NewNotifier(sender, cfg.Telegram.AdminChatID), loc, schedule.Options{
			Hour:          hour,
			Minute:        minute,
			DayOffset:     cfg.Digest.DayOffset,
			RetentionDays: cfg.Digest.RetentionDays,
		}, applog.Component(logger, "scheduler"))

	handler := bot.NewHandler(botAPI, applog.Component(logger, "bot"), subscriptionService, channelService, scheduler, ingestService,
		domain.NewAdminPolicy(cfg.Telegram.AdminUsernames, cfg.Telegram.AdminIDs),
		bot.Options{DigestTime: cfg.Digest.Time})

	server := httpinfra.NewServer(applog.Component(logger, "http"))
	if cfg.AdminAPIToken != "" {
		httpapi.NewHandler(ingestService, scheduler, channelService, subscriptionService, applog.Component(logger, "httpapi")).
			Mount(server.Router, cfg.AdminAPIToken)
	} else {
		logger.Warn().Msg("ezra: ADMIN_API_TOKEN не задан, административный API отключён")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Telegram.WebhookURL != "" {
		server.Router.With(httpinfra.WebhookSecret(cfg.Telegram.WebhookSecret), middleware.Timeout(httpinfra.RequestTimeout)).
			Post(webhookPath, handler.Webhook)
		if err := setWebhook(botAPI, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logger.Fatal().Err(err).Msg("ezra: не удалось установить вебхук")
		}
		logger.Info().Str("url", cfg.Telegram.WebhookURL).Msg("ezra: бот работает через вебхук")
	} else {
		if _, err := botAPI.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			logger.Warn().Err(err).Msg("ezra: не удалось снять вебхук")
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		u.AllowedUpdates = allowedUpdates
		updates := botAPI.GetUpdatesChan(u)
		g.Go(func() error {
			handler.Poll(gctx, updates)
			botAPI.StopReceivingUpdates()
			return nil
		})
		logger.Info().Msg("ezra: бот работает через long polling")
	}

	g.Go(func() error { return server.Start(cfg.HTTPAddr) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return retryWorker.Run(gctx) })

	logger.Info().Str("tz", cfg.TZ).Str("digest_time", cfg.Digest.Time).Msg("ezra: сервис запущен")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("ezra: сервис остановлен с ошибкой")
	}
	handler.Wait()
	logger.Info().Msg("ezra: остановка")
}

func newSummarizer(cfg config.AppConfig, logger zerolog.Logger) domain.Summarizer {
	if cfg.OpenAI.APIKey == "" {
		logger.Warn().Msg("ezra: OPENAI_API_KEY не задан, используется извлекающий суммаризатор")
		return summarizer.NewSimple()
	}
	client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout+5*time.Second)
	return summarizer.NewOpenAI(client, summarizer.Options{
		Model:       cfg.OpenAI.Model,
		Timeout:     cfg.OpenAI.Timeout,
		MaxAttempts: cfg.OpenAI.MaxAttempts,
		Backoff:     cfg.OpenAI.Backoff,
		MaxBackoff:  cfg.OpenAI.MaxBackoff,
		InputLimit:  cfg.OpenAI.InputLimit,
	}, applog.Component(logger, "summarizer"))
}

func newCache(client *redis.Client) domain.Cache {
	if client == nil {
		return cache.NewMemory()
	}
	return cache.NewRedis(client)
}

func newRetryQueue(cfg config.AppConfig, client *redis.Client) (domain.RetryQueue, func(), error) {
	switch cfg.Queues.Retry {
	case "redis":
		return queue.NewRedisRetryQueue(client, cfg.Queues.RetryKey), func() {}, nil
	case "rabbitmq":
		q, err := queue.NewRabbitRetryQueue(cfg.Queues.RabbitMQURL, cfg.Queues.RetryKey)
		if err != nil {
			return nil, nil, err
		}
		return q, func() { _ = q.Close() }, nil
	default:
		return queue.NewMemoryRetryQueue(), func() {}, nil
	}
}

func setWebhook(api *tgbotapi.BotAPI, url, secret string) error {
	params := tgbotapi.Params{"url": url}
	if secret != "" {
		params["secret_token"] = secret
	}
	if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
		return err
	}
	_, err := api.MakeRequest("setWebhook", params)
	return err
}
