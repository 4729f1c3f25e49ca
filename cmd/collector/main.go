package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gotd/td/tg"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/egv/ezra/internal/adapters/mtproto"
	"github.com/egv/ezra/internal/infra/config"
	"github.com/egv/ezra/internal/infra/db"
	applog "github.com/egv/ezra/internal/infra/log"
	"github.com/egv/ezra/internal/infra/metrics"
	"github.com/egv/ezra/internal/usecase/channels"
	"github.com/egv/ezra/internal/usecase/dedup"
	"github.com/egv/ezra/internal/usecase/ingest"
)

func main() {
	var (
		importPath string
		once       bool
	)
	flag.StringVar(&importPath, "import-session", "", "сохранить сессию из файла (gotd JSON или Telethon) и выйти")
	flag.BoolVar(&once, "once", false, "один проход по папке вместо периодического сбора")
	flag.Parse()

	cfg, err := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: конфигурация не загружена")
	}
	if err := cfg.Validate(config.RoleCollector); err != nil {
		logger.Fatal().Err(err).Msg("collector: некорректная конфигурация")
	}
	loc, _ := cfg.Location()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.OpenStore(ctx, cfg.Storage.Driver, cfg.Storage.SQLitePath, cfg.Storage.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("collector: хранилище недоступно")
	}
	defer store.Close()

	sessions := mtproto.NewSessionStore(store, cfg.MTProto.SessionName)
	if importPath != "" {
		raw, err := os.ReadFile(importPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: не удалось прочитать файл сессии")
		}
		converted, err := sessions.Import(ctx, raw)
		if err != nil {
			logger.Fatal().Err(err).Msg("collector: сессия не импортирована")
		}
		if converted {
			fmt.Println("Сессия сконвертирована в формат gotd")
		}
		fmt.Printf("Сессия %q сохранена (%d байт)\n", cfg.MTProto.SessionName, len(raw))
		return
	}

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	collector := mtproto.NewCollector(
		channels.NewService(store, nil, applog.Component(logger, "channels")),
		ingest.NewService(store, store, dedup.New(store), loc, applog.Component(logger, "ingest")),
		mtproto.Options{
			FolderName:   cfg.MTProto.FolderName,
			FetchLimit:   cfg.MTProto.FetchLimit,
			PollInterval: cfg.MTProto.PollInterval,
			ChatDelay:    cfg.MTProto.ChatDelay,
		},
		applog.Component(logger, "collector"),
	)
	client := mtproto.NewClient(mtproto.ClientOptions{
		APIID:    cfg.Telegram.APIID,
		APIHash:  cfg.Telegram.APIHash,
		Phone:    cfg.Telegram.Phone,
		Password: cfg.Telegram.Password,
		Input:    os.Stdin,
		Output:   os.Stdout,
	}, sessions, applog.Component(logger, "mtproto"))

	logger.Info().Str("folder", cfg.MTProto.FolderName).Msg("collector: запуск")
	err = client.Run(ctx, func(ctx context.Context, api *tg.Client) error {
		if once {
			stats, err := collector.Collect(ctx, api)
			logger.Info().Int("stored", stats.Stored).Int("duplicates", stats.Duplicates).Int("failed", stats.Failed).Msg("collector: проход завершён")
			return err
		}
		return collector.Run(ctx, api)
	})
	if err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("collector: остановлен с ошибкой")
	}
	logger.Info().Msg("collector: остановка")
}
