package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	CollectorErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "collector_errors_total",
		Help: "Ошибки при сборе каналов",
	})
	BotSendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_send_errors_total",
		Help: "Ошибки отправки сообщений ботом",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180, 300, 600},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	LLMGenerationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_generation_duration_seconds",
		Help:    "Длительность генерации ответа LLM",
		Buckets: prometheus.DefBuckets,
	}, []string{"model"})

	LLMTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Количество токенов, использованных LLM",
	}, []string{"model", "type"})

	IngestMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "Входящие сообщения по источнику и результату",
	}, []string{"source", "outcome"})

	DigestCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "digest_cycles_total",
		Help: "Циклы дайджеста по типу запуска и итогу",
	}, []string{"trigger", "outcome"})

	DigestCompileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_compile_seconds",
		Help:    "Время сборки дайджеста",
		Buckets: prometheus.DefBuckets,
	})

	DigestChunks = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "digest_chunks",
		Help:    "Количество пачек сообщений в дайджесте",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	DeliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Попытки доставки дайджеста по итогу",
	}, []string{"outcome"})

	DeliveryRetryEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_retry_enqueued_total",
		Help: "Задачи повторной доставки, поставленные в очередь",
	})

	SummarizerRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "summarizer_retries_total",
		Help: "Повторные обращения к LLM после временной ошибки",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CollectorErrors,
		BotSendErrors,
		NetworkRequestDuration,
		NetworkRequestTotal,
		LLMGenerationDuration,
		LLMTokensTotal,
		IngestMessagesTotal,
		DigestCyclesTotal,
		DigestCompileSeconds,
		DigestChunks,
		DeliveryAttemptsTotal,
		DeliveryRetryEnqueued,
		SummarizerRetries,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveLLMGeneration записывает длительность и токены генерации LLM.
func ObserveLLMGeneration(model string, duration time.Duration, promptTokens, completionTokens, totalTokens int) {
	if model == "" {
		model = "unknown"
	}
	LLMGenerationDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	if totalTokens <= 0 {
		totalTokens = promptTokens + completionTokens
	}
	if totalTokens > 0 {
		LLMTokensTotal.WithLabelValues(model, "total").Add(float64(totalTokens))
	}
}

// ObserveIngest учитывает входящее сообщение.
func ObserveIngest(source, outcome string) {
	if source == "" {
		source = "unknown"
	}
	IngestMessagesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveCycle учитывает завершённый цикл дайджеста.
func ObserveCycle(trigger, outcome string) {
	DigestCyclesTotal.WithLabelValues(trigger, outcome).Inc()
}

// ObserveCompile записывает длительность сборки и число пачек.
func ObserveCompile(duration time.Duration, chunks int) {
	DigestCompileSeconds.Observe(duration.Seconds())
	DigestChunks.Observe(float64(chunks))
}

// ObserveDelivery учитывает попытку доставки одному получателю.
func ObserveDelivery(outcome string) {
	DeliveryAttemptsTotal.WithLabelValues(outcome).Inc()
}
