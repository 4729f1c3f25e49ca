package summarizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
	openai "github.com/egv/ezra/internal/infra/openai"
)

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options настраивает обращения к LLM.
type Options struct {
	Model       string
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	InputLimit  int
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 2 * time.Second
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = o.Backoff
	}
	if o.InputLimit <= 0 {
		o.InputLimit = 24000
	}
	return o
}

// OpenAI реализует domain.Summarizer через OpenAI Chat Completions.
type OpenAI struct {
	client  chatClient
	opts    Options
	breaker *gobreaker.CircuitBreaker[string]
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

var _ domain.Summarizer = (*OpenAI)(nil)

// NewOpenAI создаёт провайдер суммаризации.
func NewOpenAI(client chatClient, opts Options, logger zerolog.Logger) *OpenAI {
	opts = opts.withDefaults()
	s := &OpenAI{client: client, opts: opts, log: logger, sleep: sleepCtx}
	s.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "openai",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("summarizer: состояние предохранителя изменилось")
		},
	})
	return s
}

// Summarize сжимает пачку текстов. Временные ошибки повторяются с экспоненциальной
// паузой, постоянные возвращаются сразу. Ошибка всегда *domain.SummarizationError.
func (s *OpenAI) Summarize(ctx context.Context, texts []string, hint domain.StyleHint) (string, error) {
	if len(texts) == 0 {
		return "", nil
	}
	req := openai.ChatCompletionRequest{
		Model:       s.opts.Model,
		Temperature: 0.3,
		Messages: []openai.ChatMessage{
			{Role: openai.RoleSystem, Content: systemPrompt(hint)},
			{Role: openai.RoleUser, Content: userPrompt(FitTexts(texts, s.opts.InputLimit), hint)},
		},
	}

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.backoff(attempt-1, lastErr)
			metrics.SummarizerRetries.Inc()
			s.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("summarizer: повтор запроса к LLM")
			if err := s.sleep(ctx, delay); err != nil {
				return "", &domain.SummarizationError{Transient: true, Attempts: attempt - 1, Err: err}
			}
		}

		out, err := s.breaker.Execute(func() (string, error) {
			return s.call(ctx, req)
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", &domain.SummarizationError{Transient: true, Attempts: attempt, Err: ctx.Err()}
		}
		if !isTransient(err) {
			return "", &domain.SummarizationError{Attempts: attempt, Err: err}
		}
	}
	return "", &domain.SummarizationError{Transient: true, Attempts: s.opts.MaxAttempts, Err: lastErr}
}

func (s *OpenAI) call(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	resp, err := s.client.CreateChatCompletion(attemptCtx, req)
	if err != nil {
		return "", fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", errEmptyCompletion
	}
	return content, nil
}

var errEmptyCompletion = errors.New("openai completion: пустой ответ")

// backoff возвращает паузу перед повтором номер n: base * 2^(n-1), не больше MaxBackoff.
func (s *OpenAI) backoff(n int, cause error) time.Duration {
	delay := s.opts.Backoff
	for i := 1; i < n && delay < s.opts.MaxBackoff; i++ {
		delay *= 2
	}
	var apiErr *openai.APIError
	if errors.As(cause, &apiErr) && apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
	}
	if delay > s.opts.MaxBackoff {
		delay = s.opts.MaxBackoff
	}
	return delay
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func systemPrompt(hint domain.StyleHint) string {
	var b strings.Builder
	b.WriteString("Ты редактор ежедневного дайджеста Telegram-каналов. Пиши по-русски, сохраняй факты из текста и ничего не выдумывай. ")
	b.WriteString("Объединяй близкие новости в один пункт и оставляй ссылку на источник, если она указана.")
	if style := strings.TrimSpace(hint.Style); style != "" {
		b.WriteString("\nСтиль: ")
		b.WriteString(style)
	}
	return b.String()
}

func userPrompt(texts []string, hint domain.StyleHint) string {
	var b strings.Builder
	date := ""
	if !hint.Date.IsZero() {
		date = " за " + domain.FormatDate(hint.Date)
	}
	if hint.Kind == domain.SummaryCombine {
		fmt.Fprintf(&b, "Объедини частичные сводки%s в один связный дайджест без повторов. Сохрани ссылки на источники.\n\n", date)
	} else {
		fmt.Fprintf(&b, "Составь краткую сводку сообщений%s списком ключевых новостей.\n\n", date)
	}
	for i, text := range texts {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "%d. %s", i+1, text)
	}
	return b.String()
}
