package digest

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
)

const defaultChunkChars = 8000

// WindowSource отдаёт сообщения окна дайджеста.
type WindowSource interface {
	SelectWindow(ctx context.Context, channelIDs []int64, since, until time.Time) iter.Seq2[domain.Message, error]
}

// ChannelLister перечисляет отслеживаемые каналы.
type ChannelLister interface {
	ListChannels(ctx context.Context, activeOnly bool) ([]domain.Channel, error)
}

// Options настраивает сборку дайджеста.
type Options struct {
	ChunkChars int
	Style      string
}

// Compiled содержит собранный текст дайджеста за дату.
type Compiled struct {
	Date         time.Time
	Text         string
	MessageCount int
	ChunkCount   int
	Empty        bool
}

// Compiler собирает дайджест из сообщений окна.
type Compiler struct {
	channels   ChannelLister
	messages   WindowSource
	summarizer domain.Summarizer
	loc        *time.Location
	opts       Options
	log        zerolog.Logger
}

// NewCompiler создаёт сборщик дайджестов.
func NewCompiler(channels ChannelLister, messages WindowSource, summarizer domain.Summarizer, loc *time.Location, opts Options, logger zerolog.Logger) *Compiler {
	if loc == nil {
		loc = time.UTC
	}
	if opts.ChunkChars <= 0 {
		opts.ChunkChars = defaultChunkChars
	}
	return &Compiler{
		channels:   channels,
		messages:   messages,
		summarizer: summarizer,
		loc:        loc,
		opts:       opts,
		log:        logger,
	}
}

// Compile собирает текст дайджеста за дату. Повторный вызов читает то же окно
// и ничего не меняет в хранилище сообщений. Любой сбой возвращается как
// domain.ErrCompilationFailed с причиной.
func (c *Compiler) Compile(ctx context.Context, date time.Time) (Compiled, error) {
	start := time.Now()
	date = domain.DigestDate(date, time.UTC)
	out := Compiled{Date: date}

	channels, err := c.channels.ListChannels(ctx, true)
	if err != nil {
		return out, fmt.Errorf("%w: список каналов: %w", domain.ErrCompilationFailed, err)
	}
	ids := make([]int64, 0, len(channels))
	names := make(map[int64]string, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
		names[ch.ID] = ch.DisplayName()
	}

	since, until := domain.WindowBounds(date, c.loc)
	var texts []string
	for msg, err := range c.messages.SelectWindow(ctx, ids, since, until) {
		if err != nil {
			return out, fmt.Errorf("%w: %w", domain.ErrCompilationFailed, err)
		}
		texts = append(texts, RenderMessage(msg.Text, names[msg.ChannelID], msg.Link))
	}
	out.MessageCount = len(texts)

	if len(texts) == 0 {
		out.Empty = true
		out.Text = NoContentText(date)
		metrics.ObserveCompile(time.Since(start), 0)
		c.log.Info().Str("date", domain.FormatDate(date)).Msg("digest: новых сообщений нет")
		return out, nil
	}

	chunks := Chunk(texts, c.opts.ChunkChars)
	out.ChunkCount = len(chunks)
	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		summary, err := c.summarizer.Summarize(ctx, chunk, domain.StyleHint{Kind: domain.SummaryChunk, Date: date, Style: c.opts.Style})
		if err != nil {
			return out, fmt.Errorf("%w: пачка %d из %d: %w", domain.ErrCompilationFailed, i+1, len(chunks), err)
		}
		summaries = append(summaries, summary)
	}

	body := summaries[0]
	if len(summaries) > 1 {
		body, err = c.summarizer.Summarize(ctx, summaries, domain.StyleHint{Kind: domain.SummaryCombine, Date: date, Style: c.opts.Style})
		if err != nil {
			return out, fmt.Errorf("%w: объединение сводок: %w", domain.ErrCompilationFailed, err)
		}
	}
	if strings.TrimSpace(body) == "" {
		return out, fmt.Errorf("%w: пустая сводка", domain.ErrCompilationFailed)
	}

	out.Text = FormatDigest(date, body)
	metrics.ObserveCompile(time.Since(start), len(chunks))
	c.log.Info().
		Str("date", domain.FormatDate(date)).
		Int("messages", out.MessageCount).
		Int("chunks", out.ChunkCount).
		Msg("digest: дайджест собран")
	return out, nil
}
