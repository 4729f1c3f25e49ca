package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/metrics"
	"github.com/egv/ezra/internal/usecase/digest"
)

const (
	defaultTick = time.Minute
	autoKeyTTL  = 48 * time.Hour
)

// Compiler собирает текст дайджеста за дату.
type Compiler interface {
	Compile(ctx context.Context, date time.Time) (digest.Compiled, error)
}

// Deliverer рассылает собранный дайджест.
type Deliverer interface {
	Deliver(ctx context.Context, date time.Time, generation int, text string) (domain.DeliveryReport, error)
}

// Pruner удаляет устаревшие сообщения.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Options задаёт расписание.
type Options struct {
	Hour          int
	Minute        int
	DayOffset     int
	RetentionDays int
	Tick          time.Duration
}

// Outcome описывает итог цикла дайджеста.
type Outcome struct {
	Date       time.Time
	Generation int
	Status     domain.DigestStatus
	Report     domain.DeliveryReport
	Messages   int
	Empty      bool
	// Skipped — автоматический запуск ничего не делал: цикл уже идёт или завершён.
	Skipped bool
}

type phase int

const (
	phaseCompiling phase = iota
	phaseDelivering
)

type run struct {
	id      string
	trigger domain.CycleTrigger
	phase   phase
	cancel  context.CancelFunc
	done    chan struct{}
}

// Service управляет жизненным циклом дайджеста: pending → compiled → delivered
// или failed. На одну дату в процессе выполняется не больше одного цикла,
// а между процессами переходы защищены поколением дайджеста.
type Service struct {
	digests  domain.DigestRepo
	compiler Compiler
	delivery Deliverer
	pruner   Pruner
	cache    domain.Cache
	notifier domain.Notifier
	loc      *time.Location
	opts     Options
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.Mutex
	runs      map[string]*run
	lastPrune string
}

// NewService создаёт планировщик. notifier и pruner могут быть nil.
func NewService(digests domain.DigestRepo, compiler Compiler, delivery Deliverer, pruner Pruner, cache domain.Cache, notifier domain.Notifier, loc *time.Location, opts Options, logger zerolog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	if opts.Tick <= 0 {
		opts.Tick = defaultTick
	}
	if opts.DayOffset < 0 {
		opts.DayOffset = 0
	}
	return &Service{
		digests:  digests,
		compiler: compiler,
		delivery: delivery,
		pruner:   pruner,
		cache:    cache,
		notifier: notifier,
		loc:      loc,
		opts:     opts,
		log:      logger,
		now:      time.Now,
		runs:     make(map[string]*run),
	}
}

// CurrentDate возвращает дату дайджеста, который рассылается в момент now.
func (s *Service) CurrentDate(now time.Time) time.Time {
	return domain.DigestDate(now, s.loc).AddDate(0, 0, -s.opts.DayOffset)
}

// Run каждую минуту проверяет расписание до отмены контекста.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info().
		Str("time", fmt.Sprintf("%02d:%02d", s.opts.Hour, s.opts.Minute)).
		Str("tz", s.loc.String()).
		Int("day_offset", s.opts.DayOffset).
		Msg("scheduler: запущен")

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler: остановлен")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick выполняет одну проверку расписания: очистку и автоматический цикл.
func (s *Service) Tick(ctx context.Context) {
	now := s.now().In(s.loc)
	s.prune(ctx, now)

	due := time.Date(now.Year(), now.Month(), now.Day(), s.opts.Hour, s.opts.Minute, 0, 0, s.loc)
	if now.Before(due) {
		return
	}
	date := s.CurrentDate(now)
	key := "digest:auto:" + domain.FormatDate(date)
	ran, err := s.cache.Once(ctx, key, autoKeyTTL, func() error {
		out, err := s.RunScheduled(ctx, date)
		if err != nil && !out.Status.Terminal() {
			return err
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("date", domain.FormatDate(date)).Msg("scheduler: автоматический цикл не завершён, повторим")
		return
	}
	if ran {
		s.log.Debug().Str("date", domain.FormatDate(date)).Msg("scheduler: автоматический цикл обработан")
	}
}

func (s *Service) prune(ctx context.Context, now time.Time) {
	if s.pruner == nil || s.opts.RetentionDays <= 0 {
		return
	}
	today := domain.FormatDate(domain.DigestDate(now, s.loc))
	s.mu.Lock()
	if s.lastPrune == today {
		s.mu.Unlock()
		return
	}
	s.lastPrune = today
	s.mu.Unlock()

	cutoff := domain.DigestDate(now, s.loc).AddDate(0, 0, -s.opts.RetentionDays)
	if current := s.CurrentDate(now); cutoff.After(current) {
		cutoff = current
	}
	removed, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.mu.Lock()
		s.lastPrune = ""
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("scheduler: очистка старых сообщений")
		return
	}
	s.log.Info().Int64("removed", removed).Str("before", domain.FormatDate(cutoff)).Msg("scheduler: старые сообщения удалены")
}

// RunScheduled запускает автоматический цикл за дату. Если цикл уже идёт или
// дайджест уже доставлен либо провален, ничего не делает.
func (s *Service) RunScheduled(ctx context.Context, date time.Time) (Outcome, error) {
	date = domain.DigestDate(date, time.UTC)
	out := Outcome{Date: date}

	r, runCtx, ok := s.tryAcquire(ctx, date, domain.TriggerScheduled)
	if !ok {
		out.Skipped = true
		metrics.ObserveCycle(string(domain.TriggerScheduled), "in_flight")
		return out, nil
	}
	defer s.release(date, r)

	d, created, err := s.digests.CreatePendingDigest(ctx, date)
	if err != nil {
		metrics.ObserveCycle(string(domain.TriggerScheduled), "error")
		return out, fmt.Errorf("создание дайджеста: %w", err)
	}
	out.Generation, out.Status = d.Generation, d.Status

	if !created {
		switch d.Status {
		case domain.DigestDelivered, domain.DigestFailed:
			out.Skipped = true
			metrics.ObserveCycle(string(domain.TriggerScheduled), "skipped")
			return out, nil
		case domain.DigestCompiled:
			s.log.Warn().Str("date", domain.FormatDate(date)).Msg("scheduler: дайджест собран, но не разослан; продолжаем рассылку")
			return s.deliver(ctx, r, out, d.Text)
		case domain.DigestPending:
			taken, ok, err := s.digests.TakeOverDigest(ctx, date, d.Generation)
			if err != nil {
				metrics.ObserveCycle(string(domain.TriggerScheduled), "error")
				return out, fmt.Errorf("перехват дайджеста: %w", err)
			}
			if !ok {
				out.Skipped = true
				metrics.ObserveCycle(string(domain.TriggerScheduled), "stale")
				return out, nil
			}
			s.log.Warn().Str("date", domain.FormatDate(date)).Int("generation", taken.Generation).Msg("scheduler: перехвачен незавершённый цикл")
			out.Generation = taken.Generation
		}
	}
	return s.compileAndDeliver(ctx, runCtx, r, out)
}

// Regenerate принудительно пересобирает и рассылает дайджест за дату.
// Идущая сборка за эту дату отменяется, идущая рассылка дожидается завершения.
func (s *Service) Regenerate(ctx context.Context, date time.Time) (Outcome, error) {
	date = domain.DigestDate(date, time.UTC)
	out := Outcome{Date: date}

	r, runCtx, err := s.acquire(ctx, date, domain.TriggerManual)
	if err != nil {
		return out, err
	}
	defer s.release(date, r)

	d, err := s.digests.RestartDigest(ctx, date)
	if err != nil {
		metrics.ObserveCycle(string(domain.TriggerManual), "error")
		return out, fmt.Errorf("перезапуск дайджеста: %w", err)
	}
	out.Generation, out.Status = d.Generation, d.Status
	s.log.Info().Str("date", domain.FormatDate(date)).Int("generation", d.Generation).Str("run", r.id).Msg("scheduler: ручная перегенерация")
	return s.compileAndDeliver(ctx, runCtx, r, out)
}

// Latest возвращает последний собранный дайджест.
func (s *Service) Latest(ctx context.Context) (domain.Digest, error) {
	return s.digests.LatestDigest(ctx)
}

// Get возвращает дайджест за дату.
func (s *Service) Get(ctx context.Context, date time.Time) (domain.Digest, error) {
	return s.digests.GetDigest(ctx, date)
}

// compileAndDeliver доводит дайджест в pending до delivered или failed. Переходы
// статуса пишутся без отмены. Прерванная ручная перегенерация помечается failed,
// прерванный автоматический цикл остаётся незавершённым и перехватывается
// следующим запуском.
func (s *Service) compileAndDeliver(ctx, runCtx context.Context, r *run, out Outcome) (Outcome, error) {
	logger := s.log.With().Str("date", domain.FormatDate(out.Date)).Int("generation", out.Generation).Str("trigger", string(r.trigger)).Logger()

	compiled, err := s.compiler.Compile(runCtx, out.Date)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			logger.Info().Msg("scheduler: сборка отменена перегенерацией")
			metrics.ObserveCycle(string(r.trigger), "superseded")
			return out, domain.ErrStaleGeneration
		}
		if ctx.Err() != nil {
			if r.trigger == domain.TriggerScheduled {
				metrics.ObserveCycle(string(r.trigger), "interrupted")
				return out, ctx.Err()
			}
			logger.Warn().Err(ctx.Err()).Msg("scheduler: сборка прервана")
			if !errors.Is(err, domain.ErrCompilationFailed) {
				err = fmt.Errorf("%w: %w", domain.ErrCompilationFailed, err)
			}
		}
		return s.fail(ctx, r, out, domain.DigestPending, err)
	}
	out.Messages, out.Empty = compiled.MessageCount, compiled.Empty

	text := compiled.Text
	ok, err := s.digests.TransitionDigest(context.WithoutCancel(ctx), domain.DigestTransition{
		Date:       out.Date,
		Generation: out.Generation,
		From:       []domain.DigestStatus{domain.DigestPending},
		To:         domain.DigestCompiled,
		Text:       &text,
	})
	if err != nil {
		metrics.ObserveCycle(string(r.trigger), "error")
		return out, fmt.Errorf("сохранение дайджеста: %w", err)
	}
	if !ok {
		logger.Warn().Msg("scheduler: дайджест изменён другим циклом, рассылка отменена")
		metrics.ObserveCycle(string(r.trigger), "stale")
		return out, domain.ErrStaleGeneration
	}
	out.Status = domain.DigestCompiled
	logger.Info().Int("messages", compiled.MessageCount).Int("chunks", compiled.ChunkCount).Msg("scheduler: дайджест собран")
	return s.deliver(ctx, r, out, text)
}

func (s *Service) deliver(ctx context.Context, r *run, out Outcome, text string) (Outcome, error) {
	s.mu.Lock()
	r.phase = phaseDelivering
	s.mu.Unlock()

	report, err := s.delivery.Deliver(ctx, out.Date, out.Generation, text)
	out.Report = report
	if err != nil {
		if ctx.Err() != nil && r.trigger == domain.TriggerScheduled {
			metrics.ObserveCycle(string(r.trigger), "interrupted")
			return out, ctx.Err()
		}
		return s.fail(ctx, r, out, domain.DigestCompiled, fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err))
	}

	ok, err := s.digests.TransitionDigest(context.WithoutCancel(ctx), domain.DigestTransition{
		Date:       out.Date,
		Generation: out.Generation,
		From:       []domain.DigestStatus{domain.DigestCompiled},
		To:         domain.DigestDelivered,
	})
	if err != nil {
		metrics.ObserveCycle(string(r.trigger), "error")
		return out, fmt.Errorf("отметка доставки: %w", err)
	}
	if !ok {
		metrics.ObserveCycle(string(r.trigger), "stale")
		return out, domain.ErrStaleGeneration
	}
	out.Status = domain.DigestDelivered
	outcome := "delivered"
	if report.Partial() {
		outcome = "partial"
	}
	metrics.ObserveCycle(string(r.trigger), outcome)
	s.log.Info().
		Str("date", domain.FormatDate(out.Date)).
		Int("generation", out.Generation).
		Int("sent", report.Sent).
		Int("queued", report.Queued).
		Int("failed", report.Failed).
		Msg("scheduler: дайджест разослан")
	return out, nil
}

func (s *Service) fail(ctx context.Context, r *run, out Outcome, from domain.DigestStatus, cause error) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	date := domain.FormatDate(out.Date)
	ok, err := s.digests.TransitionDigest(ctx, domain.DigestTransition{
		Date:       out.Date,
		Generation: out.Generation,
		From:       []domain.DigestStatus{from},
		To:         domain.DigestFailed,
		LastError:  cause.Error(),
	})
	if err != nil {
		metrics.ObserveCycle(string(r.trigger), "error")
		return out, errors.Join(cause, fmt.Errorf("отметка сбоя: %w", err))
	}
	if !ok {
		metrics.ObserveCycle(string(r.trigger), "stale")
		return out, domain.ErrStaleGeneration
	}
	out.Status = domain.DigestFailed
	metrics.ObserveCycle(string(r.trigger), "failed")
	s.log.Error().Err(cause).Str("date", date).Int("generation", out.Generation).Msg("scheduler: дайджест не собран")

	if r.trigger == domain.TriggerScheduled && s.notifier != nil {
		text := fmt.Sprintf("⚠️ Дайджест за %s не собран: %v\nПовторите командой /regenerate %s", date, cause, date)
		if err := s.notifier.NotifyAdmins(ctx, text); err != nil {
			s.log.Warn().Err(err).Msg("scheduler: не удалось уведомить администраторов")
		}
	}
	return out, cause
}

// tryAcquire регистрирует цикл, если за дату ничего не выполняется.
func (s *Service) tryAcquire(ctx context.Context, date time.Time, trigger domain.CycleTrigger) (*run, context.Context, bool) {
	key := domain.FormatDate(date)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.runs[key]; busy {
		return nil, nil, false
	}
	r, runCtx := newRun(ctx, trigger)
	s.runs[key] = r
	return r, runCtx, true
}

// acquire дожидается освобождения даты. Идущая сборка отменяется.
func (s *Service) acquire(ctx context.Context, date time.Time, trigger domain.CycleTrigger) (*run, context.Context, error) {
	key := domain.FormatDate(date)
	for {
		s.mu.Lock()
		current, busy := s.runs[key]
		if !busy {
			r, runCtx := newRun(ctx, trigger)
			s.runs[key] = r
			s.mu.Unlock()
			return r, runCtx, nil
		}
		if current.phase == phaseCompiling {
			current.cancel()
		}
		s.mu.Unlock()

		select {
		case <-current.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (s *Service) release(date time.Time, r *run) {
	key := domain.FormatDate(date)
	s.mu.Lock()
	if s.runs[key] == r {
		delete(s.runs, key)
	}
	s.mu.Unlock()
	r.cancel()
	close(r.done)
}

func newRun(ctx context.Context, trigger domain.CycleTrigger) (*run, context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	return &run{
		id:      uuid.NewString(),
		trigger: trigger,
		phase:   phaseCompiling,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, runCtx
}
