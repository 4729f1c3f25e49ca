package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/adapters/repo"
	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/usecase/dedup"
)

var moscow = time.FixedZone("MSK", 3*60*60)

func newTestService(t *testing.T) (*Service, *repo.SQLite) {
	t.Helper()
	store, err := repo.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("открытие хранилища: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for _, id := range []int64{-1001, -1002} {
		if _, _, err := store.UpsertChannel(context.Background(), domain.Channel{ID: id, Title: fmt.Sprintf("канал %d", id), Active: true}); err != nil {
			t.Fatalf("добавление канала: %v", err)
		}
	}
	return NewService(store, store, dedup.New(store), moscow, zerolog.Nop()), store
}

func inbound(channel, externalID int64, text string, at time.Time) domain.InboundMessage {
	return domain.InboundMessage{ChannelID: channel, ExternalID: externalID, Text: text, ReceivedAt: at, Source: domain.SourceBot}
}

func TestDeliverStoresAndDeduplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	first, err := svc.Deliver(ctx, inbound(-1001, 1, "Курс вырос! https://example.com/a", at))
	if err != nil || first.Outcome != OutcomeStored || first.Reason() != nil {
		t.Fatalf("ожидали сохранение: %+v %v", first, err)
	}

	again, err := svc.Deliver(ctx, inbound(-1001, 1, "Курс вырос!", at))
	if err != nil || again.Outcome != OutcomeDuplicateExternalID {
		t.Fatalf("повтор external_id: %+v %v", again, err)
	}
	if !errors.Is(again.Reason(), domain.ErrDuplicateExternalID) {
		t.Fatalf("неверная причина: %v", again.Reason())
	}

	dup, err := svc.Deliver(ctx, inbound(-1002, 7, "курс ВЫРОС https://other.org/b", at.Add(time.Hour)))
	if err != nil || dup.Outcome != OutcomeDuplicateContent || dup.DuplicateOf != first.MessageID {
		t.Fatalf("повтор содержимого: %+v %v", dup, err)
	}
	if !errors.Is(dup.Reason(), domain.ErrDuplicateContent) {
		t.Fatalf("неверная причина: %v", dup.Reason())
	}
}

func TestDeliverRejectsEmptyAndUnknown(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deliver(ctx, inbound(-1001, 1, " \n <b></b> ", time.Now())); !errors.Is(err, domain.ErrEmptyText) {
		t.Fatalf("ожидали ErrEmptyText, получили %v", err)
	}
	if _, err := svc.Deliver(ctx, inbound(-42, 1, "текст", time.Now())); !errors.Is(err, domain.ErrChannelNotFound) {
		t.Fatalf("ожидали ErrChannelNotFound, получили %v", err)
	}
	if _, err := store.DeactivateChannel(ctx, -1002); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Deliver(ctx, inbound(-1002, 1, "текст", time.Now())); !errors.Is(err, domain.ErrChannelNotFound) {
		t.Fatalf("удалённый канал не принимает сообщения: %v", err)
	}
}

func TestDeliverWindowFollowsTimeZone(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	// 22:30 UTC 9 марта это уже 10 марта по Москве
	at := time.Date(2024, 3, 9, 22, 30, 0, 0, time.UTC)

	res, err := svc.Deliver(ctx, inbound(-1001, 1, "Ночная новость", at))
	if err != nil {
		t.Fatal(err)
	}
	if domain.FormatDate(res.Window) != "2024-03-10" {
		t.Fatalf("ожидали окно 2024-03-10, получили %s", domain.FormatDate(res.Window))
	}

	// тот же текст в другом окне не повтор
	next, err := svc.Deliver(ctx, inbound(-1001, 2, "Ночная новость", at.Add(24*time.Hour)))
	if err != nil || next.Outcome != OutcomeStored {
		t.Fatalf("в новом окне сообщение сохраняется: %+v %v", next, err)
	}
}

func TestDeliverConcurrentDuplicates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	const n = 8
	results := make([]InsertResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Deliver(ctx, inbound(-1001, int64(100+i), "Одна и та же новость", at))
			if err != nil {
				t.Errorf("доставка %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	stored := 0
	for _, res := range results {
		if res.Outcome == OutcomeStored {
			stored++
		}
	}
	if stored != 1 {
		t.Fatalf("ровно одно сообщение должно попасть в дайджест, попало %d", stored)
	}
}

type flakyRegistry struct {
	domain.FingerprintRegistry
	fails int
}

func (r *flakyRegistry) RegisterFingerprint(ctx context.Context, window time.Time, fingerprint string, messageID int64) (int64, bool, error) {
	if r.fails > 0 {
		r.fails--
		return 0, false, errors.New("database is locked")
	}
	return r.FingerprintRegistry.RegisterFingerprint(ctx, window, fingerprint, messageID)
}

type flakyMessages struct {
	domain.MessageRepo
	markFails int
}

func (m *flakyMessages) MarkDuplicate(ctx context.Context, messageID, originalID int64) error {
	if m.markFails > 0 {
		m.markFails--
		return errors.New("database is locked")
	}
	return m.MessageRepo.MarkDuplicate(ctx, messageID, originalID)
}

func countWindow(t *testing.T, svc *Service, day time.Time) int {
	t.Helper()
	n := 0
	for _, err := range svc.SelectWindow(context.Background(), []int64{-1001, -1002}, day, day.Add(24*time.Hour)) {
		if err != nil {
			t.Fatalf("выборка окна: %v", err)
		}
		n++
	}
	return n
}

func TestDeliverRegistryFailureRollsBack(t *testing.T) {
	_, store := newTestService(t)
	registry := &flakyRegistry{FingerprintRegistry: store, fails: 1}
	svc := NewService(store, store, dedup.New(registry), moscow, zerolog.Nop())
	ctx := context.Background()
	at := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	if _, err := svc.Deliver(ctx, inbound(-1001, 1, "Курс вырос", at)); err == nil {
		t.Fatal("ожидали ошибку регистрации отпечатка")
	}
	if n := countWindow(t, svc, at.Truncate(24*time.Hour)); n != 0 {
		t.Fatalf("недоделанное сообщение не должно остаться в окне, найдено %d", n)
	}

	retry, err := svc.Deliver(ctx, inbound(-1001, 1, "Курс вырос", at))
	if err != nil || retry.Outcome != OutcomeStored {
		t.Fatalf("повторная доставка проходит весь путь заново: %+v %v", retry, err)
	}
	repost, err := svc.Deliver(ctx, inbound(-1002, 5, "курс вырос!", at.Add(time.Hour)))
	if err != nil || repost.Outcome != OutcomeDuplicateContent || repost.DuplicateOf != retry.MessageID {
		t.Fatalf("репост в другом канале должен схлопнуться: %+v %v", repost, err)
	}
	if n := countWindow(t, svc, at.Truncate(24*time.Hour)); n != 1 {
		t.Fatalf("в окне ожидали одно сообщение, получили %d", n)
	}
}

func TestDeliverMarkFailureRollsBack(t *testing.T) {
	_, store := newTestService(t)
	messages := &flakyMessages{MessageRepo: store, markFails: 1}
	svc := NewService(store, messages, dedup.New(store), moscow, zerolog.Nop())
	ctx := context.Background()
	at := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

	first, err := svc.Deliver(ctx, inbound(-1001, 1, "Запуск перенесли", at))
	if err != nil || first.Outcome != OutcomeStored {
		t.Fatalf("ожидали сохранение: %+v %v", first, err)
	}
	if _, err := svc.Deliver(ctx, inbound(-1002, 2, "Запуск перенесли", at)); err == nil {
		t.Fatal("ожидали ошибку отметки повтора")
	}
	if n := countWindow(t, svc, at.Truncate(24*time.Hour)); n != 1 {
		t.Fatalf("повтор без отметки не должен попасть в окно, найдено %d", n)
	}

	retry, err := svc.Deliver(ctx, inbound(-1002, 2, "Запуск перенесли", at))
	if err != nil || retry.Outcome != OutcomeDuplicateContent || retry.DuplicateOf != first.MessageID {
		t.Fatalf("повторная доставка отмечает повтор: %+v %v", retry, err)
	}
}

func TestSelectWindowPagesAndRestarts(t *testing.T) {
	svc, _ := newTestService(t)
	svc.pageSize = 2
	ctx := context.Background()
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	since, until := domain.WindowBounds(day, moscow)

	for i := 0; i < 5; i++ {
		if _, err := svc.Deliver(ctx, inbound(-1001, int64(i+1), fmt.Sprintf("новость %d", i), since.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := svc.Deliver(ctx, inbound(-1002, 1, "другой канал", since.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	collect := func() []int64 {
		var ids []int64
		for msg, err := range svc.SelectWindow(ctx, []int64{-1001}, since, until) {
			if err != nil {
				t.Fatalf("выборка: %v", err)
			}
			ids = append(ids, msg.ExternalID)
		}
		return ids
	}
	first := collect()
	if fmt.Sprint(first) != "[1 2 3 4 5]" {
		t.Fatalf("неожиданный порядок: %v", first)
	}
	if fmt.Sprint(collect()) != fmt.Sprint(first) {
		t.Fatal("повторный проход должен давать те же сообщения")
	}

	count := 0
	for range svc.SelectWindow(ctx, []int64{-1001, -1002}, since, until) {
		count++
		if count == 3 {
			break
		}
	}
	if count != 3 {
		t.Fatalf("ранний выход из итерации: %d", count)
	}
}

func TestPrune(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	old := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fresh := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	oldRes, err := svc.Deliver(ctx, inbound(-1001, 1, "старое", old))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Deliver(ctx, inbound(-1001, 2, "свежее", fresh)); err != nil {
		t.Fatal(err)
	}
	removed, err := svc.Prune(ctx, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("ожидали удаление одного сообщения, удалено %d", removed)
	}
	if _, err := store.GetMessage(ctx, oldRes.MessageID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("старое сообщение должно быть удалено: %v", err)
	}
	// после очистки отпечаток снова свободен
	again, err := svc.Deliver(ctx, inbound(-1001, 3, "старое", old))
	if err != nil || again.Outcome != OutcomeStored {
		t.Fatalf("после очистки повтор не находится: %+v %v", again, err)
	}
}

func TestNormalizeText(t *testing.T) {
	got := NormalizeText("  <b>Заголовок</b>\r\n\r\n\r\n\r\n**текст** &amp; ещё  \n")
	if got != "Заголовок\n\nтекст & ещё" {
		t.Fatalf("получили %q", got)
	}
}
