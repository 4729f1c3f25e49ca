// Package testutil содержит общие заготовки для тестов use case-слоя.
package testutil

import (
	"context"
	"testing"

	"github.com/egv/ezra/internal/adapters/repo"
	"github.com/egv/ezra/internal/domain"
)

// NewStore открывает SQLite в памяти с применёнными миграциями.
func NewStore(t testing.TB) *repo.SQLite {
	t.Helper()
	store, err := repo.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("не удалось открыть тестовое хранилище: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// AddChannel регистрирует активный канал.
func AddChannel(t testing.TB, store domain.ChannelRepo, id int64, title, username string) domain.Channel {
	t.Helper()
	ch, _, err := store.UpsertChannel(context.Background(), domain.Channel{ID: id, Title: title, Username: username, Active: true})
	if err != nil {
		t.Fatalf("не удалось добавить канал %d: %v", id, err)
	}
	return ch
}

// AddSubscribers подписывает получателей.
func AddSubscribers(t testing.TB, store domain.SubscriberRepo, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		if _, err := store.UpsertSubscriber(context.Background(), id, ""); err != nil {
			t.Fatalf("не удалось подписать %d: %v", id, err)
		}
	}
}
