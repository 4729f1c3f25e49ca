package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/testutil"
)

type stubResolver struct {
	channels map[string]domain.Channel
	calls    []string
}

func (r *stubResolver) ResolveChannel(_ context.Context, ref string) (domain.Channel, error) {
	r.calls = append(r.calls, ref)
	ch, ok := r.channels[ref]
	if !ok {
		return domain.Channel{}, errors.New("chat not found")
	}
	return ch, nil
}

func TestParseAlias(t *testing.T) {
	cases := map[string]string{
		"@Example":       "example",
		"https://t.me/A": "",
		"t.me/golang":    "golang",
	}
	for input, expected := range cases {
		alias, err := ParseAlias(input)
		if expected == "" {
			if err == nil {
				t.Fatalf("ожидали ошибку для %s", input)
			}
			continue
		}
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if alias != expected {
			t.Fatalf("ожидали %s, получили %s", expected, alias)
		}
	}
}

func TestAddRemoveAndReactivate(t *testing.T) {
	store := testutil.NewStore(t)
	svc := NewService(store, nil, zerolog.Nop())
	ctx := context.Background()

	ch, created, err := svc.Add(ctx, -1001, "Новости", "@news", 7)
	if err != nil || !created {
		t.Fatalf("ожидали новый канал: %v %v", created, err)
	}
	if ch.Username != "news" || ch.AddedBy != 7 {
		t.Fatalf("неожиданный канал: %+v", ch)
	}
	if _, created, _ := svc.Add(ctx, -1001, "", "", 8); created {
		t.Fatal("повторное добавление не создаёт канал")
	}

	removed, err := svc.Remove(ctx, -1001)
	if err != nil || !removed {
		t.Fatalf("ожидали удаление: %v %v", removed, err)
	}
	if removed, _ := svc.Remove(ctx, -1001); removed {
		t.Fatal("повторное удаление ничего не меняет")
	}
	ids, err := svc.ActiveIDs(ctx)
	if err != nil || len(ids) != 0 {
		t.Fatalf("удалённый канал не активен: %v %v", ids, err)
	}

	ch, created, err = svc.Add(ctx, -1001, "", "", 9)
	if err != nil || !created || ch.Title != "Новости" {
		t.Fatalf("повторное включение: %+v %v %v", ch, created, err)
	}
}

func TestAddByRef(t *testing.T) {
	store := testutil.NewStore(t)
	resolver := &stubResolver{channels: map[string]domain.Channel{
		"@golang_news": {ID: -1009, Title: "Go News", Username: "golang_news"},
		"-1005":        {ID: -1005, Title: "Закрытый"},
	}}
	svc := NewService(store, resolver, zerolog.Nop())
	ctx := context.Background()

	ch, created, err := svc.AddByRef(ctx, "https://t.me/Golang_News", 1)
	if err != nil || !created || ch.ID != -1009 || ch.Title != "Go News" {
		t.Fatalf("по алиасу: %+v %v %v", ch, created, err)
	}

	ch, _, err = svc.AddByRef(ctx, "-1005", 1)
	if err != nil || ch.Title != "Закрытый" {
		t.Fatalf("по id с метаданными: %+v %v", ch, err)
	}

	ch, _, err = svc.AddByRef(ctx, "-1007", 1)
	if err != nil || ch.ID != -1007 {
		t.Fatalf("по id без метаданных: %+v %v", ch, err)
	}

	if _, _, err := svc.AddByRef(ctx, "@missing_channel", 1); !errors.Is(err, ErrPrivateChannel) {
		t.Fatalf("ожидали ErrPrivateChannel, получили %v", err)
	}
	if _, _, err := svc.AddByRef(ctx, "ab", 1); !errors.Is(err, ErrAliasInvalid) {
		t.Fatalf("ожидали ErrAliasInvalid, получили %v", err)
	}

	list, err := svc.List(ctx)
	if err != nil || len(list) != 3 {
		t.Fatalf("ожидали 3 канала: %v %v", list, err)
	}
}

func TestAddByAliasWithoutResolver(t *testing.T) {
	svc := NewService(testutil.NewStore(t), nil, zerolog.Nop())
	if _, _, err := svc.AddByRef(context.Background(), "@golang_news", 1); !errors.Is(err, ErrNoResolver) {
		t.Fatalf("ожидали ErrNoResolver, получили %v", err)
	}
}
