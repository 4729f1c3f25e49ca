package mtproto

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/egv/ezra/internal/adapters/repo"
	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/testutil"
	"github.com/egv/ezra/internal/usecase/channels"
	"github.com/egv/ezra/internal/usecase/dedup"
	"github.com/egv/ezra/internal/usecase/ingest"
)

type fakeAPI struct {
	filters   []tg.DialogFilterClass
	histories map[int64]tg.MessagesMessagesClass
	errs      []error
	requests  []int64
}

func (f *fakeAPI) MessagesGetDialogFilters(context.Context) (*tg.MessagesDialogFilters, error) {
	return &tg.MessagesDialogFilters{Filters: f.filters}, nil
}

func (f *fakeAPI) MessagesGetHistory(_ context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	peer := req.Peer.(*tg.InputPeerChannel)
	f.requests = append(f.requests, peer.ChannelID)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	res, ok := f.histories[peer.ChannelID]
	if !ok {
		return nil, errors.New("CHANNEL_PRIVATE")
	}
	return res, nil
}

func folder(title string, peers ...tg.InputPeerClass) *tg.DialogFilter {
	return &tg.DialogFilter{ID: 2, Title: tg.TextWithEntities{Text: title}, IncludePeers: peers}
}

func history(id int64, title, username string, msgs ...*tg.Message) *tg.MessagesChannelMessages {
	classes := make([]tg.MessageClass, 0, len(msgs))
	for _, m := range msgs {
		classes = append(classes, m)
	}
	return &tg.MessagesChannelMessages{
		Messages: classes,
		Chats:    []tg.ChatClass{&tg.Channel{ID: id, Title: title, Username: username}},
	}
}

var postedAt = time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)

func post(id int, text string) *tg.Message {
	return &tg.Message{ID: id, Date: int(postedAt.Unix()), Message: text}
}

func newTestCollector(t *testing.T) (*Collector, *repo.SQLite) {
	t.Helper()
	store := testutil.NewStore(t)
	c := NewCollector(
		channels.NewService(store, nil, zerolog.Nop()),
		ingest.NewService(store, store, dedup.New(store), time.UTC, zerolog.Nop()),
		Options{FolderName: "AI", FetchLimit: 5},
		zerolog.Nop(),
	)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c, store
}

func TestCollectFolder(t *testing.T) {
	c, store := newTestCollector(t)
	api := &fakeAPI{
		filters: []tg.DialogFilterClass{
			&tg.DialogFilterDefault{},
			folder("Работа", &tg.InputPeerChannel{ChannelID: 99}),
			folder(" ai ", &tg.InputPeerChannel{ChannelID: 11}, &tg.InputPeerUser{UserID: 5}, &tg.InputPeerChannel{ChannelID: 12}),
		},
		histories: map[int64]tg.MessagesMessagesClass{
			11: history(11, "Новости ИИ", "ainews", post(3, "Вышла новая модель"), post(2, "   "), post(1, "Вышла новая модель!")),
			12: history(12, "Закрытый", "", post(7, "Релиз библиотеки")),
		},
	}

	stats, err := c.Collect(context.Background(), api)
	require.NoError(t, err)
	require.Equal(t, Stats{Chats: 2, Fetched: 3, Stored: 2, Duplicates: 1}, stats)
	require.Equal(t, []int64{11, 12}, api.requests)

	ch, err := store.GetChannel(context.Background(), -1000000000011)
	require.NoError(t, err)
	require.Equal(t, "Новости ИИ", ch.Title)
	require.Equal(t, "ainews", ch.Username)

	msgs, err := store.ListWindowPage(context.Background(), domain.WindowQuery{
		ChannelIDs: []int64{-1000000000011, -1000000000012},
		Since:      postedAt.Add(-time.Hour),
		Until:      postedAt.Add(time.Hour),
		Limit:      10,
	})
	require.NoError(t, err)
	links := map[string]domain.MessageSource{}
	for _, m := range msgs {
		links[m.Link] = m.Source
	}
	require.Equal(t, map[string]domain.MessageSource{
		"https://t.me/ainews/3": domain.SourceUserbot,
		"https://t.me/c/12/7":   domain.SourceUserbot,
	}, links)

	again, err := c.Collect(context.Background(), api)
	require.NoError(t, err)
	require.Zero(t, again.Stored, "повторный проход ничего не добавляет")
	require.Equal(t, 3, again.Duplicates)
}

func TestCollectSkipsRemovedChannel(t *testing.T) {
	c, store := newTestCollector(t)
	testutil.AddChannel(t, store, -1000000000011, "Новости", "")
	_, err := store.DeactivateChannel(context.Background(), -1000000000011)
	require.NoError(t, err)

	api := &fakeAPI{
		filters:   []tg.DialogFilterClass{folder("AI", &tg.InputPeerChannel{ChannelID: 11})},
		histories: map[int64]tg.MessagesMessagesClass{11: history(11, "Новости", "", post(1, "текст"))},
	}
	stats, err := c.Collect(context.Background(), api)
	require.NoError(t, err)
	require.Zero(t, stats.Fetched)

	ch, err := store.GetChannel(context.Background(), -1000000000011)
	require.NoError(t, err)
	require.False(t, ch.Active, "сборщик не должен возвращать удалённый канал")
}

func TestCollectFolderMissing(t *testing.T) {
	c, _ := newTestCollector(t)
	_, err := c.Collect(context.Background(), &fakeAPI{filters: []tg.DialogFilterClass{folder("Другое")}})
	require.ErrorIs(t, err, ErrFolderNotFound)
}

func TestCollectChannelFailureDoesNotStopPass(t *testing.T) {
	c, _ := newTestCollector(t)
	api := &fakeAPI{
		filters: []tg.DialogFilterClass{folder("AI", &tg.InputPeerChannel{ChannelID: 1}, &tg.InputPeerChannel{ChannelID: 2})},
		histories: map[int64]tg.MessagesMessagesClass{
			2: history(2, "Второй", "second", post(1, "новость")),
		},
	}
	stats, err := c.Collect(context.Background(), api)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 1, stats.Stored)
}

func TestCollectWaitsOutFloodWait(t *testing.T) {
	c, _ := newTestCollector(t)
	var waited []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	}
	api := &fakeAPI{
		filters:   []tg.DialogFilterClass{folder("AI", &tg.InputPeerChannel{ChannelID: 1})},
		histories: map[int64]tg.MessagesMessagesClass{1: history(1, "Первый", "first", post(1, "новость"))},
		errs:      []error{tgerr.New(420, "FLOOD_WAIT_3")},
	}
	stats, err := c.Collect(context.Background(), api)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Stored)
	require.Equal(t, []time.Duration{3 * time.Second}, waited)
}

func TestRunStopsOnCancel(t *testing.T) {
	c, _ := newTestCollector(t)
	ctx, cancel := context.WithCancel(context.Background())
	api := &fakeAPI{filters: []tg.DialogFilterClass{folder("AI")}}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, api) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run не завершился после отмены")
	}
}

func TestSessionStore(t *testing.T) {
	store := testutil.NewStore(t)
	sessions := NewSessionStore(store, "ezra_userbot")
	ctx := context.Background()

	_, err := sessions.LoadSession(ctx)
	require.ErrorIs(t, err, session.ErrNotFound)

	require.NoError(t, sessions.StoreSession(ctx, []byte(`{"Version":1}`)))
	data, err := sessions.LoadSession(ctx)
	require.NoError(t, err)
	require.Equal(t, `{"Version":1}`, string(data))

	other, err := NewSessionStore(store, "other").LoadSession(ctx)
	require.ErrorIs(t, err, session.ErrNotFound, "сессии разделены по имени: %s", other)
}

func TestConvertSession(t *testing.T) {
	native, converted, err := ConvertSession([]byte(" {\"Version\":1,\"Data\":{}} "))
	require.NoError(t, err)
	require.False(t, converted)
	require.Equal(t, `{"Version":1,"Data":{}}`, string(native))

	key := bytes.Repeat([]byte{0xAB}, 256)
	rows := `[{"dc_id":2,"server_address":"149.154.167.51","port":443,"auth_key":"` + hex.EncodeToString(key) + `"}]`
	out, converted, err := ConvertSession([]byte(rows))
	require.NoError(t, err)
	require.True(t, converted)

	var payload struct {
		Version int
		Data    session.Data
	}
	require.NoError(t, json.Unmarshal(out, &payload))
	require.Equal(t, 1, payload.Version)
	require.Equal(t, 2, payload.Data.DC)
	require.Equal(t, "149.154.167.51:443", payload.Data.Addr)
	require.Equal(t, key, payload.Data.AuthKey)
	require.Len(t, payload.Data.AuthKeyID, 8)

	_, _, err = ConvertSession([]byte("не сессия"))
	require.ErrorIs(t, err, ErrUnsupportedSession)
}

func TestImportStoresConvertedSession(t *testing.T) {
	store := testutil.NewStore(t)
	sessions := NewSessionStore(store, "ezra_userbot")
	key := strings.Repeat("01", 256)
	converted, err := sessions.Import(context.Background(), []byte(`[{"dc_id":4,"server_address":"149.154.167.91","port":443,"auth_key":"`+key+`"}]`))
	require.NoError(t, err)
	require.True(t, converted)

	data, err := sessions.LoadSession(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(data), `"Version":1`)
}

func TestTerminalAuth(t *testing.T) {
	var out bytes.Buffer
	a := newTerminalAuth(ClientOptions{Phone: "+70000000000", Input: strings.NewReader("12345\nsecret\n"), Output: &out})
	ctx := context.Background()

	phone, err := a.Phone(ctx)
	require.NoError(t, err)
	require.Equal(t, "+70000000000", phone)

	code, err := a.Code(ctx, &tg.AuthSentCode{})
	require.NoError(t, err)
	require.Equal(t, "12345", code)

	password, err := a.Password(ctx)
	require.NoError(t, err)
	require.Equal(t, "secret", password)
	require.Contains(t, out.String(), "Код из Telegram")

	_, err = newTerminalAuth(ClientOptions{}).Code(ctx, &tg.AuthSentCode{})
	require.Error(t, err, "без ввода интерактивный вход невозможен")
}
