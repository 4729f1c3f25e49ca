package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/session"
	"github.com/stretchr/testify/require"

	"github.com/egv/ezra/internal/domain"
)

// runStoreContract проверяет поведение, общее для всех реализаций domain.Store.
func runStoreContract(t *testing.T, store domain.Store) {
	t.Run("channels", func(t *testing.T) { checkChannels(t, store) })
	t.Run("messages", func(t *testing.T) { checkMessages(t, store) })
	t.Run("digests", func(t *testing.T) { checkDigests(t, store) })
	t.Run("subscribers", func(t *testing.T) { checkSubscribers(t, store) })
	t.Run("deliveries", func(t *testing.T) { checkDeliveries(t, store) })
	t.Run("sessions", func(t *testing.T) { checkSessions(t, store) })
}

func checkChannels(t *testing.T, store domain.Store) {
	ctx := context.Background()

	ch, created, err := store.UpsertChannel(ctx, domain.Channel{ID: -1001, Title: "Новости", Username: "@news", AddedBy: 7})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "news", ch.Username)
	require.True(t, ch.Active)

	ch, created, err = store.UpsertChannel(ctx, domain.Channel{ID: -1001})
	require.NoError(t, err)
	require.False(t, created, "повторное добавление активного канала")
	require.Equal(t, "Новости", ch.Title, "пустое название не затирает сохранённое")

	ok, err := store.DeactivateChannel(ctx, -1001)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.DeactivateChannel(ctx, -1001)
	require.NoError(t, err)
	require.False(t, ok)

	active, err := store.ListChannels(ctx, true)
	require.NoError(t, err)
	require.Empty(t, active)
	all, err := store.ListChannels(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, created, err = store.UpsertChannel(ctx, domain.Channel{ID: -1001, AddedBy: 8})
	require.NoError(t, err)
	require.True(t, created, "реактивация считается новым отслеживанием")

	_, err = store.GetChannel(ctx, 42)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func checkMessages(t *testing.T, store domain.Store) {
	ctx := context.Background()
	_, _, err := store.UpsertChannel(ctx, domain.Channel{ID: 500, Title: "A"})
	require.NoError(t, err)

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	insert := func(externalID int64, at time.Time, text string) domain.Message {
		msg, err := store.InsertMessage(ctx, domain.Message{
			ChannelID:   500,
			ExternalID:  externalID,
			Text:        text,
			Source:      domain.SourceBot,
			ReceivedAt:  at,
			WindowDate:  day,
			Fingerprint: text,
		})
		require.NoError(t, err)
		return msg
	}

	first := insert(1, base, "a")
	require.Equal(t, day, first.WindowDate)
	require.True(t, first.ReceivedAt.Equal(base))

	_, err = store.InsertMessage(ctx, domain.Message{ChannelID: 500, ExternalID: 1, Text: "x", ReceivedAt: base, WindowDate: day, Fingerprint: "x"})
	require.ErrorIs(t, err, domain.ErrDuplicateExternalID)

	second := insert(2, base, "b")
	third := insert(3, base.Add(time.Hour), "c")
	dup := insert(4, base.Add(30*time.Minute), "a")
	insert(5, base.Add(24*time.Hour), "d")

	firstID, createdFP, err := store.RegisterFingerprint(ctx, day, "a", first.ID)
	require.NoError(t, err)
	require.True(t, createdFP)
	firstID, createdFP, err = store.RegisterFingerprint(ctx, day, "a", dup.ID)
	require.NoError(t, err)
	require.False(t, createdFP)
	require.Equal(t, first.ID, firstID)
	require.NoError(t, store.MarkDuplicate(ctx, dup.ID, first.ID))

	got, err := store.GetMessage(ctx, dup.ID)
	require.NoError(t, err)
	require.True(t, got.IsDuplicate())
	require.Equal(t, first.ID, *got.DuplicateOf)

	q := domain.WindowQuery{ChannelIDs: []int64{500}, Since: day, Until: day.Add(24 * time.Hour), Limit: 2}
	page, err := store.ListWindowPage(ctx, q)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, []int64{first.ID, second.ID}, []int64{page[0].ID, page[1].ID})

	q.AfterReceivedAt, q.AfterID = page[1].ReceivedAt, page[1].ID
	page, err = store.ListWindowPage(ctx, q)
	require.NoError(t, err)
	require.Len(t, page, 1, "повтор и сообщение следующего дня не попадают в окно")
	require.Equal(t, third.ID, page[0].ID)

	_, createdFP, err = store.RegisterFingerprint(ctx, day, "c", third.ID)
	require.NoError(t, err)
	require.True(t, createdFP)
	require.NoError(t, store.DeleteMessage(ctx, third.ID))
	_, err = store.GetMessage(ctx, third.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	firstID, createdFP, err = store.RegisterFingerprint(ctx, day, "c", 77)
	require.NoError(t, err)
	require.True(t, createdFP, "отпечаток удалённого сообщения освобождается")
	require.EqualValues(t, 77, firstID)

	removed, err := store.PruneMessages(ctx, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 4, removed)
	_, createdFP, err = store.RegisterFingerprint(ctx, day, "a", 99)
	require.NoError(t, err)
	require.True(t, createdFP, "после очистки окно пустое")
}

func checkDigests(t *testing.T, store domain.Store) {
	ctx := context.Background()
	date := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)

	_, err := store.LatestDigest(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	d, created, err := store.CreatePendingDigest(ctx, date)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.DigestPending, d.Status)
	require.Equal(t, 1, d.Generation)
	require.Equal(t, date, d.Date)

	_, created, err = store.CreatePendingDigest(ctx, date)
	require.NoError(t, err)
	require.False(t, created)

	text := "итоги дня"
	ok, err := store.TransitionDigest(ctx, domain.DigestTransition{Date: date, Generation: 2, From: []domain.DigestStatus{domain.DigestPending}, To: domain.DigestCompiled, Text: &text})
	require.NoError(t, err)
	require.False(t, ok, "чужое поколение не меняет дайджест")

	ok, err = store.TransitionDigest(ctx, domain.DigestTransition{Date: date, Generation: 1, From: []domain.DigestStatus{domain.DigestPending}, To: domain.DigestCompiled, Text: &text})
	require.NoError(t, err)
	require.True(t, ok)

	d, err = store.GetDigest(ctx, date)
	require.NoError(t, err)
	require.Equal(t, domain.DigestCompiled, d.Status)
	require.Equal(t, text, d.Text)
	require.NotNil(t, d.CompiledAt)
	require.Nil(t, d.DeliveredAt)

	d, err = store.RestartDigest(ctx, date)
	require.NoError(t, err)
	require.Equal(t, domain.DigestPending, d.Status)
	require.Equal(t, 2, d.Generation)
	require.Equal(t, text, d.Text, "прошлый текст остаётся до новой сборки")

	d, ok, err = store.TakeOverDigest(ctx, date, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, d.Generation)
	_, ok, err = store.TakeOverDigest(ctx, date, 2)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.TransitionDigest(ctx, domain.DigestTransition{Date: date, Generation: 3, From: []domain.DigestStatus{domain.DigestPending}, To: domain.DigestFailed, LastError: "boom"})
	require.NoError(t, err)
	require.True(t, ok)

	latest, err := store.LatestDigest(ctx)
	require.NoError(t, err)
	require.Equal(t, date, latest.Date)
	require.Equal(t, domain.DigestFailed, latest.Status)
	require.Equal(t, "boom", latest.LastError)

	d, err = store.RestartDigest(ctx, date.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, 1, d.Generation)
}

func checkSubscribers(t *testing.T, store domain.Store) {
	ctx := context.Background()

	s, err := store.UpsertSubscriber(ctx, 10, "alice")
	require.NoError(t, err)
	require.True(t, s.Active)
	again, err := store.UpsertSubscriber(ctx, 10, "")
	require.NoError(t, err)
	require.Equal(t, "alice", again.Username)
	require.True(t, s.SubscribedAt.Equal(again.SubscribedAt), "повторная подписка не меняет дату")

	_, err = store.UpsertSubscriber(ctx, 11, "bob")
	require.NoError(t, err)
	ok, err := store.DeactivateSubscriber(ctx, 11)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.DeactivateSubscriber(ctx, 11)
	require.NoError(t, err)
	require.False(t, ok)

	ids, err := store.ListActiveSubscribers(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{10}, ids)
	all, err := store.ListSubscribers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = store.GetSubscriber(ctx, 12)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func checkDeliveries(t *testing.T, store domain.Store) {
	ctx := context.Background()
	date := time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC)

	ok, err := store.ClaimDelivery(ctx, date, 1, 10)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.ClaimDelivery(ctx, date, 1, 10)
	require.NoError(t, err)
	require.False(t, ok, "получатель закреплён один раз на поколение")
	ok, err = store.ClaimDelivery(ctx, date, 2, 10)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.UpdateDelivery(ctx, domain.DeliveryRecord{Date: date, Generation: 1, RecipientID: 10, Status: domain.DeliveryRetrying, Attempts: 1, LastError: "429"}))
	rec, err := store.GetDelivery(ctx, date, 1, 10)
	require.NoError(t, err)
	require.Equal(t, domain.DeliveryRetrying, rec.Status)
	require.Equal(t, 1, rec.Attempts)

	err = store.UpdateDelivery(ctx, domain.DeliveryRecord{Date: date, Generation: 1, RecipientID: 99, Status: domain.DeliverySent})
	require.ErrorIs(t, err, domain.ErrNotFound)

	list, err := store.ListDeliveries(ctx, date, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func checkSessions(t *testing.T, store domain.Store) {
	ctx := context.Background()

	_, err := store.LoadMTProtoSession(ctx, "")
	require.True(t, errors.Is(err, session.ErrNotFound))

	require.NoError(t, store.StoreMTProtoSession(ctx, "", []byte("v1")))
	require.NoError(t, store.StoreMTProtoSession(ctx, "", []byte("v2")))
	data, err := store.LoadMTProtoSession(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), data)
}
