package subscriptions

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/testutil"
)

func TestSubscribeLifecycle(t *testing.T) {
	svc := NewService(testutil.NewStore(t), zerolog.Nop())
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, 10, "@alice")
	require.NoError(t, err)
	require.True(t, sub.Active)
	require.Equal(t, "alice", sub.Username)

	_, err = svc.Subscribe(ctx, 10, "alice")
	require.NoError(t, err)
	_, err = svc.Subscribe(ctx, 20, "")
	require.NoError(t, err)

	ids, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{10, 20}, ids)

	changed, err := svc.Unsubscribe(ctx, 10)
	require.NoError(t, err)
	require.True(t, changed)
	changed, err = svc.Unsubscribe(ctx, 10)
	require.NoError(t, err)
	require.False(t, changed)

	ids, err = svc.ListActive(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{20}, ids)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "отписка не удаляет запись")

	got, err := svc.Get(ctx, 10)
	require.NoError(t, err)
	require.False(t, got.Active)

	_, err = svc.Subscribe(ctx, 10, "alice")
	require.NoError(t, err)
	got, err = svc.Get(ctx, 10)
	require.NoError(t, err)
	require.True(t, got.Active)
}

func TestGetUnknownSubscriber(t *testing.T) {
	svc := NewService(testutil.NewStore(t), zerolog.Nop())
	if _, err := svc.Get(context.Background(), 404); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ожидали ErrNotFound, получили %v", err)
	}
}
