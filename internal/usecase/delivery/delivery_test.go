package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/egv/ezra/internal/adapters/repo"
	"github.com/egv/ezra/internal/domain"
	"github.com/egv/ezra/internal/infra/queue"
	"github.com/egv/ezra/internal/testutil"
	"github.com/egv/ezra/internal/usecase/subscriptions"
)

var (
	testDate = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	testNow  = time.Date(2024, 3, 11, 8, 0, 0, 0, time.UTC)
)

type fixture struct {
	store   *repo.SQLite
	sender  *testutil.Sender
	queue   *queue.MemoryRetryQueue
	manager *Manager
	worker  *RetryWorker
	waits   []time.Duration
	mu      sync.Mutex
}

func newFixture(t *testing.T, opts Options, recipients ...int64) *fixture {
	t.Helper()
	store := testutil.NewStore(t)
	testutil.AddSubscribers(t, store, recipients...)
	f := &fixture{store: store, sender: testutil.NewSender(), queue: queue.NewMemoryRetryQueue()}
	f.manager = NewManager(subscriptions.NewService(store, zerolog.Nop()), store, f.sender, f.queue, opts, zerolog.Nop())
	f.manager.now = func() time.Time { return testNow }
	f.worker = NewRetryWorker(f.manager, store, zerolog.Nop())
	f.worker.sleep = func(ctx context.Context, d time.Duration) error {
		f.mu.Lock()
		f.waits = append(f.waits, d)
		f.mu.Unlock()
		return ctx.Err()
	}
	return f
}

func (f *fixture) compiledDigest(t *testing.T, text string) domain.Digest {
	t.Helper()
	ctx := context.Background()
	d, _, err := f.store.CreatePendingDigest(ctx, testDate)
	require.NoError(t, err)
	ok, err := f.store.TransitionDigest(ctx, domain.DigestTransition{
		Date: testDate, Generation: d.Generation,
		From: []domain.DigestStatus{domain.DigestPending}, To: domain.DigestCompiled, Text: &text,
	})
	require.NoError(t, err)
	require.True(t, ok)
	d, err = f.store.GetDigest(ctx, testDate)
	require.NoError(t, err)
	return d
}

func (f *fixture) status(t *testing.T, generation int, recipient int64) domain.DeliveryRecord {
	t.Helper()
	rec, err := f.store.GetDelivery(context.Background(), testDate, generation, recipient)
	require.NoError(t, err)
	return rec
}

func TestDeliverClassifiesResults(t *testing.T) {
	f := newFixture(t, Options{Workers: 2, MaxAttempts: 3, Backoff: time.Minute, MaxBackoff: time.Hour}, 1, 2, 3, 4)
	f.sender.Fail(2, domain.TransientDelivery(errors.New("429"), 0))
	f.sender.Fail(3, domain.PermanentDelivery(errors.New("bot was blocked")))

	report, err := f.manager.Deliver(context.Background(), testDate, 1, "дайджест")
	require.NoError(t, err)
	require.Equal(t, 4, report.Total)
	require.Equal(t, 2, report.Sent)
	require.Equal(t, 1, report.Queued)
	require.Equal(t, 1, report.Failed)
	require.True(t, report.Partial())

	require.Equal(t, domain.DeliverySent, f.status(t, 1, 1).Status)
	require.Equal(t, domain.DeliveryRetrying, f.status(t, 1, 2).Status)
	failed := f.status(t, 1, 3)
	require.Equal(t, domain.DeliveryFailed, failed.Status)
	require.Contains(t, failed.LastError, "bot was blocked")

	require.Equal(t, 1, f.queue.Len())
	job, ack, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, ack(true))
	require.Equal(t, int64(2), job.RecipientID)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, 1, job.Generation)
	require.True(t, job.NotBefore.Equal(testNow.Add(time.Minute)))
	require.NotEmpty(t, job.ID)
}

func TestDeliverNeverSendsClaimedTwice(t *testing.T) {
	f := newFixture(t, Options{}, 1, 2, 3)
	ctx := context.Background()

	_, err := f.manager.Deliver(ctx, testDate, 1, "первый")
	require.NoError(t, err)
	report, err := f.manager.Deliver(ctx, testDate, 1, "первый")
	require.NoError(t, err)
	require.Equal(t, 3, report.Skipped)
	require.Len(t, f.sender.Sent(), 3)

	report, err = f.manager.Deliver(ctx, testDate, 2, "второй")
	require.NoError(t, err)
	require.Equal(t, 3, report.Sent)
	require.Len(t, f.sender.Sent(), 6)
}

func TestDeliverConcurrentCallsShareClaims(t *testing.T) {
	recipients := []int64{1, 2, 3, 4, 5, 6, 7, 8}
	f := newFixture(t, Options{Workers: 3}, recipients...)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.manager.Deliver(context.Background(), testDate, 1, "текст"); err != nil {
				t.Errorf("рассылка: %v", err)
			}
		}()
	}
	wg.Wait()
	for _, id := range recipients {
		if n := f.sender.SentTo(id); n != 1 {
			t.Fatalf("получатель %d получил %d сообщений", id, n)
		}
	}
}

func TestRetryAfterIsHonoured(t *testing.T) {
	f := newFixture(t, Options{Backoff: time.Second, MaxBackoff: 4 * time.Second})
	require.Equal(t, time.Second, f.manager.backoff(1, 0))
	require.Equal(t, 4*time.Second, f.manager.backoff(3, 0))
	require.Equal(t, 4*time.Second, f.manager.backoff(10, 0))
	require.Equal(t, 90*time.Second, f.manager.backoff(1, 90*time.Second))
}

func TestRetryWorkerDeliversLater(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 3, Backoff: time.Minute, MaxBackoff: time.Hour}, 1)
	d := f.compiledDigest(t, "итоговый текст")
	f.sender.Fail(1, domain.TransientDelivery(errors.New("timeout"), 0))

	report, err := f.manager.Deliver(context.Background(), testDate, d.Generation, d.Text)
	require.NoError(t, err)
	require.Equal(t, 1, report.Queued)

	job, ack, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(context.Background(), job))
	require.NoError(t, ack(true))

	require.Equal(t, []time.Duration{time.Minute}, f.waits, "задача ждёт NotBefore")
	rec := f.status(t, d.Generation, 1)
	require.Equal(t, domain.DeliverySent, rec.Status)
	require.Equal(t, 2, rec.Attempts)
	require.Equal(t, []testutil.Sent{{RecipientID: 1, Text: "итоговый текст"}}, f.sender.Sent())
}

func TestRetryWorkerGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 2, Backoff: time.Minute, MaxBackoff: time.Hour}, 1)
	d := f.compiledDigest(t, "текст")
	transient := domain.TransientDelivery(errors.New("502"), 0)
	f.sender.Fail(1, transient, transient)

	_, err := f.manager.Deliver(context.Background(), testDate, d.Generation, d.Text)
	require.NoError(t, err)
	job, _, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(context.Background(), job))

	rec := f.status(t, d.Generation, 1)
	require.Equal(t, domain.DeliveryFailed, rec.Status)
	require.Equal(t, 2, rec.Attempts)
	require.Zero(t, f.queue.Len())
	require.Empty(t, f.sender.Sent())
}

func TestRetryWorkerDropsStaleGeneration(t *testing.T) {
	f := newFixture(t, Options{}, 1)
	d := f.compiledDigest(t, "старый текст")
	_, err := f.store.RestartDigest(context.Background(), testDate)
	require.NoError(t, err)

	err = f.worker.Process(context.Background(), domain.RetryJob{ID: "x", Date: testDate, Generation: d.Generation, RecipientID: 1, Attempt: 1})
	require.NoError(t, err)
	require.Empty(t, f.sender.Sent())
}

func TestRetryWorkerSkipsUnsubscribed(t *testing.T) {
	f := newFixture(t, Options{}, 1)
	d := f.compiledDigest(t, "текст")
	f.sender.Fail(1, domain.TransientDelivery(errors.New("flood"), 0))
	_, err := f.manager.Deliver(context.Background(), testDate, d.Generation, d.Text)
	require.NoError(t, err)
	_, err = f.store.DeactivateSubscriber(context.Background(), 1)
	require.NoError(t, err)

	job, _, err := f.queue.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.worker.Process(context.Background(), job))
	require.Equal(t, domain.DeliveryFailed, f.status(t, d.Generation, 1).Status)
	require.Empty(t, f.sender.Sent())
}

func TestRetryWorkerRun(t *testing.T) {
	f := newFixture(t, Options{}, 1)
	d := f.compiledDigest(t, "текст")
	_, err := f.store.ClaimDelivery(context.Background(), testDate, d.Generation, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sender.OnSend(func(int64) { cancel() })
	require.NoError(t, f.queue.Enqueue(ctx, domain.RetryJob{ID: "j", Date: testDate, Generation: d.Generation, RecipientID: 1, Attempt: 1}))

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("обработчик не остановился после отмены")
	}
}
