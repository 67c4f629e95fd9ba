package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	database "github.com/wahub-id/wahub/internal/db"
	"github.com/wahub-id/wahub/internal/dispatch"
	"github.com/wahub-id/wahub/internal/message"
	"github.com/wahub-id/wahub/internal/quota"
	"github.com/wahub-id/wahub/internal/wa"
	"github.com/wahub-id/wahub/internal/worker"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []dispatch.Progress
}

func (c *capturePublisher) Publish(ctx context.Context, channel string, payload any) error {
	p, ok := payload.(dispatch.Progress)
	if !ok {
		return fmt.Errorf("unexpected payload %T", payload)
	}
	c.mu.Lock()
	c.events = append(c.events, p)
	c.mu.Unlock()
	return nil
}

func (c *capturePublisher) Events() []dispatch.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]dispatch.Progress, len(c.events))
	copy(out, c.events)
	return out
}

type stubFetcher struct {
	media *wa.Media
	err   error
}

func (s *stubFetcher) Fetch(ctx context.Context, url string) (*wa.Media, error) {
	return s.media, s.err
}

type panickingFetcher struct{}

func (panickingFetcher) Fetch(context.Context, string) (*wa.Media, error) {
	panic("fetcher blew up")
}

type fixture struct {
	pg     *database.DB
	ledger *quota.Ledger
	store  *message.Store
	pub    *capturePublisher
	engine *dispatch.Engine

	userID   string
	clientID string
}

func newFixture(t *testing.T, balance int, fetcher dispatch.MediaFetcher, opts dispatch.Options) *fixture {
	t.Helper()
	pg := database.StartTestPostgres(t)
	ledger := quota.NewLedger(pg)
	store := message.NewStore(pg)
	pub := &capturePublisher{}

	log := logrus.New()
	pool := worker.NewPool(2, 8, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	t.Cleanup(pool.Shutdown)

	f := &fixture{
		pg:     pg,
		ledger: ledger,
		store:  store,
		pub:    pub,
		engine: dispatch.NewEngine(ledger, store, fetcher, pub, pool, opts, log),
	}

	err := pg.Pool.QueryRow(context.Background(),
		`INSERT INTO users(name, email, password_hash) VALUES('acme','dispatch@test.dev','x') RETURNING id`).
		Scan(&f.userID)
	require.NoError(t, err)
	err = pg.Pool.QueryRow(context.Background(),
		`INSERT INTO clients(user_id, status) VALUES($1,'CONNECTED') RETURNING id`, f.userID).
		Scan(&f.clientID)
	require.NoError(t, err)
	require.NoError(t, ledger.Create(context.Background(), f.userID, balance))
	return f
}

func numbers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("6281100%05d", i)
	}
	return out
}

// waitSettled blocks until every record reached a terminal status and the
// quota reservation has been released.
func (f *fixture) waitSettled(t *testing.T, total int) {
	t.Helper()
	require.Eventually(t, func() bool {
		msgs, _, err := f.store.List(context.Background(), f.clientID, nil, 1, 100)
		if err != nil || len(msgs) != total {
			return false
		}
		for _, m := range msgs {
			if m.Status == message.StatusPending {
				return false
			}
		}
		b, err := f.ledger.GetBalance(context.Background(), f.userID)
		return err == nil && b.LockedAmount == 0
	}, 10*time.Second, 20*time.Millisecond)
}

func (f *fixture) submission(nums []string, mediaURL *string) dispatch.Submission {
	return dispatch.Submission{
		UserID:   f.userID,
		ClientID: f.clientID,
		Numbers:  nums,
		Content:  "promo blast",
		MediaURL: mediaURL,
	}
}

func TestDispatchPartialSuccessReconcilesQuota(t *testing.T) {
	f := newFixture(t, 10, &stubFetcher{}, dispatch.Options{BatchSize: 20, SendQPS: 1000})

	h := wa.NewFake()
	nums := numbers(10)
	h.Unregistered[nums[3]] = true
	h.Unregistered[nums[7]] = true

	records, err := f.engine.Submit(context.Background(), f.submission(nums, nil), h)
	require.NoError(t, err)
	require.Len(t, records, 10)

	f.waitSettled(t, 10)

	msgs, _, err := f.store.List(context.Background(), f.clientID, nil, 1, 100)
	require.NoError(t, err)
	var sent, failed int
	for _, m := range msgs {
		switch m.Status {
		case message.StatusSent:
			sent++
		case message.StatusFailed:
			failed++
			require.NotNil(t, m.Error)
			require.Contains(t, *m.Error, "not registered")
		}
	}
	require.Equal(t, 8, sent)
	require.Equal(t, 2, failed)
	require.Len(t, h.Sent(), 8)

	// 8 credits consumed, 2 refunded.
	b, err := f.ledger.GetBalance(context.Background(), f.userID)
	require.NoError(t, err)
	require.Equal(t, 2, b.Balance)
	require.Equal(t, 0, b.LockedAmount)
}

func TestSubmitInsufficientBalanceFailsFast(t *testing.T) {
	f := newFixture(t, 5, &stubFetcher{}, dispatch.Options{SendQPS: 1000})

	h := wa.NewFake()
	_, err := f.engine.Submit(context.Background(), f.submission(numbers(10), nil), h)

	var insuff *quota.InsufficientBalanceError
	require.ErrorAs(t, err, &insuff)
	require.Equal(t, 10, insuff.Required)
	require.Equal(t, 5, insuff.Available)

	// Nothing persisted, nothing sent, balance untouched.
	_, total, err := f.store.List(context.Background(), f.clientID, nil, 1, 100)
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, h.Sent())
	b, err := f.ledger.GetBalance(context.Background(), f.userID)
	require.NoError(t, err)
	require.Equal(t, 5, b.Balance)
	require.Equal(t, 0, b.LockedAmount)
}

func TestSubmitNilHandleRejected(t *testing.T) {
	f := newFixture(t, 5, &stubFetcher{}, dispatch.Options{})
	_, err := f.engine.Submit(context.Background(), f.submission(numbers(1), nil), nil)
	require.ErrorIs(t, err, dispatch.ErrNotConnected)
}

func TestBatchingEmitsMonotonicProgress(t *testing.T) {
	f := newFixture(t, 45, &stubFetcher{}, dispatch.Options{
		BatchSize:  20,
		BatchDelay: 10 * time.Millisecond,
		SendQPS:    1000,
	})

	h := wa.NewFake()
	_, err := f.engine.Submit(context.Background(), f.submission(numbers(45), nil), h)
	require.NoError(t, err)

	f.waitSettled(t, 45)

	events := f.pub.Events()
	require.Len(t, events, 3)
	prev := 0
	for i, ev := range events {
		require.Equal(t, 45, ev.Total)
		require.Equal(t, 3, ev.TotalBatches)
		require.Equal(t, i+1, ev.CurrentBatch)
		require.GreaterOrEqual(t, ev.Processed, prev)
		prev = ev.Processed
	}
	require.Equal(t, 45, events[2].Processed)
	require.Equal(t, 45, events[2].Successful)
}

func TestDocumentSendRetriesUntilSuccess(t *testing.T) {
	pdf := &wa.Media{MimeType: "application/pdf", Filename: "invoice.pdf", Data: []byte("%PDF-")}
	f := newFixture(t, 1, &stubFetcher{media: pdf}, dispatch.Options{
		DocumentSettle:    time.Millisecond,
		DocumentAttempts:  3,
		DocumentRetryWait: time.Millisecond,
		SendQPS:           1000,
	})

	h := wa.NewFake()
	h.FailSends = 2 // first two attempts bounce

	url := "https://files.test.dev/invoice.pdf"
	nums := numbers(1)
	_, err := f.engine.Submit(context.Background(), f.submission(nums, &url), h)
	require.NoError(t, err)

	f.waitSettled(t, 1)

	require.Equal(t, 3, h.Attempts(nums[0]))
	msgs, _, err := f.store.List(context.Background(), f.clientID, nil, 1, 10)
	require.NoError(t, err)
	require.Equal(t, message.StatusSent, msgs[0].Status)

	b, err := f.ledger.GetBalance(context.Background(), f.userID)
	require.NoError(t, err)
	require.Equal(t, 0, b.Balance)
}

func TestNonDocumentMediaSendsOnce(t *testing.T) {
	img := &wa.Media{MimeType: "image/png", Filename: "promo.png", Data: []byte{0x89}}
	f := newFixture(t, 1, &stubFetcher{media: img}, dispatch.Options{
		DocumentAttempts:  3,
		DocumentRetryWait: time.Millisecond,
		SendQPS:           1000,
	})

	h := wa.NewFake()
	h.FailSends = 1

	url := "https://files.test.dev/promo.png"
	nums := numbers(1)
	_, err := f.engine.Submit(context.Background(), f.submission(nums, &url), h)
	require.NoError(t, err)

	f.waitSettled(t, 1)

	// One attempt only: the retry loop is reserved for documents.
	require.Equal(t, 1, h.Attempts(nums[0]))
	msgs, _, err := f.store.List(context.Background(), f.clientID, nil, 1, 10)
	require.NoError(t, err)
	require.Equal(t, message.StatusFailed, msgs[0].Status)

	// Failed send refunds the credit.
	b, err := f.ledger.GetBalance(context.Background(), f.userID)
	require.NoError(t, err)
	require.Equal(t, 1, b.Balance)
}

func TestMediaFetchFailureRefundsCredits(t *testing.T) {
	f := newFixture(t, 3, &stubFetcher{err: errors.New("host unreachable")}, dispatch.Options{SendQPS: 1000})

	h := wa.NewFake()
	url := "https://files.test.dev/gone.png"
	_, err := f.engine.Submit(context.Background(), f.submission(numbers(3), &url), h)
	require.NoError(t, err)

	f.waitSettled(t, 3)

	msgs, _, err := f.store.List(context.Background(), f.clientID, nil, 1, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		require.Equal(t, message.StatusFailed, m.Status)
		require.Contains(t, *m.Error, "failed to fetch media")
	}
	require.Empty(t, h.Sent())

	b, err := f.ledger.GetBalance(context.Background(), f.userID)
	require.NoError(t, err)
	require.Equal(t, 3, b.Balance)
	require.Equal(t, 0, b.LockedAmount)
}

func TestPanicDuringRunStillFinalizesQuota(t *testing.T) {
	f := newFixture(t, 4, panickingFetcher{}, dispatch.Options{SendQPS: 1000})

	h := wa.NewFake()
	url := "https://files.test.dev/cursed.png"
	_, err := f.engine.Submit(context.Background(), f.submission(numbers(4), &url), h)
	require.NoError(t, err)

	f.waitSettled(t, 4)

	msgs, _, err := f.store.List(context.Background(), f.clientID, nil, 1, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		require.Equal(t, message.StatusFailed, m.Status)
	}

	// Every reserved credit comes back; nothing stays locked.
	b, err := f.ledger.GetBalance(context.Background(), f.userID)
	require.NoError(t, err)
	require.Equal(t, 4, b.Balance)
	require.Equal(t, 0, b.LockedAmount)
}

func TestConcurrentSubmitForSameUserRejected(t *testing.T) {
	f := newFixture(t, 10, &stubFetcher{}, dispatch.Options{SendQPS: 1000})

	h := wa.NewFake()
	h.SendDelay = 200 * time.Millisecond

	_, err := f.engine.Submit(context.Background(), f.submission(numbers(3), nil), h)
	require.NoError(t, err)

	// Second run while the first still holds the reservation.
	_, err = f.engine.Submit(context.Background(), f.submission(numbers(2), nil), h)
	require.ErrorIs(t, err, dispatch.ErrRunInFlight)

	f.waitSettled(t, 3)

	// A fresh run is accepted once the first completes.
	_, err = f.engine.Submit(context.Background(), f.submission(numbers(2), nil), h)
	require.NoError(t, err)
	f.waitSettled(t, 5)

	b, err := f.ledger.GetBalance(context.Background(), f.userID)
	require.NoError(t, err)
	require.Equal(t, 5, b.Balance)
	require.Equal(t, 0, b.LockedAmount)
}
