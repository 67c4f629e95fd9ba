package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wahub-id/wahub/internal/events"
	"github.com/wahub-id/wahub/internal/message"
	"github.com/wahub-id/wahub/internal/metrics"
	"github.com/wahub-id/wahub/internal/quota"
	"github.com/wahub-id/wahub/internal/wa"
	"github.com/wahub-id/wahub/internal/worker"
)

var (
	// ErrNotConnected means the precondition failed: there is no usable
	// handle. Callers do not wait or retry; the user must reconnect first.
	ErrNotConnected = errors.New("client_not_connected")
	// ErrRunInFlight rejects a second concurrent dispatch for the same user.
	// At most one run per user may hold a quota reservation, otherwise
	// finalize would release someone else's lock.
	ErrRunInFlight = errors.New("dispatch_already_in_progress")
)

// Progress is emitted after every batch. Transient, observability only.
type Progress struct {
	Total        int `json:"total"`
	Processed    int `json:"processed"`
	Successful   int `json:"successful"`
	Failed       int `json:"failed"`
	CurrentBatch int `json:"currentBatch"`
	TotalBatches int `json:"totalBatches"`
}

// MediaFetcher resolves an attachment URL into a transport payload.
type MediaFetcher interface {
	Fetch(ctx context.Context, url string) (*wa.Media, error)
}

type Options struct {
	BatchSize  int
	BatchDelay time.Duration
	// Documents are flaky on the transport: settle before the first attempt,
	// then retry on failure with a fixed wait.
	DocumentSettle    time.Duration
	DocumentAttempts  int
	DocumentRetryWait time.Duration
	SendQPS           float64
	SendBurst         int
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.DocumentAttempts <= 0 {
		o.DocumentAttempts = 3
	}
	if o.SendQPS <= 0 {
		o.SendQPS = 10
	}
	if o.SendBurst <= 0 {
		o.SendBurst = o.BatchSize
	}
}

// Engine reserves quota, fans a recipient list out in rate-limited batches
// over a single session handle, records per-message outcomes, and reconciles
// the reservation when the run ends.
type Engine struct {
	ledger  *quota.Ledger
	store   *message.Store
	fetcher MediaFetcher
	pub     events.Publisher
	pool    *worker.Pool
	limiter *rate.Limiter
	log     *logrus.Logger
	opts    Options

	mu       sync.Mutex
	inflight map[string]struct{} // user ids with a running dispatch
}

func NewEngine(ledger *quota.Ledger, store *message.Store, fetcher MediaFetcher, pub events.Publisher, pool *worker.Pool, opts Options, log *logrus.Logger) *Engine {
	opts.defaults()
	return &Engine{
		ledger:   ledger,
		store:    store,
		fetcher:  fetcher,
		pub:      pub,
		pool:     pool,
		limiter:  rate.NewLimiter(rate.Limit(opts.SendQPS), opts.SendBurst),
		log:      log,
		opts:     opts,
		inflight: make(map[string]struct{}),
	}
}

type Submission struct {
	UserID   string
	ClientID string
	Numbers  []string
	Content  string
	MediaURL *string
}

// Submit runs the synchronous half of a dispatch: reserve quota for the full
// recipient count, persist PENDING records, hand the batch run to the worker
// pool. It returns the created records; outcomes land on them asynchronously.
func (e *Engine) Submit(ctx context.Context, sub Submission, h wa.Handle) ([]message.Message, error) {
	if h == nil {
		return nil, ErrNotConnected
	}

	e.mu.Lock()
	if _, busy := e.inflight[sub.UserID]; busy {
		e.mu.Unlock()
		metrics.DispatchRuns.WithLabelValues("rejected").Inc()
		return nil, ErrRunInFlight
	}
	e.inflight[sub.UserID] = struct{}{}
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.inflight, sub.UserID)
		e.mu.Unlock()
	}

	if err := e.ledger.Reserve(ctx, sub.UserID, len(sub.Numbers)); err != nil {
		release()
		var insuff *quota.InsufficientBalanceError
		if errors.As(err, &insuff) {
			metrics.DispatchRuns.WithLabelValues("insufficient_balance").Inc()
		} else {
			metrics.DispatchRuns.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	records, err := e.store.CreateBatch(ctx, sub.ClientID, sub.Numbers, sub.Content, sub.MediaURL)
	if err != nil {
		e.finalize(sub.UserID, 0)
		release()
		metrics.DispatchRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	job := func(jobCtx context.Context) {
		defer release()
		e.run(jobCtx, sub.UserID, h, records)
	}
	if err := e.pool.Submit(job); err != nil {
		e.finalize(sub.UserID, 0)
		for _, r := range records {
			if uerr := e.store.UpdateStatus(ctx, r.ID, message.StatusFailed, "dispatch queue full"); uerr != nil {
				e.log.WithError(uerr).WithField("messageId", r.ID).Error("failed to mark message")
			}
		}
		release()
		metrics.DispatchRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	return records, nil
}

// finalize releases the whole reservation, crediting back unused credits.
// Runs on its own context so a canceled request cannot strand locked quota.
func (e *Engine) finalize(userID string, successCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.ledger.Finalize(ctx, userID, successCount); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"userId": userID, "successCount": successCount,
		}).Error("failed to finalize quota")
	}
}

func (e *Engine) run(ctx context.Context, userID string, h wa.Handle, records []message.Message) {
	var processed, successful, failed int64

	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("dispatch run panicked")
			metrics.DispatchRuns.WithLabelValues("error").Inc()
		} else {
			metrics.DispatchRuns.WithLabelValues("ok").Inc()
		}
		// Always reconcile with whatever succeeded so far.
		e.finalize(userID, int(atomic.LoadInt64(&successful)))
	}()

	batches := chunk(records, e.opts.BatchSize)
	total := len(records)

	for i, batch := range batches {
		var wg sync.WaitGroup
		for _, m := range batch {
			wg.Add(1)
			go func(m message.Message) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						e.log.WithFields(logrus.Fields{"messageId": m.ID, "panic": r}).Error("send panicked")
						e.markFailed(m.ID, "internal error")
						atomic.AddInt64(&failed, 1)
						atomic.AddInt64(&processed, 1)
					}
				}()
				if e.sendOne(ctx, h, m) {
					atomic.AddInt64(&successful, 1)
				} else {
					atomic.AddInt64(&failed, 1)
				}
				atomic.AddInt64(&processed, 1)
			}(m)
		}
		wg.Wait()

		metrics.DispatchBatchSize.Observe(float64(len(batch)))
		p := Progress{
			Total:        total,
			Processed:    int(atomic.LoadInt64(&processed)),
			Successful:   int(atomic.LoadInt64(&successful)),
			Failed:       int(atomic.LoadInt64(&failed)),
			CurrentBatch: i + 1,
			TotalBatches: len(batches),
		}
		e.log.WithFields(logrus.Fields{
			"userId": userID, "batch": p.CurrentBatch, "totalBatches": p.TotalBatches,
			"processed": p.Processed, "successful": p.Successful, "failed": p.Failed,
		}).Info("batch completed")
		if err := e.pub.Publish(ctx, "dispatch:progress:"+userID, p); err != nil {
			e.log.WithError(err).Warn("failed to publish progress")
		}

		if i < len(batches)-1 {
			if !sleep(ctx, e.opts.BatchDelay) {
				return
			}
		}
	}
}

// sendOne attempts delivery of a single message and writes its terminal
// status. Failures never propagate past the batch; they become the record's
// FAILED reason.
func (e *Engine) sendOne(ctx context.Context, h wa.Handle, m message.Message) bool {
	registered, err := h.IsRegisteredUser(ctx, m.Number)
	if err != nil {
		e.markFailed(m.ID, fmt.Sprintf("failed to verify number: %v", err))
		return false
	}
	if !registered {
		e.markFailed(m.ID, "number not registered on whatsapp")
		return false
	}

	var media *wa.Media
	if m.MediaURL != nil {
		media, err = e.fetcher.Fetch(ctx, *m.MediaURL)
		if err != nil {
			e.markFailed(m.ID, fmt.Sprintf("failed to fetch media: %v", err))
			return false
		}
	}

	attempts := 1
	if media != nil && media.IsDocument() {
		attempts = e.opts.DocumentAttempts
		if !sleep(ctx, e.opts.DocumentSettle) {
			e.markFailed(m.ID, "canceled before send")
			return false
		}
	}

	start := time.Now()
	var sendErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if !sleep(ctx, e.opts.DocumentRetryWait) {
				break
			}
		}
		if sendErr = e.limiter.Wait(ctx); sendErr != nil {
			break
		}
		if sendErr = h.Send(ctx, m.Number, m.Content, media); sendErr == nil {
			break
		}
	}
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if sendErr != nil {
		e.markFailed(m.ID, fmt.Sprintf("send failed: %v", sendErr))
		return false
	}

	if err := e.store.UpdateStatus(context.WithoutCancel(ctx), m.ID, message.StatusSent, ""); err != nil {
		e.log.WithError(err).WithField("messageId", m.ID).Error("failed to mark message sent")
	}
	metrics.DispatchMessages.WithLabelValues("sent").Inc()
	return true
}

func (e *Engine) markFailed(id, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.UpdateStatus(ctx, id, message.StatusFailed, reason); err != nil {
		e.log.WithError(err).WithField("messageId", id).Error("failed to mark message failed")
	}
	metrics.DispatchMessages.WithLabelValues("failed").Inc()
}

func chunk(records []message.Message, size int) [][]message.Message {
	var out [][]message.Message
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}

// sleep waits for d unless ctx ends first; reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
