// Package usage persists billing telemetry for completed requests. Metering
// is best-effort by contract: a failed or dropped write is logged and
// forgotten, and must never surface to the client whose response has already
// been sent.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tollcounter/tollcounter/internal/model"
)

const insertTimeout = 5 * time.Second

// Store is the interface the recorder needs from the persistence layer.
type Store interface {
	InsertUsageRecord(ctx context.Context, rec *model.UsageRecord) error
}

// Recorder drains usage records onto the store through a bounded queue and a
// fixed worker pool, keeping persistence entirely off the response path. When
// the queue is full the incoming (newest) record is dropped with a warning;
// blocking request completion to save a telemetry row would invert the
// gateway's priorities.
type Recorder struct {
	store  Store
	logger *slog.Logger
	queue  chan model.UsageRecord
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRecorder creates a Recorder with the given queue capacity and starts its
// worker pool.
func NewRecorder(store Store, logger *slog.Logger, queueSize, workers int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}

	r := &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan model.UsageRecord, queueSize),
	}

	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// Record enqueues one usage record. It never blocks: a full queue drops the
// record, a closed recorder ignores it. Once enqueued, a record is not
// cancellable; it is eventually written or dropped with a logged failure.
func (r *Recorder) Record(rec model.UsageRecord) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	select {
	case r.queue <- rec:
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		r.logger.Warn("usage queue full, dropping record",
			"endpoint", rec.Endpoint,
			"status", rec.StatusCode,
		)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := r.store.InsertUsageRecord(ctx, &rec); err != nil {
			// Swallowed by contract. No retry: the record is lost and the
			// client response it describes was sent long ago.
			r.logger.Error("failed to persist usage record",
				"endpoint", rec.Endpoint,
				"error", err,
			)
		}
		cancel()
	}
}

// Close stops accepting records and waits for the workers to drain the queue,
// up to the context deadline. Used during graceful shutdown so pending writes
// are not torn mid-insert.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
