package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = time.Second
	DefaultFlushTimeout  = 10 * time.Second
)

// Store writes a whole batch in one transaction or not at all.
type Store interface {
	BulkInsert(ctx context.Context, records []Record) error
}

// DeadLetter takes over a batch the flusher has stopped retrying.
type DeadLetter interface {
	Bury(ctx context.Context, records []Record, cause error) error
}

// CommitHook is called after a batch has been committed. It runs on its own
// goroutine, outside the flush lock, with a context bounded by
// Options.Timeout. Hooks of consecutive batches may overlap.
type CommitHook func(ctx context.Context, records []Record)

type Options struct {
	// BatchSize must be even when orders are queued together with their
	// details, so a pair never straddles two batches.
	BatchSize int
	Interval  time.Duration
	// Timeout bounds a single store call.
	Timeout time.Duration
	// MaxAttempts > 0 sends a batch to DeadLetter once its records have
	// failed that many flushes. 0 retries forever.
	MaxAttempts int
	DeadLetter  DeadLetter
	OnCommit    CommitHook
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Interval <= 0 {
		o.Interval = DefaultFlushInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultFlushTimeout
	}
	return o
}

// Stats is a point-in-time view of the flusher, served by the health check.
type Stats struct {
	Queued       int       `json:"queued"`
	BatchSize    int       `json:"batch_size"`
	Running      bool      `json:"running"`
	Persisted    int64     `json:"persisted"`
	Failures     int64     `json:"failures"`
	DeadLettered int64     `json:"dead_lettered"`
	LastError    string    `json:"last_error,omitempty"`
	LastFlushAt  time.Time `json:"last_flush_at,omitempty"`
}

// Flusher moves records from a Queue to a Store. Flushes run either on the
// ticker started by Start or inline through TriggerIfFull; flushMu keeps at
// most one of them in flight so a requeued batch is back at the front before
// the next drain.
type Flusher struct {
	queue  *Queue
	store  Store
	opts   Options
	logger zerolog.Logger

	flushMu sync.Mutex
	hooks   sync.WaitGroup

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	persisted    atomic.Int64
	failures     atomic.Int64
	deadLettered atomic.Int64

	statsMu     sync.Mutex
	lastError   string
	lastFlushAt time.Time
}

func NewFlusher(queue *Queue, store Store, opts Options, logger zerolog.Logger) *Flusher {
	return &Flusher{
		queue:  queue,
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("component", "batch_flusher").Logger(),
	}
}

func (f *Flusher) BatchSize() int { return f.opts.BatchSize }

// FlushOnce writes one batch of exactly BatchSize records. With fewer records
// queued it does nothing and returns 0. On failure the batch is rolled back
// by the store, requeued at the front (or dead-lettered) and the error is
// returned for logging only.
func (f *Flusher) FlushOnce(ctx context.Context) (int, error) {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()
	return f.flushLocked(ctx)
}

// TriggerIfFull runs an opportunistic flush when observed has reached the
// batch size. If another flush is in flight it returns immediately; that
// flush or the next tick picks the records up.
func (f *Flusher) TriggerIfFull(ctx context.Context, observed int) {
	if observed < f.opts.BatchSize {
		return
	}
	if !f.flushMu.TryLock() {
		f.logger.Debug().Int("queued", observed).Msg("flush already in progress, skipping inline flush")
		return
	}
	defer f.flushMu.Unlock()
	// errors are already logged and the records requeued
	_, _ = f.flushLocked(ctx)
}

func (f *Flusher) flushLocked(ctx context.Context) (int, error) {
	records := f.queue.DrainUpTo(f.opts.BatchSize)
	if records == nil {
		return 0, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	err := f.insert(storeCtx, records)
	cancel()

	if err == nil {
		f.persisted.Add(int64(len(records)))
		f.recordOutcome("")
		f.logger.Info().Int("records", len(records)).Int("queued", f.queue.Len()).Msg("batch committed")
		f.notifyCommit(ctx, records)
		return len(records), nil
	}

	f.failures.Add(1)
	f.recordOutcome(err.Error())
	attempts := 0
	for i := range records {
		records[i].Attempts++
		if records[i].Attempts > attempts {
			attempts = records[i].Attempts
		}
	}

	if f.opts.MaxAttempts > 0 && attempts >= f.opts.MaxAttempts && f.opts.DeadLetter != nil {
		dlCtx, dlCancel := context.WithTimeout(ctx, f.opts.Timeout)
		buryErr := f.opts.DeadLetter.Bury(dlCtx, records, err)
		dlCancel()
		if buryErr == nil {
			f.deadLettered.Add(int64(len(records)))
			f.logger.Error().Err(err).Int("records", len(records)).Int("attempts", attempts).
				Msg("batch moved to dead letter store")
			return 0, err
		}
		f.logger.Error().Err(buryErr).Msg("dead letter store rejected batch")
	}

	f.queue.Requeue(records)
	f.logger.Warn().Err(err).
		Int("records", len(records)).
		Int("attempts", attempts).
		Int("queued", f.queue.Len()).
		Msg("batch flush failed, requeued")
	return 0, err
}

// notifyCommit hands a committed batch to the OnCommit hook without waiting
// for it.
func (f *Flusher) notifyCommit(ctx context.Context, records []Record) {
	if f.opts.OnCommit == nil {
		return
	}
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.Timeout)
	f.hooks.Add(1)
	go func() {
		defer f.hooks.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				f.logger.Error().Interface("panic", r).Int("records", len(records)).Msg("commit hook panicked")
			}
		}()
		f.opts.OnCommit(hookCtx, records)
	}()
}

// insert calls the store and turns a panic into an error so a broken store
// cannot take the ticker goroutine down.
func (f *Flusher) insert(ctx context.Context, records []Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("store panic: %v", r)
		}
	}()
	return f.store.BulkInsert(ctx, records)
}

func (f *Flusher) recordOutcome(errMsg string) {
	f.statsMu.Lock()
	f.lastError = errMsg
	f.lastFlushAt = time.Now()
	f.statsMu.Unlock()
}

// Start launches the periodic flush. It is an error to start twice.
func (f *Flusher) Start(ctx context.Context) error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	if f.cancel != nil {
		return errors.New("flusher already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	f.running.Store(true)

	go f.loop(ctx)

	f.logger.Info().
		Int("batch_size", f.opts.BatchSize).
		Dur("interval", f.opts.Interval).
		Int("max_attempts", f.opts.MaxAttempts).
		Msg("flusher started")
	return nil
}

func (f *Flusher) loop(ctx context.Context) {
	defer close(f.done)
	defer f.running.Store(false)

	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// failures are requeued and logged inside
			_, _ = f.FlushOnce(ctx)
		}
	}
}

// Stop ends the periodic flush, then writes every remaining full batch and
// waits for pending commit hooks. Records that do not fill a batch stay
// queued and are reported.
func (f *Flusher) Stop(ctx context.Context) {
	f.lifeMu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		f.logger.Warn().Msg("timed out waiting for flush loop to exit")
		return
	}

	for ctx.Err() == nil {
		n, err := f.FlushOnce(ctx)
		if n == 0 || err != nil {
			break
		}
	}
	hooksDone := make(chan struct{})
	go func() {
		f.hooks.Wait()
		close(hooksDone)
	}()
	select {
	case <-hooksDone:
	case <-ctx.Done():
		f.logger.Warn().Msg("timed out waiting for commit hooks")
	}

	if left := f.queue.Len(); left > 0 {
		f.logger.Warn().Int("records", left).Msg("flusher stopped with unpersisted records")
	} else {
		f.logger.Info().Msg("flusher stopped")
	}
}

func (f *Flusher) Stats() Stats {
	f.statsMu.Lock()
	lastErr, lastAt := f.lastError, f.lastFlushAt
	f.statsMu.Unlock()
	return Stats{
		Queued:       f.queue.Len(),
		BatchSize:    f.opts.BatchSize,
		Running:      f.running.Load(),
		Persisted:    f.persisted.Load(),
		Failures:     f.failures.Load(),
		DeadLettered: f.deadLettered.Load(),
		LastError:    lastErr,
		LastFlushAt:  lastAt,
	}
}
