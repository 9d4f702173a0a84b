// Package writer buffers accepted messages and persists them in bulk. A
// message reaches the cache and the flushed callback only after the bulk
// insert that contains it has committed.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"roomcast/internal/chat"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultMaxBuffer     = 10000
	shutdownFlushTimeout = 5 * time.Second
)

// Store is the durable side of a flush.
type Store interface {
	BulkInsert(ctx context.Context, msgs []chat.Message) ([]string, error)
}

// Cache mirrors durable messages for the read path.
type Cache interface {
	Append(ctx context.Context, msgs ...chat.Message) error
}

// FlushedFunc receives every batch after it is durable, in flush order.
type FlushedFunc func(ctx context.Context, msgs []chat.Message)

// Options tune a Writer.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxBuffer     int
	MaxContent    int
	OnFlushed     FlushedFunc
	Logger        *zap.Logger
	Metrics       *Metrics
}

// Ack is returned to the submitter before the message is durable.
type Ack struct {
	TempID    string    `json:"tempId,omitempty"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Writer is the per-process batch writer.
type Writer struct {
	store  Store
	cache  Cache
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	buffer []chat.Message
	last   time.Time

	kick chan struct{}

	// guarded by flushMu
	flushMu sync.Mutex
	retry   backoff.BackOff
	retryAt time.Time
}

// New builds a Writer. cache may be nil.
func New(store Store, cache Cache, opts Options) *Writer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = opts.FlushInterval
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0
	return &Writer{
		store:  store,
		cache:  cache,
		opts:   opts,
		logger: logger.Named("writer"),
		kick:   make(chan struct{}, 1),
		retry:  retry,
	}
}

// Submit validates msg, stamps it with an id and timestamp and buffers it.
// It returns chat.ErrOverloaded when the buffer is full.
func (w *Writer) Submit(msg chat.Message) (Ack, error) {
	if err := msg.Validate(w.opts.MaxContent); err != nil {
		return Ack{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Deleted = false

	w.mu.Lock()
	if len(w.buffer) >= w.opts.MaxBuffer {
		w.mu.Unlock()
		w.opts.Metrics.recordRejected()
		return Ack{}, fmt.Errorf("%w: write buffer full", chat.ErrOverloaded)
	}
	msg.Timestamp = w.stamp()
	w.buffer = append(w.buffer, msg)
	n := len(w.buffer)
	w.mu.Unlock()

	w.opts.Metrics.setBuffered(n)
	if n >= w.opts.BatchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return Ack{TempID: msg.TempID, ID: msg.ID, Timestamp: msg.Timestamp}, nil
}

// stamp returns a timestamp strictly after every one this writer handed out
// before, so history cursors never split messages sharing a millisecond.
// Callers hold w.mu.
func (w *Writer) stamp() time.Time {
	ts := chat.Now()
	if !ts.After(w.last) {
		ts = w.last.Add(time.Millisecond)
	}
	w.last = ts
	return ts
}

// Pending returns the number of buffered messages.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// Flush persists the whole buffer in one bulk insert. On failure the batch is
// put back at the front of the buffer and the error is returned.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	_, err := w.store.BulkInsert(ctx, batch)
	w.opts.Metrics.recordFlush(len(batch), time.Since(start), err)
	if err != nil {
		w.mu.Lock()
		w.buffer = append(batch, w.buffer...)
		n := len(w.buffer)
		w.mu.Unlock()
		w.opts.Metrics.setBuffered(n)
		w.retryAt = time.Now().Add(w.retry.NextBackOff())
		return fmt.Errorf("%w: bulk insert of %d messages: %v", chat.ErrTransient, len(batch), err)
	}
	w.retry.Reset()
	w.retryAt = time.Time{}
	w.opts.Metrics.setBuffered(w.Pending())

	if w.cache != nil {
		if err := w.cache.Append(ctx, batch...); err != nil {
			w.logger.Warn("cache mirror failed", zap.Int("messages", len(batch)), zap.Error(err))
		}
	}
	if w.opts.OnFlushed != nil {
		w.opts.OnFlushed(ctx, batch)
	}
	return nil
}

// Run flushes on the size threshold and the interval until ctx is done, then
// makes a final flush.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			if err := w.Flush(flushCtx); err != nil {
				w.logger.Error("final flush failed", zap.Int("pending", w.Pending()), zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
		case <-w.kick:
		}
		if w.backingOff() {
			continue
		}
		if err := w.Flush(ctx); err != nil {
			w.logger.Warn("flush failed, batch requeued", zap.Int("pending", w.Pending()), zap.Error(err))
		}
	}
}

func (w *Writer) backingOff() bool {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()
	return !w.retryAt.IsZero() && time.Now().Before(w.retryAt)
}
