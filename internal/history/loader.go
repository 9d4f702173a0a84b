// Package history serves paginated room history: cache first, durable store
// on a miss, with sender and file enrichment.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roomcast/internal/chat"
)

const (
	DefaultLimit         = 30
	MaxLimit             = 100
	DefaultRetryAttempts = 3
	DefaultRetryDeadline = 2 * time.Second
	defaultConcurrency   = 8
)

// MessageStore is the durable history source.
type MessageStore interface {
	RangeQuery(ctx context.Context, roomID string, before time.Time, limit int) ([]chat.Message, error)
}

// MessageCache is the cached history source.
type MessageCache interface {
	Range(ctx context.Context, roomID string, before time.Time, n int) ([]chat.Message, bool, error)
	Append(ctx context.Context, msgs ...chat.Message) error
}

// Options tune a Loader.
type Options struct {
	RetryAttempts int
	RetryDeadline time.Duration
	Concurrency   int
	Logger        *zap.Logger
}

// Page is one page of history in ascending time order.
type Page struct {
	Messages        []chat.Message
	HasMore         bool
	OldestTimestamp *time.Time
}

// Loader loads history pages.
type Loader struct {
	store    MessageStore
	cache    MessageCache
	resolver Resolver
	opts     Options
	logger   *zap.Logger
	pending  sync.WaitGroup
}

// NewLoader builds a Loader. cache and resolver may be nil.
func NewLoader(store MessageStore, cache MessageCache, resolver Resolver, opts Options) *Loader {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryDeadline <= 0 {
		opts.RetryDeadline = DefaultRetryDeadline
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, cache: cache, resolver: resolver, opts: opts, logger: logger.Named("history")}
}

// ClampLimit applies the default and maximum page sizes.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// LoadMessages returns up to limit messages of roomID strictly older than
// before (zero for the newest page).
func (l *Loader) LoadMessages(ctx context.Context, roomID string, before time.Time, limit int) (Page, error) {
	limit = ClampLimit(limit)
	msgs, hit := l.fromCache(ctx, roomID, before, limit+1)
	if !hit {
		var err error
		msgs, err = l.fromStore(ctx, roomID, before, limit+1)
		if err != nil {
			return Page{}, err
		}
		l.repopulate(msgs)
	}

	page := Page{HasMore: len(msgs) > limit}
	if page.HasMore {
		msgs = msgs[:limit]
	}
	ascending := make([]chat.Message, len(msgs))
	for i, msg := range msgs {
		ascending[len(msgs)-1-i] = msg
	}
	l.enrich(ctx, ascending)
	page.Messages = ascending
	if len(ascending) > 0 {
		oldest := ascending[0].Timestamp
		page.OldestTimestamp = &oldest
	}
	return page, nil
}

// Wait blocks until pending cache repopulations finish.
func (l *Loader) Wait() {
	l.pending.Wait()
}

func (l *Loader) fromCache(ctx context.Context, roomID string, before time.Time, n int) ([]chat.Message, bool) {
	if l.cache == nil {
		return nil, false
	}
	msgs, ok, err := l.cache.Range(ctx, roomID, before, n)
	if err != nil {
		l.logger.Warn("history cache read failed", zap.String("room", roomID), zap.Error(err))
		return nil, false
	}
	return msgs, ok
}

// fromStore retries the durable query a bounded number of times within the
// retry deadline.
func (l *Loader) fromStore(ctx context.Context, roomID string, before time.Time, n int) ([]chat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, l.opts.RetryDeadline)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = l.opts.RetryDeadline

	attempt := 0
	var msgs []chat.Message
	op := func() error {
		attempt++
		var err error
		msgs, err = l.store.RangeQuery(ctx, roomID, before, n)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, chat.ErrValidation)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("history query failed, retrying",
			zap.String("room", roomID), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(l.opts.RetryAttempts-1)), ctx), notify)
	if err != nil {
		return nil, fmt.Errorf("%w: load history of %s after %d attempts: %v", chat.ErrTransient, roomID, attempt, err)
	}
	return msgs, nil
}

func (l *Loader) repopulate(msgs []chat.Message) {
	if l.cache == nil || len(msgs) == 0 {
		return
	}
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.cache.Append(ctx, msgs...); err != nil {
			l.logger.Warn("history cache repopulate failed", zap.String("room", msgs[0].RoomID), zap.Error(err))
		}
	}()
}

// enrich attaches sender and file summaries. A failed lookup leaves the raw
// id in place.
func (l *Loader) enrich(ctx context.Context, msgs []chat.Message) {
	if l.resolver == nil || len(msgs) == 0 {
		return
	}
	type ref struct{ kind, id string }
	seen := make(map[ref]bool)
	var refs []ref
	add := func(r ref) {
		if r.id != "" && !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}
	for _, msg := range msgs {
		add(ref{KindUser, msg.SenderID})
		add(ref{KindFile, msg.FileID})
	}
	resolved := make([]any, len(refs))
	var g errgroup.Group
	g.SetLimit(l.opts.Concurrency)
	for i, r := range refs {
		g.Go(func() error {
			v, err := l.resolver.Resolve(ctx, r.kind, r.id)
			if err != nil {
				l.logger.Debug("enrichment failed", zap.String("kind", r.kind), zap.String("id", r.id), zap.Error(err))
				return nil
			}
			resolved[i] = v
			return nil
		})
	}
	_ = g.Wait()
	byRef := make(map[ref]any, len(refs))
	for i, r := range refs {
		byRef[r] = resolved[i]
	}
	for i := range msgs {
		if user, ok := byRef[ref{KindUser, msgs[i].SenderID}].(chat.UserSummary); ok {
			msgs[i].Sender = &user
		}
		if file, ok := byRef[ref{KindFile, msgs[i].FileID}].(chat.FileSummary); ok {
			msgs[i].File = &file
		}
	}
}
