package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"roomcast/internal/chat"
)

// Resolve kinds understood by CachedResolver.
const (
	KindUser = "user"
	KindFile = "file"
)

// Resolver turns a referenced id into its display summary. Implementations
// return chat.UserSummary for KindUser and chat.FileSummary for KindFile.
type Resolver interface {
	Resolve(ctx context.Context, kind, id string) (any, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, kind, id string) (any, error)

func (f ResolverFunc) Resolve(ctx context.Context, kind, id string) (any, error) {
	return f(ctx, kind, id)
}

// SummaryStore is the durable source of summaries.
type SummaryStore interface {
	GetUserSummary(ctx context.Context, id string) (chat.UserSummary, error)
	GetFileSummary(ctx context.Context, id string) (chat.FileSummary, error)
}

// SummaryCache is the side cache consulted before the store.
type SummaryCache interface {
	GetUser(ctx context.Context, id string) (chat.UserSummary, bool, error)
	SetUser(ctx context.Context, user chat.UserSummary) error
	GetFile(ctx context.Context, id string) (chat.FileSummary, bool, error)
	SetFile(ctx context.Context, file chat.FileSummary) error
}

// CachedResolver resolves from the side cache, then the store, collapsing
// concurrent lookups of the same id.
type CachedResolver struct {
	store  SummaryStore
	cache  SummaryCache
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedResolver builds a CachedResolver. cache may be nil.
func NewCachedResolver(store SummaryStore, cache SummaryCache, logger *zap.Logger) *CachedResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedResolver{store: store, cache: cache, logger: logger.Named("resolver")}
}

func (r *CachedResolver) Resolve(ctx context.Context, kind, id string) (any, error) {
	switch kind {
	case KindUser:
		if r.cache != nil {
			if user, ok, err := r.cache.GetUser(ctx, id); err == nil && ok {
				return user, nil
			}
		}
		v, err, _ := r.group.Do(kind+":"+id, func() (any, error) {
			user, err := r.store.GetUserSummary(ctx, id)
			if err != nil {
				return nil, err
			}
			if r.cache != nil {
				if err := r.cache.SetUser(ctx, user); err != nil {
					r.logger.Debug("cache user summary", zap.String("user", id), zap.Error(err))
				}
			}
			return user, nil
		})
		return v, err
	case KindFile:
		if r.cache != nil {
			if file, ok, err := r.cache.GetFile(ctx, id); err == nil && ok {
				return file, nil
			}
		}
		v, err, _ := r.group.Do(kind+":"+id, func() (any, error) {
			file, err := r.store.GetFileSummary(ctx, id)
			if err != nil {
				return nil, err
			}
			if r.cache != nil {
				if err := r.cache.SetFile(ctx, file); err != nil {
					r.logger.Debug("cache file summary", zap.String("file", id), zap.Error(err))
				}
			}
			return file, nil
		})
		return v, err
	default:
		return nil, fmt.Errorf("%w: unknown resolve kind %q", chat.ErrValidation, kind)
	}
}
