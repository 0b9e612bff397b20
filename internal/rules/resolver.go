// Package rules fetches and caches per-symbol exchange trading
// constraints.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vqtran/bracketbot/internal/exchange"
	"github.com/vqtran/bracketbot/internal/types"
)

// DefaultTTL is how long a fetched rule set stays valid. Exchange rules
// change infrequently but not never.
const DefaultTTL = time.Hour

// Resolver resolves symbol trading rules with a bounded-TTL cache.
// Concurrent callers for the same uncached symbol coalesce into a
// single outbound fetch; the second caller waits for the first's
// in-flight result instead of duplicating work.
type Resolver struct {
	client exchange.Client
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	cache    map[string]cacheEntry
	inflight map[string]*fetchCall
}

type cacheEntry struct {
	rules     types.SymbolRules
	fetchedAt time.Time
}

type fetchCall struct {
	done  chan struct{}
	rules types.SymbolRules
	err   error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL overrides the cache time-to-live.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver backed by the given exchange client.
func NewResolver(client exchange.Client, logger *slog.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		client:   client,
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		inflight: make(map[string]*fetchCall),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the trading rules for a symbol, fetching from the
// exchange on cache miss or expiry. Failed fetches are not cached.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (types.SymbolRules, error) {
	r.mu.Lock()

	if entry, ok := r.cache[symbol]; ok && r.now().Sub(entry.fetchedAt) < r.ttl {
		r.mu.Unlock()
		return entry.rules, nil
	}

	if call, ok := r.inflight[symbol]; ok {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.rules, call.err
		case <-ctx.Done():
			return types.SymbolRules{}, ctx.Err()
		}
	}

	call := &fetchCall{done: make(chan struct{})}
	r.inflight[symbol] = call
	r.mu.Unlock()

	call.rules, call.err = r.fetch(ctx, symbol)

	r.mu.Lock()
	delete(r.inflight, symbol)
	if call.err == nil {
		r.cache[symbol] = cacheEntry{rules: call.rules, fetchedAt: r.now()}
	}
	r.mu.Unlock()
	close(call.done)

	return call.rules, call.err
}

func (r *Resolver) fetch(ctx context.Context, symbol string) (types.SymbolRules, error) {
	rules, err := r.client.GetSymbolRules(ctx, symbol)
	if err != nil {
		return types.SymbolRules{}, fmt.Errorf("resolve rules for %s: %w", symbol, err)
	}

	r.logger.Debug("symbol rules fetched",
		"symbol", symbol,
		"price_step", rules.PriceStep,
		"quantity_step", rules.QuantityStep,
		"min_notional", rules.MinNotional,
		"max_leverage", rules.MaxLeverage,
	)
	return rules, nil
}

// Invalidate drops the cached rules for a symbol, forcing a refetch on
// the next Resolve.
func (r *Resolver) Invalidate(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, symbol)
}
