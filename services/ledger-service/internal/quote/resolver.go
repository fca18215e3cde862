package quote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/marketdata"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/metrics"
)

const (
	backoffStep = 100 * time.Millisecond
	backoffMax  = time.Second
	manyLimit   = 8
)

// Quote is a resolved quote plus where it came from
type Quote struct {
	marketdata.Quote
	Cached bool `json:"cached"`
	Stale  bool `json:"stale"`
}

// Store is an optional shared tier behind the in-process cache
type Store interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type Config struct {
	TTL             time.Duration
	StaleTTL        time.Duration
	ProviderTimeout time.Duration
	MaxEntries      int
	Attempts        int
	Now             func() time.Time
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 15 * time.Second
	}
	if c.StaleTTL < c.TTL {
		c.StaleTTL = 5 * time.Minute
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 4 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Resolver walks providers in priority order and caches the first success
type Resolver struct {
	cfg       Config
	providers []marketdata.Provider
	cache     *Cache
	store     Store
	group     singleflight.Group
}

func NewResolver(cfg Config, providers []marketdata.Provider, store Store) *Resolver {
	cfg.setDefaults()
	return &Resolver{
		cfg:       cfg,
		providers: providers,
		cache:     NewCache(cfg.MaxEntries, cfg.StaleTTL, cfg.Now),
		store:     store,
	}
}

func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Resolve returns a fresh cached quote, a provider quote, or a stale cached
// quote when every provider failed. ErrProviderUnavailable otherwise.
func (r *Resolver) Resolve(ctx context.Context, symbol string) (*Quote, error) {
	symbol = NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, apperrors.Validation(apperrors.ReasonInvalidSymbol)
	}

	if entry, ok := r.cache.Get(symbol); ok && r.fresh(entry) {
		metrics.RecordQuoteCache("fresh")
		return &Quote{Quote: entry.Quote, Cached: true}, nil
	}

	// The flight outlives any single caller; provider deadlines still bound it.
	flightCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(symbol, func() (any, error) {
		return r.resolve(flightCtx, symbol)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		q := *res.Val.(*Quote)
		return &q, nil
	}
}

func (r *Resolver) fresh(e Entry) bool {
	return r.cfg.Now().Sub(e.FetchedAt) < r.cfg.TTL
}

func (r *Resolver) resolve(ctx context.Context, symbol string) (*Quote, error) {
	log := logger.WithContext(ctx)

	var fallback *Entry
	if entry, ok := r.cache.Get(symbol); ok {
		if r.fresh(entry) {
			metrics.RecordQuoteCache("fresh")
			return &Quote{Quote: entry.Quote, Cached: true}, nil
		}
		fallback = &entry
	}

	if r.store != nil {
		var shared Entry
		found, err := r.store.GetJSON(ctx, symbol, &shared)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("shared quote cache read failed")
		}
		if found {
			if r.fresh(shared) {
				r.cache.Set(symbol, shared)
				metrics.RecordQuoteCache("fresh")
				return &Quote{Quote: shared.Quote, Cached: true}, nil
			}
			if fallback == nil || shared.FetchedAt.After(fallback.FetchedAt) {
				fallback = &shared
			}
		}
	}

	metrics.RecordQuoteCache("miss")

	failures := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		q, err := r.callProvider(ctx, p, symbol)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
			log.Warn().Err(err).Str("provider", p.Name()).Str("symbol", symbol).Msg("quote provider failed")
			continue
		}

		q.Symbol = symbol
		if q.Source == "" {
			q.Source = p.Name()
		}
		entry := Entry{Quote: *q, FetchedAt: r.cfg.Now()}
		r.cache.Set(symbol, entry)
		if r.store != nil {
			if err := r.store.SetJSON(ctx, symbol, entry, r.cfg.StaleTTL); err != nil {
				log.Warn().Err(err).Str("symbol", symbol).Msg("shared quote cache write failed")
			}
		}
		return &Quote{Quote: *q}, nil
	}

	if fallback != nil && r.cfg.Now().Sub(fallback.FetchedAt) < r.cfg.StaleTTL {
		metrics.RecordQuoteCache("stale")
		return &Quote{Quote: fallback.Quote, Cached: true, Stale: true}, nil
	}

	if len(failures) == 0 {
		failures = append(failures, "no providers configured")
	}
	return nil, apperrors.ErrProviderUnavailable.
		WithMessage("Quote unavailable for " + symbol).
		WithDetails(failures)
}

// callProvider runs one provider under its own deadline with bounded
// retries. A provider that ignores ctx still cannot hold the caller past
// the deadline.
func (r *Resolver) callProvider(ctx context.Context, p marketdata.Provider, symbol string) (*marketdata.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		start := time.Now()
		q, err := safeFetch(ctx, p, symbol)
		metrics.RecordQuoteProvider(p.Name(), outcome(err), time.Since(start))
		if err == nil {
			return q, nil
		}
		lastErr = err

		if attempt == r.cfg.Attempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * backoffStep
	if d > backoffMax {
		return backoffMax
	}
	return d
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, marketdata.ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

type fetchResult struct {
	quote *marketdata.Quote
	err   error
}

func safeFetch(ctx context.Context, p marketdata.Provider, symbol string) (*marketdata.Quote, error) {
	ch := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- fetchResult{err: fmt.Errorf("provider panic: %v", rec)}
			}
		}()
		q, err := p.FetchQuote(ctx, symbol)
		ch <- fetchResult{quote: q, err: err}
	}()

	select {
	case res := <-ch:
		if res.err == nil && res.quote == nil {
			return nil, marketdata.ErrNoData
		}
		return res.quote, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResolveMany resolves symbols concurrently. It never fails as a whole;
// per-symbol failures are returned in the second map.
func (r *Resolver) ResolveMany(ctx context.Context, symbols []string) (map[string]*Quote, map[string]error) {
	var mu sync.Mutex
	quotes := make(map[string]*Quote, len(symbols))
	failed := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(manyLimit)

	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		symbol := NormalizeSymbol(s)
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true

		g.Go(func() error {
			q, err := r.Resolve(gctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[symbol] = err
				return nil
			}
			quotes[symbol] = q
			return nil
		})
	}
	_ = g.Wait()

	return quotes, failed
}

// Providers lists configured provider names in resolution order
func (r *Resolver) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}
