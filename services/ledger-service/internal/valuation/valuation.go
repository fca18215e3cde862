package valuation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/metrics"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/quote"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

// =============================================================================
// Mark-to-Market
// =============================================================================
// TPV = sum(shares * price) over priced holdings (+ wallet balance when
// IncludeWallet). Holdings without a quote count as zero and mark the
// valuation degraded.
//
// A snapshot is written when there is no previous one, TPV moved by more
// than Epsilon, or MinInterval has passed. A valuation with cost basis but
// zero TPV means every quote failed and is never written.
// =============================================================================

const (
	ResultWritten   = "written"
	ResultThrottled = "throttled"
	ResultSkipped   = "skipped"

	eventSource    = "ledger-service"
	cashPlaces     = 2
	percentPlaces  = 2
	defaultTimeout = 15 * time.Second
)

var hundred = decimal.NewFromInt(100)

// Store is the slice of the repository valuation reads and writes
type Store interface {
	ListPositions(ctx context.Context, userID string, openOnly bool) ([]types.Position, error)
	GetWallet(ctx context.Context, userID string) (*types.WalletAccount, error)
	LatestSnapshot(ctx context.Context, userID string) (*types.PortfolioSnapshot, error)
	InsertSnapshot(ctx context.Context, s *types.PortfolioSnapshot) error
	ListSnapshots(ctx context.Context, userID string, from, to time.Time) ([]types.PortfolioSnapshot, error)
}

// Quoter prices many symbols at once; failed symbols come back in the
// error map
type Quoter interface {
	ResolveMany(ctx context.Context, symbols []string) (map[string]*quote.Quote, map[string]error)
}

type Config struct {
	IncludeWallet  bool
	Epsilon        decimal.Decimal
	MinInterval    time.Duration
	ActiveWindow   time.Duration
	RefreshTimeout time.Duration
	Now            func() time.Time
}

// Valuation is a point-in-time portfolio mark
type Valuation struct {
	UserID         string               `json:"user_id"`
	TPV            decimal.Decimal      `json:"total_portfolio_value"`
	MarketValue    decimal.Decimal      `json:"market_value"`
	CostBasis      decimal.Decimal      `json:"cost_basis"`
	TotalReturn    decimal.Decimal      `json:"total_return"`
	TotalReturnPct decimal.Decimal      `json:"total_return_pct"`
	WalletBalance  decimal.Decimal      `json:"wallet_balance"`
	Holdings       []types.HoldingValue `json:"holdings"`
	MissingQuotes  []string             `json:"missing_quotes,omitempty"`
	Degraded       bool                 `json:"degraded"`
	LastUpdated    time.Time            `json:"last_updated"`
}

type Engine struct {
	store     Store
	quotes    Quoter
	publisher events.Publisher
	cfg       Config
	active    *ActiveUsers

	group    singleflight.Group
	inflight sync.WaitGroup
}

func NewEngine(store Store, quotes Quoter, publisher events.Publisher, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultTimeout
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Minute
	}
	if cfg.ActiveWindow <= 0 {
		cfg.ActiveWindow = 15 * time.Minute
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	return &Engine{
		store:     store,
		quotes:    quotes,
		publisher: publisher,
		cfg:       cfg,
		active:    NewActiveUsers(cfg.ActiveWindow, cfg.Now),
	}
}

func (e *Engine) Active() *ActiveUsers { return e.active }

// Compute marks the user's open positions to market
func (e *Engine) Compute(ctx context.Context, userID string) (*Valuation, error) {
	positions, err := e.store.ListPositions(ctx, userID, true)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	wallet, err := e.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}

	symbols := make([]string, 0, len(positions))
	for _, p := range positions {
		symbols = append(symbols, p.Symbol)
	}
	quotes := map[string]*quote.Quote{}
	if len(symbols) > 0 {
		quotes, _ = e.quotes.ResolveMany(ctx, symbols)
	}

	v := &Valuation{
		UserID:        userID,
		WalletBalance: wallet.Balance,
		Holdings:      make([]types.HoldingValue, 0, len(positions)),
		LastUpdated:   e.cfg.Now().UTC(),
	}
	pricedCost := decimal.Zero
	for _, p := range positions {
		h := types.HoldingValue{
			Symbol:      p.Symbol,
			Shares:      p.TotalShares,
			AverageCost: p.AverageCost,
			CostBasis:   p.TotalCost.Round(cashPlaces),
		}
		v.CostBasis = v.CostBasis.Add(p.TotalCost)

		q, ok := quotes[p.Symbol]
		if !ok || q == nil || !q.Price.IsPositive() {
			v.MissingQuotes = append(v.MissingQuotes, p.Symbol)
			v.Holdings = append(v.Holdings, h)
			continue
		}

		price := q.Price
		h.CurrentPrice = &price
		h.PriceAvailable = true
		h.Stale = q.Stale
		h.Source = q.Source
		mv := p.TotalShares.Mul(price)
		h.MarketValue = mv.Round(cashPlaces)
		h.UnrealizedPnL = mv.Sub(p.TotalCost).Round(cashPlaces)
		h.UnrealizedPnLPct = percent(mv.Sub(p.TotalCost), p.TotalCost)
		v.Holdings = append(v.Holdings, h)

		v.MarketValue = v.MarketValue.Add(mv)
		pricedCost = pricedCost.Add(p.TotalCost)
	}

	v.Degraded = len(v.MissingQuotes) > 0
	v.TotalReturn = v.MarketValue.Sub(pricedCost).Round(cashPlaces)
	v.TotalReturnPct = percent(v.MarketValue.Sub(pricedCost), pricedCost)
	v.MarketValue = v.MarketValue.Round(cashPlaces)
	v.CostBasis = v.CostBasis.Round(cashPlaces)
	v.TPV = v.MarketValue
	if e.cfg.IncludeWallet {
		v.TPV = v.TPV.Add(v.WalletBalance)
	}

	if v.Degraded {
		logger.WithContext(ctx).Warn().
			Str("user_id", userID).
			Strs("missing_quotes", v.MissingQuotes).
			Msg("Valuation degraded")
	}
	return v, nil
}

func percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(percentPlaces)
}

func (v *Valuation) snapshot(at time.Time) *types.PortfolioSnapshot {
	return &types.PortfolioSnapshot{
		UserID:              v.UserID,
		TakenAt:             at,
		TotalPortfolioValue: v.TPV,
		MarketValue:         v.MarketValue,
		CostBasis:           v.CostBasis,
		TotalReturn:         v.TotalReturn,
		TotalReturnPct:      v.TotalReturnPct,
		WalletBalance:       v.WalletBalance,
		HoldingsCount:       len(v.Holdings),
		Details:             v.Holdings,
	}
}

// Record persists v as a snapshot unless the throttle holds it back
func (e *Engine) Record(ctx context.Context, v *Valuation) (string, error) {
	if v.TPV.IsZero() && v.CostBasis.IsPositive() {
		metrics.RecordSnapshot(ResultSkipped)
		return ResultSkipped, nil
	}

	last, err := e.store.LatestSnapshot(ctx, v.UserID)
	if err != nil {
		return "", apperrors.Persistence(err)
	}
	now := e.cfg.Now().UTC()
	if last != nil &&
		!v.TPV.Sub(last.TotalPortfolioValue).Abs().GreaterThan(e.cfg.Epsilon) &&
		now.Sub(last.TakenAt) < e.cfg.MinInterval {
		metrics.RecordSnapshot(ResultThrottled)
		return ResultThrottled, nil
	}

	snap := v.snapshot(now)
	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		return "", apperrors.Persistence(err)
	}
	metrics.RecordSnapshot(ResultWritten)

	event := events.NewEvent(events.EventTypePortfolioSnapshot, eventSource, events.PortfolioSnapshotPayload{
		UserID:              v.UserID,
		TotalPortfolioValue: v.TPV,
		CostBasis:           v.CostBasis,
		TotalReturn:         v.TotalReturn,
		Degraded:            v.Degraded,
		TakenAt:             now,
	})
	if err := e.publisher.Publish(ctx, events.TopicPortfolioSnapshot, v.UserID, event); err != nil {
		logger.WithContext(ctx).Warn().Err(err).Msg("Failed to publish portfolio snapshot event")
	}
	return ResultWritten, nil
}

// Refresh computes and records a fresh valuation. Concurrent refreshes for
// the same user share one run.
func (e *Engine) Refresh(ctx context.Context, userID string) (*Valuation, string, error) {
	type outcome struct {
		v      *Valuation
		result string
	}
	ch := e.group.DoChan(userID, func() (any, error) {
		// Detached from the first caller so a cancelled request does not
		// fail the others sharing this run.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RefreshTimeout)
		defer cancel()

		v, err := e.Compute(runCtx, userID)
		if err != nil {
			return nil, err
		}
		result, err := e.Record(runCtx, v)
		if err != nil {
			return nil, err
		}
		return outcome{v: v, result: result}, nil
	})

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, "", res.Err
		}
		o := res.Val.(outcome)
		return o.v, o.result, nil
	}
}

// Notify marks the user active and refreshes in the background
func (e *Engine) Notify(userID string) {
	e.active.Touch(userID)
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RefreshTimeout)
		defer cancel()
		if _, _, err := e.Refresh(ctx, userID); err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Msg("Background valuation refresh failed")
		}
	}()
}

// Wait blocks until background refreshes started by Notify finish
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Tick refreshes every recently active user and returns how many
// snapshots were written
func (e *Engine) Tick(ctx context.Context) (int, error) {
	written := 0
	for _, userID := range e.active.List() {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		_, result, err := e.Refresh(ctx, userID)
		if err != nil {
			logger.WithContext(ctx).Warn().Err(err).Str("user_id", userID).Msg("Valuation tick failed")
			continue
		}
		if result == ResultWritten {
			written++
		}
	}
	return written, nil
}

func (e *Engine) Latest(ctx context.Context, userID string) (*types.PortfolioSnapshot, error) {
	snap, err := e.store.LatestSnapshot(ctx, userID)
	if err != nil {
		return nil, apperrors.Persistence(err)
	}
	if snap == nil {
		return nil, apperrors.ErrNotFound.WithDetails("no portfolio snapshots yet")
	}
	return snap, nil
}

// ActiveUsers remembers who touched the ledger within a window
type ActiveUsers struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

func NewActiveUsers(window time.Duration, now func() time.Time) *ActiveUsers {
	if now == nil {
		now = time.Now
	}
	return &ActiveUsers{seen: make(map[string]time.Time), window: window, now: now}
}

func (a *ActiveUsers) Touch(userID string) {
	if userID == "" {
		return
	}
	a.mu.Lock()
	a.seen[userID] = a.now()
	a.mu.Unlock()
}

// List returns users seen within the window, sorted, and forgets the rest
func (a *ActiveUsers) List() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.window)
	out := make([]string, 0, len(a.seen))
	for id, at := range a.seen {
		if at.Before(cutoff) {
			delete(a.seen, id)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
