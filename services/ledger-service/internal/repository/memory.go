package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

// MemoryStore is a Store kept in process memory. It serializes each user's
// ledger work on a per-user mutex and stages writes until fn returns nil,
// matching the Postgres store's all-or-nothing behaviour.
type MemoryStore struct {
	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	mu         sync.RWMutex
	wallets    map[string]types.WalletAccount
	walletTxs  map[string][]types.WalletTransaction
	positions  map[string]map[string]types.Position
	trades     map[string][]types.Trade
	securities map[string]types.Security
	actions    map[string]types.CorporateAction
	payouts    map[string]types.DividendPayout
	snapshots  map[string][]types.PortfolioSnapshot

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		userLocks:  make(map[string]*sync.Mutex),
		wallets:    make(map[string]types.WalletAccount),
		walletTxs:  make(map[string][]types.WalletTransaction),
		positions:  make(map[string]map[string]types.Position),
		trades:     make(map[string][]types.Trade),
		securities: make(map[string]types.Security),
		actions:    make(map[string]types.CorporateAction),
		payouts:    make(map[string]types.DividendPayout),
		snapshots:  make(map[string][]types.PortfolioSnapshot),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *MemoryStore) WithUserTx(ctx context.Context, userID string, fn func(tx LedgerTx) error) error {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	wallet, ok := s.wallets[userID]
	if !ok {
		now := s.now()
		wallet = types.WalletAccount{UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		s.wallets[userID] = wallet
	}
	s.mu.Unlock()

	tx := &memTx{
		store:      s,
		userID:     userID,
		wallet:     wallet,
		positions:  make(map[string]types.Position),
		securities: make(map[string]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	store  *MemoryStore
	userID string

	wallet     types.WalletAccount
	walletTxs  []types.WalletTransaction
	positions  map[string]types.Position
	trades     []types.Trade
	securities map[string]bool
}

func (t *memTx) UserID() string { return t.userID }

func (t *memTx) GetWallet(ctx context.Context) (*types.WalletAccount, error) {
	w := t.wallet
	return &w, nil
}

func (t *memTx) SetWalletBalance(ctx context.Context, balance decimal.Decimal) error {
	t.wallet.Balance = balance
	t.wallet.UpdatedAt = t.store.now()
	return nil
}

func (t *memTx) FindWalletTransaction(ctx context.Context, key string) (*types.WalletTransaction, error) {
	if key == "" {
		return nil, nil
	}
	for i := range t.walletTxs {
		if t.walletTxs[i].IdempotencyKey == key {
			wt := t.walletTxs[i]
			return &wt, nil
		}
	}
	return t.store.FindWalletTransaction(ctx, t.userID, key)
}

func (t *memTx) InsertWalletTransaction(ctx context.Context, wt *types.WalletTransaction) error {
	if wt.IdempotencyKey != "" {
		existing, _ := t.FindWalletTransaction(ctx, wt.IdempotencyKey)
		if existing != nil {
			return ErrDuplicateKey
		}
	}
	if wt.ID == "" {
		wt.ID = uuid.New().String()
	}
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = t.store.now()
	}
	wt.UserID = t.userID
	t.walletTxs = append(t.walletTxs, cloneWalletTx(*wt))
	return nil
}

func (t *memTx) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	if p, ok := t.positions[symbol]; ok {
		return &p, nil
	}
	return t.store.GetPosition(ctx, t.userID, symbol)
}

func (t *memTx) SavePosition(ctx context.Context, p *types.Position) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := t.store.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.UserID = t.userID
	t.positions[p.Symbol] = *p
	return nil
}

func (t *memTx) FindTrade(ctx context.Context, key string) (*types.Trade, error) {
	if key == "" {
		return nil, nil
	}
	for i := range t.trades {
		if t.trades[i].IdempotencyKey == key {
			tr := t.trades[i]
			return &tr, nil
		}
	}
	return t.store.FindTrade(ctx, t.userID, key)
}

func (t *memTx) InsertTrade(ctx context.Context, tr *types.Trade) error {
	if tr.IdempotencyKey != "" {
		existing, _ := t.FindTrade(ctx, tr.IdempotencyKey)
		if existing != nil {
			return ErrDuplicateKey
		}
	}
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.ExecutedAt.IsZero() {
		tr.ExecutedAt = t.store.now()
	}
	tr.UserID = t.userID
	t.trades = append(t.trades, *tr)
	return nil
}

func (t *memTx) EnsureSecurity(ctx context.Context, symbol string) error {
	t.securities[symbol] = true
	return nil
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wallets[t.userID] = t.wallet
	s.walletTxs[t.userID] = append(s.walletTxs[t.userID], t.walletTxs...)
	s.trades[t.userID] = append(s.trades[t.userID], t.trades...)

	if len(t.positions) > 0 {
		if s.positions[t.userID] == nil {
			s.positions[t.userID] = make(map[string]types.Position)
		}
		for symbol, p := range t.positions {
			s.positions[t.userID][symbol] = p
		}
	}

	now := s.now()
	for symbol := range t.securities {
		if _, ok := s.securities[symbol]; !ok {
			s.securities[symbol] = newSecurity(symbol, now)
		}
	}
}

func newSecurity(symbol string, now time.Time) types.Security {
	return types.Security{
		ID:                  uuid.New().String(),
		Symbol:              symbol,
		Name:                symbol,
		Exchange:            types.DefaultExchange,
		Currency:            types.DefaultCurrency,
		DividendFrequency:   types.DefaultFrequency,
		TTMDividendPerShare: decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func cloneWalletTx(wt types.WalletTransaction) types.WalletTransaction {
	if wt.Metadata != nil {
		m := make(map[string]string, len(wt.Metadata))
		for k, v := range wt.Metadata {
			m[k] = v
		}
		wt.Metadata = m
	}
	return wt
}

// =============================================================================
// Ledger reads
// =============================================================================

func (s *MemoryStore) GetWallet(ctx context.Context, userID string) (*types.WalletAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.wallets[userID]; ok {
		return &w, nil
	}
	return &types.WalletAccount{UserID: userID, Balance: decimal.Zero}, nil
}

func (s *MemoryStore) FindWalletTransaction(ctx context.Context, userID, key string) (*types.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wt := range s.walletTxs[userID] {
		if wt.IdempotencyKey != "" && wt.IdempotencyKey == key {
			c := cloneWalletTx(wt)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListWalletTransactions(ctx context.Context, userID string, limit, offset int) ([]types.WalletTransaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.walletTxs[userID]
	total := int64(len(all))
	if limit <= 0 {
		limit = 20
	}

	out := make([]types.WalletTransaction, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, cloneWalletTx(all[i]))
	}
	return out, total, nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, userID, symbol string) (*types.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.positions[userID][symbol]; ok {
		return &p, nil
	}
	return emptyPosition(userID, symbol), nil
}

func (s *MemoryStore) ListPositions(ctx context.Context, userID string, openOnly bool) ([]types.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Position
	for _, p := range s.positions[userID] {
		if openOnly && !p.IsOpen() {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) FindTrade(ctx context.Context, userID, key string) (*types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.trades[userID] {
		if t.IdempotencyKey != "" && t.IdempotencyKey == key {
			tr := t
			return &tr, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListTrades(ctx context.Context, userID string, limit int) ([]types.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	all := s.trades[userID]
	out := make([]types.Trade, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// =============================================================================
// Dividends
// =============================================================================

func (s *MemoryStore) UpsertSecurity(ctx context.Context, sec *types.Security) (*types.Security, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.securities[sec.Symbol]
	if !ok {
		out := *sec
		if out.ID == "" {
			out.ID = uuid.New().String()
		}
		out.CreatedAt, out.UpdatedAt = now, now
		s.securities[sec.Symbol] = out
		return &out, nil
	}

	if sec.Name != "" {
		existing.Name = sec.Name
	}
	existing.Currency = sec.Currency
	existing.DividendFrequency = sec.DividendFrequency
	if sec.NextExDate != nil {
		d := *sec.NextExDate
		existing.NextExDate = &d
	}
	existing.TTMDividendPerShare = sec.TTMDividendPerShare
	existing.UpdatedAt = now
	s.securities[sec.Symbol] = existing
	return &existing, nil
}

func (s *MemoryStore) InsertCorporateAction(ctx context.Context, a *types.CorporateAction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.actions {
		if existing.SecurityID == a.SecurityID && existing.ExDate.Equal(a.ExDate) {
			return false, nil
		}
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = types.ActionPending
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	s.actions[a.ID] = *a
	return true, nil
}

func (s *MemoryStore) ListSnapshotCandidates(ctx context.Context, asOf time.Time) ([]types.CorporateAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.CorporateAction
	for _, a := range s.actions {
		if a.Status == types.ActionPending && !a.RecordDate.After(asOf) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordDate.Equal(out[j].RecordDate) {
			return out[i].RecordDate.Before(out[j].RecordDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SnapshotAction(ctx context.Context, actionID string, build BuildPayouts) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[actionID]
	if !ok {
		return 0, ErrNotFound
	}
	if a.Status != types.ActionPending {
		return 0, ErrStatusChanged
	}

	var holders []types.Position
	for _, byUser := range s.positions {
		if p, ok := byUser[a.Symbol]; ok && p.IsOpen() {
			holders = append(holders, p)
		}
	}
	sort.Slice(holders, func(i, j int) bool { return holders[i].UserID < holders[j].UserID })

	now := s.now()
	created := 0
	for _, p := range build(holders) {
		if s.hasPayout(actionID, p.UserID) {
			continue
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.CorporateActionID = actionID
		p.Symbol = a.Symbol
		p.Status = types.PayoutPending
		p.CreatedAt, p.UpdatedAt = now, now
		s.payouts[p.ID] = p
		created++
	}

	a.Status = types.ActionSnapshotted
	a.UpdatedAt = now
	s.actions[actionID] = a
	return created, nil
}

func (s *MemoryStore) hasPayout(actionID, userID string) bool {
	for _, p := range s.payouts {
		if p.CorporateActionID == actionID && p.UserID == userID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListSettlementCandidates(ctx context.Context, asOf time.Time, includeFailed bool) ([]types.SettlementItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.SettlementItem
	for _, p := range s.payouts {
		if p.Status != types.PayoutPending && !(includeFailed && p.Status == types.PayoutFailed) {
			continue
		}
		a := s.actions[p.CorporateActionID]
		if a.Status != types.ActionSnapshotted || a.PayDate.After(asOf) {
			continue
		}
		out = append(out, types.SettlementItem{Payout: p, Action: a})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Action.PayDate.Equal(out[j].Action.PayDate) {
			return out[i].Action.PayDate.Before(out[j].Action.PayDate)
		}
		return out[i].Payout.ID < out[j].Payout.ID
	})
	return out, nil
}

func (s *MemoryStore) MarkPayoutPaid(ctx context.Context, paid *types.DividendPayout) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[paid.ID]
	if !ok || p.Status == types.PayoutPaid {
		return false, nil
	}

	paidAt := s.now()
	if paid.PaidAt != nil {
		paidAt = *paid.PaidAt
	}
	p.Status = types.PayoutPaid
	p.GrossAmount = paid.GrossAmount
	p.TaxWithheld = paid.TaxWithheld
	p.NetAmount = paid.NetAmount
	p.WalletTransactionID = paid.WalletTransactionID
	p.FailureReason = ""
	p.PaidAt = &paidAt
	p.UpdatedAt = s.now()
	s.payouts[p.ID] = p
	return true, nil
}

func (s *MemoryStore) MarkPayoutFailed(ctx context.Context, payoutID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payouts[payoutID]
	if !ok || p.Status == types.PayoutPaid {
		return false, nil
	}
	p.Status = types.PayoutFailed
	p.FailureReason = reason
	p.UpdatedAt = s.now()
	s.payouts[payoutID] = p
	return true, nil
}

func (s *MemoryStore) CompletePaidActions(ctx context.Context, asOf time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outstanding := make(map[string]bool)
	for _, p := range s.payouts {
		if p.Status != types.PayoutPaid {
			outstanding[p.CorporateActionID] = true
		}
	}

	completed := 0
	now := s.now()
	for id, a := range s.actions {
		if a.Status != types.ActionSnapshotted || a.PayDate.After(asOf) || outstanding[id] {
			continue
		}
		a.Status = types.ActionPaid
		a.UpdatedAt = now
		s.actions[id] = a
		completed++
	}
	return completed, nil
}

func (s *MemoryStore) ListUpcomingForUser(ctx context.Context, userID string, from time.Time) ([]types.UpcomingDividend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.UpcomingDividend
	for _, a := range s.actions {
		if a.Status != types.ActionPending || a.ExDate.Before(from) {
			continue
		}
		p, ok := s.positions[userID][a.Symbol]
		if !ok || !p.IsOpen() {
			continue
		}
		out = append(out, types.UpcomingDividend{
			CorporateActionID: a.ID,
			Symbol:            a.Symbol,
			ExDate:            a.ExDate,
			RecordDate:        a.RecordDate,
			PayDate:           a.PayDate,
			AmountPerShare:    a.AmountPerShare,
			Currency:          a.Currency,
			Shares:            p.TotalShares,
			EstimatedGross:    p.TotalShares.Mul(a.AmountPerShare).Round(2),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExDate.Equal(out[j].ExDate) {
			return out[i].ExDate.Before(out[j].ExDate)
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

func (s *MemoryStore) ListPayoutHistory(ctx context.Context, userID string, limit int) ([]types.PayoutHistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []types.PayoutHistoryItem
	for _, p := range s.payouts {
		if p.UserID != userID {
			continue
		}
		a := s.actions[p.CorporateActionID]
		out = append(out, types.PayoutHistoryItem{
			DividendPayout: p,
			ExDate:         a.ExDate,
			PayDate:        a.PayDate,
			AmountPerShare: a.AmountPerShare,
			Currency:       a.Currency,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PayDate.Equal(out[j].PayDate) {
			return out[i].PayDate.After(out[j].PayDate)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// Snapshots
// =============================================================================

func (s *MemoryStore) LatestSnapshot(ctx context.Context, userID string) (*types.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[userID]
	if len(snaps) == 0 {
		return nil, nil
	}
	snap := snaps[len(snaps)-1]
	return &snap, nil
}

func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap *types.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.TakenAt.IsZero() {
		snap.TakenAt = s.now()
	}

	snaps := append(s.snapshots[snap.UserID], *snap)
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].TakenAt.Before(snaps[j].TakenAt) })
	s.snapshots[snap.UserID] = snaps
	return nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, userID string, from, to time.Time) ([]types.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.PortfolioSnapshot
	for _, snap := range s.snapshots[userID] {
		if snap.TakenAt.Before(from) || snap.TakenAt.After(to) {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
