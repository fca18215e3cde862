package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateKey  = errors.New("idempotency key already used")
	ErrStatusChanged = errors.New("record status changed concurrently")
)

// LedgerTx is the per-user unit of work. Everything written through it
// commits together or not at all.
type LedgerTx interface {
	UserID() string
	GetWallet(ctx context.Context) (*types.WalletAccount, error)
	SetWalletBalance(ctx context.Context, balance decimal.Decimal) error
	FindWalletTransaction(ctx context.Context, idempotencyKey string) (*types.WalletTransaction, error)
	InsertWalletTransaction(ctx context.Context, t *types.WalletTransaction) error
	GetPosition(ctx context.Context, symbol string) (*types.Position, error)
	SavePosition(ctx context.Context, p *types.Position) error
	FindTrade(ctx context.Context, idempotencyKey string) (*types.Trade, error)
	InsertTrade(ctx context.Context, t *types.Trade) error
	EnsureSecurity(ctx context.Context, symbol string) error
}

// LedgerStore owns wallets, positions and trades
type LedgerStore interface {
	// WithUserTx runs fn while holding the user's ledger lock. The wallet
	// row exists (zero balance) before fn is called.
	WithUserTx(ctx context.Context, userID string, fn func(tx LedgerTx) error) error

	GetWallet(ctx context.Context, userID string) (*types.WalletAccount, error)
	FindWalletTransaction(ctx context.Context, userID, idempotencyKey string) (*types.WalletTransaction, error)
	ListWalletTransactions(ctx context.Context, userID string, limit, offset int) ([]types.WalletTransaction, int64, error)
	GetPosition(ctx context.Context, userID, symbol string) (*types.Position, error)
	ListPositions(ctx context.Context, userID string, openOnly bool) ([]types.Position, error)
	FindTrade(ctx context.Context, userID, idempotencyKey string) (*types.Trade, error)
	ListTrades(ctx context.Context, userID string, limit int) ([]types.Trade, error)
}

// BuildPayouts turns the holders of a symbol into payout rows
type BuildPayouts func(holders []types.Position) []types.DividendPayout

// DividendStore owns securities, corporate actions and payouts. Status
// updates are conditional on the current status so they never regress.
type DividendStore interface {
	UpsertSecurity(ctx context.Context, s *types.Security) (*types.Security, error)
	InsertCorporateAction(ctx context.Context, a *types.CorporateAction) (bool, error)

	ListSnapshotCandidates(ctx context.Context, asOf time.Time) ([]types.CorporateAction, error)
	// SnapshotAction locks the action, checks it is still PENDING, inserts
	// the payouts built from current holders and advances it to
	// SNAPSHOTTED. ErrStatusChanged when another run got there first.
	SnapshotAction(ctx context.Context, actionID string, build BuildPayouts) (int, error)

	ListSettlementCandidates(ctx context.Context, asOf time.Time, includeFailed bool) ([]types.SettlementItem, error)
	// MarkPayoutPaid records the settled amounts, wallet transaction and
	// paid time. PAID is terminal, so an already paid row reports false.
	MarkPayoutPaid(ctx context.Context, p *types.DividendPayout) (bool, error)
	MarkPayoutFailed(ctx context.Context, payoutID, reason string) (bool, error)
	CompletePaidActions(ctx context.Context, asOf time.Time) (int, error)

	ListUpcomingForUser(ctx context.Context, userID string, from time.Time) ([]types.UpcomingDividend, error)
	ListPayoutHistory(ctx context.Context, userID string, limit int) ([]types.PayoutHistoryItem, error)
}

// SnapshotStore owns portfolio snapshots
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context, userID string) (*types.PortfolioSnapshot, error)
	InsertSnapshot(ctx context.Context, s *types.PortfolioSnapshot) error
	ListSnapshots(ctx context.Context, userID string, from, to time.Time) ([]types.PortfolioSnapshot, error)
}

type Store interface {
	LedgerStore
	DividendStore
	SnapshotStore
	Ping(ctx context.Context) error
	Close()
}
