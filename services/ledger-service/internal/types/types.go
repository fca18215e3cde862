package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type WalletAction string

const (
	ActionDeposit   WalletAction = "deposit"
	ActionWithdraw  WalletAction = "withdraw"
	ActionTradeBuy  WalletAction = "trade_buy"
	ActionTradeSell WalletAction = "trade_sell"
	ActionDividend  WalletAction = "dividend"
)

type ActionStatus string

const (
	ActionPending     ActionStatus = "PENDING"
	ActionSnapshotted ActionStatus = "SNAPSHOTTED"
	ActionPaid        ActionStatus = "PAID"
)

type PayoutStatus string

const (
	PayoutPending PayoutStatus = "PENDING"
	PayoutPaid    PayoutStatus = "PAID"
	PayoutFailed  PayoutStatus = "FAILED"
)

const (
	CorporateActionCashDividend = "CASH_DIVIDEND"
	DefaultExchange             = "NYSE"
	DefaultCurrency             = "USD"
	DefaultFrequency            = "QUARTERLY"
	DefaultMethod               = "Manual"
)

// FrequencyMultiplier converts one payment into a trailing-twelve-month figure
func FrequencyMultiplier(freq string) int64 {
	switch freq {
	case "MONTHLY":
		return 12
	case "QUARTERLY":
		return 4
	case "SEMI_ANNUAL":
		return 2
	default:
		return 1
	}
}

type Security struct {
	ID                  string          `json:"id"`
	Symbol              string          `json:"symbol"`
	Name                string          `json:"name"`
	Exchange            string          `json:"exchange"`
	Currency            string          `json:"currency"`
	DividendFrequency   string          `json:"dividend_frequency"`
	NextExDate          *time.Time      `json:"next_ex_date,omitempty"`
	TTMDividendPerShare decimal.Decimal `json:"ttm_dividend_per_share"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type WalletAccount struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type WalletTransaction struct {
	ID               string            `json:"id"`
	UserID           string            `json:"user_id"`
	Action           WalletAction      `json:"action"`
	Amount           decimal.Decimal   `json:"amount"`
	ResultingBalance decimal.Decimal   `json:"resulting_balance"`
	Method           string            `json:"method,omitempty"`
	Reference        string            `json:"reference,omitempty"`
	IdempotencyKey   string            `json:"idempotency_key,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Position is keyed by (UserID, Symbol). A fully sold position keeps its
// row so RealizedPnL survives.
type Position struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Symbol      string          `json:"symbol"`
	TotalShares decimal.Decimal `json:"total_shares"`
	AverageCost decimal.Decimal `json:"average_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (p *Position) IsOpen() bool {
	return p.TotalShares.IsPositive()
}

type Trade struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Shares         decimal.Decimal `json:"shares"`
	Price          decimal.Decimal `json:"price"`
	Total          decimal.Decimal `json:"total"`
	RealizedPnL    decimal.Decimal `json:"realized_pnl"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ExecutedAt     time.Time       `json:"executed_at"`
}

// CorporateAction dates are calendar dates stored at UTC midnight
type CorporateAction struct {
	ID             string          `json:"id"`
	SecurityID     string          `json:"security_id"`
	Symbol         string          `json:"symbol"`
	Type           string          `json:"type"`
	ExDate         time.Time       `json:"ex_date"`
	RecordDate     time.Time       `json:"record_date"`
	PayDate        time.Time       `json:"pay_date"`
	AmountPerShare decimal.Decimal `json:"amount_per_share"`
	Currency       string          `json:"currency"`
	Status         ActionStatus    `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type DividendPayout struct {
	ID                   string          `json:"id"`
	CorporateActionID    string          `json:"corporate_action_id"`
	UserID               string          `json:"user_id"`
	Symbol               string          `json:"symbol"`
	QuantityOnRecordDate decimal.Decimal `json:"quantity_on_record_date"`
	GrossAmount          decimal.Decimal `json:"gross_amount"`
	TaxWithheld          decimal.Decimal `json:"tax_withheld"`
	NetAmount            decimal.Decimal `json:"net_amount"`
	Status               PayoutStatus    `json:"status"`
	WalletTransactionID  string          `json:"wallet_transaction_id,omitempty"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	PaidAt               *time.Time      `json:"paid_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// SettlementItem is a payout selected for settlement with its parent action
type SettlementItem struct {
	Payout DividendPayout
	Action CorporateAction
}

type UpcomingDividend struct {
	CorporateActionID string          `json:"corporate_action_id"`
	Symbol            string          `json:"symbol"`
	ExDate            time.Time       `json:"ex_date"`
	RecordDate        time.Time       `json:"record_date"`
	PayDate           time.Time       `json:"pay_date"`
	AmountPerShare    decimal.Decimal `json:"amount_per_share"`
	Currency          string          `json:"currency"`
	Shares            decimal.Decimal `json:"shares"`
	EstimatedGross    decimal.Decimal `json:"estimated_gross"`
}

type PayoutHistoryItem struct {
	DividendPayout
	ExDate         time.Time       `json:"ex_date"`
	PayDate        time.Time       `json:"pay_date"`
	AmountPerShare decimal.Decimal `json:"amount_per_share"`
	Currency       string          `json:"currency"`
}

// HoldingValue is one line of a valuation. CurrentPrice is nil when no
// quote could be resolved.
type HoldingValue struct {
	Symbol           string           `json:"symbol"`
	Shares           decimal.Decimal  `json:"shares"`
	AverageCost      decimal.Decimal  `json:"average_cost"`
	CostBasis        decimal.Decimal  `json:"cost_basis"`
	CurrentPrice     *decimal.Decimal `json:"current_price"`
	MarketValue      decimal.Decimal  `json:"market_value"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal  `json:"unrealized_pnl_pct"`
	PriceAvailable   bool             `json:"price_available"`
	Stale            bool             `json:"stale"`
	Source           string           `json:"source,omitempty"`
}

type PortfolioSnapshot struct {
	ID                  string          `json:"id"`
	UserID              string          `json:"user_id"`
	TakenAt             time.Time       `json:"taken_at"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	MarketValue         decimal.Decimal `json:"market_value"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	TotalReturn         decimal.Decimal `json:"total_return"`
	TotalReturnPct      decimal.Decimal `json:"total_return_pct"`
	WalletBalance       decimal.Decimal `json:"wallet_balance"`
	HoldingsCount       int             `json:"holdings_count"`
	Details             []HoldingValue  `json:"details,omitempty"`
}

// BatchResult is what every pipeline step reports
type BatchResult struct {
	Step      string        `json:"step"`
	Processed int           `json:"processed"`
	Created   int           `json:"created"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration_ns"`
	Messages  []string      `json:"messages,omitempty"`
}

// =============================================================================
// HTTP request/response bodies
// =============================================================================

type TradeRequest struct {
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Shares         decimal.Decimal `json:"shares"`
	Price          decimal.Decimal `json:"price"`
	Note           string          `json:"note"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type TradeResponse struct {
	Position      *Position       `json:"position"`
	Transaction   *Trade          `json:"transaction"`
	WalletBalance decimal.Decimal `json:"walletBalance"`
	Replayed      bool            `json:"replayed"`
}

type WalletRequest struct {
	Action         string          `json:"action"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Method         string          `json:"method"`
}

type WalletResponse struct {
	Balance     decimal.Decimal    `json:"balance"`
	Transaction *WalletTransaction `json:"transaction"`
	Replayed    bool               `json:"replayed"`
}

type WalletBalance struct {
	Balance decimal.Decimal `json:"balance"`
	Cap     decimal.Decimal `json:"cap"`
}
