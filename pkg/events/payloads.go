package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Monetary and share quantities are decimals and serialize as JSON strings.

type TradeExecutedPayload struct {
	TradeID      string          `json:"trade_id"`
	UserID       string          `json:"user_id"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Shares       decimal.Decimal `json:"shares"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	SharesAfter  decimal.Decimal `json:"shares_after"`
	AvgCostAfter decimal.Decimal `json:"avg_cost_after"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

type WalletTransactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	UserID         string          `json:"user_id"`
	Action         string          `json:"action"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type CorporateActionIngestedPayload struct {
	CorporateActionID string          `json:"corporate_action_id"`
	Symbol            string          `json:"symbol"`
	ExDate            string          `json:"ex_date"`
	RecordDate        string          `json:"record_date"`
	PayDate           string          `json:"pay_date"`
	AmountPerShare    decimal.Decimal `json:"amount_per_share"`
	Currency          string          `json:"currency"`
}

type DividendSnapshottedPayload struct {
	CorporateActionID string          `json:"corporate_action_id"`
	Symbol            string          `json:"symbol"`
	RecordDate        string          `json:"record_date"`
	Holders           int             `json:"holders"`
	TotalShares       decimal.Decimal `json:"total_shares"`
}

type DividendPaidPayload struct {
	PayoutID          string          `json:"payout_id"`
	CorporateActionID string          `json:"corporate_action_id"`
	UserID            string          `json:"user_id"`
	Symbol            string          `json:"symbol"`
	Shares            decimal.Decimal `json:"shares"`
	GrossAmount       decimal.Decimal `json:"gross_amount"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	NetAmount         decimal.Decimal `json:"net_amount"`
	PaidAt            time.Time       `json:"paid_at"`
}

type PortfolioSnapshotPayload struct {
	UserID              string          `json:"user_id"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	TotalReturn         decimal.Decimal `json:"total_return"`
	Degraded            bool            `json:"degraded"`
	TakenAt             time.Time       `json:"taken_at"`
}
