package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/marketdata"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/response"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// APIError is a non-2xx reply from the ledger service
type APIError struct {
	Status    int
	Code      string
	Message   string
	Details   []string
	Retryable bool
}

func (e *APIError) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, ", ") + ")"
	}
	return msg
}

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	jsonErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode >= 400 {
		if jsonErr == nil && env.Error != nil {
			return &APIError{
				Status:    resp.StatusCode,
				Code:      env.Error.Code,
				Message:   env.Error.Message,
				Details:   env.Error.Details,
				Retryable: env.Error.Retryable,
			}
		}
		return &APIError{
			Status:  resp.StatusCode,
			Code:    http.StatusText(resp.StatusCode),
			Message: strings.TrimSpace(string(respBody)),
		}
	}

	if result == nil {
		return nil
	}
	if jsonErr != nil {
		return fmt.Errorf("failed to parse response: %w", jsonErr)
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("failed to parse response data: %w", err)
	}
	return nil
}

// Wallet endpoints

type WalletBalance struct {
	Balance decimal.Decimal `json:"balance"`
	Cap     decimal.Decimal `json:"cap"`
}

func (c *Client) Wallet(ctx context.Context) (*WalletBalance, error) {
	var resp WalletBalance
	err := c.do(ctx, http.MethodGet, "/api/v1/wallet", nil, &resp)
	return &resp, err
}

type WalletRequest struct {
	Action         string          `json:"action"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Method         string          `json:"method,omitempty"`
}

type Transaction struct {
	ID               string          `json:"id"`
	Action           string          `json:"action"`
	Amount           decimal.Decimal `json:"amount"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Method           string          `json:"method,omitempty"`
	Reference        string          `json:"reference,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

type WalletResult struct {
	Balance     decimal.Decimal `json:"balance"`
	Transaction *Transaction    `json:"transaction"`
	Replayed    bool            `json:"replayed"`
}

func (c *Client) WalletAction(ctx context.Context, req WalletRequest) (*WalletResult, error) {
	var resp WalletResult
	err := c.do(ctx, http.MethodPost, "/api/v1/wallet", req, &resp)
	return &resp, err
}

type TransactionPage struct {
	Items      []Transaction       `json:"items"`
	Pagination response.Pagination `json:"pagination"`
}

func (c *Client) Transactions(ctx context.Context, page, perPage int) (*TransactionPage, error) {
	var resp TransactionPage
	path := fmt.Sprintf("/api/v1/wallet/transactions?page=%d&per_page=%d", page, perPage)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return &resp, err
}

// Trade endpoints

type TradeRequest struct {
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Shares         decimal.Decimal `json:"shares"`
	Price          decimal.Decimal `json:"price"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

type Position struct {
	Symbol      string          `json:"symbol"`
	TotalShares decimal.Decimal `json:"total_shares"`
	AverageCost decimal.Decimal `json:"average_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

type Trade struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Shares      decimal.Decimal `json:"shares"`
	Price       decimal.Decimal `json:"price"`
	Total       decimal.Decimal `json:"total"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Note        string          `json:"note,omitempty"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

type TradeResult struct {
	Position      *Position       `json:"position"`
	Transaction   *Trade          `json:"transaction"`
	WalletBalance decimal.Decimal `json:"walletBalance"`
	Replayed      bool            `json:"replayed"`
}

func (c *Client) Trade(ctx context.Context, req TradeRequest) (*TradeResult, error) {
	var resp TradeResult
	err := c.do(ctx, http.MethodPost, "/api/v1/trade", req, &resp)
	return &resp, err
}

func (c *Client) Trades(ctx context.Context, limit int) ([]Trade, error) {
	var resp []Trade
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/trades?limit=%d", limit), nil, &resp)
	return resp, err
}

// Portfolio endpoints

type Holding struct {
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

type Valuation struct {
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	MarketValue         decimal.Decimal `json:"market_value"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	TotalReturn         decimal.Decimal `json:"total_return"`
	TotalReturnPct      decimal.Decimal `json:"total_return_pct"`
	WalletBalance       decimal.Decimal `json:"wallet_balance"`
	Holdings            []Holding       `json:"holdings"`
	MissingQuotes       []string        `json:"missing_quotes,omitempty"`
	Degraded            bool            `json:"degraded"`
	LastUpdated         time.Time       `json:"last_updated"`
}

type Portfolio struct {
	Positions []Position     `json:"positions"`
	Wallet    *WalletBalance `json:"wallet"`
	Valuation *Valuation     `json:"valuation,omitempty"`
}

func (c *Client) Portfolio(ctx context.Context, enrich bool) (*Portfolio, error) {
	var resp Portfolio
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/portfolio?enrich=%t", enrich), nil, &resp)
	return &resp, err
}

type Point struct {
	TakenAt             time.Time       `json:"taken_at"`
	TotalPortfolioValue decimal.Decimal `json:"total_portfolio_value"`
	MarketValue         decimal.Decimal `json:"market_value"`
	CostBasis           decimal.Decimal `json:"cost_basis"`
	TotalReturn         decimal.Decimal `json:"total_return"`
	TotalReturnPct      decimal.Decimal `json:"total_return_pct"`
	WalletBalance       decimal.Decimal `json:"wallet_balance"`
}

type Series struct {
	Range       string  `json:"range"`
	Granularity string  `json:"granularity"`
	Points      []Point `json:"points"`
}

func (c *Client) Timeseries(ctx context.Context, rng, granularity string) (*Series, error) {
	q := url.Values{}
	if rng != "" {
		q.Set("range", rng)
	}
	if granularity != "" {
		q.Set("granularity", granularity)
	}
	path := "/api/v1/portfolio/timeseries"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp Series
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return &resp, err
}

// Quotes

type Quote struct {
	marketdata.Quote
	Cached bool `json:"cached"`
	Stale  bool `json:"stale"`
}

func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	var resp Quote
	err := c.do(ctx, http.MethodGet, "/api/v1/quotes/"+url.PathEscape(symbol), nil, &resp)
	return &resp, err
}

// Dividends

type UpcomingDividend struct {
	Symbol         string          `json:"symbol"`
	ExDate         time.Time       `json:"ex_date"`
	RecordDate     time.Time       `json:"record_date"`
	PayDate        time.Time       `json:"pay_date"`
	AmountPerShare decimal.Decimal `json:"amount_per_share"`
	Currency       string          `json:"currency"`
	Shares         decimal.Decimal `json:"shares"`
	EstimatedGross decimal.Decimal `json:"estimated_gross"`
}

func (c *Client) UpcomingDividends(ctx context.Context) ([]UpcomingDividend, error) {
	var resp []UpcomingDividend
	err := c.do(ctx, http.MethodGet, "/api/v1/dividends/upcoming", nil, &resp)
	return resp, err
}

type Payout struct {
	ID                   string          `json:"id"`
	Symbol               string          `json:"symbol"`
	QuantityOnRecordDate decimal.Decimal `json:"quantity_on_record_date"`
	GrossAmount          decimal.Decimal `json:"gross_amount"`
	TaxWithheld          decimal.Decimal `json:"tax_withheld"`
	NetAmount            decimal.Decimal `json:"net_amount"`
	Status               string          `json:"status"`
	FailureReason        string          `json:"failure_reason,omitempty"`
	PaidAt               *time.Time      `json:"paid_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

func (c *Client) DividendHistory(ctx context.Context, limit int) ([]Payout, error) {
	var resp []Payout
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/dividends/history?limit=%d", limit), nil, &resp)
	return resp, err
}

// Batch

type BatchResult struct {
	Step      string        `json:"step"`
	Processed int           `json:"processed"`
	Created   int           `json:"created"`
	Skipped   int           `json:"skipped"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration_ns"`
	Messages  []string      `json:"messages,omitempty"`
}

func (c *Client) RunBatch(ctx context.Context, step string, retryFailed bool) (*BatchResult, error) {
	var resp BatchResult
	path := fmt.Sprintf("/internal/batch/%s?retry_failed=%t", url.PathEscape(step), retryFailed)
	err := c.do(ctx, http.MethodPost, path, nil, &resp)
	return &resp, err
}
