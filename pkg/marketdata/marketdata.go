package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/telemetry"
)

// =============================================================================
// Market Data Providers
// =============================================================================
// Each upstream gets a typed adapter that decodes its own payload and
// normalizes it into Quote. Callers never see provider-specific shapes.
// =============================================================================

var (
	ErrNoData      = errors.New("provider returned no usable quote")
	ErrRateLimited = errors.New("provider rate limit reached")
)

// Quote is the normalized price for one symbol
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	PrevClose     decimal.Decimal `json:"prevClose"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        int64           `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Currency      string          `json:"currency"`
	Source        string          `json:"source"`
	FetchedAt     time.Time       `json:"fetchedAt"`
}

// Provider fetches a current quote from one upstream
type Provider interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (*Quote, error)
}

// normalize fills derived fields and rejects non-positive prices
func normalize(q *Quote) (*Quote, error) {
	if !q.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price %s", ErrNoData, q.Price)
	}
	if q.PrevClose.IsZero() {
		q.PrevClose = q.Price
	}
	if q.Change.IsZero() {
		q.Change = q.Price.Sub(q.PrevClose)
	}
	if q.ChangePercent.IsZero() && q.PrevClose.IsPositive() {
		q.ChangePercent = q.Change.Div(q.PrevClose).Mul(decimal.NewFromInt(100)).Round(4)
	}
	if q.Currency == "" {
		q.Currency = "USD"
	}
	if q.FetchedAt.IsZero() {
		q.FetchedAt = time.Now().UTC()
	}
	return q, nil
}

// client is the shared HTTP plumbing for the adapters
type client struct {
	http    *http.Client
	baseURL string
	headers map[string]string
}

func newClient(provider, baseURL string, timeout time.Duration) client {
	return client{
		http:    telemetry.NewHTTPClient(provider, timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: map[string]string{},
	}
}

func (c client) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	return decodeResponse(resp, target)
}

func decodeResponse(resp *http.Response, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// flexNumber decodes numbers sent either as JSON numbers or strings
type flexNumber decimal.Decimal

func (n *flexNumber) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	s = strings.TrimSuffix(s, "%")
	if s == "" || s == "null" {
		*n = flexNumber(decimal.Zero)
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*n = flexNumber(d)
	return nil
}

func (n flexNumber) Decimal() decimal.Decimal {
	return decimal.Decimal(n)
}

// Keys carries the API credentials. A provider with an empty key is not
// registered.
type Keys struct {
	Finnhub      string
	Polygon      string
	TwelveData   string
	AlphaVantage string
	AlpacaKey    string
	AlpacaSecret string
}

// NewProviders builds the providers named in order that have credentials.
// Unknown names are an error.
func NewProviders(order []string, keys Keys, timeout time.Duration) ([]Provider, error) {
	providers := make([]Provider, 0, len(order))
	for _, name := range order {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "finnhub":
			if keys.Finnhub != "" {
				providers = append(providers, NewFinnhub(keys.Finnhub, "", timeout))
			}
		case "polygon":
			if keys.Polygon != "" {
				providers = append(providers, NewPolygon(keys.Polygon, "", timeout))
			}
		case "twelvedata":
			if keys.TwelveData != "" {
				providers = append(providers, NewTwelveData(keys.TwelveData, "", timeout))
			}
		case "alphavantage":
			if keys.AlphaVantage != "" {
				providers = append(providers, NewAlphaVantage(keys.AlphaVantage, "", timeout))
			}
		case "alpaca":
			if keys.AlpacaKey != "" && keys.AlpacaSecret != "" {
				providers = append(providers, NewAlpaca(keys.AlpacaKey, keys.AlpacaSecret, "", timeout))
			}
		default:
			return nil, fmt.Errorf("unknown quote provider %q", name)
		}
	}
	return providers, nil
}
