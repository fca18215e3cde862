package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const finnhubBaseURL = "https://finnhub.io"

// Finnhub serves both quotes and the dividend calendar
type Finnhub struct {
	client client
	token  string
}

func NewFinnhub(token, baseURL string, timeout time.Duration) *Finnhub {
	if baseURL == "" {
		baseURL = finnhubBaseURL
	}
	return &Finnhub{client: newClient("finnhub", baseURL, timeout), token: token}
}

func (f *Finnhub) Name() string { return "finnhub" }

type finnhubQuote struct {
	Current       decimal.Decimal `json:"c"`
	Change        decimal.Decimal `json:"d"`
	ChangePercent decimal.Decimal `json:"dp"`
	High          decimal.Decimal `json:"h"`
	Low           decimal.Decimal `json:"l"`
	Open          decimal.Decimal `json:"o"`
	PrevClose     decimal.Decimal `json:"pc"`
	Timestamp     int64           `json:"t"`
}

func (f *Finnhub) FetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("token", f.token)

	var raw finnhubQuote
	if err := f.client.get(ctx, "/api/v1/quote?"+q.Encode(), &raw); err != nil {
		return nil, err
	}

	fetchedAt := time.Now().UTC()
	if raw.Timestamp > 0 {
		fetchedAt = time.Unix(raw.Timestamp, 0).UTC()
	}

	return normalize(&Quote{
		Symbol:        symbol,
		Price:         raw.Current,
		PrevClose:     raw.PrevClose,
		Open:          raw.Open,
		High:          raw.High,
		Low:           raw.Low,
		Change:        raw.Change,
		ChangePercent: raw.ChangePercent,
		Source:        f.Name(),
		FetchedAt:     fetchedAt,
	})
}

// DividendEvent is one upcoming dividend from the calendar. Dates are zero
// when the calendar omits them.
type DividendEvent struct {
	Symbol         string
	Name           string
	ExDate         time.Time
	RecordDate     time.Time
	PayDate        time.Time
	AmountPerShare decimal.Decimal
	Currency       string
	Frequency      string
}

type finnhubDividendCalendar struct {
	DividendCalendar []struct {
		Symbol     string          `json:"symbol"`
		Name       string          `json:"name"`
		Date       string          `json:"date"`
		ExDate     string          `json:"exDate"`
		PayDate    string          `json:"payDate"`
		RecordDate string          `json:"recordDate"`
		Amount     decimal.Decimal `json:"amount"`
		Currency   string          `json:"currency"`
		Frequency  string          `json:"frequency"`
	} `json:"dividendCalendar"`
}

// FetchDividends returns calendar entries with ex-dates in [from, to]
func (f *Finnhub) FetchDividends(ctx context.Context, from, to time.Time) ([]DividendEvent, error) {
	q := url.Values{}
	q.Set("from", from.Format(time.DateOnly))
	q.Set("to", to.Format(time.DateOnly))
	q.Set("token", f.token)

	var raw finnhubDividendCalendar
	if err := f.client.get(ctx, "/api/v1/calendar/dividend?"+q.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("failed to fetch dividend calendar: %w", err)
	}

	out := make([]DividendEvent, 0, len(raw.DividendCalendar))
	for _, d := range raw.DividendCalendar {
		exDate := parseDate(d.ExDate)
		if exDate.IsZero() {
			exDate = parseDate(d.Date)
		}
		out = append(out, DividendEvent{
			Symbol:         strings.ToUpper(strings.TrimSpace(d.Symbol)),
			Name:           d.Name,
			ExDate:         exDate,
			RecordDate:     parseDate(d.RecordDate),
			PayDate:        parseDate(d.PayDate),
			AmountPerShare: d.Amount,
			Currency:       strings.ToUpper(d.Currency),
			Frequency:      normalizeFrequency(d.Frequency),
		})
	}
	return out, nil
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if len(s) > len(time.DateOnly) {
		s = s[:len(time.DateOnly)]
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func normalizeFrequency(s string) string {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "MONTHLY", "12":
		return "MONTHLY"
	case "QUARTERLY", "4":
		return "QUARTERLY"
	case "SEMI_ANNUAL", "SEMIANNUAL", "2":
		return "SEMI_ANNUAL"
	case "ANNUAL", "ANNUALLY", "1":
		return "ANNUAL"
	default:
		return ""
	}
}
