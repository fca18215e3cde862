package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

const twelveDataBaseURL = "https://api.twelvedata.com"

type TwelveData struct {
	client client
	apiKey string
}

func NewTwelveData(apiKey, baseURL string, timeout time.Duration) *TwelveData {
	if baseURL == "" {
		baseURL = twelveDataBaseURL
	}
	return &TwelveData{client: newClient("twelvedata", baseURL, timeout), apiKey: apiKey}
}

func (t *TwelveData) Name() string { return "twelvedata" }

// twelveDataQuote has every numeric field as a string. A non-zero code means
// the request failed even with HTTP 200.
type twelveDataQuote struct {
	Code          int        `json:"code"`
	Message       string     `json:"message"`
	Symbol        string     `json:"symbol"`
	Currency      string     `json:"currency"`
	Open          flexNumber `json:"open"`
	High          flexNumber `json:"high"`
	Low           flexNumber `json:"low"`
	Close         flexNumber `json:"close"`
	Volume        flexNumber `json:"volume"`
	PrevClose     flexNumber `json:"previous_close"`
	Change        flexNumber `json:"change"`
	PercentChange flexNumber `json:"percent_change"`
}

func (t *TwelveData) FetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("apikey", t.apiKey)

	var raw twelveDataQuote
	if err := t.client.get(ctx, "/quote?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	if raw.Code == 429 {
		return nil, ErrRateLimited
	}
	if raw.Code != 0 {
		return nil, fmt.Errorf("twelvedata error %d: %s", raw.Code, raw.Message)
	}

	return normalize(&Quote{
		Symbol:        symbol,
		Price:         raw.Close.Decimal(),
		PrevClose:     raw.PrevClose.Decimal(),
		Open:          raw.Open.Decimal(),
		High:          raw.High.Decimal(),
		Low:           raw.Low.Decimal(),
		Volume:        raw.Volume.Decimal().IntPart(),
		Change:        raw.Change.Decimal(),
		ChangePercent: raw.PercentChange.Decimal(),
		Currency:      raw.Currency,
		Source:        t.Name(),
	})
}
