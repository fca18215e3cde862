package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

const alphaVantageBaseURL = "https://www.alphavantage.co"

type AlphaVantage struct {
	client client
	apiKey string
}

func NewAlphaVantage(apiKey, baseURL string, timeout time.Duration) *AlphaVantage {
	if baseURL == "" {
		baseURL = alphaVantageBaseURL
	}
	return &AlphaVantage{client: newClient("alphavantage", baseURL, timeout), apiKey: apiKey}
}

func (a *AlphaVantage) Name() string { return "alphavantage" }

type alphaVantageGlobalQuote struct {
	Note         string `json:"Note"`
	Information  string `json:"Information"`
	ErrorMessage string `json:"Error Message"`
	GlobalQuote  struct {
		Symbol        string     `json:"01. symbol"`
		Open          flexNumber `json:"02. open"`
		High          flexNumber `json:"03. high"`
		Low           flexNumber `json:"04. low"`
		Price         flexNumber `json:"05. price"`
		Volume        flexNumber `json:"06. volume"`
		PrevClose     flexNumber `json:"08. previous close"`
		Change        flexNumber `json:"09. change"`
		ChangePercent flexNumber `json:"10. change percent"`
	} `json:"Global Quote"`
}

func (a *AlphaVantage) FetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	q := url.Values{}
	q.Set("function", "GLOBAL_QUOTE")
	q.Set("symbol", symbol)
	q.Set("apikey", a.apiKey)

	var raw alphaVantageGlobalQuote
	if err := a.client.get(ctx, "/query?"+q.Encode(), &raw); err != nil {
		return nil, err
	}
	if raw.Note != "" || raw.Information != "" {
		return nil, ErrRateLimited
	}
	if raw.ErrorMessage != "" {
		return nil, fmt.Errorf("alphavantage: %s", raw.ErrorMessage)
	}

	gq := raw.GlobalQuote
	return normalize(&Quote{
		Symbol:        symbol,
		Price:         gq.Price.Decimal(),
		PrevClose:     gq.PrevClose.Decimal(),
		Open:          gq.Open.Decimal(),
		High:          gq.High.Decimal(),
		Low:           gq.Low.Decimal(),
		Volume:        gq.Volume.Decimal().IntPart(),
		Change:        gq.Change.Decimal(),
		ChangePercent: gq.ChangePercent.Decimal(),
		Source:        a.Name(),
	})
}
