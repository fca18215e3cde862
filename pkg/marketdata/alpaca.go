package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const alpacaDataURL = "https://data.alpaca.markets"

// Alpaca reads the latest NBBO quote from the market data API
type Alpaca struct {
	client client
}

func NewAlpaca(apiKey, secretKey, baseURL string, timeout time.Duration) *Alpaca {
	if baseURL == "" {
		baseURL = alpacaDataURL
	}
	c := newClient("alpaca", baseURL, timeout)
	c.headers["APCA-API-KEY-ID"] = apiKey
	c.headers["APCA-API-SECRET-KEY"] = secretKey
	return &Alpaca{client: c}
}

func (a *Alpaca) Name() string { return "alpaca" }

type alpacaLatestQuote struct {
	Symbol string `json:"symbol"`
	Quote  struct {
		Timestamp time.Time       `json:"t"`
		AskPrice  decimal.Decimal `json:"ap"`
		AskSize   int64           `json:"as"`
		BidPrice  decimal.Decimal `json:"bp"`
		BidSize   int64           `json:"bs"`
	} `json:"quote"`
}

// FetchQuote prices at the bid/ask midpoint. A one-sided book uses the side
// that is present.
func (a *Alpaca) FetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	var raw alpacaLatestQuote
	path := fmt.Sprintf("/v2/stocks/%s/quotes/latest?feed=iex", url.PathEscape(symbol))
	if err := a.client.get(ctx, path, &raw); err != nil {
		return nil, err
	}

	bid, ask := raw.Quote.BidPrice, raw.Quote.AskPrice
	var price decimal.Decimal
	switch {
	case bid.IsPositive() && ask.IsPositive():
		price = bid.Add(ask).Div(decimal.NewFromInt(2)).Round(4)
	case ask.IsPositive():
		price = ask
	default:
		price = bid
	}

	return normalize(&Quote{
		Symbol:    symbol,
		Price:     price,
		Source:    a.Name(),
		FetchedAt: raw.Quote.Timestamp.UTC(),
	})
}
