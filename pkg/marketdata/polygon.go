package marketdata

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

const polygonBaseURL = "https://api.polygon.io"

type Polygon struct {
	client client
	apiKey string
}

func NewPolygon(apiKey, baseURL string, timeout time.Duration) *Polygon {
	if baseURL == "" {
		baseURL = polygonBaseURL
	}
	return &Polygon{client: newClient("polygon", baseURL, timeout), apiKey: apiKey}
}

func (p *Polygon) Name() string { return "polygon" }

type polygonPrev struct {
	Status  string `json:"status"`
	Results []struct {
		Close     decimal.Decimal `json:"c"`
		Open      decimal.Decimal `json:"o"`
		High      decimal.Decimal `json:"h"`
		Low       decimal.Decimal `json:"l"`
		Volume    decimal.Decimal `json:"v"`
		Timestamp int64           `json:"t"`
	} `json:"results"`
}

// FetchQuote uses the previous-day aggregate, the endpoint available on the
// free tier. Change is reported against that bar's open.
func (p *Polygon) FetchQuote(ctx context.Context, symbol string) (*Quote, error) {
	q := url.Values{}
	q.Set("adjusted", "true")
	q.Set("apiKey", p.apiKey)

	var raw polygonPrev
	path := fmt.Sprintf("/v2/aggs/ticker/%s/prev?%s", url.PathEscape(symbol), q.Encode())
	if err := p.client.get(ctx, path, &raw); err != nil {
		return nil, err
	}
	if len(raw.Results) == 0 {
		return nil, ErrNoData
	}

	r := raw.Results[0]
	fetchedAt := time.Now().UTC()
	if r.Timestamp > 0 {
		fetchedAt = time.UnixMilli(r.Timestamp).UTC()
	}
	return normalize(&Quote{
		Symbol:    symbol,
		Price:     r.Close,
		PrevClose: r.Open,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Volume:    r.Volume.IntPart(),
		Source:    p.Name(),
		FetchedAt: fetchedAt,
	})
}
