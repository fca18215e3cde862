package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/auth"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/logger"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/marketdata"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/middleware"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/response"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/dividend"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/quote"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/scheduler"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/trade"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/valuation"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
)

const testSecret = "test-secret"

func init() {
	logger.Init("test", "error", false)
}

type staticProvider map[string]string

func (staticProvider) Name() string { return "static" }

func (p staticProvider) FetchQuote(_ context.Context, symbol string) (*marketdata.Quote, error) {
	price, ok := p[symbol]
	if !ok {
		return nil, marketdata.ErrNoData
	}
	return &marketdata.Quote{Symbol: symbol, Price: decimal.RequireFromString(price), Source: "static"}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

type fixture struct {
	app    *fiber.App
	issuer *auth.TokenIssuer
	store  *repository.MemoryStore
}

func newFixture(t *testing.T, db Pinger) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	rec := events.NewRecorder()

	w := wallet.NewService(store, rec, wallet.DefaultCap)
	engine := trade.NewEngine(store, w, rec)
	resolver := quote.NewResolver(quote.Config{}, []marketdata.Provider{staticProvider{"AAPL": "55"}}, nil)
	val := valuation.NewEngine(store, resolver, rec, valuation.Config{IncludeWallet: true, Epsilon: decimal.RequireFromString("0.01")})
	pipeline := dividend.NewPipeline(store, nil, w, rec, dividend.Config{})
	sched, err := scheduler.New(scheduler.Config{}, pipeline, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if db == nil {
		db = store
	}

	h := New(Deps{
		Wallet:    w,
		Trades:    engine,
		Dividends: pipeline,
		Valuation: val,
		Quotes:    resolver,
		Batch:     sched,
		DB:        db,
	})

	app := fiber.New(fiber.Config{ErrorHandler: response.ErrorHandler})
	app.Use(middleware.RequestID())
	h.Register(app, testSecret)

	issuer, err := auth.NewTokenIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{app: app, issuer: issuer, store: store}
}

func (f *fixture) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, _, err := f.issuer.Issue(userID, role)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &env)
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode data: %v (%s)", err, env.Data)
	}
	return v
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestHealthAndReady(t *testing.T) {
	f := newFixture(t, nil)
	if status, _ := f.do(t, "GET", "/health", "", nil); status != http.StatusOK {
		t.Errorf("health status = %d", status)
	}
	if status, _ := f.do(t, "GET", "/ready", "", nil); status != http.StatusOK {
		t.Errorf("ready status = %d", status)
	}

	down := newFixture(t, pinger{err: errors.New("connection refused")})
	status, env := down.do(t, "GET", "/ready", "", nil)
	if status != http.StatusServiceUnavailable || env.Error == nil {
		t.Errorf("ready with failing db = %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	paths := []string{"/api/v1/wallet", "/api/v1/portfolio", "/api/v1/trades", "/api/v1/dividends/upcoming"}
	for _, p := range paths {
		if status, _ := f.do(t, "GET", p, "", nil); status != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", p, status)
		}
	}
	if status, _ := f.do(t, "GET", "/api/v1/wallet", "garbage", nil); status != http.StatusUnauthorized {
		t.Errorf("invalid token = %d, want 401", status)
	}
}

func TestTradeFlow(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "u1", auth.RoleUser)

	status, env := f.do(t, "POST", "/api/v1/wallet", tok, map[string]any{"action": "deposit", "amount": 1000})
	if status != http.StatusCreated {
		t.Fatalf("deposit status = %d (%+v)", status, env.Error)
	}
	if got := decode[types.WalletResponse](t, env); !got.Balance.Equal(d("1000")) {
		t.Errorf("balance = %s, want 1000", got.Balance)
	}

	status, env = f.do(t, "POST", "/api/v1/trade", tok, map[string]any{
		"symbol": "aapl", "side": "buy", "shares": 10, "price": 50,
	})
	if status != http.StatusCreated {
		t.Fatalf("buy status = %d (%+v)", status, env.Error)
	}

	sell := map[string]any{"symbol": "AAPL", "side": "sell", "shares": 4, "price": 60, "idempotencyKey": "sell-1"}
	status, env = f.do(t, "POST", "/api/v1/trade", tok, sell)
	if status != http.StatusCreated {
		t.Fatalf("sell status = %d (%+v)", status, env.Error)
	}
	res := decode[types.TradeResponse](t, env)
	if !res.WalletBalance.Equal(d("740")) {
		t.Errorf("wallet balance = %s, want 740", res.WalletBalance)
	}
	if !res.Position.RealizedPnL.Equal(d("40")) || !res.Position.TotalShares.Equal(d("6")) {
		t.Errorf("position = %+v", res.Position)
	}

	status, env = f.do(t, "POST", "/api/v1/trade", tok, sell)
	if status != http.StatusOK || !decode[types.TradeResponse](t, env).Replayed {
		t.Errorf("replay status = %d, want 200 replayed", status)
	}

	status, env = f.do(t, "GET", "/api/v1/trades?limit=10", tok, nil)
	if trades := decode[[]types.Trade](t, env); status != http.StatusOK || len(trades) != 2 {
		t.Errorf("trades = %d (status %d), want 2", len(trades), status)
	}

	status, env = f.do(t, "GET", "/api/v1/portfolio", tok, nil)
	if status != http.StatusOK {
		t.Fatalf("portfolio status = %d", status)
	}
	p := decode[PortfolioResponse](t, env)
	if len(p.Positions) != 1 || p.Valuation == nil {
		t.Fatalf("portfolio = %+v", p)
	}
	// 6 * 55 + 740
	if !p.Valuation.TPV.Equal(d("1070")) {
		t.Errorf("TPV = %s, want 1070", p.Valuation.TPV)
	}

	_, env = f.do(t, "GET", "/api/v1/portfolio?enrich=false", tok, nil)
	if p := decode[PortfolioResponse](t, env); p.Valuation != nil {
		t.Error("enrich=false should omit the valuation")
	}

	status, env = f.do(t, "GET", "/api/v1/portfolio/timeseries?range=24h", tok, nil)
	series := decode[valuation.Series](t, env)
	if status != http.StatusOK || series.Range != "1d" || len(series.Points) == 0 {
		t.Errorf("timeseries = %+v (status %d)", series, status)
	}
}

func TestTradeErrors(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "u1", auth.RoleUser)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"insufficient funds", map[string]any{"symbol": "AAPL", "side": "buy", "shares": 1, "price": 10}, http.StatusBadRequest, "INSUFFICIENT_FUNDS"},
		{"oversell", map[string]any{"symbol": "AAPL", "side": "sell", "shares": 1, "price": 10}, http.StatusBadRequest, "INSUFFICIENT_SHARES"},
		{"bad side", map[string]any{"symbol": "AAPL", "side": "short", "shares": 1, "price": 10}, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"zero shares", map[string]any{"symbol": "AAPL", "side": "buy", "shares": 0, "price": 10}, http.StatusBadRequest, "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := f.do(t, "POST", "/api/v1/trade", tok, tt.body)
			if status != tt.status || env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("status = %d, error = %+v; want %d %s", status, env.Error, tt.status, tt.code)
			}
		})
	}
}

func TestWalletEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "u1", auth.RoleUser)

	status, env := f.do(t, "POST", "/api/v1/wallet", tok, map[string]any{"action": "transfer", "amount": 5})
	if status != http.StatusBadRequest || env.Error == nil || len(env.Error.Details) != 1 || env.Error.Details[0] != "invalid_action" {
		t.Errorf("invalid action = %d %+v", status, env.Error)
	}

	status, env = f.do(t, "POST", "/api/v1/wallet", tok, map[string]any{"action": "deposit", "amount": 10.005})
	if status != http.StatusBadRequest || env.Error.Details[0] != "amount_too_many_decimals" {
		t.Errorf("three decimals = %d %+v", status, env.Error)
	}

	for i := 0; i < 3; i++ {
		f.do(t, "POST", "/api/v1/wallet", tok, map[string]any{"action": "deposit", "amount": 10})
	}
	status, env = f.do(t, "POST", "/api/v1/wallet", tok, map[string]any{"action": "withdraw", "amount": 5})
	if status != http.StatusCreated {
		t.Fatalf("withdraw = %d", status)
	}

	status, env = f.do(t, "GET", "/api/v1/wallet", tok, nil)
	bal := decode[types.WalletBalance](t, env)
	if status != http.StatusOK || !bal.Balance.Equal(d("25")) || !bal.Cap.Equal(wallet.DefaultCap) {
		t.Errorf("wallet = %+v", bal)
	}

	_, env = f.do(t, "GET", "/api/v1/wallet/transactions?page=2&per_page=3", tok, nil)
	page := decode[struct {
		Items      []types.WalletTransaction `json:"items"`
		Pagination response.Pagination       `json:"pagination"`
	}](t, env)
	if len(page.Items) != 1 || page.Pagination.Total != 4 || page.Pagination.TotalPages != 2 || page.Pagination.HasMore {
		t.Errorf("page = %+v", page.Pagination)
	}
	if page.Items[0].Action != types.ActionDeposit {
		t.Errorf("oldest transaction = %s, want deposit", page.Items[0].Action)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "u1", auth.RoleUser)

	status, env := f.do(t, "GET", "/api/v1/quotes/aapl", tok, nil)
	q := decode[quote.Quote](t, env)
	if status != http.StatusOK || q.Symbol != "AAPL" || !q.Price.Equal(d("55")) {
		t.Errorf("quote = %+v (status %d)", q, status)
	}

	status, env = f.do(t, "GET", "/api/v1/quotes/NOPE", tok, nil)
	if status != http.StatusServiceUnavailable || env.Error.Code != "PROVIDER_UNAVAILABLE" {
		t.Errorf("unknown symbol = %d %+v", status, env.Error)
	}
}

func TestDividendEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	tok := f.token(t, "u1", auth.RoleUser)

	for _, p := range []string{"/api/v1/dividends/upcoming", "/api/v1/dividends/history?limit=5"} {
		status, env := f.do(t, "GET", p, tok, nil)
		if status != http.StatusOK || string(env.Data) != "[]" {
			t.Errorf("GET %s = %d %s, want empty list", p, status, env.Data)
		}
	}
}

func TestBatchEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	user := f.token(t, "u1", auth.RoleUser)
	if status, _ := f.do(t, "POST", "/internal/batch/settle", user, nil); status != http.StatusForbidden {
		t.Errorf("user token = %d, want 403", status)
	}
	if status, _ := f.do(t, "POST", "/internal/batch/settle", "", nil); status != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", status)
	}

	svc := f.token(t, "scheduler", auth.RoleService)
	status, env := f.do(t, "POST", "/internal/batch/settle?retry_failed=true", svc, nil)
	if status != http.StatusOK {
		t.Fatalf("settle = %d %+v", status, env.Error)
	}
	if res := decode[types.BatchResult](t, env); res.Step != dividend.StepSettle {
		t.Errorf("result = %+v", res)
	}

	if status, _ := f.do(t, "POST", "/internal/batch/snapshot", svc, nil); status != http.StatusOK {
		t.Errorf("snapshot = %d", status)
	}

	// no calendar configured
	if status, _ := f.do(t, "POST", "/internal/batch/ingest", svc, nil); status != http.StatusServiceUnavailable {
		t.Errorf("ingest without calendar = %d, want 503", status)
	}
	if status, _ := f.do(t, "POST", "/internal/batch/rebalance", svc, nil); status != http.StatusBadRequest {
		t.Errorf("unknown step = %d, want 400", status)
	}
}
