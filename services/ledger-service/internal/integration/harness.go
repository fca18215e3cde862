//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/database"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/dividend"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/trade"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/migrations"
)

// =============================================================================
// Integration Test Harness
// =============================================================================
// Runs the ledger services against a real Postgres. Point it at a disposable
// database; every harness truncates the ledger tables before use.
//
//	docker run --rm -p 5432:5432 -e POSTGRES_PASSWORD=postgres -e POSTGRES_DB=ledger_test postgres:16
//	go test -tags integration ./services/ledger-service/internal/integration/...
// =============================================================================

// DefaultConfig reads the test database from LEDGER_TEST_DB_* variables
func DefaultConfig() *database.Config {
	port, err := strconv.Atoi(getEnvOrDefault("LEDGER_TEST_DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return &database.Config{
		Host:     getEnvOrDefault("LEDGER_TEST_DB_HOST", "localhost"),
		Port:     port,
		User:     getEnvOrDefault("LEDGER_TEST_DB_USER", "postgres"),
		Password: getEnvOrDefault("LEDGER_TEST_DB_PASSWORD", "postgres"),
		Database: getEnvOrDefault("LEDGER_TEST_DB_NAME", "ledger_test"),
		SSLMode:  getEnvOrDefault("LEDGER_TEST_DB_SSLMODE", "disable"),
		MaxConns: 10,
		MinConns: 1,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Clock is a settable time source shared by the pipeline
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Harness wires the ledger services over a PostgresStore
type Harness struct {
	t        *testing.T
	Pool     *pgxpool.Pool
	Store    *repository.PostgresStore
	Wallet   *wallet.Service
	Trades   *trade.Engine
	Pipeline *dividend.Pipeline
	Clock    *Clock
}

// NewHarness connects, migrates and resets the database. The test is
// skipped when no database answers within 10 seconds.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	pool, err := waitForDatabase(DefaultConfig(), 10*time.Second)
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	t.Cleanup(pool.Close)

	ctx := context.Background()
	if _, err := database.Migrate(ctx, pool, migrations.FS, "."); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	store := repository.NewPostgresStore(pool)
	w := wallet.NewService(store, events.NoopPublisher{}, wallet.DefaultCap)
	clock := &Clock{now: time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)}

	h := &Harness{
		t:      t,
		Pool:   pool,
		Store:  store,
		Wallet: w,
		Trades: trade.NewEngine(store, w, events.NoopPublisher{}),
		Pipeline: dividend.NewPipeline(store, nil, w, events.NoopPublisher{}, dividend.Config{
			WithholdingRate: decimal.RequireFromString("0.3"),
			Location:        time.UTC,
			Now:             clock.Now,
		}),
		Clock: clock,
	}
	if err := h.Reset(ctx); err != nil {
		t.Fatalf("Failed to reset: %v", err)
	}
	return h
}

func waitForDatabase(cfg *database.Config, timeout time.Duration) (*pgxpool.Pool, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		pool, err := database.NewPool(ctx, cfg)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return nil, fmt.Errorf("timeout waiting for %s:%d: %w", cfg.Host, cfg.Port, lastErr)
}

// Reset empties every ledger table
func (h *Harness) Reset(ctx context.Context) error {
	_, err := h.Pool.Exec(ctx, `
		TRUNCATE dividend_payouts, corporate_actions, trades, positions,
			wallet_transactions, portfolio_snapshots, wallet_accounts, securities
		CASCADE
	`)
	return err
}

// =============================================================================
// Fixtures
// =============================================================================

func (h *Harness) Deposit(userID, amount string) {
	h.t.Helper()
	if _, err := h.Wallet.Deposit(context.Background(), userID, decimal.RequireFromString(amount), wallet.Options{}); err != nil {
		h.t.Fatalf("deposit %s for %s: %v", amount, userID, err)
	}
}

// Buy funds the wallet and buys shares at price
func (h *Harness) Buy(userID, symbol, shares, price string) *trade.Result {
	h.t.Helper()
	n, p := decimal.RequireFromString(shares), decimal.RequireFromString(price)
	h.Deposit(userID, n.Mul(p).Round(2).String())

	res, err := h.Trades.ApplyTrade(context.Background(), userID, trade.Input{
		Symbol: symbol, Side: types.SideBuy, Shares: n, Price: p,
	})
	if err != nil {
		h.t.Fatalf("buy %s %s for %s: %v", shares, symbol, userID, err)
	}
	return res
}

// AddDividend records a PENDING cash dividend on symbol
func (h *Harness) AddDividend(symbol, perShare string, record, pay time.Time) *types.CorporateAction {
	h.t.Helper()
	ctx := context.Background()
	sec, err := h.Store.UpsertSecurity(ctx, &types.Security{
		Symbol:            symbol,
		Exchange:          types.DefaultExchange,
		Currency:          "USD",
		DividendFrequency: types.DefaultFrequency,
	})
	if err != nil {
		h.t.Fatalf("upsert security: %v", err)
	}

	action := &types.CorporateAction{
		SecurityID:     sec.ID,
		Symbol:         symbol,
		Type:           types.CorporateActionCashDividend,
		ExDate:         record.AddDate(0, 0, -1),
		RecordDate:     record,
		PayDate:        pay,
		AmountPerShare: decimal.RequireFromString(perShare),
		Currency:       "USD",
		Status:         types.ActionPending,
	}
	created, err := h.Store.InsertCorporateAction(ctx, action)
	if err != nil || !created {
		h.t.Fatalf("insert corporate action: created=%v err=%v", created, err)
	}
	return action
}

func (h *Harness) Balance(userID string) decimal.Decimal {
	h.t.Helper()
	b, err := h.Wallet.Balance(context.Background(), userID)
	if err != nil {
		h.t.Fatalf("balance for %s: %v", userID, err)
	}
	return b.Balance
}

func (h *Harness) ActionStatus(actionID string) types.ActionStatus {
	h.t.Helper()
	var status string
	if err := h.Pool.QueryRow(context.Background(),
		`SELECT status FROM corporate_actions WHERE id = $1`, actionID,
	).Scan(&status); err != nil {
		h.t.Fatalf("action status: %v", err)
	}
	return types.ActionStatus(status)
}

// Payouts returns the user's payouts for one action
func (h *Harness) Payouts(userID, actionID string) []types.PayoutHistoryItem {
	h.t.Helper()
	items, err := h.Store.ListPayoutHistory(context.Background(), userID, 100)
	if err != nil {
		h.t.Fatalf("payout history for %s: %v", userID, err)
	}
	var out []types.PayoutHistoryItem
	for _, it := range items {
		if it.CorporateActionID == actionID {
			out = append(out, it)
		}
	}
	return out
}

// =============================================================================
// Assertions
// =============================================================================

func (h *Harness) AssertBalance(userID, want string) {
	h.t.Helper()
	if got := h.Balance(userID); !got.Equal(decimal.RequireFromString(want)) {
		h.t.Errorf("balance for %s = %s, want %s", userID, got, want)
	}
}
