package dividend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/events"
	"github.com/Rohianon/equishare-portfolio-ledger/pkg/marketdata"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/trade"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(m time.Month, dd int) time.Time {
	return time.Date(2026, m, dd, 0, 0, 0, 0, time.UTC)
}

type fakeCalendar struct {
	entries []marketdata.DividendEvent
	err     error
	from    time.Time
	to      time.Time
}

func (c *fakeCalendar) FetchDividends(_ context.Context, from, to time.Time) ([]marketdata.DividendEvent, error) {
	c.from, c.to = from, to
	return c.entries, c.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// flakyWallet fails credits while failing is set
type flakyWallet struct {
	inner   Wallet
	failing bool
	calls   int
}

func (w *flakyWallet) Credit(ctx context.Context, userID string, amount decimal.Decimal, opts wallet.CreditOptions) (*wallet.Result, error) {
	w.calls++
	if w.failing {
		return nil, apperrors.ErrPersistence.WithError(errors.New("db down"))
	}
	return w.inner.Credit(ctx, userID, amount, opts)
}

type fixture struct {
	store    *repository.MemoryStore
	wallet   *wallet.Service
	flaky    *flakyWallet
	engine   *trade.Engine
	calendar *fakeCalendar
	clock    *clock
	pipeline *Pipeline
	events   *events.Recorder
}

func newFixture(t *testing.T, rate string) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	rec := events.NewRecorder()
	w := wallet.NewService(store, rec, wallet.DefaultCap)
	flaky := &flakyWallet{inner: w}
	cal := &fakeCalendar{}
	clk := &clock{now: time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)}

	p := NewPipeline(store, cal, flaky, rec, Config{
		WithholdingRate: d(rate),
		Location:        time.UTC,
		Now:             clk.Now,
	})
	return &fixture{
		store: store, wallet: w, flaky: flaky, engine: trade.NewEngine(store, w, rec),
		calendar: cal, clock: clk, pipeline: p, events: rec,
	}
}

func (f *fixture) buy(t *testing.T, userID, symbol, shares, price string) {
	t.Helper()
	ctx := context.Background()
	cost := d(shares).Mul(d(price))
	if _, err := f.wallet.Deposit(ctx, userID, cost, wallet.Options{}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.ApplyTrade(ctx, userID, trade.Input{
		Symbol: symbol, Side: types.SideBuy, Shares: d(shares), Price: d(price),
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func (f *fixture) sellAll(t *testing.T, userID, symbol, shares string) {
	t.Helper()
	if _, err := f.engine.ApplyTrade(context.Background(), userID, trade.Input{
		Symbol: symbol, Side: types.SideSell, Shares: d(shares), Price: d("1"),
	}); err != nil {
		t.Fatalf("sell: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	b, err := f.wallet.Balance(context.Background(), userID)
	if err != nil {
		t.Fatal(err)
	}
	return b.Balance
}

func koEvent() marketdata.DividendEvent {
	return marketdata.DividendEvent{
		Symbol:         "KO",
		Name:           "Coca-Cola",
		ExDate:         day(3, 2),
		RecordDate:     day(3, 3),
		PayDate:        day(3, 10),
		AmountPerShare: d("2"),
		Currency:       "USD",
		Frequency:      "QUARTERLY",
	}
}

func TestAmounts(t *testing.T) {
	tests := []struct {
		shares, dps, rate string
		gross, tax, net   string
	}{
		{"6", "2", "0", "12", "0", "12"},
		{"3", "0.2775", "0", "0.83", "0", "0.83"},
		{"10", "0.125", "0.15", "1.25", "0.19", "1.06"},
		{"1", "0.005", "0", "0.01", "0", "0.01"},
	}
	for _, tt := range tests {
		gross, tax, net := Amounts(d(tt.shares), d(tt.dps), d(tt.rate))
		if !gross.Equal(d(tt.gross)) || !tax.Equal(d(tt.tax)) || !net.Equal(d(tt.net)) {
			t.Errorf("Amounts(%s, %s, %s) = %s %s %s, want %s %s %s",
				tt.shares, tt.dps, tt.rate, gross, tax, net, tt.gross, tt.tax, tt.net)
		}
	}
}

func TestIngest(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	noRecord := koEvent()
	noRecord.Symbol = "PEP"
	noRecord.RecordDate = time.Time{}

	f.calendar.entries = []marketdata.DividendEvent{
		koEvent(),
		noRecord,
		{Symbol: "", ExDate: day(3, 2), PayDate: day(3, 9), AmountPerShare: d("1")},
		{Symbol: "X", ExDate: day(3, 2), AmountPerShare: d("1")},
		{Symbol: "Y", ExDate: day(3, 2), PayDate: day(3, 9), AmountPerShare: d("0")},
	}

	res, err := f.pipeline.Ingest(ctx)
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Processed != 2 || res.Created != 2 || res.Skipped != 3 || res.Errors != 0 {
		t.Errorf("result = %+v", res)
	}
	if !f.calendar.from.Equal(day(3, 1)) || !f.calendar.to.Equal(day(5, 30)) {
		t.Errorf("window = %s..%s", f.calendar.from, f.calendar.to)
	}

	again, _ := f.pipeline.Ingest(ctx)
	if again.Created != 0 || again.Processed != 2 {
		t.Errorf("re-ingest result = %+v, want no new actions", again)
	}

	candidates, _ := f.store.ListSnapshotCandidates(ctx, day(12, 31))
	if len(candidates) != 2 {
		t.Fatalf("actions = %d, want 2", len(candidates))
	}
	for _, a := range candidates {
		if a.Symbol == "PEP" && !a.RecordDate.Equal(day(3, 3)) {
			t.Errorf("default record date = %s, want ex date + 1", a.RecordDate)
		}
	}

	if n := len(f.events.Events(events.TopicCorporateActionIngested)); n != 2 {
		t.Errorf("ingested events = %d, want 2", n)
	}
}

func TestIngest_CalendarFailure(t *testing.T) {
	f := newFixture(t, "0")
	f.calendar.err = errors.New("upstream down")

	_, err := f.pipeline.Ingest(context.Background())
	if !errors.Is(err, apperrors.ErrProviderUnavailable) {
		t.Fatalf("error = %v, want ErrProviderUnavailable", err)
	}
}

func TestPipeline_FrozenEntitlementAfterSell(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	f.buy(t, "u1", "KO", "6", "10")
	f.calendar.entries = []marketdata.DividendEvent{koEvent()}
	if _, err := f.pipeline.Ingest(ctx); err != nil {
		t.Fatal(err)
	}

	f.clock.Set(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC))
	snap, err := f.pipeline.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Processed != 1 || snap.Created != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	f.sellAll(t, "u1", "KO", "6")
	before := f.balance(t, "u1")

	f.clock.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	settle, err := f.pipeline.Settle(ctx, SettleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if settle.Processed != 1 || settle.Errors != 0 {
		t.Fatalf("settle = %+v", settle)
	}

	if got := f.balance(t, "u1").Sub(before); !got.Equal(d("12")) {
		t.Errorf("credited %s, want 12", got)
	}

	history, _ := f.pipeline.History(ctx, "u1", 0)
	if len(history) != 1 || history[0].Status != types.PayoutPaid {
		t.Fatalf("history = %+v", history)
	}
	if history[0].WalletTransactionID == "" {
		t.Error("paid payout should reference its wallet transaction")
	}

	txs, _, _ := f.wallet.Transactions(ctx, "u1", 1, 1)
	if txs[0].Action != types.ActionDividend || txs[0].Metadata["symbol"] != "KO" {
		t.Errorf("latest wallet tx = %+v", txs[0])
	}

	if c, _ := f.store.ListSnapshotCandidates(ctx, day(12, 31)); len(c) != 0 {
		t.Error("paid action must not be snapshotted again")
	}
}

func TestSnapshot_RunsOnce(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	f.buy(t, "u1", "KO", "5", "10")
	f.buy(t, "u2", "KO", "1", "10")
	f.buy(t, "u3", "PEP", "1", "10")
	f.calendar.entries = []marketdata.DividendEvent{koEvent()}
	_, _ = f.pipeline.Ingest(ctx)

	f.clock.Set(time.Date(2026, 3, 2, 23, 0, 0, 0, time.UTC))
	if res, _ := f.pipeline.Snapshot(ctx); res.Processed != 0 {
		t.Errorf("snapshot before record date processed %d", res.Processed)
	}

	f.clock.Set(time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	first, _ := f.pipeline.Snapshot(ctx)
	second, _ := f.pipeline.Snapshot(ctx)

	if first.Created != 2 {
		t.Errorf("first snapshot created %d payouts, want 2", first.Created)
	}
	if second.Processed != 0 || second.Created != 0 {
		t.Errorf("second snapshot = %+v, want no work", second)
	}

	snapped := f.events.Events(events.TopicDividendSnapshotted)
	if len(snapped) != 1 {
		t.Fatalf("snapshot events = %d, want 1", len(snapped))
	}
	payload := snapped[0].Event.Payload.(events.DividendSnapshottedPayload)
	if payload.Holders != 2 || !payload.TotalShares.Equal(d("6")) {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSettle_NeverPaysTwice(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	f.buy(t, "u1", "KO", "3", "10")
	f.calendar.entries = []marketdata.DividendEvent{koEvent()}
	_, _ = f.pipeline.Ingest(ctx)
	f.clock.Set(time.Date(2026, 3, 12, 9, 0, 0, 0, time.UTC))
	_, _ = f.pipeline.Snapshot(ctx)

	before := f.balance(t, "u1")
	if _, err := f.pipeline.Settle(ctx, SettleOptions{}); err != nil {
		t.Fatal(err)
	}
	res, err := f.pipeline.Settle(ctx, SettleOptions{RetryFailed: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 0 {
		t.Errorf("second settle processed %d", res.Processed)
	}
	if got := f.balance(t, "u1").Sub(before); !got.Equal(d("6")) {
		t.Errorf("credited %s, want 6", got)
	}
	if f.flaky.calls != 1 {
		t.Errorf("credit calls = %d, want 1", f.flaky.calls)
	}
}

func TestSettle_FailureThenRetry(t *testing.T) {
	f := newFixture(t, "0.25")
	ctx := context.Background()

	f.buy(t, "u1", "KO", "10", "10")
	f.calendar.entries = []marketdata.DividendEvent{koEvent()}
	_, _ = f.pipeline.Ingest(ctx)
	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	_, _ = f.pipeline.Snapshot(ctx)

	before := f.balance(t, "u1")
	f.flaky.failing = true
	res, err := f.pipeline.Settle(ctx, SettleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Errors != 1 || res.Processed != 0 {
		t.Fatalf("failing settle = %+v", res)
	}
	history, _ := f.pipeline.History(ctx, "u1", 10)
	if history[0].Status != types.PayoutFailed || history[0].FailureReason == "" {
		t.Fatalf("payout = %+v, want FAILED with reason", history[0])
	}

	f.flaky.failing = false
	if res, _ := f.pipeline.Settle(ctx, SettleOptions{}); res.Processed != 0 {
		t.Error("failed payouts are only retried on request")
	}

	res, err = f.pipeline.Settle(ctx, SettleOptions{RetryFailed: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 {
		t.Fatalf("retry = %+v", res)
	}
	if got := f.balance(t, "u1").Sub(before); !got.Equal(d("15")) {
		t.Errorf("credited %s, want 15 net of 25%% withholding", got)
	}

	history, _ = f.pipeline.History(ctx, "u1", 10)
	if history[0].Status != types.PayoutPaid || !history[0].TaxWithheld.Equal(d("5")) {
		t.Errorf("payout = %+v", history[0])
	}
}

func TestSettle_CapOverflowFailsPayout(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	f.buy(t, "u1", "KO", "10", "10")
	_, _ = f.wallet.Deposit(ctx, "u1", wallet.DefaultCap, wallet.Options{})
	f.calendar.entries = []marketdata.DividendEvent{koEvent()}
	_, _ = f.pipeline.Ingest(ctx)
	f.clock.Set(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	_, _ = f.pipeline.Snapshot(ctx)

	res, _ := f.pipeline.Settle(ctx, SettleOptions{})
	if res.Errors != 1 {
		t.Fatalf("settle = %+v, want one failure", res)
	}
	history, _ := f.pipeline.History(ctx, "u1", 10)
	if history[0].Status != types.PayoutFailed {
		t.Errorf("status = %s, want FAILED", history[0].Status)
	}
	if history[0].FailureReason != "VALIDATION_ERROR: balance_exceeds_cap" {
		t.Errorf("reason = %q", history[0].FailureReason)
	}
}

func TestUpcoming(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()

	f.buy(t, "u1", "KO", "4", "10")
	f.calendar.entries = []marketdata.DividendEvent{koEvent()}
	_, _ = f.pipeline.Ingest(ctx)

	upcoming, err := f.pipeline.Upcoming(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(upcoming) != 1 || !upcoming[0].EstimatedGross.Equal(d("8")) {
		t.Errorf("upcoming = %+v", upcoming)
	}

	none, _ := f.pipeline.Upcoming(ctx, "nobody")
	if len(none) != 0 {
		t.Errorf("upcoming for non-holder = %d", len(none))
	}
}

func TestToday_UsesLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	clk := &clock{now: time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC)}
	p := NewPipeline(repository.NewMemoryStore(), nil, nil, nil, Config{Location: ny, Now: clk.Now})

	if got := p.Today(); !got.Equal(day(3, 2)) {
		t.Errorf("Today() = %s, want 2026-03-02", got)
	}
}
