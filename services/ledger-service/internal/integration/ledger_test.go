//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/dividend"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/repository"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/trade"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(m time.Month, dd int) time.Time {
	return time.Date(2026, m, dd, 0, 0, 0, 0, time.UTC)
}

func TestSnapshot_TwiceGivesOnePayoutPerUser(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()

	h.Buy("u1", "KO", "10", "60")
	h.Buy("u2", "KO", "2.5", "60")
	action := h.AddDividend("KO", "0.51", day(3, 9), day(4, 1))

	first, err := h.Pipeline.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if first.Processed != 1 || first.Created != 2 {
		t.Errorf("first run = %+v, want 1 action and 2 payouts", first)
	}

	second, err := h.Pipeline.Snapshot(ctx)
	if err != nil {
		t.Fatalf("second Snapshot() error = %v", err)
	}
	if second.Processed != 0 || second.Created != 0 {
		t.Errorf("second run = %+v, want nothing to do", second)
	}
	if got := h.ActionStatus(action.ID); got != types.ActionSnapshotted {
		t.Errorf("action status = %s, want SNAPSHOTTED", got)
	}

	// A straggling run that selected the action before it advanced
	_, err = h.Store.SnapshotAction(ctx, action.ID, func([]types.Position) []types.DividendPayout { return nil })
	if !errors.Is(err, repository.ErrStatusChanged) {
		t.Errorf("late SnapshotAction() error = %v, want ErrStatusChanged", err)
	}

	for _, user := range []string{"u1", "u2"} {
		if n := len(h.Payouts(user, action.ID)); n != 1 {
			t.Errorf("%s has %d payouts, want 1", user, n)
		}
	}

	p := h.Payouts("u2", action.ID)[0]
	// 2.5 * 0.51 = 1.275 -> 1.28 gross, 0.38 withheld
	if !p.QuantityOnRecordDate.Equal(d("2.5")) || !p.GrossAmount.Equal(d("1.28")) || !p.NetAmount.Equal(d("0.90")) {
		t.Errorf("u2 payout = qty %s gross %s net %s", p.QuantityOnRecordDate, p.GrossAmount, p.NetAmount)
	}
	if p.Status != types.PayoutPending || p.Symbol != "KO" || !p.AmountPerShare.Equal(d("0.51")) {
		t.Errorf("u2 payout = %+v", p)
	}
}

func TestSnapshotAction_DuplicatePayoutsIgnored(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()

	h.Buy("u1", "PEP", "4", "150")
	action := h.AddDividend("PEP", "1.355", day(3, 6), day(3, 31))

	created, err := h.Store.SnapshotAction(ctx, action.ID, func(holders []types.Position) []types.DividendPayout {
		var out []types.DividendPayout
		for _, pos := range holders {
			p := types.DividendPayout{UserID: pos.UserID, QuantityOnRecordDate: pos.TotalShares}
			out = append(out, p, p)
		}
		return out
	})
	if err != nil {
		t.Fatalf("SnapshotAction() error = %v", err)
	}
	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}
	if n := len(h.Payouts("u1", action.ID)); n != 1 {
		t.Errorf("payouts = %d, want 1", n)
	}
}

func TestSettle_PaidPayoutIsTerminal(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()

	h.Buy("u1", "KO", "10", "60")
	action := h.AddDividend("KO", "0.50", day(3, 9), day(3, 10))
	if _, err := h.Pipeline.Snapshot(ctx); err != nil {
		t.Fatal(err)
	}
	payout := h.Payouts("u1", action.ID)[0]

	// The credit landed but the process died before the payout was marked
	if _, err := h.Wallet.Credit(ctx, "u1", d("3.50"), wallet.CreditOptions{
		Action:         types.ActionDividend,
		Reference:      payout.ID,
		IdempotencyKey: wallet.DividendKey(payout.ID),
	}); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	res, err := h.Pipeline.Settle(ctx, dividend.SettleOptions{})
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if res.Processed != 1 || res.Errors != 0 {
		t.Errorf("settle = %+v, want 1 processed", res)
	}
	h.AssertBalance("u1", "3.50")

	paid := h.Payouts("u1", action.ID)[0]
	if paid.Status != types.PayoutPaid || paid.WalletTransactionID == "" || paid.PaidAt == nil {
		t.Errorf("payout after settle = %+v", paid)
	}
	if got := h.ActionStatus(action.ID); got != types.ActionPaid {
		t.Errorf("action status = %s, want PAID", got)
	}

	again, err := h.Pipeline.Settle(ctx, dividend.SettleOptions{RetryFailed: true})
	if err != nil {
		t.Fatalf("second Settle() error = %v", err)
	}
	if again.Processed != 0 || again.Errors != 0 {
		t.Errorf("second settle = %+v, want nothing to do", again)
	}
	h.AssertBalance("u1", "3.50")

	if ok, err := h.Store.MarkPayoutPaid(ctx, &paid.DividendPayout); err != nil || ok {
		t.Errorf("MarkPayoutPaid(paid) = %v, %v; want false", ok, err)
	}
	if ok, err := h.Store.MarkPayoutFailed(ctx, paid.ID, "late failure"); err != nil || ok {
		t.Errorf("MarkPayoutFailed(paid) = %v, %v; want false", ok, err)
	}
	if p := h.Payouts("u1", action.ID)[0]; p.Status != types.PayoutPaid || p.FailureReason != "" {
		t.Errorf("paid payout regressed to %s (%q)", p.Status, p.FailureReason)
	}
}

func TestConcurrentDeposits_NoLostUpdate(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Wallet.Deposit(ctx, "u1", d("10.05"), wallet.Options{IdempotencyKey: fmt.Sprintf("dep-%d", i)})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Deposit() error = %v", err)
		}
	}
	h.AssertBalance("u1", "201.00")

	_, total, err := h.Store.ListWalletTransactions(ctx, "u1", 50, 0)
	if err != nil || total != n {
		t.Errorf("transactions = %d, %v; want %d", total, err, n)
	}
}

func TestConcurrentDeposits_SameKeyAppliesOnce(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		replayed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.Wallet.Deposit(ctx, "u1", d("25"), wallet.Options{IdempotencyKey: "same"})
			if err != nil {
				t.Errorf("Deposit() error = %v", err)
				return
			}
			mu.Lock()
			if res.Replayed {
				replayed++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	h.AssertBalance("u1", "25")
	if replayed != n-1 {
		t.Errorf("replayed = %d, want %d", replayed, n-1)
	}
}

func TestTrade_FractionalRoundTrip(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()

	h.Buy("u1", "AAPL", "0.3333", "187.337")
	h.Deposit("u1", "300")
	if _, err := h.Trades.ApplyTrade(ctx, "u1", trade.Input{
		Symbol: "AAPL", Side: types.SideBuy, Shares: d("1.25"), Price: d("190.011"), IdempotencyKey: "t-2",
	}); err != nil {
		t.Fatal(err)
	}
	sell, err := h.Trades.ApplyTrade(ctx, "u1", trade.Input{
		Symbol: "AAPL", Side: types.SideSell, Shares: d("0.5"), Price: d("201.449"),
	})
	if err != nil {
		t.Fatal(err)
	}

	stored, err := h.Store.GetPosition(ctx, "u1", "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if !stored.TotalShares.Equal(d("1.0833")) {
		t.Errorf("shares = %s, want 1.0833", stored.TotalShares)
	}
	if !stored.TotalCost.Equal(sell.Position.TotalCost) || !stored.AverageCost.Equal(sell.Position.AverageCost) ||
		!stored.RealizedPnL.Equal(sell.Position.RealizedPnL) {
		t.Errorf("stored position %+v differs from engine result %+v", stored, sell.Position)
	}

	replay, err := h.Trades.ApplyTrade(ctx, "u1", trade.Input{
		Symbol: "AAPL", Side: types.SideBuy, Shares: d("1.25"), Price: d("190.011"), IdempotencyKey: "t-2",
	})
	if err != nil || !replay.Replayed {
		t.Fatalf("replay = %+v, %v", replay, err)
	}
	if !replay.Trade.Total.Equal(d("237.51")) {
		t.Errorf("replayed total = %s, want 237.51", replay.Trade.Total)
	}

	trades, err := h.Store.ListTrades(ctx, "u1", 10)
	if err != nil || len(trades) != 3 {
		t.Fatalf("trades = %d, %v; want 3", len(trades), err)
	}
}

func TestSnapshots_RoundTrip(t *testing.T) {
	h := NewHarness(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	for i, tpv := range []string{"100.5", "101.25", "99"} {
		if err := h.Store.InsertSnapshot(ctx, &types.PortfolioSnapshot{
			UserID:              "u1",
			TakenAt:             now.Add(time.Duration(i) * time.Minute),
			TotalPortfolioValue: d(tpv),
			HoldingsCount:       1,
			Details:             []types.HoldingValue{{Symbol: "AAPL", Shares: d("1.5")}},
		}); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := h.Store.LatestSnapshot(ctx, "u1")
	if err != nil || latest == nil {
		t.Fatalf("LatestSnapshot() = %v, %v", latest, err)
	}
	if !latest.TotalPortfolioValue.Equal(d("99")) || len(latest.Details) != 1 || !latest.Details[0].Shares.Equal(d("1.5")) {
		t.Errorf("latest = %+v", latest)
	}

	series, err := h.Store.ListSnapshots(ctx, "u1", now, now.Add(time.Minute))
	if err != nil || len(series) != 2 {
		t.Fatalf("ListSnapshots() = %d, %v; want 2", len(series), err)
	}
	if !series[0].TakenAt.Before(series[1].TakenAt) {
		t.Error("snapshots should be ascending")
	}
}
