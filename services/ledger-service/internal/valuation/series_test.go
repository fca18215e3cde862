package valuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/Rohianon/equishare-portfolio-ledger/pkg/errors"
	"github.com/Rohianon/equishare-portfolio-ledger/services/ledger-service/internal/types"
)

func TestNormalizeRange(t *testing.T) {
	tests := map[string]string{
		"":      "1d",
		"1h":    "1h",
		"24h":   "1d",
		"week":  "1w",
		"7D":    "1w",
		"30d":   "1m",
		"month": "1m",
		"3m":    "3m",
		"ytd":   "1y",
		"12m":   "1y",
		"max":   "all",
		"all":   "all",
		"bogus": "1d",
	}
	for in, want := range tests {
		if got := NormalizeRange(in); got != want {
			t.Errorf("NormalizeRange(%q) = %q, want %q", in, got, want)
		}
	}
}

func (f *fixture) snapshotAt(t *testing.T, userID string, at time.Time, tpv int64) {
	t.Helper()
	err := f.store.InsertSnapshot(context.Background(), &types.PortfolioSnapshot{
		UserID:              userID,
		TakenAt:             at,
		TotalPortfolioValue: decimal.NewFromInt(tpv),
		Details:             []types.HoldingValue{{Symbol: "AAPL"}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSeries_AutoGrid(t *testing.T) {
	f := newFixture(t, true)
	now := f.clock.Now()

	f.snapshotAt(t, "u1", now.Add(-30*time.Hour), 90)
	f.snapshotAt(t, "u1", now.Add(-150*time.Minute), 100)
	f.snapshotAt(t, "u1", now.Add(-30*time.Minute), 110)

	s, err := f.engine.Series(context.Background(), "u1", "24h", "")
	if err != nil {
		t.Fatal(err)
	}
	if s.Range != "1d" || s.Granularity != GranularityAuto {
		t.Errorf("range/granularity = %s/%s", s.Range, s.Granularity)
	}
	// grid at now-23h .. now hourly; first in-range snapshot is at now-2.5h
	if len(s.Points) != 3 {
		t.Fatalf("points = %d, want 3", len(s.Points))
	}
	want := []int64{100, 100, 110}
	for i, p := range s.Points {
		if !p.TotalPortfolioValue.Equal(decimal.NewFromInt(want[i])) {
			t.Errorf("point %d = %s, want %d", i, p.TotalPortfolioValue, want[i])
		}
		if p.Details != nil {
			t.Error("series points should not carry holding details")
		}
	}
	if !s.Points[2].TakenAt.Equal(now) {
		t.Errorf("last point at %s, want now", s.Points[2].TakenAt)
	}
}

func TestSeries_Raw(t *testing.T) {
	f := newFixture(t, true)
	now := f.clock.Now()
	f.snapshotAt(t, "u1", now.Add(-2*time.Hour), 1)
	f.snapshotAt(t, "u1", now.Add(-time.Hour), 2)
	f.snapshotAt(t, "u1", now.Add(-48*time.Hour), 0)

	s, err := f.engine.Series(context.Background(), "u1", "1d", "raw")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Points) != 2 || !s.Points[0].TakenAt.Before(s.Points[1].TakenAt) {
		t.Errorf("raw points = %+v", s.Points)
	}
}

func TestSeries_RawDownsamples(t *testing.T) {
	f := newFixture(t, true)
	now := f.clock.Now()
	for i := 0; i < 400; i++ {
		f.snapshotAt(t, "u1", now.Add(-time.Duration(400-i)*time.Minute), int64(i))
	}

	s, err := f.engine.Series(context.Background(), "u1", "1d", "raw")
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Points) > rawLimit || len(s.Points) < 13 {
		t.Fatalf("downsampled to %d points", len(s.Points))
	}
	last := s.Points[len(s.Points)-1]
	if !last.TotalPortfolioValue.Equal(decimal.NewFromInt(399)) {
		t.Errorf("last point = %s, want the newest snapshot", last.TotalPortfolioValue)
	}
}

func TestSeries_ExplicitGranularity(t *testing.T) {
	f := newFixture(t, true)
	now := f.clock.Now()
	f.snapshotAt(t, "u1", now.Add(-50*time.Minute), 5)

	s, err := f.engine.Series(context.Background(), "u1", "1h", "15m")
	if err != nil {
		t.Fatal(err)
	}
	// grid now-60, -45, -30, -15, 0; the first precedes the snapshot
	if len(s.Points) != 4 {
		t.Errorf("points = %d, want 4", len(s.Points))
	}
}

func TestSeries_All(t *testing.T) {
	f := newFixture(t, true)
	now := f.clock.Now()
	f.snapshotAt(t, "u1", now.Add(-400*24*time.Hour), 1)
	f.snapshotAt(t, "u1", now.Add(-time.Hour), 2)

	s, err := f.engine.Series(context.Background(), "u1", "max", "auto")
	if err != nil {
		t.Fatal(err)
	}
	if s.Range != RangeAll || len(s.Points) != allPoints {
		t.Errorf("all range points = %d, want %d", len(s.Points), allPoints)
	}
}

func TestSeries_Errors(t *testing.T) {
	f := newFixture(t, true)
	f.snapshotAt(t, "u1", f.clock.Now().Add(-time.Minute), 1)

	for _, g := range []string{"weekly", "-5m", "1s"} {
		_, err := f.engine.Series(context.Background(), "u1", "1y", g)
		if !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("granularity %q: error = %v, want validation error", g, err)
		}
	}

	s, err := f.engine.Series(context.Background(), "nobody", "1d", "auto")
	if err != nil || len(s.Points) != 0 {
		t.Errorf("empty series = %+v, %v", s, err)
	}
}

func TestSeries_FlatWithoutHistory(t *testing.T) {
	f := newFixture(t, false)
	f.seed(t, "u1", "0", pos("AAPL", "2", "50"))
	f.quotes.set("AAPL", "60")
	now := f.clock.Now().UTC()

	s, err := f.engine.Series(context.Background(), "u1", "1w", "auto")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Synthetic || len(s.Points) != 2 {
		t.Fatalf("series = %+v, want 2 synthetic points", s)
	}
	if !s.Points[0].TakenAt.Equal(now.Add(-7*day)) || !s.Points[1].TakenAt.Equal(now) {
		t.Errorf("window = %s..%s", s.Points[0].TakenAt, s.Points[1].TakenAt)
	}
	for _, p := range s.Points {
		if !p.TotalPortfolioValue.Equal(d("120")) || !p.CostBasis.Equal(d("100")) || p.HoldingsCount != 1 {
			t.Errorf("point = %+v, want the live 120 valuation", p)
		}
	}

	all, err := f.engine.Series(context.Background(), "u1", "all", "auto")
	if err != nil || len(all.Points) != 1 {
		t.Errorf("all range = %+v, %v; want one point at now", all, err)
	}
}
