package quote

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rohianon/equishare-portfolio-ledger/pkg/marketdata"
)

func entryAt(price string, at time.Time) Entry {
	return Entry{Quote: marketdata.Quote{Price: decimal.RequireFromString(price)}, FetchedAt: at}
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(2, time.Hour, clock.Now)

	c.Set("A", entryAt("1", clock.Now()))
	c.Set("B", entryAt("2", clock.Now()))
	c.Get("A")
	c.Set("C", entryAt("3", clock.Now()))

	if _, ok := c.Get("B"); ok {
		t.Error("B should have been evicted")
	}
	if _, ok := c.Get("A"); !ok {
		t.Error("A should still be cached")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}

func TestCache_DropsExpired(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(10, time.Minute, clock.Now)

	c.Set("A", entryAt("1", clock.Now()))
	clock.Advance(59 * time.Second)
	if _, ok := c.Get("A"); !ok {
		t.Fatal("entry should survive below max age")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("A"); ok {
		t.Error("entry should expire at max age")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCache_SetReplaces(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(10, 0, clock.Now)

	c.Set("A", entryAt("1", clock.Now()))
	c.Set("A", entryAt("2", clock.Now()))

	e, ok := c.Get("A")
	if !ok || !e.Quote.Price.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Get(A) = %v %v, want price 2", e.Quote.Price, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}
