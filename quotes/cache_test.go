package quotes

import (
	"fmt"
	"testing"
)

func TestStoreLookup(t *testing.T) {
	c := NewCache(0)

	q := Quote{Bid: 5.40, Ask: 5.50, BidSize: 10, AskSize: 12}
	c.Store("O:AMD251219C00155000", q)

	got, ok := c.Lookup("O:AMD251219C00155000")
	if !ok {
		t.Fatal("expected stored quote to be found")
	}
	if got.Bid != 5.40 || got.Ask != 5.50 {
		t.Errorf("lookup returned %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("Store must stamp UpdatedAt")
	}

	if _, ok := c.Lookup("O:MISSING251219C00001000"); ok {
		t.Error("lookup of an unknown symbol must miss")
	}
}

func TestOverwrite(t *testing.T) {
	c := NewCache(0)
	sym := "O:SPY251115P00580000"

	c.Store(sym, Quote{Bid: 8.00, Ask: 8.20})
	c.Store(sym, Quote{Bid: 8.10, Ask: 8.25})

	got, _ := c.Lookup(sym)
	if got.Bid != 8.10 || got.Ask != 8.25 {
		t.Errorf("expected latest quote, got %+v", got)
	}
	if c.Len() != 1 {
		t.Errorf("overwrite must not grow the cache, len = %d", c.Len())
	}
}

// The soft cap holds: inserting far past capacity keeps the cache
// bounded by evicting the least-recently-updated entries.
func TestEvictionCap(t *testing.T) {
	max := shardCount * 4
	c := NewCache(max)

	for i := 0; i < max*3; i++ {
		c.Store(fmt.Sprintf("O:T%c%c251219C00010000", 'A'+i%26, 'A'+(i/26)%26), Quote{Bid: 1, Ask: 2})
	}

	if got := c.Len(); got > max {
		t.Errorf("cache size %d exceeds soft cap %d", got, max)
	}
}

func TestQuoteValidity(t *testing.T) {
	cases := []struct {
		q     Quote
		valid bool
	}{
		{Quote{Bid: 1.00, Ask: 1.10}, true},
		{Quote{Bid: 1.00, Ask: 1.00}, true},
		{Quote{Bid: 0, Ask: 1.10}, false},
		{Quote{Bid: 1.00, Ask: 0}, false},
		{Quote{Bid: 1.20, Ask: 1.10}, false},
	}
	for _, tc := range cases {
		if got := tc.q.Valid(); got != tc.valid {
			t.Errorf("Valid(%+v) = %t, want %t", tc.q, got, tc.valid)
		}
	}
	if mid := (Quote{Bid: 4.30, Ask: 4.45}).Mid(); mid != 4.375 {
		t.Errorf("Mid = %f, want 4.375", mid)
	}
}
