package websocket

import (
	"testing"

	"flow-radar/aggregator"
	"flow-radar/config"
	"flow-radar/metrics"
	"flow-radar/quotes"
)

func testFarm(onTrade TradeFunc, onQuote QuoteFunc) *Farm {
	cfg := config.FarmConfig{
		SessionsTotal:    2,
		SessionsStatic:   1,
		QuotesPerSession: 10,
	}
	if onTrade == nil {
		onTrade = func(aggregator.RawTrade) {}
	}
	if onQuote == nil {
		onQuote = func(string, quotes.Quote) {}
	}
	return NewFarm(cfg, "wss://example", "key", []string{"SPY"}, onTrade, onQuote, metrics.NewCollector())
}

// Two trades with the same (symbol, sequence) key: only the first
// reaches the pipeline.
func TestDedup(t *testing.T) {
	var delivered []aggregator.RawTrade
	f := testFarm(func(tr aggregator.RawTrade) { delivered = append(delivered, tr) }, nil)

	msg := Message{Ev: "T", Sym: "O:AMD251219C00155000", Price: 5.50, Size: 40, Exchange: 65, Sequence: 1001, Timestamp: 1_700_000_000_000_000_000}
	f.dispatchTrade(msg)
	f.dispatchTrade(msg)

	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivered trade, got %d", len(delivered))
	}

	msg.Sequence = 1002
	f.dispatchTrade(msg)
	if len(delivered) != 2 {
		t.Fatalf("a new sequence must pass dedup, got %d", len(delivered))
	}
}

// Nanosecond feed timestamps are converted to milliseconds at ingress.
func TestTimestampConversion(t *testing.T) {
	var got aggregator.RawTrade
	f := testFarm(func(tr aggregator.RawTrade) { got = tr }, nil)

	f.dispatchTrade(Message{
		Ev: "T", Sym: "O:AMD251219C00155000", Price: 5.50, Size: 40,
		Sequence: 1, Timestamp: 1_700_000_000_123_456_789,
	})

	if got.SourceTime != 1_700_000_000_123 {
		t.Errorf("expected ms timestamp, got %d", got.SourceTime)
	}
}

func TestToMillis(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{1_700_000_000_123_456_789, 1_700_000_000_123}, // ns
		{1_700_000_000_123_456, 1_700_000_000_123},     // µs
		{1_700_000_000_123, 1_700_000_000_123},         // already ms
	}
	for _, tc := range cases {
		if got := toMillis(tc.in); got != tc.want {
			t.Errorf("toMillis(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// Malformed trades are counted and dropped, never forwarded.
func TestMalformedTradeDropped(t *testing.T) {
	delivered := 0
	f := testFarm(func(aggregator.RawTrade) { delivered++ }, nil)

	f.dispatchTrade(Message{Ev: "T", Sym: "", Price: 5.50, Size: 40, Sequence: 1})
	f.dispatchTrade(Message{Ev: "T", Sym: "O:AMD251219C00155000", Price: 0, Size: 40, Sequence: 2})
	f.dispatchTrade(Message{Ev: "T", Sym: "O:AMD251219C00155000", Price: 5.50, Size: 0, Sequence: 3})

	if delivered != 0 {
		t.Errorf("malformed trades must be dropped, %d delivered", delivered)
	}
}

// The dedup set bulk-clears past its cap instead of growing without
// bound; trades keep flowing.
func TestDedupTruncation(t *testing.T) {
	delivered := 0
	f := testFarm(func(aggregator.RawTrade) { delivered++ }, nil)

	for i := 0; i < dedupMaxSize+10; i++ {
		f.dispatchTrade(Message{
			Ev: "T", Sym: "O:AMD251219C00155000", Price: 5.50, Size: 40,
			Sequence: int64(i),
		})
	}

	if delivered != dedupMaxSize+10 {
		t.Fatalf("expected every distinct trade delivered, got %d", delivered)
	}
	if len(f.dedup) > dedupMaxSize {
		t.Errorf("dedup set size %d exceeds cap", len(f.dedup))
	}
}

// Trade volume accumulates per contract for the rebalancer's snapshot.
func TestVolumeTable(t *testing.T) {
	f := testFarm(nil, nil)

	for i := 0; i < 3; i++ {
		f.dispatchTrade(Message{
			Ev: "T", Sym: "O:AMD251219C00155000", Price: 5.50, Size: 40,
			Sequence: int64(i),
		})
	}
	f.dispatchTrade(Message{Ev: "T", Sym: "O:SPY251115P00580000", Price: 8.25, Size: 800, Sequence: 100})

	snapshot := f.snapshotVolume()
	if snapshot["O:AMD251219C00155000"] != 120 {
		t.Errorf("expected volume 120, got %d", snapshot["O:AMD251219C00155000"])
	}
	if snapshot["O:SPY251115P00580000"] != 800 {
		t.Errorf("expected volume 800, got %d", snapshot["O:SPY251115P00580000"])
	}

	// snapshot is a copy, not a view
	snapshot["O:AMD251219C00155000"] = 0
	if f.snapshotVolume()["O:AMD251219C00155000"] != 120 {
		t.Error("mutating a snapshot must not touch the volume table")
	}
}

func TestQuoteDispatch(t *testing.T) {
	var gotSym string
	var gotQuote quotes.Quote
	f := testFarm(nil, func(sym string, q quotes.Quote) { gotSym, gotQuote = sym, q })

	f.dispatchQuote(Message{
		Ev: "Q", Sym: "O:AMD251219C00155000",
		BidPrice: 5.40, AskPrice: 5.50, BidSize: 10, AskSize: 12,
		Timestamp: 1_700_000_000_123_456_789,
	})

	if gotSym != "O:AMD251219C00155000" {
		t.Fatalf("quote not dispatched, sym = %q", gotSym)
	}
	if gotQuote.Bid != 5.40 || gotQuote.Ask != 5.50 {
		t.Errorf("unexpected quote %+v", gotQuote)
	}
	if gotQuote.SourceTime != 1_700_000_000_123 {
		t.Errorf("quote timestamp not normalized: %d", gotQuote.SourceTime)
	}
}
