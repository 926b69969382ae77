package contract

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := []struct {
		symbol string
		ticker string
		expiry string
		side   Side
		strike float64
	}{
		{"O:AMD251219C00155000", "AMD", "2025-12-19", SideCall, 155.00},
		{"O:SPY251115P00580000", "SPY", "2025-11-15", SidePut, 580.00},
		{"O:NVDA251122C00145000", "NVDA", "2025-11-22", SideCall, 145.00},
		{"O:F260116C00012500", "F", "2026-01-16", SideCall, 12.50},
		{"O:SPXW251031P05900000", "SPXW", "2025-10-31", SidePut, 5900.00},
		// 7-digit date with a 3-digit year offset
		{"O:TSLA0251219P00300000", "TSLA", "2025-12-19", SidePut, 300.00},
		// fractional strike
		{"O:GME251219C00030500", "GME", "2025-12-19", SideCall, 30.50},
	}

	for _, tc := range cases {
		got, err := Parse(tc.symbol)
		if err != nil {
			t.Errorf("Parse(%s): unexpected error %v", tc.symbol, err)
			continue
		}
		if got.Ticker != tc.ticker {
			t.Errorf("Parse(%s): ticker = %s, want %s", tc.symbol, got.Ticker, tc.ticker)
		}
		if exp := got.Expiration.Format("2006-01-02"); exp != tc.expiry {
			t.Errorf("Parse(%s): expiry = %s, want %s", tc.symbol, exp, tc.expiry)
		}
		if got.Side != tc.side {
			t.Errorf("Parse(%s): side = %s, want %s", tc.symbol, got.Side, tc.side)
		}
		if got.Strike != tc.strike {
			t.Errorf("Parse(%s): strike = %.3f, want %.3f", tc.symbol, got.Strike, tc.strike)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"AMD251219C00155000",     // missing prefix
		"O:251219C00155000",      // missing ticker
		"O:AMD251219X00155000",   // bad side letter
		"O:AMD251219C0015500",    // short strike
		"O:AMD251219C0015500a",   // non-digit strike
		"O:AMD25121C00155000",    // 5-digit date
		"O:AMD251349C00155000",   // month 13
		"O:amd251219C00155000",   // lowercase ticker
		"O:AMD251219C00000000",   // zero strike
		"O:AMD12345678C00155000", // 8-digit date run
	}
	for _, sym := range cases {
		if _, err := Parse(sym); err == nil {
			t.Errorf("Parse(%q): expected MalformedSymbol", sym)
		}
	}
}

// Encoding then parsing any valid identity yields the original tuple.
func TestParseRoundTrip(t *testing.T) {
	tickers := []string{"A", "GM", "AMD", "NVDA", "SPXW"}
	strikes := []float64{0.500, 12.345, 155.000, 580.500, 5900.000}
	expiry := time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)

	for _, ticker := range tickers {
		for _, strike := range strikes {
			for _, side := range []Side{SideCall, SidePut} {
				sym := Format(ticker, expiry, side, strike)
				got, err := Parse(sym)
				if err != nil {
					t.Fatalf("Parse(Format(%s, %v, %s, %.3f)) = %q: %v", ticker, expiry, side, strike, sym, err)
				}
				if got.Ticker != ticker || !got.Expiration.Equal(expiry) || got.Side != side || got.Strike != strike {
					t.Errorf("round trip mismatch for %q: got %+v", sym, got)
				}
			}
		}
	}
}

func TestUnderlying(t *testing.T) {
	cases := map[string]string{
		"O:AMD251219C00155000":  "AMD",
		"O:SPXW251031P05900000": "SPXW",
		"AMD":                   "",
		"":                      "",
	}
	for sym, want := range cases {
		if got := Underlying(sym); got != want {
			t.Errorf("Underlying(%q) = %q, want %q", sym, got, want)
		}
	}
}

func TestDaysToExpiry(t *testing.T) {
	c := Contract{Expiration: time.Date(2025, 12, 19, 0, 0, 0, 0, time.UTC)}

	now := time.Date(2025, 12, 9, 15, 30, 0, 0, time.UTC)
	if got := c.DaysToExpiry(now); got != 10 {
		t.Errorf("DaysToExpiry = %d, want 10", got)
	}

	sameDay := time.Date(2025, 12, 19, 10, 0, 0, 0, time.UTC)
	if got := c.DaysToExpiry(sameDay); got != 0 {
		t.Errorf("DaysToExpiry on expiry day = %d, want 0", got)
	}
}
