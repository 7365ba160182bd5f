package oracle_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"tradecore/internal/oracle"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStorePrices(t *testing.T) {
	s := oracle.NewStore()

	if !s.CurrentPrice("BTCUSDT").IsZero() {
		t.Fatal("unknown symbol must report a zero price")
	}

	if !s.UpdatedAt("BTCUSDT").IsZero() {
		t.Fatal("unknown symbol must report a zero update time")
	}

	s.SetPrice("BTCUSDT", dec("50000"))
	if !s.CurrentPrice("BTCUSDT").Equal(dec("50000")) {
		t.Fatalf("price = %s, want 50000", s.CurrentPrice("BTCUSDT"))
	}
	if s.UpdatedAt("BTCUSDT").IsZero() {
		t.Fatal("update time not recorded")
	}

	// A malformed non-positive tick never blanks a live quote.
	s.SetPrice("BTCUSDT", dec("0"))
	s.SetPrice("BTCUSDT", dec("-1"))
	if !s.CurrentPrice("BTCUSDT").Equal(dec("50000")) {
		t.Fatalf("price = %s after bad ticks, want 50000", s.CurrentPrice("BTCUSDT"))
	}
}

func TestStoreFundingRates(t *testing.T) {
	s := oracle.NewStore()

	if !s.FundingRate("BTCUSDT").IsZero() {
		t.Fatal("unknown symbol must report a zero rate")
	}
	s.SetFundingRate("BTCUSDT", dec("-0.0125"))
	if !s.FundingRate("BTCUSDT").Equal(dec("-0.0125")) {
		t.Fatalf("rate = %s, want -0.0125", s.FundingRate("BTCUSDT"))
	}
}
