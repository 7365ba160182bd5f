// Package oracle supplies mark prices and funding rates to the futures
// engine. Prices arrive over NATS from the external market data feed and
// are cached in memory; consumers only ever read the latest value.
package oracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Source answers the current mark price for a symbol. A zero price means
// the feed has no quote yet and the caller must treat the price as
// unavailable.
type Source interface {
	CurrentPrice(symbol string) decimal.Decimal
}

// RateSource answers the current funding rate for a symbol.
type RateSource interface {
	FundingRate(symbol string) decimal.Decimal
}

type quote struct {
	price decimal.Decimal
	rate  decimal.Decimal
	at    time.Time
}

// Store is the in-memory price cache. It satisfies Source and RateSource.
type Store struct {
	mu     sync.RWMutex
	quotes map[string]quote
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		quotes: make(map[string]quote),
		now:    time.Now,
	}
}

func (s *Store) CurrentPrice(symbol string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotes[symbol].price
}

func (s *Store) FundingRate(symbol string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotes[symbol].rate
}

// UpdatedAt reports when a symbol's quote was last refreshed.
func (s *Store) UpdatedAt(symbol string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quotes[symbol].at
}

// SetPrice installs a new mark price. Non-positive prices are ignored so a
// malformed tick can never blank out a live quote.
func (s *Store) SetPrice(symbol string, price decimal.Decimal) {
	if price.Sign() <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotes[symbol]
	q.price = price
	q.at = s.now()
	s.quotes[symbol] = q
}

// SetFundingRate installs a new funding rate. Rates may be negative, in
// which case shorts pay longs.
func (s *Store) SetFundingRate(symbol string, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.quotes[symbol]
	q.rate = rate
	q.at = s.now()
	s.quotes[symbol] = q
}
