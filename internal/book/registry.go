package book

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"tradecore/internal/errs"
	"tradecore/internal/market"
	"tradecore/internal/wallet"
)

// Registry holds one Book per listed trading pair.
type Registry struct {
	mu    sync.RWMutex
	books map[string]*Book

	ledger *wallet.Ledger
	sink   Sink
	log    zerolog.Logger
}

func NewRegistry(ledger *wallet.Ledger, sink Sink, logger zerolog.Logger) *Registry {
	return &Registry{
		books:  make(map[string]*Book),
		ledger: ledger,
		sink:   sink,
		log:    logger,
	}
}

// Register lists a pair and returns its book. Registering an already
// listed symbol returns the existing book.
func (r *Registry) Register(pair market.Pair) *Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.books[pair.Symbol]; ok {
		return b
	}
	b := New(pair, r.ledger, r.sink, r.log)
	r.books[pair.Symbol] = b
	return b
}

// Get returns the book for symbol.
func (r *Registry) Get(symbol string) (*Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no book for symbol %s", errs.ErrNotFound, symbol)
	}
	return b, nil
}

// Symbols lists every registered pair symbol.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.books))
	for s := range r.books {
		out = append(out, s)
	}
	return out
}
