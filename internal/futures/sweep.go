package futures

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/errs"
	"tradecore/internal/market"
	"tradecore/internal/oracle"
)

// ExecutePending fills a pending limit order at price, re-checking that it
// is still pending under the lock.
func (m *Manager) ExecutePending(id uuid.UUID, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return fmt.Errorf("%w: futures order %s no longer pending", errs.ErrNotFound, id)
	}
	return m.executeLocked(o, price)
}

// OrderSweep periodically triggers pending limit orders against the mark
// price: a BUY when mark ≤ limit, a SELL when mark ≥ limit. Triggered
// orders fill at the mark price, not the limit price, so the fill matches
// the margin state the position will be carried at.
type OrderSweep struct {
	mgr      *Manager
	prices   oracle.Source
	interval time.Duration
	log      zerolog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewOrderSweep(mgr *Manager, prices oracle.Source, interval time.Duration, logger zerolog.Logger) *OrderSweep {
	return &OrderSweep{
		mgr:      mgr,
		prices:   prices,
		interval: interval,
		log:      logger.With().Str("component", "order_sweep").Logger(),
		stop:     make(chan struct{}),
	}
}

func (s *OrderSweep) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Tick()
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *OrderSweep) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// Tick runs one sweep pass. A row that fails is logged and skipped; the
// order stays pending and the next pass retries it.
func (s *OrderSweep) Tick() {
	for _, o := range s.mgr.PendingOrders() {
		mark := s.prices.CurrentPrice(o.Symbol)
		if mark.Sign() <= 0 {
			continue
		}
		triggered := (o.Side == market.SideBuy && mark.LessThanOrEqual(o.Price)) ||
			(o.Side == market.SideSell && mark.GreaterThanOrEqual(o.Price))
		if !triggered {
			continue
		}
		if err := s.mgr.ExecutePending(o.ID, mark); err != nil {
			s.log.Warn().Err(err).
				Str("order_id", o.ID.String()).
				Str("symbol", o.Symbol).
				Msg("pending order trigger skipped")
		}
	}
}
