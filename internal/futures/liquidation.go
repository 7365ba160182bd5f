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
	"tradecore/internal/wallet"
)

// liquidated reports whether mark has crossed the position's liquidation
// price.
func liquidated(pos market.Position, mark decimal.Decimal) bool {
	if pos.Side == market.PositionLong {
		return mark.LessThanOrEqual(pos.LiquidationPrice)
	}
	return mark.GreaterThanOrEqual(pos.LiquidationPrice)
}

// Liquidate force-closes an open position whose margin is consumed. The
// locked margin is forfeited to the insurance wallet, never returned to
// the owner's available balance.
func (m *Manager) Liquidate(owner uuid.UUID, symbol string, mark decimal.Decimal) (market.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := posKey{owner: owner, symbol: symbol}
	pos, ok := m.positions[key]
	if !ok {
		return market.Position{}, fmt.Errorf("%w: no open position for %s", errs.ErrNotFound, symbol)
	}
	if !liquidated(*pos, mark) {
		return market.Position{}, fmt.Errorf("%w: position %s no longer below water at %s",
			errs.ErrConflict, pos.ID, mark)
	}

	pair := m.pairs[symbol]
	marginKey := wallet.Key{Owner: owner, Currency: pair.Quote, Pocket: wallet.PocketFutures}
	note := fmt.Sprintf("liquidate %s %s entry %s mark %s", pos.Side, symbol, pos.EntryPrice, mark)

	if _, err := m.ledger.SettleLocked(marginKey, pos.Margin, liqKey(pos.ID), wallet.EntryLiquidation, note); err != nil {
		return market.Position{}, err
	}
	if _, err := m.ledger.Credit(m.InsuranceWallet(pair.Quote), pos.Margin, liqKey(pos.ID)+":insurance", wallet.EntryLiquidation, note); err != nil {
		m.log.Error().Err(err).Str("position_id", pos.ID.String()).Msg("insurance credit failed")
	}

	pos.Status = market.PositionLiquidated
	pos.UpdatedAt = m.now()
	delete(m.positions, key)
	if m.metrics != nil {
		m.metrics.LiquidationsTotal.WithLabelValues(symbol).Inc()
	}
	m.emitPosition(*pos)
	m.log.Warn().
		Str("position_id", pos.ID.String()).
		Str("owner", owner.String()).
		Str("symbol", symbol).
		Str("mark", mark.String()).
		Str("forfeited", pos.Margin.String()).
		Msg("position liquidated")
	return *pos, nil
}

func liqKey(posID uuid.UUID) string {
	return fmt.Sprintf("liq:%s", posID)
}

// LiquidationMonitor periodically force-closes positions whose mark price
// has crossed their liquidation price.
type LiquidationMonitor struct {
	mgr      *Manager
	prices   oracle.Source
	interval time.Duration
	log      zerolog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
}

func NewLiquidationMonitor(mgr *Manager, prices oracle.Source, interval time.Duration, logger zerolog.Logger) *LiquidationMonitor {
	return &LiquidationMonitor{
		mgr:      mgr,
		prices:   prices,
		interval: interval,
		log:      logger.With().Str("component", "liquidation_monitor").Logger(),
		stop:     make(chan struct{}),
	}
}

func (l *LiquidationMonitor) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Tick()
			case <-l.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *LiquidationMonitor) Stop() {
	close(l.stop)
	l.wg.Wait()
}

// Tick scans a snapshot of open positions. Liquidate re-checks each row
// under the lock, so a position closed by its owner mid-scan is skipped.
func (l *LiquidationMonitor) Tick() {
	for _, pos := range l.mgr.OpenPositions() {
		mark := l.prices.CurrentPrice(pos.Symbol)
		if mark.Sign() <= 0 {
			continue
		}
		if !liquidated(pos, mark) {
			continue
		}
		if _, err := l.mgr.Liquidate(pos.Owner, pos.Symbol, mark); err != nil {
			l.log.Warn().Err(err).
				Str("position_id", pos.ID.String()).
				Str("symbol", pos.Symbol).
				Msg("liquidation skipped")
		}
	}
}
