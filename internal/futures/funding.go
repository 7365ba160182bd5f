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

// ApplyFunding settles one position's funding payment for an epoch. A
// positive rate means longs pay; negative reverses the direction. Payments
// flow through the funding pool wallet rather than being matched against a
// specific counterparty. The charge is clamped so a drained wallet is
// never pushed below its locked margin.
func (m *Manager) ApplyFunding(owner uuid.UUID, symbol string, rate, mark decimal.Decimal, epoch int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[posKey{owner: owner, symbol: symbol}]
	if !ok {
		return fmt.Errorf("%w: no open position for %s", errs.ErrNotFound, symbol)
	}
	fee := pos.Notional(mark).Mul(rate.Abs())
	if fee.Sign() <= 0 {
		return nil
	}

	pair := m.pairs[symbol]
	ownerKey := wallet.Key{Owner: owner, Currency: pair.Quote, Pocket: wallet.PocketFutures}
	poolKey := m.FundingPoolWallet(pair.Quote)
	note := fmt.Sprintf("funding %s %s rate %s epoch %d", pos.Side, symbol, rate, epoch)

	if paysFunding(pos.Side, rate) {
		entry, err := m.ledger.DebitUpTo(ownerKey, fee, fundingKey(pos.ID, epoch), wallet.EntryFunding, note)
		if err != nil {
			return err
		}
		if paid := entry.Delta.Neg(); paid.Sign() > 0 {
			if _, err := m.ledger.Credit(poolKey, paid, fundingKey(pos.ID, epoch)+":pool", wallet.EntryFunding, note); err != nil {
				return err
			}
		}
		m.countFunding()
		return nil
	}

	entry, err := m.ledger.DebitUpTo(poolKey, fee, fundingKey(pos.ID, epoch)+":pool", wallet.EntryFunding, note)
	if err != nil {
		return err
	}
	if paid := entry.Delta.Neg(); paid.Sign() > 0 {
		if _, err := m.ledger.Credit(ownerKey, paid, fundingKey(pos.ID, epoch), wallet.EntryFunding, note); err != nil {
			return err
		}
	}
	m.countFunding()
	return nil
}

func (m *Manager) countFunding() {
	if m.metrics != nil {
		m.metrics.FundingSettlements.Inc()
	}
}

func fundingKey(posID uuid.UUID, epoch int64) string {
	return fmt.Sprintf("funding:%s:%d", posID, epoch)
}

// paysFunding reports whether a position on this side pays the fee for the
// given rate. Positive rates charge longs, negative rates charge shorts.
func paysFunding(side market.PositionSide, rate decimal.Decimal) bool {
	return (side == market.PositionLong && rate.Sign() > 0) ||
		(side == market.PositionShort && rate.Sign() < 0)
}

// FundingSettler periodically charges funding on every open position.
type FundingSettler struct {
	mgr      *Manager
	prices   oracle.Source
	rates    oracle.RateSource
	interval time.Duration
	log      zerolog.Logger

	wg   sync.WaitGroup
	stop chan struct{}
	now  func() time.Time
}

func NewFundingSettler(mgr *Manager, prices oracle.Source, rates oracle.RateSource, interval time.Duration, logger zerolog.Logger) *FundingSettler {
	return &FundingSettler{
		mgr:      mgr,
		prices:   prices,
		rates:    rates,
		interval: interval,
		log:      logger.With().Str("component", "funding_settler").Logger(),
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

func (f *FundingSettler) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.Tick(f.epoch())
			case <-f.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (f *FundingSettler) Stop() {
	close(f.stop)
	f.wg.Wait()
}

// epoch identifies the current settlement window. Idempotency keys carry
// it so a position is charged at most once per window even if a tick
// repeats.
func (f *FundingSettler) epoch() int64 {
	return f.now().Truncate(f.interval).Unix()
}

// Tick settles funding for a snapshot of open positions, skipping rows
// without a usable price or rate. Paying positions run first so the pool
// holds their fees before the receiving side draws against it.
func (f *FundingSettler) Tick(epoch int64) {
	positions := f.mgr.OpenPositions()
	for _, paying := range []bool{true, false} {
		for _, pos := range positions {
			rate := f.rates.FundingRate(pos.Symbol)
			if rate.IsZero() || paysFunding(pos.Side, rate) != paying {
				continue
			}
			mark := f.prices.CurrentPrice(pos.Symbol)
			if mark.Sign() <= 0 {
				continue
			}
			if err := f.mgr.ApplyFunding(pos.Owner, pos.Symbol, rate, mark, epoch); err != nil {
				f.log.Warn().Err(err).
					Str("position_id", pos.ID.String()).
					Str("symbol", pos.Symbol).
					Msg("funding settlement skipped")
			}
		}
	}
}
