// Package futures manages leveraged positions with isolated margin: order
// placement and execution, close-out with realized PnL, leverage changes,
// and the periodic sweeps for limit triggers, liquidation, and funding.
package futures

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/errs"
	"tradecore/internal/market"
	"tradecore/internal/observability"
	"tradecore/internal/oracle"
	"tradecore/internal/wallet"
)

const (
	MinLeverage = 1
	MaxLeverage = 125
)

// Sink receives position and futures order state changes for persistence
// and outbound notification.
type Sink interface {
	PositionUpdated(market.Position)
	FuturesOrderUpdated(market.FuturesOrder)
}

type posKey struct {
	owner  uuid.UUID
	symbol string
}

// Manager owns every open position and pending futures order. At most one
// OPEN position exists per (owner, symbol); the manager mutex serializes
// all mutation so synchronous handlers and the periodic sweeps never race.
type Manager struct {
	mu        sync.Mutex
	positions map[posKey]*market.Position
	orders    map[uuid.UUID]*market.FuturesOrder
	pairs     map[string]market.Pair

	ledger  *wallet.Ledger
	prices  oracle.Source
	sink    Sink
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time

	// insurance receives forfeited margin on liquidation.
	insurance uuid.UUID
	// fundingPool is the counterparty wallet for funding payments.
	fundingPool uuid.UUID
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics installs the Prometheus instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func NewManager(ledger *wallet.Ledger, prices oracle.Source, sink Sink, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		positions:   make(map[posKey]*market.Position),
		orders:      make(map[uuid.UUID]*market.FuturesOrder),
		pairs:       make(map[string]market.Pair),
		ledger:      ledger,
		prices:      prices,
		sink:        sink,
		log:         logger.With().Str("component", "futures_manager").Logger(),
		now:         time.Now,
		insurance:   uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		fundingPool: uuid.MustParse("00000000-0000-0000-0000-000000000002"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterPair lists a symbol for futures trading.
func (m *Manager) RegisterPair(pair market.Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[pair.Symbol] = pair
}

// InsuranceWallet returns the key of the forfeited-margin wallet for a
// symbol's quote currency.
func (m *Manager) InsuranceWallet(quote string) wallet.Key {
	return wallet.Key{Owner: m.insurance, Currency: quote, Pocket: wallet.PocketFutures}
}

// FundingPoolWallet returns the key of the funding counterparty wallet.
func (m *Manager) FundingPoolWallet(quote string) wallet.Key {
	return wallet.Key{Owner: m.fundingPool, Currency: quote, Pocket: wallet.PocketFutures}
}

// PlaceOrderRequest carries the parameters of a new futures order.
type PlaceOrderRequest struct {
	Owner        uuid.UUID
	Symbol       string
	Side         market.Side
	PositionSide market.PositionSide
	Kind         market.OrderKind
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Leverage     int32
}

// PlaceOrder validates the request, reserves the required margin, and
// records the order. Market orders execute immediately at the oracle
// price; limit orders wait for the order sweep.
func (m *Manager) PlaceOrder(req PlaceOrderRequest) (market.FuturesOrder, error) {
	if req.Leverage < MinLeverage || req.Leverage > MaxLeverage {
		return market.FuturesOrder{}, fmt.Errorf("%w: leverage %d outside [%d, %d]",
			errs.ErrValidation, req.Leverage, MinLeverage, MaxLeverage)
	}
	if req.Quantity.Sign() <= 0 {
		return market.FuturesOrder{}, fmt.Errorf("%w: quantity must be positive", errs.ErrValidation)
	}
	if req.Kind == market.KindLimit && req.Price.Sign() <= 0 {
		return market.FuturesOrder{}, fmt.Errorf("%w: limit price must be positive", errs.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pair, ok := m.pairs[req.Symbol]
	if !ok {
		return market.FuturesOrder{}, fmt.Errorf("%w: symbol %s not listed", errs.ErrNotFound, req.Symbol)
	}

	execPrice := req.Price
	if req.Kind == market.KindMarket {
		execPrice = m.prices.CurrentPrice(req.Symbol)
		if execPrice.Sign() <= 0 {
			return market.FuturesOrder{}, fmt.Errorf("%w: no mark price for %s", errs.ErrPriceUnavailable, req.Symbol)
		}
	}

	margin := execPrice.Mul(req.Quantity).Div(decimal.NewFromInt32(req.Leverage))
	marginKey := wallet.Key{Owner: req.Owner, Currency: pair.Quote, Pocket: wallet.PocketFutures}
	if err := m.ledger.Reserve(marginKey, margin); err != nil {
		return market.FuturesOrder{}, fmt.Errorf("%w: cannot reserve %s %s", errs.ErrInsufficientMargin, margin, pair.Quote)
	}

	o := &market.FuturesOrder{
		Order: market.Order{
			ID:          uuid.New(),
			Owner:       req.Owner,
			Symbol:      req.Symbol,
			Side:        req.Side,
			Kind:        req.Kind,
			Price:       req.Price,
			Quantity:    req.Quantity,
			Remaining:   req.Quantity,
			Status:      market.OrderPending,
			SubmittedAt: m.now(),
		},
		PositionSide: req.PositionSide,
		Leverage:     req.Leverage,
		Margin:       margin,
	}

	if req.Kind == market.KindMarket {
		if err := m.executeLocked(o, execPrice); err != nil {
			// A rejected opposite-direction fill has already released its
			// margin and cancelled itself inside executeLocked.
			if o.Status == market.OrderPending {
				if relErr := m.ledger.Release(marginKey, o.Margin); relErr != nil {
					m.log.Error().Err(relErr).Str("order_id", o.ID.String()).Msg("margin release after failed execution")
				}
			}
			return market.FuturesOrder{}, err
		}
		m.emitOrder(*o)
		return *o, nil
	}

	m.orders[o.ID] = o
	m.emitOrder(*o)
	return *o, nil
}

// CancelOrder withdraws a pending limit order and releases its margin.
func (m *Manager) CancelOrder(id, owner uuid.UUID) (market.FuturesOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return market.FuturesOrder{}, fmt.Errorf("%w: futures order %s", errs.ErrNotFound, id)
	}
	if o.Owner != owner {
		return market.FuturesOrder{}, fmt.Errorf("%w: order %s belongs to another owner", errs.ErrUnauthorized, id)
	}

	pair := m.pairs[o.Symbol]
	marginKey := wallet.Key{Owner: o.Owner, Currency: pair.Quote, Pocket: wallet.PocketFutures}
	if err := m.ledger.Release(marginKey, o.Margin); err != nil {
		m.log.Error().Err(err).Str("order_id", id.String()).Msg("margin release on cancel failed")
	}
	o.Status = market.OrderCancelled
	delete(m.orders, id)
	m.emitOrder(*o)
	return *o, nil
}

// executeLocked fills an order at price: it opens a position, or extends a
// same-direction one with a quantity-weighted entry price. An order in the
// opposite direction of the open position is rejected; there is no netting
// or position reduction. Caller holds m.mu.
func (m *Manager) executeLocked(o *market.FuturesOrder, price decimal.Decimal) error {
	pair := m.pairs[o.Symbol]
	marginKey := wallet.Key{Owner: o.Owner, Currency: pair.Quote, Pocket: wallet.PocketFutures}

	// The margin was reserved against the order's own price. A fill at a
	// different price re-bases the reservation before touching the position.
	required := price.Mul(o.Quantity).Div(decimal.NewFromInt32(o.Leverage))
	if delta := required.Sub(o.Margin); delta.Sign() > 0 {
		if err := m.ledger.Reserve(marginKey, delta); err != nil {
			return fmt.Errorf("%w: cannot reserve %s %s for fill", errs.ErrInsufficientMargin, delta, pair.Quote)
		}
	} else if delta.Sign() < 0 {
		if err := m.ledger.Release(marginKey, delta.Neg()); err != nil {
			m.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("margin rebase release failed")
		}
	}
	o.Margin = required

	key := posKey{owner: o.Owner, symbol: o.Symbol}
	pos, exists := m.positions[key]
	if exists && pos.Side != o.PositionSide {
		if err := m.ledger.Release(marginKey, o.Margin); err != nil {
			m.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("margin release on rejected fill failed")
		}
		o.Status = market.OrderCancelled
		delete(m.orders, o.ID)
		m.emitOrder(*o)
		return fmt.Errorf("%w: open %s position exists for %s, opposite fills are rejected",
			errs.ErrConflict, pos.Side, o.Symbol)
	}
	if exists && pos.Leverage != o.Leverage {
		// A mismatched order can never fill, so leaving it pending would
		// strand its margin and retrigger on every sweep.
		if err := m.ledger.Release(marginKey, o.Margin); err != nil {
			m.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("margin release on rejected fill failed")
		}
		o.Status = market.OrderCancelled
		delete(m.orders, o.ID)
		m.emitOrder(*o)
		return fmt.Errorf("%w: open position uses leverage %d, order uses %d",
			errs.ErrConflict, pos.Leverage, o.Leverage)
	}

	now := m.now()
	if !exists {
		pos = &market.Position{
			ID:               uuid.New(),
			Owner:            o.Owner,
			Symbol:           o.Symbol,
			Side:             o.PositionSide,
			EntryPrice:       price,
			Quantity:         o.Quantity,
			Leverage:         o.Leverage,
			Margin:           o.Margin,
			LiquidationPrice: market.LiquidationPriceFor(o.PositionSide, price, o.Leverage),
			Status:           market.PositionOpen,
			OpenedAt:         now,
			UpdatedAt:        now,
		}
		m.positions[key] = pos
	} else {
		oldNotional := pos.EntryPrice.Mul(pos.Quantity)
		newNotional := price.Mul(o.Quantity)
		total := pos.Quantity.Add(o.Quantity)
		pos.EntryPrice = oldNotional.Add(newNotional).Div(total)
		pos.Quantity = total
		pos.Margin = pos.Margin.Add(o.Margin)
		pos.LiquidationPrice = market.LiquidationPriceFor(pos.Side, pos.EntryPrice, pos.Leverage)
		pos.UpdatedAt = now
	}

	o.Remaining = decimal.Zero
	o.Status = market.OrderFilled
	delete(m.orders, o.ID)
	m.emitPosition(*pos)
	return nil
}

// ClosePosition closes the owner's open position at the oracle price,
// releases its margin, and realizes the PnL against the futures wallet.
func (m *Manager) ClosePosition(owner uuid.UUID, symbol string) (market.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := posKey{owner: owner, symbol: symbol}
	pos, ok := m.positions[key]
	if !ok {
		return market.Position{}, fmt.Errorf("%w: no open position for %s", errs.ErrNotFound, symbol)
	}
	price := m.prices.CurrentPrice(symbol)
	if price.Sign() <= 0 {
		return market.Position{}, fmt.Errorf("%w: no mark price for %s", errs.ErrPriceUnavailable, symbol)
	}

	pair := m.pairs[symbol]
	marginKey := wallet.Key{Owner: owner, Currency: pair.Quote, Pocket: wallet.PocketFutures}
	if err := m.ledger.Release(marginKey, pos.Margin); err != nil {
		return market.Position{}, err
	}

	pnl := pos.UnrealizedPnL(price)
	note := fmt.Sprintf("close %s %s @ %s", pos.Side, symbol, price)
	switch {
	case pnl.Sign() > 0:
		if _, err := m.ledger.Credit(marginKey, pnl, pnlKey(pos.ID), wallet.EntryRealizedPnL, note); err != nil {
			return market.Position{}, err
		}
	case pnl.Sign() < 0:
		// A loss never drives the balance below the locked floor; in the
		// isolated model the loss is bounded by the just-released margin
		// except when the mark gapped past the liquidation price.
		if _, err := m.ledger.DebitUpTo(marginKey, pnl.Neg(), pnlKey(pos.ID), wallet.EntryRealizedPnL, note); err != nil {
			return market.Position{}, err
		}
	}

	pos.Status = market.PositionClosed
	pos.UpdatedAt = m.now()
	delete(m.positions, key)
	m.emitPosition(*pos)
	return *pos, nil
}

// AdjustLeverage re-margins an open position at the new leverage,
// reserving or releasing the difference, and recomputes the liquidation
// price.
func (m *Manager) AdjustLeverage(owner uuid.UUID, symbol string, leverage int32) (market.Position, error) {
	if leverage < MinLeverage || leverage > MaxLeverage {
		return market.Position{}, fmt.Errorf("%w: leverage %d outside [%d, %d]",
			errs.ErrValidation, leverage, MinLeverage, MaxLeverage)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := posKey{owner: owner, symbol: symbol}
	pos, ok := m.positions[key]
	if !ok {
		return market.Position{}, fmt.Errorf("%w: no open position for %s", errs.ErrNotFound, symbol)
	}

	pair := m.pairs[symbol]
	marginKey := wallet.Key{Owner: owner, Currency: pair.Quote, Pocket: wallet.PocketFutures}
	newMargin := pos.EntryPrice.Mul(pos.Quantity).Div(decimal.NewFromInt32(leverage))
	if delta := newMargin.Sub(pos.Margin); delta.Sign() > 0 {
		if err := m.ledger.Reserve(marginKey, delta); err != nil {
			return market.Position{}, fmt.Errorf("%w: cannot reserve %s %s for leverage %d",
				errs.ErrInsufficientMargin, delta, pair.Quote, leverage)
		}
	} else if delta.Sign() < 0 {
		if err := m.ledger.Release(marginKey, delta.Neg()); err != nil {
			return market.Position{}, err
		}
	}

	pos.Leverage = leverage
	pos.Margin = newMargin
	pos.LiquidationPrice = market.LiquidationPriceFor(pos.Side, pos.EntryPrice, leverage)
	pos.UpdatedAt = m.now()
	m.emitPosition(*pos)
	return *pos, nil
}

// Position returns a snapshot of the owner's open position for symbol.
func (m *Manager) Position(owner uuid.UUID, symbol string) (market.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[posKey{owner: owner, symbol: symbol}]
	if !ok {
		return market.Position{}, fmt.Errorf("%w: no open position for %s", errs.ErrNotFound, symbol)
	}
	return *pos, nil
}

// OpenPositions snapshots every open position. Sweeps iterate the
// snapshot and re-check state at apply time.
func (m *Manager) OpenPositions() []market.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// PendingOrders snapshots every pending futures order.
func (m *Manager) PendingOrders() []market.FuturesOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.FuturesOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, *o)
	}
	return out
}

// RestorePosition installs a position loaded from the store at startup.
func (m *Manager) RestorePosition(pos market.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos.Status != market.PositionOpen {
		return
	}
	p := pos
	m.positions[posKey{owner: pos.Owner, symbol: pos.Symbol}] = &p
	m.syncGauges()
}

// RestoreOrder installs a pending futures order loaded from the store.
func (m *Manager) RestoreOrder(o market.FuturesOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.Status != market.OrderPending {
		return
	}
	cp := o
	m.orders[o.ID] = &cp
	m.syncGauges()
}

func pnlKey(posID uuid.UUID) string {
	return fmt.Sprintf("pnl:%s:close", posID)
}

// emitPosition forwards the snapshot and refreshes the gauges. Caller
// holds m.mu.
func (m *Manager) emitPosition(pos market.Position) {
	m.syncGauges()
	if m.sink != nil {
		m.sink.PositionUpdated(pos)
	}
}

func (m *Manager) emitOrder(o market.FuturesOrder) {
	m.syncGauges()
	if m.sink != nil {
		m.sink.FuturesOrderUpdated(o)
	}
}

func (m *Manager) syncGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.OpenPositionsGauge.Set(float64(len(m.positions)))
	m.metrics.PendingOrdersGauge.Set(float64(len(m.orders)))
}
