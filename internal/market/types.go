package market

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents order direction
type Side int32

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// OrderKind distinguishes market from limit orders
type OrderKind int32

const (
	KindMarket OrderKind = iota
	KindLimit
)

func (k OrderKind) String() string {
	switch k {
	case KindMarket:
		return "market"
	case KindLimit:
		return "limit"
	default:
		return "unknown"
	}
}

// OrderStatus is the order lifecycle state.
// Filled and Cancelled are terminal.
type OrderStatus int32

const (
	OrderPending OrderStatus = iota
	OrderPartiallyFilled
	OrderFilled
	OrderCancelled
)

func (st OrderStatus) String() string {
	switch st {
	case OrderPending:
		return "pending"
	case OrderPartiallyFilled:
		return "partially_filled"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (st OrderStatus) Terminal() bool {
	return st == OrderFilled || st == OrderCancelled
}

// PositionSide represents futures position direction
type PositionSide int32

const (
	PositionLong PositionSide = iota
	PositionShort
)

func (ps PositionSide) String() string {
	switch ps {
	case PositionLong:
		return "long"
	case PositionShort:
		return "short"
	default:
		return "unknown"
	}
}

// SideSign returns +1 for long, -1 for short.
func (ps PositionSide) SideSign() decimal.Decimal {
	if ps == PositionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// PositionStatus is the position lifecycle state.
// Open is the only mutable state; Closed and Liquidated are terminal.
type PositionStatus int32

const (
	PositionOpen PositionStatus = iota
	PositionClosed
	PositionLiquidated
)

func (ps PositionStatus) String() string {
	switch ps {
	case PositionOpen:
		return "open"
	case PositionClosed:
		return "closed"
	case PositionLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Pair describes a tradeable symbol and its settlement currencies.
type Pair struct {
	Symbol string // e.g. "BTCUSDT"
	Base   string // e.g. "BTC"
	Quote  string // e.g. "USDT"
}

// Order is a spot order resting in (or passing through) the book.
type Order struct {
	ID          uuid.UUID
	Owner       uuid.UUID
	Symbol      string
	Side        Side
	Kind        OrderKind
	Price       decimal.Decimal // zero for market orders
	Quantity    decimal.Decimal // original quantity
	Remaining   decimal.Decimal // monotonically non-increasing
	Status      OrderStatus
	Seq         int64 // submission sequence, time-priority tiebreak
	SubmittedAt time.Time
}

// FuturesOrder is a leveraged order pending execution against the mark price.
type FuturesOrder struct {
	Order
	PositionSide PositionSide
	Leverage     int32
	Margin       decimal.Decimal // reserved at placement
}

// Position is a leveraged futures position.
// At most one Open position exists per (Owner, Symbol).
type Position struct {
	ID               uuid.UUID
	Owner            uuid.UUID
	Symbol           string
	Side             PositionSide
	EntryPrice       decimal.Decimal
	Quantity         decimal.Decimal
	Leverage         int32
	Margin           decimal.Decimal
	LiquidationPrice decimal.Decimal
	Status           PositionStatus
	OpenedAt         time.Time
	UpdatedAt        time.Time
}

// Notional returns price × quantity at the given reference price.
func (p *Position) Notional(price decimal.Decimal) decimal.Decimal {
	return price.Mul(p.Quantity)
}

// UnrealizedPnL computes (exit−entry)·qty for longs, (entry−exit)·qty for shorts.
func (p *Position) UnrealizedPnL(exitPrice decimal.Decimal) decimal.Decimal {
	return exitPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(p.Side.SideSign())
}

// LiquidationPriceFor computes the isolated-margin liquidation price:
// Long → entry×(1 − 1/leverage), Short → entry×(1 + 1/leverage).
func LiquidationPriceFor(side PositionSide, entry decimal.Decimal, leverage int32) decimal.Decimal {
	one := decimal.NewFromInt(1)
	inv := one.Div(decimal.NewFromInt32(leverage))
	if side == PositionLong {
		return entry.Mul(one.Sub(inv))
	}
	return entry.Mul(one.Add(inv))
}

// Trade is one match between two resting orders.
type Trade struct {
	ID         uuid.UUID
	Symbol     string
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	BuyOrder   uuid.UUID
	SellOrder  uuid.UUID
	Buyer      uuid.UUID
	Seller     uuid.UUID
	ExecutedAt time.Time
}
