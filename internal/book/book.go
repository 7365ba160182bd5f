// Package book implements the per-symbol spot order book with
// price-time-priority matching. Each book is single-writer: every submit,
// match, and cancel for a symbol runs under the book mutex, while books for
// different symbols run concurrently.
package book

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/errs"
	"tradecore/internal/market"
	"tradecore/internal/wallet"
)

// Sink receives executed trades and order state changes for persistence
// and outbound notification.
type Sink interface {
	TradeExecuted(market.Trade)
	OrderUpdated(market.Order)
}

// level is one price point holding its resting orders in arrival order.
type level struct {
	price  decimal.Decimal
	orders []*market.Order
}

// Book is the resting order structure for one symbol. Bids are kept sorted
// by price descending, asks by price ascending; within a level, FIFO.
type Book struct {
	mu   sync.Mutex
	pair market.Pair

	bids   []*level
	asks   []*level
	orders map[uuid.UUID]*market.Order

	nextSeq int64

	ledger *wallet.Ledger
	sink   Sink
	log    zerolog.Logger
	now    func() time.Time
}

func New(pair market.Pair, ledger *wallet.Ledger, sink Sink, logger zerolog.Logger) *Book {
	return &Book{
		pair:   pair,
		orders: make(map[uuid.UUID]*market.Order),
		ledger: ledger,
		sink:   sink,
		log:    logger.With().Str("component", "order_book").Str("symbol", pair.Symbol).Logger(),
		now:    time.Now,
	}
}

// Submit validates the order, reserves the funds it may spend, inserts it
// into the book, and runs matching. The returned order reflects any fills
// that happened synchronously.
func (b *Book) Submit(o market.Order) (market.Order, []market.Trade, error) {
	if o.Quantity.Sign() <= 0 {
		return market.Order{}, nil, fmt.Errorf("%w: quantity must be positive", errs.ErrValidation)
	}
	if o.Kind == market.KindLimit && o.Price.Sign() <= 0 {
		return market.Order{}, nil, fmt.Errorf("%w: limit price must be positive", errs.ErrValidation)
	}
	if o.Symbol != b.pair.Symbol {
		return market.Order{}, nil, fmt.Errorf("%w: order symbol %s does not match book %s",
			errs.ErrValidation, o.Symbol, b.pair.Symbol)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.reserveFor(&o); err != nil {
		return market.Order{}, nil, err
	}

	b.nextSeq++
	o.Seq = b.nextSeq
	o.Remaining = o.Quantity
	o.Status = market.OrderPending
	o.SubmittedAt = b.now()

	var trades []market.Trade
	if o.Kind == market.KindMarket {
		trades = b.matchMarket(&o)
	} else {
		b.insert(&o)
		b.orders[o.ID] = &o
		trades = b.matchLimit()
	}
	b.emitOrder(o)
	return o, trades, nil
}

// Restore inserts a resting order loaded from the store at startup. No
// reservation is taken: the wallet snapshots loaded alongside it already
// carry the locked funds.
func (b *Book) Restore(o market.Order) {
	if o.Kind != market.KindLimit || o.Status.Terminal() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := o
	if cp.Seq > b.nextSeq {
		b.nextSeq = cp.Seq
	}
	b.insert(&cp)
	b.orders[cp.ID] = &cp
}

// Cancel removes a resting order. Only orders still PENDING may be
// cancelled; once a fill has consumed part of an order it runs to a
// terminal state on its own.
func (b *Book) Cancel(id uuid.UUID, owner uuid.UUID) (market.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[id]
	if !ok {
		return market.Order{}, fmt.Errorf("%w: order %s", errs.ErrNotFound, id)
	}
	if o.Owner != owner {
		return market.Order{}, fmt.Errorf("%w: order %s belongs to another owner", errs.ErrUnauthorized, id)
	}
	if o.Status != market.OrderPending {
		return market.Order{}, fmt.Errorf("%w: order %s is %s", errs.ErrConflict, id, o.Status)
	}

	b.remove(o)
	if err := b.ledger.Release(b.reserveKey(o), b.reservedFor(o)); err != nil {
		b.log.Error().Err(err).Str("order_id", id.String()).Msg("release on cancel failed")
	}
	o.Status = market.OrderCancelled
	delete(b.orders, id)
	b.emitOrder(*o)
	return *o, nil
}

// Order returns a snapshot of a resting order.
func (b *Book) Order(id uuid.UUID) (market.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[id]
	if !ok {
		return market.Order{}, false
	}
	return *o, true
}

// BestBid returns the highest resting bid price, or zero when the side is
// empty.
func (b *Book) BestBid() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bids) == 0 {
		return decimal.Zero
	}
	return b.bids[0].price
}

// BestAsk returns the lowest resting ask price, or zero when the side is
// empty.
func (b *Book) BestAsk() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.asks) == 0 {
		return decimal.Zero
	}
	return b.asks[0].price
}

// matchLimit drains crossing pairs from the top of the book. The
// earlier-submitted of the two resting orders sets the trade price, so an
// order already in the book is never disadvantaged by a late arrival.
func (b *Book) matchLimit() []market.Trade {
	var trades []market.Trade
	for len(b.bids) > 0 && len(b.asks) > 0 {
		bid := b.bids[0].orders[0]
		ask := b.asks[0].orders[0]
		if bid.Price.LessThan(ask.Price) {
			break
		}
		price := bid.Price
		if ask.Seq < bid.Seq {
			price = ask.Price
		}
		qty := decimal.Min(bid.Remaining, ask.Remaining)
		trade, err := b.settle(bid, ask, price, qty)
		if err != nil {
			// Stop this pass with both orders still resting. The leg keys
			// are stable, so the next match completes what was applied.
			b.log.Error().Err(err).Msg("trade settlement failed")
			break
		}
		trades = append(trades, trade)
		b.fill(bid, qty)
		b.fill(ask, qty)
	}
	return trades
}

// matchMarket executes an incoming market order against the opposite side
// immediately. Each trade prices at the resting order's limit. Whatever
// cannot be filled is cancelled rather than rested, since a market order
// has no price to rest at.
func (b *Book) matchMarket(o *market.Order) []market.Trade {
	var trades []market.Trade
	for o.Remaining.Sign() > 0 {
		resting := b.bestOpposite(o.Side)
		if resting == nil {
			break
		}
		qty := decimal.Min(o.Remaining, resting.Remaining)

		var bid, ask *market.Order
		if o.Side == market.SideBuy {
			bid, ask = o, resting
		} else {
			bid, ask = resting, o
		}
		trade, err := b.settle(bid, ask, resting.Price, qty)
		if err != nil {
			// A market buy pays from available balance as it fills; an
			// underfunded remainder is cancelled below.
			b.log.Warn().Err(err).Str("order_id", o.ID.String()).Msg("market order settlement stopped")
			break
		}
		trades = append(trades, trade)
		b.fillIncoming(o, qty)
		b.fill(resting, qty)
	}
	if o.Remaining.Sign() > 0 {
		b.releaseRemainder(o)
		o.Status = market.OrderCancelled
	}
	return trades
}

func (b *Book) bestOpposite(side market.Side) *market.Order {
	if side == market.SideBuy {
		if len(b.asks) == 0 {
			return nil
		}
		return b.asks[0].orders[0]
	}
	if len(b.bids) == 0 {
		return nil
	}
	return b.bids[0].orders[0]
}

// settle moves the four wallet legs of one trade. The trade id is derived
// from the match itself, so a settlement that failed midway re-derives the
// same leg keys on the next match pass: legs already applied answer as
// duplicates and the remaining legs complete.
func (b *Book) settle(bid, ask *market.Order, price, qty decimal.Decimal) (market.Trade, error) {
	tradeID := tradeIdentity(bid, ask)
	cost := price.Mul(qty)
	note := fmt.Sprintf("trade %s %s %s@%s", tradeID, b.pair.Symbol, qty, price)

	buyerQuote := wallet.Key{Owner: bid.Owner, Currency: b.pair.Quote, Pocket: wallet.PocketSpot}
	buyerBase := wallet.Key{Owner: bid.Owner, Currency: b.pair.Base, Pocket: wallet.PocketSpot}
	sellerBase := wallet.Key{Owner: ask.Owner, Currency: b.pair.Base, Pocket: wallet.PocketSpot}
	sellerQuote := wallet.Key{Owner: ask.Owner, Currency: b.pair.Quote, Pocket: wallet.PocketSpot}

	// Buyer pays the quote currency first: an underfunded market buy
	// must fail before any book state changes.
	if bid.Kind == market.KindMarket {
		if _, err := b.ledger.Debit(buyerQuote, cost, legKey(tradeID, "bq"), wallet.EntryTrade, note); err != nil {
			return market.Trade{}, err
		}
	} else {
		// Reservation was taken at the limit price. Settle the full
		// reserved amount, then refund any price improvement through a
		// keyed credit so a repeated settlement cannot refund twice.
		reserved := bid.Price.Mul(qty)
		if _, err := b.ledger.SettleLocked(buyerQuote, reserved, legKey(tradeID, "bq"), wallet.EntryTrade, note); err != nil {
			return market.Trade{}, err
		}
		if surplus := reserved.Sub(cost); surplus.Sign() > 0 {
			if _, err := b.ledger.Credit(buyerQuote, surplus, legKey(tradeID, "bs"), wallet.EntryTrade, note); err != nil {
				return market.Trade{}, err
			}
		}
	}

	// Sellers of either kind reserved their base quantity at submit.
	if _, err := b.ledger.SettleLocked(sellerBase, qty, legKey(tradeID, "sb"), wallet.EntryTrade, note); err != nil {
		return market.Trade{}, err
	}

	if _, err := b.ledger.Credit(buyerBase, qty, legKey(tradeID, "bb"), wallet.EntryTrade, note); err != nil {
		return market.Trade{}, err
	}
	if _, err := b.ledger.Credit(sellerQuote, cost, legKey(tradeID, "sq"), wallet.EntryTrade, note); err != nil {
		return market.Trade{}, err
	}

	trade := market.Trade{
		ID:         tradeID,
		Symbol:     b.pair.Symbol,
		Price:      price,
		Quantity:   qty,
		BuyOrder:   bid.ID,
		SellOrder:  ask.ID,
		Buyer:      bid.Owner,
		Seller:     ask.Owner,
		ExecutedAt: b.now(),
	}
	if b.sink != nil {
		b.sink.TradeExecuted(trade)
	}
	return trade, nil
}

func legKey(tradeID uuid.UUID, leg string) string {
	return fmt.Sprintf("trade:%s:%s", tradeID, leg)
}

// tradeIdentity names a fill by the two orders and how much of each
// remained before it. Successive fills between the same pair shrink a
// remainder, so every fill gets a distinct id while a retry of the same
// fill reproduces it.
func tradeIdentity(bid, ask *market.Order) uuid.UUID {
	name := fmt.Sprintf("%s:%s:%s:%s", bid.ID, ask.ID, bid.Remaining, ask.Remaining)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

// fill decrements a resting order and removes it once exhausted.
func (b *Book) fill(o *market.Order, qty decimal.Decimal) {
	o.Remaining = o.Remaining.Sub(qty)
	if o.Remaining.Sign() <= 0 {
		o.Status = market.OrderFilled
		b.remove(o)
		delete(b.orders, o.ID)
	} else {
		o.Status = market.OrderPartiallyFilled
	}
	b.emitOrder(*o)
}

// fillIncoming decrements a market order that never rested in the book.
func (b *Book) fillIncoming(o *market.Order, qty decimal.Decimal) {
	o.Remaining = o.Remaining.Sub(qty)
	if o.Remaining.Sign() <= 0 {
		o.Status = market.OrderFilled
	} else {
		o.Status = market.OrderPartiallyFilled
	}
}

// reserveFor locks the funds an order may spend: quote notional for a
// limit buy, base quantity for any sell. A market buy pays from available
// balance at fill time since its cost is unknown until it matches.
func (b *Book) reserveFor(o *market.Order) error {
	if o.Side == market.SideBuy && o.Kind == market.KindMarket {
		return nil
	}
	return b.ledger.Reserve(b.reserveKey(o), b.reserveAmount(o, o.Quantity))
}

// releaseRemainder unwinds the reservation covering an order's unfilled
// quantity.
func (b *Book) releaseRemainder(o *market.Order) {
	if o.Side == market.SideBuy && o.Kind == market.KindMarket {
		return
	}
	if o.Remaining.Sign() <= 0 {
		return
	}
	if err := b.ledger.Release(b.reserveKey(o), b.reserveAmount(o, o.Remaining)); err != nil {
		b.log.Error().Err(err).Str("order_id", o.ID.String()).Msg("remainder release failed")
	}
}

func (b *Book) reserveKey(o *market.Order) wallet.Key {
	if o.Side == market.SideBuy {
		return wallet.Key{Owner: o.Owner, Currency: b.pair.Quote, Pocket: wallet.PocketSpot}
	}
	return wallet.Key{Owner: o.Owner, Currency: b.pair.Base, Pocket: wallet.PocketSpot}
}

func (b *Book) reservedFor(o *market.Order) decimal.Decimal {
	return b.reserveAmount(o, o.Remaining)
}

func (b *Book) reserveAmount(o *market.Order, qty decimal.Decimal) decimal.Decimal {
	if o.Side == market.SideBuy {
		return o.Price.Mul(qty)
	}
	return qty
}

// insert places an order at its price level, creating the level if needed.
func (b *Book) insert(o *market.Order) {
	side := &b.asks
	cmp := func(i int) bool { return b.asks[i].price.GreaterThanOrEqual(o.Price) }
	if o.Side == market.SideBuy {
		side = &b.bids
		cmp = func(i int) bool { return b.bids[i].price.LessThanOrEqual(o.Price) }
	}
	i := sort.Search(len(*side), cmp)
	if i < len(*side) && (*side)[i].price.Equal(o.Price) {
		(*side)[i].orders = append((*side)[i].orders, o)
		return
	}
	lvl := &level{price: o.Price, orders: []*market.Order{o}}
	*side = append(*side, nil)
	copy((*side)[i+1:], (*side)[i:])
	(*side)[i] = lvl
}

// remove deletes an order from its price level, dropping the level when it
// empties.
func (b *Book) remove(o *market.Order) {
	side := &b.asks
	if o.Side == market.SideBuy {
		side = &b.bids
	}
	for li, lvl := range *side {
		if !lvl.price.Equal(o.Price) {
			continue
		}
		for oi, resting := range lvl.orders {
			if resting.ID == o.ID {
				lvl.orders = append(lvl.orders[:oi], lvl.orders[oi+1:]...)
				break
			}
		}
		if len(lvl.orders) == 0 {
			*side = append((*side)[:li], (*side)[li+1:]...)
		}
		return
	}
}

func (b *Book) emitOrder(o market.Order) {
	if b.sink != nil {
		b.sink.OrderUpdated(o)
	}
}
