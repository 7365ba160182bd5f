package futures_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/errs"
	"tradecore/internal/futures"
	"tradecore/internal/market"
	"tradecore/internal/oracle"
	"tradecore/internal/wallet"
)

var btcusdt = market.Pair{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT"}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestManager(t *testing.T) (*futures.Manager, *wallet.Ledger, *oracle.Store) {
	t.Helper()
	ledger := wallet.NewLedger(nil, zerolog.Nop())
	prices := oracle.NewStore()
	mgr := futures.NewManager(ledger, prices, nil, zerolog.Nop())
	mgr.RegisterPair(btcusdt)
	return mgr, ledger, prices
}

func futuresKey(owner uuid.UUID) wallet.Key {
	return wallet.Key{Owner: owner, Currency: "USDT", Pocket: wallet.PocketFutures}
}

func deposit(t *testing.T, l *wallet.Ledger, owner uuid.UUID, amount string) {
	t.Helper()
	if _, err := l.Credit(futuresKey(owner), dec(amount), "seed-"+owner.String(), wallet.EntryDeposit, ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestLimitOrderReservesMargin(t *testing.T) {
	mgr, ledger, _ := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "10000")

	o, err := mgr.PlaceOrder(futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindLimit, Price: dec("50000"), Quantity: dec("1"), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !o.Margin.Equal(dec("5000")) {
		t.Fatalf("margin = %s, want 5000", o.Margin)
	}
	if o.Status != market.OrderPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}

	w, _ := ledger.Balance(futuresKey(owner))
	if !w.Locked.Equal(dec("5000")) {
		t.Fatalf("locked = %s, want 5000", w.Locked)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	mgr, ledger, prices := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "10000")

	base := futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindLimit, Price: dec("50000"), Quantity: dec("1"), Leverage: 10,
	}

	bad := base
	bad.Leverage = 0
	if _, err := mgr.PlaceOrder(bad); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("leverage 0 err = %v, want ErrValidation", err)
	}
	bad = base
	bad.Leverage = 126
	if _, err := mgr.PlaceOrder(bad); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("leverage 126 err = %v, want ErrValidation", err)
	}
	bad = base
	bad.Quantity = dec("0")
	if _, err := mgr.PlaceOrder(bad); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("zero qty err = %v, want ErrValidation", err)
	}
	bad = base
	bad.Symbol = "DOGEUSDT"
	if _, err := mgr.PlaceOrder(bad); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unlisted symbol err = %v, want ErrNotFound", err)
	}

	// Market order with no mark price published yet.
	bad = base
	bad.Kind = market.KindMarket
	if _, err := mgr.PlaceOrder(bad); !errors.Is(err, errs.ErrPriceUnavailable) {
		t.Fatalf("no price err = %v, want ErrPriceUnavailable", err)
	}

	// Margin beyond the wallet.
	prices.SetPrice("BTCUSDT", dec("50000"))
	bad = base
	bad.Leverage = 1
	if _, err := mgr.PlaceOrder(bad); !errors.Is(err, errs.ErrInsufficientMargin) {
		t.Fatalf("overdrawn margin err = %v, want ErrInsufficientMargin", err)
	}
}

func TestMarketOrderOpensPosition(t *testing.T) {
	mgr, ledger, prices := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "1000")
	prices.SetPrice("BTCUSDT", dec("50000"))

	o, err := mgr.PlaceOrder(futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindMarket, Quantity: dec("0.1"), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != market.OrderFilled {
		t.Fatalf("status = %s, want filled", o.Status)
	}

	pos, err := mgr.Position(owner, "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.EntryPrice.Equal(dec("50000")) || !pos.Margin.Equal(dec("500")) {
		t.Fatalf("entry %s margin %s, want 50000 / 500", pos.EntryPrice, pos.Margin)
	}
	if !pos.LiquidationPrice.Equal(dec("45000")) {
		t.Fatalf("liquidation price = %s, want 45000", pos.LiquidationPrice)
	}

	w, _ := ledger.Balance(futuresKey(owner))
	if !w.Locked.Equal(dec("500")) || !w.Available().Equal(dec("500")) {
		t.Fatalf("wallet = locked %s available %s, want 500 / 500", w.Locked, w.Available())
	}
}

func TestExtendPositionWeightsEntryPrice(t *testing.T) {
	mgr, ledger, prices := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "100000")
	prices.SetPrice("BTCUSDT", dec("100"))

	req := futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindMarket, Quantity: dec("2"), Leverage: 10,
	}
	if _, err := mgr.PlaceOrder(req); err != nil {
		t.Fatalf("open: %v", err)
	}
	prices.SetPrice("BTCUSDT", dec("130"))
	if _, err := mgr.PlaceOrder(req); err != nil {
		t.Fatalf("extend: %v", err)
	}

	pos, _ := mgr.Position(owner, "BTCUSDT")
	// (2·100 + 2·130) / 4 = 115.
	if !pos.EntryPrice.Equal(dec("115")) {
		t.Fatalf("entry = %s, want 115", pos.EntryPrice)
	}
	if !pos.Quantity.Equal(dec("4")) {
		t.Fatalf("qty = %s, want 4", pos.Quantity)
	}
	// Margin adds: 20 + 26 = 46.
	if !pos.Margin.Equal(dec("46")) {
		t.Fatalf("margin = %s, want 46", pos.Margin)
	}
}

func TestOppositeDirectionFillRejected(t *testing.T) {
	mgr, ledger, prices := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "1000")
	prices.SetPrice("BTCUSDT", dec("100"))

	open := futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindMarket, Quantity: dec("1"), Leverage: 10,
	}
	if _, err := mgr.PlaceOrder(open); err != nil {
		t.Fatalf("open: %v", err)
	}

	opposite := open
	opposite.Side = market.SideSell
	opposite.PositionSide = market.PositionShort
	if _, err := mgr.PlaceOrder(opposite); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// The rejected order's margin is fully released.
	w, _ := ledger.Balance(futuresKey(owner))
	if !w.Locked.Equal(dec("10")) {
		t.Fatalf("locked = %s, want 10 (only the open position's margin)", w.Locked)
	}
}

func TestMismatchedLeverageFillCancelsOrder(t *testing.T) {
	mgr, ledger, prices := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "1000")
	prices.SetPrice("BTCUSDT", dec("100"))

	if _, err := mgr.PlaceOrder(futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindMarket, Quantity: dec("1"), Leverage: 10,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	o, err := mgr.PlaceOrder(futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindLimit, Price: dec("100"), Quantity: dec("1"), Leverage: 5,
	})
	if err != nil {
		t.Fatalf("place limit: %v", err)
	}

	if err := mgr.ExecutePending(o.ID, dec("95")); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	// The order must not linger for the sweep to retry.
	if len(mgr.PendingOrders()) != 0 {
		t.Fatal("rejected order still pending")
	}
	if err := mgr.ExecutePending(o.ID, dec("95")); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("retry err = %v, want ErrNotFound", err)
	}

	// Only the open position's margin stays locked.
	w, _ := ledger.Balance(futuresKey(owner))
	if !w.Locked.Equal(dec("10")) {
		t.Fatalf("locked = %s, want 10", w.Locked)
	}
	pos, err := mgr.Position(owner, "BTCUSDT")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Leverage != 10 || !pos.Quantity.Equal(dec("1")) {
		t.Fatalf("position = %dx qty %s, want untouched 10x qty 1", pos.Leverage, pos.Quantity)
	}
}

func TestClosePositionRealizesPnL(t *testing.T) {
	mgr, ledger, prices := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "1000")
	prices.SetPrice("BTCUSDT", dec("50000"))

	if _, err := mgr.PlaceOrder(futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindMarket, Quantity: dec("0.1"), Leverage: 10,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	prices.SetPrice("BTCUSDT", dec("55000"))
	pos, err := mgr.ClosePosition(owner, "BTCUSDT")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if pos.Status != market.PositionClosed {
		t.Fatalf("status = %s, want closed", pos.Status)
	}

	w, _ := ledger.Balance(futuresKey(owner))
	if !w.Balance.Equal(dec("1500")) || !w.Locked.IsZero() {
		t.Fatalf("wallet = %s/%s, want 1500/0", w.Balance, w.Locked)
	}

	if _, err := mgr.ClosePosition(owner, "BTCUSDT"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("double close err = %v, want ErrNotFound", err)
	}
}

func TestClosePositionAtLossDebits(t *testing.T) {
	mgr, ledger, prices := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "1000")
	prices.SetPrice("BTCUSDT", dec("100"))

	if _, err := mgr.PlaceOrder(futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideSell, PositionSide: market.PositionShort,
		Kind: market.KindMarket, Quantity: dec("1"), Leverage: 10,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}

	// A short loses when the price rises: pnl = (100 − 105)·1 = −5.
	prices.SetPrice("BTCUSDT", dec("105"))
	if _, err := mgr.ClosePosition(owner, "BTCUSDT"); err != nil {
		t.Fatalf("close: %v", err)
	}
	w, _ := ledger.Balance(futuresKey(owner))
	if !w.Balance.Equal(dec("995")) {
		t.Fatalf("balance = %s, want 995", w.Balance)
	}
}

func TestAdjustLeverage(t *testing.T) {
	mgr, ledger, prices := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "12000")
	prices.SetPrice("BTCUSDT", dec("50000"))

	if _, err := mgr.PlaceOrder(futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindMarket, Quantity: dec("1"), Leverage: 10,
	}); err != nil {
		t.Fatalf("open: %v", err)
	}
	w, _ := ledger.Balance(futuresKey(owner))
	if !w.Locked.Equal(dec("5000")) {
		t.Fatalf("locked = %s, want 5000", w.Locked)
	}

	// Halving leverage doubles the margin requirement.
	pos, err := mgr.AdjustLeverage(owner, "BTCUSDT", 5)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !pos.Margin.Equal(dec("10000")) {
		t.Fatalf("margin = %s, want 10000", pos.Margin)
	}
	if !pos.LiquidationPrice.Equal(dec("40000")) {
		t.Fatalf("liquidation price = %s, want 40000", pos.LiquidationPrice)
	}
	w, _ = ledger.Balance(futuresKey(owner))
	if !w.Locked.Equal(dec("10000")) {
		t.Fatalf("locked = %s, want 10000", w.Locked)
	}

	// The wallet holds 12000 total; leverage 1 would need 50000.
	if _, err := mgr.AdjustLeverage(owner, "BTCUSDT", 1); !errors.Is(err, errs.ErrInsufficientMargin) {
		t.Fatalf("err = %v, want ErrInsufficientMargin", err)
	}

	// Raising leverage releases margin.
	pos, err = mgr.AdjustLeverage(owner, "BTCUSDT", 25)
	if err != nil {
		t.Fatalf("raise leverage: %v", err)
	}
	if !pos.Margin.Equal(dec("2000")) {
		t.Fatalf("margin = %s, want 2000", pos.Margin)
	}
}

func TestCancelPendingOrderReleasesMargin(t *testing.T) {
	mgr, ledger, _ := newTestManager(t)
	owner := uuid.New()
	deposit(t, ledger, owner, "10000")

	o, err := mgr.PlaceOrder(futures.PlaceOrderRequest{
		Owner: owner, Symbol: "BTCUSDT",
		Side: market.SideBuy, PositionSide: market.PositionLong,
		Kind: market.KindLimit, Price: dec("50000"), Quantity: dec("1"), Leverage: 10,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	if _, err := mgr.CancelOrder(o.ID, uuid.New()); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("wrong owner err = %v, want ErrUnauthorized", err)
	}

	cancelled, err := mgr.CancelOrder(o.ID, owner)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != market.OrderCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	w, _ := ledger.Balance(futuresKey(owner))
	if !w.Locked.IsZero() {
		t.Fatalf("locked = %s, want 0", w.Locked)
	}
}
