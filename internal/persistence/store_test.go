package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/market"
	"tradecore/internal/persistence"
	"tradecore/internal/testutil"
	"tradecore/internal/wallet"
)

const migrationsDir = "../../migrations"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestStoreWalletRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t, migrationsDir)
	defer cleanup()

	store := persistence.NewStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	owner := uuid.New()
	key := wallet.Key{Owner: owner, Currency: "USDT", Pocket: wallet.PocketSpot}
	w := wallet.Wallet{Key: key, Balance: dec("100"), Locked: dec("40"), CreatedAt: now, UpdatedAt: now}

	if err := store.UpsertWallets(ctx, nil, []wallet.Wallet{w}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Second write for the same key wins.
	w.Balance = dec("250")
	w.Locked = dec("0")
	if err := store.UpsertWallets(ctx, nil, []wallet.Wallet{w}); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	loaded, err := store.LoadWallets(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d wallets, want 1", len(loaded))
	}
	if loaded[0].Key != key || !loaded[0].Balance.Equal(dec("250")) || !loaded[0].Locked.IsZero() {
		t.Fatalf("loaded wallet = %+v", loaded[0])
	}
}

func TestStoreEntryIdempotency(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t, migrationsDir)
	defer cleanup()

	store := persistence.NewStore(db)
	ctx := context.Background()
	key := wallet.Key{Owner: uuid.New(), Currency: "USDT", Pocket: wallet.PocketFutures}

	entry := wallet.Entry{
		ID:             uuid.New(),
		IdempotencyKey: "deposit:tx-1",
		Wallet:         key,
		Delta:          dec("100"),
		Resulting:      dec("100"),
		Type:           wallet.EntryDeposit,
		Timestamp:      time.Now().UTC(),
	}
	if err := store.InsertEntries(ctx, nil, []wallet.Entry{entry}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	exists, err := store.EntryExists("deposit:tx-1")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatal("key not found after insert")
	}
	exists, err = store.EntryExists("deposit:tx-2")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("unknown key reported as existing")
	}

	// A replayed batch carries the same key with a fresh row id and
	// must insert nothing.
	dup := entry
	dup.ID = uuid.New()
	if err := store.InsertEntries(ctx, nil, []wallet.Entry{dup}); err != nil {
		t.Fatalf("replay insert: %v", err)
	}

	entries, err := store.EntriesForWallet(ctx, key, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].ID != entry.ID {
		t.Fatalf("entry id = %s, want %s", entries[0].ID, entry.ID)
	}
}

func TestStoreLoadsOnlyLiveRows(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t, migrationsDir)
	defer cleanup()

	store := persistence.NewStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(status market.OrderStatus, seq int64) market.Order {
		return market.Order{
			ID: uuid.New(), Owner: uuid.New(), Symbol: "BTCUSDT",
			Side: market.SideBuy, Kind: market.KindLimit,
			Price: dec("100"), Quantity: dec("1"), Remaining: dec("1"),
			Status: status, Seq: seq, SubmittedAt: now,
		}
	}
	orders := []market.Order{
		mk(market.OrderPending, 1),
		mk(market.OrderPartiallyFilled, 2),
		mk(market.OrderFilled, 3),
		mk(market.OrderCancelled, 4),
	}
	if err := store.UpsertOrders(ctx, orders); err != nil {
		t.Fatalf("upsert orders: %v", err)
	}

	resting, err := store.LoadRestingOrders(ctx)
	if err != nil {
		t.Fatalf("load resting: %v", err)
	}
	if len(resting) != 2 {
		t.Fatalf("got %d resting orders, want 2", len(resting))
	}
	if resting[0].Seq != 1 || resting[1].Seq != 2 {
		t.Fatalf("resting order seqs = %d, %d, want 1, 2", resting[0].Seq, resting[1].Seq)
	}

	filled := orders[2]
	byOwner, err := store.OrdersByOwner(ctx, filled.Owner, "BTCUSDT", "filled")
	if err != nil {
		t.Fatalf("orders by owner: %v", err)
	}
	if len(byOwner) != 1 || byOwner[0].ID != filled.ID {
		t.Fatalf("orders by owner = %+v, want the filled order", byOwner)
	}

	open := market.Position{
		ID: uuid.New(), Owner: uuid.New(), Symbol: "BTCUSDT",
		Side: market.PositionLong, EntryPrice: dec("50000"), Quantity: dec("0.1"),
		Leverage: 10, Margin: dec("500"), LiquidationPrice: dec("45000"),
		Status: market.PositionOpen, OpenedAt: now, UpdatedAt: now,
	}
	closed := open
	closed.ID = uuid.New()
	closed.Owner = uuid.New()
	closed.Status = market.PositionClosed
	if err := store.UpsertPositions(ctx, nil, []market.Position{open, closed}); err != nil {
		t.Fatalf("upsert positions: %v", err)
	}

	positions, err := store.LoadOpenPositions(ctx)
	if err != nil {
		t.Fatalf("load positions: %v", err)
	}
	if len(positions) != 1 || positions[0].ID != open.ID {
		t.Fatalf("open positions = %+v, want the single open row", positions)
	}
}
