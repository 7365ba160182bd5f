package intake_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/intake"
	"tradecore/internal/market"
)

type fakeStore struct {
	mu      sync.Mutex
	orders  map[uuid.UUID]market.Order
	batches int
	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[uuid.UUID]market.Order)}
}

func (s *fakeStore) UpsertOrders(_ context.Context, orders []market.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store unavailable")
	}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	s.batches++
	return nil
}

func (s *fakeStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func testOrder() market.Order {
	return market.Order{
		ID:       uuid.New(),
		Owner:    uuid.New(),
		Symbol:   "BTCUSDT",
		Side:     market.SideBuy,
		Kind:     market.KindLimit,
		Price:    decimal.RequireFromString("100"),
		Quantity: decimal.RequireFromString("1"),
		Status:   market.OrderPending,
	}
}

func fastConfig() intake.Config {
	return intake.Config{
		BatchSize:     4,
		FlushInterval: 10 * time.Millisecond,
		RetryBase:     5 * time.Millisecond,
		RetryMax:      20 * time.Millisecond,
	}
}

func TestAcceptFlushesToStore(t *testing.T) {
	journal, err := intake.OpenJournal(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()

	store := newFakeStore()
	in := intake.New(journal, store, fastConfig(), zerolog.Nop())
	in.Start(context.Background())

	ids := make([]uuid.UUID, 0, 10)
	for n := 0; n < 10; n++ {
		o := testOrder()
		ids = append(ids, o.ID)
		if err := in.Accept(o); err != nil {
			t.Fatalf("accept %d: %v", n, err)
		}
	}
	in.Stop()

	if store.count() != 10 {
		t.Fatalf("store holds %d orders, want 10", store.count())
	}
	for _, id := range ids {
		if _, ok := store.orders[id]; !ok {
			t.Fatalf("order %s missing from store", id)
		}
	}

	// Everything flushed, so the journal is empty.
	pending, err := journal.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("journal holds %d entries after flush, want 0", len(pending))
	}
}

func TestFailedFlushRetries(t *testing.T) {
	journal, err := intake.OpenJournal(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()

	store := newFakeStore()
	store.setFailing(true)

	in := intake.New(journal, store, fastConfig(), zerolog.Nop())
	in.Start(context.Background())

	if err := in.Accept(testOrder()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Let a few failing attempts happen, then recover the store.
	time.Sleep(50 * time.Millisecond)
	if store.count() != 0 {
		t.Fatal("order stored while store was failing")
	}
	store.setFailing(false)
	in.Stop()

	// Shutdown during backoff must still land the batch.
	if store.count() != 1 {
		t.Fatalf("store holds %d orders after recovery, want 1", store.count())
	}
	pending, err := journal.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("journal holds %d entries after shutdown flush, want 0", len(pending))
	}
}

func TestReplayAfterRestart(t *testing.T) {
	dir := t.TempDir()

	journal, err := intake.OpenJournal(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	o1, o2 := testOrder(), testOrder()
	if _, err := journal.Append(o1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := journal.Append(o2); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Crash before any flush.
	if err := journal.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := intake.OpenJournal(dir)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	defer reopened.Close()

	store := newFakeStore()
	in := intake.New(reopened, store, fastConfig(), zerolog.Nop())
	if err := in.Replay(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if store.count() != 2 {
		t.Fatalf("store holds %d orders after replay, want 2", store.count())
	}
	pending, err := reopened.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("journal holds %d entries after replay, want 0", len(pending))
	}

	// New appends after replay keep increasing the sequence.
	seq, err := reopened.Append(testOrder())
	if err != nil {
		t.Fatalf("append after replay: %v", err)
	}
	if seq < 3 {
		t.Fatalf("seq = %d, want monotonic continuation", seq)
	}
}

func TestJournalPendingOrder(t *testing.T) {
	journal, err := intake.OpenJournal(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()

	var want []uuid.UUID
	for n := 0; n < 5; n++ {
		o := testOrder()
		want = append(want, o.ID)
		if _, err := journal.Append(o); err != nil {
			t.Fatalf("append %d: %v", n, err)
		}
	}

	pending, err := journal.Pending()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("pending = %d entries, want 5", len(pending))
	}
	for n, rec := range pending {
		if rec.Order.ID != want[n] {
			t.Fatalf("entry %d is order %s, want %s (journal must preserve order)", n, rec.Order.ID, want[n])
		}
	}
}
