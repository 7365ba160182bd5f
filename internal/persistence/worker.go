package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/market"
	"tradecore/internal/observability"
	"tradecore/internal/wallet"
)

// Mutation is one state change bound for the store. Exactly one field is
// set.
type Mutation struct {
	Wallet       *wallet.Wallet
	Entry        *wallet.Entry
	Order        *market.Order
	FuturesOrder *market.FuturesOrder
	Position     *market.Position
	Trade        *market.Trade
}

// Worker drains mutations from the core and batch-writes them to Postgres.
// Sends from the core are blocking: if the worker falls behind, the hot
// path stalls instead of losing a write. Failed flushes retry with
// exponential backoff and are never dropped.
type Worker struct {
	store         *Store
	in            chan Mutation
	batchSize     int
	flushInterval time.Duration
	metrics       *observability.Metrics
	log           zerolog.Logger

	done chan struct{}
}

func NewWorker(store *Store, batchSize int, flushInterval time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Worker {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 200 * time.Millisecond
	}
	return &Worker{
		store:         store,
		in:            make(chan Mutation, batchSize*4),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       metrics,
		log:           logger.With().Str("component", "persistence_worker").Logger(),
		done:          make(chan struct{}),
	}
}

// WalletUpdated implements wallet.Sink.
func (w *Worker) WalletUpdated(snapshot wallet.Wallet) {
	w.in <- Mutation{Wallet: &snapshot}
}

// EntryAppended implements wallet.Sink.
func (w *Worker) EntryAppended(entry wallet.Entry) {
	w.in <- Mutation{Entry: &entry}
}

// TradeExecuted implements book.Sink.
func (w *Worker) TradeExecuted(trade market.Trade) {
	w.in <- Mutation{Trade: &trade}
}

// OrderUpdated implements book.Sink.
func (w *Worker) OrderUpdated(order market.Order) {
	w.in <- Mutation{Order: &order}
}

// PositionUpdated implements futures.Sink.
func (w *Worker) PositionUpdated(pos market.Position) {
	w.in <- Mutation{Position: &pos}
}

// FuturesOrderUpdated implements futures.Sink.
func (w *Worker) FuturesOrderUpdated(order market.FuturesOrder) {
	w.in <- Mutation{FuturesOrder: &order}
}

// Close stops intake and waits for the final flush. Callers must have
// stopped every producer first: a send after Close panics.
func (w *Worker) Close() {
	close(w.in)
	<-w.done
}

// Run batches incoming mutations and flushes on size or the interval
// timer. It exits after a final flush when the input channel closes or the
// context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	batch := newBatch(w.batchSize)
	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if !batch.empty() {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return

		case m, ok := <-w.in:
			if !ok {
				if !batch.empty() {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return
			}
			batch.add(m)
			if batch.size() >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = newBatch(w.batchSize)
				timer.Reset(w.flushInterval)
			}

		case <-timer.C:
			if !batch.empty() {
				w.flushWithRetry(ctx, batch)
				batch = newBatch(w.batchSize)
			}
			timer.Reset(w.flushInterval)
		}
	}
}

func (w *Worker) flushWithRetry(ctx context.Context, b *mutationBatch) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("mutations", b.size()).
				Msg("persistence flush retrying")
			select {
			case <-ctx.Done():
				// One last try with a fresh context so shutdown does not
				// drop the batch.
				if err := w.flush(context.Background(), b); err != nil {
					w.log.Error().Err(err).Msg("final flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("persistence flush recovered")
			}
			return
		}
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("flush").Inc()
		}
	}
}

// flush writes one batch in a single transaction.
func (w *Worker) flush(ctx context.Context, b *mutationBatch) error {
	start := time.Now()

	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.store.UpsertWallets(ctx, tx, b.wallets); err != nil {
		return err
	}
	if err := w.store.InsertEntries(ctx, tx, b.entries); err != nil {
		return err
	}
	if err := w.store.upsertOrdersTx(ctx, tx, b.orders); err != nil {
		return err
	}
	if err := w.store.UpsertFuturesOrders(ctx, tx, b.futuresOrders); err != nil {
		return err
	}
	if err := w.store.UpsertPositions(ctx, tx, b.positions); err != nil {
		return err
	}
	if err := w.store.InsertTrades(ctx, tx, b.trades); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(b.size()))
		w.metrics.PersistWrites.Add(float64(b.size()))
	}
	return nil
}

// mutationBatch groups pending mutations by table. Wallet snapshots are
// deduplicated to the latest per key since only the newest matters.
type mutationBatch struct {
	wallets       []wallet.Wallet
	walletIdx     map[wallet.Key]int
	entries       []wallet.Entry
	orders        []market.Order
	futuresOrders []market.FuturesOrder
	positions     []market.Position
	trades        []market.Trade
}

func newBatch(capacity int) *mutationBatch {
	return &mutationBatch{
		wallets:   make([]wallet.Wallet, 0, capacity),
		walletIdx: make(map[wallet.Key]int),
		entries:   make([]wallet.Entry, 0, capacity),
	}
}

func (b *mutationBatch) add(m Mutation) {
	switch {
	case m.Wallet != nil:
		if i, ok := b.walletIdx[m.Wallet.Key]; ok {
			b.wallets[i] = *m.Wallet
		} else {
			b.walletIdx[m.Wallet.Key] = len(b.wallets)
			b.wallets = append(b.wallets, *m.Wallet)
		}
	case m.Entry != nil:
		b.entries = append(b.entries, *m.Entry)
	case m.Order != nil:
		b.orders = append(b.orders, *m.Order)
	case m.FuturesOrder != nil:
		b.futuresOrders = append(b.futuresOrders, *m.FuturesOrder)
	case m.Position != nil:
		b.positions = append(b.positions, *m.Position)
	case m.Trade != nil:
		b.trades = append(b.trades, *m.Trade)
	}
}

func (b *mutationBatch) size() int {
	return len(b.wallets) + len(b.entries) + len(b.orders) +
		len(b.futuresOrders) + len(b.positions) + len(b.trades)
}

func (b *mutationBatch) empty() bool {
	return b.size() == 0
}

var _ wallet.Sink = (*Worker)(nil)

// OpenDB opens the Postgres pool with limits sized for the write-behind
// worker plus a handful of query callers.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}
