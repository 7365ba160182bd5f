package intake

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/market"
)

// OrderStore persists batches of orders. Upserts are keyed by order id, so
// replaying an already stored order is harmless.
type OrderStore interface {
	UpsertOrders(ctx context.Context, orders []market.Order) error
}

// Config tunes the batching behavior.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:     256,
		FlushInterval: 200 * time.Millisecond,
		RetryBase:     100 * time.Millisecond,
		RetryMax:      30 * time.Second,
	}
}

// Intake accepts orders into the journal and flushes them to the store in
// size- or time-triggered batches. A failed flush is retried with backoff;
// no accepted order is ever dropped.
type Intake struct {
	journal *Journal
	store   OrderStore
	cfg     Config
	log     zerolog.Logger

	in   chan Record
	wg   sync.WaitGroup
	stop chan struct{}
}

func New(journal *Journal, store OrderStore, cfg Config, logger zerolog.Logger) *Intake {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultConfig().RetryMax
	}
	return &Intake{
		journal: journal,
		store:   store,
		cfg:     cfg,
		log:     logger.With().Str("component", "order_intake").Logger(),
		in:      make(chan Record, cfg.BatchSize*4),
		stop:    make(chan struct{}),
	}
}

// Accept journals the order durably and queues it for flushing. The order
// is safe against a crash as soon as Accept returns.
func (i *Intake) Accept(o market.Order) error {
	seq, err := i.journal.Append(o)
	if err != nil {
		return err
	}
	i.in <- Record{Seq: seq, Order: o}
	return nil
}

// Replay pushes every unconfirmed journal entry to the store. It runs once
// at startup, before Accept is offered to callers.
func (i *Intake) Replay(ctx context.Context) error {
	pending, err := i.journal.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	orders := make([]market.Order, len(pending))
	seqs := make([]uint64, len(pending))
	for n, rec := range pending {
		orders[n] = rec.Order
		seqs[n] = rec.Seq
	}
	if err := i.store.UpsertOrders(ctx, orders); err != nil {
		return err
	}
	if err := i.journal.Confirm(seqs); err != nil {
		return err
	}
	i.log.Info().Int("orders", len(orders)).Msg("journal replay complete")
	return nil
}

// Start launches the flush worker.
func (i *Intake) Start(ctx context.Context) {
	i.wg.Add(1)
	go i.run(ctx)
}

// Stop drains the queue, flushes the final batch, and waits for the
// worker to exit.
func (i *Intake) Stop() {
	close(i.stop)
	i.wg.Wait()
}

func (i *Intake) run(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, i.cfg.BatchSize)
	for {
		select {
		case rec := <-i.in:
			batch = append(batch, rec)
			if len(batch) >= i.cfg.BatchSize {
				i.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				i.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
		case <-i.stop:
			drained := false
			for !drained {
				select {
				case rec := <-i.in:
					batch = append(batch, rec)
				default:
					drained = true
				}
			}
			if len(batch) > 0 {
				i.flushWithRetry(ctx, batch)
			}
			return
		}
	}
}

// flushWithRetry writes the batch to the store, backing off on failure.
// Shutdown during backoff gets one last attempt with a fresh context; only
// if that also fails is the batch left for the next Replay. The journal
// entries survive until the store accepts the batch, so nothing is lost
// either way.
func (i *Intake) flushWithRetry(ctx context.Context, batch []Record) {
	orders := make([]market.Order, len(batch))
	seqs := make([]uint64, len(batch))
	for n, rec := range batch {
		orders[n] = rec.Order
		seqs[n] = rec.Seq
	}

	confirm := func() {
		if err := i.journal.Confirm(seqs); err != nil {
			i.log.Error().Err(err).Msg("journal confirm failed, entries will replay")
		}
	}
	lastTry := func() {
		if err := i.store.UpsertOrders(context.Background(), orders); err != nil {
			i.log.Warn().Err(err).Int("orders", len(orders)).Msg("final flush on shutdown failed, deferring to replay")
			return
		}
		confirm()
	}

	delay := i.cfg.RetryBase
	for {
		err := i.store.UpsertOrders(ctx, orders)
		if err == nil {
			confirm()
			return
		}
		i.log.Warn().Err(err).Int("orders", len(orders)).Dur("retry_in", delay).Msg("order flush failed")

		select {
		case <-time.After(delay):
		case <-i.stop:
			lastTry()
			return
		case <-ctx.Done():
			lastTry()
			return
		}
		delay *= 2
		if delay > i.cfg.RetryMax {
			delay = i.cfg.RetryMax
		}
	}
}
