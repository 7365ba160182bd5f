// Package persistence is the write-behind Postgres layer. The in-memory
// state is authoritative; the store receives batched upserts from the
// worker and serves point lookups and the startup load.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/market"
	"tradecore/internal/wallet"
)

// Store wraps the database handle with the typed queries the core needs.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertWallets writes wallet snapshots with a multi-row INSERT. The last
// write for a key wins, which matches the in-memory state being
// authoritative.
func (s *Store) UpsertWallets(ctx context.Context, tx *sql.Tx, wallets []wallet.Wallet) error {
	if len(wallets) == 0 {
		return nil
	}
	values := make([]string, 0, len(wallets))
	args := make([]interface{}, 0, len(wallets)*7)
	for i, w := range wallets {
		base := i * 7
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, w.Key.Owner, w.Key.Currency, w.Key.Pocket.String(),
			w.Balance, w.Locked, w.CreatedAt, w.UpdatedAt)
	}
	query := `INSERT INTO wallets (owner_id, currency, pocket, balance, locked, created_at, updated_at) VALUES ` +
		strings.Join(values, ", ") +
		` ON CONFLICT (owner_id, currency, pocket) DO UPDATE SET
			balance = EXCLUDED.balance,
			locked = EXCLUDED.locked,
			updated_at = EXCLUDED.updated_at`
	_, err := execContext(ctx, s.db, tx, query, args...)
	return err
}

// InsertEntries appends ledger entries. The idempotency key is unique, so
// a replayed batch inserts nothing.
func (s *Store) InsertEntries(ctx context.Context, tx *sql.Tx, entries []wallet.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*10)
	for i, e := range entries {
		base := i * 10
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args, e.ID, e.IdempotencyKey, e.Wallet.Owner, e.Wallet.Currency,
			e.Wallet.Pocket.String(), e.Delta, e.Resulting, e.Type.String(), e.Note, e.Timestamp)
	}
	query := `INSERT INTO ledger_entries
		(id, idempotency_key, owner_id, currency, pocket, delta, resulting, entry_type, note, created_at)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (idempotency_key) DO NOTHING`
	_, err := execContext(ctx, s.db, tx, query, args...)
	return err
}

// UpsertOrders writes spot orders keyed by id.
func (s *Store) UpsertOrders(ctx context.Context, orders []market.Order) error {
	return s.upsertOrdersTx(ctx, nil, orders)
}

func (s *Store) upsertOrdersTx(ctx context.Context, tx *sql.Tx, orders []market.Order) error {
	if len(orders) == 0 {
		return nil
	}
	values := make([]string, 0, len(orders))
	args := make([]interface{}, 0, len(orders)*11)
	for i, o := range orders {
		base := i * 11
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11))
		args = append(args, o.ID, o.Owner, o.Symbol, o.Side.String(), o.Kind.String(),
			o.Price, o.Quantity, o.Remaining, o.Status.String(), o.Seq, o.SubmittedAt)
	}
	query := `INSERT INTO orders
		(id, owner_id, symbol, side, kind, price, quantity, remaining, status, seq, submitted_at)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			status = EXCLUDED.status`
	_, err := execContext(ctx, s.db, tx, query, args...)
	return err
}

// UpsertFuturesOrders writes futures orders keyed by id.
func (s *Store) UpsertFuturesOrders(ctx context.Context, tx *sql.Tx, orders []market.FuturesOrder) error {
	if len(orders) == 0 {
		return nil
	}
	values := make([]string, 0, len(orders))
	args := make([]interface{}, 0, len(orders)*14)
	for i, o := range orders {
		base := i * 14
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
			base+8, base+9, base+10, base+11, base+12, base+13, base+14))
		args = append(args, o.ID, o.Owner, o.Symbol, o.Side.String(), o.Kind.String(),
			o.Price, o.Quantity, o.Remaining, o.Status.String(), o.Seq, o.SubmittedAt,
			o.PositionSide.String(), o.Leverage, o.Margin)
	}
	query := `INSERT INTO futures_orders
		(id, owner_id, symbol, side, kind, price, quantity, remaining, status, seq, submitted_at, position_side, leverage, margin)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (id) DO UPDATE SET
			remaining = EXCLUDED.remaining,
			status = EXCLUDED.status,
			margin = EXCLUDED.margin`
	_, err := execContext(ctx, s.db, tx, query, args...)
	return err
}

// UpsertPositions writes positions keyed by id.
func (s *Store) UpsertPositions(ctx context.Context, tx *sql.Tx, positions []market.Position) error {
	if len(positions) == 0 {
		return nil
	}
	values := make([]string, 0, len(positions))
	args := make([]interface{}, 0, len(positions)*12)
	for i, p := range positions {
		base := i * 12
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11, base+12))
		args = append(args, p.ID, p.Owner, p.Symbol, p.Side.String(), p.EntryPrice, p.Quantity,
			p.Leverage, p.Margin, p.LiquidationPrice, p.Status.String(), p.OpenedAt, p.UpdatedAt)
	}
	query := `INSERT INTO positions
		(id, owner_id, symbol, side, entry_price, quantity, leverage, margin, liquidation_price, status, opened_at, updated_at)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (id) DO UPDATE SET
			entry_price = EXCLUDED.entry_price,
			quantity = EXCLUDED.quantity,
			leverage = EXCLUDED.leverage,
			margin = EXCLUDED.margin,
			liquidation_price = EXCLUDED.liquidation_price,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`
	_, err := execContext(ctx, s.db, tx, query, args...)
	return err
}

// InsertTrades appends executed trades.
func (s *Store) InsertTrades(ctx context.Context, tx *sql.Tx, trades []market.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	values := make([]string, 0, len(trades))
	args := make([]interface{}, 0, len(trades)*9)
	for i, t := range trades {
		base := i * 9
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args, t.ID, t.Symbol, t.Price, t.Quantity,
			t.BuyOrder, t.SellOrder, t.Buyer, t.Seller, t.ExecutedAt)
	}
	query := `INSERT INTO trades
		(id, symbol, price, quantity, buy_order, sell_order, buyer, seller, executed_at)
		VALUES ` + strings.Join(values, ", ") +
		` ON CONFLICT (id) DO NOTHING`
	_, err := execContext(ctx, s.db, tx, query, args...)
	return err
}

// EntryExists is the durable tier of ledger idempotency checking.
func (s *Store) EntryExists(key string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE idempotency_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return exists, nil
}

// LoadWallets reads every wallet snapshot for the startup load.
func (s *Store) LoadWallets(ctx context.Context) ([]wallet.Wallet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, currency, pocket, balance, locked, created_at, updated_at FROM wallets`)
	if err != nil {
		return nil, fmt.Errorf("load wallets: %w", err)
	}
	defer rows.Close()

	var out []wallet.Wallet
	for rows.Next() {
		var w wallet.Wallet
		var pocket string
		if err := rows.Scan(&w.Key.Owner, &w.Key.Currency, &pocket,
			&w.Balance, &w.Locked, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		if w.Key.Pocket, err = wallet.ParsePocket(pocket); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// LoadRestingOrders reads spot orders still on the book.
func (s *Store) LoadRestingOrders(ctx context.Context) ([]market.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, symbol, side, kind, price, quantity, remaining, status, seq, submitted_at
		 FROM orders WHERE status IN ('pending', 'partially_filled') ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load resting orders: %w", err)
	}
	defer rows.Close()

	var out []market.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadPendingFuturesOrders reads futures orders awaiting the sweep.
func (s *Store) LoadPendingFuturesOrders(ctx context.Context) ([]market.FuturesOrder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, symbol, side, kind, price, quantity, remaining, status, seq, submitted_at,
		        position_side, leverage, margin
		 FROM futures_orders WHERE status = 'pending'`)
	if err != nil {
		return nil, fmt.Errorf("load pending futures orders: %w", err)
	}
	defer rows.Close()

	var out []market.FuturesOrder
	for rows.Next() {
		var o market.FuturesOrder
		var side, kind, status, posSide string
		if err := rows.Scan(&o.ID, &o.Owner, &o.Symbol, &side, &kind,
			&o.Price, &o.Quantity, &o.Remaining, &status, &o.Seq, &o.SubmittedAt,
			&posSide, &o.Leverage, &o.Margin); err != nil {
			return nil, fmt.Errorf("scan futures order: %w", err)
		}
		if o.Side, err = market.ParseSide(side); err != nil {
			return nil, err
		}
		if o.Kind, err = market.ParseOrderKind(kind); err != nil {
			return nil, err
		}
		if o.Status, err = market.ParseOrderStatus(status); err != nil {
			return nil, err
		}
		if o.PositionSide, err = market.ParsePositionSide(posSide); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadOpenPositions reads positions still open.
func (s *Store) LoadOpenPositions(ctx context.Context) ([]market.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, symbol, side, entry_price, quantity, leverage, margin, liquidation_price, status, opened_at, updated_at
		 FROM positions WHERE status = 'open'`)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	defer rows.Close()

	var out []market.Position
	for rows.Next() {
		var p market.Position
		var side, status string
		if err := rows.Scan(&p.ID, &p.Owner, &p.Symbol, &side, &p.EntryPrice, &p.Quantity,
			&p.Leverage, &p.Margin, &p.LiquidationPrice, &status, &p.OpenedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		if p.Side, err = market.ParsePositionSide(side); err != nil {
			return nil, err
		}
		if p.Status, err = market.ParsePositionStatus(status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EntriesForWallet returns a wallet's ledger history, newest first.
func (s *Store) EntriesForWallet(ctx context.Context, key wallet.Key, limit int) ([]wallet.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, idempotency_key, owner_id, currency, pocket, delta, resulting, entry_type, note, created_at
		 FROM ledger_entries
		 WHERE owner_id = $1 AND currency = $2 AND pocket = $3
		 ORDER BY created_at DESC LIMIT $4`,
		key.Owner, key.Currency, key.Pocket.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	var out []wallet.Entry
	for rows.Next() {
		var e wallet.Entry
		var pocket, typ string
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.Wallet.Owner, &e.Wallet.Currency,
			&pocket, &e.Delta, &e.Resulting, &typ, &e.Note, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if e.Wallet.Pocket, err = wallet.ParsePocket(pocket); err != nil {
			return nil, err
		}
		if e.Type, err = wallet.ParseEntryType(typ); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// OrdersByOwner returns an owner's spot orders for a symbol and status.
func (s *Store) OrdersByOwner(ctx context.Context, owner uuid.UUID, symbol, status string) ([]market.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, symbol, side, kind, price, quantity, remaining, status, seq, submitted_at
		 FROM orders WHERE owner_id = $1 AND symbol = $2 AND status = $3
		 ORDER BY submitted_at DESC`,
		owner, symbol, status)
	if err != nil {
		return nil, fmt.Errorf("load orders by owner: %w", err)
	}
	defer rows.Close()

	var out []market.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(rows *sql.Rows) (market.Order, error) {
	var o market.Order
	var side, kind, status string
	if err := rows.Scan(&o.ID, &o.Owner, &o.Symbol, &side, &kind,
		&o.Price, &o.Quantity, &o.Remaining, &status, &o.Seq, &o.SubmittedAt); err != nil {
		return market.Order{}, fmt.Errorf("scan order: %w", err)
	}
	var err error
	if o.Side, err = market.ParseSide(side); err != nil {
		return market.Order{}, err
	}
	if o.Kind, err = market.ParseOrderKind(kind); err != nil {
		return market.Order{}, err
	}
	if o.Status, err = market.ParseOrderStatus(status); err != nil {
		return market.Order{}, err
	}
	return o, nil
}

func execContext(ctx context.Context, db *sql.DB, tx *sql.Tx, query string, args ...interface{}) (sql.Result, error) {
	if tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}
