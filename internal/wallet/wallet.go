package wallet

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Pocket is one of a user's segregated balance sub-accounts for a currency.
type Pocket int32

const (
	PocketSpot Pocket = iota
	PocketFunding
	PocketFutures
	PocketEarn
)

func (p Pocket) String() string {
	switch p {
	case PocketSpot:
		return "spot"
	case PocketFunding:
		return "funding"
	case PocketFutures:
		return "futures"
	case PocketEarn:
		return "earn"
	default:
		return "unknown"
	}
}

// Key identifies a wallet. Each wallet is exclusively owned by its key.
type Key struct {
	Owner    uuid.UUID
	Currency string
	Pocket   Pocket
}

// Path returns the string representation for storage and logging.
func (k Key) Path() string {
	return fmt.Sprintf("%s:%s:%s", k.Owner, k.Currency, k.Pocket)
}

// less gives a total order over keys, used for deadlock-free two-lock
// acquisition.
func (k Key) less(other Key) bool {
	for i := 0; i < 16; i++ {
		if k.Owner[i] != other.Owner[i] {
			return k.Owner[i] < other.Owner[i]
		}
	}
	if k.Currency != other.Currency {
		return k.Currency < other.Currency
	}
	return k.Pocket < other.Pocket
}

// Wallet is a point-in-time snapshot of one balance pocket.
// Invariant: Balance ≥ Locked ≥ 0.
type Wallet struct {
	Key       Key
	Balance   decimal.Decimal
	Locked    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available returns Balance − Locked.
func (w Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Locked)
}

// EntryType classifies ledger entries.
type EntryType int32

const (
	EntryDeposit EntryType = iota
	EntryWithdrawal
	EntryTrade
	EntryTransfer
	EntryRealizedPnL
	EntryFunding
	EntryLiquidation
	EntryAdjustment
)

func (t EntryType) String() string {
	switch t {
	case EntryDeposit:
		return "deposit"
	case EntryWithdrawal:
		return "withdrawal"
	case EntryTrade:
		return "trade"
	case EntryTransfer:
		return "transfer"
	case EntryRealizedPnL:
		return "realized_pnl"
	case EntryFunding:
		return "funding"
	case EntryLiquidation:
		return "liquidation"
	case EntryAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Entry is one immutable row of the append-only balance history.
// The running sum of Delta for a wallet always equals its current balance.
type Entry struct {
	ID             uuid.UUID
	IdempotencyKey string
	Wallet         Key
	Delta          decimal.Decimal
	Resulting      decimal.Decimal
	Type           EntryType
	Note           string
	Timestamp      time.Time
}

// Sink receives wallet mutations for persistence and outbound notification.
// Implementations must not call back into the Ledger.
type Sink interface {
	WalletUpdated(Wallet)
	EntryAppended(Entry)
}
