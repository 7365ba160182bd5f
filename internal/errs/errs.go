package errs

import "errors"

// Sentinel error kinds for the trading core. Callers branch with errors.Is,
// never on message text. Synchronous operations return these directly;
// periodic sweeps log and skip the offending row instead of surfacing them.
var (
	// ErrValidation covers malformed input: bad leverage, non-positive
	// quantity or amount, unknown symbol.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds is returned when available balance
	// (balance − locked) cannot cover a reserve or debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientMargin is the futures flavor of ErrInsufficientFunds:
	// the Futures pocket cannot cover a required margin reserve.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrNotFound is returned for missing wallets, orders, or positions.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller does not own the record.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPriceUnavailable is returned when the oracle has no price for a
	// symbol. Callers must never compute against a zero price.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrConflict is returned when an operation lost a concurrent-update
	// race or targets a record in a terminal state. Callers may retry.
	ErrConflict = errors.New("conflict")
)
