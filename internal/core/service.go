// Package core composes the wallet ledger, spot books, durable intake, and
// futures manager behind the operation surface the API layer consumes.
package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/book"
	"tradecore/internal/errs"
	"tradecore/internal/futures"
	"tradecore/internal/intake"
	"tradecore/internal/market"
	"tradecore/internal/observability"
	"tradecore/internal/wallet"
)

// Service is the synchronous entry point for inbound operations. The API
// layer calls it directly; the periodic sweeps run beside it against the
// same state.
type Service struct {
	ledger  *wallet.Ledger
	books   *book.Registry
	futures *futures.Manager
	intake  *intake.Intake
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewService(ledger *wallet.Ledger, books *book.Registry, fut *futures.Manager, in *intake.Intake, metrics *observability.Metrics, logger zerolog.Logger) *Service {
	return &Service{
		ledger:  ledger,
		books:   books,
		futures: fut,
		intake:  in,
		metrics: metrics,
		log:     logger.With().Str("component", "core_service").Logger(),
	}
}

// Deposit credits external funds into a pocket. ref is the upstream
// transaction reference; re-delivering the same ref is a no-op.
func (s *Service) Deposit(owner uuid.UUID, currency string, pocket wallet.Pocket, amount decimal.Decimal, ref string) (wallet.Entry, error) {
	if ref == "" {
		return wallet.Entry{}, fmt.Errorf("%w: deposit reference required", errs.ErrValidation)
	}
	k := wallet.Key{Owner: owner, Currency: currency, Pocket: pocket}
	return s.ledger.Credit(k, amount, "deposit:"+ref, wallet.EntryDeposit, "external deposit")
}

// Withdraw debits available funds out of a pocket.
func (s *Service) Withdraw(owner uuid.UUID, currency string, pocket wallet.Pocket, amount decimal.Decimal, ref string) (wallet.Entry, error) {
	if ref == "" {
		return wallet.Entry{}, fmt.Errorf("%w: withdrawal reference required", errs.ErrValidation)
	}
	k := wallet.Key{Owner: owner, Currency: currency, Pocket: pocket}
	return s.ledger.Debit(k, amount, "withdraw:"+ref, wallet.EntryWithdrawal, "external withdrawal")
}

// Transfer moves funds between two pockets of the same owner.
func (s *Service) Transfer(owner uuid.UUID, currency string, from, to wallet.Pocket, amount decimal.Decimal, transferID string) error {
	if transferID == "" {
		return fmt.Errorf("%w: transfer id required", errs.ErrValidation)
	}
	return s.ledger.Transfer(owner, currency, from, to, amount, transferID)
}

// Balance returns a wallet snapshot, creating the wallet if it does not
// exist yet.
func (s *Service) Balance(owner uuid.UUID, currency string, pocket wallet.Pocket) wallet.Wallet {
	return s.ledger.GetOrCreate(wallet.Key{Owner: owner, Currency: currency, Pocket: pocket})
}

// SubmitOrder routes a spot order to its book and journals the accepted
// order for durable persistence.
func (s *Service) SubmitOrder(o market.Order) (market.Order, []market.Trade, error) {
	b, err := s.books.Get(o.Symbol)
	if err != nil {
		s.countRejected(err)
		return market.Order{}, nil, err
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}

	start := time.Now()
	accepted, trades, err := b.Submit(o)
	if err != nil {
		s.countRejected(err)
		return market.Order{}, nil, err
	}
	if s.metrics != nil {
		s.metrics.OrdersSubmitted.WithLabelValues(o.Symbol, o.Kind.String()).Inc()
		s.metrics.MatchDuration.WithLabelValues(o.Symbol).Observe(time.Since(start).Seconds())
		for range trades {
			s.metrics.TradesExecuted.WithLabelValues(o.Symbol).Inc()
		}
	}

	if s.intake != nil {
		if err := s.intake.Accept(accepted); err != nil {
			// The order already executed against in-memory state; the
			// persistence worker still carries its updates. Losing the
			// journal entry only weakens crash replay, so log loudly and
			// carry on.
			s.log.Error().Err(err).Str("order_id", accepted.ID.String()).Msg("order journal append failed")
		}
	}
	return accepted, trades, nil
}

// CancelOrder cancels a resting spot order.
func (s *Service) CancelOrder(symbol string, id, owner uuid.UUID) (market.Order, error) {
	b, err := s.books.Get(symbol)
	if err != nil {
		return market.Order{}, err
	}
	return b.Cancel(id, owner)
}

// PlaceFuturesOrder validates and places a futures order.
func (s *Service) PlaceFuturesOrder(req futures.PlaceOrderRequest) (market.FuturesOrder, error) {
	o, err := s.futures.PlaceOrder(req)
	if err != nil {
		s.countRejected(err)
		return market.FuturesOrder{}, err
	}
	if s.metrics != nil {
		s.metrics.OrdersSubmitted.WithLabelValues(req.Symbol, req.Kind.String()).Inc()
		if o.Status == market.OrderFilled {
			s.metrics.PositionsOpened.WithLabelValues(req.Symbol, req.PositionSide.String()).Inc()
		}
	}
	return o, nil
}

// CancelFuturesOrder withdraws a pending futures limit order.
func (s *Service) CancelFuturesOrder(id, owner uuid.UUID) (market.FuturesOrder, error) {
	return s.futures.CancelOrder(id, owner)
}

// ClosePosition closes the owner's open position at the mark price.
func (s *Service) ClosePosition(owner uuid.UUID, symbol string) (market.Position, error) {
	pos, err := s.futures.ClosePosition(owner, symbol)
	if err != nil {
		return market.Position{}, err
	}
	if s.metrics != nil {
		s.metrics.PositionsClosed.WithLabelValues(symbol, "closed").Inc()
	}
	return pos, nil
}

// AdjustLeverage re-margins the owner's open position.
func (s *Service) AdjustLeverage(owner uuid.UUID, symbol string, leverage int32) (market.Position, error) {
	return s.futures.AdjustLeverage(owner, symbol, leverage)
}

// Position returns the owner's open position for symbol.
func (s *Service) Position(owner uuid.UUID, symbol string) (market.Position, error) {
	return s.futures.Position(owner, symbol)
}

func (s *Service) countRejected(err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.OrdersRejected.WithLabelValues(reasonFor(err)).Inc()
}

// reasonFor maps an error to its kind label.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return "validation"
	case errors.Is(err, errs.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, errs.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	case errors.Is(err, errs.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, errs.ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, errs.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
