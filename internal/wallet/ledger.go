package wallet

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/errs"
	"tradecore/internal/observability"
)

// walletState is the authoritative record for one wallet. Its mutex
// serializes every mutation of that wallet; the Ledger map mutex is never
// held while a wallet mutex is held.
type walletState struct {
	mu sync.Mutex
	w  Wallet
}

// Ledger holds every wallet in memory and is the single writer of balance
// state. Durability is delegated to the Sink, which feeds the write-behind
// persistence worker.
type Ledger struct {
	mu      sync.Mutex
	wallets map[Key]*walletState

	applied *appliedIndex
	sink    Sink
	metrics *observability.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEntryChecker installs the durable tier of duplicate detection.
func WithEntryChecker(c EntryChecker) Option {
	return func(l *Ledger) { l.applied.checker = c }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithMetrics installs the Prometheus instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func NewLedger(sink Sink, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		wallets: make(map[Key]*walletState),
		applied: newAppliedIndex(100000, nil),
		sink:    sink,
		log:     logger.With().Str("component", "wallet_ledger").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) state(k Key) *walletState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws, ok := l.wallets[k]
	if !ok {
		ws = &walletState{w: Wallet{
			Key:       k,
			Balance:   decimal.Zero,
			Locked:    decimal.Zero,
			CreatedAt: l.now(),
			UpdatedAt: l.now(),
		}}
		l.wallets[k] = ws
	}
	return ws
}

// GetOrCreate returns a snapshot of the wallet, creating it with zero
// balances on first reference.
func (l *Ledger) GetOrCreate(k Key) Wallet {
	ws := l.state(k)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.w
}

// Balance returns a snapshot of an existing wallet.
func (l *Ledger) Balance(k Key) (Wallet, error) {
	l.mu.Lock()
	ws, ok := l.wallets[k]
	l.mu.Unlock()
	if !ok {
		return Wallet{}, fmt.Errorf("%w: wallet %s", errs.ErrNotFound, k.Path())
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.w, nil
}

// Restore installs a wallet snapshot loaded from the store. It must only be
// called during startup, before any operation runs.
func (l *Ledger) Restore(w Wallet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallets[w.Key] = &walletState{w: w}
}

// Snapshot returns a copy of every wallet.
func (l *Ledger) Snapshot() []Wallet {
	l.mu.Lock()
	states := make([]*walletState, 0, len(l.wallets))
	for _, ws := range l.wallets {
		states = append(states, ws)
	}
	l.mu.Unlock()

	out := make([]Wallet, 0, len(states))
	for _, ws := range states {
		ws.mu.Lock()
		out = append(out, ws.w)
		ws.mu.Unlock()
	}
	return out
}

// Reserve moves amount from available into locked. Reservations do not
// change the balance and emit no ledger entry.
func (l *Ledger) Reserve(k Key, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: reserve amount must be positive", errs.ErrValidation)
	}
	ws := l.state(k)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.w.Available().LessThan(amount) {
		return fmt.Errorf("%w: wallet %s has %s available, need %s",
			errs.ErrInsufficientFunds, k.Path(), ws.w.Available(), amount)
	}
	ws.w.Locked = ws.w.Locked.Add(amount)
	ws.w.UpdatedAt = l.now()
	l.emitWallet(ws.w)
	return nil
}

// Release returns amount from locked to available.
func (l *Ledger) Release(k Key, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: release amount must be positive", errs.ErrValidation)
	}
	ws := l.state(k)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.w.Locked.LessThan(amount) {
		return fmt.Errorf("%w: wallet %s has %s locked, cannot release %s",
			errs.ErrConflict, k.Path(), ws.w.Locked, amount)
	}
	ws.w.Locked = ws.w.Locked.Sub(amount)
	ws.w.UpdatedAt = l.now()
	l.emitWallet(ws.w)
	return nil
}

// Credit adds amount to the wallet balance and appends one ledger entry.
// Replays of the same idempotency key return the original entry unchanged.
func (l *Ledger) Credit(k Key, amount decimal.Decimal, idemKey string, typ EntryType, note string) (Entry, error) {
	if amount.Sign() <= 0 {
		return Entry{}, fmt.Errorf("%w: credit amount must be positive", errs.ErrValidation)
	}
	prior, dup, err := l.applied.begin(idemKey)
	if err != nil {
		return Entry{}, err
	}
	if dup {
		l.countDuplicate()
		return prior, nil
	}

	ws := l.state(k)
	ws.mu.Lock()
	ws.w.Balance = ws.w.Balance.Add(amount)
	ws.w.UpdatedAt = l.now()
	entry := l.appendEntry(&ws.w, amount, idemKey, typ, note)
	ws.mu.Unlock()

	l.applied.commit(idemKey, entry)
	return entry, nil
}

// Debit subtracts amount from the wallet balance. Only the available
// portion may be debited; locked funds are untouchable.
func (l *Ledger) Debit(k Key, amount decimal.Decimal, idemKey string, typ EntryType, note string) (Entry, error) {
	if amount.Sign() <= 0 {
		return Entry{}, fmt.Errorf("%w: debit amount must be positive", errs.ErrValidation)
	}
	prior, dup, err := l.applied.begin(idemKey)
	if err != nil {
		return Entry{}, err
	}
	if dup {
		l.countDuplicate()
		return prior, nil
	}

	ws := l.state(k)
	ws.mu.Lock()
	if ws.w.Available().LessThan(amount) {
		avail := ws.w.Available()
		ws.mu.Unlock()
		l.applied.abort(idemKey)
		return Entry{}, fmt.Errorf("%w: wallet %s has %s available, need %s",
			errs.ErrInsufficientFunds, k.Path(), avail, amount)
	}
	ws.w.Balance = ws.w.Balance.Sub(amount)
	ws.w.UpdatedAt = l.now()
	entry := l.appendEntry(&ws.w, amount.Neg(), idemKey, typ, note)
	ws.mu.Unlock()

	l.applied.commit(idemKey, entry)
	return entry, nil
}

// DebitUpTo debits min(amount, available). Periodic charges such as funding
// use it so a drained wallet is never pushed below its locked floor. When
// nothing is available the key is still marked applied and a zero-delta
// entry is returned without being appended.
func (l *Ledger) DebitUpTo(k Key, amount decimal.Decimal, idemKey string, typ EntryType, note string) (Entry, error) {
	if amount.Sign() <= 0 {
		return Entry{}, fmt.Errorf("%w: debit amount must be positive", errs.ErrValidation)
	}
	prior, dup, err := l.applied.begin(idemKey)
	if err != nil {
		return Entry{}, err
	}
	if dup {
		l.countDuplicate()
		return prior, nil
	}

	ws := l.state(k)
	ws.mu.Lock()
	actual := amount
	if avail := ws.w.Available(); avail.LessThan(actual) {
		actual = avail
		if l.metrics != nil {
			l.metrics.ClampedDebits.Inc()
		}
		l.log.Warn().
			Str("wallet", k.Path()).
			Str("requested", amount.String()).
			Str("charged", actual.String()).
			Msg("debit clamped to available balance")
	}
	if actual.Sign() <= 0 {
		ws.mu.Unlock()
		empty := Entry{IdempotencyKey: idemKey, Wallet: k, Delta: decimal.Zero, Type: typ}
		l.applied.commit(idemKey, empty)
		return empty, nil
	}
	ws.w.Balance = ws.w.Balance.Sub(actual)
	ws.w.UpdatedAt = l.now()
	entry := l.appendEntry(&ws.w, actual.Neg(), idemKey, typ, note)
	ws.mu.Unlock()

	l.applied.commit(idemKey, entry)
	return entry, nil
}

// SettleLocked consumes amount out of the locked portion: both locked and
// balance drop together. Trade settlement and liquidation forfeits spend
// previously reserved funds this way.
func (l *Ledger) SettleLocked(k Key, amount decimal.Decimal, idemKey string, typ EntryType, note string) (Entry, error) {
	if amount.Sign() <= 0 {
		return Entry{}, fmt.Errorf("%w: settle amount must be positive", errs.ErrValidation)
	}
	prior, dup, err := l.applied.begin(idemKey)
	if err != nil {
		return Entry{}, err
	}
	if dup {
		l.countDuplicate()
		return prior, nil
	}

	ws := l.state(k)
	ws.mu.Lock()
	if ws.w.Locked.LessThan(amount) {
		locked := ws.w.Locked
		ws.mu.Unlock()
		l.applied.abort(idemKey)
		return Entry{}, fmt.Errorf("%w: wallet %s has %s locked, cannot settle %s",
			errs.ErrConflict, k.Path(), locked, amount)
	}
	ws.w.Locked = ws.w.Locked.Sub(amount)
	ws.w.Balance = ws.w.Balance.Sub(amount)
	ws.w.UpdatedAt = l.now()
	entry := l.appendEntry(&ws.w, amount.Neg(), idemKey, typ, note)
	ws.mu.Unlock()

	l.applied.commit(idemKey, entry)
	return entry, nil
}

// Transfer moves amount between two pockets of the same owner and currency.
// Both wallets change under their locks in key order, and two entries share
// the transfer id so the pair is replay-safe as a unit.
func (l *Ledger) Transfer(owner uuid.UUID, currency string, from, to Pocket, amount decimal.Decimal, transferID string) error {
	if from == to {
		return fmt.Errorf("%w: transfer pockets must differ", errs.ErrValidation)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", errs.ErrValidation)
	}
	outKey := fmt.Sprintf("transfer:%s:out", transferID)
	inKey := fmt.Sprintf("transfer:%s:in", transferID)
	_, dup, err := l.applied.begin(outKey)
	if err != nil {
		return err
	}
	if dup {
		l.countDuplicate()
		return nil
	}

	src := Key{Owner: owner, Currency: currency, Pocket: from}
	dst := Key{Owner: owner, Currency: currency, Pocket: to}
	srcState := l.state(src)
	dstState := l.state(dst)

	first, second := srcState, dstState
	if dst.less(src) {
		first, second = dstState, srcState
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	if srcState.w.Available().LessThan(amount) {
		l.applied.abort(outKey)
		return fmt.Errorf("%w: wallet %s has %s available, need %s",
			errs.ErrInsufficientFunds, src.Path(), srcState.w.Available(), amount)
	}

	now := l.now()
	srcState.w.Balance = srcState.w.Balance.Sub(amount)
	srcState.w.UpdatedAt = now
	out := l.appendEntry(&srcState.w, amount.Neg(), outKey, EntryTransfer,
		fmt.Sprintf("transfer to %s", to))

	dstState.w.Balance = dstState.w.Balance.Add(amount)
	dstState.w.UpdatedAt = now
	l.appendEntry(&dstState.w, amount, inKey, EntryTransfer,
		fmt.Sprintf("transfer from %s", from))

	l.applied.commit(outKey, out)
	return nil
}

// appendEntry records one history row and forwards it to the sink.
// Caller holds the wallet mutex.
func (l *Ledger) appendEntry(w *Wallet, delta decimal.Decimal, idemKey string, typ EntryType, note string) Entry {
	entry := Entry{
		ID:             uuid.New(),
		IdempotencyKey: idemKey,
		Wallet:         w.Key,
		Delta:          delta,
		Resulting:      w.Balance,
		Type:           typ,
		Note:           note,
		Timestamp:      l.now(),
	}
	if l.metrics != nil {
		l.metrics.LedgerEntries.WithLabelValues(typ.String()).Inc()
	}
	if l.sink != nil {
		l.sink.WalletUpdated(*w)
		l.sink.EntryAppended(entry)
	}
	return entry
}

func (l *Ledger) emitWallet(w Wallet) {
	if l.sink != nil {
		l.sink.WalletUpdated(w)
	}
}

func (l *Ledger) countDuplicate() {
	if l.metrics != nil {
		l.metrics.IdempotencyDuplicates.Inc()
	}
}
