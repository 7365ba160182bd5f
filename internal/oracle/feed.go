package oracle

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Tick is the wire format of one market data update.
type Tick struct {
	Symbol      string           `json:"symbol"`
	Price       decimal.Decimal  `json:"price"`
	FundingRate *decimal.Decimal `json:"funding_rate,omitempty"`
}

// Feed subscribes to the market data subjects and keeps a Store current.
// Ticks are fire-and-forget: a missed tick is superseded by the next one,
// so there is no JetStream consumer or redelivery here.
type Feed struct {
	conn  *nats.Conn
	store *Store
	log   zerolog.Logger
	sub   *nats.Subscription
}

func NewFeed(conn *nats.Conn, store *Store, logger zerolog.Logger) *Feed {
	return &Feed{
		conn:  conn,
		store: store,
		log:   logger.With().Str("component", "oracle_feed").Logger(),
	}
}

// Start subscribes to subject and begins applying ticks.
func (f *Feed) Start(subject string) error {
	sub, err := f.conn.Subscribe(subject, f.handle)
	if err != nil {
		return err
	}
	f.sub = sub
	f.log.Info().Str("subject", subject).Msg("market data feed subscribed")
	return nil
}

func (f *Feed) handle(msg *nats.Msg) {
	var tick Tick
	if err := json.Unmarshal(msg.Data, &tick); err != nil {
		f.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed tick")
		return
	}
	if tick.Symbol == "" {
		f.log.Warn().Str("subject", msg.Subject).Msg("dropping tick without symbol")
		return
	}
	f.store.SetPrice(tick.Symbol, tick.Price)
	if tick.FundingRate != nil {
		f.store.SetFundingRate(tick.Symbol, *tick.FundingRate)
	}
}

// Stop unsubscribes from the feed.
func (f *Feed) Stop() {
	if f.sub != nil {
		if err := f.sub.Unsubscribe(); err != nil {
			f.log.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
}
