// Package notify publishes fire-and-forget events to NATS JetStream for
// downstream consumers: statements, live feeds, and push delivery. Nothing
// here is transactional; a consumer that needs certainty queries the store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"tradecore/internal/market"
	"tradecore/internal/observability"
	"tradecore/internal/wallet"
)

const (
	StreamName    = "TRADECORE_EVENTS"
	subjectPrefix = "trade.core"
)

type message struct {
	subject string
	payload interface{}
}

// Publisher forwards core events to JetStream. Sends from the hot path are
// non-blocking: when the buffer is full the event is dropped and counted,
// never stalling trading.
type Publisher struct {
	js      jetstream.JetStream
	in      chan message
	metrics *observability.Metrics
	log     zerolog.Logger
	done    chan struct{}
}

func NewPublisher(js jetstream.JetStream, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 4096
	}
	return &Publisher{
		js:      js,
		in:      make(chan message, buffer),
		metrics: metrics,
		log:     logger.With().Str("component", "notify_publisher").Logger(),
		done:    make(chan struct{}),
	}
}

// Run drains the buffer and publishes until the context ends or Close is
// called. Publish failures are logged and dropped.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-p.in:
			if !ok {
				return
			}
			if err := p.publish(ctx, m); err != nil {
				p.log.Warn().Err(err).Str("subject", m.subject).Msg("outbound publish failed")
			}
		}
	}
}

// Close stops intake and waits for the drain loop to exit. Producers must
// be stopped first.
func (p *Publisher) Close() {
	close(p.in)
	<-p.done
}

func (p *Publisher) publish(ctx context.Context, m message) error {
	data, err := json.Marshal(m.payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, m.subject, data)
	return err
}

func (p *Publisher) enqueue(subject string, payload interface{}) {
	select {
	case p.in <- message{subject: subject, payload: payload}:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.log.Debug().Str("subject", subject).Msg("outbound buffer full, event dropped")
	}
}

// EntryAppended implements wallet.Sink.
func (p *Publisher) EntryAppended(e wallet.Entry) {
	p.enqueue(subjectPrefix+".ledger.entry", e)
}

// WalletUpdated implements wallet.Sink. Balance snapshots are not
// published; consumers reconstruct balances from entries.
func (p *Publisher) WalletUpdated(wallet.Wallet) {}

// TradeExecuted implements book.Sink.
func (p *Publisher) TradeExecuted(t market.Trade) {
	p.enqueue(fmt.Sprintf("%s.trades.%s", subjectPrefix, t.Symbol), t)
}

// OrderUpdated implements book.Sink.
func (p *Publisher) OrderUpdated(o market.Order) {
	p.enqueue(subjectPrefix+".orders.spot", o)
}

// PositionUpdated implements futures.Sink.
func (p *Publisher) PositionUpdated(pos market.Position) {
	p.enqueue(subjectPrefix+".positions", pos)
}

// FuturesOrderUpdated implements futures.Sink.
func (p *Publisher) FuturesOrderUpdated(o market.FuturesOrder) {
	p.enqueue(subjectPrefix+".orders.futures", o)
}

// EnsureStream creates or updates the outbound stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
