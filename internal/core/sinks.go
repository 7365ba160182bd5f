package core

import (
	"tradecore/internal/book"
	"tradecore/internal/futures"
	"tradecore/internal/market"
	"tradecore/internal/wallet"
)

// WalletSinks fans one wallet mutation out to several sinks, typically the
// persistence worker and the outbound publisher.
type WalletSinks []wallet.Sink

func (s WalletSinks) WalletUpdated(w wallet.Wallet) {
	for _, sink := range s {
		sink.WalletUpdated(w)
	}
}

func (s WalletSinks) EntryAppended(e wallet.Entry) {
	for _, sink := range s {
		sink.EntryAppended(e)
	}
}

// BookSinks fans out trade and order updates.
type BookSinks []book.Sink

func (s BookSinks) TradeExecuted(t market.Trade) {
	for _, sink := range s {
		sink.TradeExecuted(t)
	}
}

func (s BookSinks) OrderUpdated(o market.Order) {
	for _, sink := range s {
		sink.OrderUpdated(o)
	}
}

// FuturesSinks fans out position and futures order updates.
type FuturesSinks []futures.Sink

func (s FuturesSinks) PositionUpdated(p market.Position) {
	for _, sink := range s {
		sink.PositionUpdated(p)
	}
}

func (s FuturesSinks) FuturesOrderUpdated(o market.FuturesOrder) {
	for _, sink := range s {
		sink.FuturesOrderUpdated(o)
	}
}
