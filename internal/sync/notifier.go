package sync

import "github.com/square/walletsync/internal/store"

// Notifier receives newly inserted transactions as they are committed,
// batch by batch. Implementations push to users or fan out on an event
// channel; the pipeline treats them as fire-and-forget collaborators and
// never blocks a phase on delivery.
type Notifier interface {
	NotifyNewTransactions(walletID string, txs []store.Transaction)
}

// NopNotifier discards all notifications. Used when no notifier is wired.
type NopNotifier struct{}

func (NopNotifier) NotifyNewTransactions(string, []store.Transaction) {}

func (sc *Context) notifyNewTransactions(txs []store.Transaction) {
	if sc.Notifier == nil || len(txs) == 0 {
		return
	}
	go sc.Notifier.NotifyNewTransactions(sc.WalletID, txs)
}
