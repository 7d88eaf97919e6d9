package wallet

import (
	"context"

	"github.com/satferry/satferry/service/db"
)

// Tag discriminates reconciled events on the wire.
type Tag string

const (
	TagCreated          Tag = "created"
	TagSettled          Tag = "settled"
	TagExpired          Tag = "expired"
	TagPaymentSucceeded Tag = "payment_succeeded"
	TagPaymentFailed    Tag = "payment_failed"
)

// Event is a reconciled state change carrying a snapshot of the transaction
// after the change committed. Events are ephemeral: they are delivered to
// live observers and discarded, never persisted or replayed.
type Event struct {
	Tag         Tag             `json:"tag"`
	Transaction *db.Transaction `json:"transaction"`
}

// EventSink receives events after the corresponding store transaction has
// committed. Implementations must not block the reconciler.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Event) {
	for _, sink := range m {
		sink.Publish(ctx, ev)
	}
}

// tagFor maps a transaction's kind and status to the event tag observers see.
func tagFor(kind db.Kind, status db.Status) (Tag, bool) {
	switch kind {
	case db.KindInvoice:
		switch status {
		case db.StatusPending:
			return TagCreated, true
		case db.StatusSucceeded:
			return TagSettled, true
		case db.StatusExpired:
			return TagExpired, true
		}
	case db.KindPayment:
		switch status {
		case db.StatusSucceeded:
			return TagPaymentSucceeded, true
		case db.StatusFailed:
			return TagPaymentFailed, true
		}
	}
	return "", false
}
