package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/metrics"
)

// Store is the subset of database operations the reconciler mutates state
// through. *db.Store satisfies it; tests substitute a fake.
type Store interface {
	InsertTransaction(ctx context.Context, params db.InsertTransactionParams) (*db.Transaction, error)
	FinalizeTransaction(ctx context.Context, params db.FinalizeTransactionParams) (*db.Transaction, bool, error)
	GetTransaction(ctx context.Context, kind db.Kind, hash string) (*db.Transaction, error)
}

// Update is one observed fact about a transaction, from either the invoice
// subscription or a payment execution outcome. A pending status is a
// creation signal; a terminal status carries the terminal fields.
type Update struct {
	Kind          db.Kind
	Hash          string
	Status        db.Status
	Request       string
	AmountSats    int64
	Description   *string
	Preimage      *string
	FeeSats       *int64
	FailureReason *string
	ExpiresAt     *time.Time
	NodeID        string
}

// Reconciler is the authority for the transaction lifecycle. Every write to
// transaction state flows through it; the subscriber and the payment
// executor only report observations. Reconciliation is idempotent: replayed,
// duplicated or out-of-order updates converge on the same state, and the
// balance ledger moves exactly once per transition into succeeded.
type Reconciler struct {
	store   Store
	sink    EventSink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewReconciler creates a Reconciler. sink may be nil when no observers are
// wired; metrics may be nil.
func NewReconciler(store Store, sink EventSink, m *metrics.Metrics, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   store,
		sink:    sink,
		logger:  logger,
		metrics: m,
	}
}

// Reconcile merges one update into the store and, if state actually changed,
// emits the corresponding event after the commit. It returns the transaction
// as stored, which for a stale update is the untouched terminal row.
func (r *Reconciler) Reconcile(ctx context.Context, u Update) (*db.Transaction, error) {
	if u.Status.Terminal() {
		return r.applyTerminal(ctx, u)
	}
	return r.applyCreation(ctx, u)
}

func (r *Reconciler) applyCreation(ctx context.Context, u Update) (*db.Transaction, error) {
	txn, err := r.store.InsertTransaction(ctx, db.InsertTransactionParams{
		Kind:        u.Kind,
		Hash:        u.Hash,
		Request:     u.Request,
		AmountSats:  u.AmountSats,
		Description: u.Description,
		Status:      db.StatusPending,
		ExpiresAt:   u.ExpiresAt,
		NodeID:      u.NodeID,
	})
	if errors.Is(err, db.ErrDuplicate) {
		// Redelivered creation signal, or creation arriving after the row
		// was already finalized. Either way the incoming event is a no-op.
		r.logger.DebugContext(ctx, "creation signal for known transaction",
			"kind", u.Kind, "hash", u.Hash)
		r.record(u, "ignored")
		return r.store.GetTransaction(ctx, u.Kind, u.Hash)
	}
	if err != nil {
		r.record(u, "error")
		return nil, fmt.Errorf("reconcile creation: %w", err)
	}

	r.record(u, "applied")
	r.emit(ctx, txn)
	return txn, nil
}

func (r *Reconciler) applyTerminal(ctx context.Context, u Update) (*db.Transaction, error) {
	txn, transitioned, err := r.store.FinalizeTransaction(ctx, db.FinalizeTransactionParams{
		Kind:          u.Kind,
		Hash:          u.Hash,
		Status:        u.Status,
		Preimage:      u.Preimage,
		FeeSats:       u.FeeSats,
		FailureReason: u.FailureReason,
		ExpiresAt:     u.ExpiresAt,
	})
	if err != nil {
		r.record(u, "error")
		return nil, fmt.Errorf("reconcile terminal: %w", err)
	}

	if transitioned {
		r.record(u, "applied")
		if u.Status == db.StatusSucceeded && r.metrics != nil {
			r.metrics.RecordLedgerIncrement(string(u.Kind))
		}
		r.emit(ctx, txn)
		return txn, nil
	}

	if txn != nil {
		// Row exists but is already terminal: duplicate or out-of-order
		// delivery. Counted, logged at debug, not an error.
		r.logger.DebugContext(ctx, "terminal signal for already-terminal transaction",
			"kind", u.Kind, "hash", u.Hash, "status", txn.Status, "signal", u.Status)
		r.record(u, "ignored")
		if r.metrics != nil {
			r.metrics.RecordStaleTransition(string(u.Kind))
		}
		return txn, nil
	}

	// Terminal signal with no row at all: the creation notification was
	// missed or is still in flight. Insert the row directly in its terminal
	// state so the history stays complete.
	txn, err = r.store.InsertTransaction(ctx, db.InsertTransactionParams{
		Kind:          u.Kind,
		Hash:          u.Hash,
		Request:       u.Request,
		AmountSats:    u.AmountSats,
		Description:   u.Description,
		Status:        u.Status,
		Preimage:      u.Preimage,
		FeeSats:       u.FeeSats,
		FailureReason: u.FailureReason,
		ExpiresAt:     u.ExpiresAt,
		NodeID:        u.NodeID,
	})
	if errors.Is(err, db.ErrDuplicate) {
		// Lost a race with a concurrent insert; the row exists now, so the
		// conditional update settles it.
		var transitioned bool
		txn, transitioned, err = r.store.FinalizeTransaction(ctx, db.FinalizeTransactionParams{
			Kind:          u.Kind,
			Hash:          u.Hash,
			Status:        u.Status,
			Preimage:      u.Preimage,
			FeeSats:       u.FeeSats,
			FailureReason: u.FailureReason,
			ExpiresAt:     u.ExpiresAt,
		})
		if err != nil {
			r.record(u, "error")
			return nil, fmt.Errorf("reconcile terminal retry: %w", err)
		}
		if !transitioned {
			// The race winner inserted the row already terminal; this signal
			// carries nothing new.
			r.logger.DebugContext(ctx, "terminal signal for already-terminal transaction",
				"kind", u.Kind, "hash", u.Hash, "status", txn.Status, "signal", u.Status)
			r.record(u, "ignored")
			if r.metrics != nil {
				r.metrics.RecordStaleTransition(string(u.Kind))
			}
			return txn, nil
		}
		r.record(u, "applied")
		if u.Status == db.StatusSucceeded && r.metrics != nil {
			r.metrics.RecordLedgerIncrement(string(u.Kind))
		}
		r.emit(ctx, txn)
		return txn, nil
	}
	if err != nil {
		r.record(u, "error")
		return nil, fmt.Errorf("reconcile terminal insert: %w", err)
	}

	if u.Status == db.StatusSucceeded {
		r.logger.WarnContext(ctx, "succeeded transaction observed without prior creation",
			"kind", u.Kind, "hash", u.Hash)
		if r.metrics != nil {
			r.metrics.RecordLedgerIncrement(string(u.Kind))
		}
	}
	r.record(u, "applied")
	r.emit(ctx, txn)
	return txn, nil
}

func (r *Reconciler) emit(ctx context.Context, txn *db.Transaction) {
	if r.sink == nil || txn == nil {
		return
	}
	tag, ok := tagFor(txn.Kind, txn.Status)
	if !ok {
		return
	}
	r.sink.Publish(ctx, Event{Tag: tag, Transaction: txn})
}

func (r *Reconciler) record(u Update, outcome string) {
	if r.metrics == nil {
		return
	}
	tag, ok := tagFor(u.Kind, u.Status)
	if !ok {
		tag = Tag(string(u.Kind) + "_" + string(u.Status))
	}
	r.metrics.RecordReconcileEvent(string(tag), outcome)
}
