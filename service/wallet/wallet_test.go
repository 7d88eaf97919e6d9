package wallet

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/satferry/satferry/service/db"
)

// fakeStore is an in-memory Store with the same conditional-insert and
// conditional-update semantics as the Postgres implementation, including the
// ledger side effect on transitions into succeeded.
type fakeStore struct {
	mu           sync.Mutex
	rows         map[string]*db.Transaction
	nextID       int64
	receivedSats int64
	paidSats     int64

	insertErr   error
	finalizeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]*db.Transaction)}
}

func key(kind db.Kind, hash string) string {
	return string(kind) + ":" + hash
}

func (f *fakeStore) InsertTransaction(_ context.Context, params db.InsertTransactionParams) (*db.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertErr != nil {
		return nil, f.insertErr
	}
	if _, ok := f.rows[key(params.Kind, params.Hash)]; ok {
		return nil, db.ErrDuplicate
	}

	f.nextID++
	now := time.Now().UTC()
	txn := &db.Transaction{
		ID:            f.nextID,
		Kind:          params.Kind,
		Hash:          params.Hash,
		Request:       params.Request,
		AmountSats:    params.AmountSats,
		Description:   params.Description,
		Status:        params.Status,
		Preimage:      params.Preimage,
		FeeSats:       params.FeeSats,
		FailureReason: params.FailureReason,
		ExpiresAt:     params.ExpiresAt,
		NodeID:        params.NodeID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.rows[key(params.Kind, params.Hash)] = txn
	if txn.Status == db.StatusSucceeded {
		f.applyDelta(txn)
	}
	return copyTxn(txn), nil
}

func (f *fakeStore) FinalizeTransaction(_ context.Context, params db.FinalizeTransactionParams) (*db.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.finalizeErr != nil {
		return nil, false, f.finalizeErr
	}

	txn, ok := f.rows[key(params.Kind, params.Hash)]
	if !ok {
		return nil, false, nil
	}
	if txn.Status != db.StatusPending {
		return copyTxn(txn), false, nil
	}

	txn.Status = params.Status
	if params.Preimage != nil {
		txn.Preimage = params.Preimage
	}
	if params.FeeSats != nil {
		txn.FeeSats = params.FeeSats
	}
	if params.FailureReason != nil {
		txn.FailureReason = params.FailureReason
	}
	if params.ExpiresAt != nil {
		txn.ExpiresAt = params.ExpiresAt
	}
	txn.UpdatedAt = time.Now().UTC()

	if txn.Status == db.StatusSucceeded {
		f.applyDelta(txn)
	}
	return copyTxn(txn), true, nil
}

func (f *fakeStore) GetTransaction(_ context.Context, kind db.Kind, hash string) (*db.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	txn, ok := f.rows[key(kind, hash)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return copyTxn(txn), nil
}

func (f *fakeStore) applyDelta(txn *db.Transaction) {
	delta := txn.AmountSats
	if txn.Kind == db.KindPayment {
		if txn.FeeSats != nil {
			delta += *txn.FeeSats
		}
		f.paidSats += delta
		return
	}
	f.receivedSats += delta
}

func copyTxn(t *db.Transaction) *db.Transaction {
	c := *t
	return &c
}

// recordingSink captures published events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
