package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors returned by store operations. Callers branch on these
// rather than inspecting Postgres error codes.
var (
	// ErrNotFound indicates no transaction exists for the (kind, hash) pair.
	ErrNotFound = errors.New("transaction not found")

	// ErrDuplicate indicates a row for the (kind, hash) pair already exists.
	// This is how the conditional insert reports a lost reservation race.
	ErrDuplicate = errors.New("transaction already exists")
)

// Kind distinguishes the two record types sharing the transactions table.
type Kind string

const (
	KindInvoice Kind = "invoice"
	KindPayment Kind = "payment"
)

// Status is the lifecycle state of a transaction. Pending is the only
// non-terminal state; no transition out of a terminal state is accepted.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusExpired
}

// Store provides database operations for the service.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Transaction is the unit of record for both invoices and payments.
type Transaction struct {
	ID            int64      `json:"id"`
	Kind          Kind       `json:"kind"`
	Hash          string     `json:"hash"`
	Request       string     `json:"payment_request"`
	AmountSats    int64      `json:"amount_sats"`
	Description   *string    `json:"description,omitempty"`
	Status        Status     `json:"status"`
	Preimage      *string    `json:"preimage,omitempty"`
	FeeSats       *int64     `json:"fee_sats,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	NodeID        string     `json:"node_id"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// InsertTransactionParams contains the parameters for inserting a transaction.
// Status may be terminal: a terminal notification arriving before its creation
// notification is inserted directly in its final state.
type InsertTransactionParams struct {
	Kind          Kind
	Hash          string
	Request       string
	AmountSats    int64
	Description   *string
	Status        Status
	Preimage      *string
	FeeSats       *int64
	FailureReason *string
	ExpiresAt     *time.Time
	NodeID        string
}

// FinalizeTransactionParams carries the terminal fields applied on a
// pending -> terminal transition.
type FinalizeTransactionParams struct {
	Kind          Kind
	Hash          string
	Status        Status
	Preimage      *string
	FeeSats       *int64
	FailureReason *string
	ExpiresAt     *time.Time
}

// Balance is the singleton derived aggregate over succeeded transactions.
type Balance struct {
	ReceivedSats int64     `json:"received_sats"`
	PaidSats     int64     `json:"paid_sats"`
	LastUpdated  time.Time `json:"last_updated"`
}

// TotalBalance returns received minus paid.
func (b *Balance) TotalBalance() int64 {
	return b.ReceivedSats - b.PaidSats
}

const transactionColumns = `id, kind, hash, request, amount_sats, description, status,
	preimage, fee_sats, failure_reason, expires_at, node_id, created_at, updated_at`

// InsertTransaction atomically claims the (kind, hash) pair. It returns
// ErrDuplicate if a row already exists, even when concurrent callers insert
// the identical pair simultaneously: ON CONFLICT DO NOTHING makes this a
// storage-level compare-and-insert, so exactly one caller wins.
//
// A row inserted directly in the succeeded state (a settlement observed
// before its creation) moves the ledger in the same database transaction,
// keeping the ledger a strict function of the succeeded subset.
func (s *Store) InsertTransaction(ctx context.Context, params InsertTransactionParams) (*Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO transactions
			(kind, hash, request, amount_sats, description, status,
			 preimage, fee_sats, failure_reason, expires_at, node_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (kind, hash) DO NOTHING
		RETURNING `+transactionColumns,
		params.Kind, params.Hash, params.Request, params.AmountSats,
		pgtextFromStringPtr(params.Description), params.Status,
		pgtextFromStringPtr(params.Preimage), pgint8FromInt64Ptr(params.FeeSats),
		pgtextFromStringPtr(params.FailureReason), pgtimestamptzFromTimePtr(params.ExpiresAt),
		params.NodeID,
	)

	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if txn.Status == StatusSucceeded {
		if err := applyLedgerDelta(ctx, tx, txn); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return txn, nil
}

// FinalizeTransaction performs the pending -> terminal transition and, only
// for a transition into succeeded, the balance-ledger delta, in one database
// transaction. The conditional UPDATE (status = 'pending') is what serializes
// concurrent finalizers on the same row: duplicated or out-of-order delivery
// finds no pending row and reports transitioned = false with the current row.
//
// Returns (nil, false, nil) when no row exists for the pair at all.
func (s *Store) FinalizeTransaction(ctx context.Context, params FinalizeTransactionParams) (*Transaction, bool, error) {
	if !params.Status.Terminal() {
		return nil, false, fmt.Errorf("finalize transaction: status %q is not terminal", params.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = $3,
			preimage = COALESCE($4, preimage),
			fee_sats = COALESCE($5, fee_sats),
			failure_reason = COALESCE($6, failure_reason),
			expires_at = COALESCE($7, expires_at),
			updated_at = now()
		WHERE kind = $1 AND hash = $2 AND status = 'pending'
		RETURNING `+transactionColumns,
		params.Kind, params.Hash, params.Status,
		pgtextFromStringPtr(params.Preimage), pgint8FromInt64Ptr(params.FeeSats),
		pgtextFromStringPtr(params.FailureReason), pgtimestamptzFromTimePtr(params.ExpiresAt),
	)

	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already terminal, or never created. Report the current row so the
		// caller can tell the two apart.
		existing, getErr := s.GetTransaction(ctx, params.Kind, params.Hash)
		if errors.Is(getErr, ErrNotFound) {
			return nil, false, nil
		}
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("finalize transaction: %w", err)
	}

	// The ledger moves exactly once per transition into succeeded, inside the
	// same transaction as the status update. Failed and expired transitions
	// leave it untouched.
	if txn.Status == StatusSucceeded {
		if err := applyLedgerDelta(ctx, tx, txn); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit finalize: %w", err)
	}
	return txn, true, nil
}

// GetTransaction retrieves a transaction by kind and hash.
func (s *Store) GetTransaction(ctx context.Context, kind Kind, hash string) (*Transaction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE kind = $1 AND hash = $2`,
		kind, hash,
	)

	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return txn, nil
}

// ListTransactions retrieves transactions across both kinds, newest first.
func (s *Store) ListTransactions(ctx context.Context, limit, offset int32) ([]*Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("list transactions: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// GetBalance reads the live ledger row.
func (s *Store) GetBalance(ctx context.Context) (*Balance, error) {
	var b Balance
	var lastUpdated pgtype.Timestamptz
	err := s.pool.QueryRow(ctx,
		`SELECT received_sats, paid_sats, last_updated FROM balance WHERE id = 1`,
	).Scan(&b.ReceivedSats, &b.PaidSats, &lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	b.LastUpdated = lastUpdated.Time
	return &b, nil
}

// RecomputeBalance derives the ledger from scratch by replaying the succeeded
// subset of the transaction history: amount for invoices, amount + fee for
// payments. At any quiescent point this must equal the live ledger row.
func (s *Store) RecomputeBalance(ctx context.Context) (*Balance, error) {
	var b Balance
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount_sats) FILTER (WHERE kind = 'invoice'), 0),
			COALESCE(SUM(amount_sats + COALESCE(fee_sats, 0)) FILTER (WHERE kind = 'payment'), 0)
		FROM transactions
		WHERE status = 'succeeded'`,
	).Scan(&b.ReceivedSats, &b.PaidSats)
	if err != nil {
		return nil, fmt.Errorf("recompute balance: %w", err)
	}
	b.LastUpdated = time.Now().UTC()
	return &b, nil
}

// applyLedgerDelta increments the balance row for a transaction entering
// succeeded: amount for invoices, amount plus fee for payments. Must run in
// the same database transaction as the status change that triggered it.
func applyLedgerDelta(ctx context.Context, tx pgx.Tx, txn *Transaction) error {
	delta := txn.AmountSats
	column := "received_sats"
	if txn.Kind == KindPayment {
		column = "paid_sats"
		if txn.FeeSats != nil {
			delta += *txn.FeeSats
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE balance SET `+column+` = `+column+` + $1, last_updated = now() WHERE id = 1`,
		delta,
	); err != nil {
		return fmt.Errorf("apply ledger delta: %w", err)
	}
	return nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var txn Transaction
	var description, preimage, failureReason pgtype.Text
	var feeSats pgtype.Int8
	var expiresAt pgtype.Timestamptz
	var createdAt, updatedAt pgtype.Timestamptz

	err := row.Scan(
		&txn.ID, &txn.Kind, &txn.Hash, &txn.Request, &txn.AmountSats,
		&description, &txn.Status, &preimage, &feeSats, &failureReason,
		&expiresAt, &txn.NodeID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.Description = stringPtrFromPgtext(description)
	txn.Preimage = stringPtrFromPgtext(preimage)
	txn.FailureReason = stringPtrFromPgtext(failureReason)
	txn.FeeSats = int64PtrFromPgint8(feeSats)
	txn.ExpiresAt = timePtrFromPgTimestamptz(expiresAt)
	txn.CreatedAt = createdAt.Time
	txn.UpdatedAt = updatedAt.Time
	return &txn, nil
}

// Helper functions to convert between pgtype values and domain types.

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint8FromInt64Ptr(i *int64) pgtype.Int8 {
	if i == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: *i, Valid: true}
}

func int64PtrFromPgint8(i pgtype.Int8) *int64 {
	if !i.Valid {
		return nil
	}
	return &i.Int64
}

func pgtimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
