package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/lnd"
	"github.com/satferry/satferry/service/metrics"
)

// ErrDuplicatePayment indicates a payment for this request has already been
// reserved, sent, or completed. The caller must not retry.
var ErrDuplicatePayment = errors.New("payment already exists for this payment request")

// ValidationError rejects a request before any state is touched.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// PaymentError is a terminal send failure: the payment was attempted and the
// network rejected or failed it. The failure is already recorded as a failed
// transaction by the time this error is returned.
type PaymentError struct {
	Reason string
}

func (e *PaymentError) Error() string {
	return "payment failed: " + e.Reason
}

// Payer executes outbound payments with an at-most-once guarantee per
// payment request.
//
// The guarantee rests on the store, not on in-process locking: the pending
// payment row is claimed with a storage-level conditional insert keyed on
// (kind, hash), so concurrent callers in this process or any other process
// sharing the store race for a single reservation, and only the winner ever
// reaches the network send.
type Payer struct {
	sender     lnd.PaymentSender
	store      Store
	reconciler *Reconciler
	nodeID     string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewPayer creates a Payer. Terminal outcomes are routed through the
// reconciler; the Payer itself never writes transaction state beyond the
// initial reservation.
func NewPayer(sender lnd.PaymentSender, store Store, reconciler *Reconciler, nodeID string, m *metrics.Metrics, logger *slog.Logger) *Payer {
	return &Payer{
		sender:     sender,
		store:      store,
		reconciler: reconciler,
		nodeID:     nodeID,
		logger:     logger,
		metrics:    m,
	}
}

// Pay decodes, reserves and sends a payment for the given request. On a
// send failure the returned error is a *PaymentError and the transaction is
// already recorded as failed with the reason.
func (p *Payer) Pay(ctx context.Context, paymentRequest string) (*db.Transaction, error) {
	if strings.TrimSpace(paymentRequest) == "" {
		p.recordResult("invalid")
		return nil, &ValidationError{Message: "payment_request is required"}
	}

	// Decoding is pure: nothing is reserved or sent yet, so a decode
	// rejection is a plain validation failure.
	payReq, err := p.sender.DecodePayReq(ctx, paymentRequest)
	if err != nil {
		p.logger.DebugContext(ctx, "payment request rejected by decoder", "error", err)
		p.recordResult("invalid")
		return nil, &ValidationError{Message: fmt.Sprintf("invalid payment request: %v", err)}
	}
	if payReq.AmountSats <= 0 {
		p.recordResult("invalid")
		return nil, &ValidationError{Message: "payment request has no amount"}
	}

	// Reserve. This conditional insert is the duplicate guard: if any row
	// for (payment, hash) exists, in any status, the send is never attempted.
	var description *string
	if payReq.Description != "" {
		description = &payReq.Description
	}
	_, err = p.store.InsertTransaction(ctx, db.InsertTransactionParams{
		Kind:        db.KindPayment,
		Hash:        payReq.Hash,
		Request:     paymentRequest,
		AmountSats:  payReq.AmountSats,
		Description: description,
		Status:      db.StatusPending,
		NodeID:      p.nodeID,
	})
	if errors.Is(err, db.ErrDuplicate) {
		p.logger.InfoContext(ctx, "duplicate payment attempt blocked", "hash", payReq.Hash)
		p.recordResult("duplicate")
		return nil, ErrDuplicatePayment
	}
	if err != nil {
		return nil, fmt.Errorf("reserve payment: %w", err)
	}

	p.logger.InfoContext(ctx, "sending payment",
		"hash", payReq.Hash,
		"amount_sats", payReq.AmountSats,
	)

	result, err := p.sender.SendPayment(ctx, paymentRequest)
	if err != nil {
		// Transport-level failure. The send may or may not have gone out;
		// retrying would break at-most-once, so record the attempt as failed.
		reason := fmt.Sprintf("send failed: %v", err)
		return p.finish(ctx, payReq, nil, &reason)
	}
	if result.PaymentError != "" {
		return p.finish(ctx, payReq, nil, &result.PaymentError)
	}
	return p.finish(ctx, payReq, result, nil)
}

// finish hands the execution outcome to the reconciler, which owns the
// actual status transition.
func (p *Payer) finish(ctx context.Context, payReq *lnd.PayReq, result *lnd.SendResult, failureReason *string) (*db.Transaction, error) {
	update := Update{
		Kind:       db.KindPayment,
		Hash:       payReq.Hash,
		AmountSats: payReq.AmountSats,
		NodeID:     p.nodeID,
	}

	if failureReason != nil {
		update.Status = db.StatusFailed
		update.FailureReason = failureReason
	} else {
		update.Status = db.StatusSucceeded
		update.Preimage = &result.Preimage
		fee := result.FeeSats
		update.FeeSats = &fee
	}

	txn, err := p.reconciler.Reconcile(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("record payment outcome: %w", err)
	}

	if failureReason != nil {
		p.logger.WarnContext(ctx, "payment failed",
			"hash", payReq.Hash,
			"reason", *failureReason,
		)
		p.recordResult("failed")
		return txn, &PaymentError{Reason: *failureReason}
	}

	p.logger.InfoContext(ctx, "payment succeeded",
		"hash", payReq.Hash,
		"fee_sats", result.FeeSats,
	)
	p.recordResult("succeeded")
	return txn, nil
}

func (p *Payer) recordResult(result string) {
	if p.metrics != nil {
		p.metrics.RecordPayment(result)
	}
}
