// Package ingest feeds invoice notifications from the receive node into the
// wallet reconciler. It owns the subscription lifecycle: connect, consume,
// and reconnect with backoff until the context is cancelled.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/lnd"
	"github.com/satferry/satferry/service/metrics"
	"github.com/satferry/satferry/service/wallet"
)

// Subscriber consumes the receive node's invoice stream and reports each
// observation to the reconciler. It never writes transaction state itself.
type Subscriber struct {
	source     lnd.InvoiceSource
	reconciler *wallet.Reconciler
	nodeID     string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewSubscriber(source lnd.InvoiceSource, reconciler *wallet.Reconciler, nodeID string, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		source:     source,
		reconciler: reconciler,
		nodeID:     nodeID,
		logger:     logger,
		metrics:    m,
	}
}

func (s *Subscriber) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Run consumes the invoice stream until ctx is cancelled. Stream errors are
// not fatal: the subscription is reopened with exponential backoff, and the
// backoff resets after the stream delivers again.
func (s *Subscriber) Run(ctx context.Context) error {
	bo := s.newBackoff()
	for {
		if err := s.consume(ctx, bo); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.sleep(ctx, bo.NextBackOff()); err != nil {
			return err
		}
	}
}

// consume opens one subscription and drains it until it fails. The only
// error it returns is ctx's.
func (s *Subscriber) consume(ctx context.Context, bo backoff.BackOff) error {
	stream, err := s.source.SubscribeInvoices(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WarnContext(ctx, "invoice subscription failed to open", "error", err)
		s.recordReconnect()
		return nil
	}
	defer stream.Close()

	s.logger.InfoContext(ctx, "invoice subscription established", "node_id", s.nodeID)

	for {
		invoice, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WarnContext(ctx, "invoice stream dropped", "error", err)
			s.recordReconnect()
			return nil
		}
		bo.Reset()
		s.apply(ctx, invoice)
	}
}

// SyncInvoices replays the node's full invoice history through the
// reconciler. Called once at startup so invoices settled while the service
// was down still reach the ledger; reconciliation makes the replay safe.
func (s *Subscriber) SyncInvoices(ctx context.Context) error {
	invoices, err := s.source.ListInvoices(ctx)
	if err != nil {
		return err
	}
	for _, invoice := range invoices {
		s.apply(ctx, invoice)
	}
	s.logger.InfoContext(ctx, "invoice history synced", "count", len(invoices))
	return nil
}

// apply translates one node-side invoice into a reconciler update. Store
// errors are logged and swallowed: a failed write must not take down the
// stream, and the startup sync or a later notification will retry it.
func (s *Subscriber) apply(ctx context.Context, invoice *lnd.Invoice) {
	update, ok := s.translate(invoice)
	if !ok {
		s.logger.WarnContext(ctx, "ignoring invoice in unknown state",
			"hash", invoice.Hash,
			"state", string(invoice.State),
		)
		return
	}
	if _, err := s.reconciler.Reconcile(ctx, update); err != nil {
		s.logger.ErrorContext(ctx, "failed to reconcile invoice update",
			"hash", update.Hash,
			"status", string(update.Status),
			"error", err,
		)
	}
}

func (s *Subscriber) translate(invoice *lnd.Invoice) (wallet.Update, bool) {
	update := wallet.Update{
		Kind:       db.KindInvoice,
		Hash:       invoice.Hash,
		Request:    invoice.PaymentRequest,
		AmountSats: invoice.AmountSats,
		ExpiresAt:  invoice.ExpiresAt,
		NodeID:     s.nodeID,
	}
	if invoice.Memo != "" {
		memo := invoice.Memo
		update.Description = &memo
	}

	switch invoice.State {
	case lnd.InvoiceStateOpen, lnd.InvoiceStateAccepted:
		update.Status = db.StatusPending
	case lnd.InvoiceStateSettled:
		update.Status = db.StatusSucceeded
		if invoice.Preimage != "" {
			preimage := invoice.Preimage
			update.Preimage = &preimage
		}
	case lnd.InvoiceStateCanceled:
		update.Status = db.StatusExpired
	default:
		return wallet.Update{}, false
	}
	return update, true
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Subscriber) recordReconnect() {
	if s.metrics != nil {
		s.metrics.RecordSubscriberReconnect()
	}
}
