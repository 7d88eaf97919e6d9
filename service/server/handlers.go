package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/lnd"
	"github.com/satferry/satferry/service/wallet"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a payment request
	defaultListLimit   = 50
	maxListLimit       = 500
	maxListOffset      = 1<<31 - 1
)

// invoiceResponse is returned on invoice creation. The transaction row
// itself is persisted by the invoice subscription, not by the handler, so
// the two can never disagree about what the node accepted.
type invoiceResponse struct {
	PaymentRequest string     `json:"payment_request"`
	PaymentHash    string     `json:"payment_hash"`
	AmountSats     int64      `json:"amount_sats"`
	Description    string     `json:"description,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	QRCode         string     `json:"qr_code,omitempty"`
}

// handleCreateInvoice returns a handler that asks the receive node for a
// new invoice.
// POST /api/invoice
func handleCreateInvoice(issuer lnd.InvoiceIssuer, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			AmountSats  int64  `json:"amount_sats"`
			Description string `json:"description"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode invoice request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if req.AmountSats <= 0 {
			writeError(w, "amount_sats must be positive", http.StatusBadRequest)
			return
		}

		invoice, err := issuer.CreateInvoice(r.Context(), req.AmountSats, req.Description)
		if err != nil {
			logger.Error("failed to create invoice", "amount_sats", req.AmountSats, "error", err)
			writeError(w, "failed to create invoice", http.StatusInternalServerError)
			return
		}

		logger.Info("invoice created",
			"hash", invoice.Hash,
			"amount_sats", invoice.AmountSats,
		)

		writeJSON(w, invoiceResponse{
			PaymentRequest: invoice.PaymentRequest,
			PaymentHash:    invoice.Hash,
			AmountSats:     invoice.AmountSats,
			Description:    invoice.Memo,
			ExpiresAt:      invoice.ExpiresAt,
			QRCode:         generateQRCode(invoice.PaymentRequest, logger),
		}, http.StatusCreated)
	})
}

// generateQRCode encodes a payment request as a base64 PNG for embedding in
// JSON. A QR failure is not worth failing the invoice over.
func generateQRCode(paymentRequest string, logger *slog.Logger) string {
	qr, err := qrcode.New(strings.ToUpper(paymentRequest), qrcode.Medium)
	if err != nil {
		logger.Warn("failed to generate QR code", "error", err)
		return ""
	}
	png, err := qr.PNG(256)
	if err != nil {
		logger.Warn("failed to encode QR code as PNG", "error", err)
		return ""
	}
	return base64.StdEncoding.EncodeToString(png)
}

// handleGetTransaction returns a handler that looks up one transaction of
// the given kind by payment hash.
// GET /api/invoice/{hash}, GET /api/payment/{hash}
func handleGetTransaction(store TransactionReader, kind db.Kind, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		if hash == "" {
			writeError(w, "hash is required", http.StatusBadRequest)
			return
		}

		txn, err := store.GetTransaction(r.Context(), kind, hash)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, fmt.Sprintf("%s not found", kind), http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get transaction", "kind", string(kind), "hash", hash, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, txn, http.StatusOK)
	})
}

// paymentResponse is returned on a payment attempt, succeeded or failed.
type paymentResponse struct {
	PaymentHash   string    `json:"payment_hash"`
	Status        db.Status `json:"status"`
	AmountSats    int64     `json:"amount_sats"`
	Preimage      *string   `json:"preimage,omitempty"`
	FeeSats       *int64    `json:"fee_sats,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func newPaymentResponse(txn *db.Transaction) paymentResponse {
	return paymentResponse{
		PaymentHash:   txn.Hash,
		Status:        txn.Status,
		AmountSats:    txn.AmountSats,
		Preimage:      txn.Preimage,
		FeeSats:       txn.FeeSats,
		FailureReason: txn.FailureReason,
		CreatedAt:     txn.CreatedAt,
	}
}

// handlePay returns a handler that sends an outbound payment. A payment
// that the network rejects is still a domain outcome: the row is recorded
// as failed and the client gets a 400 with the reason, not a 500.
// POST /api/payment
func handlePay(payer PaymentExecutor, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			PaymentRequest string `json:"payment_request"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode payment request", "error", err)
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		txn, err := payer.Pay(r.Context(), req.PaymentRequest)

		var verr *wallet.ValidationError
		var perr *wallet.PaymentError
		switch {
		case err == nil:
			writeJSON(w, newPaymentResponse(txn), http.StatusOK)
		case errors.As(err, &verr):
			writeError(w, verr.Message, http.StatusBadRequest)
		case errors.Is(err, wallet.ErrDuplicatePayment):
			writeError(w, "payment already attempted for this payment request", http.StatusBadRequest)
		case errors.As(err, &perr):
			writeJSON(w, map[string]interface{}{
				"error":       perr.Error(),
				"transaction": newPaymentResponse(txn),
			}, http.StatusBadRequest)
		default:
			logger.Error("payment failed", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
		}
	})
}

// handleListTransactions returns a handler that lists transactions newest
// first.
// GET /api/transactions?limit={n}&offset={n}
func handleListTransactions(store TransactionReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, err := parseQueryInt(r, "limit", defaultListLimit)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeError(w, fmt.Sprintf("limit must be an integer between 1 and %d", maxListLimit), http.StatusBadRequest)
			return
		}
		offset, err := parseQueryInt(r, "offset", 0)
		if err != nil || offset < 0 || offset > maxListOffset {
			writeError(w, fmt.Sprintf("offset must be an integer between 0 and %d", maxListOffset), http.StatusBadRequest)
			return
		}

		txns, err := store.ListTransactions(r.Context(), int32(limit), int32(offset))
		if err != nil {
			logger.Error("failed to list transactions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"transactions": txns,
		}, http.StatusOK)
	})
}

// handleGetBalance returns a handler that reports the running balance.
// GET /api/balance
func handleGetBalance(store TransactionReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		balance, err := store.GetBalance(r.Context())
		if err != nil {
			logger.Error("failed to get balance", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, map[string]interface{}{
			"received_sats": balance.ReceivedSats,
			"paid_sats":     balance.PaidSats,
			"total_balance": balance.TotalBalance(),
			"last_updated":  balance.LastUpdated,
		}, http.StatusOK)
	})
}

func parseQueryInt(r *http.Request, key string, defaultValue int) (int, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
