package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/lnd"
	"github.com/satferry/satferry/service/wallet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// fakeReader serves canned transactions keyed by kind and hash.
type fakeReader struct {
	txns    map[string]*db.Transaction
	balance *db.Balance
	listErr error

	gotLimit  int32
	gotOffset int32
}

func readerKey(kind db.Kind, hash string) string { return string(kind) + ":" + hash }

func (f *fakeReader) GetTransaction(_ context.Context, kind db.Kind, hash string) (*db.Transaction, error) {
	txn, ok := f.txns[readerKey(kind, hash)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return txn, nil
}

func (f *fakeReader) ListTransactions(_ context.Context, limit, offset int32) ([]*db.Transaction, error) {
	f.gotLimit = limit
	f.gotOffset = offset
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*db.Transaction
	for _, txn := range f.txns {
		out = append(out, txn)
	}
	return out, nil
}

func (f *fakeReader) GetBalance(_ context.Context) (*db.Balance, error) {
	if f.balance == nil {
		return nil, errors.New("no balance row")
	}
	return f.balance, nil
}

// fakeIssuer returns one canned invoice.
type fakeIssuer struct {
	invoice *lnd.Invoice
	err     error

	gotAmount int64
	gotMemo   string
}

func (f *fakeIssuer) CreateInvoice(_ context.Context, amountSats int64, memo string) (*lnd.Invoice, error) {
	f.gotAmount = amountSats
	f.gotMemo = memo
	if f.err != nil {
		return nil, f.err
	}
	return f.invoice, nil
}

// fakePayer returns a scripted outcome.
type fakePayer struct {
	txn *db.Transaction
	err error

	gotRequest string
}

func (f *fakePayer) Pay(_ context.Context, paymentRequest string) (*db.Transaction, error) {
	f.gotRequest = paymentRequest
	return f.txn, f.err
}

func TestCreateInvoice(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC()
	issuer := &fakeIssuer{invoice: &lnd.Invoice{
		Hash:           "aa11",
		PaymentRequest: "lnbc10u1fake",
		AmountSats:     1000,
		Memo:           "coffee",
		State:          lnd.InvoiceStateOpen,
		ExpiresAt:      &expires,
	}}
	handler := handleCreateInvoice(issuer, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/invoice", strings.NewReader(`{"amount_sats":1000,"description":"coffee"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, int64(1000), issuer.gotAmount)
	assert.Equal(t, "coffee", issuer.gotMemo)

	var resp invoiceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "lnbc10u1fake", resp.PaymentRequest)
	assert.Equal(t, "aa11", resp.PaymentHash)
	assert.Equal(t, int64(1000), resp.AmountSats)
	assert.NotEmpty(t, resp.QRCode, "response carries a QR code for the payment request")
}

func TestCreateInvoice_BadInput(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{
			name:     "malformed JSON",
			body:     `{"amount_sats":`,
			contains: "invalid request body",
		},
		{
			name:     "zero amount",
			body:     `{"amount_sats":0}`,
			contains: "amount_sats must be positive",
		},
		{
			name:     "negative amount",
			body:     `{"amount_sats":-5}`,
			contains: "amount_sats must be positive",
		},
		{
			name:     "extremely large request body",
			body:     `{"description":"` + strings.Repeat("A", 2*1024*1024) + `"}`,
			contains: "request body too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &fakeIssuer{}
			handler := handleCreateInvoice(issuer, testLogger())

			req := httptest.NewRequest(http.MethodPost, "/api/invoice", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.contains)
			assert.Zero(t, issuer.gotAmount, "the node must not be reached on invalid input")
		})
	}
}

func TestCreateInvoice_NodeFailure(t *testing.T) {
	issuer := &fakeIssuer{err: errors.New("node unavailable")}
	handler := handleCreateInvoice(issuer, testLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/invoice", strings.NewReader(`{"amount_sats":100}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetTransaction(t *testing.T) {
	store := &fakeReader{txns: map[string]*db.Transaction{
		readerKey(db.KindInvoice, "aa"): {Kind: db.KindInvoice, Hash: "aa", Status: db.StatusSucceeded},
	}}

	t.Run("found", func(t *testing.T) {
		handler := handleGetTransaction(store, db.KindInvoice, testLogger())
		req := httptest.NewRequest(http.MethodGet, "/api/invoice/aa", nil)
		req.SetPathValue("hash", "aa")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var txn db.Transaction
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txn))
		assert.Equal(t, db.StatusSucceeded, txn.Status)
	})

	t.Run("missing", func(t *testing.T) {
		handler := handleGetTransaction(store, db.KindInvoice, testLogger())
		req := httptest.NewRequest(http.MethodGet, "/api/invoice/zz", nil)
		req.SetPathValue("hash", "zz")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("kind scoped", func(t *testing.T) {
		// The same hash does not resolve as a payment.
		handler := handleGetTransaction(store, db.KindPayment, testLogger())
		req := httptest.NewRequest(http.MethodGet, "/api/payment/aa", nil)
		req.SetPathValue("hash", "aa")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPay(t *testing.T) {
	preimage := "ee"
	tests := []struct {
		name       string
		payer      *fakePayer
		wantStatus int
		contains   []string
	}{
		{
			name: "success",
			payer: &fakePayer{txn: &db.Transaction{
				Kind: db.KindPayment, Hash: "p1", Status: db.StatusSucceeded, Preimage: &preimage,
			}},
			wantStatus: http.StatusOK,
			contains:   []string{`"payment_hash":"p1"`, `"status":"succeeded"`, `"preimage":"ee"`},
		},
		{
			name:       "validation failure",
			payer:      &fakePayer{err: &wallet.ValidationError{Message: "invalid payment request: checksum failed"}},
			wantStatus: http.StatusBadRequest,
			contains:   []string{"checksum failed"},
		},
		{
			name:       "duplicate",
			payer:      &fakePayer{err: wallet.ErrDuplicatePayment},
			wantStatus: http.StatusBadRequest,
			contains:   []string{"already attempted"},
		},
		{
			name: "send failure is a domain outcome",
			payer: &fakePayer{
				txn: &db.Transaction{Kind: db.KindPayment, Hash: "p2", Status: db.StatusFailed},
				err: &wallet.PaymentError{Reason: "no route"},
			},
			wantStatus: http.StatusBadRequest,
			contains:   []string{"no route", `"payment_hash":"p2"`},
		},
		{
			name:       "internal error",
			payer:      &fakePayer{err: errors.New("connection refused")},
			wantStatus: http.StatusInternalServerError,
			contains:   []string{"internal server error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := handlePay(tt.payer, testLogger())
			req := httptest.NewRequest(http.MethodPost, "/api/payment", strings.NewReader(`{"payment_request":"lnbc1fake"}`))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			for _, want := range tt.contains {
				assert.Contains(t, w.Body.String(), want)
			}
			assert.Equal(t, "lnbc1fake", tt.payer.gotRequest)
		})
	}
}

func TestListTransactions(t *testing.T) {
	store := &fakeReader{txns: map[string]*db.Transaction{
		readerKey(db.KindInvoice, "aa"): {Kind: db.KindInvoice, Hash: "aa"},
	}}
	handler := handleListTransactions(store, testLogger())

	t.Run("defaults", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/transactions", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int32(defaultListLimit), store.gotLimit)
		assert.Equal(t, int32(0), store.gotOffset)
	})

	t.Run("explicit paging", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/transactions?limit=10&offset=20", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int32(10), store.gotLimit)
		assert.Equal(t, int32(20), store.gotOffset)
	})

	t.Run("bad paging", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=abc", "limit=100000", "offset=-1", "offset=3000000000"} {
			req := httptest.NewRequest(http.MethodGet, "/api/transactions?"+q, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})
}

func TestGetBalance(t *testing.T) {
	store := &fakeReader{balance: &db.Balance{
		ReceivedSats: 5000,
		PaidSats:     1200,
		LastUpdated:  time.Now().UTC(),
	}}
	handler := handleGetBalance(store, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/balance", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		ReceivedSats int64 `json:"received_sats"`
		PaidSats     int64 `json:"paid_sats"`
		TotalBalance int64 `json:"total_balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(5000), resp.ReceivedSats)
	assert.Equal(t, int64(1200), resp.PaidSats)
	assert.Equal(t, int64(3800), resp.TotalBalance)
}

func TestServerRouting(t *testing.T) {
	store := &fakeReader{balance: &db.Balance{ReceivedSats: 1}}
	srv := New(":0", store, &fakeIssuer{}, &fakePayer{err: wallet.ErrDuplicatePayment}, nil, nil, nil, testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	t.Run("health", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("balance", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/balance")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("cors preflight", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/invoice", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("wrong method", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/invoice")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}
