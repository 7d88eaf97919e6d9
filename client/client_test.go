package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/wallet"
)

func TestCreateInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/api/invoice", r.URL.Path)

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, float64(1000), req["amount_sats"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Invoice{
			PaymentRequest: "lnbc10u1fake",
			PaymentHash:    "aa11",
			AmountSats:     1000,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	invoice, err := c.CreateInvoice(context.Background(), 1000, "coffee")
	require.NoError(t, err)
	assert.Equal(t, "lnbc10u1fake", invoice.PaymentRequest)
	assert.Equal(t, "aa11", invoice.PaymentHash)
}

func TestCreateInvoice_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "amount_sats must be positive"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.CreateInvoice(context.Background(), -1, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount_sats must be positive")
}

func TestGetInvoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/invoice/aa":
			json.NewEncoder(w).Encode(db.Transaction{Kind: db.KindInvoice, Hash: "aa", Status: db.StatusSucceeded})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "invoice not found"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)

	txn, err := c.GetInvoice(context.Background(), "aa")
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, txn.Status)

	_, err = c.GetInvoice(context.Background(), "zz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestPayInvoice_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/payment", r.URL.Path)
		fmt.Fprint(w, `{"payment_hash":"p1","status":"succeeded","amount_sats":1000,"preimage":"ee","fee_sats":2}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	payment, err := c.PayInvoice(context.Background(), "lnbc1fake")
	require.NoError(t, err)
	assert.Equal(t, "p1", payment.PaymentHash)
	assert.Equal(t, "succeeded", payment.Status)
	assert.Equal(t, "ee", payment.Preimage)
	require.NotNil(t, payment.FeeSats)
	assert.Equal(t, int64(2), *payment.FeeSats)
}

func TestPayInvoice_DomainFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/payment", r.URL.Path)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "payment failed: no route"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	_, err := c.PayInvoice(context.Background(), "lnbc1fake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route")
}

func TestListTransactions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "50", r.URL.Query().Get("offset"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transactions": []db.Transaction{
				{Kind: db.KindPayment, Hash: "p1"},
				{Kind: db.KindInvoice, Hash: "i1"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	txns, err := c.ListTransactions(context.Background(), 25, 50)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "p1", txns[0].Hash)
}

func TestGetBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/balance", r.URL.Path)
		json.NewEncoder(w).Encode(Balance{
			ReceivedSats: 5000,
			PaidSats:     1200,
			TotalBalance: 3800,
			LastUpdated:  time.Now().UTC(),
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	balance, err := c.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3800), balance.TotalBalance)
}

func TestStreamEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
		flusher.Flush()

		for i, tag := range []wallet.Tag{wallet.TagCreated, wallet.TagSettled} {
			ev := wallet.Event{
				Tag:         tag,
				Transaction: &db.Transaction{Kind: db.KindInvoice, Hash: fmt.Sprintf("h%d", i)},
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", tag, data)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := c.StreamEvents(ctx)
	require.NoError(t, err)

	var got []wallet.Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, wallet.TagCreated, got[0].Tag)
	assert.Equal(t, wallet.TagSettled, got[1].Tag)
	assert.Equal(t, "h1", got[1].Transaction.Hash)
}
