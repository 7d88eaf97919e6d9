package lnd

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// InvoiceState mirrors the invoice lifecycle reported by the node.
type InvoiceState string

const (
	InvoiceStateOpen     InvoiceState = "OPEN"
	InvoiceStateSettled  InvoiceState = "SETTLED"
	InvoiceStateCanceled InvoiceState = "CANCELED"
	InvoiceStateAccepted InvoiceState = "ACCEPTED"
)

// Invoice is a normalized invoice as reported by the receive node.
// Hash and Preimage are hex-encoded; the REST API returns them base64-encoded.
type Invoice struct {
	Hash           string
	PaymentRequest string
	AmountSats     int64
	Memo           string
	State          InvoiceState
	Preimage       string
	CreatedAt      time.Time
	ExpiresAt      *time.Time
}

// PayReq is the result of decoding a payment request. Decoding is a pure
// call against the node; it performs no sends and reserves nothing.
type PayReq struct {
	Hash        string
	AmountSats  int64
	Description string
	Expiry      int64
}

// SendResult is the outcome of a synchronous payment send. Exactly one of
// PaymentError or Preimage is meaningful: a non-empty PaymentError means the
// network rejected or failed the payment.
type SendResult struct {
	PaymentError string
	Preimage     string
	FeeSats      int64
	AmountSats   int64
}

// int64String accepts both JSON numbers and the string-encoded int64s the
// LND REST gateway emits for uint64 fields.
type int64String int64

func (v *int64String) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*v = 0
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*v = int64String(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = int64String(n)
	return nil
}

// restInvoice is the wire shape of an invoice from the REST gateway.
type restInvoice struct {
	RHash          string      `json:"r_hash"`
	RPreimage      string      `json:"r_preimage"`
	PaymentRequest string      `json:"payment_request"`
	Value          int64String `json:"value"`
	Memo           string      `json:"memo"`
	State          string      `json:"state"`
	CreationDate   int64String `json:"creation_date"`
	Expiry         int64String `json:"expiry"`
}

func (r *restInvoice) toInvoice() *Invoice {
	inv := &Invoice{
		Hash:           hexFromBase64(r.RHash),
		PaymentRequest: r.PaymentRequest,
		AmountSats:     int64(r.Value),
		Memo:           r.Memo,
		State:          InvoiceState(r.State),
		Preimage:       hexFromBase64(r.RPreimage),
	}
	if r.CreationDate > 0 {
		inv.CreatedAt = time.Unix(int64(r.CreationDate), 0).UTC()
	}
	if r.Expiry > 0 && r.CreationDate > 0 {
		t := time.Unix(int64(r.CreationDate)+int64(r.Expiry), 0).UTC()
		inv.ExpiresAt = &t
	}
	return inv
}

// hexFromBase64 re-encodes a base64 value as hex. The REST gateway base64s
// raw bytes; everything downstream keys on the hex form. Returns the input
// unchanged if it is not valid base64 (some gateways already send hex).
func hexFromBase64(s string) string {
	if s == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return hex.EncodeToString(raw)
}
