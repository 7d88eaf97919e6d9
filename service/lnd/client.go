package lnd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/satferry/satferry/service/metrics"
)

// InvoiceIssuer creates invoices on the receive node.
type InvoiceIssuer interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error)
}

// InvoiceSource exposes the receive node's invoice history and live stream.
type InvoiceSource interface {
	// SubscribeInvoices opens one logical subscription to the node's invoice
	// event stream. The returned stream blocks in Recv until the next
	// notification, a transport error, or ctx cancellation.
	SubscribeInvoices(ctx context.Context) (InvoiceStream, error)

	// ListInvoices returns every invoice the node knows about.
	ListInvoices(ctx context.Context) ([]*Invoice, error)
}

// PaymentSender decodes and sends payments through the send node.
type PaymentSender interface {
	// DecodePayReq decodes a payment request. It is a pure call: no state
	// changes on either side.
	DecodePayReq(ctx context.Context, payReq string) (*PayReq, error)

	// SendPayment synchronously attempts the payment. Domain-level failures
	// (no route, expired invoice) come back in SendResult.PaymentError, not
	// as an error.
	SendPayment(ctx context.Context, payReq string) (*SendResult, error)
}

// InvoiceStream is a live sequence of invoice updates.
type InvoiceStream interface {
	Recv() (*Invoice, error)
	Close() error
}

// Client talks to a single LND node over its REST gateway.
// It implements InvoiceIssuer, InvoiceSource and PaymentSender; which of
// those a caller uses depends on whether the node is the receive or the
// send participant.
type Client struct {
	baseURL    string
	macaroon   string // hex-encoded admin macaroon
	node       string // node identifier for logs and metrics
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a client for one LND node. The node parameter labels
// logs and metrics (e.g. "receive", "send"). If m is nil, no metrics are
// recorded.
func NewClient(baseURL, macaroonHex, node string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		macaroon: macaroonHex,
		node:     node,
		// No overall timeout: the subscribe endpoint is a long-lived stream.
		// Per-call deadlines come from ctx.
		httpClient: &http.Client{},
		logger:     logger,
		metrics:    m,
	}
}

// CreateInvoice asks the node to issue a new invoice.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, memo string) (*Invoice, error) {
	body := map[string]interface{}{
		"value": amountSats,
		"memo":  memo,
	}

	var resp struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := c.do(ctx, "AddInvoice", http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return nil, err
	}

	return &Invoice{
		Hash:           hexFromBase64(resp.RHash),
		PaymentRequest: resp.PaymentRequest,
		AmountSats:     amountSats,
		Memo:           memo,
		State:          InvoiceStateOpen,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// listInvoicesPageSize bounds one ListInvoices response. The node treats a
// zero num_max_invoices as a 100-row default, so the full history has to be
// walked page by page.
const listInvoicesPageSize = 1000

// ListInvoices returns all invoices known to the node, following
// index_offset pagination until the history is exhausted.
func (c *Client) ListInvoices(ctx context.Context) ([]*Invoice, error) {
	var invoices []*Invoice
	offset := int64(0)
	for {
		var resp struct {
			Invoices        []restInvoice `json:"invoices"`
			LastIndexOffset int64String   `json:"last_index_offset"`
		}
		path := fmt.Sprintf("/v1/invoices?num_max_invoices=%d&index_offset=%d", listInvoicesPageSize, offset)
		if err := c.do(ctx, "ListInvoices", http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}

		for i := range resp.Invoices {
			invoices = append(invoices, resp.Invoices[i].toInvoice())
		}
		if len(resp.Invoices) < listInvoicesPageSize {
			return invoices, nil
		}
		offset = int64(resp.LastIndexOffset)
	}
}

// DecodePayReq decodes a payment request string.
func (c *Client) DecodePayReq(ctx context.Context, payReq string) (*PayReq, error) {
	var resp struct {
		PaymentHash string      `json:"payment_hash"`
		NumSatoshis int64String `json:"num_satoshis"`
		Description string      `json:"description"`
		Expiry      int64String `json:"expiry"`
	}
	path := "/v1/payreq/" + url.PathEscape(payReq)
	if err := c.do(ctx, "DecodePayReq", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return &PayReq{
		Hash:        resp.PaymentHash,
		AmountSats:  int64(resp.NumSatoshis),
		Description: resp.Description,
		Expiry:      int64(resp.Expiry),
	}, nil
}

// SendPayment synchronously sends a payment for the given request.
func (c *Client) SendPayment(ctx context.Context, payReq string) (*SendResult, error) {
	body := map[string]interface{}{
		"payment_request": payReq,
	}

	var resp struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
		PaymentRoute    *struct {
			TotalFees int64String `json:"total_fees"`
			TotalAmt  int64String `json:"total_amt"`
		} `json:"payment_route"`
	}
	if err := c.do(ctx, "SendPaymentSync", http.MethodPost, "/v1/channels/transactions", body, &resp); err != nil {
		return nil, err
	}

	result := &SendResult{
		PaymentError: resp.PaymentError,
		Preimage:     hexFromBase64(resp.PaymentPreimage),
	}
	if resp.PaymentRoute != nil {
		result.FeeSats = int64(resp.PaymentRoute.TotalFees)
		result.AmountSats = int64(resp.PaymentRoute.TotalAmt) - int64(resp.PaymentRoute.TotalFees)
	}
	return result, nil
}

// SubscribeInvoices opens the streaming invoice subscription. The REST
// gateway delivers one JSON object per update, wrapped in {"result": ...},
// over a chunked response that stays open until the connection drops.
func (c *Client) SubscribeInvoices(ctx context.Context) (InvoiceStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/invoices/subscribe", nil)
	if err != nil {
		return nil, fmt.Errorf("create subscribe request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		status := "success"
		if err != nil || (resp != nil && resp.StatusCode != http.StatusOK) {
			status = "error"
		}
		c.metrics.RecordLNDRequest("SubscribeInvoices", c.node, status, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe invoices: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("subscribe invoices: %s", readErrorBody(resp))
	}

	c.logger.Info("invoice subscription opened", "node", c.node)

	return &invoiceStream{
		body: resp.Body,
		dec:  json.NewDecoder(resp.Body),
	}, nil
}

type invoiceStream struct {
	body io.ReadCloser
	dec  *json.Decoder
}

func (s *invoiceStream) Recv() (*Invoice, error) {
	var msg struct {
		Result *restInvoice    `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := s.dec.Decode(&msg); err != nil {
		return nil, err
	}
	if msg.Result == nil {
		return nil, fmt.Errorf("invoice stream error: %s", string(msg.Error))
	}
	return msg.Result.toInvoice(), nil
}

func (s *invoiceStream) Close() error {
	return s.body.Close()
}

// do performs one unary REST call and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, httpMethod, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", method, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", method, err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil || (resp != nil && resp.StatusCode != http.StatusOK) {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordLNDRequest(method, c.node, status, duration)
	}

	if err != nil {
		c.logger.ErrorContext(ctx, "LND request failed", "method", method, "node", c.node, "error", err)
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp)
		c.logger.ErrorContext(ctx, "LND request rejected",
			"method", method,
			"node", c.node,
			"status", resp.StatusCode,
			"message", msg,
		)
		return fmt.Errorf("%s: %s", method, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: decode response: %w", method, err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.macaroon != "" {
		req.Header.Set("Grpc-Metadata-Macaroon", c.macaroon)
	}
}

// readErrorBody extracts the gateway's {"message": ...} error payload,
// falling back to the raw body.
func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var gw struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &gw); err == nil && gw.Message != "" {
		return gw.Message
	}
	return string(data)
}
