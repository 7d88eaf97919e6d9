// Package client is the Go client for the satferry wallet service.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/satferry/satferry/service/db"
	"github.com/satferry/satferry/service/wallet"
)

// Invoice is the server's response to invoice creation.
type Invoice struct {
	PaymentRequest string     `json:"payment_request"`
	PaymentHash    string     `json:"payment_hash"`
	AmountSats     int64      `json:"amount_sats"`
	Description    string     `json:"description,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	QRCode         string     `json:"qr_code,omitempty"`
}

// Balance is the wallet's running balance.
// Payment is the outcome of a payment attempt as reported by the server.
type Payment struct {
	PaymentHash   string    `json:"payment_hash"`
	Status        string    `json:"status"`
	AmountSats    int64     `json:"amount_sats"`
	Preimage      string    `json:"preimage,omitempty"`
	FeeSats       *int64    `json:"fee_sats,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Balance struct {
	ReceivedSats int64     `json:"received_sats"`
	PaidSats     int64     `json:"paid_sats"`
	TotalBalance int64     `json:"total_balance"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Client is the HTTP client for the satferry wallet service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new wallet service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreateInvoice asks the server for a new invoice on the receive node.
func (c *Client) CreateInvoice(ctx context.Context, amountSats int64, description string) (*Invoice, error) {
	reqBody := map[string]interface{}{
		"amount_sats": amountSats,
		"description": description,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/invoice", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var invoice Invoice
	if err := json.NewDecoder(resp.Body).Decode(&invoice); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("invoice created", "hash", invoice.PaymentHash, "amount_sats", amountSats)
	return &invoice, nil
}

// GetInvoice retrieves one invoice transaction by payment hash.
func (c *Client) GetInvoice(ctx context.Context, hash string) (*db.Transaction, error) {
	return c.getTransaction(ctx, "invoice", hash)
}

// GetPayment retrieves one payment transaction by payment hash.
func (c *Client) GetPayment(ctx context.Context, hash string) (*db.Transaction, error) {
	return c.getTransaction(ctx, "payment", hash)
}

func (c *Client) getTransaction(ctx context.Context, kind, hash string) (*db.Transaction, error) {
	u := fmt.Sprintf("%s/api/%s/%s", c.baseURL, kind, url.PathEscape(hash))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var txn db.Transaction
	if err := json.NewDecoder(resp.Body).Decode(&txn); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &txn, nil
}

// PayInvoice sends an outbound payment for the given payment request. A
// domain-level failure (duplicate, no route, expired invoice) comes back as
// an error carrying the server's reason.
func (c *Client) PayInvoice(ctx context.Context, paymentRequest string) (*Payment, error) {
	body, err := json.Marshal(map[string]string{"payment_request": paymentRequest})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/payment", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var payment Payment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("payment sent", "hash", payment.PaymentHash, "status", payment.Status)
	return &payment, nil
}

// ListTransactions retrieves transactions newest first.
func (c *Client) ListTransactions(ctx context.Context, limit, offset int) ([]*db.Transaction, error) {
	u := c.baseURL + "/api/transactions"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var response struct {
		Transactions []*db.Transaction `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return response.Transactions, nil
}

// GetBalance retrieves the running balance.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/balance", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var balance Balance
	if err := json.NewDecoder(resp.Body).Decode(&balance); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &balance, nil
}

// StreamEvents connects to the server's SSE stream and delivers wallet
// events on the returned channel until ctx is cancelled or the stream
// ends. The channel is closed when the stream does.
func (c *Client) StreamEvents(ctx context.Context) (<-chan wallet.Event, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The default client times streaming connections out.
	streamClient := &http.Client{Timeout: 0}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseErrorResponse(resp)
	}

	events := make(chan wallet.Event)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var currentEvent, currentData string

		for scanner.Scan() {
			line := scanner.Text()

			// Empty line indicates end of event
			if line == "" {
				if currentData != "" && currentEvent != "connected" {
					var ev wallet.Event
					if err := json.Unmarshal([]byte(currentData), &ev); err != nil {
						c.logger.Warn("failed to decode event", "error", err)
					} else {
						select {
						case events <- ev:
						case <-ctx.Done():
							return
						}
					}
				}
				currentEvent = ""
				currentData = ""
				continue
			}

			if strings.HasPrefix(line, "event:") {
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			} else if strings.HasPrefix(line, "data:") {
				currentData = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.logger.Warn("event stream ended", "error", err)
		}
	}()

	c.logger.Debug("connected to event stream", "url", c.baseURL+"/events")
	return events, nil
}

// parseErrorResponse extracts the server's error message from a non-2xx
// response.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
