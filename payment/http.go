package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to a processor exposing POST /charges and POST /transfers.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type processorRequest struct {
	ContractID  string `json:"contract_id"`
	PartyID     string `json:"party_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

type processorResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

type processorError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *HTTPClient) Charge(ctx context.Context, req ChargeRequest) (string, error) {
	return c.post(ctx, "/charges", req.IdempotencyKey, processorRequest{
		ContractID:  req.ContractID,
		PartyID:     req.PayerID,
		Amount:      req.Amount,
		Description: req.Description,
	})
}

func (c *HTTPClient) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	return c.post(ctx, "/transfers", req.IdempotencyKey, processorRequest{
		ContractID:  req.ContractID,
		PartyID:     req.RecipientID,
		Amount:      req.Amount,
		Description: req.Description,
	})
}

func (c *HTTPClient) post(ctx context.Context, path, key string, body processorRequest) (string, error) {
	if key == "" {
		return "", fmt.Errorf("payment: missing idempotency key")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("payment: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("payment: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("payment: read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusConflict:
		return "", fmt.Errorf("payment: processor unavailable: status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		var pe processorError
		_ = json.Unmarshal(raw, &pe)
		return "", fmt.Errorf("%w: status %d %s %s", ErrDeclined, resp.StatusCode, pe.Code, pe.Message)
	}

	var out processorResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("payment: decode response: %w", err)
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("payment: response missing transaction id")
	}
	if strings.EqualFold(out.Status, "failed") {
		return "", fmt.Errorf("%w: transaction %s failed", ErrDeclined, out.TransactionID)
	}
	return out.TransactionID, nil
}
