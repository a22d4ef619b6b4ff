package momo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/utils"
)

// Client talks to the mobile-money provider's collect/disburse API. It is
// only ever used BEFORE any local mutation is attempted; nothing in this
// package runs while a DB transaction or in-memory lock is held.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func NewClient() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("MOMO_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.momoprovider.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("MOMO_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	apiKey := strings.TrimSpace(os.Getenv("MOMO_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("momo api key is empty")
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Collect initiates a customer payment. The reference MUST be the order
// number; webhook matching depends on it.
func (c *Client) Collect(ctx context.Context, req CollectRequest) (*TransactionResponse, error) {
	if req.Reference == "" {
		return nil, fmt.Errorf("%w: collect reference is required", utils.ErrorValidation)
	}
	if req.Amount.IsNegative() || req.Amount.IsZero() {
		return nil, utils.ErrorNegativeAmount
	}
	if err := utils.ValidatePhoneNumber(req.PhoneNumber, utils.CountryCode); err != nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrorValidation, err.Error())
	}
	return c.post(ctx, "/v1/collections", req)
}

// Disburse pushes money out to a phone number (payouts, refunds).
func (c *Client) Disburse(ctx context.Context, req DisburseRequest) (*TransactionResponse, error) {
	if req.Reference == "" {
		return nil, fmt.Errorf("%w: disburse reference is required", utils.ErrorValidation)
	}
	if req.Amount.IsNegative() || req.Amount.IsZero() {
		return nil, utils.ErrorNegativeAmount
	}
	if err := utils.ValidatePhoneNumber(req.PhoneNumber, utils.CountryCode); err != nil {
		return nil, fmt.Errorf("%w: %s", utils.ErrorValidation, err.Error())
	}
	return c.post(ctx, "/v1/disbursements", req)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*TransactionResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(c.apiKeyHdr, c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("momo %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out TransactionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
