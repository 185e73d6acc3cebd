package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// FacilitatorClient handles communication with a v1 x402 facilitator
// service. Transport-level failures are retried with exponential backoff;
// a definitive facilitator answer (any 2xx, or a 4xx rejection) never is.
type FacilitatorClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	retryDelay time.Duration
}

// ClientOption configures a FacilitatorClient.
type ClientOption func(*FacilitatorClient)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *FacilitatorClient) { c.httpClient = hc }
}

// WithRetries sets the transport retry budget and initial delay.
func WithRetries(max uint64, delay time.Duration) ClientOption {
	return func(c *FacilitatorClient) {
		c.maxRetries = max
		c.retryDelay = delay
	}
}

// NewFacilitatorClient creates a client for the given facilitator base URL.
func NewFacilitatorClient(baseURL string, opts ...ClientOption) *FacilitatorClient {
	c := &FacilitatorClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 2,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifyResponse is the facilitator's answer to POST /verify. Deployed
// facilitators disagree on the field name, so both isValid and the legacy
// valid are accepted.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

func (vr *VerifyResponse) UnmarshalJSON(data []byte) error {
	var wire struct {
		IsValid       *bool  `json:"isValid"`
		Valid         *bool  `json:"valid"`
		InvalidReason string `json:"invalidReason"`
		Payer         string `json:"payer"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	switch {
	case wire.IsValid != nil:
		vr.IsValid = *wire.IsValid
	case wire.Valid != nil:
		vr.IsValid = *wire.Valid
	}
	vr.InvalidReason = wire.InvalidReason
	vr.Payer = wire.Payer
	return nil
}

// SettleResponse is the facilitator's answer to POST /settle.
type SettleResponse struct {
	TransactionHash string `json:"transactionHash"`
	Network         string `json:"network,omitempty"`
	ErrorReason     string `json:"errorReason,omitempty"`
}

// SupportedKind is one scheme+network pair a facilitator can settle.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// SupportedResponse is the capability descriptor from GET /supported,
// used for liveness and health reporting only.
type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Verify checks a payment via POST /verify.
func (c *FacilitatorClient) Verify(ctx context.Context, req *FacilitatorRequest) (*VerifyResponse, error) {
	var resp VerifyResponse
	if err := c.post(ctx, "/verify", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle executes a verified payment via POST /settle.
func (c *FacilitatorClient) Settle(ctx context.Context, req *FacilitatorRequest) (*SettleResponse, error) {
	var resp SettleResponse
	if err := c.post(ctx, "/settle", req, &resp); err != nil {
		return nil, err
	}
	if resp.TransactionHash == "" {
		reason := resp.ErrorReason
		if reason == "" {
			reason = "facilitator returned no transaction hash"
		}
		return nil, fmt.Errorf("settlement failed: %s", reason)
	}
	return &resp, nil
}

// Supported fetches the facilitator's capability descriptor.
func (c *FacilitatorClient) Supported(ctx context.Context) (*SupportedResponse, error) {
	var resp SupportedResponse

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		return c.do(httpReq, &resp)
	}
	if err := backoff.Retry(operation, c.backOff(ctx)); err != nil {
		return nil, fmt.Errorf("facilitator supported call failed: %w", err)
	}
	return &resp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, req, out interface{}) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal facilitator request: %w", err)
	}

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return c.do(httpReq, out)
	}

	if err := backoff.Retry(operation, c.backOff(ctx)); err != nil {
		return fmt.Errorf("facilitator %s call failed: %w", path, err)
	}
	return nil
}

func (c *FacilitatorClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err // transport failure, retriable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, string(raw))
	case resp.StatusCode != http.StatusOK:
		raw, _ := io.ReadAll(resp.Body)
		return backoff.Permanent(fmt.Errorf("facilitator returned status %d: %s", resp.StatusCode, string(raw)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode facilitator response: %w", err))
	}
	return nil
}

func (c *FacilitatorClient) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	return backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
}
