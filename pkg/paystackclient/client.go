/**
 * @description
 * This package provides a client for interacting with the Paystack API.
 * It encapsulates the logic for making authenticated HTTP requests to the
 * gateway's transaction endpoints, handling request body construction, and
 * parsing responses.
 *
 * The client is a pure boundary adapter: it never mutates the ledger.
 * Initialize calls are never retried automatically (a blind retry could
 * double-submit a charge); verify calls are read-only and retry a small
 * number of times on transient transport errors.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package paystackclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrGatewayUnavailable marks transport failures, timeouts, and gateway
	// 5xx responses. Safe to retry a verify, never safe to blindly retry an
	// initialize.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrReferenceNotFound means the gateway has no record of the reference.
	ErrReferenceNotFound = errors.New("transaction reference not found at gateway")
	// ErrInvalidAmount means the amount is below the gateway's chargeable minimum.
	ErrInvalidAmount = errors.New("amount below minimum chargeable unit")
)

const (
	verifyRetryAttempts = 2
	verifyRetryBackoff  = 300 * time.Millisecond
)

// Client is a client for the Paystack API.
type Client struct {
	BaseURL    string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new Paystack API client with a bounded request timeout.
func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// InitializeRequest is the payload for the transaction initialize endpoint.
type InitializeRequest struct {
	Email       string `json:"email"`
	Amount      int64  `json:"amount"` // in kobo
	Reference   string `json:"reference"`
	CallbackURL string `json:"callback_url"`
}

// InitializeResult carries the fields of an initialize response the service uses.
type InitializeResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
	RawPayload       []byte
}

// VerifyResult carries the fields of a verify response the service uses. The
// raw payload is preserved verbatim for the audit trail only.
type VerifyResult struct {
	Status     string
	Amount     int64 // amount paid, in kobo
	RawPayload []byte
}

type gatewayEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// InitializeTransaction asks the gateway to create a charge and returns the
// URL the payer should be redirected to. The caller supplies the reference,
// which becomes the idempotency key for the whole payment attempt.
func (c *Client) InitializeTransaction(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/transaction/initialize", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create initialize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		log.Printf("level=warn component=paystack_client op=initialize msg=\"transport failure\" err=%v", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read initialize response: %w", err)
	}

	if resp.StatusCode >= 500 {
		log.Printf("level=warn component=paystack_client op=initialize status=%d msg=\"gateway error\"", resp.StatusCode)
		return nil, fmt.Errorf("%w: gateway returned %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusBadRequest {
		return nil, ErrInvalidAmount
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("initialize rejected with status %d: %s", resp.StatusCode, gatewayMessage(raw))
	}

	var envelope gatewayEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode initialize response: %w", err)
	}
	if !envelope.Status {
		return nil, fmt.Errorf("initialize rejected: %s", envelope.Message)
	}

	var data initializeData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode initialize data: %w", err)
	}

	return &InitializeResult{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
		RawPayload:       raw,
	}, nil
}

// VerifyTransaction looks up the gateway-side status of a reference. Transient
// transport failures are retried with backoff before surfacing as
// ErrGatewayUnavailable; a 404 surfaces as ErrReferenceNotFound immediately.
func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyResult, error) {
	var lastErr error
	for attempt := 0; attempt <= verifyRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, ctx.Err())
			case <-time.After(verifyRetryBackoff * time.Duration(attempt)):
			}
		}

		result, err := c.verifyOnce(ctx, reference)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrGatewayUnavailable) {
			return nil, err
		}
		lastErr = err
		log.Printf("level=warn component=paystack_client op=verify reference=%s attempt=%d msg=\"transient verify failure\" err=%v", reference, attempt+1, err)
	}
	return nil, lastErr
}

func (c *Client) verifyOnce(ctx context.Context, reference string) (*VerifyResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+"/transaction/verify/"+reference, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.SecretKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read verify response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrReferenceNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: gateway returned %d", ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("verify rejected with status %d: %s", resp.StatusCode, gatewayMessage(raw))
	}

	var envelope gatewayEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode verify response: %w", err)
	}
	if !envelope.Status {
		return nil, ErrReferenceNotFound
	}

	var data verifyData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to decode verify data: %w", err)
	}

	return &VerifyResult{
		Status:     strings.ToLower(strings.TrimSpace(data.Status)),
		Amount:     data.Amount,
		RawPayload: raw,
	}, nil
}

func gatewayMessage(raw []byte) string {
	var envelope gatewayEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Message == "" {
		return "unparsable gateway response"
	}
	return envelope.Message
}
