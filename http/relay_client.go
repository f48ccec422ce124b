package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	gsn "github.com/gsnrelay/gsn/go"
)

// RequestIDHeader tags a submission so relay and client logs can be joined.
const RequestIDHeader = "X-Request-Id"

// ErrorResponse is the body of a failed relay daemon request.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ============================================================================
// HTTP Relay Client
// ============================================================================

// HTTPRelayClient talks to relay daemons over HTTP.
// Implements gsn.RelayTransport
type HTTPRelayClient struct {
	httpClient *http.Client
	retries    int
	retryDelay time.Duration
}

// RelayClientConfig configures the HTTP relay client
type RelayClientConfig struct {
	// HTTPClient is the HTTP client to use (optional)
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 10s)
	Timeout time.Duration

	// Retries on 429 rate limit responses (optional, defaults to 3 attempts)
	Retries int

	// RetryBaseDelay is the base delay for exponential backoff (optional, defaults to 250ms)
	RetryBaseDelay time.Duration
}

const (
	defaultRelayTimeout   = 10 * time.Second
	defaultRelayRetries   = 3
	defaultRetryBaseDelay = 250 * time.Millisecond
)

// NewHTTPRelayClient creates a new HTTP relay client
func NewHTTPRelayClient(config *RelayClientConfig) *HTTPRelayClient {
	if config == nil {
		config = &RelayClientConfig{}
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultRelayTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
		}
	}

	retries := config.Retries
	if retries <= 0 {
		retries = defaultRelayRetries
	}
	delay := config.RetryBaseDelay
	if delay <= 0 {
		delay = defaultRetryBaseDelay
	}

	return &HTTPRelayClient{
		httpClient: httpClient,
		retries:    retries,
		retryDelay: delay,
	}
}

// ============================================================================
// RelayTransport Implementation
// ============================================================================

// GetPingResponse asks a relay to describe itself.
func (c *HTTPRelayClient) GetPingResponse(ctx context.Context, relayURL string) (*gsn.PingResponse, error) {
	responseBody, status, err := c.do(ctx, http.MethodGet, endpoint(relayURL, "/getaddr"), nil, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, relayFailure(relayURL, status, responseBody)
	}

	var ping gsn.PingResponse
	if err := json.Unmarshal(responseBody, &ping); err != nil {
		return nil, fmt.Errorf("failed to decode ping response from %s: %w", relayURL, err)
	}
	return &ping, nil
}

// RelayTransaction submits a signed request. A rejection is returned as a
// *gsn.RelayError carrying the relay's error code.
func (c *HTTPRelayClient) RelayTransaction(ctx context.Context, relayURL string, request gsn.RelayTransactionRequest) (*gsn.RelayTransactionResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relay request: %w", err)
	}

	responseBody, status, err := c.do(ctx, http.MethodPost, endpoint(relayURL, "/relay"), body, uuid.NewString())
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, relayFailure(relayURL, status, responseBody)
	}

	var relayResponse gsn.RelayTransactionResponse
	if err := json.Unmarshal(responseBody, &relayResponse); err != nil {
		return nil, fmt.Errorf("failed to decode relay response from %s: %w", relayURL, err)
	}
	if len(relayResponse.SignedTx) == 0 {
		return nil, gsn.NewRelayError(gsn.ErrCodeInvalidRelayTx, "relay returned no signed transaction",
			map[string]interface{}{"relayUrl": relayURL})
	}
	return &relayResponse, nil
}

// ============================================================================
// Internal HTTP Methods
// ============================================================================

// do sends one request, retrying with exponential backoff on 429.
func (c *HTTPRelayClient) do(ctx context.Context, method, url string, body []byte, requestID string) ([]byte, int, error) {
	var (
		responseBody []byte
		status       int
	)

	for attempt := range c.retries {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if requestID != "" {
			req.Header.Set(RequestIDHeader, requestID)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("request to %s failed: %w", url, err)
		}
		responseBody, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read response body: %w", err)
		}
		status = resp.StatusCode

		// Retry on 429 with exponential backoff, except on the last attempt
		if status == http.StatusTooManyRequests && attempt < c.retries-1 {
			delay := c.retryDelay * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
		break
	}
	return responseBody, status, nil
}

func endpoint(relayURL, path string) string {
	return strings.TrimRight(relayURL, "/") + path
}

func relayFailure(relayURL string, status int, body []byte) error {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		code := errResp.Code
		if code == "" {
			code = gsn.ErrCodeRelayRejected
		}
		details := errResp.Details
		if details == nil {
			details = map[string]interface{}{}
		}
		details["relayUrl"] = relayURL
		details["status"] = status
		return &gsn.RelayError{Code: code, Message: errResp.Error, Details: details}
	}
	return gsn.NewRelayError(gsn.ErrCodeRelayRejected,
		fmt.Sprintf("relay %s failed (%d): %s", relayURL, status, string(body)),
		map[string]interface{}{"relayUrl": relayURL, "status": status})
}
