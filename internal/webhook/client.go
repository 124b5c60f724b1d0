// Package webhook implements the remote dispatcher: a single
// request/response exchange against an agent's webhook endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hookchat/hookchat/internal/database"
	"github.com/hookchat/hookchat/internal/secrets"
)

// Dispatcher is the interface the exchange engine depends on.
type Dispatcher interface {
	// Dispatch performs one POST exchange against the endpoint. Failures
	// are returned as *DispatchError.
	Dispatch(ctx context.Context, endpoint string, payload *Payload) (*Response, error)

	// TestConnection sends a lightweight probe and reports only whether the
	// HTTP exchange succeeded with a 2xx status, independent of body shape.
	TestConnection(ctx context.Context, endpoint, agentID string) (bool, error)
}

// Config tunes the HTTP client.
type Config struct {
	// RequestTimeout bounds how long the endpoint may take to answer with
	// response headers.
	RequestTimeout time.Duration
	// TransferTimeout bounds the whole exchange including body transfer.
	TransferTimeout time.Duration
	UserAgent       string
}

// Client is the HTTP implementation of Dispatcher.
type Client struct {
	httpClient *http.Client
	userAgent  string
	secrets    secrets.Provider
	log        *slog.Logger
}

// NewClient creates a webhook client. The secrets provider supplies optional
// per-endpoint bearer secrets; a missing secret is never an error.
//
// The two timeouts are distinct bounds: the request timeout limits how long
// the endpoint may take to answer with response headers, while the transfer
// timeout limits the whole exchange including reading the body.
func NewClient(cfg Config, secretStore secrets.Provider, log *slog.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 60 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "hookchat/1.0"
	}
	if log == nil {
		log = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.RequestTimeout

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.TransferTimeout,
		},
		userAgent: cfg.UserAgent,
		secrets:   secretStore,
		log:       log.With("component", "webhook_client"),
	}
}

// Dispatch performs one request/response exchange per the wire contract.
func (c *Client) Dispatch(ctx context.Context, endpoint string, payload *Payload) (*Response, error) {
	if err := database.ValidateWebhookURL(endpoint); err != nil {
		return nil, &DispatchError{Kind: ErrorInvalidEndpoint, Err: err}
	}

	body, status, err := c.post(ctx, endpoint, payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		c.log.WarnContext(ctx, "Webhook returned error status", "endpoint", endpoint, "status", status)
		return nil, &DispatchError{Kind: ErrorHTTPStatus, Status: status}
	}

	resp, err := decodeResponse(body)
	if err != nil {
		c.log.WarnContext(ctx, "Failed to decode webhook response", "endpoint", endpoint, "error", err)
		return nil, &DispatchError{Kind: ErrorDecode, Err: err}
	}

	c.log.DebugContext(ctx, "Webhook dispatch succeeded", "endpoint", endpoint, "status", status)
	return resp, nil
}

// TestConnection sends a probe payload and reports only HTTP-level success.
func (c *Client) TestConnection(ctx context.Context, endpoint, agentID string) (bool, error) {
	if err := database.ValidateWebhookURL(endpoint); err != nil {
		return false, &DispatchError{Kind: ErrorInvalidEndpoint, Err: err}
	}

	probe := testPayload{
		Test:      true,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
	}
	_, status, err := c.post(ctx, endpoint, probe)
	if err != nil {
		return false, err
	}
	return status >= 200 && status <= 299, nil
}

// post encodes the payload, applies headers, and returns the raw response
// body and status. Timeouts are enforced by the underlying HTTP client.
func (c *Client) post(ctx context.Context, endpoint string, payload any) ([]byte, int, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, &DispatchError{Kind: ErrorTransport, Err: fmt.Errorf("failed to encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, 0, &DispatchError{Kind: ErrorInvalidEndpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	// Attach authentication when a secret is stored for this endpoint.
	// A missing secret just means no Authorization header.
	if c.secrets != nil {
		secret, err := c.secrets.Load(secrets.WebhookSecretKey(endpoint))
		if err == nil && len(secret) > 0 {
			req.Header.Set("Authorization", "Bearer "+string(secret))
		} else if err != nil && !errors.Is(err, secrets.ErrNotFound) {
			c.log.WarnContext(ctx, "Failed to load webhook secret", "error", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &DispatchError{Kind: ErrorTransport, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.log.WarnContext(ctx, "Error closing response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &DispatchError{Kind: ErrorTransport, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return body, resp.StatusCode, nil
}

// decodeResponse parses a 2xx body against the response schema. The
// response text and timestamp are required fields.
func decodeResponse(body []byte) (*Response, error) {
	var raw struct {
		Response    *string           `json:"response"`
		Timestamp   *time.Time        `json:"timestamp"`
		AgentID     string            `json:"agentId"`
		Metadata    map[string]string `json:"metadata"`
		Attachments []Attachment      `json:"attachments"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if raw.Response == nil {
		return nil, errors.New("response field is missing")
	}
	if raw.Timestamp == nil {
		return nil, errors.New("timestamp field is missing")
	}

	return &Response{
		Response:    *raw.Response,
		Timestamp:   *raw.Timestamp,
		AgentID:     raw.AgentID,
		Metadata:    raw.Metadata,
		Attachments: raw.Attachments,
	}, nil
}
