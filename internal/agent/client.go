// Package agent runs on an inference node: it meters energy, signs one reading
// per inference session and delivers readings to the oracle.
//
// Architecture:
//
//	GPU Node                                       Oracle
//	┌──────────┐  session  ┌────────┐  POST /api/v1/telemetry  ┌────────┐
//	│  Meter   │ ────────▶ │ Outbox │ ───────────────────────▶ │  API   │
//	│ (1s poll)│  signed   │(sqlite)│ ◀─────────────────────── │        │
//	└──────────┘  reading  └────────┘   certificate / 401/422  └────────┘
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aceteam-ai/greencert/internal/telemetry"
)

var (
	// ErrRejected means the oracle refused the request outright (401 or
	// 422). Resubmitting the same reading will not help.
	ErrRejected = errors.New("rejected by oracle")

	// ErrUnavailable means the oracle could not be reached or answered
	// with a retryable status.
	ErrUnavailable = errors.New("oracle unavailable")
)

// ClientConfig holds configuration for the oracle client.
type ClientConfig struct {
	// BaseURL is the oracle base URL (e.g., "http://localhost:8000")
	BaseURL string

	// EnrollmentToken is sent as a bearer token on enrollment (optional)
	EnrollmentToken string

	// Timeout is the HTTP request timeout (default: 10s)
	Timeout time.Duration
}

// Client talks to the oracle API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Enrollment registers a node and its public key with the oracle.
type Enrollment struct {
	NodeID       string `json:"node_id"`
	Hostname     string `json:"hostname,omitempty"`
	Region       string `json:"region"`
	PublicKeyPEM string `json:"public_key"`
}

// Receipt is the oracle's answer to a delivered reading.
type Receipt struct {
	CertificateID  string  `json:"certificate_id"`
	InferenceID    string  `json:"inference_id"`
	TotalEmissions float64 `json:"total_emissions_gco2"`
	CarbonSource   string  `json:"carbon_source"`

	// Created is false when the oracle already held a certificate
	Created bool `json:"-"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a new oracle client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.EnrollmentToken,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// BaseURL returns the configured oracle URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Enroll registers the node. Re-enrolling replaces the stored key.
func (c *Client) Enroll(ctx context.Context, e Enrollment) error {
	resp, err := c.post(ctx, "/api/v1/nodes", e, c.token)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return statusError(resp)
}

// Submit delivers a signed reading and returns the certificate receipt.
func (c *Client) Submit(ctx context.Context, r telemetry.Reading) (Receipt, error) {
	resp, err := c.post(ctx, "/api/v1/telemetry", r, "")
	if err != nil {
		return Receipt{}, err
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return Receipt{}, err
	}
	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return Receipt{}, fmt.Errorf("%w: failed to decode certificate: %v", ErrUnavailable, err)
	}
	receipt.Created = resp.StatusCode == http.StatusCreated
	return receipt, nil
}

func (c *Client) post(ctx context.Context, path string, v any, token string) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// statusError classifies a non-2xx response.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := resp.Status
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var env errorEnvelope
	if json.Unmarshal(data, &env) == nil && env.Error.Code != "" {
		detail = fmt.Sprintf("%d %s: %s", resp.StatusCode, env.Error.Code, env.Error.Message)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusUnprocessableEntity, http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrRejected, detail)
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, detail)
	}
}
