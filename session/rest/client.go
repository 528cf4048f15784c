// Package rest drives an accelerator over its HTTP endpoint.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gammadia/accelpool/internal/retry"
	"github.com/gammadia/accelpool/session"
)

const (
	configurationRoute = "/v1.0/configuration/"
	processRoute       = "/v1.0/process/"
	stopRoute          = "/v1.0/stop/"

	maxAttempts = 3
)

// Client implements session.Session over the accelerator REST routes.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

var _ session.Session = (*Client)(nil)

// Options tunes the REST client.
type Options struct {
	Timeout time.Duration // per-request timeout, 0 means no limit
	Logger  *slog.Logger
}

// New returns a client bound to a host address such as "203.0.113.7" or
// "http://203.0.113.7:8080". A bare address defaults to http on port 80.
func New(address string, options Options) *Client {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: formatBaseURL(address),
		http:    &http.Client{Timeout: options.Timeout},
		log:     logger.With("component", "session", "address", address),
	}
}

// Dialer adapts New to the session.Dialer signature.
func Dialer(options Options) session.Dialer {
	return func(address string) session.Session {
		return New(address, options)
	}
}

func formatBaseURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/")
	}
	return "http://" + address
}

type configurationRequest struct {
	Parameters session.Parameters `json:"parameters"`
}

type processRequest struct {
	Parameters session.Parameters `json:"parameters"`
	FileIn     string             `json:"file_in,omitempty"`
	FileOut    string             `json:"file_out,omitempty"`
}

type response struct {
	InError     bool                `json:"inerror"`
	Specific    map[string]any      `json:"specific"`
	Diagnostics session.Diagnostics `json:"app"`
}

func (c *Client) Configure(ctx context.Context, params session.Parameters) (session.Diagnostics, error) {
	c.log.Debug("Sending accelerator configuration")

	resp, err := c.post(ctx, configurationRoute, configurationRequest{Parameters: params})
	if err != nil {
		return session.Diagnostics{}, fmt.Errorf("failed to send configuration: %w", err)
	}
	if resp.InError {
		return resp.Diagnostics, &session.RemoteError{Op: "configuration", Message: resp.Diagnostics.Message}
	}
	return resp.Diagnostics, nil
}

func (c *Client) Execute(ctx context.Context, job session.Job) (session.Result, error) {
	resp, err := c.post(ctx, processRoute, processRequest{
		Parameters: job.Parameters,
		FileIn:     job.Input,
		FileOut:    job.Output,
	})
	if err != nil {
		return session.Result{}, fmt.Errorf("failed to send process request: %w", err)
	}
	if resp.InError {
		return session.Result{}, &session.RemoteError{Op: "process", Message: resp.Diagnostics.Message}
	}
	return session.Result{Specific: resp.Specific, Diagnostics: resp.Diagnostics}, nil
}

func (c *Client) Teardown(ctx context.Context) error {
	c.log.Debug("Stopping accelerator session")

	resp, err := c.post(ctx, stopRoute, struct{}{})
	if err != nil {
		return fmt.Errorf("failed to send stop request: %w", err)
	}
	if resp.InError {
		return &session.RemoteError{Op: "stop", Message: resp.Diagnostics.Message}
	}
	return nil
}

// post sends a JSON request and decodes the JSON response. Transport errors
// are retried with backoff; remote application errors are not.
func (c *Client) post(ctx context.Context, route string, body any) (*response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	return retry.DoResult(ctx, maxAttempts, func() (*response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		httpResp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
			return nil, fmt.Errorf("unexpected status %d: %s", httpResp.StatusCode, bytes.TrimSpace(data))
		}

		var resp response
		if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return &resp, nil
	})
}
