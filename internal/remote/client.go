// Package remote carries mutations to the inventory service.
//
// The engine only sees NetworkClient. HTTPClient speaks the JSON contract:
//
//	POST {base}/v1/mutations
//	Idempotency-Key: <mutation id>
//
// 2xx is success, 409 a version conflict with the server's copy in the body,
// other 4xx a rejection, and 5xx or transport failures are retryable.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/roach88/invsync/internal/mutation"
)

// DefaultHTTPTimeout bounds a request when the caller's context has no
// deadline of its own.
const DefaultHTTPTimeout = 30 * time.Second

// maxErrorBody limits how much of a failure body is read for diagnostics.
const maxErrorBody = 64 << 10

// NetworkClient dispatches one mutation attempt.
//
// Implementations must return a *DispatchError (possibly wrapped) for every
// failure so the caller can classify it, and must honour ctx.
type NetworkClient interface {
	Dispatch(ctx context.Context, m mutation.Mutation) error
}

// ClientFunc adapts a function to NetworkClient.
type ClientFunc func(ctx context.Context, m mutation.Mutation) error

// Dispatch calls f.
func (f ClientFunc) Dispatch(ctx context.Context, m mutation.Mutation) error {
	return f(ctx, m)
}

// HTTPClient is the production NetworkClient.
type HTTPClient struct {
	base   string
	http   *http.Client
	token  string
	device string
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithBearerToken sets an Authorization header on every request.
func WithBearerToken(token string) HTTPOption {
	return func(h *HTTPClient) { h.token = token }
}

// WithDevice stamps every mutation with the sending device's name.
func WithDevice(name string) HTTPOption {
	return func(h *HTTPClient) { h.device = name }
}

// NewHTTPClient creates a client for the service at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Dispatch POSTs m and classifies the outcome.
func (h *HTTPClient) Dispatch(ctx context.Context, m mutation.Mutation) error {
	w := ToWire(m)
	w.Device = h.device
	body, err := json.Marshal(w)
	if err != nil {
		return NewRejectedError(0, fmt.Sprintf("encode mutation %s: %v", m.ID, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+MutationsPath, bytes.NewReader(body))
	if err != nil {
		return NewRejectedError(0, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, m.ID)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewTimeoutError(err)
	}
	return NewConnectivityError(err)
}

func classifyResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	switch {
	case resp.StatusCode == http.StatusConflict:
		var cb ConflictBody
		if err := json.Unmarshal(data, &cb); err != nil {
			return &DispatchError{
				Class:      ClassTransient,
				StatusCode: resp.StatusCode,
				Message:    "malformed conflict body",
				Err:        err,
			}
		}
		return NewConflictError(cb.Server.Snapshot())

	case resp.StatusCode >= 500:
		return NewTransientError(resp.StatusCode, errorMessage(data, resp.Status))

	default:
		return NewRejectedError(resp.StatusCode, errorMessage(data, resp.Status))
	}
}

func errorMessage(data []byte, fallback string) string {
	var eb ErrorBody
	if err := json.Unmarshal(data, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	return fallback
}
