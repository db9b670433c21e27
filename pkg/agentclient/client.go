// Package agentclient delivers conversation envelopes to remote agents over
// HTTP. A Client wraps one agent's serviceUrl and plugs into the envelope
// router as a delivery handler.
package agentclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/openfloor-dev/floor-manager/internal/v1/envelope"
	"github.com/openfloor-dev/floor-manager/internal/v1/metrics"
)

// Client posts envelopes to a single agent endpoint. Failures trip a
// circuit breaker so a dead agent cannot stall every conversation it is in.
type Client struct {
	serviceURL string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
}

// New creates a Client for an agent's serviceUrl.
func New(serviceURL string, timeout time.Duration) *Client {
	st := gobreaker.Settings{
		Name:        "agent:" + serviceURL,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	return &Client{
		serviceURL: serviceURL,
		httpClient: &http.Client{Timeout: timeout},
		cb:         gobreaker.NewCircuitBreaker(st),
	}
}

// ServiceURL returns the endpoint this client delivers to.
func (c *Client) ServiceURL() string { return c.serviceURL }

// Deliver posts one envelope document to the agent. Non-2xx responses are
// errors; an open breaker fails fast without touching the network.
func (c *Client) Deliver(ctx context.Context, env *envelope.Envelope) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		doc, err := env.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode envelope: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURL, bytes.NewReader(doc))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("agent delivery failed: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
		}
		return nil, nil
	})

	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues(c.cb.Name()).Inc()
		return fmt.Errorf("agent circuit open: %s", c.serviceURL)
	}
	return err
}

// Handler returns Deliver in the router's handler shape.
func (c *Client) Handler() func(ctx context.Context, env *envelope.Envelope) error {
	return c.Deliver
}
