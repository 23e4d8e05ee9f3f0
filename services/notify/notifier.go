// Package notify dispatches push notifications through the external
// gateway. Most flows enqueue through the outbox and treat delivery as
// best-effort; the identity-gated purchase dispatches synchronously and
// treats failure as fatal.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lumenfeed/market_layer/internal/logging"
)

// Event is one notification to deliver.
type Event struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Timestamp time.Time              `json:"timestamp"`
	Params    map[string]interface{} `json:"params,omitempty"`
}

// Notifier delivers events to their target.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// PushClient delivers events to the push-notification gateway over HTTP.
type PushClient struct {
	gatewayURL string
	httpClient *http.Client
	log        *logging.Logger
}

var _ Notifier = (*PushClient)(nil)

// NewPushClient creates a gateway client with the given request timeout.
func NewPushClient(gatewayURL string, timeout time.Duration, log *logging.Logger) *PushClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &PushClient{
		gatewayURL: gatewayURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Send posts the event to the gateway. Any non-2xx response is an error;
// the caller decides whether that is fatal.
func (c *PushClient) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", event.Type, event.Target, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("dispatch %s to %s: gateway returned %d", event.Type, event.Target, resp.StatusCode)
	}
	return nil
}
