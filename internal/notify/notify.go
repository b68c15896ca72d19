// Package notify posts catalog lifecycle events to an external webhook
// (ntfy-style plain-text POST), so operators can watch pages connect and
// tools appear without tailing logs.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dgnsrekt/webmcp_agent/internal/hub"
)

// Notifier forwards hub events to a webhook endpoint.
type Notifier struct {
	endpoint string
	client   *http.Client
	broker   *hub.Broker
}

// New creates a notifier. A nil client falls back to http.DefaultClient.
func New(endpoint string, client *http.Client, broker *hub.Broker) *Notifier {
	return &Notifier{endpoint: endpoint, client: client, broker: broker}
}

// Run consumes broker events until ctx is cancelled. Delivery failures are
// logged and never interrupt the stream.
func (n *Notifier) Run(ctx context.Context) {
	id, ch := n.broker.Subscribe()
	defer n.broker.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := Send(ctx, n.client, n.endpoint, formatEvent(evt)); err != nil {
				slog.Warn("notify delivery failed", "kind", evt.Kind, "error", err)
			}
		}
	}
}

func formatEvent(evt hub.Event) string {
	switch evt.Kind {
	case hub.EventPageConnected:
		return fmt.Sprintf("page %d connected to the tool bridge", evt.PageIndex)
	case hub.EventPageDisconnected:
		return fmt.Sprintf("page %d disconnected from the tool bridge", evt.PageIndex)
	case hub.EventToolsChanged:
		return fmt.Sprintf("page %d now exposes %d tools", evt.PageIndex, len(evt.ToolIDs))
	default:
		return fmt.Sprintf("catalog event %s on page %d", evt.Kind, evt.PageIndex)
	}
}

// Send posts a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
