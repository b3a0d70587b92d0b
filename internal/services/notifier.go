package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/recordflow/recordflow/internal/logging"
)

// HTTPNotifier posts notification events to an external delivery service.
type HTTPNotifier struct {
	url    string
	client *http.Client
}

// NewHTTPNotifier creates a notifier posting to the given base URL.
func NewHTTPNotifier(url string) *HTTPNotifier {
	return &HTTPNotifier{url: url, client: http.DefaultClient}
}

// Notify posts one event.
func (n *HTTPNotifier) Notify(ctx context.Context, recipients []string, eventType string, payload map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"recipients": recipients,
		"event_type": eventType,
		"payload":    payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url+"/notifications", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification delivery failed: status code %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier logs events instead of delivering them, for development and
// tests.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(log *logging.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs the event.
func (n *LogNotifier) Notify(ctx context.Context, recipients []string, eventType string, payload map[string]any) error {
	n.log.Info("notification", "recipients", recipients, "event_type", eventType, "payload", payload)
	return nil
}
