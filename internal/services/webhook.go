package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookClient calls external endpoints for webhook transition actions.
type WebhookClient struct {
	client *http.Client
}

// NewWebhookClient creates a webhook client with a bounded timeout so a
// slow endpoint cannot stall a transition.
func NewWebhookClient() *WebhookClient {
	return &WebhookClient{client: &http.Client{Timeout: 10 * time.Second}}
}

// Call posts the payload to the webhook URL.
func (c *WebhookClient) Call(ctx context.Context, url string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook call failed: status code %d", resp.StatusCode)
	}
	return nil
}
