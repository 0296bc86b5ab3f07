package alerts

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

	"premium-hedge-bot/internal/config"
)

// Webhook posts alerts as JSON to an operator endpoint.
type Webhook struct {
	enabled bool
	url     string
	client  *http.Client
}

func NewWebhook(cfg config.WebhookConfig, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{
		enabled: cfg.Enabled,
		url:     strings.TrimSpace(cfg.URL),
		client:  client,
	}
}

func (w *Webhook) Send(ctx context.Context, alert Alert) error {
	if !w.enabled {
		return nil
	}
	if w.url == "" {
		return errors.New("webhook url is required")
	}
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
