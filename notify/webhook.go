package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"sentinel/core"

	"go.uber.org/zap"
)

// WebhookNotifier POSTs alerts as JSON to a fixed URL.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewWebhookNotifier creates a notifier with a per-request timeout.
func NewWebhookNotifier(url string, headers map[string]string, timeout time.Duration, logger *zap.SugaredLogger) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

func (w *WebhookNotifier) Notify(ctx context.Context, alert *core.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return core.NewTransientNotifyError("webhook", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return core.NewTransientNotifyError("webhook", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sentinel-notifier/1.0")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderAlertID, alert.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return core.NewTransientNotifyError("webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.NewTransientNotifyError("webhook", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}
