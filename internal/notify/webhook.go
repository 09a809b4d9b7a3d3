package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"bookline/internal/config"
	"bookline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook posts status updates as JSON to the configured endpoints.
type Webhook struct {
	Hooks  []config.WebhookConfig
	Client *http.Client
}

func (w Webhook) SendBookingStatusUpdate(ctx context.Context, booking domain.Timeslot, infra domain.Infrastructure, update domain.StatusUpdate) error {
	data, err := json.Marshal(NewMessage(booking, infra, update))
	if err != nil {
		return err
	}
	var errs []error
	for _, hook := range w.Hooks {
		if !hookWants(hook, update.Status) {
			continue
		}
		if err := w.post(ctx, hook, booking.ID, update.Status, data); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hook.URL, err))
		}
	}
	return errors.Join(errs...)
}

func hookWants(hook config.WebhookConfig, status string) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	if strings.TrimSpace(hook.URL) == "" {
		return false
	}
	return len(hook.Statuses) == 0 || slices.Contains(hook.Statuses, status)
}

func (w Webhook) post(ctx context.Context, hook config.WebhookConfig, bookingID, status string, data []byte) error {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bookline-Event", RoutingKey(status))
	req.Header.Set("X-Bookline-Delivery", bookingID+":"+status)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Bookline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
