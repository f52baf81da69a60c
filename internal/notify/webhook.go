package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/shaunzlim0123/query-pilot/internal/model"
)

// Notifier delivers alarm and report payloads to an external webhook.
type Notifier interface {
	// Send posts payload to webhookURL, retrying per the implementation's
	// policy. It returns ErrNotificationDelivery once retries are
	// exhausted. An empty webhookURL is a no-op.
	Send(ctx context.Context, webhookURL string, payload any) error
}

// RetryStrategy calculates the delay before a retry attempt.
type RetryStrategy interface {
	// NextRetry calculates the delay before the given attempt, starting
	// from attempt 0.
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff with a ceiling.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry delay using exponential backoff.
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// WebhookNotifier posts JSON payloads to a webhook URL. Delivery
// failures are retried with backoff and never escalate past the sink:
// Dispatch runs delivery on its own goroutine and only logs exhaustion.
type WebhookNotifier struct {
	logger      *zap.Logger
	client      *http.Client
	strategy    RetryStrategy
	maxAttempts int
}

// WebhookConfig holds delivery and retry settings for the notifier.
type WebhookConfig struct {
	Timeout      time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NewWebhookNotifier creates a webhook notifier. Zero config fields get
// working defaults (10s timeout, 3 attempts, 1s initial delay doubling
// up to 30s).
func NewWebhookNotifier(logger *zap.Logger, cfg WebhookConfig) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}

	return &WebhookNotifier{
		logger: logger,
		client: &http.Client{Timeout: cfg.Timeout},
		strategy: &ExponentialBackoff{
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Multiplier:   cfg.Multiplier,
		},
		maxAttempts: cfg.MaxAttempts,
	}
}

// Send implements Notifier.
func (n *WebhookNotifier) Send(ctx context.Context, webhookURL string, payload any) error {
	if webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrNotificationDelivery, err)
	}

	var lastErr error
	for attempt := 0; attempt < n.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.strategy.NextRetry(attempt - 1)):
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", model.ErrNotificationDelivery, ctx.Err())
			}
		}

		lastErr = n.post(ctx, webhookURL, body)
		if lastErr == nil {
			return nil
		}

		n.logger.Warn("Webhook delivery failed",
			zap.String("url", webhookURL),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}

	return fmt.Errorf("%w: %v", model.ErrNotificationDelivery, lastErr)
}

// Dispatch delivers payload on its own goroutine. Callers never block
// on or observe delivery failures; exhaustion is logged.
func (n *WebhookNotifier) Dispatch(webhookURL string, payload any) {
	if webhookURL == "" {
		return
	}
	go func() {
		if err := n.Send(context.Background(), webhookURL, payload); err != nil {
			n.logger.Error("Webhook delivery exhausted retries",
				zap.String("url", webhookURL),
				zap.Error(err))
		}
	}()
}

func (n *WebhookNotifier) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// TextPayload is the default webhook message shape.
type TextPayload struct {
	Text string `json:"text"`
}
