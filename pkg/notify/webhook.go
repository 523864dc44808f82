// Package notify delivers finalized evaluation reports to external webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deckeval/internal/model"
	"github.com/sells-group/deckeval/internal/resilience"
)

// WebhookNotifier posts finalized reports to a caller-supplied URL.
type WebhookNotifier struct {
	client *http.Client
	retry  resilience.RetryConfig
}

// Option configures a WebhookNotifier.
type Option func(*WebhookNotifier)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(n *WebhookNotifier) {
		n.client.Timeout = d
	}
}

// WithRetry overrides the delivery retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(n *WebhookNotifier) {
		n.retry = cfg
	}
}

// NewWebhookNotifier creates a notifier with a 10s request timeout and the
// default retry policy.
func NewWebhookNotifier(opts ...Option) *WebhookNotifier {
	n := &WebhookNotifier{
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyReport posts the report as JSON to url. Delivery is retried on
// transient failures; a 4xx response is treated as permanent.
func (n *WebhookNotifier) NotifyReport(ctx context.Context, url string, report *model.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "notify: marshal report")
	}

	cfg := n.retry
	cfg.OnRetry = resilience.RetryLogger("notify", "webhook")

	err = resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return n.post(ctx, url, payload)
	})
	if err != nil {
		return eris.Wrapf(err, "notify: deliver report %s", report.ID)
	}

	zap.L().Info("notify: report delivered",
		zap.String("report_id", report.ID),
		zap.String("url", url),
	)
	return nil
}

func (n *WebhookNotifier) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "notify: post"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
