package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"pricealerts/internal/models"
)

// WebhookSink POSTs an AlertMessage as JSON. Deliveries are paced by a token
// bucket so a burst of triggers does not flood the receiver.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhookSink limits deliveries to rps per second. rps <= 0 disables the
// limit.
func NewWebhookSink(url string, rps float64, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &WebhookSink{url: url, client: client, limiter: rate.NewLimiter(limit, 1)}
}

func (*WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Notify(ctx context.Context, t models.TriggeredAlert) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	b, err := json.Marshal(NewAlertMessage(t))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook http status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}
