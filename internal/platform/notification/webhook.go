package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches payload under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

// WebhookOption configures a WebhookAlerter.
type WebhookOption func(*WebhookAlerter)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookAlerter) { w.client = c }
}

// WithRetryDelays sets the waits between attempts. The number of attempts is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) WebhookOption {
	return func(w *WebhookAlerter) { w.retryDelays = delays }
}

// WebhookAlerter POSTs signed alert JSON to a single endpoint.
type WebhookAlerter struct {
	url         string
	secret      string
	client      *http.Client
	retryDelays []time.Duration
}

func NewWebhookAlerter(url, secret string, opts ...WebhookOption) *WebhookAlerter {
	w := &WebhookAlerter{
		url:         url,
		secret:      secret,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *WebhookAlerter) Alert(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(w.retryDelays); attempt++ {
		if attempt > 0 {
			t := time.NewTimer(w.retryDelays[attempt-1])
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("webhook alert %s: %w", a.ID, ctx.Err())
			case <-t.C:
			}
		}
		if lastErr = w.deliver(ctx, a, payload); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("webhook alert %s: %w", a.ID, lastErr)
}

func (w *WebhookAlerter) deliver(ctx context.Context, a Alert, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Signature", "sha256="+SignPayload(payload, w.secret))
	req.Header.Set("X-Alert-ID", a.ID)
	req.Header.Set("X-Alert-Timestamp", time.Now().UTC().Format(time.RFC3339))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
