// Package automation emits outbound workflow events.
package automation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Event names.
const (
	EventDetectionCompleted = "detection.completed"
	EventAlertCreated       = "alert.created"
)

const (
	SignatureHeader = "X-Signature"
	webhookTimeout  = 10 * time.Second
)

var ErrDelivery = errors.New("automation delivery failed")

// Sink emits a named event. Callers treat failures as non-fatal.
type Sink interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Noop discards events. Used when no webhook is configured.
type Noop struct{}

func (Noop) Emit(context.Context, string, any) error { return nil }

// WebhookSink POSTs {"event", "data"} to a URL, signed with HMAC-SHA256 when
// a secret is set, and throttled by a token bucket.
type WebhookSink struct {
	url     string
	secret  []byte
	limiter *rate.Limiter
	client  *http.Client
}

func NewWebhookSink(url, secret string, perSecond float64) *WebhookSink {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &WebhookSink{
		url:     url,
		secret:  []byte(secret),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		client:  &http.Client{Timeout: webhookTimeout},
	}
}

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func (s *WebhookSink) Emit(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: throttled: %v", ErrDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrDelivery, resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body.
func Verify(secret, body []byte, signature string) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

var (
	_ Sink = Noop{}
	_ Sink = (*WebhookSink)(nil)
)
