package automation

import "github.com/kiranshivaraju/minewatch/internal/config"

// NewSink returns a WebhookSink when a webhook URL is configured and Noop otherwise.
func NewSink(cfg config.AutomationConfig) Sink {
	if cfg.WebhookURL == "" {
		return Noop{}
	}
	return NewWebhookSink(cfg.WebhookURL, cfg.SigningSecret, cfg.RatePerSec)
}
