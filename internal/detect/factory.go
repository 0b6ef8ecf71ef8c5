package detect

import (
	"fmt"

	"github.com/kiranshivaraju/minewatch/internal/config"
)

// NewProvider constructs the configured provider. Called once at startup.
func NewProvider(cfg config.DetectorConfig) (Provider, error) {
	switch cfg.Provider {
	case "static", "":
		return NewStaticProvider(), nil
	case "http":
		return NewHTTPClient(cfg.BaseURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown detector provider %q: must be one of static, http", cfg.Provider)
	}
}
