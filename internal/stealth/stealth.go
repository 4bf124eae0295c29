// Package stealth regenerates listing images so each posting carries fresh
// files without the source metadata.
package stealth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"autoposter/internal/config"
	"autoposter/internal/domain"

	"github.com/rs/zerolog"
)

const (
	ModeDisabled = "disabled"
	ModeHTTP     = "http"
	ModeLocal    = "local"
)

// New returns the pipeline selected by cfg.Mode, or nil when disabled.
func New(ctx context.Context, cfg config.StealthConfig, logger *zerolog.Logger) (domain.StealthPipeline, error) {
	switch strings.ToLower(cfg.Mode) {
	case "", ModeDisabled:
		return nil, nil
	case ModeHTTP:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("stealth mode http requires base_url")
		}
		return NewHTTPPipeline(cfg.BaseURL, httpClient(cfg.Timeout)), nil
	case ModeLocal:
		p, err := NewLocalPipeline(ctx, cfg.Local, httpClient(cfg.Timeout), logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown stealth mode %q", cfg.Mode)
	}
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
