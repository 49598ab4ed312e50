package adapters

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"icreserve/services/icd/config"
	"icreserve/services/icd/oracle"
)

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(src config.Source) (oracle.Source, error) {
	limiter := rate.NewLimiter(rate.Limit(src.RatePerSecond), 1)
	if src.RatePerSecond <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	switch strings.ToLower(strings.TrimSpace(src.Type)) {
	case "coingecko":
		return newCoinGeckoSource(r.client(), label(src.Name, "coingecko"), src.Endpoint, src.APIKey, src.Assets, limiter), nil
	case "static":
		return newStaticSource(label(src.Name, "static"), src.Assets, r.clock())
	default:
		return nil, fmt.Errorf("unknown oracle type %q", src.Type)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) clock() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
