package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"icreserve/services/icd/oracle"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// HTTPDoer is the subset of *http.Client used by HTTP sources.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// CoinGeckoSource reads USD prices from the CoinGecko simple price API.
type CoinGeckoSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	apiKey   string
	idMap    map[string]string
	limiter  *rate.Limiter
}

func newCoinGeckoSource(client HTTPDoer, name, endpoint, apiKey string, idMap map[string]string, limiter *rate.Limiter) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &CoinGeckoSource{name: name, client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey), idMap: mapped, limiter: limiter}
}

// Name implements oracle.Source.
func (s *CoinGeckoSource) Name() string { return s.name }

func (s *CoinGeckoSource) assetID(symbol string) string {
	if id, ok := s.idMap[normaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Fetch implements oracle.Source. Calls wait on the per-source limiter so a
// short polling interval cannot exceed the upstream quota.
func (s *CoinGeckoSource) Fetch(ctx context.Context, asset string) (oracle.Quote, error) {
	id := s.assetID(asset)
	if id == "" {
		return oracle.Quote{}, fmt.Errorf("coingecko: unmapped asset %s", asset)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return oracle.Quote{}, fmt.Errorf("coingecko: rate limit: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return oracle.Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return oracle.Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oracle.Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("coingecko: quote missing for %s", asset)
	}
	priceStr := strings.TrimSpace(entry["usd"].String())
	if priceStr == "" {
		return oracle.Quote{}, fmt.Errorf("coingecko: empty price")
	}
	rat, ok := new(big.Rat).SetString(priceStr)
	if !ok || rat.Sign() <= 0 {
		return oracle.Quote{}, fmt.Errorf("coingecko: invalid rate %q", priceStr)
	}
	ts := time.Now().UTC()
	if raw := entry["last_updated_at"].String(); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0).UTC()
		}
	}
	return oracle.Quote{Rate: rat, Timestamp: ts}, nil
}
