package oracle

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"icreserve/native/common"
	"icreserve/native/fixed"
)

// PricePoint is the latest USD price reported for a reserve asset.
type PricePoint struct {
	Asset     string
	Price     fixed.Price
	UpdatedAt time.Time
}

// Value returns the raw scaled price.
func (p PricePoint) Value() *big.Int { return p.Price.Raw() }

// Decimals returns the precision of Value.
func (p PricePoint) Decimals() uint8 { return p.Price.Decimals() }

// Source resolves the latest price for a reserve asset.
type Source interface {
	GetPrice(asset string) (PricePoint, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(asset string) (PricePoint, error)

// GetPrice implements Source.
func (f SourceFunc) GetPrice(asset string) (PricePoint, error) { return f(asset) }

// Feed is an in-memory price store overwritten by authorised updaters. No
// history is kept; each update replaces the previous point.
type Feed struct {
	mu       sync.RWMutex
	updaters map[string]struct{}
	points   map[string]PricePoint
}

// NewFeed constructs a feed that accepts updates from the listed identities.
func NewFeed(updaters ...string) *Feed {
	allowed := make(map[string]struct{}, len(updaters))
	for _, id := range updaters {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}
	return &Feed{updaters: allowed, points: make(map[string]PricePoint)}
}

// Update records a new price for asset.
func (f *Feed) Update(updater, asset string, price fixed.Price, ts time.Time) error {
	if f == nil {
		return fmt.Errorf("oracle: feed not configured")
	}
	symbol := normaliseSymbol(asset)
	if symbol == "" {
		return fmt.Errorf("oracle: asset required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.updaters[strings.TrimSpace(updater)]; !ok {
		return fmt.Errorf("oracle: updater %q: %w", updater, common.ErrUnauthorized)
	}
	f.points[symbol] = PricePoint{Asset: symbol, Price: price, UpdatedAt: ts.UTC()}
	return nil
}

// UpdateDecimal parses a decimal price string before recording it.
func (f *Feed) UpdateDecimal(updater, asset, price string, decimals uint8, ts time.Time) error {
	parsed, err := fixed.ParsePrice(price, decimals)
	if err != nil {
		return fmt.Errorf("oracle: parse price %q: %w", price, err)
	}
	return f.Update(updater, asset, parsed, ts)
}

// GetPrice implements Source.
func (f *Feed) GetPrice(asset string) (PricePoint, error) {
	if f == nil {
		return PricePoint{}, fmt.Errorf("oracle: feed not configured")
	}
	symbol := normaliseSymbol(asset)
	f.mu.RLock()
	point, ok := f.points[symbol]
	f.mu.RUnlock()
	if !ok {
		return PricePoint{}, fmt.Errorf("oracle: no price for %s: %w", symbol, common.ErrOracleStale)
	}
	return point, nil
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
