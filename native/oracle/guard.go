package oracle

import (
	"fmt"
	"time"

	"icreserve/native/common"
)

const defaultFutureTolerance = 30 * time.Second

// Guard validates prices before they reach a mint or redeem calculation. A
// zero MaxAge disables the staleness bound.
type Guard struct {
	source          Source
	maxAge          time.Duration
	futureTolerance time.Duration
	now             func() time.Time
}

// NewGuard wraps source with a staleness bound.
func NewGuard(source Source, maxAge time.Duration) *Guard {
	return &Guard{
		source:          source,
		maxAge:          maxAge,
		futureTolerance: defaultFutureTolerance,
		now:             time.Now,
	}
}

// SetClock overrides the guard clock for deterministic tests.
func (g *Guard) SetClock(now func() time.Time) {
	if g == nil || now == nil {
		return
	}
	g.now = now
}

// MaxAge reports the configured staleness bound.
func (g *Guard) MaxAge() time.Duration {
	if g == nil {
		return 0
	}
	return g.maxAge
}

// GetPrice returns a price that is non-zero, not older than MaxAge and not
// timestamped in the future beyond a small tolerance.
func (g *Guard) GetPrice(asset string) (PricePoint, error) {
	if g == nil || g.source == nil {
		return PricePoint{}, fmt.Errorf("oracle: guard not configured")
	}
	point, err := g.source.GetPrice(asset)
	if err != nil {
		return PricePoint{}, err
	}
	if point.Price.IsZero() {
		return PricePoint{}, fmt.Errorf("oracle: %s: %w", asset, common.ErrOracleZeroPrice)
	}
	if point.UpdatedAt.IsZero() {
		return PricePoint{}, fmt.Errorf("oracle: %s has no timestamp: %w", asset, common.ErrOracleStale)
	}
	now := g.now()
	if g.futureTolerance > 0 && point.UpdatedAt.After(now.Add(g.futureTolerance)) {
		return PricePoint{}, fmt.Errorf("oracle: %s timestamp in the future: %w", asset, common.ErrOracleStale)
	}
	if g.maxAge > 0 && now.Sub(point.UpdatedAt) > g.maxAge {
		return PricePoint{}, fmt.Errorf("oracle: %s older than %s: %w", asset, g.maxAge, common.ErrOracleStale)
	}
	return point, nil
}
