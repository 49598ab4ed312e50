package adapters

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"icreserve/services/icd/oracle"
)

// staticSource serves fixed prices from configuration. It exists for local
// networks and drills where no upstream feed is reachable.
type staticSource struct {
	name   string
	prices map[string]*big.Rat
	now    func() time.Time
}

func newStaticSource(name string, prices map[string]string, now func() time.Time) (*staticSource, error) {
	parsed := make(map[string]*big.Rat, len(prices))
	for symbol, raw := range prices {
		rat, ok := new(big.Rat).SetString(raw)
		if !ok || rat.Sign() <= 0 {
			return nil, fmt.Errorf("static source %s: invalid price %q for %s", name, raw, symbol)
		}
		parsed[normaliseSymbol(symbol)] = rat
	}
	return &staticSource{name: name, prices: parsed, now: now}, nil
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(_ context.Context, asset string) (oracle.Quote, error) {
	rat, ok := s.prices[normaliseSymbol(asset)]
	if !ok {
		return oracle.Quote{}, fmt.Errorf("static source %s: no price for %s", s.name, normaliseSymbol(asset))
	}
	return oracle.Quote{Rate: new(big.Rat).Set(rat), Timestamp: s.now()}, nil
}
