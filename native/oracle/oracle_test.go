package oracle

import (
	"errors"
	"testing"
	"time"

	"icreserve/native/common"
	"icreserve/native/fixed"
)

func TestFeedRejectsUnknownUpdater(t *testing.T) {
	feed := NewFeed("feeder")
	err := feed.UpdateDecimal("mallory", "btc", "60000", 8, time.Now())
	if !errors.Is(err, common.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := feed.UpdateDecimal("feeder", "btc", "60000.00000000", 8, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	point, err := feed.GetPrice("BTC")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if point.Asset != "BTC" || point.Decimals() != 8 || point.Value().String() != "6000000000000" {
		t.Fatalf("unexpected point %+v", point)
	}
}

func TestFeedMissingPriceIsStale(t *testing.T) {
	feed := NewFeed("feeder")
	if _, err := feed.GetPrice("ETH"); !errors.Is(err, common.ErrOracleStale) {
		t.Fatalf("expected stale for unknown asset, got %v", err)
	}
}

func TestGuardFreshness(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	feed := NewFeed("feeder")
	guard := NewGuard(feed, time.Minute)
	guard.SetClock(func() time.Time { return now })

	if err := feed.UpdateDecimal("feeder", "ETH", "2000", 8, now.Add(-30*time.Second)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := guard.GetPrice("ETH"); err != nil {
		t.Fatalf("fresh price rejected: %v", err)
	}

	if err := feed.UpdateDecimal("feeder", "ETH", "2000", 8, now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := guard.GetPrice("ETH"); !errors.Is(err, common.ErrOracleStale) {
		t.Fatalf("expected stale, got %v", err)
	}

	if err := feed.UpdateDecimal("feeder", "ETH", "2000", 8, now.Add(time.Hour)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := guard.GetPrice("ETH"); !errors.Is(err, common.ErrOracleStale) {
		t.Fatalf("expected future timestamp rejection, got %v", err)
	}
}

func TestGuardRejectsZeroPrice(t *testing.T) {
	now := time.Now()
	source := SourceFunc(func(asset string) (PricePoint, error) {
		return PricePoint{Asset: asset, Price: fixed.Price{}, UpdatedAt: now}, nil
	})
	guard := NewGuard(source, 0)
	if _, err := guard.GetPrice("BTC"); !errors.Is(err, common.ErrOracleZeroPrice) {
		t.Fatalf("expected zero price rejection, got %v", err)
	}
}
