package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	coreoracle "icreserve/native/oracle"
	"icreserve/services/icd/storage"
)

type fakeSource struct {
	name  string
	quote Quote
	err   error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(_ context.Context, _ string) (Quote, error) {
	if f.err != nil {
		return Quote{}, f.err
	}
	return f.quote, nil
}

type capturingPublisher struct {
	updates []Update
}

func (c *capturingPublisher) PublishPrice(_ context.Context, update Update) error {
	c.updates = append(c.updates, update)
	return nil
}

func openStore(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.Open("file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestManagerTickAggregatesMedian(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	sources := []Source{
		&fakeSource{name: "alpha", quote: Quote{Rate: mustRat("60000"), Timestamp: now}},
		&fakeSource{name: "beta", quote: Quote{Rate: mustRat("60100"), Timestamp: now}},
		&fakeSource{name: "gamma", quote: Quote{Rate: mustRat("70000"), Timestamp: now}},
	}
	publisher := &capturingPublisher{}
	mgr, err := New(store, sources, []string{"wbtc"}, time.Second, time.Minute, 2,
		WithPublisher(publisher), WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	require.NoError(t, mgr.Tick(context.Background()))
	snap, err := store.LatestSnapshot(context.Background(), "WBTC")
	require.NoError(t, err)
	require.Equal(t, "60100.000000000000000000", snap.Median)
	require.ElementsMatch(t, []string{"alpha", "beta", "gamma"}, snap.Feeders)
	require.Len(t, publisher.updates, 1)
	require.Equal(t, "WBTC", publisher.updates[0].Asset)
	require.Equal(t, snap.ProofID, publisher.updates[0].ProofID)
}

func TestManagerSkipsStaleAndFailingSources(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	sources := []Source{
		&fakeSource{name: "fresh", quote: Quote{Rate: mustRat("2000"), Timestamp: now}},
		&fakeSource{name: "stale", quote: Quote{Rate: mustRat("1"), Timestamp: now.Add(-time.Hour)}},
		&fakeSource{name: "future", quote: Quote{Rate: mustRat("1"), Timestamp: now.Add(time.Hour)}},
		&fakeSource{name: "zero", quote: Quote{Rate: new(big.Rat), Timestamp: now}},
		&fakeSource{name: "down", err: errors.New("connection refused")},
	}
	publisher := &capturingPublisher{}
	mgr, err := New(store, sources, []string{"WETH"}, time.Second, time.Minute, 1,
		WithPublisher(publisher), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, mgr.Tick(context.Background()))
	require.Len(t, publisher.updates, 1)
	require.Equal(t, []string{"fresh"}, publisher.updates[0].Feeders)
	require.Equal(t, 0, publisher.updates[0].Median.Cmp(mustRat("2000")))

	samples, err := store.Samples(context.Background(), "WETH", time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, samples, 1)
}

func TestManagerMinFeeds(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	sources := []Source{&fakeSource{name: "only", quote: Quote{Rate: mustRat("5"), Timestamp: now}}}
	publisher := &capturingPublisher{}
	mgr, err := New(store, sources, []string{"WBTC", "WETH"}, time.Second, time.Minute, 2,
		WithPublisher(publisher), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	err = mgr.Tick(context.Background())
	require.ErrorContains(t, err, "insufficient oracle feeds for WBTC")
	require.Empty(t, publisher.updates)
}

func TestFeedPublisherUpdatesCoreFeed(t *testing.T) {
	store := openStore(t)
	now := time.Unix(1_700_000_000, 0)
	feed := coreoracle.NewFeed("icd-oracle")
	sources := []Source{
		&fakeSource{name: "a", quote: Quote{Rate: mustRat("2000.123456789"), Timestamp: now}},
		&fakeSource{name: "b", quote: Quote{Rate: mustRat("2000.123456789"), Timestamp: now}},
	}
	mgr, err := New(store, sources, []string{"WETH"}, time.Second, time.Minute, 1,
		WithPublisher(FeedPublisher{Feed: feed, Updater: "icd-oracle", Decimals: 8}),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, mgr.Tick(context.Background()))

	point, err := feed.GetPrice("weth")
	require.NoError(t, err)
	require.Equal(t, "2000.12345678", point.Price.String())
	require.Equal(t, uint8(8), point.Decimals())
	require.True(t, point.UpdatedAt.Equal(now))
}

func TestFeedPublisherRejectsUnknownUpdater(t *testing.T) {
	feed := coreoracle.NewFeed("icd-oracle")
	pub := FeedPublisher{Feed: feed, Updater: "mallory", Decimals: 8}
	err := pub.PublishPrice(context.Background(), Update{Asset: "WBTC", Median: mustRat("1"), Time: time.Now()})
	require.Error(t, err)
	err = FeedPublisher{Feed: feed, Updater: "icd-oracle", Decimals: 2}.PublishPrice(context.Background(), Update{Asset: "WBTC", Median: mustRat("0.001"), Time: time.Now()})
	require.ErrorContains(t, err, "rounds to zero")
}

func TestComputeMedianEven(t *testing.T) {
	median := computeMedian([]*big.Rat{mustRat("1"), mustRat("4"), mustRat("2"), mustRat("3")})
	require.Equal(t, "2.5", median.FloatString(1))
}

func mustRat(value string) *big.Rat {
	rat, ok := new(big.Rat).SetString(value)
	if !ok {
		panic("invalid rat")
	}
	return rat
}
