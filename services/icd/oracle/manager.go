package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"icreserve/native/fixed"
	coreoracle "icreserve/native/oracle"
	"icreserve/observability"
	"icreserve/services/icd/storage"
)

// Quote is a USD price observed by one source.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
}

// Source resolves the USD price of a reserve asset.
type Source interface {
	Name() string
	Fetch(ctx context.Context, asset string) (Quote, error)
}

// Update is an aggregated median ready to be published.
type Update struct {
	Asset   string
	Median  *big.Rat
	Feeders []string
	ProofID string
	Time    time.Time
}

// Publisher forwards aggregated prices to the issuance core.
type Publisher interface {
	PublishPrice(ctx context.Context, update Update) error
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, update Update) error

// PublishPrice implements Publisher.
func (f PublisherFunc) PublishPrice(ctx context.Context, update Update) error {
	if f == nil {
		return nil
	}
	return f(ctx, update)
}

// FeedPublisher writes medians into the in-process price feed under an
// authorised updater identity.
type FeedPublisher struct {
	Feed     *coreoracle.Feed
	Updater  string
	Decimals uint8
}

// PublishPrice implements Publisher.
func (p FeedPublisher) PublishPrice(_ context.Context, update Update) error {
	price, err := fixed.PriceFromRat(update.Median, p.Decimals)
	if err != nil {
		return fmt.Errorf("scale median: %w", err)
	}
	if price.IsZero() {
		return fmt.Errorf("median for %s rounds to zero at %d decimals", update.Asset, p.Decimals)
	}
	if err := p.Feed.Update(p.Updater, update.Asset, price, update.Time); err != nil {
		return err
	}
	observability.Oracle().RecordPrice(update.Asset, price.Raw(), price.Decimals())
	return nil
}

// Manager polls the configured sources and publishes the median of fresh
// quotes for every tracked asset.
type Manager struct {
	logger    *slog.Logger
	storage   *storage.Storage
	sources   []Source
	assets    []string
	minFeeds  int
	maxAge    time.Duration
	interval  time.Duration
	publisher Publisher
	now       func() time.Time
	once      sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithPublisher overrides the default publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New constructs a manager instance.
func New(store *storage.Storage, sources []Source, assets []string, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("at least one asset required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		storage:  store,
		sources:  append([]Source{}, sources...),
		assets:   append([]string{}, assets...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.publisher == nil {
		mgr.publisher = PublisherFunc(func(context.Context, Update) error { return nil })
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	return mgr, nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", slog.Int("sources", len(m.sources)), slog.Any("assets", m.assets))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle. Every asset is attempted; the
// first failure is returned after the cycle completes.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var first error
	for _, asset := range m.assets {
		if err := m.processAsset(ctx, asset); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) processAsset(ctx context.Context, asset string) error {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if symbol == "" {
		return fmt.Errorf("invalid asset configuration")
	}
	now := m.now()
	metrics := observability.Oracle()
	rates := make([]*big.Rat, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx, symbol)
		if err == nil {
			err = m.checkQuote(quote, now)
		}
		metrics.RecordSample(src.Name(), err)
		if err != nil {
			m.logger.Warn("oracle source rejected",
				slog.String("source", src.Name()),
				slog.String("asset", symbol),
				slog.Any("error", err))
			continue
		}
		metrics.RecordFreshness(symbol, now.Sub(quote.Timestamp))
		feeders = append(feeders, src.Name())
		rates = append(rates, new(big.Rat).Set(quote.Rate))
		if err := m.storage.RecordSample(ctx, symbol, src.Name(), quote.Rate, quote.Timestamp, now); err != nil {
			m.logger.Warn("record oracle sample", slog.Any("error", err))
		}
	}
	if len(rates) < m.minFeeds {
		return fmt.Errorf("insufficient oracle feeds for %s: %d of %d", symbol, len(rates), m.minFeeds)
	}
	median := computeMedian(rates)
	if median == nil || median.Sign() <= 0 {
		return fmt.Errorf("median computation failed for %s", symbol)
	}
	proof := proofID(symbol, feeders, now)
	snap := storage.Snapshot{Asset: symbol, Median: median.FloatString(18), Feeders: feeders, ProofID: proof, ObservedAt: now, RecordedAt: now}
	if err := m.storage.RecordSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	update := Update{Asset: symbol, Median: median, Feeders: feeders, ProofID: proof, Time: now}
	if err := m.publisher.PublishPrice(ctx, update); err != nil {
		return fmt.Errorf("publish %s: %w", symbol, err)
	}
	return nil
}

func (m *Manager) checkQuote(q Quote, now time.Time) error {
	if q.Rate == nil || q.Rate.Sign() <= 0 {
		return fmt.Errorf("invalid rate")
	}
	if q.Timestamp.After(now.Add(5 * time.Second)) {
		return fmt.Errorf("future timestamp %s", q.Timestamp.UTC().Format(time.RFC3339))
	}
	if q.Timestamp.Before(now.Add(-m.maxAge)) {
		return fmt.Errorf("quote expired at %s", q.Timestamp.UTC().Format(time.RFC3339))
	}
	return nil
}

func computeMedian(rates []*big.Rat) *big.Rat {
	if len(rates) == 0 {
		return nil
	}
	sorted := append([]*big.Rat(nil), rates...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

func proofID(asset string, feeders []string, ts time.Time) string {
	digest := sha256.New()
	digest.Write([]byte(asset))
	digest.Write([]byte("/USD"))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
