package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "github.com/glebarez/sqlite"

	"icreserve/core/types"
)

// Storage keeps the daemon's price history and event journal. Issuance state
// itself lives in the LevelDB state directory, not here.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("icd storage path must be configured")
	// ErrNotFound is returned when a lookup has no rows.
	ErrNotFound = errors.New("icd storage: not found")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.PingContext(ctx)
}

// Sample is one raw quote from a single source.
type Sample struct {
	Asset      string
	Source     string
	Rate       string
	ObservedAt time.Time
	RecordedAt time.Time
}

// RecordSample persists a raw quote.
func (s *Storage) RecordSample(ctx context.Context, asset, source string, rate *big.Rat, observed, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if rate == nil {
		return fmt.Errorf("quote missing rate")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(asset, source, rate, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, assetKey(asset), strings.ToLower(strings.TrimSpace(source)), rate.FloatString(18), observed.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// Samples returns the samples for asset observed at or after since, oldest
// first.
func (s *Storage) Samples(ctx context.Context, asset string, since time.Time) ([]Sample, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT asset, source, rate, observed_at, recorded_at
        FROM oracle_samples
        WHERE asset = ? AND observed_at >= ?
        ORDER BY observed_at ASC, id ASC
    `, assetKey(asset), since.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()
	out := make([]Sample, 0)
	for rows.Next() {
		var (
			sample   Sample
			observed int64
		)
		if err := rows.Scan(&sample.Asset, &sample.Source, &sample.Rate, &observed, &sample.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		sample.ObservedAt = time.Unix(observed, 0).UTC()
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate samples: %w", err)
	}
	return out, nil
}

// PruneSamples removes samples observed before the cutoff.
func (s *Storage) PruneSamples(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM oracle_samples WHERE observed_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune samples: %w", err)
	}
	return res.RowsAffected()
}

// Snapshot captures an aggregated median price.
type Snapshot struct {
	Asset      string
	Median     string
	Feeders    []string
	ProofID    string
	ObservedAt time.Time
	RecordedAt time.Time
}

// RecordSnapshot stores the aggregated median snapshot.
func (s *Storage) RecordSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	recorded := snap.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_snapshots(asset, median, feeders, proof_id, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, assetKey(snap.Asset), strings.TrimSpace(snap.Median), strings.Join(snap.Feeders, ","), snap.ProofID, snap.ObservedAt.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent aggregated median for asset.
func (s *Storage) LatestSnapshot(ctx context.Context, asset string) (Snapshot, error) {
	result := Snapshot{}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT asset, median, feeders, proof_id, observed_at, recorded_at
        FROM oracle_snapshots
        WHERE asset = ?
        ORDER BY id DESC
        LIMIT 1
    `, assetKey(asset))
	var (
		feeders  string
		observed int64
	)
	if err := row.Scan(&result.Asset, &result.Median, &feeders, &result.ProofID, &observed, &result.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, fmt.Errorf("snapshot for %s: %w", assetKey(asset), ErrNotFound)
		}
		return result, fmt.Errorf("query snapshot: %w", err)
	}
	if feeders != "" {
		result.Feeders = strings.Split(feeders, ",")
	}
	result.ObservedAt = time.Unix(observed, 0).UTC()
	return result, nil
}

// RecordEvent appends a rendered event to the journal.
func (s *Storage) RecordEvent(ctx context.Context, evt types.Event) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	emitted := evt.EmittedAt
	if emitted.IsZero() {
		emitted = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO events(event_id, type, attributes, emitted_at)
        VALUES(?, ?, ?, ?)
    `, evt.ID, evt.Type, string(attrs), emitted.UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit journal entries, newest first. An empty
// eventType matches every type.
func (s *Storage) RecentEvents(ctx context.Context, eventType string, limit int) ([]types.Event, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT event_id, type, attributes, emitted_at
        FROM events
        WHERE (? = '' OR type = ?)
        ORDER BY id DESC
        LIMIT ?
    `, eventType, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	out := make([]types.Event, 0)
	for rows.Next() {
		var (
			evt   types.Event
			attrs string
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &attrs, &evt.EmittedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if attrs != "" {
			if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
		}
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func assetKey(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

const schema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    source TEXT NOT NULL,
    rate TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_asset_ts ON oracle_samples(asset, observed_at);

CREATE TABLE IF NOT EXISTS oracle_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    asset TEXT NOT NULL,
    median TEXT NOT NULL,
    feeders TEXT NOT NULL,
    proof_id TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_snapshots_asset ON oracle_snapshots(asset, id);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    type TEXT NOT NULL,
    attributes TEXT NOT NULL,
    emitted_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, id);
`
