// Package store provides the Postgres-backed observation, forecast, item
// and audit stores plus the filesystem model store used by the
// forecasting core.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
)

// Store wraps the shared database handle.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// ObservationStore is the durable Postgres log of inventory observations.
// Duplicate timestamps per item are tolerated; the later write wins.
type ObservationStore struct {
	*Store
}

func NewObservationStore(s *Store) *ObservationStore { return &ObservationStore{Store: s} }

func (s *ObservationStore) Append(ctx context.Context, obs forecast.Observation) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO observations (item_id, ts, quantity, source)
VALUES ($1,$2,$3,$4)
ON CONFLICT (item_id, ts) DO UPDATE SET quantity = EXCLUDED.quantity, source = EXCLUDED.source
`, obs.ItemID, obs.Timestamp, obs.Quantity, obs.Source)
	if err != nil {
		return fmt.Errorf("append observation: %w", err)
	}
	return nil
}

// Range returns observations for itemID in [from, to], oldest first. A zero
// from means the beginning of the log.
func (s *ObservationStore) Range(ctx context.Context, itemID string, from, to time.Time) (forecast.ObservationIterator, error) {
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT item_id, ts, quantity, source
FROM observations
WHERE item_id=$1 AND ts >= $2 AND ts <= $3
ORDER BY ts ASC
`, itemID, from, to)
	if err != nil {
		return nil, fmt.Errorf("range observations: %w", err)
	}
	return &observationRows{rows: rows}, nil
}

func (s *ObservationStore) Last(ctx context.Context, itemID string) (forecast.Observation, bool, error) {
	var obs forecast.Observation
	err := s.DB.QueryRowContext(ctx, `
SELECT item_id, ts, quantity, source
FROM observations
WHERE item_id=$1
ORDER BY ts DESC
LIMIT 1
`, itemID).Scan(&obs.ItemID, &obs.Timestamp, &obs.Quantity, &obs.Source)
	if err == sql.ErrNoRows {
		return forecast.Observation{}, false, nil
	}
	if err != nil {
		return forecast.Observation{}, false, fmt.Errorf("last observation: %w", err)
	}
	return obs, true, nil
}

func (s *ObservationStore) ListItemIDs(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT item_id FROM observations ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("list item ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// observationRows adapts sql.Rows to the oldest-first iterator contract.
type observationRows struct {
	rows *sql.Rows
}

func (r *observationRows) Next() (forecast.Observation, bool, error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return forecast.Observation{}, false, fmt.Errorf("observation cursor: %w", err)
		}
		return forecast.Observation{}, false, nil
	}
	var obs forecast.Observation
	if err := r.rows.Scan(&obs.ItemID, &obs.Timestamp, &obs.Quantity, &obs.Source); err != nil {
		return forecast.Observation{}, false, fmt.Errorf("scan observation: %w", err)
	}
	return obs, true, nil
}

func (r *observationRows) Close() error { return r.rows.Close() }
