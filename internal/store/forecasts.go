package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
)

// ForecastStore keeps the latest forecast record per (item, horizon).
type ForecastStore struct {
	*Store
}

func NewForecastStore(s *Store) *ForecastStore { return &ForecastStore{Store: s} }

func (s *ForecastStore) Upsert(ctx context.Context, f forecast.Forecast) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO forecasts (forecast_id, item_id, horizon_days, created_at, model_version, trajectory, lower95, upper95,
  days_until_runout, predicted_runout_date, confidence, recommended_order_date, recommended_quantity, features_used)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (item_id, horizon_days) DO UPDATE SET
  forecast_id = EXCLUDED.forecast_id,
  created_at = EXCLUDED.created_at,
  model_version = EXCLUDED.model_version,
  trajectory = EXCLUDED.trajectory,
  lower95 = EXCLUDED.lower95,
  upper95 = EXCLUDED.upper95,
  days_until_runout = EXCLUDED.days_until_runout,
  predicted_runout_date = EXCLUDED.predicted_runout_date,
  confidence = EXCLUDED.confidence,
  recommended_order_date = EXCLUDED.recommended_order_date,
  recommended_quantity = EXCLUDED.recommended_quantity,
  features_used = EXCLUDED.features_used,
  actual_runout_date = NULL
`, f.ForecastID, f.ItemID, f.HorizonDays, f.CreatedAt, int64(f.ModelVersion),
		pq.Array(f.Trajectory), pq.Array(f.Lower95), pq.Array(f.Upper95),
		f.DaysUntilRunout, f.PredictedRunoutDate, f.Confidence,
		f.RecommendedOrderDate, f.RecommendedQuantity, pq.Array(f.FeaturesUsed))
	if err != nil {
		return fmt.Errorf("upsert forecast: %w", err)
	}
	return nil
}

func (s *ForecastStore) GetLatest(ctx context.Context, itemID string) (forecast.Forecast, bool, error) {
	var (
		f          forecast.Forecast
		version    int64
		trajectory pq.Float64Array
		lower      pq.Float64Array
		upper      pq.Float64Array
		features   pq.StringArray
		runoutDate sql.NullTime
		orderDate  sql.NullTime
		actualDate sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT forecast_id, item_id, horizon_days, created_at, model_version, trajectory, lower95, upper95,
  days_until_runout, predicted_runout_date, confidence, recommended_order_date, recommended_quantity,
  features_used, actual_runout_date
FROM forecasts
WHERE item_id=$1
ORDER BY created_at DESC
LIMIT 1
`, itemID).Scan(&f.ForecastID, &f.ItemID, &f.HorizonDays, &f.CreatedAt, &version,
		&trajectory, &lower, &upper, &f.DaysUntilRunout, &runoutDate, &f.Confidence,
		&orderDate, &f.RecommendedQuantity, &features, &actualDate)
	if err == sql.ErrNoRows {
		return forecast.Forecast{}, false, nil
	}
	if err != nil {
		return forecast.Forecast{}, false, fmt.Errorf("get latest forecast: %w", err)
	}
	f.ModelVersion = uint64(version)
	f.Trajectory = trajectory
	f.Lower95 = lower
	f.Upper95 = upper
	f.FeaturesUsed = features
	if runoutDate.Valid {
		t := runoutDate.Time
		f.PredictedRunoutDate = &t
	}
	if orderDate.Valid {
		t := orderDate.Time
		f.RecommendedOrderDate = &t
	}
	if actualDate.Valid {
		t := actualDate.Time
		f.ActualRunoutDate = &t
	}
	return f, true, nil
}

// SetActual records the observed run-out date on the latest forecast so
// accuracy can be measured afterwards.
func (s *ForecastStore) SetActual(ctx context.Context, itemID string, date time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE forecasts SET actual_runout_date=$2
WHERE item_id=$1 AND created_at = (SELECT MAX(created_at) FROM forecasts WHERE item_id=$1)
`, itemID, date)
	if err != nil {
		return fmt.Errorf("set actual runout: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("set actual runout: no forecast for item %s", itemID)
	}
	return nil
}
