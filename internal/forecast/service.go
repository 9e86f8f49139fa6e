package forecast

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceOptions tune the public facade. Zero values use the defaults.
type ServiceOptions struct {
	HorizonMaxDays      int           // clamp on forecast horizon
	OrderLeadDays       int           // offset from run-out to order-by
	DefaultConfidence   float64       // trajectory band width
	LowStockConfidence  float64       // minimum confidence for low_stock hits
	MaxParallelForecast int           // bounded fan-out for batch_forecast
	PerItemTimeout      time.Duration // cap on a single batched forecast
	RunoutProbeMaxDays  int
	Clock               func() time.Time
}

func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		HorizonMaxDays:      90,
		OrderLeadDays:       3,
		DefaultConfidence:   0.95,
		LowStockConfidence:  0.5,
		MaxParallelForecast: 8,
		PerItemTimeout:      time.Second,
		RunoutProbeMaxDays:  90,
		Clock:               time.Now,
	}
}

func (o ServiceOptions) withDefaults() ServiceOptions {
	def := DefaultServiceOptions()
	if o.HorizonMaxDays == 0 {
		o.HorizonMaxDays = def.HorizonMaxDays
	}
	if o.OrderLeadDays == 0 {
		o.OrderLeadDays = def.OrderLeadDays
	}
	if o.DefaultConfidence == 0 {
		o.DefaultConfidence = def.DefaultConfidence
	}
	if o.LowStockConfidence == 0 {
		o.LowStockConfidence = def.LowStockConfidence
	}
	if o.MaxParallelForecast == 0 {
		o.MaxParallelForecast = def.MaxParallelForecast
	}
	if o.PerItemTimeout == 0 {
		o.PerItemTimeout = def.PerItemTimeout
	}
	if o.RunoutProbeMaxDays == 0 {
		o.RunoutProbeMaxDays = def.RunoutProbeMaxDays
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Service is the public facade over the forecasting core. Synchronous from
// the caller's perspective; concurrency lives behind the trainer's
// per-item locks and the bounded batch fan-out.
type Service struct {
	trainer   *Trainer
	obs       ObservationStore
	forecasts ForecastStore
	audit     AuditSink
	features  *FeatureBuilder
	opts      ServiceOptions
	logger    *log.Logger
}

func NewService(trainer *Trainer, obs ObservationStore, forecasts ForecastStore, audit AuditSink, features *FeatureBuilder, opts ServiceOptions, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.New(log.Writer(), "[FORECAST] ", log.LstdFlags)
	}
	return &Service{
		trainer:   trainer,
		obs:       obs,
		forecasts: forecasts,
		audit:     audit,
		features:  features,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

func (s *Service) now() time.Time { return s.opts.Clock() }

// Ingest validates and appends one observation, then folds it into the
// item's model. Rejections are typed and audited; trainer state is
// untouched on rejection.
func (s *Service) Ingest(ctx context.Context, obs Observation, desc ItemDescriptor) (UpdateResult, error) {
	if math.IsNaN(obs.Quantity) || math.IsInf(obs.Quantity, 0) || obs.Quantity < 0 {
		s.auditEvent(ctx, AuditObservationRejected, obs.ItemID, AuditFailure, map[string]interface{}{
			"reason": "negative or non-finite quantity", "source": obs.Source,
		})
		return UpdateResult{}, newError(KindInvalidObservation, obs.ItemID, "quantity %v is negative or non-finite", obs.Quantity)
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = s.now()
	}

	if err := withRetry(ctx, func(ctx context.Context) error { return s.obs.Append(ctx, obs) }); err != nil {
		return UpdateResult{}, wrapError(KindStoreUnavailable, obs.ItemID, err, "observation append failed")
	}
	return s.trainer.Observe(ctx, obs, desc)
}

// Forecast simulates the item's quantity trajectory over horizonDays and
// derives the run-out day, order-by date and recommended quantity. The
// resulting record is persisted idempotently per (item_id, horizon_days).
func (s *Service) Forecast(ctx context.Context, itemID string, horizonDays int, desc ItemDescriptor) (Forecast, error) {
	if horizonDays < 1 || horizonDays > s.opts.HorizonMaxDays {
		return Forecast{}, newError(KindHorizonExceeded, itemID, "horizon %d outside [1, %d]", horizonDays, s.opts.HorizonMaxDays)
	}
	if err := ctx.Err(); err != nil {
		return Forecast{}, wrapError(KindCancelled, itemID, err, "forecast cancelled")
	}

	snap, err := s.trainer.Snapshot(ctx, itemID, desc)
	if err != nil {
		return Forecast{}, err
	}
	model := &Model{Params: snap.Params}
	now := s.now()

	series := s.features.BuildSeries(now, maxInt(horizonDays, s.opts.RunoutProbeMaxDays), desc)
	quantities, sigmas := model.Simulate(snap.State, snap.Cov, horizonDays, series)
	lower, upper := ConfidenceBand(quantities, sigmas, s.opts.DefaultConfidence)

	threshold := desc.QuantityMin
	if threshold < 0 {
		threshold = 0
	}
	runoutDays, confidence := model.RunoutProbe(snap.State, snap.Cov, threshold, s.opts.RunoutProbeMaxDays, series)

	f := Forecast{
		ForecastID:          uuid.NewString(),
		ItemID:              itemID,
		CreatedAt:           now,
		ModelVersion:        snap.Version,
		HorizonDays:         horizonDays,
		Trajectory:          quantities,
		Lower95:             lower,
		Upper95:             upper,
		DaysUntilRunout:     runoutDays,
		Confidence:          confidence,
		FeaturesUsed:        FeatureNames,
		RecommendedQuantity: s.recommendQuantity(quantities, runoutDays, desc),
	}
	if runoutDays > 0 {
		runoutDate := now.AddDate(0, 0, runoutDays)
		orderDate := runoutDate.AddDate(0, 0, -s.opts.OrderLeadDays)
		f.PredictedRunoutDate = &runoutDate
		f.RecommendedOrderDate = &orderDate
	}

	if err := withRetry(ctx, func(ctx context.Context) error { return s.forecasts.Upsert(ctx, f) }); err != nil {
		return Forecast{}, wrapError(KindStoreUnavailable, itemID, err, "forecast upsert failed")
	}
	s.auditEvent(ctx, AuditForecastGenerated, itemID, AuditSuccess, map[string]interface{}{
		"horizon_days": horizonDays, "days_until_runout": runoutDays, "confidence": confidence,
	})
	return f, nil
}

// recommendQuantity fills back up to quantity_max at the predicted runout
// point, clamped to [minimum order unit, quantity_max].
func (s *Service) recommendQuantity(quantities []float64, runoutDays int, desc ItemDescriptor) float64 {
	qAtRunout := 0.0
	if runoutDays > 0 && runoutDays <= len(quantities) {
		qAtRunout = math.Max(0, quantities[runoutDays-1])
	} else if len(quantities) > 0 {
		qAtRunout = math.Max(0, quantities[len(quantities)-1])
	}
	rec := desc.QuantityMax - qAtRunout
	minUnit := desc.MinOrderUnit
	if minUnit <= 0 {
		minUnit = 1
	}
	if rec < minUnit {
		rec = minUnit
	}
	if desc.QuantityMax > 0 && rec > desc.QuantityMax {
		rec = desc.QuantityMax
	}
	return rec
}

// BatchItem pairs an item with its descriptor for batch forecasting.
type BatchItem struct {
	ItemID     string
	Descriptor ItemDescriptor
}

// BatchResult is the per-item outcome of a batch forecast.
type BatchResult struct {
	ItemID   string
	Forecast Forecast
	Err      error
}

// BatchForecast runs Forecast concurrently over items with bounded
// fan-out. Cancellation is checked between items; an in-flight item either
// fully persists its forecast record or leaves the previous one intact.
func (s *Service) BatchForecast(ctx context.Context, items []BatchItem, horizonDays int) []BatchResult {
	results := make([]BatchResult, len(items))
	sem := make(chan struct{}, s.opts.MaxParallelForecast)
	var wg sync.WaitGroup

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			results[i] = BatchResult{ItemID: item.ItemID, Err: wrapError(KindCancelled, item.ItemID, err, "batch cancelled")}
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item BatchItem) {
			defer wg.Done()
			defer func() { <-sem }()
			itemCtx, cancel := context.WithTimeout(ctx, s.opts.PerItemTimeout)
			defer cancel()
			f, err := s.Forecast(itemCtx, item.ItemID, horizonDays, item.Descriptor)
			results[i] = BatchResult{ItemID: item.ItemID, Forecast: f, Err: err}
		}(i, item)
	}
	wg.Wait()
	return results
}

// LowStock returns the ids of items whose latest stored forecast predicts a
// run-out within the window with sufficient confidence.
func (s *Service) LowStock(ctx context.Context, withinDays int) ([]string, error) {
	ids, err := s.obs.ListItemIDs(ctx)
	if err != nil {
		return nil, wrapError(KindStoreUnavailable, "", err, "item enumeration failed")
	}
	var out []string
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, wrapError(KindCancelled, "", err, "low stock scan cancelled")
		}
		f, ok, err := s.forecasts.GetLatest(ctx, id)
		if err != nil {
			return nil, wrapError(KindStoreUnavailable, id, err, "forecast lookup failed")
		}
		if !ok || f.DaysUntilRunout <= 0 {
			continue
		}
		if f.DaysUntilRunout <= withinDays && f.Confidence >= s.opts.LowStockConfidence {
			out = append(out, id)
		}
	}
	return out, nil
}

// RecordActualRunout stores the observed run-out date against the latest
// forecast for accuracy measurement.
func (s *Service) RecordActualRunout(ctx context.Context, itemID string, date time.Time) error {
	if err := withRetry(ctx, func(ctx context.Context) error { return s.forecasts.SetActual(ctx, itemID, date) }); err != nil {
		return wrapError(KindStoreUnavailable, itemID, err, "actual runout update failed")
	}
	return nil
}

// Performance exposes the rolling accuracy stats for an item.
func (s *Service) Performance(itemID string) (TrainingStats, bool) {
	return s.trainer.Performance(itemID)
}

// TrainAll retrains every listed item that is due (or all of them when
// force is set): an explicit "train everything now" entry point for hosts.
func (s *Service) TrainAll(ctx context.Context, items []BatchItem, force bool) (trained, skipped, failed int) {
	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if !force {
			due, err := s.trainer.NeedsRetrain(ctx, item.ItemID, item.Descriptor)
			if err != nil || !due {
				skipped++
				continue
			}
		}
		if err := s.trainer.Retrain(ctx, item.ItemID, item.Descriptor); err != nil {
			s.logger.Printf("train-all: retrain failed for %s: %v", item.ItemID, err)
			failed++
			continue
		}
		trained++
	}
	return
}

func (s *Service) auditEvent(ctx context.Context, action, itemID, outcome string, details map[string]interface{}) {
	if s.audit == nil {
		return
	}
	ev := AuditEvent{Timestamp: s.now(), ActionType: action, ItemID: itemID, Outcome: outcome, Details: details}
	if err := s.audit.Log(ctx, ev); err != nil {
		s.logger.Printf("audit log failed (%s): %v", action, err)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
