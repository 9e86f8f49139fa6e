package forecast

import (
	"container/list"
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// DescriptorSource resolves item descriptors from the inventory subsystem.
type DescriptorSource interface {
	Get(ctx context.Context, itemID string) (ItemDescriptor, bool, error)
}

// TrainerOptions tune the online learning loop. Zero values are replaced by
// the defaults from DefaultTrainerOptions.
type TrainerOptions struct {
	EWMAAlpha          float64       // stabilizer weight on gradient-updated B
	LearningRate       float64       // gradient step size on B
	RetrainInterval    time.Duration // periodic full-retrain cadence
	RetrainErrorFactor float64       // early trigger at factor * quantity_max
	MinPersistInterval time.Duration // rate limit on checkpoint writes
	BackfillWindow     time.Duration // oldest acceptable backfill observation
	RetrainTimeout     time.Duration // cap on a single full retrain
	MaxRetrainPasses   int
	MaxEntries         int     // bounded LRU registry size
	RestockBuffer      float64 // quantity increase above this is a restock
	Clock              func() time.Time
}

func DefaultTrainerOptions() TrainerOptions {
	return TrainerOptions{
		EWMAAlpha:          0.3,
		LearningRate:       1e-3,
		RetrainInterval:    7 * 24 * time.Hour,
		RetrainErrorFactor: 0.5,
		MinPersistInterval: 60 * time.Second,
		BackfillWindow:     90 * 24 * time.Hour,
		RetrainTimeout:     30 * time.Second,
		MaxRetrainPasses:   3,
		MaxEntries:         1024,
		RestockBuffer:      0.05,
		Clock:              time.Now,
	}
}

func (o TrainerOptions) withDefaults() TrainerOptions {
	def := DefaultTrainerOptions()
	if o.EWMAAlpha == 0 {
		o.EWMAAlpha = def.EWMAAlpha
	}
	if o.LearningRate == 0 {
		o.LearningRate = def.LearningRate
	}
	if o.RetrainInterval == 0 {
		o.RetrainInterval = def.RetrainInterval
	}
	if o.RetrainErrorFactor == 0 {
		o.RetrainErrorFactor = def.RetrainErrorFactor
	}
	if o.MinPersistInterval == 0 {
		o.MinPersistInterval = def.MinPersistInterval
	}
	if o.BackfillWindow == 0 {
		o.BackfillWindow = def.BackfillWindow
	}
	if o.RetrainTimeout == 0 {
		o.RetrainTimeout = def.RetrainTimeout
	}
	if o.MaxRetrainPasses == 0 {
		o.MaxRetrainPasses = def.MaxRetrainPasses
	}
	if o.MaxEntries == 0 {
		o.MaxEntries = def.MaxEntries
	}
	if o.RestockBuffer == 0 {
		o.RestockBuffer = def.RestockBuffer
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// warm-start provenance, recorded per entry for diagnostics.
const (
	warmStartItem     = "item"
	warmStartCategory = "category"
	warmStartDefault  = "default"
)

type registryEntry struct {
	mu sync.Mutex

	itemID  string
	modelID uuid.UUID
	params  Parameters
	state   *mat.VecDense
	cov     *mat.Dense
	stats   TrainingStats

	version       uint64 // last persisted checkpoint version
	warmStart     string
	prevQuantity  float64
	lastObsAt     time.Time
	lastRetrainAt time.Time
	lastPersistAt time.Time
	dirty         bool

	retrainFailures int

	lruElem *list.Element
}

// UpdateResult reports the outcome of folding one observation.
type UpdateResult struct {
	PredictionError  float64
	EWMAError        float64
	MAE              float64
	RMSE             float64
	Restock          bool
	Refiltered       bool
	ObservationsSeen uint64
}

// ModelSnapshot is an immutable copy of an item's model, safe to simulate
// from without holding the per-item lock.
type ModelSnapshot struct {
	ModelID   uuid.UUID
	Version   uint64
	WarmStart string
	Params    Parameters
	State     *mat.VecDense
	Cov       *mat.Dense
	Stats     TrainingStats
}

// Trainer owns the per-item model registry and drives filter, gradient and
// retrain updates. All per-item mutation happens under that item's mutex;
// items never contend with each other.
type Trainer struct {
	opts     TrainerOptions
	obs      ObservationStore
	models   ModelStore
	audit    AuditSink
	features *FeatureBuilder
	logger   *log.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry
	lru     *list.List // front = most recently used
}

func NewTrainer(obs ObservationStore, models ModelStore, audit AuditSink, features *FeatureBuilder, opts TrainerOptions, logger *log.Logger) *Trainer {
	if logger == nil {
		logger = log.New(log.Writer(), "[TRAINER] ", log.LstdFlags)
	}
	return &Trainer{
		opts:     opts.withDefaults(),
		obs:      obs,
		models:   models,
		audit:    audit,
		features: features,
		logger:   logger,
		entries:  make(map[string]*registryEntry),
		lru:      list.New(),
	}
}

func (t *Trainer) now() time.Time { return t.opts.Clock() }

// Observe folds one observation into the item's model: Kalman filter step,
// gradient step on B with the EWMA stabilizer, stats update, and a
// rate-limited checkpoint write.
func (t *Trainer) Observe(ctx context.Context, obs Observation, desc ItemDescriptor) (UpdateResult, error) {
	if math.IsNaN(obs.Quantity) || math.IsInf(obs.Quantity, 0) || obs.Quantity < 0 {
		t.auditEvent(ctx, AuditObservationRejected, obs.ItemID, AuditFailure, map[string]interface{}{
			"reason": "negative or non-finite quantity", "quantity": obs.Quantity,
		})
		return UpdateResult{}, newError(KindInvalidObservation, obs.ItemID, "quantity %v is negative or non-finite", obs.Quantity)
	}

	entry, err := t.getOrLoad(ctx, obs.ItemID, desc)
	if err != nil {
		return UpdateResult{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.lastObsAt.IsZero() && obs.Timestamp.Before(entry.lastObsAt) {
		lag := entry.lastObsAt.Sub(obs.Timestamp)
		if lag > t.opts.BackfillWindow {
			t.auditEvent(ctx, AuditObservationRejected, obs.ItemID, AuditFailure, map[string]interface{}{
				"reason": "older than backfill window", "lag_hours": lag.Hours(),
			})
			return UpdateResult{}, newError(KindInvalidObservation, obs.ItemID,
				"observation at %s is %.0fh older than last processed", obs.Timestamp.Format(time.RFC3339), lag.Hours())
		}
		if err := t.refilterLocked(ctx, entry, desc); err != nil {
			return UpdateResult{}, err
		}
		t.maybePersistLocked(ctx, entry)
		return UpdateResult{
			Refiltered:       true,
			EWMAError:        entry.stats.EWMAError,
			MAE:              entry.stats.MAE,
			RMSE:             entry.stats.RMSE,
			ObservationsSeen: entry.stats.ObservationsSeen,
		}, nil
	}

	res, err := t.stepLocked(ctx, entry, obs, desc)
	if err != nil {
		return UpdateResult{}, err
	}
	t.maybePersistLocked(ctx, entry)
	return res, nil
}

// stepLocked applies a single predict/update/gradient cycle. Caller holds
// the entry lock.
func (t *Trainer) stepLocked(ctx context.Context, entry *registryEntry, obs Observation, desc ItemDescriptor) (UpdateResult, error) {
	model := &Model{Params: entry.params}

	// Restock: inventory increased, so reset quantity without learning.
	// Consumption dynamics survive the reset.
	if obs.Quantity > entry.prevQuantity+t.opts.RestockBuffer {
		t.logger.Printf("restock detected for %s (%.2f -> %.2f), state reset without learning",
			entry.itemID, entry.prevQuantity, obs.Quantity)
		entry.state, entry.cov = model.Restock(entry.state, entry.cov, obs.Quantity)
		entry.prevQuantity = obs.Quantity
		entry.lastObsAt = obs.Timestamp
		entry.dirty = true
		return UpdateResult{
			Restock:          true,
			EWMAError:        entry.stats.EWMAError,
			MAE:              entry.stats.MAE,
			RMSE:             entry.stats.RMSE,
			ObservationsSeen: entry.stats.ObservationsSeen,
		}, nil
	}

	features := t.features.Build(obs.Timestamp, desc)
	predState, predCov, yHat := model.Predict(entry.state, entry.cov, features)
	predErr := obs.Quantity - yHat

	newState, newCov, _, _, err := model.Update(predState, predCov, obs.Quantity, desc.QuantityMax)
	if err != nil {
		// Numerical fault: discard the update, rewind to the last persisted
		// checkpoint and force a retrain at the next scheduler pass.
		t.rewindLocked(ctx, entry, desc)
		return UpdateResult{}, wrapError(KindNumericalFault, entry.itemID, err, "filter update discarded")
	}

	t.gradientStepLocked(entry, features, predErr)
	entry.stats.Update(predErr, t.opts.EWMAAlpha, obs.Timestamp)

	entry.state = newState
	entry.cov = newCov
	entry.prevQuantity = obs.Quantity
	entry.lastObsAt = obs.Timestamp
	entry.dirty = true

	return UpdateResult{
		PredictionError:  predErr,
		EWMAError:        entry.stats.EWMAError,
		MAE:              entry.stats.MAE,
		RMSE:             entry.stats.RMSE,
		ObservationsSeen: entry.stats.ObservationsSeen,
	}, nil
}

// gradientStepLocked minimizes the squared innovation with respect to B
// only. With err = y − ŷ the gradient is ∂err²/∂B = −2·err·Hᵀ·fᵀ, so the
// descent step is B ← B + η·2·err·Hᵀ·fᵀ. Entries are clipped to [-1,1],
// then the EWMA stabilizer B ← (1−α)·B_prev + α·B_new damps the update.
func (t *Trainer) gradientStepLocked(entry *registryEntry, features []float64, predErr float64) {
	alpha := t.opts.EWMAAlpha
	h := entry.params.H
	for i := 0; i < StateDim; i++ {
		hi := h.AtVec(i)
		if hi == 0 {
			continue
		}
		for j := 0; j < FeatureDim; j++ {
			prev := entry.params.B.At(i, j)
			next := prev + t.opts.LearningRate*2*predErr*hi*features[j]
			if next > 1 {
				next = 1
			} else if next < -1 {
				next = -1
			}
			entry.params.B.Set(i, j, (1-alpha)*prev+alpha*next)
		}
	}
}

// refilterLocked rebuilds the model from its warm start and re-folds the
// full persisted history in timestamp order. Used for in-window backfill:
// the resulting state matches what in-order ingestion would have produced.
func (t *Trainer) refilterLocked(ctx context.Context, entry *registryEntry, desc ItemDescriptor) error {
	history, err := t.loadHistory(ctx, entry.itemID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	params, warmStart := t.warmStartParams(desc.Category)
	state, cov := InitializeState(desc.QuantityCurrent, history[:1], t.categoryRate(desc.Category), desc.QuantityMax)

	folded, err := t.fold(ctx, params, state, cov, desc.QuantityCurrent, history, desc)
	if err != nil {
		return wrapError(KindNumericalFault, entry.itemID, err, "refilter failed")
	}

	entry.params = folded.params
	entry.state = folded.state
	entry.cov = folded.cov
	entry.stats = folded.stats
	entry.warmStart = warmStart
	entry.prevQuantity = history[len(history)-1].Quantity
	entry.lastObsAt = history[len(history)-1].Timestamp
	entry.dirty = true
	t.logger.Printf("refiltered %d observations for %s after backfill", len(history), entry.itemID)
	return nil
}

// rewindLocked restores the entry from its last persisted checkpoint (or a
// fresh warm start when none loads) and marks it due for retrain.
func (t *Trainer) rewindLocked(ctx context.Context, entry *registryEntry, desc ItemDescriptor) {
	cp, ok, err := t.models.Load(ItemKey(entry.itemID))
	if err == nil && ok {
		entry.params = cp.Params
		entry.state = cp.StateVec()
		entry.cov = cp.CovDense()
		entry.stats = cp.Stats
		entry.version = cp.Version
		entry.lastRetrainAt = time.Time{} // force retrain on next tick
		entry.dirty = false
		t.logger.Printf("numerical fault on %s: rewound to checkpoint v%d", entry.itemID, cp.Version)
		return
	}
	params, warmStart := t.warmStartParams(desc.Category)
	entry.params = params
	entry.state, entry.cov = InitializeState(desc.QuantityCurrent, nil, t.categoryRate(desc.Category), desc.QuantityMax)
	entry.stats = TrainingStats{}
	entry.warmStart = warmStart
	entry.lastRetrainAt = time.Time{}
	entry.dirty = true
	t.logger.Printf("numerical fault on %s: no checkpoint, rebuilt from %s warm start", entry.itemID, warmStart)
}

// NeedsRetrain reports whether the item's model is due for a full retrain:
// age beyond the interval, or EWMA error beyond the threshold. After three
// consecutive retrain failures the age trigger is paused; the error trigger
// still applies.
func (t *Trainer) NeedsRetrain(ctx context.Context, itemID string, desc ItemDescriptor) (bool, error) {
	entry, err := t.getOrLoad(ctx, itemID, desc)
	if err != nil {
		return false, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return t.needsRetrainLocked(entry, desc), nil
}

func (t *Trainer) needsRetrainLocked(entry *registryEntry, desc ItemDescriptor) bool {
	threshold := t.opts.RetrainErrorFactor * desc.QuantityMax
	errorDue := threshold > 0 && math.Abs(entry.stats.EWMAError) > threshold
	if errorDue {
		return true
	}
	if entry.retrainFailures >= 3 {
		return false
	}
	return t.now().Sub(entry.lastRetrainAt) >= t.opts.RetrainInterval
}

// Retrain re-fits the item's model from its full observation history. The
// per-item lock is held for the duration; other items are unaffected. On
// failure the prior entry stays active.
func (t *Trainer) Retrain(ctx context.Context, itemID string, desc ItemDescriptor) error {
	entry, err := t.getOrLoad(ctx, itemID, desc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.opts.RetrainTimeout)
	defer cancel()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := t.retrainLocked(ctx, entry, desc); err != nil {
		entry.retrainFailures++
		t.auditEvent(ctx, AuditRetrainFailed, itemID, AuditFailure, map[string]interface{}{
			"error": err.Error(), "consecutive_failures": entry.retrainFailures,
		})
		return wrapError(KindRetrainFailed, itemID, err, "full retrain failed")
	}
	entry.retrainFailures = 0
	entry.lastRetrainAt = t.now()
	t.persistLocked(ctx, entry)
	t.auditEvent(ctx, AuditModelRetrained, itemID, AuditSuccess, map[string]interface{}{
		"observations": entry.stats.ObservationsSeen, "mae": entry.stats.MAE, "rmse": entry.stats.RMSE,
	})
	return nil
}

func (t *Trainer) retrainLocked(ctx context.Context, entry *registryEntry, desc ItemDescriptor) error {
	history, err := t.loadHistory(ctx, entry.itemID)
	if err != nil {
		return err
	}
	if len(history) < 2 {
		t.logger.Printf("retrain skipped for %s: %d observations", entry.itemID, len(history))
		return nil
	}

	params, warmStart := t.warmStartParams(desc.Category)
	var folded *foldResult
	prevMSE := math.Inf(1)
	for pass := 0; pass < t.opts.MaxRetrainPasses; pass++ {
		state, cov := InitializeState(history[0].Quantity, history[:minInt(10, len(history))], t.categoryRate(desc.Category), desc.QuantityMax)
		folded, err = t.fold(ctx, params, state, cov, history[0].Quantity, history, desc)
		if err != nil {
			return err
		}
		params = folded.params
		if prevMSE > 0 && math.Abs(prevMSE-folded.mse)/math.Max(prevMSE, 1e-12) < 0.01 {
			break
		}
		prevMSE = folded.mse
	}

	entry.params = folded.params
	entry.state = folded.state
	entry.cov = folded.cov
	entry.stats = folded.stats
	entry.warmStart = warmStart
	entry.prevQuantity = history[len(history)-1].Quantity
	entry.lastObsAt = history[len(history)-1].Timestamp
	entry.dirty = true
	t.logger.Printf("retrained %s on %d observations (mse=%.4f)", entry.itemID, len(history), folded.mse)
	return nil
}

type foldResult struct {
	params Parameters
	state  *mat.VecDense
	cov    *mat.Dense
	stats  TrainingStats
	mse    float64
}

// fold replays observations through the predict/update/gradient loop with
// restock masking, mirroring the online path exactly. prevQty seeds the
// restock detector the same way the online path does.
func (t *Trainer) fold(ctx context.Context, params Parameters, state *mat.VecDense, cov *mat.Dense, prevQty float64, history []Observation, desc ItemDescriptor) (*foldResult, error) {
	params = params.Clone()
	model := &Model{Params: params}
	stats := TrainingStats{}
	scratch := &registryEntry{params: params}
	var sumSq float64
	var learned int

	for _, obs := range history {
		if err := ctx.Err(); err != nil {
			return nil, wrapError(KindCancelled, desc.ItemID, err, "fold interrupted")
		}
		if obs.Quantity > prevQty+t.opts.RestockBuffer {
			state, cov = model.Restock(state, cov, obs.Quantity)
			prevQty = obs.Quantity
			continue
		}

		features := t.features.Build(obs.Timestamp, desc)
		predState, predCov, yHat := model.Predict(state, cov, features)
		predErr := obs.Quantity - yHat

		var err error
		state, cov, _, _, err = model.Update(predState, predCov, obs.Quantity, desc.QuantityMax)
		if err != nil {
			return nil, err
		}
		t.gradientStepLocked(scratch, features, predErr)
		stats.Update(predErr, t.opts.EWMAAlpha, obs.Timestamp)
		sumSq += predErr * predErr
		learned++
		prevQty = obs.Quantity
	}

	mse := 0.0
	if learned > 0 {
		mse = sumSq / float64(learned)
	}
	return &foldResult{params: params, state: state, cov: cov, stats: stats, mse: mse}, nil
}

// Snapshot returns an immutable copy of the item's model for simulation.
// When the descriptor's current quantity disagrees with the filtered state
// by more than 0.1 units the state is reconciled with a restock reset first.
func (t *Trainer) Snapshot(ctx context.Context, itemID string, desc ItemDescriptor) (ModelSnapshot, error) {
	entry, err := t.getOrLoad(ctx, itemID, desc)
	if err != nil {
		return ModelSnapshot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if math.Abs(entry.state.AtVec(stateQuantity)-desc.QuantityCurrent) > 0.1 {
		model := &Model{Params: entry.params}
		entry.state, entry.cov = model.Restock(entry.state, entry.cov, desc.QuantityCurrent)
		entry.prevQuantity = desc.QuantityCurrent
		entry.dirty = true
	}

	return ModelSnapshot{
		ModelID:   entry.modelID,
		Version:   entry.version,
		WarmStart: entry.warmStart,
		Params:    entry.params.Clone(),
		State:     mat.VecDenseCopyOf(entry.state),
		Cov:       mat.DenseCopyOf(entry.cov),
		Stats:     entry.stats,
	}, nil
}

// Performance returns the rolling accuracy stats for an item already in the
// registry.
func (t *Trainer) Performance(itemID string) (TrainingStats, bool) {
	t.mu.Lock()
	entry, ok := t.entries[itemID]
	t.mu.Unlock()
	if !ok {
		return TrainingStats{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.stats, true
}

// Flush persists every dirty registry entry, ignoring the rate limit. Used
// at shutdown.
func (t *Trainer) Flush(ctx context.Context) {
	t.mu.Lock()
	entries := make([]*registryEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		if e.dirty {
			t.persistLocked(ctx, e)
		}
		e.mu.Unlock()
	}
}

// Forget drops an item's registry entry and deletes its checkpoint. Used
// when the item is removed from the inventory.
func (t *Trainer) Forget(ctx context.Context, itemID string) error {
	t.mu.Lock()
	if entry, ok := t.entries[itemID]; ok {
		t.lru.Remove(entry.lruElem)
		delete(t.entries, itemID)
	}
	t.mu.Unlock()
	if err := t.models.Delete(ItemKey(itemID)); err != nil {
		return wrapError(KindStoreUnavailable, itemID, err, "checkpoint delete failed")
	}
	return nil
}

// getOrLoad finds the registry entry, materializing it on first use. The
// lookup order is the per-item checkpoint, the category warm start, then
// defaults. Corrupt checkpoints are quarantined.
func (t *Trainer) getOrLoad(ctx context.Context, itemID string, desc ItemDescriptor) (*registryEntry, error) {
	t.mu.Lock()
	if entry, ok := t.entries[itemID]; ok {
		t.lru.MoveToFront(entry.lruElem)
		t.mu.Unlock()
		return entry, nil
	}
	t.mu.Unlock()

	entry, err := t.materialize(ctx, itemID, desc)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[itemID]; ok {
		// Lost the materialization race; keep the winner.
		t.lru.MoveToFront(existing.lruElem)
		return existing, nil
	}
	entry.lruElem = t.lru.PushFront(itemID)
	t.entries[itemID] = entry
	t.evictLocked(ctx)
	return entry, nil
}

func (t *Trainer) materialize(ctx context.Context, itemID string, desc ItemDescriptor) (*registryEntry, error) {
	now := t.now()

	cp, ok, err := t.models.Load(ItemKey(itemID))
	if err != nil {
		if IsKind(err, KindCheckpointCorrupt) {
			t.logger.Printf("checkpoint for %s corrupt, quarantining: %v", itemID, err)
			if qErr := t.models.Quarantine(ItemKey(itemID), err.Error()); qErr != nil {
				t.logger.Printf("quarantine failed for %s: %v", itemID, qErr)
			}
			t.auditEvent(ctx, AuditCheckpointQuarantined, itemID, AuditSuccess, map[string]interface{}{
				"reason": err.Error(),
			})
		} else {
			return nil, wrapError(KindStoreUnavailable, itemID, err, "checkpoint load failed")
		}
	} else if ok {
		return &registryEntry{
			itemID:        itemID,
			modelID:       cp.ModelID,
			params:        cp.Params,
			state:         cp.StateVec(),
			cov:           cp.CovDense(),
			stats:         cp.Stats,
			version:       cp.Version,
			warmStart:     warmStartItem,
			prevQuantity:  cp.LastState[stateQuantity],
			lastObsAt:     cp.Stats.LastUpdateAt,
			lastRetrainAt: cp.LastFullRetrainAt,
			lastPersistAt: now,
		}, nil
	}

	recent, err := t.recentObservations(ctx, itemID, 10)
	if err != nil {
		return nil, err
	}
	params, warmStart := t.warmStartParams(desc.Category)
	state, cov := InitializeState(desc.QuantityCurrent, recent, t.categoryRate(desc.Category), desc.QuantityMax)
	t.logger.Printf("materialized model for %s from %s warm start", itemID, warmStart)

	return &registryEntry{
		itemID:        itemID,
		modelID:       uuid.New(),
		params:        params,
		state:         state,
		cov:           cov,
		warmStart:     warmStart,
		prevQuantity:  desc.QuantityCurrent,
		lastRetrainAt: now,
	}, nil
}

// warmStartParams clones the category checkpoint's parameters when one
// exists and decodes cleanly, otherwise returns the defaults.
func (t *Trainer) warmStartParams(category string) (Parameters, string) {
	if category != "" {
		cp, ok, err := t.models.Load(CategoryKey(category))
		if err == nil && ok {
			return cp.Params.Clone(), warmStartCategory
		}
		if err != nil {
			t.logger.Printf("category warm start %q unavailable: %v", category, err)
		}
	}
	return DefaultParameters(), warmStartDefault
}

// categoryRate is the pretrained consumption rate used to seed r when the
// item has no usable history.
func (t *Trainer) categoryRate(category string) float64 {
	if category == "" {
		return 0
	}
	cp, ok, err := t.models.Load(CategoryKey(category))
	if err != nil || !ok {
		return 0
	}
	return math.Max(0, cp.LastState[stateRate])
}

func (t *Trainer) recentObservations(ctx context.Context, itemID string, limit int) ([]Observation, error) {
	history, err := t.loadHistory(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

func (t *Trainer) loadHistory(ctx context.Context, itemID string) ([]Observation, error) {
	var history []Observation
	err := withRetry(ctx, func(ctx context.Context) error {
		// The upper bound admits every persisted observation, including
		// ones stamped after the trainer's clock.
		end := time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
		it, err := t.obs.Range(ctx, itemID, time.Time{}, end)
		if err != nil {
			return err
		}
		defer it.Close()
		history = history[:0]
		for {
			obs, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			history = append(history, obs)
		}
	})
	if err != nil {
		return nil, wrapError(KindStoreUnavailable, itemID, err, "observation history unavailable")
	}
	return history, nil
}

// maybePersistLocked writes a checkpoint when the rate limit allows it.
// Persist failures are retried on the next observation; in-memory state is
// authoritative in the meantime.
func (t *Trainer) maybePersistLocked(ctx context.Context, entry *registryEntry) {
	if !entry.dirty {
		return
	}
	if t.now().Sub(entry.lastPersistAt) < t.opts.MinPersistInterval && !entry.lastPersistAt.IsZero() {
		return
	}
	t.persistLocked(ctx, entry)
}

func (t *Trainer) persistLocked(ctx context.Context, entry *registryEntry) {
	cp := &Checkpoint{
		ModelID:           entry.modelID,
		Key:               entry.itemID,
		Version:           entry.version + 1,
		CreatedAt:         t.now(),
		Params:            entry.params.Clone(),
		Stats:             entry.stats,
		LastFullRetrainAt: entry.lastRetrainAt,
	}
	cp.SetState(entry.state, entry.cov)

	err := withRetry(ctx, func(ctx context.Context) error {
		_ = ctx
		return t.models.Store(ItemKey(entry.itemID), cp)
	})
	if err != nil {
		t.logger.Printf("checkpoint persist failed for %s: %v (will retry on next observation)", entry.itemID, err)
		return
	}
	entry.version = cp.Version
	entry.lastPersistAt = t.now()
	entry.dirty = false
}

// evictLocked trims the registry to the LRU bound, persisting dirty state
// on the way out. Caller holds t.mu.
func (t *Trainer) evictLocked(ctx context.Context) {
	for t.lru.Len() > t.opts.MaxEntries {
		back := t.lru.Back()
		itemID := back.Value.(string)
		entry := t.entries[itemID]
		t.lru.Remove(back)
		delete(t.entries, itemID)

		go func(e *registryEntry) {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.dirty {
				t.persistLocked(ctx, e)
			}
		}(entry)
	}
}

func (t *Trainer) auditEvent(ctx context.Context, action, itemID, outcome string, details map[string]interface{}) {
	if t.audit == nil {
		return
	}
	ev := AuditEvent{
		Timestamp:  t.now(),
		ActionType: action,
		ItemID:     itemID,
		Outcome:    outcome,
		Details:    details,
	}
	if err := t.audit.Log(ctx, ev); err != nil {
		t.logger.Printf("audit log failed (%s): %v", action, err)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
