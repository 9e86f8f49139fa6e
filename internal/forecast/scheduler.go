package forecast

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// SchedulerConfig drives the periodic retrain loop.
type SchedulerConfig struct {
	DailyTime   string        // cron expression or "@daily"/"@hourly"; when due, a scan runs
	Tick        time.Duration // clock granularity, default one minute
	MaxParallel int           // retrains running at once during a scan
	LockTTL     time.Duration // redis lock lifetime per item retrain
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.DailyTime == "" {
		c.DailyTime = "0 2 * * *"
	}
	if c.Tick == 0 {
		c.Tick = time.Minute
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = 4
	}
	if c.LockTTL == 0 {
		c.LockTTL = 2 * time.Minute
	}
	return c
}

// Scheduler is the single-writer clock-driven retrain loop. It scans the
// known items, filters those due for a full retrain and dispatches up to
// MaxParallel retrains onto a worker pool. Online ingestion is never
// blocked globally; only the per-item lock inside the trainer is contended.
type Scheduler struct {
	trainer *Trainer
	obs     ObservationStore
	descs   DescriptorSource
	rdb     *redis.Client // optional; guards against duplicate retrains across schedulers
	cfg     SchedulerConfig
	logger  *log.Logger
	clock   func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	stop    chan struct{}
	done    chan struct{}
}

func NewScheduler(trainer *Trainer, obs ObservationStore, descs DescriptorSource, rdb *redis.Client, cfg SchedulerConfig, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return &Scheduler{
		trainer: trainer,
		obs:     obs,
		descs:   descs,
		rdb:     rdb,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		clock:   time.Now,
	}
}

// Start runs the tick loop until Stop or context cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Tick)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if s.due() {
					s.RunScan(ctx)
				}
			}
		}
	}()
}

// Stop terminates the loop and waits for the in-flight scan to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// due evaluates the cron schedule against the last scan time. Supports
// "@daily"/"@hourly" shortcuts and 5-field cron expressions; an
// unparsable expression degrades to daily.
func (s *Scheduler) due() bool {
	now := s.clock()
	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	switch s.cfg.DailyTime {
	case "@daily":
		return last.IsZero() || now.Sub(last) >= 24*time.Hour
	case "@hourly":
		return last.IsZero() || now.Sub(last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(s.cfg.DailyTime)
		if err != nil {
			return last.IsZero() || now.Sub(last) >= 24*time.Hour
		}
		if last.IsZero() {
			return true
		}
		return !expr.Next(last).After(now)
	}
}

// RunScan performs one scheduling pass: enumerate item ids, filter those
// needing retrain, dispatch up to MaxParallel workers. Each item is
// retrained at most once per scan. Returns the number of retrains run.
func (s *Scheduler) RunScan(ctx context.Context) int {
	s.mu.Lock()
	s.lastRun = s.clock()
	s.mu.Unlock()

	ids, err := s.obs.ListItemIDs(ctx)
	if err != nil {
		s.logger.Printf("scan aborted, item enumeration failed: %v", err)
		return 0
	}

	var due []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return 0
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		desc, ok, err := s.descs.Get(ctx, id)
		if err != nil || !ok {
			continue
		}
		needs, err := s.trainer.NeedsRetrain(ctx, id, desc)
		if err != nil {
			s.logger.Printf("needs-retrain check failed for %s: %v", id, err)
			continue
		}
		if needs {
			due = append(due, id)
		}
	}
	if len(due) == 0 {
		return 0
	}
	s.logger.Printf("scan found %d models due for retrain", len(due))

	sem := make(chan struct{}, s.cfg.MaxParallel)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ran := 0

	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if s.retrainOne(ctx, id) {
				mu.Lock()
				ran++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return ran
}

func (s *Scheduler) retrainOne(ctx context.Context, itemID string) bool {
	// Distributed lock so two scheduler instances never retrain the same
	// item concurrently.
	if s.rdb != nil {
		lockKey := "retrain:lock:" + itemID
		ok, err := s.rdb.SetNX(ctx, lockKey, "1", s.cfg.LockTTL).Result()
		if err != nil {
			s.logger.Printf("retrain lock for %s unavailable: %v", itemID, err)
		} else if !ok {
			return false
		} else {
			defer s.rdb.Del(ctx, lockKey)
		}
	}

	desc, ok, err := s.descs.Get(ctx, itemID)
	if err != nil || !ok {
		return false
	}
	if err := s.trainer.Retrain(ctx, itemID, desc); err != nil {
		s.logger.Printf("retrain failed for %s: %v", itemID, err)
		return false
	}
	return true
}
