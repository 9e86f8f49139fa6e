package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
	"github.com/esemsc-ss2524/p3-edge/internal/store"
)

func TestPostgresStoresEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("p3edge"),
		tcPostgres.WithUsername("p3edge"),
		tcPostgres.WithPassword("p3edge"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://p3edge:p3edge@%s:%s/p3edge?sslmode=disable", host, port.Port())

	var st *store.Store
	for attempt := 0; attempt < 10; attempt++ {
		st, err = store.NewWithDSN(ctx, dsn)
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.DB.Close()

	schema, err := os.ReadFile("../../migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := st.DB.ExecContext(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	obsStore := store.NewObservationStore(st)
	base := time.Date(2024, time.June, 1, 8, 0, 0, 0, time.UTC)
	for d := 0; d < 5; d++ {
		err := obsStore.Append(ctx, forecast.Observation{
			ItemID:    "milk",
			Timestamp: base.AddDate(0, 0, d),
			Quantity:  4.0 - 0.25*float64(d),
			Source:    forecast.SourceSensor,
		})
		if err != nil {
			t.Fatalf("append day %d: %v", d, err)
		}
	}
	// Duplicate timestamp: the later record wins.
	if err := obsStore.Append(ctx, forecast.Observation{
		ItemID: "milk", Timestamp: base, Quantity: 3.9, Source: forecast.SourceManual,
	}); err != nil {
		t.Fatalf("duplicate append: %v", err)
	}

	it, err := obsStore.Range(ctx, "milk", time.Time{}, base.AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	defer it.Close()
	var seen []forecast.Observation
	for {
		obs, ok, err := it.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, obs)
	}
	if len(seen) != 5 {
		t.Fatalf("observations = %d, want 5", len(seen))
	}
	if seen[0].Quantity != 3.9 || seen[0].Source != forecast.SourceManual {
		t.Errorf("duplicate timestamp did not win: %+v", seen[0])
	}

	last, ok, err := obsStore.Last(ctx, "milk")
	if err != nil || !ok {
		t.Fatalf("last: ok=%v err=%v", ok, err)
	}
	if !last.Timestamp.Equal(base.AddDate(0, 0, 4)) {
		t.Errorf("last = %+v", last)
	}

	fcStore := store.NewForecastStore(st)
	runout := base.AddDate(0, 0, 14)
	rec := forecast.Forecast{
		ForecastID: "fc-1", ItemID: "milk", CreatedAt: base, ModelVersion: 1,
		HorizonDays: 14, Trajectory: []float64{3.75, 3.5}, Lower95: []float64{3.0, 2.8},
		Upper95: []float64{4.2, 4.1}, DaysUntilRunout: 14, PredictedRunoutDate: &runout,
		Confidence: 0.8, RecommendedQuantity: 3.5, FeaturesUsed: forecast.FeatureNames,
	}
	if err := fcStore.Upsert(ctx, rec); err != nil {
		t.Fatalf("forecast upsert: %v", err)
	}
	rec.ForecastID = "fc-2"
	rec.Confidence = 0.9
	if err := fcStore.Upsert(ctx, rec); err != nil {
		t.Fatalf("forecast re-upsert: %v", err)
	}
	got, ok, err := fcStore.GetLatest(ctx, "milk")
	if err != nil || !ok {
		t.Fatalf("get latest: ok=%v err=%v", ok, err)
	}
	if got.ForecastID != "fc-2" || got.Confidence != 0.9 {
		t.Errorf("upsert did not replace per (item, horizon): %+v", got)
	}

	if err := fcStore.SetActual(ctx, "milk", runout.AddDate(0, 0, 1)); err != nil {
		t.Fatalf("set actual: %v", err)
	}

	audit := store.NewAuditLog(st)
	err = audit.Log(ctx, forecast.AuditEvent{
		Timestamp:  base,
		ActionType: forecast.AuditForecastGenerated,
		ItemID:     "milk",
		Outcome:    forecast.AuditSuccess,
		Details:    map[string]interface{}{"horizon_days": 14},
	})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestRedisRetrainLockSuppressesDuplicates(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	rC, err := tcRedis.RunContainer(ctx)
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = rC.Terminate(ctx) }()

	uri, err := rC.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis uri: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse redis uri: %v", err)
	}
	rdb := goredis.NewClient(opts)
	defer rdb.Close()

	// Same SetNX discipline the scheduler uses per item.
	lockKey := "retrain:lock:milk"
	ok, err := rdb.SetNX(ctx, lockKey, "1", time.Minute).Result()
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	ok, err = rdb.SetNX(ctx, lockKey, "1", time.Minute).Result()
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if ok {
		t.Errorf("duplicate retrain lock acquired")
	}
	if err := rdb.Del(ctx, lockKey).Err(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	ok, err = rdb.SetNX(ctx, lockKey, "1", time.Minute).Result()
	if err != nil || !ok {
		t.Errorf("lock not reacquirable after release: ok=%v err=%v", ok, err)
	}
}
