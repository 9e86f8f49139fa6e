package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("P3EDGE_FORECAST_HORIZON_MAX_DAYS", "30")
	t.Setenv("P3EDGE_STORAGE_MODEL_DIR", "/tmp/p3edge-models")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Forecast.EWMAAlpha != 0.3 {
		t.Errorf("ewma_alpha = %v, want 0.3", cfg.Forecast.EWMAAlpha)
	}
	if cfg.Forecast.LearningRate != 1e-3 {
		t.Errorf("learning_rate = %v, want 1e-3", cfg.Forecast.LearningRate)
	}
	if cfg.Forecast.RetrainIntervalDays != 7 {
		t.Errorf("retrain_interval_days = %v, want 7", cfg.Forecast.RetrainIntervalDays)
	}
	if cfg.Forecast.OrderLeadDays != 3 || cfg.Forecast.BackfillWindowDays != 90 {
		t.Errorf("lead/backfill = %d/%d", cfg.Forecast.OrderLeadDays, cfg.Forecast.BackfillWindowDays)
	}
	if cfg.Forecast.HorizonMaxDays != 30 {
		t.Errorf("env override ignored: horizon_max_days = %d", cfg.Forecast.HorizonMaxDays)
	}
	if cfg.Storage.ModelDir != "/tmp/p3edge-models" {
		t.Errorf("model_dir = %q", cfg.Storage.ModelDir)
	}
	if got := cfg.Forecast.RetrainInterval().Hours(); got != 7*24 {
		t.Errorf("retrain interval hours = %v", got)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"server":{"address":":9999"},"forecast":{"retrain_interval_days":3}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Address != ":9999" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Forecast.RetrainIntervalDays != 3 {
		t.Errorf("retrain_interval_days = %d, want 3", cfg.Forecast.RetrainIntervalDays)
	}
	// Untouched keys keep their defaults.
	if cfg.Forecast.HorizonMaxDays != 90 {
		t.Errorf("horizon_max_days = %d, want 90", cfg.Forecast.HorizonMaxDays)
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", DBName: "p3edge", User: "u", Password: "p"}
	dsn, err := p.DSN()
	if err != nil {
		t.Fatalf("DSN: %v", err)
	}
	if dsn != "postgres://u:p@db:5432/p3edge?sslmode=disable" {
		t.Errorf("dsn = %q", dsn)
	}

	p = PostgresConfig{URL: "postgres://explicit"}
	if dsn, _ := p.DSN(); dsn != "postgres://explicit" {
		t.Errorf("explicit url not preferred: %q", dsn)
	}

	if _, err := (PostgresConfig{}).DSN(); err == nil {
		t.Errorf("empty config produced a DSN")
	}
}
