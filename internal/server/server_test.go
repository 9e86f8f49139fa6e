package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
)

// Minimal in-memory collaborators for handler tests.

type fakeObsStore struct {
	mu   sync.Mutex
	data map[string][]forecast.Observation
}

func (s *fakeObsStore) Append(ctx context.Context, obs forecast.Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string][]forecast.Observation{}
	}
	list := s.data[obs.ItemID]
	for i, e := range list {
		if e.Timestamp.Equal(obs.Timestamp) {
			list[i] = obs
			return nil
		}
	}
	list = append(list, obs)
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	s.data[obs.ItemID] = list
	return nil
}

func (s *fakeObsStore) Range(ctx context.Context, itemID string, from, to time.Time) (forecast.ObservationIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []forecast.Observation
	for _, obs := range s.data[itemID] {
		if (!from.IsZero() && obs.Timestamp.Before(from)) || obs.Timestamp.After(to) {
			continue
		}
		out = append(out, obs)
	}
	return &fakeIterator{items: out}, nil
}

func (s *fakeObsStore) Last(ctx context.Context, itemID string) (forecast.Observation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.data[itemID]
	if len(list) == 0 {
		return forecast.Observation{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (s *fakeObsStore) ListItemIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type fakeIterator struct {
	items []forecast.Observation
	pos   int
}

func (it *fakeIterator) Next() (forecast.Observation, bool, error) {
	if it.pos >= len(it.items) {
		return forecast.Observation{}, false, nil
	}
	obs := it.items[it.pos]
	it.pos++
	return obs, true, nil
}

func (it *fakeIterator) Close() error { return nil }

type fakeModelStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (s *fakeModelStore) Load(key string) (*forecast.Checkpoint, bool, error) {
	s.mu.Lock()
	data, ok := s.files[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	cp, err := forecast.DecodeCheckpoint(data)
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

func (s *fakeModelStore) Store(key string, cp *forecast.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = map[string][]byte{}
	}
	s.files[key] = forecast.EncodeCheckpoint(cp)
	return nil
}

func (s *fakeModelStore) ListCategories() ([]string, error) { return nil, nil }
func (s *fakeModelStore) Quarantine(key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, key)
	return nil
}
func (s *fakeModelStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, key)
	return nil
}

type fakeForecastStore struct {
	mu   sync.Mutex
	data map[string]forecast.Forecast
}

func (s *fakeForecastStore) Upsert(ctx context.Context, f forecast.Forecast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = map[string]forecast.Forecast{}
	}
	s.data[f.ItemID] = f
	return nil
}

func (s *fakeForecastStore) GetLatest(ctx context.Context, itemID string) (forecast.Forecast, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.data[itemID]
	return f, ok, nil
}

func (s *fakeForecastStore) SetActual(ctx context.Context, itemID string, date time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.data[itemID]
	if ok {
		d := date
		f.ActualRunoutDate = &d
		s.data[itemID] = f
	}
	return nil
}

type fakeAudit struct{}

func (fakeAudit) Log(ctx context.Context, ev forecast.AuditEvent) error { return nil }

type fakeCatalog struct {
	mu   sync.Mutex
	data map[string]forecast.ItemDescriptor
}

func (c *fakeCatalog) Get(ctx context.Context, itemID string) (forecast.ItemDescriptor, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[itemID]
	return d, ok, nil
}

func (c *fakeCatalog) Upsert(ctx context.Context, d forecast.ItemDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string]forecast.ItemDescriptor{}
	}
	c.data[d.ItemID] = d
	return nil
}

func (c *fakeCatalog) List(ctx context.Context) ([]forecast.ItemDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []forecast.ItemDescriptor
	for _, d := range c.data {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func newTestServer(t *testing.T) (*Server, *fakeCatalog) {
	t.Helper()
	obs := &fakeObsStore{}
	models := &fakeModelStore{}
	forecasts := &fakeForecastStore{}
	fb := forecast.NewFeatureBuilder(time.UTC)
	trainer := forecast.NewTrainer(obs, models, fakeAudit{}, fb, forecast.TrainerOptions{}, nil)
	svc := forecast.NewService(trainer, obs, forecasts, fakeAudit{}, fb, forecast.ServiceOptions{}, nil)
	catalog := &fakeCatalog{}
	return New(svc, catalog, nil, nil), catalog
}

func TestObservationAndForecastEndpoints(t *testing.T) {
	srv, catalog := newTestServer(t)
	e := srv.Echo()

	desc := forecast.ItemDescriptor{
		ItemID: "milk", Category: "Dairy", HouseholdSize: 3,
		QuantityCurrent: 4.0, QuantityMin: 0.5, QuantityMax: 4.0,
	}
	if err := catalog.Upsert(context.Background(), desc); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}

	base := time.Date(2024, time.June, 3, 9, 0, 0, 0, time.UTC)
	for d := 0; d < 7; d++ {
		body := map[string]interface{}{
			"quantity":  4.0 - 0.3*float64(d),
			"timestamp": base.AddDate(0, 0, d).Format(time.RFC3339),
			"source":    "sensor",
		}
		raw, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/items/milk/observations", strings.NewReader(string(raw)))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("observation day %d: status %d body %s", d, rec.Code, rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/items/milk/forecast?horizon=14", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("forecast: status %d body %s", rec.Code, rec.Body.String())
	}
	var fc forecast.Forecast
	if err := json.Unmarshal(rec.Body.Bytes(), &fc); err != nil {
		t.Fatalf("decode forecast: %v", err)
	}
	if fc.HorizonDays != 14 || len(fc.Trajectory) != 14 {
		t.Errorf("forecast = horizon %d, trajectory %d", fc.HorizonDays, len(fc.Trajectory))
	}
}

func TestObservationEndpointRejectsUnknownItem(t *testing.T) {
	srv, _ := newTestServer(t)
	e := srv.Echo()

	req := httptest.NewRequest(http.MethodPost, "/api/items/ghost/observations", strings.NewReader(`{"quantity": 1}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown item: status %d, want 404", rec.Code)
	}
}

func TestObservationEndpointRejectsNegativeQuantity(t *testing.T) {
	srv, catalog := newTestServer(t)
	e := srv.Echo()
	_ = catalog.Upsert(context.Background(), forecast.ItemDescriptor{ItemID: "milk", QuantityMax: 4})

	req := httptest.NewRequest(http.MethodPost, "/api/items/milk/observations", strings.NewReader(`{"quantity": -2}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("negative quantity: status %d, want 422", rec.Code)
	}
}

func TestForecastEndpointHorizonValidation(t *testing.T) {
	srv, catalog := newTestServer(t)
	e := srv.Echo()
	_ = catalog.Upsert(context.Background(), forecast.ItemDescriptor{ItemID: "milk", QuantityMax: 4})

	req := httptest.NewRequest(http.MethodGet, "/api/items/milk/forecast?horizon=500", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("horizon 500: status %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	e := srv.Echo()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}
