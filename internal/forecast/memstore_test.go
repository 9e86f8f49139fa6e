package forecast

import (
	"context"
	"sort"
	"sync"
	"time"
)

// In-memory store fakes used across the package tests.

type memObsStore struct {
	mu   sync.Mutex
	data map[string][]Observation
	err  error // when set, every call fails with it
}

func newMemObsStore() *memObsStore {
	return &memObsStore{data: make(map[string][]Observation)}
}

func (s *memObsStore) Append(ctx context.Context, obs Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	list := s.data[obs.ItemID]
	for i, existing := range list {
		if existing.Timestamp.Equal(obs.Timestamp) {
			list[i] = obs
			return nil
		}
	}
	list = append(list, obs)
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	s.data[obs.ItemID] = list
	return nil
}

func (s *memObsStore) Range(ctx context.Context, itemID string, from, to time.Time) (ObservationIterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []Observation
	for _, obs := range s.data[itemID] {
		if !from.IsZero() && obs.Timestamp.Before(from) {
			continue
		}
		if obs.Timestamp.After(to) {
			continue
		}
		out = append(out, obs)
	}
	return &sliceIterator{items: out}, nil
}

func (s *memObsStore) Last(ctx context.Context, itemID string) (Observation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Observation{}, false, s.err
	}
	list := s.data[itemID]
	if len(list) == 0 {
		return Observation{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (s *memObsStore) ListItemIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ids := make([]string, 0, len(s.data))
	for id := range s.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type sliceIterator struct {
	items []Observation
	pos   int
}

func (it *sliceIterator) Next() (Observation, bool, error) {
	if it.pos >= len(it.items) {
		return Observation{}, false, nil
	}
	obs := it.items[it.pos]
	it.pos++
	return obs, true, nil
}

func (it *sliceIterator) Close() error { return nil }

// memModelStore keeps encoded envelopes so round-trip and corruption
// behave exactly like the filesystem store.
type memModelStore struct {
	mu          sync.Mutex
	files       map[string][]byte
	quarantined map[string]string
	storeErr    error
}

func newMemModelStore() *memModelStore {
	return &memModelStore{files: make(map[string][]byte), quarantined: make(map[string]string)}
}

func (s *memModelStore) Load(key string) (*Checkpoint, bool, error) {
	s.mu.Lock()
	data, ok := s.files[key]
	s.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	cp, err := DecodeCheckpoint(data)
	if err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

func (s *memModelStore) Store(key string, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.files[key] = EncodeCheckpoint(cp)
	return nil
}

func (s *memModelStore) ListCategories() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.files {
		if len(key) > len(CategoryKeyPrefix) && key[:len(CategoryKeyPrefix)] == CategoryKeyPrefix {
			out = append(out, key[len(CategoryKeyPrefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memModelStore) Quarantine(key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quarantined[key] = reason
	delete(s.files, key)
	return nil
}

func (s *memModelStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, key)
	return nil
}

func (s *memModelStore) corrupt(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = []byte("not a checkpoint at all, definitely")
}

func (s *memModelStore) version(key string) uint64 {
	cp, ok, err := s.Load(key)
	if err != nil || !ok {
		return 0
	}
	return cp.Version
}

type memForecastStore struct {
	mu   sync.Mutex
	byKV map[[2]interface{}]Forecast // (itemID, horizon)
	err  error
}

func newMemForecastStore() *memForecastStore {
	return &memForecastStore{byKV: make(map[[2]interface{}]Forecast)}
}

func (s *memForecastStore) Upsert(ctx context.Context, f Forecast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.byKV[[2]interface{}{f.ItemID, f.HorizonDays}] = f
	return nil
}

func (s *memForecastStore) GetLatest(ctx context.Context, itemID string) (Forecast, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Forecast{}, false, s.err
	}
	var latest Forecast
	found := false
	for key, f := range s.byKV {
		if key[0] != itemID {
			continue
		}
		if !found || f.CreatedAt.After(latest.CreatedAt) {
			latest = f
			found = true
		}
	}
	return latest, found, nil
}

func (s *memForecastStore) SetActual(ctx context.Context, itemID string, date time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	for key, f := range s.byKV {
		if key[0] == itemID {
			d := date
			f.ActualRunoutDate = &d
			s.byKV[key] = f
		}
	}
	return nil
}

func (s *memForecastStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKV)
}

type memAudit struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *memAudit) Log(ctx context.Context, ev AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *memAudit) countKind(kind string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ev := range a.events {
		if ev.ActionType == kind {
			n++
		}
	}
	return n
}

type memDescs struct {
	mu   sync.Mutex
	data map[string]ItemDescriptor
}

func newMemDescs() *memDescs {
	return &memDescs{data: make(map[string]ItemDescriptor)}
}

func (d *memDescs) Get(ctx context.Context, itemID string) (ItemDescriptor, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.data[itemID]
	return desc, ok, nil
}

func (d *memDescs) put(desc ItemDescriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[desc.ItemID] = desc
}
