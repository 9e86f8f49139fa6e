package forecast

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"
)

func TestPretrainerWritesWarmStartPerCategory(t *testing.T) {
	models := newMemModelStore()
	p := NewPretrainer(models, NewFeatureBuilder(time.UTC), log.New(testWriter{t}, "[PRETRAIN] ", 0))

	if err := p.Run(context.Background(), nil, 42); err != nil {
		t.Fatalf("pretrain: %v", err)
	}
	cats, err := models.ListCategories()
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	if len(cats) != len(DefaultCategoryTemplates) {
		t.Fatalf("categories = %v, want %d entries", cats, len(DefaultCategoryTemplates))
	}

	for _, tpl := range DefaultCategoryTemplates {
		cp, ok, err := models.Load(CategoryKey(tpl.Category))
		if err != nil || !ok {
			t.Fatalf("%s: load ok=%v err=%v", tpl.Category, ok, err)
		}
		if rate := cp.LastState[stateRate]; rate <= 0 {
			t.Errorf("%s: pretrained rate = %g, want > 0", tpl.Category, rate)
		}
		if cp.Stats.ObservationsSeen == 0 {
			t.Errorf("%s: no observations folded", tpl.Category)
		}
	}
}

func TestPretrainerDeterministicForSeed(t *testing.T) {
	runOnce := func(seed int64) map[string][]byte {
		models := newMemModelStore()
		p := NewPretrainer(models, NewFeatureBuilder(time.UTC), log.New(testWriter{t}, "[PRETRAIN] ", 0))
		if err := p.Run(context.Background(), DefaultCategoryTemplates[:2], seed); err != nil {
			t.Fatalf("pretrain: %v", err)
		}
		out := make(map[string][]byte)
		for key, data := range models.files {
			out[key] = append([]byte{}, data...)
		}
		return out
	}

	a := runOnce(7)
	b := runOnce(7)
	c := runOnce(8)

	for key := range a {
		if !bytes.Equal(a[key], b[key]) {
			t.Errorf("%s: same seed produced different checkpoints", key)
		}
	}
	same := true
	for key := range a {
		if !bytes.Equal(a[key], c[key]) {
			same = false
		}
	}
	if same {
		t.Errorf("different seeds produced identical checkpoints")
	}
}

func TestSyntheticStreamShape(t *testing.T) {
	p := NewPretrainer(newMemModelStore(), NewFeatureBuilder(time.UTC), log.New(testWriter{t}, "[PRETRAIN] ", 0))
	tpl := DefaultCategoryTemplates[0] // Dairy

	history := p.generate(tpl, 42)
	if len(history) != 60 {
		t.Fatalf("synthetic days = %d, want 60", len(history))
	}

	sawRestock := false
	for i := 1; i < len(history); i++ {
		if history[i].Quantity < 0 {
			t.Fatalf("negative synthetic quantity at day %d", i)
		}
		if history[i].Quantity > history[i-1].Quantity {
			sawRestock = true
			if wd := history[i].Timestamp.Weekday(); wd != time.Saturday && wd != time.Wednesday {
				t.Errorf("restock on %v, want Saturday or Wednesday", wd)
			}
		}
	}
	if !sawRestock {
		t.Errorf("sixty synthetic days with no restock")
	}
}
