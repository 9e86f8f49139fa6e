package forecast

import "time"

// FeatureDim is the fixed width of the feature vector fed to the model.
const FeatureDim = 8

// Feature indices. Index 7 is reserved (e.g. a future holiday indicator).
const (
	featDayOfWeek = iota
	featDayOfMonth
	featMonthOfYear
	featWeekend
	featHousehold
	featPerishable
	featDaysToExpiry
	featReserved
)

// FeatureNames are the column labels recorded alongside persisted forecasts.
var FeatureNames = []string{
	"dow", "dom", "moy", "weekend", "household", "perishable", "days_to_expiry", "reserved",
}

// ItemDescriptor carries the read-only inputs needed to build features.
// Supplied by the inventory subsystem; never mutated here.
type ItemDescriptor struct {
	ItemID          string     `json:"item_id"`
	Name            string     `json:"name,omitempty"`
	Category        string     `json:"category"`
	Unit            string     `json:"unit,omitempty"`
	Perishable      bool       `json:"perishable"`
	ShelfLifeDays   int        `json:"shelf_life_days,omitempty"`
	HouseholdSize   int        `json:"household_size"`
	ExpiryDate      *time.Time `json:"expiry_date,omitempty"`
	QuantityCurrent float64    `json:"quantity_current"`
	QuantityMin     float64    `json:"quantity_min"`
	QuantityMax     float64    `json:"quantity_max"`
	MinOrderUnit    float64    `json:"min_order_unit,omitempty"`
}

// FeatureBuilder turns a timestamp plus descriptor into a fixed-width feature
// vector. Pure; the only construction parameter is the timezone used to
// resolve calendar fields.
type FeatureBuilder struct {
	loc *time.Location
}

func NewFeatureBuilder(loc *time.Location) *FeatureBuilder {
	if loc == nil {
		loc = time.Local
	}
	return &FeatureBuilder{loc: loc}
}

// Build returns the 8-wide feature vector for ts and item.
func (b *FeatureBuilder) Build(ts time.Time, item ItemDescriptor) []float64 {
	t := ts.In(b.loc)
	f := make([]float64, FeatureDim)

	// Monday=0 .. Sunday=6 so that weekend is the top of the range.
	wd := (int(t.Weekday()) + 6) % 7
	f[featDayOfWeek] = float64(wd) / 6.0
	f[featDayOfMonth] = float64(t.Day()-1) / 30.0
	f[featMonthOfYear] = float64(int(t.Month())-1) / 11.0
	if wd >= 5 {
		f[featWeekend] = 1.0
	}

	size := item.HouseholdSize
	if size < 1 {
		size = 1
	}
	if size > 10 {
		size = 10
	}
	f[featHousehold] = float64(size) / 10.0

	if item.Perishable {
		f[featPerishable] = 1.0
	}

	if item.ExpiryDate != nil {
		days := item.ExpiryDate.In(b.loc).Sub(t).Hours() / 24.0
		if days < 0 {
			days = 0
		}
		if days > 30 {
			days = 30
		}
		f[featDaysToExpiry] = days / 30.0
	}

	return f
}

// BuildSeries returns per-day feature vectors for the days
// [from+1d, from+days·1d], the horizon convention used by forecasts.
func (b *FeatureBuilder) BuildSeries(from time.Time, days int, item ItemDescriptor) [][]float64 {
	series := make([][]float64, 0, days)
	for i := 1; i <= days; i++ {
		series = append(series, b.Build(from.AddDate(0, 0, i), item))
	}
	return series
}
