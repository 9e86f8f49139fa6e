package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
)

// ItemCatalog is the read-mostly inventory descriptor table consulted by
// the scheduler and the HTTP host when building features.
type ItemCatalog struct {
	*Store
}

func NewItemCatalog(s *Store) *ItemCatalog { return &ItemCatalog{Store: s} }

func (c *ItemCatalog) Upsert(ctx context.Context, d forecast.ItemDescriptor) error {
	_, err := c.DB.ExecContext(ctx, `
INSERT INTO items (item_id, name, category, unit, perishable, shelf_life_days, household_size,
  expiry_date, quantity_current, quantity_min, quantity_max, min_order_unit)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (item_id) DO UPDATE SET
  name = EXCLUDED.name,
  category = EXCLUDED.category,
  unit = EXCLUDED.unit,
  perishable = EXCLUDED.perishable,
  shelf_life_days = EXCLUDED.shelf_life_days,
  household_size = EXCLUDED.household_size,
  expiry_date = EXCLUDED.expiry_date,
  quantity_current = EXCLUDED.quantity_current,
  quantity_min = EXCLUDED.quantity_min,
  quantity_max = EXCLUDED.quantity_max,
  min_order_unit = EXCLUDED.min_order_unit
`, d.ItemID, d.Name, d.Category, d.Unit, d.Perishable, d.ShelfLifeDays, d.HouseholdSize,
		d.ExpiryDate, d.QuantityCurrent, d.QuantityMin, d.QuantityMax, d.MinOrderUnit)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

func (c *ItemCatalog) Get(ctx context.Context, itemID string) (forecast.ItemDescriptor, bool, error) {
	var (
		d      forecast.ItemDescriptor
		expiry sql.NullTime
	)
	err := c.DB.QueryRowContext(ctx, `
SELECT item_id, name, category, unit, perishable, shelf_life_days, household_size,
  expiry_date, quantity_current, quantity_min, quantity_max, min_order_unit
FROM items
WHERE item_id=$1
`, itemID).Scan(&d.ItemID, &d.Name, &d.Category, &d.Unit, &d.Perishable, &d.ShelfLifeDays,
		&d.HouseholdSize, &expiry, &d.QuantityCurrent, &d.QuantityMin, &d.QuantityMax, &d.MinOrderUnit)
	if err == sql.ErrNoRows {
		return forecast.ItemDescriptor{}, false, nil
	}
	if err != nil {
		return forecast.ItemDescriptor{}, false, fmt.Errorf("get item: %w", err)
	}
	if expiry.Valid {
		t := expiry.Time
		d.ExpiryDate = &t
	}
	return d, true, nil
}

func (c *ItemCatalog) List(ctx context.Context) ([]forecast.ItemDescriptor, error) {
	rows, err := c.DB.QueryContext(ctx, `
SELECT item_id, name, category, unit, perishable, shelf_life_days, household_size,
  expiry_date, quantity_current, quantity_min, quantity_max, min_order_unit
FROM items
ORDER BY item_id
`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	var out []forecast.ItemDescriptor
	for rows.Next() {
		var (
			d      forecast.ItemDescriptor
			expiry sql.NullTime
		)
		if err := rows.Scan(&d.ItemID, &d.Name, &d.Category, &d.Unit, &d.Perishable, &d.ShelfLifeDays,
			&d.HouseholdSize, &expiry, &d.QuantityCurrent, &d.QuantityMin, &d.QuantityMax, &d.MinOrderUnit); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if expiry.Valid {
			t := expiry.Time
			d.ExpiryDate = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes the descriptor row. The caller is responsible for telling
// the trainer to forget the item's model.
func (c *ItemCatalog) Delete(ctx context.Context, itemID string) error {
	if _, err := c.DB.ExecContext(ctx, `DELETE FROM items WHERE item_id=$1`, itemID); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}
