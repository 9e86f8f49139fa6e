package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/esemsc-ss2524/p3-edge/internal/forecast"
)

// AuditLog appends structured audit events to the audit_log table.
type AuditLog struct {
	*Store
}

func NewAuditLog(s *Store) *AuditLog { return &AuditLog{Store: s} }

func (a *AuditLog) Log(ctx context.Context, ev forecast.AuditEvent) error {
	var details []byte
	if ev.Details != nil {
		var err error
		details, err = json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}
	var itemID interface{}
	if ev.ItemID != "" {
		itemID = ev.ItemID
	}
	_, err := a.DB.ExecContext(ctx, `
INSERT INTO audit_log (ts, action_type, item_id, outcome, details)
VALUES ($1,$2,$3,$4,$5)
`, ev.Timestamp, ev.ActionType, itemID, ev.Outcome, details)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
