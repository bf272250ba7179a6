package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/warp/leave-engine/generic"
)

// Record appends to audit_log. Implements generic.AuditLog.
func (s *Store) Record(ctx context.Context, e generic.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, ts, actor_id, action, entity_type, entity_id, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, formatTime(e.Timestamp), e.ActorID, e.Action, e.EntityType, e.EntityID, string(detailsJSON))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the audit trail of one entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, entityType, entityID string) ([]generic.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, actor_id, action, entity_type, entity_id, details_json
		FROM audit_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY ts ASC, rowid ASC
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []generic.AuditEntry
	for rows.Next() {
		var (
			e           generic.AuditEntry
			ts, details string
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID, &details); err != nil {
			return nil, err
		}
		e.Timestamp = parseTime(ts)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode audit details: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
