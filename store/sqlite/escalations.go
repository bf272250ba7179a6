package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/leave-engine/escalation"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/routing"
)

// =============================================================================
// ESCALATION STORE (escalation.Store)
// =============================================================================

func (s *Store) ListEscalationSettings(ctx context.Context) ([]escalation.Setting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT level, threshold_seconds, action, max_escalations, enabled, updated_at
		FROM escalation_settings
		ORDER BY level
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation settings: %w", err)
	}
	defer rows.Close()

	var out []escalation.Setting
	for rows.Next() {
		var (
			st      escalation.Setting
			seconds int64
			updated string
		)
		if err := rows.Scan(&st.Level, &seconds, &st.Action, &st.MaxEscalations, &st.Enabled, &updated); err != nil {
			return nil, err
		}
		st.Threshold = time.Duration(seconds) * time.Second
		st.UpdatedAt = parseTime(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

// SaveEscalationSettings upserts every setting in one transaction.
func (s *Store) SaveEscalationSettings(ctx context.Context, settings []escalation.Setting) error {
	return s.inTx(ctx, func(ts *txStore) error {
		for _, st := range settings {
			if err := st.Validate(); err != nil {
				return fmt.Errorf("%w: %v", generic.ErrInvalidInput, err)
			}
			updated := st.UpdatedAt
			if updated.IsZero() {
				updated = ts.now()
			}
			_, err := ts.q.ExecContext(ctx, `
				INSERT INTO escalation_settings (level, threshold_seconds, action, max_escalations, enabled, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(level) DO UPDATE SET
					threshold_seconds = excluded.threshold_seconds,
					action = excluded.action,
					max_escalations = excluded.max_escalations,
					enabled = excluded.enabled,
					updated_at = excluded.updated_at
			`, st.Level, int64(st.Threshold/time.Second), st.Action, st.MaxEscalations, st.Enabled, formatTime(updated))
			if err != nil {
				return fmt.Errorf("failed to save escalation setting: %w", err)
			}
		}
		return nil
	})
}

// EscalateApproval is a compare-and-set on escalation_count: two sweeps
// racing on the same approval cannot both win.
func (s *Store) EscalateApproval(ctx context.Context, id generic.ApprovalID, expectedCount int, to *routing.ApproverSpec, at time.Time) (bool, error) {
	query := `
		UPDATE approvals
		SET escalation_count = escalation_count + 1, last_escalated_at = ?
		WHERE id = ? AND status = 'PENDING' AND escalation_count = ?
	`
	args := []any{formatTime(at), id, expectedCount}
	if to != nil {
		query = `
			UPDATE approvals
			SET escalation_count = escalation_count + 1, last_escalated_at = ?,
			    approver_kind = ?, approver_id = ?, approver_role = ?
			WHERE id = ? AND status = 'PENDING' AND escalation_count = ?
		`
		args = []any{formatTime(at), to.Kind, to.UserID, to.Role, id, expectedCount}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, mapError(fmt.Errorf("failed to escalate approval: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
