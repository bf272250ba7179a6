package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/leave-engine/delegation"
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// DELEGATION STORE (delegation.Store)
// =============================================================================

const delegationColumns = `id, delegator_id, delegate_id, start_date, end_date, is_active, reason, created_at, updated_at`

// CreateDelegation inserts d unless an active delegation of the same
// delegator overlaps it. Check and insert share one transaction.
func (s *Store) CreateDelegation(ctx context.Context, d *delegation.Delegation) error {
	var end sql.NullString
	if d.EndDate != nil {
		end = sql.NullString{String: formatDate(*d.EndDate), Valid: true}
	}
	return s.inTx(ctx, func(ts *txStore) error {
		existing, err := ts.delegationsOf(ctx, d.DelegatorID)
		if err != nil {
			return err
		}
		if d.IsActive {
			for _, e := range existing {
				if e.IsActive && e.Period().Overlaps(d.Period()) {
					return fmt.Errorf("%w: %s already delegated to %s for %s",
						generic.ErrDelegationOverlap, e.DelegatorID, e.DelegateID, e.Period())
				}
			}
		}
		if _, err := ts.q.ExecContext(ctx, `
			INSERT INTO delegations (`+delegationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.DelegatorID, d.DelegateID, formatDate(d.StartDate), end, d.IsActive, d.Reason,
			formatTime(d.CreatedAt), formatTime(d.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to insert delegation: %w", err)
		}
		return nil
	})
}

func (s *Store) GetDelegation(ctx context.Context, id generic.DelegationID) (*delegation.Delegation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM delegations WHERE id = ?`, id)
	d, err := scanDelegation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrDelegationNotFound, id)
	}
	return d, err
}

func (s *Store) ListDelegations(ctx context.Context, delegator generic.UserID) ([]delegation.Delegation, error) {
	return s.view().delegationsOf(ctx, delegator)
}

func (ts *txStore) delegationsOf(ctx context.Context, delegator generic.UserID) ([]delegation.Delegation, error) {
	rows, err := ts.q.QueryContext(ctx, `
		SELECT `+delegationColumns+` FROM delegations
		WHERE delegator_id = ?
		ORDER BY start_date ASC, created_at ASC
	`, delegator)
	if err != nil {
		return nil, fmt.Errorf("failed to query delegations: %w", err)
	}
	defer rows.Close()

	var out []delegation.Delegation
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *Store) ActivateExclusive(ctx context.Context, id generic.DelegationID, at time.Time) error {
	return s.inTx(ctx, func(ts *txStore) error {
		var delegator generic.UserID
		err := ts.q.QueryRowContext(ctx, `SELECT delegator_id FROM delegations WHERE id = ?`, id).Scan(&delegator)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", generic.ErrDelegationNotFound, id)
		}
		if err != nil {
			return err
		}
		if _, err := ts.q.ExecContext(ctx, `
			UPDATE delegations SET is_active = FALSE, updated_at = ?
			WHERE delegator_id = ? AND id <> ? AND is_active = TRUE
		`, formatTime(at), delegator, id); err != nil {
			return fmt.Errorf("failed to deactivate delegations: %w", err)
		}
		if _, err := ts.q.ExecContext(ctx,
			`UPDATE delegations SET is_active = TRUE, updated_at = ? WHERE id = ?`, formatTime(at), id); err != nil {
			return fmt.Errorf("failed to activate delegation: %w", err)
		}
		return nil
	})
}

func (s *Store) SetDelegationActive(ctx context.Context, id generic.DelegationID, active bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegations SET is_active = ?, updated_at = ? WHERE id = ?`, active, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update delegation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrDelegationNotFound, id)
	}
	return nil
}

func (s *Store) DeleteDelegation(ctx context.Context, id generic.DelegationID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delegations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete delegation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrDelegationNotFound, id)
	}
	return nil
}

func (s *Store) DeactivateDelegationsOf(ctx context.Context, user generic.UserID, at time.Time) ([]generic.DelegationID, error) {
	var ids []generic.DelegationID
	err := s.inTx(ctx, func(ts *txStore) error {
		rows, err := ts.q.QueryContext(ctx, `
			SELECT id FROM delegations
			WHERE is_active = TRUE AND (delegator_id = ? OR delegate_id = ?)
			ORDER BY id
		`, user, user)
		if err != nil {
			return fmt.Errorf("failed to query delegations: %w", err)
		}
		for rows.Next() {
			var id generic.DelegationID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = ts.q.ExecContext(ctx, `
			UPDATE delegations SET is_active = FALSE, updated_at = ?
			WHERE is_active = TRUE AND (delegator_id = ? OR delegate_id = ?)
		`, formatTime(at), user, user)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func scanDelegation(sc scanner) (*delegation.Delegation, error) {
	var (
		d                delegation.Delegation
		start            string
		end              sql.NullString
		created, updated string
	)
	if err := sc.Scan(&d.ID, &d.DelegatorID, &d.DelegateID, &start, &end, &d.IsActive, &d.Reason,
		&created, &updated); err != nil {
		return nil, err
	}
	d.StartDate = parseDate(start)
	if end.Valid {
		e := parseDate(end.String)
		d.EndDate = &e
	}
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return &d, nil
}
