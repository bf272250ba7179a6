package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/ledger"
)

// =============================================================================
// LEDGER STORE (ledger.Store / ledger.Tx)
// =============================================================================

// WithBalanceTx runs fn in one IMMEDIATE transaction.
func (s *Store) WithBalanceTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.inTx(ctx, func(ts *txStore) error { return fn(ts) })
}

// YearEndUsers lists users holding a balance row for year, plus active users
// who had joined by the end of year.
func (s *Store) YearEndUsers(ctx context.Context, year int) ([]generic.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM leave_balances WHERE year = ?
		UNION
		SELECT id FROM users WHERE is_active = TRUE AND (joined_at = '' OR joined_at <= ?)
		ORDER BY 1
	`, year, formatDate(generic.EndOfYear(year)))
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var users []generic.UserID
	for rows.Next() {
		var id generic.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

const balanceColumns = `user_id, leave_type_id, year, entitled, used, pending, available, carried_forward, updated_at`

func (ts *txStore) GetBalance(ctx context.Context, user generic.UserID, leaveType generic.LeaveTypeID, year int) (*ledger.Balance, error) {
	row := ts.q.QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM leave_balances
		WHERE user_id = ? AND leave_type_id = ? AND year = ?
	`, user, leaveType, year)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (ts *txStore) ListBalances(ctx context.Context, user generic.UserID, year int) ([]ledger.Balance, error) {
	rows, err := ts.q.QueryContext(ctx, `
		SELECT `+balanceColumns+` FROM leave_balances
		WHERE user_id = ? AND year = ?
		ORDER BY leave_type_id
	`, user, year)
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (ts *txStore) SaveBalance(ctx context.Context, b *ledger.Balance) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = ts.now()
	}
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO leave_balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, leave_type_id, year) DO UPDATE SET
			entitled = excluded.entitled,
			used = excluded.used,
			pending = excluded.pending,
			available = excluded.available,
			carried_forward = excluded.carried_forward,
			updated_at = excluded.updated_at
	`, b.UserID, b.LeaveTypeID, b.Year, b.Entitled.String(), b.Used.String(), b.Pending.String(),
		b.Available.String(), b.CarriedForward.String(), formatTime(b.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

func (ts *txStore) DeleteBalances(ctx context.Context, user generic.UserID, year int) error {
	_, err := ts.q.ExecContext(ctx, `DELETE FROM leave_balances WHERE user_id = ? AND year = ?`, user, year)
	if err != nil {
		return fmt.Errorf("failed to delete balances: %w", err)
	}
	return nil
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, leave_type_id, year, kind, days, request_id, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.LeaveTypeID, e.Year, e.Kind, e.Days.String(),
		nullString(string(e.RequestID)), nullString(e.IdempotencyKey), formatTime(e.CreatedAt))
	if err != nil {
		return mapError(fmt.Errorf("failed to append ledger entry: %w", err))
	}
	return nil
}

func (ts *txStore) HasEntry(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := ts.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`, idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (ts *txStore) Entries(ctx context.Context, user generic.UserID, year int) ([]ledger.Entry, error) {
	rows, err := ts.q.QueryContext(ctx, `
		SELECT id, user_id, leave_type_id, year, kind, days, request_id, idempotency_key, created_at
		FROM ledger_entries
		WHERE user_id = ? AND year = ?
		ORDER BY seq ASC
	`, user, year)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e              ledger.Entry
			days, created  string
			reqID, idemKey sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.LeaveTypeID, &e.Year, &e.Kind, &days, &reqID, &idemKey, &created); err != nil {
			return nil, err
		}
		e.Days = parseDecimal(days)
		e.RequestID = generic.RequestID(reqID.String)
		e.IdempotencyKey = idemKey.String
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanBalance(sc scanner) (*ledger.Balance, error) {
	var (
		b                              ledger.Balance
		entitled, used, pending, avail string
		carried, updated               string
	)
	if err := sc.Scan(&b.UserID, &b.LeaveTypeID, &b.Year, &entitled, &used, &pending, &avail, &carried, &updated); err != nil {
		return nil, err
	}
	b.Entitled = parseDecimal(entitled)
	b.Used = parseDecimal(used)
	b.Pending = parseDecimal(pending)
	b.Available = parseDecimal(avail)
	b.CarriedForward = parseDecimal(carried)
	b.UpdatedAt = parseTime(updated)
	return &b, nil
}
