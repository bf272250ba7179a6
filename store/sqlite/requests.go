package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/routing"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// REQUEST STORE (workflow.Store / workflow.Tx)
// =============================================================================

// WithTx runs fn in one IMMEDIATE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx workflow.Tx) error) error {
	return s.inTx(ctx, func(ts *txStore) error { return fn(ts) })
}

const requestColumns = `id, request_number, user_id, leave_type_id, category, start_date, end_date,
	selected, total_days, status, reason, substitute_id, created_at, updated_at`

const approvalColumns = `id, request_id, level, approver_kind, approver_id, approver_role, nominal_approver_id,
	status, comments, decided_by, approved_at, escalation_count, last_escalated_at, created_at`

func (ts *txStore) FindConflict(ctx context.Context, user generic.UserID, dates []time.Time) (*generic.DateConflictError, error) {
	if len(dates) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(dates)+1)
	args = append(args, user)
	for _, d := range dates {
		args = append(args, formatDate(d))
	}
	var (
		date  string
		reqID generic.RequestID
	)
	err := ts.q.QueryRowContext(ctx, `
		SELECT d.date, d.request_id
		FROM leave_request_dates d
		JOIN leave_requests r ON r.id = d.request_id
		WHERE d.user_id = ?
		  AND r.status IN ('PENDING', 'APPROVED')
		  AND d.date IN (`+placeholders(len(dates))+`)
		ORDER BY d.date ASC
		LIMIT 1
	`, args...).Scan(&date, &reqID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check date conflicts: %w", err)
	}
	return &generic.DateConflictError{UserID: user, Date: parseDate(date), ExistingRequest: reqID}, nil
}

func (ts *txStore) NextRequestNumber(ctx context.Context, year int) (int, error) {
	var n int
	err := ts.q.QueryRowContext(ctx, `
		INSERT INTO request_counters (year, last) VALUES (?, 1)
		ON CONFLICT(year) DO UPDATE SET last = last + 1
		RETURNING last
	`, year).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate request number: %w", err)
	}
	return n, nil
}

func (ts *txStore) InsertRequest(ctx context.Context, r *workflow.Request) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO leave_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.RequestNumber, r.UserID, r.LeaveTypeID, r.Category, formatDate(r.StartDate), formatDate(r.EndDate),
		len(r.SelectedDates) > 0, r.TotalDays, r.Status, r.Reason, r.SubstituteID,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert request: %w", err)
	}

	for _, d := range r.Dates() {
		if _, err := ts.q.ExecContext(ctx,
			`INSERT INTO leave_request_dates (request_id, user_id, date) VALUES (?, ?, ?)`,
			r.ID, r.UserID, formatDate(d)); err != nil {
			return fmt.Errorf("failed to insert request date: %w", err)
		}
	}

	for _, a := range r.Approvals {
		if err := ts.insertApproval(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func (ts *txStore) insertApproval(ctx context.Context, a workflow.Approval) error {
	_, err := ts.q.ExecContext(ctx, `
		INSERT INTO approvals (`+approvalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.RequestID, a.Level, a.Approver.Kind, a.Approver.UserID, a.Approver.Role, a.NominalApproverID,
		a.Status, a.Comments, a.DecidedBy, nullTime(a.ApprovedAt), a.EscalationCount, nullTime(a.LastEscalatedAt),
		formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

func (ts *txStore) GetRequest(ctx context.Context, id generic.RequestID) (*workflow.Request, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM leave_requests WHERE id = ?`, id)
	r, selected, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if selected {
		if r.SelectedDates, err = ts.requestDates(ctx, id); err != nil {
			return nil, err
		}
	}
	if r.Approvals, err = ts.approvalsOf(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (ts *txStore) requestDates(ctx context.Context, id generic.RequestID) ([]time.Time, error) {
	rows, err := ts.q.QueryContext(ctx,
		`SELECT date FROM leave_request_dates WHERE request_id = ? ORDER BY date`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query request dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, parseDate(d))
	}
	return dates, rows.Err()
}

func (ts *txStore) approvalsOf(ctx context.Context, id generic.RequestID) ([]workflow.Approval, error) {
	return ts.queryApprovals(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE request_id = ? ORDER BY level`, id)
}

func (ts *txStore) queryApprovals(ctx context.Context, query string, args ...any) ([]workflow.Approval, error) {
	rows, err := ts.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var out []workflow.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (ts *txStore) SetRequestStatus(ctx context.Context, id generic.RequestID, status workflow.Status, at time.Time) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE leave_requests SET status = ?, updated_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, status, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current workflow.Status
		err := ts.q.QueryRowContext(ctx, `SELECT status FROM leave_requests WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", generic.ErrRequestNotFound, id)
		}
		return fmt.Errorf("%w: request %s is %s", generic.ErrInvalidTransition, id, current)
	}
	return nil
}

func (ts *txStore) DecideApproval(ctx context.Context, id generic.ApprovalID, status workflow.Status, decidedBy generic.UserID, comments string, at time.Time) error {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decided_by = ?, comments = ?, approved_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, status, decidedBy, comments, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: approval %s", generic.ErrAlreadyDecided, id)
	}
	return nil
}

func (ts *txStore) CancelOpenApprovals(ctx context.Context, id generic.RequestID, comment string, at time.Time) (int, error) {
	res, err := ts.q.ExecContext(ctx, `
		UPDATE approvals SET status = 'CANCELLED', comments = ?, approved_at = ?
		WHERE request_id = ? AND status = 'PENDING'
	`, comment, formatTime(at), id)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Read side, outside transactions.

func (s *Store) GetRequest(ctx context.Context, id generic.RequestID) (*workflow.Request, error) {
	return s.view().GetRequest(ctx, id)
}

func (s *Store) GetApproval(ctx context.Context, id generic.ApprovalID) (*workflow.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrApprovalNotFound, id)
	}
	return a, err
}

func (s *Store) ListOpenApprovals(ctx context.Context) ([]workflow.OpenApproval, error) {
	approvals, err := s.view().queryApprovals(ctx, `
		SELECT `+prefixed("a", approvalColumns)+`
		FROM approvals a
		JOIN leave_requests r ON r.id = a.request_id
		WHERE a.status = 'PENDING'
		  AND r.status = 'PENDING'
		  AND NOT EXISTS (
			SELECT 1 FROM approvals p
			WHERE p.request_id = a.request_id AND p.level < a.level AND p.status <> 'APPROVED'
		  )
		ORDER BY r.created_at ASC, a.level ASC
	`)
	if err != nil {
		return nil, err
	}

	// Rows are closed before requests load: the pool has one connection.
	out := make([]workflow.OpenApproval, 0, len(approvals))
	for _, a := range approvals {
		req, err := s.GetRequest(ctx, a.RequestID)
		if err != nil {
			return nil, err
		}
		out = append(out, workflow.OpenApproval{Approval: a, Request: *req})
	}
	return out, nil
}

func (s *Store) PendingRequestsOf(ctx context.Context, user generic.UserID) ([]generic.RequestID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM leave_requests
		WHERE user_id = ? AND status = 'PENDING'
		ORDER BY created_at
	`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var ids []generic.RequestID
	for rows.Next() {
		var id generic.RequestID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) PendingApprovalsAssignedTo(ctx context.Context, user generic.UserID) ([]workflow.Approval, error) {
	return s.view().queryApprovals(ctx, `
		SELECT `+prefixed("a", approvalColumns)+`
		FROM approvals a
		JOIN leave_requests r ON r.id = a.request_id
		WHERE a.approver_kind = ? AND a.approver_id = ? AND a.status = 'PENDING' AND r.status = 'PENDING'
		ORDER BY a.created_at
	`, routing.ApproverFixed, user)
}

func (s *Store) WFHDates(ctx context.Context, user generic.UserID, from, to time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.date
		FROM leave_request_dates d
		JOIN leave_requests r ON r.id = d.request_id
		WHERE d.user_id = ?
		  AND r.category = ?
		  AND r.status IN ('PENDING', 'APPROVED')
		  AND d.date BETWEEN ? AND ?
		ORDER BY d.date
	`, user, generic.CategoryWFH, formatDate(from), formatDate(to))
	if err != nil {
		return nil, fmt.Errorf("failed to query WFH dates: %w", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, parseDate(d))
	}
	return dates, rows.Err()
}

// ListRequestsOf returns a user's requests, newest first, with approvals.
func (s *Store) ListRequestsOf(ctx context.Context, user generic.UserID) ([]workflow.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM leave_requests WHERE user_id = ? ORDER BY created_at DESC`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	var ids []generic.RequestID
	for rows.Next() {
		var id generic.RequestID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]workflow.Request, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func scanRequest(sc scanner) (*workflow.Request, bool, error) {
	var (
		r                workflow.Request
		start, end       string
		created, updated string
		selected         bool
	)
	if err := sc.Scan(&r.ID, &r.RequestNumber, &r.UserID, &r.LeaveTypeID, &r.Category, &start, &end,
		&selected, &r.TotalDays, &r.Status, &r.Reason, &r.SubstituteID, &created, &updated); err != nil {
		return nil, false, err
	}
	r.StartDate = parseDate(start)
	r.EndDate = parseDate(end)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, selected, nil
}

func scanApproval(sc scanner) (*workflow.Approval, error) {
	var (
		a                   workflow.Approval
		approvedAt, lastEsc sql.NullString
		created             string
	)
	if err := sc.Scan(&a.ID, &a.RequestID, &a.Level, &a.Approver.Kind, &a.Approver.UserID, &a.Approver.Role,
		&a.NominalApproverID, &a.Status, &a.Comments, &a.DecidedBy, &approvedAt, &a.EscalationCount,
		&lastEsc, &created); err != nil {
		return nil, err
	}
	a.ApprovedAt = timePtr(approvedAt)
	a.LastEscalatedAt = timePtr(lastEsc)
	a.CreatedAt = parseTime(created)
	return &a, nil
}
