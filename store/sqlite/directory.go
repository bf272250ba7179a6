package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// DIRECTORY (generic.Directory) - users table
// =============================================================================

const userColumns = `id, name, email, role, manager_id, department_director_id, department, is_active, joined_at`

// UpsertUser inserts or replaces a directory entry. Used by the seed command.
func (s *Store) UpsertUser(ctx context.Context, u generic.User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q for user %s", generic.ErrInvalidInput, u.Role, u.ID)
	}
	joined := ""
	if !u.JoinedAt.IsZero() {
		joined = formatDate(u.JoinedAt)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			role = excluded.role,
			manager_id = excluded.manager_id,
			department_director_id = excluded.department_director_id,
			department = excluded.department,
			is_active = excluded.is_active,
			joined_at = excluded.joined_at
	`, u.ID, u.Name, u.Email, u.Role, u.ManagerID, u.DepartmentDirectorID, u.Department, u.IsActive, joined)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// SetUserActive flips the directory flag. Implements workflow.UserDeactivator.
func (s *Store) SetUserActive(ctx context.Context, id generic.UserID, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", generic.ErrUserNotFound, id)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, id generic.UserID) (*generic.User, error) {
	return s.view().GetUser(ctx, id)
}

func (s *Store) ListActiveByRole(ctx context.Context, role generic.Role) ([]generic.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE role = ? AND is_active = TRUE ORDER BY id`, role)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []generic.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ListUsers returns every directory entry ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]generic.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []generic.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (ts *txStore) GetUser(ctx context.Context, id generic.UserID) (*generic.User, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrUserNotFound, id)
	}
	return u, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(sc scanner) (*generic.User, error) {
	var (
		u      generic.User
		joined string
	)
	if err := sc.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.ManagerID, &u.DepartmentDirectorID,
		&u.Department, &u.IsActive, &joined); err != nil {
		return nil, err
	}
	u.JoinedAt = parseDate(joined)
	return &u, nil
}

// =============================================================================
// CATALOG (generic.Catalog) - leave_types table
// =============================================================================

const leaveTypeColumns = `id, code, name, category, days_allowed, carry_forward, max_carry_forward,
	requires_approval, requires_document, requires_second_level, tracks_balance`

// UpsertLeaveType inserts or replaces a catalog entry. Used by the seed command.
func (s *Store) UpsertLeaveType(ctx context.Context, lt generic.LeaveType) error {
	category := lt.Category
	if category == "" {
		category = generic.CategoryLeave
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leave_types (`+leaveTypeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			category = excluded.category,
			days_allowed = excluded.days_allowed,
			carry_forward = excluded.carry_forward,
			max_carry_forward = excluded.max_carry_forward,
			requires_approval = excluded.requires_approval,
			requires_document = excluded.requires_document,
			requires_second_level = excluded.requires_second_level,
			tracks_balance = excluded.tracks_balance
	`, lt.ID, lt.Code, lt.Name, category, lt.DaysAllowed.String(), lt.CarryForward, lt.MaxCarryForward.String(),
		lt.RequiresApproval, lt.RequiresDocument, lt.RequiresSecondLevel, lt.TracksBalance)
	if err != nil {
		return fmt.Errorf("failed to save leave type: %w", err)
	}
	return nil
}

func (s *Store) GetLeaveType(ctx context.Context, id generic.LeaveTypeID) (*generic.LeaveType, error) {
	return s.view().GetLeaveType(ctx, id)
}

func (s *Store) ListLeaveTypes(ctx context.Context) ([]generic.LeaveType, error) {
	return s.view().ListLeaveTypes(ctx)
}

func (ts *txStore) GetLeaveType(ctx context.Context, id generic.LeaveTypeID) (*generic.LeaveType, error) {
	row := ts.q.QueryRowContext(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types WHERE id = ?`, id)
	lt, err := scanLeaveType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", generic.ErrLeaveTypeNotFound, id)
	}
	return lt, err
}

func (ts *txStore) ListLeaveTypes(ctx context.Context) ([]generic.LeaveType, error) {
	rows, err := ts.q.QueryContext(ctx, `SELECT `+leaveTypeColumns+` FROM leave_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query leave types: %w", err)
	}
	defer rows.Close()

	var out []generic.LeaveType
	for rows.Next() {
		lt, err := scanLeaveType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *lt)
	}
	return out, rows.Err()
}

func scanLeaveType(sc scanner) (*generic.LeaveType, error) {
	var (
		lt               generic.LeaveType
		allowed, maxCarr string
	)
	if err := sc.Scan(&lt.ID, &lt.Code, &lt.Name, &lt.Category, &allowed, &lt.CarryForward, &maxCarr,
		&lt.RequiresApproval, &lt.RequiresDocument, &lt.RequiresSecondLevel, &lt.TracksBalance); err != nil {
		return nil, err
	}
	lt.DaysAllowed = parseDecimal(allowed)
	lt.MaxCarryForward = parseDecimal(maxCarr)
	return &lt, nil
}
