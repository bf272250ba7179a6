/*
Package generic holds the shared kernel of the leave engine.

PURPOSE:
  Types every component agrees on: identifiers, the read-only view of a
  user from the directory, the leave-type catalog entry, day amounts and
  the consumed collaborator contracts (directory, notifications, audit,
  documents). Nothing in here performs I/O.

KEY CONCEPTS IN THIS FILE (types.go):
  - Days: a decimal quantity of leave days (half days are legal)
  - User / Role: the organizational hierarchy as seen by routing
  - LeaveType: an immutable catalog entry

DESIGN PRINCIPLES:
  1. Precision: day amounts use decimal.Decimal, never float64
  2. Type Safety: distinct ID types so a user id can't be passed as a request id
  3. Weak references: hierarchy pointers are ids resolved through the Directory

SEE ALSO:
  - time.go: date helpers and periods
  - errors.go: error taxonomy
  - ports.go: external collaborator contracts
*/
package generic

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type LeaveTypeID string
type RequestID string
type ApprovalID string
type DelegationID string

// =============================================================================
// DAYS - Quantity of leave
// =============================================================================

func Days(n int) decimal.Decimal { return decimal.NewFromInt(int64(n)) }

// ClampZero returns max(0, d).
func ClampZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// RoundHalfDay rounds to the nearest 0.5.
func RoundHalfDay(d decimal.Decimal) decimal.Decimal {
	two := decimal.NewFromInt(2)
	return d.Mul(two).Round(0).Div(two)
}

// =============================================================================
// USERS - Read from the external directory
// =============================================================================

type Role string

const (
	RoleEmployee           Role = "EMPLOYEE"
	RoleManager            Role = "MANAGER"
	RoleDepartmentDirector Role = "DEPARTMENT_DIRECTOR"
	RoleHR                 Role = "HR"
	RoleExecutive          Role = "EXECUTIVE"
	RoleAdmin              Role = "ADMIN"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleManager, RoleDepartmentDirector, RoleHR, RoleExecutive, RoleAdmin:
		return true
	}
	return false
}

// CanApprove reports whether the role may hold approval authority,
// directly or through a delegation.
func (r Role) CanApprove() bool {
	switch r {
	case RoleManager, RoleDepartmentDirector, RoleHR, RoleExecutive, RoleAdmin:
		return true
	}
	return false
}

// User is the directory's view of a person. The engine never owns users.
type User struct {
	ID                   UserID
	Name                 string
	Email                string
	Role                 Role
	ManagerID            UserID // empty = no manager
	DepartmentDirectorID UserID // empty = no director
	Department           string
	IsActive             bool
	JoinedAt             time.Time
}

func (u User) HasManager() bool  { return u.ManagerID != "" }
func (u User) HasDirector() bool { return u.DepartmentDirectorID != "" }

// =============================================================================
// LEAVE TYPES - Immutable catalog entries
// =============================================================================

type LeaveCategory string

const (
	CategoryLeave LeaveCategory = "LEAVE"
	CategoryWFH   LeaveCategory = "WFH"
)

// LeaveType is created by administrators and read-only to the engine.
type LeaveType struct {
	ID                  LeaveTypeID
	Code                string
	Name                string
	Category            LeaveCategory
	DaysAllowed         decimal.Decimal // annual entitlement default
	CarryForward        bool
	MaxCarryForward     decimal.Decimal
	RequiresApproval    bool
	RequiresDocument    bool
	RequiresSecondLevel bool
	// TracksBalance is false for types like sick or special leave: reservations
	// always succeed and only usage is recorded.
	TracksBalance bool
}

func (lt LeaveType) IsWFH() bool { return lt.Category == CategoryWFH }
