/*
errors.go - Error taxonomy shared by every component

PURPOSE:
  All error types in one place. Components return these (wrapped with
  context via %w) so the transport layer can classify them with errors.Is
  without knowing which component failed.

ERROR CATEGORIES:
  1. Business rejections - user-correctable (insufficient balance, date conflict)
  2. Authorization - wrong approver for a level
  3. Conflicts - stale or duplicate decisions, lost ledger races
  4. Configuration - no eligible approver for a required role

USAGE:
  if errors.Is(err, generic.ErrInsufficientBalance) {
      var ib *generic.InsufficientBalanceError
      errors.As(err, &ib)
  }
*/
package generic

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is a business rejection: the reservation would overdraw.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDateConflict is returned when a request overlaps an existing
	// pending or approved request of the same user.
	ErrDateConflict = errors.New("date conflict")

	// ErrUnauthorized is returned when the actor may not perform the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotAuthorizedForLevel is returned when the actor is not the resolved
	// approver, a role-slot holder or an active delegate for the level.
	ErrNotAuthorizedForLevel = fmt.Errorf("%w: not authorized for approval level", ErrUnauthorized)

	// ErrAlreadyDecided is returned for a decision on a non-PENDING approval.
	ErrAlreadyDecided = errors.New("approval already decided")

	// ErrLevelNotReady is returned when a level is decided before all lower levels are approved.
	ErrLevelNotReady = errors.New("previous approval level still pending")

	// ErrInvalidTransition is returned when a request is not in a state that allows the operation.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrChainResolution is a configuration error: no eligible approver exists.
	ErrChainResolution = errors.New("approval chain resolution failure")

	// ErrLedgerRaceLost is returned when a concurrent writer held the balance row.
	ErrLedgerRaceLost = errors.New("ledger race lost")

	// ErrDuplicateIdempotencyKey is returned when a ledger entry with the same key exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	ErrUserNotFound       = errors.New("user not found")
	ErrLeaveTypeNotFound  = errors.New("leave type not found")
	ErrRequestNotFound    = errors.New("request not found")
	ErrApprovalNotFound   = errors.New("approval not found")
	ErrDelegationNotFound = errors.New("delegation not found")

	// ErrInvalidInput covers malformed input (empty date lists, end before start...).
	ErrInvalidInput = errors.New("invalid input")

	ErrSelfDelegation     = errors.New("cannot delegate to self")
	ErrIneligibleDelegate = errors.New("delegate role cannot approve")
	ErrDelegationOverlap  = errors.New("overlapping active delegation")
	ErrInactiveUser       = errors.New("user is inactive")

	// ErrConfiguration is returned when runtime configuration or seed data is invalid.
	ErrConfiguration = errors.New("invalid configuration")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID      UserID
	LeaveTypeID LeaveTypeID
	Year        int
	Available   decimal.Decimal
	Requested   decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s/%d: available %s, requested %s",
		e.LeaveTypeID, e.Year, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// DateConflictError names the request that already covers the day.
type DateConflictError struct {
	UserID          UserID
	Date            time.Time
	ExistingRequest RequestID
}

func (e *DateConflictError) Error() string {
	return fmt.Sprintf("date conflict: %s already covered by request %s",
		e.Date.Format(DateLayout), e.ExistingRequest)
}

func (e *DateConflictError) Unwrap() error { return ErrDateConflict }

// ChainResolutionError describes which level could not be staffed.
type ChainResolutionError struct {
	RequesterID UserID
	Level       int
	Role        Role
	Reason      string
}

func (e *ChainResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve level %d approver (%s) for %s: %s",
		e.Level, e.Role, e.RequesterID, e.Reason)
}

func (e *ChainResolutionError) Unwrap() error { return ErrChainResolution }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid or rejected client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrDateConflict) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrSelfDelegation) ||
		errors.Is(err, ErrIneligibleDelegate) ||
		errors.Is(err, ErrInactiveUser)
}

// IsConflict returns true for stale, duplicate or out-of-order operations.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrLevelNotReady) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDelegationOverlap) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrLedgerRaceLost)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrLeaveTypeNotFound) ||
		errors.Is(err, ErrRequestNotFound) ||
		errors.Is(err, ErrApprovalNotFound) ||
		errors.Is(err, ErrDelegationNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerRaceLost)
}
