/*
ports.go - Contracts for the collaborators the engine consumes

PURPOSE:
  The engine does not own identities, mail delivery, documents or the
  compliance trail. It reaches them through these narrow interfaces so
  that production adapters (store/sqlite, notify) and test doubles are
  interchangeable.

FAILURE SEMANTICS:
  Catalog:    errors are fatal to the calling operation
  Directory:  errors are fatal to the calling operation
  Notifier:   fire-and-forget, failure never rolls back workflow state
  AuditLog:   best-effort, called after each state transition
  Documents:  invoked after final approval, failure never reverts APPROVED

SEE ALSO:
  - store/sqlite/directory.go, store/sqlite/audit.go: SQLite adapters
  - notify/: notification sinks
*/
package generic

import (
	"context"
	"time"
)

// =============================================================================
// DIRECTORY - Read-only organizational hierarchy
// =============================================================================

// Directory resolves users. Returns ErrUserNotFound for unknown ids.
type Directory interface {
	GetUser(ctx context.Context, id UserID) (*User, error)

	// ListActiveByRole returns active users holding role, used to staff role slots.
	ListActiveByRole(ctx context.Context, role Role) ([]User, error)
}

// =============================================================================
// CATALOG - Leave types, administered outside the engine
// =============================================================================

// Catalog returns ErrLeaveTypeNotFound for unknown ids.
type Catalog interface {
	GetLeaveType(ctx context.Context, id LeaveTypeID) (*LeaveType, error)
	ListLeaveTypes(ctx context.Context) ([]LeaveType, error)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

type NotificationKind string

const (
	NotifyApprovalRequested NotificationKind = "APPROVAL_REQUESTED"
	NotifyRequestApproved   NotificationKind = "REQUEST_APPROVED"
	NotifyRequestRejected   NotificationKind = "REQUEST_REJECTED"
	NotifyRequestCancelled  NotificationKind = "REQUEST_CANCELLED"
	NotifyActionRequired    NotificationKind = "ACTION_REQUIRED"
	NotifyEscalated         NotificationKind = "ESCALATED"
)

type Notification struct {
	UserID  UserID
	Kind    NotificationKind
	Title   string
	Message string
	Link    string
	// DedupeKey, when set, lets sinks drop repeats of the same logical notification.
	DedupeKey string
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// =============================================================================
// AUDIT LOG - Append-only, separate from the ledger journal
// =============================================================================

type AuditAction string

const (
	AuditRequestSubmitted     AuditAction = "request.submitted"
	AuditRequestApproved      AuditAction = "request.approved"
	AuditRequestRejected      AuditAction = "request.rejected"
	AuditRequestCancelled     AuditAction = "request.cancelled"
	AuditApprovalDecided      AuditAction = "approval.decided"
	AuditApprovalEscalated    AuditAction = "approval.escalated"
	AuditApprovalAutoRejected AuditAction = "approval.auto_rejected"
	AuditDelegationCreated    AuditAction = "delegation.created"
	AuditDelegationToggled    AuditAction = "delegation.toggled"
	AuditDelegationDeleted    AuditAction = "delegation.deleted"
	AuditBalanceRecalculated  AuditAction = "balance.recalculated"
	AuditYearEndProcessed     AuditAction = "yearend.processed"
	AuditUserDeactivated      AuditAction = "user.deactivated"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	ActorID    UserID // "system" for automated transitions
	Action     AuditAction
	EntityType string // "leave_request", "approval", "delegation", "balance"
	EntityID   string
	Details    map[string]string
}

type AuditLog interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// SystemActor is the actor id recorded for automated transitions.
const SystemActor UserID = "system"

// =============================================================================
// DOCUMENTS - Record generation after final approval
// =============================================================================

// ApprovedRecord is what the document subsystem receives for an approved request.
type ApprovedRecord struct {
	RequestID     RequestID
	RequestNumber string
	UserID        UserID
	LeaveTypeID   LeaveTypeID
	Dates         []time.Time
	TotalDays     int
	ApproverIDs   []UserID
	ApprovedAt    time.Time
}

type DocumentGenerator interface {
	GenerateApprovalRecord(ctx context.Context, rec ApprovedRecord) error
}
