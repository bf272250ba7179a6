package workflow

import (
	"context"
	"time"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/ledger"
)

// Tx is the store view inside one write transaction. It embeds the ledger
// view so balance movements commit or roll back with the request.
type Tx interface {
	ledger.Tx

	// FindConflict returns the first PENDING or APPROVED request of user
	// covering any of dates, nil if none.
	FindConflict(ctx context.Context, user generic.UserID, dates []time.Time) (*generic.DateConflictError, error)

	// NextRequestNumber returns the next sequence number for year, starting at 1.
	NextRequestNumber(ctx context.Context, year int) (int, error)

	// InsertRequest stores the request, its dates and its approval rows.
	InsertRequest(ctx context.Context, r *Request) error

	// GetRequest loads a request with its approvals, ErrRequestNotFound if missing.
	GetRequest(ctx context.Context, id generic.RequestID) (*Request, error)

	// SetRequestStatus moves a PENDING request to status. Returns
	// ErrInvalidTransition if the request is no longer PENDING.
	SetRequestStatus(ctx context.Context, id generic.RequestID, status Status, at time.Time) error

	// DecideApproval sets a PENDING row to status. Returns ErrAlreadyDecided
	// if the row is no longer PENDING.
	DecideApproval(ctx context.Context, id generic.ApprovalID, status Status, decidedBy generic.UserID, comments string, at time.Time) error

	// CancelOpenApprovals cancels every PENDING row of the request.
	CancelOpenApprovals(ctx context.Context, id generic.RequestID, comment string, at time.Time) (int, error)
}

// Store persists requests and approvals.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	GetRequest(ctx context.Context, id generic.RequestID) (*Request, error)
	// GetApproval returns ErrApprovalNotFound for unknown ids.
	GetApproval(ctx context.Context, id generic.ApprovalID) (*Approval, error)

	// ListOpenApprovals returns PENDING rows whose lower levels are all
	// APPROVED, with their requests, oldest first.
	ListOpenApprovals(ctx context.Context) ([]OpenApproval, error)

	// PendingRequestsOf lists the user's PENDING requests.
	PendingRequestsOf(ctx context.Context, user generic.UserID) ([]generic.RequestID, error)

	// PendingApprovalsAssignedTo lists PENDING rows fixed to user.
	PendingApprovalsAssignedTo(ctx context.Context, user generic.UserID) ([]Approval, error)

	// WFHDates returns the PENDING and APPROVED WFH days of user in [from, to].
	WFHDates(ctx context.Context, user generic.UserID, from, to time.Time) ([]time.Time, error)
}

// OpenApproval pairs an actionable approval row with its request.
type OpenApproval struct {
	Approval Approval
	Request  Request
}
