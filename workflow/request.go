/*
Package workflow owns the lifecycle of leave and WFH requests.

STATE MACHINE:
  PENDING -> APPROVED | REJECTED | CANCELLED   (all three terminal)

  Submit   conflict check, chain, reserve, create request + approvals
  Decide   authorize, level order, approve/reject one approval row
           reject        -> request REJECTED, open rows CANCELLED, release
           approve final -> request APPROVED, commit
  Cancel   request CANCELLED, open rows CANCELLED, release

ATOMICITY:
  Every transition, including its ledger movement, runs in one store
  transaction. Notifications, audit and documents run after commit and
  never roll a transition back.

SEE ALSO:
  - ledger/: balance movements
  - routing/: chain construction and decision-time authorization
*/
package workflow

import (
	"time"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/routing"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool { return s != StatusPending }

// Decision is the verdict on one approval row.
type Decision string

const (
	DecisionApprove Decision = "APPROVED"
	DecisionReject  Decision = "REJECTED"
)

func (d Decision) Valid() bool { return d == DecisionApprove || d == DecisionReject }

// Request is a leave or WFH request with its approval rows.
type Request struct {
	ID            generic.RequestID
	RequestNumber string
	UserID        generic.UserID
	LeaveTypeID   generic.LeaveTypeID
	Category      generic.LeaveCategory
	StartDate     time.Time
	EndDate       time.Time
	// SelectedDates, when non-empty, take precedence over the range.
	SelectedDates []time.Time
	TotalDays     int
	Status        Status
	Reason        string
	SubstituteID  generic.UserID
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Approvals []Approval
}

// Dates returns the days the request covers.
func (r *Request) Dates() []time.Time {
	if len(r.SelectedDates) > 0 {
		return generic.NormalizeDates(r.SelectedDates)
	}
	return generic.ExpandRange(r.StartDate, r.EndDate)
}

func (r *Request) IsWFH() bool { return r.Category == generic.CategoryWFH }

// Approval returns the row for level, nil if the chain has no such level.
func (r *Request) Approval(level int) *Approval {
	for i := range r.Approvals {
		if r.Approvals[i].Level == level {
			return &r.Approvals[i]
		}
	}
	return nil
}

// FinalLevel is the highest approval level of the request.
func (r *Request) FinalLevel() int {
	final := 0
	for _, a := range r.Approvals {
		if a.Level > final {
			final = a.Level
		}
	}
	return final
}

// CurrentApproval returns the lowest PENDING row, nil when none is open.
func (r *Request) CurrentApproval() *Approval {
	var cur *Approval
	for i := range r.Approvals {
		a := &r.Approvals[i]
		if a.Status == StatusPending && (cur == nil || a.Level < cur.Level) {
			cur = a
		}
	}
	return cur
}

// Approval is one level of a request's chain.
type Approval struct {
	ID                generic.ApprovalID
	RequestID         generic.RequestID
	Level             int
	Approver          routing.ApproverSpec
	NominalApproverID generic.UserID
	Status            Status
	Comments          string
	DecidedBy         generic.UserID
	ApprovedAt        *time.Time // decision time, approve or reject
	EscalationCount   int
	LastEscalatedAt   *time.Time
	CreatedAt         time.Time
}

// ApproverIDs lists the users who decided the request's approved rows.
func (r *Request) ApproverIDs() []generic.UserID {
	var ids []generic.UserID
	for _, a := range r.Approvals {
		if a.Status == StatusApproved && a.DecidedBy != "" {
			ids = append(ids, a.DecidedBy)
		}
	}
	return ids
}
