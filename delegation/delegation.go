/*
Package delegation manages temporary transfers of approval authority.

INVARIANTS:
  1. No self-delegation.
  2. The delegate holds an approver-eligible role and is active.
  3. A delegator never has two active delegations with overlapping windows
     (a nil end date extends to infinity).
  4. Activating a delegation deactivates every other active delegation of
     the same delegator. Deactivating never activates another.

Delegations are read by the router when a chain is built and when a
decision is authorized. Changing one never rewrites existing chains.
*/
package delegation

import (
	"context"
	"time"

	"github.com/warp/leave-engine/generic"
)

type Delegation struct {
	ID          generic.DelegationID
	DelegatorID generic.UserID
	DelegateID  generic.UserID
	StartDate   time.Time
	EndDate     *time.Time // nil = indefinite
	IsActive    bool
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (d Delegation) Period() generic.Period {
	return generic.Period{Start: d.StartDate, End: d.EndDate}
}

// Covers reports whether the delegation is active and its window contains at.
func (d Delegation) Covers(at time.Time) bool {
	return d.IsActive && d.Period().Contains(at)
}

// Store persists delegations.
type Store interface {
	// CreateDelegation returns ErrDelegationOverlap if an active delegation
	// of the same delegator overlaps d. The check and the insert are atomic.
	CreateDelegation(ctx context.Context, d *Delegation) error
	// GetDelegation returns ErrDelegationNotFound for unknown ids.
	GetDelegation(ctx context.Context, id generic.DelegationID) (*Delegation, error)
	ListDelegations(ctx context.Context, delegator generic.UserID) ([]Delegation, error)

	// ActivateExclusive activates id and deactivates every other delegation
	// of the same delegator in one transaction.
	ActivateExclusive(ctx context.Context, id generic.DelegationID, at time.Time) error
	SetDelegationActive(ctx context.Context, id generic.DelegationID, active bool, at time.Time) error
	DeleteDelegation(ctx context.Context, id generic.DelegationID) error

	// DeactivateDelegationsOf deactivates every active delegation where user
	// is delegator or delegate, returning the affected ids.
	DeactivateDelegationsOf(ctx context.Context, user generic.UserID, at time.Time) ([]generic.DelegationID, error)
}
