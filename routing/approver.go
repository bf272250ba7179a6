/*
Package routing decides who must approve a request.

PURPOSE:
  Builds the ordered approval chain for a requester and leave type from the
  organizational hierarchy, substituting active delegates, and later checks
  whether an acting user may decide a given level.

CHAIN RULES:
  Level 1: requester's manager (or the manager's active delegate)
           no manager + EXECUTIVE   -> self-approved at creation
           no manager otherwise     -> department director, else HR slot
  Level 2: only when the leave type or the requester's role demands it
           department director (or delegate), skipped when that would
           duplicate the level-1 signer or the requester
           else EXECUTIVE self-approval (same rule as level 1)
           else HR slot

APPROVER SPECS:
  Fixed(userId)  - exactly that user, or their active delegate at decision time
  RoleSlot(role) - any active user holding role, resolved at decision time

SEE ALSO:
  - delegation/: active delegate lookup
  - workflow/: persists the chain as approval rows
*/
package routing

import (
	"fmt"

	"github.com/warp/leave-engine/generic"
)

type ApproverKind string

const (
	ApproverFixed    ApproverKind = "FIXED"
	ApproverRoleSlot ApproverKind = "ROLE"
)

// ApproverSpec is either Fixed(UserID) or RoleSlot(Role).
type ApproverSpec struct {
	Kind   ApproverKind
	UserID generic.UserID
	Role   generic.Role
}

func Fixed(id generic.UserID) ApproverSpec {
	return ApproverSpec{Kind: ApproverFixed, UserID: id}
}

func RoleSlot(role generic.Role) ApproverSpec {
	return ApproverSpec{Kind: ApproverRoleSlot, Role: role}
}

func (a ApproverSpec) IsFixed() bool { return a.Kind == ApproverFixed }
func (a ApproverSpec) IsSlot() bool  { return a.Kind == ApproverRoleSlot }

// Is reports whether the spec is Fixed to user id.
func (a ApproverSpec) Is(id generic.UserID) bool {
	return a.IsFixed() && a.UserID == id
}

func (a ApproverSpec) String() string {
	if a.IsSlot() {
		return fmt.Sprintf("role:%s", a.Role)
	}
	return fmt.Sprintf("user:%s", a.UserID)
}

// Step is one level of a chain.
type Step struct {
	Level    int
	Approver ApproverSpec
	// NominalApproverID is the hierarchy approver when a delegate was substituted.
	NominalApproverID generic.UserID
	// AutoApproved steps are recorded APPROVED at creation.
	AutoApproved bool
}

// Chain is ordered by level, starting at 1.
type Chain []Step

// RequiresDecision reports whether any step is still open at creation.
func (c Chain) RequiresDecision() bool {
	for _, s := range c {
		if !s.AutoApproved {
			return true
		}
	}
	return false
}

// FinalLevel returns the highest level, 0 for an empty chain.
func (c Chain) FinalLevel() int {
	if len(c) == 0 {
		return 0
	}
	return c[len(c)-1].Level
}
