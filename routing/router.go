package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
)

// Delegations looks up the delegate currently standing in for delegator.
type Delegations interface {
	ActiveDelegate(ctx context.Context, delegator generic.UserID, at time.Time) (generic.UserID, bool, error)
}

// Policy holds the organization-wide routing knobs.
type Policy struct {
	// SecondLevelRoles lists requester roles whose requests always need a
	// second-line approval, regardless of leave type.
	SecondLevelRoles []generic.Role
}

func DefaultPolicy() Policy {
	return Policy{SecondLevelRoles: []generic.Role{generic.RoleManager}}
}

func (p Policy) needsSecondLevel(requester *generic.User, lt *generic.LeaveType) bool {
	if lt.RequiresSecondLevel {
		return true
	}
	for _, r := range p.SecondLevelRoles {
		if r == requester.Role {
			return true
		}
	}
	return false
}

type Router struct {
	dir         generic.Directory
	delegations Delegations
	policy      Policy
	log         logrus.FieldLogger
}

func NewRouter(dir generic.Directory, delegations Delegations, policy Policy, log logrus.FieldLogger) *Router {
	return &Router{
		dir:         dir,
		delegations: delegations,
		policy:      policy,
		log:         log.WithField("component", "router"),
	}
}

// BuildChain computes the approval chain for a request submitted at.
// Leave types that do not require approval get an empty chain.
func (r *Router) BuildChain(ctx context.Context, requester *generic.User, lt *generic.LeaveType, at time.Time) (Chain, error) {
	if !lt.RequiresApproval {
		return Chain{}, nil
	}

	first, err := r.firstLevel(ctx, requester, at)
	if err != nil {
		return nil, err
	}
	chain := Chain{first}

	if r.policy.needsSecondLevel(requester, lt) {
		second, ok, err := r.secondLevel(ctx, requester, first, at)
		if err != nil {
			return nil, err
		}
		if ok {
			chain = append(chain, second)
		}
	}

	r.log.WithFields(logrus.Fields{
		"requester":  requester.ID,
		"leave_type": lt.ID,
		"levels":     len(chain),
	}).Debug("chain built")
	return chain, nil
}

func (r *Router) firstLevel(ctx context.Context, requester *generic.User, at time.Time) (Step, error) {
	if requester.HasManager() {
		mgr, err := r.activeUser(ctx, requester.ManagerID)
		if err != nil {
			return Step{}, err
		}
		if mgr != nil && mgr.ID != requester.ID {
			return r.fixedStep(ctx, 1, mgr.ID, at)
		}
	}

	if !requester.HasManager() && requester.Role == generic.RoleExecutive {
		return Step{Level: 1, Approver: Fixed(requester.ID), AutoApproved: true}, nil
	}

	// Missing or inactive manager: the department director signs first.
	if director, err := r.director(ctx, requester); err != nil {
		return Step{}, err
	} else if director != nil {
		return r.fixedStep(ctx, 1, director.ID, at)
	}
	return r.slotStep(ctx, 1, requester, generic.RoleHR)
}

func (r *Router) secondLevel(ctx context.Context, requester *generic.User, first Step, at time.Time) (Step, bool, error) {
	director, err := r.director(ctx, requester)
	if err != nil {
		return Step{}, false, err
	}
	if director != nil {
		// No duplicate signature from whoever already signs level 1.
		if first.Approver.Is(director.ID) || first.NominalApproverID == director.ID {
			return Step{}, false, nil
		}
		step, err := r.fixedStep(ctx, 2, director.ID, at)
		return step, err == nil, err
	}
	if requester.HasDirector() && requester.DepartmentDirectorID == requester.ID {
		// A director is their own second-line signer.
		return Step{}, false, nil
	}

	if requester.Role == generic.RoleExecutive && first.AutoApproved {
		return Step{Level: 2, Approver: Fixed(requester.ID), AutoApproved: true}, true, nil
	}
	step, err := r.slotStep(ctx, 2, requester, generic.RoleHR)
	return step, err == nil, err
}

// fixedStep assigns level to id, or to id's active delegate covering at.
func (r *Router) fixedStep(ctx context.Context, level int, id generic.UserID, at time.Time) (Step, error) {
	step := Step{Level: level, Approver: Fixed(id)}
	if r.delegations == nil {
		return step, nil
	}
	delegate, ok, err := r.delegations.ActiveDelegate(ctx, id, at)
	if err != nil {
		return Step{}, fmt.Errorf("delegation lookup for %s: %w", id, err)
	}
	if !ok {
		return step, nil
	}
	d, err := r.activeUser(ctx, delegate)
	if err != nil {
		return Step{}, err
	}
	if d == nil {
		r.log.WithFields(logrus.Fields{"delegator": id, "delegate": delegate}).Warn("delegate inactive, keeping delegator")
		return step, nil
	}
	step.Approver = Fixed(d.ID)
	step.NominalApproverID = id
	return step, nil
}

// slotStep requires at least one active holder of role other than the requester.
func (r *Router) slotStep(ctx context.Context, level int, requester *generic.User, role generic.Role) (Step, error) {
	holders, err := r.dir.ListActiveByRole(ctx, role)
	if err != nil {
		return Step{}, err
	}
	for _, h := range holders {
		if h.ID != requester.ID {
			return Step{Level: level, Approver: RoleSlot(role)}, nil
		}
	}
	return Step{}, &generic.ChainResolutionError{
		RequesterID: requester.ID,
		Level:       level,
		Role:        role,
		Reason:      "no active user holds the role",
	}
}

func (r *Router) director(ctx context.Context, requester *generic.User) (*generic.User, error) {
	if !requester.HasDirector() || requester.DepartmentDirectorID == requester.ID {
		return nil, nil
	}
	return r.activeUser(ctx, requester.DepartmentDirectorID)
}

// activeUser returns nil for unknown or inactive users.
func (r *Router) activeUser(ctx context.Context, id generic.UserID) (*generic.User, error) {
	u, err := r.dir.GetUser(ctx, id)
	if errors.Is(err, generic.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !u.IsActive {
		return nil, nil
	}
	return u, nil
}

// =============================================================================
// DECISION-TIME AUTHORIZATION
// =============================================================================

// Authorize checks that actor may decide an approval assigned to spec at
// time at: the fixed approver, an active holder of the slot role, or the
// active delegate of the fixed approver.
func (r *Router) Authorize(ctx context.Context, actor *generic.User, spec ApproverSpec, at time.Time) error {
	if !actor.IsActive {
		return fmt.Errorf("%w: %s is inactive", generic.ErrNotAuthorizedForLevel, actor.ID)
	}
	switch spec.Kind {
	case ApproverRoleSlot:
		if actor.Role == spec.Role {
			return nil
		}
	case ApproverFixed:
		if actor.ID == spec.UserID {
			return nil
		}
		if r.delegations != nil {
			delegate, ok, err := r.delegations.ActiveDelegate(ctx, spec.UserID, at)
			if err != nil {
				return err
			}
			if ok && delegate == actor.ID {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s cannot act for %s", generic.ErrNotAuthorizedForLevel, actor.ID, spec)
}

// CanAct is Authorize as a predicate, used when listing work queues.
func (r *Router) CanAct(ctx context.Context, actor *generic.User, spec ApproverSpec, at time.Time) bool {
	return r.Authorize(ctx, actor, spec, at) == nil
}
