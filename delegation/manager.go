package delegation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
)

// CreateInput describes a new delegation. End nil means indefinite.
type CreateInput struct {
	DelegatorID generic.UserID
	DelegateID  generic.UserID
	Start       time.Time
	End         *time.Time
	Reason      string
}

type Manager struct {
	store Store
	dir   generic.Directory
	audit generic.AuditLog
	log   logrus.FieldLogger

	Now func() time.Time
}

func NewManager(store Store, dir generic.Directory, audit generic.AuditLog, log logrus.FieldLogger) *Manager {
	return &Manager{
		store: store,
		dir:   dir,
		audit: audit,
		log:   log.WithField("component", "delegation"),
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create records an active delegation after checking every invariant.
// actor must be the delegator or an ADMIN.
func (m *Manager) Create(ctx context.Context, in CreateInput, actor generic.UserID) (*Delegation, error) {
	if in.DelegatorID == "" || in.DelegateID == "" || in.Start.IsZero() {
		return nil, fmt.Errorf("%w: delegator, delegate and start date are required", generic.ErrInvalidInput)
	}
	if in.End != nil && generic.Day(*in.End).Before(generic.Day(in.Start)) {
		return nil, fmt.Errorf("%w: delegation ends before it starts", generic.ErrInvalidInput)
	}
	if in.DelegatorID == in.DelegateID {
		return nil, generic.ErrSelfDelegation
	}
	if err := m.authorize(ctx, in.DelegatorID, actor); err != nil {
		return nil, err
	}

	delegate, err := m.dir.GetUser(ctx, in.DelegateID)
	if err != nil {
		return nil, fmt.Errorf("delegate %s: %w", in.DelegateID, err)
	}
	if !delegate.Role.CanApprove() {
		return nil, fmt.Errorf("%w: %s has role %s", generic.ErrIneligibleDelegate, delegate.ID, delegate.Role)
	}
	if !delegate.IsActive {
		return nil, fmt.Errorf("%w: delegate %s", generic.ErrInactiveUser, delegate.ID)
	}

	d := &Delegation{
		ID:          generic.DelegationID(uuid.NewString()),
		DelegatorID: in.DelegatorID,
		DelegateID:  in.DelegateID,
		StartDate:   generic.Day(in.Start),
		IsActive:    true,
		Reason:      in.Reason,
		CreatedAt:   m.Now(),
		UpdatedAt:   m.Now(),
	}
	if in.End != nil {
		end := generic.Day(*in.End)
		d.EndDate = &end
	}

	if err := m.store.CreateDelegation(ctx, d); err != nil {
		return nil, err
	}
	m.record(ctx, actor, generic.AuditDelegationCreated, d, map[string]string{
		"delegate": string(d.DelegateID),
		"period":   d.Period().String(),
	})
	m.log.WithFields(logrus.Fields{
		"delegation_id": d.ID,
		"delegator":     d.DelegatorID,
		"delegate":      d.DelegateID,
	}).Info("delegation created")
	return d, nil
}

// Toggle flips IsActive. Activating deactivates the delegator's other
// delegations; deactivating touches nothing else.
func (m *Manager) Toggle(ctx context.Context, id generic.DelegationID, actor generic.UserID) (*Delegation, error) {
	d, err := m.store.GetDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.authorize(ctx, d.DelegatorID, actor); err != nil {
		return nil, err
	}

	now := m.Now()
	if d.IsActive {
		err = m.store.SetDelegationActive(ctx, id, false, now)
	} else {
		err = m.store.ActivateExclusive(ctx, id, now)
	}
	if err != nil {
		return nil, err
	}
	d.IsActive = !d.IsActive
	d.UpdatedAt = now

	m.record(ctx, actor, generic.AuditDelegationToggled, d, map[string]string{
		"active": fmt.Sprintf("%t", d.IsActive),
	})
	return d, nil
}

// Deactivate turns a delegation off. Already inactive is a no-op.
func (m *Manager) Deactivate(ctx context.Context, id generic.DelegationID, actor generic.UserID) (*Delegation, error) {
	d, err := m.store.GetDelegation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.IsActive {
		return d, nil
	}
	return m.Toggle(ctx, id, actor)
}

func (m *Manager) Delete(ctx context.Context, id generic.DelegationID, actor generic.UserID) error {
	d, err := m.store.GetDelegation(ctx, id)
	if err != nil {
		return err
	}
	if err := m.authorize(ctx, d.DelegatorID, actor); err != nil {
		return err
	}
	if err := m.store.DeleteDelegation(ctx, id); err != nil {
		return err
	}
	m.record(ctx, actor, generic.AuditDelegationDeleted, d, nil)
	return nil
}

func (m *Manager) List(ctx context.Context, delegator generic.UserID) ([]Delegation, error) {
	return m.store.ListDelegations(ctx, delegator)
}

// ActiveDelegate returns the delegate standing in for delegator at the given
// time. Satisfies routing.Delegations.
func (m *Manager) ActiveDelegate(ctx context.Context, delegator generic.UserID, at time.Time) (generic.UserID, bool, error) {
	ds, err := m.store.ListDelegations(ctx, delegator)
	if err != nil {
		return "", false, err
	}
	for _, d := range ds {
		if d.Covers(at) {
			return d.DelegateID, true, nil
		}
	}
	return "", false, nil
}

// DeactivateAllFor turns off every delegation given by or to user, used when
// the user is deactivated.
func (m *Manager) DeactivateAllFor(ctx context.Context, user generic.UserID) ([]generic.DelegationID, error) {
	ids, err := m.store.DeactivateDelegationsOf(ctx, user, m.Now())
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		m.log.WithFields(logrus.Fields{"user_id": user, "count": len(ids)}).Info("delegations deactivated")
	}
	return ids, nil
}

// authorize allows the delegator and administrators. The system actor
// bypasses the check.
func (m *Manager) authorize(ctx context.Context, delegator, actor generic.UserID) error {
	if actor == delegator || actor == generic.SystemActor {
		return nil
	}
	u, err := m.dir.GetUser(ctx, actor)
	if err != nil {
		return fmt.Errorf("actor %s: %w", actor, err)
	}
	if u.Role == generic.RoleAdmin {
		return nil
	}
	return fmt.Errorf("%w: %s cannot manage delegations of %s", generic.ErrUnauthorized, actor, delegator)
}

func (m *Manager) record(ctx context.Context, actor generic.UserID, action generic.AuditAction, d *Delegation, details map[string]string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Record(ctx, generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  m.Now(),
		ActorID:    actor,
		Action:     action,
		EntityType: "delegation",
		EntityID:   string(d.ID),
		Details:    details,
	})
	if err != nil {
		m.log.WithError(err).WithField("action", action).Warn("audit record failed")
	}
}
