package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/metrics"
	"github.com/warp/leave-engine/routing"
	"github.com/warp/leave-engine/workflow"
)

// Store records escalations.
type Store interface {
	SettingsStore

	// EscalateApproval increments the escalation counter and stamps
	// LastEscalatedAt, reassigning the row when to is non-nil. It only
	// applies while the row is PENDING with expectedCount escalations;
	// otherwise it returns false.
	EscalateApproval(ctx context.Context, id generic.ApprovalID, expectedCount int, to *routing.ApproverSpec, at time.Time) (bool, error)
}

// Approvals lists the approvals a sweep considers.
type Approvals interface {
	ListOpenApprovals(ctx context.Context) ([]workflow.OpenApproval, error)
}

type Sweeper struct {
	store     Store
	approvals Approvals
	dir       generic.Directory
	notifier  generic.Notifier
	audit     generic.AuditLog
	defaults  []Setting
	log       logrus.FieldLogger
	metrics   *metrics.Metrics

	Now func() time.Time
}

func NewSweeper(store Store, approvals Approvals, dir generic.Directory, notifier generic.Notifier, audit generic.AuditLog,
	defaults []Setting, log logrus.FieldLogger, m *metrics.Metrics) *Sweeper {
	if len(defaults) == 0 {
		defaults = DefaultSettings()
	}
	return &Sweeper{
		store:     store,
		approvals: approvals,
		dir:       dir,
		notifier:  notifier,
		audit:     audit,
		defaults:  defaults,
		log:       log.WithField("component", "escalation"),
		metrics:   m,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Examined   int       `json:"examined"`
	Due        int       `json:"due"`
	Reassigned int       `json:"reassigned"`
	Notified   int       `json:"notified"`
	// Capped counts approvals past threshold that hit MaxEscalations.
	Capped int `json:"capped"`
	// Conflicts counts approvals another sweep escalated first.
	Conflicts int      `json:"conflicts"`
	Failures  []string `json:"failures,omitempty"`

	errs *multierror.Error
}

func (r *SweepReport) Err() error { return r.errs.ErrorOrNil() }

func (r *SweepReport) fail(err error) {
	r.errs = multierror.Append(r.errs, err)
	r.Failures = append(r.Failures, err.Error())
}

// RunSweep escalates every approval past its threshold. Only loading the
// settings or the candidate list can fail the sweep as a whole.
func (s *Sweeper) RunSweep(ctx context.Context) (*SweepReport, error) {
	now := s.Now()
	report := &SweepReport{StartedAt: now}
	defer func() { s.metrics.SweepDuration(s.Now().Sub(now)) }()

	settings, err := LoadSettings(ctx, s.store, s.defaults, now)
	if err != nil {
		return nil, fmt.Errorf("loading escalation settings: %w", err)
	}
	open, err := s.approvals.ListOpenApprovals(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing open approvals: %w", err)
	}

	for _, oa := range open {
		report.Examined++
		setting, ok := settings[oa.Approval.Level]
		if !ok || !setting.Enabled {
			continue
		}
		if now.Sub(referenceTime(oa)) < setting.Threshold {
			continue
		}
		report.Due++
		if setting.MaxEscalations > 0 && oa.Approval.EscalationCount >= setting.MaxEscalations {
			report.Capped++
			continue
		}
		if err := s.escalate(ctx, oa, setting, now, report); err != nil {
			s.metrics.Escalation(string(setting.Action), "failed")
			report.fail(fmt.Errorf("approval %s: %w", oa.Approval.ID, err))
		}
	}

	report.FinishedAt = s.Now()
	entry := s.log.WithFields(logrus.Fields{
		"examined":   report.Examined,
		"due":        report.Due,
		"reassigned": report.Reassigned,
		"notified":   report.Notified,
		"conflicts":  report.Conflicts,
		"failures":   len(report.Failures),
	})
	if len(report.Failures) > 0 {
		entry.WithError(report.Err()).Warn("escalation sweep finished with failures")
	} else {
		entry.Info("escalation sweep finished")
	}
	return report, nil
}

func (s *Sweeper) escalate(ctx context.Context, oa workflow.OpenApproval, setting Setting, now time.Time, report *SweepReport) error {
	a := oa.Approval
	requester, err := s.dir.GetUser(ctx, oa.Request.UserID)
	if err != nil {
		return err
	}

	action := setting.Action
	var target *routing.ApproverSpec
	if action == ActionReassign {
		next, ok, err := s.nextRung(ctx, requester, a.Approver, otherSigners(oa))
		if err != nil {
			return err
		}
		if ok {
			target = &next
		} else {
			action = ActionNotify
		}
	}

	won, err := s.store.EscalateApproval(ctx, a.ID, a.EscalationCount, target, now)
	if err != nil {
		return err
	}
	if !won {
		report.Conflicts++
		s.metrics.Escalation(string(action), "conflict")
		return nil
	}

	cycle := a.EscalationCount + 1
	details := map[string]string{
		"request_id": string(oa.Request.ID),
		"level":      fmt.Sprint(a.Level),
		"action":     string(action),
		"cycle":      fmt.Sprint(cycle),
		"from":       a.Approver.String(),
	}

	if target != nil {
		report.Reassigned++
		details["to"] = target.String()
		msg := fmt.Sprintf("Request %s has waited over %s at level %d and was escalated to you.",
			oa.Request.RequestNumber, setting.Threshold, a.Level)
		for _, id := range s.recipients(ctx, *target, requester.ID) {
			s.notify(ctx, a, cycle, id, generic.NotifyEscalated, "Approval escalated", msg)
		}
	} else {
		report.Notified++
		msg := fmt.Sprintf("Request %s has waited over %s for your level %d decision.",
			oa.Request.RequestNumber, setting.Threshold, a.Level)
		for _, id := range s.recipients(ctx, a.Approver, requester.ID) {
			s.notify(ctx, a, cycle, id, generic.NotifyActionRequired, "Action required", msg)
		}
		if sup := s.superior(ctx, a.Approver); sup != "" && sup != requester.ID {
			s.notify(ctx, a, cycle, sup, generic.NotifyActionRequired, "Action required",
				fmt.Sprintf("Request %s is waiting on %s for over %s.", oa.Request.RequestNumber, a.Approver, setting.Threshold))
		}
	}

	s.metrics.Escalation(string(action), "ok")
	s.record(ctx, a, details)
	s.log.WithFields(logrus.Fields{
		"approval_id": a.ID,
		"request_id":  oa.Request.ID,
		"action":      action,
		"cycle":       cycle,
	}).Info("approval escalated")
	return nil
}

// referenceTime is when the approval started waiting.
func referenceTime(oa workflow.OpenApproval) time.Time {
	ref := oa.Request.CreatedAt
	for _, prev := range oa.Request.Approvals {
		if prev.Level < oa.Approval.Level && prev.ApprovedAt != nil && prev.ApprovedAt.After(ref) {
			ref = *prev.ApprovedAt
		}
	}
	if last := oa.Approval.LastEscalatedAt; last != nil && last.After(ref) {
		ref = *last
	}
	return ref
}

// ladder positions
const (
	rungFixed = iota
	rungDirector
	rungHR
	rungExecutive
)

func rung(spec routing.ApproverSpec, requester *generic.User) int {
	switch {
	case spec.IsSlot() && spec.Role == generic.RoleExecutive:
		return rungExecutive
	case spec.IsSlot():
		return rungHR
	case requester.HasDirector() && spec.Is(requester.DepartmentDirectorID):
		return rungDirector
	default:
		return rungFixed
	}
}

// otherSigners lists the users assigned to, or deciding, the request's
// other levels.
func otherSigners(oa workflow.OpenApproval) map[generic.UserID]bool {
	taken := make(map[generic.UserID]bool)
	for _, prev := range oa.Request.Approvals {
		if prev.Level == oa.Approval.Level {
			continue
		}
		if prev.Approver.IsFixed() {
			taken[prev.Approver.UserID] = true
		}
		for _, id := range []generic.UserID{prev.NominalApproverID, prev.DecidedBy} {
			if id != "" {
				taken[id] = true
			}
		}
	}
	return taken
}

// nextRung finds the first staffable position above the current approver.
// A user who already signs another level of the request is passed over.
func (s *Sweeper) nextRung(ctx context.Context, requester *generic.User, current routing.ApproverSpec, taken map[generic.UserID]bool) (routing.ApproverSpec, bool, error) {
	for r := rung(current, requester) + 1; r <= rungExecutive; r++ {
		switch r {
		case rungDirector:
			if !requester.HasDirector() || requester.DepartmentDirectorID == requester.ID || current.Is(requester.DepartmentDirectorID) {
				continue
			}
			if taken[requester.DepartmentDirectorID] {
				continue
			}
			d, err := s.dir.GetUser(ctx, requester.DepartmentDirectorID)
			if errors.Is(err, generic.ErrUserNotFound) {
				continue
			}
			if err != nil {
				return routing.ApproverSpec{}, false, err
			}
			if d.IsActive {
				return routing.Fixed(d.ID), true, nil
			}
		case rungHR, rungExecutive:
			role := generic.RoleHR
			if r == rungExecutive {
				role = generic.RoleExecutive
			}
			holders, err := s.dir.ListActiveByRole(ctx, role)
			if err != nil {
				return routing.ApproverSpec{}, false, err
			}
			for _, h := range holders {
				if h.ID != requester.ID {
					return routing.RoleSlot(role), true, nil
				}
			}
		}
	}
	return routing.ApproverSpec{}, false, nil
}

func (s *Sweeper) recipients(ctx context.Context, spec routing.ApproverSpec, requester generic.UserID) []generic.UserID {
	if spec.IsFixed() {
		return []generic.UserID{spec.UserID}
	}
	holders, err := s.dir.ListActiveByRole(ctx, spec.Role)
	if err != nil {
		s.log.WithError(err).WithField("role", spec.Role).Warn("cannot resolve role slot recipients")
		return nil
	}
	var ids []generic.UserID
	for _, h := range holders {
		if h.ID != requester {
			ids = append(ids, h.ID)
		}
	}
	return ids
}

// superior is the manager of a fixed approver, empty for role slots.
func (s *Sweeper) superior(ctx context.Context, spec routing.ApproverSpec) generic.UserID {
	if !spec.IsFixed() {
		return ""
	}
	u, err := s.dir.GetUser(ctx, spec.UserID)
	if err != nil || !u.HasManager() {
		return ""
	}
	return u.ManagerID
}

func (s *Sweeper) notify(ctx context.Context, a workflow.Approval, cycle int, user generic.UserID, kind generic.NotificationKind, title, msg string) {
	if s.notifier == nil {
		return
	}
	n := generic.Notification{
		UserID:    user,
		Kind:      kind,
		Title:     title,
		Message:   msg,
		Link:      "/approvals/" + string(a.ID),
		DedupeKey: fmt.Sprintf("escalation:%s:%d:%s", a.ID, cycle, user),
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"approval_id": a.ID, "user_id": user}).Warn("escalation notification failed")
	}
}

func (s *Sweeper) record(ctx context.Context, a workflow.Approval, details map[string]string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  s.Now(),
		ActorID:    generic.SystemActor,
		Action:     generic.AuditApprovalEscalated,
		EntityType: "approval",
		EntityID:   string(a.ID),
		Details:    details,
	})
	if err != nil {
		s.log.WithError(err).Warn("audit record failed")
	}
}
