package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/metrics"
	"github.com/warp/leave-engine/routing"
)

// UserDeactivator marks a user inactive in the directory.
type UserDeactivator interface {
	SetUserActive(ctx context.Context, id generic.UserID, active bool) error
}

// DelegationCleaner turns off every delegation given by or to a user.
type DelegationCleaner interface {
	DeactivateAllFor(ctx context.Context, user generic.UserID) ([]generic.DelegationID, error)
}

// Deps wires a Service. Notifier, Audit, Documents, Deactivator,
// Delegations and Metrics are optional.
type Deps struct {
	Store       Store
	Ledger      *ledger.Ledger
	Router      *routing.Router
	Directory   generic.Directory
	Catalog     generic.Catalog
	Notifier    generic.Notifier
	Audit       generic.AuditLog
	Documents   generic.DocumentGenerator
	Deactivator UserDeactivator
	Delegations DelegationCleaner
	Metrics     *metrics.Metrics
	Log         logrus.FieldLogger
}

type Service struct {
	store       Store
	ledger      *ledger.Ledger
	router      *routing.Router
	dir         generic.Directory
	catalog     generic.Catalog
	notifier    generic.Notifier
	audit       generic.AuditLog
	docs        generic.DocumentGenerator
	deactivator UserDeactivator
	delegations DelegationCleaner
	metrics     *metrics.Metrics
	log         logrus.FieldLogger

	Now func() time.Time
}

func NewService(d Deps) *Service {
	return &Service{
		store:       d.Store,
		ledger:      d.Ledger,
		router:      d.Router,
		dir:         d.Directory,
		catalog:     d.Catalog,
		notifier:    d.Notifier,
		audit:       d.Audit,
		docs:        d.Documents,
		deactivator: d.Deactivator,
		delegations: d.Delegations,
		metrics:     d.Metrics,
		log:         d.Log.WithField("component", "workflow"),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// SUBMIT
// =============================================================================

type SubmitInput struct {
	UserID        generic.UserID
	LeaveTypeID   generic.LeaveTypeID
	StartDate     time.Time
	EndDate       time.Time
	SelectedDates []time.Time
	Reason        string
	SubstituteID  generic.UserID
}

// Submit creates a request with its approval chain and reserves its days.
// A rejected reservation leaves nothing behind.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	req, lt, err := s.prepare(ctx, in)
	if err != nil {
		s.metrics.RequestSubmitted("", "invalid")
		return nil, err
	}

	err = s.submitTx(ctx, req)
	if errors.Is(err, generic.ErrLedgerRaceLost) {
		s.log.WithField("request_id", req.ID).Warn("ledger race lost, retrying submission")
		err = s.submitTx(ctx, req)
		if errors.Is(err, generic.ErrLedgerRaceLost) {
			err = fmt.Errorf("%w: concurrent reservation for %s: %v", generic.ErrInsufficientBalance, lt.ID, err)
		}
	}
	if err != nil {
		s.metrics.RequestSubmitted(string(lt.Category), outcome(err))
		return nil, err
	}
	s.metrics.RequestSubmitted(string(lt.Category), "ok")

	s.recordAudit(ctx, in.UserID, generic.AuditRequestSubmitted, req, map[string]string{
		"request_number": req.RequestNumber,
		"total_days":     fmt.Sprint(req.TotalDays),
		"status":         string(req.Status),
	})
	if req.Status == StatusApproved {
		s.afterApproved(ctx, req)
	} else {
		s.notifyCurrentApprover(ctx, req)
	}
	s.log.WithFields(logrus.Fields{
		"request_id":     req.ID,
		"request_number": req.RequestNumber,
		"user_id":        req.UserID,
		"days":           req.TotalDays,
		"levels":         len(req.Approvals),
	}).Info("request submitted")
	return req, nil
}

func (s *Service) prepare(ctx context.Context, in SubmitInput) (*Request, *generic.LeaveType, error) {
	if in.UserID == "" || in.LeaveTypeID == "" {
		return nil, nil, fmt.Errorf("%w: user and leave type are required", generic.ErrInvalidInput)
	}
	requester, err := s.dir.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !requester.IsActive {
		return nil, nil, fmt.Errorf("%w: %s", generic.ErrInactiveUser, requester.ID)
	}
	lt, err := s.catalog.GetLeaveType(ctx, in.LeaveTypeID)
	if err != nil {
		return nil, nil, err
	}

	now := s.Now()
	req := &Request{
		ID:           generic.RequestID(uuid.NewString()),
		UserID:       in.UserID,
		LeaveTypeID:  in.LeaveTypeID,
		Category:     lt.Category,
		Reason:       in.Reason,
		SubstituteID: in.SubstituteID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if len(in.SelectedDates) > 0 {
		req.SelectedDates = generic.NormalizeDates(in.SelectedDates)
		req.StartDate = req.SelectedDates[0]
		req.EndDate = req.SelectedDates[len(req.SelectedDates)-1]
		req.TotalDays = len(req.SelectedDates)
	} else {
		if in.StartDate.IsZero() || in.EndDate.IsZero() {
			return nil, nil, fmt.Errorf("%w: a date range or selected dates are required", generic.ErrInvalidInput)
		}
		req.StartDate, req.EndDate = generic.Day(in.StartDate), generic.Day(in.EndDate)
		if req.EndDate.Before(req.StartDate) {
			return nil, nil, fmt.Errorf("%w: end date before start date", generic.ErrInvalidInput)
		}
		req.TotalDays = generic.DaysInclusive(req.StartDate, req.EndDate)
	}

	chain, err := s.router.BuildChain(ctx, requester, lt, now)
	if err != nil {
		return nil, nil, err
	}
	for _, step := range chain {
		a := Approval{
			ID:                generic.ApprovalID(uuid.NewString()),
			RequestID:         req.ID,
			Level:             step.Level,
			Approver:          step.Approver,
			NominalApproverID: step.NominalApproverID,
			Status:            StatusPending,
			CreatedAt:         now,
		}
		if step.AutoApproved {
			at := now
			a.Status = StatusApproved
			a.DecidedBy = requester.ID
			a.ApprovedAt = &at
			a.Comments = "self-approved"
		}
		req.Approvals = append(req.Approvals, a)
	}
	if !chain.RequiresDecision() {
		req.Status = StatusApproved
	}
	return req, lt, nil
}

func (s *Service) submitTx(ctx context.Context, req *Request) error {
	return s.store.WithTx(ctx, func(tx Tx) error {
		conflict, err := tx.FindConflict(ctx, req.UserID, req.Dates())
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}

		moves := movements(req)
		for _, m := range moves {
			if err := s.ledger.ReserveIn(ctx, tx, m); err != nil {
				return err
			}
		}

		n, err := tx.NextRequestNumber(ctx, req.CreatedAt.Year())
		if err != nil {
			return err
		}
		req.RequestNumber = requestNumber(req.CreatedAt.Year(), n)
		if err := tx.InsertRequest(ctx, req); err != nil {
			return err
		}

		if req.Status == StatusApproved {
			for _, m := range moves {
				if err := s.ledger.CommitIn(ctx, tx, m); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func requestNumber(year, n int) string {
	return fmt.Sprintf("LR-%d-%04d", year, n)
}

// movements splits a request into one ledger movement per calendar year.
// WFH requests never touch the ledger.
func movements(req *Request) []ledger.Movement {
	if req.IsWFH() {
		return nil
	}
	years, byYear := generic.GroupByYear(req.Dates())
	out := make([]ledger.Movement, 0, len(years))
	for _, y := range years {
		out = append(out, ledger.Movement{
			UserID:      req.UserID,
			LeaveTypeID: req.LeaveTypeID,
			Year:        y,
			Days:        generic.Days(len(byYear[y])),
			RequestID:   req.ID,
		})
	}
	return out
}

// =============================================================================
// DECIDE
// =============================================================================

type DecideInput struct {
	ApprovalID generic.ApprovalID
	ActorID    generic.UserID
	Decision   Decision
	Comments   string
}

// Decide records a verdict on one approval row.
func (s *Service) Decide(ctx context.Context, in DecideInput) (*Request, error) {
	if !in.Decision.Valid() {
		return nil, fmt.Errorf("%w: decision must be APPROVED or REJECTED", generic.ErrInvalidInput)
	}
	approval, err := s.store.GetApproval(ctx, in.ApprovalID)
	if err != nil {
		return nil, err
	}
	req, err := s.store.GetRequest(ctx, approval.RequestID)
	if err != nil {
		return nil, err
	}
	actor, err := s.dir.GetUser(ctx, in.ActorID)
	if err != nil {
		return nil, err
	}
	if actor.ID == req.UserID {
		return nil, fmt.Errorf("%w: requester cannot decide their own request", generic.ErrNotAuthorizedForLevel)
	}
	if approval.Status != StatusPending {
		return nil, fmt.Errorf("%w: level %d is %s", generic.ErrAlreadyDecided, approval.Level, approval.Status)
	}
	if err := s.router.Authorize(ctx, actor, approval.Approver, s.Now()); err != nil {
		return nil, err
	}

	return s.decide(ctx, approval.RequestID, approval.ID, actor.ID, in.Decision, in.Comments)
}

// decide applies a verdict after authorization. Also used by the
// deactivation cascade, which rejects as the system actor.
func (s *Service) decide(ctx context.Context, requestID generic.RequestID, approvalID generic.ApprovalID, actor generic.UserID, decision Decision, comments string) (*Request, error) {
	var (
		req       *Request
		approval  *Approval
		finalized bool
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		if req, err = tx.GetRequest(ctx, requestID); err != nil {
			return err
		}
		for i := range req.Approvals {
			if req.Approvals[i].ID == approvalID {
				a := req.Approvals[i]
				approval = &a
			}
		}
		if approval == nil {
			return generic.ErrApprovalNotFound
		}
		if req.Status.Terminal() {
			return fmt.Errorf("%w: request is %s", generic.ErrAlreadyDecided, req.Status)
		}
		if approval.Status != StatusPending {
			return fmt.Errorf("%w: level %d is %s", generic.ErrAlreadyDecided, approval.Level, approval.Status)
		}
		// The deactivation cascade may reject any open level.
		if actor != generic.SystemActor {
			for _, a := range req.Approvals {
				if a.Level < approval.Level && a.Status != StatusApproved {
					return fmt.Errorf("%w: level %d is %s", generic.ErrLevelNotReady, a.Level, a.Status)
				}
			}
		}

		now := s.Now()
		if err := tx.DecideApproval(ctx, approval.ID, Status(decision), actor, comments, now); err != nil {
			return err
		}

		switch {
		case decision == DecisionReject:
			if err := tx.SetRequestStatus(ctx, req.ID, StatusRejected, now); err != nil {
				return err
			}
			if _, err := tx.CancelOpenApprovals(ctx, req.ID, "request rejected", now); err != nil {
				return err
			}
			for _, m := range movements(req) {
				if err := s.ledger.ReleaseIn(ctx, tx, m); err != nil {
					return err
				}
			}
			finalized = true
		case approval.Level == req.FinalLevel():
			if err := tx.SetRequestStatus(ctx, req.ID, StatusApproved, now); err != nil {
				return err
			}
			for _, m := range movements(req) {
				if err := s.ledger.CommitIn(ctx, tx, m); err != nil {
					return err
				}
			}
			finalized = true
		}

		req, err = tx.GetRequest(ctx, req.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Decision(approval.Level, string(decision))
	s.recordAudit(ctx, actor, generic.AuditApprovalDecided, req, map[string]string{
		"approval_id": string(approval.ID),
		"level":       fmt.Sprint(approval.Level),
		"decision":    string(decision),
	})
	log := s.log.WithFields(logrus.Fields{
		"request_id": req.ID,
		"level":      approval.Level,
		"decision":   decision,
		"actor":      actor,
	})

	switch {
	case req.Status == StatusRejected:
		s.recordAudit(ctx, actor, generic.AuditRequestRejected, req, nil)
		s.notify(ctx, req.UserID, generic.NotifyRequestRejected,
			"Request rejected",
			fmt.Sprintf("Your request %s was rejected at level %d. %s", req.RequestNumber, approval.Level, comments),
			requestLink(req.ID))
	case req.Status == StatusApproved && finalized:
		s.afterApproved(ctx, req)
	default:
		s.notifyCurrentApprover(ctx, req)
	}
	log.Info("approval decided")
	return req, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel withdraws a PENDING request. actor must be the requester or an ADMIN.
func (s *Service) Cancel(ctx context.Context, id generic.RequestID, actorID generic.UserID, reason string) (*Request, error) {
	req, err := s.store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != req.UserID && actorID != generic.SystemActor {
		actor, err := s.dir.GetUser(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if actor.Role != generic.RoleAdmin {
			return nil, fmt.Errorf("%w: only the requester or an admin can cancel", generic.ErrUnauthorized)
		}
	}
	return s.cancel(ctx, id, actorID, reason)
}

func (s *Service) cancel(ctx context.Context, id generic.RequestID, actor generic.UserID, reason string) (*Request, error) {
	var req *Request
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		if req, err = tx.GetRequest(ctx, id); err != nil {
			return err
		}
		if req.Status != StatusPending {
			return fmt.Errorf("%w: request is %s", generic.ErrInvalidTransition, req.Status)
		}
		now := s.Now()
		if err := tx.SetRequestStatus(ctx, id, StatusCancelled, now); err != nil {
			return err
		}
		comment := "request cancelled"
		if reason != "" {
			comment = reason
		}
		if _, err := tx.CancelOpenApprovals(ctx, id, comment, now); err != nil {
			return err
		}
		for _, m := range movements(req) {
			if err := s.ledger.ReleaseIn(ctx, tx, m); err != nil {
				return err
			}
		}
		req, err = tx.GetRequest(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, actor, generic.AuditRequestCancelled, req, map[string]string{"reason": reason})
	if actor != req.UserID {
		s.notify(ctx, req.UserID, generic.NotifyRequestCancelled,
			"Request cancelled",
			fmt.Sprintf("Your request %s was cancelled. %s", req.RequestNumber, reason),
			requestLink(req.ID))
	}
	s.log.WithFields(logrus.Fields{"request_id": id, "actor": actor}).Info("request cancelled")
	return req, nil
}

// =============================================================================
// DEACTIVATION CASCADE
// =============================================================================

// DeactivationReport lists everything a deactivation touched.
type DeactivationReport struct {
	UserID                 generic.UserID         `json:"userId"`
	CancelledRequests      []generic.RequestID    `json:"cancelledRequests"`
	RejectedApprovals      []generic.ApprovalID   `json:"rejectedApprovals"`
	DeactivatedDelegations []generic.DelegationID `json:"deactivatedDelegations"`
	Failures               []string               `json:"failures,omitempty"`

	errs *multierror.Error
}

func (r *DeactivationReport) Err() error { return r.errs.ErrorOrNil() }

func (r *DeactivationReport) fail(err error) {
	r.errs = multierror.Append(r.errs, err)
	r.Failures = append(r.Failures, err.Error())
}

const deactivatedApproverComment = "Automatically rejected: approver was deactivated"

// DeactivateUser marks the user inactive, cancels their PENDING requests,
// rejects PENDING approvals assigned to them and turns off their
// delegations. Per-item failures are collected, not fatal. actor must be
// an ADMIN or HR user.
func (s *Service) DeactivateUser(ctx context.Context, userID, actorID generic.UserID) (*DeactivationReport, error) {
	actor, err := s.dir.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor.Role != generic.RoleAdmin && actor.Role != generic.RoleHR {
		return nil, fmt.Errorf("%w: only admin or HR can deactivate users", generic.ErrUnauthorized)
	}
	if _, err := s.dir.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if s.deactivator != nil {
		if err := s.deactivator.SetUserActive(ctx, userID, false); err != nil {
			return nil, err
		}
	}

	report := &DeactivationReport{
		UserID:                 userID,
		CancelledRequests:      []generic.RequestID{},
		RejectedApprovals:      []generic.ApprovalID{},
		DeactivatedDelegations: []generic.DelegationID{},
	}

	requests, err := s.store.PendingRequestsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, id := range requests {
		if _, err := s.cancel(ctx, id, generic.SystemActor, "requester deactivated"); err != nil {
			report.fail(fmt.Errorf("cancel request %s: %w", id, err))
			continue
		}
		report.CancelledRequests = append(report.CancelledRequests, id)
	}

	approvals, err := s.store.PendingApprovalsAssignedTo(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, a := range approvals {
		if _, err := s.decide(ctx, a.RequestID, a.ID, generic.SystemActor, DecisionReject, deactivatedApproverComment); err != nil {
			report.fail(fmt.Errorf("reject approval %s: %w", a.ID, err))
			continue
		}
		report.RejectedApprovals = append(report.RejectedApprovals, a.ID)
		s.recordApprovalAudit(ctx, a, generic.AuditApprovalAutoRejected)
	}

	if s.delegations != nil {
		ids, err := s.delegations.DeactivateAllFor(ctx, userID)
		if err != nil {
			report.fail(fmt.Errorf("deactivate delegations: %w", err))
		}
		report.DeactivatedDelegations = append(report.DeactivatedDelegations, ids...)
	}

	s.recordEntityAudit(ctx, actorID, generic.AuditUserDeactivated, "user", string(userID), map[string]string{
		"cancelled_requests": fmt.Sprint(len(report.CancelledRequests)),
		"rejected_approvals": fmt.Sprint(len(report.RejectedApprovals)),
	})
	s.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"cancelled": len(report.CancelledRequests),
		"rejected":  len(report.RejectedApprovals),
		"failures":  len(report.Failures),
	}).Info("user deactivated")
	return report, nil
}
