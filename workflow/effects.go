package workflow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/routing"
)

// Side effects after a committed transition. None of them can undo it.

func (s *Service) afterApproved(ctx context.Context, req *Request) {
	s.recordAudit(ctx, generic.SystemActor, generic.AuditRequestApproved, req, nil)
	s.notify(ctx, req.UserID, generic.NotifyRequestApproved,
		"Request approved",
		fmt.Sprintf("Your request %s for %d day(s) was approved.", req.RequestNumber, req.TotalDays),
		requestLink(req.ID))

	if s.docs == nil {
		return
	}
	rec := generic.ApprovedRecord{
		RequestID:     req.ID,
		RequestNumber: req.RequestNumber,
		UserID:        req.UserID,
		LeaveTypeID:   req.LeaveTypeID,
		Dates:         req.Dates(),
		TotalDays:     req.TotalDays,
		ApproverIDs:   req.ApproverIDs(),
		ApprovedAt:    s.Now(),
	}
	if err := s.docs.GenerateApprovalRecord(ctx, rec); err != nil {
		s.log.WithError(err).WithField("request_id", req.ID).Error("approval record generation failed")
	}
}

// notifyCurrentApprover tells whoever must act next. Role slots fan out to
// every active holder of the role.
func (s *Service) notifyCurrentApprover(ctx context.Context, req *Request) {
	a := req.CurrentApproval()
	if a == nil {
		return
	}
	title := "Approval requested"
	msg := fmt.Sprintf("Request %s (%d day(s)) awaits your level %d approval.", req.RequestNumber, req.TotalDays, a.Level)
	for _, id := range s.recipients(ctx, a.Approver, req.UserID) {
		s.notify(ctx, id, generic.NotifyApprovalRequested, title, msg, approvalLink(a.ID))
	}
}

// recipients resolves an approver spec to user ids, excluding the requester.
func (s *Service) recipients(ctx context.Context, spec routing.ApproverSpec, requester generic.UserID) []generic.UserID {
	if spec.IsFixed() {
		return []generic.UserID{spec.UserID}
	}
	holders, err := s.dir.ListActiveByRole(ctx, spec.Role)
	if err != nil {
		s.log.WithError(err).WithField("role", spec.Role).Warn("cannot resolve role slot recipients")
		return nil
	}
	ids := make([]generic.UserID, 0, len(holders))
	for _, h := range holders {
		if h.ID != requester {
			ids = append(ids, h.ID)
		}
	}
	return ids
}

func (s *Service) notify(ctx context.Context, user generic.UserID, kind generic.NotificationKind, title, msg, link string) {
	if s.notifier == nil || user == "" {
		return
	}
	n := generic.Notification{UserID: user, Kind: kind, Title: title, Message: msg, Link: link}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"user_id": user,
			"kind":    kind,
		}).Warn("notification failed")
	}
}

func (s *Service) recordAudit(ctx context.Context, actor generic.UserID, action generic.AuditAction, req *Request, details map[string]string) {
	s.recordEntityAudit(ctx, actor, action, "leave_request", string(req.ID), details)
}

func (s *Service) recordApprovalAudit(ctx context.Context, a Approval, action generic.AuditAction) {
	s.recordEntityAudit(ctx, generic.SystemActor, action, "approval", string(a.ID), map[string]string{
		"request_id": string(a.RequestID),
		"level":      fmt.Sprint(a.Level),
		"comment":    deactivatedApproverComment,
	})
}

func (s *Service) recordEntityAudit(ctx context.Context, actor generic.UserID, action generic.AuditAction, entityType, entityID string, details map[string]string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, generic.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  s.Now(),
		ActorID:    actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
	})
	if err != nil {
		s.log.WithError(err).WithField("action", action).Warn("audit record failed")
	}
}

func requestLink(id generic.RequestID) string   { return "/requests/" + string(id) }
func approvalLink(id generic.ApprovalID) string { return "/approvals/" + string(id) }

// outcome labels a failed submission for metrics.
func outcome(err error) string {
	switch {
	case generic.IsClientError(err):
		return "rejected"
	case generic.IsConflict(err):
		return "conflict"
	default:
		return "error"
	}
}
