/*
dto.go - JSON bodies of the leave API

NAMING CONVENTION:
  - *Request: request bodies, validated with go-playground/validator tags
  - *DTO:     response bodies

Dates travel as YYYY-MM-DD strings and day amounts as numbers. Domain
values never reach the wire directly.

SEE ALSO:
  - handlers.go: conversion and validation
*/
package api

import (
	"time"

	"github.com/warp/leave-engine/delegation"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// REQUEST BODIES
// =============================================================================

// SubmitLeaveRequest is the body of POST /api/requests. Either a start/end
// range or a list of selected dates is required.
type SubmitLeaveRequest struct {
	LeaveTypeID   string   `json:"leaveTypeId" validate:"required"`
	StartDate     string   `json:"startDate" validate:"required_without=SelectedDates,omitempty,datetime=2006-01-02"`
	EndDate       string   `json:"endDate" validate:"required_with=StartDate,omitempty,datetime=2006-01-02"`
	SelectedDates []string `json:"selectedDates" validate:"omitempty,max=366,dive,datetime=2006-01-02"`
	Reason        string   `json:"reason" validate:"max=1000"`
	SubstituteID  string   `json:"substituteId"`
}

type DecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVED REJECTED"`
	Comments string `json:"comments" validate:"max=1000"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"max=1000"`
}

// CreateDelegationRequest defaults DelegatorID to the caller.
type CreateDelegationRequest struct {
	DelegatorID string `json:"delegatorId"`
	DelegateID  string `json:"delegateId" validate:"required"`
	StartDate   string `json:"startDate" validate:"required,datetime=2006-01-02"`
	EndDate     string `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	Reason      string `json:"reason" validate:"max=500"`
}

// YearEndRequest defaults Year to the previous calendar year.
type YearEndRequest struct {
	Year int `json:"year" validate:"omitempty,min=2000,max=2100"`
}

// =============================================================================
// RESPONSE BODIES
// =============================================================================

type ApproverDTO struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
}

type ApprovalDTO struct {
	ID                string      `json:"id"`
	RequestID         string      `json:"requestId"`
	Level             int         `json:"level"`
	Approver          ApproverDTO `json:"approver"`
	NominalApproverID string      `json:"nominalApproverId,omitempty"`
	Status            string      `json:"status"`
	Comments          string      `json:"comments,omitempty"`
	DecidedBy         string      `json:"decidedBy,omitempty"`
	DecidedAt         string      `json:"decidedAt,omitempty"`
	EscalationCount   int         `json:"escalationCount"`
	LastEscalatedAt   string      `json:"lastEscalatedAt,omitempty"`
}

type RequestDTO struct {
	ID            string        `json:"id"`
	RequestNumber string        `json:"requestNumber"`
	UserID        string        `json:"userId"`
	LeaveTypeID   string        `json:"leaveTypeId"`
	Category      string        `json:"category"`
	StartDate     string        `json:"startDate"`
	EndDate       string        `json:"endDate"`
	SelectedDates []string      `json:"selectedDates,omitempty"`
	TotalDays     int           `json:"totalDays"`
	Status        string        `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	SubstituteID  string        `json:"substituteId,omitempty"`
	CreatedAt     string        `json:"createdAt"`
	UpdatedAt     string        `json:"updatedAt"`
	Approvals     []ApprovalDTO `json:"approvals"`
}

type PendingApprovalDTO struct {
	Approval ApprovalDTO `json:"approval"`
	Request  RequestDTO  `json:"request"`
}

type BalanceDTO struct {
	LeaveTypeID    string  `json:"leaveTypeId"`
	Year           int     `json:"year"`
	Entitled       float64 `json:"entitled"`
	Used           float64 `json:"used"`
	Pending        float64 `json:"pending"`
	Available      float64 `json:"available"`
	CarriedForward float64 `json:"carriedForward"`
}

type DelegationDTO struct {
	ID          string `json:"id"`
	DelegatorID string `json:"delegatorId"`
	DelegateID  string `json:"delegateId"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate,omitempty"`
	IsActive    bool   `json:"isActive"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION
// =============================================================================

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toApprovalDTO(a workflow.Approval) ApprovalDTO {
	dto := ApprovalDTO{
		ID:                string(a.ID),
		RequestID:         string(a.RequestID),
		Level:             a.Level,
		Approver:          ApproverDTO{Type: string(a.Approver.Kind)},
		NominalApproverID: string(a.NominalApproverID),
		Status:            string(a.Status),
		Comments:          a.Comments,
		DecidedBy:         string(a.DecidedBy),
		DecidedAt:         formatTimePtr(a.ApprovedAt),
		EscalationCount:   a.EscalationCount,
		LastEscalatedAt:   formatTimePtr(a.LastEscalatedAt),
	}
	if a.Approver.IsSlot() {
		dto.Approver.Role = string(a.Approver.Role)
	} else {
		dto.Approver.UserID = string(a.Approver.UserID)
	}
	return dto
}

func toRequestDTO(r *workflow.Request) RequestDTO {
	dto := RequestDTO{
		ID:            string(r.ID),
		RequestNumber: r.RequestNumber,
		UserID:        string(r.UserID),
		LeaveTypeID:   string(r.LeaveTypeID),
		Category:      string(r.Category),
		StartDate:     r.StartDate.Format(generic.DateLayout),
		EndDate:       r.EndDate.Format(generic.DateLayout),
		TotalDays:     r.TotalDays,
		Status:        string(r.Status),
		Reason:        r.Reason,
		SubstituteID:  string(r.SubstituteID),
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.UTC().Format(time.RFC3339),
		Approvals:     make([]ApprovalDTO, 0, len(r.Approvals)),
	}
	for _, d := range r.SelectedDates {
		dto.SelectedDates = append(dto.SelectedDates, d.Format(generic.DateLayout))
	}
	for _, a := range r.Approvals {
		dto.Approvals = append(dto.Approvals, toApprovalDTO(a))
	}
	return dto
}

func toBalanceDTOs(bs []ledger.Balance) []BalanceDTO {
	out := make([]BalanceDTO, 0, len(bs))
	for _, b := range bs {
		out = append(out, BalanceDTO{
			LeaveTypeID:    string(b.LeaveTypeID),
			Year:           b.Year,
			Entitled:       b.Entitled.InexactFloat64(),
			Used:           b.Used.InexactFloat64(),
			Pending:        b.Pending.InexactFloat64(),
			Available:      b.Available.InexactFloat64(),
			CarriedForward: b.CarriedForward.InexactFloat64(),
		})
	}
	return out
}

func toDelegationDTO(d *delegation.Delegation) DelegationDTO {
	dto := DelegationDTO{
		ID:          string(d.ID),
		DelegatorID: string(d.DelegatorID),
		DelegateID:  string(d.DelegateID),
		StartDate:   d.StartDate.Format(generic.DateLayout),
		IsActive:    d.IsActive,
		Reason:      d.Reason,
		CreatedAt:   d.CreatedAt.UTC().Format(time.RFC3339),
	}
	if d.EndDate != nil {
		dto.EndDate = d.EndDate.Format(generic.DateLayout)
	}
	return dto
}
