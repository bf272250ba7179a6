/*
handlers.go - HTTP handlers of the leave engine

PURPOSE:
  Exposes the workflow, ledger, delegation and scheduler operations over
  REST. Handlers parse and validate the body, resolve the calling user
  from the bearer token, call one domain operation and serialize the
  result. No business rule lives here beyond read visibility.

ENDPOINTS:
  Requests:
    POST   /api/requests                         Submit a leave or WFH request
    GET    /api/requests/{id}                    Request with its approvals
    POST   /api/requests/{id}/cancel             Cancel a PENDING request
  Approvals:
    POST   /api/approvals/{id}/decision          Approve or reject one level
    GET    /api/approvals/pending                Approvals the caller may decide
  Users:
    GET    /api/users/{id}/balances?year=        Balances for a year
    GET    /api/users/{id}/wfh-utilization       Monthly WFH usage (?year=&month=)
    GET    /api/users/{id}/delegations           Delegations given by the user
  Delegations:
    POST   /api/delegations                      Create
    POST   /api/delegations/{id}/toggle          Flip active state
    DELETE /api/delegations/{id}                 Remove
  Admin:
    POST   /api/admin/users/{id}/recalculate     Rebuild a user's balances
    POST   /api/admin/users/{id}/deactivate      Deactivation cascade
    POST   /api/admin/year-end                   Carry a year forward
    POST   /api/admin/escalations/sweep          Run the escalation sweep now
    GET    /api/admin/scheduler                  Job states

ERROR HANDLING:
  Domain errors are mapped by writeDomainError:
  - 400: malformed body, validation, ErrInvalidInput
  - 401: missing or invalid token (middleware)
  - 403: ErrUnauthorized and its wrappers
  - 404: unknown user, leave type, request, approval or delegation
  - 409: already decided, level not ready, invalid transition, races
  - 422: insufficient balance, date conflict, delegation rule violations
  - 500: chain resolution and configuration errors, everything else

SEE ALSO:
  - dto.go: request and response bodies
  - server.go: routes and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/delegation"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/scheduler"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires a Handler. Scheduler and Health are optional.
type Deps struct {
	Workflow    *workflow.Service
	Delegations *delegation.Manager
	Ledger      *ledger.Ledger
	Scheduler   *scheduler.Scheduler
	Directory   generic.Directory
	Health      Pinger
	Log         logrus.FieldLogger
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	workflow    *workflow.Service
	delegations *delegation.Manager
	ledger      *ledger.Ledger
	scheduler   *scheduler.Scheduler
	dir         generic.Directory
	health      Pinger
	log         logrus.FieldLogger
	validate    *validator.Validate

	Now func() time.Time
}

func NewHandler(d Deps) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		workflow:    d.Workflow,
		delegations: d.Delegations,
		ledger:      d.Ledger,
		scheduler:   d.Scheduler,
		dir:         d.Directory,
		health:      d.Health,
		log:         d.Log.WithField("component", "api"),
		validate:    v,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// REQUEST HANDLERS
// =============================================================================

// SubmitRequest creates a request for the caller.
// POST /api/requests
func (h *Handler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r)
	if !ok {
		return
	}
	var body SubmitLeaveRequest
	if !h.decode(w, r, &body) {
		return
	}

	in := workflow.SubmitInput{
		UserID:       actor,
		LeaveTypeID:  generic.LeaveTypeID(body.LeaveTypeID),
		Reason:       body.Reason,
		SubstituteID: generic.UserID(body.SubstituteID),
	}
	if body.StartDate != "" {
		// Formats were checked by the validator.
		in.StartDate, _ = generic.ParseDate(body.StartDate)
		in.EndDate, _ = generic.ParseDate(body.EndDate)
	}
	for _, s := range body.SelectedDates {
		d, _ := generic.ParseDate(s)
		in.SelectedDates = append(in.SelectedDates, d)
	}

	req, err := h.workflow.Submit(r.Context(), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(req))
}

// GetRequest returns one request. Visible to the requester, to anyone on
// its approval chain, and to ADMIN and HR.
// GET /api/requests/{id}
func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, err := h.workflow.GetRequest(r.Context(), generic.RequestID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if !canSeeRequest(actor, req) {
		// Existence is not revealed to outsiders.
		writeError(w, http.StatusNotFound, "Request not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

func canSeeRequest(actor *generic.User, req *workflow.Request) bool {
	if actor.ID == req.UserID || isAdminOrHR(actor) {
		return true
	}
	for _, a := range req.Approvals {
		if a.Approver.Is(actor.ID) || a.NominalApproverID == actor.ID || a.DecidedBy == actor.ID {
			return true
		}
		if a.Approver.IsSlot() && a.Approver.Role == actor.Role {
			return true
		}
	}
	return false
}

// CancelRequest cancels a PENDING request.
// POST /api/requests/{id}/cancel
func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r)
	if !ok {
		return
	}
	var body CancelRequest
	if !h.decodeOptional(w, r, &body) {
		return
	}
	req, err := h.workflow.Cancel(r.Context(), generic.RequestID(chi.URLParam(r, "id")), actor, body.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// =============================================================================
// APPROVAL HANDLERS
// =============================================================================

// DecideApproval approves or rejects one approval level.
// POST /api/approvals/{id}/decision
func (h *Handler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r)
	if !ok {
		return
	}
	var body DecisionRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := h.workflow.Decide(r.Context(), workflow.DecideInput{
		ApprovalID: generic.ApprovalID(chi.URLParam(r, "id")),
		ActorID:    actor,
		Decision:   workflow.Decision(body.Decision),
		Comments:   body.Comments,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(req))
}

// ListPendingApprovals returns the approvals the caller may decide now.
// GET /api/approvals/pending
func (h *Handler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r)
	if !ok {
		return
	}
	open, err := h.workflow.ListPendingApprovals(r.Context(), actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]PendingApprovalDTO, 0, len(open))
	for _, oa := range open {
		dtos = append(dtos, PendingApprovalDTO{
			Approval: toApprovalDTO(oa.Approval),
			Request:  toRequestDTO(&oa.Request),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": dtos})
}

// =============================================================================
// USER VIEWS
// =============================================================================

// GetBalances returns the user's balances for ?year= (default current year).
// GET /api/users/{id}/balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	target, ok := h.viewable(w, r)
	if !ok {
		return
	}
	year, err := yearQuery(r, h.Now().Year())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	balances, err := h.ledger.GetBalances(r.Context(), target, year)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   target,
		"year":     year,
		"balances": toBalanceDTOs(balances),
	})
}

// GetWFHUtilization returns monthly WFH usage, default the current month.
// GET /api/users/{id}/wfh-utilization?year=&month=
func (h *Handler) GetWFHUtilization(w http.ResponseWriter, r *http.Request) {
	target, ok := h.viewable(w, r)
	if !ok {
		return
	}
	now := h.Now()
	year, err := yearQuery(r, now.Year())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	month, err := intQuery(r, "month", int(now.Month()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}
	u, err := h.workflow.MonthlyWFHUtilization(r.Context(), target, year, time.Month(month))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ListDelegations returns the delegations given by the user.
// GET /api/users/{id}/delegations
func (h *Handler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	target := generic.UserID(chi.URLParam(r, "id"))
	if actor.ID != target && actor.Role != generic.RoleAdmin {
		writeError(w, http.StatusForbidden, "Only the delegator or an admin can list delegations", nil)
		return
	}
	ds, err := h.delegations.List(r.Context(), target)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]DelegationDTO, 0, len(ds))
	for i := range ds {
		dtos = append(dtos, toDelegationDTO(&ds[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"delegations": dtos})
}

// viewable resolves {id} and checks the caller may read that user's data:
// the user, their manager or director, ADMIN and HR.
func (h *Handler) viewable(w http.ResponseWriter, r *http.Request) (generic.UserID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return "", false
	}
	target := generic.UserID(chi.URLParam(r, "id"))
	if actor.ID == target || isAdminOrHR(actor) {
		return target, true
	}
	u, err := h.dir.GetUser(r.Context(), target)
	if err != nil {
		h.writeDomainError(w, r, err)
		return "", false
	}
	if u.ManagerID == actor.ID || u.DepartmentDirectorID == actor.ID {
		return target, true
	}
	writeError(w, http.StatusForbidden, "Not allowed to view this user", nil)
	return "", false
}

// =============================================================================
// DELEGATION HANDLERS
// =============================================================================

// CreateDelegation records a delegation, by default from the caller.
// POST /api/delegations
func (h *Handler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r)
	if !ok {
		return
	}
	var body CreateDelegationRequest
	if !h.decode(w, r, &body) {
		return
	}
	in := delegation.CreateInput{
		DelegatorID: generic.UserID(body.DelegatorID),
		DelegateID:  generic.UserID(body.DelegateID),
		Reason:      body.Reason,
	}
	if in.DelegatorID == "" {
		in.DelegatorID = actor
	}
	in.Start, _ = generic.ParseDate(body.StartDate)
	if body.EndDate != "" {
		end, _ := generic.ParseDate(body.EndDate)
		in.End = &end
	}

	d, err := h.delegations.Create(r.Context(), in, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDelegationDTO(d))
}

// ToggleDelegation flips a delegation's active state.
// POST /api/delegations/{id}/toggle
func (h *Handler) ToggleDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r)
	if !ok {
		return
	}
	d, err := h.delegations.Toggle(r.Context(), generic.DelegationID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDelegationDTO(d))
}

// DeleteDelegation removes a delegation.
// DELETE /api/delegations/{id}
func (h *Handler) DeleteDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r)
	if !ok {
		return
	}
	if err := h.delegations.Delete(r.Context(), generic.DelegationID(chi.URLParam(r, "id")), actor); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Recalculate rebuilds a user's current-year balances from the journal.
// POST /api/admin/users/{id}/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, generic.RoleAdmin, generic.RoleHR); !ok {
		return
	}
	balances, err := h.ledger.Recalculate(r.Context(), generic.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"balances": toBalanceDTOs(balances)})
}

// DeactivateUser runs the deactivation cascade. Per-item failures are
// listed in the report; the call itself still succeeds.
// POST /api/admin/users/{id}/deactivate
func (h *Handler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actorID(w, r)
	if !ok {
		return
	}
	report, err := h.workflow.DeactivateUser(r.Context(), generic.UserID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TriggerYearEnd carries a year forward, by default the previous one.
// POST /api/admin/year-end
func (h *Handler) TriggerYearEnd(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, generic.RoleAdmin); !ok {
		return
	}
	var body YearEndRequest
	if !h.decodeOptional(w, r, &body) {
		return
	}
	if body.Year == 0 {
		body.Year = h.Now().Year() - 1
	}
	report, err := h.ledger.ProcessYearEndCarryForward(r.Context(), body.Year)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// TriggerSweep runs the escalation job now. A sweep already in flight is
// joined instead of started twice.
// POST /api/admin/escalations/sweep
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, generic.RoleAdmin); !ok {
		return
	}
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler not configured", nil)
		return
	}
	err := h.scheduler.RunNow(r.Context(), scheduler.JobEscalationSweep)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusServiceUnavailable, "Escalation sweep is disabled", err)
		return
	case err != nil && !errors.Is(err, scheduler.ErrPartialRun):
		h.writeDomainError(w, r, fmt.Errorf("escalation sweep: %w", err))
		return
	}
	// Per-approval failures are recorded in the job state.
	writeJSON(w, http.StatusOK, h.jobState(scheduler.JobEscalationSweep))
}

// SchedulerStatus lists every job's last run.
// GET /api/admin/scheduler
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireRole(w, r, generic.RoleAdmin, generic.RoleHR); !ok {
		return
	}
	if h.scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"running": false, "jobs": []scheduler.JobState{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": h.scheduler.Running(),
		"jobs":    h.scheduler.Status(),
	})
}

func (h *Handler) jobState(name string) scheduler.JobState {
	for _, s := range h.scheduler.Status() {
		if s.Name == name {
			return s
		}
	}
	return scheduler.JobState{Name: name}
}

// Healthz pings the store.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) actorID(w http.ResponseWriter, r *http.Request) (generic.UserID, bool) {
	id, ok := ActorFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "No authenticated user", nil)
	}
	return id, ok
}

// actor loads the caller from the directory. Unknown and inactive callers
// are refused.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (*generic.User, bool) {
	id, ok := h.actorID(w, r)
	if !ok {
		return nil, false
	}
	u, err := h.dir.GetUser(r.Context(), id)
	if errors.Is(err, generic.ErrUserNotFound) {
		writeError(w, http.StatusForbidden, "Unknown user", nil)
		return nil, false
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return nil, false
	}
	if !u.IsActive {
		writeError(w, http.StatusForbidden, "User is inactive", nil)
		return nil, false
	}
	return u, true
}

func (h *Handler) requireRole(w http.ResponseWriter, r *http.Request, roles ...generic.Role) (*generic.User, bool) {
	u, ok := h.actor(w, r)
	if !ok {
		return nil, false
	}
	for _, role := range roles {
		if u.Role == role {
			return u, true
		}
	}
	writeError(w, http.StatusForbidden, "Insufficient role", nil)
	return nil, false
}

func isAdminOrHR(u *generic.User) bool {
	return u.Role == generic.RoleAdmin || u.Role == generic.RoleHR
}

// decode reads a required JSON body and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

// decodeOptional accepts an empty body.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return h.check(w, dst)
}

func (h *Handler) check(w http.ResponseWriter, dst any) bool {
	err := h.validate.Struct(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "Validation failed",
			Code:    "VALIDATION",
			Details: strings.Join(fields, "; "),
		})
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
	return false
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// Balance years outside this range are rejected before the ledger opens rows.
const (
	minYear = 2000
	maxYear = 2100
)

func yearQuery(r *http.Request, def int) (int, error) {
	year, err := intQuery(r, "year", def)
	if err != nil {
		return 0, err
	}
	if year < minYear || year > maxYear {
		return 0, fmt.Errorf("year %d outside %d-%d", year, minYear, maxYear)
	}
	return year, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: http.StatusText(status), Code: code, Details: err.Error()}
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   code,
		}).WithError(err).Error("request failed")
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, generic.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"
	case errors.Is(err, generic.ErrDateConflict):
		return http.StatusUnprocessableEntity, "DATE_CONFLICT"
	case generic.IsClientError(err):
		return http.StatusUnprocessableEntity, "RULE_VIOLATION"
	case errors.Is(err, generic.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, generic.ErrAlreadyDecided):
		return http.StatusConflict, "ALREADY_DECIDED"
	case errors.Is(err, generic.ErrLevelNotReady):
		return http.StatusConflict, "LEVEL_NOT_READY"
	case errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case generic.IsConflict(err):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, generic.ErrChainResolution):
		return http.StatusInternalServerError, "CHAIN_RESOLUTION"
	case errors.Is(err, generic.ErrConfiguration):
		return http.StatusInternalServerError, "CONFIGURATION"
	}
	return http.StatusInternalServerError, "INTERNAL"
}
