/*
handlers_test.go - HTTP tests for the leave API

Every test drives the real router over an in-memory SQLite store, with
bearer tokens signed by the test secret.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/delegation"
	"github.com/warp/leave-engine/escalation"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/metrics"
	"github.com/warp/leave-engine/routing"
	"github.com/warp/leave-engine/scheduler"
	"github.com/warp/leave-engine/store/sqlite"
	"github.com/warp/leave-engine/workflow"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testSecret = "test-secret"

var now = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type server struct {
	router http.Handler
	db     *sqlite.Store
	sched  *scheduler.Scheduler
}

type serverOption func(*RouterOptions, *scheduler.Scheduler, *escalation.Sweeper)

func withRateLimit(rate string) serverOption {
	return func(o *RouterOptions, _ *scheduler.Scheduler, _ *escalation.Sweeper) { o.RateLimit = rate }
}

func withSweepJob() serverOption {
	return func(_ *RouterOptions, s *scheduler.Scheduler, sw *escalation.Sweeper) {
		s.Register(scheduler.EscalationJob(sw, time.Hour))
	}
}

func withJob(j scheduler.Job) serverOption {
	return func(_ *RouterOptions, s *scheduler.Scheduler, _ *escalation.Sweeper) { s.Register(j) }
}

// org: exec <- dir <- mgr <- emp, emp2; hr; admin.
func newServer(t *testing.T, opts ...serverOption) *server {
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	require.NoError(t, db.UpsertLeaveType(ctx, generic.LeaveType{
		ID: "annual", Code: "AL", Name: "Annual", Category: generic.CategoryLeave, DaysAllowed: generic.Days(21),
		CarryForward: true, MaxCarryForward: generic.Days(5), RequiresApproval: true, TracksBalance: true,
	}))
	require.NoError(t, db.UpsertLeaveType(ctx, generic.LeaveType{
		ID: "wfh", Code: "WFH", Name: "Work from home", Category: generic.CategoryWFH, RequiresApproval: true,
	}))
	for _, u := range []generic.User{
		{ID: "exec", Name: "Exec", Role: generic.RoleExecutive},
		{ID: "dir", Name: "Director", Role: generic.RoleDepartmentDirector, ManagerID: "exec"},
		{ID: "mgr", Name: "Manager", Role: generic.RoleManager, ManagerID: "dir", DepartmentDirectorID: "dir"},
		{ID: "emp", Name: "Employee", Role: generic.RoleEmployee, ManagerID: "mgr", DepartmentDirectorID: "dir"},
		{ID: "emp2", Name: "Employee 2", Role: generic.RoleEmployee, ManagerID: "mgr", DepartmentDirectorID: "dir"},
		{ID: "hr", Name: "HR", Role: generic.RoleHR},
		{ID: "admin", Name: "Admin", Role: generic.RoleAdmin},
	} {
		u.IsActive = true
		u.JoinedAt = generic.NewDate(2019, time.January, 1)
		require.NoError(t, db.UpsertUser(ctx, u))
	}

	log, _ := test.NewNullLogger()
	clock := func() time.Time { return now }
	sink := store.NewMemory()

	l := ledger.New(db, log, nil)
	l.Now = clock
	dm := delegation.NewManager(db, db, db, log)
	dm.Now = clock
	svc := workflow.NewService(workflow.Deps{
		Store:       db,
		Ledger:      l,
		Router:      routing.NewRouter(db, dm, routing.DefaultPolicy(), log),
		Directory:   db,
		Catalog:     db,
		Notifier:    sink,
		Audit:       db,
		Documents:   sink,
		Deactivator: db,
		Delegations: dm,
		Log:         log,
	})
	svc.Now = clock
	sweeper := escalation.NewSweeper(db, db, db, sink, db, nil, log, nil)
	sweeper.Now = clock
	sched := scheduler.New(log, nil)

	reg := prometheus.NewRegistry()
	ro := RouterOptions{
		JWTSecret: testSecret,
		Gatherer:  reg,
		Metrics:   metrics.New(reg),
		Log:       log,
	}
	for _, opt := range opts {
		opt(&ro, sched, sweeper)
	}

	h := NewHandler(Deps{
		Workflow:    svc,
		Delegations: dm,
		Ledger:      l,
		Scheduler:   sched,
		Directory:   db,
		Health:      db,
		Log:         log,
	})
	h.Now = clock
	router, err := NewRouter(h, ro)
	require.NoError(t, err)
	return &server{router: router, db: db, sched: sched}
}

func token(t *testing.T, user generic.UserID) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   string(user),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// do sends a request as user; an empty user sends no token.
func (s *server) do(t *testing.T, method, path string, user generic.UserID, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *server) submit(t *testing.T, user generic.UserID, from, to string) RequestDTO {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/requests", user, SubmitLeaveRequest{
		LeaveTypeID: "annual", StartDate: from, EndDate: to, Reason: "holiday",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[RequestDTO](t, rec)
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func TestAuth_RejectsMissingAndForgedTokens(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/approvals/pending", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "admin"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/approvals/pending", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuth_ExpiredToken(t *testing.T) {
	s := newServer(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "emp",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/approvals/pending", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Token expired", decodeBody[ErrorResponse](t, rec).Error)
}

func TestAuth_UnknownUserIsForbidden(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/users/ghost/balances", "ghost", nil)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// REQUEST LIFECYCLE
// =============================================================================

func TestRequestLifecycle_SubmitApproveAndBalance(t *testing.T) {
	// GIVEN: emp with 21 annual days
	// WHEN: emp submits March 10-12 and mgr approves
	// THEN: the request is APPROVED and 3 days are used
	s := newServer(t)

	req := s.submit(t, "emp", "2025-03-10", "2025-03-12")
	assert.Equal(t, "LR-2025-0001", req.RequestNumber)
	assert.Equal(t, "PENDING", req.Status)
	assert.Equal(t, 3, req.TotalDays)
	require.Len(t, req.Approvals, 1)
	assert.Equal(t, ApproverDTO{Type: "FIXED", UserID: "mgr"}, req.Approvals[0].Approver)

	rec := s.do(t, http.MethodGet, "/api/approvals/pending", "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[struct {
		Approvals []PendingApprovalDTO `json:"approvals"`
	}](t, rec)
	require.Len(t, pending.Approvals, 1)
	assert.Equal(t, req.ID, pending.Approvals[0].Request.ID)

	rec = s.do(t, http.MethodPost, "/api/approvals/"+req.Approvals[0].ID+"/decision", "mgr",
		DecisionRequest{Decision: "APPROVED", Comments: "enjoy"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decodeBody[RequestDTO](t, rec)
	assert.Equal(t, "APPROVED", decided.Status)
	assert.Equal(t, "mgr", decided.Approvals[0].DecidedBy)

	rec = s.do(t, http.MethodGet, "/api/users/emp/balances?year=2025", "emp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	balances := decodeBody[struct {
		Balances []BalanceDTO `json:"balances"`
	}](t, rec)
	var annual *BalanceDTO
	for i := range balances.Balances {
		if balances.Balances[i].LeaveTypeID == "annual" {
			annual = &balances.Balances[i]
		}
	}
	require.NotNil(t, annual)
	assert.Equal(t, 3.0, annual.Used)
	assert.Equal(t, 0.0, annual.Pending)
	assert.Equal(t, 18.0, annual.Available)
}

func TestSubmit_SelectedDates(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/requests", "emp", SubmitLeaveRequest{
		LeaveTypeID:   "wfh",
		SelectedDates: []string{"2025-03-05", "2025-03-04"},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	req := decodeBody[RequestDTO](t, rec)
	assert.Equal(t, "WFH", req.Category)
	assert.Equal(t, []string{"2025-03-04", "2025-03-05"}, req.SelectedDates)
	assert.Equal(t, 2, req.TotalDays)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing leave type", SubmitLeaveRequest{StartDate: "2025-03-10", EndDate: "2025-03-10"}},
		{"no dates", SubmitLeaveRequest{LeaveTypeID: "annual"}},
		{"start without end", SubmitLeaveRequest{LeaveTypeID: "annual", StartDate: "2025-03-10"}},
		{"bad date format", SubmitLeaveRequest{LeaveTypeID: "annual", StartDate: "10/03/2025", EndDate: "2025-03-11"}},
		{"bad selected date", SubmitLeaveRequest{LeaveTypeID: "annual", SelectedDates: []string{"tomorrow"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/requests", "emp", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "VALIDATION", decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestSubmit_MalformedJSON(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, "emp"))
	rec := httptest.NewRecorder()

	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_BusinessRejections(t *testing.T) {
	s := newServer(t)
	s.submit(t, "emp", "2025-03-10", "2025-03-12")

	// 22 calendar days against 18 available.
	rec := s.do(t, http.MethodPost, "/api/requests", "emp", SubmitLeaveRequest{
		LeaveTypeID: "annual", StartDate: "2025-04-01", EndDate: "2025-04-22",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INSUFFICIENT_BALANCE", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/requests", "emp", SubmitLeaveRequest{
		LeaveTypeID: "annual", StartDate: "2025-03-12", EndDate: "2025-03-13",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "DATE_CONFLICT", decodeBody[ErrorResponse](t, rec).Code)

	rec = s.do(t, http.MethodPost, "/api/requests", "emp", SubmitLeaveRequest{
		LeaveTypeID: "sabbatical", StartDate: "2025-05-01", EndDate: "2025-05-01",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecide_ErrorMapping(t *testing.T) {
	s := newServer(t)
	req := s.submit(t, "emp", "2025-03-10", "2025-03-10")
	path := "/api/approvals/" + req.Approvals[0].ID + "/decision"

	rec := s.do(t, http.MethodPost, path, "emp2", DecisionRequest{Decision: "APPROVED"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, path, "mgr", DecisionRequest{Decision: "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, path, "mgr", DecisionRequest{Decision: "REJECTED", Comments: "busy week"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "REJECTED", decodeBody[RequestDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, path, "mgr", DecisionRequest{Decision: "APPROVED"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/approvals/nope/decision", "mgr", DecisionRequest{Decision: "APPROVED"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	s := newServer(t)
	req := s.submit(t, "emp", "2025-03-10", "2025-03-11")

	rec := s.do(t, http.MethodPost, "/api/requests/"+req.ID+"/cancel", "emp2", CancelRequest{})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// An empty body is accepted.
	rec = s.do(t, http.MethodPost, "/api/requests/"+req.ID+"/cancel", "emp", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decodeBody[RequestDTO](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/api/requests/"+req.ID+"/cancel", "emp", CancelRequest{Reason: "again"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INVALID_TRANSITION", decodeBody[ErrorResponse](t, rec).Code)
}

func TestGetRequest_Visibility(t *testing.T) {
	s := newServer(t)
	req := s.submit(t, "emp", "2025-03-10", "2025-03-10")
	path := "/api/requests/" + req.ID

	for user, want := range map[generic.UserID]int{
		"emp":  http.StatusOK,
		"mgr":  http.StatusOK,
		"hr":   http.StatusOK,
		"emp2": http.StatusNotFound,
	} {
		rec := s.do(t, http.MethodGet, path, user, nil)
		assert.Equal(t, want, rec.Code, "user %s", user)
	}
}

// =============================================================================
// USER VIEWS
// =============================================================================

func TestBalances_Visibility(t *testing.T) {
	s := newServer(t)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/users/emp/balances", "mgr", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/users/emp/balances", "dir", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/users/emp/balances", "hr", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/users/emp/balances", "emp2", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/users/emp/balances?year=abc", "emp", nil).Code)
}

func TestBalances_YearOutOfRange(t *testing.T) {
	// GIVEN: years the ledger must never open
	// THEN: 400 and no balance row is written
	s := newServer(t)

	for _, year := range []string{"0", "-3", "1999", "2101"} {
		rec := s.do(t, http.MethodGet, "/api/users/emp/balances?year="+year, "emp", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "year %s", year)
	}
	rec := s.do(t, http.MethodGet, "/api/users/emp/wfh-utilization?year=0&month=3", "emp", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, s.db.WithBalanceTx(context.Background(), func(tx ledger.Tx) error {
		for _, year := range []int{0, -3} {
			balances, err := tx.ListBalances(context.Background(), "emp", year)
			require.NoError(t, err)
			assert.Empty(t, balances)
		}
		return nil
	}))
}

func TestWFHUtilization(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, "/api/requests", "emp", SubmitLeaveRequest{
		LeaveTypeID: "wfh", StartDate: "2025-03-04", EndDate: "2025-03-06",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/users/emp/wfh-utilization?year=2025&month=3", "emp", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	u := decodeBody[workflow.WFHUtilization](t, rec)
	assert.Equal(t, 3, u.WFHDays)
	assert.Equal(t, 21, u.WorkingDays)
	assert.InDelta(t, 14.3, u.Percent, 0.001)

	rec = s.do(t, http.MethodGet, "/api/users/emp/wfh-utilization?year=2025&month=13", "emp", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// DELEGATIONS
// =============================================================================

func TestDelegations_CreateListToggleDelete(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/delegations", "mgr", CreateDelegationRequest{
		DelegateID: "dir", StartDate: "2025-03-01", EndDate: "2025-03-31", Reason: "travel",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decodeBody[DelegationDTO](t, rec)
	assert.Equal(t, "mgr", d.DelegatorID)
	assert.True(t, d.IsActive)

	rec = s.do(t, http.MethodGet, "/api/users/mgr/delegations", "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Delegations []DelegationDTO `json:"delegations"`
	}](t, rec)
	require.Len(t, list.Delegations, 1)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/users/mgr/delegations", "emp", nil).Code)

	rec = s.do(t, http.MethodPost, "/api/delegations/"+d.ID+"/toggle", "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[DelegationDTO](t, rec).IsActive)

	rec = s.do(t, http.MethodDelete, "/api/delegations/"+d.ID, "mgr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/delegations/"+d.ID, "mgr", nil).Code)
}

func TestDelegations_RuleViolations(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/delegations", "mgr", CreateDelegationRequest{DelegateID: "mgr", StartDate: "2025-03-01"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/delegations", "mgr", CreateDelegationRequest{DelegateID: "emp", StartDate: "2025-03-01"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/delegations", "emp", CreateDelegationRequest{
		DelegatorID: "mgr", DelegateID: "dir", StartDate: "2025-03-01",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdmin_RequiresRole(t *testing.T) {
	s := newServer(t)

	for _, path := range []string{"/api/admin/year-end", "/api/admin/escalations/sweep", "/api/admin/users/emp/recalculate"} {
		rec := s.do(t, http.MethodPost, path, "emp", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/admin/scheduler", "mgr", nil).Code)
}

func TestAdmin_YearEndDefaultsToPreviousYear(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/admin/year-end", "admin", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[map[string]any](t, rec)
	assert.Equal(t, float64(2024), report["year"])

	rec = s.do(t, http.MethodPost, "/api/admin/year-end", "admin", YearEndRequest{Year: 1999})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_Recalculate(t *testing.T) {
	s := newServer(t)
	s.submit(t, "emp", "2025-03-10", "2025-03-11")

	rec := s.do(t, http.MethodPost, "/api/admin/users/emp/recalculate", "hr", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		Balances []BalanceDTO `json:"balances"`
	}](t, rec)
	require.NotEmpty(t, body.Balances)
	for _, b := range body.Balances {
		if b.LeaveTypeID == "annual" {
			assert.Equal(t, 2.0, b.Pending)
			assert.Equal(t, 19.0, b.Available)
		}
	}
}

func TestAdmin_DeactivateUser(t *testing.T) {
	s := newServer(t)
	req := s.submit(t, "emp", "2025-03-10", "2025-03-11")

	rec := s.do(t, http.MethodPost, "/api/admin/users/emp/deactivate", "mgr", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/admin/users/emp/deactivate", "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[workflow.DeactivationReport](t, rec)
	assert.Equal(t, []generic.RequestID{generic.RequestID(req.ID)}, report.CancelledRequests)

	// The deactivated user can no longer act.
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/users/emp/balances", "emp", nil).Code)
}

func TestAdmin_SweepWithoutJob(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/admin/escalations/sweep", "admin", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdmin_SweepRunsJob(t *testing.T) {
	s := newServer(t, withSweepJob())

	rec := s.do(t, http.MethodPost, "/api/admin/escalations/sweep", "admin", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decodeBody[scheduler.JobState](t, rec)
	assert.Equal(t, scheduler.JobEscalationSweep, state.Name)
	assert.Equal(t, 1, state.RunCount)

	rec = s.do(t, http.MethodGet, "/api/admin/scheduler", "hr", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[struct {
		Running bool                 `json:"running"`
		Jobs    []scheduler.JobState `json:"jobs"`
	}](t, rec)
	assert.False(t, status.Running)
	require.Len(t, status.Jobs, 1)
}

func TestAdmin_SweepFailureIsReported(t *testing.T) {
	// GIVEN: a sweep that cannot list open approvals
	// THEN: 500 with the cause; the job state records the failure
	s := newServer(t, withJob(scheduler.Job{
		Name: scheduler.JobEscalationSweep,
		Run: func(context.Context) error {
			return fmt.Errorf("listing open approvals: %w", errors.New("database is closed"))
		},
	}))

	rec := s.do(t, http.MethodPost, "/api/admin/escalations/sweep", "admin", nil)

	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	body := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "INTERNAL", body.Code)
	assert.Contains(t, body.Details, "database is closed")
	state := s.sched.Status()
	require.Len(t, state, 1)
	assert.Equal(t, 1, state[0].FailureCount)
}

func TestAdmin_SweepPartialFailureReturnsState(t *testing.T) {
	// GIVEN: a sweep that finished with one approval failing
	// THEN: 200 with the failure in lastError
	s := newServer(t, withJob(scheduler.Job{
		Name: scheduler.JobEscalationSweep,
		Run: func(context.Context) error {
			return fmt.Errorf("%w: approval a1: boom", scheduler.ErrPartialRun)
		},
	}))

	rec := s.do(t, http.MethodPost, "/api/admin/escalations/sweep", "admin", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	state := decodeBody[scheduler.JobState](t, rec)
	assert.Contains(t, state.LastError, "approval a1: boom")
	assert.Equal(t, 1, state.FailureCount)
}

// =============================================================================
// INFRASTRUCTURE ENDPOINTS
// =============================================================================

func TestHealthzAndMetrics(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.do(t, http.MethodGet, "/api/approvals/pending", "mgr", nil)
	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/approvals/pending")
}

func TestRateLimit(t *testing.T) {
	s := newServer(t, withRateLimit("2-M"))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, s.do(t, http.MethodGet, "/healthz", "", nil).Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestNewRouter_RequiresSecret(t *testing.T) {
	log, _ := test.NewNullLogger()
	_, err := NewRouter(&Handler{}, RouterOptions{Log: log})
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("wrap: %w", generic.ErrInvalidInput), http.StatusBadRequest, "INVALID_INPUT"},
		{&generic.InsufficientBalanceError{}, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
		{&generic.DateConflictError{}, http.StatusUnprocessableEntity, "DATE_CONFLICT"},
		{generic.ErrSelfDelegation, http.StatusUnprocessableEntity, "RULE_VIOLATION"},
		{generic.ErrNotAuthorizedForLevel, http.StatusForbidden, "UNAUTHORIZED"},
		{generic.ErrRequestNotFound, http.StatusNotFound, "NOT_FOUND"},
		{generic.ErrAlreadyDecided, http.StatusConflict, "ALREADY_DECIDED"},
		{generic.ErrLedgerRaceLost, http.StatusConflict, "CONFLICT"},
		{&generic.ChainResolutionError{}, http.StatusInternalServerError, "CHAIN_RESOLUTION"},
		{generic.ErrConfiguration, http.StatusInternalServerError, "CONFIGURATION"},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
