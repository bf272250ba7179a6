package routing_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
	"github.com/warp/leave-engine/routing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type mockDelegations struct {
	mock.Mock
}

func (m *mockDelegations) ActiveDelegate(ctx context.Context, delegator generic.UserID, at time.Time) (generic.UserID, bool, error) {
	args := m.Called(ctx, delegator, at)
	return args.Get(0).(generic.UserID), args.Bool(1), args.Error(2)
}

func nullLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

// org:
//
//	exec (EXECUTIVE, no manager)
//	dir  (DEPARTMENT_DIRECTOR, manager exec)
//	mgr  (MANAGER, manager dir, director dir)
//	emp  (EMPLOYEE, manager mgr, director dir)
//	hr   (HR)
func newOrg() *store.Memory {
	m := store.NewMemory()
	for _, u := range []generic.User{
		{ID: "exec", Role: generic.RoleExecutive, IsActive: true},
		{ID: "dir", Role: generic.RoleDepartmentDirector, ManagerID: "exec", IsActive: true},
		{ID: "mgr", Role: generic.RoleManager, ManagerID: "dir", DepartmentDirectorID: "dir", IsActive: true},
		{ID: "emp", Role: generic.RoleEmployee, ManagerID: "mgr", DepartmentDirectorID: "dir", IsActive: true},
		{ID: "deputy", Role: generic.RoleManager, ManagerID: "dir", IsActive: true},
		{ID: "hr", Role: generic.RoleHR, IsActive: true},
	} {
		m.PutUser(u)
	}
	return m
}

func annual() *generic.LeaveType {
	return &generic.LeaveType{ID: "annual", RequiresApproval: true, TracksBalance: true}
}

func noDelegations() *mockDelegations {
	d := &mockDelegations{}
	d.On("ActiveDelegate", mock.Anything, mock.Anything, mock.Anything).Return(generic.UserID(""), false, nil)
	return d
}

func user(t *testing.T, dir *store.Memory, id generic.UserID) *generic.User {
	u, err := dir.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u
}

var submittedAt = time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)

// =============================================================================
// LEVEL 1
// =============================================================================

func TestBuildChain_EmployeeRoutesToManager(t *testing.T) {
	dir := newOrg()
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())

	chain, err := r.BuildChain(context.Background(), user(t, dir, "emp"), annual(), submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, 1, chain[0].Level)
	assert.Equal(t, routing.Fixed("mgr"), chain[0].Approver)
	assert.False(t, chain[0].AutoApproved)
}

func TestBuildChain_DelegateSubstitutedForManager(t *testing.T) {
	// GIVEN: mgr delegated to deputy for March 10-20
	// WHEN: emp submits on March 15
	// THEN: level 1 is assigned to deputy, nominally mgr
	dir := newOrg()
	d := &mockDelegations{}
	d.On("ActiveDelegate", mock.Anything, generic.UserID("mgr"), submittedAt).Return(generic.UserID("deputy"), true, nil)
	r := routing.NewRouter(dir, d, routing.DefaultPolicy(), nullLogger())

	chain, err := r.BuildChain(context.Background(), user(t, dir, "emp"), annual(), submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, routing.Fixed("deputy"), chain[0].Approver)
	assert.Equal(t, generic.UserID("mgr"), chain[0].NominalApproverID)
	d.AssertExpectations(t)
}

func TestBuildChain_InactiveDelegateIgnored(t *testing.T) {
	dir := newOrg()
	require.NoError(t, dir.SetUserActive(context.Background(), "deputy", false))
	d := &mockDelegations{}
	d.On("ActiveDelegate", mock.Anything, generic.UserID("mgr"), submittedAt).Return(generic.UserID("deputy"), true, nil)
	r := routing.NewRouter(dir, d, routing.DefaultPolicy(), nullLogger())

	chain, err := r.BuildChain(context.Background(), user(t, dir, "emp"), annual(), submittedAt)

	require.NoError(t, err)
	assert.Equal(t, routing.Fixed("mgr"), chain[0].Approver)
}

func TestBuildChain_ExecutiveWithoutManagerSelfApproves(t *testing.T) {
	dir := newOrg()
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())

	chain, err := r.BuildChain(context.Background(), user(t, dir, "exec"), annual(), submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.True(t, chain[0].AutoApproved)
	assert.Equal(t, routing.Fixed("exec"), chain[0].Approver)
	assert.False(t, chain.RequiresDecision())
}

func TestBuildChain_NoManagerFallsBackToHRSlot(t *testing.T) {
	dir := newOrg()
	dir.PutUser(generic.User{ID: "loner", Role: generic.RoleEmployee, IsActive: true})
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())

	chain, err := r.BuildChain(context.Background(), user(t, dir, "loner"), annual(), submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, routing.RoleSlot(generic.RoleHR), chain[0].Approver)
}

func TestBuildChain_UnstaffedSlotIsConfigurationError(t *testing.T) {
	// GIVEN: a requester without manager or director, and no active HR user
	// THEN: chain construction fails with a ChainResolutionError
	dir := newOrg()
	require.NoError(t, dir.SetUserActive(context.Background(), "hr", false))
	dir.PutUser(generic.User{ID: "loner", Role: generic.RoleEmployee, IsActive: true})
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())

	_, err := r.BuildChain(context.Background(), user(t, dir, "loner"), annual(), submittedAt)

	assert.ErrorIs(t, err, generic.ErrChainResolution)
	var cre *generic.ChainResolutionError
	require.ErrorAs(t, err, &cre)
	assert.Equal(t, generic.RoleHR, cre.Role)
	assert.Equal(t, 1, cre.Level)
}

func TestBuildChain_NoApprovalRequired(t *testing.T) {
	dir := newOrg()
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())
	lt := &generic.LeaveType{ID: "sick", RequiresApproval: false}

	chain, err := r.BuildChain(context.Background(), user(t, dir, "emp"), lt, submittedAt)

	require.NoError(t, err)
	assert.Empty(t, chain)
	assert.Equal(t, 0, chain.FinalLevel())
}

// =============================================================================
// LEVEL 2
// =============================================================================

func TestBuildChain_ManagerGetsDirectorSecondLevel(t *testing.T) {
	// GIVEN: default policy (MANAGER requests need a second level)
	// WHEN: mgr submits; mgr's manager is dir and director is dir
	// THEN: a single level, because the director would duplicate the level-1 signer
	dir := newOrg()
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())

	chain, err := r.BuildChain(context.Background(), user(t, dir, "mgr"), annual(), submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, routing.Fixed("dir"), chain[0].Approver)
}

func TestBuildChain_SecondLevelLeaveTypeAddsDirector(t *testing.T) {
	dir := newOrg()
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())
	lt := annual()
	lt.RequiresSecondLevel = true

	chain, err := r.BuildChain(context.Background(), user(t, dir, "emp"), lt, submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, routing.Fixed("mgr"), chain[0].Approver)
	assert.Equal(t, 2, chain[1].Level)
	assert.Equal(t, routing.Fixed("dir"), chain[1].Approver)
	assert.Equal(t, 2, chain.FinalLevel())
}

func TestBuildChain_SecondLevelFallsBackToHRSlot(t *testing.T) {
	dir := newOrg()
	dir.PutUser(generic.User{ID: "emp2", Role: generic.RoleEmployee, ManagerID: "mgr", IsActive: true})
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())
	lt := annual()
	lt.RequiresSecondLevel = true

	chain, err := r.BuildChain(context.Background(), user(t, dir, "emp2"), lt, submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, routing.RoleSlot(generic.RoleHR), chain[1].Approver)
}

func TestBuildChain_ExecutiveSecondLevelSelfApproves(t *testing.T) {
	dir := newOrg()
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())
	lt := annual()
	lt.RequiresSecondLevel = true

	chain, err := r.BuildChain(context.Background(), user(t, dir, "exec"), lt, submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.True(t, chain[0].AutoApproved)
	assert.True(t, chain[1].AutoApproved)
}

func TestBuildChain_DirectorIsOwnSecondLevel(t *testing.T) {
	dir := newOrg()
	dir.PutUser(generic.User{ID: "dir", Role: generic.RoleDepartmentDirector, ManagerID: "exec", DepartmentDirectorID: "dir", IsActive: true})
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())
	lt := annual()
	lt.RequiresSecondLevel = true

	chain, err := r.BuildChain(context.Background(), user(t, dir, "dir"), lt, submittedAt)

	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, routing.Fixed("exec"), chain[0].Approver)
}

// =============================================================================
// AUTHORIZATION
// =============================================================================

func TestAuthorize(t *testing.T) {
	dir := newOrg()
	d := &mockDelegations{}
	d.On("ActiveDelegate", mock.Anything, generic.UserID("mgr"), submittedAt).Return(generic.UserID("deputy"), true, nil)
	d.On("ActiveDelegate", mock.Anything, mock.Anything, mock.Anything).Return(generic.UserID(""), false, nil)
	r := routing.NewRouter(dir, d, routing.DefaultPolicy(), nullLogger())
	ctx := context.Background()

	tests := []struct {
		name  string
		actor generic.UserID
		spec  routing.ApproverSpec
		ok    bool
	}{
		{"fixed approver", "mgr", routing.Fixed("mgr"), true},
		{"active delegate of fixed approver", "deputy", routing.Fixed("mgr"), true},
		{"unrelated user", "emp", routing.Fixed("mgr"), false},
		{"hr slot holder", "hr", routing.RoleSlot(generic.RoleHR), true},
		{"wrong role for slot", "dir", routing.RoleSlot(generic.RoleHR), false},
		{"executive slot", "exec", routing.RoleSlot(generic.RoleExecutive), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Authorize(ctx, user(t, dir, tt.actor), tt.spec, submittedAt)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, generic.ErrNotAuthorizedForLevel)
			assert.ErrorIs(t, err, generic.ErrUnauthorized)
		})
	}
}

func TestAuthorize_InactiveActorRejected(t *testing.T) {
	dir := newOrg()
	r := routing.NewRouter(dir, noDelegations(), routing.DefaultPolicy(), nullLogger())
	actor := user(t, dir, "mgr")
	actor.IsActive = false

	err := r.Authorize(context.Background(), actor, routing.Fixed("mgr"), submittedAt)

	assert.ErrorIs(t, err, generic.ErrNotAuthorizedForLevel)
}
