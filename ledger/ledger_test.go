package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

var (
	annual = generic.LeaveType{
		ID: "annual", Code: "AL", Name: "Annual leave", Category: generic.CategoryLeave,
		DaysAllowed: generic.Days(21), CarryForward: true, MaxCarryForward: generic.Days(5),
		RequiresApproval: true, TracksBalance: true,
	}
	unpaid = generic.LeaveType{
		ID: "unpaid", Code: "UL", Name: "Unpaid leave", Category: generic.CategoryLeave,
		DaysAllowed: generic.Days(10), RequiresApproval: true, TracksBalance: true,
	}
	sick = generic.LeaveType{
		ID: "sick", Code: "SL", Name: "Sick leave", Category: generic.CategoryLeave,
		RequiresApproval: true, TracksBalance: false,
	}
)

func newTestLedger(t *testing.T) (*ledger.Ledger, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, lt := range []generic.LeaveType{annual, unpaid, sick} {
		require.NoError(t, store.UpsertLeaveType(ctx, lt))
	}
	require.NoError(t, store.UpsertUser(ctx, generic.User{
		ID: "emp", Name: "Employee", Role: generic.RoleEmployee, IsActive: true,
		JoinedAt: generic.NewDate(2019, time.January, 7),
	}))
	require.NoError(t, store.UpsertUser(ctx, generic.User{
		ID: "newbie", Name: "New hire", Role: generic.RoleEmployee, IsActive: true,
		JoinedAt: generic.NewDate(2025, time.July, 15),
	}))

	log, _ := test.NewNullLogger()
	l := ledger.New(store, log, nil)
	l.Now = func() time.Time { return now }
	return l, store
}

func move(req string, days int) ledger.Movement {
	return ledger.Movement{UserID: "emp", LeaveTypeID: "annual", Year: 2025, Days: generic.Days(days), RequestID: generic.RequestID(req)}
}

func balanceOf(t *testing.T, l *ledger.Ledger, user generic.UserID, lt generic.LeaveTypeID, year int) ledger.Balance {
	t.Helper()
	balances, err := l.GetBalances(context.Background(), user, year)
	require.NoError(t, err)
	for _, b := range balances {
		if b.LeaveTypeID == lt {
			return b
		}
	}
	t.Fatalf("no %s balance for %s/%d", lt, user, year)
	return ledger.Balance{}
}

func assertDays(t *testing.T, want int, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(generic.Days(want)), "%s: want %d, got %s", field, want, got)
}

// withUsed books and commits days on a throwaway request.
func withUsed(t *testing.T, l *ledger.Ledger, days int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, move("seed", days)))
	require.NoError(t, l.Commit(ctx, move("seed", days)))
}

// =============================================================================
// MOVEMENT TESTS
// =============================================================================

func TestReserve_MovesDaysIntoPending(t *testing.T) {
	// GIVEN: entitled 21, used 5, pending 0
	// WHEN: reserving 3 days
	// THEN: available 13, pending 3
	l, _ := newTestLedger(t)
	withUsed(t, l, 5)

	require.NoError(t, l.Reserve(context.Background(), move("r1", 3)))

	b := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 21, b.Entitled, "entitled")
	assertDays(t, 5, b.Used, "used")
	assertDays(t, 3, b.Pending, "pending")
	assertDays(t, 13, b.Available, "available")
	assert.True(t, b.Consistent())
}

func TestCommit_MovesPendingIntoUsed(t *testing.T) {
	// GIVEN: 3 days reserved on top of 5 used
	// WHEN: the request is approved
	// THEN: used 8, pending 0, available unchanged at 13
	l, _ := newTestLedger(t)
	withUsed(t, l, 5)
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, move("r1", 3)))

	require.NoError(t, l.Commit(ctx, move("r1", 3)))

	b := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 8, b.Used, "used")
	assertDays(t, 0, b.Pending, "pending")
	assertDays(t, 13, b.Available, "available")
}

func TestRelease_ReturnsDaysToAvailable(t *testing.T) {
	// GIVEN: 3 days reserved on top of 5 used
	// WHEN: the request is rejected
	// THEN: available back to 16
	l, _ := newTestLedger(t)
	withUsed(t, l, 5)
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, move("r1", 3)))

	require.NoError(t, l.Release(ctx, move("r1", 3)))

	b := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 0, b.Pending, "pending")
	assertDays(t, 16, b.Available, "available")
}

func TestReserve_InsufficientBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	withUsed(t, l, 20)

	err := l.Reserve(context.Background(), move("r1", 2))

	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)
	var ib *generic.InsufficientBalanceError
	require.ErrorAs(t, err, &ib)
	assertDays(t, 1, ib.Available, "available")
	assertDays(t, 2, ib.Requested, "requested")

	b := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 0, b.Pending, "pending")
}

func TestMovements_AreIdempotent(t *testing.T) {
	// GIVEN: a reservation applied twice, committed twice, then released
	// THEN: it counts once and the release after commit is a no-op
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, move("r1", 4)))
	require.NoError(t, l.Reserve(ctx, move("r1", 4)))
	b := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 4, b.Pending, "pending after double reserve")

	require.NoError(t, l.Commit(ctx, move("r1", 4)))
	require.NoError(t, l.Commit(ctx, move("r1", 4)))
	require.NoError(t, l.Release(ctx, move("r1", 4)))

	b = balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 4, b.Used, "used")
	assertDays(t, 0, b.Pending, "pending")
	assertDays(t, 17, b.Available, "available")
}

func TestRelease_NeverReservedIsNoop(t *testing.T) {
	l, _ := newTestLedger(t)

	require.NoError(t, l.Release(context.Background(), move("ghost", 3)))

	b := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 21, b.Available, "available")
}

func TestUntrackedType_RecordsUsageOnly(t *testing.T) {
	// GIVEN: sick leave, which tracks no balance
	// WHEN: reserving and committing far more than any allowance
	// THEN: both succeed, no balance row exists, a usage entry is journaled
	l, store := newTestLedger(t)
	ctx := context.Background()
	m := ledger.Movement{UserID: "emp", LeaveTypeID: "sick", Year: 2025, Days: generic.Days(40), RequestID: "s1"}

	require.NoError(t, l.Reserve(ctx, m))
	require.NoError(t, l.Commit(ctx, m))

	balances, err := l.GetBalances(ctx, "emp", 2025)
	require.NoError(t, err)
	for _, b := range balances {
		assert.NotEqual(t, generic.LeaveTypeID("sick"), b.LeaveTypeID)
	}
	require.NoError(t, store.WithBalanceTx(ctx, func(tx ledger.Tx) error {
		used, err := tx.HasEntry(ctx, ledger.CommitKey("s1", 2025))
		assert.True(t, used)
		return err
	}))
}

func TestReserve_InvalidMovement(t *testing.T) {
	l, _ := newTestLedger(t)
	m := move("r1", 0)

	err := l.Reserve(context.Background(), m)

	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestReserve_ConcurrentNeverOverdraws(t *testing.T) {
	// GIVEN: 21 available days
	// WHEN: 10 requests of 3 days reserve concurrently
	// THEN: exactly 7 succeed and available ends at 0
	l, _ := newTestLedger(t)
	ctx := context.Background()
	balanceOf(t, l, "emp", "annual", 2025)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		denied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Reserve(ctx, move(fmt.Sprintf("c%d", i), 3))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, generic.ErrInsufficientBalance):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 7, ok)
	assert.Equal(t, 3, denied)
	b := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 21, b.Pending, "pending")
	assertDays(t, 0, b.Available, "available")
}

// =============================================================================
// PRORATION & RECALCULATION
// =============================================================================

func TestGetBalances_ProratesMidYearJoiner(t *testing.T) {
	// GIVEN: joined July 15 2025 with a 21-day allowance
	// THEN: 2025 entitlement is 21 * 6/12 = 10.5; 2026 is the full 21
	l, _ := newTestLedger(t)

	b := balanceOf(t, l, "newbie", "annual", 2025)
	assert.True(t, b.Entitled.Equal(decimal.RequireFromString("10.5")), "got %s", b.Entitled)

	next := balanceOf(t, l, "newbie", "annual", 2026)
	assertDays(t, 21, next.Entitled, "entitled 2026")
}

func TestRecalculate_RebuildsFromJournal(t *testing.T) {
	// GIVEN: 5 used, 3 pending, and a balance row corrupted by hand
	// WHEN: recalculating
	// THEN: the row matches the journal again
	l, store := newTestLedger(t)
	ctx := context.Background()
	withUsed(t, l, 5)
	require.NoError(t, l.Reserve(ctx, move("r1", 3)))

	require.NoError(t, store.WithBalanceTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.GetBalance(ctx, "emp", "annual", 2025)
		require.NoError(t, err)
		b.Used = generic.Days(0)
		b.Entitled = generic.Days(99)
		return tx.SaveBalance(ctx, b)
	}))

	out, err := l.Recalculate(ctx, "emp")
	require.NoError(t, err)
	require.NotEmpty(t, out)

	b := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 21, b.Entitled, "entitled")
	assertDays(t, 5, b.Used, "used")
	assertDays(t, 3, b.Pending, "pending")
	assertDays(t, 13, b.Available, "available")
}

func TestRecalculate_UnknownUser(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Recalculate(context.Background(), "ghost")
	assert.ErrorIs(t, err, generic.ErrUserNotFound)
}

// =============================================================================
// YEAR-END CARRY FORWARD
// =============================================================================

func TestYearEnd_CarryCappedAtMax(t *testing.T) {
	// GIVEN: 8 days available on annual leave (max carry 5), 10 on unpaid (no carry)
	// WHEN: year-end runs for 2025
	// THEN: 5 days carry into 2026, unpaid expires
	// AND: the July joiner carries 5 of their 10.5 prorated days
	l, _ := newTestLedger(t)
	ctx := context.Background()
	withUsed(t, l, 13)
	balanceOf(t, l, "emp", "unpaid", 2025)

	report, err := l.ProcessYearEndCarryForward(ctx, 2025)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, 2, report.Users)
	assert.Equal(t, 2, report.Carried)
	assert.Equal(t, 1, report.Expired)
	assertDays(t, 10, report.CarriedDays, "carried days")

	next := balanceOf(t, l, "emp", "annual", 2026)
	assertDays(t, 26, next.Entitled, "entitled")
	assertDays(t, 5, next.CarriedForward, "carried forward")
	assertDays(t, 26, next.Available, "available")

	nextUnpaid := balanceOf(t, l, "emp", "unpaid", 2026)
	assertDays(t, 0, nextUnpaid.CarriedForward, "unpaid carried")
}

func TestYearEnd_Idempotent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	withUsed(t, l, 13)

	_, err := l.ProcessYearEndCarryForward(ctx, 2025)
	require.NoError(t, err)
	report, err := l.ProcessYearEndCarryForward(ctx, 2025)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Carried)
	assert.Equal(t, 0, report.Expired)
	assert.Equal(t, 2, report.AlreadyProcessed)
	next := balanceOf(t, l, "emp", "annual", 2026)
	assertDays(t, 5, next.CarriedForward, "carried forward after rerun")
}

func TestYearEnd_SurvivesRecalculate(t *testing.T) {
	// GIVEN: 5 days carried into 2026
	// WHEN: 2026 balances are recalculated
	// THEN: the carried days are rebuilt from the journal
	l, _ := newTestLedger(t)
	ctx := context.Background()
	withUsed(t, l, 10)
	_, err := l.ProcessYearEndCarryForward(ctx, 2025)
	require.NoError(t, err)

	l.Now = func() time.Time { return time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC) }
	_, err = l.Recalculate(ctx, "emp")
	require.NoError(t, err)

	next := balanceOf(t, l, "emp", "annual", 2026)
	assertDays(t, 5, next.CarriedForward, "carried forward")
	assertDays(t, 26, next.Entitled, "entitled")
}

func TestYearEnd_UntouchedBalanceIsCarried(t *testing.T) {
	// GIVEN: emp never booked leave nor read balances in 2024
	// WHEN: year-end runs for 2024
	// THEN: the 2024 row is opened and 5 days carry into 2025
	l, store := newTestLedger(t)
	ctx := context.Background()

	report, err := l.ProcessYearEndCarryForward(ctx, 2024)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, 1, report.Users, "newbie joined in 2025")
	assert.Equal(t, 1, report.Carried)
	next := balanceOf(t, l, "emp", "annual", 2025)
	assertDays(t, 26, next.Entitled, "entitled")
	assertDays(t, 5, next.CarriedForward, "carried forward")

	var prev *ledger.Balance
	require.NoError(t, store.WithBalanceTx(ctx, func(tx ledger.Tx) error {
		var err error
		prev, err = tx.GetBalance(ctx, "emp", "annual", 2024)
		return err
	}))
	require.NotNil(t, prev)
	assertDays(t, 21, prev.Entitled, "2024 entitled")
}

func TestYearEnd_InactiveUserWithoutBalancesSkipped(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, store.SetUserActive(ctx, "emp", false))

	report, err := l.ProcessYearEndCarryForward(ctx, 2024)

	require.NoError(t, err)
	assert.Zero(t, report.Users)
	assert.Zero(t, report.Carried)
}
