package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// JOURNAL - Append-only record of balance movements
// =============================================================================

type EntryKind string

const (
	EntryInitialize   EntryKind = "initialize"
	EntryReserve      EntryKind = "reserve"
	EntryCommit       EntryKind = "commit"
	EntryRelease      EntryKind = "release"
	EntryCarryForward EntryKind = "carry_forward"
	// EntryUsage records consumption of a leave type that tracks no balance.
	EntryUsage EntryKind = "usage"
)

// Entry is one immutable journal line. No Update, no Delete.
type Entry struct {
	ID             string
	UserID         generic.UserID
	LeaveTypeID    generic.LeaveTypeID
	Year           int
	Kind           EntryKind
	Days           decimal.Decimal
	RequestID      generic.RequestID // empty for initialize and carry_forward
	IdempotencyKey string            // empty for initialize
	CreatedAt      time.Time
}

// Idempotency keys. A movement whose key is already journaled is a no-op.

func ReserveKey(req generic.RequestID, year int) string {
	return fmt.Sprintf("reserve:%s:%d", req, year)
}

func CommitKey(req generic.RequestID, year int) string {
	return fmt.Sprintf("commit:%s:%d", req, year)
}

func ReleaseKey(req generic.RequestID, year int) string {
	return fmt.Sprintf("release:%s:%d", req, year)
}

// CarryForwardKey is keyed on the source year.
func CarryForwardKey(user generic.UserID, leaveType generic.LeaveTypeID, year int) string {
	return fmt.Sprintf("carry:%s:%s:%d", user, leaveType, year)
}

// totals is the journal replayed for one (user, leave type, year).
type totals struct {
	Used           decimal.Decimal
	Pending        decimal.Decimal
	CarriedForward decimal.Decimal
}

// replay folds journal entries into per-leave-type totals. Usage and
// initialize entries do not move balances.
func replay(entries []Entry) map[generic.LeaveTypeID]*totals {
	out := make(map[generic.LeaveTypeID]*totals)
	for _, e := range entries {
		t, ok := out[e.LeaveTypeID]
		if !ok {
			t = &totals{Used: decimal.Zero, Pending: decimal.Zero, CarriedForward: decimal.Zero}
			out[e.LeaveTypeID] = t
		}
		switch e.Kind {
		case EntryReserve:
			t.Pending = t.Pending.Add(e.Days)
		case EntryCommit:
			t.Pending = t.Pending.Sub(e.Days)
			t.Used = t.Used.Add(e.Days)
		case EntryRelease:
			t.Pending = t.Pending.Sub(e.Days)
		case EntryCarryForward:
			t.CarriedForward = t.CarriedForward.Add(e.Days)
		}
	}
	for _, t := range out {
		t.Pending = generic.ClampZero(t.Pending)
	}
	return out
}
