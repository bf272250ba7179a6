/*
Package ledger owns leave balances.

PURPOSE:
  One mutable balance row per (user, leave type, year) plus an append-only
  journal of every movement. The row answers "how much is left" in O(1);
  the journal answers "how did it get there" and makes every movement
  idempotent.

CRITICAL INVARIANT (checked after every mutation):
  Available == max(0, Entitled - Used - Pending)
  Entitled already includes CarriedForward.

MOVEMENTS:
  Reserve:  Pending += d, Available -= d   (fails if Available < d)
  Commit:   Pending -= d, Used += d         (Available unchanged)
  Release:  Pending -= d, Available += d
  Carry:    next year Entitled += min(Available, MaxCarryForward)

CONCURRENCY:
  Every movement runs inside one store transaction that holds the write
  lock for its duration. A lost lock race surfaces as ErrLedgerRaceLost.

SEE ALSO:
  - entry.go: journal entries and idempotency keys
  - store.go: persistence contract
  - store/sqlite/balances.go: SQLite implementation
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/leave-engine/generic"
)

// Balance is the per-year position of one user on one leave type.
type Balance struct {
	UserID         generic.UserID
	LeaveTypeID    generic.LeaveTypeID
	Year           int
	Entitled       decimal.Decimal
	Used           decimal.Decimal
	Pending        decimal.Decimal
	Available      decimal.Decimal
	CarriedForward decimal.Decimal
	UpdatedAt      time.Time
}

// NewBalance creates a fresh balance with the given entitlement.
func NewBalance(user generic.UserID, leaveType generic.LeaveTypeID, year int, entitled decimal.Decimal) *Balance {
	b := &Balance{
		UserID:         user,
		LeaveTypeID:    leaveType,
		Year:           year,
		Entitled:       entitled,
		Used:           decimal.Zero,
		Pending:        decimal.Zero,
		CarriedForward: decimal.Zero,
	}
	b.recompute()
	return b
}

// CanReserve reports whether days fit in the available amount.
func (b *Balance) CanReserve(days decimal.Decimal) bool {
	return b.Available.GreaterThanOrEqual(days)
}

func (b *Balance) recompute() {
	b.Available = generic.ClampZero(b.Entitled.Sub(b.Used).Sub(b.Pending))
}

func (b *Balance) reserve(days decimal.Decimal) {
	b.Pending = b.Pending.Add(days)
	b.recompute()
}

func (b *Balance) commit(days decimal.Decimal) {
	b.Pending = generic.ClampZero(b.Pending.Sub(days))
	b.Used = b.Used.Add(days)
	b.recompute()
}

func (b *Balance) release(days decimal.Decimal) {
	b.Pending = generic.ClampZero(b.Pending.Sub(days))
	b.recompute()
}

func (b *Balance) carryIn(days decimal.Decimal) {
	b.Entitled = b.Entitled.Add(days)
	b.CarriedForward = b.CarriedForward.Add(days)
	b.recompute()
}

// Consistent reports whether the balance satisfies the ledger invariant.
func (b *Balance) Consistent() bool {
	return b.Available.Equal(generic.ClampZero(b.Entitled.Sub(b.Used).Sub(b.Pending)))
}

// =============================================================================
// PRORATION - Entitlement for users who join mid-year
// =============================================================================

var twelve = decimal.NewFromInt(12)

// Prorate scales an annual allowance to the months remaining in year after
// joinedAt, counting the joining month, rounded to half days.
//
//	joined before year      -> full allowance
//	joined during year      -> allowance * (13 - joinMonth) / 12
//	joined after year       -> zero
func Prorate(allowance decimal.Decimal, joinedAt time.Time, year int) decimal.Decimal {
	if joinedAt.IsZero() || joinedAt.Year() < year {
		return allowance
	}
	if joinedAt.Year() > year {
		return decimal.Zero
	}
	months := decimal.NewFromInt(int64(13 - int(joinedAt.Month())))
	return generic.RoundHalfDay(allowance.Mul(months).Div(twelve))
}
