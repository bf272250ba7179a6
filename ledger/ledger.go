package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/metrics"
)

// Movement is a quantity of days moving for one request within one year.
// Requests that span a year boundary produce one movement per year.
type Movement struct {
	UserID      generic.UserID
	LeaveTypeID generic.LeaveTypeID
	Year        int
	Days        decimal.Decimal
	RequestID   generic.RequestID
}

func (m Movement) validate() error {
	switch {
	case m.UserID == "" || m.LeaveTypeID == "" || m.RequestID == "":
		return fmt.Errorf("%w: movement needs user, leave type and request", generic.ErrInvalidInput)
	case m.Year <= 0:
		return fmt.Errorf("%w: movement year %d", generic.ErrInvalidInput, m.Year)
	case !m.Days.IsPositive():
		return fmt.Errorf("%w: movement days must be positive, got %s", generic.ErrInvalidInput, m.Days)
	}
	return nil
}

// Ledger is the only writer of balance rows.
//
// Every method has two forms: Reserve opens its own transaction, ReserveIn
// joins a transaction the caller already holds (the request workflow
// reserves inside its submission transaction).
type Ledger struct {
	store   Store
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	// Now is the clock used for timestamps and the "current year". Tests override it.
	Now func() time.Time
}

func New(store Store, log logrus.FieldLogger, m *metrics.Metrics) *Ledger {
	return &Ledger{
		store:   store,
		log:     log.WithField("component", "ledger"),
		metrics: m,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// Reserve moves days into Pending. Fails with *InsufficientBalanceError if
// they do not fit. Untracked leave types always succeed without mutation.
func (l *Ledger) Reserve(ctx context.Context, m Movement) error {
	return l.store.WithBalanceTx(ctx, func(tx Tx) error {
		return l.ReserveIn(ctx, tx, m)
	})
}

func (l *Ledger) ReserveIn(ctx context.Context, tx Tx, m Movement) error {
	if err := m.validate(); err != nil {
		return err
	}
	key := ReserveKey(m.RequestID, m.Year)
	if done, err := tx.HasEntry(ctx, key); err != nil || done {
		return err
	}
	lt, err := tx.GetLeaveType(ctx, m.LeaveTypeID)
	if err != nil {
		return err
	}
	if !lt.TracksBalance {
		return nil
	}

	b, err := l.balanceIn(ctx, tx, m.UserID, lt, m.Year)
	if err != nil {
		return err
	}
	if !b.CanReserve(m.Days) {
		l.metrics.Reservation("denied")
		return &generic.InsufficientBalanceError{
			UserID:      m.UserID,
			LeaveTypeID: m.LeaveTypeID,
			Year:        m.Year,
			Available:   b.Available,
			Requested:   m.Days,
		}
	}

	b.reserve(m.Days)
	if err := l.post(ctx, tx, b, EntryReserve, m, key); err != nil {
		return err
	}
	l.metrics.Reservation("ok")
	l.log.WithFields(movementFields(m)).Debug("reserved")
	return nil
}

// Commit moves reserved days into Used. For untracked leave types it only
// journals a usage entry.
func (l *Ledger) Commit(ctx context.Context, m Movement) error {
	return l.store.WithBalanceTx(ctx, func(tx Tx) error {
		return l.CommitIn(ctx, tx, m)
	})
}

func (l *Ledger) CommitIn(ctx context.Context, tx Tx, m Movement) error {
	if err := m.validate(); err != nil {
		return err
	}
	key := CommitKey(m.RequestID, m.Year)
	if done, err := l.anyEntry(ctx, tx, key, ReleaseKey(m.RequestID, m.Year)); err != nil || done {
		return err
	}
	lt, err := tx.GetLeaveType(ctx, m.LeaveTypeID)
	if err != nil {
		return err
	}
	if !lt.TracksBalance {
		return tx.AppendEntry(ctx, l.entry(EntryUsage, m, key))
	}

	b, err := l.balanceIn(ctx, tx, m.UserID, lt, m.Year)
	if err != nil {
		return err
	}
	b.commit(m.Days)
	if err := l.post(ctx, tx, b, EntryCommit, m, key); err != nil {
		return err
	}
	l.log.WithFields(movementFields(m)).Debug("committed")
	return nil
}

// Release returns reserved days to Available. A movement that was never
// reserved, or already committed, is a no-op.
func (l *Ledger) Release(ctx context.Context, m Movement) error {
	return l.store.WithBalanceTx(ctx, func(tx Tx) error {
		return l.ReleaseIn(ctx, tx, m)
	})
}

func (l *Ledger) ReleaseIn(ctx context.Context, tx Tx, m Movement) error {
	if err := m.validate(); err != nil {
		return err
	}
	key := ReleaseKey(m.RequestID, m.Year)
	if done, err := l.anyEntry(ctx, tx, key, CommitKey(m.RequestID, m.Year)); err != nil || done {
		return err
	}
	reserved, err := tx.HasEntry(ctx, ReserveKey(m.RequestID, m.Year))
	if err != nil || !reserved {
		return err
	}
	lt, err := tx.GetLeaveType(ctx, m.LeaveTypeID)
	if err != nil {
		return err
	}
	if !lt.TracksBalance {
		return nil
	}

	b, err := l.balanceIn(ctx, tx, m.UserID, lt, m.Year)
	if err != nil {
		return err
	}
	b.release(m.Days)
	if err := l.post(ctx, tx, b, EntryRelease, m, key); err != nil {
		return err
	}
	l.log.WithFields(movementFields(m)).Debug("released")
	return nil
}

// =============================================================================
// QUERIES AND ADMINISTRATION
// =============================================================================

// GetBalances returns one balance per balance-tracking leave type, creating
// missing rows on first access.
func (l *Ledger) GetBalances(ctx context.Context, user generic.UserID, year int) ([]Balance, error) {
	var out []Balance
	err := l.store.WithBalanceTx(ctx, func(tx Tx) error {
		types, err := tx.ListLeaveTypes(ctx)
		if err != nil {
			return err
		}
		out = out[:0]
		for i := range types {
			if !types[i].TracksBalance {
				continue
			}
			b, err := l.balanceIn(ctx, tx, user, &types[i], year)
			if err != nil {
				return err
			}
			out = append(out, *b)
		}
		return nil
	})
	return out, err
}

// Recalculate deletes the user's current-year balances and rebuilds them
// from the catalog, the joining date and the journal. Administrative only.
func (l *Ledger) Recalculate(ctx context.Context, user generic.UserID) ([]Balance, error) {
	year := l.Now().Year()
	var out []Balance
	err := l.store.WithBalanceTx(ctx, func(tx Tx) error {
		u, err := tx.GetUser(ctx, user)
		if err != nil {
			return err
		}
		types, err := tx.ListLeaveTypes(ctx)
		if err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, user, year)
		if err != nil {
			return err
		}
		sums := replay(entries)

		if err := tx.DeleteBalances(ctx, user, year); err != nil {
			return err
		}

		out = out[:0]
		for _, lt := range types {
			if !lt.TracksBalance {
				continue
			}
			b := NewBalance(user, lt.ID, year, Prorate(lt.DaysAllowed, u.JoinedAt, year))
			if t, ok := sums[lt.ID]; ok {
				b.Used = t.Used
				b.Pending = t.Pending
				b.carryIn(t.CarriedForward)
			}
			b.recompute()
			b.UpdatedAt = l.Now()
			if err := tx.SaveBalance(ctx, b); err != nil {
				return err
			}
			init := Entry{
				UserID:      user,
				LeaveTypeID: lt.ID,
				Year:        year,
				Kind:        EntryInitialize,
				Days:        b.Entitled.Sub(b.CarriedForward),
			}
			if err := tx.AppendEntry(ctx, l.stamp(init)); err != nil {
				return err
			}
			out = append(out, *b)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{"user_id": user, "year": year, "balances": len(out)}).Info("balances recalculated")
	return out, nil
}

// YearEndReport summarizes one carry-forward run.
type YearEndReport struct {
	Year             int                       `json:"year"`
	Users            int                       `json:"users"`
	Carried          int                       `json:"carried"`
	Expired          int                       `json:"expired"`
	AlreadyProcessed int                       `json:"alreadyProcessed"`
	CarriedDays      decimal.Decimal           `json:"carriedDays"`
	Failures         map[generic.UserID]string `json:"failures,omitempty"`

	errs *multierror.Error
}

// Err aggregates per-user failures, nil if every user succeeded.
func (r *YearEndReport) Err() error { return r.errs.ErrorOrNil() }

// ProcessYearEndCarryForward rolls every balance of year into year+1.
// Carry-forward types move min(Available, MaxCarryForward) into the next
// year's Entitled and CarriedForward; others expire. Each user is processed
// in its own transaction and failures are collected into the report.
// Re-running for the same year is a no-op per (user, type).
func (l *Ledger) ProcessYearEndCarryForward(ctx context.Context, year int) (*YearEndReport, error) {
	users, err := l.store.YearEndUsers(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("listing users for %d: %w", year, err)
	}

	report := &YearEndReport{Year: year, Users: len(users), CarriedDays: decimal.Zero}
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var res carryResult
		err := l.store.WithBalanceTx(ctx, func(tx Tx) error {
			var err error
			res, err = l.carryUser(ctx, tx, user, year)
			return err
		})
		if err != nil {
			if report.Failures == nil {
				report.Failures = make(map[generic.UserID]string)
			}
			report.Failures[user] = err.Error()
			report.errs = multierror.Append(report.errs, fmt.Errorf("user %s: %w", user, err))
			continue
		}
		report.Carried += res.carried
		report.Expired += res.expired
		report.AlreadyProcessed += res.already
		report.CarriedDays = report.CarriedDays.Add(res.days)
	}

	l.metrics.YearEnd("carried", report.Carried)
	l.metrics.YearEnd("expired", report.Expired)
	l.metrics.YearEnd("failed", len(report.Failures))
	l.log.WithFields(logrus.Fields{
		"year":     year,
		"users":    report.Users,
		"carried":  report.Carried,
		"expired":  report.Expired,
		"failures": len(report.Failures),
	}).Info("year-end carry forward processed")
	return report, nil
}

type carryResult struct {
	carried, expired, already int
	days                      decimal.Decimal
}

func (l *Ledger) carryUser(ctx context.Context, tx Tx, user generic.UserID, year int) (carryResult, error) {
	res := carryResult{days: decimal.Zero}
	// Untouched balances still carry: open the year's carry-forward rows first.
	types, err := tx.ListLeaveTypes(ctx)
	if err != nil {
		return res, err
	}
	for i := range types {
		if !types[i].TracksBalance || !types[i].CarryForward {
			continue
		}
		if _, err := l.balanceIn(ctx, tx, user, &types[i], year); err != nil {
			return res, err
		}
	}

	balances, err := tx.ListBalances(ctx, user, year)
	if err != nil {
		return res, err
	}
	for _, b := range balances {
		key := CarryForwardKey(user, b.LeaveTypeID, year)
		done, err := tx.HasEntry(ctx, key)
		if err != nil {
			return res, err
		}
		if done {
			res.already++
			continue
		}
		lt, err := tx.GetLeaveType(ctx, b.LeaveTypeID)
		if err != nil {
			return res, err
		}

		amount := decimal.Zero
		if lt.CarryForward {
			amount = generic.ClampZero(decimal.Min(b.Available, lt.MaxCarryForward))
		}
		if amount.IsPositive() {
			next, err := l.balanceIn(ctx, tx, user, lt, year+1)
			if err != nil {
				return res, err
			}
			next.carryIn(amount)
			next.UpdatedAt = l.Now()
			if err := tx.SaveBalance(ctx, next); err != nil {
				return res, err
			}
			res.carried++
			res.days = res.days.Add(amount)
		} else {
			res.expired++
		}

		// Expirations are journaled too, so a re-run skips them.
		carry := Entry{
			UserID:         user,
			LeaveTypeID:    b.LeaveTypeID,
			Year:           year + 1,
			Kind:           EntryCarryForward,
			Days:           amount,
			IdempotencyKey: key,
		}
		if err := tx.AppendEntry(ctx, l.stamp(carry)); err != nil {
			return res, err
		}
	}
	return res, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// balanceIn loads a balance row, creating it with a prorated entitlement on
// first access.
func (l *Ledger) balanceIn(ctx context.Context, tx Tx, user generic.UserID, lt *generic.LeaveType, year int) (*Balance, error) {
	b, err := tx.GetBalance(ctx, user, lt.ID, year)
	if err != nil || b != nil {
		return b, err
	}
	u, err := tx.GetUser(ctx, user)
	if err != nil {
		return nil, err
	}

	b = NewBalance(user, lt.ID, year, Prorate(lt.DaysAllowed, u.JoinedAt, year))
	b.UpdatedAt = l.Now()
	if err := tx.SaveBalance(ctx, b); err != nil {
		return nil, err
	}
	init := Entry{
		UserID:      user,
		LeaveTypeID: lt.ID,
		Year:        year,
		Kind:        EntryInitialize,
		Days:        b.Entitled,
	}
	if err := tx.AppendEntry(ctx, l.stamp(init)); err != nil {
		return nil, err
	}
	return b, nil
}

func (l *Ledger) post(ctx context.Context, tx Tx, b *Balance, kind EntryKind, m Movement, key string) error {
	if !b.Consistent() {
		return fmt.Errorf("balance invariant violated for %s/%s/%d", b.UserID, b.LeaveTypeID, b.Year)
	}
	b.UpdatedAt = l.Now()
	if err := tx.SaveBalance(ctx, b); err != nil {
		return err
	}
	return tx.AppendEntry(ctx, l.entry(kind, m, key))
}

func (l *Ledger) entry(kind EntryKind, m Movement, key string) Entry {
	return l.stamp(Entry{
		UserID:         m.UserID,
		LeaveTypeID:    m.LeaveTypeID,
		Year:           m.Year,
		Kind:           kind,
		Days:           m.Days,
		RequestID:      m.RequestID,
		IdempotencyKey: key,
	})
}

func (l *Ledger) stamp(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.Now()
	}
	return e
}

func (l *Ledger) anyEntry(ctx context.Context, tx Tx, keys ...string) (bool, error) {
	for _, k := range keys {
		done, err := tx.HasEntry(ctx, k)
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

func movementFields(m Movement) logrus.Fields {
	return logrus.Fields{
		"user_id":    m.UserID,
		"leave_type": m.LeaveTypeID,
		"year":       m.Year,
		"days":       m.Days.String(),
		"request_id": m.RequestID,
	}
}
