package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/leave-engine/generic"
)

func (s *Service) GetRequest(ctx context.Context, id generic.RequestID) (*Request, error) {
	return s.store.GetRequest(ctx, id)
}

// ListPendingApprovals returns the open approvals actor may decide now:
// rows fixed to them, rows of role slots they hold, and rows of approvers
// they are the active delegate of. Their own requests are excluded.
func (s *Service) ListPendingApprovals(ctx context.Context, actorID generic.UserID) ([]OpenApproval, error) {
	actor, err := s.dir.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	open, err := s.store.ListOpenApprovals(ctx)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	out := make([]OpenApproval, 0)
	for _, oa := range open {
		if oa.Request.UserID == actor.ID {
			continue
		}
		if s.router.CanAct(ctx, actor, oa.Approval.Approver, now) {
			out = append(out, oa)
		}
	}
	return out, nil
}

// WFHUtilization is the derived monthly WFH usage of one user. Weekends are
// never counted.
type WFHUtilization struct {
	UserID      generic.UserID `json:"userId"`
	Year        int            `json:"year"`
	Month       time.Month     `json:"month"`
	WFHDays     int            `json:"wfhDays"`
	WorkingDays int            `json:"workingDays"`
	// Percent is WFHDays / WorkingDays * 100, rounded to one decimal.
	Percent float64 `json:"percent"`
}

func (s *Service) MonthlyWFHUtilization(ctx context.Context, user generic.UserID, year int, month time.Month) (*WFHUtilization, error) {
	if month < time.January || month > time.December || year <= 0 {
		return nil, fmt.Errorf("%w: invalid month %d-%d", generic.ErrInvalidInput, year, month)
	}
	from := generic.NewDate(year, month, 1)
	to := from.AddDate(0, 1, -1)

	dates, err := s.store.WFHDates(ctx, user, from, to)
	if err != nil {
		return nil, err
	}
	return utilization(user, year, month, dates), nil
}

func utilization(user generic.UserID, year int, month time.Month, dates []time.Time) *WFHUtilization {
	from := generic.NewDate(year, month, 1)
	to := from.AddDate(0, 1, -1)

	u := &WFHUtilization{UserID: user, Year: year, Month: month}
	for _, d := range generic.ExpandRange(from, to) {
		if !generic.IsWeekend(d) {
			u.WorkingDays++
		}
	}
	for _, d := range generic.NormalizeDates(dates) {
		if !generic.IsWeekend(d) && d.Month() == month && d.Year() == year {
			u.WFHDays++
		}
	}
	if u.WorkingDays > 0 {
		pct := float64(u.WFHDays) * 1000 / float64(u.WorkingDays)
		u.Percent = float64(int(pct+0.5)) / 10
	}
	return u
}
