package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/escalation"
	"github.com/warp/leave-engine/ledger"
)

const (
	JobEscalationSweep = "escalation-sweep"
	JobYearEnd         = "year-end"
)

type Sweeper interface {
	RunSweep(ctx context.Context) (*escalation.SweepReport, error)
}

type YearEndProcessor interface {
	ProcessYearEndCarryForward(ctx context.Context, year int) (*ledger.YearEndReport, error)
}

// EscalationJob runs one sweep per tick. Per-approval failures fail the
// run with ErrPartialRun so they show up in the job state.
func EscalationJob(s Sweeper, interval time.Duration) Job {
	return Job{
		Name:     JobEscalationSweep,
		Interval: interval,
		Run: func(ctx context.Context) error {
			report, err := s.RunSweep(ctx)
			if err != nil {
				return err
			}
			return partial(report.Err())
		},
	}
}

// YearEndJob carries the previous calendar year forward. The ledger skips
// balances already rolled, so running daily is safe and catches up after
// downtime over New Year.
func YearEndJob(p YearEndProcessor, interval time.Duration, now func() time.Time, log logrus.FieldLogger) Job {
	log = log.WithField("job", JobYearEnd)
	return Job{
		Name:       JobYearEnd,
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			year := now().Year() - 1
			report, err := p.ProcessYearEndCarryForward(ctx, year)
			if err != nil {
				return err
			}
			if report.Carried+report.Expired > 0 {
				log.WithFields(logrus.Fields{
					"year":    year,
					"carried": report.Carried,
					"expired": report.Expired,
				}).Info("previous year rolled over")
			}
			return partial(report.Err())
		},
	}
}

func partial(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPartialRun, err)
}
