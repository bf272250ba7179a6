/*
Package scheduler runs the engine's periodic jobs.

PURPOSE:
  An explicit object owned by the service runtime, not an ambient
  singleton. Each registered job runs on its own ticker and once at start;
  admins can trigger a job on demand through RunNow.

DESIGN:
  - One goroutine per job, stopped through a shared stop channel
  - Concurrent runs of the same job (ticker + RunNow, or several RunNow
    callers) collapse into one execution via singleflight
  - Per-job state (last run, run count, last error) is kept for display

JOBS (wired in cmd/server):
  escalation-sweep: every 6h by default
  year-end:         every 24h, carries the previous year forward (idempotent)

USAGE:
  s := scheduler.New(log, m)
  s.Register(scheduler.Job{Name: "escalation-sweep", Interval: 6*time.Hour, Run: fn})
  s.Start(ctx)
  defer s.Stop()
*/
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/leave-engine/metrics"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnknownJob is returned by RunNow for an unregistered name.
	ErrUnknownJob = errors.New("unknown job")
	// ErrPartialRun marks a run that finished with per-item failures.
	ErrPartialRun = errors.New("run finished with failures")
)

// Job is a named periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the job immediately when the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// JobState is a snapshot of one job's history.
type JobState struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	LastRun      *time.Time    `json:"lastRun,omitempty"`
	LastDuration time.Duration `json:"lastDuration"`
	RunCount     int           `json:"runCount"`
	FailureCount int           `json:"failureCount"`
	LastError    string        `json:"lastError,omitempty"`
	NextRun      *time.Time    `json:"nextRun,omitempty"`
}

type job struct {
	Job
	state JobState
}

type Scheduler struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	group   singleflight.Group

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

func New(log logrus.FieldLogger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		log:     log.WithField("component", "scheduler"),
		metrics: m,
		jobs:    make(map[string]*job),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a job. Registering after Start has no effect until restart.
func (s *Scheduler) Register(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.Name] = &job{Job: j, state: JobState{Name: j.Name, Interval: j.Interval}}
}

// Start launches one loop per job. ctx is passed to every run.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})

	for _, j := range s.jobs {
		if j.Interval <= 0 {
			s.log.WithField("job", j.Name).Warn("non-positive interval, job not scheduled")
			continue
		}
		next := s.now().Add(j.Interval)
		j.state.NextRun = &next
		s.wg.Add(1)
		go s.loop(ctx, j.Name, j.Interval, j.RunOnStart)
		s.log.WithFields(logrus.Fields{"job": j.Name, "interval": j.Interval}).Info("job scheduled")
	}
}

// Stop ends every loop and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, runOnStart bool) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if runOnStart {
		_ = s.RunNow(ctx, name)
	}
	for {
		select {
		case <-ticker.C:
			_ = s.RunNow(ctx, name)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunNow executes a job immediately and returns its error. A call made
// while the same job is running waits for that run and shares its result.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	_, err, shared := s.group.Do(name, func() (interface{}, error) {
		return nil, s.execute(ctx, j)
	})
	if shared {
		s.log.WithField("job", name).Debug("joined in-flight run")
	}
	return err
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	start := s.now()
	log := s.log.WithField("job", j.Name)
	log.Debug("job started")

	err := j.Run(ctx)

	finished := s.now()
	s.mu.Lock()
	j.state.LastRun = &start
	j.state.LastDuration = finished.Sub(start)
	j.state.RunCount++
	if j.Interval > 0 {
		next := finished.Add(j.Interval)
		j.state.NextRun = &next
	}
	if err != nil {
		j.state.FailureCount++
		j.state.LastError = err.Error()
	} else {
		j.state.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.metrics.JobRun(j.Name, "failed")
		log.WithError(err).Error("job failed")
		return err
	}
	s.metrics.JobRun(j.Name, "ok")
	log.WithField("duration", finished.Sub(start)).Info("job completed")
	return nil
}

// Status returns a snapshot of every job, sorted by name.
func (s *Scheduler) Status() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.state)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
