// Package scheduler runs registered jobs on interval or cron cadences
// with single-flight dispatch, per-run timeouts, and panic containment.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/daybook-io/daybook/internal/adapter/observability"
	"github.com/daybook-io/daybook/internal/domain"
)

// State is a job's lifecycle position. Paused blocks new dispatches but
// lets an in-flight run finish; cancelled is terminal.
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
)

const defaultTick = time.Second

// cronParser accepts standard 5-field expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// RunFunc is one job execution. It must honor ctx so timeouts and
// shutdown can reclaim the worker.
type RunFunc func(ctx context.Context) error

type job struct {
	id   string
	name string
	run  RunFunc

	interval time.Duration
	cronExpr string
	sched    cron.Schedule
	timeout  time.Duration

	state    State
	inFlight bool
	nextRun  time.Time

	lastRunAt    time.Time
	lastDuration time.Duration
	lastError    string
	errorCount   int
	runs         int
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	ID           string
	Name         string
	State        State
	Interval     time.Duration
	CronExpr     string
	NextRunAt    time.Time
	LastRunAt    time.Time
	LastDuration time.Duration
	LastError    string
	ErrorCount   int
	Runs         int
}

// Option configures a job at Add time.
type Option func(*job)

// WithInterval repeats the job every d. Mutually exclusive with WithCron.
func WithInterval(d time.Duration) Option {
	return func(j *job) { j.interval = d }
}

// WithCron repeats the job on a 5-field cron expression. Mutually
// exclusive with WithInterval.
func WithCron(expr string) Option {
	return func(j *job) { j.cronExpr = expr }
}

// WithTimeout bounds each run; an expired run records an error and the
// job is rescheduled as usual.
func WithTimeout(d time.Duration) Option {
	return func(j *job) { j.timeout = d }
}

// WithImmediate makes the first dispatch due right away instead of one
// cadence from now.
func WithImmediate() Option {
	return func(j *job) { j.nextRun = time.Now() }
}

// Scheduler dispatches due jobs from a coarse tick loop. One job never
// overlaps itself; distinct jobs run concurrently.
type Scheduler struct {
	log  *slog.Logger
	tick time.Duration

	mu   sync.Mutex
	jobs map[string]*job

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		log:  log.With(slog.String("component", "scheduler")),
		tick: defaultTick,
		jobs: map[string]*job{},
	}
}

// SetTick adjusts the dispatch granularity. Call before Start;
// non-positive values are ignored.
func (s *Scheduler) SetTick(d time.Duration) {
	if d > 0 {
		s.tick = d
	}
}

// Add registers a job and returns its id. A job with neither interval
// nor cron never fires on its own and runs only through Acquire or
// TriggerNow followed by Resume.
func (s *Scheduler) Add(name string, run RunFunc, opts ...Option) (string, error) {
	if name == "" || run == nil {
		return "", fmt.Errorf("op=scheduler.add: %w: name and run required", domain.ErrInvalidArgument)
	}
	j := &job{
		id:    uuid.NewString(),
		name:  name,
		run:   run,
		state: StateScheduled,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.interval > 0 && j.cronExpr != "" {
		return "", fmt.Errorf("op=scheduler.add: %w: job %s has both interval and cron", domain.ErrInvalidArgument, name)
	}
	if j.cronExpr != "" {
		sched, err := cronParser.Parse(j.cronExpr)
		if err != nil {
			return "", fmt.Errorf("op=scheduler.add: %w: job %s cron %q: %v", domain.ErrInvalidArgument, name, j.cronExpr, err)
		}
		j.sched = sched
	}
	if j.nextRun.IsZero() {
		j.nextRun = s.nextAfter(j, time.Now())
	}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.mu.Unlock()

	s.log.Info("job added", slog.String("job", name),
		slog.Duration("interval", j.interval), slog.String("cron", j.cronExpr))
	return j.id, nil
}

// nextAfter computes the next due time from now. Zero means the job has
// no cadence.
func (s *Scheduler) nextAfter(j *job, now time.Time) time.Time {
	switch {
	case j.sched != nil:
		return j.sched.Next(now)
	case j.interval > 0:
		return now.Add(j.interval)
	default:
		return time.Time{}
	}
}

// Start launches the dispatch loop. Run contexts descend from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(s.runCtx)
	}()
	s.log.Info("scheduler started", slog.Duration("tick", s.tick))
}

// Stop cancels the loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx, time.Now())
		}
	}
}

// dispatchDue flips every due job to running under the lock, then
// launches them.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.state != StateScheduled || j.inFlight {
			continue
		}
		if j.nextRun.IsZero() || j.nextRun.After(now) {
			continue
		}
		j.state = StateRunning
		j.inFlight = true
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			s.execute(ctx, j, StateScheduled)
		}(j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job, restoreTo State) {
	tracer := otel.Tracer("scheduler")
	ctx, span := tracer.Start(ctx, "Scheduler.RunJob")
	defer span.End()
	span.SetAttributes(attribute.String("job.name", j.name))

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if j.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
	}
	defer cancel()

	started := time.Now()
	err := s.invoke(runCtx, j)
	s.finish(j, restoreTo, started, err)
}

// invoke runs the job function with panic containment.
func (s *Scheduler) invoke(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
			s.log.Error("job panicked", slog.String("job", j.name),
				slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	return j.run(ctx)
}

// finish records run accounting and reschedules. restoreTo is where the
// state returns when nothing flipped it mid-run; a pause or cancel that
// landed during the run wins.
func (s *Scheduler) finish(j *job, restoreTo State, started time.Time, err error) {
	now := time.Now()

	s.mu.Lock()
	j.inFlight = false
	j.lastRunAt = started
	j.lastDuration = now.Sub(started)
	j.runs++
	if err != nil {
		j.errorCount++
		j.lastError = err.Error()
	} else {
		j.errorCount = 0
		j.lastError = ""
	}
	if j.state == StateRunning {
		j.state = restoreTo
	}
	j.nextRun = s.nextAfter(j, now)
	name := j.name
	count := j.errorCount
	s.mu.Unlock()

	if err != nil {
		observability.CountJobRun(name, "error")
		s.log.Error("job run failed", slog.String("job", name),
			slog.Any("error", err), slog.Int("consecutive_errors", count))
		return
	}
	observability.CountJobRun(name, "success")
	s.log.Debug("job run finished", slog.String("job", name),
		slog.Duration("duration", now.Sub(started)))
}

// Acquire claims a job's run slot for a caller-driven run, so manual
// and scheduled executions share the same single-flight state. The
// returned release must be called with the run's outcome.
func (s *Scheduler) Acquire(id string) (func(err error), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("op=scheduler.acquire: %w", domain.ErrNotFound)
	}
	if j.state == StateCancelled {
		return nil, fmt.Errorf("op=scheduler.acquire: job %s: %w", j.name, domain.ErrJobCancelled)
	}
	if j.inFlight {
		return nil, fmt.Errorf("op=scheduler.acquire: job %s: %w", j.name, domain.ErrConflict)
	}
	restoreTo := j.state
	j.state = StateRunning
	j.inFlight = true
	started := time.Now()
	return func(err error) { s.finish(j, restoreTo, started, err) }, nil
}

// TriggerNow makes a scheduled job due immediately. A running job is
// left alone; a paused job gets one out-of-band run and stays paused.
func (s *Scheduler) TriggerNow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=scheduler.trigger: %w", domain.ErrNotFound)
	}
	switch {
	case j.state == StateCancelled:
		return fmt.Errorf("op=scheduler.trigger: job %s: %w", j.name, domain.ErrJobCancelled)
	case j.inFlight:
		s.log.Info("trigger ignored, job already running", slog.String("job", j.name))
		return nil
	case j.state == StatePaused:
		if s.runCtx == nil || s.stopped {
			j.nextRun = time.Now()
			return nil
		}
		j.state = StateRunning
		j.inFlight = true
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(s.runCtx, j, StatePaused)
		}()
		return nil
	}
	j.nextRun = time.Now()
	return nil
}

// Pause stops future dispatches. An in-flight run completes.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=scheduler.pause: %w", domain.ErrNotFound)
	}
	if j.state == StateCancelled {
		return fmt.Errorf("op=scheduler.pause: job %s: %w", j.name, domain.ErrJobCancelled)
	}
	j.state = StatePaused
	s.log.Info("job paused", slog.String("job", j.name))
	return nil
}

// Resume reopens dispatching. A due time that passed while paused fires
// on the next tick.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=scheduler.resume: %w", domain.ErrNotFound)
	}
	if j.state == StateCancelled {
		return fmt.Errorf("op=scheduler.resume: job %s: %w", j.name, domain.ErrJobCancelled)
	}
	if j.state != StatePaused {
		return nil
	}
	j.state = StateScheduled
	if j.nextRun.IsZero() {
		j.nextRun = s.nextAfter(j, time.Now())
	}
	s.log.Info("job resumed", slog.String("job", j.name))
	return nil
}

// Cancel retires a job permanently. An in-flight run completes; nothing
// dispatches afterwards.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("op=scheduler.cancel: %w", domain.ErrNotFound)
	}
	j.state = StateCancelled
	s.log.Info("job cancelled", slog.String("job", j.name))
	return nil
}

// Get returns one job's view.
func (s *Scheduler) Get(id string) (JobInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return JobInfo{}, false
	}
	return s.infoLocked(j), true
}

// Snapshot lists every job sorted by name.
func (s *Scheduler) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.infoLocked(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) infoLocked(j *job) JobInfo {
	return JobInfo{
		ID:           j.id,
		Name:         j.name,
		State:        j.state,
		Interval:     j.interval,
		CronExpr:     j.cronExpr,
		NextRunAt:    j.nextRun,
		LastRunAt:    j.lastRunAt,
		LastDuration: j.lastDuration,
		LastError:    j.lastError,
		ErrorCount:   j.errorCount,
		Runs:         j.runs,
	}
}
