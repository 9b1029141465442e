// Package scheduler implements spec component C: time-based jobs
// (one-shot, interval, date, daily wall-clock, sun-event) addressed by an
// externally supplied id, with job-error surfacing.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"habitat/internal/clock"
)

// Interval is a nonnegative composite duration used as a recurrence. At
// least one field must be non-zero (spec Glossary).
type Interval struct {
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

// Duration converts the Interval to a time.Duration.
func (iv Interval) Duration() time.Duration {
	return time.Duration(iv.Days)*24*time.Hour +
		time.Duration(iv.Hours)*time.Hour +
		time.Duration(iv.Minutes)*time.Minute +
		time.Duration(iv.Seconds)*time.Second
}

// IsZero reports whether every field is zero.
func (iv Interval) IsZero() bool {
	return iv.Days == 0 && iv.Hours == 0 && iv.Minutes == 0 && iv.Seconds == 0
}

// SchedulerError reports a caller error: a past run_at datetime or an
// all-zero run_every interval (spec §4.3, §8 property 8).
type SchedulerError struct {
	Msg string
}

func (e *SchedulerError) Error() string { return e.Msg }

// JobFunc is the user code run when a job fires. An error return is
// routed to ErrorHandler; it never kills the scheduler.
type JobFunc func() error

// ErrorHandler receives (job_id, error) when a job invocation fails, so
// the Callback Register can route it to the owning app's logger (spec
// §4.3 Error surfacing).
type ErrorHandler func(jobID string, err error)

// job is the scheduler's internal bookkeeping for one id.
type job struct {
	id         string
	fn         JobFunc
	interval   *Interval // non-nil for recurring jobs
	timer      clock.Timer
	removed    bool
	cronEntry  cron.EntryID
	isCronJob  bool
}

// Scheduler holds the job store (spec §3 "one job store") and the timer
// plumbing driving it. All job bookkeeping happens on Scheduler's own
// mutex; actual job bodies are posted through dispatch so that they
// execute on the engine's single dispatcher goroutine rather than on a
// timer's own goroutine (spec §5).
type Scheduler struct {
	clk      clock.Clock
	loc      *time.Location
	dispatch func(func())
	onError  ErrorHandler

	sun *sunCalculator

	mu   sync.Mutex
	jobs map[string]*job

	cronMu     sync.Mutex
	cronEngine *cron.Cron
}

// New constructs a Scheduler. dispatch is the engine's work-queue
// enqueue function; onError routes job failures to the owning app.
func New(clk clock.Clock, loc *time.Location, dispatch func(func()), onError ErrorHandler) *Scheduler {
	return &Scheduler{
		clk:      clk,
		loc:      loc,
		dispatch: dispatch,
		onError:  onError,
		jobs:     make(map[string]*job),
	}
}

// SetLocation configures the latitude/longitude used by sun-event
// triggers (spec §4.3 "location-local sun calendar").
func (s *Scheduler) SetLocation(lat, long float64) {
	s.sun = newSunCalculator(lat, long)
}

func (s *Scheduler) register(id string, j *job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[id]; exists {
		return &SchedulerError{Msg: fmt.Sprintf("job id %q already registered", id)}
	}
	s.jobs[id] = j
	return nil
}

// RunAt schedules fn to run once at when (spec "one-shot at datetime").
// when in the past raises SchedulerError.
func (s *Scheduler) RunAt(id string, when time.Time, fn JobFunc) error {
	if !when.After(s.clk.Now()) {
		return &SchedulerError{Msg: fmt.Sprintf("run_at: %s is not in the future", when)}
	}
	j := &job{id: id, fn: fn}
	if err := s.register(id, j); err != nil {
		return err
	}
	s.armOnce(j, when)
	return nil
}

// RunOnce schedules fn to run once at start with no recurrence (spec
// "no-trigger with only start"). It behaves identically to RunAt.
func (s *Scheduler) RunOnce(id string, start time.Time, fn JobFunc) error {
	return s.RunAt(id, start, fn)
}

// RunEvery schedules fn to run every interval, first firing at start
// (or immediately if start is zero). All-zero interval raises
// SchedulerError.
func (s *Scheduler) RunEvery(id string, interval Interval, start time.Time, fn JobFunc) error {
	if interval.IsZero() {
		return &SchedulerError{Msg: "run_every: interval must have at least one non-zero component"}
	}
	if start.IsZero() {
		start = s.clk.Now()
	}
	j := &job{id: id, fn: fn, interval: &interval}
	if err := s.register(id, j); err != nil {
		return err
	}
	s.armRecurring(j, start)
	return nil
}

func (s *Scheduler) armOnce(j *job, when time.Time) {
	d := when.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	j.timer = s.clk.AfterFunc(d, func() { s.fire(j, nil) })
}

func (s *Scheduler) armRecurring(j *job, next time.Time) {
	d := next.Sub(s.clk.Now())
	if d < 0 {
		d = 0
	}
	interval := *j.interval
	j.timer = s.clk.AfterFunc(d, func() { s.fire(j, &interval) })
}

// fire runs on the clock's timer goroutine; it posts the job body onto
// dispatch and, for recurring jobs, re-arms the next tick.
func (s *Scheduler) fire(j *job, interval *Interval) {
	s.mu.Lock()
	removed := j.removed
	s.mu.Unlock()
	if removed {
		return
	}

	s.dispatch(func() {
		s.invoke(j)
	})

	if interval != nil {
		s.mu.Lock()
		stillThere := !j.removed
		s.mu.Unlock()
		if stillThere {
			s.armRecurring(j, s.clk.Now().Add(interval.Duration()))
		}
	}
}

func (s *Scheduler) invoke(j *job) {
	defer func() {
		if r := recover(); r != nil {
			s.onError(j.id, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := j.fn(); err != nil {
		s.onError(j.id, err)
	}
}

// Remove cancels a job by id. Idempotent: removing a missing id is not
// an error (spec §4.3, §8 property 3 applies the same at-most-once
// discipline to scheduler jobs as to callbacks).
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.removed = true
	if j.timer != nil {
		j.timer.Stop()
	}
	if j.isCronJob {
		s.cronMu.Lock()
		if s.cronEngine != nil {
			s.cronEngine.Remove(j.cronEntry)
		}
		s.cronMu.Unlock()
	}
	delete(s.jobs, id)
}

// RunCron schedules fn according to a standard five-field crontab
// expression, using github.com/robfig/cron/v3 (spec SPEC_FULL.md §10.3:
// apps that want crontab syntax in addition to the interval/date
// triggers above). The cron engine runs on its own goroutine and, like
// every other timer in this package, only ever posts the job body
// through dispatch rather than running it in-line.
func (s *Scheduler) RunCron(id, spec string, fn JobFunc) error {
	s.cronMu.Lock()
	if s.cronEngine == nil {
		s.cronEngine = cron.New(cron.WithLocation(s.loc))
		s.cronEngine.Start()
	}
	engine := s.cronEngine
	s.cronMu.Unlock()

	j := &job{id: id, fn: fn, isCronJob: true}
	if err := s.register(id, j); err != nil {
		return err
	}

	entryID, err := engine.AddFunc(spec, func() {
		s.mu.Lock()
		removed := j.removed
		s.mu.Unlock()
		if removed {
			return
		}
		s.dispatch(func() { s.invoke(j) })
	})
	if err != nil {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()
		return &SchedulerError{Msg: fmt.Sprintf("run_cron: %v", err)}
	}

	s.mu.Lock()
	j.cronEntry = entryID
	s.mu.Unlock()
	return nil
}

// RunDaily computes the next occurrence of wallClock (only its
// hour/min/sec/nsec are used) in the scheduler's configured timezone,
// advancing to tomorrow if today's occurrence has passed, and
// re-schedules itself every day thereafter so it fires at the same
// local wall-clock time across DST transitions (spec §4.3, §8 property
// 9).
func (s *Scheduler) RunDaily(id string, wallClock time.Time, fn JobFunc) error {
	next := s.nextDailyOccurrence(wallClock)
	return s.runSelfRescheduling(id, next, fn, func() time.Time {
		return s.nextDailyOccurrence(wallClock)
	})
}

func (s *Scheduler) nextDailyOccurrence(wallClock time.Time) time.Time {
	now := s.clk.Now().In(s.loc)
	candidate := time.Date(now.Year(), now.Month(), now.Day(),
		wallClock.Hour(), wallClock.Minute(), wallClock.Second(), wallClock.Nanosecond(), s.loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// runSelfRescheduling is the shared shape behind RunDaily and
// RunDailyOnSunEvent: arm a one-shot for `next`, and on fire, run fn
// then re-arm for whatever nextFn() computes at that moment (tomorrow's
// wall-clock time, or tomorrow's sun event).
func (s *Scheduler) runSelfRescheduling(id string, next time.Time, fn JobFunc, nextFn func() time.Time) error {
	var wrapped JobFunc
	wrapped = func() error {
		err := fn()
		s.mu.Lock()
		j, ok := s.jobs[id]
		s.mu.Unlock()
		if ok && !j.removed {
			s.armOnce(j, nextFn())
		}
		return err
	}

	j := &job{id: id, fn: wrapped}
	if err := s.register(id, j); err != nil {
		return err
	}
	s.armOnce(j, next)
	return nil
}

// SunEvent identifies a point in the solar day.
type SunEvent int

const (
	Dawn SunEvent = iota
	Sunrise
	Noon
	Sunset
	Dusk
)

// RunDailyOnSunEvent schedules fn to run at the next occurrence of
// event, offset by delta, re-arming for the following day's occurrence
// after each fire (spec §4.3). SetLocation must have been called first.
func (s *Scheduler) RunDailyOnSunEvent(id string, event SunEvent, delta time.Duration, fn JobFunc) error {
	if s.sun == nil {
		return &SchedulerError{Msg: "run_daily_on_sun_event: no location configured"}
	}
	next := s.nextSunOccurrence(event, delta)
	return s.runSelfRescheduling(id, next, fn, func() time.Time {
		return s.nextSunOccurrence(event, delta)
	})
}

func (s *Scheduler) nextSunOccurrence(event SunEvent, delta time.Duration) time.Time {
	now := s.clk.Now().In(s.loc)
	candidate := s.sun.eventTime(now, event, s.loc).Add(delta)
	if !candidate.After(now) {
		tomorrow := now.AddDate(0, 0, 1)
		candidate = s.sun.eventTime(tomorrow, event, s.loc).Add(delta)
	}
	return candidate
}
