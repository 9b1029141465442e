// Package callback implements spec component D: the unified callback
// register that unifies scheduler, event, and ephemeral callbacks under
// one id space, with per-app ownership and the instrumentation wrapper
// every user callback runs through.
//
// Grounded on domovoy/core/services/callback_register.py
// (CallbackRegister, add_scheduler_callback/add_event_callback,
// register_all_callbacks, cancel_callback/cancel_all_callbacks) and the
// teacher's pkg/plugin.Registry for the id/ownership bookkeeping shape.
package callback

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"habitat/internal/cache"
	"habitat/internal/clock"
	"habitat/internal/scheduler"
	"habitat/internal/wire"
	"habitat/pkg/app"
)

// Kind discriminates the two stored registration shapes (ephemeral
// callbacks are never stored at all).
type Kind int

const (
	KindScheduler Kind = iota
	KindEvent
)

func (k Kind) String() string {
	if k == KindScheduler {
		return "scheduler"
	}
	return "event"
}

// ArmFunc performs the actual registration against C or B once the
// owning app is RUNNING, and returns a function that undoes it.
type ArmFunc func(id string) (cancel func(), err error)

// Registration is the bookkeeping record from spec §3
// CallbackRegistration: id, owner, registered bit, and counters.
type Registration struct {
	ID           string
	AppID        string
	Kind         Kind
	IsRegistered bool
	Description  string
	Events       []string

	mu         sync.Mutex
	TimesCalled int64
	LastCall    time.Time
	LastError   error

	arm    ArmFunc
	cancel func()
}

func (r *Registration) snapshotLocked() (int64, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.TimesCalled, r.LastCall, r.LastError
}

// DebugError lets user code mark an error as expected/noisy so the
// instrumentation wrapper logs it at trace level instead of as an app
// error, mirroring domovoy's "LogOnDebug" exception family.
type DebugError interface {
	error
	LogOnDebug() bool
}

// Register is the process-wide callback table (spec component D). It is
// deliberately not per-app: ownership is tracked via each
// Registration's AppID field, matching spec §3's "AppInstance exclusively
// owns its callback registrations."
type Register struct {
	clk      clock.Waiter
	sched    *scheduler.Scheduler
	bus      *cache.EventBus
	statusOf func(appID string) app.Status
	loggerOf func(appID string) *zap.Logger

	mu    sync.Mutex
	regs  map[string]*Registration
	byApp map[string]map[string]struct{}
}

// NewRegister constructs the shared register. sched/bus are the C and B
// components callbacks ultimately arm against; statusOf/loggerOf let
// Register query the owning app without holding a reference to the
// engine.
func NewRegister(clk clock.Waiter, sched *scheduler.Scheduler, bus *cache.EventBus, statusOf func(string) app.Status, loggerOf func(string) *zap.Logger) *Register {
	return &Register{
		clk:      clk,
		sched:    sched,
		bus:      bus,
		statusOf: statusOf,
		loggerOf: loggerOf,
		regs:     make(map[string]*Registration),
		byApp:    make(map[string]map[string]struct{}),
	}
}

func (r *Register) add(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[reg.ID] = reg
	m, ok := r.byApp[reg.AppID]
	if !ok {
		m = make(map[string]struct{})
		r.byApp[reg.AppID] = m
	}
	m[reg.ID] = struct{}{}
}

// AddScheduler is the entry point behind every Callbacks.RunXxx method
// (spec §4.4 "Registration flow").
func (r *Register) AddScheduler(appID, description string, arm ArmFunc) (string, error) {
	id := wire.NewCallbackID("scheduler")
	reg := &Registration{ID: id, AppID: appID, Kind: KindScheduler, Description: description, arm: arm}
	return r.register(reg)
}

// AddEvent is the entry point behind event/state/trigger listeners:
// Callbacks.ListenEvent, ListenState/ListenAttribute, and
// Facade.ListenTrigger all route through here so every user callback
// shares one id space and one instrumentation wrapper (spec §4.4).
func (r *Register) AddEvent(appID, description string, events []string, arm ArmFunc) (string, error) {
	id := wire.NewCallbackID("event")
	reg := &Registration{ID: id, AppID: appID, Kind: KindEvent, Description: description, Events: events, arm: arm}
	return r.register(reg)
}

// register stores reg and, if the owning app is already RUNNING, arms
// it immediately; otherwise it stays deferred until FlushDeferred(appID)
// runs at start-of-RUNNING (spec §4.4: "If app status == RUNNING,
// register with C; else defer until state transitions to RUNNING").
func (r *Register) register(reg *Registration) (string, error) {
	r.add(reg)

	if r.statusOf(reg.AppID) == app.Running {
		cancel, err := reg.arm(reg.ID)
		if err != nil {
			r.mu.Lock()
			delete(r.regs, reg.ID)
			delete(r.byApp[reg.AppID], reg.ID)
			r.mu.Unlock()
			return "", err
		}
		reg.cancel = cancel
		reg.IsRegistered = true
	}
	return reg.ID, nil
}

// FlushDeferred arms every not-yet-registered callback belonging to
// appID. The engine calls this exactly once, right after flipping an
// app's status to RUNNING.
func (r *Register) FlushDeferred(appID string) {
	r.mu.Lock()
	var pending []*Registration
	for id := range r.byApp[appID] {
		reg := r.regs[id]
		if reg != nil && !reg.IsRegistered {
			pending = append(pending, reg)
		}
	}
	r.mu.Unlock()

	for _, reg := range pending {
		cancel, err := reg.arm(reg.ID)
		if err != nil {
			r.loggerOf(appID).Error("callback: deferred registration failed",
				zap.String("id", reg.ID), zap.Error(err))
			continue
		}
		r.mu.Lock()
		reg.cancel = cancel
		reg.IsRegistered = true
		r.mu.Unlock()
	}
}

// Cancel removes id, undoing its C/B registration. It is idempotent:
// an unknown id (already cancelled, or an ephemeral- id that was never
// stored) is a silent no-op (spec §8 property 3).
func (r *Register) Cancel(id string) {
	r.mu.Lock()
	reg, ok := r.regs[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.regs, id)
	if m, ok := r.byApp[reg.AppID]; ok {
		delete(m, id)
	}
	r.mu.Unlock()

	if reg.cancel != nil {
		reg.cancel()
	}
}

// CancelAll cancels every registration owned by appID. The engine calls
// this before Finalize() on terminate/reload (spec §4.4
// __terminate_app).
func (r *Register) CancelAll(appID string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byApp[appID]))
	for id := range r.byApp[appID] {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Cancel(id)
	}
}

// List returns a snapshot of every registration for introspection
// (spec component I).
func (r *Register) List() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		times, last, lastErr := reg.snapshotLocked()
		out = append(out, Registration{
			ID: reg.ID, AppID: reg.AppID, Kind: reg.Kind,
			IsRegistered: reg.IsRegistered, Description: reg.Description, Events: reg.Events,
			TimesCalled: times, LastCall: last, LastError: lastErr,
		})
	}
	return out
}

// ListForApp filters List to one app.
func (r *Register) ListForApp(appID string) []Registration {
	all := r.List()
	out := all[:0]
	for _, reg := range all {
		if reg.AppID == appID {
			out = append(out, reg)
		}
	}
	return out
}

// Invoke runs body through the callback instrumentation wrapper (spec
// §4.4), for callers outside this package that still want their user
// code wrapped with the same status gate, bookkeeping, and error
// classification as scheduler/event callbacks (e.g.
// internal/facade.Facade for listen_trigger dispatch).
func (r *Register) Invoke(id, appID string, body func() error) {
	r.invoke(id, appID, body)
}

// invoke is the callback instrumentation wrapper from spec §4.4: status
// gate, bookkeeping, panic-safe execution, error classification.
func (r *Register) invoke(id, appID string, body func() error) {
	r.mu.Lock()
	reg := r.regs[id]
	r.mu.Unlock()

	if r.statusOf(appID) != app.Running {
		r.loggerOf(appID).Warn("callback: dropped invocation, app not RUNNING", zap.String("id", id))
		return
	}

	logger := r.loggerOf(appID).With(zap.String("callback_id", id))

	if reg != nil {
		reg.mu.Lock()
		reg.TimesCalled++
		reg.LastCall = r.clk.Now()
		reg.mu.Unlock()
	}

	err := runGuarded(body)
	if err == nil {
		return
	}

	if reg != nil {
		reg.mu.Lock()
		reg.LastError = err
		reg.mu.Unlock()
	}

	if dbg, ok := err.(DebugError); ok && dbg.LogOnDebug() {
		logger.Debug("callback: user error (debug-only)", zap.Error(err))
		return
	}
	logger.Error("callback: user callback failed", zap.Error(err), zap.Stack("stack"))
}

func runGuarded(body func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return body()
}
