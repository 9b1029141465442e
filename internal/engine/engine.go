package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"habitat/internal/cache"
	"habitat/internal/callback"
	"habitat/internal/clock"
	"habitat/internal/facade"
	"habitat/internal/scheduler"
	"habitat/internal/servent"
	"habitat/internal/wire"
	"habitat/pkg/app"
)

// Registration is spec's AppRegistration: the durable record the
// reload driver (component G) hands the engine, kept around so a
// terminated app can be restarted (__reload_app) without re-reading
// its YAML.
type Registration struct {
	AppName   string
	ClassName string
	// AppPath is the app-definition YAML file this registration came
	// from; component G groups registrations by AppPath to compute
	// which apps a file's reload affects.
	AppPath string
	Config  map[string]interface{}
}

// Instance is spec's AppInstance: one constructed app and its private
// capability bag.
type Instance struct {
	Registration

	mu     sync.Mutex
	status app.Status

	app       app.App
	callbacks *callback.AppCallbacks
	logger    *zap.Logger
}

func (i *Instance) Status() app.Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) setStatus(s app.Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

// Engine is spec component F: the app lifecycle engine. It owns the
// shared Callback Register (D) and constructs one Facade (E),
// AppCallbacks (D view), and Servents (H) per app instance.
//
// Grounded on domovoy/core/engine/engine.py's AppEngine: register_app,
// __start_app/__build_app_instance/__initialize_app, __terminate_app,
// __reload_app, terminate_all_apps_before_engine_stop, and the
// dependent-apps start/stop service callbacks.
type Engine struct {
	classes *AppClassRegistry
	wire    *wire.Client
	mgr     *cache.Manager
	sched   *scheduler.Scheduler
	reg     *callback.Register
	clk     clock.Clock
	loc     *time.Location

	readOnly bool

	loggerFor func(appName, className string) *zap.Logger

	mu            sync.Mutex
	registrations map[string]*Registration
	instances     map[string]*Instance
	byPath        map[string]map[string]struct{}
}

// New constructs the engine and its shared Callback Register. loggerFor
// builds a namespaced logger for one app instance (grounded on the
// teacher's per-component zap.Logger construction; cmd/main.go builds
// it from internal/applog).
func New(
	classes *AppClassRegistry,
	wireClient *wire.Client,
	mgr *cache.Manager,
	sched *scheduler.Scheduler,
	clk clock.Clock,
	loc *time.Location,
	loggerFor func(appName, className string) *zap.Logger,
	readOnly bool,
) *Engine {
	e := &Engine{
		classes:       classes,
		wire:          wireClient,
		mgr:           mgr,
		sched:         sched,
		clk:           clk,
		loc:           loc,
		readOnly:      readOnly,
		loggerFor:     loggerFor,
		registrations: make(map[string]*Registration),
		instances:     make(map[string]*Instance),
		byPath:        make(map[string]map[string]struct{}),
	}
	e.reg = callback.NewRegister(clk, sched, mgr.Bus, e.statusOf, e.loggerOf)
	return e
}

// Register exposes the shared Callback Register, which the
// introspection query surface (component I) reads to list callbacks.
func (e *Engine) Register() *callback.Register { return e.reg }

func (e *Engine) statusOf(appID string) app.Status {
	e.mu.Lock()
	inst, ok := e.instances[appID]
	e.mu.Unlock()
	if !ok {
		return app.Terminated
	}
	return inst.Status()
}

func (e *Engine) loggerOf(appID string) *zap.Logger {
	e.mu.Lock()
	inst, ok := e.instances[appID]
	e.mu.Unlock()
	if !ok {
		return zap.NewNop()
	}
	return inst.logger
}

// RegisterApp is spec's register_app: records the registration and
// immediately starts the app. Re-registering an already-running name
// is rejected, matching the teacher's duplicate-name guard.
func (e *Engine) RegisterApp(reg Registration) error {
	e.mu.Lock()
	if _, running := e.instances[reg.AppName]; running {
		e.mu.Unlock()
		return fmt.Errorf("engine: app %q is already registered", reg.AppName)
	}
	e.registrations[reg.AppName] = &reg
	if e.byPath[reg.AppPath] == nil {
		e.byPath[reg.AppPath] = make(map[string]struct{})
	}
	e.byPath[reg.AppPath][reg.AppName] = struct{}{}
	e.mu.Unlock()

	return e.startApp(reg.AppName)
}

// startApp is __start_app: builds the instance and runs Initialize().
func (e *Engine) startApp(appName string) error {
	e.mu.Lock()
	reg, ok := e.registrations[appName]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: no registration for app %q", appName)
	}

	class, ok := e.classes.Get(reg.ClassName)
	if !ok {
		return fmt.Errorf("engine: unknown app class %q for app %q", reg.ClassName, appName)
	}

	logger := e.loggerFor(appName, reg.ClassName)
	inst := &Instance{Registration: *reg, status: app.Created, logger: logger}

	e.mu.Lock()
	e.instances[appName] = inst
	e.mu.Unlock()

	return e.initializeApp(inst, class)
}

// initializeApp is __initialize_app: builds the capability bag,
// constructs the app via its Factory, calls Initialize(), and on
// success flips status to RUNNING and flushes deferred callback
// registrations (spec §4.4's "If app status == RUNNING, register with
// C; else defer" resolved the instant INITIALIZING -> RUNNING happens).
// A returned error from either the Factory or Initialize() flips status
// to FAILED without ever reaching RUNNING.
func (e *Engine) initializeApp(inst *Instance, class ClassInfo) error {
	inst.setStatus(app.Initializing)

	callbacks := callback.NewAppCallbacks(inst.AppName, e.reg, e.sched, e.mgr.Bus, e.clk, e.mgr.Cache.Get)
	inst.callbacks = callbacks

	f := facade.New(inst.AppName, e.wire, e.mgr, e.reg, callbacks, e.clk, inst.logger, e.readOnly)
	serv := servent.New(inst.AppName, f, e.mgr, e.clk, inst.logger)

	caps := &app.Capabilities{
		Meta:      app.Meta{AppName: inst.AppName, ClassName: inst.ClassName, Config: inst.Config},
		Hass:      f,
		Callbacks: callbacks,
		Servents:  serv,
		Log:       inst.logger,
		Utils:     app.Utils{Now: e.clk.Now},
		Time:      e.loc,
	}

	instance, err := class.Factory(caps)
	if err != nil {
		inst.setStatus(app.Failed)
		inst.logger.Error("engine: app factory failed", zap.String("app", inst.AppName), zap.Error(err))
		e.finalizeInstance(inst, inst.AppName)
		return fmt.Errorf("engine: app %q factory: %w", inst.AppName, err)
	}
	inst.app = instance

	if err := instance.Initialize(); err != nil {
		inst.setStatus(app.Failed)
		inst.logger.Error("engine: app initialize() failed", zap.String("app", inst.AppName), zap.Error(err))
		e.finalizeInstance(inst, inst.AppName)
		return fmt.Errorf("engine: app %q initialize: %w", inst.AppName, err)
	}

	inst.setStatus(app.Running)
	e.reg.FlushDeferred(inst.AppName)
	inst.logger.Info("engine: app running", zap.String("app", inst.AppName), zap.String("class", inst.ClassName))
	return nil
}

// TerminateApp is __terminate_app: cancels every callback the app
// owns, runs Finalize(), and drops the instance.
func (e *Engine) TerminateApp(appName string) error {
	e.mu.Lock()
	inst, ok := e.instances[appName]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: app %q is not running", appName)
	}

	inst.setStatus(app.Finalizing)
	e.finalizeInstance(inst, appName)
	inst.setStatus(app.Terminated)

	inst.logger.Info("engine: app terminated", zap.String("app", appName))
	return nil
}

// finalizeInstance cancels every callback registration the instance
// owns, runs Finalize() if the app was actually constructed (errors
// logged, swallowed, per spec §4.4), and drops the instance from the
// registry. It is the shared cleanup behind both __terminate_app
// (TerminateApp, called on a RUNNING app) and __start_app's
// INITIALIZING -> FAILED branch (initializeApp), which must release the
// same callback/app resources an app can have acquired before failing
// without ever having reached RUNNING.
func (e *Engine) finalizeInstance(inst *Instance, appName string) {
	if inst.callbacks != nil {
		inst.callbacks.CancelAll()
	}
	if inst.app != nil {
		if err := inst.app.Finalize(); err != nil {
			inst.logger.Error("engine: app finalize() failed", zap.String("app", appName), zap.Error(err))
		}
	}

	e.mu.Lock()
	delete(e.instances, appName)
	e.mu.Unlock()
}

// ReloadApp is __reload_app: terminate then start from the retained
// Registration.
func (e *Engine) ReloadApp(appName string) error {
	if _, running := e.instances[appName]; running {
		if err := e.TerminateApp(appName); err != nil {
			return err
		}
	}
	return e.startApp(appName)
}

// TerminateAppsFromPath terminates and drops the registrations of every
// app that came from appPath, used by the reload driver (G) when a
// file is removed or stops declaring an app.
func (e *Engine) TerminateAppsFromPath(appPath string) error {
	e.mu.Lock()
	names := make([]string, 0, len(e.byPath[appPath]))
	for name := range e.byPath[appPath] {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		if _, running := e.instances[name]; running {
			if err := e.TerminateApp(name); err != nil {
				return err
			}
		}
		e.mu.Lock()
		delete(e.registrations, name)
		delete(e.byPath[appPath], name)
		e.mu.Unlock()
	}
	return nil
}

// TerminateAll stops every running app, used on process shutdown
// (spec's terminate_all_apps_before_engine_stop). Individual app
// termination errors are aggregated with multierr rather than
// abandoning the sweep at the first failure, so one misbehaving app's
// Finalize() never leaves its siblings running.
func (e *Engine) TerminateAll(ctx context.Context) error {
	e.mu.Lock()
	names := make([]string, 0, len(e.instances))
	for name := range e.instances {
		names = append(names, name)
	}
	e.mu.Unlock()

	var errs error
	for _, name := range names {
		select {
		case <-ctx.Done():
			return multierr.Append(errs, ctx.Err())
		default:
		}
		if err := e.TerminateApp(name); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// runConcurrently is spec §4.4's "gathered concurrently but await
// collectively": it fans fn out over names on its own goroutine each,
// waits for every one to finish, and aggregates their errors with
// multierr rather than returning after the first failure. TerminateApp
// and startApp already guard every map they touch with e.mu for the
// brief critical sections that read/mutate registrations/instances, so
// running them concurrently across distinct app names is safe; neither
// holds e.mu across a user Initialize()/Finalize() call.
func runConcurrently(names []string, fn func(string) error) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error

	wg.Add(len(names))
	for _, name := range names {
		name := name
		go func() {
			defer wg.Done()
			if err := fn(name); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

// StopAllForDisconnect is the bulk-stop half of spec §4.4's
// service-driven bulk stop/start: every app whose instance is non-nil
// is terminated, but its Registration is left in place so
// StartAllForReconnect can rebuild it from the same Config once the
// transport comes back. Wired to the wire client's DISCONNECTED
// notification.
func (e *Engine) StopAllForDisconnect() error {
	e.mu.Lock()
	names := make([]string, 0, len(e.instances))
	for name := range e.instances {
		names = append(names, name)
	}
	e.mu.Unlock()

	return runConcurrently(names, e.TerminateApp)
}

// StartAllForReconnect is the bulk-start half: every registered app
// with no active instance is started fresh. Wired to the wire client's
// CONNECTED notification, after the entity cache has been reseeded
// from a fresh get_states.
func (e *Engine) StartAllForReconnect() error {
	e.mu.Lock()
	names := make([]string, 0, len(e.registrations))
	for name := range e.registrations {
		if _, running := e.instances[name]; !running {
			names = append(names, name)
		}
	}
	e.mu.Unlock()

	return runConcurrently(names, e.startApp)
}

// RunningApps lists every currently RUNNING app name.
func (e *Engine) RunningApps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.instances))
	for name, inst := range e.instances {
		if inst.Status() == app.Running {
			out = append(out, name)
		}
	}
	return out
}

// Instance returns a snapshot view of one app instance for the query
// surface.
func (e *Engine) Instance(appName string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[appName]
	return inst, ok
}

// Instances returns every currently tracked instance.
func (e *Engine) Instances() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	return out
}
