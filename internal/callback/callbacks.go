package callback

import (
	"encoding/json"
	"time"

	"habitat/internal/cache"
	"habitat/internal/clock"
	"habitat/internal/scheduler"
	"habitat/internal/wire"
	"habitat/pkg/app"
)

func wireEphemeralID() string { return wire.NewCallbackID("ephemeral") }

// AppCallbacks is the per-app bound view of Register returned to an
// app's Capabilities bag (spec component D as seen by user code). It
// implements habitat/pkg/app.Callbacks.
type AppCallbacks struct {
	appID  string
	reg    *Register
	sched  *scheduler.Scheduler
	bus    *cache.EventBus
	clk    clock.Waiter
	lookup func(entityID string) (cache.EntityState, bool)
}

// NewAppCallbacks binds reg to one app instance. lookup resolves an
// entity id to its current cached snapshot, used only by the Immediate
// listener option.
func NewAppCallbacks(appID string, reg *Register, sched *scheduler.Scheduler, bus *cache.EventBus, clk clock.Waiter, lookup func(string) (cache.EntityState, bool)) *AppCallbacks {
	return &AppCallbacks{appID: appID, reg: reg, sched: sched, bus: bus, clk: clk, lookup: lookup}
}

var _ app.Callbacks = (*AppCallbacks)(nil)

func (c *AppCallbacks) wrapJob(id string, fn scheduler.JobFunc) scheduler.JobFunc {
	return func() error {
		var callErr error
		c.reg.invoke(id, c.appID, func() error {
			callErr = fn()
			return callErr
		})
		return callErr
	}
}

func (c *AppCallbacks) RunAt(when time.Time, fn scheduler.JobFunc) (string, error) {
	return c.reg.AddScheduler(c.appID, "run_at "+when.String(), func(id string) (func(), error) {
		if err := c.sched.RunAt(id, when, c.wrapJob(id, fn)); err != nil {
			return nil, err
		}
		return func() { c.sched.Remove(id) }, nil
	})
}

func (c *AppCallbacks) RunEvery(interval scheduler.Interval, start time.Time, fn scheduler.JobFunc) (string, error) {
	return c.reg.AddScheduler(c.appID, "run_every", func(id string) (func(), error) {
		if err := c.sched.RunEvery(id, interval, start, c.wrapJob(id, fn)); err != nil {
			return nil, err
		}
		return func() { c.sched.Remove(id) }, nil
	})
}

func (c *AppCallbacks) RunDaily(wallClock time.Time, fn scheduler.JobFunc) (string, error) {
	return c.reg.AddScheduler(c.appID, "run_daily "+wallClock.Format("15:04:05"), func(id string) (func(), error) {
		if err := c.sched.RunDaily(id, wallClock, c.wrapJob(id, fn)); err != nil {
			return nil, err
		}
		return func() { c.sched.Remove(id) }, nil
	})
}

func (c *AppCallbacks) RunDailyOnSunEvent(event scheduler.SunEvent, delta time.Duration, fn scheduler.JobFunc) (string, error) {
	return c.reg.AddScheduler(c.appID, "run_daily_on_sun_event", func(id string) (func(), error) {
		if err := c.sched.RunDailyOnSunEvent(id, event, delta, c.wrapJob(id, fn)); err != nil {
			return nil, err
		}
		return func() { c.sched.Remove(id) }, nil
	})
}

func (c *AppCallbacks) RunCron(spec string, fn scheduler.JobFunc) (string, error) {
	return c.reg.AddScheduler(c.appID, "run_cron "+spec, func(id string) (func(), error) {
		if err := c.sched.RunCron(id, spec, c.wrapJob(id, fn)); err != nil {
			return nil, err
		}
		return func() { c.sched.Remove(id) }, nil
	})
}

func (c *AppCallbacks) ListenEvent(events []string, fn func(eventType string, data json.RawMessage)) (string, error) {
	return c.reg.AddEvent(c.appID, "listen_event", events, func(id string) (func(), error) {
		handler := func(eventName string, data interface{}) {
			raw, _ := data.(json.RawMessage)
			c.reg.invoke(id, c.appID, func() error {
				fn(eventName, raw)
				return nil
			})
		}
		for _, ev := range events {
			c.bus.Subscribe(ev, id, handler)
		}
		return func() { c.bus.Unsubscribe(id) }, nil
	})
}

func (c *AppCallbacks) ListenState(entityID string, cb app.ListenStateCallback, opts app.ListenOptions) (string, error) {
	return c.listenAttribute(entityID, "state", cb, opts)
}

func (c *AppCallbacks) ListenAttribute(entityID, attribute string, cb app.ListenStateCallback, opts app.ListenOptions) (string, error) {
	return c.listenAttribute(entityID, attribute, cb, opts)
}

// listenAttribute is the shared implementation behind ListenState and
// ListenAttribute (spec §4.4: "listen_state is sugar for
// listen_attribute('state', ...)").
func (c *AppCallbacks) listenAttribute(entityID, attribute string, cb app.ListenStateCallback, opts app.ListenOptions) (string, error) {
	eventName := cache.EventStateChanged + "=" + entityID

	id, err := c.reg.AddEvent(c.appID, "listen_state("+entityID+","+attribute+")", []string{eventName}, func(id string) (func(), error) {
		c.bus.Subscribe(eventName, id, c.makeStateHandler(id, attribute, cb, opts.Oneshot))
		return func() { c.bus.Unsubscribe(id) }, nil
	})
	if err != nil {
		return "", err
	}

	if opts.Immediate {
		c.fireImmediate(entityID, attribute, cb)
	}

	return id, nil
}

// makeStateHandler builds the bus Handler that applies the gating rules
// from spec §4.4/§8 property 4 and the oneshot-before-user-code
// ordering from §8 property 5.
func (c *AppCallbacks) makeStateHandler(id, attribute string, cb app.ListenStateCallback, oneshot bool) cache.Handler {
	return func(_ string, data interface{}) {
		payload, ok := data.(cache.StateChangedPayload)
		if !ok {
			return
		}

		deliver, old, new := gate(payload, attribute)
		if !deliver {
			return
		}

		if oneshot {
			c.reg.Cancel(id)
		}

		c.reg.invoke(id, c.appID, func() error {
			cb(payload.EntityID, attribute, old, new)
			return nil
		})
	}
}

// gate implements the comparison rules: attribute="state" compares the
// primitive state, "all" always delivers, anything else compares that
// attribute's value.
func gate(p cache.StateChangedPayload, attribute string) (deliver bool, old, new *cache.EntityState) {
	switch attribute {
	case "all":
		return true, p.Old, p.New
	case "state":
		oldState, newState := "", ""
		if p.Old != nil {
			oldState = p.Old.State
		}
		if p.New != nil {
			newState = p.New.State
		}
		if p.Old != nil && p.New != nil && oldState == newState {
			return false, p.Old, p.New
		}
		return true, p.Old, p.New
	default:
		var oldVal, newVal interface{}
		var oldOK, newOK bool
		if p.Old != nil {
			oldVal, oldOK = p.Old.Attr(attribute)
		}
		if p.New != nil {
			newVal, newOK = p.New.Attr(attribute)
		}
		if oldOK && newOK && oldVal == newVal {
			return false, p.Old, p.New
		}
		return true, p.Old, p.New
	}
}

// Cancel deregisters one callback owned by this app.
func (c *AppCallbacks) Cancel(id string) {
	c.reg.Cancel(id)
}

// CancelAll deregisters every callback owned by this app (engine calls
// this during __terminate_app, before Finalize).
func (c *AppCallbacks) CancelAll() {
	c.reg.CancelAll(c.appID)
}

// fireImmediate delivers the listener once against the current cached
// state using an ephemeral-<…> id that never touches the registration
// table (spec §8 property 6).
func (c *AppCallbacks) fireImmediate(entityID, attribute string, cb app.ListenStateCallback) {
	state, found := c.lookup(entityID)
	if !found {
		return
	}

	fireAt := c.clk.Now().Add(time.Millisecond)
	ephemeralID := wireEphemeralID()
	_ = c.sched.RunAt(ephemeralID, fireAt, func() error {
		c.reg.invoke(ephemeralID, c.appID, func() error {
			cb(entityID, attribute, nil, &state)
			return nil
		})
		return nil
	})
}
