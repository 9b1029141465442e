package app

import (
	"context"
	"encoding/json"
	"time"

	"habitat/internal/cache"
	"habitat/internal/scheduler"
)

// Hass is spec component E: typed wrappers over the wire client and
// cache that apps call directly. The concrete implementation is
// internal/facade.Facade; its CallService inherits the single-retry-on-
// "requires response" behavior from spec §7/§9(b) from
// internal/wire.Client.CallService, where that retry lives.
type Hass interface {
	GetState(entityID string) (string, bool)
	GetAttribute(entityID, attr string) (interface{}, bool)
	CallService(ctx context.Context, domain, service string, data interface{}, entityIDs ...string) (json.RawMessage, error)
	FireEvent(ctx context.Context, eventType string, data interface{}) error
	ListenTrigger(trigger interface{}, cb func(vars json.RawMessage)) (id string, err error)
	WaitForStateToBe(ctx context.Context, entityID string, states []string, duration, timeout time.Duration) error
}

// ListenStateCallback is delivered (entity_id, attribute, old, new) per
// spec §9's "callback polymorphism" note; a Go sum-type stand-in is a
// single fixed signature with nil old/new where not applicable.
type ListenStateCallback func(entityID, attribute string, old, new *cache.EntityState)

// ListenOptions configures listen_state/listen_attribute sugar (spec
// §4.4). ListenAttribute's attribute argument selects what gates
// delivery ("state" compares the primitive state string, "all"
// delivers unconditionally with full old/new snapshots, anything else
// compares that attribute); ListenState is sugar for
// ListenAttribute(entityID, "state", ...).
type ListenOptions struct {
	// Immediate additionally fires the callback once against the
	// current cached state, using an ephemeral callback id that is
	// never stored in the registration table (spec §8 property 6).
	Immediate bool

	// Oneshot deregisters the listener before the user callback body
	// runs on its first delivery (spec §8 property 5).
	Oneshot bool
}

// Callbacks is this app's bound view of the Callback Register (spec
// component D): every method implicitly scopes registrations to the
// owning app instance, and Cancel/CancelAll honor the at-most-once-
// cancel invariant (spec §8 property 3).
type Callbacks interface {
	RunAt(when time.Time, fn scheduler.JobFunc) (id string, err error)
	RunEvery(interval scheduler.Interval, start time.Time, fn scheduler.JobFunc) (id string, err error)
	RunDaily(wallClock time.Time, fn scheduler.JobFunc) (id string, err error)
	RunDailyOnSunEvent(event scheduler.SunEvent, delta time.Duration, fn scheduler.JobFunc) (id string, err error)
	RunCron(spec string, fn scheduler.JobFunc) (id string, err error)

	ListenEvent(events []string, fn func(eventType string, data json.RawMessage)) (id string, err error)
	ListenState(entityID string, cb ListenStateCallback, opts ListenOptions) (id string, err error)
	ListenAttribute(entityID, attribute string, cb ListenStateCallback, opts ListenOptions) (id string, err error)

	Cancel(id string)
	CancelAll()
}

// ServentSpec describes an app-owned HA entity to create (spec §4.6):
// the device/category/value-domain envelope sent via servents.create_entity.
type ServentSpec struct {
	ServentID string
	Device    string
	Category  string
	Domain    string
	Name      string
	Config    map[string]interface{}
}

// Servents is spec component H.
type Servents interface {
	Create(ctx context.Context, spec ServentSpec) (entityID string, err error)
	SetTo(ctx context.Context, serventID string, value interface{}, attrs map[string]interface{}) error
	Get(serventID string) (cache.EntityState, bool)
}
