// Package app is the public SDK surface user-authored apps are written
// against: the App interface, the app lifecycle Status enum, and the
// Capabilities struct every app is constructed with.
//
// This generalizes the teacher's pkg/plugin package (Plugin, Factory,
// Context) from "one plugin instance per process" to "many named app
// instances, constructed and torn down repeatedly across reloads."
package app

import (
	"time"

	"go.uber.org/zap"
)

// Status is the app lifecycle state machine from spec §4.4: CREATED ->
// INITIALIZING -> RUNNING -> FINALIZING -> TERMINATED, with a side
// branch INITIALIZING -> FAILED (no RUNNING). TERMINATED and FAILED are
// terminal.
type Status int

const (
	Created Status = iota
	Initializing
	Running
	Finalizing
	Terminated
	Failed
)

func (s Status) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Initializing:
		return "INITIALIZING"
	case Running:
		return "RUNNING"
	case Finalizing:
		return "FINALIZING"
	case Terminated:
		return "TERMINATED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is a terminal state (no further
// transitions are possible without a fresh register_app).
func (s Status) Terminal() bool {
	return s == Terminated || s == Failed
}

// App is the interface every user-authored app implements. initialize
// and finalize are the only two hooks the engine calls; everything else
// an app needs arrives through the Capabilities bag handed to its
// Factory.
type App interface {
	// Initialize runs once after construction, before the app is marked
	// RUNNING. A returned error marks the app FAILED and runs the
	// terminate path without ever reaching RUNNING.
	Initialize() error

	// Finalize runs once during termination/reload. Errors are logged
	// and swallowed; they never block teardown.
	Finalize() error
}

// Factory constructs a new App instance given its capability bag. It is
// registered under a stable class name in an AppClassRegistry
// (internal/engine) and invoked once per register_app/reload.
type Factory func(caps *Capabilities) (App, error)

// Capabilities is the "deep inheritance, replaced by a capability
// struct" design note from spec §9: meta, hass, callbacks, servents,
// log, utils, time, bundled into one struct passed to an app's Factory
// instead of base-class fields.
type Capabilities struct {
	// Meta describes this instance's own registration (name, class,
	// config payload) for apps that introspect themselves.
	Meta Meta

	// Hass is the typed facade (spec component E) over the wire client
	// and cache: get_state, call_service, listen_trigger, wait_for_state.
	Hass Hass

	// Callbacks is this app's bound view of the Callback Register (spec
	// component D): add_scheduler_callback, add_event_callback,
	// listen_state, cancel.
	Callbacks Callbacks

	// Servents creates and updates app-owned HA entities (spec
	// component H).
	Servents Servents

	// Log is this app's namespaced logger.
	Log *zap.Logger

	// Utils holds small helpers that don't warrant their own
	// capability; its only member is Now.
	Utils Utils

	// Time is the configured IANA timezone used for all wall-clock
	// scheduling.
	Time *time.Location
}

// Meta describes an app instance's own registration.
type Meta struct {
	AppName   string
	ClassName string
	Config    map[string]interface{}
}

// Utils bundles small stateless helpers.
type Utils struct {
	Now func() time.Time
}
