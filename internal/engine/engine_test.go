package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habitat/internal/cache"
	"habitat/internal/clock"
	"habitat/internal/scheduler"
	"habitat/internal/wire"
	"habitat/pkg/app"
)

// stubApp records lifecycle calls and lets a test inject failures from
// either hook. If registerDuringInit is set, Initialize registers a
// scheduler callback through its captured Capabilities before
// returning initErr, so a test can verify the INITIALIZING -> FAILED
// branch tears that registration back down.
type stubApp struct {
	initErr     error
	finalizeErr error

	registerDuringInit bool

	caps        *app.Capabilities
	initialized bool
	finalized   bool
}

func (s *stubApp) Initialize() error {
	s.initialized = true
	if s.registerDuringInit && s.caps != nil {
		_, _ = s.caps.Callbacks.RunEvery(scheduler.Interval{Seconds: 1}, time.Now(), func() error { return nil })
	}
	return s.initErr
}

func (s *stubApp) Finalize() error {
	s.finalized = true
	return s.finalizeErr
}

func newTestEngine(t *testing.T) (*Engine, *AppClassRegistry) {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	dispatch := func(fn func()) { fn() }
	sched := scheduler.New(mc, time.UTC, dispatch, func(string, error) {})
	mgr := cache.NewManager(zap.NewNop())
	classes := NewAppClassRegistry()

	loggerFor := func(string, string) *zap.Logger { return zap.NewNop() }
	e := New(classes, &wire.Client{}, mgr, sched, mc, time.UTC, loggerFor, false)
	return e, classes
}

func registerStubClass(t *testing.T, classes *AppClassRegistry, className string, stub *stubApp) {
	t.Helper()
	require.NoError(t, classes.Register(ClassInfo{
		ClassName: className,
		Factory: func(caps *app.Capabilities) (app.App, error) {
			stub.caps = caps
			return stub, nil
		},
	}))
}

// TestAppLifecycleHappyPath covers spec §4.4's CREATED -> INITIALIZING
// -> RUNNING transition and that Initialize() is actually invoked.
func TestAppLifecycleHappyPath(t *testing.T) {
	e, classes := newTestEngine(t)
	stub := &stubApp{}
	registerStubClass(t, classes, "demo", stub)

	require.NoError(t, e.RegisterApp(Registration{AppName: "app1", ClassName: "demo", AppPath: "apps.yaml"}))

	assert.True(t, stub.initialized)
	inst, ok := e.Instance("app1")
	require.True(t, ok)
	assert.Equal(t, app.Running, inst.Status())
}

// TestAppLifecycleInitializeFailure covers the INITIALIZING -> FAILED
// side branch: a returned error from Initialize() never reaches
// RUNNING, and spec §4.4's "On error: status=FAILED and call
// __terminate_app" cleanup actually runs: Finalize() is invoked, any
// callback registered before the failure is cancelled, and the
// instance is dropped from the registry rather than left dangling.
func TestAppLifecycleInitializeFailure(t *testing.T) {
	e, classes := newTestEngine(t)
	stub := &stubApp{initErr: errors.New("boom"), registerDuringInit: true}
	registerStubClass(t, classes, "demo", stub)

	err := e.RegisterApp(Registration{AppName: "app1", ClassName: "demo", AppPath: "apps.yaml"})
	require.Error(t, err)

	assert.True(t, stub.finalized, "Finalize() must run on INITIALIZING -> FAILED")
	assert.Empty(t, e.Register().ListForApp("app1"), "callbacks registered before failure must be cancelled")

	_, ok := e.Instance("app1")
	assert.False(t, ok, "a FAILED instance must not linger in the registry")
}

// TestRegisterDuplicateNameRejected covers the teacher's duplicate-name
// guard generalized onto register_app.
func TestRegisterDuplicateNameRejected(t *testing.T) {
	e, classes := newTestEngine(t)
	stub := &stubApp{}
	registerStubClass(t, classes, "demo", stub)

	require.NoError(t, e.RegisterApp(Registration{AppName: "app1", ClassName: "demo", AppPath: "apps.yaml"}))
	err := e.RegisterApp(Registration{AppName: "app1", ClassName: "demo", AppPath: "apps.yaml"})
	require.Error(t, err)
}

// TestTerminateAppRunsFinalizeAndDropsInstance covers __terminate_app.
func TestTerminateAppRunsFinalizeAndDropsInstance(t *testing.T) {
	e, classes := newTestEngine(t)
	stub := &stubApp{}
	registerStubClass(t, classes, "demo", stub)
	require.NoError(t, e.RegisterApp(Registration{AppName: "app1", ClassName: "demo", AppPath: "apps.yaml"}))

	require.NoError(t, e.TerminateApp("app1"))
	assert.True(t, stub.finalized)

	_, ok := e.Instance("app1")
	assert.False(t, ok)
}

// TestStopStartForDisconnectPreservesAppNames covers spec §8 property
// 11: bulk stop/start round-trips the same set of app names.
func TestStopStartForDisconnectPreservesAppNames(t *testing.T) {
	e, classes := newTestEngine(t)
	registerStubClass(t, classes, "demo", &stubApp{})
	require.NoError(t, classes.Register(ClassInfo{
		ClassName: "demo2",
		Factory: func(caps *app.Capabilities) (app.App, error) {
			return &stubApp{}, nil
		},
	}))

	require.NoError(t, e.RegisterApp(Registration{AppName: "app1", ClassName: "demo", AppPath: "a.yaml"}))
	require.NoError(t, e.RegisterApp(Registration{AppName: "app2", ClassName: "demo2", AppPath: "a.yaml"}))

	before := e.RunningApps()
	assert.Len(t, before, 2)

	require.NoError(t, e.StopAllForDisconnect())
	assert.Empty(t, e.RunningApps())

	require.NoError(t, e.StartAllForReconnect())
	after := e.RunningApps()
	assert.ElementsMatch(t, before, after)
}

// TestReloadAppRestartsFromRetainedRegistration covers __reload_app.
func TestReloadAppRestartsFromRetainedRegistration(t *testing.T) {
	e, classes := newTestEngine(t)
	stub := &stubApp{}
	registerStubClass(t, classes, "demo", stub)
	require.NoError(t, e.RegisterApp(Registration{AppName: "app1", ClassName: "demo", AppPath: "a.yaml"}))

	require.NoError(t, e.ReloadApp("app1"))
	assert.True(t, stub.finalized, "reload must finalize the old instance")

	inst, ok := e.Instance("app1")
	require.True(t, ok)
	assert.Equal(t, app.Running, inst.Status())
}

// TestTerminateAppsFromPathDropsRegistrations covers the reload
// driver's "file removed" path: terminated apps' registrations are
// dropped so a later reconnect/reload never resurrects them.
func TestTerminateAppsFromPathDropsRegistrations(t *testing.T) {
	e, classes := newTestEngine(t)
	registerStubClass(t, classes, "demo", &stubApp{})
	require.NoError(t, e.RegisterApp(Registration{AppName: "app1", ClassName: "demo", AppPath: "a.yaml"}))

	require.NoError(t, e.TerminateAppsFromPath("a.yaml"))
	assert.Empty(t, e.RunningApps())

	// A later StartAllForReconnect must not resurrect it: the
	// registration is gone, not merely stopped.
	require.NoError(t, e.StartAllForReconnect())
	assert.Empty(t, e.RunningApps())
}
