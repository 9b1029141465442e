package reload

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habitat/internal/cache"
	"habitat/internal/clock"
	"habitat/internal/engine"
	"habitat/internal/scheduler"
	"habitat/internal/wire"
	"habitat/pkg/app"
)

type countingApp struct{}

func (countingApp) Initialize() error { return nil }
func (countingApp) Finalize() error   { return nil }

func newTestEngine(t *testing.T, className string, registerCount *int32) *engine.Engine {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	dispatch := func(fn func()) { fn() }
	sched := scheduler.New(mc, time.UTC, dispatch, func(string, error) {})
	mgr := cache.NewManager(zap.NewNop())
	classes := engine.NewAppClassRegistry()
	require.NoError(t, classes.Register(engine.ClassInfo{
		ClassName: className,
		Factory: func(caps *app.Capabilities) (app.App, error) {
			if registerCount != nil {
				atomic.AddInt32(registerCount, 1)
			}
			return countingApp{}, nil
		},
	}))

	loggerFor := func(string, string) *zap.Logger { return zap.NewNop() }
	return engine.New(classes, &wire.Client{}, mgr, sched, mc, time.UTC, loggerFor, false)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// TestLoadOrReloadRegistersDeclaredApps covers the base case: a
// standalone app-definition file with no includes registers its apps.
func TestLoadOrReloadRegistersDeclaredApps(t *testing.T) {
	dir := t.TempDir()
	var count int32
	eng := newTestEngine(t, "demo", &count)
	drv := New(dir, "", eng, zap.NewNop())

	appFile := filepath.Join(dir, "kitchen_apps.yaml")
	writeFile(t, appFile, "apps:\n  - name: light_app\n    class: demo\n")

	drv.loadOrReload(appFile)

	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
	assert.Contains(t, eng.RunningApps(), "light_app")
}

// TestReloadContainment covers spec §8 property 10: a change to a
// descriptor unreachable from any app-definition file is a no-op on
// the app registry.
func TestReloadContainment(t *testing.T) {
	dir := t.TempDir()
	var count int32
	eng := newTestEngine(t, "demo", &count)
	drv := New(dir, "", eng, zap.NewNop())

	appFile := filepath.Join(dir, "kitchen_apps.yaml")
	writeFile(t, appFile, "apps:\n  - name: light_app\n    class: demo\n")
	drv.loadOrReload(appFile)
	require.EqualValues(t, 1, atomic.LoadInt32(&count))

	unrelated := filepath.Join(dir, "unused_fragment.yaml")
	writeFile(t, unrelated, "some_key: some_value\n")
	drv.loadOrReload(unrelated)

	// Nothing in the reload of an unreachable fragment should touch the
	// already-registered app.
	assert.EqualValues(t, 1, atomic.LoadInt32(&count))
	assert.Contains(t, eng.RunningApps(), "light_app")
}

// TestIncludedFragmentChangeReloadsDependentApps covers the reverse
// closure: editing a fragment included by an app-definition file
// reloads every app that (transitively) includes it.
func TestIncludedFragmentChangeReloadsDependentApps(t *testing.T) {
	dir := t.TempDir()
	var count int32
	eng := newTestEngine(t, "demo", &count)
	drv := New(dir, "", eng, zap.NewNop())

	fragment := filepath.Join(dir, "shared.yaml")
	writeFile(t, fragment, "shared_key: 1\n")

	appFile := filepath.Join(dir, "kitchen_apps.yaml")
	writeFile(t, appFile, "includes:\n  - shared.yaml\napps:\n  - name: light_app\n    class: demo\n")

	drv.loadOrReload(appFile)
	require.EqualValues(t, 1, atomic.LoadInt32(&count))

	// Editing the fragment must reload the dependent app (terminate +
	// re-register), bumping the factory call count.
	writeFile(t, fragment, "shared_key: 2\n")
	drv.loadOrReload(fragment)

	assert.EqualValues(t, 2, atomic.LoadInt32(&count))
	assert.Contains(t, eng.RunningApps(), "light_app")
}

// TestHandleDeletionTerminatesApps covers the file-removed path:
// deleting an app-definition file terminates every app it declared.
func TestHandleDeletionTerminatesApps(t *testing.T) {
	dir := t.TempDir()
	eng := newTestEngine(t, "demo", nil)
	drv := New(dir, "", eng, zap.NewNop())

	appFile := filepath.Join(dir, "kitchen_apps.yaml")
	writeFile(t, appFile, "apps:\n  - name: light_app\n    class: demo\n")
	drv.loadOrReload(appFile)
	require.Contains(t, eng.RunningApps(), "light_app")

	require.NoError(t, os.Remove(appFile))
	drv.handleDeletion(appFile)

	assert.NotContains(t, eng.RunningApps(), "light_app")
}

// TestIsAppFileMatchesConfiguredSuffix covers the suffix convention
// from SPEC_FULL.md §4.5, including the default "_apps" suffix.
func TestIsAppFileMatchesConfiguredSuffix(t *testing.T) {
	eng := newTestEngine(t, "demo", nil)
	drv := New(t.TempDir(), "", eng, zap.NewNop())

	assert.True(t, drv.isAppFile("/x/kitchen_apps.yaml"))
	assert.False(t, drv.isAppFile("/x/shared.yaml"))

	custom := New(t.TempDir(), "_automations", eng, zap.NewNop())
	assert.True(t, custom.isAppFile("/x/kitchen_automations.yaml"))
	assert.False(t, custom.isAppFile("/x/kitchen_apps.yaml"))
}
