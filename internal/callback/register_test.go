package callback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habitat/internal/clock"
	"habitat/pkg/app"
)

// testStatusTable is a minimal stand-in for the engine's instance
// table, letting tests drive an app through CREATED/RUNNING/FAILED
// without constructing a real engine.Engine.
type testStatusTable struct {
	mu       sync.Mutex
	statuses map[string]app.Status
}

func newTestStatusTable() *testStatusTable {
	return &testStatusTable{statuses: make(map[string]app.Status)}
}

func (t *testStatusTable) set(appID string, s app.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[appID] = s
}

func (t *testStatusTable) get(appID string) app.Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statuses[appID]
}

func newTestRegister() (*Register, *testStatusTable) {
	mc := clock.NewMockClock(time.Now())
	table := newTestStatusTable()
	reg := NewRegister(mc, nil, nil, table.get, func(string) *zap.Logger { return zap.NewNop() })
	return reg, table
}

// TestDeferredRegistrationFlushedOnRunning covers spec §4.4: a
// registration added while the app is not yet RUNNING is deferred
// until FlushDeferred runs.
func TestDeferredRegistrationFlushedOnRunning(t *testing.T) {
	reg, table := newTestRegister()
	table.set("app1", app.Initializing)

	var armed bool
	id, err := reg.AddEvent("app1", "desc", nil, func(string) (func(), error) {
		armed = true
		return func() {}, nil
	})
	require.NoError(t, err)
	assert.False(t, armed, "registration must not arm before app is RUNNING")

	table.set("app1", app.Running)
	reg.FlushDeferred("app1")
	assert.True(t, armed)

	regs := reg.ListForApp("app1")
	require.Len(t, regs, 1)
	assert.Equal(t, id, regs[0].ID)
	assert.True(t, regs[0].IsRegistered)
}

// TestAddWhileRunningArmsImmediately covers the other half of spec
// §4.4's "If app status == RUNNING, register with C; else defer."
func TestAddWhileRunningArmsImmediately(t *testing.T) {
	reg, table := newTestRegister()
	table.set("app1", app.Running)

	var armed bool
	_, err := reg.AddScheduler("app1", "desc", func(string) (func(), error) {
		armed = true
		return func() {}, nil
	})
	require.NoError(t, err)
	assert.True(t, armed)
}

// TestCancelIsAtMostOnce covers spec §8 property 3: cancelling a
// callback twice is a no-op, and cancelling an unknown id never
// errors or panics.
func TestCancelIsAtMostOnce(t *testing.T) {
	reg, table := newTestRegister()
	table.set("app1", app.Running)

	var cancelCount int
	id, err := reg.AddScheduler("app1", "desc", func(string) (func(), error) {
		return func() { cancelCount++ }, nil
	})
	require.NoError(t, err)

	reg.Cancel(id)
	assert.Equal(t, 1, cancelCount)

	reg.Cancel(id)
	assert.Equal(t, 1, cancelCount, "second cancel must be a no-op")

	assert.NotPanics(t, func() { reg.Cancel("never-registered") })
}

// TestCancelAfterFailedIsNoOp covers spec §8 property 3: cancelling
// after the app is FAILED is a no-op.
func TestCancelAfterFailedIsNoOp(t *testing.T) {
	reg, table := newTestRegister()
	table.set("app1", app.Running)

	id, err := reg.AddScheduler("app1", "desc", func(string) (func(), error) {
		return func() {}, nil
	})
	require.NoError(t, err)

	table.set("app1", app.Failed)
	assert.NotPanics(t, func() { reg.Cancel(id) })
}

// TestInvokeGatesOnStatus covers spec §4.4's instrumentation wrapper
// invariant: a callback does not run unless its owning app is RUNNING.
func TestInvokeGatesOnStatus(t *testing.T) {
	reg, table := newTestRegister()
	table.set("app1", app.Finalizing)

	var ran bool
	reg.Invoke("event-x", "app1", func() error {
		ran = true
		return nil
	})
	assert.False(t, ran)

	table.set("app1", app.Running)
	reg.Invoke("event-x", "app1", func() error {
		ran = true
		return nil
	})
	assert.True(t, ran)
}

// TestInvokeUpdatesCounters verifies times_called/last_call/last_error
// bookkeeping described in spec §3 CallbackRegistration.
func TestInvokeUpdatesCounters(t *testing.T) {
	reg, table := newTestRegister()
	table.set("app1", app.Running)

	id, err := reg.AddScheduler("app1", "desc", func(string) (func(), error) {
		return func() {}, nil
	})
	require.NoError(t, err)

	reg.Invoke(id, "app1", func() error { return nil })
	reg.Invoke(id, "app1", func() error { return assert.AnError })

	regs := reg.ListForApp("app1")
	require.Len(t, regs, 1)
	assert.EqualValues(t, 2, regs[0].TimesCalled)
	assert.Equal(t, assert.AnError, regs[0].LastError)
}

// TestInvokeIsolatesPanics covers spec §7's "user callback exception
// isolated per invocation" via the runGuarded wrapper.
func TestInvokeIsolatesPanics(t *testing.T) {
	reg, table := newTestRegister()
	table.set("app1", app.Running)

	assert.NotPanics(t, func() {
		reg.Invoke("event-x", "app1", func() error {
			panic("boom")
		})
	})
}

// TestCancelAllRemovesEveryAppRegistration covers __terminate_app's
// bulk cancellation (spec §4.4).
func TestCancelAllRemovesEveryAppRegistration(t *testing.T) {
	reg, table := newTestRegister()
	table.set("app1", app.Running)

	var cancelled int
	for i := 0; i < 3; i++ {
		_, err := reg.AddScheduler("app1", "desc", func(string) (func(), error) {
			return func() { cancelled++ }, nil
		})
		require.NoError(t, err)
	}

	reg.CancelAll("app1")
	assert.Equal(t, 3, cancelled)
	assert.Empty(t, reg.ListForApp("app1"))
}
