package callback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"habitat/internal/cache"
	"habitat/internal/clock"
	"habitat/internal/scheduler"
	"habitat/pkg/app"
)

// testHarness wires a real Scheduler and EventBus to a Register and
// one AppCallbacks, with a synchronous dispatch function so scheduled
// jobs run the instant the mock clock is advanced, and a lookup
// function backed by a simple map the test controls directly.
type testHarness struct {
	reg   *Register
	sched *scheduler.Scheduler
	bus   *cache.EventBus
	cb    *AppCallbacks
	clk   *clock.MockClock

	states map[string]cache.EntityState
}

func newHarness(t *testing.T, appID string) *testHarness {
	t.Helper()
	mc := clock.NewMockClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))

	h := &testHarness{clk: mc, states: make(map[string]cache.EntityState)}

	dispatch := func(fn func()) { fn() }
	sched := scheduler.New(mc, time.UTC, dispatch, func(string, error) {})
	h.sched = sched

	bus := cache.NewManager(zap.NewNop()).Bus
	h.bus = bus

	statusOf := func(string) app.Status { return app.Running }
	loggerOf := func(string) *zap.Logger { return zap.NewNop() }
	reg := NewRegister(mc, sched, bus, statusOf, loggerOf)
	h.reg = reg

	lookup := func(entityID string) (cache.EntityState, bool) {
		s, ok := h.states[entityID]
		return s, ok
	}
	h.cb = NewAppCallbacks(appID, reg, sched, bus, mc, lookup)
	return h
}

func publishStateChange(bus *cache.EventBus, entityID string, old, new *cache.EntityState) {
	payload := cache.StateChangedPayload{EntityID: entityID, Old: old, New: new}
	bus.Publish(cache.EventStateChanged+"="+entityID, payload)
}

// TestListenStateGating covers spec §8 property 4: listen_state
// delivers iff old != new (primitive state comparison).
func TestListenStateGating(t *testing.T) {
	h := newHarness(t, "app1")

	var deliveries int
	_, err := h.cb.ListenState("light.k", func(entityID, attribute string, old, new *cache.EntityState) {
		deliveries++
	}, app.ListenOptions{})
	require.NoError(t, err)

	off := &cache.EntityState{EntityID: "light.k", State: "off"}
	on := &cache.EntityState{EntityID: "light.k", State: "on"}

	publishStateChange(h.bus, "light.k", nil, off)
	h.bus.Drain()
	assert.Equal(t, 1, deliveries)

	// Same state again: must be gated out.
	publishStateChange(h.bus, "light.k", off, off)
	h.bus.Drain()
	assert.Equal(t, 1, deliveries, "unchanged state must not redeliver")

	publishStateChange(h.bus, "light.k", off, on)
	h.bus.Drain()
	assert.Equal(t, 2, deliveries)
}

// TestListenAttributeAllAlwaysDelivers covers spec §8 property 4:
// listen_attribute("all") delivers unconditionally.
func TestListenAttributeAllAlwaysDelivers(t *testing.T) {
	h := newHarness(t, "app1")

	var deliveries int
	_, err := h.cb.ListenAttribute("light.k", "all", func(string, string, *cache.EntityState, *cache.EntityState) {
		deliveries++
	}, app.ListenOptions{})
	require.NoError(t, err)

	same := &cache.EntityState{EntityID: "light.k", State: "on"}
	publishStateChange(h.bus, "light.k", same, same)
	h.bus.Drain()
	assert.Equal(t, 1, deliveries, "all must deliver even when nothing changed")
}

// TestListenAttributeSpecificGating covers the "anything else:
// compare attributes[attr]" branch of spec §4.4.
func TestListenAttributeSpecificGating(t *testing.T) {
	h := newHarness(t, "app1")

	var deliveries int
	_, err := h.cb.ListenAttribute("sensor.x", "brightness", func(string, string, *cache.EntityState, *cache.EntityState) {
		deliveries++
	}, app.ListenOptions{})
	require.NoError(t, err)

	old := &cache.EntityState{EntityID: "sensor.x", Attributes: map[string]interface{}{"brightness": 10}}
	same := &cache.EntityState{EntityID: "sensor.x", Attributes: map[string]interface{}{"brightness": 10}}
	changed := &cache.EntityState{EntityID: "sensor.x", Attributes: map[string]interface{}{"brightness": 20}}

	publishStateChange(h.bus, "sensor.x", old, same)
	h.bus.Drain()
	assert.Equal(t, 0, deliveries)

	publishStateChange(h.bus, "sensor.x", old, changed)
	h.bus.Drain()
	assert.Equal(t, 1, deliveries)
}

// TestOneshotCancelsBeforeUserCodeRuns covers spec §8 property 5: a
// oneshot listener is deregistered strictly before the user callback
// body runs, and a second state transition never invokes it.
func TestOneshotCancelsBeforeUserCodeRuns(t *testing.T) {
	h := newHarness(t, "app1")

	var deliveries int
	var wasRegisteredDuringCallback bool
	id, err := h.cb.ListenState("light.k", func(entityID, attribute string, old, new *cache.EntityState) {
		deliveries++
		regs := h.reg.ListForApp("app1")
		for _, r := range regs {
			wasRegisteredDuringCallback = true
			_ = r
		}
	}, app.ListenOptions{Oneshot: true})
	require.NoError(t, err)
	_ = id

	off := &cache.EntityState{EntityID: "light.k", State: "off"}
	on := &cache.EntityState{EntityID: "light.k", State: "on"}

	publishStateChange(h.bus, "light.k", nil, off)
	h.bus.Drain()
	assert.Equal(t, 1, deliveries)
	assert.False(t, wasRegisteredDuringCallback, "registration must be gone before the callback body runs")

	publishStateChange(h.bus, "light.k", off, on)
	h.bus.Drain()
	assert.Equal(t, 1, deliveries, "oneshot listener must not fire a second time")
}

// TestImmediateListenerFiresEphemeralOnce covers spec §8 property 6:
// immediate=true fires the listener once against the current cached
// state with an ephemeral id never stored in the registration table.
func TestImmediateListenerFiresEphemeralOnce(t *testing.T) {
	h := newHarness(t, "app1")
	h.states["light.k"] = cache.EntityState{EntityID: "light.k", State: "on"}

	var deliveries int
	id, err := h.cb.ListenState("light.k", func(entityID, attribute string, old, new *cache.EntityState) {
		deliveries++
		require.NotNil(t, new)
		assert.Equal(t, "on", new.State)
	}, app.ListenOptions{Immediate: true})
	require.NoError(t, err)

	h.clk.Advance(2 * time.Millisecond)
	assert.Equal(t, 1, deliveries)

	regs := h.reg.ListForApp("app1")
	for _, r := range regs {
		assert.NotEqual(t, "", r.ID)
		assert.NotContains(t, r.ID, "ephemeral")
	}
	assert.Len(t, regs, 1, "only the real listen_state registration should be stored, not the ephemeral firing")
	assert.NotEqual(t, id, "")
}

// TestCancelRemovesBusSubscription verifies that Cancel actually tears
// down the underlying bus subscription, not just the register-table
// entry.
func TestCancelRemovesBusSubscription(t *testing.T) {
	h := newHarness(t, "app1")

	var deliveries int
	id, err := h.cb.ListenState("light.k", func(string, string, *cache.EntityState, *cache.EntityState) {
		deliveries++
	}, app.ListenOptions{})
	require.NoError(t, err)

	h.cb.Cancel(id)

	on := &cache.EntityState{EntityID: "light.k", State: "on"}
	publishStateChange(h.bus, "light.k", nil, on)
	h.bus.Drain()
	assert.Equal(t, 0, deliveries)
}
