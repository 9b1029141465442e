package cache

import (
	"encoding/json"

	"go.uber.org/zap"

	"habitat/internal/wire"
)

// StateChangedPayload is handed to state_changed subscribers: both the
// composite state_changed=<entity_id> listeners and the generic
// state_changed listeners receive the same shape.
type StateChangedPayload struct {
	EntityID string
	Old      *EntityState
	New      *EntityState
}

// EventStateChanged is the HA event type carrying entity updates.
const EventStateChanged = "state_changed"

// Manager is spec component B: the canonical entity cache plus the
// generic event bus, wired together so that applying a state_changed
// frame from the wire client both updates the cache and republishes the
// two derived events the rest of the runtime listens on.
type Manager struct {
	logger *zap.Logger
	Cache  *EntityCache
	Bus    *EventBus
}

// NewManager constructs an empty Manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger: logger,
		Cache:  newEntityCache(),
		Bus:    newEventBus(logger),
	}
}

// Seed loads the cache from a get_states snapshot.
func (m *Manager) Seed(raws []wire.RawState) {
	m.Cache.Seed(raws)
}

// IngestEvent is the single entry point fed by the wire client's
// catch-all event subscription. state_changed frames get the cache
// update + dual-publish treatment from spec §4.2; every other event
// type is republished on the bus verbatim so event listeners (including
// the engine's own homeassistant_stop/homeassistant_started listeners)
// can react to it.
func (m *Manager) IngestEvent(eventType string, data json.RawMessage) {
	if eventType != EventStateChanged {
		m.Bus.Publish(eventType, data)
		return
	}

	var sc wire.StateChangedData
	if err := json.Unmarshal(data, &sc); err != nil {
		m.logger.Warn("cache: malformed state_changed event", zap.Error(err))
		return
	}

	if len(sc.NewState) == 0 || string(sc.NewState) == "null" {
		var old *EntityState
		if prev, ok := m.Cache.Get(sc.EntityID); ok {
			o := prev
			old = &o
		}
		m.Cache.evict(sc.EntityID)
		m.publishStateChanged(sc.EntityID, old, nil)
		return
	}

	var raw wire.RawState
	if err := json.Unmarshal(sc.NewState, &raw); err != nil {
		m.logger.Warn("cache: malformed new_state", zap.Error(err))
		return
	}
	raw.EntityID = sc.EntityID
	next := stateFromRaw(raw)

	var old *EntityState
	if prev, ok := m.Cache.Get(sc.EntityID); ok {
		o := prev
		old = &o
	}

	switch m.Cache.put(next) {
	case applied:
		m.publishStateChanged(sc.EntityID, old, &next)
	case droppedEqual:
		// Equal-timestamp updates are dropped silently per spec §4.2.
	case droppedStale:
		m.logger.Error("cache: stale state_changed ignored",
			zap.String("entity_id", sc.EntityID),
			zap.Time("incoming_last_updated", next.LastUpdated),
			zap.Time("cached_last_updated", old.LastUpdated))
	}
}

func (m *Manager) publishStateChanged(entityID string, old, new *EntityState) {
	payload := StateChangedPayload{EntityID: entityID, Old: old, New: new}
	m.Bus.Publish(EventStateChanged+"="+entityID, payload)
	m.Bus.Publish(EventStateChanged, payload)
}

// GetState returns the cached state string for entityID.
func (m *Manager) GetState(entityID string) (string, bool) {
	s, ok := m.Cache.Get(entityID)
	if !ok {
		return "", false
	}
	return s.State, true
}

// GetAttribute returns a single attribute's value for entityID.
func (m *Manager) GetAttribute(entityID, attr string) (interface{}, bool) {
	s, ok := m.Cache.Get(entityID)
	if !ok {
		return nil, false
	}
	return s.Attr(attr)
}

// FindByAttribute scans the cache for an entity whose attribute attr
// equals value. Used by the Servent layer (spec §4.6) to resolve a
// servent_id to its HA-assigned entity_id.
func (m *Manager) FindByAttribute(attr string, value interface{}) (EntityState, bool) {
	for _, s := range m.Cache.All() {
		if v, ok := s.Attr(attr); ok && v == value {
			return s, true
		}
	}
	return EntityState{}, false
}
