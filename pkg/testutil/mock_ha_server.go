// Package testutil provides a mock Home Assistant WebSocket server and
// service-call recording helpers for integration tests against
// internal/wire, internal/cache, internal/facade, and internal/servent.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex.
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockHAServer simulates a Home Assistant WebSocket server: the
// auth handshake, subscribe_events/subscribe_trigger/get_states/
// call_service/fire_event, and broadcasting state_changed events to
// every connected client.
type MockHAServer struct {
	server       *http.Server
	addr         string
	states       map[string]*EntityState
	statesMu     sync.RWMutex
	connections  []*connWrapper
	connsMu      sync.Mutex
	eventDelay   time.Duration
	token        string
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message is the generic frame shape exchanged over the socket.
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Event represents a Home Assistant event frame.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Variables json.RawMessage `json:"variables,omitempty"`
}

// StateChangedEvent is the data payload of a state_changed event.
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// AuthMessage represents the client's auth frame.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// CallServiceRequest represents a call_service command.
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
	Target      *struct {
		EntityID []string `json:"entity_id,omitempty"`
	} `json:"target,omitempty"`
}

// GetStatesRequest represents a get_states command.
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events command.
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// SubscribeTriggerRequest represents a subscribe_trigger command.
type SubscribeTriggerRequest struct {
	ID      int             `json:"id"`
	Type    string          `json:"type"`
	Trigger json.RawMessage `json:"trigger"`
}

// UnsubscribeEventsRequest represents an unsubscribe_events command.
type UnsubscribeEventsRequest struct {
	ID           int   `json:"id"`
	Type         string `json:"type"`
	Subscription int   `json:"subscription"`
}

// FireEventRequest represents a fire_event command.
type FireEventRequest struct {
	ID        int             `json:"id"`
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data,omitempty"`
}

// NewMockHAServer creates a new mock HA server.
func NewMockHAServer(addr, token string) *MockHAServer {
	return &MockHAServer{
		addr:         addr,
		states:       make(map[string]*EntityState),
		connections:  make([]*connWrapper, 0),
		eventDelay:   10 * time.Millisecond,
		token:        token,
		serviceCalls: make([]ServiceCall, 0),
	}
}

// SetEventDelay sets the delay before broadcasting events, for
// exercising reconnect/race scenarios.
func (s *MockHAServer) SetEventDelay(delay time.Duration) {
	s.eventDelay = delay
}

// Start starts the mock server.
func (s *MockHAServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("mock HA server error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the mock server.
func (s *MockHAServer) Stop() error {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// SetState sets a state and broadcasts a state_changed event to every
// connected client.
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}

	s.states[entityID] = newState
	s.statesMu.Unlock()

	if s.eventDelay > 0 {
		time.Sleep(s.eventDelay)
	}
	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState retrieves a state.
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// FireTrigger broadcasts a subscribe_trigger-shaped event frame to
// every connection that subscribed, for tests driving trigger-based
// listeners directly rather than through a state change.
func (s *MockHAServer) FireTrigger(subscriptionID int, variables interface{}) {
	variablesJSON, _ := json.Marshal(map[string]interface{}{"trigger": variables})

	event := &Event{
		EventType: "",
		Variables: variablesJSON,
		Origin:    "LOCAL",
		TimeFired: time.Now(),
	}
	msg := Message{ID: subscriptionID, Type: "event", Event: event}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeMu.Lock()
		wrapper.conn.WriteJSON(msg)
		wrapper.writeMu.Unlock()
	}
}

// handleWebSocket drives the handshake and the command dispatch loop
// for one connection.
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("mock HA server: upgrade failed: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_required"})
	wrapper.writeMu.Unlock()

	var authMsg AuthMessage
	if err := conn.ReadJSON(&authMsg); err != nil {
		log.Printf("mock HA server: failed to read auth: %v", err)
		return
	}

	if authMsg.AccessToken != s.token {
		wrapper.writeMu.Lock()
		conn.WriteJSON(Message{Type: "auth_invalid"})
		wrapper.writeMu.Unlock()
		return
	}

	wrapper.writeMu.Lock()
	conn.WriteJSON(Message{Type: "auth_ok"})
	wrapper.writeMu.Unlock()

	for {
		var msg json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		var baseMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &baseMsg); err != nil {
			continue
		}

		switch baseMsg.Type {
		case "subscribe_events":
			s.handleSubscribeEvents(wrapper, msg)
		case "subscribe_trigger":
			s.handleSubscribeTrigger(wrapper, msg)
		case "unsubscribe_events":
			s.handleUnsubscribeEvents(wrapper, msg)
		case "get_states":
			s.handleGetStates(wrapper, msg)
		case "call_service":
			s.handleCallService(wrapper, msg)
		case "fire_event":
			s.handleFireEvent(wrapper, msg)
		}
	}
}

func (s *MockHAServer) handleSubscribeEvents(wrapper *connWrapper, msg json.RawMessage) {
	var req SubscribeEventsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	s.ackSuccess(wrapper, req.ID)
}

func (s *MockHAServer) handleSubscribeTrigger(wrapper *connWrapper, msg json.RawMessage) {
	var req SubscribeTriggerRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	s.ackSuccess(wrapper, req.ID)
}

func (s *MockHAServer) handleUnsubscribeEvents(wrapper *connWrapper, msg json.RawMessage) {
	var req UnsubscribeEventsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}
	s.ackSuccess(wrapper, req.ID)
}

func (s *MockHAServer) handleFireEvent(wrapper *connWrapper, msg json.RawMessage) {
	var req FireEventRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	event := &Event{EventType: req.EventType, Data: req.EventData, Origin: "LOCAL", TimeFired: time.Now()}
	broadcast := Message{Type: "event", Event: event}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()
	for _, w := range wrappers {
		w.writeMu.Lock()
		w.conn.WriteJSON(broadcast)
		w.writeMu.Unlock()
	}

	s.ackSuccess(wrapper, req.ID)
}

func (s *MockHAServer) handleGetStates(wrapper *connWrapper, msg json.RawMessage) {
	var req GetStatesRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.statesMu.RLock()
	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	s.statesMu.RUnlock()

	statesJSON, _ := json.Marshal(states)
	s.ackSuccessWithResult(wrapper, req.ID, statesJSON)
}

// handleCallService tracks every service call for test assertions, and
// additionally emulates servents.create_entity/update_state (the
// service envelope internal/servent depends on) plus a generic
// turn_on/turn_off state flip for any other domain so simple
// automations can be exercised without per-domain wiring.
func (s *MockHAServer) handleCallService(wrapper *connWrapper, msg json.RawMessage) {
	var req CallServiceRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return
	}

	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	switch req.Domain {
	case "servents":
		s.handleServentService(req)
	default:
		s.handleGenericService(req)
	}

	s.ackSuccess(wrapper, req.ID)
}

func (s *MockHAServer) handleServentService(req CallServiceRequest) {
	switch req.Service {
	case "create_entity":
		entities, _ := req.ServiceData["entities"].([]interface{})
		for _, raw := range entities {
			entity, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			serventID, _ := entity["servent_id"].(string)
			domain, _ := entity["domain"].(string)
			name, _ := entity["name"].(string)
			if serventID == "" || domain == "" {
				continue
			}
			entityID := fmt.Sprintf("%s.%s", domain, serventID)
			s.SetState(entityID, "unknown", map[string]interface{}{
				"servent_id":    serventID,
				"friendly_name": name,
			})
		}
	case "update_state":
		serventID, _ := req.ServiceData["servent_id"].(string)
		if serventID == "" {
			return
		}
		s.statesMu.RLock()
		var match *EntityState
		for _, st := range s.states {
			if id, ok := st.Attributes["servent_id"].(string); ok && id == serventID {
				match = st
				break
			}
		}
		s.statesMu.RUnlock()
		if match == nil {
			return
		}

		attrs := match.Attributes
		if extra, ok := req.ServiceData["attributes"].(map[string]interface{}); ok {
			merged := make(map[string]interface{}, len(attrs)+len(extra))
			for k, v := range attrs {
				merged[k] = v
			}
			for k, v := range extra {
				merged[k] = v
			}
			attrs = merged
		}

		newState := fmt.Sprintf("%v", req.ServiceData["state"])
		s.SetState(match.EntityID, newState, attrs)
	}
}

// handleGenericService implements the common turn_on/turn_off
// convention shared by most HA domains, sufficient for exercising
// automations that flip a switch/light-shaped entity without requiring
// per-domain branches.
func (s *MockHAServer) handleGenericService(req CallServiceRequest) {
	entityID, _ := req.ServiceData["entity_id"].(string)
	if entityID == "" && req.Target != nil && len(req.Target.EntityID) > 0 {
		entityID = req.Target.EntityID[0]
	}
	if entityID == "" {
		return
	}

	s.statesMu.RLock()
	oldState := s.states[entityID]
	s.statesMu.RUnlock()
	if oldState == nil {
		return
	}

	switch req.Service {
	case "turn_on":
		s.SetState(entityID, "on", oldState.Attributes)
	case "turn_off":
		s.SetState(entityID, "off", oldState.Attributes)
	}
}

func (s *MockHAServer) ackSuccess(wrapper *connWrapper, id int) {
	success := true
	wrapper.writeMu.Lock()
	wrapper.conn.WriteJSON(Message{ID: id, Type: "result", Success: &success})
	wrapper.writeMu.Unlock()
}

func (s *MockHAServer) ackSuccessWithResult(wrapper *connWrapper, id int, result json.RawMessage) {
	success := true
	wrapper.writeMu.Lock()
	wrapper.conn.WriteJSON(Message{ID: id, Type: "result", Success: &success, Result: result})
	wrapper.writeMu.Unlock()
}

// broadcastStateChange broadcasts a state change event to all
// connections.
func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	eventData := StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	}
	eventDataJSON, _ := json.Marshal(eventData)

	event := &Event{
		EventType: "state_changed",
		Data:      eventDataJSON,
		Origin:    "LOCAL",
		TimeFired: time.Now(),
	}
	msg := Message{Type: "event", Event: event}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.writeMu.Lock()
		wrapper.conn.WriteJSON(msg)
		wrapper.writeMu.Unlock()
	}
}

// GetServiceCalls returns all service calls recorded so far.
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log.
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// FindServiceCall finds the most recent service call matching domain,
// service, and (if non-empty) entity id.
func (s *MockHAServer) FindServiceCall(domain, service, entityID string) *ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	for i := len(s.serviceCalls) - 1; i >= 0; i-- {
		call := s.serviceCalls[i]
		if call.Domain != domain || call.Service != service {
			continue
		}
		if entityID == "" {
			return &call
		}
		if eid, ok := call.ServiceData["entity_id"].(string); ok && eid == entityID {
			return &call
		}
	}
	return nil
}

// CountServiceCalls counts service calls matching domain/service.
func (s *MockHAServer) CountServiceCalls(domain, service string) int {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()

	count := 0
	for _, call := range s.serviceCalls {
		if call.Domain == domain && call.Service == service {
			count++
		}
	}
	return count
}
