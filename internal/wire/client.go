package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"habitat/internal/clock"
)

// ConnState is the connection lifecycle observed by everything above the
// wire layer (the cache's HA-lifecycle handling, the engine's bulk
// stop/start). It is intentionally coarser than the websocket library's
// own states.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "DISCONNECTED"
	}
}

// EventCallback receives a decoded subscribe_events frame.
type EventCallback func(eventType string, data json.RawMessage)

// TriggerCallback receives a decoded subscribe_trigger frame.
type TriggerCallback func(subID string, triggerVars json.RawMessage)

// StateCallback is notified on every connection-state transition.
type StateCallback func(ConnState)

// CommandErr wraps an HA "error" result as described in §7 of the spec:
// a Command error is surfaced on the originating request's future.
type CommandErr struct {
	Code    string
	Message string
	Cmd     string
}

func (e *CommandErr) Error() string {
	return fmt.Sprintf("ha command %q failed: %s: %s", e.Cmd, e.Code, e.Message)
}

// ConnErr marks a future failed because the transport was lost before (or
// while) a response arrived.
type ConnErr struct {
	Cause error
}

func (e *ConnErr) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection lost: %v", e.Cause)
	}
	return "connection lost"
}

func (e *ConnErr) Unwrap() error { return e.Cause }

// AuthFailed means Home Assistant rejected our access token. It is fatal
// to the session; the client does not retry auth with the same token.
type AuthFailed struct {
	Reason string
}

func (e *AuthFailed) Error() string { return "ha auth failed: " + e.Reason }

// cmdResult is what completes a pendingCmd's respCh: either the matched
// response Envelope, or err set to a *ConnErr if the connection died
// before (or while) a response arrived. Exactly one of the two is set.
type cmdResult struct {
	env *Envelope
	err error
}

type pendingCmd struct {
	cmd    string
	respCh chan cmdResult
}

// Client maintains a single duplex WebSocket connection to Home
// Assistant. It owns the op-id space and the subscription-id space
// (spec §3 Ownership), and is the only component that touches the
// socket.
//
// The generalized request/response and subscription mechanics here are
// the multi-subscriber evolution of the teacher's internal/ha.Client,
// which hardcoded a handful of input_boolean/number/text helpers on top
// of the same handshake and reconnect loop.
type Client struct {
	url   string
	token string

	logger *zap.Logger
	clk    clock.Clock

	parseTimestamps bool
	callbackTimeout time.Duration
	minBackoff      time.Duration
	maxBackoff      time.Duration

	connMu sync.RWMutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	nextID int64 // atomic, reset to 0 on each fresh connection

	pendingMu sync.Mutex
	pending   map[int64]*pendingCmd

	subsMu      sync.RWMutex
	eventSubs   map[int64]EventCallback
	triggerSubs map[int64]TriggerCallback

	stateMu sync.RWMutex
	stateCb StateCallback

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures optional Client behavior.
type Option func(*Client)

// WithParseTimestamps sets the client's parseTimestamps flag (default
// on). No code path reads the flag: inbound frames are passed on as raw
// JSON and no timestamp-string parsing pass runs on them.
func WithParseTimestamps(on bool) Option {
	return func(c *Client) { c.parseTimestamps = on }
}

// WithCallbackTimeout overrides the 5s per-invocation subscriber dispatch
// timeout from spec §4.1/§5.
func WithCallbackTimeout(d time.Duration) Option {
	return func(c *Client) { c.callbackTimeout = d }
}

// WithBackoff overrides the reconnect backoff bounds (default 1s..30s,
// matching the teacher's client.go).
func WithBackoff(min, max time.Duration) Option {
	return func(c *Client) { c.minBackoff, c.maxBackoff = min, max }
}

// NewClient constructs a Client against the given HA WebSocket URL and
// long-lived access token. clk lets reconnect backoff be driven
// deterministically in tests via clock.MockClock.
func NewClient(url, token string, logger *zap.Logger, clk clock.Clock, opts ...Option) *Client {
	c := &Client{
		url:             url,
		token:           token,
		logger:          logger,
		clk:             clk,
		parseTimestamps: true,
		callbackTimeout: 5 * time.Second,
		minBackoff:      1 * time.Second,
		maxBackoff:      30 * time.Second,
		pending:         make(map[int64]*pendingCmd),
		eventSubs:       make(map[int64]EventCallback),
		triggerSubs:     make(map[int64]TriggerCallback),
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnStateChange registers the single connection-state observer. The
// engine uses this to drive bulk stop/start (spec §4.4).
func (c *Client) OnStateChange(cb StateCallback) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateCb = cb
}

func (c *Client) notifyState(s ConnState) {
	c.stateMu.RLock()
	cb := c.stateCb
	c.stateMu.RUnlock()
	if cb != nil {
		cb(s)
	}
}

// Run dials Home Assistant, performs the auth handshake, and then
// services the connection until ctx is cancelled or Stop is called. On
// transport loss it redials with unbounded retries and exponential
// backoff, per spec §4.1 Reconnection & ordering. It returns only when
// the connection is being shut down for good (ctx done / Stop), or
// immediately with AuthFailed whenever a handshake is rejected.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		c.notifyState(Connecting)
		err := c.connectAndServe(ctx)
		if err != nil {
			var authErr *AuthFailed
			if asAuthFailed(err, &authErr) {
				return authErr
			}
		}
		c.notifyState(Disconnected)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case <-c.clk.After(backoff):
		}

		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func asAuthFailed(err error, target **AuthFailed) bool {
	af, ok := err.(*AuthFailed)
	if ok {
		*target = af
	}
	return ok
}

// Stop terminates Run's reconnect loop and closes the current socket, if
// any.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// connectAndServe performs one dial+handshake+read-loop cycle. It
// returns when the socket dies (error) or ctx/stop fires (nil).
func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &ConnErr{Cause: err}
	}

	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	atomic.StoreInt64(&c.nextID, 0)
	// Fresh op-id domain per connection per spec §4.1: subscription ids
	// from a previous connection are meaningless to this one.
	c.subsMu.Lock()
	c.eventSubs = make(map[int64]EventCallback)
	c.triggerSubs = make(map[int64]TriggerCallback)
	c.subsMu.Unlock()

	c.notifyState(Connected)

	readErr := c.readLoop(conn)

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()

	c.failAllPending(&ConnErr{Cause: readErr})
	return readErr
}

// handshake performs the auth_required -> auth -> auth_ok exchange
// described in spec §4.1/§6.
func (c *Client) handshake(conn *websocket.Conn) error {
	var required Envelope
	if err := conn.ReadJSON(&required); err != nil {
		return &ConnErr{Cause: err}
	}
	if required.Type != "auth_required" {
		return &ConnErr{Cause: fmt.Errorf("expected auth_required, got %q", required.Type)}
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: c.token}); err != nil {
		return &ConnErr{Cause: err}
	}

	var authResp Envelope
	if err := conn.ReadJSON(&authResp); err != nil {
		return &ConnErr{Cause: err}
	}
	switch authResp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return &AuthFailed{Reason: "invalid access token"}
	default:
		return &AuthFailed{Reason: "unexpected response: " + authResp.Type}
	}
}

// readLoop is the single reader task from spec §4.1's "detail floor":
// it drains the socket and dispatches. It owns the socket's read side
// exclusively; writes go out on writeMu from whichever goroutine calls
// send/sendCommand.
func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Type {
		case "result":
			c.completeOne(env.ID, &env)
		case "event":
			c.dispatchEvent(env.ID, env.Event)
		case "pong":
			// no-op; ping/pong keepalive is handled by the library transport.
		default:
			c.logger.Debug("wire: unrecognized frame type", zap.String("type", env.Type))
		}
	}
}

func (c *Client) completeOne(id int64, env *Envelope) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	p.respCh <- cmdResult{env: env}
}

// failAllPending implements spec §4.1's "detail floor": on reader exit,
// every pending future is failed exactly once with ConnErr — not a
// synthesized CommandErr, which spec §7 reserves for HA-returned
// command failures on a still-live connection.
func (c *Client) failAllPending(err *ConnErr) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCmd)
	c.pendingMu.Unlock()

	for _, p := range pending {
		p.respCh <- cmdResult{err: err}
	}
}

func (c *Client) dispatchEvent(subID int64, raw json.RawMessage) {
	c.subsMu.RLock()
	eventCb, isEvent := c.eventSubs[subID]
	triggerCb, isTrigger := c.triggerSubs[subID]
	c.subsMu.RUnlock()

	if !isEvent && !isTrigger {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("wire: subscriber panic", zap.Any("recover", r))
			}
		}()
		if isEvent {
			var ev EventEnvelope
			if err := json.Unmarshal(raw, &ev); err != nil {
				c.logger.Warn("wire: malformed event frame", zap.Error(err))
				return
			}
			eventCb(ev.EventType, ev.Data)
			return
		}
		var trig TriggerEnvelope
		if err := json.Unmarshal(raw, &trig); err != nil {
			c.logger.Warn("wire: malformed trigger frame", zap.Error(err))
			return
		}
		triggerCb(subscriptionKey(subID), trig.Variables.Trigger)
	}()

	select {
	case <-done:
	case <-c.clk.After(c.callbackTimeout):
		c.logger.Debug("wire: subscriber dispatch timed out", zap.Int64("sub_id", subID))
	}
}

func subscriptionKey(subID int64) string {
	return fmt.Sprintf("%d", subID)
}

// sendCommand assigns the next op-id, sends cmd as JSON with that id
// spliced in, and blocks for the matching result frame (or connection
// loss). cmd must be one of the *Cmd structs in types.go; its ID field
// is set here.
func (c *Client) sendCommand(ctx context.Context, cmdName string, withID func(id int64) interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	payload := withID(id)

	respCh := make(chan cmdResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = &pendingCmd{cmd: cmdName, respCh: respCh}
	c.pendingMu.Unlock()

	if err := c.writeJSON(payload); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, &ConnErr{Cause: err}
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		env := res.env
		if env.Error != nil {
			return nil, &CommandErr{Code: env.Error.Code, Message: env.Error.Message, Cmd: cmdName}
		}
		if env.Success != nil && !*env.Success {
			return nil, &CommandErr{Code: "-1", Message: "success=false without error", Cmd: cmdName}
		}
		return env.Result, nil
	}
}

func (c *Client) writeJSON(v interface{}) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// GetStates issues get_states and returns the raw per-entity states.
func (c *Client) GetStates(ctx context.Context) ([]RawState, error) {
	raw, err := c.sendCommand(ctx, "get_states", func(id int64) interface{} {
		return getStatesCmd{ID: id, Type: "get_states"}
	})
	if err != nil {
		return nil, err
	}
	var states []RawState
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("wire: decode get_states: %w", err)
	}
	return states, nil
}

// GetServices issues get_services and returns the opaque service
// catalog; the core treats its contents as opaque per spec §1.
func (c *Client) GetServices(ctx context.Context) (json.RawMessage, error) {
	return c.sendCommand(ctx, "get_services", func(id int64) interface{} {
		return getServicesCmd{ID: id, Type: "get_services"}
	})
}

// SearchRelated issues search/related for the given item.
func (c *Client) SearchRelated(ctx context.Context, itemType, itemID string) (json.RawMessage, error) {
	return c.sendCommand(ctx, "search/related", func(id int64) interface{} {
		return searchRelatedCmd{ID: id, Type: "search/related", ItemType: itemType, ItemID: itemID}
	})
}

// FireEvent issues fire_event.
func (c *Client) FireEvent(ctx context.Context, eventType string, data interface{}) error {
	_, err := c.sendCommand(ctx, "fire_event", func(id int64) interface{} {
		return fireEventCmd{ID: id, Type: "fire_event", EventType: eventType, EventData: data}
	})
	return err
}

// CallServiceRequest is the argument bundle for CallService.
type CallServiceRequest struct {
	Domain         string
	Service        string
	Data           interface{}
	EntityIDs      []string
	ReturnResponse bool
}

// CallService issues call_service. Per spec §7, if HA responds with the
// literal error "Service call requires responses but caller did not ask
// for responses", a single retry is performed with ReturnResponse=true.
// This is the only place the retry lives: internal/facade forwards to
// CallService unchanged, so facade callers and direct callers get the
// same contract.
func (c *Client) CallService(ctx context.Context, req CallServiceRequest) (json.RawMessage, error) {
	result, err := c.callServiceOnce(ctx, req)
	var cmdErr *CommandErr
	if err != nil && asCommandErr(err, &cmdErr) && !req.ReturnResponse &&
		cmdErr.Message == "Service call requires responses but caller did not ask for responses" {
		req.ReturnResponse = true
		return c.callServiceOnce(ctx, req)
	}
	return result, err
}

func (c *Client) callServiceOnce(ctx context.Context, req CallServiceRequest) (json.RawMessage, error) {
	var target *ServiceTarget
	if len(req.EntityIDs) > 0 {
		target = &ServiceTarget{EntityID: req.EntityIDs}
	}
	return c.sendCommand(ctx, "call_service", func(id int64) interface{} {
		return callServiceCmd{
			ID:             id,
			Type:           "call_service",
			Domain:         req.Domain,
			Service:        req.Service,
			ServiceData:    req.Data,
			Target:         target,
			ReturnResponse: req.ReturnResponse,
		}
	})
}

func asCommandErr(err error, target **CommandErr) bool {
	ce, ok := err.(*CommandErr)
	if ok {
		*target = ce
	}
	return ok
}

// SubscribeEvents subscribes to HA events, optionally filtered to
// eventType (empty means all events), and returns a subscription id
// scoped to this connection. Subsequent inbound event frames matching
// this subscription invoke cb with a 5s dispatch timeout (spec §4.1).
func (c *Client) SubscribeEvents(ctx context.Context, eventType string, cb EventCallback) (string, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	_, err := c.sendRaw(ctx, id, "subscribe_events", subscribeEventsCmd{ID: id, Type: "subscribe_events", EventType: eventType})
	if err != nil {
		return "", err
	}
	c.subsMu.Lock()
	c.eventSubs[id] = cb
	c.subsMu.Unlock()
	return subscriptionKey(id), nil
}

// SubscribeTrigger subscribes to an opaque HA trigger spec and returns a
// subscription id.
func (c *Client) SubscribeTrigger(ctx context.Context, trigger interface{}, cb TriggerCallback) (string, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	_, err := c.sendRaw(ctx, id, "subscribe_trigger", subscribeTriggerCmd{ID: id, Type: "subscribe_trigger", Trigger: trigger})
	if err != nil {
		return "", err
	}
	c.subsMu.Lock()
	c.triggerSubs[id] = cb
	c.subsMu.Unlock()
	return subscriptionKey(id), nil
}

// UnsubscribeEvents cancels either kind of subscription by its id.
func (c *Client) UnsubscribeEvents(ctx context.Context, subID string) error {
	var id int64
	if _, err := fmt.Sscanf(subID, "%d", &id); err != nil {
		return fmt.Errorf("wire: malformed subscription id %q", subID)
	}

	c.subsMu.Lock()
	delete(c.eventSubs, id)
	delete(c.triggerSubs, id)
	c.subsMu.Unlock()

	_, err := c.sendCommand(ctx, "unsubscribe_events", func(cmdID int64) interface{} {
		return unsubscribeEventsCmd{ID: cmdID, Type: "unsubscribe_events", Subscription: id}
	})
	return err
}

// sendRaw is like sendCommand but the caller already knows the id it
// wants to use (subscribe_events/subscribe_trigger reuse their assigned
// op-id as the subsequent subscription id, matching HA's protocol).
func (c *Client) sendRaw(ctx context.Context, id int64, cmdName string, payload interface{}) (json.RawMessage, error) {
	respCh := make(chan cmdResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = &pendingCmd{cmd: cmdName, respCh: respCh}
	c.pendingMu.Unlock()

	if err := c.writeJSON(payload); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, &ConnErr{Cause: err}
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case res := <-respCh:
		if res.err != nil {
			return nil, res.err
		}
		env := res.env
		if env.Error != nil {
			return nil, &CommandErr{Code: env.Error.Code, Message: env.Error.Message, Cmd: cmdName}
		}
		return env.Result, nil
	}
}

// NewCallbackID mints a globally unique id for the Callback Register
// (spec §4.4), not to be confused with the wire layer's own per-connection
// op-ids/subscription-ids above.
func NewCallbackID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
