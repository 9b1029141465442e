// Package wire implements the WebSocket transport to Home Assistant: the
// auth handshake, monotonic request/response correlation, and event/trigger
// subscription dispatch. It knows nothing about entity semantics or app
// lifecycle; those live in internal/cache and internal/engine.
package wire

import (
	"encoding/json"
	"regexp"
	"time"
)

// Envelope is the generic shape of every frame exchanged with Home
// Assistant. Inbound frames are decoded into an Envelope first; callers
// then unmarshal Result/Event into a concrete type once they know what
// they're looking at. This mirrors the teacher's Message type but keeps
// Result/Event as raw JSON instead of a fixed struct, since the spec
// requires the wire layer to be schema-agnostic.
type Envelope struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CommandError   `json:"error,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// CommandError is the {code,message} shape Home Assistant attaches to a
// failed "result" frame.
type CommandError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage is the client->server auth frame sent in response to
// auth_required.
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// EventEnvelope is the shape of an inbound "event" frame's Event field for
// a plain subscribe_events subscription.
type EventEnvelope struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired string          `json:"time_fired"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// TriggerEnvelope is the shape of an inbound "event" frame's Event field
// for a subscribe_trigger subscription: the trigger variables live under
// variables.trigger.
type TriggerEnvelope struct {
	Variables struct {
		Trigger json.RawMessage `json:"trigger"`
	} `json:"variables"`
}

// StateChangedData is the data payload of a state_changed event.
type StateChangedData struct {
	EntityID string          `json:"entity_id"`
	OldState json.RawMessage `json:"old_state"`
	NewState json.RawMessage `json:"new_state"`
}

// RawState is the wire shape of one entity's state, decoded lazily by
// internal/cache into its own EntityState type.
type RawState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged string                 `json:"last_changed"`
	LastUpdated string                 `json:"last_updated"`
}

// timestampPattern matches strings that look like a leading ISO-8601 date,
// used by the optional schema-agnostic timestamp parsing pass.
var timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// LooksLikeTimestamp reports whether s has the leading YYYY-MM-DD shape
// that the spec says should optionally be parsed into a time.Time.
func LooksLikeTimestamp(s string) bool {
	return timestampPattern.MatchString(s)
}

// ParseTimestamp parses an HA-formatted timestamp string (RFC3339 with
// fractional seconds), returning the zero time and false on failure.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999-07:00"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Outbound command shapes. These are thin RPCs; the wire layer marshals
// them as-is and assigns the id field before sending.

type subscribeEventsCmd struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

type subscribeTriggerCmd struct {
	ID      int64       `json:"id"`
	Type    string      `json:"type"`
	Trigger interface{} `json:"trigger"`
}

type unsubscribeEventsCmd struct {
	ID           int64 `json:"id"`
	Type         string `json:"type"`
	Subscription int64  `json:"subscription"`
}

type fireEventCmd struct {
	ID        int64       `json:"id"`
	Type      string      `json:"type"`
	EventType string      `json:"event_type"`
	EventData interface{} `json:"event_data,omitempty"`
}

// ServiceTarget selects which entities a call_service command applies to.
type ServiceTarget struct {
	EntityID []string `json:"entity_id,omitempty"`
}

type callServiceCmd struct {
	ID             int64          `json:"id"`
	Type           string         `json:"type"`
	Domain         string         `json:"domain"`
	Service        string         `json:"service"`
	ServiceData    interface{}    `json:"service_data,omitempty"`
	Target         *ServiceTarget `json:"target,omitempty"`
	ReturnResponse bool           `json:"return_response,omitempty"`
}

type getStatesCmd struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type getServicesCmd struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type searchRelatedCmd struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"`
	ItemType string `json:"item_type"`
	ItemID   string `json:"item_id"`
}
