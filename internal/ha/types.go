package ha

import (
	"encoding/json"
	"time"
)

// States a Home Assistant entity reports when it cannot be trusted.
const (
	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
	StateOn          = "on"
	StateOff         = "off"
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents an authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Available reports whether the state carries a usable value.
func (s *State) Available() bool {
	return s != nil && s.State != StateUnknown && s.State != StateUnavailable
}

// FloatAttribute returns a numeric attribute, or false when the
// attribute is missing or not numeric.
func (s *State) FloatAttribute(key string) (float64, bool) {
	if s == nil || s.Attributes == nil {
		return 0, false
	}
	switch v := s.Attributes[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// StringAttribute returns a string attribute, or "" when missing.
func (s *State) StringAttribute(key string) string {
	if s == nil || s.Attributes == nil {
		return ""
	}
	v, _ := s.Attributes[key].(string)
	return v
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// StateChangeHandler is called when a state change event is received
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription represents an active event subscription
type Subscription interface {
	Unsubscribe() error
}

// subscription implements Subscription for Client
type subscription struct {
	entityID string
	subID    int
	client   *Client
}

func (s *subscription) Unsubscribe() error {
	return s.client.unsubscribe(s.entityID, s.subID)
}
