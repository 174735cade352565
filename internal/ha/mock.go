package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient for testing. It keeps an in-memory
// state table, records service calls, and lets tests inject failures
// for specific services to exercise degraded paths.
type MockClient struct {
	states        map[string]*State
	statesMu      sync.RWMutex
	subscribers   map[string][]subscriberEntry
	subsMu        sync.RWMutex
	nextSubID     int
	nextSubIDMu   sync.Mutex
	connected     bool
	connMu        sync.RWMutex
	serviceCalls  []ServiceCall
	serviceErrors map[string]error
	callsMu       sync.Mutex
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// mockSubscription implements Subscription for MockClient
type mockSubscription struct {
	entityID string
	subID    int
	mock     *MockClient
}

func (s *mockSubscription) Unsubscribe() error {
	return s.mock.unsubscribe(s.entityID, s.subID)
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states:        make(map[string]*State),
		subscribers:   make(map[string][]subscriberEntry),
		serviceCalls:  make([]ServiceCall, 0),
		serviceErrors: make(map[string]error),
		connected:     true,
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	m.connected = false

	m.subsMu.Lock()
	m.subscribers = make(map[string][]subscriberEntry)
	m.subsMu.Unlock()
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	return state, nil
}

// GetAllStates retrieves all mock states
func (m *MockClient) GetAllStates() ([]*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	states := make([]*State, 0, len(m.states))
	for _, state := range m.states {
		states = append(states, state)
	}
	return states, nil
}

// EntityAvailable reports whether the mock entity is set and usable
func (m *MockClient) EntityAvailable(entityID string) bool {
	state, err := m.GetState(entityID)
	if err != nil {
		return false
	}
	return state.Available()
}

// SetServiceError makes future calls to domain.service fail with err.
// Pass nil to clear.
func (m *MockClient) SetServiceError(domain, service string, err error) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	key := domain + "." + service
	if err == nil {
		delete(m.serviceErrors, key)
		return
	}
	m.serviceErrors[key] = err
}

// CallService records a service call and applies its effect to state
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	m.callsMu.Lock()
	injected := m.serviceErrors[domain+"."+service]
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if injected != nil {
		return injected
	}

	if entityID, ok := data["entity_id"].(string); ok {
		m.applyServiceCall(entityID, domain, service, data)
	}
	return nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.nextSubIDMu.Lock()
	subID := m.nextSubID
	m.nextSubID++
	m.nextSubIDMu.Unlock()

	m.subsMu.Lock()
	m.subscribers[entityID] = append(m.subscribers[entityID], subscriberEntry{
		subID:   subID,
		handler: handler,
	})
	m.subsMu.Unlock()

	return &mockSubscription{
		entityID: entityID,
		subID:    subID,
		mock:     m,
	}, nil
}

func (m *MockClient) unsubscribe(entityID string, subID int) error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	subscribers, ok := m.subscribers[entityID]
	if !ok {
		return nil
	}

	for i, entry := range subscribers {
		if entry.subID == subID {
			m.subscribers[entityID] = append(subscribers[:i], subscribers[i+1:]...)
			if len(m.subscribers[entityID]) == 0 {
				delete(m.subscribers, entityID)
			}
			break
		}
	}
	return nil
}

// SetInputBoolean sets a mock input_boolean
func (m *MockClient) SetInputBoolean(name string, value bool) error {
	service := "turn_off"
	if value {
		service = "turn_on"
	}
	return m.CallService("input_boolean", service, map[string]interface{}{
		"entity_id": fmt.Sprintf("input_boolean.%s", name),
	})
}

// SetInputNumber sets a mock input_number
func (m *MockClient) SetInputNumber(name string, value float64) error {
	return m.CallService("input_number", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_number.%s", name),
		"value":     value,
	})
}

// SetInputText sets a mock input_text
func (m *MockClient) SetInputText(name string, value string) error {
	return m.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_text.%s", name),
		"value":     value,
	})
}

// SetState sets a mock state and notifies subscribers
func (m *MockClient) SetState(entityID string, stateValue string, attributes map[string]interface{}) {
	m.statesMu.Lock()
	now := time.Now()
	oldState := m.states[entityID]
	if attributes == nil {
		attributes = make(map[string]interface{})
	}

	newState := &State{
		EntityID:    entityID,
		State:       stateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// SetAttributes replaces an entity's attributes, keeping its state value
func (m *MockClient) SetAttributes(entityID string, attributes map[string]interface{}) {
	m.statesMu.RLock()
	current := m.states[entityID]
	m.statesMu.RUnlock()

	value := ""
	if current != nil {
		value = current.State
	}
	m.SetState(entityID, value, attributes)
}

// RemoveEntity deletes a mock entity entirely
func (m *MockClient) RemoveEntity(entityID string) {
	m.statesMu.Lock()
	delete(m.states, entityID)
	m.statesMu.Unlock()
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ServiceCallsFor filters recorded calls by domain and service
func (m *MockClient) ServiceCallsFor(domain, service string) []ServiceCall {
	var matched []ServiceCall
	for _, call := range m.GetServiceCalls() {
		if call.Domain == domain && call.Service == service {
			matched = append(matched, call)
		}
	}
	return matched
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = make([]ServiceCall, 0)
}

// applyServiceCall mutates mock state the way HA would
func (m *MockClient) applyServiceCall(entityID, domain, service string, data map[string]interface{}) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	now := time.Now()

	newStateValue := ""
	attributes := make(map[string]interface{})
	if oldState != nil {
		newStateValue = oldState.State
		for k, v := range oldState.Attributes {
			attributes[k] = v
		}
	}

	switch domain {
	case "input_boolean", "switch":
		if service == "turn_on" {
			newStateValue = StateOn
		} else if service == "turn_off" {
			newStateValue = StateOff
		}
	case "input_number":
		if value, ok := data["value"].(float64); ok {
			newStateValue = fmt.Sprintf("%g", value)
		}
	case "input_text":
		if value, ok := data["value"].(string); ok {
			newStateValue = value
		}
	case "climate":
		if service == "set_temperature" {
			if value, ok := data["temperature"].(float64); ok {
				attributes["temperature"] = value
			}
		}
	}

	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// notifySubscribers notifies all subscribers of a state change
func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := append([]subscriberEntry(nil), m.subscribers[entityID]...)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}
