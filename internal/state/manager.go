// Package state synchronizes the daemon's per-device exposed state
// (boost flags, selectors, timestamps) with the Home Assistant helper
// entities that back it. The cache is authoritative between syncs;
// writes go through to HA and roll back on failure.
package state

import (
	"fmt"
	"strconv"
	"sync"

	"thermoboost/internal/ha"

	"go.uber.org/zap"
)

// StateChangeHandler is called when a state variable changes
type StateChangeHandler func(key string, oldValue, newValue interface{})

// Subscription represents an active state change subscription
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	key     string
	manager *Manager
}

func (s *subscription) Unsubscribe() {
	s.manager.unsubscribe(s.key)
}

// Manager manages state synchronization with Home Assistant
type Manager struct {
	client      ha.HAClient
	logger      *zap.Logger
	cache       map[string]interface{}
	cacheMu     sync.RWMutex
	variables   map[string]StateVariable
	subscribers map[string][]StateChangeHandler
	subsMu      sync.RWMutex
	haSubs      map[string]ha.Subscription
}

// NewManager creates a state manager for the given variable table.
func NewManager(client ha.HAClient, variables []StateVariable, logger *zap.Logger) *Manager {
	byKey := make(map[string]StateVariable, len(variables))
	for _, v := range variables {
		byKey[v.Key] = v
	}

	return &Manager{
		client:      client,
		logger:      logger.Named("state"),
		cache:       make(map[string]interface{}),
		variables:   byKey,
		subscribers: make(map[string][]StateChangeHandler),
		haSubs:      make(map[string]ha.Subscription),
	}
}

// SyncFromHA reads all state variables from Home Assistant and
// subscribes to their backing entities.
func (m *Manager) SyncFromHA() error {
	m.logger.Info("Syncing state from Home Assistant...")

	states, err := m.client.GetAllStates()
	if err != nil {
		return fmt.Errorf("failed to get states: %w", err)
	}

	stateMap := make(map[string]*ha.State)
	for _, state := range states {
		stateMap[state.EntityID] = state
	}

	syncCount := 0
	for _, variable := range m.variables {
		state, ok := stateMap[variable.EntityID]
		if !ok || !state.Available() {
			m.logger.Warn("Entity not usable in HA, using default",
				zap.String("entity_id", variable.EntityID),
				zap.String("key", variable.Key))
			m.cacheMu.Lock()
			m.cache[variable.Key] = variable.Default
			m.cacheMu.Unlock()
		} else {
			value, err := parseStateValue(state.State, variable.Type)
			if err != nil {
				m.logger.Error("Failed to parse state value",
					zap.String("entity_id", variable.EntityID),
					zap.String("key", variable.Key),
					zap.Error(err))
				value = variable.Default
			} else {
				syncCount++
			}
			m.cacheMu.Lock()
			m.cache[variable.Key] = value
			m.cacheMu.Unlock()
		}

		if err := m.subscribeToEntity(variable.EntityID, variable.Key); err != nil {
			m.logger.Warn("Failed to subscribe to entity",
				zap.String("entity_id", variable.EntityID),
				zap.Error(err))
		}
	}

	m.logger.Info("State sync complete",
		zap.Int("synced", syncCount),
		zap.Int("total", len(m.variables)))
	return nil
}

// parseStateValue parses a state string into the appropriate type
func parseStateValue(stateStr string, varType StateType) (interface{}, error) {
	switch varType {
	case TypeBool:
		return stateStr == ha.StateOn, nil
	case TypeNumber:
		return strconv.ParseFloat(stateStr, 64)
	case TypeString:
		return stateStr, nil
	default:
		return nil, fmt.Errorf("unknown type: %s", varType)
	}
}

// subscribeToEntity keeps the cache current with HA-side edits
func (m *Manager) subscribeToEntity(entityID, key string) error {
	sub, err := m.client.SubscribeStateChanges(entityID, func(entity string, oldState, newState *ha.State) {
		if !newState.Available() {
			return
		}

		variable, ok := m.variables[key]
		if !ok {
			return
		}

		newValue, err := parseStateValue(newState.State, variable.Type)
		if err != nil {
			m.logger.Error("Failed to parse state change",
				zap.String("entity_id", entityID),
				zap.String("key", key),
				zap.Error(err))
			return
		}

		m.cacheMu.Lock()
		oldValue := m.cache[key]
		m.cache[key] = newValue
		m.cacheMu.Unlock()

		m.logger.Debug("State changed",
			zap.String("key", key),
			zap.Any("old", oldValue),
			zap.Any("new", newValue))

		m.notifySubscribers(key, oldValue, newValue)
	})

	if err != nil {
		return err
	}

	m.haSubs[entityID] = sub
	return nil
}

// notifySubscribers notifies all subscribers of a state change
func (m *Manager) notifySubscribers(key string, oldValue, newValue interface{}) {
	m.subsMu.RLock()
	handlers := m.subscribers[key]
	m.subsMu.RUnlock()

	for _, handler := range handlers {
		go handler(key, oldValue, newValue)
	}
}

// GetBool retrieves a boolean state variable
func (m *Manager) GetBool(key string) (bool, error) {
	variable, ok := m.variables[key]
	if !ok {
		return false, fmt.Errorf("variable %s not found", key)
	}
	if variable.Type != TypeBool {
		return false, fmt.Errorf("variable %s is not a boolean", key)
	}

	m.cacheMu.RLock()
	value, ok := m.cache[key]
	m.cacheMu.RUnlock()

	if !ok {
		return variable.Default.(bool), nil
	}

	boolValue, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("cached value for %s is not a boolean", key)
	}
	return boolValue, nil
}

// SetBool sets a boolean state variable
func (m *Manager) SetBool(key string, value bool) error {
	variable, ok := m.variables[key]
	if !ok {
		return fmt.Errorf("variable %s not found", key)
	}
	if variable.Type != TypeBool {
		return fmt.Errorf("variable %s is not a boolean", key)
	}

	m.cacheMu.Lock()
	oldValue := m.cache[key]
	m.cache[key] = value
	m.cacheMu.Unlock()

	entityName := extractEntityName(variable.EntityID)
	if err := m.client.SetInputBoolean(entityName, value); err != nil {
		// Roll the cache back so readers never see an unsynced value
		m.cacheMu.Lock()
		m.cache[key] = oldValue
		m.cacheMu.Unlock()
		return fmt.Errorf("failed to set HA value: %w", err)
	}
	return nil
}

// GetString retrieves a string state variable
func (m *Manager) GetString(key string) (string, error) {
	variable, ok := m.variables[key]
	if !ok {
		return "", fmt.Errorf("variable %s not found", key)
	}
	if variable.Type != TypeString {
		return "", fmt.Errorf("variable %s is not a string", key)
	}

	m.cacheMu.RLock()
	value, ok := m.cache[key]
	m.cacheMu.RUnlock()

	if !ok {
		return variable.Default.(string), nil
	}

	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("cached value for %s is not a string", key)
	}
	return strValue, nil
}

// SetString sets a string state variable
func (m *Manager) SetString(key string, value string) error {
	variable, ok := m.variables[key]
	if !ok {
		return fmt.Errorf("variable %s not found", key)
	}
	if variable.Type != TypeString {
		return fmt.Errorf("variable %s is not a string", key)
	}

	m.cacheMu.Lock()
	oldValue := m.cache[key]
	m.cache[key] = value
	m.cacheMu.Unlock()

	entityName := extractEntityName(variable.EntityID)
	if err := m.client.SetInputText(entityName, value); err != nil {
		m.cacheMu.Lock()
		m.cache[key] = oldValue
		m.cacheMu.Unlock()
		return fmt.Errorf("failed to set HA value: %w", err)
	}
	return nil
}

// GetNumber retrieves a number state variable
func (m *Manager) GetNumber(key string) (float64, error) {
	variable, ok := m.variables[key]
	if !ok {
		return 0, fmt.Errorf("variable %s not found", key)
	}
	if variable.Type != TypeNumber {
		return 0, fmt.Errorf("variable %s is not a number", key)
	}

	m.cacheMu.RLock()
	value, ok := m.cache[key]
	m.cacheMu.RUnlock()

	if !ok {
		return variable.Default.(float64), nil
	}

	numValue, ok := value.(float64)
	if !ok {
		return 0, fmt.Errorf("cached value for %s is not a number", key)
	}
	return numValue, nil
}

// SetNumber sets a number state variable
func (m *Manager) SetNumber(key string, value float64) error {
	variable, ok := m.variables[key]
	if !ok {
		return fmt.Errorf("variable %s not found", key)
	}
	if variable.Type != TypeNumber {
		return fmt.Errorf("variable %s is not a number", key)
	}

	m.cacheMu.Lock()
	oldValue := m.cache[key]
	m.cache[key] = value
	m.cacheMu.Unlock()

	entityName := extractEntityName(variable.EntityID)
	if err := m.client.SetInputNumber(entityName, value); err != nil {
		m.cacheMu.Lock()
		m.cache[key] = oldValue
		m.cacheMu.Unlock()
		return fmt.Errorf("failed to set HA value: %w", err)
	}
	return nil
}

// Subscribe subscribes to state changes for a variable
func (m *Manager) Subscribe(key string, handler StateChangeHandler) (Subscription, error) {
	if _, ok := m.variables[key]; !ok {
		return nil, fmt.Errorf("variable %s not found", key)
	}

	m.subsMu.Lock()
	m.subscribers[key] = append(m.subscribers[key], handler)
	m.subsMu.Unlock()

	return &subscription{
		key:     key,
		manager: m,
	}, nil
}

// unsubscribe removes all subscriptions for a key
func (m *Manager) unsubscribe(key string) {
	m.subsMu.Lock()
	delete(m.subscribers, key)
	m.subsMu.Unlock()
}

// GetAllValues returns a copy of all cached values
func (m *Manager) GetAllValues() map[string]interface{} {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	values := make(map[string]interface{})
	for k, v := range m.cache {
		values[k] = v
	}
	return values
}

// extractEntityName extracts the helper name from a full entity ID,
// e.g. "input_boolean.kitchen_boost_active" -> "kitchen_boost_active"
func extractEntityName(entityID string) string {
	for i := len(entityID) - 1; i >= 0; i-- {
		if entityID[i] == '.' {
			return entityID[i+1:]
		}
	}
	return entityID
}
