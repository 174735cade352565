// Package heatdemand derives the aggregate call-for-heat signal: true
// whenever at least one enabled thermostat is actively heating. The
// signal drives an external heat source and is recomputed on every
// relevant state change, independent of boost sessions.
package heatdemand

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"thermoboost/internal/config"
	"thermoboost/internal/ha"
	"thermoboost/internal/state"
)

// Aggregator watches enabled devices' heating status and maintains the
// aggregate call-for-heat flag.
type Aggregator struct {
	client  ha.HAClient
	states  *state.Manager
	devices []config.DeviceConfig
	logger  *zap.Logger

	mu      sync.Mutex
	heating map[string]bool
	current bool

	stateSubs []state.Subscription
	haSubs    []ha.Subscription
}

// NewAggregator creates an aggregator over the configured devices.
func NewAggregator(client ha.HAClient, states *state.Manager, devices []config.DeviceConfig, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		client:  client,
		states:  states,
		devices: devices,
		logger:  logger.Named("heatdemand"),
		heating: make(map[string]bool, len(devices)),
	}
}

// Start seeds the heating set from current thermostat state, wires the
// subscriptions, and publishes the initial aggregate.
func (a *Aggregator) Start() error {
	// seed every device before wiring any subscription so no handler
	// can touch the heating map mid-seed
	a.mu.Lock()
	for _, device := range a.devices {
		if current, err := a.client.GetState(device.ClimateEntity); err == nil && current.Available() {
			a.heating[device.ID] = isHeating(current)
		}
	}
	a.mu.Unlock()

	for _, device := range a.devices {
		deviceID := device.ID

		haSub, err := a.client.SubscribeStateChanges(device.ClimateEntity, func(entityID string, oldState, newState *ha.State) {
			a.handleClimateChange(deviceID, newState)
		})
		if err != nil {
			return err
		}
		a.haSubs = append(a.haSubs, haSub)

		sub, err := a.states.Subscribe(state.Key(deviceID, state.FieldCallForHeatEnabled), func(key string, oldValue, newValue interface{}) {
			a.recompute()
		})
		if err != nil {
			return err
		}
		a.stateSubs = append(a.stateSubs, sub)
	}

	a.recompute()
	a.logger.Info("Call-for-heat aggregator started", zap.Int("devices", len(a.devices)))
	return nil
}

// Stop tears down the subscriptions.
func (a *Aggregator) Stop() {
	for _, sub := range a.stateSubs {
		sub.Unsubscribe()
	}
	for _, sub := range a.haSubs {
		sub.Unsubscribe()
	}
}

// Active returns the last published aggregate value.
func (a *Aggregator) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *Aggregator) handleClimateChange(deviceID string, newState *ha.State) {
	if newState == nil || !newState.Available() {
		return
	}

	heating := isHeating(newState)

	a.mu.Lock()
	unchanged := a.heating[deviceID] == heating
	a.heating[deviceID] = heating
	a.mu.Unlock()

	if unchanged {
		return
	}
	a.logger.Debug("Heating status changed",
		zap.String("device", deviceID),
		zap.Bool("heating", heating))
	a.recompute()
}

// recompute derives the aggregate: any enabled device currently
// heating. The walk is over the configured device list, so a device
// whose enabled flag just flipped off stops counting immediately.
func (a *Aggregator) recompute() {
	active := false
	for _, device := range a.devices {
		enabled, err := a.states.GetBool(state.Key(device.ID, state.FieldCallForHeatEnabled))
		if err != nil || !enabled {
			continue
		}
		a.mu.Lock()
		heating := a.heating[device.ID]
		a.mu.Unlock()
		if heating {
			active = true
			break
		}
	}

	a.mu.Lock()
	changed := active != a.current
	a.current = active
	a.mu.Unlock()

	if !changed {
		return
	}

	a.logger.Info("Call-for-heat aggregate changed", zap.Bool("active", active))
	if err := a.states.SetBool(state.KeyCallForHeatActive, active); err != nil {
		a.logger.Warn("Failed to publish call-for-heat aggregate", zap.Error(err))
	}
}

// isHeating reports whether a thermostat currently demands heat.
func isHeating(s *ha.State) bool {
	return strings.EqualFold(s.StringAttribute("hvac_action"), "heating")
}
