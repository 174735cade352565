package heatdemand

import (
	"fmt"
	"testing"
	"time"

	"thermoboost/internal/config"
	"thermoboost/internal/ha"
	"thermoboost/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDevices() []config.DeviceConfig {
	return []config.DeviceConfig{
		{ID: "living_room", Name: "Living Room", ClimateEntity: "climate.living_room", CallForHeat: true},
		{ID: "bedroom", Name: "Bedroom", ClimateEntity: "climate.bedroom", CallForHeat: true},
		{ID: "garage", Name: "Garage", ClimateEntity: "climate.garage", CallForHeat: false},
	}
}

func newTestAggregator(t *testing.T) (*Aggregator, *ha.MockClient, *state.Manager) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	mockClient := ha.NewMockClient()
	devices := testDevices()
	for _, device := range devices {
		mockClient.SetState(device.ClimateEntity, "heat", map[string]interface{}{
			"hvac_action": "idle",
		})
	}

	states := state.NewManager(mockClient, state.DeviceVariables(devices), logger)
	require.NoError(t, states.SyncFromHA())

	aggregator := NewAggregator(mockClient, states, devices, logger)
	require.NoError(t, aggregator.Start())
	t.Cleanup(aggregator.Stop)

	return aggregator, mockClient, states
}

func aggregateFlag(t *testing.T, states *state.Manager) bool {
	t.Helper()
	value, err := states.GetBool(state.KeyCallForHeatActive)
	require.NoError(t, err)
	return value
}

func TestStartSeedsBeforeDeliveringEvents(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	mockClient := ha.NewMockClient()
	var devices []config.DeviceConfig
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("zone_%02d", i)
		devices = append(devices, config.DeviceConfig{ID: id, Name: id, ClimateEntity: "climate." + id, CallForHeat: true})
		mockClient.SetState("climate."+id, "heat", map[string]interface{}{
			"hvac_action": "heating",
		})
	}

	states := state.NewManager(mockClient, state.DeviceVariables(devices), logger)
	require.NoError(t, states.SyncFromHA())

	aggregator := NewAggregator(mockClient, states, devices, logger)

	// hammer one entity while Start wires the others
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			mockClient.SetState("climate.zone_00", "heat", map[string]interface{}{
				"hvac_action": "idle",
			})
			mockClient.SetState("climate.zone_00", "heat", map[string]interface{}{
				"hvac_action": "heating",
			})
		}
	}()

	require.NoError(t, aggregator.Start())
	<-done
	t.Cleanup(aggregator.Stop)

	assert.Eventually(t, aggregator.Active, time.Second, 5*time.Millisecond)
}

func TestAggregateStartsFalse(t *testing.T) {
	aggregator, _, states := newTestAggregator(t)

	assert.False(t, aggregator.Active())
	assert.False(t, aggregateFlag(t, states))
}

func TestAggregateTracksHeatingDevice(t *testing.T) {
	aggregator, mockClient, states := newTestAggregator(t)

	mockClient.SetState("climate.living_room", "heat", map[string]interface{}{
		"hvac_action": "heating",
	})

	assert.Eventually(t, func() bool {
		return aggregator.Active() && aggregateFlag(t, states)
	}, time.Second, 5*time.Millisecond)

	mockClient.SetState("climate.living_room", "heat", map[string]interface{}{
		"hvac_action": "idle",
	})

	assert.Eventually(t, func() bool {
		return !aggregator.Active() && !aggregateFlag(t, states)
	}, time.Second, 5*time.Millisecond)
}

func TestAggregateIgnoresDisabledDevice(t *testing.T) {
	aggregator, mockClient, _ := newTestAggregator(t)

	// garage heats but its call-for-heat flag is off
	mockClient.SetState("climate.garage", "heat", map[string]interface{}{
		"hvac_action": "heating",
	})

	time.Sleep(30 * time.Millisecond)
	assert.False(t, aggregator.Active())
}

func TestDisablingOnlyHeatingDeviceFlipsAggregate(t *testing.T) {
	aggregator, mockClient, states := newTestAggregator(t)

	mockClient.SetState("climate.bedroom", "heat", map[string]interface{}{
		"hvac_action": "heating",
	})
	assert.Eventually(t, func() bool {
		return aggregator.Active()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, states.SetBool(state.Key("bedroom", state.FieldCallForHeatEnabled), false))

	assert.Eventually(t, func() bool {
		return !aggregator.Active()
	}, time.Second, 5*time.Millisecond)
}

func TestAggregateSurvivesUnavailableBlip(t *testing.T) {
	aggregator, mockClient, _ := newTestAggregator(t)

	mockClient.SetState("climate.living_room", "heat", map[string]interface{}{
		"hvac_action": "heating",
	})
	assert.Eventually(t, func() bool {
		return aggregator.Active()
	}, time.Second, 5*time.Millisecond)

	// an unavailable reading keeps the last known heating status
	mockClient.SetState("climate.living_room", ha.StateUnavailable, nil)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, aggregator.Active())
}
