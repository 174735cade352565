package state

import (
	"fmt"
	"testing"
	"time"

	"thermoboost/internal/config"
	"thermoboost/internal/ha"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *ha.MockClient) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	mockClient := ha.NewMockClient()
	devices := []config.DeviceConfig{
		{ID: "living_room", Name: "Living Room", ClimateEntity: "climate.living_room"},
	}
	return NewManager(mockClient, DeviceVariables(devices), logger), mockClient
}

func TestSyncFromHAUsesDefaultsForMissingEntities(t *testing.T) {
	manager, _ := newTestManager(t)
	require.NoError(t, manager.SyncFromHA())

	active, err := manager.GetBool(Key("living_room", FieldBoostActive))
	require.NoError(t, err)
	assert.False(t, active)

	finish, err := manager.GetString(Key("living_room", FieldBoostFinish))
	require.NoError(t, err)
	assert.Equal(t, BoostFinishInactive, finish)

	duration, err := manager.GetNumber(Key("living_room", FieldBoostDuration))
	require.NoError(t, err)
	assert.Equal(t, 0.0, duration)
}

func TestSyncFromHAReadsExistingEntities(t *testing.T) {
	manager, mockClient := newTestManager(t)
	mockClient.SetState("input_boolean.living_room_boost_active", ha.StateOn, nil)
	mockClient.SetState("input_number.living_room_boost_temperature", "21.5", nil)
	mockClient.SetState("input_text.living_room_boost_finish", "2026-08-30T12:00:00Z", nil)

	require.NoError(t, manager.SyncFromHA())

	active, _ := manager.GetBool(Key("living_room", FieldBoostActive))
	assert.True(t, active)

	temperature, _ := manager.GetNumber(Key("living_room", FieldBoostTemperature))
	assert.Equal(t, 21.5, temperature)

	finish, _ := manager.GetString(Key("living_room", FieldBoostFinish))
	assert.Equal(t, "2026-08-30T12:00:00Z", finish)
}

func TestSetWritesThroughToHA(t *testing.T) {
	manager, mockClient := newTestManager(t)
	require.NoError(t, manager.SyncFromHA())

	require.NoError(t, manager.SetBool(Key("living_room", FieldBoostActive), true))
	entity, err := mockClient.GetState("input_boolean.living_room_boost_active")
	require.NoError(t, err)
	assert.Equal(t, ha.StateOn, entity.State)

	require.NoError(t, manager.SetNumber(Key("living_room", FieldBoostTemperature), 21.0))
	entity, err = mockClient.GetState("input_number.living_room_boost_temperature")
	require.NoError(t, err)
	assert.Equal(t, "21", entity.State)

	require.NoError(t, manager.SetString(Key("living_room", FieldBoostFinish), "inactive"))
	entity, err = mockClient.GetState("input_text.living_room_boost_finish")
	require.NoError(t, err)
	assert.Equal(t, "inactive", entity.State)
}

func TestSetRollsBackCacheOnWriteFailure(t *testing.T) {
	manager, mockClient := newTestManager(t)
	require.NoError(t, manager.SyncFromHA())

	mockClient.SetServiceError("input_boolean", "turn_on", fmt.Errorf("write rejected"))

	err := manager.SetBool(Key("living_room", FieldBoostActive), true)
	require.Error(t, err)

	active, getErr := manager.GetBool(Key("living_room", FieldBoostActive))
	require.NoError(t, getErr)
	assert.False(t, active, "cache keeps the old value after a failed write")
}

func TestHACrossEditUpdatesCacheAndNotifies(t *testing.T) {
	manager, mockClient := newTestManager(t)
	require.NoError(t, manager.SyncFromHA())

	changes := make(chan interface{}, 1)
	_, err := manager.Subscribe(Key("living_room", FieldBoostDuration), func(key string, oldValue, newValue interface{}) {
		changes <- newValue
	})
	require.NoError(t, err)

	mockClient.SetState("input_number.living_room_boost_time_selector", "3", nil)

	select {
	case value := <-changes:
		assert.Equal(t, 3.0, value)
	case <-time.After(time.Second):
		t.Fatal("expected a change notification")
	}

	duration, err := manager.GetNumber(Key("living_room", FieldBoostDuration))
	require.NoError(t, err)
	assert.Equal(t, 3.0, duration)
}

func TestUnavailableStateChangeIsIgnored(t *testing.T) {
	manager, mockClient := newTestManager(t)
	mockClient.SetState("input_number.living_room_boost_time_selector", "3", nil)
	require.NoError(t, manager.SyncFromHA())

	mockClient.SetState("input_number.living_room_boost_time_selector", ha.StateUnavailable, nil)

	duration, err := manager.GetNumber(Key("living_room", FieldBoostDuration))
	require.NoError(t, err)
	assert.Equal(t, 3.0, duration)
}

func TestTypeMismatchErrors(t *testing.T) {
	manager, _ := newTestManager(t)
	require.NoError(t, manager.SyncFromHA())

	_, err := manager.GetBool(Key("living_room", FieldBoostDuration))
	assert.Error(t, err)

	_, err = manager.GetNumber("nonexistent")
	assert.Error(t, err)

	assert.Error(t, manager.SetString(Key("living_room", FieldBoostActive), "on"))
}

func TestDeviceVariablesLayout(t *testing.T) {
	devices := []config.DeviceConfig{
		{ID: "a", ClimateEntity: "climate.a"},
		{ID: "b", ClimateEntity: "climate.b", CallForHeat: true},
	}

	variables := DeviceVariables(devices)
	assert.Len(t, variables, 13)

	byKey := make(map[string]StateVariable)
	for _, v := range variables {
		byKey[v.Key] = v
	}

	assert.Equal(t, "input_boolean.a_boost_active", byKey[Key("a", FieldBoostActive)].EntityID)
	assert.Equal(t, "input_number.b_boost_time_selector", byKey[Key("b", FieldBoostDuration)].EntityID)
	assert.Equal(t, true, byKey[Key("b", FieldCallForHeatEnabled)].Default)
	assert.Equal(t, "input_boolean.call_for_heat_active", byKey[KeyCallForHeatActive].EntityID)
}
