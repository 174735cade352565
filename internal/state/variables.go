package state

import (
	"fmt"

	"thermoboost/internal/config"
)

// StateType represents the type of a state variable
type StateType string

const (
	TypeBool   StateType = "bool"
	TypeString StateType = "string"
	TypeNumber StateType = "number"
)

// Per-device variable fields. Each maps to one Home Assistant helper
// entity carrying the device's exposed boost state.
const (
	FieldBoostActive        = "boostActive"
	FieldBoostFinish        = "boostFinish"
	FieldBoostTemperature   = "boostTemperature"
	FieldBoostDuration      = "boostDuration"
	FieldScheduleOverride   = "scheduleOverride"
	FieldCallForHeatEnabled = "callForHeatEnabled"
)

// KeyCallForHeatActive is the single aggregate variable shared by all
// devices.
const KeyCallForHeatActive = "callForHeatActive"

// BoostFinishInactive is the sentinel boost-finish value when no boost
// is running.
const BoostFinishInactive = "inactive"

// StateVariable defines metadata for a state variable
type StateVariable struct {
	Key      string      // lookup key, "<deviceID>.<field>" or an aggregate key
	EntityID string      // HA helper entity backing the variable
	Type     StateType   // bool, string, number
	Default  interface{} // default value when the entity is missing
}

// Key builds the lookup key for a device field.
func Key(deviceID, field string) string {
	return deviceID + "." + field
}

// DeviceVariables builds the variable table for the configured devices
// plus the call-for-heat aggregate.
func DeviceVariables(devices []config.DeviceConfig) []StateVariable {
	variables := make([]StateVariable, 0, len(devices)*6+1)

	for _, device := range devices {
		variables = append(variables,
			StateVariable{
				Key:      Key(device.ID, FieldBoostActive),
				EntityID: fmt.Sprintf("input_boolean.%s_boost_active", device.ID),
				Type:     TypeBool,
				Default:  false,
			},
			StateVariable{
				Key:      Key(device.ID, FieldBoostFinish),
				EntityID: fmt.Sprintf("input_text.%s_boost_finish", device.ID),
				Type:     TypeString,
				Default:  BoostFinishInactive,
			},
			StateVariable{
				Key:      Key(device.ID, FieldBoostTemperature),
				EntityID: fmt.Sprintf("input_number.%s_boost_temperature", device.ID),
				Type:     TypeNumber,
				Default:  0.0,
			},
			StateVariable{
				Key:      Key(device.ID, FieldBoostDuration),
				EntityID: fmt.Sprintf("input_number.%s_boost_time_selector", device.ID),
				Type:     TypeNumber,
				Default:  0.0,
			},
			StateVariable{
				Key:      Key(device.ID, FieldScheduleOverride),
				EntityID: fmt.Sprintf("input_boolean.%s_schedule_override", device.ID),
				Type:     TypeBool,
				Default:  false,
			},
			StateVariable{
				Key:      Key(device.ID, FieldCallForHeatEnabled),
				EntityID: fmt.Sprintf("input_boolean.%s_call_for_heat_enabled", device.ID),
				Type:     TypeBool,
				Default:  device.CallForHeat,
			},
		)
	}

	variables = append(variables, StateVariable{
		Key:      KeyCallForHeatActive,
		EntityID: "input_boolean.call_for_heat_active",
		Type:     TypeBool,
		Default:  false,
	})

	return variables
}
