package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidConfig(t *testing.T) {
	data := []byte(`
settings:
  imperial_units: false
  max_boost_hours: 12
  store_path: /data/boost_timers.db
  api_port: 9090
  retry:
    max_attempts: 3
    delay_seconds: 5
devices:
  - id: living_room
    name: Living Room
    climate_entity: climate.living_room
    call_for_heat: true
  - id: bedroom
    climate_entity: climate.bedroom
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.False(t, cfg.Settings.ImperialUnits)
	assert.Equal(t, 12.0, cfg.Settings.MaxBoostHours)
	assert.Equal(t, "/data/boost_timers.db", cfg.Settings.StorePath)
	assert.Equal(t, 9090, cfg.Settings.APIPort)
	assert.Equal(t, 3, cfg.Settings.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Settings.Retry.Delay())

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "Living Room", cfg.Devices[0].Name)
	assert.True(t, cfg.Devices[0].CallForHeat)
	// name defaults to the id
	assert.Equal(t, "bedroom", cfg.Devices[1].Name)
	assert.False(t, cfg.Devices[1].CallForHeat)
}

func TestParseAppliesDefaults(t *testing.T) {
	data := []byte(`
devices:
  - id: living_room
    climate_entity: climate.living_room
`)

	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 24.0, cfg.Settings.MaxBoostHours)
	assert.Equal(t, "boost_timers.db", cfg.Settings.StorePath)
	assert.Equal(t, 8082, cfg.Settings.APIPort)
	assert.Equal(t, 5, cfg.Settings.Retry.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Settings.Retry.Delay())
}

func TestParseRejectsInvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"No devices", `settings: {}`},
		{"Missing id", `
devices:
  - climate_entity: climate.living_room
`},
		{"Missing climate entity", `
devices:
  - id: living_room
`},
		{"Duplicate ids", `
devices:
  - id: living_room
    climate_entity: climate.living_room
  - id: living_room
    climate_entity: climate.other
`},
		{"Invalid yaml", `devices: [`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
