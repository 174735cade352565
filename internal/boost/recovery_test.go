package boost

import (
	"context"
	"testing"
	"time"

	"thermoboost/internal/ha"
	"thermoboost/internal/scheduler"
	"thermoboost/internal/state"
	"thermoboost/internal/timerstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newRecovery(f *fixture) *RecoveryCoordinator {
	logger, _ := zap.NewDevelopment()
	return NewRecoveryCoordinator(f.store, f.manager, logger)
}

func TestStartupWithEmptyStore(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, newRecovery(f).Startup(context.Background()))

	sessionState, _ := f.manager.SessionState("living_room")
	assert.Equal(t, StateIdle, sessionState)
}

func TestStartupResumesFutureTimer(t *testing.T) {
	f := newFixture(t)
	temperature := 18.0
	end := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, f.store.Put(timerstore.Record{
		DeviceID:            "living_room",
		End:                 end,
		PreBoostTemperature: &temperature,
	}))

	require.NoError(t, newRecovery(f).Startup(context.Background()))

	sessionState, _ := f.manager.SessionState("living_room")
	assert.Equal(t, StateActive, sessionState)

	status, err := f.manager.SessionStatus("living_room")
	require.NoError(t, err)
	require.NotNil(t, status.End)
	assert.True(t, end.Equal(*status.End))

	active, err := f.states.GetBool(state.Key("living_room", state.FieldBoostActive))
	require.NoError(t, err)
	assert.True(t, active)

	// the record stays until the resumed boost finishes
	record, err := f.store.Get("living_room")
	require.NoError(t, err)
	assert.NotNil(t, record)
}

func TestStartupFinishesExpiredTimerExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("switch.schedule_living", ha.StateOff, map[string]interface{}{
		"entities": []interface{}{"climate.living_room"},
	})

	temperature := 17.0
	require.NoError(t, f.store.Put(timerstore.Record{
		DeviceID:            "living_room",
		End:                 time.Now().Add(-time.Hour).UTC().Truncate(time.Second),
		PreBoostTemperature: &temperature,
		ScheduleSnapshot: []scheduler.SwitchSnapshot{
			{SwitchID: "switch.schedule_living", WasOn: true},
		},
	}))

	require.NoError(t, newRecovery(f).Startup(context.Background()))

	sessionState, _ := f.manager.SessionState("living_room")
	assert.Equal(t, StateIdle, sessionState)

	record, err := f.store.Get("living_room")
	require.NoError(t, err)
	assert.Nil(t, record)

	assert.Eventually(t, func() bool {
		return f.climateTemperature(t) == 17.0
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		living, _ := f.client.GetState("switch.schedule_living")
		return living != nil && living.State == ha.StateOn
	}, time.Second, 5*time.Millisecond)

	// exactly one finish sequence ran
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.client.ServiceCallsFor("climate", "set_temperature"), 1)
	assert.Len(t, f.client.ServiceCallsFor("scheduler", "run_action"), 1)
}

func TestStartupGatesExpiredRestoreOnAvailability(t *testing.T) {
	f := newFixture(t)
	f.client.SetState("switch.schedule_living", ha.StateUnavailable, nil)

	require.NoError(t, f.store.Put(timerstore.Record{
		DeviceID: "living_room",
		End:      time.Now().Add(-time.Minute).UTC(),
		ScheduleSnapshot: []scheduler.SwitchSnapshot{
			{SwitchID: "switch.schedule_living", WasOn: true},
		},
	}))

	require.NoError(t, newRecovery(f).Startup(context.Background()))

	// finish completes promptly even though the switch is unreachable
	sessionState, _ := f.manager.SessionState("living_room")
	assert.Equal(t, StateIdle, sessionState)

	// once the switch comes back, the restore lands within the retry window
	f.client.SetState("switch.schedule_living", ha.StateOff, nil)
	assert.Eventually(t, func() bool {
		living, _ := f.client.GetState("switch.schedule_living")
		return living != nil && living.State == ha.StateOn
	}, time.Second, 5*time.Millisecond)
}

func TestStartupDiscardsUnknownDevice(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Put(timerstore.Record{
		DeviceID: "demolished_extension",
		End:      time.Now().Add(time.Hour).UTC(),
	}))

	require.NoError(t, newRecovery(f).Startup(context.Background()))

	records, err := f.store.All()
	require.NoError(t, err)
	assert.Empty(t, records)
}
