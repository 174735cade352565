package boost

import (
	"context"
	"sync"
	"time"

	"thermoboost/internal/config"
	"thermoboost/internal/scheduler"
)

// SessionState is the lifecycle state of a device's boost session.
type SessionState string

const (
	StateIdle   SessionState = "idle"
	StateActive SessionState = "active"
)

// session is the per-device boost state machine. All mutation happens
// under mu; triggers for the same device (start, finish, timer fire,
// startup recovery) are serialized through it.
type session struct {
	device config.DeviceConfig

	mu                  sync.Mutex
	state               SessionState
	end                 time.Time
	preBoostTemperature *float64
	scheduleSnapshot    []scheduler.SwitchSnapshot
	scheduleOverride    bool
	bounds              Bounds
	timer               *time.Timer

	// cancels background switch writes still retrying from a
	// previous start or finish
	restoreCancel context.CancelFunc
}

// Status is a read-only view of a session for the API layer.
type Status struct {
	DeviceID         string       `json:"device_id"`
	Name             string       `json:"name"`
	ClimateEntity    string       `json:"climate_entity"`
	State            SessionState `json:"state"`
	End              *time.Time   `json:"end,omitempty"`
	Bounds           Bounds       `json:"bounds"`
	ScheduleOverride bool         `json:"schedule_override"`
	CallForHeat      bool         `json:"call_for_heat"`
}

func newSession(device config.DeviceConfig, bounds Bounds) *session {
	return &session{
		device: device,
		state:  StateIdle,
		bounds: bounds,
	}
}

// stopTimer cancels the pending end timer, if any. Caller holds mu.
func (s *session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// cancelRestores cancels outstanding background switch retries.
// Caller holds mu.
func (s *session) cancelRestores() {
	if s.restoreCancel != nil {
		s.restoreCancel()
		s.restoreCancel = nil
	}
}

// reset returns the session to Idle and discards snapshots. Caller
// holds mu.
func (s *session) reset() {
	s.state = StateIdle
	s.end = time.Time{}
	s.preBoostTemperature = nil
	s.scheduleSnapshot = nil
	s.scheduleOverride = false
	s.stopTimer()
}
