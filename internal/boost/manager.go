// Package boost implements the per-device boost lifecycle: starting a
// temporary temperature override, finishing it with restoration of the
// pre-boost temperature and schedule switches, and recovering in-flight
// boosts after a restart.
package boost

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"thermoboost/internal/config"
	"thermoboost/internal/ha"
	"thermoboost/internal/retry"
	"thermoboost/internal/scheduler"
	"thermoboost/internal/state"
	"thermoboost/internal/timerstore"
)

// ValidationError is the only failure surfaced to callers: unknown
// device or unusable duration/temperature. Nothing is mutated when one
// is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// StartOptions carries the optional start parameters. Nil fields fall
// back to the device's stored selectors.
type StartOptions struct {
	Hours       *float64
	Temperature *float64
}

// Manager owns one boost session per configured device and exposes the
// start/finish operations.
type Manager struct {
	client    ha.HAClient
	states    *state.Manager
	store     *timerstore.Store
	schedules *scheduler.Manager
	executor  *retry.Executor
	calc      *BoundsCalculator
	maxHours  float64
	logger    *zap.Logger

	sessions map[string]*session
	order    []string

	stateSubs []state.Subscription
	haSubs    []ha.Subscription
}

// NewManager builds the session table for the configured devices.
func NewManager(
	client ha.HAClient,
	states *state.Manager,
	store *timerstore.Store,
	schedules *scheduler.Manager,
	executor *retry.Executor,
	calc *BoundsCalculator,
	settings config.Settings,
	devices []config.DeviceConfig,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		client:    client,
		states:    states,
		store:     store,
		schedules: schedules,
		executor:  executor,
		calc:      calc,
		maxHours:  settings.MaxBoostHours,
		logger:    logger.Named("boost"),
		sessions:  make(map[string]*session, len(devices)),
	}
	for _, device := range devices {
		m.sessions[device.ID] = newSession(device, calc.For(device.ClimateEntity))
		m.order = append(m.order, device.ID)
	}
	return m
}

// Start wires the reactive subscriptions: boost-active toggles from the
// host UI drive start/finish, and thermostat attribute changes
// recompute temperature bounds.
func (m *Manager) Start() error {
	for _, deviceID := range m.order {
		session := m.sessions[deviceID]
		id := deviceID

		sub, err := m.states.Subscribe(state.Key(id, state.FieldBoostActive), func(key string, oldValue, newValue interface{}) {
			active, ok := newValue.(bool)
			if !ok {
				return
			}
			m.handleBoostActiveChange(id, active)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to boost toggle for %s: %w", id, err)
		}
		m.stateSubs = append(m.stateSubs, sub)

		haSub, err := m.client.SubscribeStateChanges(session.device.ClimateEntity, func(entityID string, oldState, newState *ha.State) {
			// handlers may fire from inside our own service calls;
			// recompute off the delivery path to keep lock ordering flat
			go m.recomputeBounds(id)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", session.device.ClimateEntity, err)
		}
		m.haSubs = append(m.haSubs, haSub)
	}

	m.logger.Info("Boost manager started", zap.Int("devices", len(m.sessions)))
	return nil
}

// Stop cancels timers, outstanding restores, and subscriptions.
func (m *Manager) Stop() {
	for _, sub := range m.stateSubs {
		sub.Unsubscribe()
	}
	for _, sub := range m.haSubs {
		sub.Unsubscribe()
	}
	for _, session := range m.sessions {
		session.mu.Lock()
		session.stopTimer()
		session.cancelRestores()
		session.mu.Unlock()
	}
	m.logger.Info("Boost manager stopped")
}

// handleBoostActiveChange reacts to the boost-active helper being
// toggled externally. Changes echoed back from our own writes are
// no-ops against the session state and get ignored.
func (m *Manager) handleBoostActiveChange(deviceID string, active bool) {
	session, ok := m.sessions[deviceID]
	if !ok {
		return
	}

	session.mu.Lock()
	current := session.state
	session.mu.Unlock()

	if active && current == StateIdle {
		if err := m.StartBoost(context.Background(), deviceID, StartOptions{}); err != nil {
			m.logger.Warn("Boost toggle start rejected",
				zap.String("device", deviceID),
				zap.Error(err))
			// leave the helper consistent with the session
			if err := m.states.SetBool(state.Key(deviceID, state.FieldBoostActive), false); err != nil {
				m.logger.Warn("Failed to clear boost toggle", zap.String("device", deviceID), zap.Error(err))
			}
		}
	} else if !active && current == StateActive {
		if err := m.FinishBoost(context.Background(), deviceID); err != nil {
			m.logger.Warn("Boost toggle finish failed",
				zap.String("device", deviceID),
				zap.Error(err))
		}
	}
}

// recomputeBounds refreshes a device's bounds from its current
// attributes and clamps the boost temperature selector into the new
// range.
func (m *Manager) recomputeBounds(deviceID string) {
	session, ok := m.sessions[deviceID]
	if !ok {
		return
	}

	bounds := m.calc.For(session.device.ClimateEntity)

	session.mu.Lock()
	changed := bounds != session.bounds
	session.bounds = bounds
	session.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Debug("Boost bounds changed",
		zap.String("device", deviceID),
		zap.Float64("min", bounds.Min),
		zap.Float64("max", bounds.Max))

	key := state.Key(deviceID, state.FieldBoostTemperature)
	selector, err := m.states.GetNumber(key)
	if err != nil {
		return
	}
	if clamped := bounds.Clamp(selector); clamped != selector {
		if err := m.states.SetNumber(key, clamped); err != nil {
			m.logger.Warn("Failed to clamp boost temperature selector",
				zap.String("device", deviceID),
				zap.Error(err))
		}
	}
}

// StartBoost starts or extends a boost for one device. Duration and
// temperature default to the device's stored selectors; both are
// clamped (duration to the configured maximum, temperature to the
// current bounds). When the session is already Active the call updates
// the end time and temperature in place without re-capturing snapshots.
func (m *Manager) StartBoost(ctx context.Context, deviceID string, opts StartOptions) error {
	session, ok := m.sessions[deviceID]
	if !ok {
		return validationErrorf("unknown device %q", deviceID)
	}

	hours, err := m.resolveHours(deviceID, opts.Hours)
	if err != nil {
		return err
	}
	temperature, err := m.resolveTemperature(deviceID, session, opts.Temperature)
	if err != nil {
		return err
	}
	duration := time.Duration(hours * float64(time.Hour))
	end := time.Now().Add(duration).UTC().Truncate(time.Second)

	session.mu.Lock()
	defer session.mu.Unlock()

	if session.state == StateActive {
		return m.extendBoost(session, end, duration, temperature)
	}
	return m.activateBoost(session, end, duration, temperature)
}

// activateBoost runs the Idle→Active sequence. Caller holds the
// session lock.
func (m *Manager) activateBoost(session *session, end time.Time, duration time.Duration, temperature float64) error {
	deviceID := session.device.ID
	session.cancelRestores()

	var preBoost *float64
	if current, err := m.client.GetState(session.device.ClimateEntity); err == nil && current.Available() {
		if target, ok := current.FloatAttribute("temperature"); ok {
			preBoost = &target
		}
	}

	override, err := m.states.GetBool(state.Key(deviceID, state.FieldScheduleOverride))
	if err != nil {
		override = false
	}

	var snapshot []scheduler.SwitchSnapshot
	if !override {
		// the switch-off retries must outlive the caller; a later
		// finish or restart cancels them through the session
		disableCtx, cancel := context.WithCancel(context.Background())
		session.restoreCancel = cancel
		snapshot = m.schedules.Capture(disableCtx, session.device.ClimateEntity, session.device.Name)
	}

	if err := m.writeTemperature(session.device.ClimateEntity, temperature); err != nil {
		m.rollbackStart(session, snapshot)
		m.logger.Error("Boost start aborted, temperature write failed",
			zap.String("device", deviceID),
			zap.Error(err))
		return fmt.Errorf("failed to set boost temperature for %s: %w", deviceID, err)
	}

	if err := m.store.Put(timerstore.Record{
		DeviceID:               deviceID,
		End:                    end,
		PreBoostTemperature:    preBoost,
		ScheduleSnapshot:       snapshot,
		ScheduleOverrideActive: override,
	}); err != nil {
		m.rollbackStart(session, snapshot)
		m.logger.Error("Boost start aborted, timer persist failed",
			zap.String("device", deviceID),
			zap.Error(err))
		return err
	}

	session.state = StateActive
	session.end = end
	session.preBoostTemperature = preBoost
	session.scheduleSnapshot = snapshot
	session.scheduleOverride = override
	m.scheduleFinish(session, duration)
	m.publishActive(deviceID, end, temperature)

	m.logger.Info("Boost started",
		zap.String("device", deviceID),
		zap.Float64("temperature", temperature),
		zap.Time("end", end))
	return nil
}

// rollbackStart re-enables the switches an aborted start already
// turned off. The pending switch-off retries are cancelled first so
// they cannot race the restore writes. Caller holds the session lock.
func (m *Manager) rollbackStart(session *session, snapshot []scheduler.SwitchSnapshot) {
	session.cancelRestores()
	if len(snapshot) == 0 {
		return
	}

	restoreCtx, cancel := context.WithCancel(context.Background())
	session.restoreCancel = cancel
	deviceID := session.device.ID
	go func() {
		if err := m.schedules.Restore(restoreCtx, snapshot); err != nil {
			m.logger.Warn("Failed to restore switches after aborted start",
				zap.String("device", deviceID),
				zap.Error(err))
		}
	}()
}

// extendBoost updates an Active session in place. Snapshots are
// retained untouched. Caller holds the session lock.
func (m *Manager) extendBoost(session *session, end time.Time, duration time.Duration, temperature float64) error {
	deviceID := session.device.ID

	if err := m.writeTemperature(session.device.ClimateEntity, temperature); err != nil {
		m.logger.Error("Boost extension aborted, temperature write failed",
			zap.String("device", deviceID),
			zap.Error(err))
		return fmt.Errorf("failed to set boost temperature for %s: %w", deviceID, err)
	}

	if err := m.store.Put(timerstore.Record{
		DeviceID:               deviceID,
		End:                    end,
		PreBoostTemperature:    session.preBoostTemperature,
		ScheduleSnapshot:       session.scheduleSnapshot,
		ScheduleOverrideActive: session.scheduleOverride,
	}); err != nil {
		return err
	}

	session.end = end
	session.stopTimer()
	m.scheduleFinish(session, duration)
	m.publishActive(deviceID, end, temperature)

	m.logger.Info("Boost extended",
		zap.String("device", deviceID),
		zap.Float64("temperature", temperature),
		zap.Time("end", end))
	return nil
}

// FinishBoost ends a boost and restores the pre-boost temperature and
// schedule switches. Idempotent: finishing an Idle session is a no-op.
// The restore work runs in the background; the session is Idle when
// this returns.
func (m *Manager) FinishBoost(ctx context.Context, deviceID string) error {
	session, ok := m.sessions[deviceID]
	if !ok {
		return validationErrorf("unknown device %q", deviceID)
	}

	session.mu.Lock()
	if session.state == StateIdle {
		session.mu.Unlock()
		return nil
	}

	preBoost := session.preBoostTemperature
	snapshot := session.scheduleSnapshot
	session.reset()

	if err := m.store.Delete(deviceID); err != nil {
		m.logger.Warn("Failed to delete boost timer record",
			zap.String("device", deviceID),
			zap.Error(err))
	}

	session.cancelRestores()
	restoreCtx, cancel := context.WithCancel(context.Background())
	session.restoreCancel = cancel
	session.mu.Unlock()

	m.publishIdle(deviceID)
	go m.restore(restoreCtx, session.device, preBoost, snapshot)

	m.logger.Info("Boost finished", zap.String("device", deviceID))
	return nil
}

// restore puts the device back the way it was before the boost:
// temperature first, then schedule switches. The schedule's apply-now
// action runs last so an applicable schedule rule wins over the raw
// temperature restore. Failures degrade, they never propagate.
func (m *Manager) restore(ctx context.Context, device config.DeviceConfig, preBoost *float64, snapshot []scheduler.SwitchSnapshot) {
	if preBoost != nil {
		temperature := *preBoost
		err := m.executor.Do(ctx, "restore temperature", device.ClimateEntity, func() error {
			return m.writeTemperature(device.ClimateEntity, temperature)
		})
		if err != nil {
			m.logger.Warn("Degraded finish, temperature restore failed",
				zap.String("device", device.ID),
				zap.Float64("temperature", temperature),
				zap.Error(err))
		}
	}

	if len(snapshot) > 0 {
		if err := m.schedules.Restore(ctx, snapshot); err != nil {
			m.logger.Warn("Degraded finish, schedule restore incomplete",
				zap.String("device", device.ID),
				zap.Error(err))
		}
	}
}

// ResumeActive rebuilds an Active session from a persisted record
// without re-running the start sequence. Used by startup recovery.
func (m *Manager) ResumeActive(record timerstore.Record) error {
	session, ok := m.sessions[record.DeviceID]
	if !ok {
		return validationErrorf("unknown device %q", record.DeviceID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	session.state = StateActive
	session.end = record.End
	session.preBoostTemperature = record.PreBoostTemperature
	session.scheduleSnapshot = record.ScheduleSnapshot
	session.scheduleOverride = record.ScheduleOverrideActive
	session.stopTimer()
	m.scheduleFinish(session, time.Until(record.End))

	if err := m.states.SetBool(state.Key(record.DeviceID, state.FieldBoostActive), true); err != nil {
		m.logger.Warn("Failed to publish resumed boost flag", zap.String("device", record.DeviceID), zap.Error(err))
	}
	if err := m.states.SetString(state.Key(record.DeviceID, state.FieldBoostFinish), record.End.Format(time.RFC3339)); err != nil {
		m.logger.Warn("Failed to publish resumed boost finish", zap.String("device", record.DeviceID), zap.Error(err))
	}

	m.logger.Info("Boost resumed",
		zap.String("device", record.DeviceID),
		zap.Time("end", record.End))
	return nil
}

// AdoptRecord loads a persisted record into an Idle session so that a
// subsequent FinishBoost runs the full restore sequence. Used by
// startup recovery for expired timers.
func (m *Manager) AdoptRecord(record timerstore.Record) error {
	session, ok := m.sessions[record.DeviceID]
	if !ok {
		return validationErrorf("unknown device %q", record.DeviceID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	session.state = StateActive
	session.end = record.End
	session.preBoostTemperature = record.PreBoostTemperature
	session.scheduleSnapshot = record.ScheduleSnapshot
	session.scheduleOverride = record.ScheduleOverrideActive
	return nil
}

// scheduleFinish arms the in-memory timer derived from the persisted
// end timestamp. Caller holds the session lock.
func (m *Manager) scheduleFinish(session *session, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	deviceID := session.device.ID
	session.timer = time.AfterFunc(duration, func() {
		if err := m.FinishBoost(context.Background(), deviceID); err != nil {
			m.logger.Warn("Timer-driven finish failed",
				zap.String("device", deviceID),
				zap.Error(err))
		}
	})
}

// publishActive pushes the Active session's exposed state to the host.
func (m *Manager) publishActive(deviceID string, end time.Time, temperature float64) {
	writes := []struct {
		key string
		err error
	}{
		{state.FieldBoostActive, m.states.SetBool(state.Key(deviceID, state.FieldBoostActive), true)},
		{state.FieldBoostFinish, m.states.SetString(state.Key(deviceID, state.FieldBoostFinish), end.Format(time.RFC3339))},
		{state.FieldBoostTemperature, m.states.SetNumber(state.Key(deviceID, state.FieldBoostTemperature), temperature)},
	}
	for _, write := range writes {
		if write.err != nil {
			m.logger.Warn("Failed to publish boost state",
				zap.String("device", deviceID),
				zap.String("field", write.key),
				zap.Error(write.err))
		}
	}
}

// publishIdle pushes the Idle session's exposed state to the host. The
// duration selector resets to 0 so a stale duration never silently
// drives the next boost.
func (m *Manager) publishIdle(deviceID string) {
	writes := []struct {
		key string
		err error
	}{
		{state.FieldBoostActive, m.states.SetBool(state.Key(deviceID, state.FieldBoostActive), false)},
		{state.FieldBoostFinish, m.states.SetString(state.Key(deviceID, state.FieldBoostFinish), state.BoostFinishInactive)},
		{state.FieldBoostDuration, m.states.SetNumber(state.Key(deviceID, state.FieldBoostDuration), 0)},
	}
	for _, write := range writes {
		if write.err != nil {
			m.logger.Warn("Failed to publish boost state",
				zap.String("device", deviceID),
				zap.String("field", write.key),
				zap.Error(write.err))
		}
	}
}

func (m *Manager) writeTemperature(climateEntity string, temperature float64) error {
	return m.client.CallService("climate", "set_temperature", map[string]interface{}{
		"entity_id":   climateEntity,
		"temperature": temperature,
	})
}

// resolveHours picks the boost duration, defaulting to the stored
// duration selector and clamping to the configured maximum.
func (m *Manager) resolveHours(deviceID string, requested *float64) (float64, error) {
	hours := 0.0
	if requested != nil {
		hours = *requested
	} else {
		selector, err := m.states.GetNumber(state.Key(deviceID, state.FieldBoostDuration))
		if err != nil {
			return 0, validationErrorf("no duration available for %q: %v", deviceID, err)
		}
		hours = selector
	}

	if hours <= 0 {
		return 0, validationErrorf("boost duration must be positive, got %g hours", hours)
	}
	if hours > m.maxHours {
		hours = m.maxHours
	}
	return hours, nil
}

// resolveTemperature picks the boost target: the explicit request
// wins, then the stored temperature selector, then the thermostat's
// current target. The result is clamped to the current bounds.
func (m *Manager) resolveTemperature(deviceID string, session *session, requested *float64) (float64, error) {
	temperature := 0.0
	if requested != nil {
		temperature = *requested
	} else if selector, err := m.states.GetNumber(state.Key(deviceID, state.FieldBoostTemperature)); err == nil {
		temperature = selector
	}

	if temperature <= 0 {
		if current, err := m.client.GetState(session.device.ClimateEntity); err == nil && current.Available() {
			if target, ok := current.FloatAttribute("temperature"); ok {
				temperature = target
			}
		}
	}

	if temperature <= 0 {
		return 0, validationErrorf("no usable boost temperature for %q", deviceID)
	}

	session.mu.Lock()
	bounds := session.bounds
	session.mu.Unlock()

	if !bounds.Contains(temperature) {
		clamped := bounds.Clamp(temperature)
		m.logger.Debug("Boost temperature out of bounds, clamping",
			zap.String("device", deviceID),
			zap.Float64("requested", temperature),
			zap.Float64("clamped", clamped))
		temperature = clamped
	}
	return temperature, nil
}

// SessionStatus returns the read-only view of one device's session.
func (m *Manager) SessionStatus(deviceID string) (*Status, error) {
	session, ok := m.sessions[deviceID]
	if !ok {
		return nil, validationErrorf("unknown device %q", deviceID)
	}
	return m.statusOf(session), nil
}

// Statuses returns every session's view in configuration order.
func (m *Manager) Statuses() []Status {
	statuses := make([]Status, 0, len(m.order))
	for _, deviceID := range m.order {
		statuses = append(statuses, *m.statusOf(m.sessions[deviceID]))
	}
	return statuses
}

func (m *Manager) statusOf(session *session) *Status {
	session.mu.Lock()
	defer session.mu.Unlock()

	status := &Status{
		DeviceID:      session.device.ID,
		Name:          session.device.Name,
		ClimateEntity: session.device.ClimateEntity,
		State:         session.state,
		Bounds:        session.bounds,
	}
	if session.state == StateActive {
		end := session.end
		status.End = &end
	}

	if override, err := m.states.GetBool(state.Key(session.device.ID, state.FieldScheduleOverride)); err == nil {
		status.ScheduleOverride = override
	}
	if enabled, err := m.states.GetBool(state.Key(session.device.ID, state.FieldCallForHeatEnabled)); err == nil {
		status.CallForHeat = enabled
	}
	return status
}

// HasDevice reports whether a device id is configured.
func (m *Manager) HasDevice(deviceID string) bool {
	_, ok := m.sessions[deviceID]
	return ok
}

// SessionState returns the current lifecycle state of a device.
func (m *Manager) SessionState(deviceID string) (SessionState, bool) {
	session, ok := m.sessions[deviceID]
	if !ok {
		return "", false
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state, true
}
