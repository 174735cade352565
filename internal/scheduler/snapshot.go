// Package scheduler discovers the schedule-control switches associated
// with a thermostat, captures their on/off state around a boost, and
// restores them afterwards. A schedule switch, when on, lets an
// external schedule rule drive the thermostat setpoint; boosting turns
// matched switches off so the schedule cannot fight the override.
package scheduler

import (
	"context"
	"sort"
	"strings"

	"thermoboost/internal/ha"
	"thermoboost/internal/retry"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SwitchSnapshot records one switch's pre-boost state.
type SwitchSnapshot struct {
	SwitchID string `json:"switch_id"`
	WasOn    bool   `json:"was_on"`
}

// Manager implements schedule switch discovery and snapshot/restore.
type Manager struct {
	client   ha.HAClient
	executor *retry.Executor
	logger   *zap.Logger
}

// NewManager creates a schedule snapshot manager.
func NewManager(client ha.HAClient, executor *retry.Executor, logger *zap.Logger) *Manager {
	return &Manager{
		client:   client,
		executor: executor,
		logger:   logger.Named("scheduler"),
	}
}

// MatchSwitches returns the schedule switches associated with a device,
// sorted by entity id. A switch matches when it declares the device's
// climate entity among its associated entities; switches declaring no
// entities fall back to a case-insensitive substring match of the
// device name against their tags. Unknown/unavailable switches are
// skipped. An empty result is not an error.
func (m *Manager) MatchSwitches(climateEntity, deviceName string) []string {
	states, err := m.client.GetAllStates()
	if err != nil {
		m.logger.Warn("Failed to list states for switch discovery", zap.Error(err))
		return nil
	}

	nameLower := strings.ToLower(deviceName)
	var matched []string

	for _, state := range states {
		if !strings.HasPrefix(state.EntityID, "switch.") || !state.Available() {
			continue
		}

		if entities := attributeStrings(state.Attributes["entities"]); len(entities) > 0 {
			for _, entity := range entities {
				if entity == climateEntity {
					matched = append(matched, state.EntityID)
					break
				}
			}
			continue
		}

		if tagsMatch(state.Attributes["tags"], nameLower) {
			matched = append(matched, state.EntityID)
		}
	}

	sort.Strings(matched)
	return matched
}

// Capture snapshots the on/off state of every matched switch and turns
// them all off. The switch-off writes are best-effort and run in the
// background; the returned snapshot reflects the states as observed.
// A nil snapshot means no switches matched.
func (m *Manager) Capture(ctx context.Context, climateEntity, deviceName string) []SwitchSnapshot {
	switches := m.MatchSwitches(climateEntity, deviceName)
	if len(switches) == 0 {
		m.logger.Debug("No schedule switches matched",
			zap.String("climate_entity", climateEntity),
			zap.String("device_name", deviceName))
		return nil
	}

	snapshot := make([]SwitchSnapshot, 0, len(switches))
	for _, switchID := range switches {
		state, err := m.client.GetState(switchID)
		if err != nil || !state.Available() {
			continue
		}
		snapshot = append(snapshot, SwitchSnapshot{
			SwitchID: switchID,
			WasOn:    state.State == ha.StateOn,
		})
	}

	m.logger.Info("Captured schedule switch snapshot",
		zap.String("device_name", deviceName),
		zap.Int("switches", len(snapshot)))

	for _, entry := range snapshot {
		switchID := entry.SwitchID
		m.executor.Go(ctx, "disable schedule switch", switchID, func() error {
			return m.client.CallService("switch", "turn_off", map[string]interface{}{
				"entity_id": switchID,
			})
		})
	}

	return snapshot
}

// Restore puts every snapshotted switch back to its captured state.
// Each switch restored to ON additionally gets the schedule's
// apply-now action, which re-evaluates the current schedule rule;
// merely flipping the switch back on is not reliably enough to
// re-activate enforcement. Failures count as degraded outcomes and
// are aggregated, never fatal.
func (m *Manager) Restore(ctx context.Context, snapshot []SwitchSnapshot) error {
	var degraded error

	for _, entry := range snapshot {
		switchID := entry.SwitchID
		service := "turn_off"
		if entry.WasOn {
			service = "turn_on"
		}

		err := m.executor.Do(ctx, "restore schedule switch", switchID, func() error {
			return m.client.CallService("switch", service, map[string]interface{}{
				"entity_id": switchID,
			})
		})
		if err != nil {
			degraded = multierr.Append(degraded, err)
			continue
		}

		if entry.WasOn {
			err := m.executor.Do(ctx, "apply schedule", switchID, func() error {
				return m.client.CallService("scheduler", "run_action", map[string]interface{}{
					"entity_id": switchID,
				})
			})
			if err != nil {
				degraded = multierr.Append(degraded, err)
			}
		}
	}

	return degraded
}

// attributeStrings normalizes a string-or-list attribute to a slice.
func attributeStrings(value interface{}) []string {
	switch v := value.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []interface{}:
		var result []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// tagsMatch reports whether any tag contains the device name.
func tagsMatch(tags interface{}, nameLower string) bool {
	if nameLower == "" {
		return false
	}
	for _, tag := range attributeStrings(tags) {
		if strings.Contains(strings.ToLower(tag), nameLower) {
			return true
		}
	}
	return false
}
