package boost

import (
	"context"
	"time"

	"go.uber.org/zap"

	"thermoboost/internal/timerstore"
)

// RecoveryCoordinator reconciles persisted boost timers against
// wall-clock time after a restart. It runs before any live trigger can
// reach a session, so it never races a start or finish for the same
// device.
type RecoveryCoordinator struct {
	store   *timerstore.Store
	manager *Manager
	logger  *zap.Logger
}

// NewRecoveryCoordinator creates a startup recovery pass.
func NewRecoveryCoordinator(store *timerstore.Store, manager *Manager, logger *zap.Logger) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		store:   store,
		manager: manager,
		logger:  logger.Named("recovery"),
	}
}

// Startup processes every persisted timer record exactly once. Expired
// timers run the full finish sequence as an offline expiry; future
// timers resume Active tracking with a rebuilt in-memory timer. Records
// for devices no longer configured are discarded with a warning.
func (r *RecoveryCoordinator) Startup(ctx context.Context) error {
	records, err := r.store.All()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		r.logger.Info("No persisted boosts to recover")
		return nil
	}

	now := time.Now()
	for _, record := range records {
		if !r.manager.HasDevice(record.DeviceID) {
			r.logger.Warn("Discarding boost record for unknown device",
				zap.String("device", record.DeviceID),
				zap.Time("end", record.End))
			if err := r.store.Delete(record.DeviceID); err != nil {
				r.logger.Warn("Failed to discard stale record",
					zap.String("device", record.DeviceID),
					zap.Error(err))
			}
			continue
		}

		if record.End.After(now) {
			if err := r.manager.ResumeActive(record); err != nil {
				r.logger.Warn("Failed to resume boost",
					zap.String("device", record.DeviceID),
					zap.Error(err))
			}
			continue
		}

		r.logger.Info("Finishing boost that expired while offline",
			zap.String("device", record.DeviceID),
			zap.Time("end", record.End))
		if err := r.manager.AdoptRecord(record); err != nil {
			r.logger.Warn("Failed to adopt expired boost",
				zap.String("device", record.DeviceID),
				zap.Error(err))
			continue
		}
		if err := r.manager.FinishBoost(ctx, record.DeviceID); err != nil {
			r.logger.Warn("Offline expiry finish failed",
				zap.String("device", record.DeviceID),
				zap.Error(err))
		}
	}

	return nil
}
