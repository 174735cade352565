// Package retry wraps calls to unreliable Home Assistant entities in a
// bounded availability-gated retry loop. Exhaustion is a degraded
// outcome, never a hard failure: the boost timer and temperature paths
// must not depend on an actuator ever coming back.
package retry

import (
	"context"
	"fmt"
	"time"

	"thermoboost/internal/ha"

	"go.uber.org/zap"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultPolicy matches the daemon's configuration defaults.
var DefaultPolicy = Policy{MaxAttempts: 5, Delay: 10 * time.Second}

// Executor runs actions against external entities with bounded retries.
type Executor struct {
	client ha.HAClient
	logger *zap.Logger
	policy Policy
}

// NewExecutor creates an executor with the given policy.
func NewExecutor(client ha.HAClient, policy Policy, logger *zap.Logger) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if policy.Delay <= 0 {
		policy.Delay = DefaultPolicy.Delay
	}
	return &Executor{
		client: client,
		logger: logger.Named("retry"),
		policy: policy,
	}
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs action until it succeeds, the attempt ceiling is reached, or
// ctx is cancelled. Before each attempt the target entity must report
// an available state; an unavailable target consumes an attempt and
// waits out the delay like a failed call. The returned error marks a
// degraded outcome for the caller's log, not a fault to propagate.
func (e *Executor) Do(ctx context.Context, label, targetEntity string, action func() error) error {
	var lastErr error

	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if targetEntity != "" && !e.client.EntityAvailable(targetEntity) {
			lastErr = fmt.Errorf("entity %s unavailable", targetEntity)
			e.logger.Debug("Target unavailable, deferring",
				zap.String("label", label),
				zap.String("entity_id", targetEntity),
				zap.Int("attempt", attempt))
		} else if lastErr = action(); lastErr == nil {
			if attempt > 1 {
				e.logger.Info("Action succeeded after retry",
					zap.String("label", label),
					zap.Int("attempt", attempt))
			}
			return nil
		} else {
			e.logger.Debug("Action failed, will retry",
				zap.String("label", label),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
		}

		if attempt == e.policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.policy.Delay):
		}
	}

	e.logger.Warn("Retries exhausted",
		zap.String("label", label),
		zap.String("entity_id", targetEntity),
		zap.Int("attempts", e.policy.MaxAttempts),
		zap.Error(lastErr))
	return fmt.Errorf("%s: retries exhausted: %w", label, lastErr)
}

// Go runs Do on a background goroutine; the result is only logged.
func (e *Executor) Go(ctx context.Context, label, targetEntity string, action func() error) {
	go func() {
		// Do already logs exhaustion; nothing more to report here.
		_ = e.Do(ctx, label, targetEntity, action)
	}()
}
