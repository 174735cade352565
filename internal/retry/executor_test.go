package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"thermoboost/internal/ha"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestExecutor(client ha.HAClient, maxAttempts int) *Executor {
	logger, _ := zap.NewDevelopment()
	return NewExecutor(client, Policy{MaxAttempts: maxAttempts, Delay: 5 * time.Millisecond}, logger)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	mockClient := ha.NewMockClient()
	mockClient.SetState("switch.test", "on", nil)
	executor := newTestExecutor(mockClient, 3)

	calls := 0
	err := executor.Do(context.Background(), "test action", "switch.test", func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	mockClient := ha.NewMockClient()
	mockClient.SetState("switch.test", "on", nil)
	executor := newTestExecutor(mockClient, 5)

	calls := 0
	err := executor.Do(context.Background(), "test action", "switch.test", func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("transient failure")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	mockClient := ha.NewMockClient()
	mockClient.SetState("switch.test", "on", nil)
	executor := newTestExecutor(mockClient, 3)

	calls := 0
	err := executor.Do(context.Background(), "test action", "switch.test", func() error {
		calls++
		return fmt.Errorf("permanent failure")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestDoWaitsForAvailability(t *testing.T) {
	mockClient := ha.NewMockClient()
	mockClient.SetState("switch.test", ha.StateUnavailable, nil)
	executor := newTestExecutor(mockClient, 10)

	// flip the entity available shortly after the first deferral
	go func() {
		time.Sleep(12 * time.Millisecond)
		mockClient.SetState("switch.test", "off", nil)
	}()

	calls := 0
	err := executor.Do(context.Background(), "test action", "switch.test", func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls, "action should not run while the target is unavailable")
}

func TestDoUnavailableConsumesAttempts(t *testing.T) {
	mockClient := ha.NewMockClient()
	executor := newTestExecutor(mockClient, 3)

	calls := 0
	err := executor.Do(context.Background(), "test action", "switch.missing", func() error {
		calls++
		return nil
	})

	assert.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	mockClient := ha.NewMockClient()
	mockClient.SetState("switch.test", "on", nil)
	executor := newTestExecutor(mockClient, 100)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(12 * time.Millisecond)
		cancel()
	}()

	err := executor.Do(ctx, "test action", "switch.test", func() error {
		calls++
		return fmt.Errorf("always fails")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 100)
}

func TestDoSkipsAvailabilityCheckWithoutTarget(t *testing.T) {
	mockClient := ha.NewMockClient()
	executor := newTestExecutor(mockClient, 3)

	calls := 0
	err := executor.Do(context.Background(), "test action", "", func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewExecutorNormalizesPolicy(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	executor := NewExecutor(ha.NewMockClient(), Policy{}, logger)

	assert.Equal(t, DefaultPolicy.MaxAttempts, executor.Policy().MaxAttempts)
	assert.Equal(t, DefaultPolicy.Delay, executor.Policy().Delay)
}
