package eventbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workflowkernel/internal/core/memgateway"
	"workflowkernel/internal/domain"
	"workflowkernel/internal/eventbus"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, memgateway.New(), nil)
	defer bus.Close()

	var received int32
	bus.Subscribe(domain.EventWorkflowCreated, func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), domain.EventWorkflowCreated, map[string]string{"workflow_id": uuid.New().String()}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublish_FanOutToMultipleSubscribers(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, memgateway.New(), nil)
	defer bus.Close()

	var a, b int32
	bus.Subscribe(domain.EventWorkflowCreated, func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&a, 1)
		return nil
	})
	bus.Subscribe(domain.EventWorkflowCreated, func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&b, 1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), domain.EventWorkflowCreated, map[string]string{}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&a) == 1 && atomic.LoadInt32(&b) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublish_RetriesThenDLQOnPermanentFailure(t *testing.T) {
	gw := memgateway.New()
	bus := eventbus.New(eventbus.Config{MaxRetries: 2, BackoffInitial: time.Millisecond, BackoffMultiplier: 1}, gw, nil)
	defer bus.Close()

	var attempts int32
	bus.Subscribe(domain.EventWorkflowCreated, func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	})

	workflowID := uuid.New()
	require.NoError(t, bus.Publish(context.Background(), domain.EventWorkflowCreated, map[string]string{"workflow_id": workflowID.String()}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&attempts) == 2
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		entries, err := gw.ReadOnly(context.Background()).DLQ().List(context.Background(), 10)
		require.NoError(t, err)
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPublish_SlowSubscriberDoesNotStallOthers(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, memgateway.New(), nil)
	defer bus.Close()

	release := make(chan struct{})
	var fastDelivered int32
	bus.Subscribe(domain.EventWorkflowCreated, func(ctx context.Context, payload []byte) error {
		<-release
		return nil
	})
	bus.Subscribe(domain.EventWorkflowCreated, func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&fastDelivered, 1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), domain.EventWorkflowCreated, map[string]string{}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fastDelivered) == 1
	}, time.Second, 10*time.Millisecond)

	close(release)
}

func TestPublish_MarshalError(t *testing.T) {
	bus := eventbus.New(eventbus.Config{}, memgateway.New(), nil)
	defer bus.Close()

	err := bus.Publish(context.Background(), domain.EventWorkflowCreated, make(chan int))
	assert.Error(t, err)
}
