// Package redis is the optional notification fan-out described in
// SPEC_FULL.md §3/§6.2: each event the in-process bus accepts is
// mirrored, once, right after it is enqueued for its subscribers (not
// after delivery), onto a Redis pub/sub channel
// so out-of-core dashboard/chat adapters can tail activity without
// polling Postgres. It carries no delivery guarantee and is never the
// system of record — ground truth stays in the workflow_events table.
// Grounded directly on the teacher's
// internal/infrastructure/redis/event_bus.go, generalized from a
// typed TaskCompletedEvent channel to a raw JSON mirror of any event.
package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"workflowkernel/internal/domain"
)

const defaultChannel = "workflowkernel:events"

// Mirror publishes raw event payloads onto a single Redis channel.
type Mirror struct {
	client  *redis.Client
	channel string
}

// NewClient opens a connection pool against address, following the
// teacher's internal/infrastructure/redis/client.go Ping-on-startup
// pattern.
func NewClient(address string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		PoolSize: 50,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// NewMirror wraps an already-connected client.
func NewMirror(client *redis.Client) *Mirror {
	return &Mirror{client: client, channel: defaultChannel}
}

// Mirror publishes a JSON envelope of {event_type, payload} onto the
// configured channel. Best-effort: the caller (eventbus.Bus) logs and
// discards any error rather than failing the originating publish.
func (m *Mirror) Mirror(ctx context.Context, eventType domain.EventType, payload []byte) error {
	envelope, err := marshalEnvelope(eventType, payload)
	if err != nil {
		return err
	}
	return m.client.Publish(ctx, m.channel, envelope).Err()
}

func marshalEnvelope(eventType domain.EventType, payload []byte) ([]byte, error) {
	type envelope struct {
		EventType domain.EventType `json:"event_type"`
		Payload   json.RawMessage  `json:"payload"`
	}
	return json.Marshal(envelope{EventType: eventType, Payload: payload})
}
