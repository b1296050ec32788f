package bus

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/parkgrid/parking/internal/log"
)

// Channel is the Redis pub/sub channel shared by all cloud pods.
const Channel = "parking:events"

// Relay bridges hubs running in different cloud pods over Redis pub/sub:
// every locally broadcast frame is published, every published frame from a
// sibling pod is re-broadcast locally. Each relay tags messages with a pod
// id so it can skip its own.
type Relay struct {
	client *redis.Client
	hub    *Hub
	pod    string
	log    zerolog.Logger
}

type relayEnvelope struct {
	Pod   string          `json:"pod"`
	Type  string          `json:"type"`
	Frame json.RawMessage `json:"frame"`
}

// NewRelay wires the relay into the hub; Run must be started by the caller.
func NewRelay(client *redis.Client, hub *Hub) *Relay {
	r := &Relay{
		client: client,
		hub:    hub,
		pod:    uuid.NewString(),
		log:    log.WithComponent("relay"),
	}
	hub.pub = r
	return r
}

// Publish forwards a frame to sibling pods. Failures are logged, not
// propagated: local fan-out already happened and a flaky Redis must not fail
// mutations.
func (r *Relay) Publish(ctx context.Context, enc Encoded) {
	env, _ := json.Marshal(relayEnvelope{Pod: r.pod, Type: enc.Type, Frame: enc.Data})
	if err := r.client.Publish(ctx, Channel, env).Err(); err != nil {
		r.log.Warn().Err(err).Str("type", enc.Type).Msg("relay publish failed")
	}
}

// Run subscribes and re-broadcasts sibling frames until ctx ends.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, Channel)
	defer sub.Close()
	ch := sub.Channel()
	r.log.Info().Str("channel", Channel).Msg("relay subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env relayEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Debug().Err(err).Msg("malformed relay envelope")
				continue
			}
			if env.Pod == r.pod {
				continue
			}
			// Heartbeats keep their exclude-the-sender semantics across
			// pods; everything else goes to all local sessions.
			except := ""
			if env.Type == TypeHeartbeat {
				if f, err := Decode(env.Frame); err == nil {
					except = f.Gate
				}
			}
			r.hub.broadcastRaw(env.Type, env.Frame, except)
		}
	}
}
