package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"podlive/internal/infrastructure/signal"
)

const roomChannel = "podlive:rooms"

type busMessage struct {
	InstanceID string          `json:"instance_id"`
	Envelope   signal.Envelope `json:"envelope"`
}

// RoomBus carries relay deliveries between instances over Redis pub/sub.
// Messages published by this instance are skipped on receipt.
type RoomBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ signal.Relay = (*RoomBus)(nil)

func NewRoomBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RoomBus {
	return &RoomBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

func (b *RoomBus) Publish(ctx context.Context, env signal.Envelope) error {
	data, err := encodeBusMessage(b.instanceID, env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, roomChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish room message: %w", err)
	}
	return nil
}

// Subscribe delivers envelopes from other instances until ctx is done.
func (b *RoomBus) Subscribe(ctx context.Context, deliver func(signal.Envelope)) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	b.pubsub = b.client.Subscribe(ctx, roomChannel)
	pubsub := b.pubsub
	b.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, own, err := decodeBusMessage(b.instanceID, []byte(msg.Payload))
			if err != nil {
				b.logger.Warnw("failed to unmarshal room message", "error", err)
				continue
			}
			if own {
				continue
			}
			deliver(env)
		}
	}
}

func (b *RoomBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

func encodeBusMessage(instanceID string, env signal.Envelope) ([]byte, error) {
	data, err := json.Marshal(busMessage{InstanceID: instanceID, Envelope: env})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal room message: %w", err)
	}
	return data, nil
}

// decodeBusMessage reports own=true for messages this instance published.
func decodeBusMessage(instanceID string, data []byte) (signal.Envelope, bool, error) {
	var msg busMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return signal.Envelope{}, false, err
	}
	return msg.Envelope, msg.InstanceID == instanceID, nil
}
