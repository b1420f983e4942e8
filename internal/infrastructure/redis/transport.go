package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"buyme-realtime/internal/domain"
	"buyme-realtime/pkg/logger"

	"github.com/go-redis/redis/v8"
)

var errSubscriptionClosed = errors.New("redis subscription closed")

// Transport is the Redis pub/sub implementation of domain.Transport, for
// headless consumers that sit next to the marketplace instead of behind its
// websocket edge. Inbound events arrive on one fan-out channel; outbound
// commands are published to another.
type Transport struct {
	client         *redis.Client
	eventChannel   string
	commandChannel string
	log            logger.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	ch     <-chan *redis.Message
}

func NewTransport(client *redis.Client, eventChannel, commandChannel string, log logger.Logger) *Transport {
	return &Transport{
		client:         client,
		eventChannel:   eventChannel,
		commandChannel: commandChannel,
		log:            log,
	}
}

func (t *Transport) Dial(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return err
	}

	pubsub := t.client.Subscribe(ctx, t.eventChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}

	t.mu.Lock()
	if t.pubsub != nil {
		t.pubsub.Close()
	}
	t.pubsub = pubsub
	t.ch = pubsub.Channel()
	t.mu.Unlock()

	t.log.Debug("Subscribed to event channel", "channel", t.eventChannel)
	return nil
}

func (t *Transport) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.client.Publish(ctx, t.commandChannel, data).Err()
}

func (t *Transport) Receive(ctx context.Context) (*domain.Event, error) {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()

	if ch == nil {
		return nil, errSubscriptionClosed
	}

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil, errSubscriptionClosed
			}
			var event domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				// Skip garbage on the channel rather than tearing the
				// connection down.
				t.log.Error("Failed to parse event", "payload", msg.Payload, "error", err)
				continue
			}
			return &event, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pubsub == nil {
		return nil
	}
	err := t.pubsub.Close()
	t.pubsub = nil
	t.ch = nil
	return err
}
