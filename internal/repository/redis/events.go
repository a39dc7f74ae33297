package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/domain"
	"github.com/proxbalance/proxbalance/internal/evacuation"
	"github.com/proxbalance/proxbalance/internal/services/notify"
)

// Event channels.
const (
	ChannelEvacuation   = "events:evacuation"
	ChannelNotification = "events:automation"
)

var (
	_ evacuation.EventPublisher = (*Cache)(nil)
	_ notify.EventPublisher     = (*Cache)(nil)
)

// Event represents a real-time event.
type Event struct {
	Type       string          `json:"type"` // "evacuation.running", "automation.start", ...
	ResourceID string          `json:"resource_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel, eventType, resourceID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	event := Event{
		Type:       eventType,
		ResourceID: resourceID,
		Data:       raw,
		Timestamp:  time.Now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, c.key(channel), payload).Err()
}

// Subscribe subscribes to channels and returns a message channel closed when ctx ends.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = c.key(ch)
	}
	pubsub := c.client.Subscribe(ctx, names...)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}

// PublishSession announces an evacuation session update.
func (c *Cache) PublishSession(ctx context.Context, s *domain.EvacuationSession) error {
	return c.Publish(ctx, ChannelEvacuation, "evacuation."+string(s.Status), s.ID, s)
}

// PublishNotification mirrors an automation notification onto the event bus.
func (c *Cache) PublishNotification(ctx context.Context, event string, data map[string]interface{}) error {
	return c.Publish(ctx, ChannelNotification, "automation."+event, "", data)
}
