// Package notify delivers automation lifecycle notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/proxbalance/proxbalance/internal/config"
)

// Event names.
const (
	EventStart    = "start"
	EventComplete = "complete"
	EventFailure  = "failure"
)

// EventPublisher fans notifications out to live subscribers (e.g. redis pub/sub).
type EventPublisher interface {
	PublishNotification(ctx context.Context, event string, data map[string]interface{}) error
}

// Payload is the webhook body.
type Payload struct {
	Event     string                 `json:"event"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Service posts notifications to the configured webhook.
type Service struct {
	config    config.NotificationsConfig
	client    *http.Client
	publisher EventPublisher
	logger    *zap.Logger
}

// NewService creates a new notification service. publisher may be nil.
func NewService(cfg config.NotificationsConfig, publisher EventPublisher, logger *zap.Logger) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		config:    cfg,
		client:    &http.Client{Timeout: timeout},
		publisher: publisher,
		logger:    logger.With(zap.String("service", "notify")),
	}
}

// Enabled reports whether event is delivered.
func (s *Service) Enabled(event string) bool {
	if !s.config.Enabled {
		return false
	}
	switch event {
	case EventStart:
		return s.config.OnStart
	case EventComplete:
		return s.config.OnComplete
	case EventFailure:
		return s.config.OnFailure
	default:
		return false
	}
}

// Notify delivers event when it is enabled. Disabled events are a no-op.
func (s *Service) Notify(ctx context.Context, event string, data map[string]interface{}) error {
	if !s.Enabled(event) {
		return nil
	}

	payload := Payload{
		Event:     event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	if s.publisher != nil {
		if err := s.publisher.PublishNotification(ctx, event, data); err != nil {
			s.logger.Warn("Failed to publish notification event", zap.String("event", event), zap.Error(err))
		}
	}

	if s.config.WebhookURL == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	s.logger.Debug("Notification sent", zap.String("event", event))
	return nil
}
