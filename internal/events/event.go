package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

// Type names a delivery outcome that is broadcast to downstream consumers.
type Type string

const (
	TypeDelivered    Type = "delivered"
	TypeDeadLettered Type = "dead_lettered"
	TypeCancelled    Type = "cancelled"
)

// Event is the outbound notification of a terminal delivery outcome.
type Event struct {
	Type              Type                    `json:"type"`
	JobID             string                  `json:"jobId"`
	CallerID          string                  `json:"callerId"`
	Channel           domain.Channel          `json:"channel"`
	Priority          domain.Priority         `json:"priority"`
	AttemptCount      int                     `json:"attemptCount"`
	ProviderMessageID string                  `json:"providerMessageId,omitempty"`
	Reason            domain.DeadLetterReason `json:"reason,omitempty"`
	Error             string                  `json:"error,omitempty"`
	OccurredAt        time.Time               `json:"occurredAt"`
}

func (e Event) Validate() error {
	switch e.Type {
	case TypeDelivered, TypeDeadLettered, TypeCancelled:
	default:
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if strings.TrimSpace(e.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if !e.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", e.Channel)
	}
	return nil
}

// RoutingKey is "<type>.<channel>", e.g. "dead_lettered.sms".
func (e Event) RoutingKey() string {
	return fmt.Sprintf("%s.%s", e.Type, e.Channel)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops every event. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(_ context.Context, event Event) error { return event.Validate() }
func (NopPublisher) Close() error                                { return nil }
