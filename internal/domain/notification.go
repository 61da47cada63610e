package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Channel represents the delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

// Channels lists every supported delivery channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush}

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Priority selects which of the two work queues a job lands in.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

// Priorities is ordered from most to least urgent.
var Priorities = []Priority{PriorityHigh, PriorityLow}

func (p Priority) String() string { return string(p) }

func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityLow:
		return true
	}
	return false
}

func ParsePriorityFromString(s string) (Priority, error) {
	pr := Priority(strings.ToLower(strings.TrimSpace(s)))
	if !pr.IsValid() {
		return "", fmt.Errorf("%w: invalid priority %q", ErrValidation, s)
	}
	return pr, nil
}

const (
	MaxIdempotencyKeyLength = 255
	MaxRecipientLength      = 255
	MaxTemplateLength       = 128
	// MaxPayloadBytes bounds the JSON encoded size of a request payload.
	MaxPayloadBytes = 16 * 1024
)

// NotificationRequest is the caller supplied intent. It is immutable once accepted.
type NotificationRequest struct {
	IdempotencyKey string
	RecipientID    string
	Channel        Channel
	Priority       Priority
	Template       string
	Payload        map[string]any
	SubmittedAt    time.Time
}

// Normalize trims identifiers in place.
func (r *NotificationRequest) Normalize() {
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	r.RecipientID = strings.TrimSpace(r.RecipientID)
	r.Template = strings.TrimSpace(r.Template)
	r.Channel = Channel(strings.ToLower(strings.TrimSpace(r.Channel.String())))
	r.Priority = Priority(strings.ToLower(strings.TrimSpace(r.Priority.String())))
}

func (r *NotificationRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return ErrMissingIdempotencyKey
	}
	if len(r.IdempotencyKey) > MaxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency key exceeds %d characters", ErrValidation, MaxIdempotencyKeyLength)
	}
	if r.RecipientID == "" {
		return fmt.Errorf("%w: recipientId is required", ErrValidation)
	}
	if len(r.RecipientID) > MaxRecipientLength {
		return fmt.Errorf("%w: recipientId exceeds %d characters", ErrValidation, MaxRecipientLength)
	}
	if !r.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, r.Channel)
	}
	if !r.Priority.IsValid() {
		return fmt.Errorf("%w: invalid priority %q", ErrValidation, r.Priority)
	}
	if r.Template == "" {
		return fmt.Errorf("%w: template is required", ErrValidation)
	}
	if len(r.Template) > MaxTemplateLength {
		return fmt.Errorf("%w: template exceeds %d characters", ErrValidation, MaxTemplateLength)
	}

	encoded, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Errorf("%w: payload is not serializable: %v", ErrValidation, err)
	}
	if len(encoded) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes (got %d)", ErrValidation, MaxPayloadBytes, len(encoded))
	}

	return nil
}

// hashedRequest fixes field order for hashing. Map keys are sorted by encoding/json.
type hashedRequest struct {
	RecipientID string         `json:"recipientId"`
	Channel     Channel        `json:"channel"`
	Priority    Priority       `json:"priority"`
	Template    string         `json:"template"`
	Payload     map[string]any `json:"payload"`
}

// RequestHash digests the request body. The idempotency key and submission time are not part of it.
func (r *NotificationRequest) RequestHash() (string, error) {
	payload := r.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	encoded, err := json.Marshal(hashedRequest{
		RecipientID: r.RecipientID,
		Channel:     r.Channel,
		Priority:    r.Priority,
		Template:    r.Template,
		Payload:     payload,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode request for hashing: %w", err)
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// ResolvedNotification is what a channel adapter actually sends.
type ResolvedNotification struct {
	JobID    string
	Channel  Channel
	Address  string
	Template string
	Subject  string
	Body     string
	Data     map[string]any
}
