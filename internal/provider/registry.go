package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

var defaultTimeouts = map[domain.Channel]time.Duration{
	domain.ChannelEmail: 30 * time.Second,
	domain.ChannelPush:  30 * time.Second,
	domain.ChannelSMS:   10 * time.Second,
}

// Registry resolves the adapter and send timeout for a channel.
type Registry struct {
	adapters map[domain.Channel]ChannelAdapter
	timeouts map[domain.Channel]time.Duration
}

func NewRegistry() *Registry {
	timeouts := make(map[domain.Channel]time.Duration, len(defaultTimeouts))
	for channel, timeout := range defaultTimeouts {
		timeouts[channel] = timeout
	}

	return &Registry{
		adapters: make(map[domain.Channel]ChannelAdapter),
		timeouts: timeouts,
	}
}

// Register binds an adapter to a channel. A zero timeout keeps the channel default.
func (r *Registry) Register(channel domain.Channel, adapter ChannelAdapter, timeout time.Duration) {
	r.adapters[channel] = adapter
	if timeout > 0 {
		r.timeouts[channel] = timeout
	}
}

func (r *Registry) Timeout(channel domain.Channel) time.Duration {
	if timeout, ok := r.timeouts[channel]; ok {
		return timeout
	}
	return defaultTimeouts[domain.ChannelEmail]
}

// Send invokes the channel's adapter bounded by the channel timeout.
// A missing adapter is a permanent failure.
func (r *Registry) Send(ctx context.Context, notification domain.ResolvedNotification) (*DeliveryReceipt, error) {
	adapter, ok := r.adapters[notification.Channel]
	if !ok || adapter == nil {
		return nil, NewPermanentError(0, fmt.Sprintf("no adapter registered for channel %q", notification.Channel), nil)
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.Timeout(notification.Channel))
	defer cancel()

	receipt, err := adapter.Send(sendCtx, notification)
	if err != nil {
		if sendCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, NewTimeoutError(err)
		}
		return nil, err
	}
	return receipt, nil
}

// Resolve builds the adapter payload from a job. The recipient id is used as the address and
// pre-rendered subject and body are read from the payload.
func Resolve(job domain.Job) domain.ResolvedNotification {
	req := job.Request
	return domain.ResolvedNotification{
		JobID:    job.ID,
		Channel:  req.Channel,
		Address:  req.RecipientID,
		Template: req.Template,
		Subject:  payloadString(req.Payload, "subject"),
		Body:     payloadString(req.Payload, "body"),
		Data:     req.Payload,
	}
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	value, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}
