package provider

import (
	"context"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

// ChannelAdapter is the outbound delivery port implemented per channel.
type ChannelAdapter interface {
	Send(ctx context.Context, notification domain.ResolvedNotification) (*DeliveryReceipt, error)
}

// DeliveryReceipt is the adapter level acknowledgement of a send.
type DeliveryReceipt struct {
	StatusCode int
	Body       string
	MessageID  string
}
