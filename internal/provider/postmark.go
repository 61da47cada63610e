package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/mrz1836/postmark"
)

// Postmark API error codes that change how a failure is classified.
const (
	postmarkCodeBadToken        = 10
	postmarkCodeMaintenance     = 100
	postmarkCodeInvalidEmail    = 300
	postmarkCodeInactiveAddress = 406
	postmarkCodeRateLimited     = 429
)

// PostmarkProvider sends the email channel through Postmark's transactional API.
type PostmarkProvider struct {
	client *postmark.Client
	sender string
}

func NewPostmarkProvider(serverToken string, accountToken string, sender string) (*PostmarkProvider, error) {
	if strings.TrimSpace(serverToken) == "" {
		return nil, fmt.Errorf("postmark server token is required")
	}
	return NewPostmarkProviderWithClient(postmark.NewClient(serverToken, accountToken), sender)
}

func NewPostmarkProviderWithClient(client *postmark.Client, sender string) (*PostmarkProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("postmark client is required")
	}
	if strings.TrimSpace(sender) == "" {
		return nil, fmt.Errorf("email sender is required")
	}

	return &PostmarkProvider{
		client: client,
		sender: strings.TrimSpace(sender),
	}, nil
}

func (p *PostmarkProvider) Send(ctx context.Context, notification domain.ResolvedNotification) (*DeliveryReceipt, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if !strings.Contains(notification.Address, "@") {
		return nil, NewPermanentError(0, fmt.Sprintf("invalid email recipient %q", notification.Address), nil)
	}

	subject := notification.Subject
	if subject == "" {
		subject = notification.Template
	}

	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:     p.sender,
		To:       notification.Address,
		Subject:  subject,
		Tag:      notification.Template,
		TextBody: notification.Body,
	})
	if resp.ErrorCode > 0 {
		return nil, classifyPostmarkCode(resp.ErrorCode, resp.Message)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, NewTimeoutError(err)
		}
		return nil, NewTransientError(0, "postmark request failed", err)
	}

	return &DeliveryReceipt{
		StatusCode: 200,
		Body:       resp.Message,
		MessageID:  resp.MessageID,
	}, nil
}

func classifyPostmarkCode(code int64, message string) *ProviderError {
	msg := fmt.Sprintf("postmark error %d: %s", code, message)
	switch code {
	case postmarkCodeBadToken:
		return NewUnauthenticatedError(0, msg)
	case postmarkCodeMaintenance, postmarkCodeRateLimited:
		return NewTransientError(0, msg, nil)
	case postmarkCodeInvalidEmail, postmarkCodeInactiveAddress:
		return NewPermanentError(0, msg, nil)
	default:
		return NewPermanentError(0, msg, nil)
	}
}
