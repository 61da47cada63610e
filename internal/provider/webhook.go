package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

const defaultWebhookTimeout = 30 * time.Second

type webhookRequest struct {
	JobID    string         `json:"jobId"`
	To       string         `json:"to"`
	Channel  string         `json:"channel"`
	Template string         `json:"template"`
	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body"`
	Data     map[string]any `json:"data,omitempty"`
}

// WebhookProvider posts notifications to an HTTP gateway. It backs the sms and push channels.
type WebhookProvider struct {
	client   *resty.Client
	endpoint string
	token    string
}

func NewWebhookProvider(endpoint string, token string) (*WebhookProvider, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookProviderWithClient(endpoint, token, client)
}

func NewWebhookProviderWithClient(endpoint string, token string, client *resty.Client) (*WebhookProvider, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookProvider{
		client:   client,
		endpoint: trimmedEndpoint,
		token:    strings.TrimSpace(token),
	}, nil
}

func (p *WebhookProvider) Send(ctx context.Context, notification domain.ResolvedNotification) (*DeliveryReceipt, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if strings.TrimSpace(notification.Address) == "" {
		return nil, NewPermanentError(0, "recipient address is empty", nil)
	}

	req := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", notification.JobID).
		SetBody(webhookRequest{
			JobID:    notification.JobID,
			To:       notification.Address,
			Channel:  notification.Channel.String(),
			Template: notification.Template,
			Subject:  notification.Subject,
			Body:     notification.Body,
			Data:     notification.Data,
		})
	if p.token != "" {
		req.SetAuthToken(p.token)
	}

	response, err := req.Post(p.endpoint)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, NewTimeoutError(err)
		}
		if errors.Is(err, context.Canceled) {
			return nil, NewPermanentError(0, "provider request canceled", err)
		}
		return nil, NewTransientError(0, "provider request failed", err)
	}
	if response == nil {
		return nil, NewTransientError(0, "provider returned empty response", nil)
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &DeliveryReceipt{
			StatusCode: statusCode,
			Body:       responseBody,
			MessageID:  providerMessageID(response),
		}, nil
	}

	return nil, classifyHTTPStatus(statusCode, providerErrorMessage(statusCode, responseBody))
}

func classifyHTTPStatus(statusCode int, message string) *ProviderError {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewUnauthenticatedError(statusCode, message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return &ProviderError{Kind: KindTimeout, StatusCode: statusCode, Message: message}
	case statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599):
		return NewTransientError(statusCode, message, nil)
	default:
		return NewPermanentError(statusCode, message, nil)
	}
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Message-ID", "X-Request-ID", "X-Correlation-ID"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
