package handler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/kursadbilgin/dispatch-core/internal/queue"
	"github.com/kursadbilgin/dispatch-core/internal/repository"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100

	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

type DispatchService interface {
	Submit(ctx context.Context, callerID string, req domain.NotificationRequest) (*domain.SubmitResult, error)
	GetStatus(ctx context.Context, callerID string, jobID string) (*domain.DeliveryStatusRecord, error)
	Cancel(ctx context.Context, callerID string, jobID string) (*domain.DeliveryStatusRecord, error)
	GetDeadLetter(ctx context.Context, jobID string) (*domain.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error)
	QueueDepth(ctx context.Context) (queue.Depth, error)
}

type NotificationHandler struct {
	service  DispatchService
	validate *validator.Validate
}

func NewNotificationHandler(service DispatchService) (*NotificationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("dispatch service is required")
	}

	validate := validator.New()
	validate.RegisterTagNameFunc(jsonFieldName)

	return &NotificationHandler{service: service, validate: validate}, nil
}

// RegisterNotificationRoutes mounts the v1 API. Every route runs behind identity, which must
// resolve the caller.
func RegisterNotificationRoutes(router fiber.Router, service DispatchService, identity fiber.Handler) error {
	h, err := NewNotificationHandler(service)
	if err != nil {
		return err
	}
	if identity == nil {
		return fmt.Errorf("caller identity middleware is required")
	}

	v1 := router.Group("/v1", RequestContext(), identity)
	v1.Post("/notifications", h.SubmitNotification)
	v1.Get("/notifications/:jobId", h.GetNotificationStatus)
	v1.Post("/notifications/:jobId/cancel", h.CancelNotification)
	v1.Get("/dead-letters", h.ListDeadLetters)
	v1.Get("/dead-letters/:jobId", h.GetDeadLetter)
	v1.Get("/queues", h.GetQueueDepth)

	return nil
}

type submitNotificationRequest struct {
	IdempotencyKey string         `json:"idempotencyKey" validate:"omitempty,max=255"`
	RecipientID    string         `json:"recipientId" validate:"required,max=255"`
	Channel        string         `json:"channel" validate:"required"`
	Priority       string         `json:"priority" validate:"required"`
	Template       string         `json:"template" validate:"required,max=128"`
	Payload        map[string]any `json:"payload"`
}

type statusResponse struct {
	JobID          string                 `json:"jobId"`
	Channel        string                 `json:"channel"`
	Priority       string                 `json:"priority"`
	Status         string                 `json:"status"`
	LastError      *string                `json:"lastError,omitempty"`
	AttemptCount   int                    `json:"attemptCount"`
	AttemptHistory []domain.AttemptRecord `json:"attemptHistory"`
	NextEligibleAt *time.Time             `json:"nextEligibleAt,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

type deadLetterResponse struct {
	JobID          string                 `json:"jobId"`
	CallerID       string                 `json:"callerId"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	RecipientID    string                 `json:"recipientId"`
	Channel        string                 `json:"channel"`
	Priority       string                 `json:"priority"`
	Template       string                 `json:"template"`
	Payload        map[string]any         `json:"payload,omitempty"`
	AttemptCount   int                    `json:"attemptCount"`
	AttemptHistory []domain.AttemptRecord `json:"attemptHistory"`
	FinalError     string                 `json:"finalError"`
	Reason         string                 `json:"reason"`
	EnqueuedAt     time.Time              `json:"enqueuedAt"`
	FailedAt       time.Time              `json:"failedAt"`
}

type listDeadLettersResponse struct {
	Data []deadLetterResponse `json:"data"`
	Meta listMeta             `json:"meta"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *NotificationHandler) SubmitNotification(c *fiber.Ctx) error {
	var req submitNotificationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return toHTTPError(validationError(err))
	}

	key, err := idempotencyKey(c.Get(headerIdempotencyKey), req.IdempotencyKey)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.service.Submit(c.UserContext(), callerIDFromCtx(c), domain.NotificationRequest{
		IdempotencyKey: key,
		RecipientID:    req.RecipientID,
		Channel:        domain.Channel(req.Channel),
		Priority:       domain.Priority(req.Priority),
		Template:       req.Template,
		Payload:        req.Payload,
	})
	if err != nil {
		return toHTTPError(err)
	}

	if result.Replayed {
		c.Set(headerReplayed, "true")
		return c.Status(fiber.StatusOK).JSON(result)
	}
	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *NotificationHandler) GetNotificationStatus(c *fiber.Ctx) error {
	record, err := h.service.GetStatus(c.UserContext(), callerIDFromCtx(c), strings.TrimSpace(c.Params("jobId")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toStatusResponse(record))
}

func (h *NotificationHandler) CancelNotification(c *fiber.Ctx) error {
	record, err := h.service.Cancel(c.UserContext(), callerIDFromCtx(c), strings.TrimSpace(c.Params("jobId")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toStatusResponse(record))
}

func (h *NotificationHandler) ListDeadLetters(c *fiber.Ctx) error {
	params, err := parseDeadLetterListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	entries, total, err := h.service.ListDeadLetters(c.UserContext(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]deadLetterResponse, 0, len(entries))
	for i := range entries {
		data = append(data, toDeadLetterResponse(&entries[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listDeadLettersResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *NotificationHandler) GetDeadLetter(c *fiber.Ctx) error {
	entry, err := h.service.GetDeadLetter(c.UserContext(), strings.TrimSpace(c.Params("jobId")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toDeadLetterResponse(entry))
}

func (h *NotificationHandler) GetQueueDepth(c *fiber.Ctx) error {
	depth, err := h.service.QueueDepth(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(depth)
}

// idempotencyKey takes the key from the header or the body. Both may be sent only if they agree.
func idempotencyKey(header string, body string) (string, error) {
	header = strings.TrimSpace(header)
	body = strings.TrimSpace(body)

	switch {
	case header == "" && body == "":
		return "", domain.ErrMissingIdempotencyKey
	case header != "" && body != "" && header != body:
		return "", fmt.Errorf("%w: Idempotency-Key header and idempotencyKey field differ", domain.ErrValidation)
	case header != "":
		return header, nil
	default:
		return body, nil
	}
}

func parseDeadLetterListParams(c *fiber.Ctx) (repository.DeadLetterListParams, error) {
	params := repository.DeadLetterListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.DeadLetterListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.DeadLetterListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawChannel := strings.TrimSpace(c.Query("channel")); rawChannel != "" {
		channel, err := domain.ParseChannelFromString(rawChannel)
		if err != nil {
			return repository.DeadLetterListParams{}, err
		}
		params.Channel = &channel
	}

	if rawReason := strings.TrimSpace(c.Query("reason")); rawReason != "" {
		reason := domain.DeadLetterReason(strings.ToLower(rawReason))
		if reason != domain.ReasonPermanentError && reason != domain.ReasonRetryExhausted {
			return repository.DeadLetterListParams{}, fmt.Errorf("%w: invalid reason %q", domain.ErrValidation, rawReason)
		}
		params.Reason = &reason
	}

	return params, nil
}

func toStatusResponse(r *domain.DeliveryStatusRecord) statusResponse {
	history := r.AttemptHistory
	if history == nil {
		history = []domain.AttemptRecord{}
	}

	return statusResponse{
		JobID:          r.JobID,
		Channel:        r.Channel.String(),
		Priority:       r.Priority.String(),
		Status:         r.Status.String(),
		LastError:      r.LastError,
		AttemptCount:   r.AttemptCount,
		AttemptHistory: history,
		NextEligibleAt: r.NextEligibleAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func toDeadLetterResponse(e *domain.DeadLetterEntry) deadLetterResponse {
	history := e.AttemptHistory
	if history == nil {
		history = []domain.AttemptRecord{}
	}

	return deadLetterResponse{
		JobID:          e.JobID,
		CallerID:       e.CallerID,
		IdempotencyKey: e.Request.IdempotencyKey,
		RecipientID:    e.Request.RecipientID,
		Channel:        e.Request.Channel.String(),
		Priority:       e.Request.Priority.String(),
		Template:       e.Request.Template,
		Payload:        e.Request.Payload,
		AttemptCount:   e.AttemptCount,
		AttemptHistory: history,
		FinalError:     e.FinalError,
		Reason:         e.Reason.String(),
		EnqueuedAt:     e.EnqueuedAt,
		FailedAt:       e.FailedAt,
	}
}

// validationError flattens validator output into a domain validation error.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", domain.ErrValidation, fe.Field())
	case "max":
		return fmt.Errorf("%w: %s exceeds %s characters", domain.ErrValidation, fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%w: %s is invalid", domain.ErrValidation, fe.Field())
	}
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "" || name == "-" {
		return field.Name
	}
	return name
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrMissingIdempotencyKey),
		errors.Is(err, domain.ErrIdempotencyKeyReuse):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrQueueSaturated):
		return fiber.NewError(fiber.StatusTooManyRequests, err.Error())
	default:
		return err
	}
}
