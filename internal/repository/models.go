package repository

import (
	"encoding/json"
	"time"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"gorm.io/datatypes"
)

// IdempotencyRecordModel is the persistence model for idempotency_records.
type IdempotencyRecordModel struct {
	CallerID       string              `gorm:"type:varchar(255);primaryKey"`
	IdempotencyKey string              `gorm:"type:varchar(255);primaryKey"`
	RequestHash    string              `gorm:"type:char(64);not null"`
	JobID          string              `gorm:"type:uuid;not null"`
	ResultStatus   domain.ResultStatus `gorm:"type:varchar(20);not null"`
	ResultBody     datatypes.JSON      `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time `gorm:"not null;index"`
}

func (IdempotencyRecordModel) TableName() string {
	return "idempotency_records"
}

// JobModel is the persistence model for jobs.
type JobModel struct {
	ID             string          `gorm:"type:uuid;primaryKey"`
	CallerID       string          `gorm:"type:varchar(255);not null"`
	IdempotencyKey string          `gorm:"type:varchar(255);not null"`
	RecipientID    string          `gorm:"type:varchar(255);not null"`
	Channel        domain.Channel  `gorm:"type:varchar(10);not null"`
	Priority       domain.Priority `gorm:"type:varchar(10);not null"`
	Template       string          `gorm:"type:varchar(128);not null"`
	Payload        datatypes.JSON  `gorm:"type:jsonb"`
	AttemptCount   int             `gorm:"not null;default:0"`
	NextEligibleAt time.Time       `gorm:"not null"`
	EnqueuedAt     time.Time       `gorm:"not null"`
	SubmittedAt    time.Time       `gorm:"not null"`
}

func (JobModel) TableName() string {
	return "jobs"
}

// DeliveryStatusModel is the persistence model for delivery_statuses.
type DeliveryStatusModel struct {
	JobID          string          `gorm:"type:uuid;primaryKey"`
	CallerID       string          `gorm:"type:varchar(255);not null"`
	Channel        domain.Channel  `gorm:"type:varchar(10);not null"`
	Priority       domain.Priority `gorm:"type:varchar(10);not null"`
	Status         domain.Status   `gorm:"type:varchar(20);not null"`
	LastError      *string         `gorm:"type:text"`
	AttemptCount   int             `gorm:"not null;default:0"`
	LeaseOwner     *string         `gorm:"type:varchar(64)"`
	LeaseExpiresAt *time.Time
	NextEligibleAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time `gorm:"not null"`
}

func (DeliveryStatusModel) TableName() string {
	return "delivery_statuses"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string        `gorm:"type:uuid;primaryKey"`
	JobID             string        `gorm:"type:uuid;not null"`
	Number            int           `gorm:"not null"`
	Outcome           domain.Status `gorm:"type:varchar(20);not null"`
	Error             *string       `gorm:"type:text"`
	ProviderMessageID *string       `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// DeadLetterModel is the persistence model for dead_letters.
type DeadLetterModel struct {
	JobID          string                  `gorm:"type:uuid;primaryKey"`
	CallerID       string                  `gorm:"type:varchar(255);not null"`
	IdempotencyKey string                  `gorm:"type:varchar(255);not null"`
	RecipientID    string                  `gorm:"type:varchar(255);not null"`
	Channel        domain.Channel          `gorm:"type:varchar(10);not null"`
	Priority       domain.Priority         `gorm:"type:varchar(10);not null"`
	Template       string                  `gorm:"type:varchar(128);not null"`
	Payload        datatypes.JSON          `gorm:"type:jsonb"`
	AttemptCount   int                     `gorm:"not null"`
	AttemptHistory datatypes.JSON          `gorm:"type:jsonb;not null"`
	FinalError     string                  `gorm:"type:text;not null"`
	Reason         domain.DeadLetterReason `gorm:"type:varchar(32);not null"`
	EnqueuedAt     time.Time
	SubmittedAt    time.Time
	FailedAt       time.Time `gorm:"not null;index"`
}

func (DeadLetterModel) TableName() string {
	return "dead_letters"
}

func idempotencyModelFromDomain(r *domain.IdempotencyRecord) *IdempotencyRecordModel {
	if r == nil {
		return nil
	}

	return &IdempotencyRecordModel{
		CallerID:       r.CallerID,
		IdempotencyKey: r.Key,
		RequestHash:    r.RequestHash,
		JobID:          r.JobID,
		ResultStatus:   r.ResultStatus,
		ResultBody:     datatypes.JSON(r.ResultBody),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func idempotencyModelToDomain(m *IdempotencyRecordModel) *domain.IdempotencyRecord {
	if m == nil {
		return nil
	}

	return &domain.IdempotencyRecord{
		CallerID:     m.CallerID,
		Key:          m.IdempotencyKey,
		RequestHash:  m.RequestHash,
		JobID:        m.JobID,
		ResultStatus: m.ResultStatus,
		ResultBody:   []byte(m.ResultBody),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
		ExpiresAt:    m.ExpiresAt,
	}
}

func jobModelFromDomain(j *domain.Job) (*JobModel, error) {
	if j == nil {
		return nil, nil
	}

	payload, err := encodePayload(j.Request.Payload)
	if err != nil {
		return nil, err
	}

	return &JobModel{
		ID:             j.ID,
		CallerID:       j.CallerID,
		IdempotencyKey: j.Request.IdempotencyKey,
		RecipientID:    j.Request.RecipientID,
		Channel:        j.Request.Channel,
		Priority:       j.Request.Priority,
		Template:       j.Request.Template,
		Payload:        payload,
		AttemptCount:   j.AttemptCount,
		NextEligibleAt: j.NextEligibleAt,
		EnqueuedAt:     j.EnqueuedAt,
		SubmittedAt:    j.Request.SubmittedAt,
	}, nil
}

func jobModelToDomain(m *JobModel) (*domain.Job, error) {
	if m == nil {
		return nil, nil
	}

	payload, err := decodePayload(m.Payload)
	if err != nil {
		return nil, err
	}

	return &domain.Job{
		ID:       m.ID,
		CallerID: m.CallerID,
		Request: domain.NotificationRequest{
			IdempotencyKey: m.IdempotencyKey,
			RecipientID:    m.RecipientID,
			Channel:        m.Channel,
			Priority:       m.Priority,
			Template:       m.Template,
			Payload:        payload,
			SubmittedAt:    m.SubmittedAt,
		},
		AttemptCount:   m.AttemptCount,
		NextEligibleAt: m.NextEligibleAt,
		EnqueuedAt:     m.EnqueuedAt,
	}, nil
}

func statusModelFromDomain(r *domain.DeliveryStatusRecord) *DeliveryStatusModel {
	if r == nil {
		return nil
	}

	return &DeliveryStatusModel{
		JobID:          r.JobID,
		CallerID:       r.CallerID,
		Channel:        r.Channel,
		Priority:       r.Priority,
		Status:         r.Status,
		LastError:      r.LastError,
		AttemptCount:   r.AttemptCount,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: r.LeaseExpiresAt,
		NextEligibleAt: r.NextEligibleAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func statusModelToDomain(m *DeliveryStatusModel, attempts []DeliveryAttemptModel) *domain.DeliveryStatusRecord {
	if m == nil {
		return nil
	}

	history := make([]domain.AttemptRecord, 0, len(attempts))
	for i := range attempts {
		history = append(history, attemptModelToDomain(&attempts[i]))
	}

	return &domain.DeliveryStatusRecord{
		JobID:          m.JobID,
		CallerID:       m.CallerID,
		Channel:        m.Channel,
		Priority:       m.Priority,
		Status:         m.Status,
		LastError:      m.LastError,
		AttemptCount:   m.AttemptCount,
		AttemptHistory: history,
		LeaseOwner:     m.LeaseOwner,
		LeaseExpiresAt: m.LeaseExpiresAt,
		NextEligibleAt: m.NextEligibleAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		ExpiresAt:      m.ExpiresAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) domain.AttemptRecord {
	return domain.AttemptRecord{
		Number:            m.Number,
		Timestamp:         m.CreatedAt,
		Outcome:           m.Outcome,
		Error:             m.Error,
		ProviderMessageID: m.ProviderMessageID,
	}
}

func deadLetterModelFromDomain(e *domain.DeadLetterEntry) (*DeadLetterModel, error) {
	if e == nil {
		return nil, nil
	}

	payload, err := encodePayload(e.Request.Payload)
	if err != nil {
		return nil, err
	}
	history, err := json.Marshal(e.AttemptHistory)
	if err != nil {
		return nil, err
	}

	return &DeadLetterModel{
		JobID:          e.JobID,
		CallerID:       e.CallerID,
		IdempotencyKey: e.Request.IdempotencyKey,
		RecipientID:    e.Request.RecipientID,
		Channel:        e.Request.Channel,
		Priority:       e.Request.Priority,
		Template:       e.Request.Template,
		Payload:        payload,
		AttemptCount:   e.AttemptCount,
		AttemptHistory: datatypes.JSON(history),
		FinalError:     e.FinalError,
		Reason:         e.Reason,
		EnqueuedAt:     e.EnqueuedAt,
		SubmittedAt:    e.Request.SubmittedAt,
		FailedAt:       e.FailedAt,
	}, nil
}

func deadLetterModelToDomain(m *DeadLetterModel) (*domain.DeadLetterEntry, error) {
	if m == nil {
		return nil, nil
	}

	payload, err := decodePayload(m.Payload)
	if err != nil {
		return nil, err
	}
	var history []domain.AttemptRecord
	if len(m.AttemptHistory) > 0 {
		if err := json.Unmarshal(m.AttemptHistory, &history); err != nil {
			return nil, err
		}
	}

	return &domain.DeadLetterEntry{
		JobID:    m.JobID,
		CallerID: m.CallerID,
		Request: domain.NotificationRequest{
			IdempotencyKey: m.IdempotencyKey,
			RecipientID:    m.RecipientID,
			Channel:        m.Channel,
			Priority:       m.Priority,
			Template:       m.Template,
			Payload:        payload,
			SubmittedAt:    m.SubmittedAt,
		},
		AttemptCount:   m.AttemptCount,
		AttemptHistory: history,
		FinalError:     m.FinalError,
		Reason:         m.Reason,
		EnqueuedAt:     m.EnqueuedAt,
		FailedAt:       m.FailedAt,
	}, nil
}

func encodePayload(payload map[string]any) (datatypes.JSON, error) {
	if payload == nil {
		return datatypes.JSON("{}"), nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func decodePayload(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
