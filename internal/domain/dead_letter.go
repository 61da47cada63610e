package domain

import "time"

// DeadLetterReason explains why a job left normal processing.
type DeadLetterReason string

const (
	ReasonPermanentError DeadLetterReason = "permanent_error"
	ReasonRetryExhausted DeadLetterReason = "retry_exhausted"
)

func (r DeadLetterReason) String() string { return string(r) }

// DeadLetterEntry keeps a failed job for manual inspection. Entries are never retried automatically.
type DeadLetterEntry struct {
	JobID          string
	CallerID       string
	Request        NotificationRequest
	AttemptCount   int
	AttemptHistory []AttemptRecord
	FinalError     string
	Reason         DeadLetterReason
	EnqueuedAt     time.Time
	FailedAt       time.Time
}
