package domain

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a delivery.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusInProgress      Status = "in_progress"
	StatusDelivered       Status = "delivered"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedPermanent Status = "failed_permanent"
	StatusCancelled       Status = "cancelled"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusDelivered, StatusFailedRetryable, StatusFailedPermanent, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusFailedPermanent, StatusCancelled:
		return true
	}
	return false
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

var transitions = map[Status][]Status{
	StatusQueued:          {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusDelivered, StatusFailedRetryable, StatusFailedPermanent},
	StatusFailedRetryable: {StatusQueued, StatusFailedPermanent},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AttemptRecord is one entry of a delivery's attempt history.
type AttemptRecord struct {
	Number            int       `json:"number"`
	Timestamp         time.Time `json:"timestamp"`
	Outcome           Status    `json:"outcome"`
	Error             *string   `json:"error,omitempty"`
	ProviderMessageID *string   `json:"providerMessageId,omitempty"`
}

// DeliveryStatusRecord is the per job lifecycle record.
// len(AttemptHistory) always equals AttemptCount.
type DeliveryStatusRecord struct {
	JobID          string
	CallerID       string
	Channel        Channel
	Priority       Priority
	Status         Status
	LastError      *string
	AttemptCount   int
	AttemptHistory []AttemptRecord
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	NextEligibleAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// LeaseActive reports whether a worker currently holds the record.
func (r *DeliveryStatusRecord) LeaseActive(now time.Time) bool {
	return r.Status == StatusInProgress && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}

// Claimable reports whether a worker may take the lease at now. An in_progress record is
// claimable once its lease has expired, a failed_retryable one once its retry time has passed.
func (r *DeliveryStatusRecord) Claimable(now time.Time) bool {
	switch r.Status {
	case StatusQueued:
		return true
	case StatusFailedRetryable:
		return r.NextEligibleAt == nil || !r.NextEligibleAt.After(now)
	case StatusInProgress:
		return !r.LeaseActive(now)
	}
	return false
}

// RetryPending reports whether a failed_retryable record is still waiting out its backoff.
func (r *DeliveryStatusRecord) RetryPending(now time.Time) bool {
	return r.Status == StatusFailedRetryable && r.NextEligibleAt != nil && r.NextEligibleAt.After(now)
}
