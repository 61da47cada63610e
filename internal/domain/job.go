package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job is the queued unit of work. It is deleted on delivery or dead-letter routing.
type Job struct {
	ID             string
	CallerID       string
	Request        NotificationRequest
	AttemptCount   int
	NextEligibleAt time.Time
	EnqueuedAt     time.Time
}

// NewJobID returns a time ordered identifier so ids sort in submission order.
func NewJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}
	return id.String(), nil
}
