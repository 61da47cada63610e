package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
)

// Message is the queue payload. The job itself lives in the job store.
type Message struct {
	JobID    string          `json:"jobId"`
	Channel  domain.Channel  `json:"channel"`
	Priority domain.Priority `json:"priority"`
}

func (m Message) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return fmt.Errorf("jobId is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if !m.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", m.Priority)
	}
	return nil
}

// MessageForJob builds the queue message for a job.
func MessageForJob(job *domain.Job) Message {
	return Message{
		JobID:    job.ID,
		Channel:  job.Request.Channel,
		Priority: job.Request.Priority,
	}
}
