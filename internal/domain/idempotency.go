package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResultStatus is the outcome stored against an idempotency key.
type ResultStatus string

const (
	ResultPending   ResultStatus = "pending"
	ResultSucceeded ResultStatus = "succeeded"
	ResultFailed    ResultStatus = "failed"
)

func (s ResultStatus) String() string { return string(s) }

// IdempotencyRecord is keyed by (CallerID, Key).
type IdempotencyRecord struct {
	CallerID     string
	Key          string
	RequestHash  string
	JobID        string
	ResultStatus ResultStatus
	ResultBody   []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}

// Expired records are treated as absent.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// SubmitResult is the response a submission returns and later replays.
type SubmitResult struct {
	JobID             string `json:"jobId"`
	Status            Status `json:"status"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
	Replayed          bool   `json:"-"`
}

func (r SubmitResult) Encode() ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode submit result: %w", err)
	}
	return body, nil
}

func DecodeSubmitResult(body []byte) (*SubmitResult, error) {
	var result SubmitResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode submit result: %w", err)
	}
	return &result, nil
}
