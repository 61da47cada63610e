package domain

import "time"

// Attempt is the outcome of one adapter call, as handed to the status ledger.
type Attempt struct {
	JobID             string
	Owner             string
	At                time.Time
	Outcome           Status
	Error             *string
	ProviderMessageID *string
	// MaxAttempts, when set, turns a failed_retryable outcome that uses up the last attempt
	// into failed_permanent within the same write.
	MaxAttempts int
	// RetryAt is stored with a failed_retryable outcome. The job cannot be claimed before it.
	RetryAt *time.Time
}

// FinalOutcome is the status the ledger stores once the attempt is counted as number.
func (a Attempt) FinalOutcome(number int) Status {
	if a.Outcome == StatusFailedRetryable && a.MaxAttempts > 0 && number >= a.MaxAttempts {
		return StatusFailedPermanent
	}
	return a.Outcome
}

// Record converts the attempt into a history entry with the given ordinal.
func (a Attempt) Record(number int) AttemptRecord {
	return AttemptRecord{
		Number:            number,
		Timestamp:         a.At,
		Outcome:           a.FinalOutcome(number),
		Error:             a.Error,
		ProviderMessageID: a.ProviderMessageID,
	}
}
