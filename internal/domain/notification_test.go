package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseStatusFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Status
		wantErr bool
	}{
		{name: "valid lowercase", input: "delivered", want: StatusDelivered},
		{name: "valid uppercase with spaces", input: " QUEUED ", want: StatusQueued},
		{name: "invalid", input: "unknown", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseStatusFromString(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("ParseStatusFromString() error = %v, want ErrValidation", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("ParseStatusFromString() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseStatusFromString() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseChannelFromString(t *testing.T) {
	t.Parallel()

	got, err := ParseChannelFromString(" SMS ")
	if err != nil {
		t.Fatalf("ParseChannelFromString() unexpected error = %v", err)
	}
	if got != ChannelSMS {
		t.Fatalf("ParseChannelFromString() = %s, want %s", got, ChannelSMS)
	}

	_, err = ParseChannelFromString("fax")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ParseChannelFromString() error = %v, want ErrValidation", err)
	}
}

func TestParsePriorityFromString(t *testing.T) {
	t.Parallel()

	got, err := ParsePriorityFromString(" High ")
	if err != nil {
		t.Fatalf("ParsePriorityFromString() unexpected error = %v", err)
	}
	if got != PriorityHigh {
		t.Fatalf("ParsePriorityFromString() = %s, want %s", got, PriorityHigh)
	}

	_, err = ParsePriorityFromString("normal")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("ParsePriorityFromString() error = %v, want ErrValidation", err)
	}
}

func validRequest() NotificationRequest {
	return NotificationRequest{
		IdempotencyKey: "k1",
		RecipientID:    "user@example.com",
		Channel:        ChannelEmail,
		Priority:       PriorityHigh,
		Template:       "welcome",
		Payload:        map[string]any{"subject": "Hi", "body": "hello"},
	}
}

func TestNotificationRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*NotificationRequest)
		wantErr error
	}{
		{
			name:   "valid request",
			mutate: func(r *NotificationRequest) {},
		},
		{
			name:    "missing idempotency key",
			mutate:  func(r *NotificationRequest) { r.IdempotencyKey = "" },
			wantErr: ErrMissingIdempotencyKey,
		},
		{
			name:    "idempotency key too long",
			mutate:  func(r *NotificationRequest) { r.IdempotencyKey = strings.Repeat("k", MaxIdempotencyKeyLength+1) },
			wantErr: ErrValidation,
		},
		{
			name:    "missing recipient",
			mutate:  func(r *NotificationRequest) { r.RecipientID = "" },
			wantErr: ErrValidation,
		},
		{
			name:    "invalid channel",
			mutate:  func(r *NotificationRequest) { r.Channel = Channel("fax") },
			wantErr: ErrValidation,
		},
		{
			name:    "invalid priority",
			mutate:  func(r *NotificationRequest) { r.Priority = Priority("urgent") },
			wantErr: ErrValidation,
		},
		{
			name:    "missing template",
			mutate:  func(r *NotificationRequest) { r.Template = "" },
			wantErr: ErrValidation,
		},
		{
			name: "payload over limit",
			mutate: func(r *NotificationRequest) {
				r.Payload = map[string]any{"body": strings.Repeat("a", MaxPayloadBytes)}
			},
			wantErr: ErrValidation,
		},
		{
			name:   "nil payload accepted",
			mutate: func(r *NotificationRequest) { r.Payload = nil },
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			current := validRequest()
			tt.mutate(&current)

			err := current.Validate()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Validate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}

			if err != nil {
				t.Fatalf("Validate() unexpected error = %v", err)
			}
		})
	}
}

func TestNotificationRequestNormalize(t *testing.T) {
	t.Parallel()

	req := NotificationRequest{
		IdempotencyKey: "  k1 ",
		RecipientID:    " +905551112233 ",
		Channel:        Channel(" SMS"),
		Priority:       Priority("LOW "),
		Template:       " otp ",
	}
	req.Normalize()

	if req.IdempotencyKey != "k1" || req.RecipientID != "+905551112233" || req.Template != "otp" {
		t.Fatalf("Normalize() left whitespace: %+v", req)
	}
	if req.Channel != ChannelSMS || req.Priority != PriorityLow {
		t.Fatalf("Normalize() channel/priority = %s/%s, want sms/low", req.Channel, req.Priority)
	}
}

func TestRequestHash(t *testing.T) {
	t.Parallel()

	a := validRequest()
	b := validRequest()
	b.IdempotencyKey = "other-key"
	b.SubmittedAt = time.Unix(1_700_000_000, 0)
	// Same content with keys inserted in a different order.
	b.Payload = map[string]any{"body": "hello", "subject": "Hi"}

	hashA, err := a.RequestHash()
	if err != nil {
		t.Fatalf("RequestHash() error = %v", err)
	}
	hashB, err := b.RequestHash()
	if err != nil {
		t.Fatalf("RequestHash() error = %v", err)
	}
	if hashA != hashB {
		t.Fatalf("hash mismatch for equivalent requests: %s != %s", hashA, hashB)
	}

	c := validRequest()
	c.Payload["body"] = "different"
	hashC, err := c.RequestHash()
	if err != nil {
		t.Fatalf("RequestHash() error = %v", err)
	}
	if hashC == hashA {
		t.Fatal("different payloads must produce different hashes")
	}

	empty := validRequest()
	empty.Payload = nil
	withEmptyMap := validRequest()
	withEmptyMap.Payload = map[string]any{}
	h1, _ := empty.RequestHash()
	h2, _ := withEmptyMap.RequestHash()
	if h1 != h2 {
		t.Fatal("nil and empty payload should hash identically")
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{from: StatusQueued, to: StatusInProgress, want: true},
		{from: StatusQueued, to: StatusCancelled, want: true},
		{from: StatusInProgress, to: StatusDelivered, want: true},
		{from: StatusInProgress, to: StatusFailedRetryable, want: true},
		{from: StatusInProgress, to: StatusCancelled, want: false},
		{from: StatusFailedRetryable, to: StatusQueued, want: true},
		{from: StatusDelivered, to: StatusQueued, want: false},
		{from: StatusFailedPermanent, to: StatusInProgress, want: false},
		{from: StatusCancelled, to: StatusQueued, want: false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDeliveryStatusRecordClaimable(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	expired := now.Add(-time.Second)
	active := now.Add(time.Minute)

	tests := []struct {
		name   string
		record DeliveryStatusRecord
		want   bool
	}{
		{name: "queued", record: DeliveryStatusRecord{Status: StatusQueued}, want: true},
		{name: "retryable", record: DeliveryStatusRecord{Status: StatusFailedRetryable}, want: true},
		{name: "retryable past retry time", record: DeliveryStatusRecord{Status: StatusFailedRetryable, NextEligibleAt: &expired}, want: true},
		{name: "retryable before retry time", record: DeliveryStatusRecord{Status: StatusFailedRetryable, NextEligibleAt: &active}, want: false},
		{name: "failed permanent", record: DeliveryStatusRecord{Status: StatusFailedPermanent}, want: false},
		{name: "in progress with active lease", record: DeliveryStatusRecord{Status: StatusInProgress, LeaseExpiresAt: &active}, want: false},
		{name: "in progress with expired lease", record: DeliveryStatusRecord{Status: StatusInProgress, LeaseExpiresAt: &expired}, want: true},
		{name: "delivered", record: DeliveryStatusRecord{Status: StatusDelivered}, want: false},
		{name: "cancelled", record: DeliveryStatusRecord{Status: StatusCancelled}, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.record.Claimable(now); got != tt.want {
				t.Fatalf("Claimable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAttemptFinalOutcome(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt Attempt
		number  int
		want    Status
	}{
		{name: "retryable below limit", attempt: Attempt{Outcome: StatusFailedRetryable, MaxAttempts: 3}, number: 2, want: StatusFailedRetryable},
		{name: "retryable on last attempt", attempt: Attempt{Outcome: StatusFailedRetryable, MaxAttempts: 3}, number: 3, want: StatusFailedPermanent},
		{name: "retryable past limit", attempt: Attempt{Outcome: StatusFailedRetryable, MaxAttempts: 3}, number: 4, want: StatusFailedPermanent},
		{name: "no limit", attempt: Attempt{Outcome: StatusFailedRetryable}, number: 10, want: StatusFailedRetryable},
		{name: "delivered on last attempt", attempt: Attempt{Outcome: StatusDelivered, MaxAttempts: 3}, number: 3, want: StatusDelivered},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.attempt.FinalOutcome(tt.number); got != tt.want {
				t.Fatalf("FinalOutcome(%d) = %s, want %s", tt.number, got, tt.want)
			}
			if got := tt.attempt.Record(tt.number).Outcome; got != tt.want {
				t.Fatalf("Record(%d).Outcome = %s, want %s", tt.number, got, tt.want)
			}
		})
	}
}

func TestSubmitResultRoundTrip(t *testing.T) {
	t.Parallel()

	body, err := SubmitResult{JobID: "j1", Status: StatusQueued, Replayed: true}.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Contains(string(body), "Replayed") {
		t.Fatalf("replay flag must not be persisted: %s", body)
	}

	decoded, err := DecodeSubmitResult(body)
	if err != nil {
		t.Fatalf("DecodeSubmitResult() error = %v", err)
	}
	if decoded.JobID != "j1" || decoded.Status != StatusQueued || decoded.Replayed {
		t.Fatalf("decoded = %+v", decoded)
	}
}
