package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kursadbilgin/dispatch-core/internal/domain"
	"github.com/mrz1836/postmark"
)

func newTestPostmarkProvider(t *testing.T, handler http.HandlerFunc) *PostmarkProvider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := postmark.NewClient("server-token", "account-token")
	client.BaseURL = server.URL

	p, err := NewPostmarkProviderWithClient(client, "noreply@example.com")
	if err != nil {
		t.Fatalf("NewPostmarkProviderWithClient() error = %v", err)
	}
	return p
}

func emailNotification() domain.ResolvedNotification {
	return domain.ResolvedNotification{
		JobID:    "job-7",
		Channel:  domain.ChannelEmail,
		Address:  "user@example.com",
		Template: "welcome",
		Subject:  "Welcome",
		Body:     "hello there",
	}
}

func TestPostmarkProviderSendSuccess(t *testing.T) {
	t.Parallel()

	var gotEmail map[string]any
	p := newTestPostmarkProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotEmail); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"To":"user@example.com","MessageID":"pm-123","ErrorCode":0,"Message":"OK"}`))
	})

	receipt, err := p.Send(context.Background(), emailNotification())
	if err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if receipt.MessageID != "pm-123" {
		t.Fatalf("MessageID = %q, want pm-123", receipt.MessageID)
	}
	if gotEmail["To"] != "user@example.com" {
		t.Fatalf("To = %v, want user@example.com", gotEmail["To"])
	}
	if gotEmail["From"] != "noreply@example.com" {
		t.Fatalf("From = %v, want noreply@example.com", gotEmail["From"])
	}
	if gotEmail["Subject"] != "Welcome" {
		t.Fatalf("Subject = %v, want Welcome", gotEmail["Subject"])
	}
}

func TestPostmarkProviderErrorCodes(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		body     string
		wantKind ErrorKind
	}{
		{name: "bad token", body: `{"ErrorCode":10,"Message":"Bad or missing API token"}`, wantKind: KindUnauthenticated},
		{name: "invalid email", body: `{"ErrorCode":300,"Message":"Invalid email request"}`, wantKind: KindProviderPermanent},
		{name: "inactive recipient", body: `{"ErrorCode":406,"Message":"Inactive recipient"}`, wantKind: KindProviderPermanent},
		{name: "maintenance", body: `{"ErrorCode":100,"Message":"Maintenance"}`, wantKind: KindProviderTransient},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := newTestPostmarkProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tc.body))
			})

			_, err := p.Send(context.Background(), emailNotification())
			if err == nil {
				t.Fatal("expected error")
			}
			if got := Classify(err); got != tc.wantKind {
				t.Fatalf("Classify() = %s, want %s (err=%v)", got, tc.wantKind, err)
			}
		})
	}
}

func TestPostmarkProviderInvalidAddressIsPermanent(t *testing.T) {
	t.Parallel()

	p := newTestPostmarkProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("provider should not be called for an invalid address")
	})

	notification := emailNotification()
	notification.Address = "not-an-email"

	_, err := p.Send(context.Background(), notification)
	if got := Classify(err); got != KindProviderPermanent {
		t.Fatalf("Classify() = %s, want provider_permanent", got)
	}
}

func TestNewPostmarkProviderValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPostmarkProvider("", "", "noreply@example.com"); err == nil {
		t.Fatal("expected error for missing server token")
	}
	if _, err := NewPostmarkProvider("token", "", ""); err == nil {
		t.Fatal("expected error for missing sender")
	}
}
