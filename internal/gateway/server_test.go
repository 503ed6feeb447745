package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/mkallio/calgate/internal/config"
	"github.com/mkallio/calgate/internal/dedupe"
	"github.com/mkallio/calgate/internal/queue"
	"github.com/mkallio/calgate/internal/signature"
)

// mockQueue records enqueued deliveries for assertions.
type mockQueue struct {
	enqueued  []queue.EnqueueRequest
	enqueueFn func(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

func (m *mockQueue) Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error) {
	if m.enqueueFn != nil {
		id, err := m.enqueueFn(ctx, req)
		if err != nil {
			return "", err
		}
		m.enqueued = append(m.enqueued, req)
		return id, nil
	}
	m.enqueued = append(m.enqueued, req)
	return fmt.Sprintf("delivery-%d", len(m.enqueued)), nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Webhook.SharedToken = "shared-token"
	cfg.Webhook.SigningKey = "signing-key"
	cfg.Webhook.Path = config.DefaultWebhookPath
	cfg.Webhook.MaxBodySize = config.DefaultMaxBodySize
	return cfg
}

func newTestServer(cfg *config.Config) (*Server, *mockQueue, *dedupe.MemoryStore) {
	mq := &mockQueue{}
	store := dedupe.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s := New(&config.StaticProvider{Config: cfg}, store, mq, logger)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s, mq, store
}

func postWebhook(s *Server, body []byte, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", config.DefaultWebhookPath, bytes.NewReader(body))
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	s.handleReceive(rec, req)
	return rec
}

func TestReceive_TokenAuth(t *testing.T) {
	s, mq, _ := newTestServer(testConfig())
	body := []byte(`{"event":"invitee.created","created_at":"2026-02-28T12:00:00Z"}`)

	rec := postWebhook(s, body, func(r *http.Request) {
		q := r.URL.Query()
		q.Set("token", "shared-token")
		r.URL.RawQuery = q.Encode()
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(mq.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(mq.enqueued))
	}
	if string(mq.enqueued[0].Payload) != string(body) {
		t.Errorf("payload = %s", mq.enqueued[0].Payload)
	}
	if mq.enqueued[0].IntakeKey == "" {
		t.Error("intake key missing on enqueued delivery")
	}

	var resp ReceiveResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "accepted" || resp.DeliveryID == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestReceive_SignatureAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Webhook.SharedToken = ""
	s, mq, _ := newTestServer(cfg)

	body := []byte(`{"event":"invitee.created"}`)
	header := signature.FormatHeader("signing-key", time.Unix(1700000000, 0), body)

	rec := postWebhook(s, body, func(r *http.Request) {
		r.Header.Set(SignatureHeader, header)
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(mq.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1", len(mq.enqueued))
	}
}

func TestReceive_SignatureFallbackAfterTokenMismatch(t *testing.T) {
	// A wrong token still passes when the signature checks out.
	s, mq, _ := newTestServer(testConfig())

	body := []byte(`{"event":"invitee.created"}`)
	header := signature.FormatHeader("signing-key", time.Unix(1700000000, 0), body)

	rec := postWebhook(s, body, func(r *http.Request) {
		q := r.URL.Query()
		q.Set("token", "wrong")
		r.URL.RawQuery = q.Encode()
		r.Header.Set(SignatureHeader, header)
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(mq.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1", len(mq.enqueued))
	}
}

func TestReceive_Unauthorized(t *testing.T) {
	s, mq, _ := newTestServer(testConfig())
	body := []byte(`{"event":"invitee.created"}`)

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"no credentials", nil},
		{"wrong token only", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", "wrong")
			r.URL.RawQuery = q.Encode()
		}},
		{"bad signature", func(r *http.Request) {
			r.Header.Set(SignatureHeader, "t=1700000000,v1=deadbeef")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postWebhook(s, body, tt.mutate)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
	if len(mq.enqueued) != 0 {
		t.Errorf("enqueued = %d, want 0", len(mq.enqueued))
	}
}

func TestReceive_AuthNotConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Webhook.SharedToken = ""
	cfg.Webhook.SigningKey = ""
	cfg.Calendly.SigningKey = ""
	s, mq, _ := newTestServer(cfg)

	rec := postWebhook(s, []byte(`{"event":"x"}`), nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if len(mq.enqueued) != 0 {
		t.Errorf("enqueued = %d, want 0", len(mq.enqueued))
	}
}

func TestReceive_FallbackSigningKey(t *testing.T) {
	cfg := testConfig()
	cfg.Webhook.SharedToken = ""
	cfg.Webhook.SigningKey = ""
	cfg.Calendly.SigningKey = "fallback-key"
	s, _, _ := newTestServer(cfg)

	body := []byte(`{"event":"invitee.created"}`)
	header := signature.FormatHeader("fallback-key", time.Unix(1700000000, 0), body)

	rec := postWebhook(s, body, func(r *http.Request) {
		r.Header.Set(SignatureHeader, header)
	})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReceive_MalformedJSON(t *testing.T) {
	s, mq, _ := newTestServer(testConfig())

	for _, body := range []string{"not json", `"just a string"`, `[1,2,3]`, `null`} {
		rec := postWebhook(s, []byte(body), func(r *http.Request) {
			q := r.URL.Query()
			q.Set("token", "shared-token")
			r.URL.RawQuery = q.Encode()
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if len(mq.enqueued) != 0 {
		t.Errorf("enqueued = %d, want 0", len(mq.enqueued))
	}
}

func TestReceive_PayloadTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.Webhook.MaxBodySize = 64
	s, _, _ := newTestServer(cfg)

	big := append([]byte(`{"pad":"`), bytes.Repeat([]byte("x"), 128)...)
	big = append(big, []byte(`"}`)...)

	rec := postWebhook(s, big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestReceive_DuplicateDelivery(t *testing.T) {
	s, mq, _ := newTestServer(testConfig())
	body := []byte(`{"event":"invitee.created","created_at":"2026-02-28T12:00:00Z","payload":{"event":"https://api.calendly.com/scheduled_events/AAA","invitee":"https://api.calendly.com/scheduled_events/AAA/invitees/BBB"}}`)

	withToken := func(r *http.Request) {
		q := r.URL.Query()
		q.Set("token", "shared-token")
		r.URL.RawQuery = q.Encode()
	}

	first := postWebhook(s, body, withToken)
	second := postWebhook(s, body, withToken)

	// Both deliveries are accepted, but only one reaches the queue.
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("statuses = %d/%d, want 200/200", first.Code, second.Code)
	}
	if len(mq.enqueued) != 1 {
		t.Errorf("enqueued = %d, want exactly 1", len(mq.enqueued))
	}

	var resp ReceiveResponse
	if err := json.NewDecoder(second.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "duplicate" {
		t.Errorf("second response status = %q, want duplicate", resp.Status)
	}
}

func TestReceive_EnqueueFailureReleasesReservation(t *testing.T) {
	s, mq, _ := newTestServer(testConfig())
	mq.enqueueFn = func(_ context.Context, _ queue.EnqueueRequest) (string, error) {
		return "", errors.New("queue down")
	}

	body := []byte(`{"event":"invitee.created"}`)
	withToken := func(r *http.Request) {
		q := r.URL.Query()
		q.Set("token", "shared-token")
		r.URL.RawQuery = q.Encode()
	}

	rec := postWebhook(s, body, withToken)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	// The reservation must be released so a provider retry can succeed.
	mq.enqueueFn = nil
	rec = postWebhook(s, body, withToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d, want 200", rec.Code)
	}
	if len(mq.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1", len(mq.enqueued))
	}
}

func TestIntakeKey(t *testing.T) {
	structured := map[string]any{
		"event":      "invitee.created",
		"created_at": "2026-02-28T12:00:00Z",
		"payload": map[string]any{
			"event":   "https://api.calendly.com/scheduled_events/AAA",
			"invitee": "https://api.calendly.com/scheduled_events/AAA/invitees/BBB",
		},
	}

	k1 := IntakeKey(structured, []byte(`{"a":1}`))
	k2 := IntakeKey(structured, []byte(`{"a":2}`))
	if k1 != k2 {
		t.Error("structured payloads should key on identifiers, not raw bytes")
	}

	// Without identifiers the raw body decides.
	k3 := IntakeKey(map[string]any{"foo": "bar"}, []byte(`{"foo":"bar"}`))
	k4 := IntakeKey(map[string]any{"foo": "bar"}, []byte(`{"foo":"baz"}`))
	if k3 == k4 {
		t.Error("unstructured payloads should key on raw body")
	}
	if len(k1) != 64 || len(k3) != 64 {
		t.Errorf("keys should be sha256 hex, got lengths %d/%d", len(k1), len(k3))
	}
}
