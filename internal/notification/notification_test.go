package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nvx/dynsecrets/internal/config"
)

func TestWebhookSender(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sender := NewWebhookSender(srv.URL, slog.New(slog.DiscardHandler))
	err := sender.Send(context.Background(), &Message{
		Subject:  "lease revocation failed",
		Body:     "lease abandoned server-side",
		Metadata: map[string]string{"lease_id": "lease-1"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	payload := <-received
	if payload["subject"] != "lease revocation failed" {
		t.Errorf("subject = %v", payload["subject"])
	}
}

func TestWebhookSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	sender := NewWebhookSender(srv.URL, slog.New(slog.DiscardHandler))
	if err := sender.Send(context.Background(), &Message{Body: "x"}); err == nil {
		t.Error("expected error for 502 response")
	}
}

func TestSlackSender(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		received <- payload
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	sender := NewSlackSender(srv.URL, "#ops", slog.New(slog.DiscardHandler))
	err := sender.Send(context.Background(), &Message{
		Subject:  "revoke failed",
		Body:     "details",
		Metadata: map[string]string{"profile": "reporting"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	payload := <-received
	if payload["channel"] != "#ops" {
		t.Errorf("channel = %v", payload["channel"])
	}
}

func TestDispatcherDisabled(t *testing.T) {
	d := NewDispatcher(nil, slog.New(slog.DiscardHandler))
	if d != nil {
		t.Errorf("NewDispatcher(nil) = %v, want nil", d)
	}
	// Nil dispatcher must be safe to call.
	d.Notify(&Message{Subject: "ignored"})
}

func TestDispatcherFanOut(t *testing.T) {
	received := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d := NewDispatcher(&config.NotificationConfig{
		Enabled: true,
		Webhook: &config.WebhookConfig{URL: srv.URL},
	}, slog.New(slog.DiscardHandler))
	if d == nil {
		t.Fatal("dispatcher not created")
	}

	d.Notify(&Message{Subject: "revoke failed", Body: "x"})

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not called")
	}
}
