package ws

import (
	"log/slog"
	"testing"

	"github.com/nvx/dynsecrets/internal/config"
	"github.com/nvx/dynsecrets/internal/domain"
)

func TestNilHubIsSafe(t *testing.T) {
	var h *Hub
	h.Publish(domain.LeaseEvent{Event: domain.EventIssued})
	if h.SubscriberCount() != 0 {
		t.Error("nil hub subscriber count")
	}
}

func TestNewHubDisabled(t *testing.T) {
	if h := NewHub(nil, slog.New(slog.DiscardHandler)); h != nil {
		t.Error("hub created for nil config")
	}
	if h := NewHub(&config.EventsConfig{Enabled: false}, slog.New(slog.DiscardHandler)); h != nil {
		t.Error("hub created for disabled config")
	}
}

func TestPublishFanOut(t *testing.T) {
	h := NewHub(&config.EventsConfig{Enabled: true}, slog.New(slog.DiscardHandler))

	a := h.subscribe()
	b := h.subscribe()
	defer h.unsubscribe(a)
	defer h.unsubscribe(b)

	h.Publish(domain.LeaseEvent{Event: domain.EventRevoked, LeaseID: "lease-1"})

	for _, ch := range []chan domain.LeaseEvent{a, b} {
		select {
		case ev := <-ch:
			if ev.LeaseID != "lease-1" {
				t.Errorf("lease ID = %q", ev.LeaseID)
			}
		default:
			t.Error("subscriber did not receive the event")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	h := NewHub(&config.EventsConfig{Enabled: true}, slog.New(slog.DiscardHandler))
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Overfill the buffer; Publish must never block.
	for i := 0; i < subscriberBuf+10; i++ {
		h.Publish(domain.LeaseEvent{Event: domain.EventIssued})
	}
	if len(ch) != subscriberBuf {
		t.Errorf("buffered events = %d, want %d", len(ch), subscriberBuf)
	}
}
