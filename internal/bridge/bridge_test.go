package bridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/missiond/internal/bridge"
	"github.com/basket/missiond/internal/bus"
)

type sink struct {
	mu       sync.Mutex
	messages []map[string]any
	status   int
	got      chan struct{}
}

func newSink(t *testing.T, status int) (*sink, *httptest.Server) {
	s := &sink{status: status, got: make(chan struct{}, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/events/broadcast" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		s.mu.Lock()
		s.messages = append(s.messages, m)
		s.mu.Unlock()
		w.WriteHeader(s.status)
		s.got <- struct{}{}
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func waitFor(t *testing.T, ch <-chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for relay %d of %d", i+1, n)
		}
	}
}

func TestBridge_RelaysBroadcastTopics(t *testing.T) {
	s, srv := newSink(t, http.StatusOK)
	b := bus.New()
	br := bridge.New(bridge.Config{Bus: b, BaseURL: srv.URL})
	br.Start(context.Background())
	defer br.Stop()

	b.Publish("internal.noise", "ignored")
	br.Broadcast("task_updated", map[string]string{"id": "t1"})
	b.Publish(bus.TopicAgentUpdated, map[string]string{"id": "a1"})
	waitFor(t, s.got, 2)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) != 2 {
		t.Fatalf("expected 2 relayed messages, got %d", len(s.messages))
	}
	first := s.messages[0]
	if first["type"] != "task_updated" {
		t.Fatalf("unexpected type: %v", first["type"])
	}
	payload, _ := first["payload"].(map[string]any)
	if payload["id"] != "t1" {
		t.Fatalf("unexpected payload: %v", first["payload"])
	}
	if s.messages[1]["type"] != "agent_updated" {
		t.Fatalf("unexpected second type: %v", s.messages[1]["type"])
	}
}

func TestBridge_FailuresAreSwallowed(t *testing.T) {
	s, srv := newSink(t, http.StatusInternalServerError)
	b := bus.New()
	br := bridge.New(bridge.Config{Bus: b, BaseURL: srv.URL})
	br.Start(context.Background())
	defer br.Stop()

	br.Broadcast("task_created", map[string]string{"id": "t1"})
	br.Broadcast("task_created", map[string]string{"id": "t2"})
	waitFor(t, s.got, 2)
}

func TestBridge_StopUnsubscribes(t *testing.T) {
	_, srv := newSink(t, http.StatusOK)
	b := bus.New()
	br := bridge.New(bridge.Config{Bus: b, BaseURL: srv.URL})
	br.Start(context.Background())
	br.Start(context.Background())
	if b.SubscriberCount() != 1 {
		t.Fatalf("double start subscribed %d times", b.SubscriberCount())
	}
	br.Stop()
	br.Stop()
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriptions left after stop: %d", b.SubscriberCount())
	}
	// Publishing with nobody listening must not block.
	br.Broadcast("task_updated", nil)
}

func TestBridge_UnreachableEndpointDoesNotBlockPublishers(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	b := bus.New()
	br := bridge.New(bridge.Config{Bus: b, BaseURL: base, Timeout: 200 * time.Millisecond})
	br.Start(context.Background())
	defer br.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			br.Broadcast("task_updated", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishers blocked on a dead relay endpoint")
	}
}
