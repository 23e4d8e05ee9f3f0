package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lumenfeed/market_layer/internal/docstore/memory"
	"github.com/lumenfeed/market_layer/internal/logging"
)

func TestPushClient_Send(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewPushClient(srv.URL, time.Second, logging.NewNop())
	event := Event{Type: "collectibleSold", Source: "alice", Target: "carol", Timestamp: time.Now()}
	if err := c.Send(context.Background(), event); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Type != "collectibleSold" || got.Target != "carol" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestPushClient_GatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewPushClient(srv.URL, time.Second, logging.NewNop())
	if err := c.Send(context.Background(), Event{Type: "x", Target: "y"}); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

// flakyNotifier fails the first n sends.
type flakyNotifier struct {
	mu       sync.Mutex
	failures int
	sent     []Event
}

func (f *flakyNotifier) Send(_ context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("gateway down")
	}
	f.sent = append(f.sent, event)
	return nil
}

func TestOutbox_SweepDeliversAndDrains(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sink := &flakyNotifier{}
	outbox := NewOutbox(store, sink, 10, logging.NewNop())

	for _, target := range []string{"carol", "dave"} {
		err := outbox.Enqueue(ctx, Event{Type: "collectibleSold", Source: "alice", Target: target, Timestamp: time.Now()})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := outbox.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(sink.sent) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(sink.sent))
	}
	if store.Len() != 0 {
		t.Fatalf("outbox not drained: %d docs left", store.Len())
	}
}

func TestOutbox_FailedDeliveryStaysQueued(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sink := &flakyNotifier{failures: 1}
	outbox := NewOutbox(store, sink, 10, logging.NewNop())

	var results []string
	outbox.OnResult(func(r string) { results = append(results, r) })

	if err := outbox.Enqueue(ctx, Event{Type: "collectibleSold", Target: "carol", Timestamp: time.Now()}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := outbox.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if store.Len() != 1 {
		t.Fatal("failed delivery must stay queued")
	}

	if err := outbox.Sweep(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if store.Len() != 0 || len(sink.sent) != 1 {
		t.Fatalf("expected retry to drain queue: left=%d sent=%d", store.Len(), len(sink.sent))
	}
	if len(results) != 2 || results[0] != "fail" || results[1] != "ok" {
		t.Fatalf("unexpected results: %v", results)
	}
}
