package harness

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/discovery"
	"github.com/agentfabric/fabric/internal/frame"
	"github.com/agentfabric/fabric/internal/router"
)

func newTestFabric() (*discovery.Registry, *router.Router) {
	fc := clock.NewFake()
	return discovery.New(fc, zap.NewNop()), router.New(fc, zap.NewNop())
}

func TestStartRegistersAndActivates(t *testing.T) {
	reg, rt := newTestFabric()

	h := New(Config{Name: "worker-a", Kind: discovery.KindWorker}, reg, rt, clock.NewFake(), zap.NewNop())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop(context.Background())

	rec, err := reg.LookupByID(h.ID())
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Lifecycle != discovery.LifecycleActive {
		t.Fatalf("expected Active lifecycle, got %v", rec.Lifecycle)
	}
}

func TestHarnessReceivesPublishedFrame(t *testing.T) {
	reg, rt := newTestFabric()
	if err := rt.CreateTopic("alerts", router.RoundRobin, false); err != nil {
		t.Fatalf("create topic: %v", err)
	}

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 1)

	h := New(Config{
		Name:   "subscriber",
		Kind:   discovery.KindObserver,
		Topics: []string{"alerts"},
		Callbacks: Callbacks{
			OnPublish: func(f frame.Frame) {
				mu.Lock()
				received = append(received, string(f.Payload))
				mu.Unlock()
				select {
				case done <- struct{}{}:
				default:
				}
			},
		},
	}, reg, rt, clock.NewFake(), zap.NewNop())

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop(context.Background())

	if _, err := rt.Publish("alerts", 0, []byte("hello"), frame.PriorityNormal); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnPublish callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0] != "hello" {
		t.Fatalf("unexpected received payloads: %v", received)
	}
}

func TestStopUnregistersFromDiscoveryAndRouter(t *testing.T) {
	reg, rt := newTestFabric()
	h := New(Config{Name: "ephemeral", Kind: discovery.KindWorker}, reg, rt, clock.NewFake(), zap.NewNop())

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	id := h.ID()

	if err := h.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := reg.LookupByID(id); err != discovery.ErrNotFound {
		t.Fatalf("expected agent to be unregistered, got err=%v", err)
	}
	// With the inbox unregistered the router takes the no-inbox path and
	// leaves the request pending for the timeout sweep; a still-registered
	// (closed) inbox would have rejected it with an error instead.
	if _, err := rt.SendRequest(id, 1, []byte("x"), time.Second); err != nil {
		t.Fatalf("expected send to unregistered inbox to be left pending, got %v", err)
	}
}
