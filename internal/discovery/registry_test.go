package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/clock"
)

func newTestRegistry() (*Registry, clockwork.FakeClock) {
	fake := clock.NewFake()
	return New(fake, zap.NewNop()), fake
}

func TestRegisterUniqueName(t *testing.T) {
	r, _ := newTestRegistry()
	if _, err := r.Register("alpha", KindWorker, nil, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register("alpha", KindWorker, nil, nil); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestIDsNeverReused(t *testing.T) {
	r, _ := newTestRegistry()
	id1, _ := r.Register("a", KindWorker, nil, nil)
	if err := r.Unregister(id1); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	id2, _ := r.Register("b", KindWorker, nil, nil)
	if id1 == id2 {
		t.Fatalf("id reused: %d", id1)
	}
}

func TestLookupByCapability(t *testing.T) {
	r, _ := newTestRegistry()
	id, _ := r.Register("scanner", KindWorker, []Capability{{Name: "scan", Version: "1"}}, nil)
	matches := r.LookupByCapability("scan")
	if len(matches) != 1 || matches[0].ID != id {
		t.Fatalf("expected one match for id %d, got %+v", id, matches)
	}
	if len(r.LookupByCapability("nonexistent")) != 0 {
		t.Fatal("expected no matches")
	}
}

func TestIsHealthyRequiresActiveAndFreshHeartbeat(t *testing.T) {
	r, fc := newTestRegistry()
	id, _ := r.Register("a", KindWorker, nil, nil)

	if r.IsHealthy(id, time.Second) {
		t.Fatal("expected unhealthy before Active")
	}
	if err := r.UpdateHealth(id, Health{LastHeartbeat: fc.Now()}, LifecycleActive); err != nil {
		t.Fatalf("update health: %v", err)
	}
	if !r.IsHealthy(id, time.Second) {
		t.Fatal("expected healthy right after heartbeat")
	}

	fc.Advance(2 * time.Second)
	if r.IsHealthy(id, time.Second) {
		t.Fatal("expected unhealthy after heartbeat goes stale")
	}
}

func TestIsHealthyAcceptsDegraded(t *testing.T) {
	r, fc := newTestRegistry()
	id, _ := r.Register("a", KindWorker, nil, nil)
	if err := r.UpdateHealth(id, Health{LastHeartbeat: fc.Now()}, LifecycleDegraded); err != nil {
		t.Fatalf("update health: %v", err)
	}
	if !r.IsHealthy(id, time.Second) {
		t.Fatal("expected a Degraded agent with a fresh heartbeat to be healthy")
	}
}

func TestLookupByTypePrefersLowestLoadThenInsertionOrder(t *testing.T) {
	r, fc := newTestRegistry()
	first, _ := r.Register("w1", KindWorker, nil, nil)
	second, _ := r.Register("w2", KindWorker, nil, nil)

	r.UpdateHealth(first, Health{LastHeartbeat: fc.Now(), LoadFactor: 0.5}, LifecycleActive)
	r.UpdateHealth(second, Health{LastHeartbeat: fc.Now(), LoadFactor: 0.5}, LifecycleActive)

	rec, err := r.LookupByType(KindWorker, time.Second)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.ID != first {
		t.Fatalf("expected tie-break to prefer earlier-registered agent %d, got %d", first, rec.ID)
	}

	r.UpdateHealth(second, Health{LastHeartbeat: fc.Now(), LoadFactor: 0.1}, LifecycleActive)
	rec, err = r.LookupByType(KindWorker, time.Second)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.ID != second {
		t.Fatalf("expected lowest-load agent %d, got %d", second, rec.ID)
	}
}

func TestLookupByTypeNoHealthyMatch(t *testing.T) {
	r, _ := newTestRegistry()
	r.Register("a", KindWorker, nil, nil)
	if _, err := r.LookupByType(KindWorker, time.Second); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWaitForHealthyReturnsOnceActive(t *testing.T) {
	r, fc := newTestRegistry()
	id, _ := r.Register("a", KindWorker, nil, nil)

	done := make(chan error, 1)
	go func() {
		done <- r.WaitForHealthy(context.Background(), id, time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	if err := r.UpdateHealth(id, Health{LastHeartbeat: fc.Now()}, LifecycleActive); err != nil {
		t.Fatalf("update health: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForHealthy: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForHealthy did not return")
	}
}

func TestSweepStaleMarksUnavailable(t *testing.T) {
	r, fc := newTestRegistry()
	id, _ := r.Register("a", KindWorker, nil, nil)
	r.UpdateHealth(id, Health{LastHeartbeat: fc.Now()}, LifecycleActive)

	fc.Advance(time.Hour)
	n := r.SweepStale(time.Minute)
	if n != 1 {
		t.Fatalf("expected 1 agent swept, got %d", n)
	}
	rec, _ := r.LookupByID(id)
	if rec.Lifecycle != LifecycleUnavailable {
		t.Fatalf("expected Unavailable, got %v", rec.Lifecycle)
	}
}
