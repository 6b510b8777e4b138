package router

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/frame"
	"github.com/agentfabric/fabric/internal/ringtransport"
)

func newTestRouter() (*Router, clockwork.FakeClock) {
	fc := clock.NewFake()
	return New(fc, zap.NewNop()), fc
}

func attachInbox(r *Router, agentID uint32) *ringtransport.Channel {
	ch := ringtransport.NewChannel(64 * 1024)
	r.RegisterInbox(agentID, ch)
	return ch
}

func TestPubSubDelivery(t *testing.T) {
	r, _ := newTestRouter()
	if err := r.CreateTopic("alerts", RoundRobin, false); err != nil {
		t.Fatalf("create topic: %v", err)
	}
	a := attachInbox(r, 10)
	b := attachInbox(r, 11)
	if err := r.Subscribe("alerts", 10, "A"); err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	if err := r.Subscribe("alerts", 11, "B"); err != nil {
		t.Fatalf("subscribe B: %v", err)
	}

	delivered, err := r.Publish("alerts", 1, []byte("hi"), frame.PriorityNormal)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected 2 delivered, got %d", delivered)
	}

	fa, err := a.TryRead(frame.PriorityNormal)
	if err != nil || string(fa.Payload) != "hi" || fa.Header.Topic != "alerts" {
		t.Fatalf("A did not receive expected frame: %+v err=%v", fa, err)
	}
	fb, err := b.TryRead(frame.PriorityNormal)
	if err != nil || string(fb.Payload) != "hi" {
		t.Fatalf("B did not receive expected frame: %+v err=%v", fb, err)
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	r, _ := newTestRouter()
	target := attachInbox(r, 20)
	requester := attachInbox(r, 1)

	corrID, err := r.SendRequest(20, 1, []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}

	reqFrame, err := target.TryRead(frame.PriorityNormal)
	if err != nil || reqFrame.Header.CorrelationID != corrID {
		t.Fatalf("target did not receive request: %+v err=%v", reqFrame, err)
	}

	if err := r.SendResponse(corrID, []byte("pong")); err != nil {
		t.Fatalf("send response: %v", err)
	}
	if r.PendingCount() != 0 {
		t.Fatalf("expected pending completed, count=%d", r.PendingCount())
	}

	respFrame, err := requester.TryRead(frame.PriorityNormal)
	if err != nil || string(respFrame.Payload) != "pong" {
		t.Fatalf("requester did not receive response: %+v err=%v", respFrame, err)
	}
}

func TestRequestTimeoutProducesDeadLetter(t *testing.T) {
	r, fc := newTestRouter()
	// 99 is never registered — this exercises the genuinely unknown/
	// unreachable target path, not a live target whose ring later empties.

	_, err := r.SendRequest(99, 1, []byte("x"), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("send request: %v", err)
	}

	fc.Advance(60 * time.Millisecond)
	n := r.SweepExpiredRequests()
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}

	letters := r.DeadLetters()
	if len(letters) != 1 || letters[0].Reason != "timeout" || letters[0].OriginalTarget != 99 {
		t.Fatalf("unexpected dead letter: %+v", letters)
	}
}

func TestSendRequestRejectsImmediatelyOnFullInbox(t *testing.T) {
	r, _ := newTestRouter()
	ch := ringtransport.NewChannel(frame.HeaderSize) // room for exactly one tiny frame
	r.RegisterInbox(7, ch)

	if _, err := r.SendRequest(7, 1, nil, time.Second); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := r.SendRequest(7, 1, nil, time.Second); err != ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded on a full, live inbox, got %v", err)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("expected the rejected request to not remain pending, got %d", r.PendingCount())
	}
}

func TestLeastLoadedDispatch(t *testing.T) {
	r, _ := newTestRouter()
	attachInbox(r, 1) // worker 1
	attachInbox(r, 2) // worker 2
	if err := r.CreateWorkQueue("scan", LeastLoaded); err != nil {
		t.Fatalf("create queue: %v", err)
	}
	r.RegisterWorker("scan", 1, 0.5)
	r.RegisterWorker("scan", 2, 0.5)
	r.UpdateWorkerLoad("scan", 1, 0.8)
	r.UpdateWorkerLoad("scan", 2, 0.2)

	chosen, err := r.DistributeWorkItem("scan", 0, []byte("job"), nil)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if chosen != 2 {
		t.Fatalf("expected worker 2 (least loaded), got %d", chosen)
	}

	r.UpdateWorkerLoad("scan", 2, 0.9)
	chosen, err = r.DistributeWorkItem("scan", 0, []byte("job2"), nil)
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if chosen != 1 {
		t.Fatalf("expected worker 1 after worker 2 got loaded, got %d", chosen)
	}
}

func TestSubscribeUnknownTopic(t *testing.T) {
	r, _ := newTestRouter()
	if err := r.Subscribe("missing", 1, "a"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPublishBackpressureDivertsToDLQ(t *testing.T) {
	r, _ := newTestRouter()
	r.CreateTopic("t", RoundRobin, false)

	ch := ringtransport.NewChannel(frame.HeaderSize) // room for exactly one tiny frame
	r.RegisterInbox(5, ch)
	r.Subscribe("t", 5, "sub")

	// Fill the subscriber's inbox so the next publish hits QueueFull.
	if _, err := r.Publish("t", 1, nil, frame.PriorityNormal); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	delivered, err := r.Publish("t", 1, nil, frame.PriorityNormal)
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected 0 delivered once inbox is full, got %d", delivered)
	}
	letters := r.DeadLetters()
	if len(letters) != 1 || letters[0].Reason != "subscriber backpressure" {
		t.Fatalf("expected one backpressure dead letter, got %+v", letters)
	}
}
