package ringtransport

import (
	"context"
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/frame"
)

func header(topic string, p frame.Priority) frame.Header {
	return frame.Header{Topic: topic, Priority: p, MsgType: frame.MsgPublish}
}

func TestRingFIFO(t *testing.T) {
	r := NewRing(64 * 1024)
	for i := 0; i < 10; i++ {
		hdr := header("t", frame.PriorityNormal)
		hdr.MessageID = uint32(i)
		if err := r.Write(hdr, []byte{byte(i)}); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		f, err := r.TryRead()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if f.Header.MessageID != uint32(i) {
			t.Fatalf("out of order: got %d want %d", f.Header.MessageID, i)
		}
	}
	if _, err := r.TryRead(); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestRingQueueFullByBytes(t *testing.T) {
	payload := make([]byte, 100)
	encodedSize := frame.HeaderSize + len(payload)
	r := NewRing(encodedSize) // room for exactly one frame

	if err := r.Write(header("t", frame.PriorityNormal), payload); err != nil {
		t.Fatalf("first write should succeed: %v", err)
	}
	if err := r.Write(header("t", frame.PriorityNormal), payload); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestRingLosslessUnderCapacity(t *testing.T) {
	capacity := 32 * 1024
	r := NewRing(capacity)
	written := 0
	for {
		if written+frame.HeaderSize > capacity {
			break
		}
		if err := r.Write(header("t", frame.PriorityNormal), nil); err != nil {
			t.Fatalf("unexpected QueueFull after %d bytes with capacity %d: %v", written, capacity, err)
		}
		written += frame.HeaderSize
	}
}

func TestRingCloseObservedDuringRead(t *testing.T) {
	r := NewRing(4096)
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(context.Background(), 2*time.Second)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	r.Close()
	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("close not observed within poll window")
	}
}

func TestChannelDrainPreferHigher(t *testing.T) {
	c := NewChannel(8192)
	if err := c.Write(header("t", frame.PriorityBackground), []byte("low")); err != nil {
		t.Fatalf("write background: %v", err)
	}
	if err := c.Write(header("t", frame.PriorityEmergency), []byte("urgent")); err != nil {
		t.Fatalf("write emergency: %v", err)
	}
	f, p, err := c.DrainPreferHigher(context.Background(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if p != frame.PriorityEmergency || string(f.Payload) != "urgent" {
		t.Fatalf("expected emergency frame first, got priority=%v payload=%q", p, f.Payload)
	}
}
