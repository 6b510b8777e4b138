// Package ringtransport implements the fabric's fixed-capacity, multi-priority
// frame queues: a lock-light ring per priority class, non-blocking reads, and
// short-period-polling timeout reads so a close is observable within roughly
// one poll period.
package ringtransport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/agentfabric/fabric/internal/frame"
)

// pollInterval is how often a bounded-wait Read checks for a new frame or a
// close, matching the "every thread wakes at least every ~1ms" requirement.
const pollInterval = time.Millisecond

var (
	// ErrQueueFull is returned by Write when the ring's byte budget or slot
	// count would be exceeded.
	ErrQueueFull = errors.New("ringtransport: queue full")
	// ErrEmpty is returned by TryRead when no frame is available.
	ErrEmpty = errors.New("ringtransport: empty")
	// ErrTimedOut is returned by Read when timeout elapses with no frame.
	ErrTimedOut = errors.New("ringtransport: timed out")
	// ErrClosed is returned by Write/Read operations against a closed ring.
	ErrClosed = errors.New("ringtransport: closed")
	// ErrTooLarge is returned by Write when the frame exceeds frame.MaxPayload.
	ErrTooLarge = errors.New("ringtransport: frame too large")
)

// ringSlot is one cell of the bounded lock-free queue (Vyukov's MPMC bounded
// queue). seq coordinates producer/consumer handoff without a mutex.
type ringSlot struct {
	seq   atomic.Uint64
	frame []byte
}

// Ring is one fixed-capacity, single-priority-class queue. Frames are stored
// as fully encoded (header+payload) byte blobs, copied on Write; no producer
// memory escapes the call. Capacity is expressed as a hard byte budget
// (configured per class, default FABRIC_RING_CAPACITY bytes) layered over a
// slot array sized generously enough that the byte budget is always the
// binding constraint — the slot count is derived from capacityBytes and the
// minimum possible frame size so that "lossless under capacity" holds
// regardless of payload sizes actually used.
type Ring struct {
	slots         []ringSlot
	mask          uint64
	capacityBytes int64

	usedBytes atomic.Int64
	producer  atomic.Uint64
	consumer  atomic.Uint64
	closed    atomic.Bool

	corruptDropped atomic.Uint64
}

// NewRing constructs a Ring with the given byte-capacity budget.
func NewRing(capacityBytes int) *Ring {
	if capacityBytes <= 0 {
		capacityBytes = frame.HeaderSize
	}
	slotCount := nextPow2(uint64(capacityBytes)/uint64(frame.HeaderSize) + 1)
	if slotCount < 2 {
		slotCount = 2
	}
	r := &Ring{
		slots:         make([]ringSlot, slotCount),
		mask:          slotCount - 1,
		capacityBytes: int64(capacityBytes),
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Write encodes hdr+payload and enqueues it. It never blocks: if the ring's
// byte budget or slot count is exhausted it returns ErrQueueFull immediately.
func (r *Ring) Write(hdr frame.Header, payload []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	encoded, err := frame.Encode(hdr, payload)
	if err != nil {
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return ErrTooLarge
		}
		return err
	}
	size := int64(len(encoded))

	for {
		used := r.usedBytes.Load()
		if used+size > r.capacityBytes {
			return ErrQueueFull
		}
		if r.usedBytes.CompareAndSwap(used, used+size) {
			break
		}
	}

	pos := r.producer.Load()
	for {
		cell := &r.slots[pos&r.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos)
		switch {
		case diff == 0:
			if r.producer.CompareAndSwap(pos, pos+1) {
				cell.frame = encoded
				cell.seq.Store(pos + 1)
				return nil
			}
		case diff < 0:
			r.usedBytes.Add(-size)
			return ErrQueueFull
		default:
			pos = r.producer.Load()
		}
	}
}

// TryRead performs a non-blocking dequeue of one frame.
func (r *Ring) TryRead() (frame.Frame, error) {
	pos := r.consumer.Load()
	for {
		cell := &r.slots[pos&r.mask]
		seq := cell.seq.Load()
		diff := int64(seq) - int64(pos+1)
		switch {
		case diff == 0:
			if r.consumer.CompareAndSwap(pos, pos+1) {
				raw := cell.frame
				cell.frame = nil
				cell.seq.Store(pos + r.mask + 1)
				r.usedBytes.Add(-int64(len(raw)))
				f, err := frame.Decode(raw)
				if err != nil {
					r.corruptDropped.Add(1)
					return frame.Frame{}, ErrEmpty
				}
				return f, nil
			}
		case diff < 0:
			return frame.Frame{}, ErrEmpty
		default:
			pos = r.consumer.Load()
		}
	}
}

// Read performs a bounded-wait dequeue, polling every pollInterval so a
// concurrent Close is observed within roughly one poll period.
func (r *Ring) Read(ctx context.Context, timeout time.Duration) (frame.Frame, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		f, err := r.TryRead()
		if err == nil {
			return f, nil
		}
		if r.closed.Load() {
			return frame.Frame{}, ErrClosed
		}
		if time.Now().After(deadline) {
			return frame.Frame{}, ErrTimedOut
		}
		select {
		case <-ctx.Done():
			return frame.Frame{}, ErrTimedOut
		case <-ticker.C:
		}
	}
}

// Close marks the ring closed. Frames already enqueued remain readable via
// TryRead/Read until drained; subsequent Writes fail with ErrClosed.
func (r *Ring) Close() {
	r.closed.Store(true)
}

// Closed reports whether Close has been called.
func (r *Ring) Closed() bool {
	return r.closed.Load()
}

// Stats is a point-in-time snapshot of a ring's counters.
type Stats struct {
	UsedBytes      int64
	CapacityBytes  int64
	CorruptDropped uint64
}

// Stats returns a snapshot of the ring's counters.
func (r *Ring) Stats() Stats {
	return Stats{
		UsedBytes:      r.usedBytes.Load(),
		CapacityBytes:  r.capacityBytes,
		CorruptDropped: r.corruptDropped.Load(),
	}
}
