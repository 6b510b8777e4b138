package ringtransport

import (
	"context"
	"time"

	"github.com/agentfabric/fabric/internal/frame"
)

// Channel is one agent's inbox: one Ring per priority class.
type Channel struct {
	rings [frame.NumPriorities]*Ring
}

// NewChannel builds a Channel with one Ring of capacityBytes per priority
// class.
func NewChannel(capacityBytes int) *Channel {
	c := &Channel{}
	for i := range c.rings {
		c.rings[i] = NewRing(capacityBytes)
	}
	return c
}

// Ring returns the Ring backing the given priority class, or nil if p is not
// a valid priority.
func (c *Channel) Ring(p frame.Priority) *Ring {
	if !p.Valid() {
		return nil
	}
	return c.rings[p]
}

// Write enqueues a frame on the ring matching hdr.Priority.
func (c *Channel) Write(hdr frame.Header, payload []byte) error {
	r := c.Ring(hdr.Priority)
	if r == nil {
		return ErrTooLarge // invalid priority is treated as a malformed frame
	}
	return r.Write(hdr, payload)
}

// TryRead performs a non-blocking read from the named priority class.
func (c *Channel) TryRead(p frame.Priority) (frame.Frame, error) {
	r := c.Ring(p)
	if r == nil {
		return frame.Frame{}, ErrEmpty
	}
	return r.TryRead()
}

// Read performs a bounded-wait read from the named priority class.
func (c *Channel) Read(ctx context.Context, p frame.Priority, timeout time.Duration) (frame.Frame, error) {
	r := c.Ring(p)
	if r == nil {
		return frame.Frame{}, ErrEmpty
	}
	return r.Read(ctx, timeout)
}

// DrainPreferHigher tries every priority class from Emergency down to
// Background with a non-blocking read before falling back to a bounded read
// on PriorityNormal. This realizes the "MAY drain higher priority
// preferentially" consumer policy without creating a starvation guarantee —
// callers must not depend on strict ordering across classes.
func (c *Channel) DrainPreferHigher(ctx context.Context, timeout time.Duration) (frame.Frame, frame.Priority, error) {
	for p := frame.PriorityEmergency; int(p) < frame.NumPriorities; p++ {
		if f, err := c.rings[p].TryRead(); err == nil {
			return f, p, nil
		}
	}
	f, err := c.rings[frame.PriorityNormal].Read(ctx, timeout)
	return f, frame.PriorityNormal, err
}

// TryDrainPreferHigher is DrainPreferHigher's non-blocking sibling: it tries
// every priority class from Emergency down to Background with a
// non-blocking read and returns ErrEmpty if every ring is empty, rather than
// falling back to a bounded wait on PriorityNormal. Used when a caller needs
// to fully drain whatever is already queued without waiting for more to
// arrive (e.g. a harness routing leftover frames to the dead-letter queue on
// shutdown).
func (c *Channel) TryDrainPreferHigher() (frame.Frame, frame.Priority, error) {
	for p := frame.PriorityEmergency; int(p) < frame.NumPriorities; p++ {
		if f, err := c.rings[p].TryRead(); err == nil {
			return f, p, nil
		}
	}
	return frame.Frame{}, frame.PriorityNormal, ErrEmpty
}

// Close closes every priority ring in the channel.
func (c *Channel) Close() {
	for _, r := range c.rings {
		r.Close()
	}
}

// Closed reports whether Close has been called (checked on any one ring,
// since Close closes all of them together).
func (c *Channel) Closed() bool {
	return c.rings[0].Closed()
}
