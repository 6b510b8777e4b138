package router

import (
	"time"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/frame"
)

// dlqRetryBackoff is the fixed exponential backoff schedule for dead-letter
// redelivery attempts: 100ms, 400ms, 1600ms. After the third attempt an
// entry is abandoned and counted, never retried again.
var dlqRetryBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

const maxDLQRetries = 3

// addDeadLetter appends to the bounded dead-letter array, overwriting the
// oldest entry on overflow and counting the overwrite — overflow is
// observable via DroppedCount, never silent.
func (r *Router) addDeadLetter(d DeadLetter) {
	r.dlqMu.Lock()
	defer r.dlqMu.Unlock()

	if len(r.dlq) < dlqCapacity {
		r.dlq = append(r.dlq, d)
		return
	}
	r.dlq[r.dlqWriteAt] = d
	r.dlqWriteAt = (r.dlqWriteAt + 1) % dlqCapacity
	r.dlqDropped++
}

// Reroute lets a caller outside the package (the harness, when a shutdown
// deadline elapses before an inbox is fully drained) divert a frame straight
// to the dead-letter queue under an arbitrary reason, without going through
// deliver/addDeadLetter's normal failed-delivery path.
func (r *Router) Reroute(hdr frame.Header, payload []byte, originalTarget uint32, reason string) {
	r.addDeadLetter(DeadLetter{
		Header:         hdr,
		Payload:        append([]byte(nil), payload...),
		OriginalTarget: originalTarget,
		Reason:         reason,
		LastRetryAt:    r.clock.Now(),
	})
}

// DeadLetters returns a snapshot of the dead-letter table.
func (r *Router) DeadLetters() []DeadLetter {
	r.dlqMu.Lock()
	defer r.dlqMu.Unlock()
	out := make([]DeadLetter, len(r.dlq))
	copy(out, r.dlq)
	return out
}

// DroppedCount returns how many dead letters were overwritten by overflow.
func (r *Router) DroppedCount() uint64 {
	r.dlqMu.Lock()
	defer r.dlqMu.Unlock()
	return r.dlqDropped
}

// RetryDeadLetters makes one redelivery attempt against every dead letter
// whose backoff has elapsed since its last attempt, re-enqueuing on the
// original target's inbox when possible. Entries past maxDLQRetries are
// abandoned and left in place (counted, not removed, so DeadLetters still
// reports them for inspection). Intended to be driven by a single-threaded
// periodic job — concurrent callers would race on RetryCount bookkeeping.
func (r *Router) RetryDeadLetters() (retried, abandoned int) {
	now := r.clock.Now()

	r.dlqMu.Lock()
	defer r.dlqMu.Unlock()

	for i := range r.dlq {
		d := &r.dlq[i]
		if d.RetryCount >= maxDLQRetries {
			continue
		}
		wait := dlqRetryBackoff[d.RetryCount]
		if now.Sub(d.LastRetryAt) < wait {
			continue
		}

		ch, ok := r.inboxFor(d.OriginalTarget)
		d.RetryCount++
		d.LastRetryAt = now
		if !ok {
			if d.RetryCount >= maxDLQRetries {
				abandoned++
			}
			continue
		}
		if err := ch.Write(d.Header, d.Payload); err != nil {
			if d.RetryCount >= maxDLQRetries {
				abandoned++
			}
			continue
		}
		retried++
	}

	if retried > 0 || abandoned > 0 {
		r.logger.Info("dead letter retry pass", zap.Int("retried", retried), zap.Int("abandoned", abandoned))
	}
	return retried, abandoned
}
