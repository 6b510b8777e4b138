package router

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/frame"
)

// SendRequest allocates a correlation id from a monotonic counter, records a
// pending-request entry, and enqueues a Request frame to target. It never
// blocks awaiting a response — callers poll PendingCount or wait for a
// matching SendResponse to land on their own inbox via their harness'
// OnRequest callback, which also receives Response frames.
//
// A target with no registered inbox (unknown or not-yet-reachable) does not
// fail the call outright: the pending entry is left in place so
// SweepExpiredRequests can time it out into a "timeout" DeadLetter once its
// TTL elapses, matching the sweep's role as the path by which an
// unreachable target is ultimately reported. Only a registered-but-full
// inbox (genuine backpressure on a live target) fails the call immediately
// and rolls back the pending entry.
func (r *Router) SendRequest(targetID, sourceID uint32, payload []byte, ttl time.Duration) (correlationID uint32, err error) {
	traceID := uuid.NewString()

	r.pendingMu.Lock()
	if len(r.pending) >= maxTopics {
		r.pendingMu.Unlock()
		return 0, ErrCapacityExceeded
	}
	r.nextCorrelationID++
	id := r.nextCorrelationID
	r.pending[id] = &PendingRequest{
		CorrelationID: id,
		RequesterID:   sourceID,
		TargetID:      targetID,
		IssuedAt:      r.clock.Now(),
		TTL:           ttl,
	}
	r.pendingMu.Unlock()

	hdr := frame.Header{
		MessageID:     nextMessageID.next(),
		TimestampNS:   uint64(r.clock.Now().UnixNano()),
		SourceAgentID: sourceID,
		CorrelationID: id,
		MsgType:       frame.MsgRequest,
		Priority:      frame.PriorityNormal,
		TTLMillis:     uint32(ttl.Milliseconds()),
	}
	if err := r.deliver(targetID, hdr, payload); err != nil {
		if errors.Is(err, ErrNoInbox) {
			r.logger.Debug("request pending against unreachable target; will expire via sweep if never delivered",
				zap.String("trace_id", traceID),
				zap.Uint32("correlation_id", id),
				zap.Uint32("target_id", targetID),
			)
			return id, nil
		}
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return 0, ErrCapacityExceeded
	}
	r.logger.Debug("request sent",
		zap.String("trace_id", traceID),
		zap.Uint32("correlation_id", id),
		zap.Uint32("target_id", targetID),
	)
	return id, nil
}

// SendResponse looks up correlationID's pending record. If absent or
// already completed it returns ErrNotFound; otherwise it marks the entry
// completed and enqueues a Response frame to the original requester.
func (r *Router) SendResponse(correlationID uint32, payload []byte) error {
	r.pendingMu.Lock()
	p, ok := r.pending[correlationID]
	if !ok || p.Completed {
		r.pendingMu.Unlock()
		return ErrNotFound
	}
	p.Completed = true
	requester := p.RequesterID
	r.pendingMu.Unlock()

	hdr := frame.Header{
		MessageID:     nextMessageID.next(),
		TimestampNS:   uint64(r.clock.Now().UnixNano()),
		CorrelationID: correlationID,
		MsgType:       frame.MsgResponse,
		Priority:      frame.PriorityNormal,
	}
	return r.deliver(requester, hdr, payload)
}

// PendingCount returns the number of pending requests not yet completed.
func (r *Router) PendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	n := 0
	for _, p := range r.pending {
		if !p.Completed {
			n++
		}
	}
	return n
}

// SweepExpiredRequests marks every pending entry whose issued+ttl has
// elapsed as completed and emits a "timeout" DeadLetter for its requester.
// Intended to run on a period ≤ the minimum configured TTL / 4; cmd/fabricd
// runs it from a gocron job in its maintenance scheduler.
func (r *Router) SweepExpiredRequests() int {
	now := r.clock.Now()

	r.pendingMu.Lock()
	var expired []*PendingRequest
	for _, p := range r.pending {
		if !p.Completed && now.After(p.IssuedAt.Add(p.TTL)) {
			p.Completed = true
			expired = append(expired, p)
		}
	}
	r.pendingMu.Unlock()

	for _, p := range expired {
		hdr := frame.Header{
			MessageID:     nextMessageID.next(),
			TimestampNS:   uint64(now.UnixNano()),
			CorrelationID: p.CorrelationID,
			MsgType:       frame.MsgDeadLetter,
			Priority:      frame.PriorityNormal,
		}
		r.addDeadLetter(DeadLetter{
			Header:         hdr,
			OriginalTarget: p.TargetID,
			Reason:         "timeout",
			LastRetryAt:    now,
		})
	}
	if len(expired) > 0 {
		r.logger.Warn("pending requests expired", zap.Int("count", len(expired)))
	}
	return len(expired)
}
