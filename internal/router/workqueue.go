package router

import (
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"

	"github.com/agentfabric/fabric/internal/frame"
	"github.com/agentfabric/fabric/internal/vectorops"
)

// CreateWorkQueue inserts a new work queue, mirroring CreateTopic's
// idempotent-on-matching-strategy semantics.
func (r *Router) CreateWorkQueue(name string, strategy Strategy) error {
	if name == "" || len(name) > 128 {
		return fmt.Errorf("%w: work queue name must be 1..128 bytes", ErrInvalidArgument)
	}

	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()

	if existing, ok := r.queues[name]; ok {
		if existing.Strategy == strategy {
			return nil
		}
		return ErrExists
	}
	if len(r.queues) >= maxWorkQueues {
		return ErrCapacityExceeded
	}

	r.queues[name] = &WorkQueue{Name: name, Strategy: strategy}
	return nil
}

// RegisterWorker adds agentID to queue's worker set.
func (r *Router) RegisterWorker(queue string, agentID uint32, performanceRating float64) error {
	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()

	q, ok := r.queues[queue]
	if !ok {
		return ErrNotFound
	}
	for _, w := range q.Workers {
		if w.AgentID == agentID {
			return nil
		}
	}
	if len(q.Workers) >= maxWorkersPerQueue {
		return ErrCapacityExceeded
	}

	q.Workers = append(q.Workers, &Worker{AgentID: agentID, PerformanceRating: performanceRating, Active: true})
	return nil
}

// UpdateWorkerLoad records a worker's most recent load observation, used by
// the LeastLoaded strategy.
func (r *Router) UpdateWorkerLoad(queue string, agentID uint32, load float64) error {
	r.queuesMu.Lock()
	defer r.queuesMu.Unlock()

	q, ok := r.queues[queue]
	if !ok {
		return ErrNotFound
	}
	for _, w := range q.Workers {
		if w.AgentID == agentID {
			w.Load = load
			return nil
		}
	}
	return ErrNotFound
}

// DistributeWorkItem selects one worker from queue per its configured
// strategy and enqueues a WorkItem frame to it, returning the chosen
// worker's agent id.
func (r *Router) DistributeWorkItem(queue string, sourceID uint32, payload []byte, hashKey []byte) (uint32, error) {
	r.queuesMu.Lock()
	q, ok := r.queues[queue]
	if !ok {
		r.queuesMu.Unlock()
		return 0, ErrNotFound
	}
	active := make([]*Worker, 0, len(q.Workers))
	for _, w := range q.Workers {
		if w.Active {
			active = append(active, w)
		}
	}
	if len(active) == 0 {
		r.queuesMu.Unlock()
		return 0, ErrNotFound
	}

	var chosen *Worker
	switch q.Strategy {
	case RoundRobin:
		idx := atomic.AddUint64(&q.roundRobinAt, 1) - 1
		chosen = active[idx%uint64(len(active))]
	case LeastLoaded:
		chosen = active[0]
		for _, w := range active[1:] {
			if w.Load < chosen.Load || (w.Load == chosen.Load && w.AgentID < chosen.AgentID) {
				chosen = w
			}
		}
	case HighestPriority:
		chosen = active[0]
		for _, w := range active[1:] {
			if w.PerformanceRating > chosen.PerformanceRating ||
				(w.PerformanceRating == chosen.PerformanceRating && w.AgentID < chosen.AgentID) {
				chosen = w
			}
		}
	case Random:
		chosen = active[rand.Intn(len(active))]
	case ConsistentHash:
		key := hashKey
		if len(key) == 0 {
			key = payload
		}
		sorted := append([]*Worker(nil), active...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })
		h := vectorops.FastHash(key)
		chosen = sorted[int(h)%len(sorted)]
	default:
		chosen = active[0]
	}
	r.queuesMu.Unlock()

	hdr := frame.Header{
		MessageID:     nextMessageID.next(),
		TimestampNS:   uint64(r.clock.Now().UnixNano()),
		SourceAgentID: sourceID,
		MsgType:       frame.MsgWorkItem,
		Priority:      frame.PriorityNormal,
		Topic:         queue,
	}
	if err := r.deliver(chosen.AgentID, hdr, payload); err != nil {
		r.addDeadLetter(DeadLetter{
			Header:         hdr,
			Payload:        append([]byte(nil), payload...),
			OriginalTarget: chosen.AgentID,
			Reason:         "worker backpressure",
			LastRetryAt:    r.clock.Now(),
		})
		return 0, ErrCapacityExceeded
	}
	return chosen.AgentID, nil
}
