// Package router implements the fabric's topic publish/subscribe,
// request/response correlation, and work-queue distribution, using
// ringtransport as the delivery mechanism. Subscriber references are weak
// (agent ids only, resolved at send time against the inboxes registered with
// RegisterInbox) — the router never owns an agent's lifetime or its inbox; an
// agent's harness owns the inbox and registers it with RegisterInbox. The
// router does not consult the discovery registry: target resolution uses only
// the registered inboxes, and LeastLoaded reads the loads recorded with
// UpdateWorkerLoad rather than discovery health snapshots.
package router

import (
	"time"

	"github.com/agentfabric/fabric/internal/frame"
)

// maxTopics and maxSubscribersPerTopic bound the router's in-memory tables,
// matching the fixed-capacity-array design note — capacity is a documented
// constant and exhaustion returns CapacityExceeded rather than growing
// unboundedly.
const (
	maxTopics              = 4096
	maxSubscribersPerTopic = 64
	maxWorkQueues          = 1024
	maxWorkersPerQueue     = 256
	dlqCapacity            = 8192
)

// Strategy selects how a topic or work queue picks a destination among its
// members.
type Strategy uint8

const (
	RoundRobin Strategy = iota
	LeastLoaded
	HighestPriority
	Random
	ConsistentHash
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case LeastLoaded:
		return "least_loaded"
	case HighestPriority:
		return "highest_priority"
	case Random:
		return "random"
	case ConsistentHash:
		return "consistent_hash"
	default:
		return "unknown"
	}
}

// Subscriber is one topic's record of a subscribing agent.
type Subscriber struct {
	AgentID          uint32
	Name             string
	SubscribedAt     time.Time
	MessagesReceived uint64
	QueueDepthObserved int
	Active           bool
}

// Topic holds a bounded, insertion-ordered subscriber list.
type Topic struct {
	Name        string
	Strategy    Strategy
	Persistent  bool
	Subscribers []*Subscriber
}

// Worker is one work queue's record of a registered worker agent.
type Worker struct {
	AgentID           uint32
	Load              float64 // queue_depth / capacity, in [0,1]
	PerformanceRating float64 // in [0,1]
	Active            bool
}

// WorkQueue holds a bounded set of workers and the strategy used to pick one
// per distribute_work_item call.
type WorkQueue struct {
	Name         string
	Strategy     Strategy
	Workers      []*Worker
	roundRobinAt uint64
}

// PendingRequest tracks one outstanding send_request call awaiting a
// correlated response.
type PendingRequest struct {
	CorrelationID uint32
	RequesterID   uint32
	TargetID      uint32
	IssuedAt      time.Time
	TTL           time.Duration
	Completed     bool
}

// DeadLetter is an owned copy of a frame that could not be delivered.
type DeadLetter struct {
	Header         frame.Header
	Payload        []byte
	OriginalTarget uint32
	Reason         string
	RetryCount     int
	LastRetryAt    time.Time
}
