package router

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentfabric/fabric/internal/clock"
	"github.com/agentfabric/fabric/internal/frame"
	"github.com/agentfabric/fabric/internal/ringtransport"
)

// Router owns the topic, work-queue, pending-request, and dead-letter
// tables. Lock order within the router and relative to the rest of the
// fabric is topics < queues < pending < dlq, matching the fabric-wide rule
// (Discovery < Router.topics < Router.queues < Router.pending <
// Router.dlq < RBAC.users < RBAC.sessions < RBAC.audit); no method acquires
// more than one of these at a time except where explicitly noted.
type Router struct {
	topicsMu sync.RWMutex
	topics   map[string]*Topic

	queuesMu sync.RWMutex
	queues   map[string]*WorkQueue

	pendingMu         sync.Mutex
	pending           map[uint32]*PendingRequest
	nextCorrelationID uint32

	dlqMu      sync.Mutex
	dlq        []DeadLetter
	dlqWriteAt int
	dlqFull    bool
	dlqDropped uint64

	inboxesMu sync.RWMutex
	inboxes   map[uint32]*ringtransport.Channel

	clock  clock.Clock
	logger *zap.Logger
}

// New creates an empty Router.
func New(clk clock.Clock, logger *zap.Logger) *Router {
	return &Router{
		topics:  make(map[string]*Topic),
		queues:  make(map[string]*WorkQueue),
		pending: make(map[uint32]*PendingRequest),
		dlq:     make([]DeadLetter, 0, dlqCapacity),
		inboxes: make(map[uint32]*ringtransport.Channel),
		clock:   clk,
		logger:  logger.Named("router"),
	}
}

// RegisterInbox associates agentID with the Channel its harness owns, so
// the router can resolve a weak agent-id reference to a concrete delivery
// target at send time. Called by the harness on Start, alongside
// discovery.Registry.Register.
func (r *Router) RegisterInbox(agentID uint32, ch *ringtransport.Channel) {
	r.inboxesMu.Lock()
	defer r.inboxesMu.Unlock()
	r.inboxes[agentID] = ch
}

// UnregisterInbox removes the association. Called by the harness on Stop.
func (r *Router) UnregisterInbox(agentID uint32) {
	r.inboxesMu.Lock()
	defer r.inboxesMu.Unlock()
	delete(r.inboxes, agentID)
}

func (r *Router) inboxFor(agentID uint32) (*ringtransport.Channel, bool) {
	r.inboxesMu.RLock()
	defer r.inboxesMu.RUnlock()
	ch, ok := r.inboxes[agentID]
	return ch, ok
}

// deliver attempts to enqueue hdr+payload onto target's inbox. A missing
// inbox (target never registered, or departed without unsubscribing) returns
// ErrNoInbox; a registered-but-full ring returns the underlying
// ringtransport error. Callers that need to distinguish "unreachable target"
// from "backpressure on a live target" branch on which of the two comes
// back — see SendRequest.
func (r *Router) deliver(target uint32, hdr frame.Header, payload []byte) error {
	ch, ok := r.inboxFor(target)
	if !ok {
		return ErrNoInbox
	}
	return ch.Write(hdr, payload)
}

// nextMessageID is a process-wide monotonic frame id source, independent of
// the per-router correlation id counter.
var nextMessageID = newMonotonicCounter()

type monotonicCounter struct {
	mu sync.Mutex
	n  uint32
}

func newMonotonicCounter() *monotonicCounter { return &monotonicCounter{} }

func (c *monotonicCounter) next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
