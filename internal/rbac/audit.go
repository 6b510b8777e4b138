package rbac

import "sync"

// auditCapacity is the fixed size of the audit ring; on overflow the oldest
// entry is silently overwritten and the dropped counter (read through
// Manager.AuditDroppedCount) is incremented so the
// overwrite is still observable.
const auditCapacity = 8192

// AuditEntry records one authorization decision.
type AuditEntry struct {
	Sequence   uint64
	Timestamp  int64 // unix nanos, from the injected clock
	UserID     uint64
	Permission Permission
	Resource   string
	ClientIP   string
	Allowed    bool
}

// auditRing is a fixed-capacity circular buffer of AuditEntry, overwriting
// the oldest entry on overflow.
type auditRing struct {
	mu      sync.Mutex
	entries [auditCapacity]AuditEntry
	next    uint64 // total entries ever appended; index = next % auditCapacity
	dropped uint64
}

func (a *auditRing) append(e AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e.Sequence = a.next
	if a.next >= auditCapacity {
		a.dropped++
	}
	a.entries[a.next%auditCapacity] = e
	a.next++
}

// tail returns the last n entries (or fewer if the ring holds less), in
// arrival order.
func (a *auditRing) tail(n int) []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := a.next
	available := total
	if available > auditCapacity {
		available = auditCapacity
	}
	if uint64(n) > available {
		n = int(available)
	}

	out := make([]AuditEntry, 0, n)
	start := total - uint64(n)
	for i := start; i < total; i++ {
		out = append(out, a.entries[i%auditCapacity])
	}
	return out
}

// droppedCount returns how many entries have been overwritten by overflow.
func (a *auditRing) droppedCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}
