// Package notary is the best-effort append-only audit sink.
//
// Operations emit entries after their owning transaction commits. The
// notary never blocks the caller and never fails the operation it is
// documenting: a saturated queue drops the entry (counted), and sink
// failures are logged and swallowed.
package notary

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one audit record.
type Entry struct {
	// ActorID identifies who performed the action. May be empty for
	// system operations.
	ActorID string

	// Action is the event name, e.g. "ATTENDANCE_SUBMITTED".
	Action string

	// EntityType names the kind of record acted on.
	EntityType string

	// EntityID identifies the record, when known.
	EntityID string

	// Metadata carries additional context.
	Metadata map[string]string

	// At is when the action happened, stamped by the emitting operation's
	// clock.
	At time.Time
}

// Sink persists audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// DefaultQueueSize bounds the in-flight audit queue when no explicit size
// is configured.
const DefaultQueueSize = 256

// Notary drains a bounded entry queue into a Sink from a single goroutine.
//
// Thread-safety model:
//   - Log(): safe from any goroutine, never blocks
//   - Close(): safe to call once; waits for the queue to drain
type Notary struct {
	sink    Sink
	logger  *slog.Logger
	entries chan Entry
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once

	// mu orders Log's enqueue against Close's channel close. Log holds the
	// read lock for the send, so the channel can never be closed under it.
	mu     sync.RWMutex
	closed bool
}

// New creates a Notary and starts its drain goroutine.
// queueSize <= 0 falls back to DefaultQueueSize.
func New(sink Sink, logger *slog.Logger, queueSize int) *Notary {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	n := &Notary{
		sink:    sink,
		logger:  logger,
		entries: make(chan Entry, queueSize),
		done:    make(chan struct{}),
	}
	go n.drain()
	return n
}

// Log enqueues an entry. Never blocks and never panics: if the queue is
// full, or the notary has been closed, the entry is dropped and counted.
// Losing an audit record must never stall or fail the business operation
// it documents.
func (n *Notary) Log(e Entry) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		n.dropped.Add(1)
		n.logger.Debug("audit entry dropped, notary closed",
			"action", e.Action, "entity_type", e.EntityType)
		return
	}
	select {
	case n.entries <- e:
	default:
		n.dropped.Add(1)
		n.logger.Debug("audit entry dropped, queue full",
			"action", e.Action, "entity_type", e.EntityType)
	}
}

// Dropped returns how many entries were discarded due to a full queue.
func (n *Notary) Dropped() int64 {
	return n.dropped.Load()
}

// Close stops accepting entries and waits for the queue to drain.
// Entries logged after Close are dropped, not sent.
func (n *Notary) Close() {
	n.once.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()
		close(n.entries)
	})
	<-n.done
}

// drain is the single consumer. Sink failures are logged and swallowed.
func (n *Notary) drain() {
	defer close(n.done)
	for e := range n.entries {
		if err := n.sink.Record(context.Background(), e); err != nil {
			n.logger.Warn("audit sink failure",
				"action", e.Action, "entity_type", e.EntityType, "error", err)
		}
	}
}

// MemorySink collects entries in memory. Used in tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry

	// Err, when set, is returned by every Record call.
	Err error
}

// Record implements Sink.
func (s *MemorySink) Record(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
