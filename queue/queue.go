// Package queue implements the ingest buffer (spec component C1): a
// bounded, FIFO, multi-producer/multi-consumer in-memory buffer that
// never blocks a caller and never locks.
//
// The ordering container is a lock-free FAA-based ring buffer
// (code.hybscloud.com/lfq's MPMC), the same shape the package
// recommends for "Worker Pool" style fan-in/fan-out: many HTTP
// handlers enqueue concurrently, many pool workers dequeue
// concurrently. The ring's producer/consumer FAA indices already
// provide total insertion order, so the composite (monotonic_nanos,
// unique_tag) sequence key carried on each Entry is informational only:
// the buffer never reads it, ordering comes from the ring, and wait
// time is computed from EnqueuedAtMonotonic.
package queue

import (
	"sync/atomic"
	"time"

	"code.hybscloud.com/lfq"
	"github.com/pulsepay/ingress/apperr"
)

// SequenceKey totally orders queue entries. Ties on Nanos break on Tag
// ascending; Tag carries no semantic weight beyond uniqueness.
type SequenceKey struct {
	Nanos int64
	Tag   uint64
}

// Less reports whether k sorts before other.
func (k SequenceKey) Less(other SequenceKey) bool {
	if k.Nanos != other.Nanos {
		return k.Nanos < other.Nanos
	}
	return k.Tag < other.Tag
}

// Entry is the immutable tuple stored per queued payload.
type Entry struct {
	Sequence         SequenceKey
	Payload          map[string]any
	EnqueuedAtMonotonic time.Time
}

// Buffer is the bounded FIFO ingest buffer described by spec.md C1.
type Buffer struct {
	ring *lfq.MPMC[Entry]

	maxSize int64 // logical admission bound; may differ from ring's physical capacity

	queueSize int64 // atomic
	inFlight  int64 // atomic
	tagSeq    uint64 // atomic, feeds SequenceKey.Tag
}

// Stats is a point-in-time read of the buffer's counters.
type Stats struct {
	QueueSize int64
	InFlight  int64
}

// New creates a Buffer admitting up to maxSize logical entries. The
// underlying ring is sized to the next power of two covering maxSize,
// capped at 1<<20 physical slots so an "infinity" logical limit still
// yields a bounded allocation; see DESIGN.md for the tradeoff.
func New(maxSize int) *Buffer {
	physical := maxSize
	const hardCap = 1 << 20
	if physical > hardCap || physical <= 0 {
		physical = hardCap
	}
	if physical < 2 {
		physical = 2
	}
	return &Buffer{
		ring:    lfq.NewMPMC[Entry](physical),
		maxSize: int64(maxSize),
	}
}

// Enqueue admits payload into the buffer. It is non-blocking and safe
// for unbounded concurrent callers.
//
// Admission is a best-effort pre-read of queueSize against maxSize: two
// racing producers may both pass the check and both succeed, pushing
// queueSize marginally above maxSize. This is accepted behavior per
// spec.md 4.1 — strict capping is not a contract.
func (b *Buffer) Enqueue(payload map[string]any) error {
	if atomic.LoadInt64(&b.queueSize) >= b.maxSize {
		return apperr.ErrQueueFull
	}

	entry := Entry{
		Sequence: SequenceKey{
			Nanos: time.Now().UnixNano(),
			Tag:   atomic.AddUint64(&b.tagSeq, 1),
		},
		Payload:             payload,
		EnqueuedAtMonotonic: time.Now(),
	}

	if err := b.ring.Enqueue(&entry); err != nil {
		// Ring is at its physical capacity even though the logical
		// admission check passed (e.g. maxSize exceeds the physical
		// cap, or the race window above). Surface the same QueueFull
		// kind; callers don't distinguish logical vs physical full.
		return apperr.ErrQueueFull
	}

	atomic.AddInt64(&b.queueSize, 1)
	return nil
}

// Dequeue removes and returns the oldest entry, along with how long it
// waited in the buffer. Returns ok=false if the buffer is empty.
//
// Safe for multiple concurrent consumers: the ring's FAA head index
// ensures exactly one consumer wins any given slot; a consumer that
// loses a race retries internally inside lfq, not here.
func (b *Buffer) Dequeue() (payload map[string]any, waitMs int64, ok bool) {
	entry, err := b.ring.Dequeue()
	if err != nil {
		return nil, 0, false
	}
	atomic.AddInt64(&b.queueSize, -1)
	clampNonNegative(&b.queueSize)

	wait := time.Since(entry.EnqueuedAtMonotonic)
	return entry.Payload, wait.Milliseconds(), true
}

// Size returns the current logical queue length (lock-free read).
func (b *Buffer) Size() int64 {
	return atomic.LoadInt64(&b.queueSize)
}

// InFlight returns the number of workers currently executing a
// dispatch (lock-free read).
func (b *Buffer) InFlight() int64 {
	return atomic.LoadInt64(&b.inFlight)
}

// WorkerStarted records that a worker has taken ownership of a
// dequeued payload and begun dispatching it.
func (b *Buffer) WorkerStarted() {
	atomic.AddInt64(&b.inFlight, 1)
}

// WorkerFinished records that a worker has completed a dispatch,
// successful or not. Clamps at 0.
func (b *Buffer) WorkerFinished() {
	atomic.AddInt64(&b.inFlight, -1)
	clampNonNegative(&b.inFlight)
}

// Stats reads both counters. The two reads are separate atomic loads,
// not one atomic snapshot, so a concurrent update may fall between them.
func (b *Buffer) Stats() Stats {
	return Stats{
		QueueSize: b.Size(),
		InFlight:  b.InFlight(),
	}
}

func clampNonNegative(v *int64) {
	for {
		cur := atomic.LoadInt64(v)
		if cur >= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(v, cur, 0) {
			return
		}
	}
}
