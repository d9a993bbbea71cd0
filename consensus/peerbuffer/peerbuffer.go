package peerbuffer

import (
	"sync"
	"sync/atomic"

	"github.com/0xgpapad/kuduraft/metapb"
)

// noPendingHandoff is the sentinel value of the handoff index slot.
const noPendingHandoff = -1

// HandedOffBufferData is the batch delivered to a waiting consumer.
type HandedOffBufferData struct {
	// Err carries the status of the producer-side fill that preceded
	// the handoff. The messages are valid regardless.
	Err error

	Messages      []*metapb.ReplicateMsg
	PrecedingOpID metapb.OpID
}

// PeerMessageBuffer owns the BufferData for one follower. The data is
// guarded by a try-lock only: contention surrenders instead of
// blocking, so the append path and the send path progress
// independently. Consumers post a handoff request through a single
// atomic index slot and wait on a one-shot channel; the producer
// fulfills it the next time it holds the lock.
type PeerMessageBuffer struct {
	mu   sync.Mutex
	data BufferData

	// handoffInitialIndex is the single-slot rendezvous. -1 means no
	// handoff is pending; any other value is the index the consumer
	// wants ops from.
	handoffInitialIndex atomic.Int64

	// Written by the consumer in RequestHandoff before the index swap
	// publishes them; read by the producer only after observing a
	// pending index. The swap orders the accesses.
	proxyOpsNeeded bool
	handoffC       chan HandedOffBufferData
}

// NewPeerMessageBuffer returns a buffer with no messages and no
// pending handoff.
func NewPeerMessageBuffer() *PeerMessageBuffer {
	p := &PeerMessageBuffer{}
	p.data.lastBuffered = -1
	p.handoffInitialIndex.Store(noPendingHandoff)
	return p
}

// LockedBufferHandle is an acquired try-lock over the buffer data.
// Release it with Unlock on every exit path.
type LockedBufferHandle struct {
	p        *PeerMessageBuffer
	released bool
}

// TryLock attempts to acquire the buffer without blocking. It returns
// (nil, false) when a concurrent operation holds the buffer; the
// caller must surrender and retry later.
func (p *PeerMessageBuffer) TryLock() (*LockedBufferHandle, bool) {
	if !p.mu.TryLock() {
		return nil, false
	}
	return &LockedBufferHandle{p: p}, true
}

// Unlock releases the handle. Safe to call more than once.
func (h *LockedBufferHandle) Unlock() {
	if h.released {
		return
	}
	h.released = true
	h.p.mu.Unlock()
}

// Data returns the guarded buffer. Valid only while the handle is
// held.
func (h *LockedBufferHandle) Data() *BufferData {
	return &h.p.data
}

// IndexForHandoff consumes the pending handoff request, if any. It
// atomically clears the index slot and returns the requested index.
func (h *LockedBufferHandle) IndexForHandoff() (int64, bool) {
	idx := h.p.handoffInitialIndex.Swap(noPendingHandoff)
	if idx == noPendingHandoff {
		return 0, false
	}
	return idx, true
}

// ProxyRequirementSatisfied reports whether the buffer's routing mode
// matches what the pending handoff asked for.
func (h *LockedBufferHandle) ProxyRequirementSatisfied() bool {
	return h.p.proxyOpsNeeded == h.p.data.ForProxying()
}

// Fulfill resolves the outstanding handoff with the buffer's staged
// messages and the given fill status. The buffer keeps its position so
// the next fill resumes where this batch ended. Tolerates an orphaned
// consumer: the delivery never blocks.
func (h *LockedBufferHandle) Fulfill(err error) {
	msgs, preceding := h.p.data.MoveAndReset()
	h.p.handoffC <- HandedOffBufferData{
		Err:           err,
		Messages:      msgs,
		PrecedingOpID: preceding,
	}
}

// RequestHandoff posts a request for ops starting at index and returns
// the channel the batch will be delivered on. At most one handoff may
// be outstanding per peer; overlapping requests are a caller bug and
// panic.
func (p *PeerMessageBuffer) RequestHandoff(index int64, proxyOpsNeeded bool) <-chan HandedOffBufferData {
	p.handoffC = make(chan HandedOffBufferData, 1)
	p.proxyOpsNeeded = proxyOpsNeeded

	if prev := p.handoffInitialIndex.Swap(index); prev != noPendingHandoff {
		logger.Panicf("handoff requested at index %d while request at index %d is outstanding", index, prev)
	}
	return p.handoffC
}
