// Package peerbuffer stages replicate messages for a single follower.
// A BufferData accumulates contiguous log entries from the append path
// or from the log cache; a PeerMessageBuffer wraps it with a try-lock
// and a single-slot handoff rendezvous so the replication sender can
// collect the staged batch without blocking appends.
package peerbuffer

import (
	"errors"

	"github.com/0xgpapad/kuduraft/metapb"
	"github.com/0xgpapad/kuduraft/pkg/xlog"
)

var logger = xlog.NewLogger("peerbuffer", xlog.INFO)

// Tunables, set at startup. Process-wide, mirroring command-line flags
// of the surrounding server.
var (
	// MaxBufferFillSizeBytes caps how many bytes a single cache read
	// attempt may pull into the buffer.
	MaxBufferFillSizeBytes int64 = 2 * 1024 * 1024

	// MaxBatchSizeBytes caps the per-group RPC batch size; the buffer
	// will not fill beyond this total.
	MaxBatchSizeBytes int64 = 1024 * 1024
)

var (
	// ErrNilMessage is returned by Append when given a nil message.
	ErrNilMessage = errors.New("peerbuffer: nil message")

	// ErrNonContiguousMessage is returned by Append when the message
	// index does not directly follow the last buffered index.
	ErrNonContiguousMessage = errors.New("peerbuffer: message does not match buffer")

	// ErrOpsPendingAppend is returned by a LogCache when the first
	// requested op has not been appended yet. The buffer is left
	// unchanged.
	ErrOpsPendingAppend = errors.New("peerbuffer: ops pending append")

	// ErrStoppedEarly reports that a cache read stopped before
	// reaching the requested fill size. Informational; the buffered
	// messages are valid and the caller may resume later.
	ErrStoppedEarly = errors.New("peerbuffer: stopped before reading all ops from log cache")
)

// ReadContext identifies the follower a cache read is assembling
// messages for.
type ReadContext struct {
	ForPeerUUID   string
	ForPeerHost   string
	ForPeerPort   uint32
	RouteViaProxy bool
}

// ReadOpsResult is the outcome of a LogCache read.
type ReadOpsResult struct {
	// Messages read from the cache, in strictly increasing index
	// order, starting directly after the requested index.
	Messages []*metapb.ReplicateMsg

	// PrecedingOp identifies the op immediately before Messages.
	PrecedingOp metapb.OpID

	// StoppedEarly is set when the cache stopped short of the
	// requested byte budget.
	StoppedEarly bool
}

// LogCache supplies log entries by index. Implementations return
// ErrOpsPendingAppend when afterIndex has not been appended yet.
type LogCache interface {
	ReadOps(afterIndex int64, maxBytes int64, rc ReadContext) (ReadOpsResult, error)
}

// BufferData holds the replicate messages staged for one follower,
// together with the markers describing where the buffer starts. Not
// safe for concurrent use; PeerMessageBuffer provides the locking.
type BufferData struct {
	messages            []*metapb.ReplicateMsg
	precedingOpID       metapb.OpID
	lastBuffered        int64
	bufferedForProxying bool
	bytesBuffered       int64
}

// NewBufferData returns an empty, unanchored buffer.
func NewBufferData() *BufferData {
	return &BufferData{lastBuffered: -1}
}

// Reset clears the buffer and re-anchors it so that the next append or
// cache read starts at lastIndex+1.
func (b *BufferData) Reset(forProxy bool, lastIndex int64) {
	b.messages = nil
	b.lastBuffered = lastIndex
	b.precedingOpID = metapb.OpID{}
	b.bufferedForProxying = forProxy
	b.bytesBuffered = 0
}

// Append stages msg at the tail of the buffer. The message index must
// directly follow the last buffered index; a gap fails with
// ErrNonContiguousMessage and leaves the buffer unchanged.
func (b *BufferData) Append(msg *metapb.ReplicateMsg) error {
	if msg == nil {
		return ErrNilMessage
	}
	if msg.ID.Index != b.lastBuffered+1 {
		return ErrNonContiguousMessage
	}

	b.lastBuffered = msg.ID.Index
	if len(b.messages) == 0 {
		// Matches the sender's contract: the first message appended
		// into an empty buffer carries the anchor OpId.
		b.precedingOpID = msg.ID
	}
	b.messages = append(b.messages, msg)
	b.bytesBuffered += msg.ByteSize()
	return nil
}

// ReadFromCache fills the buffer from cache, continuing at the last
// buffered index. The fill size is capped by MaxBufferFillSizeBytes
// per attempt and by MaxBatchSizeBytes overall. Returns
// ErrStoppedEarly when the cache stopped short of the budget; any
// other non-ErrOpsPendingAppend failure resets the buffer.
func (b *BufferData) ReadFromCache(rc ReadContext, cache LogCache) error {
	fillSize := MaxBufferFillSizeBytes
	if remaining := MaxBatchSizeBytes - b.bytesBuffered; remaining < fillSize {
		fillSize = remaining
	}
	if fillSize < 0 {
		fillSize = 0
	}

	logger.Debugf("filling buffer for peer %s [%s:%d] with %d bytes starting from index %d, route_via_proxy=%v",
		rc.ForPeerUUID, rc.ForPeerHost, rc.ForPeerPort, fillSize, b.lastBuffered, rc.RouteViaProxy)

	wasEmpty := len(b.messages) == 0
	res, err := cache.ReadOps(b.lastBuffered, fillSize, rc)

	if err == nil {
		if len(res.Messages) > 0 {
			b.messages = append(b.messages, res.Messages...)
			b.lastBuffered = res.Messages[len(res.Messages)-1].ID.Index
			b.bufferedForProxying = rc.RouteViaProxy
			for _, m := range res.Messages {
				b.bytesBuffered += m.ByteSize()
			}
		}
		if wasEmpty {
			b.precedingOpID = res.PrecedingOp
		}
		if res.StoppedEarly {
			return ErrStoppedEarly
		}
		return nil
	}

	if !errors.Is(err, ErrOpsPendingAppend) {
		b.Reset(false, -1)
	}
	return err
}

// MoveAndReset hands the staged messages out of the buffer. The buffer
// is cleared but keeps its last buffered index and proxy mode, so
// subsequent appends and cache reads stay contiguous.
func (b *BufferData) MoveAndReset() ([]*metapb.ReplicateMsg, metapb.OpID) {
	msgs := b.messages
	preceding := b.precedingOpID
	b.Reset(b.bufferedForProxying, b.lastBuffered)
	return msgs, preceding
}

// FirstIndex returns the index of the first buffered message, or -1 if
// the buffer is empty.
func (b *BufferData) FirstIndex() int64 {
	if len(b.messages) == 0 {
		return -1
	}
	return b.messages[0].ID.Index
}

// LastIndex returns the index buffering will pick up from. This index
// may not be in the message buffer itself. -1 means nothing has been
// buffered yet.
func (b *BufferData) LastIndex() int64 {
	return b.lastBuffered
}

// Empty reports whether the buffer holds no messages.
func (b *BufferData) Empty() bool {
	return b.lastBuffered == -1 || len(b.messages) == 0
}

// ForProxying reports whether the buffered ops were assembled to be
// routed via a proxy node. Proxied ops may not be compressed and may
// not have checksums.
func (b *BufferData) ForProxying() bool {
	return b.bufferedForProxying
}

// BytesBuffered returns the total encoded size of the staged messages.
func (b *BufferData) BytesBuffered() int64 {
	return b.bytesBuffered
}

// PrecedingOpID returns the OpId anchoring the start of the buffer.
func (b *BufferData) PrecedingOpID() metapb.OpID {
	return b.precedingOpID
}
