package metapb

// ReplicateMsg is one log record being shipped to a follower. The
// same message may be shared by several peer buffers at once; holders
// must treat it as immutable.
type ReplicateMsg struct {
	ID      OpID   `json:"id"`
	Payload []byte `json:"payload,omitempty"`
}

// opIDEncodedSize is the fixed per-message framing overhead used for
// batch accounting.
const opIDEncodedSize = 16

// ByteSize returns the encoded size of the message, used to bound
// buffer fills and RPC batches.
func (m *ReplicateMsg) ByteSize() int64 {
	return int64(len(m.Payload)) + opIDEncodedSize
}
