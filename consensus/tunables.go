package consensus

// MinimumTerm is the lower bound for any term accepted by
// SetCurrentTerm.
const MinimumTerm = 0

// Tunables, set at startup before any ConsensusMetadata is created.
// They are process-wide, mirroring command-line flags of the
// surrounding server.
var (
	// VoteHistoryMaxSize bounds the number of previous-vote entries
	// retained in persisted metadata.
	VoteHistoryMaxSize = 10

	// MaxRemovedPeers bounds the registry of recently removed peers.
	MaxRemovedPeers = 16

	// FaultCrashBeforeCMetaFlush is the probability that Flush kills
	// the process before writing. For testing only; unsafe.
	FaultCrashBeforeCMetaFlush = 0.0
)
