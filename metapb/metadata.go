package metapb

// PreviousVote records a vote granted in a past election term.
type PreviousVote struct {
	CandidateUUID string `json:"candidate_uuid"`
	ElectionTerm  int64  `json:"election_term"`
}

// LastKnownLeader is the most recent leader this peer has observed
// and durably recorded. The zero value (empty uuid, term 0) means no
// leader has ever been recorded.
type LastKnownLeader struct {
	UUID         string `json:"uuid"`
	ElectionTerm int64  `json:"election_term"`
}

// PersistedMetadata is the durable consensus record of one
// replication group, written as a single checksummed record file.
type PersistedMetadata struct {
	CurrentTerm int64 `json:"current_term"`

	// VotedFor is set iff this peer granted a vote in CurrentTerm.
	VotedFor *string `json:"voted_for,omitempty"`

	// CommittedConfig is always present once the group is initialized.
	CommittedConfig *RaftConfig `json:"committed_config,omitempty"`

	// PreviousVoteHistory is a sparse, bounded record of votes granted
	// in earlier terms, keyed by election term.
	PreviousVoteHistory map[int64]PreviousVote `json:"previous_vote_history,omitempty"`

	LastKnownLeader LastKnownLeader `json:"last_known_leader"`

	// LastPrunedTerm is the highest term evicted from
	// PreviousVoteHistory, -1 if nothing was ever pruned.
	LastPrunedTerm int64 `json:"last_pruned_term"`
}

// Clone returns a deep copy of the metadata.
func (m PersistedMetadata) Clone() PersistedMetadata {
	out := m
	if m.VotedFor != nil {
		v := *m.VotedFor
		out.VotedFor = &v
	}
	if m.CommittedConfig != nil {
		cfg := m.CommittedConfig.Clone()
		out.CommittedConfig = &cfg
	}
	if m.PreviousVoteHistory != nil {
		out.PreviousVoteHistory = make(map[int64]PreviousVote, len(m.PreviousVoteHistory))
		for k, v := range m.PreviousVoteHistory {
			out.PreviousVoteHistory[k] = v
		}
	}
	return out
}

// ConsensusState is a point-in-time snapshot of the externally
// visible consensus state of a peer.
type ConsensusState struct {
	CurrentTerm     int64       `json:"current_term"`
	LeaderUUID      string      `json:"leader_uuid,omitempty"`
	CommittedConfig RaftConfig  `json:"committed_config"`
	PendingConfig   *RaftConfig `json:"pending_config,omitempty"`
}
