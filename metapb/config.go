package metapb

// MemberType is the replication duty of a peer within a config.
type MemberType int8

const (
	// MEMBER_TYPE_VOTER participates in elections and commit quorums.
	MEMBER_TYPE_VOTER MemberType = iota

	// MEMBER_TYPE_NON_VOTER receives replicated data but has no vote.
	MEMBER_TYPE_NON_VOTER

	// MEMBER_TYPE_LEARNER is a non-voter being caught up for promotion.
	MEMBER_TYPE_LEARNER
)

func (t MemberType) String() string {
	switch t {
	case MEMBER_TYPE_VOTER:
		return "VOTER"
	case MEMBER_TYPE_NON_VOTER:
		return "NON_VOTER"
	case MEMBER_TYPE_LEARNER:
		return "LEARNER"
	default:
		return "UNKNOWN"
	}
}

// Role is the consensus role a peer derives from its position in the
// active config and the identity of the current leader.
type Role int8

const (
	ROLE_LEADER Role = iota
	ROLE_FOLLOWER
	ROLE_LEARNER
	ROLE_NON_PARTICIPANT
)

func (r Role) String() string {
	switch r {
	case ROLE_LEADER:
		return "LEADER"
	case ROLE_FOLLOWER:
		return "FOLLOWER"
	case ROLE_LEARNER:
		return "LEARNER"
	case ROLE_NON_PARTICIPANT:
		return "NON_PARTICIPANT"
	default:
		return "UNKNOWN"
	}
}

// HostPort is the last-known address of a peer.
type HostPort struct {
	Host string `json:"host"`
	Port uint32 `json:"port"`
}

// RaftPeer describes one member of a replication group.
type RaftPeer struct {
	UUID          string     `json:"permanent_uuid"`
	MemberType    MemberType `json:"member_type"`
	LastKnownAddr *HostPort  `json:"last_known_addr,omitempty"`
	QuorumID      string     `json:"quorum_id,omitempty"`
}

// Clone returns a deep copy of the peer.
func (p RaftPeer) Clone() RaftPeer {
	out := p
	if p.LastKnownAddr != nil {
		addr := *p.LastKnownAddr
		out.LastKnownAddr = &addr
	}
	return out
}

// RaftConfig is the membership of a replication group at a point in
// the log, identified by the opid index at which it was proposed.
type RaftConfig struct {
	OpIDIndex int64      `json:"opid_index"`
	Peers     []RaftPeer `json:"peers"`

	// VoterDistribution maps a quorum group tag to the number of
	// voters required from that group. Only set by flexible-quorum
	// deployments.
	VoterDistribution map[string]int32 `json:"voter_distribution,omitempty"`
}

// Clone returns a deep copy of the config.
func (c RaftConfig) Clone() RaftConfig {
	out := RaftConfig{OpIDIndex: c.OpIDIndex}
	if c.Peers != nil {
		out.Peers = make([]RaftPeer, len(c.Peers))
		for i := range c.Peers {
			out.Peers[i] = c.Peers[i].Clone()
		}
	}
	if c.VoterDistribution != nil {
		out.VoterDistribution = make(map[string]int32, len(c.VoterDistribution))
		for k, v := range c.VoterDistribution {
			out.VoterDistribution[k] = v
		}
	}
	return out
}
