// Package quorum holds pure predicates over replication-group
// configurations. Nothing here mutates a config or touches disk.
package quorum

import (
	"errors"
	"fmt"

	"github.com/0xgpapad/kuduraft/metapb"
)

var ErrInvalidConfig = errors.New("quorum: invalid config")

const maxPort = 65535

// IsVoter returns true if uuid is a voting member of cfg.
func IsVoter(uuid string, cfg metapb.RaftConfig) bool {
	for i := range cfg.Peers {
		if cfg.Peers[i].UUID == uuid {
			return cfg.Peers[i].MemberType == metapb.MEMBER_TYPE_VOTER
		}
	}
	return false
}

// IsMember returns true if uuid appears in cfg with any member type.
func IsMember(uuid string, cfg metapb.RaftConfig) bool {
	for i := range cfg.Peers {
		if cfg.Peers[i].UUID == uuid {
			return true
		}
	}
	return false
}

// CountVoters returns the number of voting members in cfg.
func CountVoters(cfg metapb.RaftConfig) int {
	n := 0
	for i := range cfg.Peers {
		if cfg.Peers[i].MemberType == metapb.MEMBER_TYPE_VOTER {
			n++
		}
	}
	return n
}

// MemberDetail is the resolved identity of a config member.
type MemberDetail struct {
	HostPort string
	IsVoter  bool
	QuorumID string
}

// GetMemberDetail looks up uuid in cfg and reports its address,
// voting status, and quorum group tag.
func GetMemberDetail(uuid string, cfg metapb.RaftConfig) (MemberDetail, bool) {
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.UUID != uuid {
			continue
		}
		d := MemberDetail{
			IsVoter:  p.MemberType == metapb.MEMBER_TYPE_VOTER,
			QuorumID: p.QuorumID,
		}
		if p.LastKnownAddr != nil {
			d.HostPort = fmt.Sprintf("%s:%d", p.LastKnownAddr.Host, p.LastKnownAddr.Port)
		}
		return d, true
	}
	return MemberDetail{}, false
}

// Verify checks cfg for structural problems: duplicate peer UUIDs,
// empty UUIDs, voters without a usable address, out-of-range ports,
// and configs with no voters at all.
func Verify(cfg metapb.RaftConfig) error {
	seen := make(map[string]struct{}, len(cfg.Peers))
	voters := 0
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.UUID == "" {
			return fmt.Errorf("%w: peer %d has empty uuid", ErrInvalidConfig, i)
		}
		if _, ok := seen[p.UUID]; ok {
			return fmt.Errorf("%w: duplicate peer uuid %q", ErrInvalidConfig, p.UUID)
		}
		seen[p.UUID] = struct{}{}

		if p.MemberType == metapb.MEMBER_TYPE_VOTER {
			voters++
			if p.LastKnownAddr == nil || p.LastKnownAddr.Host == "" {
				return fmt.Errorf("%w: voter %q has no last known address", ErrInvalidConfig, p.UUID)
			}
			if p.LastKnownAddr.Port == 0 || p.LastKnownAddr.Port > maxPort {
				return fmt.Errorf("%w: voter %q has invalid port %d", ErrInvalidConfig, p.UUID, p.LastKnownAddr.Port)
			}
		}
	}
	if voters == 0 {
		return fmt.Errorf("%w: config has no voters", ErrInvalidConfig)
	}
	return nil
}

// ComputeRole derives the consensus role of selfUUID given the
// current leader and the active config.
func ComputeRole(selfUUID, leaderUUID string, cfg metapb.RaftConfig) metapb.Role {
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.UUID != selfUUID {
			continue
		}
		if p.MemberType == metapb.MEMBER_TYPE_VOTER {
			if selfUUID == leaderUUID {
				return metapb.ROLE_LEADER
			}
			if leaderUUID != "" {
				return metapb.ROLE_FOLLOWER
			}
			return metapb.ROLE_NON_PARTICIPANT
		}
		return metapb.ROLE_LEARNER
	}
	return metapb.ROLE_NON_PARTICIPANT
}
