package consensus

import (
	"github.com/0xgpapad/kuduraft/quorum"
)

// Removed-peers registry. A bounded, in-memory FIFO of peer UUIDs that
// were recently evicted from the group's config. The registry never
// contradicts the active config: inserting a current member is a no-op
// and lookups for current members always report not-removed.

// InsertIntoRemovedPeers records uuids as recently removed. UUIDs that
// are members of the active config are skipped. When the registry is
// at capacity the oldest entry is evicted before each push.
func (cm *ConsensusMetadata) InsertIntoRemovedPeers(uuids ...string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	active := cm.config(ACTIVE_CONFIG)
	for _, uuid := range uuids {
		if quorum.IsMember(uuid, active) {
			logger.Debugf("%snot marking %q removed, still a member", cm.logPrefix(), uuid)
			continue
		}
		if len(cm.removedPeers) >= MaxRemovedPeers {
			cm.removedPeers = cm.removedPeers[1:]
		}
		cm.removedPeers = append(cm.removedPeers, uuid)
	}
}

// IsPeerRemoved reports whether uuid is in the removed-peers registry.
// Members of the active config are never considered removed, even if a
// stale registry entry still names them.
func (cm *ConsensusMetadata) IsPeerRemoved(uuid string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if quorum.IsMember(uuid, cm.config(ACTIVE_CONFIG)) {
		return false
	}
	for _, r := range cm.removedPeers {
		if r == uuid {
			return true
		}
	}
	return false
}

// DeleteFromRemovedPeers erases each given uuid from the registry. Only
// the first matching entry per uuid is removed.
func (cm *ConsensusMetadata) DeleteFromRemovedPeers(uuids ...string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, uuid := range uuids {
		for i, r := range cm.removedPeers {
			if r == uuid {
				cm.removedPeers = append(cm.removedPeers[:i], cm.removedPeers[i+1:]...)
				break
			}
		}
	}
}

// ClearRemovedPeers empties the registry.
func (cm *ConsensusMetadata) ClearRemovedPeers() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.removedPeers = nil
}

// RemovedPeers returns a snapshot of the registry, oldest first.
func (cm *ConsensusMetadata) RemovedPeers() []string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]string, len(cm.removedPeers))
	copy(out, cm.removedPeers)
	return out
}
