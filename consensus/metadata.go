// Package consensus implements the durable consensus metadata of a
// replication group: the Raft voting record, the committed and pending
// membership configs, and the registry of recently removed peers. The
// metadata survives restarts as a single checksummed record file per
// group; correctness of leader election and membership change depends
// on the atomicity and ordering guarantees enforced here.
package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/0xgpapad/kuduraft/metapb"
	"github.com/0xgpapad/kuduraft/pkg/fault"
	"github.com/0xgpapad/kuduraft/pkg/fileutil"
	"github.com/0xgpapad/kuduraft/pkg/xlog"
	"github.com/0xgpapad/kuduraft/quorum"
	"github.com/0xgpapad/kuduraft/recordfile"
)

var logger = xlog.NewLogger("consensus", xlog.INFO)

var (
	// ErrAlreadyPresent is returned by Create in NO_FLUSH_ON_CREATE mode
	// when a metadata file for the group already exists on disk. In
	// FLUSH_ON_CREATE mode an existing file fails the NO_OVERWRITE write
	// with recordfile.ErrFileExists instead.
	ErrAlreadyPresent = errors.New("consensus: metadata file already exists")

	// ErrNoPendingConfig is returned when a pending config is requested
	// but no config change is in flight.
	ErrNoPendingConfig = errors.New("consensus: no pending config")

	// ErrNotFound is returned when a requested member or field is absent.
	ErrNotFound = errors.New("consensus: not found")
)

// CreateMode selects whether Create flushes the new metadata to disk.
type CreateMode int8

const (
	FLUSH_ON_CREATE CreateMode = iota
	NO_FLUSH_ON_CREATE
)

// FlushMode selects whether Flush may replace an existing file.
type FlushMode int8

const (
	OVERWRITE FlushMode = iota
	NO_OVERWRITE
)

// ConfigState selects which membership config an operation refers to.
type ConfigState int8

const (
	ACTIVE_CONFIG ConfigState = iota
	COMMITTED_CONFIG
	PENDING_CONFIG
)

// ConsensusMetadata is the in-memory mirror of one group's persisted
// consensus record, plus volatile overlays: the pending config of an
// in-flight membership change, the observed leader for the current
// term, the derived role, and the removed-peers registry.
//
// All methods serialize on an internal exclusive lock. Flush, Create,
// Load, DeleteOnDiskData and the leader-sync path perform blocking
// filesystem I/O; everything else is CPU-only.
type ConsensusMetadata struct {
	mu sync.Mutex

	fs       *FsManager
	groupID  string
	peerUUID string

	// pb mirrors the durable record; volatile state lives outside it.
	pb metapb.PersistedMetadata

	hasPendingConfig bool
	pendingConfig    metapb.RaftConfig
	leaderUUID       string
	activeRole       metapb.Role

	removedPeers []string

	onDiskSize uint64
	flushCount int
}

func newConsensusMetadata(fs *FsManager, groupID, peerUUID string) *ConsensusMetadata {
	cm := &ConsensusMetadata{
		fs:       fs,
		groupID:  groupID,
		peerUUID: peerUUID,
	}
	// Correctness of vote-history pruning depends on these defaults.
	cm.pb.LastKnownLeader = metapb.LastKnownLeader{UUID: "", ElectionTerm: 0}
	cm.pb.LastPrunedTerm = -1
	return cm
}

// Create constructs consensus metadata for a new replication group
// with the given committed config and initial term. In FLUSH_ON_CREATE
// mode the record is written with NO_OVERWRITE semantics so that an
// existing file fails the create. Otherwise the target file must not
// already exist.
func Create(
	fs *FsManager,
	groupID, peerUUID string,
	cfg metapb.RaftConfig,
	currentTerm int64,
	mode CreateMode,
) (*ConsensusMetadata, error) {
	cm := newConsensusMetadata(fs, groupID, peerUUID)
	cm.SetCommittedConfig(cfg)
	cm.SetCurrentTerm(currentTerm)

	if mode == FLUSH_ON_CREATE {
		if err := cm.Flush(NO_OVERWRITE); err != nil { // Create should not clobber.
			return nil, err
		}
	} else if fileutil.ExistFileOrDir(fs.MetaPath(groupID)) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPresent, fs.MetaPath(groupID))
	}
	return cm, nil
}

// Load reads a group's persisted consensus record from disk.
func Load(fs *FsManager, groupID, peerUUID string) (*ConsensusMetadata, error) {
	cm := newConsensusMetadata(fs, groupID, peerUUID)

	payload, err := recordfile.Read(fs.MetaPath(groupID))
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(payload, &cm.pb); err != nil {
		return nil, fmt.Errorf("consensus: corrupt metadata record %s: %w", fs.MetaPath(groupID), err)
	}

	cm.updateActiveRole()
	if err = cm.updateOnDiskSize(); err != nil {
		return nil, err
	}
	return cm, nil
}

// DeleteOnDiskData removes a group's consensus metadata file.
func DeleteOnDiskData(fs *FsManager, groupID string) error {
	if err := recordfile.Delete(fs.MetaPath(groupID)); err != nil {
		return fmt.Errorf("consensus: unable to delete metadata file for group %s: %w", groupID, err)
	}
	return nil
}

// CurrentTerm returns the latest term this peer has seen.
func (cm *ConsensusMetadata) CurrentTerm() int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pb.CurrentTerm
}

// SetCurrentTerm updates the current term in memory. Terms below
// MinimumTerm indicate caller bugs and panic.
func (cm *ConsensusMetadata) SetCurrentTerm(term int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.setCurrentTerm(term)
}

func (cm *ConsensusMetadata) setCurrentTerm(term int64) {
	if term < MinimumTerm {
		logger.Panicf("%sterm %d below minimum %d", cm.logPrefix(), term, MinimumTerm)
	}
	cm.pb.CurrentTerm = term
}

// HasVotedFor reports whether this peer granted a vote in the current term.
func (cm *ConsensusMetadata) HasVotedFor() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pb.VotedFor != nil
}

// VotedFor returns the candidate this peer voted for in the current
// term, if any.
func (cm *ConsensusMetadata) VotedFor() (string, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.pb.VotedFor == nil {
		return "", false
	}
	return *cm.pb.VotedFor, true
}

// ClearVotedFor clears the vote for the current term.
func (cm *ConsensusMetadata) ClearVotedFor() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.pb.VotedFor = nil
}

// SetVotedFor records a vote granted to uuid in the current term and
// folds it into the bounded previous-vote history.
func (cm *ConsensusMetadata) SetVotedFor(uuid string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if uuid == "" {
		logger.Panicf("%svote granted to empty uuid", cm.logPrefix())
	}
	v := uuid
	cm.pb.VotedFor = &v

	cm.populatePreviousVoteHistory(metapb.PreviousVote{
		CandidateUUID: uuid,
		ElectionTerm:  cm.pb.CurrentTerm,
	})
}

// populatePreviousVoteHistory inserts prevVote and prunes the history:
// first every entry at or below the last known leader's term, then the
// oldest entry if the history still exceeds VoteHistoryMaxSize.
func (cm *ConsensusMetadata) populatePreviousVoteHistory(prevVote metapb.PreviousVote) {
	if cm.pb.PreviousVoteHistory == nil {
		cm.pb.PreviousVoteHistory = make(map[int64]metapb.PreviousVote)
	}
	history := cm.pb.PreviousVoteHistory
	if _, ok := history[prevVote.ElectionTerm]; !ok {
		history[prevVote.ElectionTerm] = prevVote
	}

	lastKnownLeaderTerm := cm.pb.LastKnownLeader.ElectionTerm
	lastPrunedTerm := cm.pb.LastPrunedTerm

	terms := maps.Keys(history)
	slices.Sort(terms)

	// Step 1: prune all the way until the last known leader's term.
	pruned := false
	for _, term := range terms {
		if term > lastKnownLeaderTerm {
			break
		}
		lastPrunedTerm = term
		delete(history, term)
		pruned = true
	}
	if pruned {
		logger.Debugf("%spruning vote history older than %d", cm.logPrefix(), lastPrunedTerm)
		cm.pb.LastPrunedTerm = lastPrunedTerm
	}

	// Step 2: prune further if the history still exceeds its cap.
	if len(history) > VoteHistoryMaxSize {
		terms = maps.Keys(history)
		slices.Sort(terms)
		oldest := terms[0]
		logger.Debugf("%spruning vote history older than %d", cm.logPrefix(), oldest)
		cm.pb.LastPrunedTerm = oldest
		delete(history, oldest)
	}
}

// PreviousVoteHistory returns a copy of the retained vote history.
func (cm *ConsensusMetadata) PreviousVoteHistory() map[int64]metapb.PreviousVote {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make(map[int64]metapb.PreviousVote, len(cm.pb.PreviousVoteHistory))
	for k, v := range cm.pb.PreviousVoteHistory {
		out[k] = v
	}
	return out
}

// LastPrunedTerm returns the highest term evicted from the vote
// history, -1 if nothing was pruned yet.
func (cm *ConsensusMetadata) LastPrunedTerm() int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pb.LastPrunedTerm
}

// IsVoterInConfig reports whether uuid is a voter in the selected config.
func (cm *ConsensusMetadata) IsVoterInConfig(uuid string, state ConfigState) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return quorum.IsVoter(uuid, cm.config(state))
}

// IsMemberInConfig reports whether uuid is a member of the selected config.
func (cm *ConsensusMetadata) IsMemberInConfig(uuid string, state ConfigState) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return quorum.IsMember(uuid, cm.config(state))
}

// MemberDetailInConfig resolves uuid in the selected config.
func (cm *ConsensusMetadata) MemberDetailInConfig(uuid string, state ConfigState) (quorum.MemberDetail, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return quorum.GetMemberDetail(uuid, cm.config(state))
}

// CountVotersInConfig returns the number of voters in the selected config.
func (cm *ConsensusMetadata) CountVotersInConfig(state ConfigState) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return quorum.CountVoters(cm.config(state))
}

// ConfigOpIDIndex returns the opid index of the selected config.
func (cm *ConsensusMetadata) ConfigOpIDIndex(state ConfigState) int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.config(state).OpIDIndex
}

// config returns the selected config by value. The committed config
// must be present for ACTIVE_CONFIG and COMMITTED_CONFIG; a pending
// config must be in flight for PENDING_CONFIG.
func (cm *ConsensusMetadata) config(state ConfigState) metapb.RaftConfig {
	switch state {
	case ACTIVE_CONFIG:
		if cm.hasPendingConfig {
			return cm.pendingConfig
		}
		fallthrough
	case COMMITTED_CONFIG:
		if cm.pb.CommittedConfig == nil {
			logger.Panicf("%sno committed config", cm.logPrefix())
		}
		return *cm.pb.CommittedConfig
	case PENDING_CONFIG:
		if !cm.hasPendingConfig {
			logger.Panicf("%sthere is no pending config", cm.logPrefix())
		}
		return cm.pendingConfig
	default:
		logger.Panicf("unknown ConfigState: %d", state)
		return metapb.RaftConfig{}
	}
}

// CommittedConfig returns a copy of the committed config.
func (cm *ConsensusMetadata) CommittedConfig() metapb.RaftConfig {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.config(COMMITTED_CONFIG).Clone()
}

// SetCommittedConfig replaces the committed config. The active role is
// recomputed unless a pending config overlays it.
func (cm *ConsensusMetadata) SetCommittedConfig(cfg metapb.RaftConfig) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.setCommittedConfig(cfg)
}

func (cm *ConsensusMetadata) setCommittedConfig(cfg metapb.RaftConfig) {
	c := cfg.Clone()
	cm.pb.CommittedConfig = &c
	if !cm.hasPendingConfig {
		cm.updateActiveRole()
	}
}

// VoterDistribution returns the committed config's quorum-group voter
// requirements. It fails with ErrNotFound if no committed config is set.
func (cm *ConsensusMetadata) VoterDistribution() (map[string]int32, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.pb.CommittedConfig == nil {
		return nil, fmt.Errorf("%w: committed config not present to get voter distribution", ErrNotFound)
	}
	vd := make(map[string]int32, len(cm.pb.CommittedConfig.VoterDistribution))
	for k, v := range cm.pb.CommittedConfig.VoterDistribution {
		vd[k] = v
	}
	return vd, nil
}

// HasPendingConfig reports whether a config change is in flight.
func (cm *ConsensusMetadata) HasPendingConfig() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.hasPendingConfig
}

// PendingConfig returns a copy of the in-flight config. It fails with
// ErrNoPendingConfig when no config change is in flight.
func (cm *ConsensusMetadata) PendingConfig() (metapb.RaftConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if !cm.hasPendingConfig {
		return metapb.RaftConfig{}, ErrNoPendingConfig
	}
	return cm.pendingConfig.Clone(), nil
}

// SetPendingConfig overlays an in-flight config and recomputes the role.
func (cm *ConsensusMetadata) SetPendingConfig(cfg metapb.RaftConfig) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.setPendingConfig(cfg)
}

func (cm *ConsensusMetadata) setPendingConfig(cfg metapb.RaftConfig) {
	cm.hasPendingConfig = true
	cm.pendingConfig = cfg.Clone()
	cm.updateActiveRole()
}

// ClearPendingConfig drops the in-flight config and recomputes the role.
func (cm *ConsensusMetadata) ClearPendingConfig() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.clearPendingConfig()
}

func (cm *ConsensusMetadata) clearPendingConfig() {
	cm.hasPendingConfig = false
	cm.pendingConfig = metapb.RaftConfig{}
	cm.updateActiveRole()
}

// SetActiveConfig routes cfg to the pending slot when a config change
// is in flight, otherwise to the committed slot.
func (cm *ConsensusMetadata) SetActiveConfig(cfg metapb.RaftConfig) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.hasPendingConfig {
		cm.setPendingConfig(cfg)
	} else {
		cm.setCommittedConfig(cfg)
	}
}

// ActiveConfig returns a copy of the config currently in effect: the
// pending config if one is in flight, else the committed config.
func (cm *ConsensusMetadata) ActiveConfig() metapb.RaftConfig {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.config(ACTIVE_CONFIG).Clone()
}

// LeaderUUID returns the observed leader for the current term, empty
// if unknown.
func (cm *ConsensusMetadata) LeaderUUID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.leaderUUID
}

// SetLeaderUUID records the observed leader and recomputes the role.
// The leader only becomes durable through SyncLastKnownLeader.
func (cm *ConsensusMetadata) SetLeaderUUID(uuid string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.setLeaderUUID(uuid)
}

func (cm *ConsensusMetadata) setLeaderUUID(uuid string) {
	cm.leaderUUID = uuid
	cm.updateActiveRole()
}

// LastKnownLeader returns the durably recorded last known leader.
func (cm *ConsensusMetadata) LastKnownLeader() metapb.LastKnownLeader {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.pb.LastKnownLeader
}

// SyncLastKnownLeader persists the observed leader as the last known
// leader. No-op when no leader is known.
func (cm *ConsensusMetadata) SyncLastKnownLeader() error {
	return cm.syncLastKnownLeader(nil)
}

// CompareAndSyncLastKnownLeader persists the observed leader only when
// the current term still equals casTerm; otherwise it returns without
// flushing.
func (cm *ConsensusMetadata) CompareAndSyncLastKnownLeader(casTerm int64) error {
	return cm.syncLastKnownLeader(&casTerm)
}

// syncLastKnownLeader is the only path by which the observed leader
// becomes durable. A node takes it after winning an election or after
// accepting entries from a legitimate leader.
func (cm *ConsensusMetadata) syncLastKnownLeader(casTerm *int64) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.leaderUUID == "" {
		return nil
	}
	currentTerm := cm.pb.CurrentTerm
	if casTerm != nil && currentTerm != *casTerm {
		logger.Infof("%scompare and swap on last known leader term mismatch. supplied term: %d, current term: %d",
			cm.logPrefix(), *casTerm, currentTerm)
		return nil
	}
	logger.Infof("%slast known leader updated to %s for term %d", cm.logPrefix(), cm.leaderUUID, currentTerm)
	cm.pb.LastKnownLeader = metapb.LastKnownLeader{
		UUID:         cm.leaderUUID,
		ElectionTerm: currentTerm,
	}
	return cm.flush(OVERWRITE)
}

// LeaderHostPort returns the last-known address of the observed
// leader, resolved through the active config.
func (cm *ConsensusMetadata) LeaderHostPort() (string, uint32) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cfg := cm.config(ACTIVE_CONFIG)
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.UUID == cm.leaderUUID && p.LastKnownAddr != nil {
			return p.LastKnownAddr.Host, p.LastKnownAddr.Port
		}
	}
	return "", 0
}

// ConfigMemberCopy returns a copy of the active-config member with the
// given uuid.
func (cm *ConsensusMetadata) ConfigMemberCopy(uuid string) (metapb.RaftPeer, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cfg := cm.config(ACTIVE_CONFIG)
	for i := range cfg.Peers {
		if cfg.Peers[i].UUID == uuid {
			return cfg.Peers[i].Clone(), nil
		}
	}
	return metapb.RaftPeer{}, fmt.Errorf("%w: peer with uuid %s not in consensus config", ErrNotFound, uuid)
}

// ActiveRole returns the role derived from the peer uuid, the observed
// leader, and the active config.
func (cm *ConsensusMetadata) ActiveRole() metapb.Role {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.activeRole
}

// ToConsensusState exports a snapshot of the externally visible state.
func (cm *ConsensusMetadata) ToConsensusState() metapb.ConsensusState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.toConsensusState()
}

func (cm *ConsensusMetadata) toConsensusState() metapb.ConsensusState {
	cstate := metapb.ConsensusState{
		CurrentTerm:     cm.pb.CurrentTerm,
		LeaderUUID:      cm.leaderUUID,
		CommittedConfig: cm.config(COMMITTED_CONFIG).Clone(),
	}
	if cm.hasPendingConfig {
		pending := cm.pendingConfig.Clone()
		cstate.PendingConfig = &pending
	}
	return cstate
}

// MergeCommittedState adopts a committed consensus state learned from
// a peer: raises the local term (clearing the local vote) when the
// remote term is newer, forgets the observed leader, replaces the
// committed config, and drops any pending config.
func (cm *ConsensusMetadata) MergeCommittedState(cstate metapb.ConsensusState) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cstate.CurrentTerm > cm.pb.CurrentTerm {
		cm.setCurrentTerm(cstate.CurrentTerm)
		cm.pb.VotedFor = nil
	}

	cm.setLeaderUUID("")
	cm.setCommittedConfig(cstate.CommittedConfig)
	cm.clearPendingConfig()
}

// Flush writes the persisted portion of the metadata to disk with an
// fsync. The committed config is structurally verified first; flushing
// an invalid config is always a bug somewhere upstream.
func (cm *ConsensusMetadata) Flush(mode FlushMode) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.flush(mode)
}

func (cm *ConsensusMetadata) flush(mode FlushMode) error {
	fault.MaybeFault(FaultCrashBeforeCMetaFlush)

	defer logger.WarnIfSlow(time.Now(), 500*time.Millisecond, cm.logPrefix()+"flushing consensus metadata")

	cm.flushCount++
	if cm.pb.CommittedConfig == nil {
		return fmt.Errorf("invalid config in consensus metadata, cannot flush to disk: %w", quorum.ErrInvalidConfig)
	}
	if err := quorum.Verify(*cm.pb.CommittedConfig); err != nil {
		return fmt.Errorf("invalid config in consensus metadata, cannot flush to disk: %w", err)
	}

	dir := cm.fs.MetaDir()
	createdDir, err := fileutil.CreateDirIfMissing(dir)
	if err != nil {
		return fmt.Errorf("unable to create consensus metadata root dir: %w", err)
	}
	if createdDir {
		parent := filepath.Dir(dir)
		if err = fileutil.SyncDir(parent); err != nil {
			return fmt.Errorf("unable to fsync consensus parent dir %s: %w", parent, err)
		}
	}

	payload, err := json.Marshal(cm.pb)
	if err != nil {
		return err
	}

	wm := recordfile.OVERWRITE
	if mode == NO_OVERWRITE {
		wm = recordfile.NO_OVERWRITE
	}
	metaPath := cm.fs.MetaPath(cm.groupID)
	if err = recordfile.Write(metaPath, payload, wm, recordfile.SYNC); err != nil {
		return fmt.Errorf("unable to write consensus meta file for group %s to path %s: %w",
			cm.groupID, metaPath, err)
	}
	return cm.updateOnDiskSize()
}

// FlushCountForTests returns the number of Flush attempts.
func (cm *ConsensusMetadata) FlushCountForTests() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.flushCount
}

// OnDiskSize returns the size of the last written record file.
func (cm *ConsensusMetadata) OnDiskSize() uint64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.onDiskSize
}

func (cm *ConsensusMetadata) updateOnDiskSize() error {
	size, err := recordfile.FileSize(cm.fs.MetaPath(cm.groupID))
	if err != nil {
		return err
	}
	cm.onDiskSize = size
	return nil
}

func (cm *ConsensusMetadata) updateActiveRole() {
	cm.activeRole = quorum.ComputeRole(cm.peerUUID, cm.leaderUUID, cm.config(ACTIVE_CONFIG))
	logger.Debugf("%supdating active role to %s", cm.logPrefix(), cm.activeRole)
}

func (cm *ConsensusMetadata) logPrefix() string {
	return fmt.Sprintf("T %s P %s: ", cm.groupID, cm.peerUUID)
}
