package consensus

import (
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xgpapad/kuduraft/metapb"
	"github.com/0xgpapad/kuduraft/pkg/fault"
	"github.com/0xgpapad/kuduraft/quorum"
)

func newTestFs(t *testing.T) *FsManager {
	t.Helper()
	return NewFsManager(t.TempDir())
}

func voterPeer(uuidStr, host string, port uint32) metapb.RaftPeer {
	return metapb.RaftPeer{
		UUID:          uuidStr,
		MemberType:    metapb.MEMBER_TYPE_VOTER,
		LastKnownAddr: &metapb.HostPort{Host: host, Port: port},
	}
}

func threeVoterConfig() metapb.RaftConfig {
	return metapb.RaftConfig{
		OpIDIndex: 1,
		Peers: []metapb.RaftPeer{
			voterPeer("p1", "host-1", 1001),
			voterPeer("p2", "host-2", 1002),
			voterPeer("p3", "host-3", 1003),
		},
	}
}

func TestCreateAndLoad(t *testing.T) {
	fs := newTestFs(t)
	groupID := uuid.NewString()

	cm, err := Create(fs, groupID, "p1", threeVoterConfig(), 1, FLUSH_ON_CREATE)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cm.CurrentTerm())

	loaded, err := Load(fs, groupID, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.CurrentTerm())
	assert.Equal(t, threeVoterConfig(), loaded.CommittedConfig())
	assert.False(t, loaded.HasVotedFor())
	assert.Equal(t, int64(-1), loaded.LastPrunedTerm())
	assert.Greater(t, loaded.OnDiskSize(), uint64(0))
}

func TestCreateExisting(t *testing.T) {
	fs := newTestFs(t)
	groupID := uuid.NewString()

	_, err := Create(fs, groupID, "p1", threeVoterConfig(), 1, FLUSH_ON_CREATE)
	require.NoError(t, err)

	_, err = Create(fs, groupID, "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	assert.ErrorIs(t, err, ErrAlreadyPresent)

	_, err = Create(fs, groupID, "p1", threeVoterConfig(), 1, FLUSH_ON_CREATE)
	assert.Error(t, err)
}

func TestLoadMissing(t *testing.T) {
	fs := newTestFs(t)
	_, err := Load(fs, uuid.NewString(), "p1")
	assert.Error(t, err)
}

func TestCurrentTerm(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	for _, term := range []int64{2, 5, 5, 11} {
		cm.SetCurrentTerm(term)
		assert.Equal(t, term, cm.CurrentTerm())
	}
	assert.Panics(t, func() { cm.SetCurrentTerm(MinimumTerm - 1) })
}

func TestVotedFor(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	assert.False(t, cm.HasVotedFor())
	_, ok := cm.VotedFor()
	assert.False(t, ok)

	cm.SetVotedFor("p2")
	assert.True(t, cm.HasVotedFor())
	voted, ok := cm.VotedFor()
	assert.True(t, ok)
	assert.Equal(t, "p2", voted)

	cm.ClearVotedFor()
	assert.False(t, cm.HasVotedFor())

	assert.Panics(t, func() { cm.SetVotedFor("") })
}

func TestVoteHistoryCapacityPrune(t *testing.T) {
	prev := VoteHistoryMaxSize
	VoteHistoryMaxSize = 3
	defer func() { VoteHistoryMaxSize = prev }()

	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	votes := []struct {
		term      int64
		candidate string
	}{
		{5, "a"}, {6, "b"}, {7, "c"}, {8, "d"},
	}
	for _, v := range votes {
		cm.SetCurrentTerm(v.term)
		cm.SetVotedFor(v.candidate)
	}

	history := cm.PreviousVoteHistory()
	assert.Len(t, history, 3)
	for _, term := range []int64{6, 7, 8} {
		assert.Contains(t, history, term)
	}
	assert.NotContains(t, history, int64(5))
	assert.Equal(t, int64(5), cm.LastPrunedTerm())
	assert.Equal(t, "b", history[6].CandidateUUID)
}

func TestVoteHistoryLeaderPrune(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	for term, candidate := range map[int64]string{3: "a", 4: "b", 5: "c", 6: "d"} {
		cm.SetCurrentTerm(term)
		cm.SetVotedFor(candidate)
	}

	// Record p2 as leader at term 5 so history up to term 5 is stale.
	cm.SetCurrentTerm(5)
	cm.SetLeaderUUID("p2")
	require.NoError(t, cm.SyncLastKnownLeader())
	assert.Equal(t, metapb.LastKnownLeader{UUID: "p2", ElectionTerm: 5}, cm.LastKnownLeader())

	cm.SetCurrentTerm(7)
	cm.SetVotedFor("e")

	history := cm.PreviousVoteHistory()
	assert.Len(t, history, 2)
	assert.Contains(t, history, int64(6))
	assert.Contains(t, history, int64(7))
	assert.Equal(t, int64(5), cm.LastPrunedTerm())
}

func TestVoteHistorySurvivesFlush(t *testing.T) {
	fs := newTestFs(t)
	groupID := uuid.NewString()
	cm, err := Create(fs, groupID, "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	cm.SetCurrentTerm(4)
	cm.SetVotedFor("p3")
	require.NoError(t, cm.Flush(OVERWRITE))

	loaded, err := Load(fs, groupID, "p1")
	require.NoError(t, err)
	assert.Equal(t, cm.PreviousVoteHistory(), loaded.PreviousVoteHistory())
	voted, ok := loaded.VotedFor()
	assert.True(t, ok)
	assert.Equal(t, "p3", voted)
}

func TestConfigOverlay(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	committed := threeVoterConfig()
	assert.False(t, cm.HasPendingConfig())
	assert.Equal(t, committed, cm.ActiveConfig())
	_, err = cm.PendingConfig()
	assert.ErrorIs(t, err, ErrNoPendingConfig)

	pending := threeVoterConfig()
	pending.OpIDIndex = 2
	pending.Peers = append(pending.Peers, voterPeer("p4", "host-4", 1004))
	cm.SetPendingConfig(pending)

	assert.True(t, cm.HasPendingConfig())
	assert.Equal(t, pending, cm.ActiveConfig())
	got, err := cm.PendingConfig()
	require.NoError(t, err)
	assert.Equal(t, pending, got)
	assert.Equal(t, committed, cm.CommittedConfig())
	assert.Equal(t, int64(2), cm.ConfigOpIDIndex(ACTIVE_CONFIG))
	assert.Equal(t, int64(1), cm.ConfigOpIDIndex(COMMITTED_CONFIG))

	// With a pending config present, SetActiveConfig routes there.
	updated := pending.Clone()
	updated.OpIDIndex = 3
	cm.SetActiveConfig(updated)
	assert.Equal(t, updated, cm.ActiveConfig())
	assert.Equal(t, committed, cm.CommittedConfig())

	cm.ClearPendingConfig()
	assert.False(t, cm.HasPendingConfig())
	assert.Equal(t, committed, cm.ActiveConfig())

	// Without a pending config, SetActiveConfig replaces the committed one.
	updated.OpIDIndex = 4
	cm.SetActiveConfig(updated)
	assert.Equal(t, updated, cm.CommittedConfig())
}

func TestConfigQueries(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	assert.True(t, cm.IsVoterInConfig("p1", ACTIVE_CONFIG))
	assert.True(t, cm.IsMemberInConfig("p2", COMMITTED_CONFIG))
	assert.False(t, cm.IsVoterInConfig("p9", ACTIVE_CONFIG))
	assert.Equal(t, 3, cm.CountVotersInConfig(ACTIVE_CONFIG))

	d, ok := cm.MemberDetailInConfig("p2", ACTIVE_CONFIG)
	assert.True(t, ok)
	assert.Equal(t, quorum.MemberDetail{HostPort: "host-2:1002", IsVoter: true}, d)

	p, err := cm.ConfigMemberCopy("p3")
	require.NoError(t, err)
	assert.Equal(t, "p3", p.UUID)
	_, err = cm.ConfigMemberCopy("p9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVoterDistribution(t *testing.T) {
	fs := newTestFs(t)
	cfg := threeVoterConfig()
	cfg.VoterDistribution = map[string]int32{"region-a": 2, "region-b": 1}
	cm, err := Create(fs, uuid.NewString(), "p1", cfg, 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	vd, err := cm.VoterDistribution()
	require.NoError(t, err)
	assert.Equal(t, cfg.VoterDistribution, vd)
}

func TestActiveRole(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	assert.Equal(t, metapb.ROLE_NON_PARTICIPANT, cm.ActiveRole())

	cm.SetLeaderUUID("p1")
	assert.Equal(t, metapb.ROLE_LEADER, cm.ActiveRole())
	host, port := cm.LeaderHostPort()
	assert.Equal(t, "host-1", host)
	assert.Equal(t, uint32(1001), port)

	cm.SetLeaderUUID("p2")
	assert.Equal(t, metapb.ROLE_FOLLOWER, cm.ActiveRole())

	// Dropping self from the config demotes to non-participant.
	cfg := metapb.RaftConfig{Peers: []metapb.RaftPeer{
		voterPeer("p2", "host-2", 1002),
		voterPeer("p3", "host-3", 1003),
	}}
	cm.SetCommittedConfig(cfg)
	assert.Equal(t, metapb.ROLE_NON_PARTICIPANT, cm.ActiveRole())
}

func TestMergeCommittedState(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 3, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	cm.SetVotedFor("x")
	cm.SetLeaderUUID("p2")
	pending := threeVoterConfig()
	pending.OpIDIndex = 2
	cm.SetPendingConfig(pending)

	remote := threeVoterConfig()
	remote.OpIDIndex = 5
	cm.MergeCommittedState(metapb.ConsensusState{
		CurrentTerm:     5,
		CommittedConfig: remote,
	})

	assert.Equal(t, int64(5), cm.CurrentTerm())
	assert.False(t, cm.HasVotedFor())
	assert.Equal(t, "", cm.LeaderUUID())
	assert.Equal(t, remote, cm.CommittedConfig())
	assert.False(t, cm.HasPendingConfig())
}

func TestMergeCommittedStateStaleTerm(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 9, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)
	cm.SetVotedFor("x")

	cm.MergeCommittedState(metapb.ConsensusState{
		CurrentTerm:     5,
		CommittedConfig: threeVoterConfig(),
	})

	// A stale remote term does not lower ours or clear the vote.
	assert.Equal(t, int64(9), cm.CurrentTerm())
	assert.True(t, cm.HasVotedFor())
}

func TestRemovedPeers(t *testing.T) {
	prev := MaxRemovedPeers
	MaxRemovedPeers = 2
	defer func() { MaxRemovedPeers = prev }()

	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	// Members of the active config are never marked removed.
	cm.InsertIntoRemovedPeers("p2", "gone-1")
	assert.False(t, cm.IsPeerRemoved("p2"))
	assert.True(t, cm.IsPeerRemoved("gone-1"))
	assert.Equal(t, []string{"gone-1"}, cm.RemovedPeers())

	// Capacity eviction drops the oldest entry first.
	cm.InsertIntoRemovedPeers("gone-2", "gone-3")
	assert.Equal(t, []string{"gone-2", "gone-3"}, cm.RemovedPeers())
	assert.False(t, cm.IsPeerRemoved("gone-1"))

	cm.DeleteFromRemovedPeers("gone-2")
	assert.Equal(t, []string{"gone-3"}, cm.RemovedPeers())

	cm.ClearRemovedPeers()
	assert.Empty(t, cm.RemovedPeers())
}

func TestFlushInvalidConfig(t *testing.T) {
	fs := newTestFs(t)
	badCfg := metapb.RaftConfig{Peers: []metapb.RaftPeer{
		{UUID: "p1", MemberType: metapb.MEMBER_TYPE_VOTER},
	}}
	cm, err := Create(fs, uuid.NewString(), "p1", badCfg, 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	err = cm.Flush(OVERWRITE)
	assert.ErrorIs(t, err, quorum.ErrInvalidConfig)
}

func TestCompareAndSyncLastKnownLeader(t *testing.T) {
	fs := newTestFs(t)
	groupID := uuid.NewString()
	cm, err := Create(fs, groupID, "p1", threeVoterConfig(), 4, FLUSH_ON_CREATE)
	require.NoError(t, err)

	cm.SetLeaderUUID("p2")

	// Term moved on since the caller sampled it; nothing is recorded.
	require.NoError(t, cm.CompareAndSyncLastKnownLeader(3))
	assert.Equal(t, metapb.LastKnownLeader{}, cm.LastKnownLeader())

	require.NoError(t, cm.CompareAndSyncLastKnownLeader(4))
	want := metapb.LastKnownLeader{UUID: "p2", ElectionTerm: 4}
	assert.Equal(t, want, cm.LastKnownLeader())

	loaded, err := Load(fs, groupID, "p1")
	require.NoError(t, err)
	assert.Equal(t, want, loaded.LastKnownLeader())
}

func TestSyncLastKnownLeaderNoLeader(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)

	before := cm.FlushCountForTests()
	require.NoError(t, cm.SyncLastKnownLeader())
	assert.Equal(t, before, cm.FlushCountForTests())
}

func TestToConsensusState(t *testing.T) {
	fs := newTestFs(t)
	cm, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 2, NO_FLUSH_ON_CREATE)
	require.NoError(t, err)
	cm.SetLeaderUUID("p2")

	cstate := cm.ToConsensusState()
	assert.Equal(t, int64(2), cstate.CurrentTerm)
	assert.Equal(t, "p2", cstate.LeaderUUID)
	assert.Equal(t, threeVoterConfig(), cstate.CommittedConfig)
	assert.Nil(t, cstate.PendingConfig)

	pending := threeVoterConfig()
	pending.OpIDIndex = 9
	cm.SetPendingConfig(pending)
	cstate = cm.ToConsensusState()
	require.NotNil(t, cstate.PendingConfig)
	assert.Equal(t, pending, *cstate.PendingConfig)
}

func TestDeleteOnDiskData(t *testing.T) {
	fs := newTestFs(t)
	groupID := uuid.NewString()
	_, err := Create(fs, groupID, "p1", threeVoterConfig(), 1, FLUSH_ON_CREATE)
	require.NoError(t, err)

	require.NoError(t, DeleteOnDiskData(fs, groupID))
	_, err = Load(fs, groupID, "p1")
	assert.Error(t, err)
}

func TestFaultBeforeFlush(t *testing.T) {
	prev := FaultCrashBeforeCMetaFlush
	FaultCrashBeforeCMetaFlush = 1.0
	defer func() { FaultCrashBeforeCMetaFlush = prev }()

	exited := false
	restore := fault.SetExitFuncForTests(func(code int) { exited = true })
	defer restore()

	fs := newTestFs(t)
	_, err := Create(fs, uuid.NewString(), "p1", threeVoterConfig(), 1, FLUSH_ON_CREATE)
	require.NoError(t, err)
	assert.True(t, exited)
}

func TestFlushRoundTrip(t *testing.T) {
	fs := newTestFs(t)
	groupID := uuid.NewString()
	cm, err := Create(fs, groupID, "p1", threeVoterConfig(), 1, FLUSH_ON_CREATE)
	require.NoError(t, err)

	cm.SetCurrentTerm(8)
	cm.SetVotedFor("p2")
	cm.SetLeaderUUID("p2")
	require.NoError(t, cm.SyncLastKnownLeader())
	require.NoError(t, cm.Flush(OVERWRITE))

	loaded, err := Load(fs, groupID, "p1")
	require.NoError(t, err)
	assert.Equal(t, cm.CurrentTerm(), loaded.CurrentTerm())
	votedA, _ := cm.VotedFor()
	votedB, _ := loaded.VotedFor()
	assert.Equal(t, votedA, votedB)
	assert.Equal(t, cm.CommittedConfig(), loaded.CommittedConfig())
	assert.Equal(t, cm.LastKnownLeader(), loaded.LastKnownLeader())
	assert.Equal(t, cm.LastPrunedTerm(), loaded.LastPrunedTerm())
}

func TestLoadCorruptRecord(t *testing.T) {
	fs := newTestFs(t)
	groupID := uuid.NewString()
	_, err := Create(fs, groupID, "p1", threeVoterConfig(), 1, FLUSH_ON_CREATE)
	require.NoError(t, err)

	// Truncate the record so the framing no longer holds.
	require.NoError(t, os.Truncate(fs.MetaPath(groupID), 3))
	_, err = Load(fs, groupID, "p1")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrAlreadyPresent))
}
