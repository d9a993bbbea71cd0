package consensus

import (
	"fmt"
	"sync"

	"github.com/0xgpapad/kuduraft/metapb"
	"github.com/0xgpapad/kuduraft/pkg/fileutil"
)

// Manager hands out at most one ConsensusMetadata instance per
// replication group, so that every caller on a server shares the same
// in-memory state and flush ordering. Safe for concurrent use across
// groups; per-group serialization is provided by ConsensusMetadata
// itself.
type Manager struct {
	fs *FsManager

	mu    sync.Mutex
	cache map[string]*ConsensusMetadata
}

// NewManager returns a Manager serving groups under fs.
func NewManager(fs *FsManager) *Manager {
	return &Manager{
		fs:    fs,
		cache: make(map[string]*ConsensusMetadata),
	}
}

// FsManager returns the filesystem layout this Manager serves.
func (m *Manager) FsManager() *FsManager {
	return m.fs
}

// CreateCMeta creates consensus metadata for a new group and caches it.
// It fails with ErrAlreadyPresent if the group is already cached. An
// existing on-disk record fails the create as described on Create.
func (m *Manager) CreateCMeta(
	groupID, peerUUID string,
	cfg metapb.RaftConfig,
	currentTerm int64,
	mode CreateMode,
) (*ConsensusMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache[groupID]; ok {
		return nil, fmt.Errorf("%w: group %s already managed", ErrAlreadyPresent, groupID)
	}
	cm, err := Create(m.fs, groupID, peerUUID, cfg, currentTerm, mode)
	if err != nil {
		return nil, err
	}
	m.cache[groupID] = cm
	return cm, nil
}

// LoadCMeta returns the cached metadata for groupID, reading it from
// disk on first use.
func (m *Manager) LoadCMeta(groupID, peerUUID string) (*ConsensusMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cm, ok := m.cache[groupID]; ok {
		return cm, nil
	}
	cm, err := Load(m.fs, groupID, peerUUID)
	if err != nil {
		return nil, err
	}
	m.cache[groupID] = cm
	return cm, nil
}

// DeleteCMeta drops groupID from the cache and removes its on-disk
// record.
func (m *Manager) DeleteCMeta(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, groupID)
	return DeleteOnDiskData(m.fs, groupID)
}

// Exists reports whether groupID has an on-disk consensus record,
// regardless of whether it is cached.
func (m *Manager) Exists(groupID string) bool {
	return fileutil.ExistFileOrDir(m.fs.MetaPath(groupID))
}
