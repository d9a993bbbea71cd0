package persistentvars

import (
	"fmt"
	"sync"

	"github.com/boltdb/bolt"

	"github.com/0xgpapad/kuduraft/consensus"
)

// Manager controls access to persistent vars across a server instance,
// so individual PersistentVars handles need not be passed around. A
// single bolt database under the FsManager root backs every group.
//
// Thread-safe across different groups only. Concurrent Create or Load
// for the same group must be externally synchronized.
type Manager struct {
	db *bolt.DB

	mu    sync.Mutex
	cache map[string]*PersistentVars
}

// NewManager opens (creating if missing) the persistent-vars store
// under fs's root.
func NewManager(fs *consensus.FsManager) (*Manager, error) {
	db, err := openDB(fs.PersistentVarsPath())
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:    db,
		cache: make(map[string]*PersistentVars),
	}, nil
}

// CreatePersistentVars creates the variable set for groupID. Fails
// with ErrAlreadyPresent if the group already has one.
func (m *Manager) CreatePersistentVars(groupID string) (*PersistentVars, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.cache[groupID]; ok {
		return nil, fmt.Errorf("%w: group %s", ErrAlreadyPresent, groupID)
	}
	err := m.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(groupID)) != nil {
			return fmt.Errorf("%w: group %s", ErrAlreadyPresent, groupID)
		}
		_, err := tx.CreateBucket([]byte(groupID))
		return err
	})
	if err != nil {
		return nil, err
	}
	pv := &PersistentVars{db: m.db, groupID: groupID}
	m.cache[groupID] = pv
	return pv, nil
}

// LoadPersistentVars returns the variable set for groupID, from the
// cache or from disk. Fails with ErrNotFound if the group has none.
func (m *Manager) LoadPersistentVars(groupID string) (*PersistentVars, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pv, ok := m.cache[groupID]; ok {
		return pv, nil
	}
	if !m.exists(groupID) {
		return nil, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	pv := &PersistentVars{db: m.db, groupID: groupID}
	m.cache[groupID] = pv
	return pv, nil
}

// DeletePersistentVars drops the group's variable set from the cache
// and from disk.
func (m *Manager) DeletePersistentVars(groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, groupID)
	return m.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(groupID)) == nil {
			return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
		}
		return tx.DeleteBucket([]byte(groupID))
	})
}

// PersistentVarsExist reports whether groupID has a variable set on
// disk.
func (m *Manager) PersistentVarsExist(groupID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exists(groupID)
}

func (m *Manager) exists(groupID string) bool {
	found := false
	_ = m.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(groupID)) != nil
		return nil
	})
	return found
}

// Close closes the underlying store. All handles become invalid.
func (m *Manager) Close() error {
	return m.db.Close()
}
