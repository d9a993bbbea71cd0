package consensus

import (
	"path/filepath"
)

const (
	metaDirName  = "consensus-meta"
	varsFileName = "persistent-vars.db"
)

// FsManager resolves the deterministic on-disk locations of durable
// consensus state under a single root directory. One FsManager serves
// all replication groups hosted by a server instance.
type FsManager struct {
	rootDir string
}

// NewFsManager returns an FsManager rooted at rootDir. The root is
// expected to exist; subdirectories are created lazily on flush.
func NewFsManager(rootDir string) *FsManager {
	return &FsManager{rootDir: rootDir}
}

// RootDir returns the root directory of this FsManager.
func (fs *FsManager) RootDir() string {
	return fs.rootDir
}

// MetaDir returns the directory holding consensus metadata files.
func (fs *FsManager) MetaDir() string {
	return filepath.Join(fs.rootDir, metaDirName)
}

// MetaPath returns the consensus metadata file path for a group.
func (fs *FsManager) MetaPath(groupID string) string {
	return filepath.Join(fs.MetaDir(), groupID)
}

// PersistentVarsPath returns the path of the persistent-vars store
// shared by all groups under this root.
func (fs *FsManager) PersistentVarsPath() string {
	return filepath.Join(fs.rootDir, varsFileName)
}
