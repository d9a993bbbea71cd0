// Package persistentvars stores small durable per-group variables
// (sticky operational flags) in a single bolt database shared by all
// replication groups under one root directory. Each group gets its own
// bucket.
package persistentvars

import (
	"errors"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/0xgpapad/kuduraft/pkg/fileutil"
	"github.com/0xgpapad/kuduraft/pkg/xlog"
)

var logger = xlog.NewLogger("persistentvars", xlog.INFO)

var (
	// ErrNotFound is returned when a group or a variable is absent.
	ErrNotFound = errors.New("persistentvars: not found")

	// ErrAlreadyPresent is returned by create when the group already
	// has a variable set.
	ErrAlreadyPresent = errors.New("persistentvars: already present")
)

// PersistentVars is the durable variable set of one replication group.
// Handles are shared: the Manager returns the same instance to every
// caller for a given group.
type PersistentVars struct {
	db      *bolt.DB
	groupID string
}

func (pv *PersistentVars) bucketName() []byte {
	return []byte(pv.groupID)
}

// Set writes a variable. The write is committed before returning.
func (pv *PersistentVars) Set(key string, value []byte) error {
	return pv.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pv.bucketName())
		if b == nil {
			return fmt.Errorf("%w: group %s", ErrNotFound, pv.groupID)
		}
		return b.Put([]byte(key), value)
	})
}

// Get returns the value of key, or ErrNotFound.
func (pv *PersistentVars) Get(key string) ([]byte, error) {
	var val []byte
	err := pv.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(pv.bucketName())
		if b == nil {
			return fmt.Errorf("%w: group %s", ErrNotFound, pv.groupID)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: key %s", ErrNotFound, key)
		}
		val = make([]byte, len(v))
		copy(val, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (pv *PersistentVars) Delete(key string) error {
	return pv.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pv.bucketName())
		if b == nil {
			return fmt.Errorf("%w: group %s", ErrNotFound, pv.groupID)
		}
		return b.Delete([]byte(key))
	})
}

// Vars returns a snapshot of all variables of the group.
func (pv *PersistentVars) Vars() (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := pv.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(pv.bucketName())
		if b == nil {
			return fmt.Errorf("%w: group %s", ErrNotFound, pv.groupID)
		}
		return b.ForEach(func(k, v []byte) error {
			val := make([]byte, len(v))
			copy(val, v)
			out[string(k)] = val
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func openDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, fileutil.PrivateFileMode, nil)
	if err != nil {
		return nil, err
	}
	logger.Infof("opened persistent-vars store at %s", path)
	return db, nil
}
