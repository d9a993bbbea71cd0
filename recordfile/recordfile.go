// Package recordfile reads and writes single-record files: one
// length-prefixed, CRC-validated payload per file, written atomically.
package recordfile

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/0xgpapad/kuduraft/pkg/crcutil"
	"github.com/0xgpapad/kuduraft/pkg/fileutil"
)

var (
	ErrCRCMismatch = errors.New("recordfile: crc mismatch")
	ErrCorrupt     = errors.New("recordfile: corrupt record")
	ErrFileExists  = errors.New("recordfile: file already exists")
)

// WriteMode controls whether Write may replace an existing file.
type WriteMode int8

const (
	OVERWRITE WriteMode = iota
	NO_OVERWRITE
)

// SyncMode controls whether Write fsyncs before returning.
type SyncMode int8

const (
	SYNC SyncMode = iota
	NO_SYNC
)

// headerSize is the length prefix; trailerSize the CRC32C of the payload.
const (
	headerSize  = 4
	trailerSize = crcutil.Size
)

func encode(payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload)+trailerSize)
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	binary.BigEndian.PutUint32(buf[headerSize+len(payload):], crcutil.Checksum(payload))
	return buf
}

// Write stores payload as the single record in the file at fpath.
// The record is first written to a temporary file in the same
// directory, then renamed over fpath so that readers never observe a
// partial record. In SYNC mode both the temporary file and the parent
// directory are fsynced.
func Write(fpath string, payload []byte, wm WriteMode, sm SyncMode) error {
	if wm == NO_OVERWRITE && fileutil.ExistFileOrDir(fpath) {
		return ErrFileExists
	}

	data := encode(payload)
	tmp := fpath + ".tmp"

	var err error
	if sm == SYNC {
		err = fileutil.WriteSync(tmp, data, fileutil.PrivateFileMode)
	} else {
		err = os.WriteFile(tmp, data, fileutil.PrivateFileMode)
	}
	if err != nil {
		if fileutil.ExistFileOrDir(tmp) {
			err = multierr.Append(err, os.Remove(tmp))
		}
		return err
	}

	if err = os.Rename(tmp, fpath); err != nil {
		return multierr.Append(err, os.Remove(tmp))
	}

	if sm == SYNC {
		return fileutil.SyncDir(filepath.Dir(fpath))
	}
	return nil
}

// Read returns the payload of the record file at fpath. It fails with
// ErrCorrupt when the framing is damaged and ErrCRCMismatch when the
// payload does not match its checksum.
func Read(fpath string) ([]byte, error) {
	data, err := os.ReadFile(fpath)
	if err != nil {
		return nil, err
	}

	if len(data) < headerSize+trailerSize {
		return nil, ErrCorrupt
	}
	payloadN := int(binary.BigEndian.Uint32(data))
	if payloadN != len(data)-headerSize-trailerSize {
		return nil, ErrCorrupt
	}

	payload := data[headerSize : headerSize+payloadN]
	crc := binary.BigEndian.Uint32(data[headerSize+payloadN:])
	if crcutil.Checksum(payload) != crc {
		return nil, ErrCRCMismatch
	}
	return payload, nil
}

// Delete removes the record file at fpath.
func Delete(fpath string) error {
	return os.Remove(fpath)
}

// FileSize returns the on-disk size of the record file at fpath.
func FileSize(fpath string) (uint64, error) {
	return fileutil.FileSize(fpath)
}
