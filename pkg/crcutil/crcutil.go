package crcutil

import (
	"hash"
	"hash/crc32"
)

// Size of a CRC-32 checksum in bytes.
const Size = 4

// CastagnoliTable is the table for the Castagnoli polynomial,
// the polynomial used for all on-disk records in this repository.
var CastagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC-32 checksum of data using the
// Castagnoli polynomial.
func Checksum(data []byte) uint32 {
	return crc32.Checksum(data, CastagnoliTable)
}

type digest struct {
	crc uint32
	tab *crc32.Table
}

// New creates a new hash.Hash32 computing the CRC-32 checksum
// using the polynomial represented by the Table.
// It differs from the standard crc32.New in that it accepts the
// initial crc, so that a sequence of records can share one
// rolling checksum.
func New(prev uint32, tab *crc32.Table) hash.Hash32 {
	return &digest{prev, tab}
}

func (d *digest) Size() int { return Size }

func (d *digest) BlockSize() int { return 1 }

func (d *digest) Reset() { d.crc = 0 }

func (d *digest) Write(p []byte) (n int, err error) {
	d.crc = crc32.Update(d.crc, d.tab, p)
	return len(p), nil
}

func (d *digest) Sum32() uint32 { return d.crc }

func (d *digest) Sum(in []byte) []byte {
	s := d.Sum32()
	return append(in, byte(s>>24), byte(s>>16), byte(s>>8), byte(s))
}
