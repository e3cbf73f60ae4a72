// Package resource implements the 24-byte resource identity (spec §3) and
// the block-partitioning arithmetic shared by the Provider and Fetcher
// (spec §3, §4.6, §4.7).
package resource

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HashSize is the size in bytes of the content hash half of an ID.
const HashSize = 16

// IDSize is the total wire/hex-printed size of an ID: 16-byte hash plus
// 8-byte big-endian length.
const IDSize = HashSize + 8

// Default block geometry (spec §6 "Constants").
const (
	MTU             = 512
	SymbolsPerBlock = 100
	BlockSize       = MTU * SymbolsPerBlock
)

// ID is the 24-byte tuple identifying a resource: its content hash (MD5 of
// the resource bytes) and its byte length. Equality is by exact match.
type ID struct {
	Hash   [HashSize]byte
	Length uint64
}

// ComputeID hashes data and returns its resource ID.
func ComputeID(data []byte) ID {
	return ID{Hash: md5.Sum(data), Length: uint64(len(data))}
}

// Equal reports whether two IDs match exactly.
func (id ID) Equal(other ID) bool {
	return id.Hash == other.Hash && id.Length == other.Length
}

// String renders the ID as 48 lowercase hex characters: hex(hash || length).
func (id ID) String() string {
	var buf [IDSize]byte
	copy(buf[:HashSize], id.Hash[:])
	binary.BigEndian.PutUint64(buf[HashSize:], id.Length)
	return hex.EncodeToString(buf[:])
}

// ParseID parses the 48-hex-character form produced by String.
func ParseID(s string) (ID, error) {
	if len(s) != IDSize*2 {
		return ID{}, fmt.Errorf("resource: id must be %d hex characters, got %d", IDSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("resource: malformed hex resource id: %w", err)
	}
	var id ID
	copy(id.Hash[:], raw[:HashSize])
	id.Length = binary.BigEndian.Uint64(raw[HashSize:])
	return id, nil
}

// NumBlocks returns the number of 1-based blocks a resource of this length
// partitions into (ceil(length / BlockSize), minimum 1 for a zero-length
// resource, which still has exactly one, empty, block).
func NumBlocks(length uint64) uint64 {
	if length == 0 {
		return 1
	}
	return (length + BlockSize - 1) / BlockSize
}

// BlockByteRange returns the half-open byte range [start, end) of blockID
// (1-based) within a resource of the given length. blockID must be in
// [1, NumBlocks(length)].
func BlockByteRange(length uint64, blockID uint64) (start, end uint64) {
	start = (blockID - 1) * BlockSize
	end = start + BlockSize
	if end > length {
		end = length
	}
	return start, end
}

// BlockSizeFor returns the effective size in bytes of blockID: BlockSize
// for every block but the last, and length mod BlockSize (or BlockSize if
// that is zero) for the last block. The single block of a zero-length
// resource has size 0.
func BlockSizeFor(length uint64, blockID uint64) int {
	start, end := BlockByteRange(length, blockID)
	return int(end - start)
}
