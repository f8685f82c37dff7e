// Package hashset implements the in-memory "already present" set of
// blob hashes the backup engine consults to skip re-copying content it
// has already written to the repository during this run.
package hashset

import (
	"encoding/binary"

	"github.com/ewxrjk/hbackup/plumbing/hash"
)

// TableSize is the fixed bucket count, HASHTABLE_SIZE = 2^22 per
// spec.md 4.B. SHA-1 output is uniformly distributed, so a fixed-size
// open-chaining table indexed by the hash's leading machine word gives
// expected O(1) membership and insert without a resize path.
const TableSize = 1 << 22

// Set is a fixed-capacity, process-lived set of content hashes. It is
// not persisted: a fresh Set is built at the start of every run.
type Set struct {
	buckets [][]hash.Hash
	count   int
}

// New returns an empty Set.
func New() *Set {
	return &Set{buckets: make([][]hash.Hash, TableSize)}
}

func bucketOf(h hash.Hash) uint32 {
	word := binary.BigEndian.Uint64(h[:8])
	return uint32(word % TableSize)
}

// Contains reports whether h has been inserted.
func (s *Set) Contains(h hash.Hash) bool {
	b := bucketOf(h)
	for _, existing := range s.buckets[b] {
		if existing == h {
			return true
		}
	}
	return false
}

// Insert adds h to the set. Insert is idempotent.
func (s *Set) Insert(h hash.Hash) {
	b := bucketOf(h)
	for _, existing := range s.buckets[b] {
		if existing == h {
			return
		}
	}
	s.buckets[b] = append(s.buckets[b], h)
	s.count++
}

// Len returns the number of distinct hashes inserted so far.
func (s *Set) Len() int {
	return s.count
}
