// Package hashset implements the "hashed-by-address" storage flavor named
// in spec.md's Raw Resource data model: a hash set keyed by a mapping's
// base address, hashed with xxhash rather than relying on Go's built-in
// map hash, so the bucket structure is an explicit, inspectable component
// the way the C++ original's std::unordered_map is explicit.
package hashset

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

const initialBuckets = 16

type entry[V any] struct {
	key uintptr
	val V
}

// Set is a hash set keyed by uintptr address, storing an arbitrary
// value V per key. It is not safe for concurrent use; callers needing
// concurrency must serialize externally, matching the single-owner model
// spec.md assigns to the memory-resource adapters that embed a Set.
type Set[V any] struct {
	buckets [][]entry[V]
	count   int
}

// New returns an empty Set.
func New[V any]() *Set[V] {
	return &Set[V]{buckets: make([][]entry[V], initialBuckets)}
}

func bucketIndex(key uintptr, numBuckets int) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return int(xxhash.Sum64(buf[:]) % uint64(numBuckets))
}

// Insert adds or replaces the value stored under key.
func (s *Set[V]) Insert(key uintptr, val V) {
	if float64(s.count+1) > 0.75*float64(len(s.buckets)) {
		s.grow()
	}
	idx := bucketIndex(key, len(s.buckets))
	for i, e := range s.buckets[idx] {
		if e.key == key {
			s.buckets[idx][i].val = val
			return
		}
	}
	s.buckets[idx] = append(s.buckets[idx], entry[V]{key: key, val: val})
	s.count++
}

// Get returns the value stored under key, if any.
func (s *Set[V]) Get(key uintptr) (V, bool) {
	idx := bucketIndex(key, len(s.buckets))
	for _, e := range s.buckets[idx] {
		if e.key == key {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Delete removes key from the set, returning its value if present.
func (s *Set[V]) Delete(key uintptr) (V, bool) {
	idx := bucketIndex(key, len(s.buckets))
	bucket := s.buckets[idx]
	for i, e := range bucket {
		if e.key == key {
			bucket[i] = bucket[len(bucket)-1]
			s.buckets[idx] = bucket[:len(bucket)-1]
			s.count--
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Len returns the number of entries in the set.
func (s *Set[V]) Len() int {
	return s.count
}

// Range calls fn for every entry in the set, in unspecified order. It stops
// early if fn returns false.
func (s *Set[V]) Range(fn func(key uintptr, val V) bool) {
	for _, bucket := range s.buckets {
		for _, e := range bucket {
			if !fn(e.key, e.val) {
				return
			}
		}
	}
}

func (s *Set[V]) grow() {
	old := s.buckets
	s.buckets = make([][]entry[V], len(old)*2)
	for _, bucket := range old {
		for _, e := range bucket {
			idx := bucketIndex(e.key, len(s.buckets))
			s.buckets[idx] = append(s.buckets[idx], e)
		}
	}
}
