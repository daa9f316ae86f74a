// Package admission implements the counting filter that rate-limits wake up
// requests sent to a queued download.
//
// The filter is approximate: distinct keys may share slots and inflate each
// other's count. Activation requests are rare so false positives are accepted.
package admission

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	// Slots is the number of 4-bit counters.
	Slots = 64
	// NumHashes is the number of slots a key maps to.
	NumHashes = 3
	maxCount  = 1<<4 - 1
)

// Filter is a counting bloom filter with 4-bit saturating counters.
// It is not safe for concurrent use.
type Filter struct {
	counters [Slots / 2]byte
	entries  int
	created  time.Time
}

// New returns an empty filter created at t.
func New(t time.Time) *Filter {
	return &Filter{created: t}
}

// Created returns the time the filter was built.
func (f *Filter) Created() time.Time { return f.created }

// EntryCount returns the number of adds not matched by a remove.
func (f *Filter) EntryCount() int { return f.entries }

// Add inserts key and returns the estimated number of times it has been added.
func (f *Filter) Add(key []byte) int {
	idx := indexes(key)
	for _, i := range idx {
		if v := f.get(i); v < maxCount {
			f.set(i, v+1)
		}
	}
	f.entries++
	return f.count(idx)
}

// Count returns the estimated number of times key has been added.
func (f *Filter) Count(key []byte) int {
	return f.count(indexes(key))
}

// Remove deletes one occurrence of key. It returns false if key is not present.
func (f *Filter) Remove(key []byte) bool {
	idx := indexes(key)
	if f.count(idx) == 0 {
		return false
	}
	for _, i := range idx {
		// Saturated counters lost their exact value and stay put.
		if v := f.get(i); v > 0 && v < maxCount {
			f.set(i, v-1)
		}
	}
	if f.entries > 0 {
		f.entries--
	}
	return true
}

// RemoveAll deletes every occurrence of key.
func (f *Filter) RemoveAll(key []byte) {
	for n := f.Count(key); n > 0; n-- {
		if !f.Remove(key) {
			return
		}
	}
}

func (f *Filter) count(idx [NumHashes]int) int {
	min := maxCount
	for _, i := range idx {
		if v := f.get(i); v < min {
			min = v
		}
	}
	return min
}

func (f *Filter) get(i int) int {
	b := f.counters[i/2]
	if i%2 == 0 {
		return int(b & 0x0f)
	}
	return int(b >> 4)
}

func (f *Filter) set(i, v int) {
	b := &f.counters[i/2]
	if i%2 == 0 {
		*b = *b&0xf0 | byte(v)
	} else {
		*b = *b&0x0f | byte(v)<<4
	}
}

// indexes derives NumHashes distinct slots with double hashing.
func indexes(key []byte) [NumHashes]int {
	h1 := xxhash.Sum64(key)
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], h1)
	h2 := xxhash.Sum64(append(seed[:], key...)) | 1
	var idx [NumHashes]int
	used := make(map[int]bool, NumHashes)
	for i, n := 0, uint64(0); i < NumHashes; n++ {
		j := int((h1 + n*h2) % Slots)
		if used[j] {
			continue
		}
		used[j] = true
		idx[i] = j
		i++
	}
	return idx
}
