package chunk

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

// Set is a bitset of confirmed chunk indices for a file of a known count.
// It is not safe for concurrent use.
type Set struct {
	count uint32
	len   uint32
	words []uint64
}

// NewSet returns an empty set for count chunks.
func NewSet(count uint32) *Set {
	return &Set{count: count, words: make([]uint64, (count+63)/64)}
}

// Count returns the number of chunks the set covers.
func (s *Set) Count() uint32 {
	return s.count
}

// Add marks index as confirmed. It reports whether the index was newly added.
func (s *Set) Add(index uint32) bool {
	if index >= s.count || s.Has(index) {
		return false
	}
	s.words[index/64] |= 1 << (index % 64)
	s.len++
	return true
}

// Has reports whether index is confirmed.
func (s *Set) Has(index uint32) bool {
	if index >= s.count {
		return false
	}
	return s.words[index/64]&(1<<(index%64)) != 0
}

// Len returns the number of confirmed indices.
func (s *Set) Len() uint32 {
	return s.len
}

// Complete reports whether every index is confirmed.
func (s *Set) Complete() bool {
	return s.len == s.count
}

// Cursor returns the lowest unconfirmed index, or Count when complete.
func (s *Set) Cursor() uint32 {
	for i, w := range s.words {
		if w != ^uint64(0) {
			idx := uint32(i*64 + bits.TrailingZeros64(^w))
			if idx > s.count {
				return s.count
			}
			return idx
		}
	}
	return s.count
}

// Missing returns the unconfirmed indices in ascending order.
func (s *Set) Missing() []uint32 {
	out := make([]uint32, 0, s.count-s.len)
	for i := s.Cursor(); i < s.count; i++ {
		if !s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Union adds every index of other to s. Both sets must cover the same count.
func (s *Set) Union(other *Set) {
	if other == nil || other.count != s.count {
		return
	}
	for i := uint32(0); i < s.count; i++ {
		if other.Has(i) {
			s.Add(i)
		}
	}
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	cp := &Set{count: s.count, len: s.len, words: make([]uint64, len(s.words))}
	copy(cp.words, s.words)
	return cp
}

// MarshalBinary encodes the set as a 4-byte count followed by the bitmap,
// least significant bit first.
func (s *Set) MarshalBinary() ([]byte, error) {
	out := make([]byte, 4+(s.count+7)/8)
	binary.BigEndian.PutUint32(out, s.count)
	for i := uint32(0); i < s.count; i++ {
		if s.Has(i) {
			out[4+i/8] |= 1 << (i % 8)
		}
	}
	return out, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary.
func (s *Set) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return errors.New("chunk set: short buffer")
	}
	count := binary.BigEndian.Uint32(data)
	if uint64(len(data)-4) != (uint64(count)+7)/8 {
		return errors.New("chunk set: length does not match count")
	}
	fresh := NewSet(count)
	for i := uint32(0); i < count; i++ {
		if data[4+i/8]&(1<<(i%8)) != 0 {
			fresh.Add(i)
		}
	}
	*s = *fresh
	return nil
}
